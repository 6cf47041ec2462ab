package extract

import (
	"encoding/json"
	"regexp"
	"strings"
)

// anyFence matches any triple-backtick block regardless of tag.
var anyFence = regexp.MustCompile("(?s)```[^\n]*\n(.*?)```")

// minLeadingProse is the minimum prose length required before a bare
// trailing JSON object is split off. A reply that is nothing but JSON is
// deliberately left alone: the caller treats it as plain text.
const minLeadingProse = 3

// TrailingJSON splits a trailing embedded JSON payload from a completed
// reply. It prefers a trailing fenced block, then falls back to the last
// bare { or [ in the text. Best effort: pathological brace placement can
// defeat it, in which case the original text comes back with a nil payload.
func TrailingJSON(text string) (string, any) {
	if prose, obj, ok := trailingFence(text); ok {
		return prose, obj
	}
	if prose, obj, ok := trailingBare(text); ok {
		return prose, obj
	}
	return text, nil
}

func trailingFence(text string) (string, any, bool) {
	locs := anyFence.FindAllStringSubmatchIndex(text, -1)
	if len(locs) == 0 {
		return "", nil, false
	}
	last := locs[len(locs)-1]
	if strings.TrimSpace(text[last[1]:]) != "" {
		// Content after the fence means it is not trailing.
		return "", nil, false
	}
	body := strings.TrimRight(text[last[2]:last[3]], "\n")
	var obj any
	if err := json.Unmarshal([]byte(body), &obj); err != nil {
		return "", nil, false
	}
	prose := strings.TrimRight(text[:last[0]], " \t\n")
	if prose == "" {
		return "", nil, false
	}
	return prose, obj, true
}

func trailingBare(text string) (string, any, bool) {
	idx := strings.LastIndexAny(text, "{[")
	if idx < 0 {
		return "", nil, false
	}
	var obj any
	if err := json.Unmarshal([]byte(text[idx:]), &obj); err != nil {
		return "", nil, false
	}
	prose := strings.TrimRight(text[:idx], " \t\n")
	if len(prose) < minLeadingProse {
		return "", nil, false
	}
	return prose, obj, true
}
