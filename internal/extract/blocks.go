package extract

import (
	"encoding/json"
	"regexp"
	"strings"
)

// Blocks holds the structured payloads stripped out of one assistant reply.
type Blocks struct {
	Itineraries []map[string]any `json:"itineraries,omitempty"`
	Quotes      []map[string]any `json:"quotes,omitempty"`
	KommoOps    []map[string]any `json:"kommoOps,omitempty"`
}

// Empty reports whether no structured payload was found.
func (b Blocks) Empty() bool {
	return len(b.Itineraries) == 0 && len(b.Quotes) == 0 && len(b.KommoOps) == 0
}

var (
	kindFence    = regexp.MustCompile("(?s)```(itinerary|quote|kommo)[^\n]*\n(.*?)```")
	jsonFence    = regexp.MustCompile("(?s)```json[^\n]*\n(.*?)```")
	itineraryTag = regexp.MustCompile("```[A-Za-z0-9_-]*itinerary")
)

// ExtractBlocks pulls itinerary/quote/kommo fences out of text, routing each
// parsed body into its bucket, and returns the text with all matched fences
// removed. A kommo body contributes only through its ops array. Bare ```json
// fences shaped like an itinerary are a fallback, taken only when no
// itinerary-tagged fence appears anywhere in the text; the gate is on the
// tag being present, not on it having parsed, matching longstanding widget
// behavior.
func ExtractBlocks(text string) (string, Blocks) {
	var blocks Blocks

	clean := kindFence.ReplaceAllStringFunc(text, func(match string) string {
		m := kindFence.FindStringSubmatch(match)
		kind, body := m[1], strings.TrimRight(m[2], "\n")
		var parsed map[string]any
		if err := json.Unmarshal([]byte(body), &parsed); err != nil {
			return ""
		}
		switch kind {
		case "itinerary":
			blocks.Itineraries = append(blocks.Itineraries, parsed)
		case "quote":
			blocks.Quotes = append(blocks.Quotes, parsed)
		case "kommo":
			ops, ok := parsed["ops"].([]any)
			if !ok {
				return ""
			}
			for _, op := range ops {
				if m, ok := op.(map[string]any); ok {
					blocks.KommoOps = append(blocks.KommoOps, m)
				}
			}
		}
		return ""
	})

	if !itineraryTag.MatchString(text) {
		clean = jsonFence.ReplaceAllStringFunc(clean, func(match string) string {
			m := jsonFence.FindStringSubmatch(match)
			body := strings.TrimRight(m[1], "\n")
			var parsed map[string]any
			if err := json.Unmarshal([]byte(body), &parsed); err != nil {
				return match
			}
			if !looksLikeItinerary(parsed) {
				return match
			}
			blocks.Itineraries = append(blocks.Itineraries, parsed)
			return ""
		})
	}

	return strings.TrimSpace(clean), blocks
}

// looksLikeItinerary applies the shape heuristic for untagged JSON blocks.
func looksLikeItinerary(obj map[string]any) bool {
	if tag, _ := obj["cardType"].(string); tag == "itinerary" {
		return true
	}
	_, hasTitle := obj["tripTitle"]
	_, hasSummary := obj["summary"]
	_, daysIsArray := obj["days"].([]any)
	return hasTitle && hasSummary && daysIsArray
}

// HasItineraryTag reports whether an itinerary fence tag is present, even
// when the JSON body has not fully arrived yet. Used mid-stream to flip the
// UI into draft-card mode before the block is parseable.
func HasItineraryTag(text string) bool {
	return itineraryTag.MatchString(text)
}
