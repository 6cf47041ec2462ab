package extract

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"regexp"
	"strings"

	"github.com/samber/lo"
)

// Fence is one delimited block pulled out of assistant-authored text.
// Parsed is nil unless the body was attempted and succeeded as JSON.
type Fence struct {
	Kind        string
	RawBody     string
	Parsed      map[string]any
	ContentHash string
	ValidJSON   bool
}

// taggedFence matches ```tag [modifier]\n body \n``` blocks. The tag must
// start with a letter so bare ``` fences don't match.
var taggedFence = regexp.MustCompile("(?s)```([A-Za-z][A-Za-z0-9_-]*)[^\n]*\n(.*?)```")

// ContentHash returns a digest of the body with all whitespace runs
// collapsed, so formatting-only differences hash identically.
func ContentHash(body string) string {
	normalized := strings.Join(strings.Fields(body), " ")
	sum := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(sum[:])
}

// ScanFences finds every tagged fence in text. Bodies tagged json or
// itinerary are parsed eagerly; other tags are recorded unparsed.
func ScanFences(text string) []Fence {
	matches := taggedFence.FindAllStringSubmatch(text, -1)
	fences := make([]Fence, 0, len(matches))
	for _, m := range matches {
		kind := strings.ToLower(m[1])
		body := strings.TrimRight(m[2], "\n")
		f := Fence{
			Kind:        kind,
			RawBody:     body,
			ContentHash: ContentHash(body),
		}
		if kind == "json" || strings.Contains(kind, "itinerary") {
			var parsed map[string]any
			if err := json.Unmarshal([]byte(body), &parsed); err == nil {
				f.Parsed = parsed
				f.ValidJSON = true
			}
		}
		fences = append(fences, f)
	}
	return fences
}

// BestItinerary picks the richest itinerary candidate from a fence scan:
// valid-JSON fences whose tag contains "itinerary", deduplicated by content
// hash (longest raw body kept), then the one with the most days entries,
// ties broken by raw body length.
func BestItinerary(fences []Fence) (Fence, bool) {
	candidates := lo.Filter(fences, func(f Fence, _ int) bool {
		return f.ValidJSON && strings.Contains(f.Kind, "itinerary")
	})
	if len(candidates) == 0 {
		return Fence{}, false
	}

	byHash := make(map[string]Fence)
	for _, f := range candidates {
		if kept, ok := byHash[f.ContentHash]; !ok || len(f.RawBody) > len(kept.RawBody) {
			byHash[f.ContentHash] = f
		}
	}
	deduped := lo.Values(byHash)

	best := lo.MaxBy(deduped, func(a, b Fence) bool {
		da, db := dayCount(a), dayCount(b)
		if da != db {
			return da > db
		}
		return len(a.RawBody) > len(b.RawBody)
	})
	return best, true
}

func dayCount(f Fence) int {
	days, ok := f.Parsed["days"].([]any)
	if !ok {
		return 0
	}
	return len(days)
}
