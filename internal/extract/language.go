package extract

import (
	"regexp"
	"strings"
)

// DefaultLanguage is assumed when a reply carries no language signal.
// Coco Volare's primary market is Spanish-speaking.
const DefaultLanguage = "es"

var langField = regexp.MustCompile(`"lang(?:uage)?"\s*:\s*"([a-zA-Z]{2})`)

// Checked in order; first language with the most keyword hits wins.
var languageKeywords = []struct {
	lang  string
	words []string
}{
	{"es", []string{"día 1", "vuelo", "salida", "tu viaje", "precio"}},
	{"en", []string{"day 1", "flight", "departure", "your trip", "price"}},
	{"it", []string{"giorno 1", "volo", "partenza", "il tuo viaggio", "prezzo"}},
}

// GuessLanguage inspects a partially-arrived reply for a language hint:
// first an explicit lang/language JSON field, then domain keywords.
// Falls back to DefaultLanguage when nothing matches.
func GuessLanguage(text string) string {
	if m := langField.FindStringSubmatch(text); m != nil {
		return strings.ToLower(m[1])
	}
	lowered := strings.ToLower(text)
	best, bestHits := DefaultLanguage, 0
	for _, entry := range languageKeywords {
		hits := 0
		for _, w := range entry.words {
			if strings.Contains(lowered, w) {
				hits++
			}
		}
		if hits > bestHits {
			best, bestHits = entry.lang, hits
		}
	}
	return best
}
