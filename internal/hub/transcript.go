package hub

import (
	"fmt"
	"regexp"
	"strings"

	htmltomarkdown "github.com/JohannesKaufmann/html-to-markdown/v2"
	"github.com/pkoukk/tiktoken-go"
)

// maxTranscriptTokens bounds the transcript attached as a CRM note; Kommo
// rejects oversized note bodies and old history adds little for an agent
// skimming a lead.
const maxTranscriptTokens = 3000

var htmlTag = regexp.MustCompile(`<[a-zA-Z][^>]*>`)

// TranscriptMessage is one widget turn to include in a CRM transcript note.
type TranscriptMessage struct {
	Role string `json:"role"`
	Body string `json:"body"`
}

// Transcripter renders widget conversations into token-budgeted markdown
// transcripts for the attach_transcript bridge endpoint.
type Transcripter struct {
	tokenizer *tiktoken.Tiktoken
}

// NewTranscripter creates a Transcripter using the cl100k_base encoding.
func NewTranscripter() (*Transcripter, error) {
	enc, err := tiktoken.GetEncoding("cl100k_base")
	if err != nil {
		return nil, fmt.Errorf("get tokenizer: %w", err)
	}
	return &Transcripter{tokenizer: enc}, nil
}

// Format renders messages as a markdown transcript. Rich-text bodies the
// widget captured as HTML are converted to markdown; the result is
// truncated from the front so the most recent turns survive the token
// budget.
func (t *Transcripter) Format(messages []TranscriptMessage) string {
	var b strings.Builder
	for _, m := range messages {
		body := m.Body
		if htmlTag.MatchString(body) {
			if md, err := htmltomarkdown.ConvertString(body); err == nil {
				body = md
			}
		}
		fmt.Fprintf(&b, "**%s**: %s\n\n", strings.ToUpper(m.Role), strings.TrimSpace(body))
	}
	return t.truncate(strings.TrimSpace(b.String()))
}

// truncate drops leading tokens beyond the budget, keeping the tail.
func (t *Transcripter) truncate(text string) string {
	tokens := t.tokenizer.Encode(text, nil, nil)
	if len(tokens) <= maxTranscriptTokens {
		return text
	}
	kept := t.tokenizer.Decode(tokens[len(tokens)-maxTranscriptTokens:])
	return "[…]\n" + kept
}
