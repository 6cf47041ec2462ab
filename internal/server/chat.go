package server

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/cocovolare/concierge/internal/assistant"
	"github.com/cocovolare/concierge/internal/extract"
	"github.com/cocovolare/concierge/pkg/assistants"
)

type chatRequest struct {
	Message json.RawMessage `json:"message"`
}

// handleChat streams a stateless chat completion straight through as plain
// text. No thread, no tools; the widget uses this for quick replies before
// a conversation thread exists.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid-json")
		return
	}
	text := messageText(req.Message)
	if text == "" {
		writeError(w, http.StatusBadRequest, "message-required")
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	messages := []assistants.ChatMessage{{Role: "user", Content: text}}
	if written, err := s.ai.StreamText(r.Context(), s.cfg.OpenAI.ReplyModel, messages, w); err != nil {
		if written == "" {
			// Nothing streamed yet, so the status line is still ours.
			writeError(w, http.StatusBadGateway, "upstream-error")
			return
		}
		// Headers are committed once streaming starts; log and stop.
		slog.Error("chat stream failed", "error", err)
	}
}

type replyRequest struct {
	Message json.RawMessage `json:"message"`
}

// handleReply answers one message via a direct chat completion, no
// assistant or thread state involved.
func (s *Server) handleReply(w http.ResponseWriter, r *http.Request) {
	var req replyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid-json")
		return
	}
	text := messageText(req.Message)
	if text == "" {
		writeError(w, http.StatusBadRequest, "message-required")
		return
	}
	reply, err := s.ai.Complete(r.Context(), s.cfg.OpenAI.ReplyModel, []assistants.ChatMessage{
		{Role: "user", Content: text},
	})
	if err != nil {
		slog.Error("reply completion failed", "error", err)
		writeError(w, http.StatusBadGateway, "upstream-error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"reply": reply})
}

type spaChatRequest struct {
	Messages []struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"messages"`
}

// handleSpaChat serves the demo itinerary stub used for showroom builds of
// the single-page widget. Disabled unless auto_draft is on.
func (s *Server) handleSpaChat(w http.ResponseWriter, r *http.Request) {
	if !s.cfg.AutoDraft {
		writeError(w, http.StatusNotImplemented, "auto-draft-disabled")
		return
	}
	var req spaChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid-json")
		return
	}
	var lastUser string
	for _, m := range req.Messages {
		if m.Role == "user" && strings.TrimSpace(m.Content) != "" {
			lastUser = strings.TrimSpace(m.Content)
		}
	}
	if lastUser == "" {
		writeError(w, http.StatusBadRequest, "messages-required")
		return
	}

	summary := lastUser
	if runes := []rune(summary); len(runes) > 140 {
		summary = string(runes[:140])
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"assistantText": "Aquí tienes un primer borrador de tu itinerario. ¿Quieres ajustar fechas o destinos?",
		"itineraryPartial": map[string]any{
			"cardType":  "itinerary",
			"tripTitle": "Borrador de viaje",
			"summary":   summary,
			"lang":      extract.GuessLanguage(lastUser),
			"days": []any{
				map[string]any{"title": "Día 1", "summary": "Llegada y bienvenida"},
			},
		},
	})
}

// sseDeltaSize is how much reply text goes into each delta frame when
// replaying a completed turn as an event stream.
const sseDeltaSize = 120

// handleTurnEvents runs the same turn as the stream route but answers with
// server-sent events: heartbeats while the run is in flight, then the reply
// as delta frames and a final frame.
func (s *Server) handleTurnEvents(w http.ResponseWriter, r *http.Request) {
	var req turnRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid-json")
		return
	}
	text := messageText(req.Message)
	if text == "" {
		writeError(w, http.StatusBadRequest, "message-required")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming-unsupported")
		return
	}

	threadID := resolveThread(r, r.PathValue("id"), req.ThreadID)
	ctx := r.Context()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")

	if threadID != "" && !s.locker.Acquire(ctx, threadID) {
		sendEvent(w, flusher, "error", `{"error":"thread-busy"}`)
		return
	}

	type outcome struct {
		result *assistant.TurnResult
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		result, err := s.driver.RunTurn(ctx, threadID, text)
		done <- outcome{result: result, err: err}
	}()

	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			sendEvent(w, flusher, "hb", "{}")
		case out := <-done:
			if threadID != "" {
				s.finishTurn(threadID)
			}
			if out.err != nil {
				slog.Error("event turn failed", "error", out.err)
				sendEvent(w, flusher, "error", `{"error":"upstream-error"}`)
				return
			}
			s.emitReply(w, flusher, out.result)
			return
		case <-ctx.Done():
			if threadID != "" {
				s.finishTurn(threadID)
			}
			return
		}
	}
}

// emitReply replays a completed reply as delta frames followed by a final
// frame carrying the full text and thread id.
func (s *Server) emitReply(w io.Writer, flusher http.Flusher, result *assistant.TurnResult) {
	runes := []rune(result.Reply)
	for start := 0; start < len(runes); start += sseDeltaSize {
		end := start + sseDeltaSize
		if end > len(runes) {
			end = len(runes)
		}
		chunk, _ := json.Marshal(map[string]string{"text": string(runes[start:end])})
		sendEvent(w, flusher, "delta", string(chunk))
	}
	final, _ := json.Marshal(map[string]string{"text": result.Reply, "threadId": result.ThreadID})
	sendEvent(w, flusher, "final", string(final))
}

func sendEvent(w io.Writer, flusher http.Flusher, label, data string) {
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", label, data)
	flusher.Flush()
}
