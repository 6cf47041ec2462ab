package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/cocovolare/concierge/internal/assistant"
	"github.com/cocovolare/concierge/internal/extract"
	"github.com/cocovolare/concierge/internal/lock"
)

// busyReply is returned when a turn arrives while the thread is still
// working on the previous one. The parked turn replays once the lock
// releases.
const busyReply = "Un momento, sigo preparando la respuesta anterior."

// turnRequest is the JSON body for the stream and events routes.
type turnRequest struct {
	Message         json.RawMessage `json:"message"`
	ThreadID        string          `json:"threadId"`
	ClientMessageID string          `json:"clientMessageId"`
}

// turnResponse is the answer for one completed assistant turn. Fences are
// stripped out of the reply and delivered as structured blocks so the
// widget can render cards instead of raw JSON.
type turnResponse struct {
	Reply    string          `json:"reply"`
	ThreadID string          `json:"threadId"`
	Blocks   *extract.Blocks `json:"blocks,omitempty"`
	Language string          `json:"language,omitempty"`
}

func (s *Server) handleTurn(w http.ResponseWriter, r *http.Request) {
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

	threadID := resolveThread(r, r.PathValue("id"), req.ThreadID)
	clientMsgID := req.ClientMessageID
	if clientMsgID == "" {
		clientMsgID = uuid.NewString()
	}

	ctx := r.Context()
	if threadID != "" {
		if req.ClientMessageID != "" {
			if runID, ok := s.locker.LookupRun(ctx, threadID, req.ClientMessageID); ok {
				resp := map[string]any{"ok": true, "status": "in-flight", "threadId": threadID}
				if runID != lock.RunPending {
					resp["runId"] = runID
				}
				writeJSON(w, http.StatusAccepted, resp)
				return
			}
		}
		for !s.locker.Acquire(ctx, threadID) {
			queued := s.locker.EnqueueIfLocked(ctx, threadID, lock.QueueItem{
				ThreadID:        threadID,
				UserText:        text,
				ClientMessageID: clientMsgID,
			})
			if queued {
				writeJSON(w, http.StatusAccepted, map[string]any{
					"queued": true, "reply": busyReply, "threadId": threadID,
				})
				return
			}
			// The holder released between the failed acquire and the
			// enqueue; take the lock and run the turn here.
		}
		// Mark the turn before dispatch so a retry of the same client
		// message sees it in flight instead of dispatching again.
		s.locker.MapRun(ctx, threadID, req.ClientMessageID, lock.RunPending)
	}

	result, err := s.driver.RunTurn(ctx, threadID, text)
	if err != nil {
		if threadID != "" {
			s.locker.DropRun(ctx, threadID, req.ClientMessageID)
			s.finishTurn(threadID)
		}
		s.writeTurnError(w, err)
		return
	}

	s.locker.MapRun(ctx, result.ThreadID, req.ClientMessageID, result.RunID)
	if threadID != "" {
		s.finishTurn(threadID)
	}
	if _, err := r.Cookie(threadCookie); err != nil {
		s.setThreadCookie(w, result.ThreadID)
	}
	s.ensureSID(w, r)

	writeJSON(w, http.StatusOK, s.buildTurnResponse(result))
}

// buildTurnResponse strips structured fences from the reply, forwards any
// embedded CRM ops to the bridge in the background, and picks a language
// hint when an itinerary card is present.
func (s *Server) buildTurnResponse(result *assistant.TurnResult) turnResponse {
	cleaned, blocks := extract.ExtractBlocks(result.Reply)
	if s.cfg.DiagnosticMode {
		slog.Debug("turn extracted",
			"thread_id", result.ThreadID,
			"itineraries", len(blocks.Itineraries),
			"quotes", len(blocks.Quotes),
			"kommo_ops", len(blocks.KommoOps))
	}

	resp := turnResponse{Reply: cleaned, ThreadID: result.ThreadID}
	if !blocks.Empty() {
		resp.Blocks = &blocks
		if len(blocks.Itineraries) > 0 {
			resp.Language = extract.GuessLanguage(result.Reply)
		}
	}
	if len(blocks.KommoOps) > 0 && s.bridge.Configured() {
		go s.forwardOps(result.ThreadID, blocks.KommoOps)
	}
	return resp
}

// forwardOps pushes assistant-embedded CRM ops to the bridge best effort;
// a bridge outage must not fail the chat turn that carried the ops.
func (s *Server) forwardOps(threadID string, ops []map[string]any) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	result, err := s.bridge.Dispatch(ctx, s.prepareOps(ops), threadID)
	if err != nil {
		status := 0
		if result != nil {
			status = result.Status
		}
		slog.Warn("embedded op forward failed", "thread_id", threadID, "status", status, "error", err)
		s.notifier.DispatchFailed(threadID, status)
		return
	}
	s.announceLeads(threadID, ops)
}

func (s *Server) writeTurnError(w http.ResponseWriter, err error) {
	var failed *assistant.RunFailedError
	switch {
	case errors.As(err, &failed):
		slog.Error("assistant run failed", "status", failed.Status, "code", failed.Code)
		writeJSON(w, http.StatusBadGateway, map[string]string{
			"error": "assistant-run-failed", "status": string(failed.Status),
		})
	case errors.Is(err, assistant.ErrRunTimeout):
		writeError(w, http.StatusGatewayTimeout, "run-timeout")
	default:
		slog.Error("assistant turn failed", "error", err)
		writeError(w, http.StatusBadGateway, "upstream-error")
	}
}

// finishTurn releases the thread lock and kicks off a drain of any turns
// that were parked while it was held.
func (s *Server) finishTurn(threadID string) {
	s.locker.Release(context.Background(), threadID)
	if s.locker.QueueLen(threadID) == 0 {
		return
	}
	go s.replayQueue(threadID)
}

// replayQueue runs parked turns for threadID in arrival order, re-taking
// the lock per turn. Concurrency across threads is capped so a burst of
// releases cannot flood the provider.
func (s *Server) replayQueue(threadID string) {
	ctx := context.Background()
	if err := s.replays.Acquire(ctx, 1); err != nil {
		return
	}
	defer s.replays.Release(1)

	for s.locker.QueueLen(threadID) > 0 {
		// Take the lock before touching the queue so a failed acquire
		// leaves the parked turns in arrival order for whoever holds it.
		if !s.acquireWithRetry(ctx, threadID) {
			// A live request took the thread back; its release drains
			// the rest.
			return
		}
		item, ok := s.locker.Dequeue(threadID)
		if !ok {
			s.locker.Release(ctx, threadID)
			return
		}
		if _, dispatched := s.locker.LookupRun(ctx, threadID, item.ClientMessageID); dispatched {
			// A retry of an already dispatched client message.
			s.locker.Release(ctx, threadID)
			continue
		}
		s.locker.MapRun(ctx, threadID, item.ClientMessageID, lock.RunPending)
		result, err := s.driver.RunTurn(ctx, threadID, item.UserText)
		if err != nil {
			s.locker.DropRun(ctx, threadID, item.ClientMessageID)
			s.locker.Release(ctx, threadID)
			slog.Warn("queued turn failed", "thread_id", threadID, "error", err)
			continue
		}
		s.locker.MapRun(ctx, threadID, item.ClientMessageID, result.RunID)
		s.locker.Release(ctx, threadID)
	}
}

func (s *Server) acquireWithRetry(ctx context.Context, threadID string) bool {
	for attempt := 0; attempt < 3; attempt++ {
		if s.locker.Acquire(ctx, threadID) {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(200 * time.Millisecond):
		}
	}
	return false
}

type cancelRequest struct {
	ThreadID string `json:"threadId"`
	RunID    string `json:"runId"`
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	var req cancelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid-json")
		return
	}
	if req.ThreadID == "" {
		writeError(w, http.StatusBadRequest, "threadId-required")
		return
	}
	result, err := s.driver.Cancel(r.Context(), req.ThreadID, req.RunID)
	if err != nil {
		slog.Error("cancel failed", "thread_id", req.ThreadID, "error", err)
		writeError(w, http.StatusBadGateway, "cancel-failed")
		return
	}
	writeJSON(w, http.StatusOK, result)
}

type pullRequest struct {
	ThreadID         string `json:"threadId"`
	KnownFingerprint string `json:"knownFingerprint"`
}

func (s *Server) handlePull(w http.ResponseWriter, r *http.Request) {
	var req pullRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid-json")
		return
	}
	if req.ThreadID == "" {
		writeError(w, http.StatusBadRequest, "threadId-required")
		return
	}
	result, err := s.driver.Pull(r.Context(), req.ThreadID, req.KnownFingerprint)
	if err != nil {
		slog.Error("pull failed", "thread_id", req.ThreadID, "error", err)
		writeError(w, http.StatusBadGateway, "pull-failed")
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	s.ensureSID(w, r)
	if c, err := r.Cookie(sessionCookie); err == nil && c.Value != "" {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "threadId": c.Value})
		return
	}
	thread, err := s.ai.CreateThread(r.Context())
	if err != nil {
		slog.Error("session thread create failed", "error", err)
		writeError(w, http.StatusBadGateway, "thread-create-failed")
		return
	}
	s.setSessionCookie(w, thread.ID)
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "threadId": thread.ID})
}
