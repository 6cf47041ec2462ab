package server

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/cocovolare/concierge/internal/hub"
)

type dispatchRequest struct {
	Ops      []map[string]any `json:"ops"`
	ThreadID string           `json:"threadId"`
}

// handleKommoDispatch forwards a batch of already-decided CRM ops to the
// Hub bridge. 400 for an empty batch, 501 when no bridge is configured,
// 502 when the bridge rejects or is unreachable. No outbound call is made
// unless the batch validates.
func (s *Server) handleKommoDispatch(w http.ResponseWriter, r *http.Request) {
	var req dispatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid-json")
		return
	}
	if len(req.Ops) == 0 {
		writeError(w, http.StatusBadRequest, "ops-required")
		return
	}
	if !s.bridge.Configured() {
		writeError(w, http.StatusNotImplemented, "hub-not-configured")
		return
	}

	result, err := s.bridge.Dispatch(r.Context(), s.prepareOps(req.Ops), req.ThreadID)
	if err != nil {
		status := 0
		if result != nil {
			status = result.Status
		}
		slog.Error("kommo dispatch failed", "thread_id", req.ThreadID, "status", status, "error", err)
		s.notifier.DispatchFailed(req.ThreadID, status)
		if result != nil {
			writeJSON(w, http.StatusBadGateway, map[string]any{
				"ok": false, "status": result.Status, "data": result.Data,
			})
			return
		}
		writeError(w, http.StatusBadGateway, "dispatch-failed")
		return
	}

	s.announceLeads(req.ThreadID, req.Ops)
	writeJSON(w, http.StatusOK, map[string]any{
		"ok": true, "status": result.Status, "data": result.Data,
	})
}

// prepareOps renders transcript-attach ops into token-budgeted markdown
// before they leave for the bridge. Other ops pass through untouched.
func (s *Server) prepareOps(ops []map[string]any) []map[string]any {
	if s.transcripts == nil {
		return ops
	}
	for _, op := range ops {
		if opName(op) != "transcript.attach" {
			continue
		}
		raw, ok := op["messages"].([]any)
		if !ok || len(raw) == 0 {
			continue
		}
		messages := make([]hub.TranscriptMessage, 0, len(raw))
		for _, entry := range raw {
			m, ok := entry.(map[string]any)
			if !ok {
				continue
			}
			role, _ := m["role"].(string)
			body, _ := m["body"].(string)
			messages = append(messages, hub.TranscriptMessage{Role: role, Body: body})
		}
		if len(messages) > 0 {
			op["markdown"] = s.transcripts.Format(messages)
		}
	}
	return ops
}

// announceLeads pings the operator channel for any lead-creating op in a
// successfully dispatched batch.
func (s *Server) announceLeads(threadID string, ops []map[string]any) {
	for _, op := range ops {
		if opName(op) != "lead.create" {
			continue
		}
		summary := ""
		if name, ok := op["name"].(string); ok {
			summary = name
		} else if note, ok := op["summary"].(string); ok {
			summary = note
		}
		s.notifier.LeadCreated(threadID, summary)
	}
}

func opName(op map[string]any) string {
	if name, ok := op["op"].(string); ok {
		return name
	}
	if name, ok := op["type"].(string); ok {
		return name
	}
	return ""
}
