// Package server exposes the widget-facing HTTP API: chat turns against the
// assistant, streaming replies, cancellation, polling fallback, and CRM op
// forwarding to the Hub bridge.
package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/cocovolare/concierge/internal/assistant"
	"github.com/cocovolare/concierge/internal/config"
	"github.com/cocovolare/concierge/internal/hub"
	"github.com/cocovolare/concierge/internal/lock"
	"github.com/cocovolare/concierge/internal/notify"
	"github.com/cocovolare/concierge/pkg/assistants"
)

// Cookie names shared with the widget.
const (
	threadCookie  = "cv_thread_id"
	sessionCookie = "cv_session_thread"
	sidCookie     = "cv_sid"
)

const (
	threadCookieTTL  = 7 * 24 * time.Hour
	sessionCookieTTL = 365 * 24 * time.Hour
	sidCookieTTL     = 30 * 24 * time.Hour
)

// maxQueueReplays caps how many parked-turn drains run at once across all
// threads.
const maxQueueReplays = 4

// Server is the HTTP handler for the chat widget API.
type Server struct {
	cfg         *config.Config
	ai          *assistants.Client
	driver      *assistant.Driver
	bridge      *hub.Client
	locker      *lock.Locker
	notifier    *notify.Notifier
	transcripts *hub.Transcripter
	replays     *semaphore.Weighted
	mux         *http.ServeMux
}

// NewServer wires the API routes. notifier may be nil.
func NewServer(cfg *config.Config, ai *assistants.Client, driver *assistant.Driver, bridge *hub.Client, locker *lock.Locker, notifier *notify.Notifier) *Server {
	s := &Server{
		cfg:      cfg,
		ai:       ai,
		driver:   driver,
		bridge:   bridge,
		locker:   locker,
		notifier: notifier,
		replays:  semaphore.NewWeighted(maxQueueReplays),
		mux:      http.NewServeMux(),
	}

	transcripts, err := hub.NewTranscripter()
	if err != nil {
		slog.Warn("transcript formatter unavailable", "error", err)
	} else {
		s.transcripts = transcripts
	}

	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("POST /api/chat", s.handleChat)
	s.mux.HandleFunc("POST /api/chat/cancel", s.handleCancel)
	s.mux.HandleFunc("POST /api/chat/pull", s.handlePull)
	s.mux.HandleFunc("GET /api/chat/session", s.handleSession)
	s.mux.HandleFunc("POST /api/chat/{id}/stream", s.handleTurn)
	s.mux.HandleFunc("POST /api/chat/{id}/events", s.handleTurnEvents)
	s.mux.HandleFunc("POST /api/kommo/dispatch", s.handleKommoDispatch)
	s.mux.HandleFunc("POST /api/reply", s.handleReply)
	s.mux.HandleFunc("POST /api/spa-chat", s.handleSpaChat)
	return s
}

// ServeHTTP delegates to the internal mux, implementing http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, code string) {
	writeJSON(w, status, map[string]string{"error": code})
}

// messageText extracts the user's text from the message shapes the widget
// sends: a plain string, {text}, or {parts:[{text}]}.
func messageText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var plain string
	if err := json.Unmarshal(raw, &plain); err == nil {
		return strings.TrimSpace(plain)
	}
	var structured struct {
		Text  string `json:"text"`
		Parts []struct {
			Text string `json:"text"`
		} `json:"parts"`
	}
	if err := json.Unmarshal(raw, &structured); err != nil {
		return ""
	}
	if len(structured.Parts) > 0 {
		var b strings.Builder
		for _, p := range structured.Parts {
			b.WriteString(p.Text)
		}
		return strings.TrimSpace(b.String())
	}
	return strings.TrimSpace(structured.Text)
}

// resolveThread picks the conversation thread for a turn: the widget cookie
// wins, then an explicit body field, then a provider thread id in the path.
// Empty means "start a new thread".
func resolveThread(r *http.Request, pathID, bodyID string) string {
	if c, err := r.Cookie(threadCookie); err == nil && c.Value != "" {
		return c.Value
	}
	if bodyID != "" {
		return bodyID
	}
	if strings.HasPrefix(pathID, "thread_") {
		return pathID
	}
	return ""
}

func (s *Server) setThreadCookie(w http.ResponseWriter, threadID string) {
	http.SetCookie(w, &http.Cookie{
		Name:     threadCookie,
		Value:    threadID,
		Path:     "/",
		MaxAge:   int(threadCookieTTL.Seconds()),
		HttpOnly: true,
	})
}

func (s *Server) setSessionCookie(w http.ResponseWriter, threadID string) {
	http.SetCookie(w, &http.Cookie{
		Name:   sessionCookie,
		Value:  threadID,
		Path:   "/",
		MaxAge: int(sessionCookieTTL.Seconds()),
	})
}

// ensureSID assigns the widget-session cookie on first contact. Over HTTPS
// it is cross-site readable so the widget works inside partner iframes.
func (s *Server) ensureSID(w http.ResponseWriter, r *http.Request) {
	if c, err := r.Cookie(sidCookie); err == nil && c.Value != "" {
		return
	}
	cookie := &http.Cookie{
		Name:     sidCookie,
		Value:    uuid.NewString(),
		Path:     "/",
		MaxAge:   int(sidCookieTTL.Seconds()),
		HttpOnly: true,
	}
	if r.TLS != nil || r.Header.Get("X-Forwarded-Proto") == "https" {
		cookie.Secure = true
		cookie.SameSite = http.SameSiteNoneMode
	}
	http.SetCookie(w, cookie)
}
