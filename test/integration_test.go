//go:build integration

package test

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"testing"

	"github.com/cocovolare/concierge/internal/assistant"
	"github.com/cocovolare/concierge/internal/config"
	"github.com/cocovolare/concierge/internal/hub"
	"github.com/cocovolare/concierge/internal/lock"
	"github.com/cocovolare/concierge/internal/server"
	"github.com/cocovolare/concierge/pkg/assistants"
)

// fakeProvider is an Assistants API double that completes every run on the
// first poll and answers with a fixed assistant message.
func fakeProvider(reply string) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /threads", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"id": "thread_e2e"})
	})
	mux.HandleFunc("POST /threads/{id}/messages", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"id": "msg_1"})
	})
	mux.HandleFunc("POST /threads/{id}/runs", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"id": "run_1", "thread_id": r.PathValue("id"), "status": "completed",
		})
	})
	mux.HandleFunc("GET /threads/{id}/runs", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"data": []any{}})
	})
	mux.HandleFunc("GET /threads/{id}/messages", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"data": []map[string]any{{
				"id": "msg_a", "role": "assistant",
				"content": []map[string]any{{"type": "text", "text": map[string]string{"value": reply}}},
			}},
		})
	})
	return mux
}

func TestEndToEnd(t *testing.T) {
	provider := httptest.NewServer(fakeProvider("Con gusto armo tu viaje."))
	defer provider.Close()

	cfg := &config.Config{}
	cfg.OpenAI.BaseURL = provider.URL
	cfg.OpenAI.APIKey = "sk-e2e"
	cfg.OpenAI.AssistantID = "asst_e2e"
	cfg.OpenAI.ReplyModel = "gpt-4o-mini"

	ai := assistants.New(&assistants.Config{BaseURL: provider.URL, APIKey: cfg.OpenAI.APIKey})
	bridge := hub.New(&hub.Config{})
	driver := assistant.New(ai, bridge, cfg.OpenAI.AssistantID)
	locker := lock.New()

	srv := httptest.NewServer(server.NewServer(cfg, ai, driver, bridge, locker, nil))
	defer srv.Close()

	// A cookie jar keeps the thread cookie across turns like a browser.
	jar, err := cookiejar.New(nil)
	if err != nil {
		t.Fatal(err)
	}
	client := &http.Client{Jar: jar}

	// Several turns from the same visitor reuse one thread via the cookie.
	var threadID string
	for i := 0; i < 3; i++ {
		body, _ := json.Marshal(map[string]any{
			"message": map[string]any{"parts": []map[string]string{{"text": fmt.Sprintf("mensaje %d", i)}}},
		})
		resp, err := client.Post(srv.URL+"/api/chat/widget/stream", "application/json", bytes.NewReader(body))
		if err != nil {
			t.Fatal(err)
		}
		var turn struct {
			Reply    string `json:"reply"`
			ThreadID string `json:"threadId"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&turn); err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("turn %d: status %d", i, resp.StatusCode)
		}
		if turn.Reply == "" || turn.ThreadID == "" {
			t.Fatalf("turn %d: incomplete answer %+v", i, turn)
		}
		if threadID == "" {
			threadID = turn.ThreadID
		} else if turn.ThreadID != threadID {
			t.Fatalf("thread changed between turns: %s -> %s", threadID, turn.ThreadID)
		}
	}

	// Nothing is running, so cancel reports no-active-run.
	body, _ := json.Marshal(map[string]string{"threadId": threadID})
	resp, err := client.Post(srv.URL+"/api/chat/cancel", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	var cancel struct {
		OK   bool   `json:"ok"`
		Info string `json:"info"`
	}
	json.NewDecoder(resp.Body).Decode(&cancel)
	resp.Body.Close()
	if !cancel.OK || cancel.Info != "no-active-run" {
		t.Fatalf("expected no-active-run, got %+v", cancel)
	}

	// Pull twice: the first reports the reply, the second (armed with the
	// returned fingerprint) reports no change.
	body, _ = json.Marshal(map[string]string{"threadId": threadID})
	resp, err = client.Post(srv.URL+"/api/chat/pull", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	var pull struct {
		HasUpdate   bool   `json:"hasUpdate"`
		Fingerprint string `json:"fingerprint"`
	}
	json.NewDecoder(resp.Body).Decode(&pull)
	resp.Body.Close()
	if !pull.HasUpdate || pull.Fingerprint == "" {
		t.Fatalf("expected an update on first pull, got %+v", pull)
	}

	body, _ = json.Marshal(map[string]string{"threadId": threadID, "knownFingerprint": pull.Fingerprint})
	resp, err = client.Post(srv.URL+"/api/chat/pull", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	json.NewDecoder(resp.Body).Decode(&pull)
	resp.Body.Close()
	if pull.HasUpdate {
		t.Fatal("expected no update for a matching fingerprint")
	}
}
