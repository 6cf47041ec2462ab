package assistants

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
)

func TestCreateThreadAndRunHeaders(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer test-key" {
			t.Error("missing or invalid auth header")
		}
		if r.Header.Get("OpenAI-Beta") != "assistants=v2" {
			t.Error("missing assistants beta header")
		}
		switch r.URL.Path {
		case "/threads":
			json.NewEncoder(w).Encode(Thread{ID: "thread_1"})
		case "/threads/thread_1/runs":
			var body map[string]any
			json.NewDecoder(r.Body).Decode(&body)
			if body["assistant_id"] != "asst_1" {
				t.Errorf("assistant_id = %v", body["assistant_id"])
			}
			json.NewEncoder(w).Encode(Run{ID: "run_1", ThreadID: "thread_1", Status: StatusQueued})
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	}))
	defer server.Close()

	client := New(&Config{BaseURL: server.URL, APIKey: "test-key"})
	ctx := context.Background()

	thread, err := client.CreateThread(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if thread.ID != "thread_1" {
		t.Errorf("thread id = %s", thread.ID)
	}

	run, err := client.CreateRun(ctx, thread.ID, "asst_1", nil)
	if err != nil {
		t.Fatal(err)
	}
	if run.Status != StatusQueued {
		t.Errorf("run status = %s", run.Status)
	}
}

func TestGetRunRetriesTransientFailure(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			http.Error(w, "upstream hiccup", http.StatusBadGateway)
			return
		}
		json.NewEncoder(w).Encode(Run{ID: "run_1", Status: StatusCompleted})
	}))
	defer server.Close()

	client := New(&Config{BaseURL: server.URL, APIKey: "k"})
	run, err := client.GetRun(context.Background(), "t", "run_1")
	if err != nil {
		t.Fatal(err)
	}
	if run.Status != StatusCompleted {
		t.Errorf("status = %s", run.Status)
	}
	if calls.Load() != 2 {
		t.Errorf("calls = %d, want 2", calls.Load())
	}
}

func TestSubmitToolOutputsBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			ToolOutputs []ToolOutput `json:"tool_outputs"`
		}
		json.NewDecoder(r.Body).Decode(&body)
		if len(body.ToolOutputs) != 2 || body.ToolOutputs[0].ToolCallID != "call_1" {
			t.Errorf("tool_outputs = %+v", body.ToolOutputs)
		}
		json.NewEncoder(w).Encode(Run{ID: "run_1", Status: StatusInProgress})
	}))
	defer server.Close()

	client := New(&Config{BaseURL: server.URL, APIKey: "k"})
	outputs := []ToolOutput{
		{ToolCallID: "call_1", Output: `{"ok":true}`},
		{ToolCallID: "call_2", Output: `{"error":"nope"}`},
	}
	run, err := client.SubmitToolOutputs(context.Background(), "t", "run_1", outputs)
	if err != nil {
		t.Fatal(err)
	}
	if run.Status != StatusInProgress {
		t.Errorf("status = %s", run.Status)
	}
}

func TestLatestAssistantText(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("order") != "desc" {
			t.Errorf("order = %q", r.URL.Query().Get("order"))
		}
		json.NewEncoder(w).Encode(map[string]any{
			"data": []Message{
				{ID: "m3", Role: "user", Content: []MessageContent{{Type: "text", Text: &MessageText{Value: "newest user turn"}}}},
				{ID: "m2", Role: "assistant", Content: []MessageContent{
					{Type: "text", Text: &MessageText{Value: "Hola, "}},
					{Type: "text", Text: &MessageText{Value: "bienvenido"}},
				}},
			},
		})
	}))
	defer server.Close()

	client := New(&Config{BaseURL: server.URL, APIKey: "k"})
	text, err := client.LatestAssistantText(context.Background(), "t")
	if err != nil {
		t.Fatal(err)
	}
	if text != "Hola, bienvenido" {
		t.Errorf("text = %q", text)
	}
}

func TestStreamText(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req chatRequest
		json.NewDecoder(r.Body).Decode(&req)
		if !req.Stream {
			t.Error("stream flag not set")
		}
		w.Header().Set("Content-Type", "text/event-stream")
		for _, delta := range []string{"Buon", "giorno"} {
			chunk, _ := json.Marshal(map[string]any{
				"choices": []map[string]any{{"delta": map[string]string{"content": delta}}},
			})
			w.Write([]byte("data: " + string(chunk) + "\n\n"))
		}
		w.Write([]byte("data: [DONE]\n\n"))
	}))
	defer server.Close()

	client := New(&Config{BaseURL: server.URL, APIKey: "k"})
	var out strings.Builder
	full, err := client.StreamText(context.Background(), "gpt-4o-mini", []ChatMessage{{Role: "user", Content: "ciao"}}, &out)
	if err != nil {
		t.Fatal(err)
	}
	if full != "Buongiorno" || out.String() != "Buongiorno" {
		t.Errorf("full = %q, written = %q", full, out.String())
	}
}
