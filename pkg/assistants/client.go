// Package assistants is a hand-rolled HTTP client for the OpenAI
// Assistants v2 API plus the plain chat-completions call. Only the slice
// of the API this service uses is modeled.
package assistants

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// Config holds connection settings for the OpenAI API.
type Config struct {
	BaseURL string
	APIKey  string
}

// Client talks to the Assistants v2 endpoints.
type Client struct {
	config     *Config
	httpClient *http.Client
	retry      *RetryPolicy
}

// New creates a Client. BaseURL defaults to the public OpenAI API.
func New(config *Config) *Client {
	if config.BaseURL == "" {
		config.BaseURL = "https://api.openai.com/v1"
	}
	return &Client{
		config: config,
		httpClient: &http.Client{
			Timeout: 60 * time.Second,
		},
		retry: DefaultRetryPolicy(),
	}
}

// do issues one authenticated API request and decodes the response into out.
func (c *Client) do(ctx context.Context, method, path string, body any, out any) error {
	var reqBody io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshaling request: %w", err)
		}
		reqBody = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.config.BaseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.config.APIKey)
	req.Header.Set("OpenAI-Beta", "assistants=v2")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("sending request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("API error (status %d): %s", resp.StatusCode, string(respBody))
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("parsing response: %w", err)
	}
	return nil
}

// get is do with transient-failure retries; safe because GETs are idempotent.
func (c *Client) get(ctx context.Context, path string, out any) error {
	return c.retry.Execute(func() error {
		return c.do(ctx, http.MethodGet, path, nil, out)
	})
}

// CreateThread creates an empty conversation thread.
func (c *Client) CreateThread(ctx context.Context) (*Thread, error) {
	var thread Thread
	if err := c.do(ctx, http.MethodPost, "/threads", map[string]any{}, &thread); err != nil {
		return nil, fmt.Errorf("create thread: %w", err)
	}
	return &thread, nil
}

// CreateMessage appends a message to a thread.
func (c *Client) CreateMessage(ctx context.Context, threadID, role, text string) (*Message, error) {
	body := map[string]any{"role": role, "content": text}
	var msg Message
	if err := c.do(ctx, http.MethodPost, "/threads/"+threadID+"/messages", body, &msg); err != nil {
		return nil, fmt.Errorf("create message: %w", err)
	}
	return &msg, nil
}

// CreateRun starts a run of assistantID against a thread, optionally
// overriding the assistant's tool set.
func (c *Client) CreateRun(ctx context.Context, threadID, assistantID string, tools []Tool) (*Run, error) {
	body := map[string]any{"assistant_id": assistantID}
	if len(tools) > 0 {
		body["tools"] = tools
	}
	var run Run
	if err := c.do(ctx, http.MethodPost, "/threads/"+threadID+"/runs", body, &run); err != nil {
		return nil, fmt.Errorf("create run: %w", err)
	}
	return &run, nil
}

// GetRun fetches the current state of a run.
func (c *Client) GetRun(ctx context.Context, threadID, runID string) (*Run, error) {
	var run Run
	if err := c.get(ctx, "/threads/"+threadID+"/runs/"+runID, &run); err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}
	return &run, nil
}

type runList struct {
	Data []Run `json:"data"`
}

// ListRuns returns the most recent runs for a thread, newest first.
func (c *Client) ListRuns(ctx context.Context, threadID string, limit int) ([]Run, error) {
	q := url.Values{"order": {"desc"}, "limit": {fmt.Sprint(limit)}}
	var list runList
	if err := c.get(ctx, "/threads/"+threadID+"/runs?"+q.Encode(), &list); err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	return list.Data, nil
}

// CancelRun asks the provider to cancel a run. The provider confirms
// asynchronously; poll GetRun to observe the outcome.
func (c *Client) CancelRun(ctx context.Context, threadID, runID string) (*Run, error) {
	var run Run
	if err := c.do(ctx, http.MethodPost, "/threads/"+threadID+"/runs/"+runID+"/cancel", map[string]any{}, &run); err != nil {
		return nil, fmt.Errorf("cancel run: %w", err)
	}
	return &run, nil
}

// SubmitToolOutputs hands the results of all pending tool calls back to a
// blocked run in one batch.
func (c *Client) SubmitToolOutputs(ctx context.Context, threadID, runID string, outputs []ToolOutput) (*Run, error) {
	body := map[string]any{"tool_outputs": outputs}
	var run Run
	if err := c.do(ctx, http.MethodPost, "/threads/"+threadID+"/runs/"+runID+"/submit_tool_outputs", body, &run); err != nil {
		return nil, fmt.Errorf("submit tool outputs: %w", err)
	}
	return &run, nil
}

type messageList struct {
	Data []Message `json:"data"`
}

// ListMessages returns the most recent messages in a thread, newest first.
func (c *Client) ListMessages(ctx context.Context, threadID string, limit int) ([]Message, error) {
	q := url.Values{"order": {"desc"}, "limit": {fmt.Sprint(limit)}}
	var list messageList
	if err := c.get(ctx, "/threads/"+threadID+"/messages?"+q.Encode(), &list); err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	return list.Data, nil
}

// LatestAssistantText returns the display text of the newest
// assistant-authored message, or "" when none exists.
func (c *Client) LatestAssistantText(ctx context.Context, threadID string) (string, error) {
	messages, err := c.ListMessages(ctx, threadID, 20)
	if err != nil {
		return "", err
	}
	for _, m := range messages {
		if m.Role == "assistant" {
			return m.Text(), nil
		}
	}
	return "", nil
}
