// Package hub forwards already-decided CRM operations to the external Hub
// bridge that talks to Kommo. This service never mutates the CRM directly.
package hub

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// ErrNotConfigured is returned when no Hub URL is set; the HTTP layer maps
// it to 501.
var ErrNotConfigured = errors.New("hub: no bridge URL configured")

// Config holds Hub bridge connection settings.
type Config struct {
	// BaseURL is the bridge root used for per-tool endpoints.
	BaseURL string
	// KommoURL receives batched op dispatches. Falls back to BrainURL,
	// then to BaseURL + "/kommo/dispatch".
	KommoURL string
	BrainURL string
	// Secret is sent as a bearer token and bridge header.
	Secret string
}

// Client posts operations to the Hub bridge.
type Client struct {
	config     *Config
	httpClient *http.Client
}

// New creates a Hub client.
func New(config *Config) *Client {
	return &Client{
		config: config,
		httpClient: &http.Client{
			Timeout: 20 * time.Second,
		},
	}
}

// Configured reports whether any dispatch target is set.
func (c *Client) Configured() bool {
	return c.dispatchURL() != ""
}

func (c *Client) dispatchURL() string {
	switch {
	case c.config.KommoURL != "":
		return c.config.KommoURL
	case c.config.BrainURL != "":
		return c.config.BrainURL
	case c.config.BaseURL != "":
		return c.config.BaseURL + "/kommo/dispatch"
	}
	return ""
}

// DispatchResult carries the bridge's verbatim answer back to the caller.
type DispatchResult struct {
	Status int
	Data   any
}

// Dispatch forwards a batch of ops to the bridge. The bridge's response is
// passed through undecoded beyond JSON parsing; a non-JSON body comes back
// as a raw string.
func (c *Client) Dispatch(ctx context.Context, ops []map[string]any, threadID string) (*DispatchResult, error) {
	target := c.dispatchURL()
	if target == "" {
		return nil, ErrNotConfigured
	}
	payload := map[string]any{"ops": ops}
	if threadID != "" {
		payload["threadId"] = threadID
	}
	return c.post(ctx, target, payload)
}

// toolEndpoints maps the assistant's declared tool names to bridge paths.
var toolEndpoints = map[string]string{
	"create_lead":       "/kommo/lead.create",
	"update_lead":       "/kommo/lead.update",
	"attach_contact":    "/kommo/contact.attach",
	"attach_note":       "/kommo/note.attach",
	"attach_transcript": "/kommo/transcript.attach",
}

// KnownTool reports whether name is a tool this bridge can serve.
func KnownTool(name string) bool {
	_, ok := toolEndpoints[name]
	return ok
}

// CallTool forwards one tool call's arguments to the bridge endpoint for
// the declared tool name and returns the bridge's JSON answer as a string,
// suitable for submitting back as a tool output.
func (c *Client) CallTool(ctx context.Context, name string, args json.RawMessage) (string, error) {
	path, ok := toolEndpoints[name]
	if !ok {
		return "", fmt.Errorf("unknown tool %q", name)
	}
	if c.config.BaseURL == "" {
		return "", ErrNotConfigured
	}
	var payload any
	if err := json.Unmarshal(args, &payload); err != nil {
		return "", fmt.Errorf("parse tool arguments: %w", err)
	}
	result, err := c.post(ctx, c.config.BaseURL+path, payload)
	if err != nil {
		return "", err
	}
	encoded, err := json.Marshal(result.Data)
	if err != nil {
		return "", fmt.Errorf("encode bridge response: %w", err)
	}
	return string(encoded), nil
}

func (c *Client) post(ctx context.Context, target string, payload any) (*DispatchResult, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.config.Secret != "" {
		req.Header.Set("Authorization", "Bearer "+c.config.Secret)
		req.Header.Set("x-cv-bridge", c.config.Secret)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("sending request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}

	var data any
	if err := json.Unmarshal(respBody, &data); err != nil {
		data = string(respBody)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &DispatchResult{Status: resp.StatusCode, Data: data},
			fmt.Errorf("bridge error (status %d)", resp.StatusCode)
	}
	return &DispatchResult{Status: resp.StatusCode, Data: data}, nil
}
