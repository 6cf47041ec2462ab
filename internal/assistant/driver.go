// Package assistant drives runs of the Coco Volare assistant against
// provider-managed conversation threads, dispatching the assistant's CRM
// tool calls to the Hub bridge.
package assistant

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cocovolare/concierge/internal/hub"
	"github.com/cocovolare/concierge/pkg/assistants"
)

// FallbackReply is shown when a completed run yields no extractable text.
const FallbackReply = "Lo siento, no pude preparar una respuesta. ¿Puedes intentarlo de nuevo?"

const (
	pollInterval   = 500 * time.Millisecond
	cancelInterval = 250 * time.Millisecond
	cancelBudget   = 8 * time.Second
)

// ErrRunTimeout distinguishes "the run outlived our patience" from a run
// the provider itself marked as failed.
var ErrRunTimeout = errors.New("assistant run polling timed out")

// RunFailedError is returned when a run reaches failed/cancelled/expired.
type RunFailedError struct {
	Status assistants.RunStatus
	Code   string
	Detail string
}

func (e *RunFailedError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("assistant run %s: %s", e.Status, e.Detail)
	}
	return fmt.Sprintf("assistant run %s", e.Status)
}

// Driver orchestrates one assistant turn end to end.
type Driver struct {
	client      *assistants.Client
	bridge      *hub.Client
	assistantID string

	// MaxWait bounds the polling loop; zero means the 2 minute default.
	MaxWait time.Duration
}

// New creates a Driver for the given assistant id.
func New(client *assistants.Client, bridge *hub.Client, assistantID string) *Driver {
	return &Driver{
		client:      client,
		bridge:      bridge,
		assistantID: assistantID,
		MaxWait:     2 * time.Minute,
	}
}

// TurnResult is the outcome of one completed turn.
type TurnResult struct {
	ThreadID string
	RunID    string
	Reply    string
}

// RunTurn appends userText to the thread (creating one when threadID is
// empty), starts a run with the CRM tool schemas, and polls until the run
// is terminal, servicing tool calls along the way.
func (d *Driver) RunTurn(ctx context.Context, threadID, userText string) (*TurnResult, error) {
	if threadID == "" {
		thread, err := d.client.CreateThread(ctx)
		if err != nil {
			return nil, err
		}
		threadID = thread.ID
	}

	if _, err := d.client.CreateMessage(ctx, threadID, "user", userText); err != nil {
		return nil, err
	}

	run, err := d.client.CreateRun(ctx, threadID, d.assistantID, ToolSchemas())
	if err != nil {
		return nil, err
	}

	run, err = d.waitTerminal(ctx, threadID, run)
	if err != nil {
		return nil, err
	}

	switch run.Status {
	case assistants.StatusCompleted:
		reply, err := d.client.LatestAssistantText(ctx, threadID)
		if err != nil {
			return nil, err
		}
		if reply == "" {
			reply = FallbackReply
		}
		return &TurnResult{ThreadID: threadID, RunID: run.ID, Reply: reply}, nil
	default:
		failure := &RunFailedError{Status: run.Status}
		if run.LastError != nil {
			failure.Code = run.LastError.Code
			failure.Detail = run.LastError.Message
		}
		return nil, failure
	}
}

// waitTerminal polls the run until it settles, dispatching tool calls when
// the run blocks on requires_action. The wait is bounded: an external
// service that never settles must not pin a request goroutine forever.
func (d *Driver) waitTerminal(ctx context.Context, threadID string, run *assistants.Run) (*assistants.Run, error) {
	maxWait := d.MaxWait
	if maxWait <= 0 {
		maxWait = 2 * time.Minute
	}
	deadline := time.Now().Add(maxWait)

	for {
		if run.Status.Terminal() {
			return run, nil
		}

		if run.Status == assistants.StatusRequiresAction {
			updated, err := d.serviceToolCalls(ctx, threadID, run)
			if err != nil {
				return nil, err
			}
			run = updated
			continue
		}

		if time.Now().After(deadline) {
			return nil, fmt.Errorf("run %s after %s: %w", run.ID, maxWait, ErrRunTimeout)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(pollInterval):
		}

		updated, err := d.client.GetRun(ctx, threadID, run.ID)
		if err != nil {
			return nil, err
		}
		run = updated
	}
}

// serviceToolCalls resolves every pending tool call through the Hub bridge
// and submits the batch. A failed call becomes an inline error payload so
// its siblings still go through.
func (d *Driver) serviceToolCalls(ctx context.Context, threadID string, run *assistants.Run) (*assistants.Run, error) {
	if run.RequiredAction == nil || run.RequiredAction.SubmitToolOutputs == nil {
		return nil, fmt.Errorf("run %s requires action without tool calls", run.ID)
	}
	calls := run.RequiredAction.SubmitToolOutputs.ToolCalls
	outputs := make([]assistants.ToolOutput, 0, len(calls))
	for _, call := range calls {
		output, err := d.bridge.CallTool(ctx, call.Function.Name, json.RawMessage(call.Function.Arguments))
		if err != nil {
			slog.Warn("tool call failed", "tool", call.Function.Name, "run_id", run.ID, "error", err)
			encoded, _ := json.Marshal(map[string]string{"error": err.Error()})
			output = string(encoded)
		}
		outputs = append(outputs, assistants.ToolOutput{ToolCallID: call.ID, Output: output})
	}
	return d.client.SubmitToolOutputs(ctx, threadID, run.ID, outputs)
}

// CancelResult reports what a cancellation attempt observed.
type CancelResult struct {
	OK     bool   `json:"ok"`
	Status string `json:"status,omitempty"`
	RunID  string `json:"runId,omitempty"`
	Info   string `json:"info,omitempty"`
}

// Cancel requests cancellation of runID on threadID. With no runID it
// picks the most recent cancelable run; with none to cancel it reports
// success with info "no-active-run". Confirmation is best effort: after
// the 8 second budget the last observed status is returned without error.
func (d *Driver) Cancel(ctx context.Context, threadID, runID string) (*CancelResult, error) {
	if runID == "" {
		runs, err := d.client.ListRuns(ctx, threadID, 10)
		if err != nil {
			return nil, err
		}
		for _, r := range runs {
			if r.Status.Cancelable() {
				runID = r.ID
				break
			}
		}
		if runID == "" {
			return &CancelResult{OK: true, Info: "no-active-run"}, nil
		}
	}

	run, err := d.client.CancelRun(ctx, threadID, runID)
	if err != nil {
		return nil, err
	}

	deadline := time.Now().Add(cancelBudget)
	status := run.Status
	for status != assistants.StatusCancelled && time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(cancelInterval):
		}
		updated, err := d.client.GetRun(ctx, threadID, runID)
		if err != nil {
			break
		}
		status = updated.Status
		if status.Terminal() {
			break
		}
	}
	return &CancelResult{OK: true, Status: string(status), RunID: runID}, nil
}

// PullResult reports whether the latest assistant reply changed since the
// caller's fingerprint.
type PullResult struct {
	HasUpdate   bool   `json:"hasUpdate"`
	Reply       string `json:"reply,omitempty"`
	Fingerprint string `json:"fingerprint,omitempty"`
}

// fingerprintLen is the cheap change-marker width: enough prefix to tell
// replies apart without hashing.
const fingerprintLen = 512

// Fingerprint returns the non-cryptographic content marker for a reply.
func Fingerprint(text string) string {
	runes := []rune(text)
	if len(runes) > fingerprintLen {
		runes = runes[:fingerprintLen]
	}
	return string(runes)
}

// Pull fetches the latest assistant reply and compares it against the
// caller's known fingerprint.
func (d *Driver) Pull(ctx context.Context, threadID, knownFingerprint string) (*PullResult, error) {
	reply, err := d.client.LatestAssistantText(ctx, threadID)
	if err != nil {
		return nil, err
	}
	if reply == "" {
		return &PullResult{HasUpdate: false}, nil
	}
	fp := Fingerprint(reply)
	if fp == knownFingerprint {
		return &PullResult{HasUpdate: false, Fingerprint: fp}, nil
	}
	return &PullResult{HasUpdate: true, Reply: reply, Fingerprint: fp}, nil
}
