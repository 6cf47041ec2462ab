package stream

import (
	"errors"
	"io"
	"reflect"
	"strings"
	"testing"
	"testing/iotest"
)

type recording struct {
	draftStarts int
	deltas      []string
	finals      []Final
	errors      []any
	dones       int
}

func (r *recording) callbacks() Callbacks {
	return Callbacks{
		OnDraftStart: func() { r.draftStarts++ },
		OnDelta:      func(text string) { r.deltas = append(r.deltas, text) },
		OnFinal:      func(f Final) { r.finals = append(r.finals, f) },
		OnError:      func(p any) { r.errors = append(r.errors, p) },
		OnDone:       func() { r.dones++ },
	}
}

func event(label, data string) string {
	return "event: " + label + "\ndata: " + data + "\n\n"
}

func TestReadBasicStream(t *testing.T) {
	body := event("delta", `{"text":"Hel"}`) +
		event("delta", `{"text":"lo"}`) +
		event("final", `{"text":"Hello"}`)

	var rec recording
	if err := Read(strings.NewReader(body), rec.callbacks()); err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(rec.deltas, []string{"Hel", "lo"}) {
		t.Errorf("deltas = %v", rec.deltas)
	}
	if rec.draftStarts != 1 {
		t.Errorf("draft starts = %d, want 1", rec.draftStarts)
	}
	if len(rec.finals) != 1 || rec.finals[0].Text != "Hello" || rec.finals[0].Synthesized {
		t.Errorf("finals = %+v", rec.finals)
	}
	if rec.dones != 1 {
		t.Errorf("dones = %d, want exactly 1", rec.dones)
	}
}

func TestReadChunkingInvariance(t *testing.T) {
	finalData := `{"text":"ab\n` + "```" + `json\n{\"x\":1}\n` + "```" + `"}`
	body := event("delta", `{"text":"a"}`) +
		event("hb", "") +
		event("delta", `{"text":"b"}`) +
		event("final", finalData)

	var whole recording
	if err := Read(strings.NewReader(body), whole.callbacks()); err != nil {
		t.Fatal(err)
	}
	var bytewise recording
	if err := Read(iotest.OneByteReader(strings.NewReader(body)), bytewise.callbacks()); err != nil {
		t.Fatal(err)
	}

	if !reflect.DeepEqual(whole.deltas, bytewise.deltas) {
		t.Errorf("deltas differ: %v vs %v", whole.deltas, bytewise.deltas)
	}
	if !reflect.DeepEqual(whole.finals, bytewise.finals) {
		t.Errorf("finals differ: %+v vs %+v", whole.finals, bytewise.finals)
	}
}

func TestReadDeltaDedupeBoundary(t *testing.T) {
	// A immediately repeated is dropped; A two positions back is not.
	body := event("delta", `{"text":"A"}`) +
		event("delta", `{"text":"A"}`) +
		event("delta", `{"text":"B"}`) +
		event("delta", `{"text":"A"}`)

	var rec recording
	if err := Read(strings.NewReader(body), rec.callbacks()); err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(rec.deltas, []string{"A", "B", "A"}) {
		t.Errorf("deltas = %v, want [A B A]", rec.deltas)
	}
}

func TestReadSynthesizesFinal(t *testing.T) {
	body := event("delta", `{"text":"plan: "}`) +
		event("delta", `{"text":"{\"a\":1}"}`)

	var rec recording
	if err := Read(strings.NewReader(body), rec.callbacks()); err != nil {
		t.Fatal(err)
	}
	if len(rec.finals) != 1 {
		t.Fatalf("finals = %+v", rec.finals)
	}
	f := rec.finals[0]
	if !f.Synthesized {
		t.Error("final should be synthesized")
	}
	if f.Text != "plan:" {
		t.Errorf("text = %q", f.Text)
	}
	if m, ok := f.JSON.(map[string]any); !ok || m["a"] != float64(1) {
		t.Errorf("json = %#v", f.JSON)
	}
}

func TestReadErrorStillFiresDone(t *testing.T) {
	boom := errors.New("connection reset")
	r := io.MultiReader(
		strings.NewReader(event("delta", `{"text":"x"}`)),
		iotest.ErrReader(boom),
	)
	var rec recording
	if err := Read(r, rec.callbacks()); !errors.Is(err, boom) {
		t.Fatalf("err = %v", err)
	}
	if rec.dones != 1 {
		t.Errorf("dones = %d, want exactly 1", rec.dones)
	}
	if len(rec.errors) != 1 {
		t.Errorf("errors = %v", rec.errors)
	}
}

func TestReadErrorDiscardsPartialReply(t *testing.T) {
	r := io.MultiReader(
		strings.NewReader(event("delta", `{"text":"Hola "}`)+event("delta", `{"text":"via"}`)),
		iotest.ErrReader(errors.New("connection reset")),
	)
	var rec recording
	if err := Read(r, rec.callbacks()); err == nil {
		t.Fatal("read should fail")
	}
	if len(rec.finals) != 0 {
		t.Errorf("finals = %+v, want none after a broken stream", rec.finals)
	}
}

func TestReadErrorEventParsed(t *testing.T) {
	body := event("error", `{"code":"upstream_failed"}`)
	var rec recording
	if err := Read(strings.NewReader(body), rec.callbacks()); err != nil {
		t.Fatal(err)
	}
	m, ok := rec.errors[0].(map[string]any)
	if !ok || m["code"] != "upstream_failed" {
		t.Errorf("errors = %#v", rec.errors)
	}
}

func TestReadUnknownLabelWithTextIsFinal(t *testing.T) {
	body := event("message", `{"text":"done now"}`)
	var rec recording
	if err := Read(strings.NewReader(body), rec.callbacks()); err != nil {
		t.Fatal(err)
	}
	if len(rec.finals) != 1 || rec.finals[0].Text != "done now" {
		t.Errorf("finals = %+v", rec.finals)
	}
}

func TestReadIgnoresHeartbeatAndMeta(t *testing.T) {
	body := event("hb", "") + event("meta", `{"threadId":"t1"}`)
	var rec recording
	if err := Read(strings.NewReader(body), rec.callbacks()); err != nil {
		t.Fatal(err)
	}
	if len(rec.deltas) != 0 || len(rec.finals) != 0 || len(rec.errors) != 0 {
		t.Errorf("heartbeat/meta should be no-ops: %+v", rec)
	}
}
