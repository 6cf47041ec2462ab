package extract

import (
	"reflect"
	"testing"
)

func TestTrailingJSONFenced(t *testing.T) {
	text := "Here is your plan.\n```json\n{\"a\":1}\n```"
	prose, obj := TrailingJSON(text)
	if prose != "Here is your plan." {
		t.Errorf("prose = %q", prose)
	}
	want := map[string]any{"a": float64(1)}
	if !reflect.DeepEqual(obj, want) {
		t.Errorf("obj = %#v, want %#v", obj, want)
	}
}

func TestTrailingJSONNone(t *testing.T) {
	prose, obj := TrailingJSON("no json here")
	if prose != "no json here" || obj != nil {
		t.Errorf("got (%q, %#v), want text unchanged and nil", prose, obj)
	}
}

func TestTrailingJSONBare(t *testing.T) {
	prose, obj := TrailingJSON(`Plan: {"a":1}`)
	if prose != "Plan:" {
		t.Errorf("prose = %q", prose)
	}
	want := map[string]any{"a": float64(1)}
	if !reflect.DeepEqual(obj, want) {
		t.Errorf("obj = %#v", obj)
	}
}

// A reply that is nothing but JSON stays intact: the leading-prose guard
// is intentional, not an oversight.
func TestTrailingJSONNoProseGuard(t *testing.T) {
	prose, obj := TrailingJSON(`{"a":1}`)
	if prose != `{"a":1}` || obj != nil {
		t.Errorf("got (%q, %#v), want original text and nil", prose, obj)
	}
}

func TestTrailingJSONArray(t *testing.T) {
	prose, obj := TrailingJSON(`Options below [1,2,3]`)
	if prose != "Options below" {
		t.Errorf("prose = %q", prose)
	}
	if arr, ok := obj.([]any); !ok || len(arr) != 3 {
		t.Errorf("obj = %#v", obj)
	}
}

func TestTrailingJSONUnparseableTail(t *testing.T) {
	text := "weights are {0.4, 0.6} roughly"
	prose, obj := TrailingJSON(text)
	if prose != text || obj != nil {
		t.Errorf("got (%q, %#v), want degradation to no match", prose, obj)
	}
}
