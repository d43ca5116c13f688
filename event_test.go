package carousel

import (
	"encoding/json"
	"testing"
	"time"
)

func TestTransitionTextRoundTrip(t *testing.T) {
	for tr := TransitionProvisioning; tr <= TransitionGap; tr++ {
		text, err := tr.MarshalText()
		if err != nil {
			t.Fatalf("marshal %d: %v", tr, err)
		}
		var back Transition
		if err := back.UnmarshalText(text); err != nil {
			t.Fatalf("unmarshal %q: %v", text, err)
		}
		if back != tr {
			t.Fatalf("round trip %q: got %d, want %d", text, back, tr)
		}
	}

	var tr Transition
	if err := tr.UnmarshalText([]byte("exploded")); err == nil {
		t.Fatal("unknown transition must not parse")
	}
}

func TestEventJSONShape(t *testing.T) {
	ev := Event{
		Time:        time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		ContainerID: "ctr-a",
		Transition:  TransitionDraining,
		Detail:      "manual",
	}
	data, err := json.Marshal(ev)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var doc map[string]any
	if err := json.Unmarshal(data, &doc); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if doc["transition"] != "draining" {
		t.Fatalf("transition = %v, want draining", doc["transition"])
	}
	if doc["container_id"] != "ctr-a" || doc["detail"] != "manual" {
		t.Fatalf("doc = %v", doc)
	}
	if _, ok := doc["timestamp"]; !ok {
		t.Fatal("missing timestamp field")
	}

	// Cycle markers omit the container id entirely.
	data, err = json.Marshal(Event{Time: ev.Time, Transition: TransitionCycleStarted})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	doc = nil
	if err := json.Unmarshal(data, &doc); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if _, ok := doc["container_id"]; ok {
		t.Fatal("empty container id should be omitted")
	}
}

func TestTransitionForState(t *testing.T) {
	cases := map[State]Transition{
		StateProvisioning:   TransitionProvisioning,
		StateHealthChecking: TransitionHealthChecking,
		StateActive:         TransitionActive,
		StateDraining:       TransitionDraining,
		StateTerminating:    TransitionTerminating,
		StateTerminated:     TransitionTerminated,
		StateFailed:         TransitionFailed,
		StateUnknown:        TransitionUnknown,
	}
	for state, want := range cases {
		if got := TransitionForState(state); got != want {
			t.Errorf("TransitionForState(%s) = %s, want %s", state, got, want)
		}
	}
}
