package signal

import (
	"encoding/json"
	"testing"

	"github.com/squadhq/squad/internal/fault"
)

func mustEnvelope(t *testing.T, data string) *Envelope {
	t.Helper()
	var env Envelope
	if err := json.Unmarshal([]byte(data), &env); err != nil {
		t.Fatal(err)
	}
	return &env
}

func TestValidKind(t *testing.T) {
	for _, k := range []Kind{KindStarting, KindWorking, KindReview, KindReply,
		KindCompleting, KindComplete, KindPaused, KindDead} {
		if !ValidKind(k) {
			t.Errorf("ValidKind(%s) = false", k)
		}
	}
	for _, k := range []Kind{"", "resting", "Working"} {
		if ValidKind(k) {
			t.Errorf("ValidKind(%q) = true", k)
		}
	}
}

func TestEnvelopeSignal(t *testing.T) {
	env := mustEnvelope(t, `{"kind":"working","payload":{"session":"squad-alpha","task":"squad-a1b"},"timestamp":"2025-06-01T12:00:00Z"}`)
	if env.Kind != KindWorking {
		t.Errorf("kind = %s, want working", env.Kind)
	}

	s, err := env.Signal()
	if err != nil {
		t.Fatal(err)
	}
	if s.Session != "squad-alpha" || s.Task != "squad-a1b" {
		t.Errorf("signal = %q/%q, want squad-alpha/squad-a1b", s.Session, s.Task)
	}
}

func TestEnvelopeSignalRequiresSession(t *testing.T) {
	env := mustEnvelope(t, `{"kind":"working","payload":{"task":"squad-a1b"}}`)
	if _, err := env.Signal(); !fault.IsValidation(err) {
		t.Errorf("err = %v, want validation fault for missing session", err)
	}
}

func TestEnvelopeSignalTaskIDAlias(t *testing.T) {
	// The complete payload names its task "taskId" rather than "task".
	env := mustEnvelope(t, `{"kind":"complete","payload":{"session":"squad-alpha","taskId":"squad-a1b"}}`)
	s, err := env.Signal()
	if err != nil {
		t.Fatal(err)
	}
	if s.Task != "squad-a1b" {
		t.Errorf("task = %q, want squad-a1b from taskId alias", s.Task)
	}
}

func TestSignalDecodeTyped(t *testing.T) {
	env := mustEnvelope(t, `{"kind":"complete","payload":{
		"session":"squad-alpha","taskId":"squad-a1b",
		"summary":"wired the retry loop",
		"humanActions":["review PR"],
		"completionMode":"auto_proceed",
		"nextTaskId":"squad-c2d"}}`)
	s, err := env.Signal()
	if err != nil {
		t.Fatal(err)
	}

	var p CompletePayload
	if err := s.Decode(&p); err != nil {
		t.Fatal(err)
	}
	if p.CompletionMode != ModeAutoProceed {
		t.Errorf("completionMode = %q, want auto_proceed", p.CompletionMode)
	}
	if p.NextTaskID != "squad-c2d" {
		t.Errorf("nextTaskId = %q, want squad-c2d", p.NextTaskID)
	}
	if len(p.HumanActions) != 1 || p.HumanActions[0] != "review PR" {
		t.Errorf("humanActions = %v", p.HumanActions)
	}

	// Unknown payload fields ride along without breaking decode.
	var extra DeadPayload
	if err := s.Decode(&extra); err != nil {
		t.Errorf("decode into narrower struct failed: %v", err)
	}
}
