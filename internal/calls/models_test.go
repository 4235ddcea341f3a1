package calls

import "testing"

func TestCallStatus_Terminal(t *testing.T) {
	terminal := []CallStatus{
		CallStatusCompleted,
		CallStatusFailed,
		CallStatusCanceled,
		CallStatusNoAnswer,
		CallStatusBusy,
	}
	for _, s := range terminal {
		if !s.Terminal() {
			t.Fatalf("expected %q to be terminal", s)
		}
	}

	nonTerminal := []CallStatus{
		"",
		CallStatusQueued,
		CallStatusRinging,
		CallStatusInProgress,
	}
	for _, s := range nonTerminal {
		if s.Terminal() {
			t.Fatalf("expected %q to be non-terminal", s)
		}
	}
}

func TestCallStatus_WireValuesAreHyphenated(t *testing.T) {
	// These strings come back verbatim from the provider; they must not drift
	// to Go-style underscores.
	if CallStatusNoAnswer != "no-answer" || CallStatusInProgress != "in-progress" {
		t.Fatalf("unexpected wire values: %q %q", CallStatusNoAnswer, CallStatusInProgress)
	}
}
