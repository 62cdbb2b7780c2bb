package hedge

import "testing"

func TestStateMachineHappyPath(t *testing.T) {
	sm := NewStateMachine()
	if got := sm.Current(); got != StateHedging {
		t.Fatalf("initial state = %s, want %s", got, StateHedging)
	}
	steps := []struct {
		ev   Event
		want State
	}{
		{EventHedgeConfirmed, StateProfitPending},
		{EventProfitFilled, StateClosing},
		{EventCloseConfirmed, StateCompleted},
	}
	for _, s := range steps {
		if got := sm.Apply(s.ev); got != s.want {
			t.Fatalf("after %s: state = %s, want %s", s.ev, got, s.want)
		}
	}
}

func TestStateMachineIgnoresOutOfOrderEvents(t *testing.T) {
	sm := NewStateMachine()
	// Close confirmation before the hedge is even open must not move
	// the machine.
	if got := sm.Apply(EventCloseConfirmed); got != StateHedging {
		t.Fatalf("state = %s, want %s", got, StateHedging)
	}
	if got := sm.Apply(EventProfitFilled); got != StateHedging {
		t.Fatalf("state = %s, want %s", got, StateHedging)
	}
	sm.Apply(EventHedgeConfirmed)
	sm.Apply(EventProfitFilled)
	sm.Apply(EventCloseConfirmed)
	// Completed is terminal.
	if got := sm.Apply(EventHedgeConfirmed); got != StateCompleted {
		t.Fatalf("state = %s, want %s", got, StateCompleted)
	}
}
