package hedge

import "sync"

type State string

type Event string

const (
	StateHedging       State = "HEDGING"
	StateProfitPending State = "PROFIT_PENDING"
	StateClosing       State = "CLOSING"
	StateCompleted     State = "COMPLETED"
)

const (
	EventHedgeConfirmed Event = "HEDGE_CONFIRMED"
	EventProfitFilled   Event = "PROFIT_FILLED"
	EventCloseConfirmed Event = "CLOSE_CONFIRMED"
)

// StateMachine only moves forward: HEDGING -> PROFIT_PENDING -> CLOSING
// -> COMPLETED. Applying an event out of order leaves the state where it
// is, which is what keeps failed submissions retryable.
type StateMachine struct {
	mu    sync.Mutex
	State State
}

func NewStateMachine() *StateMachine {
	return &StateMachine{State: StateHedging}
}

func (s *StateMachine) Apply(event Event) State {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.State = nextState(s.State, event)
	return s.State
}

func (s *StateMachine) Current() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.State
}

func nextState(current State, event Event) State {
	switch current {
	case StateHedging:
		if event == EventHedgeConfirmed {
			return StateProfitPending
		}
	case StateProfitPending:
		if event == EventProfitFilled {
			return StateClosing
		}
	case StateClosing:
		if event == EventCloseConfirmed {
			return StateCompleted
		}
	}
	return current
}
