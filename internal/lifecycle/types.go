package lifecycle

import (
	"errors"
	"fmt"
	"time"

	"perp-hedge-bot/internal/exchange"

	"github.com/shopspring/decimal"
)

type State string

const (
	StateIdle         State = "IDLE"
	StateEntryPending State = "ENTRY_PENDING"
	StatePositionOpen State = "POSITION_OPEN"
	StateClosePending State = "CLOSE_PENDING"
	StateClosed       State = "CLOSED"
	StateStopped      State = "STOPPED"
)

type EventType string

const (
	EventEntryFilled      EventType = "ENTRY_FILLED"
	EventTakeProfitFilled EventType = "TAKE_PROFIT_FILLED"
	EventStopped          EventType = "STOPPED"
)

// Event is what the slot publishes to the rest of the engine. The hedge
// coordinator consumes ENTRY_FILLED and TAKE_PROFIT_FILLED. For
// TAKE_PROFIT_FILLED, Entry is the entry order the close belonged to
// (zero for closes adopted at startup).
type Event struct {
	Type  EventType
	Order exchange.Order
	Entry exchange.Order
}

// Config is the immutable per-slot trading configuration. A negative
// StopPrice or PausePrice disables that gate; GridStepPct <= 0 disables
// grid spacing entirely.
type Config struct {
	Venue          string
	Instrument     string
	Direction      exchange.Side
	Quantity       decimal.Decimal
	TakeProfitPct  decimal.Decimal
	GridStepPct    decimal.Decimal
	MaxOrders      int
	WaitTime       time.Duration
	StopPrice      decimal.Decimal
	PausePrice     decimal.Decimal
	EntryOffsetBps decimal.Decimal
}

func (c Config) Validate() error {
	if c.Venue == "" {
		return errors.New("venue is required")
	}
	if c.Instrument == "" {
		return errors.New("instrument is required")
	}
	if c.Direction != exchange.SideBuy && c.Direction != exchange.SideSell {
		return fmt.Errorf("direction must be buy or sell, got %q", c.Direction)
	}
	if !c.Quantity.IsPositive() {
		return errors.New("quantity must be > 0")
	}
	if !c.TakeProfitPct.IsPositive() {
		return errors.New("take profit percentage must be > 0")
	}
	if c.MaxOrders <= 0 {
		return errors.New("max orders must be > 0")
	}
	if c.WaitTime < 0 {
		return errors.New("wait time must be >= 0")
	}
	return nil
}

// CloseSide is the side of take-profit orders for this slot.
func (c Config) CloseSide() exchange.Side {
	return c.Direction.Opposite()
}

// TakeProfitPrice derives the close price from an entry fill:
// fill*(1+tp%) when closing with a sell, fill*(1-tp%) for a buy.
func (c Config) TakeProfitPrice(fillPrice decimal.Decimal) decimal.Decimal {
	offset := c.TakeProfitPct.Div(decimal.NewFromInt(100))
	if c.CloseSide() == exchange.SideSell {
		return fillPrice.Mul(decimal.NewFromInt(1).Add(offset))
	}
	return fillPrice.Mul(decimal.NewFromInt(1).Sub(offset))
}

func nextState(current State, event stateEvent) State {
	switch current {
	case StateIdle:
		if event == eventEntryPlaced {
			return StateEntryPending
		}
	case StateEntryPending:
		switch event {
		case eventEntryFilled:
			return StatePositionOpen
		case eventEntryCancelled:
			return StateIdle
		}
	case StatePositionOpen:
		if event == eventClosePlaced {
			return StateClosePending
		}
	case StateClosePending:
		switch event {
		case eventCloseFilled:
			return StateClosed
		case eventCloseResting:
			// The close order rests on the book; the slot is free to
			// start the next entry cycle while it waits.
			return StateIdle
		}
	case StateClosed:
		if event == eventSlotReleased {
			return StateIdle
		}
	}
	if event == eventStop {
		return StateStopped
	}
	return current
}

type stateEvent string

const (
	eventEntryPlaced    stateEvent = "ENTRY_PLACED"
	eventEntryFilled    stateEvent = "ENTRY_FILLED"
	eventEntryCancelled stateEvent = "ENTRY_CANCELLED"
	eventClosePlaced    stateEvent = "CLOSE_PLACED"
	eventCloseResting   stateEvent = "CLOSE_RESTING"
	eventCloseFilled    stateEvent = "CLOSE_FILLED"
	eventSlotReleased   stateEvent = "SLOT_RELEASED"
	eventStop           stateEvent = "STOP"
)
