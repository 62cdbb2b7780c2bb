package exchange

import (
	"time"

	"github.com/shopspring/decimal"
)

type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

type Role string

const (
	RoleEntry      Role = "entry"
	RoleTakeProfit Role = "take_profit"
	RoleStopLoss   Role = "stop_loss"
	RoleHedge      Role = "hedge"
)

type Status string

const (
	StatusPending   Status = "PENDING"
	StatusOpen      Status = "OPEN"
	StatusFilled    Status = "FILLED"
	StatusCancelled Status = "CANCELLED"
	StatusRejected  Status = "REJECTED"
)

func (s Status) Terminal() bool {
	return s == StatusFilled || s == StatusCancelled || s == StatusRejected
}

// Order is owned by the component that created it. Once the status is
// terminal the remaining fields must not change.
type Order struct {
	ID            string
	ClientOrderID string
	Venue         string
	Instrument    string
	Side          Side
	Role          Role
	Price         decimal.Decimal
	Quantity      decimal.Decimal
	Status        Status
	CreatedAt     time.Time
}

type OrderRequest struct {
	Instrument    string
	Side          Side
	Role          Role
	Quantity      decimal.Decimal
	Price         decimal.Decimal
	Market        bool
	ReduceOnly    bool
	ClientOrderID string
}

type OrderUpdate struct {
	OrderID       string
	ClientOrderID string
	Instrument    string
	Side          Side
	Role          Role
	Status        Status
	FillPrice     decimal.Decimal
	FillQuantity  decimal.Decimal
	Time          time.Time
}

type BestBidAsk struct {
	Bid decimal.Decimal
	Ask decimal.Decimal
}

func (b BestBidAsk) Valid() bool {
	return b.Bid.IsPositive() && b.Ask.IsPositive() && b.Bid.LessThan(b.Ask)
}

// Position is derived from filled orders, never stored on its own.
// Quantity is signed: positive long, negative short.
type Position struct {
	Venue      string
	Instrument string
	Quantity   decimal.Decimal
	EntryPrice decimal.Decimal
}

func (p Position) Flat() bool {
	return p.Quantity.IsZero()
}

func (p Position) Side() Side {
	if p.Quantity.IsNegative() {
		return SideSell
	}
	return SideBuy
}

// PositionFromFills recomputes the net position for one (venue, instrument)
// from a fill history. Buys add, sells subtract; the entry price is the
// volume-weighted average of the fills on the net side.
func PositionFromFills(venue, instrument string, fills []Order) Position {
	pos := Position{Venue: venue, Instrument: instrument}
	var notional decimal.Decimal
	for _, fill := range fills {
		if fill.Status != StatusFilled {
			continue
		}
		qty := fill.Quantity
		if fill.Side == SideSell {
			qty = qty.Neg()
		}
		pos.Quantity = pos.Quantity.Add(qty)
		notional = notional.Add(fill.Price.Mul(qty))
	}
	if !pos.Quantity.IsZero() {
		pos.EntryPrice = notional.Div(pos.Quantity)
	}
	return pos
}
