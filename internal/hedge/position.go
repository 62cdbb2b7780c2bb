package hedge

import (
	"time"

	"perp-hedge-bot/internal/exchange"

	"github.com/shopspring/decimal"
)

// Position pairs one primary fill with its offsetting exposure on the
// hedge venue. The coordinator owns it for its whole lifetime; it leaves
// the active set only on COMPLETED. Exhausted retries flag it at-risk
// but keep it listed for follow-up.
type Position struct {
	ID           string
	PrimaryOrder exchange.Order
	HedgeOrder   exchange.Order
	TakeProfit   exchange.Order
	ClosingOrder exchange.Order
	Quantity     decimal.Decimal
	PrimarySide  exchange.Side
	HedgeSide    exchange.Side
	CreatedAt    time.Time
	CompletedAt  time.Time
	RealizedPnL  decimal.Decimal
	AtRisk       bool

	// deferredProfit holds a take-profit fill that landed before the
	// hedge open was confirmed; the close is submitted on confirmation.
	deferredProfit bool

	sm *StateMachine
}

func (p *Position) State() State {
	return p.sm.Current()
}

func (p *Position) IsCompleted() bool {
	return p.sm.Current() == StateCompleted
}

// ProfitSide is the side of the primary take-profit order.
func (p *Position) ProfitSide() exchange.Side {
	return p.PrimarySide.Opposite()
}

// CloseHedgeSide closes the hedge leg: opposite of the hedge side, which
// is the primary side again.
func (p *Position) CloseHedgeSide() exchange.Side {
	return p.HedgeSide.Opposite()
}

// realizedPnL computes (take-profit - primary fill) on the primary leg
// plus (hedge entry - hedge close) on the hedge leg, both signed for the
// primary direction, minus taker fees on the two hedge legs.
func realizedPnL(primaryFill, tpFill, hedgeEntry, hedgeClose, qty, feeRate decimal.Decimal, primarySide exchange.Side) decimal.Decimal {
	primaryLeg := tpFill.Sub(primaryFill)
	hedgeLeg := hedgeEntry.Sub(hedgeClose)
	if primarySide == exchange.SideSell {
		primaryLeg = primaryLeg.Neg()
		hedgeLeg = hedgeLeg.Neg()
	}
	gross := primaryLeg.Add(hedgeLeg).Mul(qty)
	fees := hedgeEntry.Add(hedgeClose).Mul(qty).Mul(feeRate)
	return gross.Sub(fees)
}
