package hedge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"perp-hedge-bot/internal/exchange"
	"perp-hedge-bot/internal/lifecycle"
	"perp-hedge-bot/internal/metrics"
	"perp-hedge-bot/internal/state"

	"github.com/google/uuid"
	"github.com/jpillora/backoff"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type OrderSubmitter interface {
	PlaceOrder(ctx context.Context, req exchange.OrderRequest) (exchange.Order, error)
}

type Notifier interface {
	Send(ctx context.Context, message string) error
}

type Config struct {
	Venue        string
	Instrument   string
	Delay        time.Duration
	MaxRetries   int
	TakerFeeRate decimal.Decimal
}

func (c Config) Validate() error {
	if c.Venue == "" {
		return errors.New("hedge venue is required")
	}
	if c.Instrument == "" {
		return errors.New("hedge instrument is required")
	}
	if c.MaxRetries < 0 {
		return errors.New("hedge max retries must be >= 0")
	}
	if c.TakerFeeRate.IsNegative() {
		return errors.New("hedge taker fee rate must be >= 0")
	}
	return nil
}

// Coordinator reacts to primary fills by opening an offsetting position
// on the hedge venue and closes it when the matching take-profit fills.
// All state is owned by the Run goroutine; accessors take a snapshot
// under the mutex.
type Coordinator struct {
	cfg       Config
	submitter OrderSubmitter
	store     state.Store
	notifier  Notifier
	metrics   *metrics.Metrics
	log       *zap.Logger

	mu             sync.Mutex
	active         map[string]*Position
	completedCount int
	realizedTotal  decimal.Decimal

	completedHook func(pos *Position)
}

func New(cfg Config, submitter OrderSubmitter, store state.Store, notifier Notifier, m *metrics.Metrics, log *zap.Logger) (*Coordinator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("hedge config: %w", err)
	}
	if m == nil {
		m = metrics.NewNoop()
	}
	return &Coordinator{
		cfg:       cfg,
		submitter: submitter,
		store:     store,
		notifier:  notifier,
		metrics:   m,
		log:       log,
		active:    make(map[string]*Position),
	}, nil
}

// SetCompletedHook registers a callback fired after each completed
// cycle. Must be called before Run.
func (c *Coordinator) SetCompletedHook(fn func(pos *Position)) {
	c.completedHook = fn
}

// Run consumes slot events and hedge-venue order updates in arrival
// order. Each hedge action resolves (confirmed, resting or at-risk)
// before the next event is taken, which keeps at most one in-flight
// action per position.
func (c *Coordinator) Run(ctx context.Context, events <-chan lifecycle.Event, updates <-chan exchange.OrderUpdate) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return errors.New("slot event stream closed")
			}
			switch ev.Type {
			case lifecycle.EventEntryFilled:
				c.OnPrimaryFill(ctx, ev.Order)
			case lifecycle.EventTakeProfitFilled:
				c.OnTakeProfitFilled(ctx, ev)
			}
		case upd, ok := <-updates:
			if !ok {
				return errors.New("hedge order update stream closed")
			}
			c.HandleUpdate(ctx, upd)
		}
	}
}

// OnPrimaryFill opens a new HedgePosition and submits the offsetting
// market order on the hedge venue.
func (c *Coordinator) OnPrimaryFill(ctx context.Context, primary exchange.Order) {
	pos := &Position{
		ID:           uuid.NewString(),
		PrimaryOrder: primary,
		Quantity:     primary.Quantity,
		PrimarySide:  primary.Side,
		HedgeSide:    primary.Side.Opposite(),
		CreatedAt:    time.Now().UTC(),
		sm:           NewStateMachine(),
	}
	c.mu.Lock()
	c.active[primary.ID] = pos
	c.mu.Unlock()
	c.persistActive(ctx, pos)
	c.log.Info("hedge position created",
		zap.String("hedge_id", pos.ID),
		zap.String("primary_order", primary.ID),
		zap.String("hedge_side", string(pos.HedgeSide)),
		zap.String("quantity", pos.Quantity.String()))

	if c.cfg.Delay > 0 {
		select {
		case <-ctx.Done():
			return
		case <-time.After(c.cfg.Delay):
		}
	}
	req := exchange.OrderRequest{
		Instrument:    c.cfg.Instrument,
		Side:          pos.HedgeSide,
		Role:          exchange.RoleHedge,
		Quantity:      pos.Quantity,
		Market:        true,
		ClientOrderID: "hedge-open-" + pos.ID,
	}
	order, err := c.submitWithRetry(ctx, req)
	if err != nil {
		c.markAtRisk(ctx, pos, fmt.Errorf("hedge open failed: %w", err))
		return
	}
	c.metrics.HedgesOpened.Inc()
	pos.HedgeOrder = order
	if order.Status == exchange.StatusFilled {
		c.confirmHedge(ctx, pos, order.Price)
	}
}

// OnTakeProfitFilled moves the matching position to CLOSING and submits
// the hedge close order (same side as the primary). A take-profit that
// lands before the hedge open is confirmed is held on the position and
// replayed on confirmation, so no stage is skipped and at most one
// hedge action is in flight per position.
func (c *Coordinator) OnTakeProfitFilled(ctx context.Context, ev lifecycle.Event) {
	pos := c.matchPosition(ev)
	if pos == nil {
		c.log.Warn("take-profit fill without matching hedge position",
			zap.String("close_order", ev.Order.ID))
		return
	}
	if got, want := ev.Order.Side, pos.ProfitSide(); got != want {
		c.log.Warn("take-profit side mismatch",
			zap.String("hedge_id", pos.ID),
			zap.String("got", string(got)),
			zap.String("want", string(want)))
	}
	pos.TakeProfit = ev.Order
	if pos.State() != StateProfitPending {
		pos.deferredProfit = true
		c.log.Warn("take-profit filled before hedge confirmation, holding close",
			zap.String("hedge_id", pos.ID),
			zap.String("state", string(pos.State())))
		return
	}
	c.beginClose(ctx, pos)
}

// beginClose transitions to CLOSING and submits the hedge close order.
// Callers guarantee the position is in PROFIT_PENDING.
func (c *Coordinator) beginClose(ctx context.Context, pos *Position) {
	pos.sm.Apply(EventProfitFilled)
	c.log.Info("hedge position closing",
		zap.String("hedge_id", pos.ID),
		zap.String("take_profit_price", pos.TakeProfit.Price.String()))

	req := exchange.OrderRequest{
		Instrument:    c.cfg.Instrument,
		Side:          pos.CloseHedgeSide(),
		Role:          exchange.RoleHedge,
		Quantity:      pos.Quantity,
		Market:        true,
		ReduceOnly:    true,
		ClientOrderID: "hedge-close-" + pos.ID,
	}
	order, err := c.submitWithRetry(ctx, req)
	if err != nil {
		c.markAtRisk(ctx, pos, fmt.Errorf("hedge close failed: %w", err))
		return
	}
	pos.ClosingOrder = order
	if order.Status == exchange.StatusFilled {
		c.completePosition(ctx, pos, order.Price)
	}
}

// HandleUpdate consumes hedge-venue push notifications, confirming open
// and close fills that were not immediate.
func (c *Coordinator) HandleUpdate(ctx context.Context, upd exchange.OrderUpdate) {
	if upd.Status != exchange.StatusFilled {
		return
	}
	c.mu.Lock()
	var pos *Position
	for _, p := range c.active {
		if p.HedgeOrder.ID == upd.OrderID || p.ClosingOrder.ID == upd.OrderID {
			pos = p
			break
		}
	}
	c.mu.Unlock()
	if pos == nil {
		return
	}
	switch upd.OrderID {
	case pos.HedgeOrder.ID:
		if pos.State() == StateHedging {
			pos.HedgeOrder.Status = exchange.StatusFilled
			c.confirmHedge(ctx, pos, upd.FillPrice)
		}
	case pos.ClosingOrder.ID:
		if pos.State() == StateClosing {
			c.completePosition(ctx, pos, upd.FillPrice)
		}
	}
}

func (c *Coordinator) confirmHedge(ctx context.Context, pos *Position, fillPrice decimal.Decimal) {
	pos.HedgeOrder.Price = fillPrice
	pos.sm.Apply(EventHedgeConfirmed)
	c.log.Info("hedge confirmed",
		zap.String("hedge_id", pos.ID),
		zap.String("hedge_fill_price", fillPrice.String()))
	if pos.deferredProfit {
		pos.deferredProfit = false
		c.beginClose(ctx, pos)
	}
}

func (c *Coordinator) completePosition(ctx context.Context, pos *Position, closeFillPrice decimal.Decimal) {
	pos.ClosingOrder.Status = exchange.StatusFilled
	pos.ClosingOrder.Price = closeFillPrice
	pos.RealizedPnL = realizedPnL(
		pos.PrimaryOrder.Price,
		pos.TakeProfit.Price,
		pos.HedgeOrder.Price,
		closeFillPrice,
		pos.Quantity,
		c.cfg.TakerFeeRate,
		pos.PrimarySide,
	)
	pos.CompletedAt = time.Now().UTC()
	pos.sm.Apply(EventCloseConfirmed)
	c.metrics.HedgesClosed.Inc()

	c.mu.Lock()
	delete(c.active, pos.PrimaryOrder.ID)
	c.completedCount++
	c.realizedTotal = c.realizedTotal.Add(pos.RealizedPnL)
	c.mu.Unlock()
	c.persistCompleted(ctx, pos)
	if c.completedHook != nil {
		c.completedHook(pos)
	}
	c.log.Info("hedge position completed",
		zap.String("hedge_id", pos.ID),
		zap.String("realized_pnl", pos.RealizedPnL.String()))
}

func (c *Coordinator) matchPosition(ev lifecycle.Event) *Position {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ev.Entry.ID != "" {
		if pos, ok := c.active[ev.Entry.ID]; ok {
			return pos
		}
	}
	// Adopted closes carry no entry reference; fall back to the oldest
	// position still waiting for its take-profit.
	var oldest *Position
	for _, p := range c.active {
		if p.State() != StateProfitPending {
			continue
		}
		if oldest == nil || p.CreatedAt.Before(oldest.CreatedAt) {
			oldest = p
		}
	}
	return oldest
}

func (c *Coordinator) submitWithRetry(ctx context.Context, req exchange.OrderRequest) (exchange.Order, error) {
	b := &backoff.Backoff{
		Min:    500 * time.Millisecond,
		Max:    10 * time.Second,
		Factor: 2,
		Jitter: true,
	}
	attempts := c.cfg.MaxRetries + 1
	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		order, err := c.submitter.PlaceOrder(ctx, req)
		if err == nil {
			return order, nil
		}
		lastErr = err
		c.log.Warn("hedge order submission failed",
			zap.String("client_order_id", req.ClientOrderID),
			zap.Int("attempt", attempt+1),
			zap.Error(err))
		if attempt == attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return exchange.Order{}, ctx.Err()
		case <-time.After(b.Duration()):
		}
	}
	return exchange.Order{}, fmt.Errorf("exhausted %d attempts: %w", attempts, lastErr)
}

// markAtRisk flags a position whose hedge action could not be completed.
// The position stays in the active set so an operator (or RetryAtRisk)
// can follow up; it is never silently dropped.
func (c *Coordinator) markAtRisk(ctx context.Context, pos *Position, err error) {
	pos.AtRisk = true
	c.metrics.HedgeRetriesExhausted.Inc()
	c.persistActive(ctx, pos)
	c.log.Error("hedge position at risk",
		zap.String("hedge_id", pos.ID),
		zap.String("state", string(pos.State())),
		zap.Error(err))
	if c.notifier != nil {
		msg := fmt.Sprintf("CRITICAL: hedge position %s at risk in state %s: %v", pos.ID, pos.State(), err)
		if nerr := c.notifier.Send(ctx, msg); nerr != nil {
			c.log.Warn("hedge alert send failed", zap.Error(nerr))
		}
	}
}

// RetryAtRisk re-attempts the pending action of every at-risk position.
func (c *Coordinator) RetryAtRisk(ctx context.Context) {
	for _, pos := range c.snapshot(true) {
		pos.AtRisk = false
		switch pos.State() {
		case StateHedging:
			req := exchange.OrderRequest{
				Instrument:    c.cfg.Instrument,
				Side:          pos.HedgeSide,
				Role:          exchange.RoleHedge,
				Quantity:      pos.Quantity,
				Market:        true,
				ClientOrderID: "hedge-open-" + pos.ID,
			}
			order, err := c.submitWithRetry(ctx, req)
			if err != nil {
				c.markAtRisk(ctx, pos, err)
				continue
			}
			c.metrics.HedgesOpened.Inc()
			pos.HedgeOrder = order
			if order.Status == exchange.StatusFilled {
				c.confirmHedge(ctx, pos, order.Price)
			}
		case StateClosing:
			req := exchange.OrderRequest{
				Instrument:    c.cfg.Instrument,
				Side:          pos.CloseHedgeSide(),
				Role:          exchange.RoleHedge,
				Quantity:      pos.Quantity,
				Market:        true,
				ReduceOnly:    true,
				ClientOrderID: "hedge-close-" + pos.ID,
			}
			order, err := c.submitWithRetry(ctx, req)
			if err != nil {
				c.markAtRisk(ctx, pos, err)
				continue
			}
			pos.ClosingOrder = order
			if order.Status == exchange.StatusFilled {
				c.completePosition(ctx, pos, order.Price)
			}
		}
	}
}

// Active returns the in-flight positions ordered by creation time.
func (c *Coordinator) Active() []*Position {
	return c.snapshot(false)
}

// AtRisk returns the positions flagged after exhausted retries.
func (c *Coordinator) AtRisk() []*Position {
	return c.snapshot(true)
}

func (c *Coordinator) snapshot(atRiskOnly bool) []*Position {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*Position, 0, len(c.active))
	for _, p := range c.active {
		if atRiskOnly && !p.AtRisk {
			continue
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Summary reports completed cycles and total realized PnL for the
// session.
func (c *Coordinator) Summary() (int, decimal.Decimal) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.completedCount, c.realizedTotal
}

// NetExposure reconstructs the hedge-venue position from the fills of
// the active set; resting and failed orders contribute nothing.
func (c *Coordinator) NetExposure() exchange.Position {
	c.mu.Lock()
	defer c.mu.Unlock()
	fills := make([]exchange.Order, 0, 2*len(c.active))
	for _, p := range c.active {
		fills = append(fills, p.HedgeOrder, p.ClosingOrder)
	}
	return exchange.PositionFromFills(c.cfg.Venue, c.cfg.Instrument, fills)
}

type auditRecord struct {
	ID           string    `json:"id"`
	State        string    `json:"state"`
	PrimaryOrder string    `json:"primary_order"`
	HedgeOrder   string    `json:"hedge_order,omitempty"`
	ClosingOrder string    `json:"closing_order,omitempty"`
	PrimarySide  string    `json:"primary_side"`
	Quantity     string    `json:"quantity"`
	RealizedPnL  string    `json:"realized_pnl,omitempty"`
	AtRisk       bool      `json:"at_risk,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	CompletedAt  time.Time `json:"completed_at,omitempty"`
}

func (c *Coordinator) persistActive(ctx context.Context, pos *Position) {
	if c.store == nil {
		return
	}
	payload, err := json.Marshal(auditRecord{
		ID:           pos.ID,
		State:        string(pos.State()),
		PrimaryOrder: pos.PrimaryOrder.ID,
		HedgeOrder:   pos.HedgeOrder.ID,
		PrimarySide:  string(pos.PrimarySide),
		Quantity:     pos.Quantity.String(),
		AtRisk:       pos.AtRisk,
		CreatedAt:    pos.CreatedAt,
	})
	if err != nil {
		return
	}
	_ = c.store.Set(ctx, "hedge:active:"+pos.ID, string(payload))
}

func (c *Coordinator) persistCompleted(ctx context.Context, pos *Position) {
	if c.store == nil {
		return
	}
	payload, err := json.Marshal(auditRecord{
		ID:           pos.ID,
		State:        string(pos.State()),
		PrimaryOrder: pos.PrimaryOrder.ID,
		HedgeOrder:   pos.HedgeOrder.ID,
		ClosingOrder: pos.ClosingOrder.ID,
		PrimarySide:  string(pos.PrimarySide),
		Quantity:     pos.Quantity.String(),
		RealizedPnL:  pos.RealizedPnL.String(),
		CreatedAt:    pos.CreatedAt,
		CompletedAt:  pos.CompletedAt,
	})
	if err != nil {
		return
	}
	_ = c.store.Set(ctx, "hedge:completed:"+pos.ID, string(payload))
	_ = c.store.Delete(ctx, "hedge:active:"+pos.ID)
}
