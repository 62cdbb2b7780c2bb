package stoploss

import (
	"context"
	"errors"
	"fmt"
	"time"

	"perp-hedge-bot/internal/exchange"
	"perp-hedge-bot/internal/metrics"

	"github.com/google/uuid"
	"github.com/jpillora/backoff"
	"go.uber.org/zap"
)

// Venue is the slice of the exchange client flattening needs.
type Venue interface {
	PlaceOrder(ctx context.Context, req exchange.OrderRequest) (exchange.Order, error)
	CancelOrder(ctx context.Context, orderID string) error
	GetOrder(ctx context.Context, orderID string) (exchange.Order, error)
	OpenOrders(ctx context.Context, instrument string) ([]exchange.Order, error)
	BestBidAsk(ctx context.Context, instrument string) (exchange.BestBidAsk, error)
	Position(ctx context.Context, instrument string) (exchange.Position, error)
}

type Notifier interface {
	Send(ctx context.Context, message string) error
}

type Config struct {
	Instrument   string
	PollInterval time.Duration
	MaxRetries   int
}

func (c Config) Validate() error {
	if c.Instrument == "" {
		return errors.New("stop-loss instrument is required")
	}
	if c.PollInterval <= 0 {
		return errors.New("stop-loss poll interval must be > 0")
	}
	if c.MaxRetries <= 0 {
		return errors.New("stop-loss max retries must be > 0")
	}
	return nil
}

// Executor flattens one instrument: it cancels every resting order,
// then works a reduce-only limit at the touch until the position is
// gone, repricing each time the order fails to fill within the poll
// interval.
type Executor struct {
	cfg      Config
	venue    Venue
	notifier Notifier
	metrics  *metrics.Metrics
	log      *zap.Logger
}

func New(cfg Config, venue Venue, notifier Notifier, m *metrics.Metrics, log *zap.Logger) (*Executor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("stop-loss config: %w", err)
	}
	if m == nil {
		m = metrics.NewNoop()
	}
	return &Executor{cfg: cfg, venue: venue, notifier: notifier, metrics: m, log: log}, nil
}

// Flatten runs the full stop-loss procedure. It returns nil once the
// position is flat; every give-up path raises the fatal alert first so
// an un-flattened exposure is never silent.
func (e *Executor) Flatten(ctx context.Context) error {
	e.log.Warn("stop-loss triggered, flattening", zap.String("instrument", e.cfg.Instrument))
	if err := e.cancelResting(ctx); err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		return e.giveUp(ctx, err)
	}

	for attempt := 1; attempt <= e.cfg.MaxRetries; attempt++ {
		pos, err := e.position(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return err
			}
			return e.giveUp(ctx, err)
		}
		if pos.Flat() {
			e.log.Info("stop-loss complete, position flat",
				zap.String("instrument", e.cfg.Instrument),
				zap.Int("attempts", attempt-1))
			return nil
		}
		e.metrics.StopLossAttempts.Inc()
		if err := e.workCloseOrder(ctx, pos, attempt); err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return err
			}
			e.log.Warn("stop-loss close attempt failed",
				zap.Int("attempt", attempt),
				zap.Error(err))
		}
	}

	pos, err := e.position(ctx)
	if err == nil && pos.Flat() {
		e.log.Info("stop-loss complete, position flat", zap.String("instrument", e.cfg.Instrument))
		return nil
	}
	if err == nil {
		err = fmt.Errorf("position still open after %d attempts", e.cfg.MaxRetries)
	}
	return e.giveUp(ctx, err)
}

// giveUp is the single exit for an un-flattened position: count the
// failure, page the operator, return the error.
func (e *Executor) giveUp(ctx context.Context, cause error) error {
	e.metrics.StopLossFailures.Inc()
	msg := fmt.Sprintf("FATAL: stop-loss could not flatten %s: %v, manual intervention required",
		e.cfg.Instrument, cause)
	e.log.Error("stop-loss gave up", zap.String("instrument", e.cfg.Instrument), zap.Error(cause))
	if e.notifier != nil {
		if nerr := e.notifier.Send(ctx, msg); nerr != nil {
			e.log.Warn("stop-loss alert send failed", zap.Error(nerr))
		}
	}
	return errors.New(msg)
}

// retryVenueCall keeps transient venue errors from aborting the
// flatten; the budget is the same MaxRetries that bounds reprices.
func (e *Executor) retryVenueCall(ctx context.Context, label string, fn func() error) error {
	b := &backoff.Backoff{
		Min:    100 * time.Millisecond,
		Max:    2 * time.Second,
		Factor: 2,
		Jitter: true,
	}
	var lastErr error
	for attempt := 1; attempt <= e.cfg.MaxRetries; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		lastErr = err
		e.log.Warn("stop-loss venue call failed",
			zap.String("call", label),
			zap.Int("attempt", attempt),
			zap.Error(err))
		if attempt == e.cfg.MaxRetries {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(b.Duration()):
		}
	}
	return fmt.Errorf("%s: %w", label, lastErr)
}

func (e *Executor) position(ctx context.Context) (exchange.Position, error) {
	var pos exchange.Position
	err := e.retryVenueCall(ctx, "position check", func() error {
		var perr error
		pos, perr = e.venue.Position(ctx, e.cfg.Instrument)
		return perr
	})
	return pos, err
}

// cancelResting pulls every open order so nothing re-fills while the
// position is being closed.
func (e *Executor) cancelResting(ctx context.Context) error {
	var orders []exchange.Order
	err := e.retryVenueCall(ctx, "open orders", func() error {
		var oerr error
		orders, oerr = e.venue.OpenOrders(ctx, e.cfg.Instrument)
		return oerr
	})
	if err != nil {
		return err
	}
	for _, order := range orders {
		if err := e.venue.CancelOrder(ctx, order.ID); err != nil {
			if errors.Is(err, exchange.ErrNotFound) {
				continue
			}
			e.log.Warn("stop-loss cancel failed",
				zap.String("order_id", order.ID),
				zap.Error(err))
			continue
		}
		e.log.Info("stop-loss cancelled resting order",
			zap.String("order_id", order.ID),
			zap.String("role", string(order.Role)))
	}
	return nil
}

// workCloseOrder places one reduce-only limit at the touch and gives it
// one poll interval to fill before pulling it for a reprice.
func (e *Executor) workCloseOrder(ctx context.Context, pos exchange.Position, attempt int) error {
	quote, err := e.venue.BestBidAsk(ctx, e.cfg.Instrument)
	if err != nil {
		return fmt.Errorf("quote: %w", err)
	}
	if !quote.Valid() {
		return fmt.Errorf("invalid quote bid=%s ask=%s", quote.Bid, quote.Ask)
	}
	side := pos.Side().Opposite()
	price := quote.Bid
	if side == exchange.SideBuy {
		price = quote.Ask
	}
	order, err := e.venue.PlaceOrder(ctx, exchange.OrderRequest{
		Instrument:    e.cfg.Instrument,
		Side:          side,
		Role:          exchange.RoleStopLoss,
		Quantity:      pos.Quantity.Abs(),
		Price:         price,
		ReduceOnly:    true,
		ClientOrderID: "stoploss-" + uuid.NewString(),
	})
	if err != nil {
		return fmt.Errorf("place: %w", err)
	}
	e.log.Info("stop-loss close order placed",
		zap.Int("attempt", attempt),
		zap.String("order_id", order.ID),
		zap.String("side", string(side)),
		zap.String("price", price.String()),
		zap.String("quantity", pos.Quantity.Abs().String()))

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(e.cfg.PollInterval):
	}

	current, err := e.venue.GetOrder(ctx, order.ID)
	if err != nil {
		return fmt.Errorf("order status: %w", err)
	}
	if current.Status == exchange.StatusFilled {
		return nil
	}
	if !current.Status.Terminal() {
		if err := e.venue.CancelOrder(ctx, order.ID); err != nil && !errors.Is(err, exchange.ErrNotFound) {
			return fmt.Errorf("reprice cancel: %w", err)
		}
	}
	return nil
}
