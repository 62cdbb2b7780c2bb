package exec

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"perp-hedge-bot/internal/exchange"
	"perp-hedge-bot/internal/state"

	"github.com/jpillora/backoff"
	"go.uber.org/zap"
)

const maxAttempts = 5

// Venue is the slice of the exchange client the executor needs.
type Venue interface {
	PlaceOrder(ctx context.Context, req exchange.OrderRequest) (exchange.Order, error)
	CancelOrder(ctx context.Context, orderID string) error
}

// Executor wraps order submission with bounded retries on transient errors
// and client-order-id idempotency so a resubmitted request never opens a
// duplicate position.
type Executor struct {
	venue Venue
	store state.Store
	log   *zap.Logger

	mu    sync.Mutex
	cache map[string]string
}

func New(venue Venue, store state.Store, log *zap.Logger) *Executor {
	return &Executor{
		venue: venue,
		store: store,
		log:   log,
		cache: make(map[string]string),
	}
}

func (e *Executor) PlaceOrder(ctx context.Context, req exchange.OrderRequest) (exchange.Order, error) {
	if req.ClientOrderID == "" {
		return e.placeWithRetry(ctx, req)
	}
	cacheKey := "cloid:" + req.ClientOrderID
	e.mu.Lock()
	if oid, ok := e.cache[cacheKey]; ok {
		e.mu.Unlock()
		return exchange.Order{ID: oid, ClientOrderID: req.ClientOrderID, Status: exchange.StatusOpen}, nil
	}
	e.mu.Unlock()
	if e.store != nil {
		if oid, ok, err := e.store.Get(ctx, cacheKey); err != nil {
			return exchange.Order{}, err
		} else if ok {
			e.mu.Lock()
			e.cache[cacheKey] = oid
			e.mu.Unlock()
			return exchange.Order{ID: oid, ClientOrderID: req.ClientOrderID, Status: exchange.StatusOpen}, nil
		}
	}
	order, err := e.placeWithRetry(ctx, req)
	if err != nil {
		return exchange.Order{}, err
	}
	if e.store != nil {
		if err := e.store.Set(ctx, cacheKey, order.ID); err != nil {
			e.log.Warn("failed to persist order id", zap.Error(err))
		}
	}
	e.mu.Lock()
	e.cache[cacheKey] = order.ID
	e.mu.Unlock()
	return order, nil
}

func (e *Executor) CancelOrder(ctx context.Context, orderID string) error {
	return e.retry(ctx, func() error {
		return e.venue.CancelOrder(ctx, orderID)
	})
}

func (e *Executor) placeWithRetry(ctx context.Context, req exchange.OrderRequest) (exchange.Order, error) {
	var order exchange.Order
	err := e.retry(ctx, func() error {
		var err error
		order, err = e.venue.PlaceOrder(ctx, req)
		return err
	})
	if err != nil {
		return exchange.Order{}, err
	}
	if order.ID == "" {
		return exchange.Order{}, errors.New("empty order id")
	}
	return order, nil
}

func (e *Executor) retry(ctx context.Context, fn func() error) error {
	b := &backoff.Backoff{
		Min:    200 * time.Millisecond,
		Max:    5 * time.Second,
		Factor: 2,
		Jitter: true,
	}
	for attempt := 1; ; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		if !exchange.Transient(err) {
			return err
		}
		if attempt >= maxAttempts {
			return fmt.Errorf("retry failed after %d attempts: %w", attempt, err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(b.Duration()):
		}
	}
}
