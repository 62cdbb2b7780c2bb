package exchange

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/shopspring/decimal"
)

// Error kinds the core branches on. Venue adapters wrap their transport
// errors into one of these so retry policy stays venue-agnostic.
var (
	ErrRejected    = errors.New("order rejected")
	ErrRateLimited = errors.New("rate limited")
	ErrNetwork     = errors.New("network error")
	ErrValidation  = errors.New("validation error")
	ErrNotFound    = errors.New("not found")
)

// Transient reports whether an error is worth retrying.
func Transient(err error) bool {
	return errors.Is(err, ErrNetwork) || errors.Is(err, ErrRateLimited)
}

// Client is the per-venue capability set the engine consumes. One
// implementation exists per exchange; the engine never branches on the
// venue name.
type Client interface {
	Name() string
	PlaceOrder(ctx context.Context, req OrderRequest) (Order, error)
	CancelOrder(ctx context.Context, orderID string) error
	GetOrder(ctx context.Context, orderID string) (Order, error)
	OpenOrders(ctx context.Context, instrument string) ([]Order, error)
	BestBidAsk(ctx context.Context, instrument string) (BestBidAsk, error)
	Position(ctx context.Context, instrument string) (Position, error)
	NetWorth(ctx context.Context) (decimal.Decimal, error)
	// OrderUpdates delivers push notifications in arrival order for the
	// lifetime of the connection. The channel is closed on disconnect.
	OrderUpdates() <-chan OrderUpdate
	Close() error
}

type Factory func(instrument string) (Client, error)

var (
	registryMu sync.RWMutex
	registry   = make(map[string]Factory)
)

// Register makes a venue adapter available by name. Typically called from
// an adapter's init.
func Register(name string, factory Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[name] = factory
}

func New(name, instrument string) (Client, error) {
	registryMu.RLock()
	factory, ok := registry[name]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown exchange %q (registered: %v)", name, Registered())
	}
	return factory(instrument)
}

func Registered() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
