package exec

import (
	"context"
	"sync"
	"testing"

	"perp-hedge-bot/internal/exchange"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type memoryStore struct {
	mu   sync.Mutex
	data map[string]string
}

func newMemoryStore() *memoryStore {
	return &memoryStore{data: make(map[string]string)}
}

func (m *memoryStore) Get(ctx context.Context, key string) (string, bool, error) {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()
	val, ok := m.data[key]
	return val, ok, nil
}

func (m *memoryStore) Set(ctx context.Context, key, value string) error {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = value
	return nil
}

func (m *memoryStore) Delete(ctx context.Context, key string) error {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

func (m *memoryStore) Close() error { return nil }

type mockVenue struct {
	mu      sync.Mutex
	calls   int
	orderID string
	errs    []error
}

func (m *mockVenue) PlaceOrder(ctx context.Context, req exchange.OrderRequest) (exchange.Order, error) {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if len(m.errs) > 0 {
		err := m.errs[0]
		m.errs = m.errs[1:]
		if err != nil {
			return exchange.Order{}, err
		}
	}
	return exchange.Order{ID: m.orderID, ClientOrderID: req.ClientOrderID, Status: exchange.StatusOpen}, nil
}

func (m *mockVenue) CancelOrder(ctx context.Context, orderID string) error {
	_ = ctx
	_ = orderID
	return nil
}

func TestExecutorIdempotentPlacement(t *testing.T) {
	store := newMemoryStore()
	venue := &mockVenue{orderID: "oid-1"}
	executor := New(venue, store, zap.NewNop())

	ctx := context.Background()
	req := exchange.OrderRequest{
		Instrument:    "BTC-USDT",
		Side:          exchange.SideBuy,
		Quantity:      decimal.NewFromFloat(0.01),
		ClientOrderID: "abc",
	}

	o1, err := executor.PlaceOrder(ctx, req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	o2, err := executor.PlaceOrder(ctx, req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if o1.ID != o2.ID {
		t.Fatalf("expected same order id, got %s and %s", o1.ID, o2.ID)
	}
	if venue.calls != 1 {
		t.Fatalf("expected 1 venue call, got %d", venue.calls)
	}

	venue2 := &mockVenue{orderID: "oid-2"}
	executor2 := New(venue2, store, zap.NewNop())
	o3, err := executor2.PlaceOrder(ctx, req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if o3.ID != o1.ID {
		t.Fatalf("expected stored order id %s, got %s", o1.ID, o3.ID)
	}
	if venue2.calls != 0 {
		t.Fatalf("expected no venue calls on restart, got %d", venue2.calls)
	}
}

func TestExecutorRetriesTransientErrors(t *testing.T) {
	venue := &mockVenue{orderID: "oid-1", errs: []error{exchange.ErrNetwork, exchange.ErrRateLimited}}
	executor := New(venue, nil, zap.NewNop())

	order, err := executor.PlaceOrder(context.Background(), exchange.OrderRequest{Instrument: "BTC-USDT"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if order.ID != "oid-1" {
		t.Fatalf("expected oid-1, got %s", order.ID)
	}
	if venue.calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", venue.calls)
	}
}

func TestExecutorDoesNotRetryRejection(t *testing.T) {
	venue := &mockVenue{orderID: "oid-1", errs: []error{exchange.ErrRejected}}
	executor := New(venue, nil, zap.NewNop())

	if _, err := executor.PlaceOrder(context.Background(), exchange.OrderRequest{Instrument: "BTC-USDT"}); err == nil {
		t.Fatalf("expected rejection to surface")
	}
	if venue.calls != 1 {
		t.Fatalf("expected 1 attempt for rejection, got %d", venue.calls)
	}
}
