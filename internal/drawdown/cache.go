package drawdown

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"perp-hedge-bot/internal/state"

	"github.com/shopspring/decimal"
)

const cacheKey = "drawdown:net_worth"

// Cache persists the last good net worth sample so fallback survives a
// process restart.
type Cache struct {
	store state.Store
	now   func() time.Time
}

type cacheEntry struct {
	Value string    `json:"value"`
	At    time.Time `json:"at"`
}

func NewCache(store state.Store) *Cache {
	return &Cache{store: store, now: time.Now}
}

func (c *Cache) Put(ctx context.Context, value decimal.Decimal) error {
	payload, err := json.Marshal(cacheEntry{Value: value.String(), At: c.now().UTC()})
	if err != nil {
		return err
	}
	return c.store.Set(ctx, cacheKey, string(payload))
}

func (c *Cache) Get(ctx context.Context) (decimal.Decimal, time.Time, bool, error) {
	raw, ok, err := c.store.Get(ctx, cacheKey)
	if err != nil || !ok {
		return decimal.Zero, time.Time{}, false, err
	}
	var entry cacheEntry
	if err := json.Unmarshal([]byte(raw), &entry); err != nil {
		return decimal.Zero, time.Time{}, false, fmt.Errorf("corrupt net worth cache: %w", err)
	}
	value, err := decimal.NewFromString(entry.Value)
	if err != nil {
		return decimal.Zero, time.Time{}, false, fmt.Errorf("corrupt net worth cache: %w", err)
	}
	return value, entry.At, true, nil
}
