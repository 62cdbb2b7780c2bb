package state

import (
	"context"
	"testing"
)

type memoryStore struct {
	values map[string]string
}

func newMemoryStore() *memoryStore {
	return &memoryStore{values: make(map[string]string)}
}

func (m *memoryStore) Get(_ context.Context, key string) (string, bool, error) {
	v, ok := m.values[key]
	return v, ok, nil
}

func (m *memoryStore) Set(_ context.Context, key, value string) error {
	m.values[key] = value
	return nil
}

func (m *memoryStore) Delete(_ context.Context, key string) error {
	delete(m.values, key)
	return nil
}

func (m *memoryStore) Close() error { return nil }

func TestSessionSnapshotRoundTrip(t *testing.T) {
	store := newMemoryStore()
	ctx := context.Background()

	_, ok, err := LoadSessionSnapshot(ctx, store)
	if err != nil {
		t.Fatalf("load empty: %v", err)
	}
	if ok {
		t.Fatal("expected no snapshot before first save")
	}

	saved := SessionSnapshot{
		SlotState:    "POSITION_OPEN",
		Paused:       true,
		ActiveCloses: 3,
		ActiveHedges: 2,
		NetWorth:     10500.25,
		DrawdownPct:  4.2,
		DrawdownTier: "none",
		RealizedPnL:  120.5,
		UpdatedAtMS:  1700000000000,
	}
	if err := SaveSessionSnapshot(ctx, store, saved); err != nil {
		t.Fatalf("save: %v", err)
	}
	loaded, ok, err := LoadSessionSnapshot(ctx, store)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !ok {
		t.Fatal("expected snapshot after save")
	}
	if loaded != saved {
		t.Fatalf("loaded = %+v, want %+v", loaded, saved)
	}
}

func TestSessionSnapshotNilStore(t *testing.T) {
	ctx := context.Background()
	if err := SaveSessionSnapshot(ctx, nil, SessionSnapshot{}); err != nil {
		t.Fatalf("save with nil store: %v", err)
	}
	_, ok, err := LoadSessionSnapshot(ctx, nil)
	if err != nil || ok {
		t.Fatalf("load with nil store = (%v, %v), want (false, nil)", ok, err)
	}
}

func TestSessionSnapshotCorruptPayload(t *testing.T) {
	store := newMemoryStore()
	ctx := context.Background()
	if err := store.Set(ctx, SessionSnapshotKey, "{not json"); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if _, _, err := LoadSessionSnapshot(ctx, store); err == nil {
		t.Fatal("expected error for corrupt snapshot")
	}
}
