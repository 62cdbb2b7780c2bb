package drawdown

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type stubSource struct {
	values []decimal.Decimal
	errs   []error
	idx    int
}

func (s *stubSource) NetWorth(context.Context) (decimal.Decimal, error) {
	i := s.idx
	s.idx++
	if i < len(s.errs) && s.errs[i] != nil {
		return decimal.Zero, s.errs[i]
	}
	if i < len(s.values) {
		return s.values[i], nil
	}
	return decimal.Zero, errors.New("out of samples")
}

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

func d(s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return v
}

func testConfig() Config {
	return Config{
		LightThreshold:  d("5"),
		MediumThreshold: d("8"),
		SevereThreshold: d("12"),
		SmoothingWindow: 1,
		CacheMaxAge:     5 * time.Minute,
	}
}

func TestMonitorDrawdownSequence(t *testing.T) {
	src := &stubSource{values: []decimal.Decimal{d("10000"), d("9800"), d("9500"), d("9000")}}
	m, err := NewMonitor(testConfig(), src, nil, Hooks{}, nil, zap.NewNop())
	if err != nil {
		t.Fatalf("NewMonitor: %v", err)
	}
	ctx := context.Background()

	wantPct := []string{"0", "2", "5", "10"}
	wantTier := []Tier{TierNone, TierNone, TierLight, TierMedium}
	for i := range wantPct {
		if err := m.Sample(ctx); err != nil {
			t.Fatalf("sample %d: %v", i, err)
		}
		s := m.Snapshot()
		if !s.DrawdownPct.Equal(d(wantPct[i])) {
			t.Fatalf("sample %d: drawdown = %s, want %s", i, s.DrawdownPct, wantPct[i])
		}
		if s.Tier != wantTier[i] {
			t.Fatalf("sample %d: tier = %s, want %s", i, s.Tier, wantTier[i])
		}
	}
}

func TestMonitorPeakIsMonotone(t *testing.T) {
	src := &stubSource{values: []decimal.Decimal{d("10000"), d("9000"), d("9500")}}
	m, err := NewMonitor(testConfig(), src, nil, Hooks{}, nil, zap.NewNop())
	if err != nil {
		t.Fatalf("NewMonitor: %v", err)
	}
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if err := m.Sample(ctx); err != nil {
			t.Fatalf("sample %d: %v", i, err)
		}
	}
	s := m.Snapshot()
	if !s.Peak.Equal(d("10000")) {
		t.Fatalf("peak = %s, want 10000", s.Peak)
	}
	// Recovery to 9500 is still a 5% drawdown from the peak.
	if !s.DrawdownPct.Equal(d("5")) {
		t.Fatalf("drawdown = %s, want 5", s.DrawdownPct)
	}
}

func TestMonitorSmoothingWindow(t *testing.T) {
	cfg := testConfig()
	cfg.SmoothingWindow = 3
	src := &stubSource{values: []decimal.Decimal{d("10000"), d("10000"), d("10000"), d("7000")}}
	m, err := NewMonitor(cfg, src, nil, Hooks{}, nil, zap.NewNop())
	if err != nil {
		t.Fatalf("NewMonitor: %v", err)
	}
	ctx := context.Background()
	for i := 0; i < 4; i++ {
		if err := m.Sample(ctx); err != nil {
			t.Fatalf("sample %d: %v", i, err)
		}
	}
	s := m.Snapshot()
	// Window holds (10000, 10000, 7000): a single spike down is damped
	// to a 10% drawdown instead of 30%.
	if !s.Smoothed.Equal(d("9000")) {
		t.Fatalf("smoothed = %s, want 9000", s.Smoothed)
	}
	if !s.DrawdownPct.Equal(d("10")) {
		t.Fatalf("drawdown = %s, want 10", s.DrawdownPct)
	}
}

func TestMonitorHooksFireOnTransitions(t *testing.T) {
	src := &stubSource{values: []decimal.Decimal{
		d("10000"), // peak
		d("9400"),  // 6% -> light
		d("8500"),  // 15% -> severe (skips medium hook)
		d("9300"),  // 7% -> back to light, fires recovered
	}}
	var light, medium, severe int
	var recoveredFrom Tier
	m, err := NewMonitor(testConfig(), src, nil, Hooks{
		OnLight:  func(context.Context, Status) { light++ },
		OnMedium: func(context.Context, Status) { medium++ },
		OnSevere: func(context.Context, Status) { severe++ },
		OnRecovered: func(_ context.Context, from Tier, _ Status) {
			recoveredFrom = from
		},
	}, nil, zap.NewNop())
	if err != nil {
		t.Fatalf("NewMonitor: %v", err)
	}
	ctx := context.Background()
	for i := 0; i < 4; i++ {
		if err := m.Sample(ctx); err != nil {
			t.Fatalf("sample %d: %v", i, err)
		}
	}
	// The drop back to light is a recovery, not a fresh light alert.
	if light != 1 || medium != 0 || severe != 1 {
		t.Fatalf("hooks = light %d medium %d severe %d, want 1/0/1", light, medium, severe)
	}
	if recoveredFrom != TierSevere {
		t.Fatalf("recovered from = %s, want severe", recoveredFrom)
	}
}

func TestMonitorRejectsInvalidSamples(t *testing.T) {
	src := &stubSource{values: []decimal.Decimal{d("0")}}
	m, err := NewMonitor(testConfig(), src, nil, Hooks{}, nil, zap.NewNop())
	if err != nil {
		t.Fatalf("NewMonitor: %v", err)
	}
	if err := m.Sample(context.Background()); err == nil {
		t.Fatal("expected error for non-positive net worth")
	}
	if s := m.Snapshot(); s.Samples != 0 {
		t.Fatalf("samples = %d, want 0", s.Samples)
	}
}

func TestMonitorFreshCacheFallback(t *testing.T) {
	store := newMemoryStore()
	cache := NewCache(store)
	src := &stubSource{
		values: []decimal.Decimal{d("10000"), decimal.Zero},
		errs:   []error{nil, errors.New("venue down")},
	}
	m, err := NewMonitor(testConfig(), src, cache, Hooks{}, nil, zap.NewNop())
	if err != nil {
		t.Fatalf("NewMonitor: %v", err)
	}
	ctx := context.Background()
	if err := m.Sample(ctx); err != nil {
		t.Fatalf("first sample: %v", err)
	}
	if err := m.Sample(ctx); err != nil {
		t.Fatalf("fallback sample: %v", err)
	}
	s := m.Snapshot()
	if s.Samples != 2 || !s.NetWorth.Equal(d("10000")) {
		t.Fatalf("snapshot = %+v, want 2 samples at cached 10000", s)
	}
}

func TestMonitorInvalidSampleDoesNotEvictCache(t *testing.T) {
	store := newMemoryStore()
	cache := NewCache(store)
	src := &stubSource{
		values: []decimal.Decimal{d("10000"), d("0"), decimal.Zero},
		errs:   []error{nil, nil, errors.New("venue down")},
	}
	m, err := NewMonitor(testConfig(), src, cache, Hooks{}, nil, zap.NewNop())
	if err != nil {
		t.Fatalf("NewMonitor: %v", err)
	}
	ctx := context.Background()
	if err := m.Sample(ctx); err != nil {
		t.Fatalf("first sample: %v", err)
	}
	// A fetch that "succeeds" with zero is rejected and must leave the
	// cached 10000 in place for the next outage.
	if err := m.Sample(ctx); err == nil {
		t.Fatal("expected error for non-positive net worth")
	}
	if err := m.Sample(ctx); err != nil {
		t.Fatalf("fallback sample: %v", err)
	}
	s := m.Snapshot()
	if s.Samples != 2 || !s.NetWorth.Equal(d("10000")) {
		t.Fatalf("snapshot = %+v, want 2 samples at cached 10000", s)
	}
}

func TestMonitorStaleCacheStrictVsTolerant(t *testing.T) {
	run := func(strict bool) (Status, error) {
		store := newMemoryStore()
		cache := NewCache(store)
		cache.now = func() time.Time { return time.Now().Add(-time.Hour) }
		src := &stubSource{
			values: []decimal.Decimal{d("10000"), decimal.Zero},
			errs:   []error{nil, errors.New("venue down")},
		}
		cfg := testConfig()
		cfg.Strict = strict
		m, err := NewMonitor(cfg, src, cache, Hooks{}, nil, zap.NewNop())
		if err != nil {
			t.Fatalf("NewMonitor: %v", err)
		}
		ctx := context.Background()
		if err := m.Sample(ctx); err != nil {
			t.Fatalf("first sample: %v", err)
		}
		err = m.Sample(ctx)
		return m.Snapshot(), err
	}

	// Strict mode skips the cycle when the cache is stale.
	s, err := run(true)
	if err == nil {
		t.Fatal("strict mode should refuse a stale cache")
	}
	if s.Samples != 1 {
		t.Fatalf("strict: samples = %d, want 1", s.Samples)
	}

	// Tolerant mode reuses the stale value and keeps sampling.
	s, err = run(false)
	if err != nil {
		t.Fatalf("tolerant mode: %v", err)
	}
	if s.Samples != 2 {
		t.Fatalf("tolerant: samples = %d, want 2", s.Samples)
	}
}
