package drawdown

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"perp-hedge-bot/internal/metrics"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type Tier int

const (
	TierNone Tier = iota
	TierLight
	TierMedium
	TierSevere
)

func (t Tier) String() string {
	switch t {
	case TierLight:
		return "light"
	case TierMedium:
		return "medium"
	case TierSevere:
		return "severe"
	default:
		return "none"
	}
}

// NetWorthSource is the slice of the venue client the monitor needs.
type NetWorthSource interface {
	NetWorth(ctx context.Context) (decimal.Decimal, error)
}

type Config struct {
	LightThreshold  decimal.Decimal
	MediumThreshold decimal.Decimal
	SevereThreshold decimal.Decimal
	PollInterval    time.Duration
	SmoothingWindow int
	CacheMaxAge     time.Duration
	Strict          bool
}

func (c Config) Validate() error {
	if !c.LightThreshold.IsPositive() || !c.MediumThreshold.IsPositive() || !c.SevereThreshold.IsPositive() {
		return errors.New("drawdown thresholds must be > 0")
	}
	if c.LightThreshold.GreaterThanOrEqual(c.MediumThreshold) ||
		c.MediumThreshold.GreaterThanOrEqual(c.SevereThreshold) {
		return errors.New("drawdown thresholds must satisfy light < medium < severe")
	}
	if c.SmoothingWindow <= 0 {
		return errors.New("drawdown smoothing window must be > 0")
	}
	if c.CacheMaxAge <= 0 {
		return errors.New("drawdown cache max age must be > 0")
	}
	return nil
}

// Status is the monitor's view after a sample. Peak only moves up for
// the life of the session.
type Status struct {
	NetWorth    decimal.Decimal
	Smoothed    decimal.Decimal
	Peak        decimal.Decimal
	DrawdownPct decimal.Decimal
	Tier        Tier
	Samples     int
	At          time.Time
}

// Hooks fire on tier transitions. Upward transitions fire the hook of
// the tier reached, even when several tiers are crossed in one sample.
// Downward transitions fire OnRecovered with the tier left behind.
// Nil hooks are skipped.
type Hooks struct {
	OnLight     func(ctx context.Context, s Status)
	OnMedium    func(ctx context.Context, s Status)
	OnSevere    func(ctx context.Context, s Status)
	OnRecovered func(ctx context.Context, from Tier, s Status)
}

// Monitor polls account net worth, smooths it over a short window and
// classifies the drawdown from the session peak into tiers.
type Monitor struct {
	cfg     Config
	source  NetWorthSource
	cache   *Cache
	hooks   Hooks
	metrics *metrics.Metrics
	log     *zap.Logger

	mu      sync.Mutex
	window  []decimal.Decimal
	samples int
	peak    decimal.Decimal
	status  Status
}

func NewMonitor(cfg Config, source NetWorthSource, cache *Cache, hooks Hooks, m *metrics.Metrics, log *zap.Logger) (*Monitor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("drawdown config: %w", err)
	}
	if m == nil {
		m = metrics.NewNoop()
	}
	return &Monitor{
		cfg:     cfg,
		source:  source,
		cache:   cache,
		hooks:   hooks,
		metrics: m,
		log:     log,
	}, nil
}

// Run polls until the context is cancelled. A failed sample never stops
// the loop.
func (m *Monitor) Run(ctx context.Context) error {
	interval := m.cfg.PollInterval
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := m.Sample(ctx); err != nil {
				m.log.Warn("drawdown sample skipped", zap.Error(err))
			}
		}
	}
}

// Sample fetches net worth, falling back to the cached value when the
// venue is unreachable. A fresh cache is reused quietly; a stale one is
// reused only outside strict mode, and with a louder warning, trading
// availability for staleness.
func (m *Monitor) Sample(ctx context.Context) error {
	value, err := m.source.NetWorth(ctx)
	if err == nil {
		// Cache only accepted samples; a bogus fetch must not evict the
		// last good fallback value.
		if oerr := m.observe(ctx, value); oerr != nil {
			return oerr
		}
		if m.cache != nil {
			if cerr := m.cache.Put(ctx, value); cerr != nil {
				m.log.Warn("net worth cache write failed", zap.Error(cerr))
			}
		}
		return nil
	}

	if m.cache == nil {
		return fmt.Errorf("net worth fetch failed, no cache: %w", err)
	}
	cached, at, ok, cerr := m.cache.Get(ctx)
	if cerr != nil || !ok {
		return fmt.Errorf("net worth fetch failed, cache unavailable: %w", err)
	}
	age := time.Since(at)
	if age <= m.cfg.CacheMaxAge {
		m.metrics.CacheFallbacks.Inc()
		m.log.Warn("net worth fetch failed, using cached value",
			zap.Duration("age", age),
			zap.Error(err))
		return m.observe(ctx, cached)
	}
	if m.cfg.Strict {
		return fmt.Errorf("net worth fetch failed and cache is stale (age %s): %w", age, err)
	}
	m.metrics.StaleCacheFallbacks.Inc()
	m.log.Warn("net worth fetch failed, reusing STALE cached value",
		zap.Duration("age", age),
		zap.Duration("max_age", m.cfg.CacheMaxAge),
		zap.Error(err))
	return m.observe(ctx, cached)
}

func (m *Monitor) observe(ctx context.Context, value decimal.Decimal) error {
	if !value.IsPositive() {
		return fmt.Errorf("invalid net worth sample %s", value)
	}

	m.mu.Lock()
	m.window = append(m.window, value)
	if len(m.window) > m.cfg.SmoothingWindow {
		m.window = m.window[len(m.window)-m.cfg.SmoothingWindow:]
	}
	m.samples++
	var sum decimal.Decimal
	for _, v := range m.window {
		sum = sum.Add(v)
	}
	smoothed := sum.Div(decimal.NewFromInt(int64(len(m.window))))
	prevNetWorth := m.status.NetWorth
	peakAdvanced := false
	if smoothed.GreaterThan(m.peak) {
		m.peak = smoothed
		peakAdvanced = true
	}
	var pct decimal.Decimal
	if m.peak.IsPositive() {
		pct = m.peak.Sub(smoothed).Div(m.peak).Mul(decimal.NewFromInt(100))
	}
	if pct.IsNegative() {
		pct = decimal.Zero
	}
	tier := m.classify(pct)
	prev := m.status.Tier
	status := Status{
		NetWorth:    value,
		Smoothed:    smoothed,
		Peak:        m.peak,
		DrawdownPct: pct,
		Tier:        tier,
		Samples:     m.samples,
		At:          time.Now().UTC(),
	}
	m.status = status
	m.mu.Unlock()

	m.metrics.DrawdownPct.Set(pct.InexactFloat64())
	m.metrics.DrawdownTier.Set(float64(tier))
	m.log.Debug("drawdown sample",
		zap.String("net_worth", value.String()),
		zap.String("smoothed", smoothed.String()),
		zap.String("peak", status.Peak.String()),
		zap.String("drawdown_pct", pct.StringFixed(2)))
	if prevNetWorth.IsPositive() && !value.Equal(prevNetWorth) {
		changePct := value.Sub(prevNetWorth).Div(prevNetWorth).Mul(decimal.NewFromInt(100))
		direction := "rose"
		if changePct.IsNegative() {
			direction = "fell"
		}
		m.log.Info("net worth "+direction,
			zap.String("from", prevNetWorth.String()),
			zap.String("to", value.String()),
			zap.String("change_pct", changePct.StringFixed(2)))
	}
	if peakAdvanced {
		m.log.Info("session peak advanced", zap.String("peak", status.Peak.String()))
	}

	if tier != prev {
		m.log.Info("drawdown tier changed",
			zap.String("from", prev.String()),
			zap.String("to", tier.String()),
			zap.String("drawdown_pct", pct.StringFixed(2)))
		m.fireHooks(ctx, prev, status)
	}
	return nil
}

func (m *Monitor) classify(pct decimal.Decimal) Tier {
	switch {
	case pct.GreaterThanOrEqual(m.cfg.SevereThreshold):
		return TierSevere
	case pct.GreaterThanOrEqual(m.cfg.MediumThreshold):
		return TierMedium
	case pct.GreaterThanOrEqual(m.cfg.LightThreshold):
		return TierLight
	default:
		return TierNone
	}
}

func (m *Monitor) fireHooks(ctx context.Context, from Tier, s Status) {
	if s.Tier < from {
		if m.hooks.OnRecovered != nil {
			m.hooks.OnRecovered(ctx, from, s)
		}
		return
	}
	switch s.Tier {
	case TierLight:
		if m.hooks.OnLight != nil {
			m.hooks.OnLight(ctx, s)
		}
	case TierMedium:
		if m.hooks.OnMedium != nil {
			m.hooks.OnMedium(ctx, s)
		}
	case TierSevere:
		if m.hooks.OnSevere != nil {
			m.hooks.OnSevere(ctx, s)
		}
	}
}

// Snapshot returns the state after the most recent sample.
func (m *Monitor) Snapshot() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}
