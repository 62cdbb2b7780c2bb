package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"perp-hedge-bot/internal/alerts"
	"perp-hedge-bot/internal/config"
	"perp-hedge-bot/internal/drawdown"
	"perp-hedge-bot/internal/exchange"
	"perp-hedge-bot/internal/exec"
	"perp-hedge-bot/internal/hedge"
	"perp-hedge-bot/internal/history"
	"perp-hedge-bot/internal/lifecycle"
	"perp-hedge-bot/internal/metrics"
	"perp-hedge-bot/internal/state"
	"perp-hedge-bot/internal/state/sqlite"
	"perp-hedge-bot/internal/stoploss"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// mismatchFactor scales the per-order quantity into the tolerance the
// position watchdog allows before halting entries.
const mismatchFactor = 2

type App struct {
	cfg        *config.Config
	log        *zap.Logger
	store      *sqlite.Store
	primary    exchange.Client
	hedgeVenue exchange.Client
	slot       *lifecycle.Manager
	hedger     *hedge.Coordinator
	monitor    *drawdown.Monitor
	stopper    *stoploss.Executor
	prom       *metrics.Prometheus
	metrics    *metrics.Metrics
	alerts     *alerts.Telegram
	history    *history.Writer

	opsMu          sync.RWMutex
	paused         bool
	mismatchHalted bool
	operatorWarned bool

	stopOnce sync.Once
	stopped  chan struct{}

	errs chan error
}

func New(cfg *config.Config, log *zap.Logger) (*App, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.State.SQLitePath), 0o755); err != nil {
		return nil, err
	}
	store, err := sqlite.New(cfg.State.SQLitePath)
	if err != nil {
		return nil, err
	}
	primary, err := exchange.New(cfg.Trading.Exchange, cfg.Trading.Instrument)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("trading venue: %w", err)
	}

	var m *metrics.Metrics
	var prom *metrics.Prometheus
	if cfg.Metrics.EnabledValue() {
		prom = metrics.NewPrometheus()
		m = prom.Metrics
	} else {
		m = metrics.NewNoop()
	}
	alertsClient := alerts.NewTelegram(cfg.Telegram, log)

	executor := exec.New(primary, store, log)
	slot, err := lifecycle.New(lifecycle.Config{
		Venue:          cfg.Trading.Exchange,
		Instrument:     cfg.Trading.Instrument,
		Direction:      exchange.Side(cfg.Trading.Direction),
		Quantity:       decimal.NewFromFloat(cfg.Trading.Quantity),
		TakeProfitPct:  decimal.NewFromFloat(cfg.Trading.TakeProfitPct),
		GridStepPct:    decimal.NewFromFloat(cfg.Trading.GridStepPct),
		MaxOrders:      cfg.Trading.MaxOrders,
		WaitTime:       cfg.Trading.WaitTime,
		StopPrice:      decimal.NewFromFloat(cfg.Trading.StopPrice),
		PausePrice:     decimal.NewFromFloat(cfg.Trading.PausePrice),
		EntryOffsetBps: decimal.NewFromFloat(cfg.Trading.EntryOffsetBps),
	}, executor, primary, m, log)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	app := &App{
		cfg:     cfg,
		log:     log,
		store:   store,
		primary: primary,
		slot:    slot,
		prom:    prom,
		metrics: m,
		alerts:  alertsClient,
		stopped: make(chan struct{}),
		errs:    make(chan error, 8),
	}

	if cfg.Hedge.Enabled {
		hedgeClient, err := exchange.New(cfg.Hedge.Exchange, cfg.Trading.Instrument)
		if err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("hedge venue: %w", err)
		}
		hedgeExec := exec.New(hedgeClient, store, log)
		hedger, err := hedge.New(hedge.Config{
			Venue:        cfg.Hedge.Exchange,
			Instrument:   cfg.Trading.Instrument,
			Delay:        cfg.Hedge.Delay,
			MaxRetries:   cfg.Hedge.MaxRetries,
			TakerFeeRate: decimal.NewFromFloat(cfg.Hedge.TakerFeeRate),
		}, hedgeExec, store, alertsClient, m, log)
		if err != nil {
			_ = store.Close()
			return nil, err
		}
		app.hedgeVenue = hedgeClient
		app.hedger = hedger
	}

	stopper, err := stoploss.New(stoploss.Config{
		Instrument:   cfg.Trading.Instrument,
		PollInterval: cfg.StopLoss.PollInterval,
		MaxRetries:   cfg.StopLoss.MaxRetries,
	}, primary, alertsClient, m, log)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	app.stopper = stopper
	slot.SetStopHook(app.onStop)

	if cfg.Drawdown.Enabled {
		monitor, err := drawdown.NewMonitor(drawdown.Config{
			LightThreshold:  decimal.NewFromFloat(cfg.Drawdown.LightThreshold),
			MediumThreshold: decimal.NewFromFloat(cfg.Drawdown.MediumThreshold),
			SevereThreshold: decimal.NewFromFloat(cfg.Drawdown.SevereThreshold),
			PollInterval:    cfg.Drawdown.PollInterval,
			SmoothingWindow: cfg.Drawdown.SmoothingWindow,
			CacheMaxAge:     cfg.Drawdown.CacheDuration,
			Strict:          cfg.Drawdown.StrictMode,
		}, primary, drawdown.NewCache(store), app.drawdownHooks(), m, log)
		if err != nil {
			_ = store.Close()
			return nil, err
		}
		app.monitor = monitor
	}

	if cfg.History.Enabled {
		writer, err := history.New(cfg.History, log)
		if err != nil {
			log.Warn("history writer disabled", zap.Error(err))
		} else {
			app.history = writer
		}
	}
	return app, nil
}

func (a *App) drawdownHooks() drawdown.Hooks {
	return drawdown.Hooks{
		OnLight: func(ctx context.Context, s drawdown.Status) {
			a.notify(ctx, fmt.Sprintf("Drawdown %.2f%% reached light tier (net worth %s)",
				s.DrawdownPct.InexactFloat64(), s.NetWorth))
		},
		OnMedium: func(ctx context.Context, s drawdown.Status) {
			a.setPaused(true)
			a.notify(ctx, fmt.Sprintf("Drawdown %.2f%% reached medium tier, new entries paused",
				s.DrawdownPct.InexactFloat64()))
		},
		OnSevere: func(ctx context.Context, s drawdown.Status) {
			a.notify(ctx, fmt.Sprintf("Drawdown %.2f%% reached severe tier, triggering stop-loss",
				s.DrawdownPct.InexactFloat64()))
			a.slot.Stop(ctx, "severe drawdown")
		},
		OnRecovered: func(ctx context.Context, from drawdown.Tier, s drawdown.Status) {
			if from >= drawdown.TierMedium && s.Tier < drawdown.TierMedium && !a.isMismatchHalted() {
				a.setPaused(false)
			}
			a.notify(ctx, fmt.Sprintf("Drawdown recovered from %s to %s (%.2f%%)",
				from, s.Tier, s.DrawdownPct.InexactFloat64()))
		},
	}
}

// onStop is the slot's stop hook: flatten on the primary venue, then let
// Run terminate.
func (a *App) onStop(ctx context.Context, reason string) {
	a.stopOnce.Do(func() {
		a.log.Warn("stop triggered", zap.String("reason", reason))
		a.notify(ctx, "Stop triggered: "+reason)
		if err := a.stopper.Flatten(ctx); err != nil {
			a.log.Error("flatten failed", zap.Error(err))
		} else {
			a.notify(ctx, "Position flat, shutting down")
		}
		close(a.stopped)
	})
}

func (a *App) Run(ctx context.Context) error {
	defer a.store.Close()
	defer a.primary.Close()
	if a.hedgeVenue != nil {
		defer a.hedgeVenue.Close()
	}
	if a.history != nil {
		a.history.Start(ctx)
		defer a.history.Close()
	}

	if err := a.adoptOpenCloses(ctx); err != nil {
		a.log.Warn("startup close-order adoption failed", zap.Error(err))
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	srv := a.startMetricsServer()
	if srv != nil {
		defer func() {
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 3*time.Second)
			defer shutdownCancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}
	a.startOperator(runCtx)

	go func() {
		a.errs <- a.slot.Run(runCtx, a.primary.OrderUpdates())
	}()
	if a.hedger != nil {
		if a.history != nil {
			a.hedger.SetCompletedHook(a.recordCycle)
		}
		go func() {
			a.errs <- a.hedger.Run(runCtx, a.slot.Events(), a.hedgeVenue.OrderUpdates())
		}()
	} else {
		// Nothing else consumes slot events; drain so the buffer never
		// fills.
		go func() {
			for range a.slot.Events() {
			}
		}()
	}
	if a.monitor != nil {
		go func() {
			a.errs <- a.monitor.Run(runCtx)
		}()
	}

	statusTicker := time.NewTicker(a.cfg.Trading.StatusInterval)
	defer statusTicker.Stop()

	var runErr error
loop:
	for {
		select {
		case <-ctx.Done():
			runErr = ctx.Err()
			break loop
		case <-a.stopped:
			break loop
		case err := <-a.errs:
			if err != nil && !errors.Is(err, context.Canceled) {
				runErr = err
				break loop
			}
		case <-statusTicker.C:
			a.statusTick(runCtx)
		}
	}
	cancel()
	a.logSessionSummary(context.Background())
	return runErr
}

// adoptOpenCloses restores resting take-profit orders found at startup so
// MaxOrders and the grid gate see them.
func (a *App) adoptOpenCloses(ctx context.Context) error {
	orders, err := a.primary.OpenOrders(ctx, a.cfg.Trading.Instrument)
	if err != nil {
		return err
	}
	closes := make([]exchange.Order, 0, len(orders))
	for _, order := range orders {
		if order.Role == exchange.RoleTakeProfit {
			closes = append(closes, order)
		}
	}
	if len(closes) == 0 {
		return nil
	}
	a.slot.AdoptCloseOrders(closes)
	a.log.Info("adopted resting close orders", zap.Int("count", len(closes)))
	return nil
}

func (a *App) startMetricsServer() *http.Server {
	if a.prom == nil {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle(a.cfg.Metrics.Path, a.prom.Handler())
	srv := &http.Server{Addr: a.cfg.Metrics.Address, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.log.Warn("metrics server failed", zap.Error(err))
		}
	}()
	a.log.Info("metrics server listening",
		zap.String("address", a.cfg.Metrics.Address),
		zap.String("path", a.cfg.Metrics.Path))
	return srv
}

func (a *App) statusTick(ctx context.Context) {
	a.checkPositionMismatch(ctx)

	snap := drawdown.Status{}
	if a.monitor != nil {
		snap = a.monitor.Snapshot()
	}
	activeHedges := 0
	atRisk := 0
	completed := 0
	realized := decimal.Zero
	if a.hedger != nil {
		activeHedges = len(a.hedger.Active())
		atRisk = len(a.hedger.AtRisk())
		completed, realized = a.hedger.Summary()
	}
	a.log.Info("status",
		zap.String("slot_state", string(a.slot.State())),
		zap.Bool("paused", a.slot.Paused()),
		zap.Int("active_closes", a.slot.ActiveCloseCount()),
		zap.Int("active_hedges", activeHedges),
		zap.Int("at_risk_hedges", atRisk),
		zap.Int("completed_cycles", completed),
		zap.String("realized_pnl", realized.String()),
		zap.String("drawdown_pct", snap.DrawdownPct.StringFixed(2)),
		zap.String("drawdown_tier", snap.Tier.String()))

	if err := state.SaveSessionSnapshot(ctx, a.store, state.SessionSnapshot{
		SlotState:    string(a.slot.State()),
		Paused:       a.slot.Paused(),
		ActiveCloses: a.slot.ActiveCloseCount(),
		ActiveHedges: activeHedges,
		NetWorth:     snap.NetWorth.InexactFloat64(),
		DrawdownPct:  snap.DrawdownPct.InexactFloat64(),
		DrawdownTier: snap.Tier.String(),
		RealizedPnL:  realized.InexactFloat64(),
		UpdatedAtMS:  time.Now().UTC().UnixMilli(),
	}); err != nil {
		a.log.Warn("session snapshot save failed", zap.Error(err))
	}

	if a.history != nil && snap.Samples > 0 {
		a.history.EnqueueSample(history.NetWorthSample{
			Time:        snap.At,
			NetWorth:    snap.NetWorth.InexactFloat64(),
			Smoothed:    snap.Smoothed.InexactFloat64(),
			Peak:        snap.Peak.InexactFloat64(),
			DrawdownPct: snap.DrawdownPct.InexactFloat64(),
			Tier:        snap.Tier.String(),
			OpenCloses:  a.slot.ActiveCloseCount(),
		})
	}
}

// checkPositionMismatch compares the venue position against the resting
// close quantity. A gap wider than a couple of order sizes means fills
// were missed; entries halt until an operator looks.
func (a *App) checkPositionMismatch(ctx context.Context) {
	if a.isMismatchHalted() || a.slot.Stopped() {
		return
	}
	pos, err := a.primary.Position(ctx, a.cfg.Trading.Instrument)
	if err != nil {
		a.log.Warn("position check failed", zap.Error(err))
		return
	}
	expected := a.slot.ActiveCloseQuantity()
	diff := pos.Quantity.Abs().Sub(expected).Abs()
	tolerance := decimal.NewFromFloat(a.cfg.Trading.Quantity).Mul(decimal.NewFromInt(mismatchFactor))
	if diff.LessThanOrEqual(tolerance) {
		return
	}
	a.opsMu.Lock()
	a.mismatchHalted = true
	a.opsMu.Unlock()
	a.slot.SetPaused(true)
	a.log.Error("position mismatch, entries halted",
		zap.String("venue_position", pos.Quantity.String()),
		zap.String("resting_closes", expected.String()),
		zap.String("tolerance", tolerance.String()))
	a.notify(ctx, fmt.Sprintf("Position mismatch on %s: venue %s vs resting closes %s, entries halted",
		a.cfg.Trading.Instrument, pos.Quantity, expected))
}

func (a *App) recordCycle(pos *hedge.Position) {
	a.history.EnqueueCycle(history.HedgeCycle{
		Time:        pos.CompletedAt,
		HedgeID:     pos.ID,
		PrimarySide: string(pos.PrimarySide),
		Quantity:    pos.Quantity.InexactFloat64(),
		PrimaryFill: pos.PrimaryOrder.Price.InexactFloat64(),
		TakeProfit:  pos.TakeProfit.Price.InexactFloat64(),
		HedgeEntry:  pos.HedgeOrder.Price.InexactFloat64(),
		HedgeClose:  pos.ClosingOrder.Price.InexactFloat64(),
		RealizedPnL: pos.RealizedPnL.InexactFloat64(),
	})
}

func (a *App) logSessionSummary(ctx context.Context) {
	completed := 0
	realized := decimal.Zero
	atRisk := 0
	if a.hedger != nil {
		completed, realized = a.hedger.Summary()
		atRisk = len(a.hedger.AtRisk())
	}
	a.log.Info("session summary",
		zap.Int("completed_cycles", completed),
		zap.String("realized_pnl", realized.String()),
		zap.Int("active_closes", a.slot.ActiveCloseCount()),
		zap.Int("at_risk_hedges", atRisk))
	msg := fmt.Sprintf("Session ended: %d cycles completed, realized PnL %s", completed, realized)
	if atRisk > 0 {
		msg += fmt.Sprintf(", %d hedge positions AT RISK", atRisk)
	}
	a.notify(ctx, msg)
}

func (a *App) notify(ctx context.Context, message string) {
	if a.alerts == nil {
		return
	}
	if err := a.alerts.Send(ctx, message); err != nil {
		a.log.Warn("alert send failed", zap.Error(err))
	}
}

func (a *App) isPaused() bool {
	a.opsMu.RLock()
	defer a.opsMu.RUnlock()
	return a.paused
}

func (a *App) setPaused(paused bool) bool {
	a.opsMu.Lock()
	a.paused = paused
	a.opsMu.Unlock()
	a.slot.SetPaused(paused)
	return paused
}

func (a *App) isMismatchHalted() bool {
	a.opsMu.RLock()
	defer a.opsMu.RUnlock()
	return a.mismatchHalted
}
