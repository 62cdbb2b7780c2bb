package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"perp-hedge-bot/internal/config"

	_ "github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"
)

const writeTimeout = 3 * time.Second

// NetWorthSample is one drawdown-monitor observation.
type NetWorthSample struct {
	Time        time.Time
	NetWorth    float64
	Smoothed    float64
	Peak        float64
	DrawdownPct float64
	Tier        string
	OpenCloses  int
}

// HedgeCycle is one completed entry/hedge round trip.
type HedgeCycle struct {
	Time        time.Time
	HedgeID     string
	PrimarySide string
	Quantity    float64
	PrimaryFill float64
	TakeProfit  float64
	HedgeEntry  float64
	HedgeClose  float64
	RealizedPnL float64
}

// Writer persists samples and completed cycles to TimescaleDB through
// bounded queues. A full queue drops the row rather than stalling the
// trading path.
type Writer struct {
	db         *sql.DB
	log        *zap.Logger
	schema     string
	samples    chan NetWorthSample
	cycles     chan HedgeCycle
	started    atomic.Bool
	dropSample atomic.Uint64
	dropCycle  atomic.Uint64
}

func New(cfg config.HistoryConfig, log *zap.Logger) (*Writer, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("history dsn is required")
	}
	schema := strings.TrimSpace(cfg.Schema)
	if schema == "" {
		schema = "public"
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = 256
	}
	writer := &Writer{
		db:      db,
		log:     log,
		schema:  schema,
		samples: make(chan NetWorthSample, queueSize),
		cycles:  make(chan HedgeCycle, queueSize),
	}
	if err := writer.ensureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return writer, nil
}

func (w *Writer) Start(ctx context.Context) {
	if w == nil {
		return
	}
	if !w.started.CompareAndSwap(false, true) {
		return
	}
	go w.run(ctx)
}

func (w *Writer) Close() error {
	if w == nil || w.db == nil {
		return nil
	}
	return w.db.Close()
}

func (w *Writer) EnqueueSample(sample NetWorthSample) {
	if w == nil {
		return
	}
	select {
	case w.samples <- sample:
		return
	default:
		if w.dropSample.Add(1) == 1 && w.log != nil {
			w.log.Warn("history sample queue full")
		}
	}
}

func (w *Writer) EnqueueCycle(cycle HedgeCycle) {
	if w == nil {
		return
	}
	select {
	case w.cycles <- cycle:
		return
	default:
		if w.dropCycle.Add(1) == 1 && w.log != nil {
			w.log.Warn("history cycle queue full")
		}
	}
}

func (w *Writer) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case sample := <-w.samples:
			w.writeSample(ctx, sample)
		case cycle := <-w.cycles:
			w.writeCycle(ctx, cycle)
		}
	}
}

func (w *Writer) ensureSchema(ctx context.Context) error {
	if w.db == nil {
		return errors.New("history db not initialized")
	}
	if w.schema != "public" {
		if err := w.exec(ctx, fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s", w.schema)); err != nil {
			return err
		}
	}
	if err := w.exec(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		ts TIMESTAMPTZ NOT NULL,
		net_worth DOUBLE PRECISION NOT NULL,
		smoothed DOUBLE PRECISION NOT NULL,
		peak DOUBLE PRECISION NOT NULL,
		drawdown_pct DOUBLE PRECISION NOT NULL,
		tier TEXT NOT NULL,
		open_closes INTEGER NOT NULL
	)`, w.table("net_worth_samples"))); err != nil {
		return err
	}
	if err := w.exec(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		ts TIMESTAMPTZ NOT NULL,
		hedge_id TEXT NOT NULL,
		primary_side TEXT NOT NULL,
		quantity DOUBLE PRECISION NOT NULL,
		primary_fill DOUBLE PRECISION NOT NULL,
		take_profit DOUBLE PRECISION NOT NULL,
		hedge_entry DOUBLE PRECISION NOT NULL,
		hedge_close DOUBLE PRECISION NOT NULL,
		realized_pnl DOUBLE PRECISION NOT NULL,
		PRIMARY KEY (ts, hedge_id)
	)`, w.table("hedge_cycles"))); err != nil {
		return err
	}
	if err := w.exec(ctx, "CREATE EXTENSION IF NOT EXISTS timescaledb"); err != nil {
		if w.log != nil {
			w.log.Warn("timescale extension ensure failed", zap.Error(err))
		}
		return nil
	}
	if err := w.exec(ctx, fmt.Sprintf("SELECT create_hypertable('%s', 'ts', if_not_exists => TRUE)", w.table("net_worth_samples"))); err != nil && w.log != nil {
		w.log.Warn("net_worth_samples hypertable create failed", zap.Error(err))
	}
	if err := w.exec(ctx, fmt.Sprintf("SELECT create_hypertable('%s', 'ts', if_not_exists => TRUE)", w.table("hedge_cycles"))); err != nil && w.log != nil {
		w.log.Warn("hedge_cycles hypertable create failed", zap.Error(err))
	}
	return nil
}

func (w *Writer) writeSample(ctx context.Context, sample NetWorthSample) {
	if w.db == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	query := fmt.Sprintf(`INSERT INTO %s (
		ts, net_worth, smoothed, peak, drawdown_pct, tier, open_closes
	) VALUES ($1,$2,$3,$4,$5,$6,$7)`, w.table("net_worth_samples"))
	if _, err := w.db.ExecContext(ctx, query,
		sample.Time,
		sample.NetWorth,
		sample.Smoothed,
		sample.Peak,
		sample.DrawdownPct,
		sample.Tier,
		sample.OpenCloses,
	); err != nil && w.log != nil {
		w.log.Warn("history sample insert failed", zap.Error(err))
	}
}

func (w *Writer) writeCycle(ctx context.Context, cycle HedgeCycle) {
	if w.db == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	query := fmt.Sprintf(`INSERT INTO %s (
		ts, hedge_id, primary_side, quantity, primary_fill, take_profit,
		hedge_entry, hedge_close, realized_pnl
	) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	ON CONFLICT (ts, hedge_id) DO NOTHING`, w.table("hedge_cycles"))
	if _, err := w.db.ExecContext(ctx, query,
		cycle.Time,
		cycle.HedgeID,
		cycle.PrimarySide,
		cycle.Quantity,
		cycle.PrimaryFill,
		cycle.TakeProfit,
		cycle.HedgeEntry,
		cycle.HedgeClose,
		cycle.RealizedPnL,
	); err != nil && w.log != nil {
		w.log.Warn("history cycle insert failed", zap.Error(err))
	}
}

func (w *Writer) exec(ctx context.Context, query string) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	_, err := w.db.ExecContext(ctx, query)
	return err
}

func (w *Writer) table(name string) string {
	return w.schema + "." + name
}
