package state

import (
	"context"
	"encoding/json"
	"strings"
)

const SessionSnapshotKey = "session:last_snapshot"

// SessionSnapshot is the engine's last observed status, saved on each
// status tick so a restart has something to report before the first
// fresh sample arrives.
type SessionSnapshot struct {
	SlotState    string  `json:"slot_state"`
	Paused       bool    `json:"paused"`
	ActiveCloses int     `json:"active_closes"`
	ActiveHedges int     `json:"active_hedges"`
	NetWorth     float64 `json:"net_worth"`
	DrawdownPct  float64 `json:"drawdown_pct"`
	DrawdownTier string  `json:"drawdown_tier"`
	RealizedPnL  float64 `json:"realized_pnl"`
	UpdatedAtMS  int64   `json:"updated_at_ms"`
}

func LoadSessionSnapshot(ctx context.Context, store Store) (SessionSnapshot, bool, error) {
	if store == nil {
		return SessionSnapshot{}, false, nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	raw, ok, err := store.Get(ctx, SessionSnapshotKey)
	if err != nil {
		return SessionSnapshot{}, false, err
	}
	if !ok || strings.TrimSpace(raw) == "" {
		return SessionSnapshot{}, false, nil
	}
	var snapshot SessionSnapshot
	if err := json.Unmarshal([]byte(raw), &snapshot); err != nil {
		return SessionSnapshot{}, false, err
	}
	return snapshot, true, nil
}

func SaveSessionSnapshot(ctx context.Context, store Store, snapshot SessionSnapshot) error {
	if store == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	payload, err := json.Marshal(snapshot)
	if err != nil {
		return err
	}
	return store.Set(ctx, SessionSnapshotKey, string(payload))
}
