package app

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"perp-hedge-bot/internal/alerts"
	"perp-hedge-bot/internal/drawdown"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const operatorOffsetKey = "telegram:operator:last_update_id"

type operatorMeta struct {
	UpdateID int64
	UserID   int64
	Username string
	ChatID   int64
	Raw      string
}

type operatorAuditEvent struct {
	UpdateID     int64     `json:"update_id"`
	Time         time.Time `json:"time"`
	Action       string    `json:"action"`
	Command      string    `json:"command"`
	UserID       int64     `json:"user_id"`
	Username     string    `json:"username,omitempty"`
	ChatID       int64     `json:"chat_id"`
	PausedBefore bool      `json:"paused_before"`
	PausedAfter  bool      `json:"paused_after"`
}

func (a *App) startOperator(ctx context.Context) {
	if a.cfg == nil || a.alerts == nil || a.log == nil {
		return
	}
	if !a.cfg.Telegram.OperatorEnabled {
		return
	}
	chatID, err := strconv.ParseInt(strings.TrimSpace(a.cfg.Telegram.ChatID), 10, 64)
	if err != nil {
		a.log.Warn("telegram operator disabled: invalid chat_id", zap.Error(err))
		return
	}
	pollInterval := a.cfg.Telegram.OperatorPollInterval
	if pollInterval <= 0 {
		pollInterval = 3 * time.Second
	}
	allowedUsers := make(map[int64]struct{}, len(a.cfg.Telegram.OperatorAllowedUserIDs))
	for _, id := range a.cfg.Telegram.OperatorAllowedUserIDs {
		allowedUsers[id] = struct{}{}
	}
	go a.operatorLoop(ctx, chatID, allowedUsers, pollInterval)
}

func (a *App) operatorLoop(ctx context.Context, chatID int64, allowedUsers map[int64]struct{}, pollInterval time.Duration) {
	offset := a.loadOperatorOffset(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		updates, err := a.alerts.GetUpdates(ctx, offset, pollInterval)
		if err != nil {
			a.logOperatorError(err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(pollInterval):
			}
			continue
		}
		if a.operatorWarned {
			a.log.Info("telegram operator recovered")
			a.operatorWarned = false
		}
		for _, upd := range updates {
			if upd.UpdateID >= offset {
				offset = upd.UpdateID + 1
				a.saveOperatorOffset(ctx, offset)
			}
			a.handleOperatorUpdate(ctx, upd, chatID, allowedUsers)
		}
	}
}

func (a *App) handleOperatorUpdate(ctx context.Context, upd alerts.Update, chatID int64, allowedUsers map[int64]struct{}) {
	if upd.Message == nil {
		return
	}
	msg := upd.Message
	if msg.Chat == nil || msg.From == nil {
		return
	}
	if msg.Chat.ID != chatID {
		return
	}
	if len(allowedUsers) > 0 {
		if _, ok := allowedUsers[msg.From.ID]; !ok {
			return
		}
	}
	cmd, args, ok := parseOperatorCommand(msg.Text)
	if !ok {
		return
	}
	meta := operatorMeta{
		UpdateID: upd.UpdateID,
		UserID:   msg.From.ID,
		Username: msg.From.Username,
		ChatID:   msg.Chat.ID,
		Raw:      msg.Text,
	}
	resp, err := a.handleOperatorCommand(ctx, cmd, args, meta)
	if err != nil {
		resp = fmt.Sprintf("command failed: %v", err)
	}
	if resp == "" {
		return
	}
	if err := a.alerts.Send(ctx, resp); err != nil {
		a.log.Warn("operator response failed", zap.Error(err))
	}
}

func parseOperatorCommand(text string) (string, []string, bool) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return "", nil, false
	}
	if !strings.HasPrefix(trimmed, "/") {
		return "", nil, false
	}
	fields := strings.Fields(trimmed)
	if len(fields) == 0 {
		return "", nil, false
	}
	cmd := strings.ToLower(strings.TrimPrefix(fields[0], "/"))
	return cmd, fields[1:], true
}

func (a *App) handleOperatorCommand(ctx context.Context, cmd string, args []string, meta operatorMeta) (string, error) {
	switch cmd {
	case "status":
		return a.operatorStatus(), nil
	case "pause":
		before := a.isPaused()
		after := a.setPaused(true)
		a.auditOperatorEvent(ctx, operatorAuditEvent{
			UpdateID:     meta.UpdateID,
			Time:         time.Now().UTC(),
			Action:       "pause",
			Command:      meta.Raw,
			UserID:       meta.UserID,
			Username:     meta.Username,
			ChatID:       meta.ChatID,
			PausedBefore: before,
			PausedAfter:  after,
		})
		if before {
			return "trading already paused", nil
		}
		return "trading paused", nil
	case "resume":
		if a.isMismatchHalted() {
			return "entries halted by position mismatch, restart required", nil
		}
		before := a.isPaused()
		after := a.setPaused(false)
		a.auditOperatorEvent(ctx, operatorAuditEvent{
			UpdateID:     meta.UpdateID,
			Time:         time.Now().UTC(),
			Action:       "resume",
			Command:      meta.Raw,
			UserID:       meta.UserID,
			Username:     meta.Username,
			ChatID:       meta.ChatID,
			PausedBefore: before,
			PausedAfter:  after,
		})
		if !before {
			return "trading already active", nil
		}
		return "trading resumed", nil
	case "hedge":
		return a.handleHedgeCommand(ctx, args, meta)
	case "help":
		return operatorHelpText(), nil
	default:
		return operatorHelpText(), nil
	}
}

func (a *App) handleHedgeCommand(ctx context.Context, args []string, meta operatorMeta) (string, error) {
	if a.hedger == nil {
		return "hedging is disabled", nil
	}
	if len(args) == 0 || strings.EqualFold(args[0], "show") {
		return a.hedgeStatus(), nil
	}
	switch strings.ToLower(args[0]) {
	case "retry":
		atRisk := len(a.hedger.AtRisk())
		if atRisk == 0 {
			return "no at-risk hedge positions", nil
		}
		a.auditOperatorEvent(ctx, operatorAuditEvent{
			UpdateID: meta.UpdateID,
			Time:     time.Now().UTC(),
			Action:   "hedge_retry",
			Command:  meta.Raw,
			UserID:   meta.UserID,
			Username: meta.Username,
			ChatID:   meta.ChatID,
		})
		a.hedger.RetryAtRisk(ctx)
		remaining := len(a.hedger.AtRisk())
		return fmt.Sprintf("retried %d at-risk positions, %d still at risk", atRisk, remaining), nil
	default:
		return "", fmt.Errorf("unknown hedge command: use /hedge show|retry")
	}
}

func (a *App) operatorStatus() string {
	snap := drawdown.Status{}
	if a.monitor != nil {
		snap = a.monitor.Snapshot()
	}
	activeHedges := 0
	atRisk := 0
	completed := 0
	realized := "0"
	if a.hedger != nil {
		activeHedges = len(a.hedger.Active())
		atRisk = len(a.hedger.AtRisk())
		var pnl decimal.Decimal
		completed, pnl = a.hedger.Summary()
		realized = pnl.String()
	}
	return strings.Join([]string{
		fmt.Sprintf("slot_state: %s", a.slot.State()),
		fmt.Sprintf("paused: %t", a.slot.Paused()),
		fmt.Sprintf("mismatch_halted: %t", a.isMismatchHalted()),
		fmt.Sprintf("active_closes: %d / %d", a.slot.ActiveCloseCount(), a.cfg.Trading.MaxOrders),
		fmt.Sprintf("active_hedges: %d", activeHedges),
		fmt.Sprintf("at_risk_hedges: %d", atRisk),
		fmt.Sprintf("completed_cycles: %d", completed),
		fmt.Sprintf("realized_pnl: %s", realized),
		fmt.Sprintf("net_worth: %s", snap.NetWorth),
		fmt.Sprintf("drawdown: %s%% (%s)", snap.DrawdownPct.StringFixed(2), snap.Tier),
	}, "\n")
}

func (a *App) hedgeStatus() string {
	active := a.hedger.Active()
	if len(active) == 0 {
		return "no active hedge positions"
	}
	lines := make([]string, 0, len(active)+2)
	lines = append(lines, fmt.Sprintf("%d active hedge positions:", len(active)))
	for _, pos := range active {
		flag := ""
		if pos.AtRisk {
			flag = " AT RISK"
		}
		lines = append(lines, fmt.Sprintf("%s state=%s qty=%s%s",
			pos.ID, pos.State(), pos.Quantity, flag))
	}
	exposure := a.hedger.NetExposure()
	lines = append(lines, fmt.Sprintf("net hedge exposure: %s", exposure.Quantity))
	return strings.Join(lines, "\n")
}

func operatorHelpText() string {
	return strings.Join([]string{
		"commands:",
		"/status - current engine status",
		"/pause - pause new entries",
		"/resume - resume new entries",
		"/hedge show - list active hedge positions",
		"/hedge retry - retry at-risk hedge positions",
	}, "\n")
}

func (a *App) logOperatorError(err error) {
	if a.log == nil {
		return
	}
	if a.operatorWarned {
		return
	}
	a.operatorWarned = true
	a.log.Warn("telegram operator failed", zap.Error(err))
}

func (a *App) loadOperatorOffset(ctx context.Context) int64 {
	if a.store == nil {
		return 0
	}
	raw, ok, err := a.store.Get(ctx, operatorOffsetKey)
	if err != nil || !ok {
		return 0
	}
	val, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || val < 0 {
		return 0
	}
	return val
}

func (a *App) saveOperatorOffset(ctx context.Context, offset int64) {
	if a.store == nil {
		return
	}
	_ = a.store.Set(ctx, operatorOffsetKey, strconv.FormatInt(offset, 10))
}

func (a *App) auditOperatorEvent(ctx context.Context, event operatorAuditEvent) {
	if a.store == nil {
		return
	}
	key := fmt.Sprintf("ops:audit:%d:%d", time.Now().UTC().UnixNano(), event.UpdateID)
	payload, err := json.Marshal(event)
	if err != nil {
		return
	}
	_ = a.store.Set(ctx, key, string(payload))
}
