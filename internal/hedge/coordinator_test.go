package hedge

import (
	"context"
	"strings"
	"testing"
	"time"

	"perp-hedge-bot/internal/exchange"
	"perp-hedge-bot/internal/lifecycle"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type mockSubmitter struct {
	orders   []exchange.OrderRequest
	failures int
	calls    int
	fills    []decimal.Decimal
}

func (m *mockSubmitter) PlaceOrder(_ context.Context, req exchange.OrderRequest) (exchange.Order, error) {
	m.calls++
	if m.failures > 0 {
		m.failures--
		return exchange.Order{}, exchange.ErrNetwork
	}
	m.orders = append(m.orders, req)
	price := decimal.Zero
	if len(m.fills) > 0 {
		price = m.fills[0]
		m.fills = m.fills[1:]
	}
	return exchange.Order{
		ID:         "mock-" + req.ClientOrderID,
		Instrument: req.Instrument,
		Side:       req.Side,
		Role:       req.Role,
		Quantity:   req.Quantity,
		Price:      price,
		Status:     exchange.StatusFilled,
	}, nil
}

type mockNotifier struct {
	messages []string
}

func (m *mockNotifier) Send(_ context.Context, msg string) error {
	m.messages = append(m.messages, msg)
	return nil
}

func testConfig() Config {
	return Config{
		Venue:        "mock",
		Instrument:   "BTC-PERP",
		MaxRetries:   2,
		TakerFeeRate: decimal.Zero,
	}
}

func d(s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return v
}

func TestCoordinatorFullCycle(t *testing.T) {
	sub := &mockSubmitter{fills: []decimal.Decimal{d("50010"), d("50090")}}
	c, err := New(testConfig(), sub, nil, nil, nil, zap.NewNop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx := context.Background()

	entry := exchange.Order{
		ID:       "entry-1",
		Side:     exchange.SideBuy,
		Quantity: d("0.01"),
		Price:    d("50000"),
		Status:   exchange.StatusFilled,
	}
	c.OnPrimaryFill(ctx, entry)

	active := c.Active()
	if len(active) != 1 {
		t.Fatalf("active positions = %d, want 1", len(active))
	}
	pos := active[0]
	if pos.State() != StateProfitPending {
		t.Fatalf("state after hedge fill = %s, want %s", pos.State(), StateProfitPending)
	}
	if got := sub.orders[0].Side; got != exchange.SideSell {
		t.Fatalf("hedge side = %s, want sell", got)
	}
	if !sub.orders[0].Market {
		t.Fatal("hedge open should be a market order")
	}

	c.OnTakeProfitFilled(ctx, lifecycle.Event{
		Type:  lifecycle.EventTakeProfitFilled,
		Entry: entry,
		Order: exchange.Order{
			ID:     "close-1",
			Side:   exchange.SideSell,
			Price:  d("50100"),
			Status: exchange.StatusFilled,
		},
	})

	if len(c.Active()) != 0 {
		t.Fatalf("active positions after close = %d, want 0", len(c.Active()))
	}
	if !pos.IsCompleted() {
		t.Fatalf("state = %s, want %s", pos.State(), StateCompleted)
	}
	if got := sub.orders[1].Side; got != exchange.SideBuy {
		t.Fatalf("hedge close side = %s, want buy", got)
	}

	// Primary leg profits 100, hedge leg loses 80: net 20 per unit on
	// 0.01 units with zero fees.
	want := d("0.2")
	if !pos.RealizedPnL.Equal(want) {
		t.Fatalf("realized pnl = %s, want %s", pos.RealizedPnL, want)
	}
	count, total := c.Summary()
	if count != 1 || !total.Equal(want) {
		t.Fatalf("summary = (%d, %s), want (1, %s)", count, total, want)
	}
}

func TestCoordinatorShortPrimary(t *testing.T) {
	sub := &mockSubmitter{fills: []decimal.Decimal{d("49990"), d("49910")}}
	c, err := New(testConfig(), sub, nil, nil, nil, zap.NewNop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx := context.Background()

	entry := exchange.Order{
		ID:       "entry-2",
		Side:     exchange.SideSell,
		Quantity: d("1"),
		Price:    d("50000"),
		Status:   exchange.StatusFilled,
	}
	c.OnPrimaryFill(ctx, entry)
	if got := sub.orders[0].Side; got != exchange.SideBuy {
		t.Fatalf("hedge side = %s, want buy", got)
	}
	c.OnTakeProfitFilled(ctx, lifecycle.Event{
		Type:  lifecycle.EventTakeProfitFilled,
		Entry: entry,
		Order: exchange.Order{ID: "close-2", Side: exchange.SideBuy, Price: d("49900"), Status: exchange.StatusFilled},
	})
	_, total := c.Summary()
	// Short primary gains 100, long hedge loses 80.
	if want := d("20"); !total.Equal(want) {
		t.Fatalf("realized pnl = %s, want %s", total, want)
	}
}

func TestCoordinatorFeesReduceRealizedPnL(t *testing.T) {
	cfg := testConfig()
	cfg.TakerFeeRate = d("0.0005")
	sub := &mockSubmitter{fills: []decimal.Decimal{d("50010"), d("50090")}}
	c, err := New(cfg, sub, nil, nil, nil, zap.NewNop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx := context.Background()
	entry := exchange.Order{ID: "entry-3", Side: exchange.SideBuy, Quantity: d("1"), Price: d("50000"), Status: exchange.StatusFilled}
	c.OnPrimaryFill(ctx, entry)
	c.OnTakeProfitFilled(ctx, lifecycle.Event{
		Type:  lifecycle.EventTakeProfitFilled,
		Entry: entry,
		Order: exchange.Order{ID: "close-3", Side: exchange.SideSell, Price: d("50100"), Status: exchange.StatusFilled},
	})
	// Gross 20, fees 0.0005 * (50010 + 50090) = 50.05.
	_, total := c.Summary()
	if want := d("-30.05"); !total.Equal(want) {
		t.Fatalf("realized pnl = %s, want %s", total, want)
	}
}

func TestCoordinatorExhaustedRetriesFlagsAtRisk(t *testing.T) {
	sub := &mockSubmitter{failures: 10}
	notifier := &mockNotifier{}
	cfg := testConfig()
	cfg.MaxRetries = 1
	c, err := New(cfg, sub, nil, notifier, nil, zap.NewNop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx := context.Background()
	entry := exchange.Order{ID: "entry-4", Side: exchange.SideBuy, Quantity: d("1"), Price: d("50000"), Status: exchange.StatusFilled}
	c.OnPrimaryFill(ctx, entry)

	if sub.calls != 2 {
		t.Fatalf("submit calls = %d, want 2", sub.calls)
	}
	atRisk := c.AtRisk()
	if len(atRisk) != 1 {
		t.Fatalf("at-risk positions = %d, want 1", len(atRisk))
	}
	if atRisk[0].State() != StateHedging {
		t.Fatalf("at-risk state = %s, want %s", atRisk[0].State(), StateHedging)
	}
	if len(notifier.messages) != 1 || !strings.Contains(notifier.messages[0], "CRITICAL") {
		t.Fatalf("expected one critical alert, got %v", notifier.messages)
	}
}

func TestCoordinatorRetryAtRiskRecovers(t *testing.T) {
	sub := &mockSubmitter{failures: 2, fills: []decimal.Decimal{d("50010")}}
	cfg := testConfig()
	cfg.MaxRetries = 0
	c, err := New(cfg, sub, nil, nil, nil, zap.NewNop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx := context.Background()
	entry := exchange.Order{ID: "entry-5", Side: exchange.SideBuy, Quantity: d("1"), Price: d("50000"), Status: exchange.StatusFilled}
	c.OnPrimaryFill(ctx, entry)
	// First attempt fails twice in a row across the initial submit; a
	// manual retry should land the hedge.
	if len(c.AtRisk()) != 1 {
		t.Fatalf("at-risk = %d, want 1", len(c.AtRisk()))
	}
	c.RetryAtRisk(ctx)
	if len(c.AtRisk()) == 1 {
		// Second failure consumed on retry; retry once more.
		c.RetryAtRisk(ctx)
	}
	if len(c.AtRisk()) != 0 {
		t.Fatalf("at-risk after recovery = %d, want 0", len(c.AtRisk()))
	}
	active := c.Active()
	if len(active) != 1 || active[0].State() != StateProfitPending {
		t.Fatalf("expected one confirmed hedge position, got %v", active)
	}
}

func TestCoordinatorDeferredFillConfirmation(t *testing.T) {
	// Hedge orders that come back resting are confirmed by the update
	// stream, not inline.
	sub := &restingSubmitter{}
	c, err := New(testConfig(), sub, nil, nil, nil, zap.NewNop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx := context.Background()
	entry := exchange.Order{ID: "entry-6", Side: exchange.SideBuy, Quantity: d("1"), Price: d("50000"), Status: exchange.StatusFilled}
	c.OnPrimaryFill(ctx, entry)

	pos := c.Active()[0]
	if pos.State() != StateHedging {
		t.Fatalf("state before update = %s, want %s", pos.State(), StateHedging)
	}
	c.HandleUpdate(ctx, exchange.OrderUpdate{
		OrderID:   pos.HedgeOrder.ID,
		Status:    exchange.StatusFilled,
		FillPrice: d("50010"),
		Time:      time.Now(),
	})
	if pos.State() != StateProfitPending {
		t.Fatalf("state after update = %s, want %s", pos.State(), StateProfitPending)
	}
	if !pos.HedgeOrder.Price.Equal(d("50010")) {
		t.Fatalf("hedge fill price = %s, want 50010", pos.HedgeOrder.Price)
	}
}

func TestCoordinatorNetExposure(t *testing.T) {
	sub := &mockSubmitter{fills: []decimal.Decimal{d("50010"), d("50090")}}
	c, err := New(testConfig(), sub, nil, nil, nil, zap.NewNop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx := context.Background()
	entry := exchange.Order{ID: "entry-8", Side: exchange.SideBuy, Quantity: d("0.01"), Price: d("50000"), Status: exchange.StatusFilled}
	c.OnPrimaryFill(ctx, entry)

	exp := c.NetExposure()
	if !exp.Quantity.Equal(d("-0.01")) {
		t.Fatalf("exposure = %s, want -0.01 after the hedge sell", exp.Quantity)
	}
	if !exp.EntryPrice.Equal(d("50010")) {
		t.Fatalf("entry price = %s, want the hedge fill 50010", exp.EntryPrice)
	}

	c.OnTakeProfitFilled(ctx, lifecycle.Event{
		Type:  lifecycle.EventTakeProfitFilled,
		Entry: entry,
		Order: exchange.Order{ID: "close-8", Side: exchange.SideSell, Price: d("50100"), Status: exchange.StatusFilled},
	})
	if exp = c.NetExposure(); !exp.Flat() {
		t.Fatalf("exposure = %s, want flat after the cycle completes", exp.Quantity)
	}
}

func TestCoordinatorTakeProfitBeforeHedgeConfirmationHoldsClose(t *testing.T) {
	sub := &restingSubmitter{}
	c, err := New(testConfig(), sub, nil, nil, nil, zap.NewNop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx := context.Background()
	entry := exchange.Order{ID: "entry-7", Side: exchange.SideBuy, Quantity: d("1"), Price: d("50000"), Status: exchange.StatusFilled}
	c.OnPrimaryFill(ctx, entry)

	pos := c.Active()[0]
	if pos.State() != StateHedging {
		t.Fatalf("state before update = %s, want %s", pos.State(), StateHedging)
	}

	// Take-profit lands while the hedge open is still resting: the close
	// must wait for the confirmation, not be submitted alongside it.
	c.OnTakeProfitFilled(ctx, lifecycle.Event{
		Type:  lifecycle.EventTakeProfitFilled,
		Entry: entry,
		Order: exchange.Order{ID: "close-7", Side: exchange.SideSell, Price: d("50100"), Status: exchange.StatusFilled},
	})
	if sub.seq != 1 {
		t.Fatalf("submissions = %d, want only the unconfirmed open", sub.seq)
	}
	if pos.State() != StateHedging {
		t.Fatalf("state after early take-profit = %s, want %s", pos.State(), StateHedging)
	}

	c.HandleUpdate(ctx, exchange.OrderUpdate{
		OrderID:   pos.HedgeOrder.ID,
		Status:    exchange.StatusFilled,
		FillPrice: d("50010"),
		Time:      time.Now(),
	})
	if sub.seq != 2 {
		t.Fatalf("submissions = %d, want the held close submitted on confirmation", sub.seq)
	}
	if pos.State() != StateClosing {
		t.Fatalf("state after confirmation = %s, want %s", pos.State(), StateClosing)
	}

	c.HandleUpdate(ctx, exchange.OrderUpdate{
		OrderID:   pos.ClosingOrder.ID,
		Status:    exchange.StatusFilled,
		FillPrice: d("50090"),
		Time:      time.Now(),
	})
	if !pos.IsCompleted() {
		t.Fatalf("state after close fill = %s, want %s", pos.State(), StateCompleted)
	}
	if want := d("20"); !pos.RealizedPnL.Equal(want) {
		t.Fatalf("realized pnl = %s, want %s", pos.RealizedPnL, want)
	}
}

type restingSubmitter struct {
	seq int
}

func (r *restingSubmitter) PlaceOrder(_ context.Context, req exchange.OrderRequest) (exchange.Order, error) {
	r.seq++
	return exchange.Order{
		ID:         "resting-" + req.ClientOrderID,
		Instrument: req.Instrument,
		Side:       req.Side,
		Quantity:   req.Quantity,
		Status:     exchange.StatusOpen,
	}, nil
}
