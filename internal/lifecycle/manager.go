package lifecycle

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"perp-hedge-bot/internal/exchange"
	"perp-hedge-bot/internal/metrics"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const (
	tickInterval   = time.Second
	eventBufferLen = 128
)

type OrderSubmitter interface {
	PlaceOrder(ctx context.Context, req exchange.OrderRequest) (exchange.Order, error)
	CancelOrder(ctx context.Context, orderID string) error
}

type MarketSource interface {
	BestBidAsk(ctx context.Context, instrument string) (exchange.BestBidAsk, error)
}

// closeIntent is an entry fill whose take-profit order has not been placed
// yet. Intents are retried every tick until the close order rests.
type closeIntent struct {
	fillPrice decimal.Decimal
	quantity  decimal.Decimal
	entry     exchange.Order
}

// Manager drives the entry -> fill -> take-profit cycle for one
// (venue, instrument) slot. All mutation happens on the Run goroutine or
// under mu, and order-update events are processed strictly in arrival
// order.
type Manager struct {
	cfg       Config
	submitter OrderSubmitter
	market    MarketSource
	metrics   *metrics.Metrics
	log       *zap.Logger

	mu             sync.Mutex
	state          State
	pricePaused    bool
	opsPaused      bool
	entryOrder     *exchange.Order
	activeCloses   map[string]exchange.Order
	closeEntries   map[string]exchange.Order
	pendingCloses  []closeIntent
	lastCloseCount int
	lastEntryAt    time.Time

	events   chan Event
	stopHook func(ctx context.Context, reason string)
}

func New(cfg Config, submitter OrderSubmitter, market MarketSource, m *metrics.Metrics, log *zap.Logger) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("lifecycle config: %w", err)
	}
	if m == nil {
		m = metrics.NewNoop()
	}
	return &Manager{
		cfg:          cfg,
		submitter:    submitter,
		market:       market,
		metrics:      m,
		log:          log,
		state:        StateIdle,
		activeCloses: make(map[string]exchange.Order),
		closeEntries: make(map[string]exchange.Order),
		events:       make(chan Event, eventBufferLen),
	}, nil
}

func (m *Manager) Events() <-chan Event {
	return m.events
}

// SetStopHook registers the stop-loss entry point invoked when the
// stop-price condition fires. Must be called before Run.
func (m *Manager) SetStopHook(fn func(ctx context.Context, reason string)) {
	m.stopHook = fn
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Manager) Stopped() bool {
	return m.State() == StateStopped
}

func (m *Manager) Paused() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pricePaused || m.opsPaused
}

// SetPaused blocks or resumes new entries. Used by the drawdown monitor's
// medium tier and by the operator; close orders keep working while paused.
func (m *Manager) SetPaused(paused bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.opsPaused = paused
}

// ActiveCloseCount reports the number of resting take-profit orders.
func (m *Manager) ActiveCloseCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.activeCloses)
}

// ActiveCloseQuantity sums the resting take-profit quantity, used by the
// position-mismatch watchdog.
func (m *Manager) ActiveCloseQuantity() decimal.Decimal {
	m.mu.Lock()
	defer m.mu.Unlock()
	total := decimal.Zero
	for _, o := range m.activeCloses {
		total = total.Add(o.Quantity)
	}
	return total
}

// AdoptCloseOrders seeds the active set from close orders found at
// startup and starts the cooldown clock so a restart does not burst
// entries into an already loaded book.
func (m *Manager) AdoptCloseOrders(orders []exchange.Order) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, o := range orders {
		if o.Side != m.cfg.CloseSide() || o.Status != exchange.StatusOpen {
			continue
		}
		m.activeCloses[o.ID] = o
	}
	m.lastCloseCount = len(m.activeCloses)
	if len(m.activeCloses) > 0 && m.lastEntryAt.IsZero() {
		m.lastEntryAt = time.Now()
	}
}

// Run is the slot's event loop: order updates are drained before each
// tick and processed in arrival order.
func (m *Manager) Run(ctx context.Context, updates <-chan exchange.OrderUpdate) error {
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case upd, ok := <-updates:
			if !ok {
				return fmt.Errorf("order update stream closed for %s", m.cfg.Instrument)
			}
			m.HandleUpdate(ctx, upd)
		case <-ticker.C:
			if m.Stopped() {
				return nil
			}
			if err := m.Tick(ctx); err != nil {
				m.log.Warn("slot tick failed", zap.String("instrument", m.cfg.Instrument), zap.Error(err))
			}
		}
	}
}

// Tick evaluates price gates and attempts one entry when all gates pass.
func (m *Manager) Tick(ctx context.Context) error {
	if m.Stopped() {
		return nil
	}
	m.retryPendingCloses(ctx)

	book, err := m.market.BestBidAsk(ctx, m.cfg.Instrument)
	if err != nil {
		return fmt.Errorf("best bid/ask: %w", err)
	}
	if !book.Valid() {
		return fmt.Errorf("%w: no bid/ask data available", exchange.ErrValidation)
	}
	if m.EvaluateStopPrice(ctx, book) {
		return nil
	}
	m.EvaluatePausePrice(book)
	return m.TryOpenEntry(ctx, book)
}

// EvaluateStopPrice checks the direction-aware stop condition and, when
// breached, transitions the slot to Stopped and fires the stop hook. The
// slot never trades again after this.
func (m *Manager) EvaluateStopPrice(ctx context.Context, book exchange.BestBidAsk) bool {
	if m.cfg.StopPrice.Sign() <= 0 {
		return false
	}
	breached := false
	if m.cfg.Direction == exchange.SideBuy {
		breached = book.Ask.GreaterThanOrEqual(m.cfg.StopPrice)
	} else {
		breached = book.Bid.LessThanOrEqual(m.cfg.StopPrice)
	}
	if !breached {
		return false
	}
	m.Stop(ctx, fmt.Sprintf("stop price %s breached (bid %s ask %s)", m.cfg.StopPrice, book.Bid, book.Ask))
	return true
}

// EvaluatePausePrice toggles the price-based pause flag. Idempotent: the
// flag follows the comparison on every call, so the slot resumes on its
// own once price retreats.
func (m *Manager) EvaluatePausePrice(book exchange.BestBidAsk) {
	if m.cfg.PausePrice.Sign() <= 0 {
		return
	}
	paused := false
	if m.cfg.Direction == exchange.SideBuy {
		paused = book.Ask.GreaterThanOrEqual(m.cfg.PausePrice)
	} else {
		paused = book.Bid.LessThanOrEqual(m.cfg.PausePrice)
	}
	m.mu.Lock()
	changed := m.pricePaused != paused
	m.pricePaused = paused
	m.mu.Unlock()
	if changed {
		if paused {
			m.log.Warn("entries paused: pause price reached",
				zap.String("instrument", m.cfg.Instrument),
				zap.String("pause_price", m.cfg.PausePrice.String()))
		} else {
			m.log.Info("entries resumed: price left pause zone",
				zap.String("instrument", m.cfg.Instrument))
		}
	}
}

// Stop transitions the slot to its terminal state, cancels any resting
// entry order and invokes the stop hook. Manual restart is required
// afterwards.
func (m *Manager) Stop(ctx context.Context, reason string) {
	m.mu.Lock()
	if m.state == StateStopped {
		m.mu.Unlock()
		return
	}
	m.state = nextState(m.state, eventStop)
	entry := m.entryOrder
	m.entryOrder = nil
	m.mu.Unlock()

	m.log.Error("slot stopped", zap.String("instrument", m.cfg.Instrument), zap.String("reason", reason))
	if entry != nil {
		if err := m.submitter.CancelOrder(ctx, entry.ID); err != nil {
			m.log.Warn("failed to cancel entry order on stop", zap.String("order_id", entry.ID), zap.Error(err))
		}
	}
	m.emit(Event{Type: EventStopped})
	if m.stopHook != nil {
		m.stopHook(ctx, reason)
	}
}

// TryOpenEntry submits a new entry order if every gate passes: slot
// capacity, cooldown ladder, pause flags and grid-step spacing.
func (m *Manager) TryOpenEntry(ctx context.Context, book exchange.BestBidAsk) error {
	m.mu.Lock()
	if m.state != StateIdle || m.pricePaused || m.opsPaused {
		m.mu.Unlock()
		return nil
	}
	if len(m.activeCloses) >= m.cfg.MaxOrders {
		m.mu.Unlock()
		return nil
	}
	if wait := m.cooldownRemainingLocked(time.Now()); wait > 0 {
		m.mu.Unlock()
		return nil
	}
	if !m.gridStepAllowsEntryLocked(book) {
		m.mu.Unlock()
		m.metrics.EntriesDeferred.Inc()
		return nil
	}
	m.state = nextState(m.state, eventEntryPlaced)
	m.mu.Unlock()

	price := m.entryPrice(book)
	req := exchange.OrderRequest{
		Instrument:    m.cfg.Instrument,
		Side:          m.cfg.Direction,
		Role:          exchange.RoleEntry,
		Quantity:      m.cfg.Quantity,
		Price:         price,
		ClientOrderID: "entry-" + uuid.NewString(),
	}
	order, err := m.submitter.PlaceOrder(ctx, req)
	if err != nil {
		m.metrics.OrdersFailed.Inc()
		m.mu.Lock()
		m.state = nextState(m.state, eventEntryCancelled)
		m.mu.Unlock()
		return fmt.Errorf("place entry: %w", err)
	}
	m.metrics.OrdersPlaced.Inc()
	order.Role = exchange.RoleEntry
	m.mu.Lock()
	m.entryOrder = &order
	m.lastEntryAt = time.Now()
	m.mu.Unlock()
	m.log.Info("entry order placed",
		zap.String("instrument", m.cfg.Instrument),
		zap.String("order_id", order.ID),
		zap.String("side", string(m.cfg.Direction)),
		zap.String("price", price.String()),
		zap.String("quantity", m.cfg.Quantity.String()))
	return nil
}

// HandleUpdate consumes one push notification from the venue.
func (m *Manager) HandleUpdate(ctx context.Context, upd exchange.OrderUpdate) {
	if upd.Instrument != m.cfg.Instrument {
		return
	}
	switch upd.Role {
	case exchange.RoleEntry:
		m.handleEntryUpdate(ctx, upd)
	case exchange.RoleTakeProfit:
		m.handleCloseUpdate(upd)
	}
}

func (m *Manager) handleEntryUpdate(ctx context.Context, upd exchange.OrderUpdate) {
	m.mu.Lock()
	if m.entryOrder == nil || m.entryOrder.ID != upd.OrderID {
		m.mu.Unlock()
		return
	}
	switch upd.Status {
	case exchange.StatusFilled:
		entry := *m.entryOrder
		entry.Status = exchange.StatusFilled
		entry.Price = upd.FillPrice
		m.entryOrder = nil
		m.state = nextState(m.state, eventEntryFilled)
		m.mu.Unlock()
		m.onEntryFilled(ctx, entry, upd.FillPrice, upd.FillQuantity)
	case exchange.StatusCancelled:
		entry := *m.entryOrder
		m.entryOrder = nil
		m.state = nextState(m.state, eventEntryCancelled)
		filled := upd.FillQuantity
		m.mu.Unlock()
		if filled.IsPositive() {
			// Partially filled before the cancel: the filled part still
			// needs its take-profit order.
			m.mu.Lock()
			m.state = nextState(m.state, eventEntryPlaced)
			m.state = nextState(m.state, eventEntryFilled)
			m.mu.Unlock()
			m.onEntryFilled(ctx, entry, entry.Price, filled)
			return
		}
		m.log.Info("entry order cancelled", zap.String("order_id", entry.ID))
	case exchange.StatusRejected:
		entry := *m.entryOrder
		m.entryOrder = nil
		m.state = nextState(m.state, eventEntryCancelled)
		m.mu.Unlock()
		m.metrics.OrdersFailed.Inc()
		m.log.Warn("entry order rejected", zap.String("order_id", entry.ID))
	default:
		m.mu.Unlock()
	}
}

// onEntryFilled computes the take-profit price, applies grid spacing and
// submits the close order. A failed submission defers the close to the
// next tick rather than dropping it.
func (m *Manager) onEntryFilled(ctx context.Context, entry exchange.Order, fillPrice, fillQty decimal.Decimal) {
	entry.Price = fillPrice
	entry.Quantity = fillQty
	m.log.Info("entry filled",
		zap.String("instrument", m.cfg.Instrument),
		zap.String("order_id", entry.ID),
		zap.String("fill_price", fillPrice.String()),
		zap.String("quantity", fillQty.String()))
	m.emit(Event{Type: EventEntryFilled, Order: entry})
	if err := m.placeClose(ctx, closeIntent{fillPrice: fillPrice, quantity: fillQty, entry: entry}); err != nil {
		m.log.Error("close order deferred", zap.Error(err))
		m.mu.Lock()
		m.pendingCloses = append(m.pendingCloses, closeIntent{fillPrice: fillPrice, quantity: fillQty, entry: entry})
		m.mu.Unlock()
	}
}

func (m *Manager) placeClose(ctx context.Context, intent closeIntent) error {
	price := m.cfg.TakeProfitPrice(intent.fillPrice)
	price = m.adjustCloseForGrid(price)
	req := exchange.OrderRequest{
		Instrument:    m.cfg.Instrument,
		Side:          m.cfg.CloseSide(),
		Role:          exchange.RoleTakeProfit,
		Quantity:      intent.quantity,
		Price:         price,
		ReduceOnly:    true,
		ClientOrderID: "close-" + uuid.NewString(),
	}
	order, err := m.submitter.PlaceOrder(ctx, req)
	if err != nil {
		m.metrics.OrdersFailed.Inc()
		return fmt.Errorf("place close: %w", err)
	}
	m.metrics.OrdersPlaced.Inc()
	order.Role = exchange.RoleTakeProfit
	order.Side = m.cfg.CloseSide()
	order.Price = price
	order.Quantity = intent.quantity
	m.mu.Lock()
	m.state = nextState(m.state, eventClosePlaced)
	m.activeCloses[order.ID] = order
	m.closeEntries[order.ID] = intent.entry
	m.state = nextState(m.state, eventCloseResting)
	m.mu.Unlock()
	m.log.Info("take-profit order placed",
		zap.String("instrument", m.cfg.Instrument),
		zap.String("order_id", order.ID),
		zap.String("price", price.String()),
		zap.String("quantity", intent.quantity.String()))
	return nil
}

func (m *Manager) retryPendingCloses(ctx context.Context) {
	m.mu.Lock()
	pending := m.pendingCloses
	m.pendingCloses = nil
	m.mu.Unlock()
	for _, intent := range pending {
		if err := m.placeClose(ctx, intent); err != nil {
			m.log.Error("close order still deferred", zap.Error(err))
			m.mu.Lock()
			m.pendingCloses = append(m.pendingCloses, intent)
			m.mu.Unlock()
		}
	}
}

func (m *Manager) handleCloseUpdate(upd exchange.OrderUpdate) {
	m.mu.Lock()
	order, known := m.activeCloses[upd.OrderID]
	if !known {
		m.mu.Unlock()
		return
	}
	switch upd.Status {
	case exchange.StatusFilled:
		entry := m.closeEntries[upd.OrderID]
		delete(m.activeCloses, upd.OrderID)
		delete(m.closeEntries, upd.OrderID)
		if len(m.activeCloses) < m.lastCloseCount {
			m.lastCloseCount = len(m.activeCloses)
		}
		order.Status = exchange.StatusFilled
		order.Price = upd.FillPrice
		m.state = nextState(m.state, eventCloseFilled)
		m.state = nextState(m.state, eventSlotReleased)
		m.mu.Unlock()
		m.log.Info("take-profit filled",
			zap.String("instrument", m.cfg.Instrument),
			zap.String("order_id", order.ID),
			zap.String("fill_price", upd.FillPrice.String()))
		m.emit(Event{Type: EventTakeProfitFilled, Order: order, Entry: entry})
	case exchange.StatusCancelled, exchange.StatusRejected:
		delete(m.activeCloses, upd.OrderID)
		delete(m.closeEntries, upd.OrderID)
		m.mu.Unlock()
		m.log.Warn("take-profit order terminated without fill",
			zap.String("order_id", order.ID),
			zap.String("status", string(upd.Status)))
	default:
		m.mu.Unlock()
	}
}

// cooldownRemainingLocked implements the adaptive ladder: the busier the
// close book, the longer the wait between entries. A shrinking close
// count (a take-profit just filled) waives the cooldown once.
func (m *Manager) cooldownRemainingLocked(now time.Time) time.Duration {
	n := len(m.activeCloses)
	if n < m.lastCloseCount {
		m.lastCloseCount = n
		return 0
	}
	m.lastCloseCount = n

	ratio := float64(n) / float64(m.cfg.MaxOrders)
	var cool time.Duration
	switch {
	case ratio >= 2.0/3.0:
		cool = 2 * m.cfg.WaitTime
	case ratio >= 1.0/3.0:
		cool = m.cfg.WaitTime
	case ratio >= 1.0/6.0:
		cool = m.cfg.WaitTime / 2
	default:
		cool = m.cfg.WaitTime / 4
	}
	if m.lastEntryAt.IsZero() {
		return 0
	}
	elapsed := now.Sub(m.lastEntryAt)
	if elapsed >= cool {
		return 0
	}
	return cool - elapsed
}

// gridStepAllowsEntryLocked is the pre-entry gate: the close price a fill
// at the current book would produce must clear the nearest resting close
// by at least grid-step percent.
func (m *Manager) gridStepAllowsEntryLocked(book exchange.BestBidAsk) bool {
	if m.cfg.GridStepPct.Sign() <= 0 || len(m.activeCloses) == 0 {
		return true
	}
	one := decimal.NewFromInt(1)
	minRatio := one.Add(m.cfg.GridStepPct.Div(decimal.NewFromInt(100)))
	if m.cfg.Direction == exchange.SideBuy {
		nearest := m.nearestCloseLocked(true)
		candidate := m.cfg.TakeProfitPrice(book.Ask)
		return nearest.Div(candidate).GreaterThan(minRatio)
	}
	nearest := m.nearestCloseLocked(false)
	candidate := m.cfg.TakeProfitPrice(book.Bid)
	return candidate.Div(nearest).GreaterThan(minRatio)
}

// adjustCloseForGrid shifts a post-fill close price away from the
// resting cluster until it clears every active close by grid-step
// percent. The shift always moves past the cluster on the profitable
// side, so an adjusted close is never worse than its own take-profit
// price. Grid-step <= 0 leaves the price untouched.
func (m *Manager) adjustCloseForGrid(price decimal.Decimal) decimal.Decimal {
	if m.cfg.GridStepPct.Sign() <= 0 {
		return price
	}
	m.mu.Lock()
	prices := make([]decimal.Decimal, 0, len(m.activeCloses))
	for _, o := range m.activeCloses {
		prices = append(prices, o.Price)
	}
	m.mu.Unlock()
	if len(prices) == 0 {
		return price
	}
	one := decimal.NewFromInt(1)
	step := one.Add(m.cfg.GridStepPct.Div(decimal.NewFromInt(100)))
	sort.Slice(prices, func(i, j int) bool { return prices[i].LessThan(prices[j]) })
	// A long sells to close, so more profit is upward; a short buys
	// back, so more profit is downward.
	outwardUp := m.cfg.CloseSide() == exchange.SideSell
	adjusted := price
	for range prices {
		conflict, ok := nearestConflict(adjusted, prices, step)
		if !ok {
			break
		}
		if outwardUp {
			adjusted = conflict.Mul(step)
		} else {
			adjusted = conflict.Div(step)
		}
	}
	return adjusted
}

func nearestConflict(price decimal.Decimal, sorted []decimal.Decimal, step decimal.Decimal) (decimal.Decimal, bool) {
	for _, p := range sorted {
		hi, lo := p, price
		if hi.LessThan(lo) {
			hi, lo = lo, hi
		}
		if lo.IsZero() {
			continue
		}
		if hi.Div(lo).LessThan(step) {
			return p, true
		}
	}
	return decimal.Decimal{}, false
}

func (m *Manager) nearestCloseLocked(min bool) decimal.Decimal {
	var best decimal.Decimal
	first := true
	for _, o := range m.activeCloses {
		if first {
			best = o.Price
			first = false
			continue
		}
		if min && o.Price.LessThan(best) {
			best = o.Price
		}
		if !min && o.Price.GreaterThan(best) {
			best = o.Price
		}
	}
	return best
}

func (m *Manager) entryPrice(book exchange.BestBidAsk) decimal.Decimal {
	offset := m.cfg.EntryOffsetBps.Div(decimal.NewFromInt(10000))
	one := decimal.NewFromInt(1)
	if m.cfg.Direction == exchange.SideBuy {
		return book.Bid.Mul(one.Sub(offset))
	}
	return book.Ask.Mul(one.Add(offset))
}

func (m *Manager) emit(event Event) {
	select {
	case m.events <- event:
	default:
		m.metrics.EventsDropped.Inc()
		m.log.Error("event buffer full, dropping event", zap.String("type", string(event.Type)))
	}
}
