package metrics

type Counter interface {
	Inc()
}

type Gauge interface {
	Set(value float64)
}

type Metrics struct {
	OrdersPlaced          Counter
	OrdersFailed          Counter
	EntriesDeferred       Counter
	EventsDropped         Counter
	HedgesOpened          Counter
	HedgesClosed          Counter
	HedgeRetriesExhausted Counter
	CacheFallbacks        Counter
	StaleCacheFallbacks   Counter
	StopLossAttempts      Counter
	StopLossFailures      Counter
	DrawdownTier          Gauge
	DrawdownPct           Gauge
}

type noopCounter struct{}

func (noopCounter) Inc() {}

type noopGauge struct{}

func (noopGauge) Set(float64) {}

func NewNoop() *Metrics {
	n := noopCounter{}
	g := noopGauge{}
	return &Metrics{
		OrdersPlaced:          n,
		OrdersFailed:          n,
		EntriesDeferred:       n,
		EventsDropped:         n,
		HedgesOpened:          n,
		HedgesClosed:          n,
		HedgeRetriesExhausted: n,
		CacheFallbacks:        n,
		StaleCacheFallbacks:   n,
		StopLossAttempts:      n,
		StopLossFailures:      n,
		DrawdownTier:          g,
		DrawdownPct:           g,
	}
}
