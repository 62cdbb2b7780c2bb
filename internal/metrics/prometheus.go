package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const promNamespace = "perp_hedge_bot"

type promCounter struct {
	counter prometheus.Counter
}

func (p promCounter) Inc() {
	p.counter.Inc()
}

type promGauge struct {
	gauge prometheus.Gauge
}

func (p promGauge) Set(value float64) {
	p.gauge.Set(value)
}

type Prometheus struct {
	Metrics *Metrics

	registry        *prometheus.Registry
	ordersPlaced    prometheus.Counter
	ordersFailed    prometheus.Counter
	entriesDeferred prometheus.Counter
	eventsDropped   prometheus.Counter
	hedgesOpened    prometheus.Counter
	hedgesClosed    prometheus.Counter
	hedgeExhausted  prometheus.Counter
	cacheFallbacks  prometheus.Counter
	staleFallbacks  prometheus.Counter
	stopAttempts    prometheus.Counter
	stopFailures    prometheus.Counter
	drawdownTier    prometheus.Gauge
	drawdownPct     prometheus.Gauge
}

func NewPrometheus() *Prometheus {
	registry := prometheus.NewRegistry()
	counter := func(name, help string) prometheus.Counter {
		return prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: promNamespace,
			Name:      name,
			Help:      help,
		})
	}
	ordersPlaced := counter("orders_placed_total", "Total number of orders placed.")
	ordersFailed := counter("orders_failed_total", "Total number of order placement failures.")
	entriesDeferred := counter("entries_deferred_total", "Total number of entries deferred by the grid-step gate.")
	eventsDropped := counter("events_dropped_total", "Total number of slot events dropped on a full buffer.")
	hedgesOpened := counter("hedges_opened_total", "Total number of hedge positions opened.")
	hedgesClosed := counter("hedges_closed_total", "Total number of hedge positions closed.")
	hedgeExhausted := counter("hedge_retries_exhausted_total", "Total number of hedge actions that exhausted their retries.")
	cacheFallbacks := counter("networth_cache_fallbacks_total", "Total number of monitor cycles served from the sample cache.")
	staleFallbacks := counter("networth_stale_fallbacks_total", "Total number of monitor cycles served from a stale cache.")
	stopAttempts := counter("stop_loss_attempts_total", "Total number of stop-loss close attempts.")
	stopFailures := counter("stop_loss_failures_total", "Total number of stop-loss runs that exhausted retries.")
	drawdownTier := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: promNamespace,
		Name:      "drawdown_tier",
		Help:      "Active drawdown tier (0 none, 1 light, 2 medium, 3 severe).",
	})
	drawdownPct := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: promNamespace,
		Name:      "drawdown_percent",
		Help:      "Current drawdown from the session peak, in percent.",
	})

	registry.MustRegister(ordersPlaced, ordersFailed, entriesDeferred, eventsDropped,
		hedgesOpened, hedgesClosed, hedgeExhausted, cacheFallbacks, staleFallbacks,
		stopAttempts, stopFailures, drawdownTier, drawdownPct)

	m := &Metrics{
		OrdersPlaced:          promCounter{ordersPlaced},
		OrdersFailed:          promCounter{ordersFailed},
		EntriesDeferred:       promCounter{entriesDeferred},
		EventsDropped:         promCounter{eventsDropped},
		HedgesOpened:          promCounter{hedgesOpened},
		HedgesClosed:          promCounter{hedgesClosed},
		HedgeRetriesExhausted: promCounter{hedgeExhausted},
		CacheFallbacks:        promCounter{cacheFallbacks},
		StaleCacheFallbacks:   promCounter{staleFallbacks},
		StopLossAttempts:      promCounter{stopAttempts},
		StopLossFailures:      promCounter{stopFailures},
		DrawdownTier:          promGauge{drawdownTier},
		DrawdownPct:           promGauge{drawdownPct},
	}

	return &Prometheus{
		Metrics:         m,
		registry:        registry,
		ordersPlaced:    ordersPlaced,
		ordersFailed:    ordersFailed,
		entriesDeferred: entriesDeferred,
		eventsDropped:   eventsDropped,
		hedgesOpened:    hedgesOpened,
		hedgesClosed:    hedgesClosed,
		hedgeExhausted:  hedgeExhausted,
		cacheFallbacks:  cacheFallbacks,
		staleFallbacks:  staleFallbacks,
		stopAttempts:    stopAttempts,
		stopFailures:    stopFailures,
		drawdownTier:    drawdownTier,
		drawdownPct:     drawdownPct,
	}
}

func (p *Prometheus) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}
