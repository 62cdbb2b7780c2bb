package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestPrometheusCounters(t *testing.T) {
	prom := NewPrometheus()
	prom.Metrics.OrdersPlaced.Inc()
	prom.Metrics.OrdersFailed.Inc()
	prom.Metrics.EntriesDeferred.Inc()
	prom.Metrics.HedgesOpened.Inc()
	prom.Metrics.HedgesClosed.Inc()
	prom.Metrics.HedgeRetriesExhausted.Inc()
	prom.Metrics.CacheFallbacks.Inc()
	prom.Metrics.StaleCacheFallbacks.Inc()
	prom.Metrics.StopLossAttempts.Inc()
	prom.Metrics.StopLossFailures.Inc()

	assertValue(t, prom.ordersPlaced, 1)
	assertValue(t, prom.ordersFailed, 1)
	assertValue(t, prom.entriesDeferred, 1)
	assertValue(t, prom.hedgesOpened, 1)
	assertValue(t, prom.hedgesClosed, 1)
	assertValue(t, prom.hedgeExhausted, 1)
	assertValue(t, prom.cacheFallbacks, 1)
	assertValue(t, prom.staleFallbacks, 1)
	assertValue(t, prom.stopAttempts, 1)
	assertValue(t, prom.stopFailures, 1)
}

func TestPrometheusGauges(t *testing.T) {
	prom := NewPrometheus()
	prom.Metrics.DrawdownTier.Set(2)
	prom.Metrics.DrawdownPct.Set(7.5)
	assertValue(t, prom.drawdownTier, 2)
	assertValue(t, prom.drawdownPct, 7.5)
}

func assertValue(t *testing.T, collector prometheus.Collector, expected float64) {
	t.Helper()
	if got := testutil.ToFloat64(collector); got != expected {
		t.Fatalf("expected %v, got %v", expected, got)
	}
}
