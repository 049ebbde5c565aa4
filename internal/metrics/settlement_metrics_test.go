package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNewSettlementMetrics(t *testing.T) {
	metrics := NewSettlementMetricsWithRegisterer(prometheus.NewRegistry())

	if metrics == nil {
		t.Fatal("NewSettlementMetricsWithRegisterer should not return nil")
	}
	if metrics.orders == nil {
		t.Error("orders counter should not be nil")
	}
	if metrics.failures == nil {
		t.Error("failures counter should not be nil")
	}
	if metrics.prices == nil {
		t.Error("prices counter should not be nil")
	}
	if metrics.duration == nil {
		t.Error("duration histogram should not be nil")
	}
	if metrics.orderAmount == nil {
		t.Error("orderAmount histogram should not be nil")
	}
	if metrics.inFlight == nil {
		t.Error("inFlight gauge should not be nil")
	}
}

func TestNewSettlementMetrics_ReusesRegisteredCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()

	first := NewSettlementMetricsWithRegisterer(reg)
	second := NewSettlementMetricsWithRegisterer(reg)

	first.RecordPriceResolved(PriceSourceCatalog)
	second.RecordPriceResolved(PriceSourceCatalog)

	if got := testutil.ToFloat64(first.prices.WithLabelValues(PriceSourceCatalog)); got != 2 {
		t.Fatalf("expected shared counter value 2, got %f", got)
	}
}

func TestRecordCompleted(t *testing.T) {
	metrics := NewSettlementMetricsWithRegisterer(prometheus.NewRegistry())

	metrics.RecordStarted()
	if got := testutil.ToFloat64(metrics.inFlight); got != 1 {
		t.Fatalf("expected in-flight 1, got %f", got)
	}

	metrics.RecordCompleted(15*time.Millisecond, 220)

	if got := testutil.ToFloat64(metrics.inFlight); got != 0 {
		t.Errorf("expected in-flight 0, got %f", got)
	}
	if got := testutil.ToFloat64(metrics.orders.WithLabelValues(OutcomeCompleted)); got != 1 {
		t.Errorf("expected completed 1, got %f", got)
	}
	if got := testutil.CollectAndCount(metrics.orderAmount); got != 1 {
		t.Errorf("expected order amount histogram to be collected, got %d", got)
	}
}

func TestRecordFailed(t *testing.T) {
	metrics := NewSettlementMetricsWithRegisterer(prometheus.NewRegistry())

	metrics.RecordStarted()
	metrics.RecordFailed(time.Millisecond, "product_not_found")
	metrics.RecordStarted()
	metrics.RecordFailed(time.Millisecond, "product_not_found")

	if got := testutil.ToFloat64(metrics.orders.WithLabelValues(OutcomeFailed)); got != 2 {
		t.Errorf("expected failed 2, got %f", got)
	}
	if got := testutil.ToFloat64(metrics.failures.WithLabelValues("product_not_found")); got != 2 {
		t.Errorf("expected product_not_found 2, got %f", got)
	}
	if got := testutil.ToFloat64(metrics.inFlight); got != 0 {
		t.Errorf("expected in-flight 0, got %f", got)
	}
}

func TestRecordPriceResolved(t *testing.T) {
	metrics := NewSettlementMetricsWithRegisterer(prometheus.NewRegistry())

	metrics.RecordPriceResolved(PriceSourceRequest)
	metrics.RecordPriceResolved(PriceSourceCatalog)
	metrics.RecordPriceResolved(PriceSourceCatalog)

	if got := testutil.ToFloat64(metrics.prices.WithLabelValues(PriceSourceRequest)); got != 1 {
		t.Errorf("expected request 1, got %f", got)
	}
	if got := testutil.ToFloat64(metrics.prices.WithLabelValues(PriceSourceCatalog)); got != 2 {
		t.Errorf("expected catalog 2, got %f", got)
	}
}
