package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	// OutcomeCompleted: заказ успешно рассчитан.
	OutcomeCompleted = "completed"
	// OutcomeFailed: расчёт прерван ошибкой.
	OutcomeFailed = "failed"

	// PriceSourceRequest: цена передана клиентом в позиции.
	PriceSourceRequest = "request"
	// PriceSourceCatalog: цена получена из каталога.
	PriceSourceCatalog = "catalog"
)

// SettlementMetrics содержит метрики расчёта заказов.
type SettlementMetrics struct {
	// Счётчики расчётов
	orders   *prometheus.CounterVec
	failures *prometheus.CounterVec
	prices   *prometheus.CounterVec

	// Гистограммы
	duration    prometheus.Histogram
	orderAmount prometheus.Histogram

	inFlight prometheus.Gauge
}

// NewSettlementMetrics создаёт метрики в стандартном реестре Prometheus.
func NewSettlementMetrics() *SettlementMetrics {
	return NewSettlementMetricsWithRegisterer(prometheus.DefaultRegisterer)
}

// NewSettlementMetricsWithRegisterer создаёт метрики в переданном реестре (удобно для тестов).
func NewSettlementMetricsWithRegisterer(registerer prometheus.Registerer) *SettlementMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	return &SettlementMetrics{
		orders: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "settlement_orders_total",
			Help: "Total number of order settlements by outcome",
		}, []string{"outcome"}),
		failures: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "settlement_failures_total",
			Help: "Total number of failed order settlements by reason",
		}, []string{"reason"}),
		prices: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "settlement_price_resolutions_total",
			Help: "Total number of line item prices resolved by source",
		}, []string{"source"}),
		duration: registerHistogram(registerer, prometheus.HistogramOpts{
			Name:    "settlement_duration_seconds",
			Help:    "Duration of order settlement in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0},
		}),
		orderAmount: registerHistogram(registerer, prometheus.HistogramOpts{
			Name:    "settlement_order_total_amount",
			Help:    "Distribution of settled order totals",
			Buckets: []float64{10, 50, 100, 250, 500, 1000, 2500, 5000, 10000},
		}),
		inFlight: registerGauge(registerer, prometheus.GaugeOpts{
			Name: "settlement_in_flight",
			Help: "Number of settlements currently being computed",
		}),
	}
}

func registerCounterVec(registerer prometheus.Registerer, opts prometheus.CounterOpts, labels []string) *prometheus.CounterVec {
	collector := prometheus.NewCounterVec(opts, labels)
	if err := registerer.Register(collector); err != nil {
		if alreadyRegistered, ok := err.(prometheus.AlreadyRegisteredError); ok {
			existing, ok := alreadyRegistered.ExistingCollector.(*prometheus.CounterVec)
			if !ok {
				panic(fmt.Sprintf("collector %q already registered with unexpected type", opts.Name))
			}
			return existing
		}
		panic(fmt.Sprintf("register counter vec %q: %v", opts.Name, err))
	}
	return collector
}

func registerGauge(registerer prometheus.Registerer, opts prometheus.GaugeOpts) prometheus.Gauge {
	collector := prometheus.NewGauge(opts)
	if err := registerer.Register(collector); err != nil {
		if alreadyRegistered, ok := err.(prometheus.AlreadyRegisteredError); ok {
			existing, ok := alreadyRegistered.ExistingCollector.(prometheus.Gauge)
			if !ok {
				panic(fmt.Sprintf("collector %q already registered with unexpected type", opts.Name))
			}
			return existing
		}
		panic(fmt.Sprintf("register gauge %q: %v", opts.Name, err))
	}
	return collector
}

func registerHistogram(registerer prometheus.Registerer, opts prometheus.HistogramOpts) prometheus.Histogram {
	collector := prometheus.NewHistogram(opts)
	if err := registerer.Register(collector); err != nil {
		if alreadyRegistered, ok := err.(prometheus.AlreadyRegisteredError); ok {
			existing, ok := alreadyRegistered.ExistingCollector.(prometheus.Histogram)
			if !ok {
				panic(fmt.Sprintf("collector %q already registered with unexpected type", opts.Name))
			}
			return existing
		}
		panic(fmt.Sprintf("register histogram %q: %v", opts.Name, err))
	}
	return collector
}

// RecordStarted увеличивает количество расчётов в работе.
func (m *SettlementMetrics) RecordStarted() {
	m.inFlight.Inc()
}

// RecordCompleted фиксирует успешный расчёт, его длительность и итоговую сумму.
func (m *SettlementMetrics) RecordCompleted(duration time.Duration, total float64) {
	m.inFlight.Dec()
	m.orders.WithLabelValues(OutcomeCompleted).Inc()
	m.duration.Observe(duration.Seconds())
	m.orderAmount.Observe(total)
}

// RecordFailed фиксирует прерванный расчёт с причиной.
func (m *SettlementMetrics) RecordFailed(duration time.Duration, reason string) {
	m.inFlight.Dec()
	m.orders.WithLabelValues(OutcomeFailed).Inc()
	m.failures.WithLabelValues(reason).Inc()
	m.duration.Observe(duration.Seconds())
}

// RecordPriceResolved считает, откуда взята цена позиции.
func (m *SettlementMetrics) RecordPriceResolved(source string) {
	m.prices.WithLabelValues(source).Inc()
}
