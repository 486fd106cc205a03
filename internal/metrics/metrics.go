package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics groups the collectors for ledger workflows and HTTP traffic.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	StockAdjustments    *prometheus.CounterVec
	StockFloorClamps    *prometheus.CounterVec
	Sales               *prometheus.CounterVec
	Transitions         *prometheus.CounterVec
	PointsEarned        prometheus.Counter
	HttpRequestsTotal   *prometheus.CounterVec
	HttpRequestDuration *prometheus.HistogramVec
}

func New() *Metrics {
	return &Metrics{
		StockAdjustments: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "posledger_stock_adjustments_total",
				Help: "Stock adjustments by reason and outcome",
			},
			[]string{"reason", "outcome"},
		),
		StockFloorClamps: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "posledger_stock_floor_clamps_total",
				Help: "Adjustments clamped at zero quantity",
			},
			[]string{"reason"},
		),
		Sales: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "posledger_sales_total",
				Help: "Sale requests by outcome",
			},
			[]string{"outcome"},
		),
		Transitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "posledger_state_transitions_total",
				Help: "Purchase order and opname transitions by target state and outcome",
			},
			[]string{"entity", "to", "outcome"},
		),
		PointsEarned: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "posledger_loyalty_points_earned_total",
				Help: "Loyalty points accrued from sales",
			},
		),
		HttpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		HttpRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Duration of HTTP requests",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"path"},
		),
	}
}

func (m *Metrics) Register(reg prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{
		m.StockAdjustments,
		m.StockFloorClamps,
		m.Sales,
		m.Transitions,
		m.PointsEarned,
		m.HttpRequestsTotal,
		m.HttpRequestDuration,
	} {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

func (m *Metrics) ObserveAdjustment(reason string, outcome string) {
	if m == nil {
		return
	}
	m.StockAdjustments.WithLabelValues(reason, outcome).Inc()
}

func (m *Metrics) ObserveClamp(reason string) {
	if m == nil {
		return
	}
	m.StockFloorClamps.WithLabelValues(reason).Inc()
}

func (m *Metrics) ObserveSale(outcome string) {
	if m == nil {
		return
	}
	m.Sales.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ObserveTransition(entity string, to string, outcome string) {
	if m == nil {
		return
	}
	m.Transitions.WithLabelValues(entity, to, outcome).Inc()
}

func (m *Metrics) AddPointsEarned(points int64) {
	if m == nil || points <= 0 {
		return
	}
	m.PointsEarned.Add(float64(points))
}

func (m *Metrics) ObserveHTTP(method string, path string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	if path == "" {
		path = "undefined"
	}
	m.HttpRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	m.HttpRequestDuration.WithLabelValues(path).Observe(duration.Seconds())
}
