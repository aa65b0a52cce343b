package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the instrumentation for the payment pipeline. A nil
// *Metrics is valid and records nothing, so wiring it is optional.
type Metrics struct {
	registry           *prometheus.Registry
	quotesTotal        *prometheus.CounterVec
	fundingTotal       *prometheus.CounterVec
	settlementsTotal   *prometheus.CounterVec
	pollTicksTotal     prometheus.Counter
	activePollSessions prometheus.Gauge
}

func New() *Metrics {
	quotes := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pesabridge_quotes_total",
		Help: "Quote requests by flow and outcome",
	}, []string{"flow", "status"})

	funding := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pesabridge_funding_transfers_total",
		Help: "On-chain treasury transfers by outcome",
	}, []string{"status"})

	settlements := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pesabridge_settlements_total",
		Help: "Settlement submissions by flow and outcome",
	}, []string{"flow", "status"})

	ticks := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pesabridge_poll_ticks_total",
		Help: "Status poll fetches issued",
	})

	sessions := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "pesabridge_active_poll_sessions",
		Help: "Poll sessions currently running",
	})

	r := prometheus.NewRegistry()
	r.MustRegister(quotes, funding, settlements, ticks, sessions)

	return &Metrics{
		registry:           r,
		quotesTotal:        quotes,
		fundingTotal:       funding,
		settlementsTotal:   settlements,
		pollTicksTotal:     ticks,
		activePollSessions: sessions,
	}
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) IncQuote(flow, status string) {
	if m == nil {
		return
	}
	m.quotesTotal.WithLabelValues(flow, status).Inc()
}

func (m *Metrics) IncFunding(status string) {
	if m == nil {
		return
	}
	m.fundingTotal.WithLabelValues(status).Inc()
}

func (m *Metrics) IncSettlement(flow, status string) {
	if m == nil {
		return
	}
	m.settlementsTotal.WithLabelValues(flow, status).Inc()
}

func (m *Metrics) IncPollTick() {
	if m == nil {
		return
	}
	m.pollTicksTotal.Inc()
}

func (m *Metrics) PollSessionStarted() {
	if m == nil {
		return
	}
	m.activePollSessions.Inc()
}

func (m *Metrics) PollSessionEnded() {
	if m == nil {
		return
	}
	m.activePollSessions.Dec()
}
