package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry holds the client's collectors. A nil *Registry is valid and
// records nothing.
type Registry struct {
	registry        *prometheus.Registry
	transactions    *prometheus.CounterVec
	balancePolls    *prometheus.CounterVec
	sessionStatus   *prometheus.GaugeVec
	transitions     *prometheus.CounterVec
	networkErrors   prometheus.Counter
	replayedRequest *prometheus.CounterVec
}

var sessionStatuses = []string{"no_wallet", "disconnected", "connecting", "connected", "network_mismatch"}

func New() *Registry {
	txs := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "depositdapp_transactions_total",
		Help: "Settled transactions by kind and terminal status",
	}, []string{"kind", "status"})

	polls := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "depositdapp_balance_polls_total",
		Help: "Balance poll attempts by result",
	}, []string{"result"})

	status := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "depositdapp_session_status",
		Help: "1 for the current wallet session status, 0 otherwise",
	}, []string{"status"})

	transitions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "depositdapp_session_transitions_total",
		Help: "Wallet session transitions by target status",
	}, []string{"status"})

	netErrs := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "depositdapp_network_errors_total",
		Help: "Failed attempts to move the wallet onto the required chain",
	})

	replayed := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "depositdapp_replayed_requests_total",
		Help: "Mint/deposit requests answered from the replay store",
	}, []string{"kind"})

	r := prometheus.NewRegistry()
	r.MustRegister(txs, polls, status, transitions, netErrs, replayed)

	return &Registry{
		registry:        r,
		transactions:    txs,
		balancePolls:    polls,
		sessionStatus:   status,
		transitions:     transitions,
		networkErrors:   netErrs,
		replayedRequest: replayed,
	}
}

func (m *Registry) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Registry) ObserveTransaction(kind, status string) {
	if m == nil {
		return
	}
	m.transactions.WithLabelValues(kind, status).Inc()
}

func (m *Registry) ObservePoll(result string) {
	if m == nil {
		return
	}
	m.balancePolls.WithLabelValues(result).Inc()
}

func (m *Registry) SetSessionStatus(status string) {
	if m == nil {
		return
	}
	for _, s := range sessionStatuses {
		v := 0.0
		if s == status {
			v = 1
		}
		m.sessionStatus.WithLabelValues(s).Set(v)
	}
	m.transitions.WithLabelValues(status).Inc()
}

func (m *Registry) IncNetworkError() {
	if m == nil {
		return
	}
	m.networkErrors.Inc()
}

func (m *Registry) IncReplay(kind string) {
	if m == nil {
		return
	}
	m.replayedRequest.WithLabelValues(kind).Inc()
}
