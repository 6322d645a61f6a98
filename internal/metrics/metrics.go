package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	dto "github.com/prometheus/client_model/go"
)

// Event names recorded under aero_udp_fanout_relay_events_total{event=...}.
const (
	DatagramsIn              = "datagrams_in"
	DatagramsForwarded       = "datagrams_forwarded"
	DatagramsDroppedOversize = "datagrams_dropped_oversized"
	DatagramsDroppedLimited  = "datagrams_dropped_rate_limited"
	PeersDiscovered          = "peers_discovered"
	ForwardErrors            = "forward_errors"
	ReceiveErrors            = "receive_errors"

	WSConnections            = "ws_connections"
	WSDroppedBackpressure    = "ws_dropped_backpressure"
	WSDroppedOversized       = "ws_dropped_oversized"
	WSDroppedUnsupportedType = "ws_dropped_unsupported_type"
)

const namespace = "aero_udp_fanout_relay"

// Metrics is a concurrency-safe event counter registry backed by a private
// Prometheus registry, so independent relays (and tests) never share series.
type Metrics struct {
	reg    *prometheus.Registry
	events *prometheus.CounterVec
	peers  prometheus.Gauge
}

func New() *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Relay event counters.",
		}, []string{"event"}),
		peers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "peers",
			Help:      "Number of distinct peers discovered.",
		}),
	}
	m.reg.MustRegister(m.events, m.peers)
	return m
}

func (m *Metrics) Inc(name string) {
	m.events.WithLabelValues(name).Inc()
}

func (m *Metrics) Add(name string, delta uint64) {
	m.events.WithLabelValues(name).Add(float64(delta))
}

func (m *Metrics) Get(name string) uint64 {
	var out dto.Metric
	if err := m.events.WithLabelValues(name).Write(&out); err != nil {
		return 0
	}
	return uint64(out.GetCounter().GetValue())
}

func (m *Metrics) SetPeers(n int) {
	m.peers.Set(float64(n))
}

// Registry exposes the underlying registry for additional collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.reg
}

// Handler exposes the registry in Prometheus' text exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}
