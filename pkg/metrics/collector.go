package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hsdfat/diam-engine/pkg/connection"
	"github.com/hsdfat/diam-engine/pkg/message"
	"github.com/hsdfat/diam-engine/pkg/peer"
	"github.com/hsdfat/diam-engine/pkg/router"
)

// Collector exports engine metrics on its own registry. It observes the
// router, taps the transport and follows peer state changes.
type Collector struct {
	registry *prometheus.Registry

	// In and Out count messages by command code.
	In  *MessageTypeMetrics
	Out *MessageTypeMetrics

	messages    *prometheus.CounterVec
	bytes       *prometheus.CounterVec
	requests    *prometheus.CounterVec
	duration    *prometheus.HistogramVec
	peers       *prometheus.GaugeVec
	transitions *prometheus.CounterVec
}

// New creates a collector whose metric names start with namespace.
func New(namespace string) *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		In:       NewMessageTypeMetrics(),
		Out:      NewMessageTypeMetrics(),
		messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_total",
			Help:      "Diameter application messages by direction, command and kind.",
		}, []string{"direction", "command", "kind"}),
		bytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transport_bytes_total",
			Help:      "Bytes framed on peer connections by direction.",
		}, []string{"direction"}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handled_requests_total",
			Help:      "Requests served by handlers by command and result code.",
		}, []string{"interface", "command", "result_code"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "handler_duration_seconds",
			Help:      "Time spent in request handlers.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14),
		}, []string{"interface", "command"}),
		peers: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "peers",
			Help:      "Peer connections by state.",
		}, []string{"state"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "peer_transitions_total",
			Help:      "Peer state transitions.",
		}, []string{"from", "to"}),
	}
	c.registry.MustRegister(
		c.messages, c.bytes, c.requests, c.duration, c.peers, c.transitions,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return c
}

// Registry returns the registry holding every engine metric.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the registry in the Prometheus text format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// Inbound counts a message received by the router.
func (c *Collector) Inbound(p *peer.Peer, m *message.Message) {
	c.In.Increment(m.CommandCode)
	c.messages.WithLabelValues("in", message.CommandName(m.CommandCode), kind(m)).Inc()
}

// Outbound counts a message sent by the router.
func (c *Collector) Outbound(p *peer.Peer, m *message.Message) {
	c.Out.Increment(m.CommandCode)
	c.messages.WithLabelValues("out", message.CommandName(m.CommandCode), kind(m)).Inc()
}

// ObserveRequest records a handled request.
func (c *Collector) ObserveRequest(cmd router.Command, code message.ResultCode, d time.Duration) {
	app := strconv.FormatUint(uint64(cmd.Interface), 10)
	name := message.CommandName(cmd.Code)
	c.requests.WithLabelValues(app, name, strconv.FormatUint(uint64(code), 10)).Inc()
	c.duration.WithLabelValues(app, name).Observe(d.Seconds())
}

// Frame counts the bytes of a framed message.
func (c *Collector) Frame(f connection.Frame) {
	c.bytes.WithLabelValues(f.Direction.String()).Add(float64(len(f.Data)))
}

// PeerStateChanged follows a peer transition. Closed peers are not counted.
func (c *Collector) PeerStateChanged(p *peer.Peer, from, to peer.State) {
	if from != peer.Closed {
		c.peers.WithLabelValues(from.String()).Dec()
	}
	if to != peer.Closed {
		c.peers.WithLabelValues(to.String()).Inc()
	}
	c.transitions.WithLabelValues(from.String(), to.String()).Inc()
}

// WatchRouter exports router counters read from stats at scrape time.
func (c *Collector) WatchRouter(namespace string, stats func() router.Stats) {
	counter := func(name, help string, get func(router.Stats) uint64) prometheus.Collector {
		return prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "router",
			Name:      name,
			Help:      help,
		}, func() float64 { return float64(get(stats())) })
	}
	c.registry.MustRegister(
		counter("unmatched_answers_total", "Answers without a pending request.",
			func(s router.Stats) uint64 { return s.Unmatched }),
		counter("undeliverable_total", "Requests without a registered handler.",
			func(s router.Stats) uint64 { return s.Undeliverable }),
		counter("duplicates_total", "Duplicate requests detected.",
			func(s router.Stats) uint64 { return s.Duplicates }),
		counter("timeouts_total", "Outgoing requests that timed out.",
			func(s router.Stats) uint64 { return s.Timeouts }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "router",
			Name:      "pending_requests",
			Help:      "Outgoing requests waiting for an answer.",
		}, func() float64 { return float64(stats().PendingEntries) }),
	)
}

func kind(m *message.Message) string {
	if m.IsRequest() {
		return "request"
	}
	return "answer"
}
