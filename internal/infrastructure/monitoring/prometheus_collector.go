package monitoring

import (
	"net/http"

	"castroom/internal/core/domain"
	"castroom/internal/core/ports"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PrometheusCollector implements ports.Metrics, the media observer of the
// WebRTC negotiator and the relay counters on a private registry.
type PrometheusCollector struct {
	registry *prometheus.Registry

	roomsCreated   prometheus.Counter
	roomsActive    prometheus.Gauge
	roomJoins      *prometheus.CounterVec
	chatMessages   *prometheus.CounterVec
	capturesActive prometheus.Gauge

	linkTransitions     *prometheus.CounterVec
	negotiationAttempts *prometheus.CounterVec

	rtpBytes    *prometheus.CounterVec
	rtpPackets  *prometheus.CounterVec
	rtcpPackets *prometheus.CounterVec

	relayConnections prometheus.Gauge
	signalsRouted    *prometheus.CounterVec
	signalsDropped   *prometheus.CounterVec
}

var _ ports.Metrics = (*PrometheusCollector)(nil)

func NewPrometheusCollector() *PrometheusCollector {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &PrometheusCollector{
		registry: reg,

		roomsCreated: factory.NewCounter(prometheus.CounterOpts{
			Name: "castroom_rooms_created_total",
			Help: "Total number of rooms created",
		}),

		roomsActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "castroom_rooms_active",
			Help: "Rooms created and not yet ended by this process",
		}),

		roomJoins: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "castroom_room_joins_total",
			Help: "Join attempts by result",
		}, []string{"result"}),

		chatMessages: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "castroom_chat_messages_total",
			Help: "Chat messages posted by kind",
		}, []string{"kind"}),

		capturesActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "castroom_captures_active",
			Help: "Screen captures currently running",
		}),

		linkTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "castroom_link_transitions_total",
			Help: "Peer link state transitions",
		}, []string{"from", "to"}),

		negotiationAttempts: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "castroom_negotiation_attempts_total",
			Help: "WebRTC negotiation attempts by result",
		}, []string{"result"}),

		rtpBytes: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "castroom_rtp_received_bytes_total",
			Help: "RTP payload bytes received by viewers",
		}, []string{"kind"}),

		rtpPackets: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "castroom_rtp_received_packets_total",
			Help: "RTP packets received by viewers",
		}, []string{"kind"}),

		rtcpPackets: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "castroom_rtcp_received_packets_total",
			Help: "RTCP feedback received by hosts",
		}, []string{"type"}),

		relayConnections: factory.NewGauge(prometheus.GaugeOpts{
			Name: "castroom_relay_connections",
			Help: "Open signaling relay connections",
		}),

		signalsRouted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "castroom_relay_signals_routed_total",
			Help: "Signals forwarded by the relay",
		}, []string{"type"}),

		signalsDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "castroom_relay_signals_dropped_total",
			Help: "Signals the relay refused or could not deliver",
		}, []string{"reason"}),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (p *PrometheusCollector) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{Registry: p.registry})
}

func (p *PrometheusCollector) Registry() *prometheus.Registry {
	return p.registry
}

func (p *PrometheusCollector) RoomCreated() {
	p.roomsCreated.Inc()
	p.roomsActive.Inc()
}

func (p *PrometheusCollector) RoomJoin(result string) {
	p.roomJoins.WithLabelValues(result).Inc()
}

func (p *PrometheusCollector) RoomEnded() {
	p.roomsActive.Dec()
}

func (p *PrometheusCollector) MessagePosted(kind domain.MessageKind) {
	p.chatMessages.WithLabelValues(string(kind)).Inc()
}

func (p *PrometheusCollector) CaptureActive(active bool) {
	if active {
		p.capturesActive.Inc()
	} else {
		p.capturesActive.Dec()
	}
}

func (p *PrometheusCollector) LinkTransition(from, to domain.LinkState) {
	p.linkTransitions.WithLabelValues(string(from), string(to)).Inc()
}

func (p *PrometheusCollector) NegotiationAttempt(result string) {
	p.negotiationAttempts.WithLabelValues(result).Inc()
}

func (p *PrometheusCollector) RTPReceived(kind string, bytes int) {
	p.rtpPackets.WithLabelValues(kind).Inc()
	p.rtpBytes.WithLabelValues(kind).Add(float64(bytes))
}

func (p *PrometheusCollector) RTCPReceived(packetType string) {
	p.rtcpPackets.WithLabelValues(packetType).Inc()
}

func (p *PrometheusCollector) ConnectionOpened() {
	p.relayConnections.Inc()
}

func (p *PrometheusCollector) ConnectionClosed() {
	p.relayConnections.Dec()
}

func (p *PrometheusCollector) SignalRouted(t domain.SignalType) {
	p.signalsRouted.WithLabelValues(string(t)).Inc()
}

func (p *PrometheusCollector) SignalDropped(reason string) {
	p.signalsDropped.WithLabelValues(reason).Inc()
}
