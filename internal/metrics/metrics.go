package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Connection results.
const (
	ConnectionAccepted     = "accepted"
	ConnectionUnauthorized = "unauthorized"
	ConnectionRateLimited  = "rate_limited"
	ConnectionOriginDenied = "origin_denied"
)

// Registration results.
const (
	RegistrationOK        = "ok"
	RegistrationCollision = "collision"
	RegistrationInvalid   = "invalid"
	RegistrationDuplicate = "duplicate"
)

// Relay kinds.
const (
	RelayBroadcast = "broadcast"
	RelayDirected  = "directed"
	RelayControl   = "control"
)

// Drop reasons.
const (
	DropReasonTargetNotFound  = "target_not_found"
	DropReasonQueueFull       = "queue_full"
	DropReasonMessageRate     = "message_rate"
	DropReasonNotRegistered   = "not_registered"
	DropReasonMalformedTarget = "malformed_target"
)

// Recorder holds the relay's Prometheus collectors.
//
// A nil *Recorder is valid and records nothing.
type Recorder struct {
	connections   *prometheus.CounterVec
	registrations *prometheus.CounterVec
	evictions     prometheus.Counter
	departures    prometheus.Counter
	peers         prometheus.Gauge
	relayed       *prometheus.CounterVec
	dropped       *prometheus.CounterVec
}

// NewRecorder creates the collectors and registers them with reg.
func NewRecorder(reg prometheus.Registerer) *Recorder {
	r := &Recorder{
		connections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "aero_signaling_connections_total",
			Help: "WebSocket connections by admission result",
		}, []string{"result"}),
		registrations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "aero_signaling_registrations_total",
			Help: "Identity claims by result",
		}, []string{"result"}),
		evictions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "aero_signaling_evictions_total",
			Help: "Peers evicted to make room for newer peers",
		}),
		departures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "aero_signaling_departures_total",
			Help: "Leave announcements broadcast",
		}),
		peers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "aero_signaling_peers",
			Help: "Currently registered peers",
		}),
		relayed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "aero_signaling_messages_relayed_total",
			Help: "Frames delivered to peers by kind",
		}, []string{"kind"}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "aero_signaling_messages_dropped_total",
			Help: "Frames dropped by reason",
		}, []string{"reason"}),
	}
	if reg != nil {
		reg.MustRegister(
			r.connections,
			r.registrations,
			r.evictions,
			r.departures,
			r.peers,
			r.relayed,
			r.dropped,
		)
	}
	return r
}

func (r *Recorder) ObserveConnection(result string) {
	if r == nil {
		return
	}
	r.connections.WithLabelValues(result).Inc()
}

func (r *Recorder) ObserveRegistration(result string) {
	if r == nil {
		return
	}
	r.registrations.WithLabelValues(result).Inc()
}

func (r *Recorder) ObserveEviction() {
	if r == nil {
		return
	}
	r.evictions.Inc()
}

func (r *Recorder) ObserveDeparture() {
	if r == nil {
		return
	}
	r.departures.Inc()
}

func (r *Recorder) SetPeers(n int) {
	if r == nil {
		return
	}
	r.peers.Set(float64(n))
}

func (r *Recorder) ObserveRelayed(kind string, deliveries int) {
	if r == nil || deliveries <= 0 {
		return
	}
	r.relayed.WithLabelValues(kind).Add(float64(deliveries))
}

func (r *Recorder) ObserveDropped(reason string) {
	if r == nil {
		return
	}
	r.dropped.WithLabelValues(reason).Inc()
}
