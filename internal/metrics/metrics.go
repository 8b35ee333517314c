// Package metrics exposes flowbroker's Prometheus collectors (SPEC_FULL
// "Metrics", ambient — not one of spec.md's numbered components).
// Mounting an HTTP handler for the registry is the embedder's job, same
// as the TCP listener loop; this package only builds and exercises the
// collectors themselves.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Metrics bundles every collector flowbroker's core reports to.
type Metrics struct {
	EventsProduced *prometheus.CounterVec
	CursorsActive  prometheus.Gauge
	PeerConnected  *prometheus.GaugeVec
	CommitMarker   *prometheus.GaugeVec
}

// New registers every collector against reg and returns the bundle.
// Callers that don't want a dedicated registry can pass
// prometheus.NewRegistry().
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		EventsProduced: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flowbroker_events_produced_total",
			Help: "Total events successfully appended, by stream name.",
		}, []string{"stream"}),
		CursorsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "flowbroker_cursors_active",
			Help: "Number of consumer cursors currently in the Active or WaitingForNext state.",
		}),
		PeerConnected: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "flowbroker_peer_connected",
			Help: "1 if the peer connection for this actor is currently connected, else 0.",
		}, []string{"actor"}),
		CommitMarker: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "flowbroker_commit_marker",
			Help: "Highest durably committed counter per local actor stream.",
		}, []string{"actor"}),
	}
	reg.MustRegister(m.EventsProduced, m.CursorsActive, m.PeerConnected, m.CommitMarker)
	return m
}

// ObserveProduce records one successful append to stream.
func (m *Metrics) ObserveProduce(stream string) {
	m.EventsProduced.WithLabelValues(stream).Inc()
}

// SetPeerConnected reports a peer actor's current connection state.
func (m *Metrics) SetPeerConnected(actor string, connected bool) {
	v := 0.0
	if connected {
		v = 1.0
	}
	m.PeerConnected.WithLabelValues(actor).Set(v)
}

// SetCommitMarker reports actor's stream's current commit marker value.
func (m *Metrics) SetCommitMarker(actor string, marker uint64) {
	m.CommitMarker.WithLabelValues(actor).Set(float64(marker))
}

// IncCursorsActive/DecCursorsActive track the live cursor gauge across
// StartConsuming/StopConsuming/connection-close transitions.
func (m *Metrics) IncCursorsActive() { m.CursorsActive.Inc() }
func (m *Metrics) DecCursorsActive() { m.CursorsActive.Dec() }
