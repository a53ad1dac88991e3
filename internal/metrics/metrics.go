// Package metrics exposes Prometheus collectors for rooms, media entities,
// the compositor and signaling. A nil *Metrics is valid and records nothing.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "confcast"

type Metrics struct {
	rooms            prometheus.Gauge
	participants     prometheus.Gauge
	producers        *prometheus.GaugeVec
	consumers        prometheus.Gauge
	pipelineRestarts *prometheus.CounterVec
	pipelineInputs   *prometheus.GaugeVec
	signalRequests   *prometheus.CounterVec
	archiveUploads   *prometheus.CounterVec
}

func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		rooms: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "rooms_active",
			Help: "Rooms currently alive.",
		}),
		participants: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "participants",
			Help: "Participants across all rooms.",
		}),
		producers: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "producers",
			Help: "Live producers by media kind.",
		}, []string{"kind"}),
		consumers: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "consumers",
			Help: "Live consumers.",
		}),
		pipelineRestarts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "compositor", Name: "restarts_total",
			Help: "Compositor (re)start attempts by result.",
		}, []string{"result"}),
		pipelineInputs: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "compositor", Name: "inputs",
			Help: "Streams fed into the running compositor, per room.",
		}, []string{"room"}),
		signalRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "signal", Name: "requests_total",
			Help: "Signaling requests by method and outcome.",
		}, []string{"method", "outcome"}),
		archiveUploads: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "archive", Name: "uploads_total",
			Help: "Archive uploads by result.",
		}, []string{"result"}),
	}
}

func (m *Metrics) RoomOpened() {
	if m != nil {
		m.rooms.Inc()
	}
}

func (m *Metrics) RoomClosed() {
	if m != nil {
		m.rooms.Dec()
	}
}

func (m *Metrics) ParticipantJoined() {
	if m != nil {
		m.participants.Inc()
	}
}

func (m *Metrics) ParticipantLeft() {
	if m != nil {
		m.participants.Dec()
	}
}

func (m *Metrics) ProducerAdded(kind string) {
	if m != nil {
		m.producers.WithLabelValues(kind).Inc()
	}
}

func (m *Metrics) ProducerClosed(kind string) {
	if m != nil {
		m.producers.WithLabelValues(kind).Dec()
	}
}

func (m *Metrics) ConsumersChanged(delta int) {
	if m != nil {
		m.consumers.Add(float64(delta))
	}
}

func (m *Metrics) PipelineRestart(result string) {
	if m != nil {
		m.pipelineRestarts.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) PipelineInputs(room string, n int) {
	if m != nil {
		m.pipelineInputs.WithLabelValues(room).Set(float64(n))
	}
}

func (m *Metrics) ForgetRoom(room string) {
	if m != nil {
		m.pipelineInputs.DeleteLabelValues(room)
	}
}

func (m *Metrics) SignalRequest(method, outcome string) {
	if m != nil {
		m.signalRequests.WithLabelValues(method, outcome).Inc()
	}
}

func (m *Metrics) ArchiveUpload(result string) {
	if m != nil {
		m.archiveUploads.WithLabelValues(result).Inc()
	}
}
