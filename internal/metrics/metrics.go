// Package metrics exposes bridge counters and decoded values as Prometheus collectors.
package metrics

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/resident-x/go-rvc/internal/domain"
	"github.com/resident-x/go-rvc/internal/router"
)

const namespace = "rvc"

// Metrics holds every collector on its own registry.
type Metrics struct {
	registry *prometheus.Registry

	framesReceived prometheus.Counter
	framesDecoded  *prometheus.CounterVec
	framesDropped  *prometheus.CounterVec
	pathValues     *prometheus.GaugeVec
	pathStale      *prometheus.GaugeVec
	published      prometheus.Counter
	publishDropped prometheus.Counter
	handshakeSent  *prometheus.CounterVec
}

// New creates the collectors and registers them, together with the Go runtime collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		framesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_received_total",
			Help:      "CAN frames received from the bus",
		}),
		framesDecoded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_decoded_total",
			Help:      "Frames decoded into path updates, by DGN",
		}, []string{"dgn"}),
		framesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_dropped_total",
			Help:      "Frames that produced no updates, by reason",
		}, []string{"reason"}),
		pathValues: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "path_value",
			Help:      "Last known value of a numeric path",
		}, []string{"service", "path"}),
		pathStale: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "path_stale",
			Help:      "1 while a path holds a stale value",
		}, []string{"service", "path"}),
		published: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "mqtt_published_total",
			Help:      "Path updates published to MQTT",
		}),
		publishDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "mqtt_dropped_total",
			Help:      "Path updates dropped because the publish queue was full",
		}),
		handshakeSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handshake_requests_total",
			Help:      "PGN requests sent during the startup handshake, by result",
		}, []string{"result"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.framesReceived,
		m.framesDecoded,
		m.framesDropped,
		m.pathValues,
		m.pathStale,
		m.published,
		m.publishDropped,
		m.handshakeSent,
	)

	return m
}

// Registry returns the Prometheus registry holding the collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns an HTTP handler serving the registry in the exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// FrameReceived implements router.Recorder.
func (m *Metrics) FrameReceived() {
	m.framesReceived.Inc()
}

// FrameDecoded implements router.Recorder.
func (m *Metrics) FrameDecoded(dgn uint32) {
	m.framesDecoded.WithLabelValues(fmt.Sprintf("0x%05X", dgn)).Inc()
}

// FrameDropped implements router.Recorder.
func (m *Metrics) FrameDropped(reason router.DropReason) {
	m.framesDropped.WithLabelValues(reason.String()).Inc()
}

// Published counts a message handed to the broker.
func (m *Metrics) Published() {
	m.published.Inc()
}

// PublishDropped counts a message discarded by a full queue.
func (m *Metrics) PublishDropped() {
	m.publishDropped.Inc()
}

// HandshakeRequest counts a PGN request by outcome.
func (m *Metrics) HandshakeRequest(ok bool) {
	result := "sent"
	if !ok {
		result = "failed"
	}
	m.handshakeSent.WithLabelValues(result).Inc()
}

// Observe mirrors a cache change into the path gauges. Text values are skipped.
func (m *Metrics) Observe(c domain.Change) {
	if c.Value.Kind == domain.KindText {
		return
	}

	service, path := string(c.Namespace), c.Path
	if !c.Value.Available {
		m.pathStale.WithLabelValues(service, path).Set(1)
		return
	}

	v, _ := c.Value.Float()
	m.pathValues.WithLabelValues(service, path).Set(v)
	m.pathStale.WithLabelValues(service, path).Set(0)
}
