package monitoring

import (
	"time"

	"voxmesh/internal/core/domain"
	"voxmesh/internal/core/ports"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusCollector records relay activity.
type PrometheusCollector struct {
	// Gauges
	roomsActive    prometheus.Gauge
	sessionsActive prometheus.Gauge

	// Counters
	messagesRelayed  *prometheus.CounterVec
	messagesDropped  *prometheus.CounterVec
	policyRejections *prometheus.CounterVec
	upgradeRejected  *prometheus.CounterVec
	evictions        prometheus.Counter

	// Histograms
	broadcastFanout prometheus.Histogram
	eventDuration   prometheus.Histogram
}

var _ ports.RelayMetrics = (*PrometheusCollector)(nil)

// NewPrometheusCollector registers the relay metrics with reg. A nil reg uses
// the default registry.
func NewPrometheusCollector(reg prometheus.Registerer) *PrometheusCollector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &PrometheusCollector{
		roomsActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "voxmesh_rooms_active",
			Help: "Number of rooms with at least one control channel",
		}),

		sessionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "voxmesh_sessions_active",
			Help: "Number of joined participants across all rooms",
		}),

		messagesRelayed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "voxmesh_messages_relayed_total",
			Help: "Signaling messages delivered, by type",
		}, []string{"type"}),

		messagesDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "voxmesh_messages_dropped_total",
			Help: "Inbound messages discarded, by reason",
		}, []string{"reason"}),

		policyRejections: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "voxmesh_policy_rejections_total",
			Help: "Channels closed by relay policy, by reason",
		}, []string{"reason"}),

		upgradeRejected: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "voxmesh_upgrade_rejections_total",
			Help: "Control channel requests refused before the upgrade, by reason",
		}, []string{"reason"}),

		evictions: factory.NewCounter(prometheus.CounterOpts{
			Name: "voxmesh_sessions_evicted_total",
			Help: "Participants removed after a delivery failure",
		}),

		broadcastFanout: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "voxmesh_broadcast_fanout",
			Help:    "Recipients per room broadcast",
			Buckets: []float64{1, 2, 4, 8, 16, 32, 64},
		}),

		eventDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "voxmesh_relay_event_duration_seconds",
			Help:    "Time spent by a room loop on one event",
			Buckets: []float64{0.00001, 0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05},
		}),
	}
}

func (c *PrometheusCollector) RoomOpened() { c.roomsActive.Inc() }

func (c *PrometheusCollector) RoomClosed() { c.roomsActive.Dec() }

func (c *PrometheusCollector) SessionJoined() { c.sessionsActive.Inc() }

func (c *PrometheusCollector) SessionLeft() { c.sessionsActive.Dec() }

func (c *PrometheusCollector) MessageRelayed(t domain.MessageType) {
	c.messagesRelayed.WithLabelValues(string(t)).Inc()
}

func (c *PrometheusCollector) MessageDropped(reason string) {
	c.messagesDropped.WithLabelValues(reason).Inc()
}

func (c *PrometheusCollector) PolicyRejected(reason string) {
	c.policyRejections.WithLabelValues(reason).Inc()
}

func (c *PrometheusCollector) SessionEvicted() { c.evictions.Inc() }

func (c *PrometheusCollector) BroadcastFanout(recipients int) {
	c.broadcastFanout.Observe(float64(recipients))
}

func (c *PrometheusCollector) UpgradeRejected(reason string) {
	c.upgradeRejected.WithLabelValues(reason).Inc()
}

func (c *PrometheusCollector) EventProcessed(d time.Duration) {
	c.eventDuration.Observe(d.Seconds())
}
