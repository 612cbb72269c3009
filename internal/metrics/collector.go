package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"channelcast/internal/observer"
)

const namespace = "channelcast"

// Collector records broadcast outcomes per channel.
type Collector struct {
	broadcasts    *prometheus.CounterVec
	notifications *prometheus.CounterVec
	failures      *prometheus.CounterVec
}

var _ observer.Metrics = (*Collector)(nil)

// NewCollector creates the counters and registers them with reg.
func NewCollector(reg prometheus.Registerer) (*Collector, error) {
	c := &Collector{
		broadcasts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "broadcasts_total",
			Help:      "Number of broadcasts performed on a channel.",
		}, []string{"channel"}),
		notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_total",
			Help:      "Number of subscribers successfully notified.",
		}, []string{"channel"}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notify_failures_total",
			Help:      "Number of subscriber notifications that returned an error.",
		}, []string{"channel"}),
	}
	for _, col := range []prometheus.Collector{c.broadcasts, c.notifications, c.failures} {
		if err := reg.Register(col); err != nil {
			return nil, err
		}
	}
	return c, nil
}

func (c *Collector) BroadcastCompleted(channel string, notified int) {
	c.broadcasts.WithLabelValues(channel).Inc()
	c.notifications.WithLabelValues(channel).Add(float64(notified))
}

func (c *Collector) NotifyFailed(channel string) {
	c.failures.WithLabelValues(channel).Inc()
}
