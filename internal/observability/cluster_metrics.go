package observability

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// ClusterCollector exposes topology metrics. It implements
// cluster.MetricsRecorder.
type ClusterCollector struct {
	gatherer prometheus.Gatherer

	WorkersConnected prometheus.Gauge
	NodeLoad         *prometheus.GaugeVec
	Forwards         *prometheus.CounterVec
	ForwardDuration  prometheus.Histogram
}

// NewClusterCollector registers cluster metrics against the provided registerer.
func NewClusterCollector(reg prometheus.Registerer) (*ClusterCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	workers := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "simctl_cluster_workers_connected",
		Help: "Workers currently reachable from this node.",
	})
	workers, err := registerGauge(reg, workers, "simctl_cluster_workers_connected")
	if err != nil {
		return nil, err
	}

	load, err := registerGaugeVec(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "simctl_cluster_node_load",
		Help: "Load-balancer weight per node.",
	}, []string{"node"}), "simctl_cluster_node_load")
	if err != nil {
		return nil, err
	}

	forwards, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "simctl_cluster_messages_total",
		Help: "Messages sent to other nodes, labeled by target node and reply code.",
	}, []string{"node", "code"}), "simctl_cluster_messages_total")
	if err != nil {
		return nil, err
	}

	hist := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "simctl_cluster_message_duration_seconds",
		Help:    "Round-trip time of messages sent to other nodes.",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
	})
	hist, err = registerHistogram(reg, hist, "simctl_cluster_message_duration_seconds")
	if err != nil {
		return nil, err
	}

	return &ClusterCollector{
		gatherer:         gatherer,
		WorkersConnected: workers,
		NodeLoad:         load,
		Forwards:         forwards,
		ForwardDuration:  hist,
	}, nil
}

// Gatherer returns the Prometheus gatherer associated with the collector.
func (c *ClusterCollector) Gatherer() prometheus.Gatherer {
	if c == nil {
		return nil
	}
	return c.gatherer
}

// SetWorkersConnected updates the reachable worker gauge.
func (c *ClusterCollector) SetWorkersConnected(n int) {
	if c == nil || c.WorkersConnected == nil {
		return
	}
	c.WorkersConnected.Set(float64(n))
}

// SetNodeLoad records a node's balancer weight.
func (c *ClusterCollector) SetNodeLoad(node string, load float64) {
	if c == nil || c.NodeLoad == nil {
		return
	}
	if load < 0 {
		load = 0
	}
	c.NodeLoad.WithLabelValues(node).Set(load)
}

// ObserveForward records one message round trip.
func (c *ClusterCollector) ObserveForward(node, code string, d time.Duration) {
	if c == nil {
		return
	}
	if code == "" {
		code = "OK"
	}
	c.Forwards.WithLabelValues(node, code).Inc()
	c.ForwardDuration.Observe(d.Seconds())
}

func registerHistogram(reg prometheus.Registerer, hist prometheus.Histogram, name string) (prometheus.Histogram, error) {
	if err := reg.Register(hist); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Histogram); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return hist, nil
}

func registerCounter(reg prometheus.Registerer, counter prometheus.Counter, name string) (prometheus.Counter, error) {
	if err := reg.Register(counter); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Counter); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return counter, nil
}
