package observability

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"google.golang.org/grpc"
	"google.golang.org/grpc/status"
)

var clockModes = []string{"paused", "free_running", "bounded_running"}

// CommandCollector bundles the Prometheus metrics of the command core: the
// router's dispatch outcomes, the object registry, the simulation clock and
// the node service RPCs. It implements the metrics recorder interfaces of
// router, registry and timectrl.
type CommandCollector struct {
	gatherer prometheus.Gatherer

	Commands          *prometheus.CounterVec
	CommandDurations  *prometheus.HistogramVec
	Pending           prometheus.Gauge
	ReplicationFailed *prometheus.CounterVec
	ResetQueued       prometheus.Counter

	RegistryEntries *prometheus.GaugeVec

	ClockMode    *prometheus.GaugeVec
	ClockFrame   prometheus.Gauge
	ClockSeconds prometheus.Gauge

	RPCRequests  *prometheus.CounterVec
	RPCDurations *prometheus.HistogramVec
}

// NewCommandCollector registers the metrics against the provided registerer,
// defaulting to the global Prometheus registry when nil.
func NewCommandCollector(reg prometheus.Registerer) (*CommandCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	commands, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "simctl_commands_total",
		Help: "Commands dispatched by the router, labeled by command, variant and reply code.",
	}, []string{"command", "variant", "code"}), "simctl_commands_total")
	if err != nil {
		return nil, err
	}
	durations, err := registerHistogramVec(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "simctl_command_duration_seconds",
		Help:    "Wall time from dispatch to reply.",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
	}, []string{"command", "variant"}), "simctl_command_duration_seconds")
	if err != nil {
		return nil, err
	}
	pending, err := registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "simctl_router_pending_requests",
		Help: "Cross-node requests awaiting a response.",
	}), "simctl_router_pending_requests")
	if err != nil {
		return nil, err
	}
	replication, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "simctl_replication_failures_total",
		Help: "Replicated commands a worker failed or did not acknowledge in time.",
	}, []string{"command"}), "simctl_replication_failures_total")
	if err != nil {
		return nil, err
	}
	resetQueued, err := registerCounter(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "simctl_reset_queued_requests_total",
		Help: "Requests held back because a reset was in progress.",
	}), "simctl_reset_queued_requests_total")
	if err != nil {
		return nil, err
	}

	entries, err := registerGaugeVec(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "simctl_registry_entries",
		Help: "Live objects in the registry, by category.",
	}, []string{"category"}), "simctl_registry_entries")
	if err != nil {
		return nil, err
	}

	mode, err := registerGaugeVec(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "simctl_clock_mode",
		Help: "1 for the current clock mode, 0 otherwise.",
	}, []string{"mode"}), "simctl_clock_mode")
	if err != nil {
		return nil, err
	}
	frame, err := registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "simctl_clock_frame",
		Help: "Current simulation frame.",
	}), "simctl_clock_frame")
	if err != nil {
		return nil, err
	}
	seconds, err := registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "simctl_clock_seconds",
		Help: "Current simulated time in seconds.",
	}), "simctl_clock_seconds")
	if err != nil {
		return nil, err
	}

	requests, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "simctl_node_rpc_requests_total",
		Help: "Node service RPCs handled, labeled by service, method, and gRPC status code.",
	}, []string{"service", "method", "code"}), "simctl_node_rpc_requests_total")
	if err != nil {
		return nil, err
	}
	rpcDurations, err := registerHistogramVec(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "simctl_node_rpc_duration_seconds",
		Help:    "Node service RPC latency in seconds.",
		Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
	}, []string{"service", "method"}), "simctl_node_rpc_duration_seconds")
	if err != nil {
		return nil, err
	}

	return &CommandCollector{
		gatherer:          gatherer,
		Commands:          commands,
		CommandDurations:  durations,
		Pending:           pending,
		ReplicationFailed: replication,
		ResetQueued:       resetQueued,
		RegistryEntries:   entries,
		ClockMode:         mode,
		ClockFrame:        frame,
		ClockSeconds:      seconds,
		RPCRequests:       requests,
		RPCDurations:      rpcDurations,
	}, nil
}

// ObserveCommand records one dispatched command.
func (c *CommandCollector) ObserveCommand(name, variant, code string, d time.Duration) {
	if c == nil {
		return
	}
	c.Commands.WithLabelValues(name, variant, code).Inc()
	c.CommandDurations.WithLabelValues(name, variant).Observe(d.Seconds())
}

// SetPending updates the in-flight cross-node request gauge.
func (c *CommandCollector) SetPending(n int) {
	if c == nil {
		return
	}
	c.Pending.Set(float64(n))
}

func (c *CommandCollector) IncReplicationFailures(name string) {
	if c == nil {
		return
	}
	c.ReplicationFailed.WithLabelValues(name).Inc()
}

func (c *CommandCollector) IncResetQueued() {
	if c == nil {
		return
	}
	c.ResetQueued.Inc()
}

// SetRegistryEntries satisfies registry.MetricsRecorder.
func (c *CommandCollector) SetRegistryEntries(category string, n int) {
	if c == nil {
		return
	}
	c.RegistryEntries.WithLabelValues(category).Set(float64(n))
}

// SetClockState satisfies timectrl.MetricsRecorder.
func (c *CommandCollector) SetClockState(mode string, frame uint64, seconds float64) {
	if c == nil {
		return
	}
	for _, m := range clockModes {
		v := 0.0
		if m == mode {
			v = 1
		}
		c.ClockMode.WithLabelValues(m).Set(v)
	}
	c.ClockFrame.Set(float64(frame))
	c.ClockSeconds.Set(seconds)
}

// UnaryServerInterceptor records request counts and durations for unary RPCs.
func (c *CommandCollector) UnaryServerInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		start := time.Now()
		resp, err := handler(ctx, req)

		if c == nil {
			return resp, err
		}

		fullMethod := ""
		if info != nil {
			fullMethod = info.FullMethod
		}
		service, method := SplitMethod(fullMethod)
		code := status.Code(err).String()

		c.RPCRequests.WithLabelValues(service, method, code).Inc()
		c.RPCDurations.WithLabelValues(service, method).Observe(time.Since(start).Seconds())

		return resp, err
	}
}

// Handler exposes a ready-to-use /metrics handler.
func (c *CommandCollector) Handler() http.Handler {
	gatherer := c.gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// SplitMethod parses a fully-qualified gRPC method name into service and method
// components. It tolerates empty strings and partial paths, returning
// "unknown"/"unknown" when parsing fails.
func SplitMethod(fullMethod string) (string, string) {
	if fullMethod == "" {
		return "unknown", "unknown"
	}
	fullMethod = strings.TrimPrefix(fullMethod, "/")
	parts := strings.Split(fullMethod, "/")
	if len(parts) < 2 {
		return "unknown", "unknown"
	}
	service := parts[len(parts)-2]
	method := parts[len(parts)-1]
	if dot := strings.LastIndex(service, "."); dot >= 0 && dot+1 < len(service) {
		service = service[dot+1:]
	}
	if service == "" {
		service = "unknown"
	}
	if method == "" {
		method = "unknown"
	}
	return service, method
}

func registerCounterVec(reg prometheus.Registerer, vec *prometheus.CounterVec, name string) (*prometheus.CounterVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerHistogramVec(reg prometheus.Registerer, vec *prometheus.HistogramVec, name string) (*prometheus.HistogramVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.HistogramVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerGaugeVec(reg prometheus.Registerer, vec *prometheus.GaugeVec, name string) (*prometheus.GaugeVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.GaugeVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerGauge(reg prometheus.Registerer, gauge prometheus.Gauge, name string) (prometheus.Gauge, error) {
	if err := reg.Register(gauge); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Gauge); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return gauge, nil
}
