package cluster

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/signalsfoundry/simctl/internal/command"
	"github.com/signalsfoundry/simctl/internal/logging"
)

// DefaultProbeTimeout bounds each worker ping.
const DefaultProbeTimeout = 2 * time.Second

// MetricsRecorder observes cluster membership, load and forwarding.
type MetricsRecorder interface {
	SetWorkersConnected(n int)
	SetNodeLoad(node string, load float64)
	ObserveForward(node, code string, d time.Duration)
}

// Config describes this node and its peers.
type Config struct {
	Role Role
	Self Endpoint
	// Workers are dialled at construction when Role is Master.
	Workers []Endpoint
	// MasterLoad overrides DefaultMasterLoad when positive.
	MasterLoad   float64
	ProbeTimeout time.Duration
	DialOptions  []grpc.DialOption
}

// Option configures a Topology.
type Option func(*Topology)

// WithLogger sets the logger.
func WithLogger(l logging.Logger) Option {
	return func(t *Topology) {
		if l != nil {
			t.log = l
		}
	}
}

// WithMetricsRecorder attaches a recorder.
func WithMetricsRecorder(m MetricsRecorder) Option {
	return func(t *Topology) { t.metrics = m }
}

// WithNodeClientFactory replaces the gRPC client used to reach a worker.
// Tests use it to route calls to in-process nodes.
func WithNodeClientFactory(fn func(Endpoint) (NodeClient, func() error, error)) Option {
	return func(t *Topology) { t.dial = fn }
}

type worker struct {
	ep        Endpoint
	client    NodeClient
	close     func() error
	connected bool
}

type ownership struct {
	owner    NodeID
	children []string
}

// Topology is the node's view of the cluster. It is safe for concurrent use.
type Topology struct {
	role         Role
	self         Endpoint
	probeTimeout time.Duration
	dial         func(Endpoint) (NodeClient, func() error, error)
	log          logging.Logger
	metrics      MetricsRecorder
	lb           *LoadBalancer

	mu      sync.RWMutex
	workers map[NodeID]*worker
	owners  map[string]ownership
	// parents maps child UIDs (sensors) to the UID whose ownership they share.
	parents map[string]string
}

// New constructs a Topology and, on a master, dials the configured workers.
func New(cfg Config, opts ...Option) (*Topology, error) {
	if cfg.Self.ID == "" {
		return nil, fmt.Errorf("cluster: self node id is required")
	}
	masterLoad := cfg.MasterLoad
	if masterLoad <= 0 {
		masterLoad = DefaultMasterLoad
	}
	t := &Topology{
		role:         cfg.Role,
		self:         cfg.Self,
		probeTimeout: cfg.ProbeTimeout,
		log:          logging.Noop(),
		workers:      make(map[NodeID]*worker),
		owners:       make(map[string]ownership),
		parents:      make(map[string]string),
	}
	if t.probeTimeout <= 0 {
		t.probeTimeout = DefaultProbeTimeout
	}
	dialOpts := cfg.DialOptions
	if len(dialOpts) == 0 {
		dialOpts = DefaultDialOptions()
	}
	t.dial = func(ep Endpoint) (NodeClient, func() error, error) {
		conn, err := grpc.NewClient(ep.Address, dialOpts...)
		if err != nil {
			return nil, nil, err
		}
		return NewNodeClient(conn), conn.Close, nil
	}
	for _, opt := range opts {
		opt(t)
	}
	t.lb = NewLoadBalancer(cfg.Self.ID, masterLoad)

	if t.role == Master {
		for _, ep := range cfg.Workers {
			if err := t.AddWorker(ep); err != nil {
				_ = t.Close()
				return nil, err
			}
		}
	}
	return t, nil
}

// DefaultDialOptions returns plaintext dial options with request-id and
// trace context propagation.
func DefaultDialOptions() []grpc.DialOption {
	return []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithStatsHandler(otelgrpc.NewClientHandler()),
		grpc.WithChainUnaryInterceptor(RequestIDUnaryClientInterceptor()),
	}
}

// Self returns this node's endpoint.
func (t *Topology) Self() Endpoint { return t.self }

// Role returns this node's role.
func (t *Topology) Role() Role { return t.role }

// IsMaster reports whether this node accepts client commands and originates
// replication. A standalone node is its own master.
func (t *Topology) IsMaster() bool { return t.role != Worker }

// Distributed reports whether the simulation spans more than one node.
func (t *Topology) Distributed() bool { return t.role != Standalone }

// AddWorker starts tracking ep as a connected worker.
func (t *Topology) AddWorker(ep Endpoint) error {
	if ep.ID == "" || ep.ID == t.self.ID {
		return fmt.Errorf("cluster: invalid worker id %q", ep.ID)
	}
	client, closeFn, err := t.dial(ep)
	if err != nil {
		return fmt.Errorf("cluster: dial %s: %w", ep, err)
	}

	t.mu.Lock()
	if prev, ok := t.workers[ep.ID]; ok && prev.close != nil {
		_ = prev.close()
	}
	t.workers[ep.ID] = &worker{ep: ep, client: client, close: closeFn, connected: true}
	t.mu.Unlock()

	t.lb.AddNode(ep.ID)
	t.log.Info(context.Background(), "worker added", logging.String("node", string(ep.ID)), logging.String("address", ep.Address))
	t.recordMembership()
	return nil
}

// RemoveWorker forgets a worker and drops its load.
func (t *Topology) RemoveWorker(id NodeID) {
	t.mu.Lock()
	w, ok := t.workers[id]
	delete(t.workers, id)
	t.mu.Unlock()
	if !ok {
		return
	}
	if w.close != nil {
		_ = w.close()
	}
	t.lb.RemoveNode(id)
	t.log.Info(context.Background(), "worker removed", logging.String("node", string(id)))
	t.recordMembership()
}

// ConnectedWorkers returns the reachable workers sorted by ID.
func (t *Topology) ConnectedWorkers() []Endpoint {
	t.mu.RLock()
	res := make([]Endpoint, 0, len(t.workers))
	for _, w := range t.workers {
		if w.connected {
			res = append(res, w.ep)
		}
	}
	t.mu.RUnlock()

	sort.Slice(res, func(i, j int) bool { return res[i].ID < res[j].ID })
	return res
}

// Probe pings every worker and updates its connected flag. A worker that
// stops answering loses its load so new entities go elsewhere.
func (t *Topology) Probe(ctx context.Context) {
	t.mu.RLock()
	workers := make([]*worker, 0, len(t.workers))
	for _, w := range t.workers {
		workers = append(workers, w)
	}
	t.mu.RUnlock()

	for _, w := range workers {
		pctx, cancel := context.WithTimeout(ctx, t.probeTimeout)
		_, err := w.client.Ping(pctx, &PingRequest{From: t.self.ID})
		cancel()

		up := err == nil
		t.mu.Lock()
		changed := w.connected != up
		w.connected = up
		t.mu.Unlock()

		if !changed {
			continue
		}
		if up {
			t.lb.AddNode(w.ep.ID)
			t.log.Info(ctx, "worker reconnected", logging.String("node", string(w.ep.ID)))
		} else {
			t.lb.RemoveNode(w.ep.ID)
			t.log.Warn(ctx, "worker unreachable", logging.String("node", string(w.ep.ID)), logging.Err(err))
		}
	}
	t.recordMembership()
}

// SendToNode executes msg on ep and returns its result. Errors are mapped
// back to the command error taxonomy.
func (t *Topology) SendToNode(ctx context.Context, ep Endpoint, msg Message) (any, error) {
	start := time.Now()
	t.mu.RLock()
	w, ok := t.workers[ep.ID]
	t.mu.RUnlock()
	if !ok {
		err := fmt.Errorf("%w: %s is not a known worker", command.ErrNodeUnreachable, ep.ID)
		t.recordForward(ep.ID, err, start)
		return nil, err
	}
	if msg.Origin == "" {
		msg.Origin = t.self.ID
	}

	res, err := w.client.Execute(ctx, &msg)
	if err != nil {
		err = FromStatusError(ep.ID, err)
		t.recordForward(ep.ID, err, start)
		return nil, err
	}
	t.recordForward(ep.ID, nil, start)
	return res.Value, nil
}

// OwnerOf resolves the node owning uid. Sensor UIDs resolve through the
// agent they are attached to.
func (t *Topology) OwnerOf(uid string) (Endpoint, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if parent, ok := t.parents[uid]; ok {
		uid = parent
	}
	o, ok := t.owners[uid]
	if !ok {
		return Endpoint{}, false
	}
	if o.owner == t.self.ID {
		return t.self, true
	}
	if w, ok := t.workers[o.owner]; ok {
		return w.ep, true
	}
	// Owned by a node this one has no address for, e.g. a peer worker.
	return Endpoint{ID: o.owner}, true
}

// Place picks the owner for a new entity among this node and the connected
// workers. Non-distributed nodes always place on themselves.
func (t *Topology) Place() NodeID {
	if !t.Distributed() {
		return t.self.ID
	}
	candidates := []NodeID{t.self.ID}
	for _, ep := range t.ConnectedWorkers() {
		candidates = append(candidates, ep.ID)
	}
	return t.lb.Least(candidates)
}

// Claim records owner as the owner of uid and its children, and appends one
// unit of load for uid.
func (t *Topology) Claim(owner NodeID, uid string, children ...string) {
	t.mu.Lock()
	if prev, ok := t.owners[uid]; ok {
		for _, c := range prev.children {
			delete(t.parents, c)
		}
	}
	t.owners[uid] = ownership{owner: owner, children: append([]string(nil), children...)}
	for _, c := range children {
		t.parents[c] = uid
	}
	t.mu.Unlock()

	t.lb.Assign(uid, owner, 1)
	t.recordLoad()
}

// Release forgets uid and its children. Unknown UIDs are ignored.
func (t *Topology) Release(uid string) {
	t.mu.Lock()
	o, ok := t.owners[uid]
	if ok {
		delete(t.owners, uid)
		for _, c := range o.children {
			delete(t.parents, c)
		}
	}
	t.mu.Unlock()
	if !ok {
		return
	}
	t.lb.Unassign(uid)
	t.recordLoad()
}

// ReleaseAll empties the ownership table.
func (t *Topology) ReleaseAll() {
	t.mu.Lock()
	t.owners = make(map[string]ownership)
	t.parents = make(map[string]string)
	t.mu.Unlock()
	t.lb.Reset()
	t.recordLoad()
}

// Owned returns the number of UIDs in the ownership table.
func (t *Topology) Owned() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.owners)
}

// Balancer exposes the load balancer.
func (t *Topology) Balancer() *LoadBalancer { return t.lb }

// Close releases every worker connection.
func (t *Topology) Close() error {
	t.mu.Lock()
	workers := t.workers
	t.workers = make(map[NodeID]*worker)
	t.mu.Unlock()

	var errs []error
	for _, w := range workers {
		if w.close != nil {
			if err := w.close(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

func (t *Topology) recordMembership() {
	if t.metrics == nil {
		return
	}
	t.metrics.SetWorkersConnected(len(t.ConnectedWorkers()))
	t.recordLoad()
}

func (t *Topology) recordLoad() {
	if t.metrics == nil {
		return
	}
	for id, load := range t.lb.Loads() {
		t.metrics.SetNodeLoad(string(id), load)
	}
}

func (t *Topology) recordForward(node NodeID, err error, start time.Time) {
	if t.metrics == nil {
		return
	}
	code := command.Code(err)
	if code == "" {
		code = "OK"
	}
	t.metrics.ObserveForward(string(node), code, time.Since(start))
}
