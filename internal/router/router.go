// Package router classifies commands as Local, Distributed or Delegated,
// runs them where they belong, and correlates exactly one reply per
// externally originated request.
//
// All dispatch state is owned by the goroutine that calls Pump (the
// simulation loop). Transports and the node service hand requests over with
// Submit and Execute.
package router

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/signalsfoundry/simctl/internal/clock"
	"github.com/signalsfoundry/simctl/internal/cluster"
	"github.com/signalsfoundry/simctl/internal/command"
	"github.com/signalsfoundry/simctl/internal/logging"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/signalsfoundry/simctl/internal/router"

// Default deadlines for cross-node round trips.
const (
	DefaultForwardTimeout     = 5 * time.Second
	DefaultReplicationTimeout = 5 * time.Second
)

// OwnerArg carries the node chosen to own a spawned entity, so every node
// records the same owner.
const OwnerArg = "owner"

// ErrClosed is returned by Submit and Execute after Close.
var ErrClosed = errors.New("router closed")

// Request is one command invocation.
type Request struct {
	// Client identifies the external connection. Empty for replicated requests.
	Client     string
	Name       string
	Args       command.Args
	Replicated bool
	RequestID  string
	// Origin is the node that sent a replicated request.
	Origin cluster.NodeID
	// Done, when set, receives the reply instead of the Replier. It must
	// have room for one value.
	Done chan<- Reply
	// Err rejects the request before lookup. The error is still replied in
	// the client's order, after every earlier request from that client.
	Err error
}

// Reply is the single outcome of a Request.
type Reply struct {
	Client    string
	RequestID string
	Name      string
	Result    any
	Err       error
}

// Replier delivers replies to external clients.
type Replier interface {
	Reply(ctx context.Context, r Reply)
}

// ReplierFunc adapts a function to Replier.
type ReplierFunc func(ctx context.Context, r Reply)

func (f ReplierFunc) Reply(ctx context.Context, r Reply) { f(ctx, r) }

// Topology is the cluster view the router needs.
type Topology interface {
	Self() cluster.Endpoint
	IsMaster() bool
	Distributed() bool
	ConnectedWorkers() []cluster.Endpoint
	SendToNode(ctx context.Context, ep cluster.Endpoint, msg cluster.Message) (any, error)
	OwnerOf(uid string) (cluster.Endpoint, bool)
	Place() cluster.NodeID
	Claim(owner cluster.NodeID, uid string, children ...string)
	Release(uid string)
	ReleaseAll()
}

// ClockGate is the reset gate of the simulation clock.
type ClockGate interface {
	IsResetting() bool
	BeginReset()
	EndReset()
}

// Registry is the part of the object registry the router clears on Reset.
type Registry interface {
	Clear()
}

// MetricsRecorder observes dispatch outcomes.
type MetricsRecorder interface {
	ObserveCommand(name, variant, code string, d time.Duration)
	SetPending(n int)
	IncReplicationFailures(name string)
	IncResetQueued()
}

// Config holds the router's collaborators.
type Config struct {
	Commands *command.Table
	Topology Topology
	Clock    ClockGate
	Registry Registry
	Replier  Replier

	// Wall measures deadlines. Defaults to clock.Real().
	Wall               clock.Clock
	ForwardTimeout     time.Duration
	ReplicationTimeout time.Duration
	Log                logging.Logger
	Metrics            MetricsRecorder
}

// Router is the command dispatcher.
type Router struct {
	table    *command.Table
	topo     Topology
	clock    ClockGate
	registry Registry
	replier  Replier
	wall     clock.Clock
	log      logging.Logger
	metrics  MetricsRecorder
	tracer   trace.Tracer

	forwardTimeout     time.Duration
	replicationTimeout time.Duration

	mu          sync.Mutex
	inbox       []*Request
	completions []completion
	closed      bool
	frames      []time.Duration
	lastFrame   uint64

	base    context.Context
	cancel  context.CancelFunc
	sendMu  sync.Mutex
	senders map[cluster.NodeID]*sender
	wg      sync.WaitGroup

	// Pump-goroutine state.
	nextID        uint64
	pending       map[uint64]*PendingRequest
	continuations []*continuation
	clients       map[string]*clientQueue
	reset         *call
	resetQueue    []*Request
}

// New constructs a Router.
func New(cfg Config) (*Router, error) {
	if cfg.Commands == nil {
		return nil, errors.New("router: command table is required")
	}
	if cfg.Topology == nil {
		return nil, errors.New("router: topology is required")
	}
	if cfg.Clock == nil {
		return nil, errors.New("router: clock gate is required")
	}
	if cfg.Registry == nil {
		return nil, errors.New("router: registry is required")
	}
	r := &Router{
		table:              cfg.Commands,
		topo:               cfg.Topology,
		clock:              cfg.Clock,
		registry:           cfg.Registry,
		replier:            cfg.Replier,
		wall:               cfg.Wall,
		log:                cfg.Log,
		metrics:            cfg.Metrics,
		tracer:             otel.Tracer(tracerName),
		forwardTimeout:     cfg.ForwardTimeout,
		replicationTimeout: cfg.ReplicationTimeout,
		senders:            make(map[cluster.NodeID]*sender),
		pending:            make(map[uint64]*PendingRequest),
		clients:            make(map[string]*clientQueue),
	}
	if r.replier == nil {
		r.replier = ReplierFunc(func(context.Context, Reply) {})
	}
	if r.wall == nil {
		r.wall = clock.Real()
	}
	if r.log == nil {
		r.log = logging.Noop()
	}
	if r.forwardTimeout <= 0 {
		r.forwardTimeout = DefaultForwardTimeout
	}
	if r.replicationTimeout <= 0 {
		r.replicationTimeout = DefaultReplicationTimeout
	}
	r.base, r.cancel = context.WithCancel(context.Background())
	return r, nil
}

// Submit hands a request to the router. It never blocks; the request is
// dispatched on the next Pump.
func (r *Router) Submit(ctx context.Context, req *Request) error {
	if req == nil {
		return errors.New("router: nil request")
	}
	if req.RequestID == "" {
		if id := logging.RequestIDFromContext(ctx); id != "" {
			req.RequestID = id
		} else {
			req.RequestID = logging.NewRequestID()
		}
	}
	if req.Args == nil {
		req.Args = command.Args{}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrClosed
	}
	r.inbox = append(r.inbox, req)
	return nil
}

// Execute runs a message received from another node and waits for its
// local result. It implements cluster.Executor.
func (r *Router) Execute(ctx context.Context, msg cluster.Message) (any, error) {
	done := make(chan Reply, 1)
	req := &Request{
		Name:       msg.Name,
		Args:       command.Args(msg.Args),
		Replicated: true,
		RequestID:  msg.RequestID,
		Origin:     msg.Origin,
		Done:       done,
	}
	if req.RequestID == "" {
		req.RequestID = logging.RequestIDFromContext(ctx)
	}
	if err := r.Submit(ctx, req); err != nil {
		return nil, err
	}
	select {
	case rep := <-done:
		return rep.Result, rep.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-r.base.Done():
		return nil, ErrClosed
	}
}

// Pump runs one dispatch step. It must be called from a single goroutine,
// once per simulation frame: it sends advanced frames to workers,
// dispatches submitted requests, applies
// remote completions, expires deadlines, polls suspended commands and
// advances a pending Reset.
func (r *Router) Pump(ctx context.Context) {
	r.mu.Lock()
	inbox := r.inbox
	r.inbox = nil
	r.mu.Unlock()

	r.syncFrames()
	for _, req := range inbox {
		r.Dispatch(ctx, req)
	}
	r.applyCompletions(ctx)
	r.expire(ctx)
	r.poll(ctx)
	r.advanceReset(ctx)
	r.recordPending()
}

// Close stops the cross-node senders and rejects further requests.
func (r *Router) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.mu.Unlock()

	r.cancel()
	r.wg.Wait()
	return nil
}

// Pending returns the number of in-flight cross-node requests.
func (r *Router) Pending() int { return len(r.pending) }

// Suspended returns the number of commands waiting on a continuation.
func (r *Router) Suspended() int { return len(r.continuations) }

// ResetQueued returns the number of requests held back by a Reset.
func (r *Router) ResetQueued() int { return len(r.resetQueue) }

// Resetting reports whether a Reset is in progress.
func (r *Router) Resetting() bool { return r.reset != nil }

func (r *Router) recordPending() {
	if r.metrics != nil {
		r.metrics.SetPending(len(r.pending))
	}
}
