package router

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/signalsfoundry/simctl/internal/cluster"
	"github.com/signalsfoundry/simctl/internal/command"
	"github.com/signalsfoundry/simctl/internal/logging"
	"go.opentelemetry.io/otel/trace"
)

// PendingKind distinguishes the two kinds of cross-node round trip.
type PendingKind int

const (
	// PendingForward is a Delegated command forwarded to its owner. Its
	// result is the client's reply.
	PendingForward PendingKind = iota
	// PendingReplication is a Distributed command broadcast to workers.
	// Failures are logged, never replied.
	PendingReplication
)

// PendingRequest correlates an in-flight forward or broadcast.
type PendingRequest struct {
	ID        uint64
	Kind      PendingKind
	Name      string
	RequestID string
	// Client is empty for replication.
	Client   string
	Expected int
	Received int
	Failed   int
	Deadline time.Time

	call  *call
	nodes map[cluster.NodeID]bool
}

type completion struct {
	id     uint64
	node   cluster.NodeID
	result any
	err    error
}

type sendJob struct {
	ctx       context.Context
	ep        cluster.Endpoint
	msg       cluster.Message
	timeout   time.Duration
	pendingID uint64
}

// sender delivers jobs to one node in submission order.
type sender struct {
	wake  chan struct{}
	queue []sendJob
}

func (r *Router) forward(c *call, owner cluster.Endpoint) {
	r.nextID++
	p := &PendingRequest{
		ID:        r.nextID,
		Kind:      PendingForward,
		Name:      c.req.Name,
		RequestID: c.req.RequestID,
		Client:    c.req.Client,
		Expected:  1,
		Deadline:  r.wall.Now().Add(r.forwardTimeout),
		call:      c,
		nodes:     map[cluster.NodeID]bool{owner.ID: false},
	}
	r.pending[p.ID] = p
	r.markActive(c.req)

	c.log.Debug(c.ctx, "forwarding delegated command", logging.String("owner", string(owner.ID)))
	r.enqueueSend(sendJob{
		ctx:       r.sendContext(c),
		ep:        owner,
		msg:       r.message(c, c.req.Args, false),
		timeout:   r.forwardTimeout,
		pendingID: p.ID,
	})
}

func (r *Router) broadcast(c *call, args command.Args) {
	workers := r.topo.ConnectedWorkers()
	if len(workers) == 0 {
		return
	}
	r.nextID++
	p := &PendingRequest{
		ID:        r.nextID,
		Kind:      PendingReplication,
		Name:      c.req.Name,
		RequestID: c.req.RequestID,
		Expected:  len(workers),
		Deadline:  r.wall.Now().Add(r.replicationTimeout),
		nodes:     make(map[cluster.NodeID]bool, len(workers)),
	}
	r.pending[p.ID] = p

	msg := r.message(c, args, true)
	for _, ep := range workers {
		p.nodes[ep.ID] = false
		r.enqueueSend(sendJob{
			ctx:       r.sendContext(c),
			ep:        ep,
			msg:       msg,
			timeout:   r.replicationTimeout,
			pendingID: p.ID,
		})
	}
}

func (r *Router) message(c *call, args command.Args, replicated bool) cluster.Message {
	return cluster.Message{
		Name:       c.req.Name,
		Args:       map[string]any(args.Clone()),
		RequestID:  c.req.RequestID,
		Origin:     r.topo.Self().ID,
		Replicated: replicated,
	}
}

// sendContext carries the call's span and request id without inheriting
// the Pump context's cancellation.
func (r *Router) sendContext(c *call) context.Context {
	ctx := trace.ContextWithSpan(r.base, c.span)
	return logging.ContextWithRequestID(ctx, c.req.RequestID)
}

func (r *Router) enqueueSend(job sendJob) {
	r.sendMu.Lock()
	s, ok := r.senders[job.ep.ID]
	if !ok {
		s = &sender{wake: make(chan struct{}, 1)}
		r.senders[job.ep.ID] = s
		r.wg.Add(1)
		go r.runSender(s)
	}
	s.queue = append(s.queue, job)
	r.sendMu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (r *Router) runSender(s *sender) {
	defer r.wg.Done()
	for {
		select {
		case <-r.base.Done():
			return
		case <-s.wake:
		}
		for {
			r.sendMu.Lock()
			if len(s.queue) == 0 {
				r.sendMu.Unlock()
				break
			}
			job := s.queue[0]
			s.queue = s.queue[1:]
			for job.msg.Name == FrameSyncCommand && len(s.queue) > 0 && s.queue[0].msg.Name == FrameSyncCommand {
				job.msg = mergeFrameSync(job.msg, s.queue[0].msg)
				s.queue = s.queue[1:]
			}
			r.sendMu.Unlock()

			ctx, cancel := context.WithTimeout(job.ctx, job.timeout)
			result, err := r.topo.SendToNode(ctx, job.ep, job.msg)
			cancel()

			r.mu.Lock()
			r.completions = append(r.completions, completion{id: job.pendingID, node: job.ep.ID, result: result, err: err})
			r.mu.Unlock()

			if r.base.Err() != nil {
				return
			}
		}
	}
}

func (r *Router) applyCompletions(ctx context.Context) {
	r.mu.Lock()
	done := r.completions
	r.completions = nil
	r.mu.Unlock()

	for _, cpl := range done {
		if cpl.id == 0 {
			if cpl.err != nil {
				r.log.Warn(ctx, "frame sync failed",
					logging.String("node", string(cpl.node)),
					logging.Err(cpl.err),
				)
				if r.metrics != nil {
					r.metrics.IncReplicationFailures(FrameSyncCommand)
				}
			}
			continue
		}
		p, ok := r.pending[cpl.id]
		if !ok {
			// Expired or discarded by Reset.
			continue
		}
		if answered, known := p.nodes[cpl.node]; !known || answered {
			continue
		}
		p.nodes[cpl.node] = true
		p.Received++

		switch p.Kind {
		case PendingForward:
			delete(r.pending, p.ID)
			r.finish(p.call, cpl.result, cpl.err)
		case PendingReplication:
			if cpl.err != nil {
				p.Failed++
				r.log.Warn(ctx, "partial replication: worker failed",
					logging.String("command", p.Name),
					logging.String("request_id", p.RequestID),
					logging.String("node", string(cpl.node)),
					logging.Err(cpl.err),
				)
				if r.metrics != nil {
					r.metrics.IncReplicationFailures(p.Name)
				}
			}
			if p.Received >= p.Expected {
				delete(r.pending, p.ID)
			}
		}
	}
}

func (r *Router) expire(ctx context.Context) {
	if len(r.pending) == 0 {
		return
	}
	now := r.wall.Now()
	for _, id := range r.pendingIDs() {
		p := r.pending[id]
		if p == nil || now.Before(p.Deadline) {
			continue
		}
		delete(r.pending, id)

		switch p.Kind {
		case PendingForward:
			var owner cluster.NodeID
			for n := range p.nodes {
				owner = n
			}
			r.finish(p.call, nil, fmt.Errorf("%w: %s did not answer %s within %s",
				command.ErrNodeUnreachable, owner, p.Name, r.forwardTimeout))
		case PendingReplication:
			missing := p.Expected - p.Received
			r.log.Warn(ctx, "partial replication: workers timed out",
				logging.String("command", p.Name),
				logging.String("request_id", p.RequestID),
				logging.Int("missing", missing),
			)
			if r.metrics != nil {
				for range missing {
					r.metrics.IncReplicationFailures(p.Name)
				}
			}
		}
	}
}

// pendingIDs returns pending ids in creation order so expiry replies are
// deterministic.
func (r *Router) pendingIDs() []uint64 {
	ids := make([]uint64, 0, len(r.pending))
	for id := range r.pending {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (r *Router) forwardsInFlight() int {
	n := 0
	for _, p := range r.pending {
		if p.Kind == PendingForward {
			n++
		}
	}
	return n
}

// beginReset closes the clock gate. The reset itself runs once every
// forwarded request has resolved.
func (r *Router) beginReset(c *call) {
	r.reset = c
	r.clock.BeginReset()
	r.markActive(c.req)
	c.log.Info(c.ctx, "reset requested", logging.Int("forwards_in_flight", r.forwardsInFlight()))
	r.advanceReset(c.ctx)
}

func (r *Router) advanceReset(ctx context.Context) {
	c := r.reset
	if c == nil || r.forwardsInFlight() > 0 {
		return
	}

	// Suspended commands cannot finish against a cleared scene.
	interrupted := r.continuations
	r.continuations = nil
	for _, k := range interrupted {
		r.finish(k.call, nil, fmt.Errorf("%w: %s", command.ErrInterrupted, k.call.req.Name))
	}

	for id, p := range r.pending {
		if p.Kind == PendingReplication {
			delete(r.pending, id)
		}
	}

	r.registry.Clear()
	r.topo.ReleaseAll()

	result, err := r.invoke(c)
	r.clock.EndReset()
	r.reset = nil

	if err != nil {
		c.log.Error(c.ctx, "reset failed", logging.Err(err))
	} else {
		c.log.Info(c.ctx, "reset complete", logging.Int("queued", len(r.resetQueue)))
	}
	if err == nil && c.cmd.Variant == command.Distributed && !c.req.Replicated &&
		r.topo.IsMaster() && r.topo.Distributed() {
		r.broadcast(c, c.req.Args)
	}
	if d, ok := result.(command.Deferred); ok && err == nil {
		// A reset handler that needs more frames finishes through the
		// normal continuation path; the client stays active meanwhile.
		r.continuations = append(r.continuations, &continuation{call: c, poll: d.Poll})
	} else {
		r.finish(c, result, err)
	}

	queued := r.resetQueue
	r.resetQueue = nil
	for _, req := range queued {
		r.Dispatch(ctx, req)
	}
}
