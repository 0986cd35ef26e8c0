package router

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/signalsfoundry/simctl/internal/cluster"
	"github.com/signalsfoundry/simctl/internal/command"
	"github.com/signalsfoundry/simctl/internal/logging"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// call is a request that passed lookup and is being executed.
type call struct {
	req   *Request
	cmd   command.Command
	ctx   context.Context
	span  trace.Span
	log   logging.Logger
	start time.Time
}

type clientQueue struct {
	active bool
	queue  []*Request
}

type continuation struct {
	call *call
	poll command.PollFunc
}

// Dispatch admits one request. It must be called from the Pump goroutine;
// transports use Submit instead.
func (r *Router) Dispatch(ctx context.Context, req *Request) {
	if req.Args == nil {
		req.Args = command.Args{}
	}
	if external(req) {
		if q := r.clients[req.Client]; q != nil && (q.active || len(q.queue) > 0) {
			q.queue = append(q.queue, req)
			return
		}
	}
	r.start(ctx, req)
}

func external(req *Request) bool {
	return !req.Replicated && req.Done == nil
}

func (r *Router) start(ctx context.Context, req *Request) {
	if r.reset != nil || r.clock.IsResetting() {
		r.log.Info(ctx, "request queued until reset completes",
			logging.String("command", req.Name),
			logging.String("client", req.Client),
			logging.Err(command.ErrMidReset),
		)
		if r.metrics != nil {
			r.metrics.IncResetQueued()
		}
		r.resetQueue = append(r.resetQueue, req)
		return
	}

	if req.Err != nil {
		r.log.Debug(ctx, "request rejected by transport", logging.String("client", req.Client), logging.Err(req.Err))
		r.deliver(ctx, req, nil, req.Err)
		return
	}
	cmd, err := r.table.Lookup(req.Name)
	if err != nil {
		r.log.Debug(ctx, "unknown command", logging.String("command", req.Name), logging.String("client", req.Client))
		r.deliver(ctx, req, nil, err)
		return
	}

	c := r.newCall(ctx, req, cmd)
	if cmd.Effect == command.EffectReset {
		r.beginReset(c)
		return
	}

	switch cmd.Variant {
	case command.Local:
		r.runLocal(c)
	case command.Delegated:
		r.dispatchDelegated(c)
	case command.Distributed:
		if req.Replicated || !r.topo.IsMaster() {
			r.runLocal(c)
			return
		}
		r.dispatchDistributed(c)
	default:
		r.finish(c, nil, fmt.Errorf("%w: unknown variant %v", command.ErrInternal, cmd.Variant))
	}
}

func (r *Router) newCall(ctx context.Context, req *Request, cmd command.Command) *call {
	ctx = logging.ContextWithRequestID(ctx, req.RequestID)
	ctx, span := r.tracer.Start(ctx, "router.Dispatch/"+req.Name,
		trace.WithAttributes(
			attribute.String("command", req.Name),
			attribute.String("variant", cmd.Variant.String()),
			attribute.String("client", req.Client),
			attribute.String("request_id", req.RequestID),
			attribute.Bool("replicated", req.Replicated),
		),
	)
	log := r.log.With(
		logging.String("command", req.Name),
		logging.String("request_id", req.RequestID),
	)
	ctx = logging.ContextWithLogger(ctx, log)
	ctx = command.WithCaller(ctx, command.Caller{
		Client:     req.Client,
		RequestID:  req.RequestID,
		Replicated: req.Replicated,
		Node:       string(r.topo.Self().ID),
	})
	return &call{req: req, cmd: cmd, ctx: ctx, span: span, log: log, start: time.Now()}
}

func (r *Router) dispatchDelegated(c *call) {
	uid, err := c.req.Args.UID()
	if err != nil {
		r.finish(c, nil, err)
		return
	}
	if c.req.Replicated || !r.topo.Distributed() {
		r.runLocal(c)
		return
	}
	owner, ok := r.topo.OwnerOf(uid)
	if !ok {
		r.finish(c, nil, command.NotFoundf("uid %q has no owner", uid))
		return
	}
	if owner.ID == r.topo.Self().ID {
		r.runLocal(c)
		return
	}
	r.forward(c, owner)
}

func (r *Router) dispatchDistributed(c *call) {
	args := c.req.Args.Clone()
	if c.cmd.Effect == command.EffectSpawn && !args.Has(OwnerArg) {
		args[OwnerArg] = string(r.topo.Place())
	}
	c.req.Args = args

	result, err := r.invoke(c)
	if err != nil {
		r.finish(c, nil, err)
		return
	}
	if s, ok := result.(command.Spawned); ok {
		c.req.Args = c.req.Args.WithUID(s.UID)
	}
	result = r.applyEffect(c, result)

	if r.topo.Distributed() {
		r.broadcast(c, c.req.Args)
	}
	r.complete(c, result)
}

func (r *Router) runLocal(c *call) {
	result, err := r.invoke(c)
	if err != nil {
		r.finish(c, nil, err)
		return
	}
	r.complete(c, r.applyEffect(c, result))
}

// complete replies with result, or suspends the call when the handler
// returned a continuation.
func (r *Router) complete(c *call, result any) {
	if d, ok := result.(command.Deferred); ok && d.Poll != nil {
		r.continuations = append(r.continuations, &continuation{call: c, poll: d.Poll})
		r.markActive(c.req)
		return
	}
	r.finish(c, result, nil)
}

// applyEffect performs ownership bookkeeping and converts a Spawned result
// into its client-visible form.
func (r *Router) applyEffect(c *call, result any) any {
	switch c.cmd.Effect {
	case command.EffectSpawn:
		s, ok := result.(command.Spawned)
		if !ok {
			return result
		}
		owner := r.topo.Self().ID
		if o, err := c.req.Args.OptString(OwnerArg, ""); err == nil && o != "" {
			owner = cluster.NodeID(o)
		}
		r.topo.Claim(owner, s.UID, s.Children...)
		return s.Reply()
	case command.EffectDespawn:
		if uid, err := c.req.Args.UID(); err == nil {
			r.topo.Release(uid)
		}
	}
	if s, ok := result.(command.Spawned); ok {
		return s.Reply()
	}
	return result
}

// invoke runs the handler, converting panics into ErrInternal.
func (r *Router) invoke(c *call) (result any, err error) {
	defer func() {
		if p := recover(); p != nil {
			c.log.Error(c.ctx, "command handler panicked",
				logging.Any("panic", p),
				logging.String("stack", string(debug.Stack())),
			)
			result, err = nil, fmt.Errorf("%w: %s: %v", command.ErrInternal, c.req.Name, p)
		}
	}()
	return c.cmd.Handler(c.ctx, c.req.Args)
}

// finish ends the call's span and metrics and delivers its reply.
func (r *Router) finish(c *call, result any, err error) {
	code := command.Code(err)
	if err != nil {
		c.span.RecordError(err)
		c.span.SetStatus(codes.Error, err.Error())
	}
	c.span.End()
	if r.metrics != nil {
		label := code
		if label == "" {
			label = "OK"
		}
		r.metrics.ObserveCommand(c.req.Name, c.cmd.Variant.String(), label, time.Since(c.start))
	}
	r.deliver(c.ctx, c.req, result, err)
}

// deliver sends the single reply of req and releases the client's queue.
func (r *Router) deliver(ctx context.Context, req *Request, result any, err error) {
	rep := Reply{
		Client:    req.Client,
		RequestID: req.RequestID,
		Name:      req.Name,
		Result:    result,
		Err:       err,
	}
	switch {
	case req.Done != nil:
		select {
		case req.Done <- rep:
		default:
			r.log.Warn(ctx, "dropping reply: done channel full", logging.String("command", req.Name))
		}
	case req.Replicated:
		if err != nil {
			r.log.Warn(ctx, "replicated command failed", logging.String("command", req.Name), logging.Err(err))
		}
	default:
		r.replier.Reply(ctx, rep)
	}

	if external(req) {
		r.release(ctx, req.Client)
	}
}

func (r *Router) markActive(req *Request) {
	if !external(req) {
		return
	}
	q := r.clients[req.Client]
	if q == nil {
		q = &clientQueue{}
		r.clients[req.Client] = q
	}
	q.active = true
}

// release clears the client's active flag and dispatches its queued
// requests until one of them suspends again.
func (r *Router) release(ctx context.Context, client string) {
	q := r.clients[client]
	if q == nil {
		return
	}
	q.active = false
	for !q.active && len(q.queue) > 0 {
		next := q.queue[0]
		q.queue = q.queue[1:]
		r.start(ctx, next)
	}
	if !q.active && len(q.queue) == 0 {
		delete(r.clients, client)
	}
}

func (r *Router) poll(ctx context.Context) {
	if len(r.continuations) == 0 {
		return
	}
	current := r.continuations
	r.continuations = nil
	var remaining []*continuation
	for _, k := range current {
		done, result, err := r.pollOne(k)
		if !done {
			remaining = append(remaining, k)
			continue
		}
		if err != nil {
			r.finish(k.call, nil, err)
		} else {
			r.finish(k.call, result, nil)
		}
	}
	// Continuations registered while finishing (queued requests that
	// suspended) are kept after the ones still waiting.
	r.continuations = append(remaining, r.continuations...)
}

func (r *Router) pollOne(k *continuation) (done bool, result any, err error) {
	defer func() {
		if p := recover(); p != nil {
			k.call.log.Error(k.call.ctx, "continuation panicked", logging.Any("panic", p))
			done, result, err = true, nil, fmt.Errorf("%w: %s: %v", command.ErrInternal, k.call.req.Name, p)
		}
	}()
	return k.poll(k.call.ctx)
}
