package router

import (
	"time"

	"github.com/signalsfoundry/simctl/internal/cluster"
)

// FrameSyncCommand carries frames the master simulated to its workers.
// Workers register a handler for it; clients never send it.
const FrameSyncCommand = "cluster/frame_sync"

// Frame sync argument keys.
const (
	FrameArg = "frame"
	StepsArg = "step_ns"
)

// FrameAdvanced records that the local clock reached frame after advancing
// by dt. On a distributed master the recorded frames are sent to every
// connected worker at the start of the next Pump, ahead of anything that
// Pump dispatches. It is safe to call from a clock listener.
func (r *Router) FrameAdvanced(frame uint64, dt time.Duration) {
	r.mu.Lock()
	r.frames = append(r.frames, dt)
	r.lastFrame = frame
	r.mu.Unlock()
}

func (r *Router) syncFrames() {
	r.mu.Lock()
	steps, frame := r.frames, r.lastFrame
	r.frames = nil
	r.mu.Unlock()

	if len(steps) == 0 || !r.topo.IsMaster() || !r.topo.Distributed() {
		return
	}
	workers := r.topo.ConnectedWorkers()
	if len(workers) == 0 {
		return
	}
	ns := make([]any, len(steps))
	for i, dt := range steps {
		ns[i] = int64(dt)
	}
	msg := cluster.Message{
		Name:       FrameSyncCommand,
		Args:       map[string]any{FrameArg: frame, StepsArg: ns},
		Origin:     r.topo.Self().ID,
		Replicated: true,
	}
	for _, ep := range workers {
		// Untracked: completions with id 0 are only logged.
		r.enqueueSend(sendJob{ctx: r.base, ep: ep, msg: msg, timeout: r.replicationTimeout})
	}
}

// mergeFrameSync folds the frame sync b into a, which was queued first.
func mergeFrameSync(a, b cluster.Message) cluster.Message {
	as, _ := a.Args[StepsArg].([]any)
	bs, _ := b.Args[StepsArg].([]any)
	steps := make([]any, 0, len(as)+len(bs))
	steps = append(append(steps, as...), bs...)
	a.Args = map[string]any{FrameArg: b.Args[FrameArg], StepsArg: steps}
	return a
}
