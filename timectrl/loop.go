package timectrl

import (
	"context"
	"time"
)

// FrameHook runs once per loop iteration before the clock ticks. The router
// pump is registered as one.
type FrameHook func(ctx context.Context)

// Loop drives the controller: each iteration runs the frame hooks and then
// ticks. In real time it waits one native frame period per iteration; while
// running non-realtime it spins as fast as the hooks allow.
type Loop struct {
	ctrl   *Controller
	hooks  []FrameHook
	period time.Duration
}

// NewLoop constructs a loop for ctrl.
func NewLoop(ctrl *Controller, hooks ...FrameHook) *Loop {
	return &Loop{
		ctrl:   ctrl,
		hooks:  hooks,
		period: time.Duration(float64(time.Second) / ctrl.NativeFrameRate()),
	}
}

// AddHook appends a frame hook. It must be called before Start.
func (l *Loop) AddHook(h FrameHook) {
	l.hooks = append(l.hooks, h)
}

// RunFrame performs a single iteration and reports whether time advanced.
func (l *Loop) RunFrame(ctx context.Context) bool {
	for _, h := range l.hooks {
		h(ctx)
	}
	return l.ctrl.Tick()
}

// Start runs the loop in a separate goroutine until ctx is cancelled. It
// returns a channel that is closed when the loop exits.
func (l *Loop) Start(ctx context.Context) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)

		ticker := time.NewTicker(l.period)
		defer ticker.Stop()

		for {
			l.RunFrame(ctx)

			s := l.ctrl.Snapshot()
			if s.Mode != Paused && s.NonRealtime {
				select {
				case <-ctx.Done():
					return
				default:
				}
				continue
			}

			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
	return done
}
