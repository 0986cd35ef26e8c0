// Package timectrl owns simulated time: the Paused / FreeRunning /
// BoundedRunning state machine, the reset gate consulted by the router, and
// the frame loop that drives both.
package timectrl

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"time"
)

// Mode describes whether and how simulated time advances.
type Mode int

const (
	// Paused: no simulated time advances.
	Paused Mode = iota
	// FreeRunning advances indefinitely.
	FreeRunning
	// BoundedRunning advances until the frame or time limit is reached, then
	// pauses on its own.
	BoundedRunning
)

func (m Mode) String() string {
	switch m {
	case Paused:
		return "paused"
	case FreeRunning:
		return "free_running"
	case BoundedRunning:
		return "bounded_running"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// DefaultFrameRate is the native frame rate used when none is configured.
const DefaultFrameRate = 60.0

var (
	ErrInvalidTransition = errors.New("invalid clock transition")
	ErrResetting         = errors.New("clock is resetting")
)

// State is a snapshot of the controller.
type State struct {
	Mode  Mode
	Frame uint64
	Time  time.Duration
	// FrameLimit and TimeLimit are absolute bounds; zero means unset.
	FrameLimit uint64
	TimeLimit  time.Duration
	// FrameRate is the target rate used while NonRealtime is set.
	FrameRate   float64
	NonRealtime bool
}

// Seconds returns the simulated time in seconds.
func (s State) Seconds() float64 { return s.Time.Seconds() }

// TransitionKind enumerates the requests accepted by Apply.
type TransitionKind int

const (
	TransitionPause TransitionKind = iota
	TransitionContinue
	TransitionRun
	TransitionStep
)

// Transition is a clock state change requested by a command.
type Transition struct {
	Kind TransitionKind
	// Duration bounds TransitionRun. Zero runs without limit.
	Duration time.Duration
	// Frames and FrameRate parameterize TransitionStep.
	Frames    uint64
	FrameRate float64
}

// MetricsRecorder observes the clock after every state change.
type MetricsRecorder interface {
	SetClockState(mode string, frame uint64, seconds float64)
}

// Option configures a Controller.
type Option func(*Controller)

// WithNativeFrameRate sets the real-time frame rate.
func WithNativeFrameRate(fps float64) Option {
	return func(c *Controller) {
		if fps > 0 {
			c.native = fps
		}
	}
}

// WithMetricsRecorder attaches a recorder.
func WithMetricsRecorder(m MetricsRecorder) Option {
	return func(c *Controller) { c.metrics = m }
}

// Listener is invoked after every advancing tick with the new state and the
// simulated time that elapsed.
type Listener func(s State, dt time.Duration)

// Controller is the simulation clock. It is safe for concurrent use.
type Controller struct {
	mu        sync.RWMutex
	state     State
	native    float64
	resetting bool
	listeners []Listener
	metrics   MetricsRecorder
}

// New constructs a paused controller at frame zero.
func New(opts ...Option) *Controller {
	c := &Controller{native: DefaultFrameRate}
	for _, opt := range opts {
		opt(c)
	}
	c.state = State{Mode: Paused, FrameRate: c.native}
	c.record(c.state)
	return c
}

// NativeFrameRate returns the real-time frame rate.
func (c *Controller) NativeFrameRate() float64 { return c.native }

// Snapshot returns a copy of the current state.
func (c *Controller) Snapshot() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// CurrentFrame returns the number of frames simulated since the last reset.
func (c *Controller) CurrentFrame() uint64 { return c.Snapshot().Frame }

// CurrentTime returns the simulated time since the last reset.
func (c *Controller) CurrentTime() time.Duration { return c.Snapshot().Time }

// AddListener registers fn to run after each advancing tick.
func (c *Controller) AddListener(fn Listener) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners = append(c.listeners, fn)
}

// Apply performs a transition.
func (c *Controller) Apply(t Transition) error {
	c.mu.Lock()
	if c.resetting {
		c.mu.Unlock()
		return ErrResetting
	}
	next := c.state
	switch t.Kind {
	case TransitionPause:
		next.Mode = Paused
	case TransitionContinue:
		next.Mode = FreeRunning
		next.FrameLimit, next.TimeLimit = 0, 0
		next.NonRealtime = false
	case TransitionRun:
		if t.Duration < 0 {
			c.mu.Unlock()
			return fmt.Errorf("%w: negative time limit %v", ErrInvalidTransition, t.Duration)
		}
		next.FrameLimit = 0
		next.NonRealtime = false
		if t.Duration == 0 {
			next.Mode = FreeRunning
			next.TimeLimit = 0
		} else {
			next.Mode = BoundedRunning
			next.TimeLimit = next.Time + t.Duration
		}
	case TransitionStep:
		if t.Frames == 0 {
			c.mu.Unlock()
			return fmt.Errorf("%w: frames must be positive", ErrInvalidTransition)
		}
		if !(t.FrameRate > 0) || math.IsInf(t.FrameRate, 0) {
			c.mu.Unlock()
			return fmt.Errorf("%w: framerate must be positive, got %v", ErrInvalidTransition, t.FrameRate)
		}
		next.Mode = BoundedRunning
		next.FrameLimit = next.Frame + t.Frames
		next.TimeLimit = 0
		next.FrameRate = t.FrameRate
		next.NonRealtime = true
	default:
		c.mu.Unlock()
		return fmt.Errorf("%w: unknown transition %d", ErrInvalidTransition, int(t.Kind))
	}
	c.state = next
	c.mu.Unlock()

	c.record(next)
	return nil
}

// Pause stops simulated time.
func (c *Controller) Pause() error { return c.Apply(Transition{Kind: TransitionPause}) }

// Continue runs without limit at the native rate.
func (c *Controller) Continue() error { return c.Apply(Transition{Kind: TransitionContinue}) }

// Run advances for d of simulated time and then pauses. Run(0) runs forever.
func (c *Controller) Run(d time.Duration) error {
	return c.Apply(Transition{Kind: TransitionRun, Duration: d})
}

// Step advances exactly frames frames of 1/rate seconds each, decoupled from
// wall-clock time, and then pauses.
func (c *Controller) Step(frames uint64, rate float64) error {
	return c.Apply(Transition{Kind: TransitionStep, Frames: frames, FrameRate: rate})
}

// Tick advances one frame unless paused, and pauses when a bound is reached.
// It reports whether time advanced.
func (c *Controller) Tick() bool {
	c.mu.Lock()
	if c.state.Mode == Paused || c.resetting {
		c.mu.Unlock()
		return false
	}
	rate := c.native
	if c.state.NonRealtime {
		rate = c.state.FrameRate
	}
	dt := time.Duration(float64(time.Second) / rate)

	c.state.Frame++
	c.state.Time += dt
	if c.state.Mode == BoundedRunning && c.boundReached() {
		c.state.Mode = Paused
		c.state.FrameLimit, c.state.TimeLimit = 0, 0
	}
	s := c.state
	listeners := append([]Listener(nil), c.listeners...)
	c.mu.Unlock()

	c.record(s)
	for _, fn := range listeners {
		fn(s, dt)
	}
	return true
}

// Advance moves time forward by one frame of dt whatever the mode, without
// touching the mode or its bounds. Workers follow the master's frames with
// it. It reports false, and does nothing, while resetting.
func (c *Controller) Advance(dt time.Duration) bool {
	c.mu.Lock()
	if c.resetting || dt < 0 {
		c.mu.Unlock()
		return false
	}
	c.state.Frame++
	c.state.Time += dt
	s := c.state
	listeners := append([]Listener(nil), c.listeners...)
	c.mu.Unlock()

	c.record(s)
	for _, fn := range listeners {
		fn(s, dt)
	}
	return true
}

func (c *Controller) boundReached() bool {
	s := c.state
	if s.FrameLimit > 0 && s.Frame >= s.FrameLimit {
		return true
	}
	return s.TimeLimit > 0 && s.Time >= s.TimeLimit
}

// BeginReset closes the gate: transitions fail and Tick stops advancing
// until EndReset.
func (c *Controller) BeginReset() {
	c.mu.Lock()
	c.resetting = true
	c.mu.Unlock()
}

// Reset zeroes the counters and pauses at the native rate.
func (c *Controller) Reset() {
	c.mu.Lock()
	c.state = State{Mode: Paused, FrameRate: c.native}
	s := c.state
	c.mu.Unlock()
	c.record(s)
}

// EndReset reopens the gate.
func (c *Controller) EndReset() {
	c.mu.Lock()
	c.resetting = false
	c.mu.Unlock()
}

// IsResetting reports whether a reset is in progress.
func (c *Controller) IsResetting() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.resetting
}

func (c *Controller) record(s State) {
	if c.metrics != nil {
		c.metrics.SetClockState(s.Mode.String(), s.Frame, s.Seconds())
	}
}
