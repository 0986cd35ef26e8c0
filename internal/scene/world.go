package scene

import (
	"fmt"
	"sync"
	"time"

	"github.com/signalsfoundry/simctl/internal/command"
)

// DefaultLoadFrames is how many frames a scene load takes.
const DefaultLoadFrames = 3

// Scene errors are client mistakes and classify as invalid arguments.
var (
	ErrNoScene         = fmt.Errorf("%w: no scene loaded", command.ErrInvalidArgument)
	ErrLoading         = fmt.Errorf("%w: scene is loading", command.ErrInvalidArgument)
	ErrUnknownScene    = fmt.Errorf("%w: unknown scene", command.ErrInvalidArgument)
	ErrUnknownModel    = fmt.Errorf("%w: unknown model", command.ErrInvalidArgument)
	ErrUnsupportedKind = fmt.Errorf("%w: unsupported agent type", command.ErrInvalidArgument)
)

// Weather is the environment state; each component is in [0,1].
type Weather struct {
	Rain    float64 `json:"rain"`
	Fog     float64 `json:"fog"`
	Wetness float64 `json:"wetness"`
}

func (w Weather) clamped() Weather {
	return Weather{Rain: clamp01(w.Rain), Fog: clamp01(w.Fog), Wetness: clamp01(w.Wetness)}
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}

// EventType names a simulation event.
type EventType string

const EventCollision EventType = "collision"

// Event is raised during Step for agents that subscribed to it. Other is nil
// when the agent hit something that is not an agent.
type Event struct {
	Type    EventType
	Agent   *Agent
	Other   *Agent
	Contact Vector
}

// Option configures a World.
type Option func(*World)

// WithLoadFrames sets how many Update calls a scene load takes. Zero loads
// synchronously.
func WithLoadFrames(n int) Option {
	return func(w *World) {
		if n >= 0 {
			w.loadFrames = n
		}
	}
}

// World is the simulated scene. It is safe for concurrent use, though the
// simulator drives it from the loop goroutine only.
type World struct {
	mu sync.Mutex

	catalog    *Catalog
	loadFrames int

	scene       string
	pending     string
	loadLeft    int
	loading     bool
	agents      []*Agent
	weather     Weather
	events      []Event
	npcSequence int
}

// NewWorld creates an empty world. A nil catalog selects DefaultCatalog.
func NewWorld(cat *Catalog, opts ...Option) *World {
	if cat == nil {
		cat = DefaultCatalog()
	}
	w := &World{catalog: cat, loadFrames: DefaultLoadFrames}
	for _, opt := range opts {
		if opt != nil {
			opt(w)
		}
	}
	return w
}

// Catalog returns the asset catalog.
func (w *World) Catalog() *Catalog { return w.catalog }

// Scene returns the loaded scene name, or "" when none is loaded.
func (w *World) Scene() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.scene
}

// Loading reports whether a scene load is in progress.
func (w *World) Loading() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.loading
}

// LoadScene starts loading name. The current scene, its agents and pending
// events are dropped immediately and weather returns to clear. The load
// completes after the configured number of Update calls.
func (w *World) LoadScene(name string) error {
	if !w.catalog.HasScene(name) {
		return fmt.Errorf("%w: %q", ErrUnknownScene, name)
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	w.clearLocked()
	w.scene = ""
	w.pending = name
	w.loadLeft = w.loadFrames
	w.loading = true
	if w.loadLeft == 0 {
		w.finishLoadLocked()
	}
	return nil
}

// Update advances frame-driven work such as scene loading. It runs every
// loop iteration, including while the clock is paused.
func (w *World) Update() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.loading {
		return
	}
	w.loadLeft--
	if w.loadLeft <= 0 {
		w.finishLoadLocked()
	}
}

func (w *World) finishLoadLocked() {
	w.scene = w.pending
	w.pending = ""
	w.loading = false
	w.loadLeft = 0
}

// NextNPCName returns a deterministic name for the next NPC of the given
// model.
func (w *World) NextNPCName(model string) string {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.npcSequence++
	return fmt.Sprintf("%s_%d", model, w.npcSequence)
}

// Spawn creates an agent of kind from the named model. Ego vehicles are built
// with the sensors their model declares.
func (w *World) Spawn(kind AgentKind, model string, state AgentState) (*Agent, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.loading {
		return nil, ErrLoading
	}
	if w.scene == "" {
		return nil, ErrNoScene
	}

	a := &Agent{Name: model, Kind: kind, State: state}
	switch kind {
	case Ego:
		v, ok := w.catalog.Vehicle(model)
		if !ok {
			return nil, fmt.Errorf("%w: vehicle %q", ErrUnknownModel, model)
		}
		a.Radius = radius(v.Radius)
		for _, sm := range v.Sensors {
			k, err := ParseSensorKind(sm.Type)
			if err != nil {
				return nil, err
			}
			enabled := true
			if sm.Enabled != nil {
				enabled = *sm.Enabled
			}
			a.Sensors = append(a.Sensors, &Sensor{
				Name:    sm.Name,
				Kind:    k,
				Params:  sm.Params,
				Enabled: enabled,
				Agent:   a,
			})
		}
	case NPC:
		m, ok := w.catalog.NPC(model)
		if !ok {
			return nil, fmt.Errorf("%w: npc %q", ErrUnknownModel, model)
		}
		a.Radius = radius(m.Radius)
	case Pedestrian:
		m, ok := w.catalog.Pedestrian(model)
		if !ok {
			return nil, fmt.Errorf("%w: pedestrian %q", ErrUnknownModel, model)
		}
		a.Radius = radius(m.Radius)
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedKind, int(kind))
	}

	w.agents = append(w.agents, a)
	return a, nil
}

func radius(r float64) float64 {
	if r <= 0 {
		return DefaultRadius
	}
	return r
}

// Despawn removes a from the world. It reports whether a was present.
func (w *World) Despawn(a *Agent) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	for i, other := range w.agents {
		if other != a {
			continue
		}
		w.agents = append(w.agents[:i], w.agents[i+1:]...)
		for _, rest := range w.agents {
			delete(rest.contacts, a)
		}
		kept := w.events[:0]
		for _, ev := range w.events {
			if ev.Agent != a {
				if ev.Other == a {
					ev.Other = nil
				}
				kept = append(kept, ev)
			}
		}
		w.events = kept
		return true
	}
	return false
}

// Agents returns the live agents in spawn order.
func (w *World) Agents() []*Agent {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]*Agent, len(w.agents))
	copy(out, w.agents)
	return out
}

// State returns a's kinematic state.
func (w *World) State(a *Agent) AgentState {
	w.mu.Lock()
	defer w.mu.Unlock()
	return a.State
}

// SetState overwrites a's kinematic state.
func (w *World) SetState(a *Agent, s AgentState) {
	w.mu.Lock()
	defer w.mu.Unlock()
	a.State = s
}

// EnableCollisions subscribes a to collision events.
func (w *World) EnableCollisions(a *Agent) {
	w.mu.Lock()
	defer w.mu.Unlock()
	a.collisions = true
}

// SetSensorEnabled toggles a sensor.
func (w *World) SetSensorEnabled(s *Sensor, enabled bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	s.Enabled = enabled
}

// SensorEnabled reports whether s is enabled.
func (w *World) SensorEnabled(s *Sensor) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return s.Enabled
}

// Step integrates every agent over dt and records collision events for
// subscribed agents whose bounding spheres start to overlap.
func (w *World) Step(dt time.Duration) {
	if dt <= 0 {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	secs := dt.Seconds()
	for _, a := range w.agents {
		tr := &a.State.Transform
		tr.Position = tr.Position.Add(a.State.Velocity.Scale(secs))
		tr.Rotation = tr.Rotation.Add(a.State.AngularVelocity.Scale(secs))
	}

	for i, a := range w.agents {
		for _, b := range w.agents[i+1:] {
			w.collideLocked(a, b)
		}
	}
}

func (w *World) collideLocked(a, b *Agent) {
	pa, pb := a.State.Transform.Position, b.State.Transform.Position
	touching := pb.Sub(pa).Length() < a.Radius+b.Radius
	if !touching {
		delete(a.contacts, b)
		delete(b.contacts, a)
		return
	}
	if a.contacts[b] {
		return
	}
	if a.contacts == nil {
		a.contacts = make(map[*Agent]bool)
	}
	if b.contacts == nil {
		b.contacts = make(map[*Agent]bool)
	}
	a.contacts[b] = true
	b.contacts[a] = true

	// The contact point sits on the segment between centres, weighted by radius.
	contact := pa.Lerp(pb, a.Radius/(a.Radius+b.Radius))
	if a.collisions {
		w.events = append(w.events, Event{Type: EventCollision, Agent: a, Other: b, Contact: contact})
	}
	if b.collisions {
		w.events = append(w.events, Event{Type: EventCollision, Agent: b, Other: a, Contact: contact})
	}
}

// PendingEvents reports how many events are waiting to be drained.
func (w *World) PendingEvents() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.events)
}

// DrainEvents returns and clears the pending events.
func (w *World) DrainEvents() []Event {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := w.events
	w.events = nil
	return out
}

// Weather returns the current weather.
func (w *World) Weather() Weather {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.weather
}

// SetWeather stores wt with every component clamped to [0,1] and returns the
// stored value.
func (w *World) SetWeather(wt Weather) Weather {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.weather = wt.clamped()
	return w.weather
}

// Reset removes every agent and pending event and clears the weather. The
// loaded scene is kept.
func (w *World) Reset() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.clearLocked()
}

func (w *World) clearLocked() {
	w.agents = nil
	w.events = nil
	w.weather = Weather{}
	w.npcSequence = 0
}
