package commands

import (
	"context"
	"errors"

	"github.com/signalsfoundry/simctl/internal/command"
	"github.com/signalsfoundry/simctl/internal/logging"
	"github.com/signalsfoundry/simctl/internal/registry"
	"github.com/signalsfoundry/simctl/internal/scene"
)

// addAgent spawns an agent. Replicas receive the UID the master chose in the
// arguments; otherwise NPCs are named after their model and ego vehicles and
// pedestrians get random UIDs.
func (h *handlers) addAgent(ctx context.Context, args command.Args) (any, error) {
	name, err := args.String("name")
	if err != nil {
		return nil, err
	}
	typ, err := args.Int("type")
	if err != nil {
		return nil, err
	}
	kind := scene.AgentKind(typ)
	if !kind.Valid() {
		return nil, command.InvalidArgumentf("unsupported agent type %d", typ)
	}
	stateArgs, err := args.OptObject("state")
	if err != nil {
		return nil, err
	}
	state, err := scene.ParseAgentState(stateArgs)
	if err != nil {
		return nil, err
	}

	a, err := h.World.Spawn(kind, name, state)
	switch {
	case errors.Is(err, scene.ErrUnknownModel):
		return nil, command.InvalidArgumentf("unknown %s name %q", kind, name)
	case err != nil:
		return nil, err
	}

	uid, err := h.registerAgent(args, a)
	if err != nil {
		h.World.Despawn(a)
		return nil, err
	}

	children := make([]string, 0, len(a.Sensors))
	for _, s := range a.Sensors {
		suid := sensorUID(uid, s.Name)
		if err := h.Registry.RegisterAs(registry.Sensor, suid, s); err != nil {
			h.unregister(uid, a)
			h.World.Despawn(a)
			return nil, err
		}
		children = append(children, suid)
	}

	h.Log.Debug(ctx, "agent spawned",
		logging.String("uid", uid),
		logging.String("name", name),
		logging.String("kind", kind.String()),
		logging.Int("sensors", len(children)),
	)
	return command.Spawned{UID: uid, Children: children}, nil
}

func (h *handlers) registerAgent(args command.Args, a *scene.Agent) (string, error) {
	if args.Has(command.UIDKey) {
		uid, err := args.UID()
		if err != nil {
			return "", err
		}
		return uid, h.Registry.RegisterAs(registry.Agent, uid, a)
	}
	if a.Kind == scene.NPC {
		uid := h.World.NextNPCName(a.Name)
		return uid, h.Registry.RegisterAs(registry.Agent, uid, a)
	}
	return h.Registry.Register(registry.Agent, a)
}

func (h *handlers) unregister(uid string, a *scene.Agent) {
	for _, s := range a.Sensors {
		h.Registry.Remove(registry.Sensor, sensorUID(uid, s.Name))
	}
	h.Registry.Remove(registry.Agent, uid)
}

// removeAgent is idempotent: removing an unknown UID succeeds.
func (h *handlers) removeAgent(ctx context.Context, args command.Args) (any, error) {
	uid, err := args.UID()
	if err != nil {
		return nil, err
	}
	a, err := registry.Lookup[*scene.Agent](h.Registry, registry.Agent, uid)
	if err != nil {
		return nil, nil
	}
	h.World.Despawn(a)
	h.unregister(uid, a)
	h.Log.Debug(ctx, "agent removed", logging.String("uid", uid))
	return nil, nil
}

func (h *handlers) stateGet(_ context.Context, args command.Args) (any, error) {
	_, a, err := h.agent(args)
	if err != nil {
		return nil, err
	}
	return h.World.State(a), nil
}

func (h *handlers) stateSet(_ context.Context, args command.Args) (any, error) {
	_, a, err := h.agent(args)
	if err != nil {
		return nil, err
	}
	raw, err := args.Object("state")
	if err != nil {
		return nil, err
	}
	state, err := scene.ParseAgentState(raw)
	if err != nil {
		return nil, err
	}
	h.World.SetState(a, state)
	return nil, nil
}

func (h *handlers) boundingBox(_ context.Context, args command.Args) (any, error) {
	_, a, err := h.agent(args)
	if err != nil {
		return nil, err
	}
	return a.BoundingBox(), nil
}

func (h *handlers) onCollision(_ context.Context, args command.Args) (any, error) {
	_, a, err := h.agent(args)
	if err != nil {
		return nil, err
	}
	h.World.EnableCollisions(a)
	return nil, nil
}

func (h *handlers) sensors(_ context.Context, args command.Args) (any, error) {
	uid, a, err := h.agent(args)
	if err != nil {
		return nil, err
	}
	out := make([]map[string]any, 0, len(a.Sensors))
	for _, s := range a.Sensors {
		d := s.Describe()
		d["uid"] = sensorUID(uid, s.Name)
		out = append(out, d)
	}
	return out, nil
}

func (h *handlers) sensorEnabledGet(_ context.Context, args command.Args) (any, error) {
	s, err := h.sensor(args)
	if err != nil {
		return nil, err
	}
	return h.World.SensorEnabled(s), nil
}

func (h *handlers) sensorEnabledSet(_ context.Context, args command.Args) (any, error) {
	s, err := h.sensor(args)
	if err != nil {
		return nil, err
	}
	enabled, err := args.Bool("enabled")
	if err != nil {
		return nil, err
	}
	h.World.SetSensorEnabled(s, enabled)
	return nil, nil
}

func (h *handlers) weatherGet(context.Context, command.Args) (any, error) {
	return h.World.Weather(), nil
}

// weatherSet updates the given components; omitted ones keep their value.
func (h *handlers) weatherSet(_ context.Context, args command.Args) (any, error) {
	w := h.World.Weather()
	var err error
	if w.Rain, err = args.OptFloat("rain", w.Rain); err != nil {
		return nil, err
	}
	if w.Fog, err = args.OptFloat("fog", w.Fog); err != nil {
		return nil, err
	}
	if w.Wetness, err = args.OptFloat("wetness", w.Wetness); err != nil {
		return nil, err
	}
	return h.World.SetWeather(w), nil
}
