// Package commands builds the simulator's command table: the simulator,
// environment, agent, vehicle and sensor commands clients issue over the
// remote-control API.
package commands

import (
	"errors"
	"fmt"

	"github.com/signalsfoundry/simctl/internal/command"
	"github.com/signalsfoundry/simctl/internal/logging"
	"github.com/signalsfoundry/simctl/internal/registry"
	"github.com/signalsfoundry/simctl/internal/router"
	"github.com/signalsfoundry/simctl/internal/scene"
	"github.com/signalsfoundry/simctl/timectrl"
)

// Deps are the collaborators handlers act on.
type Deps struct {
	Registry *registry.Registry
	Clock    *timectrl.Controller
	World    *scene.World
	Version  string
	Log      logging.Logger
}

func (d Deps) validate() error {
	switch {
	case d.Registry == nil:
		return errors.New("commands: registry is required")
	case d.Clock == nil:
		return errors.New("commands: clock is required")
	case d.World == nil:
		return errors.New("commands: world is required")
	}
	return nil
}

// Table returns the command table bound to d.
func Table(d Deps) (*command.Table, error) {
	if err := d.validate(); err != nil {
		return nil, err
	}
	if d.Log == nil {
		d.Log = logging.Noop()
	}
	h := &handlers{Deps: d}

	return command.NewTable(
		// simulator
		command.Command{Name: "simulator/version", Variant: command.Local, Handler: h.version},
		command.Command{Name: "simulator/current_scene", Variant: command.Local, Handler: h.currentScene},
		command.Command{Name: "simulator/current_frame", Variant: command.Local, Handler: h.currentFrame},
		command.Command{Name: "simulator/current_time", Variant: command.Local, Handler: h.currentTime},
		command.Command{Name: "simulator/load_scene", Variant: command.Distributed, Effect: command.EffectReset, Handler: h.loadScene},
		command.Command{Name: "simulator/reset", Variant: command.Distributed, Effect: command.EffectReset, Handler: h.reset},
		command.Command{Name: "simulator/run", Variant: command.Local, Handler: h.run},
		command.Command{Name: "simulator/step", Variant: command.Local, Handler: h.step},
		command.Command{Name: "simulator/continue", Variant: command.Local, Handler: h.continueRun},
		command.Command{Name: "simulator/pause", Variant: command.Local, Handler: h.pause},
		command.Command{Name: "simulator/add_agent", Variant: command.Distributed, Effect: command.EffectSpawn, Handler: h.addAgent},
		command.Command{Name: "simulator/agent/remove", Variant: command.Distributed, Effect: command.EffectDespawn, Handler: h.removeAgent},
		command.Command{Name: router.FrameSyncCommand, Variant: command.Local, Handler: h.frameSync},

		// environment
		command.Command{Name: "environment/weather/get", Variant: command.Local, Handler: h.weatherGet},
		command.Command{Name: "environment/weather/set", Variant: command.Distributed, Handler: h.weatherSet},

		// agents
		command.Command{Name: "agent/state/get", Variant: command.Delegated, Handler: h.stateGet},
		command.Command{Name: "agent/state/set", Variant: command.Distributed, Handler: h.stateSet},
		command.Command{Name: "agent/bounding_box/get", Variant: command.Delegated, Handler: h.boundingBox},
		command.Command{Name: "agent/on_collision", Variant: command.Distributed, Handler: h.onCollision},
		command.Command{Name: "vehicle/sensors/get", Variant: command.Delegated, Handler: h.sensors},

		// sensors
		command.Command{Name: "sensor/enabled/get", Variant: command.Delegated, Handler: h.sensorEnabledGet},
		command.Command{Name: "sensor/enabled/set", Variant: command.Delegated, Handler: h.sensorEnabledSet},
	)
}

type handlers struct {
	Deps
}

func (h *handlers) agent(args command.Args) (string, *scene.Agent, error) {
	uid, err := args.UID()
	if err != nil {
		return "", nil, err
	}
	a, err := registry.Lookup[*scene.Agent](h.Registry, registry.Agent, uid)
	if err != nil {
		return uid, nil, command.NotFoundf("agent %q not found", uid)
	}
	return uid, a, nil
}

func (h *handlers) sensor(args command.Args) (*scene.Sensor, error) {
	uid, err := args.UID()
	if err != nil {
		return nil, err
	}
	s, err := registry.Lookup[*scene.Sensor](h.Registry, registry.Sensor, uid)
	if err != nil {
		return nil, command.NotFoundf("sensor %q not found", uid)
	}
	return s, nil
}

// sensorUID is the UID of a sensor attached to the agent agentUID.
func sensorUID(agentUID, name string) string {
	return fmt.Sprintf("%s/%s", agentUID, name)
}
