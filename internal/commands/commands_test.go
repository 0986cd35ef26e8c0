package commands

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/signalsfoundry/simctl/internal/cluster"
	"github.com/signalsfoundry/simctl/internal/command"
	"github.com/signalsfoundry/simctl/internal/registry"
	"github.com/signalsfoundry/simctl/internal/router"
	"github.com/signalsfoundry/simctl/internal/scene"
	"github.com/signalsfoundry/simctl/timectrl"
)

type harness struct {
	t       *testing.T
	reg     *registry.Registry
	clock   *timectrl.Controller
	world   *scene.World
	router  *router.Router
	loop    *timectrl.Loop
	replies []router.Reply
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		t:     t,
		reg:   registry.New(),
		clock: timectrl.New(timectrl.WithNativeFrameRate(10)),
		world: scene.NewWorld(nil, scene.WithLoadFrames(1)),
	}
	h.clock.AddListener(func(_ timectrl.State, dt time.Duration) { h.world.Step(dt) })

	table, err := Table(Deps{Registry: h.reg, Clock: h.clock, World: h.world, Version: "test"})
	if err != nil {
		t.Fatalf("Table: %v", err)
	}
	topo, err := cluster.New(cluster.Config{Role: cluster.Standalone, Self: cluster.Endpoint{ID: "master"}})
	if err != nil {
		t.Fatalf("cluster.New: %v", err)
	}
	r, err := router.New(router.Config{
		Commands: table,
		Topology: topo,
		Clock:    h.clock,
		Registry: h.reg,
		Replier:  router.ReplierFunc(func(_ context.Context, rep router.Reply) { h.replies = append(h.replies, rep) }),
	})
	if err != nil {
		t.Fatalf("router.New: %v", err)
	}
	t.Cleanup(func() { _ = r.Close() })
	h.router = r
	h.loop = timectrl.NewLoop(h.clock, r.Pump, func(context.Context) { h.world.Update() })
	return h
}

// call submits one command and runs frames until it is answered.
func (h *harness) call(name string, args command.Args) (any, error) {
	h.t.Helper()
	before := len(h.replies)
	if err := h.router.Submit(context.Background(), &router.Request{Client: "c1", Name: name, Args: args}); err != nil {
		h.t.Fatalf("Submit(%s): %v", name, err)
	}
	for i := 0; i < 1000; i++ {
		h.loop.RunFrame(context.Background())
		if len(h.replies) > before {
			rep := h.replies[before]
			return rep.Result, rep.Err
		}
	}
	h.t.Fatalf("%s: no reply after 1000 frames", name)
	return nil, nil
}

func (h *harness) mustCall(name string, args command.Args) any {
	h.t.Helper()
	res, err := h.call(name, args)
	if err != nil {
		h.t.Fatalf("%s: %v", name, err)
	}
	return res
}

func (h *harness) loadScene() {
	h.t.Helper()
	h.mustCall("simulator/load_scene", command.Args{"scene": "BorregasAve"})
}

func (h *harness) addAgent(name string, kind scene.AgentKind, state map[string]any) string {
	h.t.Helper()
	args := command.Args{"name": name, "type": int(kind)}
	if state != nil {
		args["state"] = state
	}
	uid, ok := h.mustCall("simulator/add_agent", args).(string)
	if !ok {
		h.t.Fatalf("add_agent result is not a uid")
	}
	return uid
}

func TestTableRequiresDeps(t *testing.T) {
	if _, err := Table(Deps{}); err == nil {
		t.Fatalf("Table(Deps{}) succeeded, want error")
	}
}

func TestVersionAndScene(t *testing.T) {
	h := newHarness(t)
	if got := h.mustCall("simulator/version", nil); got != "test" {
		t.Fatalf("version = %v, want test", got)
	}
	if got := h.mustCall("simulator/current_scene", nil); got != nil {
		t.Fatalf("current_scene before load = %v, want nil", got)
	}
	h.loadScene()
	if got := h.mustCall("simulator/current_scene", nil); got != "BorregasAve" {
		t.Fatalf("current_scene = %v, want BorregasAve", got)
	}
	if _, err := h.call("simulator/load_scene", command.Args{"scene": "Nowhere"}); !errors.Is(err, command.ErrInvalidArgument) {
		t.Fatalf("unknown scene err = %v, want ErrInvalidArgument", err)
	}
}

func TestAddEgoRegistersSensors(t *testing.T) {
	h := newHarness(t)
	h.loadScene()
	uid := h.addAgent("Jaguar2015XE", scene.Ego, nil)

	res := h.mustCall("vehicle/sensors/get", command.Args{"uid": uid})
	sensors, ok := res.([]map[string]any)
	if !ok || len(sensors) != 7 {
		t.Fatalf("sensors = %#v, want 7 descriptions", res)
	}
	camera := sensors[0]
	if camera["uid"] != uid+"/Main Camera" || camera["format"] != "RGB" {
		t.Fatalf("camera = %v", camera)
	}

	suid := uid + "/Depth Camera"
	if got := h.mustCall("sensor/enabled/get", command.Args{"uid": suid}); got != false {
		t.Fatalf("depth enabled = %v, want false", got)
	}
	h.mustCall("sensor/enabled/set", command.Args{"uid": suid, "enabled": true})
	if got := h.mustCall("sensor/enabled/get", command.Args{"uid": suid}); got != true {
		t.Fatalf("depth enabled after set = %v, want true", got)
	}
	if _, err := h.call("sensor/enabled/get", command.Args{"uid": uid + "/Sonar"}); !errors.Is(err, command.ErrNotFound) {
		t.Fatalf("missing sensor err = %v, want ErrNotFound", err)
	}
}

func TestAddAgentNPCUIDsAreDeterministic(t *testing.T) {
	h := newHarness(t)
	h.loadScene()
	if uid := h.addAgent("Sedan", scene.NPC, nil); uid != "Sedan_1" {
		t.Fatalf("first npc uid = %q, want Sedan_1", uid)
	}
	if uid := h.addAgent("SUV", scene.NPC, nil); uid != "SUV_2" {
		t.Fatalf("second npc uid = %q, want SUV_2", uid)
	}
}

func TestAddAgentErrors(t *testing.T) {
	h := newHarness(t)
	h.loadScene()
	cases := []struct {
		args command.Args
		want error
	}{
		{command.Args{"name": "Sedan", "type": 9}, command.ErrInvalidArgument},
		{command.Args{"name": "Nobody", "type": 3}, command.ErrInvalidArgument},
		{command.Args{"type": 2}, command.ErrInvalidArgument},
		{command.Args{"name": "Sedan", "type": 2, "state": "moving"}, command.ErrInvalidArgument},
	}
	for _, c := range cases {
		if _, err := h.call("simulator/add_agent", c.args); !errors.Is(err, c.want) {
			t.Errorf("add_agent(%v) err = %v, want %v", c.args, err, c.want)
		}
	}
	if n := h.reg.Len(registry.Agent); n != 0 {
		t.Fatalf("registry agents = %d after failed spawns, want 0", n)
	}
}

func TestAddAgentErrorCodes(t *testing.T) {
	h := newHarness(t)
	if _, err := h.call("simulator/add_agent", command.Args{"name": "Sedan", "type": 2}); command.Code(err) != command.CodeInvalidArgument {
		t.Fatalf("add_agent without scene code = %q (%v), want %q", command.Code(err), err, command.CodeInvalidArgument)
	}

	h.loadScene()
	args := command.Args{"name": "Sedan", "type": 2, "uid": "car"}
	if _, err := h.call("simulator/add_agent", args); err != nil {
		t.Fatalf("add_agent: %v", err)
	}
	if _, err := h.call("simulator/add_agent", args); command.Code(err) != command.CodeDuplicateUID {
		t.Fatalf("add_agent with a taken uid code = %q (%v), want %q", command.Code(err), err, command.CodeDuplicateUID)
	}
	if n := len(h.world.Agents()); n != 1 {
		t.Fatalf("world agents = %d, want the rejected spawn rolled back", n)
	}
}

func TestAgentStateRoundTrip(t *testing.T) {
	h := newHarness(t)
	h.loadScene()
	uid := h.addAgent("Bob", scene.Pedestrian, map[string]any{
		"transform": map[string]any{"position": map[string]any{"x": 1.0}},
	})

	got, ok := h.mustCall("agent/state/get", command.Args{"uid": uid}).(scene.AgentState)
	if !ok || got.Transform.Position.X != 1 {
		t.Fatalf("state = %#v, want x=1", got)
	}

	h.mustCall("agent/state/set", command.Args{"uid": uid, "state": map[string]any{
		"velocity": map[string]any{"z": 2.0},
	}})
	got = h.mustCall("agent/state/get", command.Args{"uid": uid}).(scene.AgentState)
	if got.Velocity.Z != 2 || got.Transform.Position.X != 0 {
		t.Fatalf("state after set = %#v", got)
	}

	box := h.mustCall("agent/bounding_box/get", command.Args{"uid": uid}).(scene.BoundingBox)
	if box.Max.X <= 0 || box.Min.X != -box.Max.X {
		t.Fatalf("bounding box = %+v", box)
	}

	if _, err := h.call("agent/state/get", command.Args{"uid": "ghost"}); !errors.Is(err, command.ErrNotFound) {
		t.Fatalf("ghost err = %v, want ErrNotFound", err)
	}
}

func TestRemoveAgentIsIdempotent(t *testing.T) {
	h := newHarness(t)
	h.loadScene()
	uid := h.addAgent("Jaguar2015XE", scene.Ego, nil)

	h.mustCall("simulator/agent/remove", command.Args{"uid": uid})
	h.mustCall("simulator/agent/remove", command.Args{"uid": uid})
	if h.reg.Len(registry.Agent) != 0 || h.reg.Len(registry.Sensor) != 0 {
		t.Fatalf("registry not empty after remove: agents=%d sensors=%d",
			h.reg.Len(registry.Agent), h.reg.Len(registry.Sensor))
	}
	if n := len(h.world.Agents()); n != 0 {
		t.Fatalf("world agents = %d, want 0", n)
	}
}

func TestRunBoundedRepliesWhenPaused(t *testing.T) {
	h := newHarness(t)
	h.loadScene()
	if res := h.mustCall("simulator/run", command.Args{"time_limit": 0.5}); res != nil {
		t.Fatalf("run result = %v, want nil", res)
	}
	if got := h.mustCall("simulator/current_frame", nil); got != uint64(5) {
		t.Fatalf("current_frame = %v, want 5", got)
	}
	if got := h.mustCall("simulator/current_time", nil).(float64); got < 0.49 || got > 0.51 {
		t.Fatalf("current_time = %v, want 0.5", got)
	}
	if _, err := h.call("simulator/run", command.Args{"time_limit": -1}); !errors.Is(err, command.ErrInvalidArgument) {
		t.Fatalf("negative time_limit err = %v, want ErrInvalidArgument", err)
	}
}

func TestStepAdvancesExactFrames(t *testing.T) {
	h := newHarness(t)
	h.loadScene()
	h.mustCall("simulator/step", command.Args{"frames": 4, "framerate": 20})
	s := h.clock.Snapshot()
	if s.Frame != 4 || s.Mode != timectrl.Paused || s.Time != 200*time.Millisecond {
		t.Fatalf("state = %+v, want 4 frames, paused, 200ms", s)
	}
	if _, err := h.call("simulator/step", command.Args{"frames": 0}); !errors.Is(err, command.ErrInvalidArgument) {
		t.Fatalf("frames=0 err = %v, want ErrInvalidArgument", err)
	}
	if _, err := h.call("simulator/step", command.Args{"framerate": -5}); !errors.Is(err, command.ErrInvalidArgument) {
		t.Fatalf("negative framerate err = %v, want ErrInvalidArgument", err)
	}
}

func TestFrameSyncFollowsMaster(t *testing.T) {
	h := newHarness(t)
	h.loadScene()
	uid := h.addAgent("Sedan", scene.NPC, map[string]any{"velocity": map[string]any{"x": 10.0}})

	args := command.Args{
		router.FrameArg: uint64(3),
		router.StepsArg: []any{int64(100 * time.Millisecond), int64(100 * time.Millisecond), int64(100 * time.Millisecond)},
	}
	if _, err := h.call(router.FrameSyncCommand, args); !errors.Is(err, command.ErrInvalidArgument) {
		t.Fatalf("client frame sync err = %v, want ErrInvalidArgument", err)
	}

	done := make(chan router.Reply, 1)
	req := &router.Request{Name: router.FrameSyncCommand, Args: args, Replicated: true, Origin: "master", Done: done}
	if err := h.router.Submit(context.Background(), req); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	h.router.Pump(context.Background())
	rep := <-done
	if rep.Err != nil || rep.Result != uint64(3) {
		t.Fatalf("frame sync = %v, %v; want 3", rep.Result, rep.Err)
	}
	if mode := h.clock.Snapshot().Mode; mode != timectrl.Paused {
		t.Fatalf("mode after frame sync = %v, want paused", mode)
	}
	got := h.mustCall("agent/state/get", command.Args{"uid": uid}).(scene.AgentState)
	if x := got.Transform.Position.X; x < 2.99 || x > 3.01 {
		t.Fatalf("x after frame sync = %v, want 3", x)
	}
}

func TestRunStopsOnCollision(t *testing.T) {
	h := newHarness(t)
	h.loadScene()
	a := h.addAgent("Sedan", scene.NPC, map[string]any{"velocity": map[string]any{"x": 10.0}})
	b := h.addAgent("Sedan", scene.NPC, map[string]any{
		"transform": map[string]any{"position": map[string]any{"x": 20.0}},
	})
	h.mustCall("agent/on_collision", command.Args{"uid": a})

	res, ok := h.mustCall("simulator/run", command.Args{"time_limit": 10.0}).(map[string]any)
	if !ok {
		t.Fatalf("run result = %#v, want events", res)
	}
	events := res["events"].([]map[string]any)
	if len(events) != 1 {
		t.Fatalf("events = %v, want 1", events)
	}
	ev := events[0]
	if ev["type"] != "collision" || ev["agent"] != a || ev["other"] != b {
		t.Fatalf("event = %v", ev)
	}
	if mode := h.clock.Snapshot().Mode; mode != timectrl.Paused {
		t.Fatalf("mode after events = %v, want paused", mode)
	}
	if s := h.clock.Snapshot(); s.Time >= 10*time.Second {
		t.Fatalf("run was not cut short: %v", s.Time)
	}
}

func TestContinueAndPause(t *testing.T) {
	h := newHarness(t)
	h.mustCall("simulator/continue", nil)
	if mode := h.clock.Snapshot().Mode; mode != timectrl.FreeRunning {
		t.Fatalf("mode = %v, want free_running", mode)
	}
	h.mustCall("simulator/pause", nil)
	if mode := h.clock.Snapshot().Mode; mode != timectrl.Paused {
		t.Fatalf("mode = %v, want paused", mode)
	}
}

func TestResetClearsEverything(t *testing.T) {
	h := newHarness(t)
	h.loadScene()
	h.addAgent("Jaguar2015XE", scene.Ego, nil)
	h.mustCall("environment/weather/set", command.Args{"rain": 0.7})
	h.mustCall("simulator/step", command.Args{"frames": 3})

	h.mustCall("simulator/reset", nil)

	if h.reg.Len(registry.Agent) != 0 || h.reg.Len(registry.Sensor) != 0 {
		t.Fatalf("registry not cleared")
	}
	if len(h.world.Agents()) != 0 {
		t.Fatalf("world agents not cleared")
	}
	if s := h.clock.Snapshot(); s.Frame != 0 || s.Time != 0 || s.Mode != timectrl.Paused {
		t.Fatalf("clock after reset = %+v", s)
	}
	if w := h.mustCall("environment/weather/get", nil); w != (scene.Weather{}) {
		t.Fatalf("weather after reset = %v", w)
	}
	if got := h.mustCall("simulator/current_scene", nil); got != "BorregasAve" {
		t.Fatalf("scene after reset = %v", got)
	}
}

func TestWeatherSetKeepsOmittedComponents(t *testing.T) {
	h := newHarness(t)
	h.mustCall("environment/weather/set", command.Args{"rain": 0.5, "fog": 2})
	got := h.mustCall("environment/weather/set", command.Args{"wetness": 0.1})
	want := scene.Weather{Rain: 0.5, Fog: 1, Wetness: 0.1}
	if got != want {
		t.Fatalf("weather = %v, want %v", got, want)
	}
	if _, err := h.call("environment/weather/set", command.Args{"rain": "heavy"}); !errors.Is(err, command.ErrInvalidArgument) {
		t.Fatalf("bad rain err = %v, want ErrInvalidArgument", err)
	}
}
