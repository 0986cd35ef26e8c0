package commands

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/signalsfoundry/simctl/internal/command"
	"github.com/signalsfoundry/simctl/internal/logging"
	"github.com/signalsfoundry/simctl/internal/registry"
	"github.com/signalsfoundry/simctl/internal/router"
	"github.com/signalsfoundry/simctl/internal/scene"
	"github.com/signalsfoundry/simctl/timectrl"
)

func (h *handlers) version(context.Context, command.Args) (any, error) {
	return h.Version, nil
}

func (h *handlers) currentScene(context.Context, command.Args) (any, error) {
	if name := h.World.Scene(); name != "" {
		return name, nil
	}
	return nil, nil
}

func (h *handlers) currentFrame(context.Context, command.Args) (any, error) {
	return h.Clock.CurrentFrame(), nil
}

func (h *handlers) currentTime(context.Context, command.Args) (any, error) {
	return h.Clock.CurrentTime().Seconds(), nil
}

// loadScene runs inside the reset flow: the registry and ownership are
// already cleared when it is invoked. The reply waits until the scene has
// loaded.
func (h *handlers) loadScene(ctx context.Context, args command.Args) (any, error) {
	name, err := args.String("scene")
	if err != nil {
		return nil, err
	}
	if err := h.World.LoadScene(name); err != nil {
		if errors.Is(err, scene.ErrUnknownScene) {
			return nil, command.InvalidArgumentf("scene %q is not available", name)
		}
		return nil, err
	}
	h.Clock.Reset()
	h.Log.Info(ctx, "loading scene", logging.String("scene", name))

	return command.Suspend(func(ctx context.Context) (bool, any, error) {
		if h.World.Loading() {
			return false, nil, nil
		}
		h.Log.Info(ctx, "scene loaded", logging.String("scene", name))
		return true, nil, nil
	}), nil
}

func (h *handlers) reset(ctx context.Context, _ command.Args) (any, error) {
	h.World.Reset()
	h.Clock.Reset()
	h.Log.Info(ctx, "simulation reset")
	return nil, nil
}

func (h *handlers) run(_ context.Context, args command.Args) (any, error) {
	limit, err := args.OptFloat("time_limit", 0)
	if err != nil {
		return nil, err
	}
	if limit < 0 {
		return nil, command.InvalidArgumentf("time_limit must not be negative, got %v", limit)
	}
	d := time.Duration(limit * float64(time.Second))
	if err := h.transition(h.Clock.Run(d)); err != nil {
		return nil, err
	}
	return command.Suspend(h.untilPausedOrEvents), nil
}

func (h *handlers) step(_ context.Context, args command.Args) (any, error) {
	frames, err := args.OptInt("frames", 1)
	if err != nil {
		return nil, err
	}
	if frames <= 0 {
		return nil, command.InvalidArgumentf("frames must be positive, got %d", frames)
	}
	rate, err := args.OptFloat("framerate", h.Clock.NativeFrameRate())
	if err != nil {
		return nil, err
	}
	if err := h.transition(h.Clock.Step(uint64(frames), rate)); err != nil {
		return nil, err
	}
	return command.Suspend(h.untilPausedOrEvents), nil
}

func (h *handlers) continueRun(context.Context, command.Args) (any, error) {
	return nil, h.transition(h.Clock.Continue())
}

func (h *handlers) pause(context.Context, command.Args) (any, error) {
	return nil, h.transition(h.Clock.Pause())
}

// frameSync advances the clock through frames the master already
// simulated. Events raised here are dropped: the master reports them.
func (h *handlers) frameSync(ctx context.Context, args command.Args) (any, error) {
	if !command.CallerFrom(ctx).Replicated {
		return nil, command.InvalidArgumentf("%s is only accepted from the master", router.FrameSyncCommand)
	}
	steps, err := args.Floats(router.StepsArg)
	if err != nil {
		return nil, err
	}
	frame, err := args.Float(router.FrameArg)
	if err != nil {
		return nil, err
	}
	for _, ns := range steps {
		if ns < 0 {
			return nil, command.InvalidArgumentf("%s must not be negative, got %v", router.StepsArg, ns)
		}
	}
	for _, ns := range steps {
		h.Clock.Advance(time.Duration(ns))
	}
	h.World.DrainEvents()

	got := h.Clock.CurrentFrame()
	if got != uint64(frame) {
		h.Log.Warn(ctx, "frame drift from master",
			logging.Uint64("frame", got),
			logging.Uint64("master_frame", uint64(frame)),
		)
	}
	return got, nil
}

func (h *handlers) transition(err error) error {
	if errors.Is(err, timectrl.ErrInvalidTransition) {
		return fmt.Errorf("%w: %v", command.ErrInvalidArgument, err)
	}
	return err
}

// untilPausedOrEvents finishes a run once the clock pauses on its bound, or
// earlier when the world raised events, in which case time is paused and the
// events are the result.
func (h *handlers) untilPausedOrEvents(context.Context) (bool, any, error) {
	if h.World.PendingEvents() > 0 {
		if err := h.Clock.Pause(); err != nil {
			return true, nil, err
		}
		return true, map[string]any{"events": h.events(h.World.DrainEvents())}, nil
	}
	if h.Clock.Snapshot().Mode == timectrl.Paused {
		return true, nil, nil
	}
	return false, nil, nil
}

func (h *handlers) events(evs []scene.Event) []map[string]any {
	out := make([]map[string]any, 0, len(evs))
	for _, ev := range evs {
		uid, err := h.Registry.ReverseResolve(registry.Agent, ev.Agent)
		if err != nil {
			continue
		}
		var other any
		if ev.Other != nil {
			if o, err := h.Registry.ReverseResolve(registry.Agent, ev.Other); err == nil {
				other = o
			}
		}
		out = append(out, map[string]any{
			"type":    string(ev.Type),
			"agent":   uid,
			"other":   other,
			"contact": ev.Contact,
		})
	}
	return out
}
