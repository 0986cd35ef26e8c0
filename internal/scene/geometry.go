// Package scene is the in-memory simulation the remote-control commands act
// on: a loaded scene, agents with kinematic state and sensors, weather, and
// the events the simulation raises for subscribed agents.
package scene

import (
	"fmt"
	"math"

	"github.com/signalsfoundry/simctl/internal/command"
)

// Vector is a position, rotation (Euler degrees) or velocity.
type Vector struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

func (v Vector) Add(o Vector) Vector    { return Vector{v.X + o.X, v.Y + o.Y, v.Z + o.Z} }
func (v Vector) Sub(o Vector) Vector    { return Vector{v.X - o.X, v.Y - o.Y, v.Z - o.Z} }
func (v Vector) Scale(f float64) Vector { return Vector{v.X * f, v.Y * f, v.Z * f} }
func (v Vector) Length() float64        { return math.Sqrt(v.X*v.X + v.Y*v.Y + v.Z*v.Z) }

// Lerp interpolates between v and o.
func (v Vector) Lerp(o Vector, t float64) Vector {
	return v.Add(o.Sub(v).Scale(t))
}

// Transform places an agent in the world.
type Transform struct {
	Position Vector `json:"position"`
	Rotation Vector `json:"rotation"`
}

// AgentState is the kinematic state exchanged with clients.
type AgentState struct {
	Transform       Transform `json:"transform"`
	Velocity        Vector    `json:"velocity"`
	AngularVelocity Vector    `json:"angular_velocity"`
}

// Speed is the magnitude of the velocity.
func (s AgentState) Speed() float64 { return s.Velocity.Length() }

// BoundingBox is an axis-aligned box in the agent's local frame.
type BoundingBox struct {
	Min Vector `json:"min"`
	Max Vector `json:"max"`
}

// ParseVector reads {"x","y","z"}; missing components are zero.
func ParseVector(a command.Args) (Vector, error) {
	var v Vector
	var err error
	if a == nil {
		return v, nil
	}
	if v.X, err = a.OptFloat("x", 0); err != nil {
		return v, err
	}
	if v.Y, err = a.OptFloat("y", 0); err != nil {
		return v, err
	}
	if v.Z, err = a.OptFloat("z", 0); err != nil {
		return v, err
	}
	return v, nil
}

// ParseAgentState reads the wire form of AgentState. Absent fields are zero.
func ParseAgentState(a command.Args) (AgentState, error) {
	var s AgentState
	if a == nil {
		return s, nil
	}
	tr, err := a.OptObject("transform")
	if err != nil {
		return s, err
	}
	fields := []struct {
		parent command.Args
		key    string
		dst    *Vector
	}{
		{tr, "position", &s.Transform.Position},
		{tr, "rotation", &s.Transform.Rotation},
		{a, "velocity", &s.Velocity},
		{a, "angular_velocity", &s.AngularVelocity},
	}
	for _, f := range fields {
		if f.parent == nil {
			continue
		}
		obj, err := f.parent.OptObject(f.key)
		if err != nil {
			return s, err
		}
		if *f.dst, err = ParseVector(obj); err != nil {
			return s, fmt.Errorf("%s: %w", f.key, err)
		}
	}
	return s, nil
}
