package scene

import (
	"fmt"
)

// AgentKind is the wire value of an agent type.
type AgentKind int

const (
	Ego        AgentKind = 1
	NPC        AgentKind = 2
	Pedestrian AgentKind = 3
)

func (k AgentKind) String() string {
	switch k {
	case Ego:
		return "ego"
	case NPC:
		return "npc"
	case Pedestrian:
		return "pedestrian"
	default:
		return fmt.Sprintf("agent_kind(%d)", int(k))
	}
}

// Valid reports whether k is a supported agent type.
func (k AgentKind) Valid() bool { return k >= Ego && k <= Pedestrian }

// Agent is a live simulated entity.
type Agent struct {
	Name    string
	Kind    AgentKind
	State   AgentState
	Radius  float64
	Sensors []*Sensor

	collisions bool
	contacts   map[*Agent]bool
}

// BoundingBox returns the agent's local bounds.
func (a *Agent) BoundingBox() BoundingBox {
	r := a.Radius
	return BoundingBox{Min: Vector{-r, -r, -r}, Max: Vector{r, r, r}}
}

// Sensor returns the attached sensor with the given name.
func (a *Agent) Sensor(name string) (*Sensor, bool) {
	for _, s := range a.Sensors {
		if s.Name == name {
			return s, true
		}
	}
	return nil, false
}

// CollisionsEnabled reports whether collision events are raised for a.
func (a *Agent) CollisionsEnabled() bool { return a.collisions }
