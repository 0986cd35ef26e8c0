// Package command defines command descriptors, the static command table, the
// argument tree handlers receive, and the error taxonomy shared by the router
// and the transports.
package command

import (
	"context"
	"fmt"
	"sort"
)

// Variant decides where a command runs.
type Variant int

const (
	// Local commands run only on the node that received them.
	Local Variant = iota
	// Distributed commands run on the master and are replicated to every worker.
	Distributed
	// Delegated commands run on the node that owns the subject UID.
	Delegated
)

func (v Variant) String() string {
	switch v {
	case Local:
		return "local"
	case Distributed:
		return "distributed"
	case Delegated:
		return "delegated"
	default:
		return fmt.Sprintf("variant(%d)", int(v))
	}
}

// Effect tells the router which bookkeeping a command needs around its handler.
type Effect int

const (
	EffectNone Effect = iota
	// EffectSpawn claims ownership of the UID the handler returns via Spawned.
	EffectSpawn
	// EffectDespawn releases ownership of the subject UID.
	EffectDespawn
	// EffectReset serializes the command against every other request.
	EffectReset
)

// Handler executes a command. The caller identity is available through
// CallerFrom(ctx).
type Handler func(ctx context.Context, args Args) (any, error)

// Command is an immutable command descriptor.
type Command struct {
	Name    string
	Variant Variant
	Effect  Effect
	Handler Handler
}

// Table is the read-only name -> Command lookup built at startup.
type Table struct {
	byName map[string]Command
	names  []string
}

// NewTable validates cmds and builds a Table.
func NewTable(cmds ...Command) (*Table, error) {
	t := &Table{byName: make(map[string]Command, len(cmds))}
	for _, c := range cmds {
		if c.Name == "" {
			return nil, fmt.Errorf("command: empty name")
		}
		if c.Handler == nil {
			return nil, fmt.Errorf("command %q: nil handler", c.Name)
		}
		if c.Variant < Local || c.Variant > Delegated {
			return nil, fmt.Errorf("command %q: unknown variant %d", c.Name, int(c.Variant))
		}
		if _, dup := t.byName[c.Name]; dup {
			return nil, fmt.Errorf("command %q: registered twice", c.Name)
		}
		t.byName[c.Name] = c
		t.names = append(t.names, c.Name)
	}
	sort.Strings(t.names)
	return t, nil
}

// MustTable is NewTable that panics on error. Intended for static tables.
func MustTable(cmds ...Command) *Table {
	t, err := NewTable(cmds...)
	if err != nil {
		panic(err)
	}
	return t
}

// Lookup returns the command registered under name.
func (t *Table) Lookup(name string) (Command, error) {
	c, ok := t.byName[name]
	if !ok {
		return Command{}, fmt.Errorf("%w: %q", ErrUnknownCommand, name)
	}
	return c, nil
}

// Names returns the registered command names in sorted order.
func (t *Table) Names() []string {
	return append([]string(nil), t.names...)
}

// Len returns the number of registered commands.
func (t *Table) Len() int { return len(t.byName) }
