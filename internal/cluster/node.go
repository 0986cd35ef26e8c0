// Package cluster is the node topology adapter: who this node is, which
// workers are reachable, which node owns which UID, and the gRPC service
// nodes use to forward commands to each other.
package cluster

import (
	"fmt"
	"strings"
)

// Role is the part a node plays in the cluster.
type Role int

const (
	// Standalone is the master of a one-node, non-distributed cluster.
	Standalone Role = iota
	Master
	Worker
)

func (r Role) String() string {
	switch r {
	case Standalone:
		return "standalone"
	case Master:
		return "master"
	case Worker:
		return "worker"
	default:
		return fmt.Sprintf("role(%d)", int(r))
	}
}

// ParseRole parses the textual form produced by Role.String.
func ParseRole(s string) (Role, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "standalone":
		return Standalone, nil
	case "master":
		return Master, nil
	case "worker":
		return Worker, nil
	default:
		return Standalone, fmt.Errorf("unknown role %q", s)
	}
}

// NodeID identifies a cluster member.
type NodeID string

// Endpoint is the identity and gRPC address of a cluster member.
type Endpoint struct {
	ID      NodeID `json:"id" yaml:"id"`
	Address string `json:"address" yaml:"address"`
}

func (e Endpoint) String() string {
	if e.Address == "" {
		return string(e.ID)
	}
	return fmt.Sprintf("%s@%s", e.ID, e.Address)
}

// Message is a command forwarded or replicated to another node.
type Message struct {
	Name      string         `cbor:"name"`
	Args      map[string]any `cbor:"args,omitempty"`
	RequestID string         `cbor:"request_id,omitempty"`
	Origin    NodeID         `cbor:"origin,omitempty"`
	// Replicated is false for Delegated forwards, whose result the origin
	// relays to its client, and true for Distributed broadcasts.
	Replicated bool `cbor:"replicated,omitempty"`
}

// Result carries a handler result back to the forwarding node.
type Result struct {
	Value any `cbor:"value,omitempty"`
}

// PingRequest is the liveness probe sent by the master.
type PingRequest struct {
	From NodeID `cbor:"from"`
}

// PingReply answers a PingRequest.
type PingReply struct {
	Node NodeID `cbor:"node"`
	Role string `cbor:"role"`
}
