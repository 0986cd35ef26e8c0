package cluster

import (
	"sort"
	"sync"
)

// DefaultMasterLoad is the head start the master carries so that, all else
// equal, agents are placed on workers first.
const DefaultMasterLoad = 0.15

type assignment struct {
	node NodeID
	load float64
}

// LoadBalancer tracks per-node load and picks the least-loaded node for new
// entities. It is safe for concurrent use.
type LoadBalancer struct {
	mu       sync.Mutex
	master   NodeID
	base     map[NodeID]float64
	loads    map[NodeID]float64
	assigned map[string]assignment
}

// NewLoadBalancer constructs a balancer with master starting at masterLoad.
func NewLoadBalancer(master NodeID, masterLoad float64) *LoadBalancer {
	lb := &LoadBalancer{
		master:   master,
		base:     map[NodeID]float64{master: masterLoad},
		loads:    map[NodeID]float64{master: masterLoad},
		assigned: make(map[string]assignment),
	}
	return lb
}

// AddNode starts tracking id with zero load. Adding a known node is a no-op.
func (lb *LoadBalancer) AddNode(id NodeID) {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	if _, ok := lb.loads[id]; ok {
		return
	}
	lb.base[id] = 0
	lb.loads[id] = 0
}

// RemoveNode drops id and every assignment placed on it.
func (lb *LoadBalancer) RemoveNode(id NodeID) {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	if id == lb.master {
		return
	}
	delete(lb.base, id)
	delete(lb.loads, id)
	for uid, a := range lb.assigned {
		if a.node == id {
			delete(lb.assigned, uid)
		}
	}
}

// Least returns the least-loaded node among candidates. Ties go to the
// master, then to the lowest ID. Unknown candidates are ignored; if none is
// known the master is returned.
func (lb *LoadBalancer) Least(candidates []NodeID) NodeID {
	lb.mu.Lock()
	defer lb.mu.Unlock()

	ordered := append([]NodeID(nil), candidates...)
	sort.Slice(ordered, func(i, j int) bool {
		if ordered[i] == lb.master || ordered[j] == lb.master {
			return ordered[i] == lb.master && ordered[j] != lb.master
		}
		return ordered[i] < ordered[j]
	})

	best := lb.master
	bestLoad := -1.0
	for _, id := range ordered {
		load, ok := lb.loads[id]
		if !ok {
			continue
		}
		if bestLoad < 0 || load < bestLoad {
			best, bestLoad = id, load
		}
	}
	return best
}

// Assign appends load for uid on node. Reassigning uid moves its load.
func (lb *LoadBalancer) Assign(uid string, node NodeID, load float64) {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	if prev, ok := lb.assigned[uid]; ok {
		lb.loads[prev.node] -= prev.load
	}
	if _, ok := lb.loads[node]; !ok {
		lb.base[node] = 0
		lb.loads[node] = 0
	}
	lb.loads[node] += load
	lb.assigned[uid] = assignment{node: node, load: load}
}

// Unassign removes the load appended for uid. Unknown UIDs are ignored.
func (lb *LoadBalancer) Unassign(uid string) {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	a, ok := lb.assigned[uid]
	if !ok {
		return
	}
	delete(lb.assigned, uid)
	if _, known := lb.loads[a.node]; known {
		lb.loads[a.node] -= a.load
	}
}

// Reset drops every assignment and restores the base loads.
func (lb *LoadBalancer) Reset() {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	lb.assigned = make(map[string]assignment)
	for id, base := range lb.base {
		lb.loads[id] = base
	}
}

// Load returns the current load of id.
func (lb *LoadBalancer) Load(id NodeID) float64 {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	return lb.loads[id]
}

// Loads returns a snapshot of every node's load.
func (lb *LoadBalancer) Loads() map[NodeID]float64 {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	out := make(map[NodeID]float64, len(lb.loads))
	for id, l := range lb.loads {
		out[id] = l
	}
	return out
}
