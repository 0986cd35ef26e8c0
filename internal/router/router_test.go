package router

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/signalsfoundry/simctl/internal/clock"
	"github.com/signalsfoundry/simctl/internal/cluster"
	"github.com/signalsfoundry/simctl/internal/command"
	"github.com/signalsfoundry/simctl/internal/registry"
	"github.com/signalsfoundry/simctl/timectrl"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

type entity struct {
	name string
}

// localClient reaches another in-process node's router without gRPC. When
// gate is set, calls wait for it to close before executing.
type localClient struct {
	exec cluster.Executor
	gate atomic.Pointer[chan struct{}]
}

func (c *localClient) Execute(ctx context.Context, in *cluster.Message, _ ...grpc.CallOption) (*cluster.Result, error) {
	if g := c.gate.Load(); g != nil {
		select {
		case <-*g:
		case <-ctx.Done():
			return nil, status.Error(codes.DeadlineExceeded, ctx.Err().Error())
		}
	}
	v, err := c.exec.Execute(ctx, *in)
	if err != nil {
		return nil, cluster.ToStatusError(err)
	}
	return &cluster.Result{Value: v}, nil
}

func (c *localClient) Ping(context.Context, *cluster.PingRequest, ...grpc.CallOption) (*cluster.PingReply, error) {
	return &cluster.PingReply{}, nil
}

type recordingMetrics struct {
	mu                  sync.Mutex
	outcomes            map[string]int
	replicationFailures int
	resetQueued         int
}

func (m *recordingMetrics) ObserveCommand(name, variant, code string, d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.outcomes == nil {
		m.outcomes = make(map[string]int)
	}
	m.outcomes[name+"/"+code]++
}
func (m *recordingMetrics) SetPending(int) {}
func (m *recordingMetrics) IncReplicationFailures(string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.replicationFailures++
}
func (m *recordingMetrics) IncResetQueued() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resetQueued++
}

type node struct {
	id       cluster.NodeID
	router   *Router
	registry *registry.Registry
	topo     *cluster.Topology
	clock    *timectrl.Controller
	metrics  *recordingMetrics
	replies  []Reply
	calls    map[string]int
}

type testCluster struct {
	t       *testing.T
	wall    *clock.FakeClock
	master  *node
	workers map[cluster.NodeID]*node
	clients map[cluster.NodeID]*localClient
	slow    atomic.Bool
}

func newTestCluster(t *testing.T, workerIDs ...cluster.NodeID) *testCluster {
	t.Helper()
	tc := &testCluster{
		t:       t,
		wall:    clock.Fake(time.Date(2025, time.January, 1, 0, 0, 0, 0, time.UTC)),
		workers: make(map[cluster.NodeID]*node),
		clients: make(map[cluster.NodeID]*localClient),
	}
	for _, id := range workerIDs {
		tc.clients[id] = &localClient{}
	}

	role := cluster.Standalone
	if len(workerIDs) > 0 {
		role = cluster.Master
	}
	var eps []cluster.Endpoint
	for _, id := range workerIDs {
		eps = append(eps, cluster.Endpoint{ID: id, Address: "inproc-" + string(id)})
	}
	tc.master = tc.newNode("master", cluster.Config{Role: role, Self: cluster.Endpoint{ID: "master"}, Workers: eps})
	for _, id := range workerIDs {
		w := tc.newNode(id, cluster.Config{Role: cluster.Worker, Self: cluster.Endpoint{ID: id}})
		tc.workers[id] = w
		tc.clients[id].exec = w.router
	}
	return tc
}

func (tc *testCluster) newNode(id cluster.NodeID, cfg cluster.Config) *node {
	t := tc.t
	seq := 0
	reg := registry.New(registry.WithUIDGenerator(func() string {
		seq++
		return fmt.Sprintf("x%d", seq)
	}))
	n := &node{
		id:       id,
		registry: reg,
		clock:    timectrl.New(),
		metrics:  &recordingMetrics{},
		calls:    make(map[string]int),
	}
	topo, err := cluster.New(cfg, cluster.WithNodeClientFactory(func(ep cluster.Endpoint) (cluster.NodeClient, func() error, error) {
		c, ok := tc.clients[ep.ID]
		if !ok {
			return nil, nil, fmt.Errorf("no node %s", ep.ID)
		}
		return c, func() error { return nil }, nil
	}))
	if err != nil {
		t.Fatalf("cluster.New(%s): %v", id, err)
	}
	n.topo = topo

	r, err := New(Config{
		Commands:       tc.commands(n),
		Topology:       topo,
		Clock:          n.clock,
		Registry:       n.registry,
		Replier:        ReplierFunc(func(_ context.Context, rep Reply) { n.replies = append(n.replies, rep) }),
		Wall:           tc.wall,
		ForwardTimeout: time.Second,
		Metrics:        n.metrics,
	})
	if err != nil {
		t.Fatalf("router.New(%s): %v", id, err)
	}
	n.router = r
	t.Cleanup(func() { _ = r.Close() })
	return n
}

func (tc *testCluster) commands(n *node) *command.Table {
	count := func(name string) { n.calls[name]++ }
	return command.MustTable(
		command.Command{Name: "spawn", Variant: command.Distributed, Effect: command.EffectSpawn,
			Handler: func(ctx context.Context, args command.Args) (any, error) {
				count("spawn")
				h := &entity{name: string(n.id)}
				uid, err := args.OptString(command.UIDKey, "")
				if err != nil {
					return nil, err
				}
				if uid == "" {
					if uid, err = n.registry.Register(registry.Agent, h); err != nil {
						return nil, err
					}
				} else if err := n.registry.RegisterAs(registry.Agent, uid, h); err != nil {
					return nil, err
				}
				return command.Spawned{UID: uid, Children: []string{uid + "/camera"}}, nil
			}},
		command.Command{Name: "despawn", Variant: command.Distributed, Effect: command.EffectDespawn,
			Handler: func(ctx context.Context, args command.Args) (any, error) {
				count("despawn")
				uid, err := args.UID()
				if err != nil {
					return nil, err
				}
				n.registry.Remove(registry.Agent, uid)
				return nil, nil
			}},
		command.Command{Name: "get", Variant: command.Delegated,
			Handler: func(ctx context.Context, args command.Args) (any, error) {
				count("get")
				uid, err := args.UID()
				if err != nil {
					return nil, err
				}
				h, err := registry.Lookup[*entity](n.registry, registry.Agent, uid)
				if err != nil {
					return nil, command.NotFoundf("agent %q", uid)
				}
				return map[string]any{
					"node":       command.CallerFrom(ctx).Node,
					"created_on": h.name,
					"frame":      n.clock.CurrentFrame(),
				}, nil
			}},
		command.Command{Name: "local", Variant: command.Local,
			Handler: func(ctx context.Context, args command.Args) (any, error) {
				count("local")
				return n.registry.Len(registry.Agent), nil
			}},
		command.Command{Name: "slow", Variant: command.Local,
			Handler: func(ctx context.Context, args command.Args) (any, error) {
				count("slow")
				return command.Suspend(func(context.Context) (bool, any, error) {
					if tc.slow.Load() {
						return false, nil, nil
					}
					return true, "slow done", nil
				}), nil
			}},
		command.Command{Name: "panic", Variant: command.Local,
			Handler: func(ctx context.Context, args command.Args) (any, error) {
				panic("boom")
			}},
		command.Command{Name: FrameSyncCommand, Variant: command.Local,
			Handler: func(ctx context.Context, args command.Args) (any, error) {
				count(FrameSyncCommand)
				steps, err := args.Floats(StepsArg)
				if err != nil {
					return nil, err
				}
				for _, ns := range steps {
					n.clock.Advance(time.Duration(ns))
				}
				return n.clock.CurrentFrame(), nil
			}},
		command.Command{Name: "reset", Variant: command.Distributed, Effect: command.EffectReset,
			Handler: func(ctx context.Context, args command.Args) (any, error) {
				count("reset")
				if n.registry.Len(registry.Agent) != 0 {
					return nil, errors.New("registry not cleared before reset handler")
				}
				n.clock.Reset()
				return nil, nil
			}},
	)
}

func (tc *testCluster) nodes() []*node {
	res := []*node{tc.master}
	for _, w := range tc.workers {
		res = append(res, w)
	}
	return res
}

func (tc *testCluster) pumpAll() {
	for _, n := range tc.nodes() {
		n.router.Pump(context.Background())
	}
}

// pumpUntil pumps every node until cond holds or the test times out.
func (tc *testCluster) pumpUntil(what string, cond func() bool) {
	tc.t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			tc.t.Fatalf("timed out waiting for %s", what)
		}
		tc.pumpAll()
		time.Sleep(time.Millisecond)
	}
}

func (tc *testCluster) submit(client, name string, args command.Args) {
	tc.t.Helper()
	if err := tc.master.router.Submit(context.Background(), &Request{Client: client, Name: name, Args: args}); err != nil {
		tc.t.Fatalf("Submit(%s): %v", name, err)
	}
}

func (tc *testCluster) block(id cluster.NodeID) chan struct{} {
	g := make(chan struct{})
	tc.clients[id].gate.Store(&g)
	return g
}

func repliesFor(n *node, client string) []Reply {
	var res []Reply
	for _, r := range n.replies {
		if r.Client == client {
			res = append(res, r)
		}
	}
	return res
}

func TestUnknownCommandTouchesNothing(t *testing.T) {
	tc := newTestCluster(t)
	tc.submit("c1", "no/such/command", command.Args{"uid": "a1"})
	tc.pumpAll()

	if len(tc.master.replies) != 1 {
		t.Fatalf("replies = %d, want 1", len(tc.master.replies))
	}
	if err := tc.master.replies[0].Err; !errors.Is(err, command.ErrUnknownCommand) {
		t.Fatalf("reply err = %v, want ErrUnknownCommand", err)
	}
	total := 0
	for _, c := range tc.master.calls {
		total += c
	}
	if total != 0 {
		t.Fatalf("handlers invoked %d times, want 0", total)
	}
	if tc.master.registry.Len(registry.Agent) != 0 {
		t.Fatalf("registry mutated by unknown command")
	}
}

func TestDelegatedLocalOwnerRunsOnce(t *testing.T) {
	tc := newTestCluster(t, "w1")
	if err := tc.master.registry.RegisterAs(registry.Agent, "a1", &entity{name: "master"}); err != nil {
		t.Fatalf("RegisterAs: %v", err)
	}
	tc.master.topo.Claim("master", "a1")

	tc.submit("c1", "get", command.Args{"uid": "a1"})
	tc.pumpAll()

	if got := tc.master.calls["get"]; got != 1 {
		t.Fatalf("get invoked %d times, want 1", got)
	}
	if got := tc.workers["w1"].calls["get"]; got != 0 {
		t.Fatalf("get invoked on worker %d times, want 0", got)
	}
	if len(tc.master.replies) != 1 || tc.master.replies[0].Err != nil {
		t.Fatalf("replies = %+v, want one success", tc.master.replies)
	}
}

func TestDelegatedStandaloneAndErrors(t *testing.T) {
	tc := newTestCluster(t)
	if err := tc.master.registry.RegisterAs(registry.Agent, "a1", &entity{name: "master"}); err != nil {
		t.Fatalf("RegisterAs: %v", err)
	}

	tc.submit("c1", "get", command.Args{"uid": "a1"})
	tc.submit("c1", "get", command.Args{})
	tc.submit("c1", "get", command.Args{"uid": "missing"})
	tc.pumpAll()

	if len(tc.master.replies) != 3 {
		t.Fatalf("replies = %d, want 3", len(tc.master.replies))
	}
	if err := tc.master.replies[0].Err; err != nil {
		t.Fatalf("standalone delegated err = %v", err)
	}
	if err := tc.master.replies[1].Err; !errors.Is(err, command.ErrInvalidArgument) {
		t.Fatalf("missing uid err = %v, want ErrInvalidArgument", err)
	}
	if err := tc.master.replies[2].Err; !errors.Is(err, command.ErrNotFound) {
		t.Fatalf("unknown uid err = %v, want ErrNotFound", err)
	}
}

func TestDelegatedUnownedUIDIsNotFound(t *testing.T) {
	tc := newTestCluster(t, "w1")
	tc.submit("c1", "get", command.Args{"uid": "ghost"})
	tc.pumpAll()

	if len(tc.master.replies) != 1 || !errors.Is(tc.master.replies[0].Err, command.ErrNotFound) {
		t.Fatalf("replies = %+v, want one NotFound", tc.master.replies)
	}
	if tc.master.calls["get"] != 0 {
		t.Fatalf("handler invoked for unowned uid")
	}
}

func TestDistributedSpawnReplicatesUID(t *testing.T) {
	tc := newTestCluster(t, "w1", "w2")
	tc.submit("c1", "spawn", command.Args{"name": "npc"})

	tc.pumpUntil("replication to both workers", func() bool {
		return tc.workers["w1"].registry.Len(registry.Agent) == 1 &&
			tc.workers["w2"].registry.Len(registry.Agent) == 1 &&
			tc.master.router.Pending() == 0
	})

	if len(tc.master.replies) != 1 {
		t.Fatalf("replies = %d, want 1", len(tc.master.replies))
	}
	if got := tc.master.replies[0].Result; got != "x1" {
		t.Fatalf("spawn reply = %v, want x1", got)
	}
	for _, n := range tc.nodes() {
		if _, err := n.registry.Resolve(registry.Agent, "x1"); err != nil {
			t.Fatalf("%s registry missing x1: %v", n.id, err)
		}
		owner, ok := n.topo.OwnerOf("x1")
		if !ok || owner.ID != "w1" {
			t.Fatalf("%s OwnerOf(x1) = %v, %v; want w1", n.id, owner, ok)
		}
		if n != tc.master && len(n.replies) != 0 {
			t.Fatalf("worker %s sent %d external replies", n.id, len(n.replies))
		}
	}

	if owner, ok := tc.master.topo.OwnerOf("x1/camera"); !ok || owner.ID != "w1" {
		t.Fatalf("OwnerOf(x1/camera) = %v, %v; want w1", owner, ok)
	}

	// Delegated commands on x1 now run on its owner.
	tc.submit("c1", "get", command.Args{"uid": "x1"})
	tc.pumpUntil("forwarded reply", func() bool { return len(tc.master.replies) == 2 })

	rep := tc.master.replies[1]
	if rep.Err != nil {
		t.Fatalf("forwarded get err = %v", rep.Err)
	}
	if tc.workers["w1"].calls["get"] != 1 || tc.master.calls["get"] != 0 {
		t.Fatalf("get calls: master=%d w1=%d, want 0 and 1", tc.master.calls["get"], tc.workers["w1"].calls["get"])
	}
	if got := rep.Result.(map[string]any)["node"]; got != "w1" {
		t.Fatalf("forwarded get ran on %v, want w1", got)
	}
}

func TestReplicatedDistributedDoesNotRebroadcast(t *testing.T) {
	tc := newTestCluster(t, "w1")
	done := make(chan Reply, 1)
	if err := tc.master.router.Submit(context.Background(), &Request{
		Name: "spawn", Args: command.Args{"uid": "r1"}, Replicated: true, Done: done,
	}); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	for range 5 {
		tc.pumpAll()
	}

	select {
	case rep := <-done:
		if rep.Err != nil {
			t.Fatalf("replicated spawn err = %v", rep.Err)
		}
	default:
		t.Fatalf("replicated spawn did not complete")
	}
	if tc.workers["w1"].calls["spawn"] != 0 {
		t.Fatalf("replicated command was rebroadcast")
	}
	if len(tc.master.replies) != 0 {
		t.Fatalf("replicated command produced an external reply")
	}
}

func TestPartialReplicationIsNotClientVisible(t *testing.T) {
	tc := newTestCluster(t, "w1", "w2")
	// w2 already has x1, so its replicated spawn fails.
	if err := tc.workers["w2"].registry.RegisterAs(registry.Agent, "x1", &entity{}); err != nil {
		t.Fatalf("RegisterAs: %v", err)
	}

	tc.submit("c1", "spawn", command.Args{})
	tc.pumpUntil("replication settled", func() bool {
		return len(tc.master.replies) == 1 && tc.master.router.Pending() == 0
	})

	if err := tc.master.replies[0].Err; err != nil {
		t.Fatalf("client saw replication failure: %v", err)
	}
	if got := tc.master.metrics.replicationFailures; got != 1 {
		t.Fatalf("replication failures = %d, want 1", got)
	}
}

func TestDelegatedTimeoutYieldsOneNodeUnreachable(t *testing.T) {
	tc := newTestCluster(t, "w1")
	tc.master.topo.Claim("w1", "a1")
	gate := tc.block("w1")
	defer close(gate)

	tc.submit("c1", "get", command.Args{"uid": "a1"})
	tc.pumpAll()
	if len(tc.master.replies) != 0 {
		t.Fatalf("reply before deadline: %+v", tc.master.replies)
	}
	if got := tc.master.router.Pending(); got != 1 {
		t.Fatalf("Pending = %d, want 1", got)
	}

	tc.wall.Advance(2 * time.Second)
	tc.pumpAll()
	tc.pumpAll()

	if len(tc.master.replies) != 1 {
		t.Fatalf("replies = %d, want exactly 1", len(tc.master.replies))
	}
	if err := tc.master.replies[0].Err; !errors.Is(err, command.ErrNodeUnreachable) {
		t.Fatalf("reply err = %v, want ErrNodeUnreachable", err)
	}
	if got := tc.master.router.Pending(); got != 0 {
		t.Fatalf("Pending after expiry = %d, want 0", got)
	}
}

func TestResetWaitsForPendingDelegated(t *testing.T) {
	tc := newTestCluster(t, "w1")
	for _, n := range tc.nodes() {
		if err := n.registry.RegisterAs(registry.Agent, "a1", &entity{name: string(n.id)}); err != nil {
			t.Fatalf("RegisterAs: %v", err)
		}
		n.topo.Claim("w1", "a1")
	}
	gate := tc.block("w1")

	tc.submit("alice", "get", command.Args{"uid": "a1"})
	tc.pumpAll()
	tc.submit("bob", "reset", nil)
	tc.pumpAll()

	if !tc.master.router.Resetting() || !tc.master.clock.IsResetting() {
		t.Fatalf("reset did not start")
	}
	if tc.master.registry.Len(registry.Agent) != 1 {
		t.Fatalf("registry cleared while a delegated request is pending")
	}

	tc.submit("carol", "local", nil)
	tc.pumpAll()
	if got := tc.master.router.ResetQueued(); got != 1 {
		t.Fatalf("ResetQueued = %d, want 1", got)
	}
	if tc.master.calls["local"] != 0 {
		t.Fatalf("command executed during reset")
	}

	tc.clients["w1"].gate.Store(nil)
	close(gate)
	tc.pumpUntil("reset completion", func() bool { return len(tc.master.replies) == 3 })

	order := []string{tc.master.replies[0].Client, tc.master.replies[1].Client, tc.master.replies[2].Client}
	if fmt.Sprint(order) != "[alice bob carol]" {
		t.Fatalf("reply order = %v, want [alice bob carol]", order)
	}
	if err := tc.master.replies[0].Err; err != nil {
		t.Fatalf("pending delegated err = %v, want success", err)
	}
	if err := tc.master.replies[1].Err; err != nil {
		t.Fatalf("reset err = %v", err)
	}
	if got := tc.master.replies[2].Result; got != 0 {
		t.Fatalf("local after reset saw %v agents, want 0", got)
	}
	if tc.master.clock.IsResetting() {
		t.Fatalf("clock gate still closed after reset")
	}
	if _, ok := tc.master.topo.OwnerOf("a1"); ok {
		t.Fatalf("ownership survived reset")
	}
	if tc.master.metrics.resetQueued != 1 {
		t.Fatalf("reset queued metric = %d, want 1", tc.master.metrics.resetQueued)
	}

	tc.pumpUntil("reset replicated to worker", func() bool {
		return tc.workers["w1"].calls["reset"] == 1
	})
}

func TestResetInterruptsContinuations(t *testing.T) {
	tc := newTestCluster(t)
	tc.slow.Store(true)

	tc.submit("alice", "slow", nil)
	tc.pumpAll()
	if got := tc.master.router.Suspended(); got != 1 {
		t.Fatalf("Suspended = %d, want 1", got)
	}

	tc.submit("bob", "reset", nil)
	tc.pumpAll()

	alice := repliesFor(tc.master, "alice")
	if len(alice) != 1 || !errors.Is(alice[0].Err, command.ErrInterrupted) {
		t.Fatalf("alice replies = %+v, want one ErrInterrupted", alice)
	}
	bob := repliesFor(tc.master, "bob")
	if len(bob) != 1 || bob[0].Err != nil {
		t.Fatalf("bob replies = %+v, want one success", bob)
	}
}

func TestPerClientOrdering(t *testing.T) {
	tc := newTestCluster(t)
	tc.slow.Store(true)

	tc.submit("c1", "slow", nil)
	tc.submit("c1", "local", nil)
	tc.submit("c2", "local", nil)
	tc.pumpAll()

	if got := len(repliesFor(tc.master, "c1")); got != 0 {
		t.Fatalf("c1 got %d replies while its first request is suspended", got)
	}
	if got := len(repliesFor(tc.master, "c2")); got != 1 {
		t.Fatalf("c2 replies = %d, want 1", got)
	}

	tc.slow.Store(false)
	tc.pumpAll()

	c1 := repliesFor(tc.master, "c1")
	if len(c1) != 2 || c1[0].Name != "slow" || c1[1].Name != "local" {
		t.Fatalf("c1 replies = %+v, want slow then local", c1)
	}
	if c1[0].Result != "slow done" {
		t.Fatalf("slow result = %v, want slow done", c1[0].Result)
	}
}

func TestRejectedRequestKeepsClientOrder(t *testing.T) {
	tc := newTestCluster(t)
	tc.slow.Store(true)

	tc.submit("c1", "slow", nil)
	rejected := fmt.Errorf("%w: malformed frame", command.ErrInvalidArgument)
	if err := tc.master.router.Submit(context.Background(), &Request{Client: "c1", Err: rejected}); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	tc.submit("c1", "local", nil)
	tc.pumpAll()

	if got := len(repliesFor(tc.master, "c1")); got != 0 {
		t.Fatalf("c1 got %d replies while its first request is suspended", got)
	}

	tc.slow.Store(false)
	tc.pumpAll()

	c1 := repliesFor(tc.master, "c1")
	if len(c1) != 3 {
		t.Fatalf("c1 replies = %+v, want 3", c1)
	}
	if c1[0].Name != "slow" || c1[0].Err != nil {
		t.Fatalf("first reply = %+v, want slow", c1[0])
	}
	if !errors.Is(c1[1].Err, command.ErrInvalidArgument) {
		t.Fatalf("second reply err = %v, want the rejection", c1[1].Err)
	}
	if c1[2].Name != "local" || c1[2].Err != nil {
		t.Fatalf("third reply = %+v, want local", c1[2])
	}
	if tc.master.calls["local"] != 1 {
		t.Fatalf("local calls = %d, want 1", tc.master.calls["local"])
	}
}

func TestHandlerPanicIsInternal(t *testing.T) {
	tc := newTestCluster(t)
	tc.submit("c1", "panic", nil)
	tc.submit("c1", "local", nil)
	tc.pumpAll()

	if len(tc.master.replies) != 2 {
		t.Fatalf("replies = %d, want 2", len(tc.master.replies))
	}
	if err := tc.master.replies[0].Err; !errors.Is(err, command.ErrInternal) {
		t.Fatalf("panic reply err = %v, want ErrInternal", err)
	}
	if tc.master.metrics.outcomes["panic/Internal"] != 1 {
		t.Fatalf("outcomes = %v, want panic/Internal", tc.master.metrics.outcomes)
	}
}

func TestDespawnReleasesOwnership(t *testing.T) {
	tc := newTestCluster(t)
	tc.submit("c1", "spawn", nil)
	tc.pumpAll()
	if _, ok := tc.master.topo.OwnerOf("x1"); !ok {
		t.Fatalf("spawn did not claim ownership")
	}

	tc.submit("c1", "despawn", command.Args{"uid": "x1"})
	tc.submit("c1", "despawn", command.Args{"uid": "x1"})
	tc.pumpAll()

	if _, ok := tc.master.topo.OwnerOf("x1"); ok {
		t.Fatalf("ownership survived despawn")
	}
	for _, rep := range tc.master.replies {
		if rep.Err != nil {
			t.Fatalf("reply %s err = %v", rep.Name, rep.Err)
		}
	}
}

func TestFramesReachWorkersBeforeLaterForwards(t *testing.T) {
	tc := newTestCluster(t, "w1", "w2")
	for _, n := range tc.nodes() {
		if err := n.registry.RegisterAs(registry.Agent, "a1", &entity{name: string(n.id)}); err != nil {
			t.Fatalf("RegisterAs: %v", err)
		}
		n.topo.Claim("w1", "a1")
	}
	gate := tc.block("w1")

	for f := uint64(1); f <= 3; f++ {
		tc.master.router.FrameAdvanced(f, 100*time.Millisecond)
	}
	tc.submit("c1", "get", command.Args{"uid": "a1"})
	tc.pumpAll()
	tc.master.router.FrameAdvanced(4, 100*time.Millisecond)
	tc.pumpAll()
	close(gate)

	tc.pumpUntil("forward answered", func() bool { return len(tc.master.replies) == 1 })
	rep := tc.master.replies[0]
	if rep.Err != nil {
		t.Fatalf("get: %v", rep.Err)
	}
	if got := rep.Result.(map[string]any)["frame"]; got != uint64(3) {
		t.Fatalf("owner frame at forward = %v, want 3", got)
	}

	tc.pumpUntil("workers caught up", func() bool {
		return tc.workers["w1"].clock.CurrentFrame() == 4 && tc.workers["w2"].clock.CurrentFrame() == 4
	})
	for _, w := range tc.workers {
		if got := w.clock.CurrentTime(); got != 400*time.Millisecond {
			t.Fatalf("%s time = %v, want 400ms", w.id, got)
		}
	}
	if got := tc.master.calls[FrameSyncCommand]; got != 0 {
		t.Fatalf("master ran frame sync %d times, want 0", got)
	}
	if got := tc.master.metrics.replicationFailures; got != 0 {
		t.Fatalf("replication failures = %d, want 0", got)
	}
}

func TestFramesDroppedWithoutWorkers(t *testing.T) {
	tc := newTestCluster(t)
	tc.master.router.FrameAdvanced(1, time.Second)
	tc.pumpAll()
	if got := tc.master.calls[FrameSyncCommand]; got != 0 {
		t.Fatalf("frame sync ran %d times on a standalone node", got)
	}
	if got := tc.master.clock.CurrentFrame(); got != 0 {
		t.Fatalf("frame = %d, want 0", got)
	}
}

func TestMergeFrameSync(t *testing.T) {
	a := cluster.Message{Name: FrameSyncCommand, Args: map[string]any{FrameArg: uint64(2), StepsArg: []any{int64(1), int64(2)}}}
	b := cluster.Message{Name: FrameSyncCommand, Args: map[string]any{FrameArg: uint64(3), StepsArg: []any{int64(3)}}}
	got := mergeFrameSync(a, b)
	steps := got.Args[StepsArg].([]any)
	if got.Args[FrameArg] != uint64(3) || len(steps) != 3 || steps[2] != int64(3) {
		t.Fatalf("merged = %+v, want frame 3 with 3 steps", got.Args)
	}
	if len(a.Args[StepsArg].([]any)) != 2 {
		t.Fatalf("merge mutated the earlier message: %+v", a.Args)
	}
}

func TestSubmitAfterClose(t *testing.T) {
	tc := newTestCluster(t)
	if err := tc.master.router.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	err := tc.master.router.Submit(context.Background(), &Request{Client: "c", Name: "local"})
	if !errors.Is(err, ErrClosed) {
		t.Fatalf("Submit after Close err = %v, want ErrClosed", err)
	}
}
