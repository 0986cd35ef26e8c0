package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"

	"github.com/signalsfoundry/simctl/internal/cluster"
	"github.com/signalsfoundry/simctl/internal/commands"
	"github.com/signalsfoundry/simctl/internal/config"
	"github.com/signalsfoundry/simctl/internal/logging"
	"github.com/signalsfoundry/simctl/internal/observability"
	"github.com/signalsfoundry/simctl/internal/registry"
	"github.com/signalsfoundry/simctl/internal/router"
	"github.com/signalsfoundry/simctl/internal/scene"
	"github.com/signalsfoundry/simctl/internal/transport/ws"
	"github.com/signalsfoundry/simctl/timectrl"
)

// node is one simulator process: the command core plus the servers that
// expose it.
type node struct {
	cfg *config.Config
	log logging.Logger

	registry *registry.Registry
	clock    *timectrl.Controller
	world    *scene.World
	topo     *cluster.Topology
	router   *router.Router
	loop     *timectrl.Loop
	api      *ws.Server
	metrics  *observability.CommandCollector

	grpcServer    *grpc.Server
	apiServer     *http.Server
	metricsServer *http.Server

	grpcAddr net.Addr
	apiAddr  net.Addr

	wg       sync.WaitGroup
	loopDone <-chan struct{}
}

func newNode(cfg *config.Config, log logging.Logger, metrics *observability.CommandCollector, clusterMetrics *observability.ClusterCollector) (*node, error) {
	if log == nil {
		log = logging.Noop()
	}
	n := &node{cfg: cfg, log: log, metrics: metrics}

	n.registry = registry.New(registry.WithMetricsRecorder(metrics))
	n.clock = timectrl.New(
		timectrl.WithNativeFrameRate(cfg.Clock.FrameRate),
		timectrl.WithMetricsRecorder(metrics),
	)

	var catalog *scene.Catalog
	if cfg.Scene.Catalog != "" {
		c, err := scene.ReadCatalog(cfg.Scene.Catalog)
		if err != nil {
			return nil, err
		}
		catalog = c
	}
	n.world = scene.NewWorld(catalog, scene.WithLoadFrames(cfg.Scene.LoadFrames))

	role := cfg.Role()
	topo, err := cluster.New(cluster.Config{
		Role:         role,
		Self:         cluster.Endpoint{ID: cluster.NodeID(cfg.Node.ID), Address: cfg.Node.Listen},
		Workers:      cfg.Node.Workers,
		MasterLoad:   cfg.Node.MasterLoad,
		ProbeTimeout: cfg.Node.ProbeTimeout.Std(),
		DialOptions:  cluster.DefaultDialOptions(),
	}, cluster.WithLogger(log), cluster.WithMetricsRecorder(clusterMetrics))
	if err != nil {
		return nil, err
	}
	n.topo = topo

	table, err := commands.Table(commands.Deps{
		Registry: n.registry,
		Clock:    n.clock,
		World:    n.world,
		Version:  version,
		Log:      log,
	})
	if err != nil {
		_ = topo.Close()
		return nil, err
	}

	n.api = ws.NewServer(nil, ws.Config{
		AllowMultiple: cfg.API.AllowMultiple,
		RateLimit:     cfg.API.RateLimit,
		RateBurst:     cfg.API.RateBurst,
		WriteTimeout:  cfg.API.WriteTimeout.Std(),
		Log:           log,
	})
	r, err := router.New(router.Config{
		Commands:           table,
		Topology:           topo,
		Clock:              n.clock,
		Registry:           n.registry,
		Replier:            n.api,
		ForwardTimeout:     cfg.Router.ForwardTimeout.Std(),
		ReplicationTimeout: cfg.Router.ReplicationTimeout.Std(),
		Log:                log,
		Metrics:            metrics,
	})
	if err != nil {
		_ = topo.Close()
		return nil, err
	}
	n.router = r
	n.clock.AddListener(func(s timectrl.State, dt time.Duration) {
		n.world.Step(dt)
		r.FrameAdvanced(s.Frame, dt)
	})
	n.api.SetSubmitter(r)

	n.loop = timectrl.NewLoop(n.clock, r.Pump, func(context.Context) { n.world.Update() })
	return n, nil
}

// start binds every listener and launches the servers, the probe ticker and
// the simulation loop.
func (n *node) start(ctx context.Context) error {
	role := n.cfg.Role()

	if role != cluster.Standalone {
		lis, err := net.Listen("tcp", n.cfg.Node.Listen)
		if err != nil {
			return fmt.Errorf("listen for node service on %s: %w", n.cfg.Node.Listen, err)
		}
		n.grpcAddr = lis.Addr()
		n.grpcServer = grpc.NewServer(
			grpc.StatsHandler(otelgrpc.NewServerHandler()),
			grpc.ChainUnaryInterceptor(
				cluster.RequestIDUnaryServerInterceptor(n.log),
				n.metrics.UnaryServerInterceptor(),
			),
		)
		cluster.RegisterNodeServer(n.grpcServer, cluster.NewServer(n.router, n.topo.Self(), role, n.log))

		n.log.Info(ctx, "starting node service", logging.String("addr", n.grpcAddr.String()))
		n.wg.Add(1)
		go func() {
			defer n.wg.Done()
			if err := n.grpcServer.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
				n.log.Error(ctx, "node service exited", logging.Err(err))
			}
		}()
	}

	if role != cluster.Worker {
		lis, err := net.Listen("tcp", n.cfg.API.Listen)
		if err != nil {
			return fmt.Errorf("listen for clients on %s: %w", n.cfg.API.Listen, err)
		}
		n.apiAddr = lis.Addr()
		n.apiServer = &http.Server{Handler: n.api}

		n.log.Info(ctx, "accepting clients", logging.String("addr", n.apiAddr.String()))
		n.wg.Add(1)
		go func() {
			defer n.wg.Done()
			if err := n.apiServer.Serve(lis); err != nil && err != http.ErrServerClosed {
				n.log.Error(ctx, "client server exited", logging.Err(err))
			}
		}()
	}

	if n.cfg.Metrics.Listen != "" && n.metrics != nil {
		n.metricsServer = serveMetrics(n.cfg.Metrics.Listen, n.metrics, n.log)
	}

	if role == cluster.Master {
		n.wg.Add(1)
		go func() {
			defer n.wg.Done()
			n.probe(ctx)
		}()
	}

	n.loopDone = n.loop.Start(ctx)
	n.log.Info(ctx, "simulator started",
		logging.String("role", role.String()),
		logging.Int("workers", len(n.topo.ConnectedWorkers())),
	)
	return nil
}

func (n *node) probe(ctx context.Context) {
	ticker := time.NewTicker(n.cfg.Node.ProbeInterval.Std())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n.topo.Probe(ctx)
		}
	}
}

// shutdown stops the servers, waits for the loop (ctx passed to start must
// already be cancelled) and releases the router and cluster connections.
func (n *node) shutdown(ctx context.Context) {
	if n.apiServer != nil {
		_ = n.apiServer.Shutdown(ctx)
	}
	if n.metricsServer != nil {
		_ = n.metricsServer.Shutdown(ctx)
	}
	if n.grpcServer != nil {
		stopped := make(chan struct{})
		go func() {
			n.grpcServer.GracefulStop()
			close(stopped)
		}()
		select {
		case <-stopped:
		case <-ctx.Done():
			n.grpcServer.Stop()
		}
	}
	if n.loopDone != nil {
		select {
		case <-n.loopDone:
		case <-ctx.Done():
		}
	}
	_ = n.router.Close()
	_ = n.topo.Close()
	n.wg.Wait()
}

func serveMetrics(addr string, collector *observability.CommandCollector, log logging.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", collector.Handler())

	srv := &http.Server{
		Addr:    addr,
		Handler: mux,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Warn(context.Background(), "metrics server exited", logging.Err(err))
		}
	}()

	log.Info(context.Background(), "serving Prometheus metrics", logging.String("addr", addr))
	return srv
}
