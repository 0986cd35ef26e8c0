// Command simulator runs one node of the simulation: a standalone simulator,
// the master of a cluster, or one of its workers.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/signalsfoundry/simctl/internal/config"
	"github.com/signalsfoundry/simctl/internal/logging"
	"github.com/signalsfoundry/simctl/internal/observability"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	cfg, err := loadConfig(args)
	if err != nil {
		return err
	}
	if cfg == nil {
		return nil
	}

	log := logging.New(cfg.Logging()).With(logging.String("node", cfg.Node.ID))
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tracingCfg := observability.TracingConfigFromEnv(os.Getenv)
	tracingCfg.NodeID = cfg.Node.ID
	shutdownTracing, err := observability.InitTracing(ctx, tracingCfg, log)
	if err != nil {
		return fmt.Errorf("initialise tracing: %w", err)
	}
	defer observability.ShutdownWithTimeout(context.Background(), shutdownTracing, log)

	metrics, err := observability.NewCommandCollector(nil)
	if err != nil {
		return fmt.Errorf("initialise metrics: %w", err)
	}
	clusterMetrics, err := observability.NewClusterCollector(nil)
	if err != nil {
		return fmt.Errorf("initialise cluster metrics: %w", err)
	}

	n, err := newNode(cfg, log, metrics, clusterMetrics)
	if err != nil {
		return err
	}
	if err := n.start(ctx); err != nil {
		stop()
		n.shutdown(context.Background())
		return err
	}

	<-ctx.Done()
	log.Info(context.Background(), "shutting down simulator")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	n.shutdown(shutdownCtx)
	return nil
}

// loadConfig parses flags, loads the configuration file and applies flag
// overrides. It returns a nil config when only help or the version was
// requested.
func loadConfig(args []string) (*config.Config, error) {
	var (
		configPath  string
		showVersion bool
	)
	flagSet := pflag.NewFlagSet("simulator", pflag.ContinueOnError)
	flagSet.StringVarP(&configPath, "config", "c", os.Getenv("SIMCTL_CONFIG"), "path to the YAML configuration file")
	flagSet.String("role", "", "node role: standalone, master or worker")
	flagSet.String("node-id", "", "cluster node id")
	flagSet.String("listen", "", "address of the node gRPC service")
	flagSet.String("api-listen", "", "address of the client WebSocket endpoint")
	flagSet.String("metrics-listen", "", "address for Prometheus /metrics (empty string disables)")
	flagSet.String("catalog", "", "JSONC asset catalog")
	flagSet.Float64("frame-rate", 0, "native simulation frame rate")
	flagSet.String("log-level", "", "debug, info, warn or error")
	flagSet.BoolVar(&showVersion, "version", false, "print the version and exit")

	if err := flagSet.Parse(args); err != nil {
		if err == pflag.ErrHelp {
			return nil, nil
		}
		return nil, err
	}
	if showVersion {
		fmt.Println(version)
		return nil, nil
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if err := applyFlags(flagSet, cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyFlags(fs *pflag.FlagSet, cfg *config.Config) error {
	strs := map[string]*string{
		"role":           &cfg.Node.Role,
		"node-id":        &cfg.Node.ID,
		"listen":         &cfg.Node.Listen,
		"api-listen":     &cfg.API.Listen,
		"metrics-listen": &cfg.Metrics.Listen,
		"catalog":        &cfg.Scene.Catalog,
		"log-level":      &cfg.Log.Level,
	}
	for name, dst := range strs {
		if !fs.Changed(name) {
			continue
		}
		v, err := fs.GetString(name)
		if err != nil {
			return err
		}
		*dst = v
	}
	if fs.Changed("frame-rate") {
		v, err := fs.GetFloat64("frame-rate")
		if err != nil {
			return err
		}
		cfg.Clock.FrameRate = v
	}
	return nil
}
