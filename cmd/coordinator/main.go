// Command coordinator runs the sharded parameter-server benchmark.
//
// Without --cluster-address every actor runs in this process. With it, the
// coordinator finds node processes through the Redis directory at that
// address and places actors on them.
//
// Usage:
//
//	coordinator --num-workers 4 --num-parameter-servers 2 --dim 151190
//	coordinator --config bench.yaml --cluster-address redis:6379 --add-pause
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/dreamware/shardps/internal/actor"
	"github.com/dreamware/shardps/internal/cluster"
	"github.com/dreamware/shardps/internal/config"
	"github.com/dreamware/shardps/internal/coordinator"
	"github.com/dreamware/shardps/internal/logging"
	"github.com/dreamware/shardps/internal/metrics"
	"github.com/dreamware/shardps/internal/paramserver"
)

// addPause is the throttle applied by --add-pause.
const addPause = 100 * time.Millisecond

// Directory connection attempts before giving up.
const (
	connectAttempts = 10
	connectDelay    = 400 * time.Millisecond
)

// monitorInterval is how often cluster hosts are health checked.
const monitorInterval = 5 * time.Second

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "coordinator",
		Short:        "Run synchronous sharded parameter-server rounds",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd.Flags())
			if err != nil {
				return err
			}
			logger, err := logging.New(cfg.Log.Format, cfg.Log.Verbose)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg, logger)
		},
	}

	def := config.Default()
	f := cmd.Flags()
	f.String("config", "", "YAML configuration file")
	f.Int("num-workers", def.Workers, "number of workers (W)")
	f.Int("num-parameter-servers", def.ParameterServers, "number of parameter servers and shards (P)")
	f.Int("dim", def.Dim, "length of the parameter vector (D)")
	f.String("cluster-address", def.ClusterAddress, "Redis address of the cluster directory; empty runs in-process")
	f.Bool("add-pause", false, fmt.Sprintf("sleep %s between rounds", addPause))
	f.Duration("pause", def.Pause, "sleep this long between rounds")
	f.String("log-dir", def.LogDir, "directory receiving metrics.jsonl")
	f.Int("log-frequency", def.LogFrequency, "rounds between steps_per_sec samples")
	f.String("reducer", def.Reducer, "gradient reducer: sum, mean or noop")
	f.Bool("strict-partition", def.StrictPartition, "require dim to divide evenly by the parameter-server count")
	f.String("metrics-listen", def.MetricsListen, "serve Prometheus metrics on this address, e.g. :2112")
	f.String("model", "", "worker model: placeholder or random")
	f.Uint64("model-seed", 0, "seed of the random model")
	f.Duration("compute-time", 0, "simulated gradient computation time per round")
	f.String("log-format", def.Log.Format, "log format: json or console")
	f.BoolP("verbose", "v", false, "enable debug logging")
	f.SetNormalizeFunc(normalizeFlag)
	return cmd
}

// normalizeFlag maps the legacy --redis-address and --logdir spellings.
func normalizeFlag(_ *pflag.FlagSet, name string) pflag.NormalizedName {
	switch name {
	case "redis-address":
		name = "cluster-address"
	case "logdir":
		name = "log-dir"
	}
	return pflag.NormalizedName(name)
}

// loadConfig layers the flags the user set over config.Load and validates
// the result.
func loadConfig(flags *pflag.FlagSet) (config.Config, error) {
	path, err := flags.GetString("config")
	if err != nil {
		return config.Config{}, err
	}
	cfg, err := config.Load(path)
	if err != nil {
		return config.Config{}, err
	}

	var errs []error
	intFlag := func(name string, dst *int) {
		if flags.Changed(name) {
			v, err := flags.GetInt(name)
			errs = append(errs, err)
			*dst = v
		}
	}
	stringFlag := func(name string, dst *string) {
		if flags.Changed(name) {
			v, err := flags.GetString(name)
			errs = append(errs, err)
			*dst = v
		}
	}
	boolFlag := func(name string, dst *bool) {
		if flags.Changed(name) {
			v, err := flags.GetBool(name)
			errs = append(errs, err)
			*dst = v
		}
	}
	durationFlag := func(name string, dst *time.Duration) {
		if flags.Changed(name) {
			v, err := flags.GetDuration(name)
			errs = append(errs, err)
			*dst = v
		}
	}

	intFlag("num-workers", &cfg.Workers)
	intFlag("num-parameter-servers", &cfg.ParameterServers)
	intFlag("dim", &cfg.Dim)
	intFlag("log-frequency", &cfg.LogFrequency)
	stringFlag("cluster-address", &cfg.ClusterAddress)
	stringFlag("log-dir", &cfg.LogDir)
	stringFlag("reducer", &cfg.Reducer)
	stringFlag("metrics-listen", &cfg.MetricsListen)
	stringFlag("model", &cfg.Model.Name)
	stringFlag("log-format", &cfg.Log.Format)
	boolFlag("strict-partition", &cfg.StrictPartition)
	boolFlag("verbose", &cfg.Log.Verbose)
	durationFlag("compute-time", &cfg.Model.ComputeTime)

	var pauseSet bool
	boolFlag("add-pause", &pauseSet)
	if pauseSet && cfg.Pause == 0 {
		cfg.Pause = addPause
	}
	durationFlag("pause", &cfg.Pause)

	if flags.Changed("model-seed") {
		v, err := flags.GetUint64("model-seed")
		errs = append(errs, err)
		cfg.Model.Seed = v
	}

	if err := errors.Join(errs...); err != nil {
		return config.Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// coordinatorConfig maps the process configuration onto the coordinator's.
func coordinatorConfig(cfg config.Config) (coordinator.Config, error) {
	reducer, err := paramserver.ParseReducer(cfg.Reducer)
	if err != nil {
		return coordinator.Config{}, err
	}
	return coordinator.Config{
		ActorResources:   cfg.ActorResources,
		Model:            cfg.Model,
		Reducer:          reducer,
		Workers:          cfg.Workers,
		ParameterServers: cfg.ParameterServers,
		Dim:              cfg.Dim,
		LogFrequency:     cfg.LogFrequency,
		Pause:            cfg.Pause,
		Cluster:          cfg.Cluster(),
		StrictPartition:  cfg.StrictPartition,
	}, nil
}

// run executes rounds until ctx is cancelled or a round fails.
func run(ctx context.Context, cfg config.Config, logger *zap.Logger) error {
	ccfg, err := coordinatorConfig(cfg)
	if err != nil {
		return err
	}

	fileSink, err := metrics.NewFileSink(cfg.LogDir)
	if err != nil {
		return err
	}
	defer func() {
		if err := fileSink.Close(); err != nil {
			logger.Warn("failed to close metrics file", zap.Error(err))
		}
	}()
	sinks := []metrics.Sink{metrics.NewLogSink(logger), fileSink}

	if cfg.MetricsListen != "" {
		prom, err := metrics.NewPromSink()
		if err != nil {
			return err
		}
		sinks = append(sinks, prom)
		srv := serveMetrics(cfg.MetricsListen, prom, logger)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	sink := metrics.Multi(sinks...)

	rt, err := newRuntime(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := rt.Close(); err != nil {
			logger.Warn("failed to close runtime", zap.Error(err))
		}
	}()

	coord := coordinator.New(rt, ccfg, sink, logger)
	if cr, ok := rt.(*clusterRuntime); ok {
		stopMonitor := watchHosts(ctx, cr.dir, monitorInterval, coord.Round, sink, logger)
		defer stopMonitor()
	}

	logger.Info("starting benchmark",
		zap.Int("workers", cfg.Workers),
		zap.Int("parameter_servers", cfg.ParameterServers),
		zap.Int("dim", cfg.Dim),
		zap.Bool("cluster", cfg.Cluster()),
		zap.String("reducer", string(ccfg.Reducer)),
	)
	return coord.Run(ctx)
}

// newRuntime returns the in-process runtime, or a remote runtime over the
// Redis directory.
func newRuntime(ctx context.Context, cfg config.Config, logger *zap.Logger) (actor.Runtime, error) {
	if !cfg.Cluster() {
		return actor.NewLocalRuntime(coordinator.DefaultRegistry(),
			actor.WithCapacity(cfg.LocalCapacity()),
			actor.WithLogger(logger),
		), nil
	}

	dir := cluster.NewRedisDirectory(cfg.ClusterAddress)
	if err := connect(ctx, dir, connectAttempts, connectDelay); err != nil {
		_ = dir.Close()
		return nil, err
	}
	hosts, err := dir.List(ctx)
	if err != nil {
		_ = dir.Close()
		return nil, err
	}
	logger.Info("connected to cluster directory",
		zap.String("address", cfg.ClusterAddress), zap.Int("hosts", len(hosts)))

	return &clusterRuntime{
		RemoteRuntime: cluster.NewRemoteRuntime(dir, cluster.WithRemoteLogger(logger)),
		dir:           dir,
	}, nil
}

// clusterRuntime closes the directory client after the remote runtime.
type clusterRuntime struct {
	*cluster.RemoteRuntime
	dir *cluster.RedisDirectory
}

func (r *clusterRuntime) Close() error {
	return errors.Join(r.RemoteRuntime.Close(), r.dir.Close())
}

// watchHosts runs a host monitor over dir until the returned function is
// called. Each host that turns unhealthy adds a host_unhealthy sample at the
// current round.
func watchHosts(ctx context.Context, dir cluster.Directory, interval time.Duration, round func() int64, sink metrics.Sink, logger *zap.Logger) (stop func()) {
	monitor := cluster.NewHostMonitor(dir, interval, logger)
	monitor.SetOnUnhealthy(func(cluster.HostInfo) {
		sink.Record(round(), metrics.HostUnhealthy, 1)
	})

	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		monitor.Run(ctx)
	}()

	return func() {
		cancel()
		<-done
		for id, h := range monitor.All() {
			if h.Status == cluster.StatusUnhealthy {
				logger.Warn("host still unhealthy", zap.String("host", id), zap.Time("last_healthy", h.LastHealthy))
			}
		}
	}
}

// connect pings the directory until it answers.
func connect(ctx context.Context, dir *cluster.RedisDirectory, attempts int, delay time.Duration) error {
	var err error
	for i := 0; i < attempts; i++ {
		if err = dir.Ping(ctx); err == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return fmt.Errorf("cluster directory unreachable after %d attempts: %w", attempts, err)
}

// metricsRouter serves the Prometheus sink and a liveness check.
func metricsRouter(prom *metrics.PromSink) http.Handler {
	r := chi.NewRouter()
	r.Handle("/metrics", prom.Handler())
	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return r
}

func serveMetrics(addr string, prom *metrics.PromSink, logger *zap.Logger) *http.Server {
	srv := &http.Server{
		Addr:              addr,
		Handler:           metricsRouter(prom),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info("serving metrics", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server failed", zap.Error(err))
		}
	}()
	return srv
}
