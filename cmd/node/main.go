// Command node hosts benchmark actors for a cluster run.
//
// A node serves the actor API of cluster.Host, registers itself in the
// Redis directory given with --cluster-address and stays there until it is
// stopped. Coordinators started with the same address place their workers
// and parameter servers on the registered nodes.
//
// Usage:
//
//	node --cluster-address redis:6379 --id node-1 --addr http://10.0.0.5:8081 --num-gpus 4
//
// NODE_ID, NODE_LISTEN, NODE_ADDR and SHARDPS_CLUSTER_ADDRESS provide the
// flag defaults.
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/dreamware/shardps/internal/actor"
	"github.com/dreamware/shardps/internal/cluster"
	"github.com/dreamware/shardps/internal/coordinator"
	"github.com/dreamware/shardps/internal/logging"
)

// Registration attempts before the node gives up on the directory.
const (
	registerAttempts = 10
	registerDelay    = 400 * time.Millisecond
)

type options struct {
	id             string
	listen         string
	addr           string
	identity       string
	clusterAddress string
	logFormat      string
	gpus           float64
	verbose        bool
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var opts options
	cmd := &cobra.Command{
		Use:          "node",
		Short:        "Host benchmark actors for a cluster run",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.clusterAddress == "" {
				return errors.New("--cluster-address is required")
			}
			logger, err := logging.New(opts.logFormat, opts.verbose)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			ln, err := net.Listen("tcp", opts.listen)
			if err != nil {
				return fmt.Errorf("listen: %w", err)
			}
			dir := cluster.NewRedisDirectory(opts.clusterAddress)
			defer dir.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, ln, newHost(opts, logger), dir, logger)
		},
	}

	hostname, _ := os.Hostname()
	f := cmd.Flags()
	f.StringVar(&opts.id, "id", getenv("NODE_ID", hostname), "directory ID of this node")
	f.StringVar(&opts.listen, "listen", getenv("NODE_LISTEN", ":8081"), "address to serve the actor API on")
	f.StringVar(&opts.addr, "addr", getenv("NODE_ADDR", "http://127.0.0.1:8081"), "public URL coordinators use to reach this node")
	f.StringVar(&opts.identity, "identity", "", "machine identity reported for placement checks (default: this host's IP)")
	f.StringVar(&opts.clusterAddress, "cluster-address", getenv("SHARDPS_CLUSTER_ADDRESS", ""), "Redis address of the cluster directory")
	f.Float64Var(&opts.gpus, "num-gpus", 1, "GPUs this node offers to actors")
	f.StringVar(&opts.logFormat, "log-format", "json", "log format: json or console")
	f.BoolVarP(&opts.verbose, "verbose", "v", false, "enable debug logging")
	return cmd
}

func newHost(opts options, logger *zap.Logger) *cluster.Host {
	identity := opts.identity
	if identity == "" {
		identity = nodeIP()
	}
	return cluster.NewHost(cluster.HostInfo{
		ID:           opts.id,
		Addr:         opts.addr,
		Identity:     identity,
		Resources:    actor.Resources{actor.ResourceGPU: opts.gpus},
		RegisteredAt: time.Now(),
	}, coordinator.DefaultRegistry(), logger)
}

// serve runs the host's API on ln and keeps the host registered in dir until
// ctx ends. The host is deregistered and closed before serve returns.
func serve(ctx context.Context, ln net.Listener, host *cluster.Host, dir cluster.Directory, logger *zap.Logger) error {
	info := host.Info()
	s := &http.Server{
		Handler:           cluster.NewHostHandler(host),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("node listening",
			zap.String("id", info.ID), zap.String("listen", ln.Addr().String()), zap.String("public", info.Addr))
		if err := s.Serve(ln); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	var err error
	if err = register(ctx, dir, info, registerAttempts, registerDelay, logger); err == nil {
		select {
		case <-ctx.Done():
		case serveErr, ok := <-errCh:
			if ok {
				err = fmt.Errorf("listen: %w", serveErr)
			}
		}

		deregisterCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if derr := dir.Deregister(deregisterCtx, info.ID); derr != nil {
			logger.Warn("failed to deregister", zap.Error(derr))
		}
		cancel()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if serr := s.Shutdown(shutdownCtx); serr != nil {
		logger.Warn("server shutdown error", zap.Error(serr))
	}
	if cerr := host.Close(); cerr != nil {
		logger.Warn("failed to close actors", zap.Error(cerr))
	}
	logger.Info("node stopped", zap.String("id", info.ID))
	return err
}

// register adds info to the directory, retrying while it is unreachable.
func register(ctx context.Context, dir cluster.Directory, info cluster.HostInfo, attempts int, delay time.Duration, logger *zap.Logger) error {
	var lastErr error
	for i := 0; i < attempts; i++ {
		lastErr = dir.Register(ctx, info)
		if lastErr == nil {
			logger.Info("registered in cluster directory", zap.String("id", info.ID), zap.String("identity", info.Identity))
			return nil
		}
		logger.Debug("register retry", zap.Int("attempt", i+1), zap.Error(lastErr))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return fmt.Errorf("failed to register in cluster directory: %w", lastErr)
}

// nodeIP returns the first non-loopback IPv4 address of this machine, or the
// hostname when there is none.
func nodeIP() string {
	addrs, err := net.InterfaceAddrs()
	if err == nil {
		for _, a := range addrs {
			if ipnet, ok := a.(*net.IPNet); ok && !ipnet.IP.IsLoopback() && ipnet.IP.To4() != nil {
				return ipnet.IP.String()
			}
		}
	}
	hostname, _ := os.Hostname()
	return hostname
}

// getenv returns the environment value for k, or def when unset or empty.
func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}
