package main

import (
	"context"
	"errors"
	"io"
	"net"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/dreamware/shardps/internal/actor"
	"github.com/dreamware/shardps/internal/cluster"
)

// TestGetenv tests the getenv utility function
func TestGetenv(t *testing.T) {
	tests := []struct {
		name     string
		key      string
		value    string
		def      string
		expected string
	}{
		{
			name:     "environment variable set",
			key:      "TEST_ENV_VAR",
			value:    "test_value",
			def:      "default",
			expected: "test_value",
		},
		{
			name:     "environment variable not set",
			key:      "UNSET_ENV_VAR",
			value:    "",
			def:      "default_value",
			expected: "default_value",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.value != "" {
				t.Setenv(tt.key, tt.value)
			}
			if result := getenv(tt.key, tt.def); result != tt.expected {
				t.Errorf("Expected %s, got %s", tt.expected, result)
			}
		})
	}
}

// flakyDirectory fails the first failures registrations.
type flakyDirectory struct {
	*cluster.MemoryDirectory
	failures int
	calls    int
	mu       sync.Mutex
}

func (d *flakyDirectory) Register(ctx context.Context, info cluster.HostInfo) error {
	d.mu.Lock()
	d.calls++
	fail := d.calls <= d.failures
	d.mu.Unlock()
	if fail {
		return errors.New("connection refused")
	}
	return d.MemoryDirectory.Register(ctx, info)
}

// TestRegister tests registration with and without retries
func TestRegister(t *testing.T) {
	info := cluster.HostInfo{ID: "test-node", Addr: "http://localhost:8081"}
	tests := []struct {
		name      string
		failures  int
		wantErr   bool
		wantCalls int
	}{
		{name: "successful registration on first try", failures: 0, wantCalls: 1},
		{name: "successful registration after retries", failures: 2, wantCalls: 3},
		{name: "registration fails after max retries", failures: 10, wantErr: true, wantCalls: 4},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := &flakyDirectory{MemoryDirectory: cluster.NewMemoryDirectory(), failures: tt.failures}

			err := register(context.Background(), dir, info, 4, time.Millisecond, zaptest.NewLogger(t))
			assert.Equal(t, tt.wantCalls, dir.calls)
			hosts, lerr := dir.List(context.Background())
			require.NoError(t, lerr)
			if tt.wantErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), "connection refused")
				assert.Empty(t, hosts)
				return
			}
			require.NoError(t, err)
			require.Len(t, hosts, 1)
			assert.Equal(t, "test-node", hosts[0].ID)
		})
	}
}

// TestRegisterCancelled tests that register stops retrying when ctx ends.
func TestRegisterCancelled(t *testing.T) {
	dir := &flakyDirectory{MemoryDirectory: cluster.NewMemoryDirectory(), failures: 10}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := register(ctx, dir, cluster.HostInfo{ID: "n", Addr: "http://n"}, 10, time.Hour, zaptest.NewLogger(t))
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, dir.calls)
}

// TestServe tests the node lifecycle against a Redis directory: register,
// serve the actor API, then deregister on shutdown.
func TestServe(t *testing.T) {
	mr := miniredis.RunT(t)
	dir := cluster.NewRedisDirectory(mr.Addr())
	defer dir.Close()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := "http://" + ln.Addr().String()

	logger := zaptest.NewLogger(t)
	host := newHost(options{id: "node-1", addr: addr, identity: "10.0.0.9", gpus: 2}, logger)
	assert.Equal(t, actor.Resources{actor.ResourceGPU: 2}, host.Info().Resources)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- serve(ctx, ln, host, dir, logger) }()

	assert.Eventually(t, func() bool {
		hosts, err := dir.List(context.Background())
		return err == nil && len(hosts) == 1
	}, 5*time.Second, 10*time.Millisecond)

	var identity cluster.IdentityResponse
	require.NoError(t, cluster.GetJSON(context.Background(), addr+"/identity", &identity))
	assert.Equal(t, "10.0.0.9", identity.Identity)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("serve did not return")
	}

	hosts, err := dir.List(context.Background())
	require.NoError(t, err)
	assert.Empty(t, hosts, "node deregisters on shutdown")
}

// TestRootCmdRequiresClusterAddress tests the required directory flag.
func TestRootCmdRequiresClusterAddress(t *testing.T) {
	t.Setenv("SHARDPS_CLUSTER_ADDRESS", "")
	cmd := newRootCmd()
	cmd.SetArgs([]string{})
	cmd.SetOut(io.Discard)
	cmd.SetErr(io.Discard)

	err := cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--cluster-address is required")
}

// TestNewHostDefaultsIdentity tests that a node without --identity reports
// a machine address.
func TestNewHostDefaultsIdentity(t *testing.T) {
	host := newHost(options{id: "node-1", addr: "http://127.0.0.1:8081", gpus: 1}, zaptest.NewLogger(t))
	defer host.Close()

	assert.Equal(t, nodeIP(), host.Info().Identity)
	assert.NotEmpty(t, host.Info().Identity)
	hostname, _ := os.Hostname()
	if ip := net.ParseIP(host.Info().Identity); ip == nil {
		assert.Equal(t, hostname, host.Info().Identity)
	}
}
