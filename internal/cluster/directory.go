package cluster

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	backend "github.com/redis/go-redis/v9"
	"golang.org/x/exp/slices"
)

// ErrHostNotFound is returned when a host is not in the directory.
var ErrHostNotFound = errors.New("host not found")

// Directory records the actor hosts that make up a cluster. All
// implementations must be safe for concurrent use.
type Directory interface {
	// Register adds or replaces a host, keyed by its ID.
	Register(ctx context.Context, info HostInfo) error
	// List returns every registered host ordered by ID.
	List(ctx context.Context) ([]HostInfo, error)
	// Deregister removes a host. Removing an unknown host is not an error.
	Deregister(ctx context.Context, id string) error
}

// MemoryDirectory is an in-process Directory for tests and single-machine
// clusters.
type MemoryDirectory struct {
	mu    sync.RWMutex
	hosts map[string]HostInfo
}

// NewMemoryDirectory returns an empty directory.
func NewMemoryDirectory() *MemoryDirectory {
	return &MemoryDirectory{hosts: make(map[string]HostInfo)}
}

func (m *MemoryDirectory) Register(_ context.Context, info HostInfo) error {
	if info.ID == "" || info.Addr == "" {
		return fmt.Errorf("register host: id and addr are required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hosts[info.ID] = info
	return nil
}

func (m *MemoryDirectory) List(_ context.Context) ([]HostInfo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]HostInfo, 0, len(m.hosts))
	for _, h := range m.hosts {
		out = append(out, h)
	}
	sortHosts(out)
	return out, nil
}

func (m *MemoryDirectory) Deregister(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.hosts, id)
	return nil
}

// RedisDirectory keeps hosts in a Redis hash so hosts started on different
// machines can find each other through the cluster address.
type RedisDirectory struct {
	client *backend.Client
	key    string
}

// RedisOption configures a RedisDirectory.
type RedisOption func(*RedisDirectory)

// WithKey sets the hash key hosts are stored under.
func WithKey(key string) RedisOption {
	return func(d *RedisDirectory) {
		d.key = key
	}
}

// DefaultDirectoryKey is the Redis hash holding the host directory.
const DefaultDirectoryKey = "shardps:hosts"

// NewRedisDirectory connects to the Redis server at address.
func NewRedisDirectory(address string, opts ...RedisOption) *RedisDirectory {
	return NewRedisDirectoryFromClient(backend.NewClient(&backend.Options{Addr: address}), opts...)
}

// NewRedisDirectoryFromClient wraps an existing client.
func NewRedisDirectoryFromClient(client *backend.Client, opts ...RedisOption) *RedisDirectory {
	d := &RedisDirectory{client: client, key: DefaultDirectoryKey}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Ping checks that the Redis server is reachable.
func (d *RedisDirectory) Ping(ctx context.Context) error {
	if err := d.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis directory: %w", err)
	}
	return nil
}

func (d *RedisDirectory) Register(ctx context.Context, info HostInfo) error {
	if info.ID == "" || info.Addr == "" {
		return fmt.Errorf("register host: id and addr are required")
	}
	data, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("failed to marshal host: %w", err)
	}
	if err := d.client.HSet(ctx, d.key, info.ID, data).Err(); err != nil {
		return fmt.Errorf("failed to register host %s: %w", info.ID, err)
	}
	return nil
}

func (d *RedisDirectory) List(ctx context.Context) ([]HostInfo, error) {
	vals, err := d.client.HGetAll(ctx, d.key).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list hosts: %w", err)
	}
	out := make([]HostInfo, 0, len(vals))
	for id, raw := range vals {
		var info HostInfo
		if err := json.Unmarshal([]byte(raw), &info); err != nil {
			return nil, fmt.Errorf("corrupt directory entry %s: %w", id, err)
		}
		out = append(out, info)
	}
	sortHosts(out)
	return out, nil
}

func (d *RedisDirectory) Deregister(ctx context.Context, id string) error {
	if err := d.client.HDel(ctx, d.key, id).Err(); err != nil {
		return fmt.Errorf("failed to deregister host %s: %w", id, err)
	}
	return nil
}

// Close closes the Redis client.
func (d *RedisDirectory) Close() error {
	return d.client.Close()
}

func sortHosts(hosts []HostInfo) {
	slices.SortFunc(hosts, func(a, b HostInfo) int { return strings.Compare(a.ID, b.ID) })
}
