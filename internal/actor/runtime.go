package actor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/dreamware/shardps/internal/tensor"
)

var (
	// ErrUnknownKind is returned when spawning a kind with no registered factory.
	ErrUnknownKind = errors.New("unknown actor kind")
	// ErrUnknownMethod is returned by actors for methods they do not implement.
	ErrUnknownMethod = errors.New("unknown actor method")
	// ErrActorNotFound is returned when a handle does not name a live actor.
	ErrActorNotFound = errors.New("actor not found")
	// ErrRuntimeClosed is returned for operations on a closed runtime.
	ErrRuntimeClosed = errors.New("actor runtime closed")
)

// Handle is a location-transparent reference to a spawned actor.
type Handle struct {
	// ID is unique within the runtime that spawned the actor.
	ID string `json:"id"`
	// Kind names the factory the actor was built from.
	Kind string `json:"kind"`
	// Addr is where the runtime routes invocations; empty for in-process actors.
	Addr string `json:"addr,omitempty"`
}

func (h Handle) String() string {
	if h.Addr == "" {
		return h.Kind + "/" + h.ID
	}
	return h.Kind + "/" + h.ID + "@" + h.Addr
}

// PlacementSpec tells a runtime where and with what resources to place an actor.
type PlacementSpec struct {
	// Resources the actor holds for its lifetime, e.g. {"GPU": 1}.
	Resources Resources `json:"resources,omitempty" yaml:"resources,omitempty"`
	// Host pins the actor to a specific host address when non-empty.
	Host string `json:"host,omitempty" yaml:"host,omitempty"`
}

// Actor is the behaviour hosted behind a Handle. Every method takes and
// returns an ordered sequence of vectors. A runtime never calls Receive
// concurrently on the same actor.
type Actor interface {
	Receive(ctx context.Context, method string, args []tensor.Vector) ([]tensor.Vector, error)
}

// CounterReporter is implemented by actors that publish counters. Counters
// may be called while Receive is running.
type CounterReporter interface {
	Counters() map[string]uint64
}

// Runtime creates actors and invokes their methods. Invoke and HostIdentity
// never block; they return futures that settle when the call completes.
type Runtime interface {
	Spawn(ctx context.Context, kind string, spec PlacementSpec, config any) (Handle, error)
	Invoke(ctx context.Context, h Handle, method string, args []tensor.Vector) *Future[[]tensor.Vector]
	HostIdentity(ctx context.Context, h Handle) *Future[string]
	Close() error
}

// Factory builds an actor from its JSON encoded construction config.
type Factory func(config json.RawMessage) (Actor, error)

// Registry maps actor kinds to factories. Both the in-process runtime and
// remote actor hosts build actors through a Registry.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register binds kind to f, replacing any previous binding.
func (r *Registry) Register(kind string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[kind] = f
}

// New builds an actor of the given kind.
func (r *Registry) New(kind string, config json.RawMessage) (Actor, error) {
	r.mu.RLock()
	f, ok := r.factories[kind]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	return f(config)
}

// Kinds lists the registered kinds.
func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	kinds := make([]string, 0, len(r.factories))
	for k := range r.factories {
		kinds = append(kinds, k)
	}
	return kinds
}

// EncodeConfig marshals an actor construction config for a Factory.
func EncodeConfig(config any) (json.RawMessage, error) {
	if raw, ok := config.(json.RawMessage); ok {
		return raw, nil
	}
	raw, err := json.Marshal(config)
	if err != nil {
		return nil, fmt.Errorf("encode actor config: %w", err)
	}
	return raw, nil
}
