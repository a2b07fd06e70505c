package cluster

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/dreamware/shardps/internal/actor"
	"github.com/dreamware/shardps/internal/tensor"
)

// ErrNoHosts is returned when the directory lists no actor hosts.
var ErrNoHosts = errors.New("no actor hosts registered")

// RemoteRuntime places actors on the hosts listed in a Directory and invokes
// them over HTTP. Unpinned actors are spread round-robin across hosts; a host
// without free resources is skipped.
type RemoteRuntime struct {
	dir     Directory
	logger  *zap.Logger
	spawned []actor.Handle
	wg      sync.WaitGroup
	mu      sync.Mutex
	next    int
	closed  bool
}

// RemoteOption configures a RemoteRuntime.
type RemoteOption func(*RemoteRuntime)

// WithRemoteLogger sets the runtime's logger.
func WithRemoteLogger(logger *zap.Logger) RemoteOption {
	return func(r *RemoteRuntime) {
		r.logger = logger
	}
}

// NewRemoteRuntime returns a runtime backed by the hosts in dir.
func NewRemoteRuntime(dir Directory, opts ...RemoteOption) *RemoteRuntime {
	r := &RemoteRuntime{dir: dir, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Spawn asks a host to build the actor. spec.Host pins the actor to the host
// with that ID or address.
func (r *RemoteRuntime) Spawn(ctx context.Context, kind string, spec actor.PlacementSpec, config any) (actor.Handle, error) {
	raw, err := actor.EncodeConfig(config)
	if err != nil {
		return actor.Handle{}, err
	}
	candidates, err := r.candidates(ctx, spec.Host)
	if err != nil {
		return actor.Handle{}, fmt.Errorf("spawn %s: %w", kind, err)
	}

	req := SpawnRequest{Kind: kind, Config: raw, Resources: spec.Resources}
	for _, host := range candidates {
		var resp SpawnResponse
		err := PostJSON(ctx, host.Addr+"/actors", req, &resp)
		if errors.Is(err, actor.ErrInsufficientResources) {
			r.logger.Debug("host full", zap.String("host", host.ID), zap.String("kind", kind))
			continue
		}
		if err != nil {
			return actor.Handle{}, fmt.Errorf("spawn %s on %s: %w", kind, host.ID, err)
		}

		r.mu.Lock()
		r.spawned = append(r.spawned, resp.Handle)
		r.mu.Unlock()
		r.logger.Debug("spawned actor", zap.Stringer("actor", resp.Handle), zap.String("host", host.ID))
		return resp.Handle, nil
	}
	return actor.Handle{}, fmt.Errorf("spawn %s: no host can hold %v: %w", kind, spec.Resources, actor.ErrInsufficientResources)
}

// candidates returns the hosts to try in order.
func (r *RemoteRuntime) candidates(ctx context.Context, pin string) ([]HostInfo, error) {
	r.mu.Lock()
	closed := r.closed
	r.mu.Unlock()
	if closed {
		return nil, actor.ErrRuntimeClosed
	}

	hosts, err := r.dir.List(ctx)
	if err != nil {
		return nil, err
	}
	if len(hosts) == 0 {
		return nil, ErrNoHosts
	}
	if pin != "" {
		for _, h := range hosts {
			if h.ID == pin || h.Addr == pin {
				return []HostInfo{h}, nil
			}
		}
		return nil, fmt.Errorf("%w: %s", ErrHostNotFound, pin)
	}

	r.mu.Lock()
	start := r.next % len(hosts)
	r.next++
	r.mu.Unlock()
	ordered := make([]HostInfo, 0, len(hosts))
	ordered = append(ordered, hosts[start:]...)
	return append(ordered, hosts[:start]...), nil
}

// Invoke posts the call to the actor's host in the background.
func (r *RemoteRuntime) Invoke(ctx context.Context, h actor.Handle, method string, args []tensor.Vector) *actor.Future[[]tensor.Vector] {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return actor.Failed[[]tensor.Vector](actor.ErrRuntimeClosed)
	}
	r.wg.Add(1)
	r.mu.Unlock()

	reply := actor.NewFuture[[]tensor.Vector]()
	go func() {
		defer r.wg.Done()
		var resp InvokeResponse
		endpoint := fmt.Sprintf("%s/actors/%s/invoke/%s", h.Addr, url.PathEscape(h.ID), url.PathEscape(method))
		if err := PostJSON(ctx, endpoint, InvokeRequest{Args: args}, &resp); err != nil {
			reply.Reject(fmt.Errorf("%s.%s: %w", h, method, err))
			return
		}
		reply.Resolve(resp.Results)
	}()
	return reply
}

// HostIdentity asks the actor's host for its placement token.
func (r *RemoteRuntime) HostIdentity(ctx context.Context, h actor.Handle) *actor.Future[string] {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return actor.Failed[string](actor.ErrRuntimeClosed)
	}
	r.wg.Add(1)
	r.mu.Unlock()

	reply := actor.NewFuture[string]()
	go func() {
		defer r.wg.Done()
		var resp IdentityResponse
		if err := GetJSON(ctx, h.Addr+"/identity", &resp); err != nil {
			reply.Reject(fmt.Errorf("identity of %s: %w", h, err))
			return
		}
		reply.Resolve(resp.Identity)
	}()
	return reply
}

// Close stops every actor this runtime spawned and waits for in-flight calls.
func (r *RemoteRuntime) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	spawned := r.spawned
	r.spawned = nil
	r.mu.Unlock()

	r.wg.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var errs []error
	for _, h := range spawned {
		err := Delete(ctx, h.Addr+"/actors/"+url.PathEscape(h.ID))
		if err != nil && !errors.Is(err, actor.ErrActorNotFound) {
			r.logger.Warn("failed to stop actor", zap.Stringer("actor", h), zap.Error(err))
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
