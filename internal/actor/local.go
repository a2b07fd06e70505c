package actor

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/dreamware/shardps/internal/tensor"
)

// LocalRuntime runs actors as goroutines inside the current process.
//
// Each actor owns a mailbox drained by a dedicated goroutine, so calls on one
// actor execute one at a time in submission order while different actors run
// in parallel. Invoke only enqueues; it never waits for the actor.
type LocalRuntime struct {
	registry *Registry
	ledger   *Ledger
	logger   *zap.Logger
	actors   map[string]*mailbox
	host     string
	wg       sync.WaitGroup
	mu       sync.RWMutex
	closed   bool
}

// LocalOption configures a LocalRuntime.
type LocalOption func(*LocalRuntime)

// WithCapacity limits the resources actors may hold, mirroring the slots a
// single machine offers. Without it placement is unlimited.
func WithCapacity(capacity Resources) LocalOption {
	return func(r *LocalRuntime) {
		r.ledger = NewLedger(capacity)
	}
}

// WithHostIdentity overrides the placement token reported for every actor.
func WithHostIdentity(host string) LocalOption {
	return func(r *LocalRuntime) {
		r.host = host
	}
}

// WithLogger sets the runtime's logger.
func WithLogger(logger *zap.Logger) LocalOption {
	return func(r *LocalRuntime) {
		r.logger = logger
	}
}

// NewLocalRuntime returns an in-process runtime that builds actors from registry.
func NewLocalRuntime(registry *Registry, opts ...LocalOption) *LocalRuntime {
	r := &LocalRuntime{
		registry: registry,
		ledger:   NewLedger(nil),
		logger:   zap.NewNop(),
		actors:   make(map[string]*mailbox),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.host == "" {
		r.host, _ = os.Hostname()
		if r.host == "" {
			r.host = "localhost"
		}
	}
	return r
}

// Spawn builds an actor and starts its mailbox.
func (r *LocalRuntime) Spawn(_ context.Context, kind string, spec PlacementSpec, config any) (Handle, error) {
	raw, err := EncodeConfig(config)
	if err != nil {
		return Handle{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return Handle{}, ErrRuntimeClosed
	}

	if err := r.ledger.Acquire(spec.Resources); err != nil {
		return Handle{}, fmt.Errorf("spawn %s: %w", kind, err)
	}
	a, err := r.registry.New(kind, raw)
	if err != nil {
		r.ledger.Release(spec.Resources)
		return Handle{}, fmt.Errorf("spawn %s: %w", kind, err)
	}

	h := Handle{ID: uuid.NewString(), Kind: kind}
	mb := newMailbox(a, spec.Resources)
	r.actors[h.ID] = mb
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		mb.run()
	}()

	r.logger.Debug("spawned actor", zap.Stringer("actor", h), zap.Any("resources", spec.Resources))
	return h, nil
}

// Invoke enqueues a method call on the actor and returns its pending result.
func (r *LocalRuntime) Invoke(ctx context.Context, h Handle, method string, args []tensor.Vector) *Future[[]tensor.Vector] {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return Failed[[]tensor.Vector](ErrRuntimeClosed)
	}
	mb, ok := r.actors[h.ID]
	if !ok {
		return Failed[[]tensor.Vector](fmt.Errorf("%w: %s", ErrActorNotFound, h))
	}

	reply := NewFuture[[]tensor.Vector]()
	mb.post(envelope{ctx: ctx, method: method, args: args, reply: reply})
	return reply
}

// HostIdentity reports the runtime's host token for any live actor.
func (r *LocalRuntime) HostIdentity(_ context.Context, h Handle) *Future[string] {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return Failed[string](ErrRuntimeClosed)
	}
	if _, ok := r.actors[h.ID]; !ok {
		return Failed[string](fmt.Errorf("%w: %s", ErrActorNotFound, h))
	}
	return Resolved(r.host)
}

// Counters returns the actor's counters, or nil if it publishes none.
func (r *LocalRuntime) Counters(h Handle) (map[string]uint64, error) {
	r.mu.RLock()
	mb, ok := r.actors[h.ID]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrActorNotFound, h)
	}
	if cr, ok := mb.actor.(CounterReporter); ok {
		return cr.Counters(), nil
	}
	return nil, nil
}

// Kill stops a single actor and releases its resources. Calls still queued
// on it fail with ErrActorNotFound.
func (r *LocalRuntime) Kill(h Handle) error {
	r.mu.Lock()
	mb, ok := r.actors[h.ID]
	delete(r.actors, h.ID)
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrActorNotFound, h)
	}
	mb.stop(ErrActorNotFound)
	r.ledger.Release(mb.resources)
	return nil
}

// Close stops every actor and waits for their goroutines to exit. Calls
// still queued fail with ErrRuntimeClosed.
func (r *LocalRuntime) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	actors := r.actors
	r.actors = make(map[string]*mailbox)
	r.mu.Unlock()

	for _, mb := range actors {
		mb.stop(ErrRuntimeClosed)
		r.ledger.Release(mb.resources)
	}
	r.wg.Wait()
	return nil
}

// Len returns the number of live actors.
func (r *LocalRuntime) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.actors)
}

type envelope struct {
	ctx    context.Context
	reply  *Future[[]tensor.Vector]
	method string
	args   []tensor.Vector
}

// mailbox is an unbounded FIFO of calls for one actor.
type mailbox struct {
	actor     Actor
	resources Resources
	notify    chan struct{}
	quit      chan struct{}
	queue     []envelope
	stopErr   error
	mu        sync.Mutex
}

func newMailbox(a Actor, resources Resources) *mailbox {
	return &mailbox{
		actor:     a,
		resources: resources,
		notify:    make(chan struct{}, 1),
		quit:      make(chan struct{}),
	}
}

func (m *mailbox) post(e envelope) {
	m.mu.Lock()
	if m.stopErr != nil {
		err := m.stopErr
		m.mu.Unlock()
		e.reply.Reject(err)
		return
	}
	m.queue = append(m.queue, e)
	m.mu.Unlock()

	select {
	case m.notify <- struct{}{}:
	default:
	}
}

func (m *mailbox) stop(err error) {
	m.mu.Lock()
	if m.stopErr != nil {
		m.mu.Unlock()
		return
	}
	m.stopErr = err
	pending := m.queue
	m.queue = nil
	m.mu.Unlock()

	close(m.quit)
	for _, e := range pending {
		e.reply.Reject(err)
	}
}

func (m *mailbox) run() {
	for {
		select {
		case <-m.quit:
			return
		case <-m.notify:
		}

		for {
			m.mu.Lock()
			if len(m.queue) == 0 || m.stopErr != nil {
				m.mu.Unlock()
				break
			}
			e := m.queue[0]
			m.queue = m.queue[1:]
			m.mu.Unlock()

			m.deliver(e)
		}
	}
}

func (m *mailbox) deliver(e envelope) {
	defer func() {
		if p := recover(); p != nil {
			e.reply.Reject(fmt.Errorf("actor panicked in %s: %v", e.method, p))
		}
	}()
	out, err := m.actor.Receive(e.ctx, e.method, e.args)
	if err != nil {
		e.reply.Reject(err)
		return
	}
	e.reply.Resolve(out)
}
