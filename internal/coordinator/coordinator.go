package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/dreamware/shardps/internal/actor"
	"github.com/dreamware/shardps/internal/metrics"
	"github.com/dreamware/shardps/internal/paramserver"
	"github.com/dreamware/shardps/internal/partition"
	"github.com/dreamware/shardps/internal/tensor"
	"github.com/dreamware/shardps/internal/worker"
)

// ErrAssertion is returned when a round's bookkeeping breaks: the live shard
// count differs from P, or a shard's gradient list differs from W.
var ErrAssertion = errors.New("round assertion failed")

// Phase is the coordinator's lifecycle state.
type Phase int32

const (
	PhaseInit Phase = iota
	PhasePlacementCheck
	PhaseRoundRunning
)

func (p Phase) String() string {
	switch p {
	case PhaseInit:
		return "INIT"
	case PhasePlacementCheck:
		return "PLACEMENT_CHECK"
	case PhaseRoundRunning:
		return "ROUND_RUNNING"
	}
	return fmt.Sprintf("Phase(%d)", int32(p))
}

// Config is the run the coordinator drives.
type Config struct {
	// ActorResources is requested for every actor at spawn.
	ActorResources actor.Resources
	// Model configures every worker's replica.
	Model worker.ModelConfig
	// Reducer is how parameter servers fold gradients.
	Reducer paramserver.Reducer
	// Workers is W.
	Workers int
	// ParameterServers is P.
	ParameterServers int
	// Dim is D.
	Dim int
	// LogFrequency is the number of rounds between steps_per_sec samples.
	LogFrequency int
	// Pause is slept after every round.
	Pause time.Duration
	// Cluster enables the placement check.
	Cluster bool
	// StrictPartition requires D to divide evenly by P.
	StrictPartition bool
}

// PendingKey names one outstanding future of a round: a worker's gradient
// for a shard, or a parameter server's updated shard.
type PendingKey struct {
	Entity string
	Shard  int
}

// RoundState is the coordinator's view between and during rounds.
type RoundState struct {
	// Pending holds the futures of the current round not yet known to be
	// resolved. It is empty between rounds.
	Pending map[PendingKey]struct{}
	// Shards are the live weights, one per parameter server.
	Shards []tensor.Vector
	// Round is the index of the last started round; 0 before the first.
	Round int64
}

// RoundResult reports one completed round.
type RoundResult struct {
	// Throughput is set on rounds that close a logging interval.
	Throughput *ThroughputSample
	Round      int64
	// WaitComputeGrads is time spent in the gradient barrier.
	WaitComputeGrads time.Duration
	// WaitPSAdd is time spent in the parameter-server barrier.
	WaitPSAdd time.Duration
	// Elapsed is the whole round, excluding the pause.
	Elapsed time.Duration
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithClock replaces time.Now for every timing the coordinator records.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) {
		c.now = now
	}
}

// Coordinator runs the synchronous parameter-server loop. It is driven from
// a single goroutine; only Phase and Round may be read concurrently.
type Coordinator struct {
	rt       actor.Runtime
	sink     metrics.Sink
	logger   *zap.Logger
	now      func() time.Time
	registry *ShardRegistry
	meter    *throughputMeter
	servers  []actor.Handle
	workers  []actor.Handle
	state    RoundState
	layout   partition.Layout
	cfg      Config
	phase    atomic.Int32
	round    atomic.Int64
}

// New returns a coordinator in PhaseInit. Nothing is spawned until Init.
func New(rt actor.Runtime, cfg Config, sink metrics.Sink, logger *zap.Logger, opts ...Option) *Coordinator {
	if sink == nil {
		sink = metrics.Nop{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.LogFrequency < 1 {
		cfg.LogFrequency = 10
	}
	c := &Coordinator{
		rt:     rt,
		cfg:    cfg,
		sink:   sink,
		logger: logger.Named("coordinator"),
		now:    time.Now,
		state:  RoundState{Pending: make(map[PendingKey]struct{})},
	}
	for _, opt := range opts {
		opt(c)
	}
	c.meter = newThroughputMeter(cfg.LogFrequency)
	return c
}

// Phase returns the current lifecycle state.
func (c *Coordinator) Phase() Phase {
	return Phase(c.phase.Load())
}

// Round returns the index of the last started round.
func (c *Coordinator) Round() int64 {
	return c.round.Load()
}

// Layout returns the shard layout chosen by Init.
func (c *Coordinator) Layout() partition.Layout {
	return c.layout
}

// Registry returns the shard ownership table built by Init.
func (c *Coordinator) Registry() *ShardRegistry {
	return c.registry
}

// Workers returns the worker handles in spawn order.
func (c *Coordinator) Workers() []actor.Handle {
	return append([]actor.Handle(nil), c.workers...)
}

// ParameterServers returns the parameter-server handles in shard order.
func (c *Coordinator) ParameterServers() []actor.Handle {
	return append([]actor.Handle(nil), c.servers...)
}

// State returns a copy of the round state.
func (c *Coordinator) State() RoundState {
	st := RoundState{
		Round:   c.state.Round,
		Shards:  make([]tensor.Vector, len(c.state.Shards)),
		Pending: make(map[PendingKey]struct{}, len(c.state.Pending)),
	}
	for i, s := range c.state.Shards {
		st.Shards[i] = s.Clone()
	}
	for k := range c.state.Pending {
		st.Pending[k] = struct{}{}
	}
	return st
}

func (c *Coordinator) setPhase(p Phase) {
	c.phase.Store(int32(p))
	c.logger.Debug("phase", zap.Stringer("phase", p))
}

// Init partitions the vector, spawns P parameter servers and W workers and
// seeds the live shards with zeros. A layout error is returned before any
// actor is spawned.
func (c *Coordinator) Init(ctx context.Context) error {
	if p := c.Phase(); p != PhaseInit {
		return fmt.Errorf("init: coordinator is in %s", p)
	}
	if c.cfg.Workers < 1 {
		return fmt.Errorf("init: need at least one worker, got %d", c.cfg.Workers)
	}

	var err error
	if c.cfg.StrictPartition {
		c.layout, err = partition.NewStrictLayout(c.cfg.Dim, c.cfg.ParameterServers)
	} else {
		c.layout, err = partition.NewLayout(c.cfg.Dim, c.cfg.ParameterServers)
	}
	if err != nil {
		return fmt.Errorf("init: %w", err)
	}

	spec := actor.PlacementSpec{Resources: c.cfg.ActorResources}
	c.registry = NewShardRegistry(c.layout.NumShards())
	c.servers = make([]actor.Handle, 0, c.layout.NumShards())
	for i, length := range c.layout.Lengths {
		h, err := c.rt.Spawn(ctx, paramserver.Kind, spec, paramserver.Config{
			Reducer:    c.cfg.Reducer,
			ShardIndex: i,
			Length:     length,
			Workers:    c.cfg.Workers,
		})
		if err != nil {
			return fmt.Errorf("init: parameter server %d: %w", i, err)
		}
		if err := c.registry.Assign(i, h); err != nil {
			return fmt.Errorf("init: %w", err)
		}
		c.servers = append(c.servers, h)
	}

	c.workers = make([]actor.Handle, 0, c.cfg.Workers)
	for i := 0; i < c.cfg.Workers; i++ {
		h, err := c.rt.Spawn(ctx, worker.Kind, spec, worker.Config{Model: c.cfg.Model, Layout: c.layout})
		if err != nil {
			return fmt.Errorf("init: worker %d: %w", i, err)
		}
		c.workers = append(c.workers, h)
	}

	c.state.Shards = make([]tensor.Vector, len(c.layout.Lengths))
	for i, length := range c.layout.Lengths {
		c.state.Shards[i] = tensor.Zeros(length)
	}

	c.logger.Info("initialized",
		zap.Int("workers", c.cfg.Workers),
		zap.Int("parameter_servers", c.layout.NumShards()),
		zap.Int("dim", c.layout.Dim),
		zap.Ints("shard_lengths", c.layout.Lengths),
	)
	c.setPhase(PhasePlacementCheck)
	return nil
}

// Step runs one round: every worker computes gradients against the live
// shards, every parameter server folds its shard's W gradients, and the
// returned shards become the live weights. Both fan-outs are awaited in full
// before moving on.
func (c *Coordinator) Step(ctx context.Context) (RoundResult, error) {
	if p := c.Phase(); p != PhaseRoundRunning {
		return RoundResult{}, fmt.Errorf("step: coordinator is in %s", p)
	}
	owners, err := c.registry.Owners()
	if err != nil {
		return RoundResult{}, fmt.Errorf("%w: %w", ErrAssertion, err)
	}
	P, W := len(owners), len(c.workers)
	if len(c.state.Shards) != P {
		return RoundResult{}, fmt.Errorf("%w: %d live shards, want %d", ErrAssertion, len(c.state.Shards), P)
	}

	c.state.Round++
	round := c.state.Round
	c.round.Store(round)
	start := c.now()
	c.meter.start(start)

	// Fan out to every worker, then derive one future per (worker, shard).
	byWorker := make([]*actor.Future[[]tensor.Vector], W)
	for w, h := range c.workers {
		byWorker[w] = c.rt.Invoke(ctx, h, worker.MethodComputeGradients, c.state.Shards)
	}
	grads := make([]*actor.Future[tensor.Vector], 0, W*P)
	for w, f := range byWorker {
		for s := 0; s < P; s++ {
			c.state.Pending[PendingKey{Entity: c.workers[w].ID, Shard: s}] = struct{}{}
			grads = append(grads, c.gradientFor(f, s, P))
		}
	}

	barrier := c.now()
	values, err := actor.WaitAll(ctx, grads)
	if err != nil {
		return RoundResult{}, fmt.Errorf("round %d: compute gradients: %w", round, err)
	}
	waitGrads := c.now().Sub(barrier)
	if len(values) != W*P {
		return RoundResult{}, fmt.Errorf("%w: round %d collected %d gradients, want %d", ErrAssertion, round, len(values), W*P)
	}
	for w := range c.workers {
		for s := 0; s < P; s++ {
			delete(c.state.Pending, PendingKey{Entity: c.workers[w].ID, Shard: s})
		}
	}

	// Regroup by shard; values are laid out worker-major.
	gradLists := make([][]tensor.Vector, P)
	for s := range gradLists {
		gradLists[s] = make([]tensor.Vector, 0, W)
		for w := 0; w < W; w++ {
			gradLists[s] = append(gradLists[s], values[w*P+s])
		}
	}

	updates := make([]*actor.Future[[]tensor.Vector], P)
	for s, h := range owners {
		c.state.Pending[PendingKey{Entity: h.ID, Shard: s}] = struct{}{}
		updates[s] = c.rt.Invoke(ctx, h, paramserver.MethodUpdateAndAggregate, gradLists[s])
	}

	barrier = c.now()
	shards, err := actor.WaitAll(ctx, updates)
	if err != nil {
		return RoundResult{}, fmt.Errorf("round %d: update shards: %w", round, err)
	}
	end := c.now()
	waitPS := end.Sub(barrier)
	for s, h := range owners {
		delete(c.state.Pending, PendingKey{Entity: h.ID, Shard: s})
	}

	next := make([]tensor.Vector, P)
	for s, out := range shards {
		if len(out) != 1 {
			return RoundResult{}, fmt.Errorf("%w: parameter server %d returned %d vectors, want 1", ErrAssertion, s, len(out))
		}
		next[s] = out[0]
	}
	if err := c.layout.Validate(next); err != nil {
		return RoundResult{}, fmt.Errorf("%w: round %d: %w", ErrAssertion, round, err)
	}
	c.state.Shards = next

	res := RoundResult{
		Round:            round,
		WaitComputeGrads: waitGrads,
		WaitPSAdd:        waitPS,
		Elapsed:          end.Sub(start),
	}
	c.sink.Record(round, metrics.WaitComputeGrads, waitGrads.Seconds())
	c.sink.Record(round, metrics.WaitPSAdd, waitPS.Seconds())
	c.sink.Record(round, metrics.RoundSeconds, res.Elapsed.Seconds())
	c.logger.Debug("round complete",
		zap.Int64("round", round),
		zap.Duration("elapsed", res.Elapsed),
		zap.Duration(metrics.WaitComputeGrads, waitGrads),
		zap.Duration(metrics.WaitPSAdd, waitPS),
	)

	if sample, ok := c.meter.observe(round, end); ok {
		res.Throughput = &sample
		c.sink.Record(round, metrics.StepsPerSec, sample.StepsPerSec())
		c.logger.Info("throughput",
			zap.Int64("round", round),
			zap.Float64(metrics.StepsPerSec, sample.StepsPerSec()),
		)
	}

	if c.cfg.Pause > 0 {
		sleep(ctx, c.cfg.Pause)
	}
	return res, nil
}

// gradientFor projects a worker's result onto shard s.
func (c *Coordinator) gradientFor(f *actor.Future[[]tensor.Vector], s, P int) *actor.Future[tensor.Vector] {
	return actor.Project(f, func(out []tensor.Vector) (tensor.Vector, error) {
		if len(out) != P {
			return nil, fmt.Errorf("%w: worker returned %d gradients for %d shards", ErrAssertion, len(out), P)
		}
		return out[s], nil
	})
}

// Run initializes the coordinator, checks placement and then runs rounds
// until ctx is cancelled or a round fails. Cancellation is a clean stop and
// returns nil.
func (c *Coordinator) Run(ctx context.Context) error {
	defer func() {
		if err := c.sink.Flush(); err != nil {
			c.logger.Warn("failed to flush metrics", zap.Error(err))
		}
	}()

	if c.Phase() == PhaseInit {
		if err := c.Init(ctx); err != nil {
			return err
		}
	}
	if c.Phase() == PhasePlacementCheck {
		if _, err := c.CheckPlacement(ctx); err != nil {
			return err
		}
	}

	for {
		if ctx.Err() != nil {
			c.logger.Info("stopping", zap.Int64("rounds", c.Round()))
			return nil
		}
		if _, err := c.Step(ctx); err != nil {
			if ctx.Err() != nil {
				c.logger.Info("stopping", zap.Int64("rounds", c.Round()))
				return nil
			}
			c.logger.Error("round failed", zap.Int64("round", c.Round()), zap.Error(err))
			return err
		}
	}
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}

// DefaultRegistry returns a registry of the actor kinds a run spawns. Local
// runtimes and remote actor hosts both build actors from it.
func DefaultRegistry() *actor.Registry {
	reg := actor.NewRegistry()
	reg.Register(paramserver.Kind, paramserver.Factory)
	reg.Register(worker.Kind, worker.Factory)
	return reg
}
