package coordinator

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"

	"github.com/dreamware/shardps/internal/actor"
	"github.com/dreamware/shardps/internal/metrics"
	"github.com/dreamware/shardps/internal/paramserver"
	"github.com/dreamware/shardps/internal/partition"
	"github.com/dreamware/shardps/internal/tensor"
	"github.com/dreamware/shardps/internal/worker"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		goleak.IgnoreTopFunction("net/http.(*persistConn).readLoop"),
		goleak.IgnoreTopFunction("net/http.(*persistConn).writeLoop"),
		goleak.IgnoreTopFunction("internal/poll.runtime_pollWait"),
	)
}

type actorFunc func(ctx context.Context, method string, args []tensor.Vector) ([]tensor.Vector, error)

func (f actorFunc) Receive(ctx context.Context, method string, args []tensor.Vector) ([]tensor.Vector, error) {
	return f(ctx, method, args)
}

type fakeClock struct {
	t  time.Time
	mu sync.Mutex
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// callLog records the gradient count of every update a parameter server sees.
type callLog struct {
	sizes []int
	mu    sync.Mutex
}

func (l *callLog) record(n int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sizes = append(l.sizes, n)
}

func (l *callLog) snapshot() []int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]int(nil), l.sizes...)
}

func recordingServers(reg *actor.Registry, log *callLog) {
	reg.Register(paramserver.Kind, func(raw json.RawMessage) (actor.Actor, error) {
		inner, err := paramserver.Factory(raw)
		if err != nil {
			return nil, err
		}
		return actorFunc(func(ctx context.Context, method string, args []tensor.Vector) ([]tensor.Vector, error) {
			log.record(len(args))
			return inner.Receive(ctx, method, args)
		}), nil
	})
}

func testConfig(w, p, d int) Config {
	return Config{
		Workers:          w,
		ParameterServers: p,
		Dim:              d,
		LogFrequency:     10,
		Reducer:          paramserver.ReducerSum,
		ActorResources:   actor.Resources{actor.ResourceGPU: 1},
	}
}

func newLocal(t *testing.T, cfg Config, reg *actor.Registry, opts ...Option) (*Coordinator, *actor.LocalRuntime, *metrics.MemorySink) {
	t.Helper()
	if reg == nil {
		reg = DefaultRegistry()
	}
	capacity := actor.Resources{actor.ResourceGPU: float64(cfg.Workers + cfg.ParameterServers)}
	rt := actor.NewLocalRuntime(reg, actor.WithCapacity(capacity), actor.WithHostIdentity("host-A"))
	t.Cleanup(func() { rt.Close() })
	sink := metrics.NewMemorySink()
	return New(rt, cfg, sink, zaptest.NewLogger(t), opts...), rt, sink
}

func startRounds(t *testing.T, c *Coordinator) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, c.Init(ctx))
	_, err := c.CheckPlacement(ctx)
	require.NoError(t, err)
	require.Equal(t, PhaseRoundRunning, c.Phase())
}

func TestInit(t *testing.T) {
	c, rt, _ := newLocal(t, testConfig(3, 2, 11), nil)
	assert.Equal(t, PhaseInit, c.Phase())

	require.NoError(t, c.Init(context.Background()))
	assert.Equal(t, PhasePlacementCheck, c.Phase())
	assert.Equal(t, []int{6, 5}, c.Layout().Lengths)
	assert.Len(t, c.ParameterServers(), 2)
	assert.Len(t, c.Workers(), 3)
	assert.Equal(t, 5, rt.Len())

	owners, err := c.Registry().Owners()
	require.NoError(t, err)
	assert.Equal(t, c.ParameterServers(), owners)

	st := c.State()
	assert.Zero(t, st.Round)
	assert.Empty(t, st.Pending)
	assert.Equal(t, []tensor.Vector{tensor.Zeros(6), tensor.Zeros(5)}, st.Shards)

	assert.Error(t, c.Init(context.Background()), "second init")
}

func TestInitInvalidPartition(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
	}{
		{name: "more servers than elements", cfg: testConfig(2, 5, 4)},
		{name: "no servers", cfg: testConfig(2, 0, 4)},
		{name: "strict uneven split", cfg: func() Config {
			cfg := testConfig(2, 2, 11)
			cfg.StrictPartition = true
			return cfg
		}()},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, rt, _ := newLocal(t, tt.cfg, nil)
			err := c.Init(context.Background())
			assert.ErrorIs(t, err, partition.ErrInvalidPartition)
			assert.Equal(t, 0, rt.Len(), "no actor may be spawned")
			assert.Equal(t, PhaseInit, c.Phase())
		})
	}
}

func TestInitInsufficientResources(t *testing.T) {
	cfg := testConfig(2, 2, 10)
	rt := actor.NewLocalRuntime(DefaultRegistry(), actor.WithCapacity(actor.Resources{actor.ResourceGPU: 3}))
	defer rt.Close()

	c := New(rt, cfg, nil, nil)
	assert.ErrorIs(t, c.Init(context.Background()), actor.ErrInsufficientResources)
}

func TestStepRequiresRunningPhase(t *testing.T) {
	c, _, _ := newLocal(t, testConfig(1, 1, 4), nil)
	_, err := c.Step(context.Background())
	assert.Error(t, err)

	require.NoError(t, c.Init(context.Background()))
	_, err = c.Step(context.Background())
	assert.Error(t, err, "placement check has not run")
}

func TestRoundsAreMonotonicAndPreserveShape(t *testing.T) {
	tests := []struct {
		name    string
		w, p, d int
	}{
		{name: "even split", w: 2, p: 2, d: 10},
		{name: "uneven split", w: 3, p: 2, d: 11},
		{name: "single shard", w: 3, p: 1, d: 7},
		{name: "one element per shard", w: 1, p: 4, d: 4},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, _, _ := newLocal(t, testConfig(tt.w, tt.p, tt.d), nil)
			startRounds(t, c)

			for want := int64(1); want <= 5; want++ {
				res, err := c.Step(context.Background())
				require.NoError(t, err)
				assert.Equal(t, want, res.Round)
				assert.Equal(t, want, c.Round())

				st := c.State()
				assert.Equal(t, want, st.Round)
				assert.Empty(t, st.Pending, "round %d left futures pending", want)
				require.Len(t, st.Shards, tt.p)
				assert.Equal(t, tt.d, tensor.TotalLen(st.Shards))

				// Placeholder gradients are ones and servers sum them.
				expected := make([]tensor.Vector, tt.p)
				for i, l := range c.Layout().Lengths {
					expected[i] = tensor.Fill(l, float32(want)*float32(tt.w))
				}
				if diff := cmp.Diff(expected, st.Shards); diff != "" {
					t.Fatalf("round %d shards mismatch (-want +got):\n%s", want, diff)
				}
			}
		})
	}
}

func TestEveryShardGetsExactlyWGradients(t *testing.T) {
	const w, p, rounds = 3, 2, 4
	log := &callLog{}
	reg := DefaultRegistry()
	recordingServers(reg, log)

	c, _, _ := newLocal(t, testConfig(w, p, 9), reg)
	startRounds(t, c)
	for i := 0; i < rounds; i++ {
		_, err := c.Step(context.Background())
		require.NoError(t, err)
		assert.Len(t, log.snapshot(), (i+1)*p, "exactly P updates per round")
	}

	for _, n := range log.snapshot() {
		assert.Equal(t, w, n)
	}
}

// TestNoUpdateBeforeAllGradients makes one worker slow and checks that no
// parameter server is called while any worker of the round is still running.
func TestNoUpdateBeforeAllGradients(t *testing.T) {
	const w, p, rounds = 3, 3, 5
	var spawned, inFlight, finished, early atomic.Int64

	reg := DefaultRegistry()
	reg.Register(worker.Kind, func(raw json.RawMessage) (actor.Actor, error) {
		inner, err := worker.Factory(raw)
		if err != nil {
			return nil, err
		}
		slow := spawned.Add(1) == w
		return actorFunc(func(ctx context.Context, method string, args []tensor.Vector) ([]tensor.Vector, error) {
			inFlight.Add(1)
			defer func() {
				finished.Add(1)
				inFlight.Add(-1)
			}()
			if slow {
				time.Sleep(30 * time.Millisecond)
			}
			return inner.Receive(ctx, method, args)
		}), nil
	})
	reg.Register(paramserver.Kind, func(raw json.RawMessage) (actor.Actor, error) {
		inner, err := paramserver.Factory(raw)
		if err != nil {
			return nil, err
		}
		return actorFunc(func(ctx context.Context, method string, args []tensor.Vector) ([]tensor.Vector, error) {
			if inFlight.Load() != 0 || finished.Load()%w != 0 {
				early.Add(1)
			}
			return inner.Receive(ctx, method, args)
		}), nil
	})

	c, _, _ := newLocal(t, testConfig(w, p, 9), reg)
	startRounds(t, c)
	for i := 1; i <= rounds; i++ {
		_, err := c.Step(context.Background())
		require.NoError(t, err)
		assert.Equal(t, int64(i*w), finished.Load())
	}
	assert.Zero(t, early.Load(), "parameter servers called before every gradient arrived")
}

// TestStepSendsUpdatesToRegisteredOwner checks that shard updates follow the
// shard registry rather than spawn order.
func TestStepSendsUpdatesToRegisteredOwner(t *testing.T) {
	c, _, _ := newLocal(t, testConfig(2, 2, 11), nil)
	startRounds(t, c)

	servers := c.ParameterServers()
	swapped := NewShardRegistry(2)
	require.NoError(t, swapped.Assign(0, servers[1]))
	require.NoError(t, swapped.Assign(1, servers[0]))
	c.registry = swapped

	// Shard 0 has six elements; the server built for shard 1 holds five.
	_, err := c.Step(context.Background())
	assert.ErrorIs(t, err, paramserver.ErrShapeMismatch)
}

func TestStepWithUnassignedShard(t *testing.T) {
	c, _, _ := newLocal(t, testConfig(2, 2, 11), nil)
	startRounds(t, c)

	c.registry = NewShardRegistry(2)
	_, err := c.Step(context.Background())
	assert.ErrorIs(t, err, ErrAssertion)
	assert.ErrorIs(t, err, ErrShardUnassigned)
	assert.Zero(t, c.Round(), "no round starts without a full registry")
}

func TestArityMismatchIsFatal(t *testing.T) {
	reg := DefaultRegistry()
	reg.Register(paramserver.Kind, func(raw json.RawMessage) (actor.Actor, error) {
		var cfg paramserver.Config
		if err := json.Unmarshal(raw, &cfg); err != nil {
			return nil, err
		}
		cfg.Workers = 2
		return paramserver.New(cfg)
	})

	c, _, _ := newLocal(t, testConfig(3, 1, 6), reg)
	err := c.Run(context.Background())
	assert.ErrorIs(t, err, paramserver.ErrArityMismatch)
	assert.Equal(t, int64(1), c.Round())
}

func TestWorkerReturningWrongShardCount(t *testing.T) {
	reg := DefaultRegistry()
	reg.Register(worker.Kind, func(json.RawMessage) (actor.Actor, error) {
		return actorFunc(func(context.Context, string, []tensor.Vector) ([]tensor.Vector, error) {
			return []tensor.Vector{tensor.Ones(8)}, nil
		}), nil
	})

	c, _, _ := newLocal(t, testConfig(2, 2, 8), reg)
	startRounds(t, c)
	_, err := c.Step(context.Background())
	assert.ErrorIs(t, err, ErrAssertion)
}

func TestPlacementCheck(t *testing.T) {
	t.Run("shared host warns once", func(t *testing.T) {
		cfg := testConfig(1, 1, 4)
		cfg.Cluster = true
		c, _, sink := newLocal(t, cfg, nil)
		require.NoError(t, c.Init(context.Background()))

		warnings, err := c.CheckPlacement(context.Background())
		require.NoError(t, err)
		require.Len(t, warnings, 1)
		assert.Equal(t, 2, warnings[0].Actors)
		assert.Equal(t, 1, warnings[0].Distinct)
		assert.Equal(t, []string{"host-A", "host-A"}, warnings[0].Identities)
		assert.Contains(t, warnings[0].String(), "reused")
		assert.Len(t, sink.Series(metrics.PlacementWarnings), 1)

		// The run proceeds.
		assert.Equal(t, PhaseRoundRunning, c.Phase())
		_, err = c.Step(context.Background())
		assert.NoError(t, err)
	})

	t.Run("distinct hosts", func(t *testing.T) {
		cfg := testConfig(2, 2, 4)
		cfg.Cluster = true
		rt := &distinctHosts{LocalRuntime: actor.NewLocalRuntime(DefaultRegistry())}
		defer rt.Close()
		c := New(rt, cfg, metrics.NewMemorySink(), zaptest.NewLogger(t))
		require.NoError(t, c.Init(context.Background()))

		warnings, err := c.CheckPlacement(context.Background())
		require.NoError(t, err)
		assert.Empty(t, warnings)
	})

	t.Run("skipped for local runs", func(t *testing.T) {
		c, _, sink := newLocal(t, testConfig(2, 2, 4), nil)
		require.NoError(t, c.Init(context.Background()))

		warnings, err := c.CheckPlacement(context.Background())
		require.NoError(t, err)
		assert.Empty(t, warnings)
		assert.Empty(t, sink.Series(metrics.PlacementWarnings))
		assert.Equal(t, PhaseRoundRunning, c.Phase())
	})
}

// distinctHosts reports every actor on its own host.
type distinctHosts struct {
	*actor.LocalRuntime
}

func (d *distinctHosts) HostIdentity(_ context.Context, h actor.Handle) *actor.Future[string] {
	return actor.Resolved("host-" + h.ID)
}

func TestStepsPerSec(t *testing.T) {
	const roundTime = 250 * time.Millisecond
	clock := newFakeClock()

	// The single worker advances the clock by a fixed round time, so every
	// round takes exactly roundTime on the coordinator's clock.
	reg := DefaultRegistry()
	reg.Register(worker.Kind, func(raw json.RawMessage) (actor.Actor, error) {
		inner, err := worker.Factory(raw)
		if err != nil {
			return nil, err
		}
		return actorFunc(func(ctx context.Context, method string, args []tensor.Vector) ([]tensor.Vector, error) {
			clock.Advance(roundTime)
			return inner.Receive(ctx, method, args)
		}), nil
	})

	c, _, sink := newLocal(t, testConfig(1, 2, 8), reg, WithClock(clock.Now))
	startRounds(t, c)

	var samples []ThroughputSample
	for i := 1; i <= 20; i++ {
		res, err := c.Step(context.Background())
		require.NoError(t, err)
		assert.Equal(t, roundTime, res.Elapsed)
		if res.Throughput != nil {
			samples = append(samples, *res.Throughput)
		}
	}

	require.Len(t, samples, 2)
	for i, s := range samples {
		assert.Equal(t, int64(10*(i+1)), s.Round)
		assert.Equal(t, int64(10), s.Rounds)
		assert.Equal(t, 10*roundTime, s.Elapsed)
		assert.InDelta(t, 1/roundTime.Seconds(), s.StepsPerSec(), 1e-9)
	}

	series := sink.Series(metrics.StepsPerSec)
	require.Len(t, series, 2)
	assert.Equal(t, int64(10), series[0].Step)
	assert.InDelta(t, 4.0, series[0].Value, 1e-9)
	assert.Len(t, sink.Series(metrics.WaitComputeGrads), 20)
	assert.Len(t, sink.Series(metrics.WaitPSAdd), 20)
	assert.Len(t, sink.Series(metrics.RoundSeconds), 20)
}

func TestThroughputSampleEmptyInterval(t *testing.T) {
	assert.Zero(t, ThroughputSample{Rounds: 10}.StepsPerSec())
}

func TestRunStopsOnCancel(t *testing.T) {
	c, _, sink := newLocal(t, testConfig(2, 2, 16), nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	assert.Eventually(t, func() bool { return c.Round() >= 3 }, 5*time.Second, time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	assert.NotEmpty(t, sink.Series(metrics.WaitComputeGrads))
}

func TestPause(t *testing.T) {
	cfg := testConfig(1, 1, 2)
	cfg.Pause = 20 * time.Millisecond
	c, _, _ := newLocal(t, cfg, nil)
	startRounds(t, c)

	start := time.Now()
	for i := 0; i < 2; i++ {
		_, err := c.Step(context.Background())
		require.NoError(t, err)
	}
	assert.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond)
}

func TestStateIsACopy(t *testing.T) {
	c, _, _ := newLocal(t, testConfig(1, 2, 4), nil)
	startRounds(t, c)

	st := c.State()
	st.Shards[0][0] = 42
	assert.Equal(t, float32(0), c.State().Shards[0][0])
}

func TestPhaseString(t *testing.T) {
	assert.Equal(t, "INIT", PhaseInit.String())
	assert.Equal(t, "PLACEMENT_CHECK", PhasePlacementCheck.String())
	assert.Equal(t, "ROUND_RUNNING", PhaseRoundRunning.String())
	assert.Equal(t, "Phase(9)", Phase(9).String())
}
