package paramserver

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/shardps/internal/actor"
	"github.com/dreamware/shardps/internal/tensor"
)

func newServer(t *testing.T, length, workers int, reducer Reducer) *ParameterServer {
	t.Helper()
	ps, err := New(Config{ShardIndex: 0, Length: length, Workers: workers, Reducer: reducer})
	require.NoError(t, err)
	return ps
}

func TestNew(t *testing.T) {
	ps := newServer(t, 4, 2, "")
	assert.Equal(t, tensor.Zeros(4), ps.Params())
	assert.Equal(t, 4, ps.Len())
	assert.Equal(t, ReducerSum, ps.reducer, "sum is the default reducer")

	_, err := New(Config{Length: 0, Workers: 1})
	assert.Error(t, err)
	_, err = New(Config{Length: 3, Workers: 0})
	assert.Error(t, err)
	_, err = New(Config{Length: 3, Workers: 1, Reducer: "max"})
	assert.Error(t, err)
}

func TestUpdateAndAggregateReducers(t *testing.T) {
	grads := []tensor.Vector{{1, 2}, {3, 4}}

	tests := []struct {
		name    string
		reducer Reducer
		want    tensor.Vector
	}{
		{name: "sum", reducer: ReducerSum, want: tensor.Vector{4, 6}},
		{name: "mean", reducer: ReducerMean, want: tensor.Vector{2, 3}},
		{name: "noop", reducer: ReducerNoop, want: tensor.Vector{0, 0}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ps := newServer(t, 2, 2, tt.reducer)
			got, err := ps.UpdateAndAggregate(grads)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.want, ps.Params())
		})
	}
}

func TestUpdateAndAggregateAccumulatesAcrossRounds(t *testing.T) {
	ps := newServer(t, 3, 1, ReducerSum)
	for round := 0; round < 5; round++ {
		_, err := ps.UpdateAndAggregate([]tensor.Vector{tensor.Ones(3)})
		require.NoError(t, err)
	}
	assert.Equal(t, tensor.Fill(3, 5), ps.Params())
	assert.Equal(t, Stats{Updates: 5, Gradients: 5}, ps.Stats())
	assert.Equal(t, map[string]uint64{"updates": 5, "gradients": 5}, ps.Counters())
}

func TestUpdateAndAggregateReturnsCopy(t *testing.T) {
	ps := newServer(t, 2, 1, ReducerSum)
	out, err := ps.UpdateAndAggregate([]tensor.Vector{{1, 1}})
	require.NoError(t, err)
	out[0] = 99
	assert.Equal(t, tensor.Vector{1, 1}, ps.Params())
}

// TestArityMismatch covers the W=3 scenario: three gradients are accepted,
// two are rejected
func TestArityMismatch(t *testing.T) {
	ps := newServer(t, 2, 3, ReducerSum)

	_, err := ps.UpdateAndAggregate([]tensor.Vector{tensor.Ones(2), tensor.Ones(2), tensor.Ones(2)})
	require.NoError(t, err)

	_, err = ps.UpdateAndAggregate([]tensor.Vector{tensor.Ones(2), tensor.Ones(2)})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrArityMismatch))

	var arity *ArityMismatchError
	require.ErrorAs(t, err, &arity)
	assert.Equal(t, 3, arity.Want)
	assert.Equal(t, 2, arity.Got)

	assert.Equal(t, tensor.Fill(2, 3), ps.Params(), "rejected round must not touch the shard")
	assert.Equal(t, uint64(1), ps.Stats().Updates)
}

func TestShapeMismatch(t *testing.T) {
	ps := newServer(t, 3, 2, ReducerSum)

	_, err := ps.UpdateAndAggregate([]tensor.Vector{tensor.Ones(3), tensor.Ones(2)})
	require.ErrorIs(t, err, ErrShapeMismatch)

	var shape *ShapeMismatchError
	require.ErrorAs(t, err, &shape)
	assert.Equal(t, 1, shape.Index)
	assert.Equal(t, 3, shape.Want)
	assert.Equal(t, 2, shape.Got)
	assert.Equal(t, tensor.Zeros(3), ps.Params())
}

func TestConcurrentUpdates(t *testing.T) {
	ps := newServer(t, 8, 1, ReducerSum)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := ps.UpdateAndAggregate([]tensor.Vector{tensor.Ones(8)})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Equal(t, tensor.Fill(8, 50), ps.Params())
}

func TestActorInterface(t *testing.T) {
	raw, err := json.Marshal(Config{ShardIndex: 1, Length: 2, Workers: 2})
	require.NoError(t, err)

	reg := actor.NewRegistry()
	reg.Register(Kind, Factory)
	a, err := reg.New(Kind, raw)
	require.NoError(t, err)

	out, err := a.Receive(context.Background(), MethodUpdateAndAggregate, []tensor.Vector{{1, 1}, {2, 2}})
	require.NoError(t, err)
	assert.Equal(t, []tensor.Vector{{3, 3}}, out)

	_, err = a.Receive(context.Background(), "get_weights", nil)
	assert.ErrorIs(t, err, actor.ErrUnknownMethod)

	_, err = Factory(json.RawMessage(`{"length": "long"}`))
	assert.Error(t, err)
}

func TestParseReducer(t *testing.T) {
	for _, s := range []string{"", "sum", "mean", "noop"} {
		_, err := ParseReducer(s)
		assert.NoError(t, err, s)
	}
	_, err := ParseReducer("median")
	assert.Error(t, err)
}
