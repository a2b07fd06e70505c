// Package paramserver implements the parameter-server actor: the sole owner
// of one contiguous shard of the model's parameters.
//
// Each round the coordinator hands a parameter server exactly one gradient
// from every worker for its shard. The server checks the count and shapes,
// folds the gradients into its shard with the configured Reducer, and returns
// the new shard. Nothing else ever writes the shard.
package paramserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/dreamware/shardps/internal/actor"
	"github.com/dreamware/shardps/internal/tensor"
)

const (
	// Kind is the actor kind parameter servers are registered under.
	Kind = "parameter_server"
	// MethodUpdateAndAggregate folds one round of gradients into the shard.
	MethodUpdateAndAggregate = "update_and_aggregate"
)

var (
	// ErrArityMismatch is matched by every ArityMismatchError.
	ErrArityMismatch = errors.New("gradient count mismatch")
	// ErrShapeMismatch is matched by every ShapeMismatchError.
	ErrShapeMismatch = errors.New("gradient shape mismatch")
)

// ArityMismatchError reports a round that delivered the wrong number of gradients.
type ArityMismatchError struct {
	Shard int
	Want  int
	Got   int
}

func (e *ArityMismatchError) Error() string {
	return fmt.Sprintf("shard %d: expected %d gradients, got %d", e.Shard, e.Want, e.Got)
}

// Is makes errors.Is(err, ErrArityMismatch) hold.
func (e *ArityMismatchError) Is(target error) bool { return target == ErrArityMismatch }

// ShapeMismatchError reports a gradient whose length differs from the shard's.
type ShapeMismatchError struct {
	Shard int
	Index int
	Want  int
	Got   int
}

func (e *ShapeMismatchError) Error() string {
	return fmt.Sprintf("shard %d: gradient %d has length %d, want %d", e.Shard, e.Index, e.Got, e.Want)
}

// Is makes errors.Is(err, ErrShapeMismatch) hold.
func (e *ShapeMismatchError) Is(target error) bool { return target == ErrShapeMismatch }

// Reducer names how a round's gradients are folded into the shard.
type Reducer string

const (
	// ReducerSum adds every gradient into the shard.
	ReducerSum Reducer = "sum"
	// ReducerMean adds the average gradient into the shard.
	ReducerMean Reducer = "mean"
	// ReducerNoop validates the gradients and leaves the shard unchanged.
	ReducerNoop Reducer = "noop"
)

// ParseReducer validates a reducer name. The empty string selects ReducerSum.
func ParseReducer(s string) (Reducer, error) {
	switch r := Reducer(s); r {
	case "":
		return ReducerSum, nil
	case ReducerSum, ReducerMean, ReducerNoop:
		return r, nil
	}
	return "", fmt.Errorf("unknown reducer %q (want sum, mean or noop)", s)
}

// Config is the construction config sent when spawning a parameter server.
type Config struct {
	Reducer    Reducer `json:"reducer,omitempty"`
	ShardIndex int     `json:"shard_index"`
	Length     int     `json:"length"`
	Workers    int     `json:"workers"`
}

// Stats counts the work a parameter server has done.
type Stats struct {
	Updates   uint64 `json:"updates"`
	Gradients uint64 `json:"gradients"`
}

// ParameterServer owns one shard of the parameter vector.
type ParameterServer struct {
	params  tensor.Vector
	reducer Reducer
	stats   Stats
	shard   int
	workers int
	mu      sync.Mutex
}

// New returns a parameter server holding a zero shard of cfg.Length elements.
func New(cfg Config) (*ParameterServer, error) {
	if cfg.Length <= 0 {
		return nil, fmt.Errorf("shard %d: length must be positive, got %d", cfg.ShardIndex, cfg.Length)
	}
	if cfg.Workers <= 0 {
		return nil, fmt.Errorf("shard %d: worker count must be positive, got %d", cfg.ShardIndex, cfg.Workers)
	}
	reducer, err := ParseReducer(string(cfg.Reducer))
	if err != nil {
		return nil, err
	}
	return &ParameterServer{
		params:  tensor.Zeros(cfg.Length),
		reducer: reducer,
		shard:   cfg.ShardIndex,
		workers: cfg.Workers,
	}, nil
}

// UpdateAndAggregate folds exactly one gradient per worker into the shard and
// returns a copy of the updated shard. The shard is left untouched if the
// count or any shape is wrong.
func (ps *ParameterServer) UpdateAndAggregate(grads []tensor.Vector) (tensor.Vector, error) {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	if len(grads) != ps.workers {
		return nil, &ArityMismatchError{Shard: ps.shard, Want: ps.workers, Got: len(grads)}
	}
	for i, g := range grads {
		if len(g) != len(ps.params) {
			return nil, &ShapeMismatchError{Shard: ps.shard, Index: i, Want: len(ps.params), Got: len(g)}
		}
	}

	switch ps.reducer {
	case ReducerSum:
		for _, g := range grads {
			_ = ps.params.Add(g)
		}
	case ReducerMean:
		sum := tensor.Zeros(len(ps.params))
		for _, g := range grads {
			_ = sum.Add(g)
		}
		sum.Scale(1 / float32(len(grads)))
		_ = ps.params.Add(sum)
	case ReducerNoop:
	}

	atomic.AddUint64(&ps.stats.Updates, 1)
	atomic.AddUint64(&ps.stats.Gradients, uint64(len(grads)))
	return ps.params.Clone(), nil
}

// Params returns a copy of the current shard.
func (ps *ParameterServer) Params() tensor.Vector {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return ps.params.Clone()
}

// Len returns the shard length.
func (ps *ParameterServer) Len() int {
	return len(ps.params)
}

// Stats returns a snapshot of the server's counters.
func (ps *ParameterServer) Stats() Stats {
	return Stats{
		Updates:   atomic.LoadUint64(&ps.stats.Updates),
		Gradients: atomic.LoadUint64(&ps.stats.Gradients),
	}
}

// Counters reports Stats to the actor host.
func (ps *ParameterServer) Counters() map[string]uint64 {
	st := ps.Stats()
	return map[string]uint64{"updates": st.Updates, "gradients": st.Gradients}
}

// Receive dispatches actor calls. update_and_aggregate takes the round's
// gradients as arguments and returns the updated shard as its only result.
func (ps *ParameterServer) Receive(_ context.Context, method string, args []tensor.Vector) ([]tensor.Vector, error) {
	switch method {
	case MethodUpdateAndAggregate:
		shard, err := ps.UpdateAndAggregate(args)
		if err != nil {
			return nil, err
		}
		return []tensor.Vector{shard}, nil
	}
	return nil, fmt.Errorf("%w: %s.%s", actor.ErrUnknownMethod, Kind, method)
}

// Factory builds parameter servers for an actor.Registry.
func Factory(raw json.RawMessage) (actor.Actor, error) {
	var cfg Config
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("decode %s config: %w", Kind, err)
	}
	return New(cfg)
}
