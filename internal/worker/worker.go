// Package worker implements the worker actor: a model replica that turns the
// current sharded weights into one gradient per shard.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/dreamware/shardps/internal/actor"
	"github.com/dreamware/shardps/internal/partition"
	"github.com/dreamware/shardps/internal/tensor"
)

const (
	// Kind is the actor kind workers are registered under.
	Kind = "worker"
	// MethodComputeGradients computes one gradient per shard.
	MethodComputeGradients = "compute_gradients"
)

// ErrModelState is matched by every ModelStateError.
var ErrModelState = errors.New("model state error")

// ModelStateError reports weights the model replica cannot accept.
type ModelStateError struct {
	Reason string
}

func (e *ModelStateError) Error() string {
	return "model state: " + e.Reason
}

// Is makes errors.Is(err, ErrModelState) hold.
func (e *ModelStateError) Is(target error) bool { return target == ErrModelState }

// Config is the construction config sent when spawning a worker.
type Config struct {
	Model  ModelConfig      `json:"model"`
	Layout partition.Layout `json:"layout"`
}

// Worker holds a model replica and the static shard layout of the run.
type Worker struct {
	model  Model
	layout partition.Layout
	rounds atomic.Uint64
}

// New returns a worker over model. The model's dimension must match the layout.
func New(layout partition.Layout, model Model) (*Worker, error) {
	if layout.NumShards() == 0 {
		return nil, &ModelStateError{Reason: "layout has no shards"}
	}
	if model.Dim() != layout.Dim {
		return nil, &ModelStateError{Reason: fmt.Sprintf("model has %d parameters, layout covers %d", model.Dim(), layout.Dim)}
	}
	return &Worker{model: model, layout: layout}, nil
}

// ComputeGradients loads the given shards into the model and returns one
// gradient per shard, each as long as its shard. The result has the same
// shape for every shard count: with one shard it holds a single element, the
// whole gradient.
func (w *Worker) ComputeGradients(shards []tensor.Vector) ([]tensor.Vector, error) {
	if err := w.layout.Validate(shards); err != nil {
		return nil, &ModelStateError{Reason: err.Error()}
	}
	if err := w.model.SetWeights(tensor.Concat(shards)); err != nil {
		return nil, &ModelStateError{Reason: err.Error()}
	}

	grad := w.model.Gradients()
	if len(grad) != w.layout.Dim {
		return nil, &ModelStateError{Reason: fmt.Sprintf("model produced %d gradient values, want %d", len(grad), w.layout.Dim)}
	}
	w.rounds.Add(1)

	pieces := w.layout.Split(grad)
	out := make([]tensor.Vector, len(pieces))
	for i, p := range pieces {
		out[i] = p.Clone()
	}
	return out, nil
}

// Rounds returns how many gradient computations have succeeded.
func (w *Worker) Rounds() uint64 {
	return w.rounds.Load()
}

// Counters reports Rounds to the actor host.
func (w *Worker) Counters() map[string]uint64 {
	return map[string]uint64{"rounds": w.Rounds()}
}

// Receive dispatches actor calls. compute_gradients takes the current shards
// as arguments and returns one gradient per shard.
func (w *Worker) Receive(_ context.Context, method string, args []tensor.Vector) ([]tensor.Vector, error) {
	switch method {
	case MethodComputeGradients:
		return w.ComputeGradients(args)
	}
	return nil, fmt.Errorf("%w: %s.%s", actor.ErrUnknownMethod, Kind, method)
}

// Factory builds workers for an actor.Registry.
func Factory(raw json.RawMessage) (actor.Actor, error) {
	var cfg Config
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("decode %s config: %w", Kind, err)
	}
	model, err := NewModel(cfg.Model, cfg.Layout.Dim)
	if err != nil {
		return nil, err
	}
	return New(cfg.Layout, model)
}
