package worker

import (
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/dreamware/shardps/internal/tensor"
)

// Model is a worker's replica of the network being trained. The coordinator
// treats it as opaque: weights go in, a gradient of the same length comes out.
type Model interface {
	// Dim is the number of parameters the model holds.
	Dim() int
	// SetWeights replaces the model's parameters.
	SetWeights(w tensor.Vector) error
	// Gradients computes one gradient over the model's parameters.
	Gradients() tensor.Vector
}

// ModelConfig selects and parameterizes a model.
type ModelConfig struct {
	// Name is "placeholder" (default) or "random".
	Name string `json:"name,omitempty" yaml:"name"`
	// Fill is the constant gradient value of the placeholder model; 0 means 1.
	Fill float32 `json:"fill,omitempty" yaml:"fill"`
	// Seed seeds the random model.
	Seed uint64 `json:"seed,omitempty" yaml:"seed"`
	// ComputeTime is slept inside every gradient computation to stand in for
	// real forward/backward work.
	ComputeTime time.Duration `json:"compute_time,omitempty" yaml:"compute_time"`
}

// NewModel builds the model described by cfg for dim parameters.
func NewModel(cfg ModelConfig, dim int) (Model, error) {
	switch cfg.Name {
	case "", "placeholder":
		fill := cfg.Fill
		if fill == 0 {
			fill = 1
		}
		return &PlaceholderModel{fixed: tensor.Fill(dim, fill), computeTime: cfg.ComputeTime}, nil
	case "random":
		return NewRandomModel(dim, cfg.Seed, cfg.ComputeTime), nil
	}
	return nil, fmt.Errorf("unknown model %q", cfg.Name)
}

// PlaceholderModel returns the same fixed gradient on every call and ignores
// its weights beyond checking their length.
type PlaceholderModel struct {
	fixed       tensor.Vector
	computeTime time.Duration
}

// NewPlaceholderModel returns a placeholder whose gradient is all ones.
func NewPlaceholderModel(dim int) *PlaceholderModel {
	return &PlaceholderModel{fixed: tensor.Ones(dim)}
}

func (m *PlaceholderModel) Dim() int { return len(m.fixed) }

func (m *PlaceholderModel) SetWeights(w tensor.Vector) error {
	if len(w) != len(m.fixed) {
		return fmt.Errorf("weights have %d elements, model has %d", len(w), len(m.fixed))
	}
	return nil
}

func (m *PlaceholderModel) Gradients() tensor.Vector {
	if m.computeTime > 0 {
		time.Sleep(m.computeTime)
	}
	return m.fixed
}

// RandomModel produces uniformly random gradients in [-1, 1) from an explicit
// PRNG, so a run is reproducible from its seed.
type RandomModel struct {
	rng         *rand.Rand
	weights     tensor.Vector
	computeTime time.Duration
}

// NewRandomModel returns a random model seeded with seed.
func NewRandomModel(dim int, seed uint64, computeTime time.Duration) *RandomModel {
	return &RandomModel{
		rng:         rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
		weights:     tensor.Zeros(dim),
		computeTime: computeTime,
	}
}

func (m *RandomModel) Dim() int { return len(m.weights) }

func (m *RandomModel) SetWeights(w tensor.Vector) error {
	if len(w) != len(m.weights) {
		return fmt.Errorf("weights have %d elements, model has %d", len(w), len(m.weights))
	}
	copy(m.weights, w)
	return nil
}

func (m *RandomModel) Gradients() tensor.Vector {
	if m.computeTime > 0 {
		time.Sleep(m.computeTime)
	}
	g := make(tensor.Vector, len(m.weights))
	for i := range g {
		g[i] = 2*m.rng.Float32() - 1
	}
	return g
}
