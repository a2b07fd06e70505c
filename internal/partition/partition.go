// Package partition splits the global parameter vector into contiguous shards,
// one per parameter server.
//
// The partition is balanced: shard lengths differ by at most one element and
// the longer shards come first, so Partition(11, 2) is [6, 5]. The result is
// a pure function of its arguments; calling it twice yields the same lengths.
//
// Example:
//
//	layout, err := partition.NewLayout(151190, 2)
//	if err != nil {
//	    return err // InvalidPartitionError: fatal at startup
//	}
//	shards := layout.Split(tensor.Zeros(layout.Dim))
package partition

import (
	"errors"
	"fmt"

	"github.com/dreamware/shardps/internal/tensor"
)

// ErrInvalidPartition is matched by every InvalidPartitionError.
var ErrInvalidPartition = errors.New("invalid partition")

// InvalidPartitionError reports a shard count that is incompatible with the
// vector dimension.
type InvalidPartitionError struct {
	Reason string
	Dim    int
	Parts  int
}

func (e *InvalidPartitionError) Error() string {
	return fmt.Sprintf("invalid partition of %d elements into %d shards: %s", e.Dim, e.Parts, e.Reason)
}

// Is makes errors.Is(err, ErrInvalidPartition) hold.
func (e *InvalidPartitionError) Is(target error) bool {
	return target == ErrInvalidPartition
}

// Partition returns parts shard lengths that sum to dim and differ by at most
// one. It fails when parts <= 0 or parts > dim, since either would leave a
// shard empty or undefined.
func Partition(dim, parts int) ([]int, error) {
	if err := check(dim, parts); err != nil {
		return nil, err
	}

	base, extra := dim/parts, dim%parts
	lengths := make([]int, parts)
	for i := range lengths {
		lengths[i] = base
		if i < extra {
			lengths[i]++
		}
	}
	return lengths, nil
}

// EqualSplit is the strict variant of Partition: every shard must have the
// same length, so dim must be divisible by parts.
func EqualSplit(dim, parts int) ([]int, error) {
	if err := check(dim, parts); err != nil {
		return nil, err
	}
	if dim%parts != 0 {
		return nil, &InvalidPartitionError{Dim: dim, Parts: parts, Reason: "dimension does not divide evenly"}
	}
	return Partition(dim, parts)
}

func check(dim, parts int) error {
	switch {
	case parts <= 0:
		return &InvalidPartitionError{Dim: dim, Parts: parts, Reason: "shard count must be positive"}
	case parts > dim:
		return &InvalidPartitionError{Dim: dim, Parts: parts, Reason: "more shards than elements"}
	}
	return nil
}

// Layout is the fixed shard geometry of a run: how many shards there are,
// how long each is, and where each starts in the global vector.
type Layout struct {
	Lengths []int `json:"lengths"`
	Offsets []int `json:"offsets"`
	Dim     int   `json:"dim"`
}

// NewLayout partitions dim into parts balanced shards.
func NewLayout(dim, parts int) (Layout, error) {
	lengths, err := Partition(dim, parts)
	if err != nil {
		return Layout{}, err
	}
	return FromLengths(lengths), nil
}

// NewStrictLayout partitions dim into parts shards of identical length.
func NewStrictLayout(dim, parts int) (Layout, error) {
	lengths, err := EqualSplit(dim, parts)
	if err != nil {
		return Layout{}, err
	}
	return FromLengths(lengths), nil
}

// FromLengths builds a layout from explicit shard lengths.
func FromLengths(lengths []int) Layout {
	l := Layout{
		Lengths: append([]int(nil), lengths...),
		Offsets: make([]int, len(lengths)),
	}
	for i, n := range lengths {
		l.Offsets[i] = l.Dim
		l.Dim += n
	}
	return l
}

// NumShards returns the number of shards in the layout.
func (l Layout) NumShards() int {
	return len(l.Lengths)
}

// Split cuts v into shards that alias v's backing array. v must have length Dim.
func (l Layout) Split(v tensor.Vector) []tensor.Vector {
	shards := make([]tensor.Vector, len(l.Lengths))
	for i, n := range l.Lengths {
		off := l.Offsets[i]
		shards[i] = v[off : off+n : off+n]
	}
	return shards
}

// Concat joins shards back into a single vector of length Dim.
func (l Layout) Concat(shards []tensor.Vector) (tensor.Vector, error) {
	if err := l.Validate(shards); err != nil {
		return nil, err
	}
	return tensor.Concat(shards), nil
}

// Validate checks that shards matches the layout in count and in each
// shard's length.
func (l Layout) Validate(shards []tensor.Vector) error {
	if len(shards) != len(l.Lengths) {
		return fmt.Errorf("%w: got %d shards, layout has %d", tensor.ErrLengthMismatch, len(shards), len(l.Lengths))
	}
	for i, s := range shards {
		if len(s) != l.Lengths[i] {
			return fmt.Errorf("%w: shard %d has %d elements, layout expects %d",
				tensor.ErrLengthMismatch, i, len(s), l.Lengths[i])
		}
	}
	return nil
}

// Equal reports whether two layouts describe the same geometry.
func (l Layout) Equal(o Layout) bool {
	if l.Dim != o.Dim || len(l.Lengths) != len(o.Lengths) {
		return false
	}
	for i := range l.Lengths {
		if l.Lengths[i] != o.Lengths[i] {
			return false
		}
	}
	return true
}
