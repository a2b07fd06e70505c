// Package tensor provides the dense float vectors exchanged between the
// coordinator, workers and parameter servers.
//
// A Vector is the only payload type on the actor boundary: weights, shards and
// gradients are all Vectors. Shapes are one-dimensional; a shard's shape is
// simply its length.
package tensor

import (
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"
)

// ErrLengthMismatch is returned when two vectors that must agree in length do not.
var ErrLengthMismatch = errors.New("vector length mismatch")

// Vector is a fixed-length sequence of float32 values.
type Vector []float32

// Zeros returns a zero vector of length n.
func Zeros(n int) Vector {
	return make(Vector, n)
}

// Fill returns a vector of length n with every element set to value.
func Fill(n int, value float32) Vector {
	v := make(Vector, n)
	for i := range v {
		v[i] = value
	}
	return v
}

// Ones returns a vector of length n filled with 1.
func Ones(n int) Vector {
	return Fill(n, 1)
}

// Len returns the number of elements in v.
func (v Vector) Len() int {
	return len(v)
}

// Clone returns a copy of v that shares no memory with it.
func (v Vector) Clone() Vector {
	if v == nil {
		return nil
	}
	out := make(Vector, len(v))
	copy(out, v)
	return out
}

// Add accumulates o into v element-wise.
func (v Vector) Add(o Vector) error {
	if len(v) != len(o) {
		return fmt.Errorf("%w: %d != %d", ErrLengthMismatch, len(v), len(o))
	}
	for i := range v {
		v[i] += o[i]
	}
	return nil
}

// Scale multiplies every element of v by f.
func (v Vector) Scale(f float32) {
	for i := range v {
		v[i] *= f
	}
}

// Equal reports whether v and o have the same length and elements.
func (v Vector) Equal(o Vector) bool {
	if len(v) != len(o) {
		return false
	}
	for i := range v {
		if v[i] != o[i] {
			return false
		}
	}
	return true
}

// TotalLen returns the summed length of vs.
func TotalLen(vs []Vector) int {
	n := 0
	for _, v := range vs {
		n += len(v)
	}
	return n
}

// Concat joins vs end to end into a new vector.
func Concat(vs []Vector) Vector {
	out := make(Vector, 0, TotalLen(vs))
	for _, v := range vs {
		out = append(out, v...)
	}
	return out
}

// MarshalJSON encodes the vector as base64 of its little-endian float32 bytes.
func (v Vector) MarshalJSON() ([]byte, error) {
	buf := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(f))
	}
	return json.Marshal(base64.StdEncoding.EncodeToString(buf))
}

// UnmarshalJSON accepts the base64 form produced by MarshalJSON or a plain
// JSON array of numbers.
func (v *Vector) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '[' {
		var floats []float32
		if err := json.Unmarshal(data, &floats); err != nil {
			return err
		}
		*v = floats
		return nil
	}

	var encoded string
	if err := json.Unmarshal(data, &encoded); err != nil {
		return fmt.Errorf("vector: %w", err)
	}
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return fmt.Errorf("vector: %w", err)
	}
	if len(raw)%4 != 0 {
		return fmt.Errorf("vector: payload of %d bytes is not a float32 sequence", len(raw))
	}
	out := make(Vector, len(raw)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[4*i:]))
	}
	*v = out
	return nil
}
