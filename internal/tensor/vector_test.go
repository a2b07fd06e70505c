package tensor

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConstructors(t *testing.T) {
	assert.Equal(t, Vector{0, 0, 0}, Zeros(3))
	assert.Equal(t, Vector{1, 1}, Ones(2))
	assert.Equal(t, Vector{2.5, 2.5}, Fill(2, 2.5))
	assert.Empty(t, Zeros(0))
}

func TestAdd(t *testing.T) {
	t.Run("accumulates element-wise", func(t *testing.T) {
		v := Vector{1, 2, 3}
		require.NoError(t, v.Add(Vector{1, 1, 1}))
		assert.Equal(t, Vector{2, 3, 4}, v)
	})

	t.Run("rejects length mismatch", func(t *testing.T) {
		v := Vector{1, 2, 3}
		err := v.Add(Vector{1})
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrLengthMismatch))
		assert.Equal(t, Vector{1, 2, 3}, v, "vector must be untouched on error")
	})
}

func TestCloneIsIndependent(t *testing.T) {
	v := Vector{1, 2}
	c := v.Clone()
	c[0] = 9
	assert.Equal(t, float32(1), v[0])
	assert.Nil(t, Vector(nil).Clone())
}

func TestConcatAndTotalLen(t *testing.T) {
	parts := []Vector{{1, 2}, {3}, {}, {4, 5}}
	assert.Equal(t, 5, TotalLen(parts))
	if diff := cmp.Diff(Vector{1, 2, 3, 4, 5}, Concat(parts)); diff != "" {
		t.Errorf("Concat mismatch (-want +got):\n%s", diff)
	}
}

func TestScaleAndEqual(t *testing.T) {
	v := Vector{2, 4}
	v.Scale(0.5)
	assert.True(t, v.Equal(Vector{1, 2}))
	assert.False(t, v.Equal(Vector{1}))
	assert.False(t, v.Equal(Vector{1, 3}))
}

func TestJSONCodec(t *testing.T) {
	t.Run("binary form", func(t *testing.T) {
		in := Vector{0, -1.5, 3.25, 1e-7}
		data, err := json.Marshal(in)
		require.NoError(t, err)
		assert.Equal(t, byte('"'), data[0], "vectors travel as base64 strings")

		var out Vector
		require.NoError(t, json.Unmarshal(data, &out))
		if diff := cmp.Diff(in, out); diff != "" {
			t.Errorf("decoded vector mismatch (-want +got):\n%s", diff)
		}
	})

	t.Run("plain array form", func(t *testing.T) {
		var out Vector
		require.NoError(t, json.Unmarshal([]byte(`[1, 2, 3]`), &out))
		assert.Equal(t, Vector{1, 2, 3}, out)
	})

	t.Run("inside a struct", func(t *testing.T) {
		type payload struct {
			Args []Vector `json:"args"`
		}
		in := payload{Args: []Vector{{1}, {2, 3}}}
		data, err := json.Marshal(in)
		require.NoError(t, err)
		var out payload
		require.NoError(t, json.Unmarshal(data, &out))
		assert.Equal(t, in, out)
	})

	t.Run("rejects truncated payload", func(t *testing.T) {
		var out Vector
		err := json.Unmarshal([]byte(`"AAA="`), &out)
		assert.Error(t, err)
	})
}
