// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package replicated

import (
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/require"
	"github.com/x448/float16"

	"github.com/gomlx/collectives/hlo"
	"github.com/gomlx/collectives/types/shapes"
)

func TestBufferFromFlat(t *testing.T) {
	buf, err := NewBufferFromFlat([]float32{1, 2, 3, 4, 5, 6}, 2, 3)
	require.NoError(t, err)
	require.True(t, buf.Shape().Equal(shapes.Make(dtypes.Float32, 2, 3)))
	require.Equal(t, []float32{1, 2, 3, 4, 5, 6}, buf.Flat().([]float32))

	_, err = NewBufferFromFlat([]float32{1, 2}, 3)
	require.Error(t, err, "element count mismatch")
	_, err = NewBufferFromFlat(42)
	require.Error(t, err, "not a slice")
}

func TestBufferCloneIsIndependent(t *testing.T) {
	buf, err := NewBufferFromFlat([]int32{1, 2, 3}, 3)
	require.NoError(t, err)
	clone := buf.Clone()
	clone.Flat().([]int32)[0] = 99
	require.Equal(t, []int32{1, 2, 3}, buf.Flat().([]int32))
	require.Equal(t, []int32{99, 2, 3}, clone.Flat().([]int32))
}

func TestBufferPoolReuseIsZeroedOnDemand(t *testing.T) {
	// Pooled buffers keep stale data; NewBufferZero must not.
	buf, err := NewBufferFromFlat([]float64{7, 7}, 2)
	require.NoError(t, err)
	buf.Finalize()
	require.False(t, buf.Ok())

	zeroed := NewBufferZero(shapes.Make(dtypes.Float64, 2))
	require.Equal(t, []float64{0, 0}, zeroed.Flat().([]float64))
}

func TestCombineInto(t *testing.T) {
	tests := []struct {
		kind hlo.ReductionKind
		want []int32
	}{
		{hlo.ReduceSum, []int32{5, 10}},
		{hlo.ReduceProduct, []int32{6, 21}},
		{hlo.ReduceMax, []int32{3, 7}},
		{hlo.ReduceMin, []int32{2, 3}},
	}
	for _, test := range tests {
		t.Run(test.kind.String(), func(t *testing.T) {
			lhs, err := NewBufferFromFlat([]int32{2, 7}, 2)
			require.NoError(t, err)
			rhs, err := NewBufferFromFlat([]int32{3, 3}, 2)
			require.NoError(t, err)
			out := NewBuffer(shapes.Make(dtypes.Int32, 2))
			require.NoError(t, combineInto(test.kind, out, lhs, rhs))
			require.Equal(t, test.want, out.Flat().([]int32))
		})
	}
}

func TestCombineIntoScalarBroadcast(t *testing.T) {
	lhs, err := NewBufferFromFlat([]float32{1, 2, 3}, 3)
	require.NoError(t, err)
	rhs, err := NewBufferFromFlat([]float32{10})
	require.NoError(t, err)
	out := NewBuffer(shapes.Make(dtypes.Float32, 3))
	require.NoError(t, combineInto(hlo.ReduceSum, out, lhs, rhs))
	require.Equal(t, []float32{11, 12, 13}, out.Flat().([]float32))
}

func TestCombineIntoFloat16(t *testing.T) {
	f16 := func(values ...float32) []float16.Float16 {
		out := make([]float16.Float16, len(values))
		for i, v := range values {
			out[i] = float16.Fromfloat32(v)
		}
		return out
	}
	lhs, err := NewBufferFromFlat(f16(1.5, 2), 2)
	require.NoError(t, err)
	rhs, err := NewBufferFromFlat(f16(0.5, 3), 2)
	require.NoError(t, err)
	out := NewBuffer(shapes.Make(dtypes.Float16, 2))
	require.NoError(t, combineInto(hlo.ReduceSum, out, lhs, rhs))
	require.Equal(t, f16(2, 5), out.Flat().([]float16.Float16))
}

func TestCombineIntoDTypeMismatch(t *testing.T) {
	lhs, err := NewBufferFromFlat([]float32{1}, 1)
	require.NoError(t, err)
	rhs, err := NewBufferFromFlat([]int32{1}, 1)
	require.NoError(t, err)
	out := NewBuffer(shapes.Make(dtypes.Float32, 1))
	require.ErrorIs(t, combineInto(hlo.ReduceSum, out, lhs, rhs), ErrShapeMismatch)
}
