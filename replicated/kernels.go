// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package replicated

import (
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"github.com/x448/float16"
	"golang.org/x/exp/constraints"

	"github.com/gomlx/collectives/hlo"
)

// This file holds the elementwise reduction kernels, generic over the supported
// dtypes with a switch dispatch. Float16 has no native Go arithmetic and is
// round-tripped through float32.

// combineInto computes out = op(lhs, rhs) elementwise. One of lhs/rhs may be a
// scalar (length-1) buffer, broadcast over the other. All three buffers must share
// the dtype; out must have the length of the larger operand.
func combineInto(kind hlo.ReductionKind, out, lhs, rhs *Buffer) error {
	dtype := out.shape.DType
	if lhs.shape.DType != dtype || rhs.shape.DType != dtype {
		return errors.WithMessagef(ErrShapeMismatch,
			"combine(%s) with mixed dtypes %s and %s", kind, lhs.shape.DType, rhs.shape.DType)
	}
	switch dtype {
	case dtypes.Float64:
		combineSlices[float64](kind, out.flat.([]float64), lhs.flat.([]float64), rhs.flat.([]float64))
	case dtypes.Float32:
		combineSlices[float32](kind, out.flat.([]float32), lhs.flat.([]float32), rhs.flat.([]float32))
	case dtypes.Float16:
		combineFloat16(kind, out.flat.([]float16.Float16), lhs.flat.([]float16.Float16), rhs.flat.([]float16.Float16))
	case dtypes.Int32:
		combineSlices[int32](kind, out.flat.([]int32), lhs.flat.([]int32), rhs.flat.([]int32))
	case dtypes.Int64:
		combineSlices[int64](kind, out.flat.([]int64), lhs.flat.([]int64), rhs.flat.([]int64))
	case dtypes.Uint32:
		combineSlices[uint32](kind, out.flat.([]uint32), lhs.flat.([]uint32), rhs.flat.([]uint32))
	case dtypes.Uint64:
		combineSlices[uint64](kind, out.flat.([]uint64), lhs.flat.([]uint64), rhs.flat.([]uint64))
	default:
		return errors.WithMessagef(ErrParticipation,
			"dtype %s is not supported by the %s reduction", dtype, kind)
	}
	return nil
}

// combineOp returns the binary operator for the reduction kind.
func combineOp[T constraints.Integer | constraints.Float](kind hlo.ReductionKind) func(a, b T) T {
	switch kind {
	case hlo.ReduceProduct:
		return func(a, b T) T { return a * b }
	case hlo.ReduceMax:
		return func(a, b T) T { return max(a, b) }
	case hlo.ReduceMin:
		return func(a, b T) T { return min(a, b) }
	default:
		return func(a, b T) T { return a + b }
	}
}

func combineSlices[T constraints.Integer | constraints.Float](kind hlo.ReductionKind, out, lhs, rhs []T) {
	op := combineOp[T](kind)
	lhsStep, rhsStep := 1, 1
	if len(lhs) == 1 {
		lhsStep = 0
	}
	if len(rhs) == 1 {
		rhsStep = 0
	}
	for i := range out {
		out[i] = op(lhs[i*lhsStep], rhs[i*rhsStep])
	}
}

func combineFloat16(kind hlo.ReductionKind, out, lhs, rhs []float16.Float16) {
	op := combineOp[float32](kind)
	lhsStep, rhsStep := 1, 1
	if len(lhs) == 1 {
		lhsStep = 0
	}
	if len(rhs) == 1 {
		rhsStep = 0
	}
	for i := range out {
		out[i] = float16.Fromfloat32(op(lhs[i*lhsStep].Float32(), rhs[i*rhsStep].Float32()))
	}
}
