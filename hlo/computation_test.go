// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package hlo

import (
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/require"

	"github.com/gomlx/collectives/types/shapes"
)

func TestComputationBuilder(t *testing.T) {
	comp := New("main", 2)
	x := comp.Parameter("x", shapes.Make(dtypes.Float32, 2))
	require.Equal(t, OpTypeParameter, x.OpType())
	require.Equal(t, 0, x.ParameterIndex())

	c := comp.Constant([]float32{1, 2}, 2)
	require.True(t, c.Shape().Equal(shapes.Make(dtypes.Float32, 2)))

	sum := comp.Combine(ReduceSum, x, c)
	require.True(t, sum.Shape().Equal(x.Shape()))

	comp.Return(sum)
	require.True(t, comp.IsFrozen())
	require.Len(t, comp.Outputs(), 1)

	// Frozen computations reject new nodes.
	require.Panics(t, func() { comp.Parameter("y", shapes.Make(dtypes.Float32)) })
}

func TestCombineScalarBroadcast(t *testing.T) {
	comp := New("main", 2)
	x := comp.Parameter("x", shapes.Make(dtypes.Int32, 3))
	one := comp.Constant([]int32{1})
	sum := comp.Combine(ReduceSum, x, one)
	require.True(t, sum.Shape().Equal(x.Shape()))

	// Mismatched non-scalar shapes are rejected.
	y := comp.Parameter("y", shapes.Make(dtypes.Int32, 2))
	require.Panics(t, func() { comp.Combine(ReduceSum, x, y) })
	// Mismatched dtypes too.
	z := comp.Parameter("z", shapes.Make(dtypes.Float32, 3))
	require.Panics(t, func() { comp.Combine(ReduceSum, x, z) })
}

func TestConstantValidation(t *testing.T) {
	comp := New("main", 1)
	require.Panics(t, func() { comp.Constant([]float32{1, 2}, 3) }, "wrong element count")
	require.Panics(t, func() { comp.Constant(42, 1) }, "not a slice")
}

func TestCheckReplicaGroups(t *testing.T) {
	tests := []struct {
		name        string
		groups      [][]int
		numReplicas int
		wantErr     bool
	}{
		{"empty means all", nil, 4, false},
		{"full partition", [][]int{{0, 1}, {2, 3}}, 4, false},
		{"unordered groups", [][]int{{3, 1}, {0, 2}}, 4, false},
		{"missing replica", [][]int{{0, 1}}, 4, true},
		{"overlap", [][]int{{0, 1}, {1, 2, 3}}, 4, true},
		{"out of range", [][]int{{0, 4}, {1, 2, 3}}, 4, true},
		{"empty group", [][]int{{0, 1}, {}}, 2, true},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			err := CheckReplicaGroups(test.groups, test.numReplicas)
			if test.wantErr {
				require.Error(t, err)
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestCollectiveShapes(t *testing.T) {
	comp := New("main", 4)
	x := comp.Parameter("x", shapes.Make(dtypes.Float32, 2, 3))

	ar := comp.AllReduce(x, ReduceSum, nil, 0)
	require.True(t, ar.Shape().Equal(x.Shape()))
	require.Equal(t, ReduceSum, ar.Reduction())

	ag := comp.AllGather(0, nil, 0, x)
	require.Len(t, ag, 1)
	require.True(t, ag[0].Shape().Equal(shapes.Make(dtypes.Float32, 8, 3)))

	// Multi-operand gather yields one node per operand, dtypes may differ.
	y := comp.Parameter("y", shapes.Make(dtypes.Uint32, 1, 3))
	ag2 := comp.AllGather(0, nil, 0, x, y)
	require.Len(t, ag2, 2)
	require.True(t, ag2[0].Shape().Equal(shapes.Make(dtypes.Float32, 8, 3)))
	require.True(t, ag2[1].Shape().Equal(shapes.Make(dtypes.Uint32, 4, 3)))

	rs := comp.ReduceScatter(x, ReduceSum, 0, [][]int{{0, 1}, {2, 3}}, 0)
	require.True(t, rs.Shape().Equal(shapes.Make(dtypes.Float32, 1, 3)))

	a2a := comp.AllToAll(x, 0, [][]int{{0, 1}, {2, 3}}, 0)
	require.True(t, a2a.Shape().Equal(x.Shape()))
}

func TestCollectiveValidation(t *testing.T) {
	comp := New("main", 4)
	x := comp.Parameter("x", shapes.Make(dtypes.Float32, 2, 3))

	// ReduceScatter axis must divide evenly by the group size.
	require.Panics(t, func() { comp.ReduceScatter(x, ReduceSum, 0, nil, 0) })
	// AllToAll likewise.
	require.Panics(t, func() { comp.AllToAll(x, 1, nil, 0) })
	// Out-of-range axis.
	require.Panics(t, func() { comp.AllGather(2, nil, 0, x) })
	// Tuple form requires one operand per group member.
	require.Panics(t, func() { comp.AllToAllTuple([]*Node{x, x}, nil, 0) })
	// Groups must partition the replica set.
	require.Panics(t, func() { comp.AllReduce(x, ReduceSum, [][]int{{0, 1}}, 0) })
	// Permute targets must be unique and in range.
	require.Panics(t, func() { comp.CollectivePermute(x, [][2]int{{0, 1}, {2, 1}}) })
	require.Panics(t, func() { comp.CollectivePermute(x, [][2]int{{0, 4}}) })
	// Broadcast groups may not overlap, but need not cover all replicas.
	require.NotPanics(t, func() { comp.CollectiveBroadcast(x, [][]int{{1, 0}}) })
	require.Panics(t, func() { comp.CollectiveBroadcast(x, [][]int{{1, 0}, {0, 2}}) })
}

func TestWhileValidation(t *testing.T) {
	state := shapes.Make(dtypes.Int32)

	newCond := func(result bool) *Computation {
		cond := New("cond", 2)
		cond.Parameter("i", state)
		cond.Return(cond.Constant([]bool{result}))
		return cond
	}
	body := New("body", 2)
	i := body.Parameter("i", state)
	body.Return(body.Combine(ReduceSum, i, body.Constant([]int32{1})))

	comp := New("main", 2)
	init := comp.Constant([]int32{0})
	finals := comp.While(newCond(false), body, init)
	require.Len(t, finals, 1)
	require.True(t, finals[0].Shape().Equal(state))

	// Condition must return a Bool scalar.
	badCond := New("cond", 2)
	badCond.Parameter("i", state)
	badCond.Return(badCond.Constant([]int32{1}))
	require.Panics(t, func() { comp.While(badCond, body, init) })

	// Body output count must match the state slots.
	badBody := New("body", 2)
	j := badBody.Parameter("i", state)
	badBody.Return(j, j)
	require.Panics(t, func() { comp.While(newCond(false), badBody, init) })

	// Sub-computations must be frozen.
	unfrozen := New("body", 2)
	unfrozen.Parameter("i", state)
	require.Panics(t, func() { comp.While(newCond(false), unfrozen, init) })
}

func TestCrossComputationNodesRejected(t *testing.T) {
	a := New("a", 2)
	b := New("b", 2)
	x := a.Parameter("x", shapes.Make(dtypes.Float32))
	require.Panics(t, func() { b.AllReduce(x, ReduceSum, nil, 0) })
}
