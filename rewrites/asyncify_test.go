// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package rewrites

import (
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/require"

	"github.com/gomlx/collectives/hlo"
	"github.com/gomlx/collectives/types"
	"github.com/gomlx/collectives/types/shapes"
)

// opSequence lists the arena's op kinds in order, skipping select-output nodes.
func opSequence(comp *hlo.Computation) []hlo.OpType {
	var ops []hlo.OpType
	for idx := range comp.NumNodes() {
		node := comp.Node(idx)
		if node.IsSelectOutput() {
			continue
		}
		ops = append(ops, node.OpType())
	}
	return ops
}

func TestAsyncifySplitsCollectives(t *testing.T) {
	comp := hlo.New("main", 2)
	x := comp.Parameter("x", shapes.Make(dtypes.Float32, 2))
	ar := comp.AllReduce(x, hlo.ReduceSum, nil, 0)
	// Unrelated work between the collective and its consumer: the overlap window.
	other := comp.Compute("scale", nil, x.Shape(), x)
	sum := comp.Combine(hlo.ReduceSum, ar, other)
	comp.Return(sum)

	got := Asyncify(comp, nil)
	require.True(t, got.IsFrozen())
	require.Equal(t, []hlo.OpType{
		hlo.OpTypeParameter,
		hlo.OpTypeAsyncStart,
		hlo.OpTypeCompute,
		hlo.OpTypeAsyncDone, // placed at the first consumer, after the unrelated work
		hlo.OpTypeCombine,
	}, opSequence(got))

	// No raw collective survives.
	for idx := range got.NumNodes() {
		require.False(t, got.Node(idx).OpType().IsCollective())
	}
	// The pair wraps the original kind, and the done points back at its start.
	start := got.Node(1)
	require.Equal(t, hlo.OpTypeAllReduce, start.WrappedOp())
	var done *hlo.Node
	for idx := range got.NumNodes() {
		if got.Node(idx).OpType() == hlo.OpTypeAsyncDone {
			done = got.Node(idx)
			break
		}
	}
	require.NotNil(t, done)
	require.Same(t, start, done.AsyncStartNode())
	require.False(t, done.ForcedSync())
}

func TestAsyncifyDisabledKind(t *testing.T) {
	comp := hlo.New("main", 2)
	x := comp.Parameter("x", shapes.Make(dtypes.Float32, 2))
	ar := comp.AllReduce(x, hlo.ReduceSum, nil, 0)
	other := comp.Compute("scale", nil, x.Shape(), x)
	comp.Return(comp.Combine(hlo.ReduceSum, ar, other))

	got := Asyncify(comp, types.SetWith(hlo.OpTypeAllReduce))
	// Done is scheduled immediately after Start: no overlap window.
	require.Equal(t, []hlo.OpType{
		hlo.OpTypeParameter,
		hlo.OpTypeAsyncStart,
		hlo.OpTypeAsyncDone,
		hlo.OpTypeCompute,
		hlo.OpTypeCombine,
	}, opSequence(got))
	require.True(t, got.Node(1).ForcedSync())
}

func TestAsyncifyUnconsumedCollective(t *testing.T) {
	comp := hlo.New("main", 2)
	x := comp.Parameter("x", shapes.Make(dtypes.Float32, 2))
	comp.AllReduce(x, hlo.ReduceSum, nil, 0) // result unused
	comp.Return(x)

	got := Asyncify(comp, nil)
	// The pair still exists -- the rendezvous must happen on every replica -- with
	// the done flushed at the end of the graph.
	ops := opSequence(got)
	require.Equal(t, hlo.OpTypeAsyncStart, ops[1])
	require.Equal(t, hlo.OpTypeAsyncDone, ops[len(ops)-1])
}

func TestAsyncifyMultiOutputCollective(t *testing.T) {
	comp := hlo.New("main", 2)
	x := comp.Parameter("x", shapes.Make(dtypes.Float32, 2))
	y := comp.Parameter("y", shapes.Make(dtypes.Uint32, 2))
	gathered := comp.AllGather(0, nil, 0, x, y)
	comp.Return(gathered[0], gathered[1])

	got := Asyncify(comp, nil)
	require.Len(t, got.Outputs(), 2)
	for _, out := range got.Outputs() {
		require.Equal(t, hlo.OpTypeAsyncDone, out.OpType())
	}
	require.True(t, got.Outputs()[0].Shape().Equal(shapes.Make(dtypes.Float32, 4)))
	require.True(t, got.Outputs()[1].Shape().Equal(shapes.Make(dtypes.Uint32, 4)))
}

func TestAsyncifyInsideWhile(t *testing.T) {
	state := shapes.Make(dtypes.Float32, 2)

	cond := hlo.New("cond", 2)
	cond.Parameter("acc", state)
	cond.Return(cond.Constant([]bool{false}))

	body := hlo.New("body", 2)
	acc := body.Parameter("acc", state)
	body.Return(body.AllReduce(acc, hlo.ReduceSum, nil, 0))

	comp := hlo.New("main", 2)
	x := comp.Parameter("x", state)
	finals := comp.While(cond, body, x)
	comp.Return(finals[0])

	got := Asyncify(comp, nil)
	var whileNode *hlo.Node
	for idx := range got.NumNodes() {
		if got.Node(idx).OpType() == hlo.OpTypeWhile {
			whileNode = got.Node(idx)
			break
		}
	}
	require.NotNil(t, whileNode)
	bodyOps := opSequence(whileNode.WhileBody())
	require.Contains(t, bodyOps, hlo.OpTypeAsyncStart)
	require.Contains(t, bodyOps, hlo.OpTypeAsyncDone)
	require.NotContains(t, bodyOps, hlo.OpTypeAllReduce)
}
