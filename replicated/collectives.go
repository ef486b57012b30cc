// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package replicated

import (
	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/gomlx/collectives/hlo"
	"github.com/gomlx/collectives/types/shapes"
)

// This file holds the per-kind collective executors. Each runs exactly once per
// collective instance -- invoked by the last participant to arrive at the rendezvous
// -- over all participants' deposited operands, and produces every participant's
// outputs in group-rank order.

// collectiveKind resolves the collective kind of a node, unwrapping AsyncStart.
func collectiveKind(node *hlo.Node) hlo.OpType {
	if node.OpType() == hlo.OpTypeAsyncStart {
		return node.WrappedOp()
	}
	return node.OpType()
}

// resultShapes returns the per-output shapes a collective node delivers.
func resultShapes(node *hlo.Node) []shapes.Shape {
	if node.OpType() == hlo.OpTypeAsyncStart {
		return node.ResultShapes()
	}
	if node.IsMultiOutputs() {
		selects := node.MultiOutputs()
		result := make([]shapes.Shape, len(selects))
		for i, sel := range selects {
			result[i] = sel.Shape()
		}
		return result
	}
	return []shapes.Shape{node.Shape()}
}

// runCollective executes the collective of node over all participants' operands.
// inputs and the returned outputs are indexed [rank][operand slot].
func runCollective(node *hlo.Node, group []int, inputs [][]*Buffer) ([][]*Buffer, error) {
	kind := collectiveKind(node)
	if klog.V(2).Enabled() {
		var volume uintptr
		for _, operands := range inputs {
			for _, b := range operands {
				volume += b.shape.Memory()
			}
		}
		klog.Infof("collective %s: group=%v, %s moved", kind, group, humanize.Bytes(uint64(volume)))
	}
	switch kind {
	case hlo.OpTypeAllReduce:
		return runAllReduce(node, group, inputs)
	case hlo.OpTypeAllGather:
		return runAllGather(node, group, inputs)
	case hlo.OpTypeReduceScatter:
		return runReduceScatter(node, group, inputs)
	case hlo.OpTypeAllToAll:
		if node.SplitAxis() >= 0 {
			return runAllToAll(node, group, inputs)
		}
		return runAllToAllTuple(node, group, inputs)
	case hlo.OpTypeCollectivePermute:
		return runCollectivePermute(node, group, inputs)
	case hlo.OpTypeCollectiveBroadcast:
		return runCollectiveBroadcast(group, inputs)
	}
	return nil, errors.WithMessagef(ErrParticipation, "node %s is not a collective", node)
}

// reduceParticipants folds every rank's first operand with the reduction operator,
// in ascending rank order, into a freshly owned buffer.
func reduceParticipants(kind hlo.ReductionKind, inputs [][]*Buffer) (*Buffer, error) {
	acc := inputs[0][0].Clone()
	for _, operands := range inputs[1:] {
		if err := combineInto(kind, acc, acc, operands[0]); err != nil {
			acc.Finalize()
			return nil, err
		}
	}
	return acc, nil
}

func runAllReduce(node *hlo.Node, group []int, inputs [][]*Buffer) ([][]*Buffer, error) {
	acc, err := reduceParticipants(node.Reduction(), inputs)
	if err != nil {
		return nil, err
	}
	outputs := make([][]*Buffer, len(group))
	outputs[0] = []*Buffer{acc}
	for r := 1; r < len(group); r++ {
		outputs[r] = []*Buffer{acc.Clone()}
	}
	return outputs, nil
}

// outerInner splits a shape at the given axis: outer is the product of the leading
// dimensions, inner the product of the axis and trailing dimensions.
func outerInner(shape shapes.Shape, axis int) (outer, inner int) {
	inner = 1
	for d := axis; d < shape.Rank(); d++ {
		inner *= shape.Dim(d)
	}
	return shape.Size() / inner, inner
}

func runAllGather(node *hlo.Node, group []int, inputs [][]*Buffer) ([][]*Buffer, error) {
	n := len(group)
	axis := node.SplitAxis()
	outShapes := resultShapes(node)
	outputs := make([][]*Buffer, n)
	for r := range outputs {
		outputs[r] = make([]*Buffer, len(outShapes))
	}
	for slot, outShape := range outShapes {
		gathered := NewBuffer(outShape)
		outer, inner := outerInner(inputs[0][slot].shape, axis)
		for o := 0; o < outer; o++ {
			for p := 0; p < n; p++ {
				copyFlatRange(gathered.flat, (o*n+p)*inner, inputs[p][slot].flat, o*inner, inner)
			}
		}
		outputs[0][slot] = gathered
		for r := 1; r < n; r++ {
			outputs[r][slot] = gathered.Clone()
		}
	}
	return outputs, nil
}

func runReduceScatter(node *hlo.Node, group []int, inputs [][]*Buffer) ([][]*Buffer, error) {
	n := len(group)
	axis := node.SplitAxis()
	inShape := inputs[0][0].shape
	if inShape.Dim(axis)%n != 0 {
		return nil, errors.WithMessagef(ErrParticipation,
			"%s axis %d (dimension %d) does not divide evenly by group size %d",
			node, axis, inShape.Dim(axis), n)
	}
	acc, err := reduceParticipants(node.Reduction(), inputs)
	if err != nil {
		return nil, err
	}
	defer acc.Finalize()

	outShape := resultShapes(node)[0]
	_, sliceInner := outerInner(inShape, axis+1)
	rowLen := inShape.Dim(axis) * sliceInner
	chunk := rowLen / n
	outer := inShape.Size() / rowLen
	outputs := make([][]*Buffer, n)
	for r := range outputs {
		out := NewBuffer(outShape)
		for o := 0; o < outer; o++ {
			copyFlatRange(out.flat, o*chunk, acc.flat, o*rowLen+r*chunk, chunk)
		}
		outputs[r] = []*Buffer{out}
	}
	return outputs, nil
}

func runAllToAll(node *hlo.Node, group []int, inputs [][]*Buffer) ([][]*Buffer, error) {
	n := len(group)
	axis := node.SplitAxis()
	inShape := inputs[0][0].shape
	if inShape.Dim(axis)%n != 0 {
		return nil, errors.WithMessagef(ErrParticipation,
			"%s split axis %d (dimension %d) does not divide evenly by group size %d",
			node, axis, inShape.Dim(axis), n)
	}
	_, sliceInner := outerInner(inShape, axis+1)
	rowLen := inShape.Dim(axis) * sliceInner
	chunk := rowLen / n
	outer := inShape.Size() / rowLen
	outputs := make([][]*Buffer, n)
	for r := range outputs {
		out := NewBuffer(inShape)
		for o := 0; o < outer; o++ {
			for p := 0; p < n; p++ {
				copyFlatRange(out.flat, o*rowLen+p*chunk, inputs[p][0].flat, o*rowLen+r*chunk, chunk)
			}
		}
		outputs[r] = []*Buffer{out}
	}
	return outputs, nil
}

// runAllToAllTuple transposes the (rank, operand slot) grid: rank i's slot-j output
// is rank j's operand i.
func runAllToAllTuple(node *hlo.Node, group []int, inputs [][]*Buffer) ([][]*Buffer, error) {
	n := len(group)
	for r, operands := range inputs {
		if len(operands) != n {
			return nil, errors.WithMessagef(ErrShapeMismatch,
				"%s: rank %d deposited a tuple of %d operands, group size is %d", node, r, len(operands), n)
		}
	}
	outputs := make([][]*Buffer, n)
	for i := range outputs {
		outputs[i] = make([]*Buffer, n)
		for j := 0; j < n; j++ {
			outputs[i][j] = inputs[j][i].Clone()
		}
	}
	return outputs, nil
}

// runCollectivePermute routes each source replica's operand to its target replica.
// Replicas that are no pair's target receive zeros. The group is always the full
// replica set, so rank equals replica id.
func runCollectivePermute(node *hlo.Node, group []int, inputs [][]*Buffer) ([][]*Buffer, error) {
	outShape := resultShapes(node)[0]
	outputs := make([][]*Buffer, len(group))
	for _, pair := range node.SourceTargetPairs() {
		outputs[pair[1]] = []*Buffer{inputs[pair[0]][0].Clone()}
	}
	for r := range outputs {
		if outputs[r] == nil {
			outputs[r] = []*Buffer{NewBufferZero(outShape)}
		}
	}
	return outputs, nil
}

// runCollectiveBroadcast copies the root's operand to every group member; the root
// is the group's first listed replica, always rank 0.
func runCollectiveBroadcast(group []int, inputs [][]*Buffer) ([][]*Buffer, error) {
	outputs := make([][]*Buffer, len(group))
	outputs[0] = []*Buffer{inputs[0][0].Clone()}
	for r := 1; r < len(group); r++ {
		outputs[r] = []*Buffer{inputs[0][0].Clone()}
	}
	return outputs, nil
}
