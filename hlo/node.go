// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package hlo

import (
	"fmt"
	"slices"

	"github.com/gomlx/collectives/types/shapes"
)

// Node in a replicated computation graph.
//
// Nodes live in the arena of their Computation and are addressed by a stable integer
// index. They are created through the Computation builder methods and become
// immutable once the Computation is frozen by Return.
type Node struct {
	comp *Computation
	idx  int

	opType OpType
	shape  shapes.Shape
	inputs []*Node

	// multiOutputsShapes are set for the few kinds yielding more than one value
	// (While, tuple-form AllToAll, multi-operand AllGather, AsyncDone of those).
	// For most nodes this is nil.
	multiOutputsShapes []shapes.Shape
	multiOutputsNodes  []*Node
	isSelectOutput     bool
	selectOutputIdx    int

	// Collective attributes; only set for collective kinds and AsyncStart.
	replicaGroups     [][]int
	channelID         int
	reduction         ReductionKind
	splitAxis         int
	sourceTargetPairs [][2]int

	// data holds the kind-specific payload: *parameterData, *constantData,
	// *computeData, *whileData or *asyncData.
	data any
}

type parameterData struct {
	name  string
	index int
}

type constantData struct {
	// flat is a slice of the Go type matching the node shape's DType, with
	// shape.Size() elements.
	flat any
}

type computeData struct {
	name    string
	payload any
}

type whileData struct {
	cond, body *Computation
	stateCount int
}

type asyncData struct {
	// wrapped is the collective kind this start/done pair stands for.
	wrapped OpType

	// resultShapes of the wrapped collective, delivered by the matching AsyncDone.
	resultShapes []shapes.Shape

	// forcedSync marks pairs of a kind disabled in the run config: the coordinator
	// schedules Done immediately after Start, leaving no overlap window.
	forcedSync bool

	// start is set on AsyncDone nodes only.
	start *Node
}

// Computation this node belongs to.
func (n *Node) Computation() *Computation { return n.comp }

// Idx is the stable index of the node in its Computation arena.
func (n *Node) Idx() int { return n.idx }

// OpType of the node.
func (n *Node) OpType() OpType { return n.opType }

// Shape of the node's (single) output. Multi-output nodes have an invalid shape;
// their values are addressed through MultiOutputs.
func (n *Node) Shape() shapes.Shape { return n.shape }

// NumInputs returns the number of operands.
func (n *Node) NumInputs() int { return len(n.inputs) }

// Input returns the i-th operand.
func (n *Node) Input(i int) *Node { return n.inputs[i] }

// Inputs returns a copy of the operand list.
func (n *Node) Inputs() []*Node { return slices.Clone(n.inputs) }

// IsMultiOutputs returns whether this node yields multiple outputs.
func (n *Node) IsMultiOutputs() bool { return len(n.multiOutputsShapes) > 0 }

// MultiOutputs returns the "select" nodes addressing each output of a multi-output
// node, in order. It returns nil for single-output nodes.
func (n *Node) MultiOutputs() []*Node { return slices.Clone(n.multiOutputsNodes) }

// IsSelectOutput returns whether this node selects one output of a multi-output node.
func (n *Node) IsSelectOutput() bool { return n.isSelectOutput }

// SelectOutputIdx returns which output of the source multi-output node this select
// node addresses.
func (n *Node) SelectOutputIdx() int { return n.selectOutputIdx }

// ReplicaGroups of a collective node (or AsyncStart). Empty means all replicas form
// one group.
func (n *Node) ReplicaGroups() [][]int { return n.replicaGroups }

// ChannelID correlating graph-level occurrences of a collective, 0 when unset.
func (n *Node) ChannelID() int { return n.channelID }

// Reduction operator of AllReduce, ReduceScatter and Combine nodes.
func (n *Node) Reduction() ReductionKind { return n.reduction }

// SplitAxis is the gather axis for AllGather, the scatter axis for ReduceScatter and
// the split axis for AllToAll (-1 for the tuple form).
func (n *Node) SplitAxis() int { return n.splitAxis }

// SourceTargetPairs of a CollectivePermute node.
func (n *Node) SourceTargetPairs() [][2]int { return n.sourceTargetPairs }

// ParameterName returns the name of a Parameter node.
func (n *Node) ParameterName() string { return n.data.(*parameterData).name }

// ParameterIndex returns the position of a Parameter node among the computation
// parameters.
func (n *Node) ParameterIndex() int { return n.data.(*parameterData).index }

// ConstantFlat returns the flat data of a Constant node. Callers must not mutate it.
func (n *Node) ConstantFlat() any { return n.data.(*constantData).flat }

// ComputeName returns the name identifying a Compute node for the evaluator.
func (n *Node) ComputeName() string { return n.data.(*computeData).name }

// ComputePayload returns the opaque payload handed to the evaluator.
func (n *Node) ComputePayload() any { return n.data.(*computeData).payload }

// WhileCond returns the condition subcomputation of a While node.
func (n *Node) WhileCond() *Computation { return n.data.(*whileData).cond }

// WhileBody returns the body subcomputation of a While node.
func (n *Node) WhileBody() *Computation { return n.data.(*whileData).body }

// WhileStateCount returns the number of state slots threaded through a While node.
func (n *Node) WhileStateCount() int { return n.data.(*whileData).stateCount }

// WrappedOp returns the collective kind an AsyncStart/AsyncDone pair stands for.
func (n *Node) WrappedOp() OpType { return n.data.(*asyncData).wrapped }

// ResultShapes returns the shapes delivered by the AsyncDone of this pair.
func (n *Node) ResultShapes() []shapes.Shape { return slices.Clone(n.data.(*asyncData).resultShapes) }

// ForcedSync returns whether the pair belongs to a kind whose async execution was
// disabled: Done is scheduled immediately after Start, numerics unchanged.
func (n *Node) ForcedSync() bool { return n.data.(*asyncData).forcedSync }

// AsyncStartNode returns the matching AsyncStart of an AsyncDone node.
func (n *Node) AsyncStartNode() *Node { return n.data.(*asyncData).start }

// String implements fmt.Stringer, for error messages and logs.
func (n *Node) String() string {
	if n == nil {
		return "Node(nil)"
	}
	return fmt.Sprintf("#%d:%s%s", n.idx, n.opType, n.shape)
}
