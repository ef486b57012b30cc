// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package hlo models the replicated computation graph consumed by the executor.
//
// A Computation is an arena of Nodes in dependency order: nodes are only created
// after their inputs, so the arena order is a valid topological order and the
// executor relies on that invariance. Graph rewrites (see the rewrites package)
// never mutate a frozen Computation: they produce a new arena instead, avoiding the
// aliasing hazards of in-place pointer surgery.
//
// The graph is deliberately small: besides the six collective kinds, only the node
// kinds the coordination layer has to understand natively are modeled (Parameter,
// Constant, ReplicaID, Combine, While and the AsyncStart/AsyncDone pair). All other
// local compute is an opaque Compute node evaluated through a callback, so parsing
// and local kernels stay external collaborators.
package hlo

import (
	"reflect"
	"slices"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"

	"github.com/gomlx/collectives/types/shapes"
)

// Computation holds the arena of nodes of one replicated program (or of a While
// condition/body).
//
// Build nodes with the builder methods, then freeze with Return. A frozen
// Computation is immutable and safe to share across replica goroutines.
type Computation struct {
	name        string
	numReplicas int
	frozen      bool

	// nodes are only created when their inputs already exist, so the arena is a
	// natural DAG ordering of the graph. The executor relies on this invariance.
	nodes []*Node

	params  []*Node
	outputs []*Node
}

// New creates an empty Computation for the given number of replicas.
//
// The replica count is part of the program: collective shape inference (e.g. the
// AllGather output dimension) depends on it.
func New(name string, numReplicas int) *Computation {
	if numReplicas <= 0 {
		exceptions.Panicf("hlo.New(%q): numReplicas must be > 0, got %d", name, numReplicas)
	}
	return &Computation{name: name, numReplicas: numReplicas}
}

// Name of the computation.
func (c *Computation) Name() string { return c.name }

// NumReplicas the computation was built for.
func (c *Computation) NumReplicas() int { return c.numReplicas }

// IsFrozen returns whether Return has been called.
func (c *Computation) IsFrozen() bool { return c.frozen }

// NumNodes in the arena.
func (c *Computation) NumNodes() int { return len(c.nodes) }

// Node returns the arena node at the given index.
func (c *Computation) Node(idx int) *Node { return c.nodes[idx] }

// Parameters returns the parameter nodes in declaration order.
func (c *Computation) Parameters() []*Node { return slices.Clone(c.params) }

// Outputs returns the output nodes set by Return.
func (c *Computation) Outputs() []*Node { return slices.Clone(c.outputs) }

// Return freezes the computation with the given outputs.
func (c *Computation) Return(outputs ...*Node) {
	c.checkNodes("Return", outputs...)
	if len(outputs) == 0 {
		exceptions.Panicf("%s: Return requires at least one output", c.name)
	}
	for _, node := range outputs {
		if node.IsMultiOutputs() {
			exceptions.Panicf("%s: node %s is internal (with multiple outputs) and cannot be used as output",
				c.name, node)
		}
	}
	c.outputs = slices.Clone(outputs)
	c.frozen = true
}

// newNode adds a new node of the given opType and shape to the arena.
// It's used by the builder methods when creating new nodes.
func (c *Computation) newNode(opType OpType, shape shapes.Shape, inputs ...*Node) *Node {
	n := &Node{
		comp:   c,
		idx:    len(c.nodes),
		opType: opType,
		shape:  shape,
		inputs: slices.Clone(inputs),
	}
	c.nodes = append(c.nodes, n)
	return n
}

// newMultiOutputsNode creates the multi-outputs node, and its "select nodes", one
// per output. node.multiOutputsNodes is set with the individual outputs.
func (c *Computation) newMultiOutputsNode(opType OpType, outputShapes []shapes.Shape, inputs ...*Node) *Node {
	node := c.newNode(opType, shapes.Invalid(), inputs...)
	node.multiOutputsShapes = slices.Clone(outputShapes)
	node.multiOutputsNodes = make([]*Node, len(outputShapes))
	for idx, shape := range outputShapes {
		node.multiOutputsNodes[idx] = &Node{
			comp:            c,
			idx:             len(c.nodes),
			opType:          opType,
			shape:           shape,
			inputs:          []*Node{node},
			isSelectOutput:  true,
			selectOutputIdx: idx,
		}
		c.nodes = append(c.nodes, node.multiOutputsNodes[idx])
	}
	return node
}

// checkNodes validates that the nodes belong to this computation and that the
// computation is not yet frozen.
func (c *Computation) checkNodes(op string, nodes ...*Node) {
	if c == nil {
		exceptions.Panicf("%s: Computation is nil (!?), cannot build a graph", op)
	}
	if c.frozen {
		exceptions.Panicf("cannot add new op (%s) to computation %q, it has already been frozen by Return", op, c.name)
	}
	for idx, node := range nodes {
		if node == nil {
			exceptions.Panicf("%s: input node #%d is nil!?", op, idx)
		}
		if node.comp != c {
			exceptions.Panicf("%s: input node #%d was created on a different computation (%q), cannot use it with %q",
				op, idx, node.comp.name, c.name)
		}
	}
}

// Parameter creates an input to the computation, fed at execution time.
func (c *Computation) Parameter(name string, shape shapes.Shape) *Node {
	c.checkNodes("Parameter")
	if !shape.Ok() {
		exceptions.Panicf("%s: Parameter %q requires a valid shape", c.name, name)
	}
	node := c.newNode(OpTypeParameter, shape)
	node.data = &parameterData{name: name, index: len(c.params)}
	c.params = append(c.params, node)
	return node
}

// Constant creates a constant node from the flat values and dimensions given.
// flat must be a slice of a Go type with a corresponding dtype, with exactly the
// number of elements given by the dimensions.
func (c *Computation) Constant(flat any, dimensions ...int) *Node {
	c.checkNodes("Constant")
	dtype, numElements := checkFlat(flat)
	shape := shapes.Make(dtype, dimensions...)
	if numElements != shape.Size() {
		exceptions.Panicf("%s: Constant flat has %d elements, shape %s requires %d",
			c.name, numElements, shape, shape.Size())
	}
	node := c.newNode(OpTypeConstant, shape)
	node.data = &constantData{flat: flat}
	return node
}

// ReplicaID creates the node yielding the executing replica's id, a Uint32 scalar.
func (c *Computation) ReplicaID() *Node {
	c.checkNodes("ReplicaID")
	return c.newNode(OpTypeReplicaID, shapes.Make(dtypes.Uint32))
}

// Combine creates a node applying the reduction operator elementwise over two
// operands. One of the operands may be a scalar, in which case it is broadcast.
//
// The loop-hoisting rewrite emits Combine nodes; they are also convenient to build
// accumulations without going through the external evaluator.
func (c *Computation) Combine(kind ReductionKind, lhs, rhs *Node) *Node {
	c.checkNodes("Combine", lhs, rhs)
	if lhs.shape.DType != rhs.shape.DType {
		exceptions.Panicf("%s: Combine(%s) operands must have the same dtype, got %s and %s",
			c.name, kind, lhs.shape, rhs.shape)
	}
	shape := lhs.shape
	if lhs.shape.IsScalar() {
		shape = rhs.shape
	} else if !rhs.shape.IsScalar() && !lhs.shape.Equal(rhs.shape) {
		exceptions.Panicf("%s: Combine(%s) operands must have equal shapes (or one scalar), got %s and %s",
			c.name, kind, lhs.shape, rhs.shape)
	}
	node := c.newNode(OpTypeCombine, shape.Clone(), lhs, rhs)
	node.reduction = kind
	return node
}

// Compute creates an opaque local-compute node, evaluated by the external
// evaluator callback. name identifies the operation for the evaluator; payload is
// handed to it untouched; shape is the declared output shape.
func (c *Computation) Compute(name string, payload any, shape shapes.Shape, inputs ...*Node) *Node {
	c.checkNodes("Compute:"+name, inputs...)
	if !shape.Ok() {
		exceptions.Panicf("%s: Compute %q requires a valid output shape", c.name, name)
	}
	node := c.newNode(OpTypeCompute, shape, inputs...)
	node.data = &computeData{name: name, payload: payload}
	return node
}

// While creates a loop node. cond and body are frozen sub-computations whose
// parameters match the shapes of the initial state; cond must return a single Bool
// scalar; body must return one value per state slot, with unchanged shapes.
//
// It returns one node per state slot with the loop's final state.
func (c *Computation) While(cond, body *Computation, initialState ...*Node) []*Node {
	c.checkNodes("While", initialState...)
	if len(initialState) == 0 {
		exceptions.Panicf("%s: While requires at least one state slot", c.name)
	}
	stateShapes := make([]shapes.Shape, len(initialState))
	for i, node := range initialState {
		stateShapes[i] = node.shape
	}
	checkSubComputation(c, "While condition", cond, stateShapes)
	checkSubComputation(c, "While body", body, stateShapes)
	if len(cond.outputs) != 1 || !cond.outputs[0].shape.Equal(shapes.Make(dtypes.Bool)) {
		exceptions.Panicf("%s: While condition %q must return a single Bool scalar", c.name, cond.name)
	}
	if len(body.outputs) != len(initialState) {
		exceptions.Panicf("%s: While body %q returns %d values, state has %d slots",
			c.name, body.name, len(body.outputs), len(initialState))
	}
	for i, out := range body.outputs {
		if !out.shape.Equal(stateShapes[i]) {
			exceptions.Panicf("%s: While body %q returns shape %s for state slot #%d, expected %s",
				c.name, body.name, out.shape, i, stateShapes[i])
		}
	}
	node := c.newMultiOutputsNode(OpTypeWhile, stateShapes, initialState...)
	node.data = &whileData{cond: cond, body: body, stateCount: len(initialState)}
	return node.MultiOutputs()
}

// checkSubComputation validates a While condition or body against the loop state.
func checkSubComputation(c *Computation, what string, sub *Computation, stateShapes []shapes.Shape) {
	if sub == nil || !sub.frozen {
		exceptions.Panicf("%s: %s must be a frozen computation", c.name, what)
	}
	if sub.numReplicas != c.numReplicas {
		exceptions.Panicf("%s: %s %q was built for %d replicas, parent has %d",
			c.name, what, sub.name, sub.numReplicas, c.numReplicas)
	}
	if len(sub.params) != len(stateShapes) {
		exceptions.Panicf("%s: %s %q takes %d parameters, state has %d slots",
			c.name, what, sub.name, len(sub.params), len(stateShapes))
	}
	for i, param := range sub.params {
		if !param.shape.Equal(stateShapes[i]) {
			exceptions.Panicf("%s: %s %q parameter #%d has shape %s, state slot has %s",
				c.name, what, sub.name, i, param.shape, stateShapes[i])
		}
	}
}

// checkFlat panics if flat is not a slice of one of the supported dtypes.
// It returns the dtype and the length of the flat slice.
func checkFlat(flat any) (dtypes.DType, int) {
	flatType := reflect.TypeOf(flat)
	if flatType.Kind() != reflect.Slice {
		exceptions.Panicf("flat data should be a slice, not %s", flatType.Kind())
	}
	dtype := dtypes.FromGoType(flatType.Elem())
	if dtype == dtypes.InvalidDType {
		exceptions.Panicf("flat is a slice of %s, not a valid data type", flatType.Elem())
	}
	return dtype, reflect.ValueOf(flat).Len()
}

// CheckReplicaGroups validates that groups either is empty (all replicas form one
// group) or partitions [0, numReplicas) with no overlaps.
func CheckReplicaGroups(groups [][]int, numReplicas int) error {
	if len(groups) == 0 {
		return nil
	}
	seen := make([]bool, numReplicas)
	total := 0
	for g, group := range groups {
		if len(group) == 0 {
			return errors.Errorf("replica group #%d is empty", g)
		}
		for _, replica := range group {
			if replica < 0 || replica >= numReplicas {
				return errors.Errorf("replica group #%d includes replica %d, valid range is [0, %d)",
					g, replica, numReplicas)
			}
			if seen[replica] {
				return errors.Errorf("replica %d appears in more than one replica group", replica)
			}
			seen[replica] = true
			total++
		}
	}
	if total != numReplicas {
		return errors.Errorf("replica groups cover %d replicas, the full replica set has %d "+
			"(groups must partition all replicas or be empty)", total, numReplicas)
	}
	return nil
}
