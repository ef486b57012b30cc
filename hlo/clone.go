// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package hlo

import (
	"slices"

	"github.com/gomlx/exceptions"

	"github.com/gomlx/collectives/types/shapes"
)

// This file holds the building blocks the rewrite passes use to produce a new
// Computation from a frozen one: node-by-node import (CloneNode) and construction of
// the split-phase AsyncStart/AsyncDone pair. Passes copy arenas, they never mutate a
// frozen graph.

// CloneNode imports src (a node of any computation) into c, with the given operands
// replacing src's operands. All kind-specific attributes are carried over; the
// kind-specific payloads are shared, they are immutable once the source is frozen.
//
// src must not be a select-output node: multi-output nodes are cloned through their
// main node and the clone's MultiOutputs() addresses the individual values.
func (c *Computation) CloneNode(src *Node, inputs []*Node) *Node {
	c.checkNodes("CloneNode", inputs...)
	if src == nil {
		exceptions.Panicf("%s: CloneNode of nil node", c.name)
	}
	if src.isSelectOutput {
		exceptions.Panicf("%s: CloneNode of select-output node %s; clone its multi-output source instead",
			c.name, src)
	}
	if len(inputs) != len(src.inputs) {
		exceptions.Panicf("%s: CloneNode of %s given %d operands, source has %d",
			c.name, src, len(inputs), len(src.inputs))
	}

	var node *Node
	if src.IsMultiOutputs() {
		node = c.newMultiOutputsNode(src.opType, src.multiOutputsShapes, inputs...)
	} else {
		node = c.newNode(src.opType, src.shape.Clone(), inputs...)
	}
	node.replicaGroups = src.replicaGroups
	node.channelID = src.channelID
	node.reduction = src.reduction
	node.splitAxis = src.splitAxis
	node.sourceTargetPairs = src.sourceTargetPairs
	node.data = src.data
	switch src.opType {
	case OpTypeParameter:
		// Parameters keep their declaration order in the new arena.
		node.data = &parameterData{name: src.ParameterName(), index: len(c.params)}
		c.params = append(c.params, node)
	case OpTypeAsyncDone:
		// Re-pair the done with the imported start (its first operand).
		srcData := src.data.(*asyncData)
		node.data = &asyncData{
			wrapped:      srcData.wrapped,
			resultShapes: srcData.resultShapes,
			forcedSync:   srcData.forcedSync,
			start:        inputs[0],
		}
	}
	return node
}

// AsyncStart creates the non-blocking issue half of the split-phase rendition of the
// given collective. The node consumes the collective's operands and yields an opaque
// in-flight handle; it never blocks the issuing replica.
//
// collective provides the kind and attributes; it may belong to another (source)
// computation. forcedSync marks a pair whose kind had async execution disabled: the
// coordinator schedules the matching Done immediately after Start.
func (c *Computation) AsyncStart(collective *Node, inputs []*Node, forcedSync bool) *Node {
	c.checkNodes("AsyncStart", inputs...)
	if !collective.opType.IsCollective() {
		exceptions.Panicf("%s: AsyncStart of non-collective node %s", c.name, collective)
	}
	var resultShapes []shapes.Shape
	if collective.IsMultiOutputs() {
		resultShapes = slices.Clone(collective.multiOutputsShapes)
	} else {
		resultShapes = []shapes.Shape{collective.shape.Clone()}
	}
	node := c.newNode(OpTypeAsyncStart, shapes.Invalid(), inputs...)
	node.replicaGroups = collective.replicaGroups
	node.channelID = collective.channelID
	node.reduction = collective.reduction
	node.splitAxis = collective.splitAxis
	node.sourceTargetPairs = collective.sourceTargetPairs
	node.data = &asyncData{
		wrapped:      collective.opType,
		resultShapes: resultShapes,
		forcedSync:   forcedSync,
	}
	return node
}

// AsyncDone creates the blocking completion half matching the given AsyncStart. It
// consumes the in-flight handle and yields the collective's results, one node per
// result.
func (c *Computation) AsyncDone(start *Node) []*Node {
	c.checkNodes("AsyncDone", start)
	if start.opType != OpTypeAsyncStart {
		exceptions.Panicf("%s: AsyncDone requires an AsyncStart operand, got %s", c.name, start)
	}
	startData := start.data.(*asyncData)
	data := &asyncData{
		wrapped:      startData.wrapped,
		resultShapes: startData.resultShapes,
		forcedSync:   startData.forcedSync,
		start:        start,
	}
	if len(startData.resultShapes) == 1 {
		node := c.newNode(OpTypeAsyncDone, startData.resultShapes[0].Clone(), start)
		node.data = data
		return []*Node{node}
	}
	node := c.newMultiOutputsNode(OpTypeAsyncDone, startData.resultShapes, start)
	node.data = data
	return node.MultiOutputs()
}
