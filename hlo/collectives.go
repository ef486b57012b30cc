// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package hlo

import (
	"github.com/gomlx/exceptions"

	"github.com/gomlx/collectives/types/shapes"
)

// checkGroups panics when groups are malformed for this computation's replica
// count. It returns the common group size; when requireUniform is false and the
// group sizes differ, it returns -1.
func (c *Computation) checkGroups(op string, groups [][]int, requireUniform bool) int {
	if err := CheckReplicaGroups(groups, c.numReplicas); err != nil {
		exceptions.Panicf("%s: %s: %v", c.name, op, err)
	}
	if len(groups) == 0 {
		return c.numReplicas
	}
	size := len(groups[0])
	for _, group := range groups[1:] {
		if len(group) != size {
			if requireUniform {
				exceptions.Panicf("%s: %s requires all replica groups to have the same size, got %d and %d",
					c.name, op, size, len(group))
			}
			return -1
		}
	}
	return size
}

// AllReduce reduces the operand with the given operator across each replica group;
// every group member receives the identical reduced value. Reduction order is fixed
// ascending replica id, for reproducible numerics.
//
// channelID correlates graph-level occurrences of the same logical collective; pass
// 0 when unused.
func (c *Computation) AllReduce(x *Node, kind ReductionKind, groups [][]int, channelID int) *Node {
	c.checkNodes("AllReduce", x)
	c.checkGroups("AllReduce", groups, false)
	node := c.newNode(OpTypeAllReduce, x.shape.Clone(), x)
	node.reduction = kind
	node.replicaGroups = groups
	node.channelID = channelID
	return node
}

// AllGather concatenates the operands along the given axis across each replica
// group, ordered by ascending replica id. With more than one operand every operand
// is gathered independently (the operands may have different dtypes); it returns one
// node per operand.
func (c *Computation) AllGather(axis int, groups [][]int, channelID int, operands ...*Node) []*Node {
	c.checkNodes("AllGather", operands...)
	if len(operands) == 0 {
		exceptions.Panicf("%s: AllGather requires at least one operand", c.name)
	}
	groupSize := c.checkGroups("AllGather", groups, true)
	outputShapes := make([]shapes.Shape, len(operands))
	for i, x := range operands {
		if axis < 0 || axis >= x.shape.Rank() {
			exceptions.Panicf("%s: AllGather axis %d out-of-bounds for operand #%d with shape %s",
				c.name, axis, i, x.shape)
		}
		outputShapes[i] = x.shape.WithDim(axis, x.shape.Dim(axis)*groupSize)
	}
	if len(operands) == 1 {
		node := c.newNode(OpTypeAllGather, outputShapes[0], operands[0])
		node.splitAxis = axis
		node.replicaGroups = groups
		node.channelID = channelID
		return []*Node{node}
	}
	node := c.newMultiOutputsNode(OpTypeAllGather, outputShapes, operands...)
	node.splitAxis = axis
	node.replicaGroups = groups
	node.channelID = channelID
	return node.MultiOutputs()
}

// ReduceScatter reduces the operand across each replica group (same as AllReduce)
// and scatters the result: the member at rank r receives the r-th of groupSize equal
// shards along the given axis.
func (c *Computation) ReduceScatter(x *Node, kind ReductionKind, axis int, groups [][]int, channelID int) *Node {
	c.checkNodes("ReduceScatter", x)
	groupSize := c.checkGroups("ReduceScatter", groups, true)
	if axis < 0 || axis >= x.shape.Rank() {
		exceptions.Panicf("%s: ReduceScatter axis %d out-of-bounds for shape %s", c.name, axis, x.shape)
	}
	if x.shape.Dim(axis)%groupSize != 0 {
		exceptions.Panicf("%s: ReduceScatter axis %d (dimension %d) does not divide evenly by group size %d",
			c.name, axis, x.shape.Dim(axis), groupSize)
	}
	node := c.newNode(OpTypeReduceScatter, x.shape.WithDim(axis, x.shape.Dim(axis)/groupSize), x)
	node.reduction = kind
	node.splitAxis = axis
	node.replicaGroups = groups
	node.channelID = channelID
	return node
}

// AllToAll splits the operand into groupSize equal chunks along splitAxis and
// transposes the chunks across the group: the member at rank r receives chunk r from
// every peer, concatenated in ascending peer-rank order. The output shape equals the
// input shape.
func (c *Computation) AllToAll(x *Node, splitAxis int, groups [][]int, channelID int) *Node {
	c.checkNodes("AllToAll", x)
	groupSize := c.checkGroups("AllToAll", groups, true)
	if splitAxis < 0 || splitAxis >= x.shape.Rank() {
		exceptions.Panicf("%s: AllToAll split axis %d out-of-bounds for shape %s", c.name, splitAxis, x.shape)
	}
	if x.shape.Dim(splitAxis)%groupSize != 0 {
		exceptions.Panicf("%s: AllToAll split axis %d (dimension %d) does not divide evenly by group size %d",
			c.name, splitAxis, x.shape.Dim(splitAxis), groupSize)
	}
	node := c.newNode(OpTypeAllToAll, x.shape.Clone(), x)
	node.splitAxis = splitAxis
	node.replicaGroups = groups
	node.channelID = channelID
	return node
}

// AllToAllTuple is the tuple form of AllToAll: each member supplies groupSize
// operands of identical shape; the member at rank i's j-th output is the operand i
// supplied by the member at rank j. It returns one node per operand.
func (c *Computation) AllToAllTuple(operands []*Node, groups [][]int, channelID int) []*Node {
	c.checkNodes("AllToAllTuple", operands...)
	groupSize := c.checkGroups("AllToAllTuple", groups, true)
	if len(operands) != groupSize {
		exceptions.Panicf("%s: AllToAllTuple requires one operand per group member, got %d operands for group size %d",
			c.name, len(operands), groupSize)
	}
	outputShapes := make([]shapes.Shape, len(operands))
	for i, x := range operands {
		if !x.shape.Equal(operands[0].shape) {
			exceptions.Panicf("%s: AllToAllTuple operands must have identical shapes, operand #%d is %s, operand #0 is %s",
				c.name, i, x.shape, operands[0].shape)
		}
		outputShapes[i] = x.shape.Clone()
	}
	node := c.newMultiOutputsNode(OpTypeAllToAll, outputShapes, operands...)
	node.splitAxis = -1
	node.replicaGroups = groups
	node.channelID = channelID
	return node.MultiOutputs()
}

// CollectivePermute sends each replica's operand according to the (source, target)
// pairs: for each pair, the target replica's output is the source replica's input. A
// replica that appears in no pair as a target receives an all-zero value of the
// operand shape.
func (c *Computation) CollectivePermute(x *Node, sourceTargetPairs [][2]int) *Node {
	c.checkNodes("CollectivePermute", x)
	seenTarget := make(map[int]bool, len(sourceTargetPairs))
	for _, pair := range sourceTargetPairs {
		source, target := pair[0], pair[1]
		if source < 0 || source >= c.numReplicas || target < 0 || target >= c.numReplicas {
			exceptions.Panicf("%s: CollectivePermute pair (%d, %d) out of the replica range [0, %d)",
				c.name, source, target, c.numReplicas)
		}
		if seenTarget[target] {
			exceptions.Panicf("%s: CollectivePermute has replica %d as target more than once", c.name, target)
		}
		seenTarget[target] = true
	}
	node := c.newNode(OpTypeCollectivePermute, x.shape.Clone(), x)
	node.sourceTargetPairs = sourceTargetPairs
	return node
}

// CollectiveBroadcast broadcasts the value of each group's root -- the first listed
// replica id -- to all group members. Replicas not included in any group receive an
// all-zero value of the operand shape. Unlike the other collectives, the groups do
// not have to cover the full replica set.
func (c *Computation) CollectiveBroadcast(x *Node, groups [][]int) *Node {
	c.checkNodes("CollectiveBroadcast", x)
	seen := make(map[int]bool)
	for g, group := range groups {
		if len(group) == 0 {
			exceptions.Panicf("%s: CollectiveBroadcast group #%d is empty", c.name, g)
		}
		for _, replica := range group {
			if replica < 0 || replica >= c.numReplicas {
				exceptions.Panicf("%s: CollectiveBroadcast group #%d includes replica %d, valid range is [0, %d)",
					c.name, g, replica, c.numReplicas)
			}
			if seen[replica] {
				exceptions.Panicf("%s: CollectiveBroadcast has replica %d in more than one group", c.name, replica)
			}
			seen[replica] = true
		}
	}
	node := c.newNode(OpTypeCollectiveBroadcast, x.shape.Clone(), x)
	node.replicaGroups = groups
	return node
}
