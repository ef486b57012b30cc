// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package rewrites holds the graph-to-graph passes run before execution: Asyncify,
// which converts synchronous collectives into split-phase (start/done) pairs, and
// HoistLoopCollectives, which moves reduction collectives out of while loops when
// the accumulation is algebraically equivalent to a single post-loop collective.
//
// Passes never mutate their input: they produce a new Computation arena, so a frozen
// graph stays shareable across replica goroutines and across runs.
package rewrites

import (
	"k8s.io/klog/v2"

	"github.com/gomlx/collectives/hlo"
	"github.com/gomlx/collectives/types"
)

// Asyncify converts every collective node of comp (including those inside While
// condition/body computations) into an AsyncStart/AsyncDone pair.
//
// Start takes the collective's graph position and never blocks; Done is inserted
// immediately before the collective's first consumer (or at the very end when the
// collective result is unused), preserving producer-before-Start and
// consumer-after-Done ordering. The window between the two is the overlap the
// coordinator can fill with unrelated work.
//
// Kinds listed in disabled still get a Start/Done pair, but the pair is marked
// forced-sync: the coordinator schedules Done immediately after Start, so only the
// schedule changes, never the numerics.
func Asyncify(comp *hlo.Computation, disabled types.Set[hlo.OpType]) *hlo.Computation {
	out := hlo.New(comp.Name(), comp.NumReplicas())
	mapped := make([]*hlo.Node, comp.NumNodes())

	// pending maps a source collective to its already-emitted AsyncStart, while its
	// AsyncDone placement waits for the first consumer.
	pending := make(map[*hlo.Node]*hlo.Node)

	// emitDone materializes the AsyncDone for the given source collective and maps
	// the source's value(s) to the done's output(s).
	emitDone := func(src *hlo.Node) {
		start := pending[src]
		delete(pending, src)
		done := out.AsyncDone(start)
		if src.IsMultiOutputs() {
			for i, sel := range src.MultiOutputs() {
				mapped[sel.Idx()] = done[i]
			}
		} else {
			mapped[src.Idx()] = done[0]
		}
	}

	// resolve returns the new-arena value for a source operand, emitting the
	// AsyncDone of an in-flight collective at its first consumer.
	resolve := func(src *hlo.Node) *hlo.Node {
		if n := mapped[src.Idx()]; n != nil {
			return n
		}
		main := src
		if src.IsSelectOutput() {
			main = src.Input(0)
		}
		if _, inFlight := pending[main]; inFlight {
			emitDone(main)
		}
		return mapped[src.Idx()]
	}

	for idx := range comp.NumNodes() {
		node := comp.Node(idx)
		if node.IsSelectOutput() {
			// Mapped together with its multi-output source.
			continue
		}
		newInputs := make([]*hlo.Node, node.NumInputs())
		for i := range newInputs {
			newInputs[i] = resolve(node.Input(i))
		}

		switch {
		case node.OpType() == hlo.OpTypeWhile:
			// Collectives inside the loop overlap within an iteration.
			condNew := Asyncify(node.WhileCond(), disabled)
			bodyNew := Asyncify(node.WhileBody(), disabled)
			selects := out.While(condNew, bodyNew, newInputs...)
			for i, sel := range node.MultiOutputs() {
				mapped[sel.Idx()] = selects[i]
			}

		case node.OpType().IsCollective():
			forcedSync := disabled.Has(node.OpType())
			pending[node] = out.AsyncStart(node, newInputs, forcedSync)
			if forcedSync {
				emitDone(node)
			}

		default:
			newNode := out.CloneNode(node, newInputs)
			mapped[node.Idx()] = newNode
			if node.IsMultiOutputs() {
				newSelects := newNode.MultiOutputs()
				for i, sel := range node.MultiOutputs() {
					mapped[sel.Idx()] = newSelects[i]
				}
			}
		}
	}

	outputs := make([]*hlo.Node, 0, len(comp.Outputs()))
	for _, src := range comp.Outputs() {
		outputs = append(outputs, resolve(src))
	}

	// Collectives nothing consumes still rendezvous: their Done goes at the end, so
	// the per-replica instance counts stay mirrored.
	for idx := range comp.NumNodes() {
		node := comp.Node(idx)
		if _, inFlight := pending[node]; inFlight {
			emitDone(node)
		}
	}

	out.Return(outputs...)
	if klog.V(2).Enabled() {
		klog.Infof("Asyncify(%s): %d nodes -> %d nodes", comp.Name(), comp.NumNodes(), out.NumNodes())
	}
	return out
}
