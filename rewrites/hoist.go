// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package rewrites

import (
	"math"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"github.com/x448/float16"
	"k8s.io/klog/v2"

	"github.com/gomlx/collectives/hlo"
	"github.com/gomlx/collectives/types/shapes"
)

// errHoistIneligible is internal only: an ineligible loop silently falls back to its
// unmodified form, the error is never surfaced to callers.
var errHoistIneligible = errors.New("loop collective not eligible for hoisting")

// HoistLoopCollectives moves reduction collectives (AllReduce, ReduceScatter) out of
// While loops when the per-iteration accumulation is algebraically equivalent to a
// single post-loop collective: fold(op, collective(x_i)) == collective(fold(op, x_i))
// for any associative and commutative op, since the collective itself folds with the
// same operator across replicas.
//
// A body collective C with operator op is eligible when C's result feeds exactly one
// accumulator state slot through a Combine(op) with no other consumer, the
// accumulator slot is read nowhere else in the body, and the loop condition does not
// read the accumulator slot. The rewrite threads a new state slot, seeded with op's
// identity element, that folds C's operand each iteration; after the loop C runs
// once over the folded operand and is combined with the accumulator's untouched
// initial threading. Nested loops are processed innermost first.
//
// Ineligible loops are left byte-for-byte unchanged; eligibility failures are never
// surfaced, only logged at high verbosity.
func HoistLoopCollectives(comp *hlo.Computation) *hlo.Computation {
	out := hlo.New(comp.Name(), comp.NumReplicas())
	mapped := make([]*hlo.Node, comp.NumNodes())

	for idx := range comp.NumNodes() {
		node := comp.Node(idx)
		if node.IsSelectOutput() {
			continue
		}
		newInputs := make([]*hlo.Node, node.NumInputs())
		for i := range newInputs {
			newInputs[i] = mapped[node.Input(i).Idx()]
		}

		if node.OpType() != hlo.OpTypeWhile {
			newNode := out.CloneNode(node, newInputs)
			mapped[node.Idx()] = newNode
			if node.IsMultiOutputs() {
				newSelects := newNode.MultiOutputs()
				for i, sel := range node.MultiOutputs() {
					mapped[sel.Idx()] = newSelects[i]
				}
			}
			continue
		}

		finals := hoistWhile(out, node, newInputs)
		for i, sel := range node.MultiOutputs() {
			mapped[sel.Idx()] = finals[i]
		}
	}

	outputs := make([]*hlo.Node, 0, len(comp.Outputs()))
	for _, src := range comp.Outputs() {
		outputs = append(outputs, mapped[src.Idx()])
	}
	out.Return(outputs...)
	return out
}

// hoistPlan records one hoisted collective of a loop: which state slot accumulated
// its result, which appended slot now folds its operand, and the collective template
// to replay after the loop.
type hoistPlan struct {
	collective *hlo.Node
	kind       hlo.ReductionKind
	accSlot    int
	inputSlot  int
}

// hoistWhile emits the (possibly rewritten) While for node into out and returns the
// final value per original state slot.
func hoistWhile(out *hlo.Computation, node *hlo.Node, initials []*hlo.Node) []*hlo.Node {
	// Innermost loops first.
	cond := HoistLoopCollectives(node.WhileCond())
	body := HoistLoopCollectives(node.WhileBody())
	origStateCount := node.WhileStateCount()

	var plans []hoistPlan
	for {
		plan, newCond, newBody, err := hoistOne(cond, body)
		if err != nil {
			if klog.V(2).Enabled() && len(plans) == 0 {
				klog.Infof("HoistLoopCollectives(%s): %v", body.Name(), err)
			}
			break
		}
		cond, body = newCond, newBody
		plans = append(plans, plan)
		klog.V(1).Infof("HoistLoopCollectives(%s): hoisted %s (operator %s) past the loop",
			body.Name(), plan.collective.OpType(), plan.kind)
	}

	for _, plan := range plans {
		operandShape := plan.collective.Input(0).Shape()
		flat, err := identityFlat(plan.kind, operandShape)
		if err != nil {
			// identityFlat was already consulted during eligibility; this is a bug.
			panic(err)
		}
		initials = append(initials, out.Constant(flat, operandShape.Dimensions...))
	}

	selects := out.While(cond, body, initials...)
	finals := selects[:origStateCount]
	for _, plan := range plans {
		hoisted := out.CloneNode(plan.collective, []*hlo.Node{selects[plan.inputSlot]})
		finals[plan.accSlot] = out.Combine(plan.kind, selects[plan.accSlot], hoisted)
	}
	return finals
}

// hoistOne finds the first eligible collective in body and returns the rewritten
// condition/body pair with one appended state slot. It returns errHoistIneligible
// (wrapped with the reason) when no candidate qualifies.
func hoistOne(cond, body *hlo.Computation) (hoistPlan, *hlo.Computation, *hlo.Computation, error) {
	consumers := consumersOf(body)
	outputs := body.Outputs()
	outputUses := make(map[*hlo.Node]int)
	for _, o := range outputs {
		outputUses[o]++
	}

	var firstErr error
	note := func(c *hlo.Node, format string, args ...any) {
		if firstErr == nil {
			firstErr = errors.WithMessagef(errHoistIneligible, "%s: "+format, append([]any{c}, args...)...)
		}
	}

	for idx := range body.NumNodes() {
		c := body.Node(idx)
		if c.IsSelectOutput() || (c.OpType() != hlo.OpTypeAllReduce && c.OpType() != hlo.OpTypeReduceScatter) {
			continue
		}
		if outputUses[c] > 0 {
			note(c, "collective result is a loop output")
			continue
		}
		if len(consumers[c]) != 1 {
			note(c, "collective result has %d consumers, need exactly one accumulation", len(consumers[c]))
			continue
		}
		k := consumers[c][0]
		if k.OpType() != hlo.OpTypeCombine || k.Reduction() != c.Reduction() {
			note(c, "single consumer %s is not a Combine with the collective's operator %s", k, c.Reduction())
			continue
		}
		p := k.Input(0)
		if p == c {
			p = k.Input(1)
		}
		if p.OpType() != hlo.OpTypeParameter || !p.Shape().Equal(c.Shape()) {
			note(c, "accumulation does not fold into a matching state slot")
			continue
		}
		if len(consumers[p]) != 1 || outputUses[p] > 0 {
			note(c, "accumulator slot %q is read elsewhere in the loop body", p.ParameterName())
			continue
		}
		accSlot := p.ParameterIndex()
		if outputs[accSlot] != k || outputUses[k] != 1 || len(consumers[k]) != 0 {
			note(c, "accumulation is not threaded straight back into state slot #%d", accSlot)
			continue
		}
		condConsumers := consumersOf(cond)
		condParam := cond.Parameters()[accSlot]
		if len(condConsumers[condParam]) != 0 || condIsOutput(cond, condParam) {
			note(c, "loop condition reads the accumulator slot #%d", accSlot)
			continue
		}
		if _, err := identityFlat(c.Reduction(), c.Input(0).Shape()); err != nil {
			note(c, "%v", err)
			continue
		}

		newCond := appendIgnoredParam(cond, c.Input(0).Shape())
		newBody := rewriteBody(body, c, k, p)
		return hoistPlan{
			collective: c,
			kind:       c.Reduction(),
			accSlot:    accSlot,
			inputSlot:  len(outputs),
		}, newCond, newBody, nil
	}

	if firstErr == nil {
		firstErr = errors.WithMessage(errHoistIneligible, "no reduction collective in loop body")
	}
	return hoistPlan{}, nil, nil, firstErr
}

// rewriteBody clones body dropping the collective c and its accumulation k: the
// accumulator slot p threads through unchanged and a new appended slot folds c's
// operand with the same operator each iteration.
func rewriteBody(body *hlo.Computation, c, k, p *hlo.Node) *hlo.Computation {
	out := hlo.New(body.Name(), body.NumReplicas())
	mapped := make([]*hlo.Node, body.NumNodes())
	for idx := range body.NumNodes() {
		node := body.Node(idx)
		if node.IsSelectOutput() || node == c || node == k {
			continue
		}
		newInputs := make([]*hlo.Node, node.NumInputs())
		for i := range newInputs {
			newInputs[i] = mapped[node.Input(i).Idx()]
		}
		newNode := out.CloneNode(node, newInputs)
		mapped[node.Idx()] = newNode
		if node.IsMultiOutputs() {
			newSelects := newNode.MultiOutputs()
			for i, sel := range node.MultiOutputs() {
				mapped[sel.Idx()] = newSelects[i]
			}
		}
	}
	// The accumulation k is replaced by the untouched slot threading.
	mapped[k.Idx()] = mapped[p.Idx()]

	foldParam := out.Parameter("hoist_fold", c.Input(0).Shape())
	fold := out.Combine(c.Reduction(), foldParam, mapped[c.Input(0).Idx()])

	outputs := make([]*hlo.Node, 0, len(body.Outputs())+1)
	for _, o := range body.Outputs() {
		outputs = append(outputs, mapped[o.Idx()])
	}
	outputs = append(outputs, fold)
	out.Return(outputs...)
	return out
}

// appendIgnoredParam clones cond with one extra, unused trailing parameter, keeping
// its parameter list aligned with the rewritten state.
func appendIgnoredParam(cond *hlo.Computation, shape shapes.Shape) *hlo.Computation {
	out := hlo.New(cond.Name(), cond.NumReplicas())
	mapped := make([]*hlo.Node, cond.NumNodes())
	for idx := range cond.NumNodes() {
		node := cond.Node(idx)
		if node.IsSelectOutput() {
			continue
		}
		newInputs := make([]*hlo.Node, node.NumInputs())
		for i := range newInputs {
			newInputs[i] = mapped[node.Input(i).Idx()]
		}
		newNode := out.CloneNode(node, newInputs)
		mapped[node.Idx()] = newNode
		if node.IsMultiOutputs() {
			newSelects := newNode.MultiOutputs()
			for i, sel := range node.MultiOutputs() {
				mapped[sel.Idx()] = newSelects[i]
			}
		}
	}
	out.Parameter("hoist_fold", shape)
	outputs := make([]*hlo.Node, 0, len(cond.Outputs()))
	for _, o := range cond.Outputs() {
		outputs = append(outputs, mapped[o.Idx()])
	}
	out.Return(outputs...)
	return out
}

// consumersOf returns, for each node of comp, the nodes consuming it as an operand.
// Select-output nodes are folded into their multi-output source.
func consumersOf(comp *hlo.Computation) map[*hlo.Node][]*hlo.Node {
	consumers := make(map[*hlo.Node][]*hlo.Node)
	for idx := range comp.NumNodes() {
		node := comp.Node(idx)
		if node.IsSelectOutput() {
			continue
		}
		for i := range node.NumInputs() {
			input := node.Input(i)
			if input.IsSelectOutput() {
				input = input.Input(0)
			}
			consumers[input] = append(consumers[input], node)
		}
	}
	return consumers
}

// condIsOutput reports whether the node is returned by the computation.
func condIsOutput(comp *hlo.Computation, node *hlo.Node) bool {
	for _, o := range comp.Outputs() {
		if o == node {
			return true
		}
	}
	return false
}

// identityFlat builds a flat slice of the identity element of the reduction
// operator, matching the shape's dtype and size. Reductions over dtypes with no
// representable identity make the loop ineligible.
func identityFlat(kind hlo.ReductionKind, shape shapes.Shape) (any, error) {
	size := shape.Size()
	switch shape.DType {
	case dtypes.Float64:
		return filled(size, identityFloat[float64](kind)), nil
	case dtypes.Float32:
		return filled(size, identityFloat[float32](kind)), nil
	case dtypes.Float16:
		var v float16.Float16
		switch kind {
		case hlo.ReduceSum:
			v = float16.Fromfloat32(0)
		case hlo.ReduceProduct:
			v = float16.Fromfloat32(1)
		case hlo.ReduceMax:
			v = float16.Inf(-1)
		case hlo.ReduceMin:
			v = float16.Inf(1)
		}
		return filled(size, v), nil
	case dtypes.Int32:
		return filled(size, identitySigned[int32](kind, math.MinInt32, math.MaxInt32)), nil
	case dtypes.Int64:
		return filled(size, identitySigned[int64](kind, math.MinInt64, math.MaxInt64)), nil
	case dtypes.Uint32:
		return filled(size, identityUnsigned[uint32](kind, math.MaxUint32)), nil
	case dtypes.Uint64:
		return filled(size, identityUnsigned[uint64](kind, math.MaxUint64)), nil
	}
	return nil, errors.Errorf("reduction %s has no identity element for dtype %s", kind, shape.DType)
}

func filled[T any](size int, value T) []T {
	flat := make([]T, size)
	for i := range flat {
		flat[i] = value
	}
	return flat
}

func identityFloat[T float32 | float64](kind hlo.ReductionKind) T {
	switch kind {
	case hlo.ReduceProduct:
		return 1
	case hlo.ReduceMax:
		return T(math.Inf(-1))
	case hlo.ReduceMin:
		return T(math.Inf(1))
	default:
		return 0
	}
}

func identitySigned[T int32 | int64](kind hlo.ReductionKind, minValue, maxValue T) T {
	switch kind {
	case hlo.ReduceProduct:
		return 1
	case hlo.ReduceMax:
		return minValue
	case hlo.ReduceMin:
		return maxValue
	default:
		return 0
	}
}

func identityUnsigned[T uint32 | uint64](kind hlo.ReductionKind, maxValue T) T {
	switch kind {
	case hlo.ReduceProduct:
		return 1
	case hlo.ReduceMin:
		return maxValue
	default:
		return 0
	}
}
