// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package replicated

import (
	"context"
	"sync"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/gomlx/collectives/hlo"
	"github.com/gomlx/collectives/internal/workerspool"
	"github.com/gomlx/collectives/types/shapes"
)

// ComputeFn evaluates an opaque Compute node for one replica. It receives the
// node's declared name and payload untouched, and must return a buffer of the
// node's declared shape. It must not communicate across replicas.
type ComputeFn func(replica int, name string, payload any, inputs []*Buffer) (*Buffer, error)

// coordinator drives one run: one goroutine per replica over the shared frozen
// graph, meeting at the rendezvous for every collective instance.
type coordinator struct {
	comp        *hlo.Computation
	numReplicas int
	devices     *DeviceAssignment
	eval        ComputeFn
	rdv         *rendezvous
	pool        *workerspool.Pool
}

// run executes the graph for every replica and returns one output list per replica.
// On any failure it returns the first error and no partial results.
func (c *coordinator) run(ctx context.Context, inputs [][]*Buffer) ([][]*Buffer, error) {
	outputs := make([][]*Buffer, c.numReplicas)
	var wg sync.WaitGroup
	wg.Add(c.numReplicas)
	for replica := range c.numReplicas {
		c.pool.WaitToStart(func() {
			defer wg.Done()
			klog.V(2).Infof("run %s: replica %d executing on device %d",
				c.rdv.runID, replica, c.devices.Device(replica, 0))
			exec := &replicaExec{coord: c, replica: replica, occurrences: make(map[any]int)}
			outs, err := exec.execComputation(ctx, c.comp, inputs[replica])
			if err != nil {
				c.rdv.fail(errors.WithMessagef(err, "replica %d", replica))
				return
			}
			outputs[replica] = outs
		})
	}
	wg.Wait()

	select {
	case <-c.rdv.failed:
		// No partial results: return the successful replicas' buffers to the pool.
		for _, outs := range outputs {
			for _, b := range outs {
				b.Finalize()
			}
		}
		return nil, c.rdv.failure
	default:
	}
	return outputs, nil
}

// replicaExec is the per-replica execution state: the occurrence counters that
// disambiguate repeated collective instances live here, shared across nested
// (While) computations so loop iterations count up.
type replicaExec struct {
	coord   *coordinator
	replica int

	// occurrences counts executions per logical collective: keyed by the node
	// pointer, or by the channel id when one is set.
	occurrences map[any]int

	// deposits records the operands handed to rendezvous instances; see
	// rendezvousHeld.
	deposits []pendingDeposit
}

// pendingDeposit records operands this replica handed to a rendezvous instance.
// Until the instance completes the peers read those buffers, so they must not return
// to the pool even when this replica's execution fails mid-flight.
type pendingDeposit struct {
	inst     *collectiveInstance
	operands []*Buffer
}

// rendezvousHeld returns the buffers this replica deposited into instances that have
// not completed: they are still read-shared with the peers, so instead of returning
// to the pool they are left to the garbage collector. Completed deposits are pruned.
func (e *replicaExec) rendezvousHeld() map[*Buffer]bool {
	var held map[*Buffer]bool
	kept := e.deposits[:0]
	for _, d := range e.deposits {
		if d.inst.completed() {
			continue
		}
		kept = append(kept, d)
		if held == nil {
			held = make(map[*Buffer]bool)
		}
		for _, b := range d.operands {
			held[b] = true
		}
	}
	e.deposits = kept
	return held
}

func (e *replicaExec) nextOccurrence(node *hlo.Node) int {
	var key any = node
	if id := node.ChannelID(); id != 0 {
		key = id
	}
	occ := e.occurrences[key]
	e.occurrences[key] = occ + 1
	return occ
}

// pendingCollective tracks an issued AsyncStart until its AsyncDone collects the
// outputs. A broadcast non-member never joins the rendezvous: it produces zeros
// locally at Done time.
type pendingCollective struct {
	inst       *collectiveInstance
	rank       int
	zeroFilled bool
}

// startCollective deposits the operands of the collective (or AsyncStart) node into
// its rendezvous instance. It never blocks.
func (e *replicaExec) startCollective(node *hlo.Node, operands []*Buffer) (*pendingCollective, error) {
	occurrence := e.nextOccurrence(node)
	inst, rank, err := e.coord.rdv.instanceOf(node, e.replica, occurrence)
	if err != nil {
		if collectiveKind(node) == hlo.OpTypeCollectiveBroadcast {
			// Not in any broadcast group: zeros, no rendezvous.
			return &pendingCollective{zeroFilled: true}, nil
		}
		return nil, err
	}
	if err := e.coord.rdv.deposit(inst, rank, operands); err != nil {
		return nil, err
	}
	e.deposits = append(e.deposits, pendingDeposit{inst: inst, operands: operands})
	return &pendingCollective{inst: inst, rank: rank}, nil
}

// finishCollective blocks until the instance completes and returns this replica's
// outputs, one buffer per result. The worker is accounted asleep while waiting so
// the pool can start the peers this rendezvous depends on.
func (e *replicaExec) finishCollective(ctx context.Context, node *hlo.Node, p *pendingCollective) ([]*Buffer, error) {
	if p.zeroFilled {
		shapesOut := resultShapes(node)
		outs := make([]*Buffer, len(shapesOut))
		for i, shape := range shapesOut {
			outs[i] = NewBufferZero(shape)
		}
		return outs, nil
	}
	e.coord.pool.WorkerIsAsleep()
	outs, err := e.coord.rdv.await(ctx, p.inst, p.rank)
	e.coord.pool.WorkerRestarted()
	return outs, err
}

// execComputation walks the arena in order, evaluating every node for this replica.
// args are borrowed from the caller; the returned outputs are distinct buffers owned
// by the caller. Intermediates go back to the buffer pool on return.
func (e *replicaExec) execComputation(ctx context.Context, comp *hlo.Computation, args []*Buffer) ([]*Buffer, error) {
	results := make([]*Buffer, comp.NumNodes())
	owned := make([]bool, comp.NumNodes())
	pending := make(map[int]*pendingCollective)

	// cleanup returns owned intermediates to the pool, skipping buffers transferred
	// to the caller (taken) and buffers still read-shared with an incomplete
	// rendezvous instance.
	cleanup := func(taken []bool) {
		held := e.rendezvousHeld()
		for idx, buf := range results {
			if buf == nil || !owned[idx] || (taken != nil && taken[idx]) || held[buf] {
				continue
			}
			buf.Finalize()
		}
	}
	fail := func(err error) ([]*Buffer, error) {
		cleanup(nil)
		return nil, err
	}

	setResult := func(node *hlo.Node, buf *Buffer, isOwned bool) {
		results[node.Idx()] = buf
		owned[node.Idx()] = isOwned
	}
	setMultiResults := func(node *hlo.Node, bufs []*Buffer, isOwned bool) {
		for i, sel := range node.MultiOutputs() {
			results[sel.Idx()] = bufs[i]
			owned[sel.Idx()] = isOwned
		}
	}

	for idx := range comp.NumNodes() {
		if err := ctx.Err(); err != nil {
			return fail(errors.Wrapf(err, "executing %s", comp.Name()))
		}
		node := comp.Node(idx)
		if node.IsSelectOutput() {
			// Filled in by its multi-output source.
			continue
		}
		operands := make([]*Buffer, node.NumInputs())
		for i := range operands {
			operands[i] = results[node.Input(i).Idx()]
		}

		switch {
		case node.OpType() == hlo.OpTypeParameter:
			setResult(node, args[node.ParameterIndex()], false)

		case node.OpType() == hlo.OpTypeConstant:
			buf := NewBuffer(node.Shape())
			copyFlat(buf.flat, node.ConstantFlat())
			setResult(node, buf, true)

		case node.OpType() == hlo.OpTypeReplicaID:
			buf := NewBuffer(shapes.Make(dtypes.Uint32))
			buf.flat.([]uint32)[0] = uint32(e.replica)
			setResult(node, buf, true)

		case node.OpType() == hlo.OpTypeCombine:
			buf := NewBuffer(node.Shape())
			if err := combineInto(node.Reduction(), buf, operands[0], operands[1]); err != nil {
				buf.Finalize()
				return fail(errors.WithMessagef(err, "evaluating %s", node))
			}
			setResult(node, buf, true)

		case node.OpType() == hlo.OpTypeCompute:
			if e.coord.eval == nil {
				return fail(errors.WithMessagef(ErrConfig,
					"graph has Compute node %s but no evaluator callback was given", node))
			}
			buf, err := e.coord.eval(e.replica, node.ComputeName(), node.ComputePayload(), operands)
			if err != nil {
				return fail(errors.Wrapf(err, "evaluating %s", node))
			}
			if !buf.Ok() || !buf.shape.Equal(node.Shape()) {
				return fail(errors.WithMessagef(ErrShapeMismatch,
					"evaluator returned shape %s for %s, the graph declares %s", buf.shape, node, node.Shape()))
			}
			setResult(node, buf, true)

		case node.OpType() == hlo.OpTypeWhile:
			finals, finalsOwned, err := e.execWhile(ctx, node, operands)
			if err != nil {
				return fail(err)
			}
			setMultiResults(node, finals, finalsOwned)

		case node.OpType() == hlo.OpTypeAsyncStart:
			p, err := e.startCollective(node, operands)
			if err != nil {
				return fail(err)
			}
			pending[node.Idx()] = p
			// The in-flight handle has no buffer representation.

		case node.OpType() == hlo.OpTypeAsyncDone:
			start := node.AsyncStartNode()
			p := pending[start.Idx()]
			delete(pending, start.Idx())
			outs, err := e.finishCollective(ctx, node, p)
			if err != nil {
				return fail(err)
			}
			if node.IsMultiOutputs() {
				setMultiResults(node, outs, true)
			} else {
				setResult(node, outs[0], true)
			}

		case node.OpType().IsCollective():
			// Synchronous form: start and finish back to back.
			p, err := e.startCollective(node, operands)
			if err != nil {
				return fail(err)
			}
			outs, err := e.finishCollective(ctx, node, p)
			if err != nil {
				return fail(err)
			}
			if node.IsMultiOutputs() {
				setMultiResults(node, outs, true)
			} else {
				setResult(node, outs[0], true)
			}

		default:
			return fail(errors.WithMessagef(ErrConfig, "node %s cannot be executed", node))
		}
	}

	// Transfer outputs to the caller: take the owned buffer on first use, clone on
	// aliasing (borrowed, or the same node listed twice).
	compOutputs := comp.Outputs()
	outs := make([]*Buffer, len(compOutputs))
	taken := make([]bool, comp.NumNodes())
	for i, o := range compOutputs {
		idx := o.Idx()
		if owned[idx] && !taken[idx] {
			outs[i] = results[idx]
			taken[idx] = true
		} else {
			outs[i] = results[idx].Clone()
		}
	}
	cleanup(taken)
	return outs, nil
}

// execWhile runs the loop for this replica: evaluate the condition over the current
// state, then the body, until the condition yields false. It returns the final
// state, one buffer per slot, and whether those buffers are owned by the loop (the
// initial state is borrowed when the loop runs zero iterations).
func (e *replicaExec) execWhile(ctx context.Context, node *hlo.Node, initial []*Buffer) ([]*Buffer, bool, error) {
	state := initial
	stateOwned := false
	finalizeState := func() {
		if !stateOwned {
			return
		}
		// State slots deposited into a still-incomplete instance (the body failed
		// mid-flight) stay live for the peers.
		held := e.rendezvousHeld()
		for _, b := range state {
			if held[b] {
				continue
			}
			b.Finalize()
		}
	}
	for {
		condOuts, err := e.execComputation(ctx, node.WhileCond(), state)
		if err != nil {
			finalizeState()
			return nil, false, errors.WithMessagef(err, "%s condition", node)
		}
		keep := condOuts[0].flat.([]bool)[0]
		condOuts[0].Finalize()
		if !keep {
			break
		}
		next, err := e.execComputation(ctx, node.WhileBody(), state)
		if err != nil {
			finalizeState()
			return nil, false, errors.WithMessagef(err, "%s body", node)
		}
		finalizeState()
		state = next
		stateOwned = true
	}
	return state, stateOwned, nil
}
