// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package replicated

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/gomlx/collectives/hlo"
)

// instanceKey identifies one dynamic collective instance across replicas.
//
// Graph-level identity is the node pointer -- all replicas execute the same frozen
// Computation, so the pointers align -- unless the collective carries a channel id,
// which then correlates occurrences across different graph positions. The occurrence
// counter disambiguates repeated executions of the same node (loop iterations): each
// replica counts its own occurrences in arena order, so the counts agree whenever the
// replicas' control flow does.
type instanceKey struct {
	node       *hlo.Node
	channelID  int
	occurrence int
}

// instanceState tracks the lifecycle of a collective instance:
// Pending -> InFlight -> Complete -> Delivered.
type instanceState int32

const (
	// instancePending: created, waiting for participants to deposit.
	instancePending instanceState = iota
	// instanceInFlight: all participants arrived, the kernel is running.
	instanceInFlight
	// instanceComplete: outputs (or the failure) are available.
	instanceComplete
	// instanceDelivered: every participant collected its outputs; the instance is
	// released from the rendezvous.
	instanceDelivered
)

// collectiveInstance is the shared rendezvous point of one dynamic collective
// instance. The last participant to deposit runs the kernel once, for everyone.
type collectiveInstance struct {
	key   instanceKey
	node  *hlo.Node
	group []int

	mu        sync.Mutex
	state     instanceState
	arrived   int
	delivered int
	inputs    [][]*Buffer // by rank
	outputs   [][]*Buffer // by rank; set on completion
	err       error
	complete  chan struct{} // closed when state reaches instanceComplete
}

// completed reports whether the kernel has run (or failed): past this point the
// deposited inputs are never read again.
func (inst *collectiveInstance) completed() bool {
	inst.mu.Lock()
	defer inst.mu.Unlock()
	return inst.state >= instanceComplete
}

// missingRanks lists the group members that have not deposited yet.
func (inst *collectiveInstance) missingRanks() []int {
	inst.mu.Lock()
	defer inst.mu.Unlock()
	var missing []int
	for r, operands := range inst.inputs {
		if operands == nil {
			missing = append(missing, inst.group[r])
		}
	}
	return missing
}

// rendezvous owns every collective instance of one run, plus the run-wide failure
// latch: the first replica to fail aborts every pending and future wait.
type rendezvous struct {
	runID       string
	numReplicas int
	timeout     time.Duration

	mu        sync.Mutex
	instances map[instanceKey]*collectiveInstance

	failOnce sync.Once
	failure  error
	failed   chan struct{} // closed by the first failure
}

func newRendezvous(runID string, numReplicas int, timeout time.Duration) *rendezvous {
	return &rendezvous{
		runID:       runID,
		numReplicas: numReplicas,
		timeout:     timeout,
		instances:   make(map[instanceKey]*collectiveInstance),
		failed:      make(chan struct{}),
	}
}

// fail latches the run-wide failure and wakes every waiting replica. Only the first
// failure is kept.
func (rdv *rendezvous) fail(err error) {
	rdv.failOnce.Do(func() {
		rdv.failure = err
		close(rdv.failed)
		klog.V(1).Infof("run %s aborted: %v", rdv.runID, err)
	})
}

// instanceOf returns (creating if needed) the shared instance for the given node
// occurrence and the caller's rank in its group.
func (rdv *rendezvous) instanceOf(node *hlo.Node, replica, occurrence int) (*collectiveInstance, int, error) {
	group, rank, found := resolveGroup(node, rdv.numReplicas, replica)
	if !found {
		return nil, 0, errors.WithMessagef(ErrParticipation,
			"replica %d belongs to no replica group of %s", replica, node)
	}
	key := instanceKey{node: node, occurrence: occurrence}
	if id := node.ChannelID(); id != 0 {
		key = instanceKey{channelID: id, occurrence: occurrence}
	}
	rdv.mu.Lock()
	defer rdv.mu.Unlock()
	inst, ok := rdv.instances[key]
	if !ok {
		inst = &collectiveInstance{
			key:      key,
			node:     node,
			group:    group,
			inputs:   make([][]*Buffer, len(group)),
			complete: make(chan struct{}),
		}
		rdv.instances[key] = inst
	}
	return inst, rank, nil
}

// deposit hands the caller's operands to the instance. It never blocks; the last
// participant to arrive runs the collective kernel for everyone and completes the
// instance. The deposited buffers are read-shared until completion.
func (rdv *rendezvous) deposit(inst *collectiveInstance, rank int, operands []*Buffer) error {
	for i, b := range operands {
		if want := inst.node.Input(i).Shape(); !b.shape.Equal(want) {
			err := errors.WithMessagef(ErrShapeMismatch,
				"%s: rank %d (replica %d) deposited shape %s for operand #%d, the graph declares %s",
				inst.node, rank, inst.group[rank], b.shape, i, want)
			rdv.fail(err)
			return err
		}
	}

	inst.mu.Lock()
	if inst.inputs[rank] != nil {
		inst.mu.Unlock()
		err := errors.WithMessagef(ErrParticipation,
			"%s: rank %d (replica %d) deposited twice into the same instance",
			inst.node, rank, inst.group[rank])
		rdv.fail(err)
		return err
	}
	inst.inputs[rank] = operands
	inst.arrived++
	last := inst.arrived == len(inst.group)
	if last {
		inst.state = instanceInFlight
	}
	inst.mu.Unlock()
	if !last {
		return nil
	}

	outputs, err := runCollective(inst.node, inst.group, inst.inputs)
	inst.mu.Lock()
	inst.outputs = outputs
	inst.err = err
	inst.state = instanceComplete
	close(inst.complete)
	inst.mu.Unlock()
	if err != nil {
		rdv.fail(err)
	}
	return nil
}

// markDelivered counts one participant's outputs as taken. Once every rank has
// collected, the instance reaches instanceDelivered and is released, so the instance
// map stays bounded by the number of in-flight collectives rather than growing with
// the length of the run.
func (rdv *rendezvous) markDelivered(inst *collectiveInstance) {
	inst.mu.Lock()
	inst.delivered++
	released := inst.delivered == len(inst.group)
	if released {
		inst.state = instanceDelivered
	}
	inst.mu.Unlock()
	if !released {
		return
	}
	rdv.mu.Lock()
	delete(rdv.instances, inst.key)
	rdv.mu.Unlock()
}

// await blocks until the instance completes and returns the caller's outputs. It
// gives up on context cancellation, on run-wide failure, or after the rendezvous
// timeout, which reports the missing participants as a deadlock.
func (rdv *rendezvous) await(ctx context.Context, inst *collectiveInstance, rank int) ([]*Buffer, error) {
	timer := time.NewTimer(rdv.timeout)
	defer timer.Stop()
	select {
	case <-inst.complete:
		if inst.err != nil {
			return nil, inst.err
		}
		outs := inst.outputs[rank]
		rdv.markDelivered(inst)
		return outs, nil
	case <-rdv.failed:
		return nil, rdv.failure
	case <-ctx.Done():
		return nil, errors.Wrapf(ctx.Err(), "waiting on %s", inst.node)
	case <-timer.C:
		err := errors.WithMessagef(ErrDeadlock,
			"%s: replica %d waited %s for replicas %v (group %v)",
			inst.node, inst.group[rank], rdv.timeout, inst.missingRanks(), inst.group)
		rdv.fail(err)
		return nil, err
	}
}
