// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package replicated executes a frozen hlo.Computation across a fixed set of
// logical replicas, coordinating the collective operations between them.
//
// Each replica runs as its own goroutine over the shared graph. Collectives meet at
// in-process rendezvous points: the issuing side (AsyncStart) deposits its operands
// without blocking, the last participant to arrive runs the collective kernel once
// for the whole group, and the completing side (AsyncDone) blocks until the results
// are available. There is no real networking and no cross-process transport.
//
// Runs are independent: all state lives in the Run call, failures abort the whole
// run with the first error, and a bounded rendezvous wait turns divergent replica
// control flow into ErrDeadlock instead of a hang.
package replicated

import (
	"context"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/gomlx/collectives/hlo"
	"github.com/gomlx/collectives/internal/workerspool"
	"github.com/gomlx/collectives/rewrites"
)

// Run executes comp once for every replica and returns one output list per replica.
//
// inputs holds one buffer per computation parameter, per replica (borrowed: callers
// keep ownership). devices may be nil for the identity assignment. eval may be nil
// when the graph has no Compute nodes.
//
// Run first applies the rewrite passes (loop hoisting if enabled, then the
// sync-to-async conversion) to a copy of the graph; comp itself is never modified
// and may be shared across concurrent runs.
func Run(ctx context.Context, comp *hlo.Computation, inputs [][]*Buffer,
	devices *DeviceAssignment, eval ComputeFn, config Config) ([][]*Buffer, error) {
	if comp == nil || !comp.IsFrozen() {
		return nil, errors.WithMessage(ErrConfig, "Run requires a frozen computation")
	}
	numReplicas := comp.NumReplicas()
	if devices == nil {
		devices = DefaultDeviceAssignment(numReplicas)
	}
	if devices.NumReplicas() != numReplicas {
		return nil, errors.WithMessagef(ErrConfig,
			"device assignment has %d replicas, computation was built for %d",
			devices.NumReplicas(), numReplicas)
	}
	if len(inputs) != numReplicas {
		return nil, errors.WithMessagef(ErrConfig,
			"Run given inputs for %d replicas, computation was built for %d", len(inputs), numReplicas)
	}
	params := comp.Parameters()
	for replica, args := range inputs {
		if len(args) != len(params) {
			return nil, errors.WithMessagef(ErrConfig,
				"replica %d given %d inputs, computation has %d parameters", replica, len(args), len(params))
		}
		for i, buf := range args {
			if !buf.Ok() {
				return nil, errors.WithMessagef(ErrConfig,
					"replica %d input #%d is not a live buffer", replica, i)
			}
			if !buf.Shape().Equal(params[i].Shape()) {
				return nil, errors.WithMessagef(ErrShapeMismatch,
					"replica %d input #%d has shape %s, parameter %q declares %s",
					replica, i, buf.Shape(), params[i].ParameterName(), params[i].Shape())
			}
		}
	}

	if config.EnableLoopHoisting {
		comp = rewrites.HoistLoopCollectives(comp)
	}
	comp = rewrites.Asyncify(comp, config.DisabledAsync)

	// The run id disambiguates concurrent runs in logs.
	runID := uuid.NewString()
	klog.V(1).Infof("Run(%s) %s: %d replicas, %d nodes after rewrites",
		comp.Name(), runID, numReplicas, comp.NumNodes())

	var pool *workerspool.Pool
	if config.MaxParallelism == 0 {
		pool = workerspool.New()
	} else {
		pool = workerspool.NewWithParallelism(config.MaxParallelism)
	}
	c := &coordinator{
		comp:        comp,
		numReplicas: numReplicas,
		devices:     devices,
		eval:        eval,
		rdv:         newRendezvous(runID, numReplicas, config.rendezvousTimeout()),
		pool:        pool,
	}
	return c.run(ctx, inputs)
}
