// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package replicated

import (
	"context"
	"testing"
	"time"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/require"

	"github.com/gomlx/collectives/hlo"
	"github.com/gomlx/collectives/types/shapes"
)

func TestChannelIDCorrelatesInstances(t *testing.T) {
	// Collectives at different graph positions carrying the same channel id meet at
	// the same instance, per (channel, occurrence); without a channel id the graph
	// position (node identity) pairs the participants.
	comp := hlo.New("channels", 2)
	x := comp.Parameter("x", shapes.Make(dtypes.Float32, 1))
	tagged1 := comp.AllReduce(x, hlo.ReduceSum, nil, 5)
	tagged2 := comp.AllReduce(x, hlo.ReduceSum, nil, 5)
	plain1 := comp.AllReduce(x, hlo.ReduceSum, nil, 0)
	plain2 := comp.AllReduce(x, hlo.ReduceSum, nil, 0)

	rdv := newRendezvous("test", 2, time.Second)
	instA, rank, err := rdv.instanceOf(tagged1, 0, 0)
	require.NoError(t, err)
	require.Equal(t, 0, rank)
	instB, rank, err := rdv.instanceOf(tagged2, 1, 0)
	require.NoError(t, err)
	require.Equal(t, 1, rank)
	require.Same(t, instA, instB, "same channel and occurrence must share the instance")

	instNext, _, err := rdv.instanceOf(tagged1, 0, 1)
	require.NoError(t, err)
	require.NotSame(t, instA, instNext, "the next occurrence of the channel is a new instance")

	instP1, _, err := rdv.instanceOf(plain1, 0, 0)
	require.NoError(t, err)
	instP2, _, err := rdv.instanceOf(plain2, 1, 0)
	require.NoError(t, err)
	require.NotSame(t, instP1, instP2, "untagged collectives pair by node identity")
}

func TestInstanceReleasedAfterDelivery(t *testing.T) {
	// Once every participant collected its outputs the instance leaves the
	// rendezvous map, so it does not grow with the number of instances of a run.
	comp := hlo.New("delivery", 2)
	x := comp.Parameter("x", shapes.Make(dtypes.Float32, 1))
	reduced := comp.AllReduce(x, hlo.ReduceSum, nil, 0)
	comp.Return(reduced)

	rdv := newRendezvous("test", 2, time.Second)
	in0 := mustBuf(t, []float32{1}, 1)
	in1 := mustBuf(t, []float32{2}, 1)
	defer in0.Finalize()
	defer in1.Finalize()

	inst0, rank0, err := rdv.instanceOf(reduced, 0, 0)
	require.NoError(t, err)
	require.NoError(t, rdv.deposit(inst0, rank0, []*Buffer{in0}))
	inst1, rank1, err := rdv.instanceOf(reduced, 1, 0)
	require.NoError(t, err)
	require.Same(t, inst0, inst1)
	require.NoError(t, rdv.deposit(inst1, rank1, []*Buffer{in1}))

	ctx := context.Background()
	outs0, err := rdv.await(ctx, inst0, rank0)
	require.NoError(t, err)
	require.Equal(t, []float32{3}, outs0[0].Flat().([]float32))
	require.Len(t, rdv.instances, 1, "rank 1 has not collected its outputs yet")

	outs1, err := rdv.await(ctx, inst1, rank1)
	require.NoError(t, err)
	require.Equal(t, []float32{3}, outs1[0].Flat().([]float32))
	require.Empty(t, rdv.instances, "a fully delivered instance is released")

	outs0[0].Finalize()
	outs1[0].Finalize()
}
