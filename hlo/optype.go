// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package hlo

// OpType is the tagged kind of a Node in a replicated computation.
//
// The collective kinds (AllReduce ... CollectiveBroadcast) are executed by the
// replicated executor with cross-replica rendezvous. Compute nodes are opaque local
// operations evaluated by the external evaluator callback. AsyncStart/AsyncDone are
// produced by the rewrites.Asyncify pass and never created directly by users.
type OpType int

const (
	OpTypeInvalid OpType = iota

	// Local (replica-private) kinds:

	OpTypeParameter
	OpTypeConstant
	OpTypeReplicaID
	OpTypeCombine
	OpTypeCompute
	OpTypeWhile

	// Collective kinds:

	OpTypeAllReduce
	OpTypeAllGather
	OpTypeReduceScatter
	OpTypeAllToAll
	OpTypeCollectivePermute
	OpTypeCollectiveBroadcast

	// Split-phase pair, see rewrites.Asyncify:

	OpTypeAsyncStart
	OpTypeAsyncDone

	// OpTypeLast is a sentinel, keep it last.
	OpTypeLast
)

var opTypeNames = [OpTypeLast + 1]string{
	"Invalid", "Parameter", "Constant", "ReplicaID", "Combine", "Compute", "While",
	"AllReduce", "AllGather", "ReduceScatter", "AllToAll", "CollectivePermute",
	"CollectiveBroadcast", "AsyncStart", "AsyncDone", "Last",
}

// String implements fmt.Stringer.
func (t OpType) String() string {
	if t < 0 || t > OpTypeLast {
		return "OpType(?)"
	}
	return opTypeNames[t]
}

// IsCollective returns whether the op kind requires cross-replica rendezvous when
// executed synchronously. AsyncStart/AsyncDone are not included: they are the
// split-phase rendition of a collective, not a collective kind themselves.
func (t OpType) IsCollective() bool {
	return t >= OpTypeAllReduce && t <= OpTypeCollectiveBroadcast
}

// ReductionKind identifies the associative and commutative operator used by
// AllReduce, ReduceScatter and Combine nodes.
//
// Every kind has an identity element (per dtype), which the loop-hoisting rewrite
// relies on to seed its input accumulator.
type ReductionKind int

const (
	ReduceSum ReductionKind = iota
	ReduceProduct
	ReduceMax
	ReduceMin
)

var reductionKindNames = [...]string{"Sum", "Product", "Max", "Min"}

// String implements fmt.Stringer.
func (k ReductionKind) String() string {
	if k < 0 || int(k) >= len(reductionKindNames) {
		return "ReductionKind(?)"
	}
	return reductionKindNames[k]
}
