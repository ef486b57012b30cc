// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package replicated

import "github.com/pkg/errors"

// Error categories returned by Run. Match them with errors.Is; the returned errors
// additionally carry a pkg/errors stack trace and a message naming the offending
// node, replica and values.
var (
	// ErrConfig marks invalid replica-group, device-assignment or Config values,
	// detected before any replica starts executing.
	ErrConfig = errors.New("invalid replicated configuration")

	// ErrShapeMismatch marks participants of one collective instance depositing
	// incompatible shapes, a tuple arity different from the group size, or an
	// evaluator callback returning a shape other than the node's declared one.
	ErrShapeMismatch = errors.New("shape mismatch")

	// ErrParticipation marks a replica operating outside its allowed role: an axis
	// that does not divide evenly by the group size, or a replica depositing into a
	// group it does not belong to.
	ErrParticipation = errors.New("invalid collective participation")

	// ErrDeadlock marks a collective instance whose participants did not all arrive
	// within the rendezvous timeout.
	ErrDeadlock = errors.New("collective rendezvous timed out")
)
