// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package replicated

import (
	"time"

	"github.com/gomlx/collectives/hlo"
	"github.com/gomlx/collectives/types"
)

// defaultRendezvousTimeout bounds how long a replica waits at a collective for its
// peers before the run is declared deadlocked.
const defaultRendezvousTimeout = 10 * time.Second

// Config holds the per-run knobs. The zero value is usable; see DefaultConfig for
// the recommended defaults. A Config is never mutated by Run, and there is no
// process-global configuration: concurrent runs with different configs don't
// interact.
type Config struct {
	// DisabledAsync lists collective kinds that must not overlap with unrelated
	// work: they still go through a start/done pair, but with the done scheduled
	// immediately after the start. Numerics are unaffected either way.
	DisabledAsync types.Set[hlo.OpType]

	// EnableLoopHoisting turns on the loop-invariant collective code motion pass.
	EnableLoopHoisting bool

	// RendezvousTimeout bounds each collective wait; 0 means the default
	// (defaultRendezvousTimeout). Exceeding it fails the run with ErrDeadlock.
	RendezvousTimeout time.Duration

	// MaxParallelism is the soft target of concurrently running replica tasks.
	// 0 means runtime.NumCPU(); negative means unlimited. Replicas blocked at a
	// rendezvous don't count against the target.
	MaxParallelism int
}

// DefaultConfig returns the recommended configuration: every collective kind
// async-eligible, loop hoisting on.
func DefaultConfig() Config {
	return Config{EnableLoopHoisting: true}
}

func (c Config) rendezvousTimeout() time.Duration {
	if c.RendezvousTimeout > 0 {
		return c.RendezvousTimeout
	}
	return defaultRendezvousTimeout
}
