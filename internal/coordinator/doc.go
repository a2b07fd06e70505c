// Package coordinator drives synchronous data-parallel training rounds
// against a sharded parameter server.
//
// # Overview
//
// The parameter vector of length D is split into P contiguous shards, each
// owned by exactly one parameter-server actor. W worker actors each hold a
// full model replica. The coordinator owns the live shard list and is its
// only writer.
//
// # Lifecycle
//
//	INIT ──► PLACEMENT_CHECK ──► ROUND_RUNNING ──► ROUND_RUNNING ──► …
//
// INIT partitions D into P shards, spawns the actors through an
// actor.Runtime and seeds the shards with zeros. PLACEMENT_CHECK runs only
// for cluster runs: it asks where every actor landed and emits one
// PlacementWarning if hosts are shared. ROUND_RUNNING repeats until the
// context passed to Run is cancelled or a round fails.
//
// # A round
//
//	┌─────────────┐  compute_gradients(shards)   ┌──────────┐
//	│             ├─────────────────────────────►│ worker k │ × W
//	│             │◄─────────────────────────────┤          │
//	│ Coordinator │  barrier: W × P gradients    └──────────┘
//	│             │  update_and_aggregate(grads) ┌──────────┐
//	│             ├─────────────────────────────►│   PS i   │ × P
//	│             │◄─────────────────────────────┤          │
//	└─────────────┘  barrier: P updated shards   └──────────┘
//
// Every invocation returns a future immediately. Step blocks only at the two
// barriers: no parameter server sees a partial gradient list, and round N+1
// is not dispatched before every shard of round N has landed. Within a round
// workers, and then parameter servers, run in parallel in any order.
//
// # Failures
//
// Shape and count violations are fatal: Step and Run return them wrapped,
// matching paramserver.ErrArityMismatch, paramserver.ErrShapeMismatch,
// worker.ErrModelState or ErrAssertion. Runtime failures are not retried.
// Shared hosts only warn.
//
// # Metrics
//
// Each round records wait_compute_grads, wait_ps_add and round_seconds on
// the metrics.Sink given to New; every LogFrequency rounds it records
// steps_per_sec over the interval. Timings use the clock set with WithClock.
package coordinator
