// Package actor defines the actor runtime boundary used by the coordinator:
// spawning placed actors, invoking their methods without blocking, and
// waiting on the resulting futures.
//
// # Overview
//
// The coordinator never talks to workers or parameter servers directly. It
// holds Handles and calls through a Runtime:
//
//	h, _ := rt.Spawn(ctx, "worker", actor.PlacementSpec{Resources: actor.Resources{"GPU": 1}}, cfg)
//	fut := rt.Invoke(ctx, h, "compute_gradients", shards)   // returns immediately
//	grads, err := fut.Get(ctx)                               // blocks
//
// Two runtimes implement the boundary:
//
//   - LocalRuntime (this package): every actor is a goroutine with a mailbox.
//   - cluster.RemoteRuntime: actors live in remote host processes and are
//     reached over HTTP/JSON.
//
// # Futures and barriers
//
// Future is a single-assignment cell. Wait returns once at least k of n
// futures have settled; WaitAll is Wait with k == n followed by collecting
// the values in input order. A settled future counts towards k whether it
// holds a value or an error.
//
// Project derives a future from another one; the coordinator uses it to key
// pending results by (worker, shard) when one worker call yields one gradient
// per shard.
//
// # Concurrency Model
//
//   - Calls to the same actor are serialized in submission order.
//   - Calls to different actors run in parallel with no ordering between them.
//   - Invoke never blocks on the actor; back-pressure is the caller's job.
//
// # Failure Handling
//
// The runtime does not retry. A failing or panicking actor method rejects its
// future; an actor that hangs leaves its future unsettled, and anything
// waiting on it waits until its context is done.
package actor
