// Package cluster runs actors across machines. It provides the host side
// (a process that builds and serves actors over HTTP), the coordinator side
// (an actor.Runtime that places and invokes actors on those hosts) and the
// directory through which the two find each other.
//
// # Topology
//
// A cluster is one coordinator and any number of actor hosts:
//
//	                 ┌──────────────┐
//	                 │    Redis     │
//	                 │ shardps:hosts│
//	                 └──────┬───────┘
//	        register        │        list
//	   ┌────────────────────┼────────────────────┐
//	   │                    │                    │
//	┌──▼─────┐         ┌────▼───┐         ┌──────┴──────┐
//	│ Host 1 │◄────────┤ Host 2 │◄────────┤ Coordinator │
//	│ PS 0   │  HTTP   │ PS 1   │  HTTP   │ RemoteRuntime│
//	│ Worker │         │ Worker │         └─────────────┘
//	└────────┘         └────────┘
//
// Hosts register a HostInfo in the Directory when they start and remove it
// when they stop. The coordinator lists the directory whenever it spawns an
// actor and places unpinned actors round-robin, skipping hosts whose
// resource capacity is exhausted.
//
// # Host API
//
// Every host serves the same JSON API (see NewHostHandler):
//
//	GET    /health                       liveness check
//	GET    /identity                     placement token of the host
//	GET    /info                         HostInfo plus live actors and their counters
//	POST   /actors                       spawn an actor (SpawnRequest)
//	POST   /actors/{id}/invoke/{method}  call a method (InvokeRequest)
//	DELETE /actors/{id}                  stop an actor
//
// Vectors travel base64 encoded (see tensor.Vector). Failures are returned
// as an ErrorResponse whose kind names the local sentinel error, so
// errors.Is(err, paramserver.ErrArityMismatch) holds whether the parameter
// server ran in-process or on another machine.
//
// # Directories
//
// MemoryDirectory serves tests and single-machine setups. RedisDirectory
// stores hosts in a Redis hash at the cluster address, the same address the
// coordinator is given with --cluster-address.
package cluster
