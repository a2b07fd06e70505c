package coordinator

import (
	"errors"
	"fmt"
	"sync"

	"github.com/dreamware/shardps/internal/actor"
)

var (
	// ErrShardOwned is returned when a shard already has a parameter server.
	ErrShardOwned = errors.New("shard already owned")
	// ErrShardUnassigned is returned when a shard has no parameter server.
	ErrShardUnassigned = errors.New("shard not assigned")
)

// ShardAssignment records which parameter server owns a shard.
//
// Ownership is exclusive and fixed for the life of a run: the parameter
// server is the only actor that ever writes the shard, and no other server
// may be assigned the same index.
type ShardAssignment struct {
	// Owner is the parameter server holding the shard.
	Owner actor.Handle

	// ShardID is the shard's index in the layout, in [0, numShards).
	ShardID int
}

// ShardRegistry maps shard indexes to the parameter servers that own them.
// Step sends each shard's gradients to the owner recorded here.
//
//	┌─────────────────────────────────────┐
//	│         ShardRegistry               │
//	├─────────────────────────────────────┤
//	│  assignments: shard → PS handle     │
//	│  numShards: P                       │
//	├─────────────────────────────────────┤
//	│  shard 0 → parameter_server/3f2a…   │
//	│  shard 1 → parameter_server/9c01…   │
//	└─────────────────────────────────────┘
//
// Concurrency Model:
//   - Read operations use RLock for parallel access
//   - Write operations use Lock for exclusive access
//   - All returned data is copied to prevent races
type ShardRegistry struct {
	assignments map[int]ShardAssignment
	mu          sync.RWMutex
	numShards   int
}

// NewShardRegistry creates a registry for numShards shards, one per
// parameter server.
//
// Example:
//
//	registry := NewShardRegistry(2)
//	registry.Assign(0, psHandle)
func NewShardRegistry(numShards int) *ShardRegistry {
	return &ShardRegistry{
		assignments: make(map[int]ShardAssignment),
		numShards:   numShards,
	}
}

// Assign makes owner the sole parameter server of shardID.
//
// Returns:
//   - nil on success
//   - Error if the shard ID is out of range or the owner has no ID
//   - ErrShardOwned if the shard already has an owner; shards are never
//     moved between servers during a run
func (r *ShardRegistry) Assign(shardID int, owner actor.Handle) error {
	if shardID < 0 || shardID >= r.numShards {
		return fmt.Errorf("invalid shard ID %d, must be in range [0, %d)", shardID, r.numShards)
	}
	if owner.ID == "" {
		return errors.New("owner ID cannot be empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if cur, ok := r.assignments[shardID]; ok {
		return fmt.Errorf("%w: shard %d is held by %s", ErrShardOwned, shardID, cur.Owner)
	}
	r.assignments[shardID] = ShardAssignment{ShardID: shardID, Owner: owner}
	return nil
}

// Owner returns the parameter server that owns shardID.
func (r *ShardRegistry) Owner(shardID int) (actor.Handle, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	a, ok := r.assignments[shardID]
	if !ok {
		return actor.Handle{}, fmt.Errorf("%w: %d", ErrShardUnassigned, shardID)
	}
	return a.Owner, nil
}

// Owners returns every shard's owner in shard order. It fails if any shard
// is unassigned, so a successful call covers the whole vector.
func (r *ShardRegistry) Owners() ([]actor.Handle, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	owners := make([]actor.Handle, r.numShards)
	for i := range owners {
		a, ok := r.assignments[i]
		if !ok {
			return nil, fmt.Errorf("%w: %d", ErrShardUnassigned, i)
		}
		owners[i] = a.Owner
	}
	return owners, nil
}

// NumShards returns the number of shards the registry was created for.
func (r *ShardRegistry) NumShards() int {
	return r.numShards
}
