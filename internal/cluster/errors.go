package cluster

import (
	"errors"
	"fmt"

	"github.com/dreamware/shardps/internal/actor"
	"github.com/dreamware/shardps/internal/paramserver"
	"github.com/dreamware/shardps/internal/worker"
)

// Error kinds carried in ErrorResponse so typed failures survive the wire.
const (
	KindArityMismatch         = "arity_mismatch"
	KindShapeMismatch         = "shape_mismatch"
	KindModelState            = "model_state"
	KindUnknownMethod         = "unknown_method"
	KindUnknownKind           = "unknown_kind"
	KindActorNotFound         = "actor_not_found"
	KindInsufficientResources = "insufficient_resources"
	KindInternal              = "internal"
)

var kinds = []struct {
	kind     string
	sentinel error
}{
	{KindArityMismatch, paramserver.ErrArityMismatch},
	{KindShapeMismatch, paramserver.ErrShapeMismatch},
	{KindModelState, worker.ErrModelState},
	{KindUnknownMethod, actor.ErrUnknownMethod},
	{KindUnknownKind, actor.ErrUnknownKind},
	{KindActorNotFound, actor.ErrActorNotFound},
	{KindInsufficientResources, actor.ErrInsufficientResources},
}

// ErrorKind classifies err for the wire.
func ErrorKind(err error) string {
	for _, k := range kinds {
		if errors.Is(err, k.sentinel) {
			return k.kind
		}
	}
	return KindInternal
}

// RemoteError is a failure reported by an actor host.
type RemoteError struct {
	Kind    string
	Message string
	Status  int
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote %s (%d): %s", e.Kind, e.Status, e.Message)
}

// Unwrap returns the local sentinel for the error's kind, so errors.Is works
// the same for remote and in-process actors.
func (e *RemoteError) Unwrap() error {
	for _, k := range kinds {
		if k.kind == e.Kind {
			return k.sentinel
		}
	}
	return nil
}
