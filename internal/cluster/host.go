package cluster

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
	"golang.org/x/exp/slices"

	"github.com/dreamware/shardps/internal/actor"
)

// Host serves actors over HTTP on behalf of remote coordinators. Actors are
// run by an in-process runtime, so calls on one actor stay serialized while
// different actors on the host run in parallel.
type Host struct {
	rt      *actor.LocalRuntime
	logger  *zap.Logger
	handles map[string]actor.Handle
	info    HostInfo
	mu      sync.RWMutex
}

// NewHost returns a host that builds actors from registry within capacity.
// info.Addr is stamped on every handle the host returns.
func NewHost(info HostInfo, registry *actor.Registry, logger *zap.Logger) *Host {
	if logger == nil {
		logger = zap.NewNop()
	}
	opts := []actor.LocalOption{
		actor.WithLogger(logger),
		actor.WithHostIdentity(info.Identity),
	}
	if info.Resources != nil {
		opts = append(opts, actor.WithCapacity(info.Resources))
	}
	return &Host{
		rt:      actor.NewLocalRuntime(registry, opts...),
		logger:  logger,
		handles: make(map[string]actor.Handle),
		info:    info,
	}
}

// Info returns the host's directory record.
func (h *Host) Info() HostInfo {
	return h.info
}

// Len returns the number of live actors on the host.
func (h *Host) Len() int {
	return h.rt.Len()
}

// Actors lists the host's live actors with their counters, sorted by ID.
func (h *Host) Actors() []ActorInfo {
	h.mu.RLock()
	out := make([]ActorInfo, 0, len(h.handles))
	for _, handle := range h.handles {
		out = append(out, ActorInfo{ID: handle.ID, Kind: handle.Kind})
	}
	h.mu.RUnlock()

	for i := range out {
		counters, err := h.rt.Counters(actor.Handle{ID: out[i].ID, Kind: out[i].Kind})
		if err != nil {
			h.logger.Debug("no counters", zap.String("actor", out[i].ID), zap.Error(err))
			continue
		}
		out[i].Counters = counters
	}
	slices.SortFunc(out, func(a, b ActorInfo) int { return strings.Compare(a.ID, b.ID) })
	return out
}

// Close stops every actor on the host.
func (h *Host) Close() error {
	return h.rt.Close()
}

// NewHostHandler routes the actor host API:
//
//	GET    /health
//	GET    /identity
//	GET    /info
//	POST   /actors
//	POST   /actors/{id}/invoke/{method}
//	DELETE /actors/{id}
func NewHostHandler(h *Host) http.Handler {
	r := chi.NewRouter()
	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.Get("/identity", h.identity)
	r.Get("/info", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, InfoResponse{HostInfo: h.info, Actors: h.Actors()})
	})
	r.Post("/actors", h.spawn)
	r.Post("/actors/{id}/invoke/{method}", h.invoke)
	r.Delete("/actors/{id}", h.kill)
	return r
}

func (h *Host) identity(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, IdentityResponse{Identity: h.info.Identity})
}

func (h *Host) spawn(w http.ResponseWriter, r *http.Request) {
	var req SpawnRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid spawn request: " + err.Error(), Kind: KindInternal})
		return
	}

	handle, err := h.rt.Spawn(r.Context(), req.Kind, actor.PlacementSpec{Resources: req.Resources}, req.Config)
	if err != nil {
		h.logger.Warn("spawn failed", zap.String("kind", req.Kind), zap.Error(err))
		writeError(w, err)
		return
	}
	handle.Addr = h.info.Addr

	h.mu.Lock()
	h.handles[handle.ID] = handle
	h.mu.Unlock()

	h.logger.Info("actor spawned", zap.Stringer("actor", handle))
	writeJSON(w, http.StatusCreated, SpawnResponse{Handle: handle})
}

func (h *Host) lookup(id string) (actor.Handle, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	handle, ok := h.handles[id]
	if !ok {
		return actor.Handle{}, fmt.Errorf("%w: %s", actor.ErrActorNotFound, id)
	}
	return handle, nil
}

func (h *Host) invoke(w http.ResponseWriter, r *http.Request) {
	handle, err := h.lookup(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	var req InvokeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid invoke request: " + err.Error(), Kind: KindInternal})
		return
	}

	method := chi.URLParam(r, "method")
	results, err := h.rt.Invoke(r.Context(), handle, method, req.Args).Get(r.Context())
	if err != nil {
		h.logger.Debug("invoke failed", zap.Stringer("actor", handle), zap.String("method", method), zap.Error(err))
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, InvokeResponse{Results: results})
}

func (h *Host) kill(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	handle, err := h.lookup(id)
	if err != nil {
		writeError(w, err)
		return
	}
	h.mu.Lock()
	delete(h.handles, id)
	h.mu.Unlock()

	if err := h.rt.Kill(handle); err != nil {
		writeError(w, err)
		return
	}
	h.logger.Info("actor stopped", zap.Stringer("actor", handle))
	w.WriteHeader(http.StatusNoContent)
}
