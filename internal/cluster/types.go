package cluster

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/dreamware/shardps/internal/actor"
	"github.com/dreamware/shardps/internal/tensor"
)

// HostInfo describes an actor host process as recorded in the directory.
type HostInfo struct {
	RegisteredAt time.Time       `json:"registered_at"`
	Resources    actor.Resources `json:"resources,omitempty"`
	ID           string          `json:"id"`
	Addr         string          `json:"addr"`
	// Identity is the placement token the host reports for its actors,
	// normally the machine's hostname or IP.
	Identity string `json:"identity"`
}

// SpawnRequest asks a host to build an actor.
type SpawnRequest struct {
	Resources actor.Resources `json:"resources,omitempty"`
	Kind      string          `json:"kind"`
	Config    json.RawMessage `json:"config"`
}

// SpawnResponse carries the handle of the new actor.
type SpawnResponse struct {
	Handle actor.Handle `json:"handle"`
}

// InvokeRequest carries a method's arguments.
type InvokeRequest struct {
	Args []tensor.Vector `json:"args"`
}

// InvokeResponse carries a method's results.
type InvokeResponse struct {
	Results []tensor.Vector `json:"results"`
}

// ActorInfo describes one actor living on a host.
type ActorInfo struct {
	Counters map[string]uint64 `json:"counters,omitempty"`
	ID       string            `json:"id"`
	Kind     string            `json:"kind"`
}

// InfoResponse is the body of GET /info: the host's directory record plus
// its live actors.
type InfoResponse struct {
	HostInfo
	Actors []ActorInfo `json:"actors"`
}

// IdentityResponse carries a host's placement token.
type IdentityResponse struct {
	Identity string `json:"identity"`
}

// ErrorResponse is the body of every non-2xx host response.
type ErrorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
}

var httpClient = &http.Client{Timeout: 0}

// PostJSON sends body as JSON and decodes the response into out when out is
// non-nil. Non-2xx responses are returned as *RemoteError.
func PostJSON(ctx context.Context, url string, body any, out any) error {
	reqBody, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(reqBody))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return do(req, out)
}

// GetJSON fetches url and decodes the JSON response into out.
func GetJSON(ctx context.Context, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	return do(req, out)
}

// Delete issues a DELETE to url.
func Delete(ctx context.Context, url string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, url, nil)
	if err != nil {
		return err
	}
	return do(req, nil)
}

func do(req *http.Request, out any) error {
	resp, err := httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		var body ErrorResponse
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil || body.Kind == "" {
			return &RemoteError{Status: resp.StatusCode, Kind: KindInternal,
				Message: fmt.Sprintf("http %s %s: %d", req.Method, req.URL, resp.StatusCode)}
		}
		return &RemoteError{Status: resp.StatusCode, Kind: body.Kind, Message: body.Error}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", req.URL, err)
	}
	return nil
}

// errorStatus maps an error raised on a host to the HTTP status it is sent with.
func errorStatus(err error) int {
	switch {
	case errors.Is(err, actor.ErrActorNotFound):
		return http.StatusNotFound
	case errors.Is(err, actor.ErrInsufficientResources):
		return http.StatusConflict
	case errors.Is(err, actor.ErrUnknownKind), errors.Is(err, actor.ErrUnknownMethod):
		return http.StatusBadRequest
	case ErrorKind(err) != KindInternal:
		return http.StatusUnprocessableEntity
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, errorStatus(err), ErrorResponse{Error: err.Error(), Kind: ErrorKind(err)})
}
