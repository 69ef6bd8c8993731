// Package httpserver exposes the storage engine over HTTP. The API surface
// is deliberately small: item CRUD, prefix listing, metadata, batch stores,
// usage statistics and an integrity sweep, plus a recovery endpoint for
// submitting master key shares after a restart.
package httpserver

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/teekit/securestore/engine"
	"github.com/teekit/securestore/interfaces"
)

// Header constants used in HTTP requests.
const (
	// CallerHeader identifies the calling service or user.
	CallerHeader = "X-Securestore-Caller"

	// RoleHeader carries the caller's role for policy evaluation.
	RoleHeader = "X-Securestore-Role"

	// AccessPolicyHeader optionally carries a JSON-encoded access policy for
	// read operations. Absent, reads run with an open per-call policy and
	// only the grant-based checks apply.
	AccessPolicyHeader = "X-Securestore-Access-Policy"

	// maxBodySize bounds request bodies. The engine enforces its own payload
	// limit; this guards the JSON decoder.
	maxBodySize = 256 * 1024 * 1024
)

// RequestError provides structured error information for HTTP responses.
type RequestError struct {
	StatusCode int
	Err        error
}

// Error returns the error message from the underlying error.
func (e *RequestError) Error() string {
	return e.Err.Error()
}

// Handler processes HTTP requests against the storage engine.
type Handler struct {
	engine *engine.Engine
	log    *slog.Logger
}

// NewHandler creates an HTTP request handler backed by the given engine.
func NewHandler(eng *engine.Engine, log *slog.Logger) *Handler {
	return &Handler{engine: eng, log: log}
}

// StoreRequest is the body of a store call. Data is base64 in JSON.
type StoreRequest struct {
	Data   []byte                   `json:"data"`
	Policy interfaces.StoragePolicy `json:"policy"`
}

// BatchRequest is the body of an atomic batch store.
type BatchRequest struct {
	Items []BatchRequestItem `json:"items"`
}

// BatchRequestItem is one item of a batch store request.
type BatchRequestItem struct {
	Key    string                   `json:"key"`
	Data   []byte                   `json:"data"`
	Policy interfaces.StoragePolicy `json:"policy"`
}

// accessFromRequest builds the caller context from identity headers and the
// peer address. Both identity headers are required; the engine audits every
// decision against them.
func accessFromRequest(r *http.Request) (interfaces.AccessContext, error) {
	caller := r.Header.Get(CallerHeader)
	if caller == "" {
		return interfaces.AccessContext{}, &RequestError{http.StatusUnauthorized, fmt.Errorf("missing %s header", CallerHeader)}
	}
	role := r.Header.Get(RoleHeader)
	if role == "" {
		return interfaces.AccessContext{}, &RequestError{http.StatusUnauthorized, fmt.Errorf("missing %s header", RoleHeader)}
	}

	sourceIP := r.RemoteAddr
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		sourceIP = host
	}

	return interfaces.AccessContext{
		CallerID:    caller,
		Role:        interfaces.Role(role),
		SourceIP:    sourceIP,
		RequestTime: time.Now().UTC(),
	}, nil
}

// accessPolicyFromRequest parses the optional access policy header. Absent
// or empty, reads get an open policy with the highest classification ceiling.
func accessPolicyFromRequest(r *http.Request) (interfaces.AccessPolicy, error) {
	ap := interfaces.AccessPolicy{MaxClassification: interfaces.ClassRestricted}
	raw := r.Header.Get(AccessPolicyHeader)
	if raw == "" {
		return ap, nil
	}
	if err := json.Unmarshal([]byte(raw), &ap); err != nil {
		return ap, &RequestError{http.StatusBadRequest, fmt.Errorf("invalid access policy header: %w", err)}
	}
	return ap, nil
}

// statusForError maps engine error kinds onto HTTP status codes. Policy
// denials and missing keys are the caller's problem; integrity and sealing
// failures are ours.
func statusForError(err error) int {
	var reqErr *RequestError
	if errors.As(err, &reqErr) {
		return reqErr.StatusCode
	}
	switch {
	case errors.Is(err, interfaces.ErrPolicyViolation):
		return http.StatusForbidden
	case errors.Is(err, interfaces.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, interfaces.ErrCapacityExceeded):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, interfaces.ErrTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, interfaces.ErrBackendError):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusForError(err)
	if status >= http.StatusInternalServerError {
		h.log.Error("Request failed", "method", r.Method, "path", r.URL.Path, "err", err)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.log.Error("Failed to encode response", "err", err)
	}
}

// HandleStore stores or overwrites one item.
//
// URL format: PUT /api/v1/items/{key}
// Request body: JSON with base64 data and the storage policy.
func (h *Handler) HandleStore(w http.ResponseWriter, r *http.Request) {
	access, err := accessFromRequest(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	key := chi.URLParam(r, "key")
	var req StoreRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize)).Decode(&req); err != nil {
		h.writeError(w, r, &RequestError{http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err)})
		return
	}

	result, err := h.engine.StoreSecure(r.Context(), key, req.Data, req.Policy, access)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, result)
}

// HandleRetrieve returns one item's plaintext.
//
// URL format: GET /api/v1/items/{key}
func (h *Handler) HandleRetrieve(w http.ResponseWriter, r *http.Request) {
	access, err := accessFromRequest(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	ap, err := accessPolicyFromRequest(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	result, err := h.engine.RetrieveSecure(r.Context(), chi.URLParam(r, "key"), ap, access)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, result)
}

// HandleDelete removes one item.
//
// URL format: DELETE /api/v1/items/{key}
func (h *Handler) HandleDelete(w http.ResponseWriter, r *http.Request) {
	access, err := accessFromRequest(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	ap, err := accessPolicyFromRequest(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	if err := h.engine.DeleteSecure(r.Context(), chi.URLParam(r, "key"), ap, access); err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// HandleList returns the keys under a prefix. The optional classification,
// compression and tier parameters filter on the recorded item metadata.
//
// URL format: GET /api/v1/items?prefix={prefix}&classification={c}&tier={t}
func (h *Handler) HandleList(w http.ResponseWriter, r *http.Request) {
	access, err := accessFromRequest(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	ap, err := accessPolicyFromRequest(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	query := r.URL.Query()
	attrs := make(map[string]string)
	for _, attr := range []string{"classification", "compression", "tier"} {
		if v := query.Get(attr); v != "" {
			attrs[attr] = v
		}
	}

	var keys []string
	if len(attrs) > 0 {
		keys, err = h.engine.QueryKeys(r.Context(), query.Get("prefix"), attrs, ap, access)
	} else {
		keys, err = h.engine.ListKeys(r.Context(), query.Get("prefix"), ap, access)
	}
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"keys": keys})
}

// HandleMetadata returns an item's metadata without touching the sealed
// payload.
//
// URL format: GET /api/v1/items/{key}/metadata
func (h *Handler) HandleMetadata(w http.ResponseWriter, r *http.Request) {
	access, err := accessFromRequest(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	ap, err := accessPolicyFromRequest(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	md, err := h.engine.GetMetadata(r.Context(), chi.URLParam(r, "key"), ap, access)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, md)
}

// HandleBatch stores several items atomically.
//
// URL format: POST /api/v1/batch
func (h *Handler) HandleBatch(w http.ResponseWriter, r *http.Request) {
	access, err := accessFromRequest(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	var req BatchRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize)).Decode(&req); err != nil {
		h.writeError(w, r, &RequestError{http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err)})
		return
	}

	items := make([]engine.BatchItem, 0, len(req.Items))
	for _, item := range req.Items {
		items = append(items, engine.BatchItem{Key: item.Key, Data: item.Data, Policy: item.Policy})
	}

	results, err := h.engine.StoreBatch(r.Context(), items, access)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"results": results})
}

// HandleStats returns aggregate usage statistics.
//
// URL format: GET /api/v1/stats
func (h *Handler) HandleStats(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.engine.UsageStats(r.Context()))
}

// HandleValidate runs an integrity sweep over every stored item. The sweep
// only verifies proofs; it never unseals.
//
// URL format: POST /api/v1/validate
func (h *Handler) HandleValidate(w http.ResponseWriter, r *http.Request) {
	report, err := h.engine.ValidateStorage(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, report)
}
