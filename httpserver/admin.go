package httpserver

import (
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"

	"github.com/teekit/securestore/sealing"
)

// RecoveryHandler processes master key recovery requests after a restart.
//
// The engine starts locked when configured for Shamir bootstrap: the master
// key exists only as shares held by administrators. Each admin submits their
// share signed with their ed25519 key; once the threshold is reached the
// bootstrap reconstructs the master key and the server becomes ready.
type RecoveryHandler struct {
	mu           sync.RWMutex
	log          *slog.Logger
	bootstrap    *sealing.ShamirBootstrap
	adminPubKeys map[string]ed25519.PublicKey
}

// NewRecoveryHandler creates a recovery handler for the given bootstrap.
// adminPubKeys maps admin IDs to their ed25519 public keys; only listed
// admins can submit shares.
func NewRecoveryHandler(bootstrap *sealing.ShamirBootstrap, adminPubKeys map[string]ed25519.PublicKey, log *slog.Logger) *RecoveryHandler {
	return &RecoveryHandler{
		log:          log,
		bootstrap:    bootstrap,
		adminPubKeys: adminPubKeys,
	}
}

// Unlocked returns a channel closed once the master key is reconstructed.
func (h *RecoveryHandler) Unlocked() <-chan struct{} {
	return h.bootstrap.Unlocked()
}

// Router returns the recovery API router, mounted under /admin.
func (h *RecoveryHandler) Router() chi.Router {
	r := chi.NewRouter()
	r.Get("/status", h.handleStatus)
	r.Post("/share", h.handleSubmitShare)
	return r
}

// ShareSubmission is the body of a share submission. Share and Signature are
// base64 in JSON; the signature covers the raw share bytes.
type ShareSubmission struct {
	AdminID    string `json:"admin_id"`
	ShareIndex int    `json:"share_index"`
	Share      []byte `json:"share"`
	Signature  []byte `json:"signature"`
}

// handleStatus reports whether the master key is available.
//
// Endpoint: GET /admin/status
func (h *RecoveryHandler) handleStatus(w http.ResponseWriter, r *http.Request) {
	state := "locked"
	if h.bootstrap.IsUnlocked() {
		state = "unlocked"
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"state": state})
}

// handleSubmitShare accepts one signed share from an administrator.
//
// Endpoint: POST /admin/share
func (h *RecoveryHandler) handleSubmitShare(w http.ResponseWriter, r *http.Request) {
	var sub ShareSubmission
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1024*1024)).Decode(&sub); err != nil {
		http.Error(w, fmt.Sprintf("invalid request body: %v", err), http.StatusBadRequest)
		return
	}

	h.mu.RLock()
	pubKey, known := h.adminPubKeys[sub.AdminID]
	h.mu.RUnlock()
	if !known {
		h.log.Warn("Share submission from unknown admin", "adminID", sub.AdminID)
		http.Error(w, "unknown admin", http.StatusForbidden)
		return
	}

	if err := h.bootstrap.SubmitShare(sub.ShareIndex, sub.Share, sub.Signature, pubKey); err != nil {
		h.log.Warn("Share submission rejected", "adminID", sub.AdminID, "err", err)
		http.Error(w, err.Error(), http.StatusForbidden)
		return
	}

	h.log.Info("Share accepted", "adminID", sub.AdminID, "shareIndex", sub.ShareIndex,
		"unlocked", h.bootstrap.IsUnlocked())

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"status":   "accepted",
		"unlocked": h.bootstrap.IsUnlocked(),
	})
}
