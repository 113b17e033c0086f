package handlers

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/quicklabs/termgate/internal/credentials"
	"github.com/quicklabs/termgate/internal/sandbox"
	"github.com/quicklabs/termgate/internal/session"
)

// Wired from main.go during init.
var (
	Store     *session.Store
	Creds     credentials.Source
	Sandboxes *sandbox.Registry

	// DefaultTTL applies when a create request carries no ttl.
	DefaultTTL = 2 * time.Hour
)

type createSessionRequest struct {
	ID         string `json:"id"`
	TTLSeconds int    `json:"ttl_seconds"`
}

// CreateSession provisions a session record with a freshly issued scoped
// credential. The session-initiation UI calls this before opening the
// terminal connection.
func CreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if r.Body != nil {
		// An empty body is fine; all fields have defaults.
		json.NewDecoder(r.Body).Decode(&req)
	}

	id := req.ID
	if id == "" {
		id = uuid.New().String()
	}
	ttl := DefaultTTL
	if req.TTLSeconds > 0 {
		ttl = time.Duration(req.TTLSeconds) * time.Second
	}

	cred, err := Creds.Issue(r.Context(), id)
	if err != nil {
		log.Printf("[sessions] credential issue failed for %s: %v", id, err)
		writeError(w, http.StatusBadGateway, "Failed to issue session credential")
		return
	}

	sess, err := Store.Create(id, cred, ttl)
	if err != nil {
		if errors.Is(err, session.ErrDuplicate) {
			writeError(w, http.StatusConflict, "Session already exists")
			return
		}
		log.Printf("[sessions] create failed for %s: %v", id, err)
		writeError(w, http.StatusInternalServerError, "Failed to create session")
		return
	}

	log.Printf("[sessions] created session %s (ttl=%s)", id, ttl)
	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"id":         sess.ID,
		"status":     sess.Status,
		"expires_at": sess.ExpiresAt.UTC().Format(time.RFC3339),
	})
}

type extendSessionRequest struct {
	AdditionalSeconds int `json:"additional_seconds"`
}

// ExtendSession pushes a session's expiry forward.
func ExtendSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req extendSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.AdditionalSeconds <= 0 {
		writeError(w, http.StatusBadRequest, "additional_seconds must be positive")
		return
	}

	newExpiry, err := Store.Extend(id, time.Duration(req.AdditionalSeconds)*time.Second)
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			writeError(w, http.StatusNotFound, "Session not found")
			return
		}
		log.Printf("[sessions] extend failed for %s: %v", id, err)
		writeError(w, http.StatusInternalServerError, "Failed to extend session")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"id":         id,
		"expires_at": newExpiry.UTC().Format(time.RFC3339),
	})
}

// EndSession destroys a session. Idempotent: ending an already-ended or
// unknown session succeeds.
func EndSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if err := Store.Destroy(id); err != nil {
		log.Printf("[sessions] destroy failed for %s: %v", id, err)
		writeError(w, http.StatusInternalServerError, "Failed to end session")
		return
	}
	Sandboxes.Remove(id)

	log.Printf("[sessions] destroyed session %s", id)
	writeJSON(w, http.StatusOK, map[string]string{"status": "destroyed"})
}

// ListSessions returns active session ids, for operational diagnostics.
func ListSessions(w http.ResponseWriter, r *http.Request) {
	ids, err := Store.ListActiveIDs()
	if err != nil {
		log.Printf("[sessions] list failed: %v", err)
		writeError(w, http.StatusInternalServerError, "Failed to list sessions")
		return
	}
	if ids == nil {
		ids = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"sessions": ids})
}
