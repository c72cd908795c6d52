package api

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/turnengine/turnengine/internal/store"
)

// checkAdminKey reports whether the request carries the privileged admin key
// configured at startup. Admin routes are disabled entirely (404) when no
// admin key was configured, so an operator cannot accidentally expose them.
func (s *Server) checkAdminKey(w http.ResponseWriter, r *http.Request) bool {
	if s.adminKey == "" {
		http.NotFound(w, r)
		return false
	}
	if r.Header.Get("X-Admin-Key") != s.adminKey {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing or invalid admin key", 0)
		return false
	}
	return true
}

// createKeyRequest is the POST /admin/keys request body.
type createKeyRequest struct {
	Owner              string     `json:"owner"`
	ExpiresAt          *time.Time `json:"expires_at,omitempty"`
	RateLimitPerMinute int        `json:"rate_limit_per_minute,omitempty"`
	RateLimitPerDay    int        `json:"rate_limit_per_day,omitempty"`
}

// apiKeyWire is the client-facing representation of an API key. Secret is
// only ever populated on issuance; HashedSecret is never exposed.
type apiKeyWire struct {
	ID                 string     `json:"id"`
	Secret             string     `json:"secret,omitempty"`
	Owner              string     `json:"owner"`
	CreatedAt          time.Time  `json:"created_at"`
	ExpiresAt          *time.Time `json:"expires_at,omitempty"`
	Revoked            bool       `json:"revoked"`
	RateLimitPerMinute int        `json:"rate_limit_per_minute"`
	RateLimitPerDay    int        `json:"rate_limit_per_day"`
}

func (s *Server) handleCreateKey(w http.ResponseWriter, r *http.Request) {
	if !s.checkAdminKey(w, r) {
		return
	}
	var req createKeyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "malformed JSON body", 0)
		return
	}
	if req.Owner == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "owner is required", 0)
		return
	}

	secret, err := newKeySecret()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to generate key secret", 0)
		return
	}

	rec, err := s.st.CreateAPIKey(r.Context(), store.APIKey{
		HashedSecret:       store.HashSecret(secret),
		Owner:              req.Owner,
		ExpiresAt:          req.ExpiresAt,
		RateLimitPerMinute: req.RateLimitPerMinute,
		RateLimitPerDay:    req.RateLimitPerDay,
	})
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "dependency_failure", err.Error(), 0)
		return
	}

	writeJSON(w, http.StatusCreated, apiKeyWire{
		ID:                 rec.ID,
		Secret:             secret,
		Owner:              rec.Owner,
		CreatedAt:          rec.CreatedAt,
		ExpiresAt:          rec.ExpiresAt,
		Revoked:            rec.Revoked,
		RateLimitPerMinute: rec.RateLimitPerMinute,
		RateLimitPerDay:    rec.RateLimitPerDay,
	})
}

func (s *Server) handleListKeys(w http.ResponseWriter, r *http.Request) {
	if !s.checkAdminKey(w, r) {
		return
	}
	recs, err := s.st.ListAPIKeys(r.Context())
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "dependency_failure", err.Error(), 0)
		return
	}

	out := make([]apiKeyWire, len(recs))
	for i, rec := range recs {
		out[i] = apiKeyWire{
			ID:                 rec.ID,
			Owner:              rec.Owner,
			CreatedAt:          rec.CreatedAt,
			ExpiresAt:          rec.ExpiresAt,
			Revoked:            rec.Revoked,
			RateLimitPerMinute: rec.RateLimitPerMinute,
			RateLimitPerDay:    rec.RateLimitPerDay,
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"keys": out})
}

func (s *Server) handleRevokeKey(w http.ResponseWriter, r *http.Request) {
	if !s.checkAdminKey(w, r) {
		return
	}
	id := r.PathValue("id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "key id is required", 0)
		return
	}
	if err := s.st.RevokeAPIKey(r.Context(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "no such key", 0)
			return
		}
		writeError(w, http.StatusServiceUnavailable, "dependency_failure", err.Error(), 0)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// newKeySecret generates a random 32-byte API key secret, hex-encoded.
func newKeySecret() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return "tk_" + hex.EncodeToString(buf), nil
}
