package api

import (
	"context"
	"crypto/subtle"
	"net/http"
	"time"

	"pawkeep/internal/types"
)

const healthCheckTimeout = 2 * time.Second

// opsSecretHeader carries the shared secret guarding manual triggers.
const opsSecretHeader = "X-Ops-Secret"

type healthResponse struct {
	Status     string            `json:"status"`
	Components map[string]string `json:"components,omitempty"`
}

type generateResponse struct {
	Processed int `json:"processed"`
	Created   int `json:"created"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	if err := s.db.Ping(ctx); err != nil {
		JSON(w, r, http.StatusServiceUnavailable, healthResponse{
			Status:     "unhealthy",
			Components: map[string]string{"database": err.Error()},
		})
		return
	}
	JSON(w, r, http.StatusOK, healthResponse{Status: "healthy"})
}

// handleGenerateEvents runs a full materialization pass outside the daily
// schedule. Guarded by a shared secret compared in constant time.
func (s *Server) handleGenerateEvents(w http.ResponseWriter, r *http.Request) {
	secret := []byte(s.cfg.Ops.Secret.Unmask())
	provided := []byte(r.Header.Get(opsSecretHeader))
	if subtle.ConstantTimeCompare(secret, provided) != 1 {
		Error(w, r, types.NewAppError(types.ErrCodeAuthSecretInvalid, "invalid ops secret", nil))
		return
	}

	processed, created, err := s.generator.MaterializeAllActive(r.Context(), s.clock.Now())
	if err != nil {
		Error(w, r, err)
		return
	}
	JSON(w, r, http.StatusOK, generateResponse{Processed: processed, Created: created})
}
