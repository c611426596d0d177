package admin

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/lustre-irods/connector/journal"
	"github.com/lustre-irods/connector/telemetry"
	"github.com/rs/zerolog/log"
)

// Bounds of the ?limit= query parameter
const (
	defaultLimit = 256
	maxLimit     = 1024
)

// ShardSource exposes the state of the running shard pipelines
type ShardSource interface {
	telemetry.ShardLister

	// ShardFailures returns up to limit failure journal entries of mdt.
	// found is false when no pipeline for mdt is running.
	ShardFailures(mdt string, limit int) (entries []journal.FailureEntry, found bool, err error)
}

// AdminHandlers serves the shard inspection endpoints
type AdminHandlers struct {
	shards ShardSource
}

func NewAdminHandlers(shards ShardSource) *AdminHandlers {
	return &AdminHandlers{shards: shards}
}

func (h *AdminHandlers) shard(mdt string) (telemetry.ShardStats, bool) {
	for _, s := range h.shards.ShardStats() {
		if s.MDT == mdt {
			return s, true
		}
	}
	return telemetry.ShardStats{}, false
}

// envelope is the body of every admin response. Exactly one field is set.
type envelope struct {
	Data  any    `json:"data,omitempty"`
	Error string `json:"error,omitempty"`
}

func writeEnvelope(w http.ResponseWriter, status int, body envelope) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Error().Err(err).Int("status", status).Msg("Failed to encode admin response")
	}
}

func writeJSONResponse(w http.ResponseWriter, data any) {
	writeEnvelope(w, http.StatusOK, envelope{Data: data})
}

func writeErrorResponse(w http.ResponseWriter, status int, message string) {
	writeEnvelope(w, status, envelope{Error: message})
}

// parseLimit reads ?limit=, defaulting to 256 and accepting 1 through 1024
func parseLimit(r *http.Request) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return defaultLimit, nil
	}

	limit, err := strconv.Atoi(raw)
	switch {
	case err != nil:
		return 0, fmt.Errorf("invalid limit parameter %q: %w", raw, err)
	case limit < 1 || limit > maxLimit:
		return 0, fmt.Errorf("limit must be between 1 and %d, got %d", maxLimit, limit)
	}
	return limit, nil
}
