package admin

import (
	"net/http"
	"sort"

	"github.com/go-chi/chi/v5"
	"github.com/lustre-irods/connector/telemetry"
)

type shardStatus struct {
	MDT      string `json:"mdt"`
	Cursor   uint64 `json:"cursor"`
	Pending  int    `json:"pending"`
	Failures int    `json:"failures"`
}

func toStatus(s telemetry.ShardStats) shardStatus {
	return shardStatus{
		MDT:      s.MDT,
		Cursor:   s.Cursor,
		Pending:  s.Pending,
		Failures: s.Failures,
	}
}

// handleListShards returns every running shard ordered by MDT name
func (h *AdminHandlers) handleListShards(w http.ResponseWriter, r *http.Request) {
	stats := h.shards.ShardStats()
	sort.Slice(stats, func(i, j int) bool { return stats[i].MDT < stats[j].MDT })

	out := make([]shardStatus, 0, len(stats))
	for _, s := range stats {
		out = append(out, toStatus(s))
	}
	writeJSONResponse(w, out)
}

func (h *AdminHandlers) handleShard(w http.ResponseWriter, r *http.Request) {
	mdt := chi.URLParam(r, "mdt")
	s, ok := h.shard(mdt)
	if !ok {
		writeErrorResponse(w, http.StatusNotFound, "shard '"+mdt+"' not running")
		return
	}
	writeJSONResponse(w, toStatus(s))
}

func (h *AdminHandlers) handleShardFailures(w http.ResponseWriter, r *http.Request) {
	mdt := chi.URLParam(r, "mdt")
	limit, err := parseLimit(r)
	if err != nil {
		writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	entries, found, err := h.shards.ShardFailures(mdt, limit)
	if !found {
		writeErrorResponse(w, http.StatusNotFound, "shard '"+mdt+"' not running")
		return
	}
	if err != nil {
		writeErrorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSONResponse(w, entries)
}

type health struct {
	Healthy bool `json:"healthy"`
	Shards  int  `json:"shards"`
}

// handleHealth reports healthy while at least one shard is running
func (h *AdminHandlers) handleHealth(w http.ResponseWriter, r *http.Request) {
	running := len(h.shards.ShardStats())
	status := http.StatusOK
	if running == 0 {
		status = http.StatusServiceUnavailable
	}
	writeEnvelope(w, status, envelope{Data: health{Healthy: running > 0, Shards: running}})
}
