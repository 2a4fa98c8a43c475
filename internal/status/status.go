// Package status provides liveness and breaker-state HTTP handlers for the
// breaker daemon.
package status

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/dskow/circuitmesh/circuit"
)

// Pre-serialized liveness response avoids json.Encoder allocation.
var livenessBody = []byte(`{"status":"ok"}` + "\n")

// Handler serves /healthz and /breakers.
type Handler struct {
	factory *circuit.Factory
	logger  *slog.Logger
}

// New creates a status Handler over the factory's registry.
func New(factory *circuit.Factory, logger *slog.Logger) *Handler {
	return &Handler{factory: factory, logger: logger}
}

// RegisterRoutes adds the status routes to the given mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/healthz", h.liveness)
	mux.HandleFunc("/breakers", h.breakers)
}

func (h *Handler) liveness(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(livenessBody)
}

type shardStatus struct {
	State               string  `json:"state"`
	FailureCount        int     `json:"failure_count"`
	TotalRequests       int64   `json:"total_requests"`
	SuccessfulRequests  int64   `json:"successful_requests"`
	FailedRequests      int64   `json:"failed_requests"`
	CurrentLoad         int     `json:"current_load"`
	AverageResponseTime float64 `json:"average_response_time_ms"`
	LastError           string  `json:"last_error,omitempty"`
}

// breakers reports the state of every shard of every registered group.
func (h *Handler) breakers(w http.ResponseWriter, r *http.Request) {
	out := make(map[string]map[int]shardStatus)

	for _, name := range h.factory.Services() {
		group, err := h.factory.Group(name)
		if err != nil {
			continue // removed since Services() was taken
		}
		shards := make(map[int]shardStatus, group.ShardCount())
		for i := 0; i < group.ShardCount(); i++ {
			br, err := group.Breaker(i)
			if err != nil {
				continue
			}
			st := shardStatus{State: string(br.State(r.Context()))}
			if stats, err := br.Stats(r.Context()); err == nil {
				st.FailureCount = stats.FailureCount
				st.TotalRequests = stats.TotalRequests
				st.SuccessfulRequests = stats.SuccessfulRequests
				st.FailedRequests = stats.FailedRequests
				st.CurrentLoad = stats.CurrentLoad
				st.AverageResponseTime = stats.AverageResponseTime
				st.LastError = stats.LastError
			}
			shards[i] = st
		}
		out[name] = shards
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(map[string]any{"services": out}); err != nil {
		h.logger.Error("writing breaker status", "error", err)
	}
}
