// Package health provides liveness and readiness endpoints.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/devrev/sitefs/internal/model"
	"go.uber.org/zap"
)

// ReplicaSet is the part of the coordinator readiness depends on.
type ReplicaSet interface {
	QuorumAvailable() bool
	AvailableCount() int
	Sites() []model.Site
}

// Pinger is implemented by the idempotency store.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthCheck answers liveness and readiness probes.
type HealthCheck struct {
	replicas    ReplicaSet
	store       Pinger
	pingTimeout time.Duration
	logger      *zap.Logger
}

// NewHealthCheck creates a new HealthCheck instance. store may be nil.
func NewHealthCheck(replicas ReplicaSet, store Pinger, logger *zap.Logger) *HealthCheck {
	return &HealthCheck{
		replicas:    replicas,
		store:       store,
		pingTimeout: 2 * time.Second,
		logger:      logger,
	}
}

// LivenessResponse represents the response for the liveness check.
type LivenessResponse struct {
	Status string `json:"status"`
}

// ReadinessResponse represents the response for the readiness check.
type ReadinessResponse struct {
	Status            string            `json:"status"`
	ReplicasAvailable int               `json:"replicas_available"`
	ReplicasTotal     int               `json:"replicas_total"`
	Checks            map[string]string `json:"checks,omitempty"`
	Error             string            `json:"error,omitempty"`
}

// LivenessHandler handles GET /health requests.
// Returns 200 OK if the process is running.
func (hc *HealthCheck) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, LivenessResponse{Status: "healthy"})
}

// ReadinessHandler handles GET /ready requests.
// Returns 200 OK while enough replicas are up for a write to reach quorum.
func (hc *HealthCheck) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	resp := ReadinessResponse{
		Status:            "ready",
		ReplicasAvailable: hc.replicas.AvailableCount(),
		ReplicasTotal:     len(hc.replicas.Sites()),
		Checks:            map[string]string{"quorum": "healthy"},
	}
	code := http.StatusOK

	if !hc.replicas.QuorumAvailable() {
		resp.Status = "not_ready"
		resp.Checks["quorum"] = "unhealthy"
		resp.Error = "write quorum unavailable"
		code = http.StatusServiceUnavailable
	}

	if hc.store != nil {
		ctx, cancel := context.WithTimeout(r.Context(), hc.pingTimeout)
		defer cancel()

		if err := hc.store.Ping(ctx); err != nil {
			hc.logger.Warn("Idempotency store ping failed", zap.Error(err))
			resp.Status = "not_ready"
			resp.Checks["idempotency_store"] = "unhealthy"
			resp.Error = err.Error()
			code = http.StatusServiceUnavailable
		} else {
			resp.Checks["idempotency_store"] = "healthy"
		}
	}

	writeJSON(w, code, resp)
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
