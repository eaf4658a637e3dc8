package handlers

import (
	"context"
	"time"
)

// HealthHandler reports liveness.
type HealthHandler struct {
	started time.Time
	version string
}

// NewHealthHandler creates a new health handler.
func NewHealthHandler(version string) *HealthHandler {
	return &HealthHandler{started: time.Now(), version: version}
}

// HealthRequest is the request type for health check (empty).
type HealthRequest struct{}

// HealthResponse is the response for health check.
type HealthResponse struct {
	Status        string `json:"status"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	Version       string `json:"version,omitempty"`
}

// Health returns the health status of the server. It does not touch the
// store.
func (h *HealthHandler) Health(ctx context.Context, req HealthRequest) (*HealthResponse, error) {
	return &HealthResponse{
		Status:        "ok",
		UptimeSeconds: int64(time.Since(h.started) / time.Second),
		Version:       h.version,
	}, nil
}
