package handler

import (
	"net/http"
	"runtime"
	"time"

	"github.com/labstack/echo/v4"

	"hls-proxy/internal/config"
	"hls-proxy/internal/model"
)

// Version is a string type for dependency injection of the build version.
type Version string

// StatsSource reports worker pool capacity.
type StatsSource interface {
	Stats() model.PoolStats
}

// HealthResponse is returned by /healthz.
type HealthResponse struct {
	Status string          `json:"status"`
	Pool   model.PoolStats `json:"pool"`
}

// MemoryStats is the memory section of the status response, in bytes.
type MemoryStats struct {
	Alloc     uint64 `json:"alloc"`
	HeapInuse uint64 `json:"heap_inuse"`
	Sys       uint64 `json:"sys"`
	NumGC     uint32 `json:"num_gc"`
}

// StatusResponse is returned by <base>/status.
type StatusResponse struct {
	Status        string          `json:"status"`
	Version       string          `json:"version"`
	Environment   string          `json:"environment"`
	GoVersion     string          `json:"go_version"`
	UptimeSeconds int64           `json:"uptime_seconds"`
	Goroutines    int             `json:"goroutines"`
	Memory        MemoryStats     `json:"memory"`
	Pool          model.PoolStats `json:"pool"`
}

// HealthHandler serves health and status endpoints.
type HealthHandler struct {
	cfg     *config.Config
	pool    StatsSource
	version Version
	started time.Time
}

// NewHealthHandler creates a HealthHandler.
func NewHealthHandler(cfg *config.Config, pool StatsSource, v Version) *HealthHandler {
	return &HealthHandler{cfg: cfg, pool: pool, version: v, started: time.Now()}
}

// Healthz reports "degraded" when every rewrite worker is busy and jobs are
// queued. The proxy still serves in that state, so the code stays 200.
func (h *HealthHandler) Healthz(c echo.Context) error {
	stats := h.pool.Stats()
	return c.JSON(http.StatusOK, HealthResponse{
		Status: poolStatus(stats),
		Pool:   stats,
	})
}

// Status returns process information for operators.
func (h *HealthHandler) Status(c echo.Context) error {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	stats := h.pool.Stats()

	return c.JSON(http.StatusOK, StatusResponse{
		Status:        poolStatus(stats),
		Version:       string(h.version),
		Environment:   h.cfg.Server.Environment,
		GoVersion:     runtime.Version(),
		UptimeSeconds: int64(time.Since(h.started).Seconds()),
		Goroutines:    runtime.NumGoroutine(),
		Memory: MemoryStats{
			Alloc:     ms.Alloc,
			HeapInuse: ms.HeapInuse,
			Sys:       ms.Sys,
			NumGC:     ms.NumGC,
		},
		Pool: stats,
	})
}

func poolStatus(s model.PoolStats) string {
	if s.Degraded() {
		return "degraded"
	}
	return "ok"
}
