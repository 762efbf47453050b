package handlers

import (
	"context"
	"errors"
	"net/http"
	"os"
	"sync"
	"time"
)

const version = "0.1.0"

// Check represents the status of a health check.
type Check struct {
	Status  string `json:"status"`            // "pass" or "fail"
	Latency string `json:"latency,omitempty"` // e.g., "2ms"
	Message string `json:"message,omitempty"`
}

// HealthResponse represents the health check response.
type HealthResponse struct {
	Status    string           `json:"status"` // "healthy" or "degraded"
	Version   string           `json:"version"`
	Region    string           `json:"region,omitempty"`
	Instance  string           `json:"instance,omitempty"`
	Checks    map[string]Check `json:"checks"`
	Timestamp string           `json:"timestamp"`
}

type pinger interface {
	Ping(ctx context.Context) error
}

func runCheck(ctx context.Context, p pinger) Check {
	start := time.Now()
	if err := p.Ping(ctx); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return Check{Status: "fail", Message: "timed out"}
		}
		return Check{Status: "fail", Message: "connection failed"}
	}
	return Check{Status: "pass", Latency: time.Since(start).Round(time.Microsecond).String()}
}

// dependencies names everything Health pings. Redis backs the relay and
// rate limiter even when it is not the store.
func (h *Handler) dependencies() map[string]pinger {
	deps := make(map[string]pinger, 2)
	storeName := h.storeName
	if storeName == "" {
		storeName = "store"
	}
	deps[storeName] = h.store
	if _, ok := deps["redis"]; !ok && h.redis != nil {
		deps["redis"] = h.redis
	}
	return deps
}

// Health pings the store and Redis concurrently and reports 503 when any
// of them fails.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	var (
		mu     sync.Mutex
		wg     sync.WaitGroup
		checks = make(map[string]Check)
	)
	for name, p := range h.dependencies() {
		name, p := name, p
		wg.Add(1)
		go func() {
			defer wg.Done()
			c := runCheck(ctx, p)
			mu.Lock()
			checks[name] = c
			mu.Unlock()
		}()
	}
	wg.Wait()

	status, statusCode := "healthy", http.StatusOK
	for name, c := range checks {
		if c.Status != "pass" {
			status, statusCode = "degraded", http.StatusServiceUnavailable
			h.logger.Warn().Str("check", name).Str("reason", c.Message).Msg("health check failed")
		}
	}

	h.JSON(w, statusCode, HealthResponse{
		Status:    status,
		Version:   version,
		Region:    os.Getenv("FLY_REGION"),
		Instance:  os.Getenv("FLY_ALLOC_ID"),
		Checks:    checks,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

// RootResponse represents the root endpoint response.
type RootResponse struct {
	Name    string `json:"name"`
	Version string `json:"version"`
	Store   string `json:"store"`
}

// Root handles the root endpoint.
func (h *Handler) Root(w http.ResponseWriter, r *http.Request) {
	h.JSON(w, http.StatusOK, RootResponse{
		Name:    "roomsync",
		Version: version,
		Store:   h.storeName,
	})
}
