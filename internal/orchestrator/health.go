package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/aristath/dagflow/internal/persistence"
	"github.com/aristath/dagflow/internal/run"
)

// Health statuses.
const (
	HealthOK       = "ok"
	HealthDegraded = "degraded" // serving, but a circuit breaker is open
	HealthStopping = "stopping"
	HealthDown     = "down" // the store is unreachable
)

// Health is the engine's self-report.
type Health struct {
	Status             string                `json:"status"`
	Store              string                `json:"store"`
	Uptime             string                `json:"uptime,omitempty"`
	Runs               map[run.RunStatus]int `json:"runs,omitempty"`
	TasksRunning       int                   `json:"tasks_running"`
	InFlight           int                   `json:"in_flight"`
	Capacity           int                   `json:"capacity"`
	PendingDeadLetters int                   `json:"pending_dead_letters"`
	Breakers           map[string]string     `json:"breakers,omitempty"`
	DroppedEvents      int64                 `json:"dropped_events"`
	CheckedAt          time.Time             `json:"checked_at"`
}

// GetHealth reports store reachability, run counts, and execution capacity.
// It never fails; problems are reported in the result.
func (e *Engine) GetHealth(ctx context.Context) Health {
	h := Health{
		Status:        HealthOK,
		Store:         "ok",
		InFlight:      e.sched.InFlight(),
		Capacity:      e.sched.Limiter().Size(),
		Breakers:      e.breakers.States(),
		DroppedEvents: e.bus.Dropped(),
		CheckedAt:     e.now(),
	}
	if e.isStarted() {
		e.startMu.Lock()
		h.Uptime = e.now().Sub(e.startedAt).Round(time.Second).String()
		e.startMu.Unlock()
	}

	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	stats, err := e.storeStats(ctx)
	if err != nil {
		h.Status = HealthDown
		h.Store = err.Error()
	} else {
		h.Runs = stats.Runs
		h.TasksRunning = stats.TasksRunning
		h.PendingDeadLetters = stats.PendingDeadLetters
	}

	switch {
	case e.sched.Stopping():
		h.Status = HealthStopping
	case h.Status == HealthOK:
		for _, state := range h.Breakers {
			if state == "open" {
				h.Status = HealthDegraded
				break
			}
		}
	}
	return h
}

func (e *Engine) storeStats(ctx context.Context) (persistence.Stats, error) {
	if err := e.store.Ping(ctx); err != nil {
		return persistence.Stats{}, fmt.Errorf("store unreachable: %w", err)
	}
	return e.store.Stats(ctx)
}

// HealthAddr returns the address the health server listens on, or "" when
// it is not serving.
func (e *Engine) HealthAddr() string {
	e.startMu.Lock()
	defer e.startMu.Unlock()
	return e.healthAddr
}

// HealthHandler serves /health as JSON and /metrics in the prometheus format.
func (e *Engine) HealthHandler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		h := e.GetHealth(r.Context())
		code := http.StatusOK
		if h.Status == HealthDown || h.Status == HealthStopping {
			code = http.StatusServiceUnavailable
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(h)
	})
	mux.Handle("GET /metrics", e.collector.Handler())
	return mux
}

func (e *Engine) serveHealth(addr string) (*http.Server, string, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, "", fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	srv := &http.Server{
		Handler:           e.HealthHandler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			e.logger.Error("health server stopped", "error", err)
		}
	}()
	e.logger.Info("health server listening", "addr", ln.Addr().String())
	return srv, ln.Addr().String(), nil
}
