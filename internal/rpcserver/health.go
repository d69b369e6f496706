package rpcserver

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
)

// probeStatus mirrors the shape of the teacher's Kubernetes probe
// responses, trimmed to the two states the bootstrapper drives.
type probeStatus struct {
	Live    bool   `json:"live"`
	Ready   bool   `json:"ready"`
	Message string `json:"message,omitempty"`
}

// HealthListener serves /livez and /readyz on loopback only. It carries
// no request handling beyond process liveness and startup completion:
// the operator dashboard excluded from this worker lives elsewhere.
type HealthListener struct {
	ready atomic.Bool
	live  atomic.Bool

	server *http.Server
}

// NewHealthListener binds addr (expected to be a 127.0.0.1 loopback
// address) and starts serving immediately as live-but-not-ready.
func NewHealthListener(addr string) *HealthListener {
	h := &HealthListener{}
	h.live.Store(true)

	r := chi.NewRouter()
	r.Get("/livez", h.handleLive)
	r.Get("/readyz", h.handleReady)

	h.server = &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}
	return h
}

// SetReady flips readiness once the bootstrapper finishes wiring every
// component. SetReady(false) lets shutdown mark the worker draining.
func (h *HealthListener) SetReady(ready bool) {
	h.ready.Store(ready)
}

// SetLive flips liveness. Only the bootstrapper's fatal-error path
// should ever call SetLive(false).
func (h *HealthListener) SetLive(live bool) {
	h.live.Store(live)
}

// Serve blocks until ctx is cancelled or the listener fails.
func (h *HealthListener) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", h.server.Addr)
	if err != nil {
		return err
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = h.server.Shutdown(shutdownCtx)
	}()

	err = h.server.Serve(ln)
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (h *HealthListener) handleLive(w http.ResponseWriter, r *http.Request) {
	status := probeStatus{Live: h.live.Load(), Ready: h.ready.Load()}
	if !status.Live {
		status.Message = "process not live"
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(status)
}

func (h *HealthListener) handleReady(w http.ResponseWriter, r *http.Request) {
	status := probeStatus{Live: h.live.Load(), Ready: h.ready.Load()}
	if !status.Ready {
		status.Message = "worker not ready"
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(status)
}
