package observability

import (
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
)

// Pre-serialized JSON responses for the shallow probes.
var (
	jsonAlive      = []byte(`{"status":"alive"}`)
	jsonReady      = []byte(`{"status":"ready"}`)
	jsonNotReady   = []byte(`{"status":"not_ready"}`)
	jsonStarted    = []byte(`{"status":"started"}`)
	jsonNotStarted = []byte(`{"status":"not_started"}`)
)

// Probe reports whether an internal component is healthy.
type Probe func() error

// HealthChecker provides startup, liveness, and readiness check endpoints.
type HealthChecker struct {
	started atomic.Bool
	ready   atomic.Bool

	mu     sync.RWMutex
	probes map[string]Probe
}

// NewHealthChecker creates a new health checker (starts in not-ready state).
func NewHealthChecker() *HealthChecker {
	return &HealthChecker{probes: make(map[string]Probe)}
}

// SetStarted marks the service as having completed startup.
func (h *HealthChecker) SetStarted() { h.started.Store(true) }

// IsStarted returns whether the service has completed startup.
func (h *HealthChecker) IsStarted() bool { return h.started.Load() }

// SetReady marks the service as ready to receive traffic.
func (h *HealthChecker) SetReady() { h.ready.Store(true) }

// SetNotReady marks the service as not ready (draining).
func (h *HealthChecker) SetNotReady() { h.ready.Store(false) }

// IsReady returns whether the service is ready.
func (h *HealthChecker) IsReady() bool { return h.ready.Load() }

// SetProbe registers a named probe run by deep readiness checks. A nil probe
// removes the name.
func (h *HealthChecker) SetProbe(name string, p Probe) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if p == nil {
		delete(h.probes, name)
		return
	}
	h.probes[name] = p
}

// StartzHandler returns 200 once the service has completed startup, 503 otherwise.
func (h *HealthChecker) StartzHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")

		if h.IsStarted() {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write(jsonStarted)
		} else {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write(jsonNotStarted)
		}
	}
}

// HealthzHandler returns 200 if the process is alive.
func (h *HealthChecker) HealthzHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(jsonAlive)
	}
}

// ReadyzHandler returns 200 if the service is ready, 503 otherwise. With
// ?deep=true every registered probe is run and reported by name.
func (h *HealthChecker) ReadyzHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")

		if !h.IsReady() {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write(jsonNotReady)
			return
		}

		if r.URL.Query().Get("deep") != "true" {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write(jsonReady)
			return
		}

		body, ok := h.runProbes()
		if ok {
			w.WriteHeader(http.StatusOK)
		} else {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(body)
	}
}

func (h *HealthChecker) runProbes() (map[string]string, bool) {
	h.mu.RLock()
	names := make([]string, 0, len(h.probes))
	for name := range h.probes {
		names = append(names, name)
	}
	probes := make(map[string]Probe, len(h.probes))
	for k, v := range h.probes {
		probes[k] = v
	}
	h.mu.RUnlock()
	sort.Strings(names)

	body := map[string]string{"status": "ready"}
	ok := true
	for _, name := range names {
		if err := probes[name](); err != nil {
			body[name] = err.Error()
			ok = false
			continue
		}
		body[name] = "ok"
	}
	if !ok {
		body["status"] = "not_ready"
	}
	return body, ok
}
