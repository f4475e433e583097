package server

import (
	"encoding/json"
	"net/http"
	"net/netip"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/whitelistd/whitelistd/internal/events"
)

func (s *Server) adminMux(reg *prometheus.Registry) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/startz", s.health.StartzHandler())
	mux.Handle("/healthz", s.health.HealthzHandler())
	mux.Handle("/readyz", s.health.ReadyzHandler())
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	}))
	mux.HandleFunc("GET /stats", s.handleStats)
	mux.HandleFunc("GET /whitelist", s.handleListWhitelist)
	mux.HandleFunc("DELETE /whitelist/{addr}", s.handleRevoke)
	return mux
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.metrics.Snapshot())
}

func (s *Server) handleListWhitelist(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.cache.Snapshot())
}

func (s *Server) handleRevoke(w http.ResponseWriter, r *http.Request) {
	raw := r.PathValue("addr")
	addr, err := netip.ParseAddr(raw)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid address: " + raw})
		return
	}

	if !s.cache.Revoke(addr) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "address not whitelisted"})
		return
	}
	s.logger.Info("whitelist entry revoked", "address", addr.Unmap())
	s.events.Emit(events.Revoked(addr))
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
