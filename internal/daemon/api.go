package daemon

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"pkt.systems/pslog"
)

// DefaultHistoryLimit is the number of audit entries /api/history returns
// without a limit parameter.
const DefaultHistoryLimit = 100

// APIServer serves read-only status, audit history and metrics over HTTP.
// It never exposes the RPC methods.
type APIServer struct {
	srv    *Server
	server *http.Server
	logger pslog.Logger
}

// NewAPIServer creates the HTTP server for addr.
func NewAPIServer(srv *Server, addr string, logger pslog.Logger) *APIServer {
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	api := &APIServer{
		srv:    srv,
		logger: logger.With("component", "api"),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/status", api.handleStatus)
	mux.HandleFunc("GET /api/history", api.handleHistory)
	mux.Handle("GET /metrics", srv.metrics.Handler())

	api.server = &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	return api
}

// Handler returns the HTTP handler, for tests.
func (api *APIServer) Handler() http.Handler {
	return api.server.Handler
}

// ListenAndServe starts the HTTP server.
func (api *APIServer) ListenAndServe() error {
	api.logger.Info("http api listening", "addr", api.server.Addr)
	return api.server.ListenAndServe()
}

// Shutdown closes the HTTP server.
func (api *APIServer) Shutdown() error {
	return api.server.Close()
}

type statusResponse struct {
	Status         string   `json:"status"`
	UptimeSeconds  float64  `json:"uptime_seconds"`
	FirewallActive bool     `json:"firewall_active"`
	Requests       uint64   `json:"requests"`
	Methods        []string `json:"methods"`
}

func (api *APIServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, statusResponse{
		Status:         "running",
		UptimeSeconds:  api.srv.Uptime().Seconds(),
		FirewallActive: api.srv.state.FirewallActive(),
		Requests:       api.srv.Handled(),
		Methods:        api.srv.registry.Names(),
	})
}

func (api *APIServer) handleHistory(w http.ResponseWriter, r *http.Request) {
	limit := DefaultHistoryLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			http.Error(w, "Invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}

	entries, err := ReadAuditLog(api.srv.audit.Path(), limit)
	if err != nil {
		api.logger.Error("read audit log failed", "err", err)
		http.Error(w, "Failed to read audit log", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
