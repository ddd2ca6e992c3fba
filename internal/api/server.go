// Package api implements the bridge's HTTP surface: the inbound
// LANCOM webhook and a small management API for the scanner fleet.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/nugget/lancom-ble/internal/buildinfo"
	"github.com/nugget/lancom-ble/internal/devreg"
	"github.com/nugget/lancom-ble/internal/mac"
	"github.com/nugget/lancom-ble/internal/scanner"
)

// writeJSON encodes v as JSON to w, logging any errors at debug level.
// Errors here typically mean the client disconnected mid-response,
// which is not actionable but worth tracking for debugging.
func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

// Dependency is a named readiness probe shown on the status endpoint.
type Dependency struct {
	Name  string
	Ready func() bool
}

// Server is the HTTP server. The webhook ID is mutable because config
// reloads may change it while the server is running.
type Server struct {
	listen     string
	instanceID string
	manager    *scanner.Manager
	adapter    *devreg.Adapter
	logger     *slog.Logger
	server     *http.Server

	mu           sync.Mutex
	webhookID    string
	dependencies []Dependency
	onAPRemoved  func(macUpper string)
}

// NewServer creates the HTTP server. Call [Server.Start] to serve.
func NewServer(listen, webhookID, instanceID string, manager *scanner.Manager, adapter *devreg.Adapter, logger *slog.Logger) *Server {
	return &Server{
		listen:     listen,
		webhookID:  webhookID,
		instanceID: instanceID,
		manager:    manager,
		adapter:    adapter,
		logger:     logger,
	}
}

// SetWebhookID swaps the accepted webhook ID, used on config reload.
func (s *Server) SetWebhookID(id string) {
	s.mu.Lock()
	s.webhookID = id
	s.mu.Unlock()
}

func (s *Server) currentWebhookID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.webhookID
}

// AddDependency registers a readiness probe for the status endpoint.
func (s *Server) AddDependency(name string, ready func() bool) {
	s.mu.Lock()
	s.dependencies = append(s.dependencies, Dependency{Name: name, Ready: ready})
	s.mu.Unlock()
}

// SetOnAPRemoved registers a callback fired after an access point is
// removed through the API, so downstream surfaces (MQTT discovery)
// can retract it.
func (s *Server) SetOnAPRemoved(fn func(macUpper string)) {
	s.mu.Lock()
	s.onAPRemoved = fn
	s.mu.Unlock()
}

// Start begins serving HTTP requests. It blocks until the listener
// fails or [Server.Shutdown] is called.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:         s.listen,
		Handler:      s.withLogging(s.Handler()),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	s.logger.Info("starting HTTP server", "listen", s.listen)
	return s.server.ListenAndServe()
}

// Handler returns the server's routes. Split from Start so tests can
// drive the mux through httptest without a listener.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Inbound webhook from the access points
	mux.HandleFunc("POST /api/webhook/{id}", s.handleWebhook)

	// Fleet management
	mux.HandleFunc("POST /api/v1/access-points", s.handleAddAccessPoint)
	mux.HandleFunc("GET /api/v1/access-points", s.handleListAccessPoints)
	mux.HandleFunc("GET /api/v1/access-points/{mac}", s.handleGetAccessPoint)
	mux.HandleFunc("DELETE /api/v1/access-points/{mac}", s.handleDeleteAccessPoint)

	// Registry maintenance
	mux.HandleFunc("POST /api/v1/maintenance/sync", s.handleMaintenanceSync)
	mux.HandleFunc("POST /api/v1/maintenance/consolidate", s.handleMaintenanceConsolidate)
	mux.HandleFunc("POST /api/v1/maintenance/reregister", s.handleMaintenanceReRegister)
	mux.HandleFunc("POST /api/v1/maintenance/fix-names", s.handleMaintenanceFixNames)

	// Device naming
	mux.HandleFunc("PUT /api/v1/devices/{mac}/name", s.handleSetDeviceName)

	// Health and status
	mux.HandleFunc("GET /api/v1/status", s.handleStatus)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /", s.handleRoot)

	return mux
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start),
		)
	})
}

// --- Webhook ---

// webhookAck is the fixed 200 response. The AP firmware treats any
// non-200 as a delivery failure and retries, so even malformed or
// misaddressed reports are acknowledged.
type webhookAck struct {
	OK bool `json:"ok"`
}

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	ack := func() {
		w.Header().Set("Content-Type", "application/json")
		writeJSON(w, webhookAck{OK: true}, s.logger)
	}

	if id := r.PathValue("id"); id != s.currentWebhookID() {
		s.logger.Warn("webhook ID mismatch, report dropped", "got", id)
		ack()
		return
	}

	var payload scanner.WebhookPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		s.logger.Warn("unparseable webhook payload", "error", err)
		ack()
		return
	}

	s.manager.InjectWebhook(payload)
	ack()
}

// --- Fleet management ---

// accessPointView is the telemetry snapshot returned for one scanner.
type accessPointView struct {
	MAC                    string  `json:"mac"`
	Name                   string  `json:"name"`
	SelfAdvertised         bool    `json:"self_advertised"`
	PacketsToday           int     `json:"packets_today"`
	PacketsLastMinute      int     `json:"packets_last_minute"`
	PacketsLastHour        int     `json:"packets_last_hour"`
	PacketsPerMinute       float64 `json:"packets_per_minute"`
	TimeSinceLastDetection float64 `json:"time_since_last_detection"`
	DiscoveredDevices      int     `json:"discovered_devices"`
}

func viewOf(sc *scanner.Scanner) accessPointView {
	return accessPointView{
		MAC:                    sc.MAC,
		Name:                   sc.Name(),
		SelfAdvertised:         sc.SelfAdvertised(),
		PacketsToday:           sc.PacketsToday(),
		PacketsLastMinute:      sc.PacketsLastMinute(),
		PacketsLastHour:        sc.PacketsLastHour(),
		PacketsPerMinute:       sc.PacketsPerMinute(),
		TimeSinceLastDetection: sc.TimeSinceLastDetection(),
		DiscoveredDevices:      len(sc.DiscoveredDevices()),
	}
}

type macRequest struct {
	MAC string `json:"mac"`
}

func (s *Server) handleAddAccessPoint(w http.ResponseWriter, r *http.Request) {
	var req macRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}

	macUpper := mac.Normalize(req.MAC)
	if !mac.Valid(macUpper) {
		s.errorResponse(w, http.StatusBadRequest, "not a MAC address: "+req.MAC)
		return
	}

	sc, err := s.manager.GetOrCreate(macUpper, true)
	if err != nil {
		s.logger.Error("access point setup failed", "mac", macUpper, "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "access point setup failed")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	writeJSON(w, viewOf(sc), s.logger)
}

func (s *Server) handleListAccessPoints(w http.ResponseWriter, r *http.Request) {
	scanners := s.manager.Scanners()
	views := make([]accessPointView, 0, len(scanners))
	for _, sc := range scanners {
		views = append(views, viewOf(sc))
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{
		"access_points": views,
		"count":         len(views),
	}, s.logger)
}

func (s *Server) handleGetAccessPoint(w http.ResponseWriter, r *http.Request) {
	sc, ok := s.manager.Scanner(r.PathValue("mac"))
	if !ok {
		s.errorResponse(w, http.StatusNotFound, "unknown access point")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, viewOf(sc), s.logger)
}

func (s *Server) handleDeleteAccessPoint(w http.ResponseWriter, r *http.Request) {
	raw := r.PathValue("mac")
	sc, ok := s.manager.Scanner(raw)
	if !ok {
		s.errorResponse(w, http.StatusNotFound, "unknown access point")
		return
	}

	macUpper := sc.MAC
	s.manager.Remove(macUpper)

	s.mu.Lock()
	removed := s.onAPRemoved
	s.mu.Unlock()
	if removed != nil {
		removed(macUpper)
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]string{"removed": macUpper}, s.logger)
}

// --- Maintenance ---

func (s *Server) handleMaintenanceSync(w http.ResponseWriter, r *http.Request) {
	checked, err := s.adapter.SyncExisting()
	if err != nil {
		s.logger.Error("registry sync failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "registry sync failed")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]int{"checked": checked}, s.logger)
}

func (s *Server) handleMaintenanceConsolidate(w http.ResponseWriter, r *http.Request) {
	removed, err := s.adapter.Consolidate()
	if err != nil {
		s.logger.Error("registry consolidation failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "registry consolidation failed")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]int{"removed": removed}, s.logger)
}

func (s *Server) handleMaintenanceReRegister(w http.ResponseWriter, r *http.Request) {
	var req macRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}

	macUpper := mac.Normalize(req.MAC)
	if !mac.Valid(macUpper) {
		s.errorResponse(w, http.StatusBadRequest, "not a MAC address: "+req.MAC)
		return
	}

	sc, err := s.manager.ReRegister(macUpper)
	if err != nil {
		s.logger.Error("re-registration failed", "mac", macUpper, "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "re-registration failed")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, viewOf(sc), s.logger)
}

func (s *Server) handleMaintenanceFixNames(w http.ResponseWriter, r *http.Request) {
	changed, err := s.adapter.FixAllNames()
	if err != nil {
		s.logger.Error("name fixup failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "name fixup failed")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]int{"changed": changed}, s.logger)
}

// --- Device naming ---

type nameRequest struct {
	Name string `json:"name"`
}

// handleSetDeviceName writes the user-assigned name onto the registry
// entry; an empty name clears it. The resulting registry update event
// drives the scanner's alignment and re-registration, same as a rename
// arriving from Home Assistant.
func (s *Server) handleSetDeviceName(w http.ResponseWriter, r *http.Request) {
	macUpper := mac.Normalize(r.PathValue("mac"))
	if !mac.Valid(macUpper) {
		s.errorResponse(w, http.StatusBadRequest, "not a MAC address: "+r.PathValue("mac"))
		return
	}

	var req nameRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}

	store := s.adapter.Store()
	entry, err := store.GetByIdentifier(mac.IdentifierFor(macUpper))
	if err != nil {
		if errors.Is(err, devreg.ErrNotFound) {
			s.errorResponse(w, http.StatusNotFound, "unknown device")
			return
		}
		s.logger.Error("registry lookup failed", "mac", macUpper, "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "registry lookup failed")
		return
	}

	updated, err := store.Update(entry.ID, devreg.Changes{
		NameByUser: devreg.StringPtr(req.Name),
	})
	if err != nil {
		s.logger.Error("name update failed", "mac", macUpper, "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "name update failed")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, updated, s.logger)
}

// --- Health and status ---

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	deps := make(map[string]bool, len(s.dependencies))
	for _, d := range s.dependencies {
		deps[d.Name] = d.Ready()
	}
	s.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{
		"build":        buildinfo.BuildInfo(),
		"uptime":       buildinfo.Uptime().Truncate(time.Second).String(),
		"instance_id":  s.instanceID,
		"scanners":     len(s.manager.Scanners()),
		"dependencies": deps,
	}, s.logger)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]string{"status": "ok"}, s.logger)
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]string{
		"name":    "lancom-ble",
		"version": buildinfo.Version,
		"status":  "ok",
	}, s.logger)
}

func (s *Server) errorResponse(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	writeJSON(w, map[string]any{
		"error": map[string]any{
			"message": message,
			"code":    code,
		},
	}, s.logger)
}
