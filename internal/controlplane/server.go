package controlplane

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/fentz26/cadence/internal/models"
	"github.com/fentz26/cadence/internal/scheduler"
	"github.com/fentz26/cadence/internal/version"
)

// Server provides the HTTP API for cadence.
type Server struct {
	service *Service
	addr    string
	limiter *RateLimiter
	logger  *slog.Logger
	server  *http.Server
}

// NewServer creates a new HTTP server. limiter may be nil.
func NewServer(service *Service, addr string, limiter *RateLimiter, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		service: service,
		addr:    addr,
		limiter: limiter,
		logger:  logger.With("component", "api"),
	}
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("GET /stats", s.handleStats)

	// Campaign endpoints
	mux.HandleFunc("GET /campaigns", s.listCampaigns)
	mux.HandleFunc("POST /campaigns", s.createCampaign)
	mux.HandleFunc("GET /campaigns/{id}", s.getCampaign)

	// Cycle endpoints
	mux.HandleFunc("POST /campaigns/{id}/run", s.runCycle)
	mux.HandleFunc("GET /campaigns/{id}/runs", s.listRuns)
	mux.HandleFunc("GET /runs", s.listRuns)

	// Prospect endpoints
	mux.HandleFunc("GET /campaigns/{id}/prospects", s.listProspects)
	mux.HandleFunc("GET /prospects", s.listProspects)
	mux.HandleFunc("POST /campaigns/{id}/prospects/{key}/mark", s.markProspect)

	// Admission endpoints
	mux.HandleFunc("GET /campaigns/{id}/admission", s.admissionStatus)
	mux.HandleFunc("PUT /campaigns/{id}/admission/policy", s.updatePolicy)
	mux.HandleFunc("POST /campaigns/{id}/admission/{op}", s.changeAdmission)

	// Session and audit endpoints
	mux.HandleFunc("POST /campaigns/{id}/session/check", s.checkSession)
	mux.HandleFunc("GET /audit", s.listAudit)

	var h http.Handler = mux
	if s.limiter != nil {
		h = s.limiter.Middleware(h)
	}
	return h
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:         s.addr,
		Handler:      s.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 15 * time.Minute,
	}

	s.logger.Info("starting cadence daemon", "addr", s.addr)
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// HealthResponse is returned by /health.
type HealthResponse struct {
	OK      bool   `json:"ok"`
	DB      string `json:"db"`
	Version string `json:"version"`
	Time    string `json:"time"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	resp := HealthResponse{
		OK:      true,
		DB:      "ok",
		Version: version.Get(),
		Time:    time.Now().UTC().Format(time.RFC3339),
	}
	status := http.StatusOK
	if err := s.service.Ping(ctx); err != nil {
		resp.OK = false
		resp.DB = err.Error()
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats := s.service.Stats()
	if h, ok := s.service.CurrentSession(); ok {
		stats["session_locator"] = h.Locator
		stats["session_generation"] = h.Generation
	}
	writeJSON(w, http.StatusOK, stats)
}

// --- Campaign Handlers ---

func (s *Server) createCampaign(w http.ResponseWriter, r *http.Request) {
	var c models.Campaign
	if !decode(w, r, &c) {
		return
	}
	created, err := s.service.CreateCampaign(r.Context(), c)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) listCampaigns(w http.ResponseWriter, r *http.Request) {
	campaigns := s.service.ListCampaigns()
	if campaigns == nil {
		campaigns = []scheduler.CampaignSummary{}
	}
	writeJSON(w, http.StatusOK, campaigns)
}

func (s *Server) getCampaign(w http.ResponseWriter, r *http.Request) {
	c, err := s.service.GetCampaign(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

// --- Cycle Handlers ---

// RunRequest triggers a cycle.
type RunRequest struct {
	scheduler.RunOptions
	// WaitSeconds bounds how long the request blocks. Zero uses the
	// scheduler default.
	WaitSeconds int `json:"wait_seconds"`
}

// RunResponse reports a triggered cycle.
type RunResponse struct {
	Status string           `json:"status"` // finished, running
	Run    *models.CycleRun `json:"run,omitempty"`
	Error  string           `json:"error,omitempty"`
}

func (s *Server) runCycle(w http.ResponseWriter, r *http.Request) {
	var req RunRequest
	if r.ContentLength != 0 && !decode(w, r, &req) {
		return
	}
	if req.WaitSeconds < 0 {
		writeError(w, fmt.Errorf("%w: wait_seconds must not be negative", ErrInvalidRequest))
		return
	}

	run, err := s.service.RunCycle(r.Context(), r.PathValue("id"), req.RunOptions, time.Duration(req.WaitSeconds)*time.Second)
	switch {
	case errors.Is(err, scheduler.ErrWaitTimeout):
		writeJSON(w, http.StatusAccepted, RunResponse{Status: "running"})
	case run != nil && run.Outcome == models.RunAborted && !errors.Is(err, scheduler.ErrPersistence):
		// The aborted run was recorded; report it rather than a bare error.
		writeJSON(w, http.StatusOK, RunResponse{Status: "finished", Run: run, Error: err.Error()})
	case err != nil:
		writeError(w, err)
	default:
		writeJSON(w, http.StatusOK, RunResponse{Status: "finished", Run: run})
	}
}

func (s *Server) listRuns(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		id = r.URL.Query().Get("campaign")
	}
	limit, ok := limitParam(w, r, 20)
	if !ok {
		return
	}
	runs := s.service.ListRuns(id, limit)
	if runs == nil {
		runs = []models.CycleRun{}
	}
	writeJSON(w, http.StatusOK, runs)
}

// --- Prospect Handlers ---

func (s *Server) listProspects(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		id = r.URL.Query().Get("campaign")
	}
	prospects, err := s.service.ListProspects(id, models.Stage(r.URL.Query().Get("stage")))
	if err != nil {
		writeError(w, err)
		return
	}
	if prospects == nil {
		prospects = []models.Prospect{}
	}
	writeJSON(w, http.StatusOK, prospects)
}

type markRequest struct {
	Stage models.Stage `json:"stage"`
}

func (s *Server) markProspect(w http.ResponseWriter, r *http.Request) {
	var req markRequest
	if !decode(w, r, &req) {
		return
	}
	p, err := s.service.MarkProspect(r.Context(), r.PathValue("id"), r.PathValue("key"), req.Stage)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// --- Admission Handlers ---

func (s *Server) admissionStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.service.AdmissionStatus(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

type admissionRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) changeAdmission(w http.ResponseWriter, r *http.Request) {
	var req admissionRequest
	if r.ContentLength != 0 && !decode(w, r, &req) {
		return
	}
	status, err := s.service.ChangeAdmission(r.Context(), r.PathValue("id"), r.PathValue("op"), req.Reason)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) updatePolicy(w http.ResponseWriter, r *http.Request) {
	var p models.AdmissionPolicy
	if !decode(w, r, &p) {
		return
	}
	status, err := s.service.UpdatePolicy(r.Context(), r.PathValue("id"), p)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

// --- Session and Audit Handlers ---

func (s *Server) checkSession(w http.ResponseWriter, r *http.Request) {
	report, err := s.service.CheckSession(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) listAudit(w http.ResponseWriter, r *http.Request) {
	limit, ok := limitParam(w, r, 50)
	if !ok {
		return
	}
	entries, err := s.service.ListAudit(r.Context(), r.URL.Query().Get("campaign"), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	if entries == nil {
		entries = []models.PDREntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

// --- helpers ---

func decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return false
	}
	return true
}

func limitParam(w http.ResponseWriter, r *http.Request, def int) (int, bool) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return def, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		http.Error(w, "invalid limit", http.StatusBadRequest)
		return 0, false
	}
	return n, true
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
