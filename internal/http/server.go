package http

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ignatij/autoflow/internal/scheduler"
	"github.com/ignatij/autoflow/pkg/models"
	"github.com/ignatij/autoflow/pkg/service"
	"github.com/moogar0880/problems"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// OwnerHeader carries the authenticated user id, set by the fronting application.
const OwnerHeader = "X-User-ID"

type Pinger interface {
	Ping(ctx context.Context) error
}

type Logger interface {
	Infof(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// Server exposes the engine entry points over HTTP.
type Server struct {
	passes     *scheduler.Passes
	triggers   *service.TriggerService
	scheduled  *service.ScheduledEmailService
	db         Pinger
	cronSecret string
	logger     Logger
}

func NewServer(passes *scheduler.Passes, triggers *service.TriggerService, scheduled *service.ScheduledEmailService,
	db Pinger, cronSecret string, logger Logger) *Server {
	return &Server{
		passes:     passes,
		triggers:   triggers,
		scheduled:  scheduled,
		db:         db,
		cronSecret: cronSecret,
		logger:     logger,
	}
}

func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.healthHandler)
	mux.Handle("GET /metrics", promhttp.Handler())

	mux.HandleFunc("POST /api/cron/advance", s.requireCronSecret(s.advanceHandler))
	mux.HandleFunc("POST /api/cron/scheduled-emails", s.requireCronSecret(s.scheduledEmailsHandler))
	mux.HandleFunc("POST /api/cron/invoices", s.requireCronSecret(s.invoicesHandler))

	mux.HandleFunc("POST /api/workflows/{id}/run", s.requireOwner(s.runWorkflowHandler))
	mux.HandleFunc("POST /api/triggers", s.requireOwner(s.triggerHandler))
	mux.HandleFunc("DELETE /api/scheduled-emails/{id}", s.requireOwner(s.cancelScheduledEmailHandler))
	return mux
}

// Start serves until ctx is cancelled and then shuts down gracefully.
func (s *Server) Start(ctx context.Context, port string) error {
	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           s.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Infof("Starting AutoFlow server on :%s", port)
		errCh <- srv.ListenAndServe()
	}()
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	if err := s.db.Ping(r.Context()); err != nil {
		s.logger.Errorf("Health check failed: %v", err)
		writeProblem(w, r, http.StatusServiceUnavailable, "database_unavailable", "database is not reachable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type ownerHandler func(w http.ResponseWriter, r *http.Request, ownerID int64)

func (s *Server) requireCronSecret(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.cronSecret == "" {
			writeProblem(w, r, http.StatusServiceUnavailable, "cron_disabled", "CRON_API_SECRET is not configured")
			return
		}
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(token), []byte(s.cronSecret)) != 1 {
			writeProblem(w, r, http.StatusUnauthorized, "unauthorized", "missing or invalid bearer token")
			return
		}
		next(w, r)
	}
}

func (s *Server) requireOwner(next ownerHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ownerID, err := strconv.ParseInt(r.Header.Get(OwnerHeader), 10, 64)
		if err != nil || ownerID <= 0 {
			writeProblem(w, r, http.StatusUnauthorized, "unauthorized", OwnerHeader+" header is required")
			return
		}
		next(w, r, ownerID)
	}
}

type passResponse struct {
	service.Result
	Report interface{} `json:"report"`
}

func (s *Server) advanceHandler(w http.ResponseWriter, r *http.Request) {
	report, err := s.passes.Advance(r.Context())
	s.writePass(w, r, "Advance", report, err)
}

func (s *Server) scheduledEmailsHandler(w http.ResponseWriter, r *http.Request) {
	report, err := s.passes.SendScheduled(r.Context())
	s.writePass(w, r, "Scheduled email", report, err)
}

func (s *Server) invoicesHandler(w http.ResponseWriter, r *http.Request) {
	report, err := s.passes.ScanInvoices(r.Context())
	s.writePass(w, r, "Invoice scan", report, err)
}

func (s *Server) writePass(w http.ResponseWriter, r *http.Request, name string, report interface{}, err error) {
	switch {
	case errors.Is(err, scheduler.ErrPassRunning):
		writeProblem(w, r, http.StatusConflict, "pass_running", err.Error())
	case err != nil:
		s.logger.Errorf("%s pass failed: %v", name, err)
		writeError(w, r, err)
	default:
		writeJSON(w, http.StatusOK, passResponse{
			Result: service.Result{Success: true, Message: name + " pass finished"},
			Report: report,
		})
	}
}

type runRequest struct {
	Data map[string]interface{} `json:"data"`
}

func (s *Server) runWorkflowHandler(w http.ResponseWriter, r *http.Request, ownerID int64) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		writeProblem(w, r, http.StatusBadRequest, "validation_error", "workflow id must be a positive integer")
		return
	}
	var req runRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeProblem(w, r, http.StatusBadRequest, "validation_error", "invalid JSON body: "+err.Error())
			return
		}
	}
	testMode, _ := strconv.ParseBool(r.URL.Query().Get("test"))

	res, err := s.triggers.RunWorkflow(r.Context(), id, ownerID, req.Data, testMode)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type triggerRequest struct {
	TriggerType models.TriggerType     `json:"trigger_type"`
	Data        map[string]interface{} `json:"data"`
}

func (s *Server) triggerHandler(w http.ResponseWriter, r *http.Request, ownerID int64) {
	var req triggerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeProblem(w, r, http.StatusBadRequest, "validation_error", "invalid JSON body: "+err.Error())
		return
	}
	if !req.TriggerType.Valid() {
		writeProblem(w, r, http.StatusBadRequest, "validation_error", "unknown trigger_type "+strconv.Quote(string(req.TriggerType)))
		return
	}
	res := s.triggers.Trigger(r.Context(), req.TriggerType, ownerID, req.Data)
	if !res.Success {
		writeProblem(w, r, http.StatusInternalServerError, "trigger_failed", res.Message)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) cancelScheduledEmailHandler(w http.ResponseWriter, r *http.Request, ownerID int64) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		writeProblem(w, r, http.StatusBadRequest, "validation_error", "scheduled email id must be a positive integer")
		return
	}
	res, err := s.scheduled.Cancel(r.Context(), id, ownerID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeProblem(w http.ResponseWriter, r *http.Request, status int, kind, detail string) {
	problem := problems.NewStatusProblem(status).
		WithInstance(r.URL.Path).
		WithType(kind).
		WithDetail(detail)
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(problem)
}

// writeError maps service errors to problem responses.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, service.ErrWorkflowNotFound), errors.Is(err, service.ErrScheduledEmailNotFound):
		writeProblem(w, r, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, service.ErrInvalidWorkflow), errors.Is(err, service.ErrInvalidTrigger),
		errors.Is(err, service.ErrInvalidOwner):
		writeProblem(w, r, http.StatusBadRequest, "validation_error", err.Error())
	case errors.Is(err, service.ErrWorkflowRunning), errors.Is(err, service.ErrScheduledEmailNotPending):
		writeProblem(w, r, http.StatusConflict, "conflict", err.Error())
	default:
		writeProblem(w, r, http.StatusInternalServerError, "internal_error", "internal error")
	}
}
