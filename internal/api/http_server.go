package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/xuri/excelize/v2"

	"stocksync/internal/config"
	"stocksync/internal/database"
	"stocksync/internal/metrics"
	"stocksync/internal/models"
	"stocksync/internal/repository"
)

// Rate limit on manual sync triggers, backed by the session repository so
// it survives process restarts when Redis is up.
const (
	triggerRateLimit  = 10
	triggerRateWindow = time.Minute
)

// Syncer is the engine surface the API drives.
type Syncer interface {
	TriggerDrain()
	Draining() bool
	ResolveManually(ctx context.Context, id, strategy string) error
}

// NetworkStatus reports the committed connectivity state.
type NetworkStatus interface {
	State() models.NetworkState
	Since() time.Time
}

// ReviewExporter builds the queue review workbook.
type ReviewExporter interface {
	BuildReviewWorkbook(ctx context.Context) (*excelize.File, error)
}

// HTTPServer exposes the local status API: queue introspection, manual
// conflict resolution and sync triggering for the device's companion UI.
type HTTPServer struct {
	cfg      config.APIConfig
	db       *database.DB
	engine   Syncer
	network  NetworkStatus
	sessions repository.SessionRepository
	exporter ReviewExporter
	deviceID string
	server   *http.Server
	auth     *HTTPAuth
	logger   zerolog.Logger
}

func NewHTTPServer(cfg config.APIConfig, db *database.DB, engine Syncer, network NetworkStatus, sessions repository.SessionRepository, exporter ReviewExporter, deviceID string, logger *zerolog.Logger) *HTTPServer {
	mux := http.NewServeMux()
	srv := &HTTPServer{
		cfg:      cfg,
		db:       db,
		engine:   engine,
		network:  network,
		sessions: sessions,
		exporter: exporter,
		deviceID: deviceID,
		logger:   logger.With().Str("component", "api").Logger(),
	}
	srv.auth = NewHTTPAuth(cfg)

	mux.HandleFunc("/api/v1/queue/status", srv.handleQueueStatus)
	mux.HandleFunc("/api/v1/queue/operations", srv.handleListOperations)
	mux.HandleFunc("/api/v1/queue/operations/", srv.handleOperation)
	mux.HandleFunc("/api/v1/queue/export", srv.handleExport)
	mux.HandleFunc("/api/v1/sync/trigger", srv.handleTrigger)

	handler := srv.loggingMiddleware(srv.auth.Wrap(mux))

	srv.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
	}

	return srv
}

func (s *HTTPServer) Start() error {
	if s.server == nil {
		return fmt.Errorf("http server is not initialized")
	}
	s.logger.Info().Str("addr", s.server.Addr).Msg("Status API listening")
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *HTTPServer) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// Handler returns the configured handler chain for tests.
func (s *HTTPServer) Handler() http.Handler {
	return s.server.Handler
}

func (s *HTTPServer) handleQueueStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	counts, err := s.db.Counts(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to read queue counts")
		return
	}

	resp := map[string]any{
		"device_id": s.deviceID,
		"draining":  s.engine.Draining(),
		"network": map[string]any{
			"state": s.network.State(),
			"since": s.network.Since(),
		},
		"counts": map[string]int{
			models.StatusPending:    counts[models.StatusPending],
			models.StatusProcessing: counts[models.StatusProcessing],
			models.StatusCompleted:  counts[models.StatusCompleted],
			models.StatusFailed:     counts[models.StatusFailed],
			models.StatusConflict:   counts[models.StatusConflict],
		},
	}

	if s.sessions != nil {
		if session, err := s.sessions.GetSession(r.Context(), s.deviceID); err == nil && session != nil {
			resp["session"] = session
		}
	}

	writeJSON(w, http.StatusOK, resp)
}

func (s *HTTPServer) handleListOperations(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	status := strings.TrimSpace(r.URL.Query().Get("status"))
	if status == "" {
		status = models.StatusConflict
	}
	switch status {
	case models.StatusPending, models.StatusProcessing, models.StatusCompleted, models.StatusFailed, models.StatusConflict:
	default:
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown status: %s", status))
		return
	}

	ops, err := s.db.ListByStatus(r.Context(), status)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list operations")
		return
	}
	if ops == nil {
		ops = []models.QueuedOperation{}
	}

	writeJSON(w, http.StatusOK, map[string]any{"operations": ops})
}

// handleOperation routes /api/v1/queue/operations/{id}[/resolve].
func (s *HTTPServer) handleOperation(w http.ResponseWriter, r *http.Request) {
	const prefix = "/api/v1/queue/operations/"
	rest := strings.TrimPrefix(r.URL.Path, prefix)

	if id, ok := strings.CutSuffix(rest, "/resolve"); ok {
		s.handleResolve(w, r, id)
		return
	}

	if strings.Contains(rest, "/") || rest == "" {
		writeError(w, http.StatusNotFound, "not found")
		return
	}

	switch r.Method {
	case http.MethodGet:
		s.handleGetOperation(w, r, rest)
	case http.MethodDelete:
		s.handleDiscard(w, r, rest)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *HTTPServer) handleGetOperation(w http.ResponseWriter, r *http.Request, id string) {
	op, err := s.db.Get(r.Context(), id)
	if errors.Is(err, database.ErrNotFound) {
		writeError(w, http.StatusNotFound, "operation not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to read operation")
		return
	}
	writeJSON(w, http.StatusOK, op)
}

func (s *HTTPServer) handleResolve(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if id == "" {
		writeError(w, http.StatusBadRequest, "operation id is required")
		return
	}

	var body struct {
		Strategy string `json:"strategy"`
	}
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if body.Strategy == "" {
		writeError(w, http.StatusBadRequest, "strategy is required")
		return
	}

	if err := s.engine.ResolveManually(r.Context(), id, body.Strategy); err != nil {
		if errors.Is(err, database.ErrNotFound) {
			writeError(w, http.StatusNotFound, "operation not found")
			return
		}
		writeError(w, http.StatusConflict, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "resolved"})
}

// handleDiscard drops a failed or conflicted entry the user gave up on.
func (s *HTTPServer) handleDiscard(w http.ResponseWriter, r *http.Request, id string) {
	op, err := s.db.Get(r.Context(), id)
	if errors.Is(err, database.ErrNotFound) {
		writeError(w, http.StatusNotFound, "operation not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to read operation")
		return
	}
	if op.Status != models.StatusFailed && op.Status != models.StatusConflict {
		writeError(w, http.StatusConflict, fmt.Sprintf("cannot discard %s operation", op.Status))
		return
	}

	if err := s.db.Delete(r.Context(), id); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to discard operation")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "discarded"})
}

func (s *HTTPServer) handleTrigger(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	if s.sessions != nil {
		allowed, err := s.sessions.CheckRateLimit(r.Context(), "sync_trigger:"+s.deviceID, triggerRateLimit, triggerRateWindow)
		if err != nil {
			s.logger.Error().Err(err).Msg("Trigger rate limit check failed")
		} else if !allowed {
			writeError(w, http.StatusTooManyRequests, "sync trigger rate limit exceeded")
			return
		}
	}

	alreadyDraining := s.engine.Draining()
	s.engine.TriggerDrain()

	writeJSON(w, http.StatusAccepted, map[string]any{
		"status":           "triggered",
		"already_draining": alreadyDraining,
	})
}

func (s *HTTPServer) handleExport(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if s.exporter == nil {
		writeError(w, http.StatusNotImplemented, "export is not configured")
		return
	}

	f, err := s.exporter.BuildReviewWorkbook(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to build workbook")
		return
	}
	defer f.Close()

	fileName := fmt.Sprintf("queue_review_%s.xlsx", time.Now().Format("2006-01-02"))
	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", fileName))
	if err := f.Write(w); err != nil {
		s.logger.Error().Err(err).Msg("Failed to stream workbook")
	}
}

func (s *HTTPServer) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(recorder, r)

		metrics.IncHTTP(r.URL.Path)
		s.logger.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", recorder.status).
			Dur("duration", time.Since(start)).
			Msg("http request")
	})
}

func writeJSON(w http.ResponseWriter, statusCode int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, statusCode int, message string) {
	writeJSON(w, statusCode, map[string]string{"error": message})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}
