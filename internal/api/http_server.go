package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"ledgerbridge/internal/config"
	"ledgerbridge/internal/export"
	"ledgerbridge/internal/models"
	"ledgerbridge/internal/orchestrator"
	"ledgerbridge/internal/provider"
	"ledgerbridge/internal/syncerr"

	"github.com/rs/zerolog"
)

// Service is the part of the orchestrator the HTTP API exposes.
type Service interface {
	HealthChecker
	JobStatus(ctx context.Context, id string) (*models.QueueJob, error)
	BatchSync(ctx context.Context, tgt orchestrator.Target, types []models.EntityType, opts models.SyncOptions) (map[models.EntityType]string, error)
	StartExport(ctx context.Context, tgt orchestrator.Target, req models.ExportRequest) (*models.ExportJob, error)
	ExportStatus(ctx context.Context, id string) (*models.ExportJob, error)
	CancelExport(ctx context.Context, id string) (*models.ExportJob, error)
	DownloadExport(ctx context.Context, id string) (*export.Download, error)
	Capabilities(name string) (provider.Info, error)
	Stats(ctx context.Context) (*orchestrator.Stats, error)
}

// HTTPServer exposes job, export and provider status over JSON.
type HTTPServer struct {
	cfg    config.APIConfig
	svc    Service
	server *http.Server
	auth   *HTTPAuth
	log    zerolog.Logger
}

func NewHTTPServer(cfg config.APIConfig, svc Service, logger *zerolog.Logger) *HTTPServer {
	srv := &HTTPServer{cfg: cfg, svc: svc, log: zerolog.Nop()}
	if logger != nil {
		srv.log = logger.With().Str("component", "http").Logger()
	}
	srv.auth = NewHTTPAuth(cfg)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", srv.handleLive)
	mux.HandleFunc("GET /readyz", srv.handleReady)
	mux.HandleFunc("GET /api/v1/health", srv.handleHealth)
	mux.HandleFunc("GET /api/v1/stats", srv.handleStats)
	mux.HandleFunc("GET /api/v1/jobs/{id}", srv.handleJob)
	mux.HandleFunc("POST /api/v1/exports", srv.handleStartExport)
	mux.HandleFunc("GET /api/v1/exports/{id}", srv.handleExport)
	mux.HandleFunc("POST /api/v1/exports/{id}/cancel", srv.handleCancelExport)
	mux.HandleFunc("GET /api/v1/exports/{id}/download", srv.handleDownload)
	mux.HandleFunc("GET /api/v1/providers/{name}/capabilities", srv.handleCapabilities)
	mux.HandleFunc("POST /api/v1/providers/{name}/sync", srv.handleBatchSync)

	handler := srv.loggingMiddleware(srv.auth.Wrap(mux))

	srv.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.HTTP.Port),
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      60 * time.Second,
	}

	return srv
}

func (s *HTTPServer) Handler() http.Handler { return s.server.Handler }

func (s *HTTPServer) Start() error {
	if s.server == nil {
		return fmt.Errorf("http server is not initialized")
	}
	s.log.Info().Str("addr", s.server.Addr).Msg("HTTP API listening")
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
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

// HTTPAuth provides API-key auth and per-key rate limiting for HTTP endpoints.
type HTTPAuth struct {
	cfg     config.APIConfig
	keys    *keyring
	limiter *rateLimiter
}

func NewHTTPAuth(cfg config.APIConfig) *HTTPAuth {
	return &HTTPAuth{cfg: cfg, keys: newKeyring(cfg.Auth), limiter: newRateLimiter(cfg.RateLimit)}
}

var (
	errMissingKey       = errors.New("missing api key header")
	errInvalidKey       = errors.New("invalid api key")
	errPermissionDenied = errors.New("permission denied")
)

func (a *HTTPAuth) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !a.cfg.Enabled || !a.cfg.HTTP.Enabled || isProbe(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		if a.cfg.Auth.Enabled {
			if err := a.checkAuth(r); err != nil {
				statusCode := http.StatusUnauthorized
				if errors.Is(err, errPermissionDenied) {
					statusCode = http.StatusForbidden
				}
				writeError(w, statusCode, err.Error())
				return
			}
		}

		if !a.limiter.allow(a.clientKey(r)) {
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}

		next.ServeHTTP(w, r)
	})
}

func isProbe(path string) bool { return path == "/healthz" || path == "/readyz" }

func (a *HTTPAuth) checkAuth(r *http.Request) error {
	apiKey := strings.TrimSpace(r.Header.Get(a.keys.header))
	if apiKey == "" {
		return errMissingKey
	}
	client, ok := a.keys.lookup(apiKey)
	if !ok {
		return errInvalidKey
	}
	if !permitted(client, requiredPermissionHTTP(r)) {
		return errPermissionDenied
	}
	return nil
}

func requiredPermissionHTTP(r *http.Request) string {
	path := r.URL.Path
	switch {
	case strings.HasPrefix(path, "/api/v1/jobs/"):
		return permReadJobs
	case strings.HasPrefix(path, "/api/v1/exports"):
		if r.Method == http.MethodPost {
			return permWriteExports
		}
		return permReadExports
	case strings.HasPrefix(path, "/api/v1/providers/"):
		if r.Method == http.MethodPost {
			return permWriteSync
		}
		return permReadProviders
	case path == "/api/v1/health", path == "/api/v1/stats":
		return permReadHealth
	}
	return ""
}

func (a *HTTPAuth) clientKey(r *http.Request) string {
	if apiKey := strings.TrimSpace(r.Header.Get(a.keys.header)); apiKey != "" {
		return apiKey
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err == nil && host != "" {
		return host
	}
	return clientKeyUnknown
}

func (s *HTTPServer) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(recorder, r)
		s.log.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", recorder.status).
			Dur("duration", time.Since(start)).
			Msg("http request")
	})
}

// statusFor maps an error kind to the HTTP status a client should see.
func statusFor(err error) int {
	switch syncerr.Kind(err) {
	case syncerr.ErrNotFound:
		return http.StatusNotFound
	case syncerr.ErrValidation:
		return http.StatusBadRequest
	case syncerr.ErrInvalidState, syncerr.ErrConflict, syncerr.ErrNotReady:
		return http.StatusConflict
	case syncerr.ErrNotSupported:
		return http.StatusNotImplemented
	case syncerr.ErrRateLimited:
		return http.StatusTooManyRequests
	case syncerr.ErrAuth:
		return http.StatusBadGateway
	case syncerr.ErrTransient:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func (s *HTTPServer) fail(w http.ResponseWriter, err error) {
	code := statusFor(err)
	if code == http.StatusInternalServerError {
		s.log.Error().Err(err).Msg("request failed")
		writeError(w, code, "internal error")
		return
	}
	if d, ok := syncerr.RetryAfter(err); ok && d > 0 {
		w.Header().Set("Retry-After", fmt.Sprintf("%d", int(d.Round(time.Second).Seconds())))
	}
	writeError(w, code, err.Error())
}

func writeJSON(w http.ResponseWriter, statusCode int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, statusCode int, message string) {
	writeJSON(w, statusCode, map[string]string{"error": message})
}

func splitCSV(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}
