package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"whispr/internal/ratelimit"
	"whispr/internal/util"
	"whispr/pkg/domain"
	"whispr/services/whispr/internal/app"
)

const (
	maxJSONBytes      = 1 << 20
	maxUploadOverhead = 64 << 10
)

// SubmitLimiter is satisfied by ratelimit.FixedWindowLimiter.
type SubmitLimiter interface {
	Allow(ctx context.Context, key string) (ratelimit.Decision, error)
}

// Config wires dependencies for the HTTP server.
type Config struct {
	App *app.App
	// Resolver defaults to HeaderResolver.
	Resolver CallerResolver
	// Limiter throttles report submission per caller. Nil disables it.
	Limiter        SubmitLimiter
	AllowedOrigins []string
	MaxUploadBytes int64
}

// Server exposes the report lifecycle over HTTP.
type Server struct {
	app            *app.App
	resolver       CallerResolver
	limiter        SubmitLimiter
	origins        []string
	maxUploadBytes int64
	mux            *http.ServeMux
}

func New(cfg Config) (*Server, error) {
	if cfg.App == nil {
		return nil, errors.New("server requires app")
	}
	s := &Server{
		app:            cfg.App,
		resolver:       cfg.Resolver,
		limiter:        cfg.Limiter,
		origins:        cfg.AllowedOrigins,
		maxUploadBytes: cfg.MaxUploadBytes,
		mux:            http.NewServeMux(),
	}
	if s.resolver == nil {
		s.resolver = HeaderResolver{}
	}
	if s.maxUploadBytes <= 0 {
		s.maxUploadBytes = 2 << 20
	}
	s.routes()
	return s, nil
}

// Router returns the configured handler.
func (s *Server) Router() http.Handler {
	return util.WithRequestID(util.WithRequestLog(util.WithSecurityHeaders(util.WithCORS(s.origins, s.mux))))
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /healthz", s.handleLiveness)
	s.mux.HandleFunc("GET /api/health", s.handleHealth)

	// reports
	s.mux.HandleFunc("POST /api/reports", s.withCaller(s.handleSubmit))
	s.mux.HandleFunc("GET /api/reports", s.withCaller(s.handleListReports))
	s.mux.HandleFunc("GET /api/reports/search", s.withCaller(s.handleSearch))
	s.mux.HandleFunc("GET /api/reports/mine", s.withCaller(s.handleMyReports))
	s.mux.HandleFunc("POST /api/reports/bulk-verify", s.withCaller(s.handleBulkVerify))
	s.mux.HandleFunc("GET /api/reports/{id}", s.withCaller(s.handleGetReport))
	s.mux.HandleFunc("POST /api/reports/{id}/verify", s.withCaller(s.handleVerify))
	s.mux.HandleFunc("POST /api/reports/{id}/reject", s.withCaller(s.handleReject))
	s.mux.HandleFunc("POST /api/reports/{id}/review", s.withCaller(s.handleReview))

	// evidence and messages
	s.mux.HandleFunc("POST /api/reports/{id}/evidence", s.withCaller(s.handleUploadEvidence))
	s.mux.HandleFunc("GET /api/reports/{id}/evidence", s.withCaller(s.handleReportEvidence))
	s.mux.HandleFunc("GET /api/evidence/{id}", s.withCaller(s.handleGetEvidence))
	s.mux.HandleFunc("GET /api/reports/{id}/messages", s.withCaller(s.handleMessages))
	s.mux.HandleFunc("POST /api/reports/{id}/messages", s.withCaller(s.handleSendMessage))

	// ledger
	s.mux.HandleFunc("GET /api/me", s.withCaller(s.handleMe))
	s.mux.HandleFunc("GET /api/me/balance", s.withCaller(s.handleBalance))
	s.mux.HandleFunc("POST /api/me/transfer", s.withCaller(s.handleTransfer))

	// authorities
	s.mux.HandleFunc("GET /api/authorities", s.withCaller(s.handleListAuthorities))
	s.mux.HandleFunc("POST /api/authorities", s.withCaller(s.handleAddAuthority))
	s.mux.HandleFunc("DELETE /api/authorities/{principal}", s.withCaller(s.handleRemoveAuthority))
	s.mux.HandleFunc("GET /api/authorities/check/{principal}", s.handleIsAuthority)

	// analytics and archival
	s.mux.HandleFunc("GET /api/stats", s.withCaller(s.handleStats))
	s.mux.HandleFunc("GET /api/analytics", s.withCaller(s.handleAnalytics))
	s.mux.HandleFunc("PUT /api/archival/credentials", s.withCaller(s.handleConfigureArchival))
	s.mux.HandleFunc("GET /api/archive/reports/{cid}", s.withCaller(s.handleArchivedReport))
	s.mux.HandleFunc("GET /api/archive/evidence/{cid}", s.withCaller(s.handleArchivedEvidence))
}

func (s *Server) handleLiveness(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	health, err := s.app.Health()
	if err != nil {
		s.writeAppError(w, r, domain.Anonymous, err)
		return
	}
	writeJSON(w, http.StatusOK, health)
}

func (s *Server) logger(r *http.Request) *slog.Logger {
	return util.LoggerFromContext(r.Context())
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeItems[T any](w http.ResponseWriter, items []T) {
	if items == nil {
		items = []T{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items, "count": len(items)})
}

const (
	codeInvalidToken   = "AUTH_INVALID_TOKEN"
	codeAuthRequired   = "AUTH_REQUIRED"
	codeForbidden      = "AUTH_FORBIDDEN"
	codeInvalidRequest = "INVALID_REQUEST"
	codeValidation     = "VALIDATION_FAILED"
	codeNotFound       = "NOT_FOUND"
	codeStateConflict  = "REPORT_STATE_CONFLICT"
	codeInsufficient   = "LEDGER_INSUFFICIENT_BALANCE"
	codeArchive        = "ARCHIVE_UNAVAILABLE"
	codeRateLimited    = "RATE_LIMITED"
	codeUnavailable    = "SYSTEM_UNAVAILABLE"
	codeInternal       = "SYSTEM_INTERNAL_ERROR"
)

type errorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	Status    string `json:"status,omitempty"`
	RequestID string `json:"requestId,omitempty"`
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, errorResponse{
		Error:     msg,
		Code:      code,
		RequestID: strings.TrimSpace(w.Header().Get(util.RequestIDHeader)),
	})
}

// writeAppError maps engine error kinds onto HTTP statuses. Untyped errors
// are logged and reported as internal without their message.
func (s *Server) writeAppError(w http.ResponseWriter, r *http.Request, caller domain.Principal, err error) {
	var appErr *app.Error
	if !errors.As(err, &appErr) {
		s.logger(r).Error("request failed", "path", r.URL.Path, "err", err)
		writeError(w, http.StatusInternalServerError, codeInternal, "internal error")
		return
	}
	resp := errorResponse{
		Error:     appErr.Msg,
		RequestID: strings.TrimSpace(w.Header().Get(util.RequestIDHeader)),
	}
	var status int
	switch appErr.Kind {
	case app.KindAuthorization:
		if caller.IsAnonymous() {
			status, resp.Code = http.StatusUnauthorized, codeAuthRequired
		} else {
			status, resp.Code = http.StatusForbidden, codeForbidden
		}
	case app.KindValidation:
		status, resp.Code = http.StatusBadRequest, codeValidation
	case app.KindNotFound:
		status, resp.Code = http.StatusNotFound, codeNotFound
	case app.KindStateConflict:
		status, resp.Code = http.StatusConflict, codeStateConflict
		resp.Status = string(appErr.Status)
	case app.KindLedger:
		status, resp.Code = http.StatusUnprocessableEntity, codeInsufficient
	case app.KindIntegration:
		s.logger(r).Warn("archive integration failed", "path", r.URL.Path, "err", err)
		status, resp.Code = http.StatusBadGateway, codeArchive
	default:
		status, resp.Code = http.StatusInternalServerError, codeInternal
	}
	writeJSON(w, status, resp)
}

// decodeJSON reads a bounded JSON body. An empty body leaves dst untouched.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	err := json.NewDecoder(io.LimitReader(r.Body, maxJSONBytes)).Decode(dst)
	if err == nil || errors.Is(err, io.EOF) {
		return true
	}
	writeError(w, http.StatusBadRequest, codeInvalidRequest, "invalid JSON body")
	return false
}

func pathID(w http.ResponseWriter, r *http.Request, name string) (uint64, bool) {
	id, err := strconv.ParseUint(r.PathValue(name), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, codeInvalidRequest, "invalid "+name)
		return 0, false
	}
	return id, true
}

func queryTime(w http.ResponseWriter, r *http.Request, name string) (*time.Time, bool) {
	raw := strings.TrimSpace(r.URL.Query().Get(name))
	if raw == "" {
		return nil, true
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		writeError(w, http.StatusBadRequest, codeInvalidRequest, "invalid "+name+": want RFC 3339")
		return nil, false
	}
	return &t, true
}

func queryUint(w http.ResponseWriter, r *http.Request, name string) (*uint64, bool) {
	raw := strings.TrimSpace(r.URL.Query().Get(name))
	if raw == "" {
		return nil, true
	}
	n, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, codeInvalidRequest, "invalid "+name)
		return nil, false
	}
	return &n, true
}
