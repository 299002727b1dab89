package server

import (
	"encoding/json"
	"errors"
	"io"
	"math"
	"net/http"
	"strconv"

	"voxa/internal/ratelimit"
	"voxa/internal/servicetoken"
	"voxa/internal/util"
	"voxa/pkg/domain"
	"voxa/services/api/internal/app"
	"voxa/services/api/internal/identity"
	"voxa/services/api/internal/rag"
)

const (
	serviceName  = "voxa-api"
	maxJSONBytes = 1 << 20
	// multipart framing allowance on top of the audio payload
	multipartOverhead = 1 << 20
)

// Config wires required dependencies for the HTTP server.
type Config struct {
	App            *app.App
	Answers        *rag.Service
	Identity       *identity.Resolver
	InternalTokens *servicetoken.Verifier
	AskLimiter     *ratelimit.FixedWindowLimiter
}

// Server exposes the session, device and ask endpoints.
type Server struct {
	app            *app.App
	answers        *rag.Service
	identity       *identity.Resolver
	internalTokens *servicetoken.Verifier
	askLimiter     *ratelimit.FixedWindowLimiter
	mux            *http.ServeMux
}

// New constructs the server with routes configured.
func New(cfg Config) (*Server, error) {
	if cfg.App == nil {
		return nil, errors.New("app required")
	}
	if cfg.Answers == nil {
		return nil, errors.New("answer service required")
	}
	if cfg.Identity == nil {
		return nil, errors.New("identity resolver required")
	}
	s := &Server{
		app:            cfg.App,
		answers:        cfg.Answers,
		identity:       cfg.Identity,
		internalTokens: cfg.InternalTokens,
		askLimiter:     cfg.AskLimiter,
		mux:            http.NewServeMux(),
	}
	s.routes()
	return s, nil
}

// Router returns the configured handler.
func (s *Server) Router() http.Handler {
	return util.WithRequestID(util.WithRequestLog(serviceName, util.WithSecurityHeaders(util.WithCORS(s.mux))))
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /healthz", s.handleHealth)

	// sessions (user or device)
	s.mux.Handle("POST /api/sessions", s.authenticated(s.handleCreateSession))
	s.mux.Handle("GET /api/sessions", s.authenticated(s.handleListSessions))
	s.mux.Handle("POST /api/sessions/{id}/stop", s.authenticated(s.handleStopSession))
	s.mux.Handle("POST /api/sessions/{id}/chunks/sign", s.authenticated(s.handleSignChunk))
	s.mux.Handle("POST /api/sessions/{id}/upload", s.authenticated(s.handleUpload))
	s.mux.Handle("POST /api/sessions/{id}/finalize", s.authenticated(s.handleFinalize))
	s.mux.Handle("GET /api/sessions/{id}/status", s.authenticated(s.handleStatus))
	s.mux.Handle("POST /api/sessions/{id}/calendar", s.authenticated(s.handleLinkCalendar))
	s.mux.Handle("PUT /api/sessions/{id}/calendar", s.authenticated(s.handleLinkCalendar))
	s.mux.Handle("DELETE /api/sessions/{id}/calendar", s.authenticated(s.handleUnlinkCalendar))

	// user only
	s.mux.Handle("POST /api/devices", s.userOnly(s.handleCreateDevice))
	s.mux.Handle("GET /api/devices", s.userOnly(s.handleListDevices))
	s.mux.Handle("DELETE /api/devices/{id}", s.userOnly(s.handleRevokeDevice))
	s.mux.Handle("POST /api/ask", s.userOnly(s.handleAsk))

	// transcription worker
	s.mux.HandleFunc("GET /internal/sessions", s.handleInternalSessions)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// auth wrappers
type identityHandler func(http.ResponseWriter, *http.Request, domain.Identity)

func (s *Server) authenticated(next identityHandler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, err := s.identity.Resolve(r)
		if err != nil {
			writeError(w, r, err)
			return
		}
		next(w, r, id)
	})
}

func (s *Server) userOnly(next identityHandler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, err := s.identity.ResolveUser(r)
		if err != nil {
			writeError(w, r, err)
			return
		}
		next(w, r, id)
	})
}

func (s *Server) allowRate(w http.ResponseWriter, r *http.Request, limiter *ratelimit.FixedWindowLimiter, key string) bool {
	decision := limiter.Allow(r.Context(), r.URL.Path+"|"+key)
	if decision.Allowed {
		return true
	}
	retry := int(math.Ceil(decision.RetryAfter.Seconds()))
	if retry < 1 {
		retry = 1
	}
	w.Header().Set("Retry-After", strconv.Itoa(retry))
	writeProblem(w, r, http.StatusTooManyRequests, "rate_limited", "Too many requests", "")
	return false
}

// decodeJSON reads an optional JSON body into dst. An empty body leaves dst
// untouched.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		return app.Validation("invalid JSON body")
	}
	return nil
}

type errorBody struct {
	Message   string `json:"message"`
	Details   string `json:"details,omitempty"`
	Code      string `json:"code"`
	RequestID string `json:"requestId,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeProblem(w http.ResponseWriter, r *http.Request, status int, code, msg, details string) {
	writeJSON(w, status, errorBody{
		Message:   msg,
		Details:   details,
		Code:      code,
		RequestID: util.RequestIDFromContext(r.Context()),
	})
}

// writeError maps application errors onto HTTP statuses. Anything
// unclassified is a 500 and is logged with its cause.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	msg, details := "", ""
	var appErr *app.Error
	if errors.As(err, &appErr) {
		msg, details = appErr.Message, appErr.Details
	}
	status, code := http.StatusInternalServerError, "internal_error"
	switch {
	case errors.Is(err, identity.ErrUnauthorized), errors.Is(err, app.ErrUnauthorized):
		status, code = http.StatusUnauthorized, "unauthorized"
	case errors.Is(err, app.ErrForbidden):
		status, code = http.StatusForbidden, "forbidden"
	case errors.Is(err, app.ErrNotFound):
		status, code = http.StatusNotFound, "not_found"
	case errors.Is(err, app.ErrValidation):
		status, code = http.StatusBadRequest, "validation_error"
	case errors.Is(err, app.ErrGenerationFailed):
		code = "generation_failed"
	case errors.Is(err, app.ErrUpstream):
		code = "upstream_failure"
	}
	if msg == "" {
		msg = http.StatusText(status)
	}
	if status >= http.StatusInternalServerError {
		util.LoggerFromContext(r.Context()).Error("request failed", "path", r.URL.Path, "code", code, "err", err)
	}
	writeProblem(w, r, status, code, msg, details)
}
