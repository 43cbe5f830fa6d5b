package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"tenantgate.io/internal/audit"
	"tenantgate.io/internal/auth"
	"tenantgate.io/internal/authz"
	"tenantgate.io/internal/obs"
)

const serviceName = "tenantgate"

// ReadyProbe reports whether backing stores are reachable.
type ReadyProbe interface {
	Ping(ctx context.Context) error
}

// Config wires the HTTP layer.
type Config struct {
	Pipeline  *authz.Pipeline
	Users     auth.UserStore
	Overrides auth.OverrideStore
	AuditLog  audit.Reader
	Recorder  authz.AuditRecorder
	Ready     ReadyProbe

	Logger   logrus.FieldLogger
	Metrics  *obs.Metrics
	Gatherer prometheus.Gatherer
	Version  string

	Production     bool
	CORSOrigins    []string
	TrustProxy     bool
	RateLimitRPS   float64
	RateLimitBurst int
	MaxBodyBytes   int64
	RequestTimeout time.Duration
	WidgetKeyMode  auth.WidgetKeyMode
}

// API is the HTTP layer.
type API struct {
	cfg      Config
	log      logrus.FieldLogger
	validate *validator.Validate
	limiter  *RateLimiter
	router   chi.Router
}

// New builds the router. Pipeline, Users, Overrides and Recorder are required.
func New(cfg Config) (*API, error) {
	switch {
	case cfg.Pipeline == nil:
		return nil, errors.New("httpapi: pipeline is required")
	case cfg.Users == nil:
		return nil, errors.New("httpapi: user store is required")
	case cfg.Overrides == nil:
		return nil, errors.New("httpapi: override store is required")
	case cfg.Recorder == nil:
		return nil, errors.New("httpapi: audit recorder is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = obs.Logger()
	}
	if cfg.Gatherer == nil {
		cfg.Gatherer = prometheus.DefaultGatherer
	}
	if cfg.RateLimitRPS <= 0 {
		cfg.RateLimitRPS = 20
	}
	a := &API{
		cfg:      cfg,
		log:      cfg.Logger,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		limiter:  NewRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst),
	}
	a.router = a.routes()
	return a, nil
}

// Handler returns the root handler.
func (a *API) Handler() http.Handler { return a.router }

// Limiter exposes the per-IP limiter so the caller can run its sweeper.
func (a *API) Limiter() *RateLimiter { return a.limiter }

func (a *API) routes() chi.Router {
	r := chi.NewRouter()
	if a.cfg.TrustProxy {
		r.Use(middleware.RealIP)
	}
	r.Use(
		RequestID,
		LoggingJSON(a.log),
		a.cfg.Metrics.Instrument,
		middleware.Recoverer,
		SecurityHeaders(a.cfg.Production, a.log),
		CORS(a.cfg.CORSOrigins, a.cfg.Production),
		a.limiter.Middleware,
		MaxBodyBytes(a.cfg.MaxBodyBytes),
	)
	if a.cfg.RequestTimeout > 0 {
		r.Use(middleware.Timeout(a.cfg.RequestTimeout))
	}

	r.Get("/healthz", a.Healthz)
	r.Get("/readyz", a.Ready)
	r.Method(http.MethodGet, "/metrics", obs.Handler(a.cfg.Gatherer))
	r.Post("/v1/widgets/verify-key", a.handleVerifyWidgetKey)

	p := a.cfg.Pipeline
	r.Route("/v1", func(v1 chi.Router) {
		v1.With(Authorize(p, authz.Requirement{})).Get("/me", a.handleMe)
		v1.With(Authorize(p, authz.Requirement{})).
			Get("/organizations/{orgID}/permissions/check", a.handlePermissionCheck)

		v1.Route("/users/{userID}/overrides", func(o chi.Router) {
			o.With(Authorize(p, authz.Require(auth.PermUserRead).On("overrides"))).Get("/", a.handleListOverrides)
			o.With(Authorize(p, authz.Require(auth.PermUserManage).On("overrides"))).Put("/", a.handleSetOverride)
			o.With(Authorize(p, authz.Require(auth.PermUserManage).On("overrides"))).Delete("/{permission}", a.handleDeleteOverride)
		})

		v1.With(Authorize(p, authz.Require(auth.PermAuditRead).On("audit_log"))).Get("/audit", a.handleListAudit)
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusNotFound, "resource not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusMethodNotAllowed, "method not allowed")
	})
	return r
}

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": serviceName,
		"version": a.cfg.Version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if a.cfg.Ready != nil {
		if err := a.cfg.Ready.Ping(r.Context()); err != nil {
			a.log.WithError(err).Warn("readiness check failed")
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{
				"status": "not_ready",
			})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	payload := map[string]any{
		"error": msg,
	}
	if rid := RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, code, payload)
}

func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}
