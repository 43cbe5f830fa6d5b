package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"tenantgate.io/internal/audit"
	"tenantgate.io/internal/auth"
	"tenantgate.io/internal/authz"
	"tenantgate.io/internal/config"
	"tenantgate.io/internal/grpcapi"
	"tenantgate.io/internal/httpapi"
	"tenantgate.io/internal/obs"
	"tenantgate.io/internal/store/memory"
	"tenantgate.io/internal/store/pg"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

// backend is what the service needs from a store.
type backend interface {
	auth.UserStore
	auth.OverrideStore
	audit.Store
	audit.Reader
	Ping(ctx context.Context) error
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		obs.Logger().WithError(err).Fatal("load config")
	}
	log := obs.NewLogger(cfg.LogLevel, cfg.LogFormat, os.Stdout)
	obs.SetLogger(log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := obs.InitTracing(ctx, obs.TracingConfig{
		Endpoint:       cfg.OTLPEndpoint,
		ServiceName:    "tenantgate",
		ServiceVersion: version,
		Insecure:       cfg.OTLPInsecure,
	}, log)
	if err != nil {
		log.WithError(err).Fatal("init tracing")
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := obs.NewMetrics(reg)
	metrics.SetBuildInfo(version, commit)

	store, closeStore := openStore(ctx, cfg, log)
	defer closeStore()

	recorder, closeRecorder := newRecorder(cfg, store, log, metrics)
	defer closeRecorder()

	tokenOpts, err := cfg.TokenOptions()
	if err != nil {
		log.WithError(err).Fatal("token keys")
	}
	verifier, err := auth.NewTokenVerifier(tokenOpts...)
	if err != nil {
		log.WithError(err).Fatal("token verifier")
	}
	pipeline, err := authz.New(verifier, store, store, recorder,
		authz.WithLogger(log),
		authz.WithMetrics(metrics),
		authz.WithCookieName(cfg.SessionCookie),
	)
	if err != nil {
		log.WithError(err).Fatal("authorization pipeline")
	}

	api, err := httpapi.New(httpapi.Config{
		Pipeline:       pipeline,
		Users:          store,
		Overrides:      store,
		AuditLog:       store,
		Recorder:       recorder,
		Ready:          store,
		Logger:         log,
		Metrics:        metrics,
		Gatherer:       reg,
		Version:        version,
		Production:     cfg.IsProduction(),
		CORSOrigins:    cfg.CORSOrigins,
		TrustProxy:     cfg.TrustProxy,
		RateLimitRPS:   cfg.RateLimitRPS,
		RateLimitBurst: cfg.RateLimitBurst,
		MaxBodyBytes:   cfg.MaxBodyBytes,
		RequestTimeout: cfg.RequestTimeout,
		WidgetKeyMode:  cfg.WidgetKeyMode(),
	})
	if err != nil {
		log.WithError(err).Fatal("http api")
	}
	go api.Limiter().Run(ctx)

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           otelhttp.NewHandler(api.Handler(), "tenantgate.http"),
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: cfg.ReadTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       60 * time.Second,
	}

	grpcSrv := grpcapi.NewServer(grpcapi.NewAuthorizer(pipeline))
	lis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		log.WithError(err).Fatal("grpc listen")
	}
	grpcSrv.SetServing(true)

	go func() {
		log.WithField("addr", cfg.GRPCAddr).Info("grpc server starting")
		if err := grpcSrv.GRPC.Serve(lis); err != nil {
			log.WithError(err).Error("grpc serve")
			stop()
		}
	}()
	go func() {
		log.WithFields(logrus.Fields{"addr": srv.Addr, "version": version, "env": cfg.Env}).Info("http server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Error("http listen")
			stop()
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")
	grpcSrv.SetServing(false)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("http shutdown")
	}
	grpcSrv.GRPC.GracefulStop()
	if err := shutdownTracing(shutdownCtx); err != nil {
		log.WithError(err).Warn("tracing shutdown")
	}
	log.Info("stopped")
}

// openStore connects to Postgres when a DSN is configured and falls back to
// an in-memory store seeded with demo users otherwise.
func openStore(ctx context.Context, cfg *config.Config, log logrus.FieldLogger) (backend, func()) {
	if cfg.PGDSN == "" {
		log.Warn("TG_PG_DSN not set, using in-memory store with demo users")
		mem := memory.New()
		seedDemo(mem)
		if n, err := mem.MigrateLegacyRoles(ctx); err == nil && n > 0 {
			log.WithField("users", n).Info("legacy roles migrated")
		}
		return mem, func() {}
	}
	st, err := pg.Open(cfg.PGDSN)
	if err != nil {
		log.WithError(err).Fatal("open db")
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := st.Ping(pingCtx); err != nil {
		log.WithError(err).Warn("database not reachable yet")
	}
	return st, func() { _ = st.Close() }
}

func seedDemo(s *memory.Store) {
	for _, u := range []auth.UserRecord{
		{ID: "usr_admin", Email: "admin@demo.test", IsAdmin: true, OrganizationID: "org_demo", CompanyID: "co_demo"},
		{ID: "usr_editor", Email: "editor@demo.test", Roles: []string{"editor"}, OrganizationID: "org_demo", CompanyID: "co_demo"},
		{ID: "usr_viewer", Email: "viewer@demo.test", OrganizationID: "org_demo", CompanyID: "co_demo"},
		{ID: "usr_other", Email: "owner@other.test", Roles: []string{"owner"}, OrganizationID: "org_other"},
		{ID: "usr_orphan", Email: "orphan@demo.test", Roles: []string{"viewer"}},
	} {
		s.PutUser(u)
	}
}

// newRecorder builds the audit recorder. Redis, when configured, receives
// alerts for critical records that could not be stored; outside production
// every record is also echoed to stdout.
func newRecorder(cfg *config.Config, store audit.Store, log *logrus.Logger, metrics *obs.Metrics) (*audit.Recorder, func()) {
	sink := store
	if !cfg.IsProduction() {
		sink = audit.MultiStore{store, audit.NewLogStore(os.Stdout)}
	}
	opts := []audit.Option{
		audit.WithLogger(log),
		audit.WithMetrics(metrics),
		audit.WithWriteTimeout(cfg.AuditWriteTimeout),
	}
	closeFn := func() {}
	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		opts = append(opts, audit.WithAlerter(audit.FallbackAlerter{
			audit.NewRedisAlerter(client,
				audit.WithQueue(cfg.AuditAlertQueue),
				audit.WithChannel(cfg.AuditAlertChannel),
			),
			audit.NewLogAlerter(log),
		}))
		closeFn = func() { _ = client.Close() }
	}
	return audit.NewRecorder(sink, opts...), closeFn
}
