package authz

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"tenantgate.io/internal/audit"
	"tenantgate.io/internal/auth"
	"tenantgate.io/internal/obs"
)

const tracerName = "tenantgate.io/internal/authz"

// Audit actions written by the pipeline.
const (
	ActionAuthorize = "authz.authorize"
	ActionCheck     = "authz.check"
	ActionConfine   = "authz.confine"
)

// AuditRecorder receives one record per decision.
type AuditRecorder interface {
	Record(ctx context.Context, rec audit.Record)
}

// RequestMeta describes the request for audit records.
type RequestMeta struct {
	Method     string
	Path       string
	RemoteAddr string
	UserAgent  string
	RequestID  string
}

// MetaFromRequest collects audit metadata from r.
func MetaFromRequest(r *http.Request) RequestMeta {
	host := r.RemoteAddr
	if h, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		host = h
	}
	rid := audit.RequestIDFromContext(r.Context())
	if rid == "" {
		rid = r.Header.Get("X-Request-ID")
	}
	return RequestMeta{
		Method:     r.Method,
		Path:       r.URL.Path,
		RemoteAddr: host,
		UserAgent:  r.UserAgent(),
		RequestID:  rid,
	}
}

// Pipeline runs extraction, verification, identity resolution, scoping and the
// permission check in that fixed order. It holds no per-request state and is
// safe for concurrent use.
type Pipeline struct {
	extractor auth.Extractor
	verifier  auth.Verifier
	resolver  *auth.Resolver
	engine    *auth.Engine
	guard     auth.ScopeGuard
	recorder  AuditRecorder

	log     logrus.FieldLogger
	metrics *obs.Metrics
	tracer  trace.Tracer
	now     func() time.Time

	cookieName string
	roleTable  auth.RoleTable
}

// Option configures a Pipeline.
type Option func(*Pipeline)

func WithLogger(l logrus.FieldLogger) Option {
	return func(p *Pipeline) {
		if l != nil {
			p.log = l
		}
	}
}

func WithMetrics(m *obs.Metrics) Option {
	return func(p *Pipeline) { p.metrics = m }
}

// WithTracerProvider overrides the global tracer provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(p *Pipeline) {
		if tp != nil {
			p.tracer = tp.Tracer(tracerName)
		}
	}
}

func WithClock(fn func() time.Time) Option {
	return func(p *Pipeline) {
		if fn != nil {
			p.now = fn
		}
	}
}

// WithCookieName sets the session cookie consulted after the Authorization header.
func WithCookieName(name string) Option {
	return func(p *Pipeline) { p.cookieName = name }
}

// WithRoleTable replaces the built-in role table.
func WithRoleTable(t auth.RoleTable) Option {
	return func(p *Pipeline) { p.roleTable = t }
}

// New wires the pipeline from its collaborators. overrides may be nil.
func New(verifier auth.Verifier, users auth.UserStore, overrides auth.OverrideReader, recorder AuditRecorder, opts ...Option) (*Pipeline, error) {
	switch {
	case verifier == nil:
		return nil, errors.New("authz: verifier is required")
	case users == nil:
		return nil, errors.New("authz: user store is required")
	case recorder == nil:
		return nil, errors.New("authz: audit recorder is required")
	}
	discard := logrus.New()
	discard.SetOutput(io.Discard)
	p := &Pipeline{
		verifier: verifier,
		recorder: recorder,
		log:      discard,
		tracer:   otel.GetTracerProvider().Tracer(tracerName),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	p.extractor = auth.NewExtractor(p.cookieName)
	p.resolver = auth.NewResolver(users, p.log)
	p.engine = auth.NewEngine(overrides, auth.WithRoleTable(p.roleTable), auth.WithEngineLogger(p.log))
	return p, nil
}

// Engine exposes the permission engine for handlers that answer permission
// questions about other users.
func (p *Pipeline) Engine() *auth.Engine { return p.engine }

// Guard returns the tenant scope guard.
func (p *Pipeline) Guard() auth.ScopeGuard { return p.guard }

// Authorize is the sole entry point for HTTP handlers. The returned error is
// always a *Rejection.
func (p *Pipeline) Authorize(r *http.Request, req Requirement) (*auth.AuthorizationContext, error) {
	cred, found := p.extractor.Extract(r)
	return p.run(r.Context(), cred, found, req, MetaFromRequest(r))
}

// AuthorizeCredential runs the pipeline for a credential already extracted by
// a non-HTTP transport. found=false rejects with NoCredential.
func (p *Pipeline) AuthorizeCredential(ctx context.Context, cred auth.Credential, found bool, req Requirement, meta RequestMeta) (*auth.AuthorizationContext, error) {
	return p.run(ctx, cred, found, req, meta)
}

// Extractor returns the credential extractor in use.
func (p *Pipeline) Extractor() auth.Extractor { return p.extractor }

// run holds the state machine. Every return path goes through finish, which
// writes the single audit record for the run.
func (p *Pipeline) run(ctx context.Context, cred auth.Credential, found bool, req Requirement, meta RequestMeta) (*auth.AuthorizationContext, error) {
	start := p.now()
	ctx, span := p.tracer.Start(ctx, "authz.Authorize", trace.WithAttributes(
		attribute.String("authz.requirement", req.String()),
	))
	defer span.End()

	d := &decision{state: StateUnauthenticated, span: span}
	ac, rej := p.advance(ctx, d, cred, found, req)
	p.finish(ctx, d, ActionAuthorize, req, meta, rej, start)
	if rej != nil {
		return nil, rej
	}
	return ac, nil
}

// decision accumulates what is known about the caller as the run advances.
type decision struct {
	state    State
	span     trace.Span
	source   auth.CredentialSource
	claims   auth.Claims
	verified bool
	identity auth.Identity
	scope    auth.Scope
	perms    auth.PermissionSet
	extra    map[string]string
}

func (d *decision) to(s State) {
	if d.state.next() != s {
		panic(fmt.Sprintf("authz: illegal transition %s -> %s", d.state, s))
	}
	d.state = s
	d.span.AddEvent("authz.transition", trace.WithAttributes(attribute.String("authz.state", s.String())))
}

func (p *Pipeline) advance(ctx context.Context, d *decision, cred auth.Credential, found bool, req Requirement) (*auth.AuthorizationContext, *Rejection) {
	if !found || strings.TrimSpace(cred.Token) == "" {
		return nil, reject(d.state, auth.ErrNoCredential)
	}
	d.source = cred.Source
	d.to(StateCredentialFound)

	if err := live(ctx); err != nil {
		return nil, reject(d.state, err)
	}
	claims, err := p.verifier.Verify(ctx, cred.Token)
	if err != nil {
		return nil, reject(d.state, err)
	}
	d.claims, d.verified = claims, true
	d.to(StateVerified)

	if err := live(ctx); err != nil {
		return nil, reject(d.state, err)
	}
	identity, err := p.resolver.Resolve(ctx, claims.SubjectID)
	if err != nil {
		return nil, reject(d.state, err)
	}
	d.identity = identity
	d.to(StateIdentityResolved)

	scope, err := p.guard.Scope(identity)
	if err != nil {
		return nil, reject(d.state, err)
	}
	d.scope = scope
	d.to(StateScoped)

	if err := live(ctx); err != nil {
		return nil, reject(d.state, err)
	}
	perms, err := p.engine.EffectivePermissions(ctx, identity)
	if err != nil {
		return nil, reject(d.state, err)
	}
	d.perms = perms
	if !req.SatisfiedBy(perms) {
		return nil, reject(d.state, fmt.Errorf("%w: requires %s, missing %v", auth.ErrPermissionDenied, req, req.Missing(perms)))
	}
	d.to(StateAuthorized)
	return auth.NewAuthorizationContext(identity, perms, scope, claims), nil
}

// Check performs a further permission check on an authorized context. The
// effective permissions are derived again; the snapshot in ac is not reused.
func (p *Pipeline) Check(ctx context.Context, ac *auth.AuthorizationContext, req Requirement, meta RequestMeta) error {
	start := p.now()
	ctx, span := p.tracer.Start(ctx, "authz.Check", trace.WithAttributes(
		attribute.String("authz.requirement", req.String()),
	))
	defer span.End()

	d := &decision{state: StateScoped, span: span}
	var rej *Rejection
	if ac == nil {
		d.state = StateUnauthenticated
		rej = reject(d.state, auth.ErrNoCredential)
	} else {
		d.verified = true
		d.claims = auth.Claims{SubjectID: ac.UserID(), SessionID: ac.SessionID()}
		d.identity = ac.Identity()
		d.scope = ac.Scope()
		rej = p.check(ctx, d, req)
	}
	p.finish(ctx, d, ActionCheck, req, meta, rej, start)
	if rej != nil {
		return rej
	}
	return nil
}

// Confine rejects access to an organization other than the caller's. A
// mismatch is written to the audit log as a rejected decision with the
// requested organization in its metadata; a match records nothing, since the
// decision that produced ac is already on record.
func (p *Pipeline) Confine(ctx context.Context, ac *auth.AuthorizationContext, requestedOrgID, resource string, meta RequestMeta) error {
	var scope auth.Scope
	if ac != nil {
		scope = ac.Scope()
	}
	err := p.guard.Confine(scope, requestedOrgID)
	if ac != nil && err == nil {
		return nil
	}
	if ac == nil {
		err = auth.ErrNoCredential
	}

	start := p.now()
	ctx, span := p.tracer.Start(ctx, "authz.Confine", trace.WithAttributes(
		attribute.String("authz.requested_org", requestedOrgID),
	))
	defer span.End()

	d := &decision{state: StateScoped, span: span, extra: map[string]string{"requested_org": requestedOrgID}}
	if ac == nil {
		d.state = StateUnauthenticated
	} else {
		d.verified = true
		d.claims = auth.Claims{SubjectID: ac.UserID(), SessionID: ac.SessionID()}
		d.identity = ac.Identity()
		d.scope = scope
	}
	rej := reject(d.state, err)
	p.finish(ctx, d, ActionConfine, Requirement{}.On(resource), meta, rej, start)
	return rej
}

func (p *Pipeline) check(ctx context.Context, d *decision, req Requirement) *Rejection {
	if err := live(ctx); err != nil {
		return reject(d.state, err)
	}
	perms, err := p.engine.EffectivePermissions(ctx, d.identity)
	if err != nil {
		return reject(d.state, err)
	}
	d.perms = perms
	if !req.SatisfiedBy(perms) {
		return reject(d.state, fmt.Errorf("%w: requires %s, missing %v", auth.ErrPermissionDenied, req, req.Missing(perms)))
	}
	d.to(StateAuthorized)
	return nil
}

func live(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("request cancelled: %w", err)
	}
	return nil
}

// finish records the decision: one audit record, one metric observation, one
// log line.
func (p *Pipeline) finish(ctx context.Context, d *decision, action string, req Requirement, meta RequestMeta, rej *Rejection, start time.Time) {
	allowed := rej == nil
	rec := audit.Record{
		Action:     action,
		Resource:   req.Resource,
		Success:    allowed,
		RequestID:  meta.RequestID,
		RemoteAddr: meta.RemoteAddr,
		UserAgent:  meta.UserAgent,
		Metadata: map[string]string{
			"requirement": req.String(),
			"state":       d.state.String(),
		},
	}
	if rec.Resource == "" {
		rec.Resource = strings.TrimSpace(meta.Method + " " + meta.Path)
	}
	if d.verified {
		rec.ActorID = d.claims.SubjectID
		if d.claims.SessionID != "" {
			rec.Metadata["session_id"] = d.claims.SessionID
		}
	}
	if d.source != "" {
		rec.Metadata["credential_source"] = string(d.source)
	}
	for k, v := range d.extra {
		rec.Metadata[k] = v
	}
	rec.OrganizationID = d.scope.OrganizationID

	fields := logrus.Fields{
		"request_id":  meta.RequestID,
		"action":      action,
		"requirement": req.String(),
		"actor_id":    rec.ActorID,
	}
	kind := ""
	if allowed {
		rec.Risk = audit.MaxRisk(audit.RiskLow, req.Risk())
		d.span.SetAttributes(attribute.String("authz.outcome", "allowed"))
		p.log.WithFields(fields).Debug("authorization granted")
	} else {
		d.state = StateRejected
		kind = string(rej.Kind)
		rec.Risk = riskOf(rej, req)
		rec.Reason = rej.Reason
		rec.Metadata["kind"] = kind
		rec.Metadata["rejected_at"] = rej.At.String()
		d.span.SetAttributes(
			attribute.String("authz.outcome", "denied"),
			attribute.String("authz.kind", kind),
		)
		d.span.AddEvent("authz.transition", trace.WithAttributes(attribute.String("authz.state", StateRejected.String())))
		fields["kind"] = kind
		fields["state"] = rej.At.String()
		entry := p.log.WithFields(fields).WithError(rej.Err)
		if rej.Kind.ServerFault() {
			d.span.SetStatus(codes.Error, rej.Reason)
			entry.Error("authorization failed")
		} else {
			entry.Info("authorization rejected")
		}
	}

	p.recorder.Record(ctx, rec)
	p.metrics.ObserveDecision(allowed, kind, p.now().Sub(start))
}
