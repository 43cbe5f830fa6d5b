// Package grpcapi authorizes gRPC calls with the same pipeline as HTTP.
package grpcapi

import (
	"context"
	"net"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"

	"tenantgate.io/internal/auth"
	"tenantgate.io/internal/authz"
)

// MethodRequirements maps full method names ("/pkg.Service/Method") to the
// permissions they need. Methods missing from the map need authentication
// and an organization scope only.
type MethodRequirements map[string]authz.Requirement

// DefaultPublicPrefixes are served without credentials.
var DefaultPublicPrefixes = []string{"/grpc.health.v1.Health/"}

// Authorizer runs the pipeline for each call.
type Authorizer struct {
	pipeline     *authz.Pipeline
	requirements MethodRequirements
	public       []string
}

// Option configures an Authorizer.
type Option func(*Authorizer)

// WithRequirements sets per-method requirements.
func WithRequirements(reqs MethodRequirements) Option {
	return func(a *Authorizer) {
		for m, r := range reqs {
			a.requirements[m] = r
		}
	}
}

// WithPublicPrefixes replaces the unauthenticated method prefixes.
func WithPublicPrefixes(prefixes ...string) Option {
	return func(a *Authorizer) { a.public = append([]string(nil), prefixes...) }
}

// NewAuthorizer wraps p.
func NewAuthorizer(p *authz.Pipeline, opts ...Option) *Authorizer {
	a := &Authorizer{
		pipeline:     p,
		requirements: MethodRequirements{},
		public:       append([]string(nil), DefaultPublicPrefixes...),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func (a *Authorizer) isPublic(method string) bool {
	for _, prefix := range a.public {
		if strings.HasPrefix(method, prefix) {
			return true
		}
	}
	return false
}

// authorize returns ctx carrying the authorization context, or a status error.
func (a *Authorizer) authorize(ctx context.Context, method string) (context.Context, error) {
	if a.isPublic(method) {
		return ctx, nil
	}
	md, _ := metadata.FromIncomingContext(ctx)
	cred, found := a.pipeline.Extractor().ExtractMetadata(md)
	req := a.requirements[method]
	if req.Resource == "" {
		req = req.On(method)
	}
	ac, err := a.pipeline.AuthorizeCredential(ctx, cred, found, req, requestMeta(ctx, method, md))
	if err != nil {
		rej := authz.AsRejection(err)
		return nil, status.Error(Code(rej.Kind), rej.PublicMessage())
	}
	return auth.ContextWith(ctx, ac), nil
}

// UnaryInterceptor authorizes unary calls.
func (a *Authorizer) UnaryInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		ctx, err := a.authorize(ctx, info.FullMethod)
		if err != nil {
			return nil, err
		}
		return handler(ctx, req)
	}
}

// StreamInterceptor authorizes streams once, when they open.
func (a *Authorizer) StreamInterceptor() grpc.StreamServerInterceptor {
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		ctx, err := a.authorize(ss.Context(), info.FullMethod)
		if err != nil {
			return err
		}
		return handler(srv, &authorizedStream{ServerStream: ss, ctx: ctx})
	}
}

type authorizedStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (s *authorizedStream) Context() context.Context { return s.ctx }

// Code maps a rejection kind to its gRPC status code.
func Code(k auth.Kind) codes.Code {
	switch k {
	case auth.KindNoCredential, auth.KindCredentialExpired, auth.KindCredentialInvalid, auth.KindUserNotFound:
		return codes.Unauthenticated
	case auth.KindNoOrganizationScope, auth.KindPermissionDenied:
		return codes.PermissionDenied
	default:
		return codes.Internal
	}
}

func requestMeta(ctx context.Context, method string, md metadata.MD) authz.RequestMeta {
	meta := authz.RequestMeta{Method: "GRPC", Path: method}
	if p, ok := peer.FromContext(ctx); ok && p.Addr != nil {
		host := p.Addr.String()
		if h, _, err := net.SplitHostPort(host); err == nil {
			host = h
		}
		meta.RemoteAddr = host
	}
	if v := md.Get("user-agent"); len(v) > 0 {
		meta.UserAgent = v[0]
	}
	if v := md.Get("x-request-id"); len(v) > 0 {
		meta.RequestID = v[0]
	}
	return meta
}
