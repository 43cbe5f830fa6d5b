package httpapi

import (
	"net/http"

	"tenantgate.io/internal/auth"
	"tenantgate.io/internal/authz"
)

const bearerRealm = `Bearer realm="` + serviceName + `"`

// Authorize runs the pipeline for every request and stores the resulting
// context for handlers. Rejected requests never reach next.
func Authorize(p *authz.Pipeline, req authz.Requirement) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method == http.MethodOptions {
				next.ServeHTTP(w, r)
				return
			}
			ac, err := p.Authorize(r, req)
			if err != nil {
				writeRejection(w, r, authz.AsRejection(err))
				return
			}
			next.ServeHTTP(w, r.WithContext(auth.ContextWith(r.Context(), ac)))
		})
	}
}

// writeRejection sends the public part of a rejection. Internal reasons stay
// in the log and the audit record.
func writeRejection(w http.ResponseWriter, r *http.Request, rej *authz.Rejection) {
	status := rej.Status()
	if status == http.StatusUnauthorized {
		challenge := bearerRealm
		switch rej.Kind {
		case auth.KindCredentialExpired, auth.KindCredentialInvalid:
			challenge += `, error="invalid_token"`
		}
		w.Header().Set("WWW-Authenticate", challenge)
	}
	payload := map[string]any{
		"error": rej.PublicMessage(),
		"code":  rej.Kind.PublicCode(),
	}
	if rid := RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, status, payload)
}

// authContext returns the context stored by Authorize. Handlers behind
// Authorize always have one; the fallback answers 401 for miswired routes.
func authContext(w http.ResponseWriter, r *http.Request) (*auth.AuthorizationContext, bool) {
	ac, ok := auth.FromContext(r.Context())
	if !ok {
		writeRejection(w, r, &authz.Rejection{Kind: auth.KindNoCredential, Err: auth.ErrNoCredential})
		return nil, false
	}
	return ac, true
}
