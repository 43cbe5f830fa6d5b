package auth

import (
	"errors"
	"net/http"
)

// Kind classifies why an authorization decision was rejected.
type Kind string

const (
	KindNoCredential        Kind = "no_credential"
	KindCredentialExpired   Kind = "credential_expired"
	KindCredentialInvalid   Kind = "credential_invalid"
	KindUserNotFound        Kind = "user_not_found"
	KindNoOrganizationScope Kind = "no_organization_scope"
	KindPermissionDenied    Kind = "permission_denied"
	KindInternal            Kind = "internal_error"
)

var (
	ErrNoCredential        = errors.New("auth: no credential")
	ErrUserNotFound        = errors.New("auth: user not found")
	ErrNoOrganizationScope = errors.New("auth: no organization scope")
	ErrScopeMismatch       = errors.New("auth: organization scope mismatch")
	ErrPermissionDenied    = errors.New("auth: permission denied")
	ErrInvalidInput        = errors.New("auth: invalid input")
	ErrNotFound            = errors.New("auth: not found")
	ErrConflict            = errors.New("auth: resource conflict")

	// Verifier failures. Exactly one of these is returned for a rejected token.
	ErrTokenExpired   = errors.New("auth: token expired")
	ErrTokenMalformed = errors.New("auth: token malformed")
	ErrTokenSignature = errors.New("auth: token signature invalid")
)

// KindOf maps an error produced anywhere in the auth chain to its rejection kind.
// Anything unrecognised is an internal error.
func KindOf(err error) Kind {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrNoCredential):
		return KindNoCredential
	case errors.Is(err, ErrTokenExpired):
		return KindCredentialExpired
	case errors.Is(err, ErrTokenMalformed), errors.Is(err, ErrTokenSignature):
		return KindCredentialInvalid
	case errors.Is(err, ErrUserNotFound):
		return KindUserNotFound
	case errors.Is(err, ErrNoOrganizationScope), errors.Is(err, ErrScopeMismatch):
		return KindNoOrganizationScope
	case errors.Is(err, ErrPermissionDenied):
		return KindPermissionDenied
	default:
		return KindInternal
	}
}

// HTTPStatus returns the response status for the kind.
func (k Kind) HTTPStatus() int {
	switch k {
	case KindNoCredential, KindCredentialExpired, KindCredentialInvalid, KindUserNotFound:
		return http.StatusUnauthorized
	case KindNoOrganizationScope, KindPermissionDenied:
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}

// PublicMessage is the only text about a rejection that leaves the service.
// UserNotFound and NoOrganizationScope deliberately share a generic message.
func (k Kind) PublicMessage() string {
	switch k {
	case KindNoCredential:
		return "authentication required"
	case KindCredentialExpired:
		return "session expired"
	case KindCredentialInvalid:
		return "invalid session"
	case KindUserNotFound, KindNoOrganizationScope:
		return "unauthorized"
	case KindPermissionDenied:
		return "insufficient permissions"
	default:
		return "internal error"
	}
}

// PublicCode is the machine-readable counterpart of PublicMessage.
// UserNotFound and NoOrganizationScope collapse to one code.
func (k Kind) PublicCode() string {
	switch k {
	case KindUserNotFound, KindNoOrganizationScope:
		return "unauthorized"
	case "":
		return string(KindInternal)
	default:
		return string(k)
	}
}

// ServerFault reports whether the kind is a server-side failure rather than a client one.
func (k Kind) ServerFault() bool {
	return k == KindInternal
}
