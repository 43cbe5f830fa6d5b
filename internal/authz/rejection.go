package authz

import (
	"errors"
	"fmt"

	"tenantgate.io/internal/audit"
	"tenantgate.io/internal/auth"
)

// Rejection is the terminal failure of a pipeline run. At is the last state
// reached before the rejection. Only Kind and PublicMessage may be shown to
// the caller.
type Rejection struct {
	Kind   auth.Kind
	At     State
	Reason string
	Err    error
}

func (r *Rejection) Error() string {
	if r.Err != nil {
		return fmt.Sprintf("authz: %s at %s: %v", r.Kind, r.At, r.Err)
	}
	return fmt.Sprintf("authz: %s at %s", r.Kind, r.At)
}

func (r *Rejection) Unwrap() error { return r.Err }

// Status is the HTTP status for the rejection.
func (r *Rejection) Status() int { return r.Kind.HTTPStatus() }

// PublicMessage is the caller-facing text.
func (r *Rejection) PublicMessage() string { return r.Kind.PublicMessage() }

// AsRejection extracts a Rejection from err. Errors that are not rejections
// are reported as internal.
func AsRejection(err error) *Rejection {
	if err == nil {
		return nil
	}
	var rej *Rejection
	if errors.As(err, &rej) {
		return rej
	}
	return &Rejection{Kind: auth.KindInternal, Reason: err.Error(), Err: err}
}

func reject(at State, err error) *Rejection {
	return &Rejection{Kind: auth.KindOf(err), At: at, Reason: err.Error(), Err: err}
}

// riskOf grades a rejection for the audit log.
func riskOf(rej *Rejection, req Requirement) audit.Risk {
	switch rej.Kind {
	case auth.KindNoCredential, auth.KindCredentialExpired:
		return audit.RiskLow
	case auth.KindCredentialInvalid:
		if errors.Is(rej.Err, auth.ErrTokenSignature) {
			return audit.RiskHigh
		}
		return audit.RiskMedium
	case auth.KindUserNotFound:
		return audit.RiskHigh
	case auth.KindPermissionDenied:
		return audit.MaxRisk(audit.RiskMedium, req.Risk())
	default:
		return audit.RiskMedium
	}
}
