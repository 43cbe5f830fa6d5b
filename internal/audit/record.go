package audit

import (
	"context"
	"strings"
	"time"
)

// Risk grades an audit record.
type Risk string

const (
	RiskLow      Risk = "low"
	RiskMedium   Risk = "medium"
	RiskHigh     Risk = "high"
	RiskCritical Risk = "critical"
)

func (r Risk) rank() int {
	switch r {
	case RiskMedium:
		return 1
	case RiskHigh:
		return 2
	case RiskCritical:
		return 3
	default:
		return 0
	}
}

// Valid reports whether r is one of the four levels.
func (r Risk) Valid() bool {
	switch r {
	case RiskLow, RiskMedium, RiskHigh, RiskCritical:
		return true
	}
	return false
}

// MaxRisk returns the highest of the given levels, low when none are given.
func MaxRisk(levels ...Risk) Risk {
	out := RiskLow
	for _, r := range levels {
		if r.rank() > out.rank() {
			out = r
		}
	}
	return out
}

// Record is one immutable audit entry.
type Record struct {
	ID             string            `json:"id"`
	ActorID        string            `json:"actor_id,omitempty"`
	OrganizationID string            `json:"organization_id,omitempty"`
	Action         string            `json:"action"`
	Resource       string            `json:"resource,omitempty"`
	Success        bool              `json:"success"`
	Risk           Risk              `json:"risk"`
	Reason         string            `json:"reason,omitempty"`
	RequestID      string            `json:"request_id,omitempty"`
	RemoteAddr     string            `json:"remote_addr,omitempty"`
	UserAgent      string            `json:"user_agent,omitempty"`
	OccurredAt     time.Time         `json:"occurred_at"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

// Anonymous reports whether the record has no actor.
func (r Record) Anonymous() bool { return r.ActorID == "" }

// Store appends records durably.
type Store interface {
	Append(ctx context.Context, rec Record) error
}

// Query selects records for one organization, newest first.
type Query struct {
	OrganizationID string
	Before         time.Time
	Limit          int
}

// Reader lists records.
type Reader interface {
	List(ctx context.Context, q Query) ([]Record, error)
}

const (
	DefaultListLimit = 50
	MaxListLimit     = 500
)

// Normalize clamps the limit into [1, MaxListLimit].
func (q Query) Normalize() Query {
	q.OrganizationID = strings.TrimSpace(q.OrganizationID)
	switch {
	case q.Limit <= 0:
		q.Limit = DefaultListLimit
	case q.Limit > MaxListLimit:
		q.Limit = MaxListLimit
	}
	return q
}

type ctxKey string

const requestIDKey ctxKey = "audit_request_id"

// WithRequestID attaches the request identifier to the context for audit logging.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey, requestID)
}

// RequestIDFromContext returns the id stored by WithRequestID.
func RequestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(requestIDKey).(string); ok {
		return v
	}
	return ""
}
