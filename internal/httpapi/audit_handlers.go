package httpapi

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"tenantgate.io/internal/audit"
)

type auditResponse struct {
	Records    []audit.Record `json:"records"`
	NextBefore string         `json:"next_before,omitempty"`
}

// handleListAudit lists the caller's organization only; there is no
// organization parameter to tamper with.
func (a *API) handleListAudit(w http.ResponseWriter, r *http.Request) {
	ac, ok := authContext(w, r)
	if !ok {
		return
	}
	if a.cfg.AuditLog == nil {
		writeError(w, r, http.StatusServiceUnavailable, "audit log unavailable")
		return
	}
	q := audit.Query{OrganizationID: ac.OrganizationID()}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, r, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		q.Limit = n
	}
	if raw := r.URL.Query().Get("before"); raw != "" {
		ts, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, "before must be an RFC 3339 timestamp")
			return
		}
		q.Before = ts
	}
	q = q.Normalize()
	records, err := a.cfg.AuditLog.List(r.Context(), q)
	if err != nil {
		a.storeError(w, r, err)
		return
	}
	resp := auditResponse{Records: records}
	if resp.Records == nil {
		resp.Records = []audit.Record{}
	}
	if len(records) == q.Limit {
		resp.NextBefore = records[len(records)-1].OccurredAt.UTC().Format(time.RFC3339Nano)
	}
	writeJSON(w, http.StatusOK, resp)
}

func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return "invalid request"
	}
	fe := verrs[0]
	field := strings.ToLower(fe.Field())
	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", field)
	case "max":
		return fmt.Sprintf("%s is too long", field)
	default:
		return fmt.Sprintf("%s is invalid", field)
	}
}
