package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"

	"tenantgate.io/internal/audit"
	"tenantgate.io/internal/auth"
	"tenantgate.io/internal/authz"
)

// Audit actions for override administration.
const (
	ActionOverrideSet    = "override.set"
	ActionOverrideDelete = "override.delete"
)

type meResponse struct {
	UserID         string            `json:"user_id"`
	Email          string            `json:"email"`
	Roles          []auth.Role       `json:"roles"`
	Permissions    []auth.Permission `json:"permissions"`
	OrganizationID string            `json:"organization_id"`
	CompanyID      string            `json:"company_id,omitempty"`
	SessionID      string            `json:"session_id,omitempty"`
	IssuedAt       *time.Time        `json:"issued_at,omitempty"`
}

type setOverrideRequest struct {
	Permission string `json:"permission" validate:"required,uppercase,max=64"`
	Granted    *bool  `json:"granted" validate:"required"`
}

type overridesResponse struct {
	UserID    string                    `json:"user_id"`
	Overrides []auth.PermissionOverride `json:"overrides"`
}

func (a *API) handleMe(w http.ResponseWriter, r *http.Request) {
	ac, ok := authContext(w, r)
	if !ok {
		return
	}
	id := ac.Identity()
	resp := meResponse{
		UserID:         id.ID,
		Email:          id.Email,
		Roles:          ac.Roles(),
		Permissions:    ac.Permissions().Sorted(),
		OrganizationID: ac.OrganizationID(),
		CompanyID:      ac.CompanyID(),
		SessionID:      ac.SessionID(),
	}
	if iat := ac.IssuedAt(); !iat.IsZero() {
		resp.IssuedAt = &iat
	}
	writeJSON(w, http.StatusOK, resp)
}

// handlePermissionCheck answers whether the caller holds a permission inside
// the organization named in the path. Another organization is a scope
// violation, never a "false".
func (a *API) handlePermissionCheck(w http.ResponseWriter, r *http.Request) {
	ac, ok := authContext(w, r)
	if !ok {
		return
	}
	orgID := chi.URLParam(r, "orgID")
	p := a.cfg.Pipeline
	if err := p.Confine(r.Context(), ac, orgID, "org:"+orgID, authz.MetaFromRequest(r)); err != nil {
		a.log.WithFields(logrus.Fields{
			"request_id":      RequestIDFromContext(r.Context()),
			"actor_id":        ac.UserID(),
			"organization_id": ac.OrganizationID(),
			"requested_org":   orgID,
		}).Warn("cross-organization permission check refused")
		writeRejection(w, r, authz.AsRejection(err))
		return
	}
	perm, err := auth.ParsePermission(r.URL.Query().Get("permission"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "unknown permission")
		return
	}
	granted, err := p.Engine().Has(r.Context(), ac.Identity(), perm)
	if err != nil {
		a.log.WithError(err).WithField("request_id", RequestIDFromContext(r.Context())).Error("permission check failed")
		writeError(w, r, http.StatusInternalServerError, auth.KindInternal.PublicMessage())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"organization_id": orgID,
		"permission":      perm,
		"granted":         granted,
	})
}

func (a *API) handleListOverrides(w http.ResponseWriter, r *http.Request) {
	ac, ok := authContext(w, r)
	if !ok {
		return
	}
	target, ok := a.sameOrgUser(w, r, ac, chi.URLParam(r, "userID"))
	if !ok {
		return
	}
	overrides, err := a.cfg.Overrides.FindOverrides(r.Context(), target)
	if err != nil {
		a.storeError(w, r, err)
		return
	}
	if overrides == nil {
		overrides = []auth.PermissionOverride{}
	}
	writeJSON(w, http.StatusOK, overridesResponse{UserID: target, Overrides: overrides})
}

func (a *API) handleSetOverride(w http.ResponseWriter, r *http.Request) {
	ac, ok := authContext(w, r)
	if !ok {
		return
	}
	var req setOverrideRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if err := a.validate.Struct(req); err != nil {
		writeError(w, r, http.StatusBadRequest, validationMessage(err))
		return
	}
	perm, err := auth.ParsePermission(req.Permission)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "unknown permission")
		return
	}
	target, ok := a.sameOrgUser(w, r, ac, chi.URLParam(r, "userID"))
	if !ok {
		return
	}

	// Granting requires holding the permission being granted; both are
	// derived again from live state.
	need := authz.Require(auth.PermUserManage)
	if *req.Granted {
		need = authz.RequireAll(auth.PermUserManage, perm)
	}
	if err := a.cfg.Pipeline.Check(r.Context(), ac, need.On("user:"+target), authz.MetaFromRequest(r)); err != nil {
		writeRejection(w, r, authz.AsRejection(err))
		return
	}

	o := auth.PermissionOverride{UserID: target, Permission: perm, Granted: *req.Granted, GrantedBy: ac.UserID()}
	if err := a.cfg.Overrides.SetOverride(r.Context(), o); err != nil {
		a.storeError(w, r, err)
		return
	}
	a.auditMutation(r, ac, ActionOverrideSet, target, perm, map[string]string{
		"granted": strconv.FormatBool(o.Granted),
	})
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleDeleteOverride(w http.ResponseWriter, r *http.Request) {
	ac, ok := authContext(w, r)
	if !ok {
		return
	}
	perm, err := auth.ParsePermission(chi.URLParam(r, "permission"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "unknown permission")
		return
	}
	target, ok := a.sameOrgUser(w, r, ac, chi.URLParam(r, "userID"))
	if !ok {
		return
	}
	if err := a.cfg.Pipeline.Check(r.Context(), ac, authz.Require(auth.PermUserManage).On("user:"+target), authz.MetaFromRequest(r)); err != nil {
		writeRejection(w, r, authz.AsRejection(err))
		return
	}
	if err := a.cfg.Overrides.DeleteOverride(r.Context(), target, perm); err != nil {
		a.storeError(w, r, err)
		return
	}
	a.auditMutation(r, ac, ActionOverrideDelete, target, perm, nil)
	w.WriteHeader(http.StatusNoContent)
}

// sameOrgUser loads the target and hides users of other organizations behind
// the same 404 as unknown ids.
func (a *API) sameOrgUser(w http.ResponseWriter, r *http.Request, ac *auth.AuthorizationContext, userID string) (string, bool) {
	rec, err := a.cfg.Users.FindUser(r.Context(), userID)
	switch {
	case errors.Is(err, auth.ErrNotFound):
		writeError(w, r, http.StatusNotFound, "resource not found")
		return "", false
	case err != nil:
		a.storeError(w, r, err)
		return "", false
	}
	// The rejection is audited; the response stays a plain 404.
	if err := a.cfg.Pipeline.Confine(r.Context(), ac, rec.OrganizationID, "user:"+rec.ID, authz.MetaFromRequest(r)); err != nil {
		a.log.WithFields(logrus.Fields{
			"request_id":      RequestIDFromContext(r.Context()),
			"actor_id":        ac.UserID(),
			"organization_id": ac.OrganizationID(),
			"target_user":     userID,
		}).Warn("cross-organization user access refused")
		writeError(w, r, http.StatusNotFound, "resource not found")
		return "", false
	}
	return rec.ID, true
}

func (a *API) auditMutation(r *http.Request, ac *auth.AuthorizationContext, action, target string, perm auth.Permission, extra map[string]string) {
	meta := authz.MetaFromRequest(r)
	md := map[string]string{
		"target_user": target,
		"permission":  string(perm),
	}
	for k, v := range extra {
		md[k] = v
	}
	a.cfg.Recorder.Record(r.Context(), audit.Record{
		ActorID:        ac.UserID(),
		OrganizationID: ac.OrganizationID(),
		Action:         action,
		Resource:       "user:" + target,
		Success:        true,
		Risk:           audit.MaxRisk(audit.RiskMedium, authz.Require(perm).Risk()),
		RequestID:      meta.RequestID,
		RemoteAddr:     meta.RemoteAddr,
		UserAgent:      meta.UserAgent,
		Metadata:       md,
	})
}

func (a *API) storeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, auth.ErrNotFound):
		writeError(w, r, http.StatusNotFound, "resource not found")
	case errors.Is(err, auth.ErrInvalidInput):
		writeError(w, r, http.StatusBadRequest, "invalid input")
	case errors.Is(err, auth.ErrConflict):
		writeError(w, r, http.StatusConflict, "conflict")
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		writeError(w, r, http.StatusServiceUnavailable, "request cancelled")
	default:
		a.log.WithError(err).WithField("request_id", RequestIDFromContext(r.Context())).Error("store operation failed")
		writeError(w, r, http.StatusInternalServerError, auth.KindInternal.PublicMessage())
	}
}
