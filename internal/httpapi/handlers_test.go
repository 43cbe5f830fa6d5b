package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"

	"tenantgate.io/internal/audit"
	"tenantgate.io/internal/auth"
	"tenantgate.io/internal/authz"
	"tenantgate.io/internal/obs"
	"tenantgate.io/internal/store/memory"
)

const testSecret = "httpapi-test-secret-0123456789abcdef"

type testAPI struct {
	t      *testing.T
	srv    *httptest.Server
	store  *memory.Store
	signer *auth.TokenSigner
	hook   *test.Hook
}

type failingProbe struct{}

func (failingProbe) Ping(context.Context) error { return errors.New("db down") }

func newTestAPI(t *testing.T, mutate func(*Config)) *testAPI {
	t.Helper()

	store := memory.New()
	store.PutUser(auth.UserRecord{ID: "usr_admin", Email: "admin@a.test", Roles: []string{"org_admin"}, OrganizationID: "org_a", CompanyID: "co_a"})
	store.PutUser(auth.UserRecord{ID: "usr_viewer", Email: "viewer@a.test", Roles: []string{"viewer"}, OrganizationID: "org_a"})
	store.PutUser(auth.UserRecord{ID: "usr_b", Email: "owner@b.test", Roles: []string{"owner"}, OrganizationID: "org_b"})
	store.PutUser(auth.UserRecord{ID: "usr_legacy", Email: "legacy@a.test", IsAdmin: true, OrganizationID: "org_a"})

	opts := []auth.TokenOption{auth.WithHS256Secret(testSecret)}
	verifier, err := auth.NewTokenVerifier(opts...)
	if err != nil {
		t.Fatalf("verifier: %v", err)
	}
	signer, err := auth.NewTokenSigner(opts...)
	if err != nil {
		t.Fatalf("signer: %v", err)
	}

	logger, hook := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)
	reg := prometheus.NewRegistry()
	metrics := obs.NewMetrics(reg)
	recorder := audit.NewRecorder(store, audit.WithLogger(logger), audit.WithMetrics(metrics))

	pipeline, err := authz.New(verifier, store, store, recorder, authz.WithLogger(logger), authz.WithMetrics(metrics))
	if err != nil {
		t.Fatalf("pipeline: %v", err)
	}
	cfg := Config{
		Pipeline:       pipeline,
		Users:          store,
		Overrides:      store,
		AuditLog:       store,
		Recorder:       recorder,
		Ready:          store,
		Logger:         logger,
		Metrics:        metrics,
		Gatherer:       reg,
		Version:        "test",
		RateLimitRPS:   1000,
		RateLimitBurst: 1000,
		MaxBodyBytes:   1 << 16,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	api, err := New(cfg)
	if err != nil {
		t.Fatalf("new api: %v", err)
	}
	srv := httptest.NewServer(api.Handler())
	t.Cleanup(srv.Close)
	return &testAPI{t: t, srv: srv, store: store, signer: signer, hook: hook}
}

func (c *testAPI) token(userID string) string {
	c.t.Helper()
	tok, _, err := c.signer.Sign(auth.Claims{SubjectID: userID}, time.Hour)
	if err != nil {
		c.t.Fatalf("sign: %v", err)
	}
	return tok
}

func (c *testAPI) do(method, path, token string, body any) *http.Response {
	c.t.Helper()
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			c.t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequest(method, c.srv.URL+path, reader)
	if err != nil {
		c.t.Fatalf("new request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := c.srv.Client().Do(req)
	if err != nil {
		c.t.Fatalf("do request: %v", err)
	}
	c.t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func decode(t *testing.T, resp *http.Response, dst any) {
	t.Helper()
	if err := json.NewDecoder(resp.Body).Decode(dst); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func expectStatus(t *testing.T, resp *http.Response, want int) {
	t.Helper()
	if resp.StatusCode != want {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("expected %d, got %d: %s", want, resp.StatusCode, body)
	}
}

func (c *testAPI) records(action string) []audit.Record {
	var out []audit.Record
	for _, rec := range c.store.Records() {
		if rec.Action == action {
			out = append(out, rec)
		}
	}
	return out
}

func TestHealthAndReady(t *testing.T) {
	api := newTestAPI(t, nil)
	expectStatus(t, api.do(http.MethodGet, "/healthz", "", nil), http.StatusOK)
	expectStatus(t, api.do(http.MethodGet, "/readyz", "", nil), http.StatusOK)

	down := newTestAPI(t, func(c *Config) { c.Ready = failingProbe{} })
	expectStatus(t, down.do(http.MethodGet, "/readyz", "", nil), http.StatusServiceUnavailable)
}

func TestMetricsEndpoint(t *testing.T) {
	api := newTestAPI(t, nil)
	expectStatus(t, api.do(http.MethodGet, "/v1/me", api.token("usr_admin"), nil), http.StatusOK)

	resp := api.do(http.MethodGet, "/metrics", "", nil)
	expectStatus(t, resp, http.StatusOK)
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "tenantgate_authz_decisions_total") {
		t.Fatalf("expected decision metric in output")
	}
}

func TestMeReturnsLiveIdentity(t *testing.T) {
	api := newTestAPI(t, nil)
	resp := api.do(http.MethodGet, "/v1/me", api.token("usr_admin"), nil)
	expectStatus(t, resp, http.StatusOK)

	var me meResponse
	decode(t, resp, &me)
	if me.OrganizationID != "org_a" || me.CompanyID != "co_a" {
		t.Fatalf("unexpected scope: %+v", me)
	}
	if len(me.Roles) != 1 || me.Roles[0] != auth.RoleOrgAdmin {
		t.Fatalf("unexpected roles: %v", me.Roles)
	}
	found := false
	for _, p := range me.Permissions {
		if p == auth.PermUserManage {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected USER_MANAGE in %v", me.Permissions)
	}
	if len(api.records(authz.ActionAuthorize)) != 1 {
		t.Fatalf("expected exactly one audit record")
	}
}

func TestLegacyAdminIsMigratedInMemory(t *testing.T) {
	api := newTestAPI(t, nil)
	resp := api.do(http.MethodGet, "/v1/me", api.token("usr_legacy"), nil)
	expectStatus(t, resp, http.StatusOK)
	var me meResponse
	decode(t, resp, &me)
	if len(me.Roles) != 1 || me.Roles[0] != auth.RoleOrgAdmin {
		t.Fatalf("legacy admin should resolve to org_admin, got %v", me.Roles)
	}
}

func TestRejectionResponses(t *testing.T) {
	api := newTestAPI(t, nil)
	expired, _, err := api.signer.Sign(auth.Claims{SubjectID: "usr_admin", IssuedAt: time.Now().Add(-2 * time.Hour)}, time.Hour)
	if err != nil {
		t.Fatalf("sign expired: %v", err)
	}

	cases := []struct {
		name      string
		token     string
		status    int
		code      auth.Kind
		challenge string
	}{
		{"missing", "", http.StatusUnauthorized, auth.KindNoCredential, `Bearer realm="tenantgate"`},
		{"garbage", "not-a-token", http.StatusUnauthorized, auth.KindCredentialInvalid, `error="invalid_token"`},
		{"expired", expired, http.StatusUnauthorized, auth.KindCredentialExpired, `error="invalid_token"`},
		{"unknown user", api.token("usr_ghost"), http.StatusUnauthorized, auth.KindUserNotFound, `Bearer realm="tenantgate"`},
		{"denied", api.token("usr_viewer"), http.StatusForbidden, auth.KindPermissionDenied, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp := api.do(http.MethodGet, "/v1/audit", tc.token, nil)
			expectStatus(t, resp, tc.status)
			var body map[string]string
			decode(t, resp, &body)
			if body["code"] != tc.code.PublicCode() {
				t.Fatalf("expected code %s, got %s", tc.code, body["code"])
			}
			if body["error"] != tc.code.PublicMessage() {
				t.Fatalf("unexpected public message %q", body["error"])
			}
			got := resp.Header.Get("WWW-Authenticate")
			if tc.challenge == "" && got != "" {
				t.Fatalf("unexpected challenge %q", got)
			}
			if !strings.Contains(got, tc.challenge) {
				t.Fatalf("expected challenge containing %q, got %q", tc.challenge, got)
			}
		})
	}
}

func TestUnknownUserIsIndistinguishable(t *testing.T) {
	api := newTestAPI(t, nil)
	resp := api.do(http.MethodGet, "/v1/me", api.token("usr_ghost"), nil)
	expectStatus(t, resp, http.StatusUnauthorized)
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	if strings.Contains(string(raw), "user_not_found") || strings.Contains(string(raw), "not found") {
		t.Fatalf("response reveals the missing account: %s", raw)
	}
	var body map[string]string
	if err := json.Unmarshal(raw, &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["code"] != "unauthorized" || body["error"] != "unauthorized" {
		t.Fatalf("unexpected body: %v", body)
	}
}

func TestClientSuppliedOrganizationIgnored(t *testing.T) {
	api := newTestAPI(t, nil)
	req, _ := http.NewRequest(http.MethodGet, api.srv.URL+"/v1/me?organization_id=org_b", nil)
	req.Header.Set("Authorization", "Bearer "+api.token("usr_admin"))
	req.Header.Set("X-Organization-ID", "org_b")
	resp, err := api.srv.Client().Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	defer resp.Body.Close()
	expectStatus(t, resp, http.StatusOK)
	var me meResponse
	decode(t, resp, &me)
	if me.OrganizationID != "org_a" {
		t.Fatalf("scope must come from the store, got %s", me.OrganizationID)
	}
}

func TestPermissionCheckConfinedToOwnOrganization(t *testing.T) {
	api := newTestAPI(t, nil)
	tok := api.token("usr_viewer")

	resp := api.do(http.MethodGet, "/v1/organizations/org_a/permissions/check?permission=ORG_READ", tok, nil)
	expectStatus(t, resp, http.StatusOK)
	var body map[string]any
	decode(t, resp, &body)
	if body["granted"] != true {
		t.Fatalf("viewer should hold ORG_READ: %v", body)
	}

	resp = api.do(http.MethodGet, "/v1/organizations/org_a/permissions/check?permission=USER_MANAGE", tok, nil)
	expectStatus(t, resp, http.StatusOK)
	body = nil
	decode(t, resp, &body)
	if body["granted"] != false {
		t.Fatalf("viewer should not hold USER_MANAGE: %v", body)
	}

	resp = api.do(http.MethodGet, "/v1/organizations/org_b/permissions/check?permission=ORG_READ", tok, nil)
	expectStatus(t, resp, http.StatusForbidden)
	var rejected map[string]string
	decode(t, resp, &rejected)
	if rejected["code"] != "unauthorized" {
		t.Fatalf("scope rejections must not name the reason, got %q", rejected["code"])
	}
	confines := api.records(authz.ActionConfine)
	if len(confines) != 1 {
		t.Fatalf("expected one confine record, got %d", len(confines))
	}
	rec := confines[0]
	if rec.Success || rec.ActorID != "usr_viewer" || rec.OrganizationID != "org_a" {
		t.Fatalf("unexpected confine record: %+v", rec)
	}
	if rec.Metadata["requested_org"] != "org_b" || rec.Metadata["kind"] != string(auth.KindNoOrganizationScope) {
		t.Fatalf("unexpected confine metadata: %v", rec.Metadata)
	}
	if rec.Risk != audit.RiskMedium {
		t.Fatalf("expected medium risk, got %s", rec.Risk)
	}

	resp = api.do(http.MethodGet, "/v1/organizations/org_a/permissions/check?permission=BOGUS", tok, nil)
	expectStatus(t, resp, http.StatusBadRequest)
}

func TestOverrideLifecycle(t *testing.T) {
	api := newTestAPI(t, nil)
	admin := api.token("usr_admin")
	viewer := api.token("usr_viewer")

	expectStatus(t, api.do(http.MethodGet, "/v1/audit", viewer, nil), http.StatusForbidden)

	resp := api.do(http.MethodPut, "/v1/users/usr_viewer/overrides", admin, map[string]any{"permission": "AUDIT_READ", "granted": true})
	expectStatus(t, resp, http.StatusNoContent)

	resp = api.do(http.MethodGet, "/v1/users/usr_viewer/overrides", admin, nil)
	expectStatus(t, resp, http.StatusOK)
	var list overridesResponse
	decode(t, resp, &list)
	if len(list.Overrides) != 1 || list.Overrides[0].GrantedBy != "usr_admin" {
		t.Fatalf("unexpected overrides: %+v", list)
	}

	// The next request sees the grant; nothing is cached.
	resp = api.do(http.MethodGet, "/v1/audit", viewer, nil)
	expectStatus(t, resp, http.StatusOK)
	var page auditResponse
	decode(t, resp, &page)
	for _, rec := range page.Records {
		if rec.OrganizationID != "org_a" {
			t.Fatalf("audit listing leaked %s", rec.OrganizationID)
		}
	}

	expectStatus(t, api.do(http.MethodDelete, "/v1/users/usr_viewer/overrides/AUDIT_READ", admin, nil), http.StatusNoContent)
	expectStatus(t, api.do(http.MethodDelete, "/v1/users/usr_viewer/overrides/AUDIT_READ", admin, nil), http.StatusNotFound)
	expectStatus(t, api.do(http.MethodGet, "/v1/audit", viewer, nil), http.StatusForbidden)

	sets := api.records(ActionOverrideSet)
	if len(sets) != 1 || sets[0].ActorID != "usr_admin" || sets[0].Metadata["granted"] != "true" {
		t.Fatalf("unexpected override.set records: %+v", sets)
	}
	if len(api.records(ActionOverrideDelete)) != 1 {
		t.Fatalf("expected one override.delete record")
	}
	if len(api.records(authz.ActionCheck)) < 2 {
		t.Fatalf("mutations must re-check permissions")
	}
}

func TestOverrideTargetsOutsideOrganizationAreHidden(t *testing.T) {
	api := newTestAPI(t, nil)
	admin := api.token("usr_admin")

	for _, path := range []string{"/v1/users/usr_b/overrides", "/v1/users/usr_ghost/overrides"} {
		resp := api.do(http.MethodGet, path, admin, nil)
		expectStatus(t, resp, http.StatusNotFound)
	}
	resp := api.do(http.MethodPut, "/v1/users/usr_b/overrides", admin, map[string]any{"permission": "ORG_READ", "granted": false})
	expectStatus(t, resp, http.StatusNotFound)

	got, _ := api.store.FindOverrides(context.Background(), "usr_b")
	if len(got) != 0 {
		t.Fatalf("cross-organization write must not happen: %+v", got)
	}

	// The GET and the PUT against usr_b are audited; the unknown id is not a
	// scope decision.
	confines := api.records(authz.ActionConfine)
	if len(confines) != 2 {
		t.Fatalf("expected two confine records, got %d", len(confines))
	}
	for _, rec := range confines {
		if rec.Success || rec.Resource != "user:usr_b" || rec.Metadata["requested_org"] != "org_b" {
			t.Fatalf("unexpected confine record: %+v", rec)
		}
	}
}

func TestSetOverrideValidation(t *testing.T) {
	api := newTestAPI(t, nil)
	admin := api.token("usr_admin")

	cases := []struct {
		name string
		body any
	}{
		{"missing granted", map[string]any{"permission": "ORG_READ"}},
		{"missing permission", map[string]any{"granted": true}},
		{"unknown permission", map[string]any{"permission": "NOT_A_THING", "granted": true}},
		{"unknown field", map[string]any{"permission": "ORG_READ", "granted": true, "extra": 1}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp := api.do(http.MethodPut, "/v1/users/usr_viewer/overrides", admin, tc.body)
			expectStatus(t, resp, http.StatusBadRequest)
		})
	}
}

func TestGrantRequiresHoldingPermission(t *testing.T) {
	api := newTestAPI(t, nil)
	admin := api.token("usr_admin")

	resp := api.do(http.MethodPut, "/v1/users/usr_viewer/overrides", admin, map[string]any{"permission": "SYSTEM_ADMIN", "granted": true})
	expectStatus(t, resp, http.StatusForbidden)

	// Revoking does not require holding the permission.
	resp = api.do(http.MethodPut, "/v1/users/usr_viewer/overrides", admin, map[string]any{"permission": "SYSTEM_ADMIN", "granted": false})
	expectStatus(t, resp, http.StatusNoContent)

	checks := api.records(authz.ActionCheck)
	if len(checks) == 0 || checks[0].Success || checks[0].Risk != audit.RiskCritical {
		t.Fatalf("denied SYSTEM_ADMIN grant must be audited as critical: %+v", checks)
	}
}

func TestViewerCannotManageOverrides(t *testing.T) {
	api := newTestAPI(t, nil)
	resp := api.do(http.MethodPut, "/v1/users/usr_viewer/overrides", api.token("usr_viewer"), map[string]any{"permission": "ORG_READ", "granted": true})
	expectStatus(t, resp, http.StatusForbidden)
}

func TestAuditListingPagination(t *testing.T) {
	api := newTestAPI(t, nil)
	admin := api.token("usr_admin")
	for i := 0; i < 3; i++ {
		expectStatus(t, api.do(http.MethodGet, "/v1/me", admin, nil), http.StatusOK)
	}
	resp := api.do(http.MethodGet, "/v1/audit?limit=2", admin, nil)
	expectStatus(t, resp, http.StatusOK)
	var page auditResponse
	decode(t, resp, &page)
	if len(page.Records) != 2 || page.NextBefore == "" {
		t.Fatalf("expected a full page with a cursor: %+v", page)
	}
	expectStatus(t, api.do(http.MethodGet, "/v1/audit?limit=x", admin, nil), http.StatusBadRequest)
	expectStatus(t, api.do(http.MethodGet, "/v1/audit?before=yesterday", admin, nil), http.StatusBadRequest)
}

func TestWidgetKeyVerification(t *testing.T) {
	hexKey := strings.Repeat("ab", 32)
	legacyKey := "LegacyKey1234567890"

	strict := newTestAPI(t, nil)
	check := func(api *testAPI, key string) map[string]any {
		t.Helper()
		resp := api.do(http.MethodPost, "/v1/widgets/verify-key", "", map[string]string{"key": key})
		expectStatus(t, resp, http.StatusOK)
		var body map[string]any
		decode(t, resp, &body)
		return body
	}
	if body := check(strict, hexKey); body["valid"] != true || body["format"] != string(auth.WidgetKeyFormatHex) {
		t.Fatalf("hex key should be valid: %v", body)
	}
	if body := check(strict, legacyKey); body["valid"] != false {
		t.Fatalf("legacy key must be rejected in strict mode: %v", body)
	}

	legacy := newTestAPI(t, func(c *Config) { c.WidgetKeyMode = auth.WidgetKeyLegacy })
	if body := check(legacy, legacyKey); body["valid"] != true {
		t.Fatalf("legacy key should be accepted in legacy mode: %v", body)
	}
	warned := false
	for _, e := range legacy.hook.AllEntries() {
		if e.Message == "legacy widget key accepted" && e.Level == logrus.WarnLevel {
			warned = true
		}
	}
	if !warned {
		t.Fatalf("expected a warning for the legacy key")
	}

	resp := strict.do(http.MethodPost, "/v1/widgets/verify-key", "", map[string]string{})
	expectStatus(t, resp, http.StatusBadRequest)
}

func forwardedGet(t *testing.T, c *testAPI, xff string) int {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, c.srv.URL+"/healthz", nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("X-Forwarded-For", xff)
	resp, err := c.srv.Client().Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	_ = resp.Body.Close()
	return resp.StatusCode
}

func TestForwardedForNeedsTrustProxy(t *testing.T) {
	limited := func(trust bool) func(*Config) {
		return func(cfg *Config) {
			cfg.RateLimitRPS = 0.001
			cfg.RateLimitBurst = 1
			cfg.TrustProxy = trust
		}
	}

	direct := newTestAPI(t, limited(false))
	if got := forwardedGet(t, direct, "198.51.100.1"); got != http.StatusOK {
		t.Fatalf("first request: %d", got)
	}
	if got := forwardedGet(t, direct, "198.51.100.2"); got != http.StatusTooManyRequests {
		t.Fatalf("untrusted X-Forwarded-For opened a new bucket: %d", got)
	}

	proxied := newTestAPI(t, limited(true))
	if got := forwardedGet(t, proxied, "198.51.100.1"); got != http.StatusOK {
		t.Fatalf("first request: %d", got)
	}
	if got := forwardedGet(t, proxied, "198.51.100.2"); got != http.StatusOK {
		t.Fatalf("trusted proxy clients share a bucket: %d", got)
	}
	if got := forwardedGet(t, proxied, "198.51.100.1"); got != http.StatusTooManyRequests {
		t.Fatalf("repeat client not limited: %d", got)
	}
}

func TestNewRequiresCollaborators(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Fatal("expected error without a pipeline")
	}
}
