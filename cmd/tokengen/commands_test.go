package main

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"tenantgate.io/internal/auth"
	"tenantgate.io/internal/config"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := cmdRoot()
	var out, errBuf bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errBuf)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return strings.TrimSpace(out.String()), err
}

func verify(t *testing.T, raw string) auth.Claims {
	t.Helper()
	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("config: %v", err)
	}
	opts, err := cfg.TokenOptions()
	if err != nil {
		t.Fatalf("token options: %v", err)
	}
	v, err := auth.NewTokenVerifier(opts...)
	if err != nil {
		t.Fatalf("verifier: %v", err)
	}
	claims, err := v.Verify(context.Background(), raw)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	return claims
}

func TestSignFlagsPresent(t *testing.T) {
	c := cmdSign()
	for _, name := range []string{"sub", "email", "session", "admin", "ttl"} {
		if f := c.Flags().Lookup(name); f == nil {
			t.Fatalf("expected flag %q to be registered", name)
		}
	}
	if got := c.Flags().Lookup("admin").DefValue; got != "false" {
		t.Fatalf("admin default = %q, want false", got)
	}
}

func TestSignRequiresSubject(t *testing.T) {
	t.Setenv("TG_TOKEN_SECRET", testSecret)
	_, err := run(t, "sign")
	if err == nil || err.Error() != "--sub is required" {
		t.Fatalf("got error %v, want %q", err, "--sub is required")
	}
}

func TestSignAdminClaim(t *testing.T) {
	t.Setenv("TG_TOKEN_SECRET", testSecret)

	tok, err := run(t, "sign", "--sub", "usr_admin", "--email", "admin@demo.test", "--admin")
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	claims := verify(t, tok)
	if claims.SubjectID != "usr_admin" || !claims.IsAdmin {
		t.Fatalf("claims = %+v, want admin usr_admin", claims)
	}

	tok, err = run(t, "sign", "--sub", "usr_viewer")
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if verify(t, tok).IsAdmin {
		t.Fatal("is_admin set without --admin")
	}
}

func TestWidgetKeyIsStrict(t *testing.T) {
	key, err := run(t, "widget-key")
	if err != nil {
		t.Fatalf("widget-key: %v", err)
	}
	format, err := auth.ValidateWidgetKey(key, auth.WidgetKeyStrict)
	if err != nil || format != auth.WidgetKeyFormatHex {
		t.Fatalf("ValidateWidgetKey(%q) = %v, %v", key, format, err)
	}
}
