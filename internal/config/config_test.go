package config

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tenantgate.io/internal/auth"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("TG_TOKEN_SECRET", "0123456789abcdef0123456789abcdef")
	t.Setenv("TG_CORS_ORIGINS", "https://a.example,https://b.example")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.HTTPAddr)
	assert.Equal(t, ":9090", cfg.GRPCAddr)
	assert.Equal(t, 2*time.Second, cfg.AuditWriteTimeout)
	assert.Equal(t, "tg_session", cfg.SessionCookie)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.CORSOrigins)
	assert.Equal(t, auth.WidgetKeyStrict, cfg.WidgetKeyMode())
	assert.False(t, cfg.TrustProxy, "forwarding headers are untrusted by default")
	assert.False(t, cfg.IsProduction())
}

func TestLoadRequiresKey(t *testing.T) {
	t.Setenv("TG_TOKEN_SECRET", "")
	_, err := Load()
	require.Error(t, err)

	t.Setenv("TG_TOKEN_SECRET", "short")
	_, err = Load()
	require.Error(t, err)
}

func TestValidateProduction(t *testing.T) {
	cfg := &Config{Env: "production", TokenSecret: "0123456789abcdef0123456789abcdef"}
	require.Error(t, cfg.Validate(), "missing DSN")

	cfg.PGDSN = "postgres://localhost/tg"
	cfg.WidgetKeyLegacy = true
	require.Error(t, cfg.Validate(), "legacy widget keys")

	cfg.WidgetKeyLegacy = false
	require.NoError(t, cfg.Validate())
}

func TestTokenOptionsReadsKeyFiles(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	dir := t.TempDir()
	privPath := filepath.Join(dir, "priv.pem")
	require.NoError(t, os.WriteFile(privPath, pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)}), 0o600))
	pubDER, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	require.NoError(t, err)
	pubPath := filepath.Join(dir, "pub.pem")
	require.NoError(t, os.WriteFile(pubPath, pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubDER}), 0o600))

	signCfg := &Config{TokenIssuer: "tg", TokenKeyID: "k1", TokenPrivateKey: privPath}
	opts, err := signCfg.TokenOptions()
	require.NoError(t, err)
	signer, err := auth.NewTokenSigner(opts...)
	require.NoError(t, err)

	verifyCfg := &Config{TokenIssuer: "tg", TokenPublicKeys: []string{"k1=" + pubPath}}
	opts, err = verifyCfg.TokenOptions()
	require.NoError(t, err)
	verifier, err := auth.NewTokenVerifier(opts...)
	require.NoError(t, err)

	tok, _, err := signer.Sign(auth.Claims{SubjectID: "u1"}, time.Minute)
	require.NoError(t, err)
	claims, err := verifier.Verify(t.Context(), tok)
	require.NoError(t, err)
	assert.Equal(t, "u1", claims.SubjectID)

	_, err = (&Config{TokenPublicKeys: []string{filepath.Join(dir, "missing.pem")}}).TokenOptions()
	require.Error(t, err)
}
