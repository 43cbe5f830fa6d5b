package auth

import (
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	DefaultIssuer = "tenantgate"
	defaultLeeway = 5 * time.Second
)

// Verifier validates a raw credential and returns its claims.
type Verifier interface {
	Verify(ctx context.Context, raw string) (Claims, error)
}

// Signer issues credentials. Token issuance is owned by the login service;
// tenantgate only signs for development and tests.
type Signer interface {
	Sign(claims Claims, ttl time.Duration) (string, time.Time, error)
}

// tokenClaims is the JWT payload layout.
type tokenClaims struct {
	Email   string `json:"email,omitempty"`
	IsAdmin bool   `json:"is_admin,omitempty"`
	jwt.RegisteredClaims
}

// keyMaterial holds verification keys. RS256 keys are indexed by kid.
type keyMaterial struct {
	secret     []byte
	publicKeys map[string]*rsa.PublicKey
	privateKey *rsa.PrivateKey
	signingKID string
}

func (k *keyMaterial) empty() bool {
	return len(k.secret) == 0 && len(k.publicKeys) == 0
}

// TokenOption configures a TokenVerifier or TokenSigner.
type TokenOption func(*tokenConfig) error

type tokenConfig struct {
	keys   keyMaterial
	issuer string
	leeway time.Duration
	now    func() time.Time
}

// WithHS256Secret enables HMAC-SHA256 tokens.
func WithHS256Secret(secret string) TokenOption {
	return func(c *tokenConfig) error {
		if strings.TrimSpace(secret) == "" {
			return nil
		}
		c.keys.secret = []byte(secret)
		return nil
	}
}

// WithRS256PublicKey registers a verification key under kid. Several keys may be
// registered to allow rotation.
func WithRS256PublicKey(kid, publicPEM string) TokenOption {
	return func(c *tokenConfig) error {
		pub, err := jwt.ParseRSAPublicKeyFromPEM([]byte(strings.TrimSpace(publicPEM)))
		if err != nil {
			return fmt.Errorf("auth: parse public key %q: %w", kid, err)
		}
		if c.keys.publicKeys == nil {
			c.keys.publicKeys = make(map[string]*rsa.PublicKey)
		}
		c.keys.publicKeys[strings.TrimSpace(kid)] = pub
		return nil
	}
}

// WithRS256PrivateKey sets the signing key and registers its public half.
func WithRS256PrivateKey(kid, privatePEM string) TokenOption {
	return func(c *tokenConfig) error {
		priv, err := jwt.ParseRSAPrivateKeyFromPEM([]byte(strings.TrimSpace(privatePEM)))
		if err != nil {
			return fmt.Errorf("auth: parse private key: %w", err)
		}
		kid = strings.TrimSpace(kid)
		c.keys.privateKey = priv
		c.keys.signingKID = kid
		if c.keys.publicKeys == nil {
			c.keys.publicKeys = make(map[string]*rsa.PublicKey)
		}
		c.keys.publicKeys[kid] = &priv.PublicKey
		return nil
	}
}

// WithIssuer overrides the issuer claim that is issued and required.
func WithIssuer(issuer string) TokenOption {
	return func(c *tokenConfig) error {
		c.issuer = strings.TrimSpace(issuer)
		return nil
	}
}

// WithLeeway sets the tolerated clock skew.
func WithLeeway(d time.Duration) TokenOption {
	return func(c *tokenConfig) error {
		if d >= 0 {
			c.leeway = d
		}
		return nil
	}
}

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) TokenOption {
	return func(c *tokenConfig) error {
		if fn != nil {
			c.now = fn
		}
		return nil
	}
}

func newTokenConfig(opts []TokenOption) (*tokenConfig, error) {
	cfg := &tokenConfig{issuer: DefaultIssuer, leeway: defaultLeeway, now: time.Now}
	for _, opt := range opts {
		if err := opt(cfg); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

// TokenVerifier verifies JWTs signed with HS256 or RS256.
type TokenVerifier struct {
	cfg    *tokenConfig
	parser *jwt.Parser
}

var _ Verifier = (*TokenVerifier)(nil)

// NewTokenVerifier builds a verifier. At least one key must be configured.
func NewTokenVerifier(opts ...TokenOption) (*TokenVerifier, error) {
	cfg, err := newTokenConfig(opts)
	if err != nil {
		return nil, err
	}
	if cfg.keys.empty() {
		return nil, errors.New("auth: no verification key configured")
	}
	methods := make([]string, 0, 2)
	if len(cfg.keys.secret) > 0 {
		methods = append(methods, jwt.SigningMethodHS256.Alg())
	}
	if len(cfg.keys.publicKeys) > 0 {
		methods = append(methods, jwt.SigningMethodRS256.Alg())
	}
	parser := jwt.NewParser(
		jwt.WithValidMethods(methods),
		jwt.WithIssuer(cfg.issuer),
		jwt.WithLeeway(cfg.leeway),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithTimeFunc(cfg.now),
	)
	return &TokenVerifier{cfg: cfg, parser: parser}, nil
}

// Verify checks signature, issuer and timestamps. The returned error is always
// one of ErrTokenExpired, ErrTokenMalformed or ErrTokenSignature, except for a
// cancelled context.
func (v *TokenVerifier) Verify(ctx context.Context, raw string) (Claims, error) {
	if err := ctx.Err(); err != nil {
		return Claims{}, err
	}
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Claims{}, ErrTokenMalformed
	}
	var tc tokenClaims
	_, err := v.parser.ParseWithClaims(raw, &tc, v.keyFunc)
	if err != nil {
		return Claims{}, classifyJWTError(err)
	}
	if strings.TrimSpace(tc.Subject) == "" {
		return Claims{}, fmt.Errorf("%w: subject missing", ErrTokenMalformed)
	}
	claims := Claims{
		SubjectID: tc.Subject,
		Email:     tc.Email,
		IsAdmin:   tc.IsAdmin,
		SessionID: tc.ID,
	}
	if tc.IssuedAt != nil {
		claims.IssuedAt = tc.IssuedAt.Time
	}
	if tc.ExpiresAt != nil {
		claims.ExpiresAt = tc.ExpiresAt.Time
	}
	return claims, nil
}

func (v *TokenVerifier) keyFunc(t *jwt.Token) (any, error) {
	switch t.Method.(type) {
	case *jwt.SigningMethodHMAC:
		if len(v.cfg.keys.secret) == 0 {
			return nil, errors.New("hmac tokens not accepted")
		}
		return v.cfg.keys.secret, nil
	case *jwt.SigningMethodRSA:
		kid, _ := t.Header["kid"].(string)
		if key, ok := v.cfg.keys.publicKeys[kid]; ok {
			return key, nil
		}
		if kid == "" && len(v.cfg.keys.publicKeys) == 1 {
			for _, key := range v.cfg.keys.publicKeys {
				return key, nil
			}
		}
		return nil, fmt.Errorf("unknown key id %q", kid)
	default:
		return nil, fmt.Errorf("unexpected signing method %s", t.Method.Alg())
	}
}

// classifyJWTError folds golang-jwt's error tree onto the three verifier
// outcomes. Claims are only validated after the signature passes, so an
// expired error always concerns a token we issued.
func classifyJWTError(err error) error {
	switch {
	case errors.Is(err, jwt.ErrTokenSignatureInvalid), errors.Is(err, jwt.ErrTokenUnverifiable):
		return fmt.Errorf("%w: %v", ErrTokenSignature, err)
	case errors.Is(err, jwt.ErrTokenExpired):
		return fmt.Errorf("%w: %v", ErrTokenExpired, err)
	default:
		return fmt.Errorf("%w: %v", ErrTokenMalformed, err)
	}
}

// TokenSigner signs JWTs, preferring RS256 when a private key is configured.
type TokenSigner struct {
	cfg *tokenConfig
}

var _ Signer = (*TokenSigner)(nil)

// NewTokenSigner builds a signer from the same options as the verifier.
func NewTokenSigner(opts ...TokenOption) (*TokenSigner, error) {
	cfg, err := newTokenConfig(opts)
	if err != nil {
		return nil, err
	}
	if cfg.keys.privateKey == nil && len(cfg.keys.secret) == 0 {
		return nil, errors.New("auth: no signing key configured")
	}
	return &TokenSigner{cfg: cfg}, nil
}

// Sign issues a token for claims valid for ttl.
func (s *TokenSigner) Sign(claims Claims, ttl time.Duration) (string, time.Time, error) {
	subject := strings.TrimSpace(claims.SubjectID)
	if subject == "" {
		return "", time.Time{}, fmt.Errorf("%w: subject is required", ErrInvalidInput)
	}
	if ttl <= 0 {
		return "", time.Time{}, fmt.Errorf("%w: ttl must be greater than zero", ErrInvalidInput)
	}
	now := s.cfg.now().UTC()
	if !claims.IssuedAt.IsZero() {
		now = claims.IssuedAt.UTC()
	}
	exp := now.Add(ttl)
	jti := claims.SessionID
	if jti == "" {
		jti = uuid.NewString()
	}
	payload := tokenClaims{
		Email:   strings.TrimSpace(strings.ToLower(claims.Email)),
		IsAdmin: claims.IsAdmin,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.cfg.issuer,
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
			ID:        jti,
		},
	}

	var (
		token *jwt.Token
		key   any
	)
	if s.cfg.keys.privateKey != nil {
		token = jwt.NewWithClaims(jwt.SigningMethodRS256, payload)
		if s.cfg.keys.signingKID != "" {
			token.Header["kid"] = s.cfg.keys.signingKID
		}
		key = s.cfg.keys.privateKey
	} else {
		token = jwt.NewWithClaims(jwt.SigningMethodHS256, payload)
		key = s.cfg.keys.secret
	}
	signed, err := token.SignedString(key)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}
	return signed, exp, nil
}
