package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"

	"tenantgate.io/internal/auth"
)

// Prefix is prepended to every environment variable, e.g. TG_HTTP_ADDR.
const Prefix = "TG"

// Config holds runtime configuration for tenantgate.
type Config struct {
	Env             string        `envconfig:"ENV" default:"development"`
	HTTPAddr        string        `envconfig:"HTTP_ADDR" default:":8080"`
	GRPCAddr        string        `envconfig:"GRPC_ADDR" default:":9090"`
	ReadTimeout     time.Duration `envconfig:"READ_TIMEOUT" default:"15s"`
	WriteTimeout    time.Duration `envconfig:"WRITE_TIMEOUT" default:"15s"`
	RequestTimeout  time.Duration `envconfig:"REQUEST_TIMEOUT" default:"10s"`
	ShutdownTimeout time.Duration `envconfig:"SHUTDOWN_TIMEOUT" default:"10s"`
	MaxBodyBytes    int64         `envconfig:"MAX_BODY_BYTES" default:"1048576"`

	LogLevel  string `envconfig:"LOG_LEVEL" default:"info"`
	LogFormat string `envconfig:"LOG_FORMAT" default:"json"`

	PGDSN     string `envconfig:"PG_DSN"`
	RedisAddr string `envconfig:"REDIS_ADDR"`

	TokenIssuer     string        `envconfig:"TOKEN_ISSUER" default:"tenantgate"`
	TokenSecret     string        `envconfig:"TOKEN_SECRET"`
	TokenKeyID      string        `envconfig:"TOKEN_KEY_ID" default:"primary"`
	TokenPrivateKey string        `envconfig:"TOKEN_PRIVATE_KEY_FILE"`
	TokenPublicKeys []string      `envconfig:"TOKEN_PUBLIC_KEY_FILES"`
	TokenLeeway     time.Duration `envconfig:"TOKEN_LEEWAY" default:"5s"`
	SessionCookie   string        `envconfig:"SESSION_COOKIE" default:"tg_session"`

	AuditWriteTimeout time.Duration `envconfig:"AUDIT_WRITE_TIMEOUT" default:"2s"`
	AuditAlertQueue   string        `envconfig:"AUDIT_ALERT_QUEUE" default:"tenantgate:audit:alerts"`
	AuditAlertChannel string        `envconfig:"AUDIT_ALERT_CHANNEL" default:"tenantgate.audit.alerts"`

	OTLPEndpoint string `envconfig:"OTLP_ENDPOINT"`
	OTLPInsecure bool   `envconfig:"OTLP_INSECURE" default:"true"`

	RateLimitRPS   float64  `envconfig:"RATE_LIMIT_RPS" default:"20"`
	RateLimitBurst int      `envconfig:"RATE_LIMIT_BURST" default:"40"`
	CORSOrigins    []string `envconfig:"CORS_ORIGINS"`
	TrustProxy     bool     `envconfig:"TRUST_PROXY" default:"false"`

	WidgetKeyLegacy bool `envconfig:"WIDGET_KEY_LEGACY" default:"false"`
}

// Load reads configuration from TG_* environment variables and validates it.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process(Prefix, &cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.TokenSecret) == "" && c.TokenPrivateKey == "" && len(c.TokenPublicKeys) == 0 {
		return errors.New("config: a token secret or RS256 key file must be provided")
	}
	if c.TokenSecret != "" && len(c.TokenSecret) < 32 {
		return errors.New("config: token secret must be at least 32 bytes")
	}
	if c.IsProduction() && c.PGDSN == "" {
		return errors.New("config: TG_PG_DSN is required in production")
	}
	if c.IsProduction() && c.WidgetKeyLegacy {
		return errors.New("config: legacy widget keys are not allowed in production")
	}
	return nil
}

// IsProduction returns true when the service runs in production.
func (c *Config) IsProduction() bool {
	return c != nil && c.Env == "production"
}

// WidgetKeyMode maps the legacy flag onto the validator mode.
func (c *Config) WidgetKeyMode() auth.WidgetKeyMode {
	if c.WidgetKeyLegacy {
		return auth.WidgetKeyLegacy
	}
	return auth.WidgetKeyStrict
}

// TokenOptions builds verifier/signer options from the key settings, reading
// PEM files from disk.
func (c *Config) TokenOptions() ([]auth.TokenOption, error) {
	opts := []auth.TokenOption{
		auth.WithIssuer(c.TokenIssuer),
		auth.WithLeeway(c.TokenLeeway),
		auth.WithHS256Secret(c.TokenSecret),
	}
	if c.TokenPrivateKey != "" {
		pemData, err := os.ReadFile(c.TokenPrivateKey)
		if err != nil {
			return nil, fmt.Errorf("config: read private key: %w", err)
		}
		opts = append(opts, auth.WithRS256PrivateKey(c.TokenKeyID, string(pemData)))
	}
	for _, entry := range c.TokenPublicKeys {
		kid, path, ok := strings.Cut(entry, "=")
		if !ok {
			kid, path = c.TokenKeyID, entry
		}
		pemData, err := os.ReadFile(strings.TrimSpace(path))
		if err != nil {
			return nil, fmt.Errorf("config: read public key %q: %w", kid, err)
		}
		opts = append(opts, auth.WithRS256PublicKey(kid, string(pemData)))
	}
	return opts, nil
}
