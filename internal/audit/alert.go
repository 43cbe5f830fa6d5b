package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// Alert tells operators a critical audit record could not be persisted.
type Alert struct {
	Record   Record    `json:"record"`
	Cause    string    `json:"cause"`
	RaisedAt time.Time `json:"raised_at"`
}

// Alerter delivers alerts to an operator-visible channel.
type Alerter interface {
	Alert(ctx context.Context, a Alert) error
}

// LogAlerter writes alerts at error level with the whole record attached, so the
// record survives in the log pipeline.
type LogAlerter struct {
	log logrus.FieldLogger
}

func NewLogAlerter(l logrus.FieldLogger) *LogAlerter { return &LogAlerter{log: l} }

func (a *LogAlerter) Alert(_ context.Context, al Alert) error {
	payload, err := json.Marshal(al.Record)
	if err != nil {
		return fmt.Errorf("audit: encode alert: %w", err)
	}
	a.log.WithFields(logrus.Fields{
		"alert":    "audit_write_failed",
		"audit_id": al.Record.ID,
		"cause":    al.Cause,
		"record":   string(payload),
	}).Error("critical audit record not persisted")
	return nil
}

const (
	DefaultAlertQueue   = "tenantgate:audit:alerts"
	DefaultAlertChannel = "tenantgate.audit.alerts"
	defaultQueueLength  = 10000
)

// RedisAlerter pushes alerts onto a capped Redis list for later replay and
// publishes them on a channel for live paging.
type RedisAlerter struct {
	client  redis.UniversalClient
	queue   string
	channel string
	maxLen  int64
}

// RedisAlerterOption customises a RedisAlerter.
type RedisAlerterOption func(*RedisAlerter)

func WithQueue(key string) RedisAlerterOption {
	return func(a *RedisAlerter) {
		if key = strings.TrimSpace(key); key != "" {
			a.queue = key
		}
	}
}

func WithChannel(name string) RedisAlerterOption {
	return func(a *RedisAlerter) {
		if name = strings.TrimSpace(name); name != "" {
			a.channel = name
		}
	}
}

func WithMaxQueueLength(n int64) RedisAlerterOption {
	return func(a *RedisAlerter) {
		if n > 0 {
			a.maxLen = n
		}
	}
}

func NewRedisAlerter(client redis.UniversalClient, opts ...RedisAlerterOption) *RedisAlerter {
	a := &RedisAlerter{
		client:  client,
		queue:   DefaultAlertQueue,
		channel: DefaultAlertChannel,
		maxLen:  defaultQueueLength,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func (a *RedisAlerter) Alert(ctx context.Context, al Alert) error {
	payload, err := json.Marshal(al)
	if err != nil {
		return fmt.Errorf("audit: encode alert: %w", err)
	}
	_, err = a.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.RPush(ctx, a.queue, payload)
		p.LTrim(ctx, a.queue, -a.maxLen, -1)
		p.Publish(ctx, a.channel, payload)
		return nil
	})
	if err != nil {
		return fmt.Errorf("audit: push alert: %w", err)
	}
	return nil
}

// Pending returns queued alerts, oldest first.
func (a *RedisAlerter) Pending(ctx context.Context) ([]Alert, error) {
	raw, err := a.client.LRange(ctx, a.queue, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("audit: read alerts: %w", err)
	}
	out := make([]Alert, 0, len(raw))
	for _, item := range raw {
		var al Alert
		if err := json.Unmarshal([]byte(item), &al); err != nil {
			return nil, fmt.Errorf("audit: decode alert: %w", err)
		}
		out = append(out, al)
	}
	return out, nil
}

// FallbackAlerter tries each alerter in order until one succeeds.
type FallbackAlerter []Alerter

func (f FallbackAlerter) Alert(ctx context.Context, al Alert) error {
	var errs []string
	for _, a := range f {
		err := a.Alert(ctx, al)
		if err == nil {
			return nil
		}
		errs = append(errs, err.Error())
	}
	if len(errs) == 0 {
		return fmt.Errorf("audit: no alerter configured")
	}
	return fmt.Errorf("audit: all alerters failed: %s", strings.Join(errs, "; "))
}
