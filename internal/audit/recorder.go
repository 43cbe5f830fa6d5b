package audit

import (
	"context"
	"io"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"tenantgate.io/internal/ids"
	"tenantgate.io/internal/obs"
)

const (
	DefaultWriteTimeout = 2 * time.Second
	DefaultAlertTimeout = 2 * time.Second
)

// Recorder appends audit records. Record never fails from the caller's point
// of view: write failures are logged and counted, and lost critical records
// are escalated to the alerter.
type Recorder struct {
	store        Store
	alerter      Alerter
	log          logrus.FieldLogger
	metrics      *obs.Metrics
	writeTimeout time.Duration
	alertTimeout time.Duration
	now          func() time.Time
}

// Option configures a Recorder.
type Option func(*Recorder)

func WithAlerter(a Alerter) Option {
	return func(r *Recorder) {
		if a != nil {
			r.alerter = a
		}
	}
}

func WithLogger(l logrus.FieldLogger) Option {
	return func(r *Recorder) {
		if l != nil {
			r.log = l
		}
	}
}

func WithMetrics(m *obs.Metrics) Option {
	return func(r *Recorder) { r.metrics = m }
}

// WithWriteTimeout bounds each append, independently of the request deadline.
func WithWriteTimeout(d time.Duration) Option {
	return func(r *Recorder) {
		if d > 0 {
			r.writeTimeout = d
		}
	}
}

func WithAlertTimeout(d time.Duration) Option {
	return func(r *Recorder) {
		if d > 0 {
			r.alertTimeout = d
		}
	}
}

func WithClock(fn func() time.Time) Option {
	return func(r *Recorder) {
		if fn != nil {
			r.now = fn
		}
	}
}

// NewRecorder builds a recorder over store. Without WithAlerter, lost critical
// records are reported through a LogAlerter on the recorder's logger.
func NewRecorder(store Store, opts ...Option) *Recorder {
	discard := logrus.New()
	discard.SetOutput(io.Discard)
	r := &Recorder{
		store:        store,
		log:          discard,
		writeTimeout: DefaultWriteTimeout,
		alertTimeout: DefaultAlertTimeout,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.alerter == nil {
		r.alerter = NewLogAlerter(r.log)
	}
	return r
}

// Record fills in the id, timestamp and request id when missing and appends
// rec synchronously. The write is detached from ctx cancellation so decisions
// on timed-out requests are still recorded.
func (r *Recorder) Record(ctx context.Context, rec Record) {
	if rec.ID == "" {
		rec.ID = ids.New()
	}
	if rec.OccurredAt.IsZero() {
		rec.OccurredAt = r.now().UTC()
	}
	if rec.RequestID == "" {
		rec.RequestID = RequestIDFromContext(ctx)
	}
	if !rec.Risk.Valid() {
		rec.Risk = RiskLow
	}
	rec.Action = strings.TrimSpace(rec.Action)

	base := context.WithoutCancel(ctx)
	writeCtx, cancel := context.WithTimeout(base, r.writeTimeout)
	err := r.store.Append(writeCtx, rec)
	cancel()
	if err == nil {
		return
	}

	r.metrics.AuditWriteFailed(string(rec.Risk))
	entry := r.log.WithError(err).WithFields(logrus.Fields{
		"audit_id": rec.ID,
		"action":   rec.Action,
		"risk":     string(rec.Risk),
		"actor_id": rec.ActorID,
	})
	if rec.Risk != RiskCritical {
		entry.Warn("audit write failed, record dropped")
		return
	}
	entry.Error("audit write failed for critical record, escalating")

	alertCtx, cancelAlert := context.WithTimeout(base, r.alertTimeout)
	defer cancelAlert()
	alert := Alert{Record: rec, Cause: err.Error(), RaisedAt: r.now().UTC()}
	if aerr := r.alerter.Alert(alertCtx, alert); aerr != nil {
		r.metrics.AuditAlert("failed")
		r.log.WithError(aerr).WithFields(logrus.Fields{
			"audit_id": rec.ID,
			"action":   rec.Action,
		}).Error("operator alert failed, critical audit record lost")
		return
	}
	r.metrics.AuditAlert("sent")
}
