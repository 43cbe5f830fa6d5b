package obs

import (
	"io"
	"os"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
)

var (
	loggerOnce sync.Once
	logger     *logrus.Logger
)

// NewLogger builds a logger writing one JSON object per line ("json", the
// default) or human-readable text ("text").
func NewLogger(level, format string, w io.Writer) *logrus.Logger {
	if w == nil {
		w = os.Stdout
	}
	l := logrus.New()
	l.SetOutput(w)
	if strings.EqualFold(strings.TrimSpace(format), "text") {
		l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	} else {
		l.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: "2006-01-02T15:04:05.000Z07:00",
			FieldMap: logrus.FieldMap{
				logrus.FieldKeyTime: "ts",
			},
		})
	}
	lvl, err := logrus.ParseLevel(strings.TrimSpace(level))
	if err != nil {
		lvl = logrus.InfoLevel
	}
	l.SetLevel(lvl)
	return l
}

// Logger returns the process default logger. Components should prefer an
// injected logrus.FieldLogger.
func Logger() *logrus.Logger {
	loggerOnce.Do(func() {
		if logger == nil {
			logger = NewLogger("info", "json", os.Stdout)
		}
	})
	return logger
}

// SetLogger replaces the process default. Call before serving.
func SetLogger(l *logrus.Logger) {
	loggerOnce.Do(func() {})
	logger = l
}

// LogRequest emits the canonical request completion line.
func LogRequest(l logrus.FieldLogger, fields logrus.Fields) {
	if l == nil {
		l = Logger()
	}
	entry := l.WithFields(fields)
	status, _ := fields["status"].(int)
	switch {
	case status >= 500:
		entry.Error("request_complete")
	case status >= 400:
		entry.Warn("request_complete")
	default:
		entry.Info("request_complete")
	}
}
