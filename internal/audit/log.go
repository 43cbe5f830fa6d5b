package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"
)

// LogStore writes each record as one JSON line tagged "type":"audit". It is
// append-only by construction and suited to shipping through a log pipeline.
type LogStore struct {
	mu sync.Mutex
	w  io.Writer
}

func NewLogStore(w io.Writer) *LogStore { return &LogStore{w: w} }

type logLine struct {
	TS   string `json:"ts"`
	Type string `json:"type"`
	Record
}

func (s *LogStore) Append(ctx context.Context, rec Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if rec.Action == "" {
		return errors.New("audit: action is required")
	}
	data, err := json.Marshal(logLine{
		TS:     time.Now().UTC().Format(time.RFC3339Nano),
		Type:   "audit",
		Record: rec,
	})
	if err != nil {
		return fmt.Errorf("audit: encode record: %w", err)
	}
	data = append(data, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.w.Write(data); err != nil {
		return fmt.Errorf("audit: write record: %w", err)
	}
	return nil
}

// MultiStore appends to every store and fails if any of them fails.
type MultiStore []Store

func (m MultiStore) Append(ctx context.Context, rec Record) error {
	var errs []error
	for _, s := range m {
		if err := s.Append(ctx, rec); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
