// Package audit keeps the append-only record of credential state transitions.
package audit

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"ocpihub.org/internal/ids"
	"ocpihub.org/internal/obs"
)

type ctxKey string

const requestIDKey ctxKey = "audit_request_id"

// WithRequestID attaches the request identifier to the context for audit logging.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey, requestID)
}

// RequestIDFromContext extracts the audit request id from context if present.
func RequestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(requestIDKey).(string); ok {
		return v
	}
	return ""
}

// Record is one credential state transition. Records are never mutated.
type Record struct {
	ID             string    `json:"id"`
	OrganizationID string    `json:"organization_id"`
	FromState      string    `json:"from_state"`
	ToState        string    `json:"to_state"`
	Timestamp      time.Time `json:"timestamp"`
	RequestID      string    `json:"request_id,omitempty"`
}

// Sink appends records.
type Sink interface {
	Append(ctx context.Context, rec Record) error
}

// Reader lists records for one organization, oldest first. An empty
// organizationID lists everything.
type Reader interface {
	List(ctx context.Context, organizationID string, limit int) ([]Record, error)
}

// NewRecord fills ID, timestamp and the request id carried by ctx.
func NewRecord(ctx context.Context, orgID, from, to string, at time.Time) Record {
	return Record{
		ID:             ids.Prefixed("aud"),
		OrganizationID: orgID,
		FromState:      from,
		ToState:        to,
		Timestamp:      at.UTC(),
		RequestID:      RequestIDFromContext(ctx),
	}
}

// LogSink writes each record as a structured log line.
type LogSink struct {
	Logger *zap.Logger
}

func (s LogSink) Append(ctx context.Context, rec Record) error {
	if strings.TrimSpace(rec.OrganizationID) == "" {
		return errors.New("audit: organization id is required")
	}
	l := s.Logger
	if l == nil {
		l = obs.Logger()
	}
	fields := []zap.Field{
		zap.String("type", "audit"),
		zap.String("audit_id", rec.ID),
		zap.String("organization_id", rec.OrganizationID),
		zap.String("from_state", rec.FromState),
		zap.String("to_state", rec.ToState),
		zap.Time("at", rec.Timestamp),
	}
	if rec.RequestID != "" {
		fields = append(fields, zap.String("request_id", rec.RequestID))
	}
	l.Info("credential.transition", fields...)
	return nil
}

// Memory is an in-process Sink and Reader.
type Memory struct {
	mu      sync.RWMutex
	records []Record
}

func NewMemory() *Memory { return &Memory{} }

func (m *Memory) Append(_ context.Context, rec Record) error {
	m.mu.Lock()
	m.records = append(m.records, rec)
	m.mu.Unlock()
	return nil
}

func (m *Memory) List(_ context.Context, organizationID string, limit int) ([]Record, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Record
	for _, rec := range m.records {
		if organizationID != "" && rec.OrganizationID != organizationID {
			continue
		}
		out = append(out, rec)
		if len(out) >= limit {
			break
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

// Tee appends to every sink, attempting all of them even when one fails.
type Tee []Sink

func (t Tee) Append(ctx context.Context, rec Record) error {
	var errs []error
	for _, s := range t {
		if err := s.Append(ctx, rec); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
