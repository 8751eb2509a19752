package audit

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestLogSinkEmitsStructuredEntry(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	sink := LogSink{Logger: zap.New(core)}

	ctx := WithRequestID(context.Background(), "req-123")
	rec := NewRecord(ctx, "org_1", "TOKEN_A_ISSUED", "HANDSHAKE_IN_PROGRESS", time.Now())
	if err := sink.Append(ctx, rec); err != nil {
		t.Fatalf("Append failed: %v", err)
	}

	entries := logs.All()
	if len(entries) != 1 {
		t.Fatalf("expected one log entry, got %d", len(entries))
	}
	fields := entries[0].ContextMap()
	if fields["type"] != "audit" {
		t.Fatalf("unexpected type: %v", fields["type"])
	}
	if fields["request_id"] != "req-123" {
		t.Fatalf("unexpected request id: %v", fields["request_id"])
	}
	if fields["to_state"] != "HANDSHAKE_IN_PROGRESS" {
		t.Fatalf("unexpected to_state: %v", fields["to_state"])
	}
}

func TestLogSinkRejectsAnonymousRecord(t *testing.T) {
	sink := LogSink{Logger: zap.NewNop()}
	if err := sink.Append(context.Background(), Record{}); err == nil {
		t.Fatal("expected error for record without organization")
	}
}

func TestMemoryListFiltersAndLimits(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	base := time.Now()
	for i := 0; i < 5; i++ {
		_ = m.Append(ctx, NewRecord(ctx, "org_a", "A", "B", base.Add(time.Duration(i)*time.Second)))
		_ = m.Append(ctx, NewRecord(ctx, "org_b", "A", "B", base.Add(time.Duration(i)*time.Second)))
	}

	got, err := m.List(ctx, "org_a", 3)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 records, got %d", len(got))
	}
	for _, rec := range got {
		if rec.OrganizationID != "org_a" {
			t.Fatalf("leaked record of %s", rec.OrganizationID)
		}
	}

	all, _ := m.List(ctx, "", 0)
	if len(all) != 10 {
		t.Fatalf("expected 10 records, got %d", len(all))
	}
}

type failingSink struct{}

func (failingSink) Append(context.Context, Record) error { return errors.New("disk full") }

func TestTeeContinuesPastFailures(t *testing.T) {
	m := NewMemory()
	err := Tee{failingSink{}, m}.Append(context.Background(), Record{OrganizationID: "org_1"})
	if err == nil {
		t.Fatal("expected joined error")
	}
	got, _ := m.List(context.Background(), "org_1", 10)
	if len(got) != 1 {
		t.Fatalf("second sink was skipped")
	}
}
