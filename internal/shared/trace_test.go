package shared

import (
	"context"
	"testing"
)

func TestTraceID_DefaultsToDash(t *testing.T) {
	ctx := context.Background()
	if got := TraceID(ctx); got != "-" {
		t.Fatalf("expected -, got %q", got)
	}
	ctx = WithTraceID(ctx, "")
	if got := TraceID(ctx); got != "-" {
		t.Fatalf("empty trace id should read as -, got %q", got)
	}
	id := NewTraceID()
	ctx = WithTraceID(ctx, id)
	if got := TraceID(ctx); got != id {
		t.Fatalf("expected %q, got %q", id, got)
	}
}

func TestRequestID_RoundTrip(t *testing.T) {
	ctx := context.Background()
	if got := RequestID(ctx); got != "" {
		t.Fatalf("expected empty, got %q", got)
	}
	ctx = WithRequestID(ctx, "req-7")
	if got := RequestID(ctx); got != "req-7" {
		t.Fatalf("expected req-7, got %q", got)
	}
}
