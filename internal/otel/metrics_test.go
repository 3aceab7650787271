package otel

import (
	"context"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func TestNewMetrics_AllInstrumentsCreated(t *testing.T) {
	p, err := Init(context.Background(), Config{
		Enabled:  true,
		Exporter: "none",
	})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer p.Shutdown(context.Background())

	m, err := NewMetrics(p.Meter)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	if m.ClaimDuration == nil || m.Claims == nil || m.Submissions == nil {
		t.Fatal("claim or submission instruments are nil")
	}
	if m.LeasesReclaimed == nil || m.VersionConflicts == nil || m.LockConflicts == nil {
		t.Fatal("lease or conflict instruments are nil")
	}
	if m.ValidationFailures == nil || m.HandoffsCreated == nil || m.RateLimitRejects == nil {
		t.Fatal("validation, handoff or rate limit instruments are nil")
	}
}

func TestNewMetrics_NoopMeter(t *testing.T) {
	p, err := Init(context.Background(), Config{Enabled: false})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer p.Shutdown(context.Background())

	m, err := NewMetrics(p.Meter)
	if err != nil {
		t.Fatalf("NewMetrics with noop: %v", err)
	}
	m.RecordClaim(context.Background(), "claimed", time.Millisecond)
}

func TestMetrics_NilReceiverIsSafe(t *testing.T) {
	var m *Metrics
	ctx := context.Background()
	m.RecordClaim(ctx, "empty", time.Millisecond)
	m.RecordClaimRetry(ctx)
	m.RecordSubmission(ctx, "qa", "completed")
	m.RecordValidationFailure(ctx, "submit", "validation.missing_artifact")
	m.RecordIngest(ctx, "qa")
	m.RecordHandoff(ctx, "backend", "qa")
	m.RecordVersionConflict(ctx, "accept")
	m.RecordLockConflict(ctx, "item")
	m.RecordRateLimitReject(ctx)
	m.RecordRequest(ctx, "/api/claims", 200, time.Millisecond)
	m.RecordSweep(ctx, 2, time.Millisecond)
}

func TestMetrics_RecordSweepCountsReclaimed(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	defer mp.Shutdown(context.Background())

	m, err := NewMetrics(mp.Meter(MeterName))
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	m.RecordSweep(context.Background(), 3, 10*time.Millisecond)
	m.RecordSweep(context.Background(), 0, 10*time.Millisecond)

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("collect: %v", err)
	}
	var total int64
	for _, sm := range rm.ScopeMetrics {
		for _, md := range sm.Metrics {
			if md.Name != "workqueue.leases.reclaimed" {
				continue
			}
			sum, ok := md.Data.(metricdata.Sum[int64])
			if !ok {
				t.Fatalf("unexpected data type %T", md.Data)
			}
			for _, dp := range sum.DataPoints {
				total += dp.Value
			}
		}
	}
	if total != 3 {
		t.Fatalf("reclaimed total = %d, want 3", total)
	}
}
