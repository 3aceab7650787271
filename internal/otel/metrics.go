package otel

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the queue instruments. A nil *Metrics records nothing.
type Metrics struct {
	RequestDuration     metric.Float64Histogram
	ClaimDuration       metric.Float64Histogram
	Claims              metric.Int64Counter
	ClaimRetries        metric.Int64Counter
	Submissions         metric.Int64Counter
	ValidationFailures  metric.Int64Counter
	Ingested            metric.Int64Counter
	LeasesReclaimed     metric.Int64Counter
	VersionConflicts    metric.Int64Counter
	LockConflicts       metric.Int64Counter
	RateLimitRejects    metric.Int64Counter
	HandoffsCreated     metric.Int64Counter
	ReclaimSweepSeconds metric.Float64Histogram
}

func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.RequestDuration, err = meter.Float64Histogram("workqueue.request.duration",
		metric.WithDescription("Gateway request duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.ClaimDuration, err = meter.Float64Histogram("workqueue.claim.duration",
		metric.WithDescription("Claim call duration in seconds, retries included"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.Claims, err = meter.Int64Counter("workqueue.claims",
		metric.WithDescription("Claim attempts by outcome"),
	)
	if err != nil {
		return nil, err
	}

	m.ClaimRetries, err = meter.Int64Counter("workqueue.claim.retries",
		metric.WithDescription("Claim attempts retried after losing a race"),
	)
	if err != nil {
		return nil, err
	}

	m.Submissions, err = meter.Int64Counter("workqueue.submissions",
		metric.WithDescription("Task submissions by resulting status"),
	)
	if err != nil {
		return nil, err
	}

	m.ValidationFailures, err = meter.Int64Counter("workqueue.validation.failures",
		metric.WithDescription("Submissions and ingestions rejected by validation"),
	)
	if err != nil {
		return nil, err
	}

	m.Ingested, err = meter.Int64Counter("workqueue.ingested",
		metric.WithDescription("Tasks created by ingestion"),
	)
	if err != nil {
		return nil, err
	}

	m.LeasesReclaimed, err = meter.Int64Counter("workqueue.leases.reclaimed",
		metric.WithDescription("Expired leases reclaimed by the sweeper"),
	)
	if err != nil {
		return nil, err
	}

	m.VersionConflicts, err = meter.Int64Counter("workqueue.version.conflicts",
		metric.WithDescription("Writes rejected for a stale version"),
	)
	if err != nil {
		return nil, err
	}

	m.LockConflicts, err = meter.Int64Counter("workqueue.lock.conflicts",
		metric.WithDescription("Lease acquisitions rejected because the target was held"),
	)
	if err != nil {
		return nil, err
	}

	m.RateLimitRejects, err = meter.Int64Counter("workqueue.ratelimit.rejects",
		metric.WithDescription("Requests rejected by rate limiter"),
	)
	if err != nil {
		return nil, err
	}

	m.HandoffsCreated, err = meter.Int64Counter("workqueue.handoffs",
		metric.WithDescription("Follow-on tasks created by handoff rules"),
	)
	if err != nil {
		return nil, err
	}

	m.ReclaimSweepSeconds, err = meter.Float64Histogram("workqueue.reclaim.sweep.duration",
		metric.WithDescription("Reclaim sweep duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}

func (m *Metrics) RecordClaim(ctx context.Context, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(AttrOutcome.String(outcome))
	m.Claims.Add(ctx, 1, attrs)
	m.ClaimDuration.Record(ctx, elapsed.Seconds(), attrs)
}

func (m *Metrics) RecordClaimRetry(ctx context.Context) {
	if m == nil {
		return
	}
	m.ClaimRetries.Add(ctx, 1)
}

func (m *Metrics) RecordSubmission(ctx context.Context, segment, status string) {
	if m == nil {
		return
	}
	m.Submissions.Add(ctx, 1, metric.WithAttributes(AttrSegment.String(segment), AttrStatus.String(status)))
}

func (m *Metrics) RecordValidationFailure(ctx context.Context, stage, code string) {
	if m == nil {
		return
	}
	m.ValidationFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("stage", stage), AttrErrorCode.String(code)))
}

func (m *Metrics) RecordIngest(ctx context.Context, segment string) {
	if m == nil {
		return
	}
	m.Ingested.Add(ctx, 1, metric.WithAttributes(AttrSegment.String(segment)))
}

func (m *Metrics) RecordHandoff(ctx context.Context, from, to string) {
	if m == nil {
		return
	}
	m.HandoffsCreated.Add(ctx, 1, metric.WithAttributes(AttrSegment.String(from), attribute.String("next_segment", to)))
}

func (m *Metrics) RecordVersionConflict(ctx context.Context, op string) {
	if m == nil {
		return
	}
	m.VersionConflicts.Add(ctx, 1, metric.WithAttributes(attribute.String("op", op)))
}

func (m *Metrics) RecordLockConflict(ctx context.Context, scope string) {
	if m == nil {
		return
	}
	m.LockConflicts.Add(ctx, 1, metric.WithAttributes(AttrLeaseScope.String(scope)))
}

func (m *Metrics) RecordRateLimitReject(ctx context.Context) {
	if m == nil {
		return
	}
	m.RateLimitRejects.Add(ctx, 1)
}

func (m *Metrics) RecordRequest(ctx context.Context, route string, status int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.RequestDuration.Record(ctx, elapsed.Seconds(),
		metric.WithAttributes(attribute.String("route", route), attribute.Int("status", status)))
}

// RecordSweep records one reclaim pass.
func (m *Metrics) RecordSweep(ctx context.Context, reclaimed int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.ReclaimSweepSeconds.Record(ctx, elapsed.Seconds())
	if reclaimed > 0 {
		m.LeasesReclaimed.Add(ctx, int64(reclaimed))
	}
}
