// Package reclaim runs the periodic sweep that returns tasks whose leases
// expired to the claimable pool.
package reclaim

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel/trace"

	"github.com/basket/workqueue/internal/audit"
	"github.com/basket/workqueue/internal/lease"
	"github.com/basket/workqueue/internal/otel"
	"github.com/basket/workqueue/internal/persistence"
)

// scheduleParser accepts 5-field cron expressions and descriptors such as
// "@every 30s" or "@hourly".
var scheduleParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow | cronlib.Descriptor,
)

const defaultBatch = 100

type Config struct {
	Store    *persistence.Store
	Leases   *lease.Manager
	Logger   *slog.Logger
	Metrics  *otel.Metrics
	Tracer   trace.Tracer
	Schedule string // defaults to "@every 30s"
	Batch    int    // leases per sweep; defaults to 100
}

// SweepResult counts one pass. Released counts expired leases dropped without
// a task to return, such as queue leases. A lease renewed or released while
// the sweep ran is only counted as scanned.
type SweepResult struct {
	Scanned   int `json:"scanned"`
	Reclaimed int `json:"reclaimed"`
	Released  int `json:"released"`
	Failed    int `json:"failed"`
}

type Job struct {
	store    *persistence.Store
	leases   *lease.Manager
	logger   *slog.Logger
	metrics  *otel.Metrics
	tracer   trace.Tracer
	spec     string
	schedule cronlib.Schedule
	batch    int

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewJob(cfg Config) (*Job, error) {
	spec := cfg.Schedule
	if spec == "" {
		spec = "@every 30s"
	}
	sched, err := scheduleParser.Parse(spec)
	if err != nil {
		return nil, fmt.Errorf("parse reclaim schedule %q: %w", spec, err)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	batch := cfg.Batch
	if batch <= 0 {
		batch = defaultBatch
	}
	return &Job{
		store:    cfg.Store,
		leases:   cfg.Leases,
		logger:   logger,
		metrics:  cfg.Metrics,
		tracer:   otel.Tracer(cfg.Tracer),
		spec:     spec,
		schedule: sched,
		batch:    batch,
	}, nil
}

// NextRunTime returns the first run of spec after the given time.
func NextRunTime(spec string, after time.Time) (time.Time, error) {
	sched, err := scheduleParser.Parse(spec)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(after), nil
}

// Start runs the job in a background goroutine until ctx ends or Stop is called.
func (j *Job) Start(ctx context.Context) {
	ctx, j.cancel = context.WithCancel(ctx)
	j.wg.Add(1)
	go func() {
		defer j.wg.Done()
		_ = j.Run(ctx)
	}()
}

// Stop cancels the loop and waits for it to exit.
func (j *Job) Stop() {
	if j.cancel != nil {
		j.cancel()
	}
	j.wg.Wait()
}

// Run sweeps immediately and then on every scheduled tick. It blocks until
// ctx is done and always returns nil.
func (j *Job) Run(ctx context.Context) error {
	j.logger.InfoContext(ctx, "reclaim: job started", "schedule", j.spec, "batch", j.batch)
	defer j.logger.Info("reclaim: job stopped")

	j.sweepLogged(ctx)
	for {
		now := time.Now()
		timer := time.NewTimer(j.schedule.Next(now).Sub(now))
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
			j.sweepLogged(ctx)
		}
	}
}

func (j *Job) sweepLogged(ctx context.Context) {
	res, err := j.Sweep(ctx)
	if err != nil {
		if ctx.Err() == nil {
			j.logger.ErrorContext(ctx, "reclaim: sweep failed", "error", err)
		}
		return
	}
	if res.Scanned > 0 {
		j.logger.InfoContext(ctx, "reclaim: sweep done",
			"scanned", res.Scanned, "reclaimed", res.Reclaimed, "released", res.Released, "failed", res.Failed)
	}
}

// Sweep reclaims every lease expired as of the store clock, each in its own
// transaction. A failure on one lease is logged and the sweep moves on.
func (j *Job) Sweep(ctx context.Context) (SweepResult, error) {
	start := time.Now()
	ctx, span := otel.StartSpan(ctx, j.tracer, "reclaim.sweep")
	var res SweepResult
	expired, err := j.store.ExpiredLeases(ctx, j.store.Now(), j.batch)
	if err != nil {
		otel.EndSpan(span, err)
		return res, err
	}
	for _, l := range expired {
		res.Scanned++
		handled, reclaimed, err := j.leases.ReclaimExpired(ctx, l.ID)
		switch {
		case err != nil:
			res.Failed++
			j.logger.ErrorContext(ctx, "reclaim: failed",
				"lease_id", l.ID, "scope", l.Scope, "target_id", l.TargetID, "owner_id", l.OwnerID, "error", err)
		case reclaimed:
			res.Reclaimed++
			audit.Record(ctx, audit.DecisionAllow, "lease.reclaim", "task "+l.TargetID+" returned after lease expiry", l.OwnerID)
			j.logger.InfoContext(ctx, "reclaim: task reclaimed",
				"lease_id", l.ID, "task_id", l.TargetID, "owner_id", l.OwnerID, "expired_at", l.ExpiresAt)
		case handled:
			res.Released++
		}
	}
	span.SetAttributes(otel.AttrOutcome.String(fmt.Sprintf("%d/%d", res.Reclaimed, res.Scanned)))
	otel.EndSpan(span, nil)
	j.metrics.RecordSweep(ctx, res.Reclaimed, time.Since(start))
	return res, nil
}
