package scheduler

import (
	"context"
	"time"

	obscontext "github.com/smallbiznis/marketledger/internal/observability/context"
	obslogger "github.com/smallbiznis/marketledger/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/marketledger/internal/observability/metrics"
	"go.uber.org/zap"
)

// jobRun tracks one sweep. Nested job calls share the run of the caller that
// created it, so a RunOnce tick logs a single start and finish per job.
type jobRun struct {
	job       string
	runID     string
	startedAt time.Time
	log       *zap.Logger

	processed int
	failures  int
}

type jobRunKey struct{}

func (s *Scheduler) beginRun(ctx context.Context, job string, batchSize int) (context.Context, *jobRun, bool) {
	if ctx == nil {
		ctx = context.Background()
	}
	if run, ok := ctx.Value(jobRunKey{}).(*jobRun); ok && run != nil {
		return ctx, run, false
	}

	ctx = obscontext.WithActor(ctx, "scheduler", "system")
	run := &jobRun{
		job:       job,
		runID:     s.genID.Generate().String(),
		startedAt: s.clock.Now(),
	}
	run.log = obslogger.WithContext(ctx, s.log).With(
		zap.String("job", job),
		zap.String("run_id", run.runID),
	)
	run.log.Info("scheduler.job.start", zap.Int("batch_size", batchSize))
	return context.WithValue(ctx, jobRunKey{}, run), run, true
}

func (r *jobRun) processedN(n int) {
	if n > 0 {
		r.processed += n
	}
}

// fail logs a sweep error with its classification and counts it against the run.
func (r *jobRun) fail(msg string, err error, fields ...zap.Field) {
	if err == nil {
		return
	}
	r.failures++
	reason, retryable := obsmetrics.SchedulerFailure(err)
	r.log.Error(msg, append([]zap.Field{
		zap.String("reason", reason),
		zap.Bool("retryable", retryable),
		zap.Error(err),
	}, fields...)...)
}

func (r *jobRun) end(now time.Time) {
	fields := []zap.Field{
		zap.Int64("duration_ms", now.Sub(r.startedAt).Milliseconds()),
		zap.Int("processed_count", r.processed),
		zap.Int("error_count", r.failures),
	}
	if r.failures > 0 {
		r.log.Warn("scheduler.job.finish", fields...)
		return
	}
	r.log.Info("scheduler.job.finish", fields...)
	obsmetrics.Scheduler().MarkJobSuccess(r.job, now)
}
