package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/smallbiznis/marketledger/internal/clock"
	obsmetrics "github.com/smallbiznis/marketledger/internal/observability/metrics"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var testMetricLabels = map[string]string{"service": "marketledger", "env": "test"}

func newBareScheduler(t *testing.T) (*Scheduler, *prometheus.Registry) {
	t.Helper()
	registry := prometheus.NewRegistry()
	t.Cleanup(swapPrometheusRegistry(registry))
	obsmetrics.ResetSchedulerMetricsForTest()
	obsmetrics.SchedulerWithConfig(obsmetrics.Config{ServiceName: "marketledger", Environment: "test"})

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	return &Scheduler{
		log:   zap.NewNop(),
		genID: node,
		clock: clock.NewFakeClock(time.Date(2026, 5, 20, 6, 0, 0, 0, time.UTC)),
	}, registry
}

func TestRunJobSwallowsDeadline(t *testing.T) {
	s, registry := newBareScheduler(t)

	err := s.runJob(context.Background(), JobExpireBankTransfers, 10, 5*time.Millisecond, func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	require.NoError(t, err)

	assert.Equal(t, 1.0, metricValue(t, registry, "marketledger_scheduler_job_timeouts_total",
		withLabels("job", JobExpireBankTransfers)))
	assert.Equal(t, 1.0, metricValue(t, registry, "marketledger_scheduler_job_errors_total",
		withLabels("job", JobExpireBankTransfers, "reason", obsmetrics.SchedulerJobReasonDeadlineExceeded)))
}

func TestRunJobStampsLastSuccess(t *testing.T) {
	s, registry := newBareScheduler(t)

	require.NoError(t, s.runJob(context.Background(), JobReconcileBalances, 10, time.Second, func(ctx context.Context) error {
		run, ok := ctx.Value(jobRunKey{}).(*jobRun)
		require.True(t, ok)
		run.processedN(3)
		return nil
	}))

	want := float64(s.clock.Now().Unix())
	assert.Equal(t, want, metricValue(t, registry, "marketledger_scheduler_job_last_success_timestamp_seconds",
		withLabels("job", JobReconcileBalances)))
}

func TestRunJobFailureSkipsLastSuccess(t *testing.T) {
	s, registry := newBareScheduler(t)

	err := s.runJob(context.Background(), JobReconcileBalances, 10, time.Second, func(ctx context.Context) error {
		return errors.New("balance row locked")
	})
	require.ErrorContains(t, err, JobReconcileBalances)

	_, found := lookupMetric(t, registry, "marketledger_scheduler_job_last_success_timestamp_seconds",
		withLabels("job", JobReconcileBalances))
	assert.False(t, found)
}

func TestBeginRunReusesParentRun(t *testing.T) {
	s, _ := newBareScheduler(t)

	ctx, outer, owner := s.beginRun(context.Background(), JobExpireBankTransfers, 5)
	require.True(t, owner)
	_, inner, owner := s.beginRun(ctx, JobExpireBankTransfers, 5)
	assert.False(t, owner)
	assert.Same(t, outer, inner)
}

func swapPrometheusRegistry(registry *prometheus.Registry) func() {
	oldRegisterer := prometheus.DefaultRegisterer
	oldGatherer := prometheus.DefaultGatherer
	prometheus.DefaultRegisterer = registry
	prometheus.DefaultGatherer = registry
	return func() {
		prometheus.DefaultRegisterer = oldRegisterer
		prometheus.DefaultGatherer = oldGatherer
		obsmetrics.ResetSchedulerMetricsForTest()
	}
}

func withLabels(kv ...string) map[string]string {
	out := map[string]string{}
	for k, v := range testMetricLabels {
		out[k] = v
	}
	for i := 0; i+1 < len(kv); i += 2 {
		out[kv[i]] = kv[i+1]
	}
	return out
}

func metricValue(t *testing.T, registry *prometheus.Registry, name string, labels map[string]string) float64 {
	t.Helper()
	value, found := lookupMetric(t, registry, name, labels)
	require.True(t, found, "metric %s %v not found", name, labels)
	return value
}

func lookupMetric(t *testing.T, registry *prometheus.Registry, name string, labels map[string]string) (float64, bool) {
	t.Helper()
	families, err := registry.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
	next:
		for _, m := range mf.GetMetric() {
			if len(m.GetLabel()) != len(labels) {
				continue
			}
			for _, lp := range m.GetLabel() {
				if labels[lp.GetName()] != lp.GetValue() {
					continue next
				}
			}
			switch {
			case m.GetCounter() != nil:
				return m.GetCounter().GetValue(), true
			case m.GetGauge() != nil:
				return m.GetGauge().GetValue(), true
			}
		}
	}
	return 0, false
}
