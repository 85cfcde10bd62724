package metrics

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/smallbiznis/marketledger/internal/authorization"
	"gorm.io/gorm"
)

// Low-cardinality failure reasons for sweep jobs.
const (
	SchedulerJobReasonDeadlineExceeded     = "deadline_exceeded"
	SchedulerJobReasonDBLockTimeout        = "db_lock_timeout"
	SchedulerJobReasonSerializationFailure = "serialization_failure"
	SchedulerJobReasonUniqueViolation      = "unique_violation"
	SchedulerJobReasonDB                   = "db"
	SchedulerJobReasonForbidden            = "forbidden"
	SchedulerJobReasonUnknown              = "unknown"
)

type schedulerReasonRule struct {
	reason    string
	retryable bool
	match     func(error) bool
}

// Rules are evaluated in order; the first match wins.
var schedulerReasonRules = []schedulerReasonRule{
	{SchedulerJobReasonDeadlineExceeded, true, func(err error) bool {
		return errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)
	}},
	{SchedulerJobReasonForbidden, false, isAuthorizationError},
	{SchedulerJobReasonDBLockTimeout, true, pgCode("55P03")},
	{SchedulerJobReasonSerializationFailure, true, pgCode("40001")},
	{SchedulerJobReasonUniqueViolation, false, func(err error) bool {
		return errors.Is(err, gorm.ErrDuplicatedKey) || pgCode("23505")(err)
	}},
	{SchedulerJobReasonDB, true, isDBError},
}

// SchedulerFailure classifies a sweep error into a reason label and whether
// the next tick is expected to succeed without intervention.
func SchedulerFailure(err error) (reason string, retryable bool) {
	if err == nil {
		return SchedulerJobReasonUnknown, false
	}
	for _, rule := range schedulerReasonRules {
		if rule.match(err) {
			return rule.reason, rule.retryable
		}
	}
	return SchedulerJobReasonUnknown, false
}

// ClassifySchedulerJobReason maps a sweep error to its reason label.
func ClassifySchedulerJobReason(err error) string {
	reason, _ := SchedulerFailure(err)
	return reason
}

// SchedulerMetrics exposes sweep health on the Prometheus registry.
type SchedulerMetrics struct {
	jobRuns        *prometheus.CounterVec
	jobDuration    *prometheus.HistogramVec
	jobTimeouts    *prometheus.CounterVec
	jobErrors      *prometheus.CounterVec
	lastSuccess    *prometheus.GaugeVec
	batchProcessed *prometheus.CounterVec
	runLoopLag     prometheus.Observer
}

var (
	schedulerMetricsOnce sync.Once
	schedulerMetrics     *SchedulerMetrics
)

// Scheduler returns the process-wide scheduler metrics.
func Scheduler() *SchedulerMetrics {
	return SchedulerWithConfig(Config{})
}

// SchedulerWithConfig registers the scheduler metrics on first use with the
// service and env labels from cfg.
func SchedulerWithConfig(cfg Config) *SchedulerMetrics {
	schedulerMetricsOnce.Do(func() {
		schedulerMetrics = newSchedulerMetrics(prometheus.DefaultRegisterer, cfg)
	})
	return schedulerMetrics
}

func ResetSchedulerMetricsForTest() {
	schedulerMetricsOnce = sync.Once{}
	schedulerMetrics = nil
}

func schedulerConstLabels(cfg Config) prometheus.Labels {
	labels := prometheus.Labels{"service": "marketledger", "env": "unknown"}
	if name := strings.TrimSpace(cfg.ServiceName); name != "" {
		labels["service"] = name
	}
	if env := strings.TrimSpace(cfg.Environment); env != "" {
		labels["env"] = env
	}
	return labels
}

func newSchedulerMetrics(registerer prometheus.Registerer, cfg Config) *SchedulerMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	labels := schedulerConstLabels(cfg)
	name := func(suffix string) string { return "marketledger_scheduler_" + suffix }

	m := &SchedulerMetrics{
		jobRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: name("job_runs_total"), Help: "Sweep job runs.", ConstLabels: labels,
		}, []string{"job"}),
		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:        name("job_duration_seconds"),
			Help:        "Sweep job wall time.",
			Buckets:     []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
			ConstLabels: labels,
		}, []string{"job"}),
		jobTimeouts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: name("job_timeouts_total"), Help: "Sweep jobs stopped by their deadline.", ConstLabels: labels,
		}, []string{"job"}),
		jobErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: name("job_errors_total"), Help: "Sweep job failures by reason.", ConstLabels: labels,
		}, []string{"job", "reason"}),
		lastSuccess: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: name("job_last_success_timestamp_seconds"), Help: "Unix time of the last clean sweep.", ConstLabels: labels,
		}, []string{"job"}),
		batchProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: name("batch_processed_total"), Help: "Rows changed by sweeps.", ConstLabels: labels,
		}, []string{"job", "resource"}),
	}
	lag := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:        name("runloop_lag_seconds"),
		Help:        "Delay between the planned tick and the actual sweep start.",
		Buckets:     []float64{0.01, 0.1, 0.5, 1, 5, 10, 30, 60, 300},
		ConstLabels: labels,
	})
	m.runLoopLag = lag

	registerer.MustRegister(m.jobRuns, m.jobDuration, m.jobTimeouts, m.jobErrors, m.lastSuccess, m.batchProcessed, lag)
	return m
}

func (m *SchedulerMetrics) IncJobRun(job string) {
	if m == nil {
		return
	}
	m.jobRuns.WithLabelValues(job).Inc()
}

func (m *SchedulerMetrics) ObserveJobDuration(job string, duration time.Duration) {
	if m == nil {
		return
	}
	m.jobDuration.WithLabelValues(job).Observe(duration.Seconds())
}

func (m *SchedulerMetrics) IncJobTimeout(job string) {
	if m == nil {
		return
	}
	m.jobTimeouts.WithLabelValues(job).Inc()
}

// IncJobError counts a failed run under its classified reason.
func (m *SchedulerMetrics) IncJobError(job string, err error) {
	if m == nil || err == nil {
		return
	}
	m.jobErrors.WithLabelValues(job, ClassifySchedulerJobReason(err)).Inc()
}

// MarkJobSuccess stamps the time a sweep finished without errors.
func (m *SchedulerMetrics) MarkJobSuccess(job string, at time.Time) {
	if m == nil {
		return
	}
	m.lastSuccess.WithLabelValues(job).Set(float64(at.Unix()))
}

// AddBatchProcessed counts rows a sweep changed, such as expired bank
// transfer requests or repaired balances.
func (m *SchedulerMetrics) AddBatchProcessed(job, resource string, count int) {
	if m == nil || count <= 0 {
		return
	}
	m.batchProcessed.WithLabelValues(job, resource).Add(float64(count))
}

func (m *SchedulerMetrics) ObserveRunLoopLag(lag time.Duration) {
	if m == nil {
		return
	}
	m.runLoopLag.Observe(max(lag, 0).Seconds())
}

func pgCode(code string) func(error) bool {
	return func(err error) bool {
		var pgErr *pgconn.PgError
		return errors.As(err, &pgErr) && pgErr.Code == code
	}
}

func isAuthorizationError(err error) bool {
	for _, target := range []error{
		authorization.ErrForbidden,
		authorization.ErrInvalidActor,
		authorization.ErrInvalidObject,
		authorization.ErrInvalidAction,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

func isDBError(err error) bool {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false
	}
	for _, target := range []error{
		gorm.ErrInvalidDB,
		gorm.ErrInvalidTransaction,
		gorm.ErrInvalidField,
		gorm.ErrInvalidData,
		gorm.ErrMissingWhereClause,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr)
}
