package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/marketledger/internal/authorization"
	banktransferdomain "github.com/smallbiznis/marketledger/internal/banktransfer/domain"
	"github.com/smallbiznis/marketledger/internal/clock"
	ledgerdomain "github.com/smallbiznis/marketledger/internal/ledger/domain"
	obsmetrics "github.com/smallbiznis/marketledger/internal/observability/metrics"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

const (
	JobExpireBankTransfers = "expire_bank_transfers"
	JobReconcileBalances   = "reconcile_balances"
)

var ErrInvalidConfig = errors.New("invalid_scheduler_config")

type Params struct {
	fx.In

	DB              *gorm.DB
	Log             *zap.Logger
	GenID           *snowflake.Node
	BankTransferSvc banktransferdomain.Service
	LedgerSvc       ledgerdomain.Service
	AuthzSvc        authorization.Service
	Clock           clock.Clock `optional:"true"`
	Config          Config      `optional:"true"`
}

type Scheduler struct {
	db              *gorm.DB
	log             *zap.Logger
	cfg             Config
	genID           *snowflake.Node
	clock           clock.Clock
	bankTransferSvc banktransferdomain.Service
	ledgerSvc       ledgerdomain.Service
	authzSvc        authorization.Service
}

func New(p Params) (*Scheduler, error) {
	if p.DB == nil || p.Log == nil || p.GenID == nil || p.BankTransferSvc == nil || p.LedgerSvc == nil || p.AuthzSvc == nil {
		return nil, ErrInvalidConfig
	}
	c := p.Clock
	if c == nil {
		c = clock.New()
	}
	return &Scheduler{
		db:              p.DB,
		log:             p.Log.Named("scheduler").With(zap.String("component", "scheduler")),
		cfg:             p.Config.withDefaults(),
		genID:           p.GenID,
		clock:           c,
		bankTransferSvc: p.BankTransferSvc,
		ledgerSvc:       p.LedgerSvc,
		authzSvc:        p.AuthzSvc,
	}, nil
}

func (s *Scheduler) runJob(
	parent context.Context,
	name string,
	batchSize int,
	timeout time.Duration,
	fn func(ctx context.Context) error,
) error {
	start := s.clock.Now()
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	ctx, run, owner := s.beginRun(ctx, name, batchSize)
	schedMetrics := obsmetrics.Scheduler()
	schedMetrics.IncJobRun(name)

	err := fn(ctx)
	schedMetrics.ObserveJobDuration(name, s.clock.Now().Sub(start))
	if owner {
		if err != nil && run.failures == 0 {
			run.failures++
		}
		run.end(s.clock.Now())
	}
	if err == nil {
		return nil
	}

	// A deadline is a soft timeout; the next tick resumes the sweep.
	isTimeout := errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)
	if isTimeout {
		schedMetrics.IncJobTimeout(name)
	}
	schedMetrics.IncJobError(name, err)
	if isTimeout {
		run.log.Warn("scheduler.job.timeout",
			zap.Duration("timeout", timeout),
			zap.Error(err),
		)
		return nil
	}

	return fmt.Errorf("%s: %w", name, err)
}

func (s *Scheduler) RunOnce(parent context.Context) error {
	var err error

	jobs := []struct {
		Name string
		Run  func(context.Context) error
	}{
		{JobExpireBankTransfers, func(ctx context.Context) error {
			return s.runJob(ctx, JobExpireBankTransfers, s.cfg.BatchSize, 30*time.Second, s.ExpireBankTransfersJob)
		}},
		{JobReconcileBalances, func(ctx context.Context) error {
			return s.runJob(ctx, JobReconcileBalances, s.cfg.BatchSize, 2*time.Minute, s.ReconcileBalancesJob)
		}},
	}

	for _, job := range jobs {
		if s.isJobEnabled(job.Name) {
			err = errors.Join(err, job.Run(parent))
		}
	}
	return err
}

func (s *Scheduler) RunForever(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.RunInterval)
	defer ticker.Stop()
	nextRun := s.clock.Now().Add(s.cfg.RunInterval)
	schedMetrics := obsmetrics.Scheduler()

	for {
		runLag := s.clock.Now().Sub(nextRun)
		if runLag > 0 {
			schedMetrics.ObserveRunLoopLag(runLag)
		}
		if err := s.RunOnce(ctx); err != nil {
			s.log.Warn("scheduler run failed", zap.Error(err))
		}
		nextRun = nextRun.Add(s.cfg.RunInterval)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Scheduler) isJobEnabled(jobName string) bool {
	if len(s.cfg.EnabledJobs) == 0 {
		return true
	}
	for _, enabled := range s.cfg.EnabledJobs {
		if strings.EqualFold(enabled, jobName) {
			return true
		}
	}
	return false
}

// ExpireBankTransfersJob moves overdue awaiting_funds requests to expired,
// one batch at a time until a batch comes back short.
func (s *Scheduler) ExpireBankTransfersJob(ctx context.Context) error {
	ctx, run, owner := s.beginRun(ctx, JobExpireBankTransfers, s.cfg.BatchSize)
	if owner {
		defer func() { run.end(s.clock.Now()) }()
	}
	if err := s.authzSvc.Authorize(ctx, authorization.ActorSystem, authorization.ObjectBankTransfer, authorization.ActionBankTransferExpire); err != nil {
		run.fail("scheduler.authorize.failed", err)
		return err
	}

	now := s.clock.Now()
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		res, err := s.bankTransferSvc.ExpireOverdue(ctx, now, s.cfg.BatchSize)
		if err != nil {
			run.fail("scheduler.bank_transfer.expire.failed", err)
			return err
		}
		run.processedN(res.Expired)
		obsmetrics.Scheduler().AddBatchProcessed(JobExpireBankTransfers, "bank_transfer_request", res.Expired)
		if res.Scanned < s.cfg.BatchSize || res.Expired == 0 {
			return nil
		}
	}
}

// ReconcileBalancesJob rebuilds cached balances that disagree with the sum
// of their adjustments.
func (s *Scheduler) ReconcileBalancesJob(ctx context.Context) error {
	ctx, run, owner := s.beginRun(ctx, JobReconcileBalances, s.cfg.BatchSize)
	if owner {
		defer func() { run.end(s.clock.Now()) }()
	}

	drifted, err := s.fetchDriftedBalances(ctx, s.cfg.BatchSize)
	if err != nil {
		run.fail("scheduler.balance.fetch.failed", err)
		return err
	}
	if len(drifted) == 0 {
		return nil
	}

	results := make([]error, len(drifted))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.ReconcileWorkers)
	for i, item := range drifted {
		g.Go(func() error {
			_, err := s.ledgerSvc.RecomputeBalance(gctx, item.UserID, item.Currency)
			results[i] = err
			if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	var jobErr error
	fixed := 0
	for i, err := range results {
		if err != nil {
			jobErr = errors.Join(jobErr, err)
			run.fail("scheduler.balance.recompute.failed", err,
				zap.String("user_id", drifted[i].UserID.String()),
				zap.String("currency", drifted[i].Currency),
			)
			continue
		}
		fixed++
	}
	run.processedN(fixed)
	obsmetrics.Scheduler().AddBatchProcessed(JobReconcileBalances, "user_balance", fixed)
	if fixed > 0 {
		run.log.Warn("scheduler.balance.drift_repaired", zap.Int("count", fixed))
	}
	return jobErr
}
