package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/marketledger/internal/clock"
	"github.com/smallbiznis/marketledger/internal/config"
	customerdomain "github.com/smallbiznis/marketledger/internal/customer/domain"
	obsmetrics "github.com/smallbiznis/marketledger/internal/observability/metrics"
	"github.com/smallbiznis/marketledger/internal/providers/stripe"
	"github.com/smallbiznis/marketledger/internal/subscription/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type ServiceParam struct {
	fx.In

	DB          *gorm.DB
	Log         *zap.Logger
	GenID       *snowflake.Node
	Repo        domain.Repository
	CustomerSvc customerdomain.Service
	Processor   stripe.Client
	Policy      *config.PolicyHolder
	Cfg         config.Config
	Clock       clock.Clock         `optional:"true"`
	ObsMetrics  *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db          *gorm.DB
	log         *zap.Logger
	genID       *snowflake.Node
	repo        domain.Repository
	customerSvc customerdomain.Service
	processor   stripe.Client
	policy      *config.PolicyHolder
	successURL  string
	cancelURL   string
	clock       clock.Clock
	obsMetrics  *obsmetrics.Metrics
}

func NewService(p ServiceParam) domain.Service {
	c := p.Clock
	if c == nil {
		c = clock.New()
	}
	return &Service{
		db:          p.DB,
		log:         p.Log.Named("subscription.service"),
		genID:       p.GenID,
		repo:        p.Repo,
		customerSvc: p.CustomerSvc,
		processor:   p.Processor,
		policy:      p.Policy,
		successURL:  p.Cfg.Stripe.SuccessURL,
		cancelURL:   p.Cfg.Stripe.CancelURL,
		clock:       c,
		obsMetrics:  p.ObsMetrics,
	}
}

func (s *Service) Checkout(ctx context.Context, req domain.CheckoutRequest) (stripe.CheckoutSession, error) {
	if req.UserID == 0 {
		return stripe.CheckoutSession{}, domain.ErrInvalidUser
	}
	policy := s.policy.Get()
	tierName := strings.ToLower(strings.TrimSpace(req.Tier))
	if tierName == strings.ToLower(policy.Subscription.FreeTier) {
		return stripe.CheckoutSession{}, domain.ErrFreeTierCheckout
	}
	tier, ok := policy.Tier(tierName)
	if !ok {
		return stripe.CheckoutSession{}, domain.ErrInvalidTier
	}
	period := strings.ToLower(strings.TrimSpace(req.BillingPeriod))
	priceID, ok := tier.Prices[period]
	if !ok {
		return stripe.CheckoutSession{}, domain.ErrInvalidBillingPeriod
	}
	if strings.TrimSpace(priceID) == "" {
		s.log.Error("tier price missing", zap.String("tier", tierName), zap.String("billing_period", period))
		return stripe.CheckoutSession{}, domain.ErrPriceNotConfigured
	}

	customerID, err := s.customerSvc.Resolve(ctx, req.UserID)
	if err != nil {
		if errors.Is(err, customerdomain.ErrInvalidUser) {
			return stripe.CheckoutSession{}, domain.ErrInvalidUser
		}
		return stripe.CheckoutSession{}, err
	}

	session, err := s.processor.CreateCheckoutSession(ctx, stripe.CheckoutInput{
		UserID:        req.UserID.String(),
		CustomerID:    customerID,
		PriceID:       priceID,
		Tier:          tierName,
		BillingPeriod: period,
		TrialDays:     policy.Subscription.TrialDays,
		SuccessURL:    s.successURL,
		CancelURL:     s.cancelURL,
	})
	if err != nil {
		return stripe.CheckoutSession{}, fmt.Errorf("%w: %v", domain.ErrProcessorUnavailable, err)
	}
	s.log.Info("checkout session created",
		zap.String("user_id", req.UserID.String()),
		zap.String("tier", tierName),
		zap.String("session_id", session.ID),
	)
	return session, nil
}

func (s *Service) ApplyLifecycleEvent(ctx context.Context, evt domain.LifecycleEvent) error {
	evt.ExternalSubscriptionID = strings.TrimSpace(evt.ExternalSubscriptionID)
	if evt.ExternalSubscriptionID == "" {
		s.record(ctx, evt, domain.OutcomeDropped)
		s.log.Warn("subscription event without subscription id", zap.String("type", string(evt.Type)))
		return nil
	}
	at := evt.OccurredAt.UTC()
	if evt.OccurredAt.IsZero() {
		at = s.clock.Now().UTC()
	}

	var (
		outcome string
		err     error
	)
	switch evt.Type {
	case domain.EventCreated, domain.EventUpdated:
		outcome, err = s.applyUpsert(ctx, evt, at)
	case domain.EventDeleted:
		outcome, err = s.applyDeleted(ctx, evt, at)
	case domain.EventPaymentFailed:
		outcome, err = s.applyPaymentFailed(ctx, evt, at)
	default:
		outcome = domain.OutcomeIgnored
	}
	if err != nil {
		return err
	}
	s.record(ctx, evt, outcome)
	return nil
}

func (s *Service) applyUpsert(ctx context.Context, evt domain.LifecycleEvent, at time.Time) (string, error) {
	if evt.UserID == 0 {
		s.log.Warn("subscription event without user metadata",
			zap.String("type", string(evt.Type)),
			zap.String("external_subscription_id", evt.ExternalSubscriptionID),
		)
		return domain.OutcomeDropped, nil
	}
	if !evt.Status.Valid() {
		s.log.Warn("subscription event with unknown status",
			zap.String("external_subscription_id", evt.ExternalSubscriptionID),
			zap.String("status", string(evt.Status)),
		)
		return domain.OutcomeDropped, nil
	}

	canceled, err := s.repo.IsCanceled(ctx, s.db, evt.ExternalSubscriptionID)
	if err != nil {
		return "", err
	}
	if canceled {
		s.log.Info("ignored event for canceled subscription",
			zap.String("external_subscription_id", evt.ExternalSubscriptionID),
			zap.String("status", string(evt.Status)),
		)
		return domain.OutcomeIgnored, nil
	}

	now := s.clock.Now().UTC()
	sub := domain.Subscription{
		ID:                     s.genID.Generate(),
		UserID:                 evt.UserID,
		ExternalSubscriptionID: evt.ExternalSubscriptionID,
		ExternalCustomerID:     strings.TrimSpace(evt.ExternalCustomerID),
		Tier:                   strings.ToLower(strings.TrimSpace(evt.Tier)),
		BillingPeriod:          strings.ToLower(strings.TrimSpace(evt.BillingPeriod)),
		Status:                 evt.Status,
		CurrentPeriodStart:     evt.CurrentPeriodStart,
		CurrentPeriodEnd:       evt.CurrentPeriodEnd,
		CancelAtPeriodEnd:      evt.CancelAtPeriodEnd,
		TrialEnd:               evt.TrialEnd,
		LastEventAt:            &at,
		CreatedAt:              now,
		UpdatedAt:              now,
	}
	if sub.Status == domain.StatusCanceled {
		sub.CanceledAt = &at
	}

	var applied bool
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		if applied, err = s.repo.Upsert(ctx, tx, &sub); err != nil || !applied {
			return err
		}
		if sub.Status == domain.StatusCanceled {
			return s.repo.RecordCanceled(ctx, tx, sub.ExternalSubscriptionID, sub.UserID, at)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	if !applied {
		s.log.Info("ignored event for canceled subscription",
			zap.String("external_subscription_id", evt.ExternalSubscriptionID),
			zap.String("status", string(evt.Status)),
		)
		return domain.OutcomeIgnored, nil
	}
	return domain.OutcomeApplied, nil
}

// applyDeleted cancels the projection and tombstones the external id, so a
// delayed created or updated event for it is ignored even after the user
// has moved on to another subscription.
func (s *Service) applyDeleted(ctx context.Context, evt domain.LifecycleEvent, at time.Time) (string, error) {
	var outcome string
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		if outcome, err = s.cancelProjection(ctx, tx, evt, at); err != nil {
			return err
		}
		return s.repo.RecordCanceled(ctx, tx, evt.ExternalSubscriptionID, evt.UserID, at)
	})
	if err != nil {
		return "", err
	}
	return outcome, nil
}

func (s *Service) cancelProjection(ctx context.Context, db *gorm.DB, evt domain.LifecycleEvent, at time.Time) (string, error) {
	updated, err := s.repo.MarkCanceled(ctx, db, evt.ExternalSubscriptionID, at)
	if err != nil {
		return "", err
	}
	if updated {
		return domain.OutcomeApplied, nil
	}

	existing, err := s.repo.FindByExternalID(ctx, db, evt.ExternalSubscriptionID)
	if err != nil {
		return "", err
	}
	if existing != nil {
		return domain.OutcomeIgnored, nil
	}
	if evt.UserID == 0 {
		s.log.Warn("deleted event for unknown subscription",
			zap.String("external_subscription_id", evt.ExternalSubscriptionID),
		)
		return domain.OutcomeDropped, nil
	}

	// First sight of this subscription is its deletion; keep a canceled row for the user.
	now := s.clock.Now().UTC()
	stub := domain.Subscription{
		ID:                     s.genID.Generate(),
		UserID:                 evt.UserID,
		ExternalSubscriptionID: evt.ExternalSubscriptionID,
		ExternalCustomerID:     strings.TrimSpace(evt.ExternalCustomerID),
		Tier:                   strings.ToLower(strings.TrimSpace(evt.Tier)),
		BillingPeriod:          strings.ToLower(strings.TrimSpace(evt.BillingPeriod)),
		Status:                 domain.StatusCanceled,
		CanceledAt:             &at,
		LastEventAt:            &at,
		CreatedAt:              now,
		UpdatedAt:              now,
	}
	inserted, err := s.repo.InsertIfAbsent(ctx, db, &stub)
	if err != nil {
		return "", err
	}
	if !inserted {
		s.log.Info("user already holds another subscription, skipping stub",
			zap.String("user_id", evt.UserID.String()),
			zap.String("external_subscription_id", evt.ExternalSubscriptionID),
		)
		return domain.OutcomeIgnored, nil
	}
	return domain.OutcomeApplied, nil
}

func (s *Service) applyPaymentFailed(ctx context.Context, evt domain.LifecycleEvent, at time.Time) (string, error) {
	updated, err := s.repo.MarkPastDue(ctx, s.db, evt.ExternalSubscriptionID, at)
	if err != nil {
		return "", err
	}
	if updated {
		return domain.OutcomeApplied, nil
	}
	existing, err := s.repo.FindByExternalID(ctx, s.db, evt.ExternalSubscriptionID)
	if err != nil {
		return "", err
	}
	if existing == nil {
		s.log.Warn("payment failure for unknown subscription",
			zap.String("external_subscription_id", evt.ExternalSubscriptionID),
		)
		return domain.OutcomeDropped, nil
	}
	return domain.OutcomeIgnored, nil
}

func (s *Service) Cancel(ctx context.Context, userID snowflake.ID) (domain.Subscription, error) {
	return s.setCancelAtPeriodEnd(ctx, userID, true)
}

func (s *Service) Resume(ctx context.Context, userID snowflake.ID) (domain.Subscription, error) {
	return s.setCancelAtPeriodEnd(ctx, userID, false)
}

func (s *Service) setCancelAtPeriodEnd(ctx context.Context, userID snowflake.ID, cancel bool) (domain.Subscription, error) {
	sub, err := s.Get(ctx, userID)
	if err != nil {
		return domain.Subscription{}, err
	}
	if sub.Status == domain.StatusCanceled || sub.Status == domain.StatusIncompleteExpired {
		return domain.Subscription{}, domain.ErrNotCancellable
	}
	if sub.CancelAtPeriodEnd == cancel {
		return sub, nil
	}

	if err := s.processor.SetCancelAtPeriodEnd(ctx, sub.ExternalSubscriptionID, cancel); err != nil {
		s.log.Warn("upstream cancel_at_period_end update failed",
			zap.String("external_subscription_id", sub.ExternalSubscriptionID),
			zap.Bool("cancel", cancel),
			zap.Error(err),
		)
		return domain.Subscription{}, fmt.Errorf("%w: %v", domain.ErrProcessorUnavailable, err)
	}

	now := s.clock.Now().UTC()
	if err := s.repo.SetCancelAtPeriodEnd(ctx, s.db, sub.ID, cancel, now); err != nil {
		return domain.Subscription{}, err
	}
	sub.CancelAtPeriodEnd = cancel
	sub.UpdatedAt = now
	return sub, nil
}

func (s *Service) CheckLimit(ctx context.Context, userID snowflake.ID, feature string) (domain.Limit, error) {
	if userID == 0 {
		return domain.Limit{}, domain.ErrInvalidUser
	}
	feature = strings.ToLower(strings.TrimSpace(feature))
	if feature == "" {
		return domain.Limit{}, domain.ErrInvalidFeature
	}

	policy := s.policy.Get()
	tierName := policy.Subscription.FreeTier
	sub, err := s.repo.FindByUser(ctx, s.db, userID)
	if err != nil {
		return domain.Limit{}, err
	}
	if sub != nil && sub.Status.Entitled() && sub.Tier != "" {
		tierName = sub.Tier
	}

	tier, ok := policy.Tier(tierName)
	if !ok {
		s.log.Warn("subscribed tier missing from policy, using free tier", zap.String("tier", tierName))
		tierName = policy.Subscription.FreeTier
		if tier, ok = policy.Tier(tierName); !ok {
			return domain.Limit{}, domain.ErrInvalidTier
		}
	}
	for _, limit := range tier.Limits {
		if strings.EqualFold(limit.Feature, feature) {
			return domain.Limit{Feature: feature, Tier: tier.Name, Unlimited: limit.Unlimited, Max: limit.Max}, nil
		}
	}
	return domain.Limit{}, domain.ErrInvalidFeature
}

func (s *Service) Get(ctx context.Context, userID snowflake.ID) (domain.Subscription, error) {
	if userID == 0 {
		return domain.Subscription{}, domain.ErrInvalidUser
	}
	sub, err := s.repo.FindByUser(ctx, s.db, userID)
	if err != nil {
		return domain.Subscription{}, err
	}
	if sub == nil {
		return domain.Subscription{}, domain.ErrNotFound
	}
	return *sub, nil
}

func (s *Service) record(ctx context.Context, evt domain.LifecycleEvent, outcome string) {
	s.obsMetrics.RecordSubscriptionEvent(ctx, string(evt.Type), outcome)
	s.log.Debug("subscription event handled",
		zap.String("type", string(evt.Type)),
		zap.String("external_subscription_id", evt.ExternalSubscriptionID),
		zap.String("outcome", outcome),
	)
}
