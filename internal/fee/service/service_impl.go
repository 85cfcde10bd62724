package service

import (
	"context"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/marketledger/internal/cache"
	"github.com/smallbiznis/marketledger/internal/clock"
	"github.com/smallbiznis/marketledger/internal/config"
	"github.com/smallbiznis/marketledger/internal/fee/domain"
	identitydomain "github.com/smallbiznis/marketledger/internal/identity/domain"
	"github.com/smallbiznis/marketledger/internal/observability/metrics"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB          *gorm.DB
	Log         *zap.Logger
	GenID       *snowflake.Node
	Repo        domain.Repository
	IdentitySvc identitydomain.Service
	Policy      *config.PolicyHolder
	Cache       cache.FeeTierCache `optional:"true"`
	Clock       clock.Clock        `optional:"true"`
	Metrics     *metrics.Metrics   `optional:"true"`
}

type Service struct {
	db          *gorm.DB
	log         *zap.Logger
	genID       *snowflake.Node
	repo        domain.Repository
	identitySvc identitydomain.Service
	policy      *config.PolicyHolder
	cache       cache.FeeTierCache
	clock       clock.Clock
	metrics     *metrics.Metrics
	group       singleflight.Group
}

func NewService(p Params) domain.Service {
	c := p.Cache
	if c == nil {
		c = cache.NewFeeTierCache()
	}
	clk := p.Clock
	if clk == nil {
		clk = clock.New()
	}
	return &Service{
		db:          p.DB,
		log:         p.Log.Named("fee.service"),
		genID:       p.GenID,
		repo:        p.Repo,
		identitySvc: p.IdentitySvc,
		policy:      p.Policy,
		cache:       c,
		clock:       clk,
		metrics:     p.Metrics,
	}
}

type candidate struct {
	role      string
	orderType string
}

func (s *Service) ResolveFee(ctx context.Context, sellerID snowflake.ID, orderType string) domain.Resolution {
	role := s.sellerRole(ctx, sellerID)
	orderType = domain.NormalizeOrderType(orderType)

	res := s.resolve(ctx, role, orderType)
	s.metrics.RecordFeeResolution(ctx, string(res.Source))
	return res
}

func (s *Service) resolve(ctx context.Context, role, orderType string) domain.Resolution {
	keys := candidates(role, orderType)
	storeSources := []domain.Source{domain.SourceStoreExact, domain.SourceStoreRoleDefault, domain.SourceStoreDefaultType}
	staticSources := []domain.Source{domain.SourceStaticExact, domain.SourceStaticRoleDefault, domain.SourceStaticDefaultType}

	for i, key := range keys {
		if key == nil {
			continue
		}
		percent, found, err := s.lookupStore(ctx, key.role, key.orderType)
		if err != nil {
			s.log.Warn("fee config store unavailable, falling back to static matrix",
				zap.String("role", role),
				zap.String("order_type", orderType),
				zap.Error(err),
			)
			break
		}
		if found {
			return domain.Resolution{Percent: percent, Source: storeSources[i], Role: role, OrderType: orderType}
		}
	}

	matrix := s.staticMatrix()
	for i, key := range keys {
		if key == nil {
			continue
		}
		if percent, ok := StaticLookup(matrix, key.role, key.orderType); ok {
			return domain.Resolution{Percent: percent, Source: staticSources[i], Role: role, OrderType: orderType}
		}
	}

	return domain.Resolution{
		Percent:   domain.GlobalDefault(role, orderType),
		Source:    domain.SourceGlobal,
		Role:      role,
		OrderType: orderType,
	}
}

// candidates returns the three lookup keys in precedence order. Keys that
// repeat an earlier one are nil so each layer is consulted once per key.
func candidates(role, orderType string) [3]*candidate {
	var out [3]*candidate
	out[0] = &candidate{role: role, orderType: orderType}
	if orderType != domain.OrderTypeDefault {
		out[1] = &candidate{role: role, orderType: domain.OrderTypeDefault}
	}
	if role != domain.RoleDefault {
		out[2] = &candidate{role: domain.RoleDefault, orderType: orderType}
	}
	return out
}

// StaticLookup searches the policy fee matrix for an exact key.
func StaticLookup(matrix []config.FeeRule, role, orderType string) (decimal.Decimal, bool) {
	for _, rule := range matrix {
		if domain.NormalizeRole(rule.Role) != role || domain.NormalizeOrderType(rule.OrderType) != orderType {
			continue
		}
		percent := decimal.NewFromFloat(rule.Percent)
		if !domain.ValidPercent(percent) {
			return decimal.Zero, false
		}
		return percent, true
	}
	return decimal.Zero, false
}

func (s *Service) staticMatrix() []config.FeeRule {
	if s.policy == nil {
		return nil
	}
	return s.policy.Get().Fees.Matrix
}

func (s *Service) lookupStore(ctx context.Context, role, orderType string) (decimal.Decimal, bool, error) {
	if cached, ok := s.cache.Get(role, orderType); ok {
		return cached.Percent, cached.Found, nil
	}

	v, err, _ := s.group.Do(cache.Key(role, orderType), func() (any, error) {
		tier, err := s.repo.FindTier(ctx, s.db, role, orderType)
		if err != nil {
			return nil, err
		}
		lookup := cache.FeeTierLookup{}
		if tier != nil {
			if domain.ValidPercent(tier.FeePercent) {
				lookup = cache.FeeTierLookup{Percent: tier.FeePercent, Found: true}
			} else {
				s.log.Warn("fee tier out of range ignored",
					zap.String("role", role),
					zap.String("order_type", orderType),
					zap.String("fee_percent", tier.FeePercent.String()),
				)
			}
		}
		s.cache.Set(role, orderType, lookup)
		return lookup, nil
	})
	if err != nil {
		return decimal.Zero, false, err
	}
	lookup := v.(cache.FeeTierLookup)
	return lookup.Percent, lookup.Found, nil
}

func (s *Service) sellerRole(ctx context.Context, sellerID snowflake.ID) string {
	if s.identitySvc == nil || sellerID == 0 {
		return domain.RoleDefault
	}
	profile, err := s.identitySvc.GetProfile(ctx, sellerID)
	if err != nil {
		s.log.Warn("seller role unavailable, using default role",
			zap.String("seller_id", sellerID.String()),
			zap.Error(err),
		)
		return domain.RoleDefault
	}
	return domain.NormalizeRole(profile.Role)
}

func (s *Service) Preview(ctx context.Context, req domain.PreviewRequest) (domain.PreviewResponse, error) {
	if req.SellerID == 0 {
		return domain.PreviewResponse{}, domain.ErrInvalidSeller
	}
	if req.Amount < 0 {
		return domain.PreviewResponse{}, domain.ErrInvalidAmount
	}
	currency := strings.ToUpper(strings.TrimSpace(req.Currency))
	if len(currency) != 3 {
		return domain.PreviewResponse{}, domain.ErrInvalidCurrency
	}

	res := s.ResolveFee(ctx, req.SellerID, req.OrderType)
	return domain.PreviewResponse{
		Resolution: res,
		Breakdown:  domain.Split(req.Amount, res.Percent, currency),
	}, nil
}

func (s *Service) UpsertTier(ctx context.Context, req domain.UpsertTierRequest) (domain.FeeTier, error) {
	role := domain.NormalizeRole(req.Role)
	if strings.TrimSpace(req.Role) == "" {
		return domain.FeeTier{}, domain.ErrInvalidRole
	}
	if !domain.ValidPercent(req.FeePercent) {
		return domain.FeeTier{}, domain.ErrInvalidPercent
	}

	now := s.clock.Now()
	tier := domain.FeeTier{
		ID:         s.genID.Generate(),
		Role:       role,
		OrderType:  domain.NormalizeOrderType(req.OrderType),
		FeePercent: req.FeePercent,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := s.repo.UpsertTier(ctx, s.db, &tier); err != nil {
		return domain.FeeTier{}, err
	}
	s.cache.Invalidate()

	stored, err := s.repo.FindTier(ctx, s.db, tier.Role, tier.OrderType)
	if err != nil {
		return domain.FeeTier{}, err
	}
	if stored == nil {
		return tier, nil
	}
	s.log.Info("fee tier updated",
		zap.String("role", stored.Role),
		zap.String("order_type", stored.OrderType),
		zap.String("fee_percent", stored.FeePercent.String()),
	)
	return *stored, nil
}

func (s *Service) ListTiers(ctx context.Context) ([]domain.FeeTier, error) {
	return s.repo.ListTiers(ctx, s.db)
}
