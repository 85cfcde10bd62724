package service

import (
	"context"
	"sort"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/marketledger/internal/clock"
	"github.com/smallbiznis/marketledger/internal/config"
	identitydomain "github.com/smallbiznis/marketledger/internal/identity/domain"
	taxdomain "github.com/smallbiznis/marketledger/internal/tax/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

type Params struct {
	fx.In

	Log         *zap.Logger
	Repo        taxdomain.Repository
	IdentitySvc identitydomain.Service
	Policy      *config.PolicyHolder
	Clock       clock.Clock `optional:"true"`
}

type Service struct {
	log         *zap.Logger
	repo        taxdomain.Repository
	identitySvc identitydomain.Service
	policy      *config.PolicyHolder
	clock       clock.Clock
}

func NewService(p Params) taxdomain.Service {
	c := p.Clock
	if c == nil {
		c = clock.New()
	}
	return &Service{
		log:         p.Log.Named("tax.service"),
		repo:        p.Repo,
		identitySvc: p.IdentitySvc,
		policy:      p.Policy,
		clock:       c,
	}
}

// PartyFromProfile extracts the tax fields of a profile.
func PartyFromProfile(p identitydomain.Profile) taxdomain.Party {
	return taxdomain.Party{
		CountryCode: p.CountryCode,
		VATNumber:   p.VATNumber,
		VATVerified: p.VATVerified,
		TaxExempt:   p.TaxExempt,
	}
}

// PolicyTable builds the jurisdiction table from policy defaults only,
// anchored on the policy's domestic country.
func PolicyTable(policy config.TaxPolicy) taxdomain.JurisdictionTable {
	rows := make([]taxdomain.Jurisdiction, 0, len(policy.Jurisdictions))
	for _, j := range policy.Jurisdictions {
		rows = append(rows, taxdomain.Jurisdiction{
			CountryCode:  j.CountryCode,
			Bloc:         j.Bloc,
			StandardRate: decimal.NewFromFloat(j.StandardRate),
		})
	}
	return taxdomain.NewJurisdictionTable(decimal.NewFromFloat(policy.DefaultRate), rows...).
		WithDomestic(policy.DomesticCountry)
}

func (s *Service) Table(ctx context.Context) (taxdomain.JurisdictionTable, error) {
	policy := config.DefaultPolicyConfig().Tax
	if s.policy != nil {
		policy = s.policy.Get().Tax
	}
	base := PolicyTable(policy)

	stored, err := s.repo.ListJurisdictions(ctx)
	if err != nil {
		s.log.Warn("jurisdiction store unavailable, using policy defaults", zap.Error(err))
		return base, nil
	}
	if len(stored) == 0 {
		return base, nil
	}
	rows := append(base.Rows(), stored...)
	return taxdomain.NewJurisdictionTable(decimal.NewFromFloat(policy.DefaultRate), rows...).
		WithDomestic(policy.DomesticCountry), nil
}

func (s *Service) ClassifyParties(ctx context.Context, sellerID, buyerID snowflake.ID) (taxdomain.ClassifyResponse, error) {
	if sellerID == 0 || buyerID == 0 {
		return taxdomain.ClassifyResponse{}, taxdomain.ErrInvalidParty
	}
	seller, err := s.identitySvc.GetProfile(ctx, sellerID)
	if err != nil {
		return taxdomain.ClassifyResponse{}, err
	}
	buyer, err := s.identitySvc.GetProfile(ctx, buyerID)
	if err != nil {
		return taxdomain.ClassifyResponse{}, err
	}
	table, err := s.Table(ctx)
	if err != nil {
		return taxdomain.ClassifyResponse{}, err
	}

	sellerParty := PartyFromProfile(seller)
	buyerParty := PartyFromProfile(buyer)
	result := taxdomain.Classify(sellerParty, buyerParty, table)

	s.log.Debug("tax classified",
		zap.String("seller_id", sellerID.String()),
		zap.String("buyer_id", buyerID.String()),
		zap.String("tax_treatment", string(result.Treatment)),
		zap.String("vat_rate", result.VATRate.String()),
	)
	return taxdomain.ClassifyResponse{
		Classification: result,
		Seller:         sellerParty,
		Buyer:          buyerParty,
	}, nil
}

func (s *Service) UpsertJurisdiction(ctx context.Context, req taxdomain.UpsertJurisdictionRequest) (taxdomain.Jurisdiction, error) {
	code := strings.ToUpper(strings.TrimSpace(req.CountryCode))
	if len(code) != 2 {
		return taxdomain.Jurisdiction{}, taxdomain.ErrInvalidCountry
	}
	if req.StandardRate.IsNegative() || req.StandardRate.GreaterThan(decimal.NewFromInt(1)) {
		return taxdomain.Jurisdiction{}, taxdomain.ErrInvalidRate
	}

	j := taxdomain.Jurisdiction{
		CountryCode:  code,
		Bloc:         strings.ToUpper(strings.TrimSpace(req.Bloc)),
		StandardRate: req.StandardRate,
		UpdatedAt:    s.clock.Now(),
	}
	if err := s.repo.UpsertJurisdiction(ctx, &j); err != nil {
		return taxdomain.Jurisdiction{}, err
	}
	s.log.Info("jurisdiction updated",
		zap.String("country_code", j.CountryCode),
		zap.String("bloc", j.Bloc),
		zap.String("standard_rate", j.StandardRate.String()),
	)
	return j, nil
}

func (s *Service) ListJurisdictions(ctx context.Context) ([]taxdomain.Jurisdiction, error) {
	table, err := s.Table(ctx)
	if err != nil {
		return nil, err
	}
	rows := table.Rows()
	sort.Slice(rows, func(i, j int) bool { return rows[i].CountryCode < rows[j].CountryCode })
	return rows, nil
}
