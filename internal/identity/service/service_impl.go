package service

import (
	"context"
	"errors"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/go-playground/validator/v10"
	"github.com/smallbiznis/marketledger/internal/clock"
	"github.com/smallbiznis/marketledger/internal/identity/domain"
	"github.com/smallbiznis/marketledger/pkg/validation"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	Repo  domain.Repository
	Clock clock.Clock `optional:"true"`
}

type Service struct {
	db    *gorm.DB
	log   *zap.Logger
	repo  domain.Repository
	clock clock.Clock
}

func New(p Params) domain.Service {
	c := p.Clock
	if c == nil {
		c = clock.New()
	}
	return &Service{
		db:    p.DB,
		log:   p.Log.Named("identity.service"),
		repo:  p.Repo,
		clock: c,
	}
}

func (s *Service) GetProfile(ctx context.Context, userID snowflake.ID) (domain.Profile, error) {
	if userID == 0 {
		return domain.Profile{}, domain.ErrInvalidUserID
	}
	profile, err := s.repo.FindByID(ctx, s.db, userID)
	if err != nil {
		return domain.Profile{}, err
	}
	if profile == nil {
		return domain.Profile{}, domain.ErrNotFound
	}
	return *profile, nil
}

func (s *Service) UpdateTaxProfile(ctx context.Context, userID snowflake.ID, req domain.UpdateTaxProfileRequest) (domain.Profile, error) {
	if userID == 0 {
		return domain.Profile{}, domain.ErrInvalidUserID
	}

	req.CountryCode = strings.ToUpper(strings.TrimSpace(req.CountryCode))
	if req.VATNumber != nil {
		normalized := validation.NormalizeVATNumber(*req.VATNumber)
		if normalized == "" {
			req.VATNumber = nil
		} else {
			req.VATNumber = &normalized
		}
	}
	if err := validation.Default().Struct(req); err != nil {
		return domain.Profile{}, mapValidationError(err)
	}

	profile, err := s.repo.FindByID(ctx, s.db, userID)
	if err != nil {
		return domain.Profile{}, err
	}
	if profile == nil {
		return domain.Profile{}, domain.ErrNotFound
	}

	// A changed VAT number goes back to pending verification.
	if !sameVAT(profile.VATNumber, req.VATNumber) {
		profile.VATVerified = false
	}
	profile.CountryCode = req.CountryCode
	profile.VATNumber = req.VATNumber
	profile.TaxExempt = req.TaxExempt
	profile.UpdatedAt = s.clock.Now()

	if err := s.repo.UpdateTaxProfile(ctx, s.db, profile); err != nil {
		return domain.Profile{}, err
	}
	return *profile, nil
}

func (s *Service) SetVATVerified(ctx context.Context, userID snowflake.ID, verified bool) error {
	if userID == 0 {
		return domain.ErrInvalidUserID
	}
	updated, err := s.repo.SetVATVerified(ctx, s.db, userID, verified)
	if err != nil {
		return err
	}
	if !updated {
		return domain.ErrInvalidVATNumber
	}
	s.log.Info("vat verification updated",
		zap.String("user_id", userID.String()),
		zap.Bool("verified", verified),
	)
	return nil
}

func (s *Service) SetExternalCustomerID(ctx context.Context, userID snowflake.ID, externalID string) (string, error) {
	if userID == 0 {
		return "", domain.ErrInvalidUserID
	}
	externalID = strings.TrimSpace(externalID)
	if externalID == "" {
		return "", domain.ErrInvalidCustomerID
	}

	written, err := s.repo.SetExternalCustomerIDIfEmpty(ctx, s.db, userID, externalID)
	if err != nil {
		return "", err
	}
	if written {
		return externalID, nil
	}

	// Lost a race or the profile already had one; the stored id wins.
	profile, err := s.repo.FindByID(ctx, s.db, userID)
	if err != nil {
		return "", err
	}
	if profile == nil {
		return "", domain.ErrNotFound
	}
	stored := profile.CustomerID()
	if stored != externalID {
		s.log.Warn("external customer id already set, keeping stored value",
			zap.String("user_id", userID.String()),
			zap.String("stored", stored),
			zap.String("discarded", externalID),
		)
	}
	return stored, nil
}

func sameVAT(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return strings.EqualFold(strings.TrimSpace(*a), strings.TrimSpace(*b))
}

func mapValidationError(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return err
	}
	switch verrs[0].Field() {
	case "vat_number":
		return domain.ErrInvalidVATNumber
	default:
		return domain.ErrInvalidCountry
	}
}
