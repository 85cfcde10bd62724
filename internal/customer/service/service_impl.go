package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/marketledger/internal/customer/domain"
	identitydomain "github.com/smallbiznis/marketledger/internal/identity/domain"
	"github.com/smallbiznis/marketledger/internal/providers/stripe"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

type Params struct {
	fx.In

	Log         *zap.Logger
	IdentitySvc identitydomain.Service
	Processor   stripe.Client
}

type Service struct {
	log         *zap.Logger
	identitySvc identitydomain.Service
	processor   stripe.Client
}

func New(p Params) domain.Service {
	return &Service{
		log:         p.Log.Named("customer.service"),
		identitySvc: p.IdentitySvc,
		processor:   p.Processor,
	}
}

func (s *Service) Resolve(ctx context.Context, userID snowflake.ID) (string, error) {
	if userID == 0 {
		return "", domain.ErrInvalidUser
	}

	profile, err := s.identitySvc.GetProfile(ctx, userID)
	if err != nil {
		if errors.Is(err, identitydomain.ErrNotFound) {
			return "", domain.ErrInvalidUser
		}
		return "", err
	}
	if id := profile.CustomerID(); id != "" {
		return id, nil
	}

	created, err := s.processor.CreateCustomer(ctx, stripe.CustomerInput{
		UserID: userID.String(),
		Email:  profile.Email,
		Name:   profile.DisplayName,
	})
	if err != nil {
		return "", fmt.Errorf("%w: %v", domain.ErrProcessorUnavailable, err)
	}

	// A concurrent resolve may have stored a different id first; the stored
	// one wins and the extra upstream customer is left unused.
	stored, err := s.identitySvc.SetExternalCustomerID(ctx, userID, created)
	if err != nil {
		return "", err
	}
	if stored != created {
		s.log.Warn("processor customer already recorded",
			zap.String("user_id", userID.String()),
			zap.String("stored", stored),
			zap.String("created", created),
		)
	} else {
		s.log.Info("processor customer created",
			zap.String("user_id", userID.String()),
			zap.String("customer_id", created),
		)
	}
	return stored, nil
}
