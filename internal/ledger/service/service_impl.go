package service

import (
	"context"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/marketledger/internal/clock"
	ledgerdomain "github.com/smallbiznis/marketledger/internal/ledger/domain"
	obsmetrics "github.com/smallbiznis/marketledger/internal/observability/metrics"
	"github.com/smallbiznis/marketledger/pkg/db/pagination"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	defaultPageSize = 20
	maxPageSize     = 250
)

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Repo       ledgerdomain.Repository
	Clock      clock.Clock         `optional:"true"`
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	genID      *snowflake.Node
	repo       ledgerdomain.Repository
	clock      clock.Clock
	obsMetrics *obsmetrics.Metrics
}

func NewService(p Params) ledgerdomain.Service {
	c := p.Clock
	if c == nil {
		c = clock.New()
	}
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("ledger.service"),
		genID:      p.GenID,
		repo:       p.Repo,
		clock:      c,
		obsMetrics: p.ObsMetrics,
	}
}

func (s *Service) Apply(ctx context.Context, req ledgerdomain.ApplyRequest) (ledgerdomain.ApplyResult, error) {
	var result ledgerdomain.ApplyResult
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		result, err = s.ApplyTx(ctx, tx, req)
		return err
	})
	if err != nil {
		return ledgerdomain.ApplyResult{}, err
	}
	return result, nil
}

func (s *Service) ApplyTx(ctx context.Context, tx *gorm.DB, req ledgerdomain.ApplyRequest) (ledgerdomain.ApplyResult, error) {
	adj, err := s.normalize(req)
	if err != nil {
		return ledgerdomain.ApplyResult{}, err
	}

	inserted, err := s.repo.Insert(ctx, tx, &adj)
	if err != nil {
		return ledgerdomain.ApplyResult{}, err
	}
	if !inserted {
		existing, err := s.repo.FindByReference(ctx, tx, adj.ReferenceType, adj.ReferenceID)
		if err != nil {
			return ledgerdomain.ApplyResult{}, err
		}
		s.log.Info("ledger adjustment already applied",
			zap.String("reference_type", string(adj.ReferenceType)),
			zap.String("reference_id", adj.ReferenceID),
		)
		if existing != nil {
			return ledgerdomain.ApplyResult{Adjustment: *existing, Applied: false}, nil
		}
		// Conflict on the external transaction id alone.
		return ledgerdomain.ApplyResult{Adjustment: adj, Applied: false}, nil
	}

	if err := s.repo.AddToBalance(ctx, tx, ledgerdomain.UserBalance{
		UserID:    adj.UserID,
		Currency:  adj.Currency,
		Balance:   adj.Amount,
		UpdatedAt: adj.CreatedAt,
	}); err != nil {
		return ledgerdomain.ApplyResult{}, err
	}

	s.obsMetrics.RecordLedgerAdjustment(ctx, string(adj.ReferenceType))
	s.log.Info("ledger adjustment applied",
		zap.String("adjustment_id", adj.ID.String()),
		zap.String("user_id", adj.UserID.String()),
		zap.Int64("amount", adj.Amount),
		zap.String("currency", adj.Currency),
		zap.String("reference_type", string(adj.ReferenceType)),
		zap.String("reference_id", adj.ReferenceID),
	)
	return ledgerdomain.ApplyResult{Adjustment: adj, Applied: true}, nil
}

func (s *Service) normalize(req ledgerdomain.ApplyRequest) (ledgerdomain.Adjustment, error) {
	if req.UserID == 0 {
		return ledgerdomain.Adjustment{}, ledgerdomain.ErrInvalidUser
	}
	if req.Amount <= 0 {
		return ledgerdomain.Adjustment{}, ledgerdomain.ErrInvalidAmount
	}
	currency, err := normalizeCurrency(req.Currency)
	if err != nil {
		return ledgerdomain.Adjustment{}, err
	}
	refType := ledgerdomain.ReferenceType(strings.TrimSpace(string(req.ReferenceType)))
	refID := strings.TrimSpace(req.ReferenceID)
	if refType == "" || refID == "" {
		return ledgerdomain.Adjustment{}, ledgerdomain.ErrInvalidReference
	}

	amount := req.Amount
	switch req.Type {
	case ledgerdomain.AdjustmentTypeCredit:
	case ledgerdomain.AdjustmentTypeDebit:
		amount = -amount
	default:
		return ledgerdomain.Adjustment{}, ledgerdomain.ErrInvalidType
	}

	var externalID *string
	if req.ExternalTransactionID != nil {
		if v := strings.TrimSpace(*req.ExternalTransactionID); v != "" {
			externalID = &v
		}
	}

	return ledgerdomain.Adjustment{
		ID:                    s.genID.Generate(),
		UserID:                req.UserID,
		Amount:                amount,
		Currency:              currency,
		Type:                  req.Type,
		ReferenceType:         refType,
		ReferenceID:           refID,
		ExternalTransactionID: externalID,
		Description:           strings.TrimSpace(req.Description),
		CreatedAt:             s.clock.Now(),
	}, nil
}

// Balance sums the adjustments. The cached user_balances row is not consulted.
func (s *Service) Balance(ctx context.Context, userID snowflake.ID, currency string) (ledgerdomain.BalanceResponse, error) {
	if userID == 0 {
		return ledgerdomain.BalanceResponse{}, ledgerdomain.ErrInvalidUser
	}
	currency, err := normalizeCurrency(currency)
	if err != nil {
		return ledgerdomain.BalanceResponse{}, err
	}
	total, err := s.repo.SumByUser(ctx, s.db, userID, currency)
	if err != nil {
		return ledgerdomain.BalanceResponse{}, err
	}
	return ledgerdomain.BalanceResponse{UserID: userID, Currency: currency, Balance: total}, nil
}

func (s *Service) RecomputeBalance(ctx context.Context, userID snowflake.ID, currency string) (ledgerdomain.BalanceResponse, error) {
	if userID == 0 {
		return ledgerdomain.BalanceResponse{}, ledgerdomain.ErrInvalidUser
	}
	currency, err := normalizeCurrency(currency)
	if err != nil {
		return ledgerdomain.BalanceResponse{}, err
	}

	var resp ledgerdomain.BalanceResponse
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		total, err := s.repo.SumByUser(ctx, tx, userID, currency)
		if err != nil {
			return err
		}
		cached, err := s.repo.FindBalance(ctx, tx, userID, currency)
		if err != nil {
			return err
		}
		if cached != nil && cached.Balance != total {
			s.log.Warn("cached balance drifted from adjustments",
				zap.String("user_id", userID.String()),
				zap.String("currency", currency),
				zap.Int64("cached", cached.Balance),
				zap.Int64("derived", total),
			)
		}
		if err := s.repo.SetBalance(ctx, tx, ledgerdomain.UserBalance{
			UserID:    userID,
			Currency:  currency,
			Balance:   total,
			UpdatedAt: s.clock.Now(),
		}); err != nil {
			return err
		}
		resp = ledgerdomain.BalanceResponse{UserID: userID, Currency: currency, Balance: total}
		return nil
	})
	if err != nil {
		return ledgerdomain.BalanceResponse{}, err
	}
	return resp, nil
}

func (s *Service) ListByUser(ctx context.Context, req ledgerdomain.ListRequest) (ledgerdomain.ListResponse, error) {
	if req.UserID == 0 {
		return ledgerdomain.ListResponse{}, ledgerdomain.ErrInvalidUser
	}
	pageSize := req.PageSize
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}
	if pageSize > maxPageSize {
		pageSize = maxPageSize
	}

	var beforeID snowflake.ID
	if token := strings.TrimSpace(req.PageToken); token != "" {
		cursor, err := pagination.DecodeCursor(token)
		if err != nil {
			return ledgerdomain.ListResponse{}, ledgerdomain.ErrInvalidPageToken
		}
		id, err := snowflake.ParseString(cursor.ID)
		if err != nil {
			return ledgerdomain.ListResponse{}, ledgerdomain.ErrInvalidPageToken
		}
		beforeID = id
	}

	items, err := s.repo.ListByUser(ctx, s.db, req.UserID, beforeID, pageSize+1)
	if err != nil {
		return ledgerdomain.ListResponse{}, err
	}

	pageInfo := pagination.BuildCursorPageInfo(items, pageSize, func(a *ledgerdomain.Adjustment) string {
		token, err := pagination.EncodeCursor(pagination.Cursor{ID: a.ID.String()})
		if err != nil {
			return ""
		}
		return token
	})
	if len(items) > pageSize {
		items = items[:pageSize]
	}
	if !pageInfo.HasMore {
		pageInfo.NextPageToken = ""
	}

	out := make([]ledgerdomain.Adjustment, 0, len(items))
	for _, item := range items {
		out = append(out, *item)
	}
	return ledgerdomain.ListResponse{Items: out, PageInfo: *pageInfo}, nil
}

func normalizeCurrency(currency string) (string, error) {
	currency = strings.ToUpper(strings.TrimSpace(currency))
	if len(currency) != 3 {
		return "", ledgerdomain.ErrInvalidCurrency
	}
	return currency, nil
}
