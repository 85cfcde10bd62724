package service_test

import (
	"context"
	"errors"
	"testing"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/marketledger/internal/config"
	"github.com/smallbiznis/marketledger/internal/fee/domain"
	"github.com/smallbiznis/marketledger/internal/fee/repository"
	"github.com/smallbiznis/marketledger/internal/fee/service"
	identitydomain "github.com/smallbiznis/marketledger/internal/identity/domain"
	"github.com/smallbiznis/marketledger/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type stubIdentity struct {
	roles map[snowflake.ID]string
}

func (s stubIdentity) GetProfile(_ context.Context, userID snowflake.ID) (identitydomain.Profile, error) {
	role, ok := s.roles[userID]
	if !ok {
		return identitydomain.Profile{}, identitydomain.ErrNotFound
	}
	return identitydomain.Profile{UserID: userID, Role: role}, nil
}

func (stubIdentity) UpdateTaxProfile(context.Context, snowflake.ID, identitydomain.UpdateTaxProfileRequest) (identitydomain.Profile, error) {
	return identitydomain.Profile{}, nil
}

func (stubIdentity) SetVATVerified(context.Context, snowflake.ID, bool) error { return nil }

func (stubIdentity) SetExternalCustomerID(context.Context, snowflake.ID, string) (string, error) {
	return "", nil
}

type mockRepo struct {
	mock.Mock
}

func (m *mockRepo) FindTier(ctx context.Context, db *gorm.DB, role, orderType string) (*domain.FeeTier, error) {
	args := m.Called(role, orderType)
	tier, _ := args.Get(0).(*domain.FeeTier)
	return tier, args.Error(1)
}

func (m *mockRepo) UpsertTier(ctx context.Context, db *gorm.DB, tier *domain.FeeTier) error {
	return m.Called(tier).Error(0)
}

func (m *mockRepo) ListTiers(ctx context.Context, db *gorm.DB) ([]domain.FeeTier, error) {
	args := m.Called()
	return nil, args.Error(1)
}

type fixture struct {
	svc        domain.Service
	db         *gorm.DB
	apprentice snowflake.ID
	unknown    snowflake.ID
}

func newFixture(t *testing.T, policy config.PolicyConfig, repo domain.Repository) fixture {
	t.Helper()
	db := testutil.OpenSQLite(t, "fee_tiers")
	node, err := snowflake.NewNode(2)
	require.NoError(t, err)

	holder, err := config.NewStaticPolicyHolder(policy)
	require.NoError(t, err)

	apprentice := node.Generate()
	if repo == nil {
		repo = repository.Provide()
	}
	svc := service.NewService(service.Params{
		DB:          db,
		Log:         zap.NewNop(),
		GenID:       node,
		Repo:        repo,
		IdentitySvc: stubIdentity{roles: map[snowflake.ID]string{apprentice: "apprentice"}},
		Policy:      holder,
	})
	return fixture{svc: svc, db: db, apprentice: apprentice, unknown: node.Generate()}
}

// onlyFounderMatrix leaves the static layer without any rule the tests hit.
func onlyFounderMatrix() config.PolicyConfig {
	return config.PolicyConfig{Fees: config.FeePolicy{Matrix: []config.FeeRule{
		{Role: "founder", OrderType: "default", Percent: 8},
	}}}
}

func TestResolveFeeFallbackOrder(t *testing.T) {
	ctx := context.Background()

	t.Run("global default when nothing configured", func(t *testing.T) {
		f := newFixture(t, onlyFounderMatrix(), nil)
		res := f.svc.ResolveFee(ctx, f.apprentice, "default")
		assert.Equal(t, domain.SourceGlobal, res.Source)
		assert.True(t, res.Percent.Equal(decimal.NewFromInt(5)), "apprentice default resolves to 5, got %s", res.Percent)
	})

	t.Run("static matrix beats global", func(t *testing.T) {
		f := newFixture(t, config.DefaultPolicyConfig(), nil)
		res := f.svc.ResolveFee(ctx, f.apprentice, "service")
		assert.Equal(t, domain.SourceStaticExact, res.Source)
		assert.True(t, res.Percent.Equal(decimal.NewFromInt(7)))
	})

	t.Run("default role plus type beats static", func(t *testing.T) {
		f := newFixture(t, config.DefaultPolicyConfig(), nil)
		_, err := f.svc.UpsertTier(ctx, domain.UpsertTierRequest{Role: "default", OrderType: "service", FeePercent: decimal.NewFromInt(9)})
		require.NoError(t, err)

		res := f.svc.ResolveFee(ctx, f.apprentice, "service")
		assert.Equal(t, domain.SourceStoreDefaultType, res.Source)
		assert.True(t, res.Percent.Equal(decimal.NewFromInt(9)))
	})

	t.Run("role plus default beats default plus type", func(t *testing.T) {
		f := newFixture(t, config.DefaultPolicyConfig(), nil)
		for _, req := range []domain.UpsertTierRequest{
			{Role: "default", OrderType: "service", FeePercent: decimal.NewFromInt(9)},
			{Role: "apprentice", OrderType: "default", FeePercent: decimal.NewFromInt(4)},
		} {
			_, err := f.svc.UpsertTier(ctx, req)
			require.NoError(t, err)
		}

		res := f.svc.ResolveFee(ctx, f.apprentice, "service")
		assert.Equal(t, domain.SourceStoreRoleDefault, res.Source)
		assert.True(t, res.Percent.Equal(decimal.NewFromInt(4)))
	})

	t.Run("role plus type beats everything", func(t *testing.T) {
		f := newFixture(t, config.DefaultPolicyConfig(), nil)
		for _, req := range []domain.UpsertTierRequest{
			{Role: "apprentice", OrderType: "default", FeePercent: decimal.NewFromInt(4)},
			{Role: "apprentice", OrderType: "service", FeePercent: decimal.RequireFromString("6.5")},
		} {
			_, err := f.svc.UpsertTier(ctx, req)
			require.NoError(t, err)
		}

		res := f.svc.ResolveFee(ctx, f.apprentice, "retainer")
		assert.Equal(t, domain.SourceStoreExact, res.Source)
		assert.True(t, res.Percent.Equal(decimal.RequireFromString("6.5")))
	})

	t.Run("unknown seller uses default role", func(t *testing.T) {
		f := newFixture(t, onlyFounderMatrix(), nil)
		res := f.svc.ResolveFee(ctx, f.unknown, "service")
		assert.Equal(t, "default", res.Role)
		assert.True(t, res.Percent.Equal(decimal.NewFromInt(10)))
	})
}

func TestResolveFeeStoreFailureFallsBack(t *testing.T) {
	repo := &mockRepo{}
	repo.On("FindTier", "apprentice", "service").Return(nil, errors.New("connection refused")).Once()

	f := newFixture(t, config.DefaultPolicyConfig(), repo)
	res := f.svc.ResolveFee(context.Background(), f.apprentice, "service")

	assert.Equal(t, domain.SourceStaticExact, res.Source)
	assert.True(t, res.Percent.Equal(decimal.NewFromInt(7)))
	repo.AssertExpectations(t)
}

func TestResolveFeeCachesStoreLookups(t *testing.T) {
	repo := &mockRepo{}
	repo.On("FindTier", "apprentice", "service").Return(&domain.FeeTier{ID: 1, Role: "apprentice", OrderType: "service", FeePercent: decimal.NewFromInt(6)}, nil).Once()

	f := newFixture(t, config.DefaultPolicyConfig(), repo)
	for i := 0; i < 3; i++ {
		res := f.svc.ResolveFee(context.Background(), f.apprentice, "service")
		assert.Equal(t, domain.SourceStoreExact, res.Source)
	}
	repo.AssertNumberOfCalls(t, "FindTier", 1)
}

func TestPreviewAndUpsertValidation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, config.DefaultPolicyConfig(), nil)

	resp, err := f.svc.Preview(ctx, domain.PreviewRequest{SellerID: f.apprentice, OrderType: "service", Amount: 100_000, Currency: "gbp"})
	require.NoError(t, err)
	assert.Equal(t, int64(7_000), resp.Breakdown.FeeAmount)
	assert.Equal(t, int64(93_000), resp.Breakdown.SellerAmount)
	assert.Equal(t, "GBP", resp.Breakdown.Currency)

	_, err = f.svc.Preview(ctx, domain.PreviewRequest{SellerID: f.apprentice, Amount: -1, Currency: "GBP"})
	assert.ErrorIs(t, err, domain.ErrInvalidAmount)

	_, err = f.svc.UpsertTier(ctx, domain.UpsertTierRequest{Role: "apprentice", FeePercent: decimal.NewFromInt(101)})
	assert.ErrorIs(t, err, domain.ErrInvalidPercent)

	tier, err := f.svc.UpsertTier(ctx, domain.UpsertTierRequest{Role: "Apprentice", OrderType: "", FeePercent: decimal.NewFromInt(3)})
	require.NoError(t, err)
	assert.Equal(t, "apprentice", tier.Role)
	assert.Equal(t, "default", tier.OrderType)

	testutil.AssertCount(t, f.db, "SELECT COUNT(1) FROM fee_tiers", 1)
	_, err = f.svc.UpsertTier(ctx, domain.UpsertTierRequest{Role: "apprentice", OrderType: "default", FeePercent: decimal.NewFromInt(2)})
	require.NoError(t, err)
	testutil.AssertCount(t, f.db, "SELECT COUNT(1) FROM fee_tiers", 1)
}
