package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStaticPolicyHolderFillsDefaults(t *testing.T) {
	holder, err := NewStaticPolicyHolder(PolicyConfig{
		BankTransfer: BankTransferPolicy{MinimumAmount: 10_000},
	})
	require.NoError(t, err)

	cfg := holder.Get()
	assert.Equal(t, int64(10_000), cfg.BankTransfer.MinimumAmount)
	assert.Equal(t, 7*24*time.Hour, cfg.BankTransfer.TTL)
	assert.Equal(t, "GB", cfg.Tax.DomesticCountry)
	assert.Equal(t, "EU", cfg.Tax.Jurisdictions[0].Bloc)
	assert.NotEmpty(t, cfg.Fees.Matrix)

	tier, ok := cfg.Tier(" Business ")
	require.True(t, ok)
	assert.True(t, tier.Limits[0].Unlimited)
}

func TestPolicyValidationRejectsBadValues(t *testing.T) {
	cfg := DefaultPolicyConfig()
	cfg.Fees.Matrix = append(cfg.Fees.Matrix, FeeRule{Role: "x", OrderType: "y", Percent: 120})
	_, err := NewStaticPolicyHolder(cfg)
	assert.Error(t, err)

	cfg = DefaultPolicyConfig()
	cfg.Subscription.FreeTier = "gratis"
	_, err = NewStaticPolicyHolder(cfg)
	assert.Error(t, err)

	cfg = DefaultPolicyConfig()
	cfg.Tax.DomesticCountry = "US"
	_, err = NewStaticPolicyHolder(cfg)
	assert.ErrorContains(t, err, "domesticCountry")

	holder, err := NewStaticPolicyHolder(DefaultPolicyConfig())
	require.NoError(t, err)
	bad := DefaultPolicyConfig()
	bad.Tax.DefaultRate = 2
	assert.Error(t, holder.Store(bad))
	assert.Equal(t, 0.20, holder.Get().Tax.DefaultRate)
}
