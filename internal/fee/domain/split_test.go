package domain

import (
	"math/rand"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func TestSplitTotality(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	percents := []decimal.Decimal{
		decimal.Zero,
		decimal.NewFromInt(100),
		decimal.RequireFromString("7.5"),
		decimal.RequireFromString("0.01"),
		decimal.RequireFromString("33.33"),
	}
	for i := 0; i < 2000; i++ {
		amount := rng.Int63n(10_000_000)
		var p decimal.Decimal
		if i < len(percents) {
			p = percents[i]
		} else {
			p = decimal.NewFromFloat(float64(rng.Intn(10001)) / 100)
		}
		b := Split(amount, p, "gbp")
		if !b.Balanced() {
			t.Fatalf("split not balanced for amount=%d percent=%s: %+v", amount, p, b)
		}
		if b.FeeAmount < 0 || b.FeeAmount > amount {
			t.Fatalf("fee out of range for amount=%d percent=%s: %d", amount, p, b.FeeAmount)
		}
	}
}

func TestSplitRoundsHalfUp(t *testing.T) {
	// 5% of 10 = 0.5 rounds to 1; 5% of 30 = 1.5 rounds to 2.
	assert.Equal(t, int64(1), Split(10, decimal.NewFromInt(5), "GBP").FeeAmount)
	assert.Equal(t, int64(2), Split(30, decimal.NewFromInt(5), "GBP").FeeAmount)
	// 7.5% of 9 = 0.675 rounds to 1.
	assert.Equal(t, int64(1), Split(9, decimal.RequireFromString("7.5"), "GBP").FeeAmount)
}

func TestSplitClampsPercent(t *testing.T) {
	b := Split(1000, decimal.NewFromInt(150), "GBP")
	assert.Equal(t, int64(1000), b.FeeAmount)
	assert.Equal(t, int64(0), b.SellerAmount)
	assert.True(t, b.FeePercent.Equal(decimal.NewFromInt(100)))

	b = Split(1000, decimal.NewFromInt(-3), "GBP")
	assert.Equal(t, int64(0), b.FeeAmount)
	assert.Equal(t, "GBP", b.Currency)
}

func TestApprenticeRetainerFee(t *testing.T) {
	p := GlobalDefault("apprentice", "service")
	b := Split(100_000, p, "GBP")
	assert.True(t, b.FeePercent.Equal(decimal.NewFromInt(7)))
	assert.Equal(t, int64(7_000), b.FeeAmount)
	assert.Equal(t, int64(93_000), b.SellerAmount)
}

func TestGlobalDefault(t *testing.T) {
	assert.True(t, GlobalDefault("", "").Equal(decimal.NewFromInt(8)))
	assert.True(t, GlobalDefault("executive", "retainer").Equal(decimal.NewFromInt(10)))
	assert.True(t, GlobalDefault("Apprentice", "default").Equal(decimal.NewFromInt(5)))
}
