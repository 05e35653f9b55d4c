package pricing

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"energy-exchange-core/internal/config"
	"energy-exchange-core/internal/domain"
)

func sameZoneConfig(feeBps int64) config.PricingConfig {
	return config.PricingConfig{
		PlatformFeeBps: feeBps,
		WheelingRate: config.ZoneMatrix{
			1: {1: decimal.Zero, 2: decimal.NewFromFloat(0.01)},
		},
		LossFactor: config.ZoneMatrix{
			1: {1: decimal.Zero, 2: decimal.NewFromFloat(0.05)},
		},
	}
}

func TestComputeSameZoneNoLossNoFee(t *testing.T) {
	model := NewModel(sameZoneConfig(0))

	breakdown, err := model.Compute(1, 1, decimal.NewFromInt(5), decimal.NewFromFloat(0.30))
	require.NoError(t, err)

	assert.True(t, breakdown.TotalAmount.Equal(decimal.RequireFromString("1.50")))
	assert.True(t, breakdown.WheelingCharge.IsZero())
	assert.True(t, breakdown.LossFactor.IsZero())
	assert.True(t, breakdown.LossCost.IsZero())
	assert.True(t, breakdown.EffectiveEnergy.Equal(decimal.NewFromInt(5)))
	assert.True(t, breakdown.FeeAmount.IsZero())
	assert.True(t, breakdown.NetAmount.Equal(decimal.RequireFromString("1.50")))
	assert.True(t, breakdown.SellerCredit.Equal(decimal.RequireFromString("1.50")))
}

func TestComputeCrossZoneWheelingAndLoss(t *testing.T) {
	model := NewModel(sameZoneConfig(50)) // 0.5%

	breakdown, err := model.Compute(1, 2, decimal.NewFromInt(10), decimal.NewFromFloat(0.20))
	require.NoError(t, err)

	assert.True(t, breakdown.TotalAmount.Equal(decimal.RequireFromString("2.00")))
	assert.True(t, breakdown.WheelingCharge.Equal(decimal.RequireFromString("0.10")))
	assert.True(t, breakdown.LossFactor.Equal(decimal.RequireFromString("0.05")))
	assert.True(t, breakdown.LossCost.Equal(decimal.RequireFromString("0.10")))
	assert.True(t, breakdown.EffectiveEnergy.Equal(decimal.RequireFromString("9.5")))

	// net_amount = total + wheeling + loss_cost identity
	expectedNet := breakdown.TotalAmount.Add(breakdown.WheelingCharge).Add(breakdown.LossCost)
	assert.True(t, breakdown.NetAmount.Equal(expectedNet))

	// seller credit = total - fee identity
	expectedCredit := breakdown.TotalAmount.Sub(breakdown.FeeAmount)
	assert.True(t, breakdown.SellerCredit.Equal(expectedCredit))
}

func TestComputeUnknownZonePair(t *testing.T) {
	model := NewModel(sameZoneConfig(0))

	_, err := model.Compute(1, 99, decimal.NewFromInt(1), decimal.NewFromFloat(0.10))
	require.Error(t, err)
	assert.Equal(t, domain.ErrUnknownZonePair, domain.KindOf(err))
}

func TestComputeRejectsOutOfBoundsLossFactor(t *testing.T) {
	cfg := sameZoneConfig(0)
	cfg.LossFactor[1][2] = decimal.NewFromFloat(0.25)
	model := NewModel(cfg)

	_, err := model.Compute(1, 2, decimal.NewFromInt(1), decimal.NewFromFloat(0.10))
	require.Error(t, err)
	assert.Equal(t, domain.ErrValidation, domain.KindOf(err))
}
