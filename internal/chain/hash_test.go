package chain

import (
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"energy-exchange-core/internal/domain"
)

func testSettlement(netAmount, effectiveEnergy string) *domain.Settlement {
	return &domain.Settlement{
		ID:              uuid.New(),
		BuyerID:         "buyer-1",
		SellerID:        "seller-1",
		NetAmount:       decimal.RequireFromString(netAmount),
		EffectiveEnergy: decimal.RequireFromString(effectiveEnergy),
	}
}

func TestContentHashIsDeterministic(t *testing.T) {
	batch := []*domain.Settlement{testSettlement("10.5", "10")}
	// reuse the same settlement pointer for a repeat hash, not a new one,
	// since a new uuid would change the hash by design
	assert.Equal(t, contentHash(batch), contentHash(batch))
}

func TestContentHashDiffersOnAmount(t *testing.T) {
	a := testSettlement("10.5", "10")
	b := testSettlement("10.5", "10")
	b.ID = a.ID
	b.NetAmount = decimal.RequireFromString("20")

	assert.NotEqual(t, contentHash([]*domain.Settlement{a}), contentHash([]*domain.Settlement{b}))
}

func TestWeiFromSettlementsScalesToEighteenDecimals(t *testing.T) {
	batch := []*domain.Settlement{testSettlement("1", "1")}
	wei := weiFromSettlements(batch)
	assert.Equal(t, "1000000000000000000", wei.String())
}

func TestWeiFromSettlementsSumsBatch(t *testing.T) {
	batch := []*domain.Settlement{testSettlement("1", "1"), testSettlement("2", "2")}
	wei := weiFromSettlements(batch)
	assert.Equal(t, "3000000000000000000", wei.String())
}
