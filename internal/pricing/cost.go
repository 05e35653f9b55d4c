// Package pricing implements the zone cost model: given a matched
// buyer/seller pair and their zones, it derives the wheeling charge,
// loss factor, loss cost, effective energy, platform fee, and the
// buyer/seller settlement amounts.
package pricing

import (
	"github.com/shopspring/decimal"

	"energy-exchange-core/internal/config"
	"energy-exchange-core/internal/decimalutil"
	"energy-exchange-core/internal/domain"
)

// maxLossFactor is the contractual ceiling on a configured loss factor
var maxLossFactor = decimal.NewFromFloat(0.2)

// Model derives settlement cost breakdowns from the configured zone
// matrices
type Model struct {
	wheelingRate   config.ZoneMatrix
	lossFactor     config.ZoneMatrix
	platformFeeBps int64
}

// NewModel constructs the cost model from pricing configuration
func NewModel(cfg config.PricingConfig) *Model {
	return &Model{
		wheelingRate:   cfg.WheelingRate,
		lossFactor:     cfg.LossFactor,
		platformFeeBps: cfg.PlatformFeeBps,
	}
}

// Breakdown holds every derived figure for one match's settlement
type Breakdown struct {
	TotalAmount     decimal.Decimal
	WheelingCharge  decimal.Decimal
	LossFactor      decimal.Decimal
	LossCost        decimal.Decimal
	EffectiveEnergy decimal.Decimal
	FeeAmount       decimal.Decimal
	NetAmount       decimal.Decimal // buyer's debit obligation
	SellerCredit    decimal.Decimal
}

// Compute derives the full cost breakdown for an energy transfer of the
// given amount and unit price between sellerZone and buyerZone. It
// returns UnknownZonePair if either matrix has no entry for the pair.
func (m *Model) Compute(sellerZone, buyerZone int, energy, unitPrice decimal.Decimal) (*Breakdown, error) {
	wheelingRate, ok := m.wheelingRate.Lookup(sellerZone, buyerZone)
	if !ok {
		return nil, domain.NewError(domain.ErrUnknownZonePair, "no wheeling rate configured for zone pair")
	}
	if wheelingRate.IsNegative() {
		return nil, domain.NewError(domain.ErrValidation, "wheeling rate must be non-negative")
	}

	lossFactor, ok := m.lossFactor.Lookup(sellerZone, buyerZone)
	if !ok {
		return nil, domain.NewError(domain.ErrUnknownZonePair, "no loss factor configured for zone pair")
	}
	if lossFactor.IsNegative() || lossFactor.GreaterThan(maxLossFactor) {
		return nil, domain.NewError(domain.ErrValidation, "loss factor out of bounds [0, 0.2]")
	}

	totalAmount := decimalutil.RoundBank8(energy.Mul(unitPrice))
	wheelingCharge := decimalutil.RoundBank8(energy.Mul(wheelingRate))
	lossCost := decimalutil.RoundBank8(energy.Mul(lossFactor).Mul(unitPrice))
	effectiveEnergy := decimalutil.RoundBank8(energy.Mul(decimal.NewFromInt(1).Sub(lossFactor)))
	feeAmount := decimalutil.RoundBank8(totalAmount.Mul(decimal.NewFromInt(m.platformFeeBps)).Div(decimal.NewFromInt(10000)))

	netAmount := decimalutil.RoundBank8(totalAmount.Add(wheelingCharge).Add(lossCost))
	sellerCredit := decimalutil.RoundBank8(totalAmount.Sub(feeAmount))

	return &Breakdown{
		TotalAmount:     totalAmount,
		WheelingCharge:  wheelingCharge,
		LossFactor:      lossFactor,
		LossCost:        lossCost,
		EffectiveEnergy: effectiveEnergy,
		FeeAmount:       feeAmount,
		NetAmount:       netAmount,
		SellerCredit:    sellerCredit,
	}, nil
}
