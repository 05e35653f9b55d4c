package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// SettlementStatus 结算主记录状态
type SettlementStatus string

const (
	SettlementStatusPending    SettlementStatus = "pending"
	SettlementStatusProcessing SettlementStatus = "processing"
	SettlementStatusCompleted  SettlementStatus = "completed"
	SettlementStatusFailed     SettlementStatus = "failed"
)

// Settlement 由一次 OrderMatch 生成的买卖双方债务记录；其链上转账
// 由 Settlement Pipeline 驱动
type Settlement struct {
	ID              uuid.UUID        `json:"id" gorm:"primaryKey;type:uuid;default:gen_random_uuid()"`
	EpochID         uuid.UUID        `json:"epoch_id" gorm:"type:uuid;not null;index"`
	MatchID         uuid.UUID        `json:"match_id" gorm:"type:uuid;not null;index"`
	BuyerID         string           `json:"buyer_id" gorm:"not null;index"`
	SellerID        string           `json:"seller_id" gorm:"not null;index"`
	BuyerZoneID     int              `json:"buyer_zone_id" gorm:"not null"`
	SellerZoneID    int              `json:"seller_zone_id" gorm:"not null"`
	EnergyAmount    decimal.Decimal  `json:"energy_amount" gorm:"type:numeric(36,8);not null"`
	PricePerKwh     decimal.Decimal  `json:"price_per_kwh" gorm:"type:numeric(36,8);not null"`
	TotalAmount     decimal.Decimal  `json:"total_amount" gorm:"type:numeric(36,8);not null"`
	WheelingCharge  decimal.Decimal  `json:"wheeling_charge" gorm:"type:numeric(36,8);not null"`
	LossFactor      decimal.Decimal  `json:"loss_factor" gorm:"type:numeric(8,8);not null"`
	LossCost        decimal.Decimal  `json:"loss_cost" gorm:"type:numeric(36,8);not null"`
	EffectiveEnergy decimal.Decimal  `json:"effective_energy" gorm:"type:numeric(36,8);not null"`
	FeeAmount       decimal.Decimal  `json:"fee_amount" gorm:"type:numeric(36,8);not null"`
	NetAmount       decimal.Decimal  `json:"net_amount" gorm:"type:numeric(36,8);not null"`
	Status          SettlementStatus `json:"status" gorm:"not null;default:'pending';index"`
	RetryCount      int              `json:"retry_count" gorm:"default:0"`
	TransactionHash *string          `json:"transaction_hash"`
	ProcessedAt     *time.Time       `json:"processed_at"`
	CreatedAt       time.Time        `json:"created_at" gorm:"autoCreateTime"`
}

// SellerCredit 卖方实际应得的净收入：total_amount − fee_amount
func (s *Settlement) SellerCredit() decimal.Decimal {
	return s.TotalAmount.Sub(s.FeeAmount)
}

// SettlementTxStatus 单次链上提交尝试的状态
type SettlementTxStatus string

const (
	SettlementTxStatusPending   SettlementTxStatus = "pending"
	SettlementTxStatusSubmitted SettlementTxStatus = "submitted"
	SettlementTxStatusConfirmed SettlementTxStatus = "confirmed"
	SettlementTxStatusFailed    SettlementTxStatus = "failed"
	SettlementTxStatusExpired   SettlementTxStatus = "expired"
)

// IsTerminal 该尝试是否已不再可轮询
func (s SettlementTxStatus) IsTerminal() bool {
	switch s {
	case SettlementTxStatusConfirmed, SettlementTxStatusFailed, SettlementTxStatusExpired:
		return true
	default:
		return false
	}
}

// SettlementTransaction 针对某 Settlement 的一次提交尝试；每次重试都是
// 新的一行，而不是原地更新——这样历史重试链保持可追溯
type SettlementTransaction struct {
	ID                   uuid.UUID          `json:"id" gorm:"primaryKey;type:uuid;default:gen_random_uuid()"`
	SettlementID         uuid.UUID          `json:"settlement_id" gorm:"type:uuid;not null;index"`
	AttemptNumber        int                `json:"attempt_number" gorm:"not null"`
	TransactionSignature *string            `json:"transaction_signature"`
	Status               SettlementTxStatus `json:"status" gorm:"not null;default:'pending';index"`
	RetryCount           int                `json:"retry_count" gorm:"default:0"`
	ErrorMessage         string             `json:"error_message"`
	SubmittedAt          *time.Time         `json:"submitted_at"`
	ConfirmedAt          *time.Time         `json:"confirmed_at"`
	NextAttemptAt        *time.Time         `json:"next_attempt_at"`
	CreatedAt            time.Time          `json:"created_at" gorm:"autoCreateTime"`
}
