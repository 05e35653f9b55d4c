package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// OrderMatchStatus 撮合结果状态
type OrderMatchStatus string

const (
	OrderMatchStatusPending OrderMatchStatus = "pending"
	OrderMatchStatusSettled OrderMatchStatus = "settled"
	OrderMatchStatusFailed  OrderMatchStatus = "failed"
)

// OrderMatch 一次撮合命中，epoch 清算的输出之一
type OrderMatch struct {
	ID            uuid.UUID        `json:"id" gorm:"primaryKey;type:uuid;default:gen_random_uuid()"`
	EpochID       uuid.UUID        `json:"epoch_id" gorm:"type:uuid;not null;index"`
	BuyOrderID    uuid.UUID        `json:"buy_order_id" gorm:"type:uuid;not null;index"`
	SellOrderID   uuid.UUID        `json:"sell_order_id" gorm:"type:uuid;not null;index"`
	MatchedAmount decimal.Decimal  `json:"matched_amount" gorm:"type:numeric(36,8);not null"`
	MatchPrice    decimal.Decimal  `json:"match_price" gorm:"type:numeric(36,8);not null"`
	MatchTime     time.Time        `json:"match_time" gorm:"not null"`
	Status        OrderMatchStatus `json:"status" gorm:"not null;default:'pending'"`
	SettlementID  *uuid.UUID       `json:"settlement_id" gorm:"type:uuid"`
}
