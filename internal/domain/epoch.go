package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// EpochStatus 生命周期 Pending -> Active -> Cleared -> Settled，
// 清算失败时内部落到 clearingFailed 子状态但对外仍展示为 Active（等待重试）
type EpochStatus string

const (
	EpochStatusPending EpochStatus = "pending"
	EpochStatusActive  EpochStatus = "active"
	EpochStatusCleared EpochStatus = "cleared"
	EpochStatusSettled EpochStatus = "settled"
)

// Epoch 固定时长的交易窗口
type Epoch struct {
	ID             uuid.UUID        `json:"id" gorm:"primaryKey;type:uuid;default:gen_random_uuid()"`
	EpochNumber    int64            `json:"epoch_number" gorm:"not null;uniqueIndex"`
	StartTime      time.Time        `json:"start_time" gorm:"not null"`
	EndTime        time.Time        `json:"end_time" gorm:"not null"`
	Status         EpochStatus      `json:"status" gorm:"not null;default:'pending';index"`
	ClearingPrice  *decimal.Decimal `json:"clearing_price" gorm:"type:numeric(36,8)"`
	TotalVolume    decimal.Decimal  `json:"total_volume" gorm:"type:numeric(36,8);default:0"`
	TotalOrders    int              `json:"total_orders" gorm:"default:0"`
	MatchedOrders  int              `json:"matched_orders" gorm:"default:0"`
	ClearingFailed bool             `json:"clearing_failed" gorm:"default:false"`
}

// IsOpenAt 判断 epoch 的 [start,end) 区间是否覆盖给定时刻
func (e *Epoch) IsOpenAt(t time.Time) bool {
	return !t.Before(e.StartTime) && t.Before(e.EndTime)
}
