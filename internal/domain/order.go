package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// OrderSide 订单方向
type OrderSide string

const (
	OrderSideBuy  OrderSide = "buy"
	OrderSideSell OrderSide = "sell"
)

// OrderType 订单类型，Market 仅允许在 epoch Active 期间提交
type OrderType string

const (
	OrderTypeLimit  OrderType = "limit"
	OrderTypeMarket OrderType = "market"
)

// OrderStatus 订单状态
type OrderStatus string

const (
	OrderStatusPending         OrderStatus = "pending"
	OrderStatusActive          OrderStatus = "active"
	OrderStatusPartiallyFilled OrderStatus = "partially_filled"
	OrderStatusFilled          OrderStatus = "filled"
	OrderStatusSettled         OrderStatus = "settled"
	OrderStatusCancelled       OrderStatus = "cancelled"
	OrderStatusExpired         OrderStatus = "expired"
)

// Order 一笔挂单，归属 Order Store 独占，直到其所属 epoch 进入清算
type Order struct {
	ID           uuid.UUID       `json:"id" gorm:"primaryKey;type:uuid;default:gen_random_uuid()"`
	UserID       string          `json:"user_id" gorm:"not null;index"`
	Side         OrderSide       `json:"side" gorm:"not null"`
	Type         OrderType       `json:"type" gorm:"not null"`
	KwhAmount    decimal.Decimal `json:"kwh_amount" gorm:"type:numeric(36,8);not null"`
	PricePerKwh  decimal.Decimal `json:"price_per_kwh" gorm:"type:numeric(36,8);not null"`
	FilledAmount decimal.Decimal `json:"filled_amount" gorm:"type:numeric(36,8);default:0"`
	Status       OrderStatus     `json:"status" gorm:"not null;default:'pending';index"`
	EpochID      *uuid.UUID      `json:"epoch_id" gorm:"type:uuid;index"`
	ZoneID       int             `json:"zone_id" gorm:"not null"`
	CreatedAt    time.Time       `json:"created_at" gorm:"not null;index"`
	UpdatedAt    time.Time       `json:"updated_at" gorm:"autoUpdateTime"`
}

// GetRemainingAmount 返回订单未成交的数量
func (o *Order) GetRemainingAmount() decimal.Decimal {
	return o.KwhAmount.Sub(o.FilledAmount)
}

// IsActive 订单是否仍可参与撮合
func (o *Order) IsActive() bool {
	return o.Status == OrderStatusActive || o.Status == OrderStatusPartiallyFilled
}

// IsTerminal 订单是否已进入终态
func (o *Order) IsTerminal() bool {
	switch o.Status {
	case OrderStatusFilled, OrderStatusSettled, OrderStatusCancelled, OrderStatusExpired:
		return true
	default:
		return false
	}
}

// ApplyFill 将一笔撮合数量计入订单，并翻转状态；quantity 必须 ≤ GetRemainingAmount()
func (o *Order) ApplyFill(quantity decimal.Decimal) {
	o.FilledAmount = o.FilledAmount.Add(quantity)
	if o.FilledAmount.GreaterThanOrEqual(o.KwhAmount) {
		o.Status = OrderStatusFilled
	} else {
		o.Status = OrderStatusPartiallyFilled
	}
}

// Cancel 将订单置为已撤销，释放其剩余未成交数量
func (o *Order) Cancel() {
	o.Status = OrderStatusCancelled
}

// Expire 在 epoch 收盘时丢弃未成交的剩余部分（cancel-remainder-at-close 策略）。
// PartiallyFilled 订单的剩余量直接丢弃，但 status 保持 PartiallyFilled 不变——
// filled < kwh_amount 时绝不能置为 Filled。
func (o *Order) Expire() {
	if o.Status == OrderStatusPartiallyFilled {
		return
	}
	o.Status = OrderStatusExpired
}

// CanCrossWith 判断买卖双方在价格上是否可撮合，不检查 epoch 归属
func (o *Order) CanCrossWith(other *Order) bool {
	if o.Side == other.Side {
		return false
	}
	buy, sell := o, other
	if o.Side == OrderSideSell {
		buy, sell = other, o
	}
	return buy.PricePerKwh.GreaterThanOrEqual(sell.PricePerKwh)
}
