// Package orderbook is the Order Store: accept/cancel/update of orders
// keyed to the currently-open epoch, plus a read-side depth projection.
package orderbook

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"energy-exchange-core/internal/config"
	"energy-exchange-core/internal/decimalutil"
	"energy-exchange-core/internal/domain"
	"energy-exchange-core/internal/storage"
)

// EpochSource 由 epoch.Scheduler 实现，Order Store 只读它决定新单归属
type EpochSource interface {
	CurrentEpoch() (*domain.Epoch, error)
}

// BookUpdatePublisher 在 accept/cancel/update 之后被通知，推送 OrderBookUpdate
type BookUpdatePublisher interface {
	PublishOrderBookUpdate(ctx context.Context, epochID uuid.UUID, snapshot *Snapshot)
}

// Store 是 Order Store 组件：orders 表的唯一写入者，直到其 epoch 进入清算
type Store struct {
	orders    storage.OrderStore
	epochs    EpochSource
	publisher BookUpdatePublisher
	limits    config.OrderLimitsConfig
	logger    *logrus.Logger
}

// NewStore 构造 Order Store
func NewStore(orders storage.OrderStore, epochs EpochSource, publisher BookUpdatePublisher, limits config.OrderLimitsConfig, logger *logrus.Logger) *Store {
	return &Store{orders: orders, epochs: epochs, publisher: publisher, limits: limits, logger: logger}
}

// CreateOrderInput 是 create_order 的输入
type CreateOrderInput struct {
	Owner       string
	Side        domain.OrderSide
	Type        domain.OrderType
	KwhAmount   string
	PricePerKwh string
	ZoneID      int
}

// CreateOrder 接受一笔新挂单：校验数值、读取当前 submit-epoch，写入 Active
// 状态的订单，并发布 OrderBookUpdate
func (s *Store) CreateOrder(ctx context.Context, in CreateOrderInput) (*domain.Order, error) {
	epoch, err := s.epochs.CurrentEpoch()
	if err != nil {
		return nil, err
	}

	kwh, err := decimalutil.ParseScale8(in.KwhAmount)
	if err != nil {
		return nil, err
	}
	price, err := decimalutil.ParseScale8(in.PricePerKwh)
	if err != nil {
		return nil, err
	}
	if err := decimalutil.RequirePositive(kwh, "kwh_amount"); err != nil {
		return nil, err
	}
	if err := decimalutil.RequirePositive(price, "price_per_kwh"); err != nil {
		return nil, err
	}
	if kwh.LessThan(s.limits.MinOrderKwh) || kwh.GreaterThan(s.limits.MaxOrderKwh) {
		return nil, domain.NewError(domain.ErrValidation, "kwh_amount outside allowed bounds")
	}
	if in.Type == domain.OrderTypeMarket && epoch.Status != domain.EpochStatusActive {
		return nil, domain.NewError(domain.ErrEpochNotOpen, "market orders require an active epoch")
	}

	now := time.Now().UTC()
	order := &domain.Order{
		ID:          uuid.New(),
		UserID:      in.Owner,
		Side:        in.Side,
		Type:        in.Type,
		KwhAmount:   kwh,
		PricePerKwh: price,
		Status:      domain.OrderStatusActive,
		EpochID:     &epoch.ID,
		ZoneID:      in.ZoneID,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	if err := s.orders.CreateOrder(ctx, order); err != nil {
		return nil, domain.WrapError(domain.ErrInternal, "failed to persist order", err)
	}

	s.logger.WithFields(logrus.Fields{
		"order_id": order.ID,
		"user_id":  order.UserID,
		"side":     order.Side,
		"kwh":      order.KwhAmount.String(),
		"price":    order.PricePerKwh.String(),
		"epoch_id": epoch.ID,
	}).Info("order accepted")

	s.publishSnapshot(ctx, epoch.ID)
	return order, nil
}

// CancelOrder 撤销调用方自己的挂单，仅当其 epoch 仍 Active 时允许
func (s *Store) CancelOrder(ctx context.Context, orderID uuid.UUID, caller string) error {
	order, err := s.orders.GetOrder(ctx, orderID)
	if err != nil {
		return err
	}
	if order.UserID != caller {
		return domain.NewError(domain.ErrNotAuthorized, "caller does not own this order")
	}
	if !order.IsActive() {
		return domain.NewError(domain.ErrOrderFinalized, "order is no longer active")
	}

	epoch, err := s.epochs.CurrentEpoch()
	if err != nil || order.EpochID == nil || *order.EpochID != epoch.ID {
		return domain.NewError(domain.ErrOrderFinalized, "order's epoch has entered clearing")
	}

	order.Cancel()
	order.UpdatedAt = time.Now().UTC()
	if err := s.orders.UpdateOrder(ctx, order); err != nil {
		return domain.WrapError(domain.ErrInternal, "failed to persist cancellation", err)
	}

	s.logger.WithField("order_id", orderID).Info("order cancelled")
	s.publishSnapshot(ctx, epoch.ID)
	return nil
}

// UpdateOrderInput carries the permitted patch fields for update_order
type UpdateOrderInput struct {
	KwhAmount   *string
	PricePerKwh *string
}

// UpdateOrder treats an update as cancel+re-enqueue for priority ordering:
// the order receives a fresh created_at so it cannot jump ahead of
// same-priced earlier orders
func (s *Store) UpdateOrder(ctx context.Context, orderID uuid.UUID, caller string, patch UpdateOrderInput) (*domain.Order, error) {
	order, err := s.orders.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order.UserID != caller {
		return nil, domain.NewError(domain.ErrNotAuthorized, "caller does not own this order")
	}
	if order.Status != domain.OrderStatusActive {
		return nil, domain.NewError(domain.ErrOrderFinalized, "only untouched active orders may be updated")
	}

	epoch, err := s.epochs.CurrentEpoch()
	if err != nil || order.EpochID == nil || *order.EpochID != epoch.ID {
		return nil, domain.NewError(domain.ErrOrderFinalized, "order's epoch has entered clearing")
	}

	if patch.KwhAmount != nil {
		kwh, err := decimalutil.ParseScale8(*patch.KwhAmount)
		if err != nil {
			return nil, err
		}
		if kwh.LessThan(order.FilledAmount) {
			return nil, domain.NewError(domain.ErrValidation, "kwh_amount must be >= filled_amount")
		}
		order.KwhAmount = kwh
	}
	if patch.PricePerKwh != nil {
		price, err := decimalutil.ParseScale8(*patch.PricePerKwh)
		if err != nil {
			return nil, err
		}
		if err := decimalutil.RequirePositive(price, "price_per_kwh"); err != nil {
			return nil, err
		}
		order.PricePerKwh = price
	}

	order.CreatedAt = time.Now().UTC()
	order.UpdatedAt = order.CreatedAt

	if err := s.orders.UpdateOrder(ctx, order); err != nil {
		return nil, domain.WrapError(domain.ErrInternal, "failed to persist update", err)
	}

	s.publishSnapshot(ctx, epoch.ID)
	return order, nil
}

func (s *Store) publishSnapshot(ctx context.Context, epochID uuid.UUID) {
	if s.publisher == nil {
		return
	}
	snap, err := s.Depth(ctx, epochID, 0)
	if err != nil {
		s.logger.WithError(err).Warn("failed to build order book snapshot")
		return
	}
	s.publisher.PublishOrderBookUpdate(ctx, epochID, snap)
}
