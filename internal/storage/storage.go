// Package storage defines the durable persistence contract for the market
// core. Orders, epochs, matches, settlements and settlement transactions
// each get a narrow interface; internal/storage/memory.go and
// internal/storage/postgres implement them.
package storage

import (
	"context"
	"time"

	"github.com/google/uuid"

	"energy-exchange-core/internal/domain"
)

// OrderStore 负责 trading_orders 表的原子插入/更新/查询
type OrderStore interface {
	CreateOrder(ctx context.Context, order *domain.Order) error
	GetOrder(ctx context.Context, id uuid.UUID) (*domain.Order, error)
	UpdateOrder(ctx context.Context, order *domain.Order) error
	GetOrdersByEpoch(ctx context.Context, epochID uuid.UUID) ([]*domain.Order, error)
	GetActiveOrdersByEpoch(ctx context.Context, epochID uuid.UUID) ([]*domain.Order, error)
	GetUserOrders(ctx context.Context, userID string, limit, offset int) ([]*domain.Order, error)
}

// EpochStore 负责 market_epochs 表
type EpochStore interface {
	CreateEpoch(ctx context.Context, epoch *domain.Epoch) error
	GetEpoch(ctx context.Context, id uuid.UUID) (*domain.Epoch, error)
	GetEpochByNumber(ctx context.Context, number int64) (*domain.Epoch, error)
	GetActiveEpoch(ctx context.Context) (*domain.Epoch, error)
	GetLatestEpoch(ctx context.Context) (*domain.Epoch, error)
	UpdateEpoch(ctx context.Context, epoch *domain.Epoch) error
}

// MatchStore 负责 order_matches 表
type MatchStore interface {
	CreateMatches(ctx context.Context, matches []*domain.OrderMatch) error
	GetMatchesByEpoch(ctx context.Context, epochID uuid.UUID) ([]*domain.OrderMatch, error)
	UpdateMatch(ctx context.Context, match *domain.OrderMatch) error
}

// SettlementStore 负责 settlements 表，包括流水线认领待处理记录的原子语义
type SettlementStore interface {
	CreateSettlements(ctx context.Context, settlements []*domain.Settlement) error
	GetSettlement(ctx context.Context, id uuid.UUID) (*domain.Settlement, error)
	UpdateSettlement(ctx context.Context, settlement *domain.Settlement) error
	GetSettlementsByStatus(ctx context.Context, status domain.SettlementStatus, limit int) ([]*domain.Settlement, error)
	// ClaimPendingSettlements 以 SELECT ... FOR UPDATE SKIP LOCKED 语义认领
	// 至多 limit 条处于 Pending 状态的结算记录并原子置为 Processing，
	// 使多个流水线 worker 可以安全并行运行
	ClaimPendingSettlements(ctx context.Context, limit int) ([]*domain.Settlement, error)
}

// SettlementTxStore 负责 settlement_transactions 表
type SettlementTxStore interface {
	CreateTransaction(ctx context.Context, tx *domain.SettlementTransaction) error
	GetTransaction(ctx context.Context, id uuid.UUID) (*domain.SettlementTransaction, error)
	UpdateTransaction(ctx context.Context, tx *domain.SettlementTransaction) error
	// GetNonTerminalForSettlement 返回该结算处于 Pending 或 Submitted 的尝试，
	// 没有时返回 nil, nil；结算流水线提交前不调用它
	GetNonTerminalForSettlement(ctx context.Context, settlementID uuid.UUID) (*domain.SettlementTransaction, error)
	// GetStaleSubmitted 返回提交时间早于 cutoff、仍处于 Submitted 状态的记录，
	// 供流水线重启后的 orphan 恢复扫描使用
	GetStaleSubmitted(ctx context.Context, cutoff time.Time) ([]*domain.SettlementTransaction, error)
}

// Store 聚合全部持久化接口，composition root 只需持有一个实现
type Store interface {
	OrderStore
	EpochStore
	MatchStore
	SettlementStore
	SettlementTxStore

	HealthCheck(ctx context.Context) error
	Close() error
}
