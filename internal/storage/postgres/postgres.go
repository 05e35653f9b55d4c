// Package postgres provides the durable gorm-backed Store implementation.
// It accepts either a postgres:// DSN or a plain file path, in which case
// it falls back to a sqlite file, so no live database is needed.
package postgres

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"energy-exchange-core/internal/domain"
)

// Store is the gorm-backed durable implementation of storage.Store
type Store struct {
	db *gorm.DB
}

// Open connects to dsn (postgres:// DSN, or a filesystem path for sqlite)
// and auto-migrates the market core's schema
func Open(dsn string) (*Store, error) {
	var db *gorm.DB
	var err error

	gormCfg := &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)}

	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		db, err = gorm.Open(postgres.Open(dsn), gormCfg)
	} else {
		path := dsn
		if path == "" {
			path = "energy-exchange-core.db"
		}
		db, err = gorm.Open(sqlite.Open(path), gormCfg)
	}
	if err != nil {
		return nil, err
	}

	if err := db.AutoMigrate(
		&domain.Order{},
		&domain.Epoch{},
		&domain.OrderMatch{},
		&domain.Settlement{},
		&domain.SettlementTransaction{},
	); err != nil {
		return nil, err
	}

	return &Store{db: db}, nil
}

func (s *Store) CreateOrder(ctx context.Context, order *domain.Order) error {
	return s.db.WithContext(ctx).Create(order).Error
}

func (s *Store) GetOrder(ctx context.Context, id uuid.UUID) (*domain.Order, error) {
	var order domain.Order
	if err := s.db.WithContext(ctx).First(&order, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &order, nil
}

func (s *Store) UpdateOrder(ctx context.Context, order *domain.Order) error {
	return s.db.WithContext(ctx).Save(order).Error
}

func (s *Store) GetOrdersByEpoch(ctx context.Context, epochID uuid.UUID) ([]*domain.Order, error) {
	var orders []*domain.Order
	err := s.db.WithContext(ctx).
		Where("epoch_id = ?", epochID).
		Order("created_at ASC, id ASC").
		Find(&orders).Error
	return orders, err
}

func (s *Store) GetActiveOrdersByEpoch(ctx context.Context, epochID uuid.UUID) ([]*domain.Order, error) {
	var orders []*domain.Order
	err := s.db.WithContext(ctx).
		Where("epoch_id = ? AND status IN ?", epochID, []domain.OrderStatus{
			domain.OrderStatusActive, domain.OrderStatusPartiallyFilled,
		}).
		Order("created_at ASC, id ASC").
		Find(&orders).Error
	return orders, err
}

func (s *Store) GetUserOrders(ctx context.Context, userID string, limit, offset int) ([]*domain.Order, error) {
	var orders []*domain.Order
	err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC").
		Limit(limit).Offset(offset).
		Find(&orders).Error
	return orders, err
}

func (s *Store) CreateEpoch(ctx context.Context, epoch *domain.Epoch) error {
	return s.db.WithContext(ctx).Clauses().Where("epoch_number = ?", epoch.EpochNumber).
		FirstOrCreate(epoch, domain.Epoch{EpochNumber: epoch.EpochNumber}).Error
}

func (s *Store) GetEpoch(ctx context.Context, id uuid.UUID) (*domain.Epoch, error) {
	var epoch domain.Epoch
	if err := s.db.WithContext(ctx).First(&epoch, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &epoch, nil
}

func (s *Store) GetEpochByNumber(ctx context.Context, number int64) (*domain.Epoch, error) {
	var epoch domain.Epoch
	if err := s.db.WithContext(ctx).First(&epoch, "epoch_number = ?", number).Error; err != nil {
		return nil, err
	}
	return &epoch, nil
}

func (s *Store) GetActiveEpoch(ctx context.Context) (*domain.Epoch, error) {
	var epoch domain.Epoch
	err := s.db.WithContext(ctx).Where("status = ?", domain.EpochStatusActive).First(&epoch).Error
	if err != nil {
		return nil, domain.WrapError(domain.ErrEpochNotOpen, "no active epoch", err)
	}
	return &epoch, nil
}

func (s *Store) GetLatestEpoch(ctx context.Context) (*domain.Epoch, error) {
	var epoch domain.Epoch
	err := s.db.WithContext(ctx).Order("epoch_number DESC").First(&epoch).Error
	if err != nil {
		return nil, err
	}
	return &epoch, nil
}

func (s *Store) UpdateEpoch(ctx context.Context, epoch *domain.Epoch) error {
	return s.db.WithContext(ctx).Save(epoch).Error
}

func (s *Store) CreateMatches(ctx context.Context, matches []*domain.OrderMatch) error {
	if len(matches) == 0 {
		return nil
	}
	return s.db.WithContext(ctx).Create(&matches).Error
}

func (s *Store) GetMatchesByEpoch(ctx context.Context, epochID uuid.UUID) ([]*domain.OrderMatch, error) {
	var matches []*domain.OrderMatch
	err := s.db.WithContext(ctx).Where("epoch_id = ?", epochID).Find(&matches).Error
	return matches, err
}

func (s *Store) UpdateMatch(ctx context.Context, match *domain.OrderMatch) error {
	return s.db.WithContext(ctx).Save(match).Error
}

func (s *Store) CreateSettlements(ctx context.Context, settlements []*domain.Settlement) error {
	if len(settlements) == 0 {
		return nil
	}
	return s.db.WithContext(ctx).Create(&settlements).Error
}

func (s *Store) GetSettlement(ctx context.Context, id uuid.UUID) (*domain.Settlement, error) {
	var settlement domain.Settlement
	if err := s.db.WithContext(ctx).First(&settlement, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &settlement, nil
}

func (s *Store) UpdateSettlement(ctx context.Context, settlement *domain.Settlement) error {
	return s.db.WithContext(ctx).Save(settlement).Error
}

func (s *Store) GetSettlementsByStatus(ctx context.Context, status domain.SettlementStatus, limit int) ([]*domain.Settlement, error) {
	var settlements []*domain.Settlement
	q := s.db.WithContext(ctx).Where("status = ?", status)
	if limit > 0 {
		q = q.Limit(limit)
	}
	err := q.Find(&settlements).Error
	return settlements, err
}

// ClaimPendingSettlements runs SELECT ... FOR UPDATE SKIP LOCKED inside a
// transaction so multiple pipeline workers can claim disjoint batches
// without blocking on each other
func (s *Store) ClaimPendingSettlements(ctx context.Context, limit int) ([]*domain.Settlement, error) {
	var claimed []*domain.Settlement

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
			Where("status = ?", domain.SettlementStatusPending).
			Order("created_at ASC").
			Limit(limit).
			Find(&claimed).Error; err != nil {
			return err
		}
		if len(claimed) == 0 {
			return nil
		}
		ids := make([]uuid.UUID, len(claimed))
		for i, c := range claimed {
			c.Status = domain.SettlementStatusProcessing
			ids[i] = c.ID
		}
		return tx.Model(&domain.Settlement{}).
			Where("id IN ?", ids).
			Update("status", domain.SettlementStatusProcessing).Error
	})

	return claimed, err
}

func (s *Store) CreateTransaction(ctx context.Context, t *domain.SettlementTransaction) error {
	return s.db.WithContext(ctx).Create(t).Error
}

func (s *Store) GetTransaction(ctx context.Context, id uuid.UUID) (*domain.SettlementTransaction, error) {
	var t domain.SettlementTransaction
	if err := s.db.WithContext(ctx).First(&t, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *Store) UpdateTransaction(ctx context.Context, t *domain.SettlementTransaction) error {
	return s.db.WithContext(ctx).Save(t).Error
}

func (s *Store) GetNonTerminalForSettlement(ctx context.Context, settlementID uuid.UUID) (*domain.SettlementTransaction, error) {
	var t domain.SettlementTransaction
	err := s.db.WithContext(ctx).
		Where("settlement_id = ? AND status IN ?", settlementID, []domain.SettlementTxStatus{
			domain.SettlementTxStatusPending, domain.SettlementTxStatusSubmitted,
		}).
		Order("attempt_number DESC").
		First(&t).Error
	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *Store) GetStaleSubmitted(ctx context.Context, cutoff time.Time) ([]*domain.SettlementTransaction, error) {
	var txs []*domain.SettlementTransaction
	err := s.db.WithContext(ctx).
		Where("status = ? AND submitted_at < ?", domain.SettlementTxStatusSubmitted, cutoff).
		Find(&txs).Error
	return txs, err
}

func (s *Store) HealthCheck(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
