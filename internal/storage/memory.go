package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"energy-exchange-core/internal/domain"
)

// MemoryStore 是全内存的 Store 实现，进程重启即丢失数据；用于开发环境与
// 单进程集成测试，claim 语义用互斥锁模拟而不是 SKIP LOCKED
type MemoryStore struct {
	mu sync.RWMutex

	orders       map[uuid.UUID]*domain.Order
	epochs       map[uuid.UUID]*domain.Epoch
	epochsByNum  map[int64]uuid.UUID
	matches      map[uuid.UUID]*domain.OrderMatch
	settlements  map[uuid.UUID]*domain.Settlement
	settleTxs    map[uuid.UUID]*domain.SettlementTransaction
}

// NewMemoryStore 构造一个空的内存存储实现
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		orders:      make(map[uuid.UUID]*domain.Order),
		epochs:      make(map[uuid.UUID]*domain.Epoch),
		epochsByNum: make(map[int64]uuid.UUID),
		matches:     make(map[uuid.UUID]*domain.OrderMatch),
		settlements: make(map[uuid.UUID]*domain.Settlement),
		settleTxs:   make(map[uuid.UUID]*domain.SettlementTransaction),
	}
}

func (m *MemoryStore) CreateOrder(_ context.Context, order *domain.Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if order.ID == uuid.Nil {
		order.ID = uuid.New()
	}
	cp := *order
	m.orders[order.ID] = &cp
	return nil
}

func (m *MemoryStore) GetOrder(_ context.Context, id uuid.UUID) (*domain.Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	order, ok := m.orders[id]
	if !ok {
		return nil, domain.NewError(domain.ErrValidation, "order not found")
	}
	cp := *order
	return &cp, nil
}

func (m *MemoryStore) UpdateOrder(_ context.Context, order *domain.Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.orders[order.ID]; !ok {
		return domain.NewError(domain.ErrValidation, "order not found")
	}
	cp := *order
	m.orders[order.ID] = &cp
	return nil
}

func (m *MemoryStore) GetOrdersByEpoch(_ context.Context, epochID uuid.UUID) ([]*domain.Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []*domain.Order
	for _, o := range m.orders {
		if o.EpochID != nil && *o.EpochID == epochID {
			cp := *o
			result = append(result, &cp)
		}
	}
	sortOrdersByPriority(result)
	return result, nil
}

func (m *MemoryStore) GetActiveOrdersByEpoch(ctx context.Context, epochID uuid.UUID) ([]*domain.Order, error) {
	all, err := m.GetOrdersByEpoch(ctx, epochID)
	if err != nil {
		return nil, err
	}
	var result []*domain.Order
	for _, o := range all {
		if o.IsActive() {
			result = append(result, o)
		}
	}
	return result, nil
}

func (m *MemoryStore) GetUserOrders(_ context.Context, userID string, limit, offset int) ([]*domain.Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []*domain.Order
	for _, o := range m.orders {
		if o.UserID == userID {
			cp := *o
			result = append(result, &cp)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	if offset >= len(result) {
		return []*domain.Order{}, nil
	}
	end := offset + limit
	if limit <= 0 || end > len(result) {
		end = len(result)
	}
	return result[offset:end], nil
}

// sortOrdersByPriority 实现 price/time priority 的决定性排序：按
// (created_at ASC, id lexicographic ASC)，留给调用方按 side 再分桶排序
func sortOrdersByPriority(orders []*domain.Order) {
	sort.Slice(orders, func(i, j int) bool {
		if !orders[i].CreatedAt.Equal(orders[j].CreatedAt) {
			return orders[i].CreatedAt.Before(orders[j].CreatedAt)
		}
		return orders[i].ID.String() < orders[j].ID.String()
	})
}

func (m *MemoryStore) CreateEpoch(_ context.Context, epoch *domain.Epoch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if epoch.ID == uuid.Nil {
		epoch.ID = uuid.New()
	}
	if _, exists := m.epochsByNum[epoch.EpochNumber]; exists {
		return nil // opening is idempotent on epoch_number
	}
	cp := *epoch
	m.epochs[epoch.ID] = &cp
	m.epochsByNum[epoch.EpochNumber] = epoch.ID
	return nil
}

func (m *MemoryStore) GetEpoch(_ context.Context, id uuid.UUID) (*domain.Epoch, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.epochs[id]
	if !ok {
		return nil, domain.NewError(domain.ErrValidation, "epoch not found")
	}
	cp := *e
	return &cp, nil
}

func (m *MemoryStore) GetEpochByNumber(_ context.Context, number int64) (*domain.Epoch, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.epochsByNum[number]
	if !ok {
		return nil, domain.NewError(domain.ErrValidation, "epoch not found")
	}
	cp := *m.epochs[id]
	return &cp, nil
}

func (m *MemoryStore) GetActiveEpoch(_ context.Context) (*domain.Epoch, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, e := range m.epochs {
		if e.Status == domain.EpochStatusActive {
			cp := *e
			return &cp, nil
		}
	}
	return nil, domain.NewError(domain.ErrEpochNotOpen, "no active epoch")
}

func (m *MemoryStore) GetLatestEpoch(_ context.Context) (*domain.Epoch, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var latest *domain.Epoch
	for _, e := range m.epochs {
		if latest == nil || e.EpochNumber > latest.EpochNumber {
			latest = e
		}
	}
	if latest == nil {
		return nil, domain.NewError(domain.ErrValidation, "no epochs exist")
	}
	cp := *latest
	return &cp, nil
}

func (m *MemoryStore) UpdateEpoch(_ context.Context, epoch *domain.Epoch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.epochs[epoch.ID]; !ok {
		return domain.NewError(domain.ErrValidation, "epoch not found")
	}
	cp := *epoch
	m.epochs[epoch.ID] = &cp
	return nil
}

func (m *MemoryStore) CreateMatches(_ context.Context, matches []*domain.OrderMatch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, match := range matches {
		if match.ID == uuid.Nil {
			match.ID = uuid.New()
		}
		cp := *match
		m.matches[match.ID] = &cp
	}
	return nil
}

func (m *MemoryStore) GetMatchesByEpoch(_ context.Context, epochID uuid.UUID) ([]*domain.OrderMatch, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []*domain.OrderMatch
	for _, match := range m.matches {
		if match.EpochID == epochID {
			cp := *match
			result = append(result, &cp)
		}
	}
	return result, nil
}

func (m *MemoryStore) UpdateMatch(_ context.Context, match *domain.OrderMatch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.matches[match.ID]; !ok {
		return domain.NewError(domain.ErrValidation, "match not found")
	}
	cp := *match
	m.matches[match.ID] = &cp
	return nil
}

func (m *MemoryStore) CreateSettlements(_ context.Context, settlements []*domain.Settlement) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range settlements {
		if s.ID == uuid.Nil {
			s.ID = uuid.New()
		}
		cp := *s
		m.settlements[s.ID] = &cp
	}
	return nil
}

func (m *MemoryStore) GetSettlement(_ context.Context, id uuid.UUID) (*domain.Settlement, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.settlements[id]
	if !ok {
		return nil, domain.NewError(domain.ErrValidation, "settlement not found")
	}
	cp := *s
	return &cp, nil
}

func (m *MemoryStore) UpdateSettlement(_ context.Context, settlement *domain.Settlement) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.settlements[settlement.ID]; !ok {
		return domain.NewError(domain.ErrValidation, "settlement not found")
	}
	cp := *settlement
	m.settlements[settlement.ID] = &cp
	return nil
}

func (m *MemoryStore) GetSettlementsByStatus(_ context.Context, status domain.SettlementStatus, limit int) ([]*domain.Settlement, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []*domain.Settlement
	for _, s := range m.settlements {
		if s.Status == status {
			cp := *s
			result = append(result, &cp)
		}
		if limit > 0 && len(result) >= limit {
			break
		}
	}
	return result, nil
}

// ClaimPendingSettlements 模拟 SELECT ... FOR UPDATE SKIP LOCKED：持锁期间
// 原子地把抽取出的记录置为 Processing，因此并发调用者不会拿到同一条记录
func (m *MemoryStore) ClaimPendingSettlements(_ context.Context, limit int) ([]*domain.Settlement, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var claimed []*domain.Settlement
	for _, s := range m.settlements {
		if len(claimed) >= limit {
			break
		}
		if s.Status != domain.SettlementStatusPending {
			continue
		}
		s.Status = domain.SettlementStatusProcessing
		cp := *s
		claimed = append(claimed, &cp)
	}
	return claimed, nil
}

func (m *MemoryStore) CreateTransaction(_ context.Context, tx *domain.SettlementTransaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if tx.ID == uuid.Nil {
		tx.ID = uuid.New()
	}
	cp := *tx
	m.settleTxs[tx.ID] = &cp
	return nil
}

func (m *MemoryStore) GetTransaction(_ context.Context, id uuid.UUID) (*domain.SettlementTransaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	tx, ok := m.settleTxs[id]
	if !ok {
		return nil, domain.NewError(domain.ErrValidation, "settlement transaction not found")
	}
	cp := *tx
	return &cp, nil
}

func (m *MemoryStore) UpdateTransaction(_ context.Context, tx *domain.SettlementTransaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.settleTxs[tx.ID]; !ok {
		return domain.NewError(domain.ErrValidation, "settlement transaction not found")
	}
	cp := *tx
	m.settleTxs[tx.ID] = &cp
	return nil
}

func (m *MemoryStore) GetNonTerminalForSettlement(_ context.Context, settlementID uuid.UUID) (*domain.SettlementTransaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, tx := range m.settleTxs {
		if tx.SettlementID == settlementID && !tx.Status.IsTerminal() {
			cp := *tx
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *MemoryStore) GetStaleSubmitted(_ context.Context, cutoff time.Time) ([]*domain.SettlementTransaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []*domain.SettlementTransaction
	for _, tx := range m.settleTxs {
		if tx.Status == domain.SettlementTxStatusSubmitted && tx.SubmittedAt != nil && tx.SubmittedAt.Before(cutoff) {
			cp := *tx
			result = append(result, &cp)
		}
	}
	return result, nil
}

func (m *MemoryStore) HealthCheck(_ context.Context) error { return nil }

func (m *MemoryStore) Close() error { return nil }
