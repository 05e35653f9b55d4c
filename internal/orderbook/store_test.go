package orderbook

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"energy-exchange-core/internal/config"
	"energy-exchange-core/internal/domain"
	"energy-exchange-core/internal/storage"
)

type stubEpochSource struct {
	epoch *domain.Epoch
	err   error
}

func (s *stubEpochSource) CurrentEpoch() (*domain.Epoch, error) {
	return s.epoch, s.err
}

type stubPublisher struct {
	snapshots []*Snapshot
}

func (p *stubPublisher) PublishOrderBookUpdate(_ context.Context, _ uuid.UUID, snapshot *Snapshot) {
	p.snapshots = append(p.snapshots, snapshot)
}

func testLimits() config.OrderLimitsConfig {
	return config.OrderLimitsConfig{
		MinOrderKwh: mustDecimal("0.01"),
		MaxOrderKwh: mustDecimal("10000"),
		MinPrice:    mustDecimal("0"),
		MaxPrice:    mustDecimal("1000000"),
	}
}

func mustDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func setupTestStore(t *testing.T) (*Store, *storage.MemoryStore, *stubEpochSource, *stubPublisher) {
	t.Helper()
	logger := logrus.New()
	logger.SetLevel(logrus.DebugLevel)
	store := storage.NewMemoryStore()
	now := time.Now().UTC()
	epoch := &domain.Epoch{
		ID:          uuid.New(),
		EpochNumber: 1,
		StartTime:   now,
		EndTime:     now.Add(time.Minute),
		Status:      domain.EpochStatusActive,
	}
	epochSource := &stubEpochSource{epoch: epoch}
	publisher := &stubPublisher{}
	return NewStore(store, epochSource, publisher, testLimits(), logger), store, epochSource, publisher
}

func TestCreateOrderAcceptsValidLimitOrder(t *testing.T) {
	s, _, _, publisher := setupTestStore(t)
	ctx := context.Background()

	order, err := s.CreateOrder(ctx, CreateOrderInput{
		Owner:       "user-1",
		Side:        domain.OrderSideBuy,
		Type:        domain.OrderTypeLimit,
		KwhAmount:   "10",
		PricePerKwh: "0.25",
		ZoneID:      1,
	})

	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusActive, order.Status)
	assert.Len(t, publisher.snapshots, 1)
}

func TestCreateOrderRejectsOutOfBoundsAmount(t *testing.T) {
	s, _, _, _ := setupTestStore(t)
	ctx := context.Background()

	_, err := s.CreateOrder(ctx, CreateOrderInput{
		Owner:       "user-1",
		Side:        domain.OrderSideBuy,
		Type:        domain.OrderTypeLimit,
		KwhAmount:   "0.0001",
		PricePerKwh: "0.25",
	})

	require.Error(t, err)
	assert.Equal(t, domain.ErrValidation, domain.KindOf(err))
}

func TestCancelOrderRequiresOwnership(t *testing.T) {
	s, _, _, _ := setupTestStore(t)
	ctx := context.Background()

	order, err := s.CreateOrder(ctx, CreateOrderInput{
		Owner: "user-1", Side: domain.OrderSideBuy, Type: domain.OrderTypeLimit,
		KwhAmount: "5", PricePerKwh: "0.2",
	})
	require.NoError(t, err)

	err = s.CancelOrder(ctx, order.ID, "someone-else")
	require.Error(t, err)
	assert.Equal(t, domain.ErrNotAuthorized, domain.KindOf(err))
}

func TestCancelOrderSucceedsForOwner(t *testing.T) {
	s, _, _, _ := setupTestStore(t)
	ctx := context.Background()

	order, err := s.CreateOrder(ctx, CreateOrderInput{
		Owner: "user-1", Side: domain.OrderSideBuy, Type: domain.OrderTypeLimit,
		KwhAmount: "5", PricePerKwh: "0.2",
	})
	require.NoError(t, err)

	require.NoError(t, s.CancelOrder(ctx, order.ID, "user-1"))

	stored, err := s.orders.GetOrder(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusCancelled, stored.Status)
}

func TestUpdateOrderRejectsAmountBelowFilled(t *testing.T) {
	s, memStore, _, _ := setupTestStore(t)
	ctx := context.Background()

	order, err := s.CreateOrder(ctx, CreateOrderInput{
		Owner: "user-1", Side: domain.OrderSideBuy, Type: domain.OrderTypeLimit,
		KwhAmount: "5", PricePerKwh: "0.2",
	})
	require.NoError(t, err)

	order.FilledAmount = mustDecimal("3")
	require.NoError(t, memStore.UpdateOrder(ctx, order))

	smaller := "1"
	_, err = s.UpdateOrder(ctx, order.ID, "user-1", UpdateOrderInput{KwhAmount: &smaller})
	require.Error(t, err)
	assert.Equal(t, domain.ErrValidation, domain.KindOf(err))
}

func TestDepthAggregatesBySide(t *testing.T) {
	s, _, epochSource, _ := setupTestStore(t)
	ctx := context.Background()

	_, err := s.CreateOrder(ctx, CreateOrderInput{
		Owner: "buyer-1", Side: domain.OrderSideBuy, Type: domain.OrderTypeLimit,
		KwhAmount: "5", PricePerKwh: "0.30",
	})
	require.NoError(t, err)
	_, err = s.CreateOrder(ctx, CreateOrderInput{
		Owner: "seller-1", Side: domain.OrderSideSell, Type: domain.OrderTypeLimit,
		KwhAmount: "3", PricePerKwh: "0.35",
	})
	require.NoError(t, err)

	snapshot, err := s.Depth(ctx, epochSource.epoch.ID, 0)
	require.NoError(t, err)
	require.Len(t, snapshot.Bids, 1)
	require.Len(t, snapshot.Asks, 1)
	assert.True(t, snapshot.Bids[0].Price.LessThan(snapshot.Asks[0].Price))
}
