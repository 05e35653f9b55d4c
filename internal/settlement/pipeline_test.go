package settlement

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
	"energy-exchange-core/internal/pricing"
	"energy-exchange-core/internal/storage"
)

type stubChain struct {
	submitErr    error
	confirmation Confirmation
	confirmErr   error
	submitted    [][]*domain.Settlement
}

func (s *stubChain) Submit(ctx context.Context, batch []*domain.Settlement) (string, error) {
	if s.submitErr != nil {
		return "", s.submitErr
	}
	s.submitted = append(s.submitted, batch)
	return "0xdeadbeef", nil
}

func (s *stubChain) Confirm(ctx context.Context, txHash string) (Confirmation, error) {
	return s.confirmation, s.confirmErr
}

func testPricingModel() *pricing.Model {
	return pricing.NewModel(config.PricingConfig{
		PlatformFeeBps: 0,
		WheelingRate:   config.ZoneMatrix{1: {1: decimal.Zero}},
		LossFactor:     config.ZoneMatrix{1: {1: decimal.Zero}},
	})
}

func testSettlementConfig() config.SettlementConfig {
	return config.SettlementConfig{
		MaxRetries:               3,
		InitialRetryDelaySecs:    300,
		MaxRetryDelaySecs:        86400,
		ConfirmationPollInterval: time.Millisecond,
		PollMaxAttempts:          3,
		BatchSize:                25,
	}
}

func TestEmitMatchesCreatesPendingSettlements(t *testing.T) {
	store := storage.NewMemoryStore()
	ctx := context.Background()

	epoch := &domain.Epoch{EpochNumber: 1, StartTime: time.Now(), EndTime: time.Now(), Status: domain.EpochStatusActive}
	require.NoError(t, store.CreateEpoch(ctx, epoch))
	persisted, err := store.GetEpochByNumber(ctx, 1)
	require.NoError(t, err)

	buy := &domain.Order{ID: uuid.New(), UserID: "buyer-1", Side: domain.OrderSideBuy, ZoneID: 1, KwhAmount: decimal.NewFromInt(5), PricePerKwh: decimal.NewFromFloat(0.2), EpochID: &persisted.ID}
	sell := &domain.Order{ID: uuid.New(), UserID: "seller-1", Side: domain.OrderSideSell, ZoneID: 1, KwhAmount: decimal.NewFromInt(5), PricePerKwh: decimal.NewFromFloat(0.2), EpochID: &persisted.ID}
	require.NoError(t, store.CreateOrder(ctx, buy))
	require.NoError(t, store.CreateOrder(ctx, sell))

	match := &domain.OrderMatch{ID: uuid.New(), EpochID: persisted.ID, BuyOrderID: buy.ID, SellOrderID: sell.ID, MatchedAmount: decimal.NewFromInt(5), MatchPrice: decimal.NewFromFloat(0.2)}

	logger := logrus.New()
	pipeline := NewPipeline(store, store, store, &stubChain{}, testPricingModel(), testSettlementConfig(), logger)

	require.NoError(t, pipeline.EmitMatches(ctx, persisted, []*domain.OrderMatch{match}))

	settlements, err := store.GetSettlementsByStatus(ctx, domain.SettlementStatusPending, 0)
	require.NoError(t, err)
	require.Len(t, settlements, 1)
	assert.Equal(t, "buyer-1", settlements[0].BuyerID)
	assert.True(t, settlements[0].NetAmount.Equal(decimal.NewFromFloat(1.0)))
}

func TestProcessPendingConfirmsBatch(t *testing.T) {
	store := storage.NewMemoryStore()
	ctx := context.Background()

	epoch := &domain.Epoch{EpochNumber: 1, StartTime: time.Now(), EndTime: time.Now(), Status: domain.EpochStatusActive}
	require.NoError(t, store.CreateEpoch(ctx, epoch))
	persisted, _ := store.GetEpochByNumber(ctx, 1)

	s := &domain.Settlement{
		ID: uuid.New(), EpochID: persisted.ID, MatchID: uuid.New(),
		BuyerID: "buyer-1", SellerID: "seller-1", BuyerZoneID: 1, SellerZoneID: 1,
		EnergyAmount: decimal.NewFromInt(5), PricePerKwh: decimal.NewFromFloat(0.2),
		TotalAmount: decimal.NewFromFloat(1.0), NetAmount: decimal.NewFromFloat(1.0),
		Status: domain.SettlementStatusPending,
	}
	require.NoError(t, store.CreateSettlements(ctx, []*domain.Settlement{s}))

	chainAdapter := &stubChain{confirmation: Confirmation{Confirmed: true}}
	pipeline := NewPipeline(store, store, store, chainAdapter, testPricingModel(), testSettlementConfig(), logrus.New())

	require.NoError(t, pipeline.ProcessPending(ctx))

	updated, err := store.GetSettlement(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SettlementStatusCompleted, updated.Status)
	require.NotNil(t, updated.TransactionHash)
	assert.Equal(t, "0xdeadbeef", *updated.TransactionHash)
	require.Len(t, chainAdapter.submitted, 1)
}

func TestProcessPendingRetriesTransientFailureUntilExhausted(t *testing.T) {
	store := storage.NewMemoryStore()
	ctx := context.Background()

	epoch := &domain.Epoch{EpochNumber: 2, StartTime: time.Now(), EndTime: time.Now(), Status: domain.EpochStatusActive}
	require.NoError(t, store.CreateEpoch(ctx, epoch))
	persisted, _ := store.GetEpochByNumber(ctx, 2)

	s := &domain.Settlement{
		ID: uuid.New(), EpochID: persisted.ID, MatchID: uuid.New(),
		BuyerID: "buyer-2", SellerID: "seller-2", BuyerZoneID: 1, SellerZoneID: 1,
		EnergyAmount: decimal.NewFromInt(1), PricePerKwh: decimal.NewFromFloat(0.1),
		TotalAmount: decimal.NewFromFloat(0.1), NetAmount: decimal.NewFromFloat(0.1),
		Status: domain.SettlementStatusPending, RetryCount: 3,
	}
	require.NoError(t, store.CreateSettlements(ctx, []*domain.Settlement{s}))

	chainAdapter := &stubChain{submitErr: domain.NewError(domain.ErrChainTransient, "rpc timeout")}
	pipeline := NewPipeline(store, store, store, chainAdapter, testPricingModel(), testSettlementConfig(), logrus.New())

	require.NoError(t, pipeline.ProcessPending(ctx))

	updated, err := store.GetSettlement(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SettlementStatusFailed, updated.Status, "retry count already at MaxRetries, one more failure exhausts it")
}

func TestProcessPendingRecordsSubmittedThenConfirmedTransactionRow(t *testing.T) {
	store := storage.NewMemoryStore()
	ctx := context.Background()

	epoch := &domain.Epoch{EpochNumber: 3, StartTime: time.Now(), EndTime: time.Now(), Status: domain.EpochStatusActive}
	require.NoError(t, store.CreateEpoch(ctx, epoch))
	persisted, _ := store.GetEpochByNumber(ctx, 3)

	s := &domain.Settlement{
		ID: uuid.New(), EpochID: persisted.ID, MatchID: uuid.New(),
		BuyerID: "buyer-3", SellerID: "seller-3", BuyerZoneID: 1, SellerZoneID: 1,
		EnergyAmount: decimal.NewFromInt(5), PricePerKwh: decimal.NewFromFloat(0.2),
		TotalAmount: decimal.NewFromFloat(1.0), NetAmount: decimal.NewFromFloat(1.0),
		Status: domain.SettlementStatusPending,
	}
	require.NoError(t, store.CreateSettlements(ctx, []*domain.Settlement{s}))

	chainAdapter := &stubChain{confirmation: Confirmation{Confirmed: true}}
	pipeline := NewPipeline(store, store, store, chainAdapter, testPricingModel(), testSettlementConfig(), logrus.New())

	require.NoError(t, pipeline.ProcessPending(ctx))

	txn, err := store.GetNonTerminalForSettlement(ctx, s.ID)
	require.NoError(t, err)
	assert.Nil(t, txn, "the one attempt reached Confirmed, a terminal state, so nothing non-terminal remains")
}

func TestConfirmationTimeoutExpiresAttemptAndReopensSettlementForRetry(t *testing.T) {
	store := storage.NewMemoryStore()
	ctx := context.Background()

	epoch := &domain.Epoch{EpochNumber: 4, StartTime: time.Now(), EndTime: time.Now(), Status: domain.EpochStatusActive}
	require.NoError(t, store.CreateEpoch(ctx, epoch))
	persisted, _ := store.GetEpochByNumber(ctx, 4)

	s := &domain.Settlement{
		ID: uuid.New(), EpochID: persisted.ID, MatchID: uuid.New(),
		BuyerID: "buyer-4", SellerID: "seller-4", BuyerZoneID: 1, SellerZoneID: 1,
		EnergyAmount: decimal.NewFromInt(1), PricePerKwh: decimal.NewFromFloat(0.1),
		TotalAmount: decimal.NewFromFloat(0.1), NetAmount: decimal.NewFromFloat(0.1),
		Status: domain.SettlementStatusPending,
	}
	require.NoError(t, store.CreateSettlements(ctx, []*domain.Settlement{s}))

	// Confirmation{} (neither Confirmed nor Failed) exhausts every poll
	// attempt, driving the attempt row to Expired.
	chainAdapter := &stubChain{confirmation: Confirmation{}}
	pipeline := NewPipeline(store, store, store, chainAdapter, testPricingModel(), testSettlementConfig(), logrus.New())

	require.NoError(t, pipeline.ProcessPending(ctx))

	updated, err := store.GetSettlement(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SettlementStatusPending, updated.Status, "retry_count below MaxRetries reopens a new attempt")
	assert.Equal(t, 1, updated.RetryCount)

	txn, err := store.GetNonTerminalForSettlement(ctx, s.ID)
	require.NoError(t, err)
	assert.Nil(t, txn, "the expired attempt row is terminal; a fresh attempt only opens on the next ProcessPending")
}

func TestRecoverResumesPollingForStaleSubmittedTransaction(t *testing.T) {
	store := storage.NewMemoryStore()
	ctx := context.Background()

	epoch := &domain.Epoch{EpochNumber: 5, StartTime: time.Now(), EndTime: time.Now(), Status: domain.EpochStatusActive}
	require.NoError(t, store.CreateEpoch(ctx, epoch))
	persisted, _ := store.GetEpochByNumber(ctx, 5)

	s := &domain.Settlement{
		ID: uuid.New(), EpochID: persisted.ID, MatchID: uuid.New(),
		BuyerID: "buyer-5", SellerID: "seller-5", BuyerZoneID: 1, SellerZoneID: 1,
		EnergyAmount: decimal.NewFromInt(1), PricePerKwh: decimal.NewFromFloat(0.1),
		TotalAmount: decimal.NewFromFloat(0.1), NetAmount: decimal.NewFromFloat(0.1),
		Status: domain.SettlementStatusProcessing,
	}
	require.NoError(t, store.CreateSettlements(ctx, []*domain.Settlement{s}))

	staleSubmittedAt := time.Now().UTC().Add(-time.Hour)
	hash := "0xstalehash"
	staleTxn := &domain.SettlementTransaction{
		SettlementID:         s.ID,
		AttemptNumber:        1,
		TransactionSignature: &hash,
		Status:               domain.SettlementTxStatusSubmitted,
		SubmittedAt:          &staleSubmittedAt,
	}
	require.NoError(t, store.CreateTransaction(ctx, staleTxn))

	chainAdapter := &stubChain{confirmation: Confirmation{Confirmed: true}}
	pipeline := NewPipeline(store, store, store, chainAdapter, testPricingModel(), testSettlementConfig(), logrus.New())

	require.NoError(t, pipeline.Recover(ctx))

	require.Eventually(t, func() bool {
		updated, err := store.GetSettlement(ctx, s.ID)
		require.NoError(t, err)
		return updated.Status == domain.SettlementStatusCompleted
	}, time.Second, 5*time.Millisecond)

	recovered, err := store.GetTransaction(ctx, staleTxn.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SettlementTxStatusConfirmed, recovered.Status)
}

func TestNextRetryDelayDoublesToCeiling(t *testing.T) {
	cfg := testSettlementConfig()
	assert.Equal(t, 600*time.Second, NextRetryDelay(cfg, 1))
	assert.Equal(t, 1200*time.Second, NextRetryDelay(cfg, 2))
	assert.Equal(t, time.Duration(cfg.MaxRetryDelaySecs)*time.Second, NextRetryDelay(cfg, 20))
}
