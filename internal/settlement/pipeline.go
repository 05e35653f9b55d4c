// Package settlement turns cleared matches into on-chain money movement:
// it derives the per-match cost breakdown, batches settlements by payer
// wallet, submits each batch through a ChainAdapter, and polls for
// confirmation with bounded retries. A failed attempt returns the
// settlement to Pending and the next ProcessPending tick claims it again;
// no backoff delay is applied between attempts.
package settlement

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"energy-exchange-core/internal/config"
	"energy-exchange-core/internal/domain"
	"energy-exchange-core/internal/pricing"
	"energy-exchange-core/internal/storage"
)

// ChainAdapter is the boundary to the settlement chain. Submit must be
// idempotent for a given batch of settlement IDs: resubmitting a batch
// whose transaction already landed must not double-spend.
type ChainAdapter interface {
	Submit(ctx context.Context, batch []*domain.Settlement) (txHash string, err error)
	Confirm(ctx context.Context, txHash string) (Confirmation, error)
}

// Confirmation is the result of polling a submitted transaction
type Confirmation struct {
	Confirmed bool
	Failed    bool
	Reason    string
}

// SettlementPublisher notifies event subscribers of terminal settlement
// outcomes. Optional: a nil publisher simply drops the notification.
type SettlementPublisher interface {
	PublishSettlementConfirmed(buyerID, sellerID string, amount decimal.Decimal, payload interface{})
	PublishSettlementFailed(buyerID, sellerID string, amount decimal.Decimal, payload interface{})
}

// Pipeline drives settlements from Pending through to Completed or Failed
type Pipeline struct {
	settlements storage.SettlementStore
	txs         storage.SettlementTxStore
	orders      storage.OrderStore
	chain       ChainAdapter
	pricing     *pricing.Model
	cfg         config.SettlementConfig
	logger      *logrus.Logger
	publisher   SettlementPublisher

	walletLocksMu sync.Mutex
	walletLocks   map[string]struct{} // payer wallet -> in-flight batch marker
}

// NewPipeline constructs the settlement pipeline
func NewPipeline(settlements storage.SettlementStore, txs storage.SettlementTxStore, orders storage.OrderStore, chain ChainAdapter, model *pricing.Model, cfg config.SettlementConfig, logger *logrus.Logger) *Pipeline {
	return &Pipeline{
		settlements: settlements,
		txs:         txs,
		orders:      orders,
		chain:       chain,
		pricing:     model,
		cfg:         cfg,
		logger:      logger,
		walletLocks: make(map[string]struct{}),
	}
}

// SetPublisher wires an optional settlement-event publisher after construction
func (p *Pipeline) SetPublisher(publisher SettlementPublisher) {
	p.publisher = publisher
}

// tryLockWallet claims the in-flight slot for a payer wallet so two
// pipeline workers never submit two batches for the same payer
// concurrently; a second worker skips the wallet this round instead of
// blocking, and picks it up again on the next ProcessPending call
func (p *Pipeline) tryLockWallet(payer string) bool {
	p.walletLocksMu.Lock()
	defer p.walletLocksMu.Unlock()
	if _, locked := p.walletLocks[payer]; locked {
		return false
	}
	p.walletLocks[payer] = struct{}{}
	return true
}

func (p *Pipeline) unlockWallet(payer string) {
	p.walletLocksMu.Lock()
	defer p.walletLocksMu.Unlock()
	delete(p.walletLocks, payer)
}

// EmitMatches creates one Pending settlement per match, computed through
// the zone cost model. It is called once per cleared epoch.
func (p *Pipeline) EmitMatches(ctx context.Context, epoch *domain.Epoch, matches []*domain.OrderMatch) error {
	settlements := make([]*domain.Settlement, 0, len(matches))

	for _, m := range matches {
		buy, err := p.orders.GetOrder(ctx, m.BuyOrderID)
		if err != nil {
			return domain.WrapError(domain.ErrInternal, "failed to load buy order for settlement", err)
		}
		sell, err := p.orders.GetOrder(ctx, m.SellOrderID)
		if err != nil {
			return domain.WrapError(domain.ErrInternal, "failed to load sell order for settlement", err)
		}

		breakdown, err := p.pricing.Compute(sell.ZoneID, buy.ZoneID, m.MatchedAmount, m.MatchPrice)
		if err != nil {
			return err
		}

		settlements = append(settlements, &domain.Settlement{
			EpochID:         epoch.ID,
			MatchID:         m.ID,
			BuyerID:         buy.UserID,
			SellerID:        sell.UserID,
			BuyerZoneID:     buy.ZoneID,
			SellerZoneID:    sell.ZoneID,
			EnergyAmount:    m.MatchedAmount,
			PricePerKwh:     m.MatchPrice,
			TotalAmount:     breakdown.TotalAmount,
			WheelingCharge:  breakdown.WheelingCharge,
			LossFactor:      breakdown.LossFactor,
			LossCost:        breakdown.LossCost,
			EffectiveEnergy: breakdown.EffectiveEnergy,
			FeeAmount:       breakdown.FeeAmount,
			NetAmount:       breakdown.NetAmount,
			Status:          domain.SettlementStatusPending,
		})
	}

	if err := p.settlements.CreateSettlements(ctx, settlements); err != nil {
		return domain.WrapError(domain.ErrInternal, "failed to persist settlements", err)
	}

	p.logger.WithFields(logrus.Fields{
		"epoch_number": epoch.EpochNumber,
		"settlements":  len(settlements),
	}).Info("settlements emitted")

	return nil
}

// ProcessPending claims a batch of pending settlements, groups them by
// payer wallet (buyer_id) into batches of at most cfg.BatchSize, and
// submits each payer's batch through the chain adapter
func (p *Pipeline) ProcessPending(ctx context.Context) error {
	claimed, err := p.settlements.ClaimPendingSettlements(ctx, p.cfg.BatchSize*4)
	if err != nil {
		return domain.WrapError(domain.ErrInternal, "failed to claim pending settlements", err)
	}
	if len(claimed) == 0 {
		return nil
	}

	for payer, batch := range groupByPayer(claimed) {
		if !p.tryLockWallet(payer) {
			p.logger.WithField("payer", payer).Debug("wallet already has a batch in flight, deferring")
			continue
		}
		for start := 0; start < len(batch); start += p.cfg.BatchSize {
			end := start + p.cfg.BatchSize
			if end > len(batch) {
				end = len(batch)
			}
			p.submitBatch(ctx, payer, batch[start:end])
		}
		p.unlockWallet(payer)
	}
	return nil
}

func groupByPayer(settlements []*domain.Settlement) map[string][]*domain.Settlement {
	grouped := map[string][]*domain.Settlement{}
	for _, s := range settlements {
		grouped[s.BuyerID] = append(grouped[s.BuyerID], s)
	}
	for _, batch := range grouped {
		sort.Slice(batch, func(i, j int) bool { return batch[i].CreatedAt.Before(batch[j].CreatedAt) })
	}
	return grouped
}

func (p *Pipeline) submitBatch(ctx context.Context, payer string, batch []*domain.Settlement) {
	logger := p.logger.WithFields(logrus.Fields{"payer": payer, "batch_size": len(batch)})

	txHash, err := p.chain.Submit(ctx, batch)
	now := time.Now().UTC()

	if err != nil {
		logger.WithError(err).Warn("batch submission failed")
		p.recordFailedAttempts(ctx, batch, err.Error())
		p.handleSubmitFailure(ctx, batch, err)
		return
	}

	txns := make(map[uuid.UUID]*domain.SettlementTransaction, len(batch))
	for _, s := range batch {
		hash := txHash
		txn := &domain.SettlementTransaction{
			SettlementID:         s.ID,
			AttemptNumber:        s.RetryCount + 1,
			TransactionSignature: &hash,
			Status:               domain.SettlementTxStatusSubmitted,
			RetryCount:           s.RetryCount,
			SubmittedAt:          &now,
		}
		if err := p.txs.CreateTransaction(ctx, txn); err != nil {
			logger.WithError(err).Error("failed to persist settlement transaction")
		}
		txns[s.ID] = txn
	}

	p.pollConfirmation(ctx, batch, txHash, txns)
}

// recordFailedAttempts persists one SettlementTransaction row per
// settlement for an attempt whose Submit call itself errored — the
// attempt never reached Submitted, so the row goes straight to Failed.
func (p *Pipeline) recordFailedAttempts(ctx context.Context, batch []*domain.Settlement, reason string) {
	for _, s := range batch {
		txn := &domain.SettlementTransaction{
			SettlementID:  s.ID,
			AttemptNumber: s.RetryCount + 1,
			Status:        domain.SettlementTxStatusFailed,
			RetryCount:    s.RetryCount,
			ErrorMessage:  reason,
		}
		if err := p.txs.CreateTransaction(ctx, txn); err != nil {
			p.logger.WithError(err).Error("failed to persist failed settlement transaction attempt")
		}
	}
}

// pollConfirmation polls the chain adapter up to PollMaxAttempts times at
// ConfirmationPollInterval. Each settlement's attempt row (txns, keyed by
// settlement ID) is driven to a terminal SettlementTransaction status
// alongside the Settlement itself once the outcome is known.
func (p *Pipeline) pollConfirmation(ctx context.Context, batch []*domain.Settlement, txHash string, txns map[uuid.UUID]*domain.SettlementTransaction) {
	ticker := time.NewTicker(p.cfg.ConfirmationPollInterval)
	defer ticker.Stop()

	for attempt := 0; attempt < p.cfg.PollMaxAttempts; attempt++ {
		confirmation, err := p.chain.Confirm(ctx, txHash)
		if err != nil {
			p.logger.WithError(err).Warn("confirmation poll failed")
		} else if confirmation.Confirmed {
			p.finalizeConfirmed(ctx, batch, txHash, txns)
			return
		} else if confirmation.Failed {
			p.finalizeRetryableOutcome(ctx, batch, txns, domain.SettlementTxStatusFailed, confirmation.Reason)
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}

	p.finalizeRetryableOutcome(ctx, batch, txns, domain.SettlementTxStatusExpired, "confirmation polling exhausted")
}

// finalizeConfirmed marks every settlement in the batch Completed and its
// attempt row Confirmed — the only terminal, non-retryable outcome.
func (p *Pipeline) finalizeConfirmed(ctx context.Context, batch []*domain.Settlement, txHash string, txns map[uuid.UUID]*domain.SettlementTransaction) {
	now := time.Now().UTC()
	for _, s := range batch {
		s.Status = domain.SettlementStatusCompleted
		s.TransactionHash = &txHash
		s.ProcessedAt = &now
		if err := p.settlements.UpdateSettlement(ctx, s); err != nil {
			p.logger.WithError(err).Error("failed to persist settlement finalization")
		}
		if txn, ok := txns[s.ID]; ok {
			txn.Status = domain.SettlementTxStatusConfirmed
			txn.ConfirmedAt = &now
			if err := p.txs.UpdateTransaction(ctx, txn); err != nil {
				p.logger.WithError(err).Error("failed to persist confirmed settlement transaction")
			}
		}
	}
	p.logger.WithField("tx_hash", txHash).Info("settlement batch confirmed")
	p.publishBatchOutcome(batch, domain.SettlementStatusCompleted)
}

func (p *Pipeline) publishBatchOutcome(batch []*domain.Settlement, status domain.SettlementStatus) {
	if p.publisher == nil {
		return
	}
	for _, s := range batch {
		switch status {
		case domain.SettlementStatusCompleted:
			p.publisher.PublishSettlementConfirmed(s.BuyerID, s.SellerID, s.NetAmount, s)
		case domain.SettlementStatusFailed:
			p.publisher.PublishSettlementFailed(s.BuyerID, s.SellerID, s.NetAmount, s)
		}
	}
}

// handleSubmitFailure bumps retry_count and, once MAX_RETRIES is
// exceeded (or the error is tagged permanent), marks the settlement
// Failed; otherwise it is returned to Pending so the next pipeline tick
// reclaims it and opens a new attempt row
func (p *Pipeline) handleSubmitFailure(ctx context.Context, batch []*domain.Settlement, submitErr error) {
	retryable := domain.IsRetryable(submitErr)
	for _, s := range batch {
		s.RetryCount++
		if !retryable || s.RetryCount > p.cfg.MaxRetries {
			s.Status = domain.SettlementStatusFailed
			if p.publisher != nil {
				p.publisher.PublishSettlementFailed(s.BuyerID, s.SellerID, s.NetAmount, s)
			}
		} else {
			s.Status = domain.SettlementStatusPending
		}
		if err := p.settlements.UpdateSettlement(ctx, s); err != nil {
			p.logger.WithError(err).Error("failed to persist settlement retry state")
		}
	}
}

// finalizeRetryableOutcome handles the two SettlementTransaction exits that
// are retryable per attempt (Submitted ──poll fail──► Failed and
// Submitted ──poll timeout──► Expired): the attempt row is driven to
// txStatus, and the settlement either reopens as Pending for a new
// attempt row or, once retry_count exceeds MaxRetries, terminates Failed.
func (p *Pipeline) finalizeRetryableOutcome(ctx context.Context, batch []*domain.Settlement, txns map[uuid.UUID]*domain.SettlementTransaction, txStatus domain.SettlementTxStatus, reason string) {
	now := time.Now().UTC()
	for _, s := range batch {
		if txn, ok := txns[s.ID]; ok {
			txn.Status = txStatus
			txn.ErrorMessage = reason
			if err := p.txs.UpdateTransaction(ctx, txn); err != nil {
				p.logger.WithError(err).Error("failed to persist settlement transaction outcome")
			}
		}

		s.RetryCount++
		if s.RetryCount > p.cfg.MaxRetries {
			s.Status = domain.SettlementStatusFailed
			s.ProcessedAt = &now
			if p.publisher != nil {
				p.publisher.PublishSettlementFailed(s.BuyerID, s.SellerID, s.NetAmount, s)
			}
		} else {
			s.Status = domain.SettlementStatusPending
		}
		if err := p.settlements.UpdateSettlement(ctx, s); err != nil {
			p.logger.WithError(err).Error("failed to persist settlement retry state")
		}
	}
	p.logger.WithFields(logrus.Fields{"batch_size": len(batch), "tx_status": txStatus, "reason": reason}).Warn("settlement attempt ended without confirmation")
}

// Recover sweeps SettlementTransaction rows still Submitted past the
// confirmation window — the signature of a worker that crashed mid-poll —
// and either resumes polling (signature known) or expires the attempt
// directly (no signature was ever recorded). Intended to run once at
// startup before the regular ProcessPending ticker begins.
func (p *Pipeline) Recover(ctx context.Context) error {
	cutoff := time.Now().UTC().Add(-p.cfg.ConfirmationPollInterval * time.Duration(p.cfg.PollMaxAttempts))
	stale, err := p.txs.GetStaleSubmitted(ctx, cutoff)
	if err != nil {
		return domain.WrapError(domain.ErrInternal, "failed to load stale settlement transactions", err)
	}
	if len(stale) == 0 {
		return nil
	}

	byHash := make(map[string][]*domain.SettlementTransaction)
	for _, txn := range stale {
		hash := ""
		if txn.TransactionSignature != nil {
			hash = *txn.TransactionSignature
		}
		byHash[hash] = append(byHash[hash], txn)
	}

	for hash, txnGroup := range byHash {
		batch, txnsByID, err := p.loadBatchForRecovery(ctx, txnGroup)
		if err != nil {
			p.logger.WithError(err).Error("failed to load settlements for stale transaction recovery")
			continue
		}
		if hash == "" {
			p.finalizeRetryableOutcome(ctx, batch, txnsByID, domain.SettlementTxStatusExpired, "recovered with no transaction signature")
			continue
		}
		p.logger.WithFields(logrus.Fields{"tx_hash": hash, "count": len(batch)}).Warn("resuming confirmation polling for recovered settlement transaction")
		go p.pollConfirmation(ctx, batch, hash, txnsByID)
	}
	return nil
}

func (p *Pipeline) loadBatchForRecovery(ctx context.Context, txns []*domain.SettlementTransaction) ([]*domain.Settlement, map[uuid.UUID]*domain.SettlementTransaction, error) {
	batch := make([]*domain.Settlement, 0, len(txns))
	byID := make(map[uuid.UUID]*domain.SettlementTransaction, len(txns))
	for _, txn := range txns {
		s, err := p.settlements.GetSettlement(ctx, txn.SettlementID)
		if err != nil {
			return nil, nil, err
		}
		batch = append(batch, s)
		byID[s.ID] = txn
	}
	return batch, byID, nil
}

// NextRetryDelay computes the exponential backoff delay for a given
// retry count, doubling from InitialRetryDelaySecs up to
// MaxRetryDelaySecs
func NextRetryDelay(cfg config.SettlementConfig, retryCount int) time.Duration {
	delay := cfg.InitialRetryDelaySecs
	for i := 0; i < retryCount; i++ {
		delay *= 2
		if delay >= cfg.MaxRetryDelaySecs {
			delay = cfg.MaxRetryDelaySecs
			break
		}
	}
	return time.Duration(delay) * time.Second
}
