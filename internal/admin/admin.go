// Package admin exposes operator controls that bypass the normal
// ticker-driven flow: forcing a stuck epoch through clearing, nudging
// failed settlements back to Pending, and pausing/resuming the epoch
// scheduler's automatic clearing.
package admin

import (
	"context"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"energy-exchange-core/internal/domain"
	"energy-exchange-core/internal/storage"
)

// EpochController is implemented by the epoch scheduler
type EpochController interface {
	ForceClear(ctx context.Context, epochID string) error
	Pause()
	Resume()
}

// Controller is component H: the admin surface over the scheduler and
// the settlement store
type Controller struct {
	epochs      EpochController
	settlements storage.SettlementStore
	logger      *logrus.Logger
}

// NewController constructs the admin controller
func NewController(epochs EpochController, settlements storage.SettlementStore, logger *logrus.Logger) *Controller {
	return &Controller{epochs: epochs, settlements: settlements, logger: logger}
}

// ForceClearEpoch retries clearing for an epoch stuck in the
// ClearingFailed sub-state
func (c *Controller) ForceClearEpoch(ctx context.Context, epochID string) error {
	if err := c.epochs.ForceClear(ctx, epochID); err != nil {
		c.logger.WithError(err).WithField("epoch_id", epochID).Error("force-clear failed")
		return err
	}
	c.logger.WithField("epoch_id", epochID).Info("epoch force-cleared by admin")
	return nil
}

// PauseClearing stops the scheduler's automatic epoch clearing; already
// open epochs keep accepting orders
func (c *Controller) PauseClearing() {
	c.epochs.Pause()
	c.logger.Warn("epoch clearing paused by admin")
}

// ResumeClearing resumes automatic epoch clearing
func (c *Controller) ResumeClearing() {
	c.epochs.Resume()
	c.logger.Info("epoch clearing resumed by admin")
}

// RetryStuckSettlements requeues Failed settlements back to Pending so
// the settlement pipeline picks them up on its next tick. It resets
// retry_count so the settlement gets its full retry budget again, since
// an admin retry is a fresh attempt, not a continuation of the exhausted
// one.
func (c *Controller) RetryStuckSettlements(ctx context.Context, limit int) (int, error) {
	stuck, err := c.settlements.GetSettlementsByStatus(ctx, domain.SettlementStatusFailed, limit)
	if err != nil {
		return 0, domain.WrapError(domain.ErrInternal, "failed to list failed settlements", err)
	}

	requeued := 0
	for _, s := range stuck {
		s.Status = domain.SettlementStatusPending
		s.RetryCount = 0
		s.TransactionHash = nil
		s.ProcessedAt = nil
		if err := c.settlements.UpdateSettlement(ctx, s); err != nil {
			c.logger.WithError(err).WithField("settlement_id", s.ID).Error("failed to requeue settlement")
			continue
		}
		requeued++
	}

	c.logger.WithField("requeued", requeued).Info("stuck settlements requeued by admin")
	return requeued, nil
}

// RetrySettlement requeues a single settlement by ID regardless of its
// current status, for operators chasing one specific incident
func (c *Controller) RetrySettlement(ctx context.Context, settlementID string) error {
	id, err := uuid.Parse(settlementID)
	if err != nil {
		return domain.WrapError(domain.ErrValidation, "invalid settlement id", err)
	}
	s, err := c.settlements.GetSettlement(ctx, id)
	if err != nil {
		return err
	}
	s.Status = domain.SettlementStatusPending
	s.RetryCount = 0
	s.TransactionHash = nil
	s.ProcessedAt = nil
	if err := c.settlements.UpdateSettlement(ctx, s); err != nil {
		return domain.WrapError(domain.ErrInternal, "failed to requeue settlement", err)
	}
	c.logger.WithField("settlement_id", settlementID).Info("settlement requeued by admin")
	return nil
}
