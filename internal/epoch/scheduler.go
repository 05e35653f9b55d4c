// Package epoch is the timing authority: it divides wall time into
// fixed-length trading windows, opens/closes/clears them, and persists
// epoch records. Clearing itself is delegated to a Clearer the scheduler
// invokes synchronously at close.
package epoch

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"energy-exchange-core/internal/domain"
	"energy-exchange-core/internal/storage"
)

// Clearer is implemented by the matching engine; the scheduler invokes it
// synchronously on the epoch whose window just closed
type Clearer interface {
	ClearEpoch(ctx context.Context, epochID string) error
}

// EpochPublisher notifies event subscribers of epoch state transitions.
// Optional: a nil publisher simply drops the notification.
type EpochPublisher interface {
	PublishEpochTransition(payload interface{})
}

// Scheduler 是 epoch 的唯一写入者；current_epoch/submit_order_epoch_id
// 的答案只由它给出
type Scheduler struct {
	store     storage.EpochStore
	clearer   Clearer
	duration  time.Duration
	logger    *logrus.Logger
	publisher EpochPublisher

	mu      sync.RWMutex
	current *domain.Epoch
	paused  bool

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewScheduler 构造调度器；duration 是每个 epoch 的固定时长
func NewScheduler(store storage.EpochStore, clearer Clearer, duration time.Duration, logger *logrus.Logger) *Scheduler {
	return &Scheduler{
		store:    store,
		clearer:  clearer,
		duration: duration,
		logger:   logger,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// SetPublisher wires an optional epoch-transition publisher after construction
func (s *Scheduler) SetPublisher(publisher EpochPublisher) {
	s.publisher = publisher
}

// gridStart 把 now 对齐到 duration 的固定网格起点
func gridStart(now time.Time, duration time.Duration) time.Time {
	d := int64(duration)
	start := (now.UnixNano() / d) * d
	return time.Unix(0, start).UTC()
}

// Init 在进程启动时运行一次：读取最后持久化的 epoch，若已过期则开启新的，
// 否则直接采纳它作为当前 Active epoch
func (s *Scheduler) Init(ctx context.Context) error {
	now := time.Now().UTC()

	latest, err := s.store.GetLatestEpoch(ctx)
	if err != nil {
		return s.openEpoch(ctx, 1, gridStart(now, s.duration))
	}

	if !latest.EndTime.After(now) {
		return s.openEpoch(ctx, latest.EpochNumber+1, gridStart(now, s.duration))
	}

	s.mu.Lock()
	s.current = latest
	s.mu.Unlock()
	return nil
}

// openEpoch 持久化并原子地（epoch_number 唯一）打开一个新的 Active epoch
func (s *Scheduler) openEpoch(ctx context.Context, number int64, start time.Time) error {
	e := &domain.Epoch{
		EpochNumber: number,
		StartTime:   start,
		EndTime:     start.Add(s.duration),
		Status:      domain.EpochStatusActive,
	}
	if err := s.store.CreateEpoch(ctx, e); err != nil {
		return err
	}
	persisted, err := s.store.GetEpochByNumber(ctx, number)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.current = persisted
	s.mu.Unlock()

	s.logger.WithFields(logrus.Fields{
		"epoch_number": persisted.EpochNumber,
		"start_time":   persisted.StartTime,
		"end_time":     persisted.EndTime,
	}).Info("epoch opened")
	return nil
}

// CurrentEpoch 返回 Active epoch；边界时刻（清算进行中）返回 EpochNotOpen
func (s *Scheduler) CurrentEpoch() (*domain.Epoch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.current == nil || s.current.Status != domain.EpochStatusActive {
		return nil, domain.NewError(domain.ErrEpochNotOpen, "no active epoch")
	}
	cp := *s.current
	return &cp, nil
}

// SubmitOrderEpochID 返回新订单应当归属的 epoch id
func (s *Scheduler) SubmitOrderEpochID() (string, error) {
	e, err := s.CurrentEpoch()
	if err != nil {
		return "", err
	}
	return e.ID.String(), nil
}

// Run 每隔 tick 调用一次 onTick，直到 Stop 被调用
func (s *Scheduler) Run(ctx context.Context, tick time.Duration) {
	ticker := time.NewTicker(tick)
	defer ticker.Stop()
	defer close(s.doneCh)

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.onTick(ctx)
		}
	}
}

// Stop 请求调度循环退出，并等待其完成
func (s *Scheduler) Stop() {
	close(s.stopCh)
	<-s.doneCh
}

// Pause 停止自动清算（H 组件 admin 能力），已打开的 epoch 不受影响
func (s *Scheduler) Pause() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.paused = true
}

// Resume 恢复自动清算
func (s *Scheduler) Resume() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.paused = false
}

// onTick 检查当前 epoch 是否到期，到期则触发清算并开启下一个 epoch
func (s *Scheduler) onTick(ctx context.Context) {
	s.mu.RLock()
	paused := s.paused
	current := s.current
	s.mu.RUnlock()

	if paused || current == nil {
		return
	}
	if current.Status != domain.EpochStatusActive {
		return
	}
	if current.EndTime.After(time.Now().UTC()) {
		return
	}

	s.closeAndClear(ctx, current)
}

// closeAndClear 将 epoch 标记为清算中，同步调用 Clearer，并无论成败都开启
// 下一个 epoch；清算失败时本 epoch 落入 ClearingFailed 子状态，其订单不会
// 滚入下一个 epoch
func (s *Scheduler) closeAndClear(ctx context.Context, current *domain.Epoch) {
	logger := s.logger.WithField("epoch_number", current.EpochNumber)

	// 清算期间当前 epoch 不再是 Active，CurrentEpoch 返回 EpochNotOpen，
	// 直到下一个 epoch 打开
	s.mu.Lock()
	if s.current == current {
		clearing := *current
		clearing.Status = domain.EpochStatusCleared
		s.current = &clearing
	}
	s.mu.Unlock()

	err := s.clearer.ClearEpoch(ctx, current.ID.String())

	cleared, getErr := s.store.GetEpoch(ctx, current.ID)
	if getErr != nil {
		logger.WithError(getErr).Error("failed to reload epoch after clearing")
		cleared = current
	}

	if err != nil {
		cleared.ClearingFailed = true
		logger.WithError(err).Error("epoch clearing failed, entering ClearingFailed sub-state")
	} else {
		cleared.Status = domain.EpochStatusCleared
		cleared.ClearingFailed = false
		logger.Info("epoch cleared")
	}
	if updErr := s.store.UpdateEpoch(ctx, cleared); updErr != nil {
		logger.WithError(updErr).Error("failed to persist epoch clearing result")
	}

	if s.publisher != nil {
		s.publisher.PublishEpochTransition(cleared)
	}

	nextStart := current.EndTime
	if openErr := s.openEpoch(ctx, current.EpochNumber+1, nextStart); openErr != nil {
		logger.WithError(openErr).Error("failed to open next epoch")
	}
}

// ForceClear 由 admin 触发，对一个处于 ClearingFailed 子状态的 epoch 重试
// 清算；不影响当前 Active epoch
func (s *Scheduler) ForceClear(ctx context.Context, epochID string) error {
	eid, err := uuid.Parse(epochID)
	if err != nil {
		return domain.WrapError(domain.ErrValidation, "invalid epoch id", err)
	}
	e, err := s.store.GetEpoch(ctx, eid)
	if err != nil {
		return err
	}
	if e.Status == domain.EpochStatusActive && !e.ClearingFailed {
		return domain.NewError(domain.ErrConflict, "cannot force-clear an epoch still accepting orders")
	}

	if clearErr := s.clearer.ClearEpoch(ctx, epochID); clearErr != nil {
		e.ClearingFailed = true
		_ = s.store.UpdateEpoch(ctx, e)
		return clearErr
	}

	e.Status = domain.EpochStatusCleared
	e.ClearingFailed = false
	return s.store.UpdateEpoch(ctx, e)
}
