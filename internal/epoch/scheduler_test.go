package epoch

import (
	"context"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"energy-exchange-core/internal/domain"
	"energy-exchange-core/internal/storage"
)

type stubClearer struct {
	err       error
	clearedID string
	calls     int
}

func (c *stubClearer) ClearEpoch(_ context.Context, epochID string) error {
	c.calls++
	c.clearedID = epochID
	return c.err
}

type stubEpochPublisher struct {
	payloads []interface{}
}

func (p *stubEpochPublisher) PublishEpochTransition(payload interface{}) {
	p.payloads = append(p.payloads, payload)
}

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.DebugLevel)
	return logger
}

func TestInitOpensFirstEpochWhenNoneExist(t *testing.T) {
	store := storage.NewMemoryStore()
	clearer := &stubClearer{}
	s := NewScheduler(store, clearer, time.Minute, testLogger())

	require.NoError(t, s.Init(context.Background()))

	current, err := s.CurrentEpoch()
	require.NoError(t, err)
	assert.Equal(t, int64(1), current.EpochNumber)
	assert.Equal(t, domain.EpochStatusActive, current.Status)
}

func TestInitAdoptsUnexpiredLatestEpoch(t *testing.T) {
	store := storage.NewMemoryStore()
	clearer := &stubClearer{}
	s := NewScheduler(store, clearer, time.Hour, testLogger())
	require.NoError(t, s.Init(context.Background()))

	s2 := NewScheduler(store, clearer, time.Hour, testLogger())
	require.NoError(t, s2.Init(context.Background()))

	current, err := s2.CurrentEpoch()
	require.NoError(t, err)
	assert.Equal(t, int64(1), current.EpochNumber)
}

func TestOnTickClearsExpiredEpochAndOpensNext(t *testing.T) {
	store := storage.NewMemoryStore()
	clearer := &stubClearer{}
	publisher := &stubEpochPublisher{}
	s := NewScheduler(store, clearer, time.Millisecond, testLogger())
	s.SetPublisher(publisher)
	require.NoError(t, s.Init(context.Background()))

	time.Sleep(5 * time.Millisecond)
	s.onTick(context.Background())

	assert.Equal(t, 1, clearer.calls)
	assert.Len(t, publisher.payloads, 1)

	current, err := s.CurrentEpoch()
	require.NoError(t, err)
	assert.Equal(t, int64(2), current.EpochNumber)
}

func TestOnTickMarksClearingFailedOnClearerError(t *testing.T) {
	store := storage.NewMemoryStore()
	clearer := &stubClearer{err: domain.NewError(domain.ErrInternal, "boom")}
	s := NewScheduler(store, clearer, time.Millisecond, testLogger())
	require.NoError(t, s.Init(context.Background()))

	firstEpochID := s.current.ID
	time.Sleep(5 * time.Millisecond)
	s.onTick(context.Background())

	failed, err := store.GetEpoch(context.Background(), firstEpochID)
	require.NoError(t, err)
	assert.True(t, failed.ClearingFailed)

	// the scheduler still opens the next epoch even though clearing failed
	current, err := s.CurrentEpoch()
	require.NoError(t, err)
	assert.Equal(t, int64(2), current.EpochNumber)
}

func TestPauseSkipsAutomaticClearing(t *testing.T) {
	store := storage.NewMemoryStore()
	clearer := &stubClearer{}
	s := NewScheduler(store, clearer, time.Millisecond, testLogger())
	require.NoError(t, s.Init(context.Background()))

	s.Pause()
	time.Sleep(5 * time.Millisecond)
	s.onTick(context.Background())

	assert.Equal(t, 0, clearer.calls)
}

func TestForceClearRejectsActiveEpoch(t *testing.T) {
	store := storage.NewMemoryStore()
	clearer := &stubClearer{}
	s := NewScheduler(store, clearer, time.Minute, testLogger())
	require.NoError(t, s.Init(context.Background()))

	err := s.ForceClear(context.Background(), s.current.ID.String())
	require.Error(t, err)
	assert.Equal(t, domain.ErrConflict, domain.KindOf(err))
}

func TestForceClearRetriesFailedEpoch(t *testing.T) {
	store := storage.NewMemoryStore()
	clearer := &stubClearer{err: domain.NewError(domain.ErrInternal, "boom")}
	s := NewScheduler(store, clearer, time.Millisecond, testLogger())
	require.NoError(t, s.Init(context.Background()))
	stuckID := s.current.ID

	time.Sleep(5 * time.Millisecond)
	s.onTick(context.Background())

	clearer.err = nil
	require.NoError(t, s.ForceClear(context.Background(), stuckID.String()))

	recovered, err := store.GetEpoch(context.Background(), stuckID)
	require.NoError(t, err)
	assert.False(t, recovered.ClearingFailed)
	assert.Equal(t, domain.EpochStatusCleared, recovered.Status)
}
