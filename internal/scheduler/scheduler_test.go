package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"referral-service/internal/matchmaking"
)

type sweeperMock struct {
	mock.Mock
}

func (m *sweeperMock) Sweep(ctx context.Context) (matchmaking.SweepSummary, error) {
	args := m.Called(ctx)
	return args.Get(0).(matchmaking.SweepSummary), args.Error(1)
}

type expirerMock struct {
	mock.Mock
}

func (m *expirerMock) ExpireOverdue(ctx context.Context) (int, error) {
	args := m.Called(ctx)
	return args.Int(0), args.Error(1)
}

func TestRunOnceSweepsThenExpires(t *testing.T) {
	sweeper := new(sweeperMock)
	expirer := new(expirerMock)
	sweeper.On("Sweep", mock.Anything).Return(matchmaking.SweepSummary{Talents: 3, Created: 2}, nil).Once()
	expirer.On("ExpireOverdue", mock.Anything).Return(4, nil).Once()

	s := New(sweeper, expirer, nil, "@every 1h", nil)
	report, err := s.RunOnce(context.Background())

	require.NoError(t, err)
	assert.False(t, report.Skipped)
	assert.Equal(t, 2, report.Sweep.Created)
	assert.Equal(t, 4, report.Expired)
	sweeper.AssertExpectations(t)
	expirer.AssertExpectations(t)
}

func TestRunOnceSweepErrorSkipsExpiry(t *testing.T) {
	sweeper := new(sweeperMock)
	expirer := new(expirerMock)
	sweeper.On("Sweep", mock.Anything).Return(matchmaking.SweepSummary{}, errors.New("db down")).Once()

	_, err := New(sweeper, expirer, nil, "@every 1h", nil).RunOnce(context.Background())

	require.Error(t, err)
	assert.Contains(t, err.Error(), "matching sweep")
	expirer.AssertNotCalled(t, "ExpireOverdue", mock.Anything)
}

func TestRunOnceSkipsWhenLockHeld(t *testing.T) {
	locker := NewLocalLocker()
	release, ok, err := locker.TryLock(context.Background(), lockKey, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	sweeper := new(sweeperMock)
	report, err := New(sweeper, new(expirerMock), locker, "@every 1h", nil).RunOnce(context.Background())
	require.NoError(t, err)
	assert.True(t, report.Skipped)
	sweeper.AssertNotCalled(t, "Sweep", mock.Anything)

	require.NoError(t, release(context.Background()))
	_, ok, err = locker.TryLock(context.Background(), lockKey, time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRunOnceReleasesLock(t *testing.T) {
	sweeper := new(sweeperMock)
	expirer := new(expirerMock)
	sweeper.On("Sweep", mock.Anything).Return(matchmaking.SweepSummary{}, nil).Twice()
	expirer.On("ExpireOverdue", mock.Anything).Return(0, nil).Twice()

	s := New(sweeper, expirer, NewLocalLocker(), "@every 1h", nil)
	for i := 0; i < 2; i++ {
		report, err := s.RunOnce(context.Background())
		require.NoError(t, err)
		assert.False(t, report.Skipped)
	}
	sweeper.AssertExpectations(t)
}

func TestStartRejectsBadSpec(t *testing.T) {
	s := New(new(sweeperMock), new(expirerMock), nil, "not a spec", nil)
	assert.Error(t, s.Start(context.Background()))
}

func TestStartStop(t *testing.T) {
	s := New(new(sweeperMock), new(expirerMock), nil, "@every 1h", nil)
	require.NoError(t, s.Start(context.Background()))
	s.Stop()
}
