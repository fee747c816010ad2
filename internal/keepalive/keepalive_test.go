package keepalive

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type MockReporter struct {
	mock.Mock
}

func (m *MockReporter) Report(ctx context.Context) Report {
	args := m.Called(ctx)
	return args.Get(0).(Report)
}

type MockPublisher struct {
	mock.Mock
}

func (m *MockPublisher) PublishBeat(ctx context.Context, beat Beat) error {
	args := m.Called(ctx, beat)
	return args.Error(0)
}

func testLogger() *logrus.Entry {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	return logrus.NewEntry(logger)
}

func connectedReport() Report {
	return Report{WiFiState: "connected", IP: "192.168.4.2", SyncState: "synced"}
}

func TestManager_Start_Stop(t *testing.T) {
	reporter := &MockReporter{}
	reporter.On("Report", mock.Anything).Return(connectedReport())

	manager := NewManager(Config{Interval: 20 * time.Millisecond}, reporter, WithLogger(testLogger()))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, manager.Start(ctx))
	assert.Error(t, manager.Start(ctx), "second start should fail")

	assert.Eventually(t, func() bool {
		return manager.GetStats().SendCount >= 3
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, manager.Stop(ctx))
	require.NoError(t, manager.Stop(ctx))

	stats := manager.GetStats()
	assert.False(t, stats.IsRunning)
	assert.Equal(t, 20*time.Millisecond, stats.Interval)
	assert.False(t, stats.LastSent.IsZero())
	reporter.AssertExpectations(t)
}

func TestManager_InitialBeatPublished(t *testing.T) {
	reporter := &MockReporter{}
	reporter.On("Report", mock.Anything).Return(connectedReport())

	publisher := &MockPublisher{}
	publisher.On("PublishBeat", mock.Anything, mock.MatchedBy(func(b Beat) bool {
		return b.Sequence == 1 && b.WiFiState == "connected" && b.SyncState == "synced"
	})).Return(nil).Once()
	publisher.On("PublishBeat", mock.Anything, mock.Anything).Return(nil).Maybe()

	manager := NewManager(Config{Interval: time.Hour}, reporter, WithLogger(testLogger()), WithPublisher(publisher))

	ctx := context.Background()
	require.NoError(t, manager.Start(ctx))
	require.NoError(t, manager.Stop(ctx))

	stats := manager.GetStats()
	assert.Equal(t, int64(1), stats.SendCount)
	assert.Zero(t, stats.ErrorCount)
	publisher.AssertExpectations(t)
}

func TestManager_PublishErrorCounted(t *testing.T) {
	reporter := &MockReporter{}
	reporter.On("Report", mock.Anything).Return(Report{WiFiState: "failed", SyncState: "idle"})

	publisher := &MockPublisher{}
	publisher.On("PublishBeat", mock.Anything, mock.Anything).Return(errors.New("hub closed"))

	manager := NewManager(Config{Interval: time.Hour}, reporter, WithLogger(testLogger()), WithPublisher(publisher))

	ctx := context.Background()
	require.NoError(t, manager.Start(ctx))
	require.NoError(t, manager.Stop(ctx))

	stats := manager.GetStats()
	assert.Equal(t, int64(1), stats.ErrorCount)
	assert.EqualError(t, stats.LastError, "hub closed")
}

func TestManager_UpdateConfig(t *testing.T) {
	reporter := &MockReporter{}
	reporter.On("Report", mock.Anything).Return(connectedReport())

	manager := NewManager(Config{Interval: time.Hour}, reporter, WithLogger(testLogger()))

	ctx := context.Background()
	require.NoError(t, manager.Start(ctx))
	defer manager.Stop(ctx)

	manager.UpdateConfig(Config{Interval: 10 * time.Millisecond})
	assert.Equal(t, 10*time.Millisecond, manager.GetStats().Interval)

	assert.Eventually(t, func() bool {
		return manager.GetStats().SendCount >= 3
	}, 2*time.Second, 10*time.Millisecond)

	// Non-positive intervals are ignored
	manager.UpdateConfig(Config{})
	assert.Equal(t, 10*time.Millisecond, manager.GetStats().Interval)
}

func TestManager_Restart(t *testing.T) {
	reporter := &MockReporter{}
	reporter.On("Report", mock.Anything).Return(connectedReport())

	manager := NewManager(Config{Interval: time.Hour}, reporter, WithLogger(testLogger()))
	ctx := context.Background()

	require.NoError(t, manager.Start(ctx))
	require.NoError(t, manager.Stop(ctx))
	require.NoError(t, manager.Start(ctx))
	require.NoError(t, manager.Stop(ctx))

	assert.Equal(t, int64(2), manager.GetStats().SendCount)
}

func TestManager_ContextCancelEndsLoop(t *testing.T) {
	reporter := &MockReporter{}
	reporter.On("Report", mock.Anything).Return(connectedReport())

	manager := NewManager(Config{Interval: time.Hour}, reporter, WithLogger(testLogger()))

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, manager.Start(ctx))
	cancel()

	stopCtx, stopCancel := context.WithTimeout(context.Background(), time.Second)
	defer stopCancel()
	assert.NoError(t, manager.Stop(stopCtx))
}
