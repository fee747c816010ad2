package provision

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"smart-clock/internal/credentials"
)

type mockTransport struct {
	mu        sync.Mutex
	events    chan Event
	starts    int
	stops     int
	names     []string
	startFunc func(attempt int) error
}

func newMockTransport() *mockTransport {
	return &mockTransport{events: make(chan Event, 16)}
}

func (m *mockTransport) Start(ctx context.Context, serviceName string) error {
	m.mu.Lock()
	m.starts++
	attempt := m.starts
	m.names = append(m.names, serviceName)
	startFunc := m.startFunc
	m.mu.Unlock()

	if startFunc != nil {
		if err := startFunc(attempt); err != nil {
			return err
		}
	}
	m.events <- Event{Kind: EventStarted}
	return nil
}

func (m *mockTransport) Events() <-chan Event {
	return m.events
}

func (m *mockTransport) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stops++
	return nil
}

func (m *mockTransport) counts() (starts, stops int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.starts, m.stops
}

type mockSaver struct {
	mu    sync.Mutex
	saved []credentials.Credentials
	err   error
}

func (m *mockSaver) Save(ssid, password string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.saved = append(m.saved, credentials.Credentials{SSID: ssid, Password: password})
	return nil
}

func (m *mockSaver) all() []credentials.Credentials {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]credentials.Credentials(nil), m.saved...)
}

func runSupervisor(t *testing.T, s *Supervisor) (context.CancelFunc, <-chan error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- s.Run(ctx)
	}()
	t.Cleanup(cancel)
	return cancel, done
}

func testLogger() *logrus.Entry {
	return logrus.NewEntry(logrus.New())
}

func TestSupervisorSavesCredentials(t *testing.T) {
	transport := newMockTransport()
	saver := &mockSaver{}
	s := NewSupervisor(transport, saver, Config{}, testLogger())

	received := make(chan credentials.Credentials, 1)
	s.OnCredentials = func(creds credentials.Credentials) {
		received <- creds
	}

	cancel, done := runSupervisor(t, s)
	transport.events <- Event{Kind: EventCredentialsReceived, SSID: "NetA", Password: "pw123"}

	select {
	case creds := <-received:
		assert.Equal(t, credentials.Credentials{SSID: "NetA", Password: "pw123"}, creds)
	case <-time.After(2 * time.Second):
		t.Fatal("credentials hook was not called")
	}
	assert.Equal(t, []credentials.Credentials{{SSID: "NetA", Password: "pw123"}}, saver.all())

	stats := s.Stats()
	assert.True(t, stats.Running)
	assert.Equal(t, 1, stats.CredentialsSeen)
	assert.Equal(t, "NetA", stats.LastSSID)
	assert.NotEmpty(t, stats.SessionID)

	cancel()
	require.NoError(t, <-done)
	assert.False(t, s.Stats().Running)

	transport.mu.Lock()
	defer transport.mu.Unlock()
	assert.Equal(t, []string{DefaultServiceName}, transport.names)
}

func TestSupervisorRestartsOnEnded(t *testing.T) {
	transport := newMockTransport()
	s := NewSupervisor(transport, &mockSaver{}, Config{ServiceName: "TEST_PROV"}, testLogger())

	_, _ = runSupervisor(t, s)
	for i := 0; i < 3; i++ {
		transport.events <- Event{Kind: EventEnded}
	}

	require.Eventually(t, func() bool {
		starts, stops := transport.counts()
		return starts == 4 && stops == 3
	}, 2*time.Second, time.Millisecond)

	assert.Equal(t, 4, s.Stats().Sessions)
}

func TestSupervisorSaveFailureDoesNotCallHook(t *testing.T) {
	transport := newMockTransport()
	saver := &mockSaver{err: errors.New("commit failed")}
	s := NewSupervisor(transport, saver, Config{}, testLogger())

	called := make(chan struct{}, 1)
	s.OnCredentials = func(credentials.Credentials) {
		called <- struct{}{}
	}

	_, _ = runSupervisor(t, s)
	transport.events <- Event{Kind: EventCredentialsReceived, SSID: "NetA"}
	transport.events <- Event{Kind: EventEnded}

	require.Eventually(t, func() bool {
		starts, _ := transport.counts()
		return starts == 2
	}, 2*time.Second, time.Millisecond)
	assert.Empty(t, called)
	assert.Equal(t, 1, s.Stats().CredentialsSeen)
}

func TestSupervisorRetriesFailedStart(t *testing.T) {
	transport := newMockTransport()
	transport.startFunc = func(attempt int) error {
		if attempt < 3 {
			return errors.New("adapter busy")
		}
		return nil
	}
	s := NewSupervisor(transport, &mockSaver{}, Config{RestartDelay: time.Millisecond}, testLogger())

	_, _ = runSupervisor(t, s)
	require.Eventually(t, func() bool {
		return s.Stats().Sessions == 1
	}, 2*time.Second, time.Millisecond)

	starts, _ := transport.counts()
	assert.Equal(t, 3, starts)
}

func TestSupervisorStopsWhileStartFailing(t *testing.T) {
	transport := newMockTransport()
	transport.startFunc = func(int) error {
		return errors.New("no adapter")
	}
	s := NewSupervisor(transport, &mockSaver{}, Config{RestartDelay: time.Hour}, testLogger())

	cancel, done := runSupervisor(t, s)
	require.Eventually(t, func() bool {
		starts, _ := transport.counts()
		return starts == 1
	}, 2*time.Second, time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("supervisor did not stop")
	}
	_, stops := transport.counts()
	assert.Equal(t, 0, stops)
}

func TestSupervisorEndsWhenEventsClose(t *testing.T) {
	transport := newMockTransport()
	s := NewSupervisor(transport, &mockSaver{}, Config{}, testLogger())

	_, done := runSupervisor(t, s)
	require.Eventually(t, func() bool {
		return s.Stats().Sessions == 1
	}, 2*time.Second, time.Millisecond)
	close(transport.events)

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("supervisor did not return")
	}
}

func TestEventKindString(t *testing.T) {
	assert.Equal(t, "credentials_received", EventCredentialsReceived.String())
	assert.Equal(t, "ended", EventEnded.String())
	assert.Equal(t, "event(42)", EventKind(42).String())
}
