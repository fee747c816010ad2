package device

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"smart-clock/internal/config"
	"smart-clock/internal/credentials"
	"smart-clock/internal/nvs"
	"smart-clock/internal/profiles"
	"smart-clock/internal/provision"
	"smart-clock/internal/timesync"
	"smart-clock/internal/wifi"
)

type fakeTimeClient struct {
	mu     sync.Mutex
	notify func(time.Time)
	starts int
	stops  int
}

func (c *fakeTimeClient) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stops++
}

func (c *fakeTimeClient) SetOperatingMode(mode timesync.Mode) {}

func (c *fakeTimeClient) SetServers(servers []string) {}

func (c *fakeTimeClient) SetSyncNotification(fn func(time.Time)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.notify = fn
}

func (c *fakeTimeClient) Start() error {
	c.mu.Lock()
	c.starts++
	notify := c.notify
	c.mu.Unlock()
	if notify != nil {
		go notify(time.Now())
	}
	return nil
}

func (c *fakeTimeClient) Status() timesync.ClientStatus {
	return timesync.ClientStatus{}
}

type fakeTransport struct {
	events chan provision.Event
}

func (t *fakeTransport) Start(ctx context.Context, serviceName string) error {
	t.events <- provision.Event{Kind: provision.EventStarted}
	return nil
}

func (t *fakeTransport) Events() <-chan provision.Event {
	return t.events
}

func (t *fakeTransport) Stop() error {
	return nil
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.LogLevel = "error"
	cfg.Storage.Path = filepath.Join(t.TempDir(), "nvs.db")
	cfg.WiFi.Sim = config.SimConfig{SSID: "home", Password: "secret", IP: "10.0.0.7"}
	cfg.NTP.PollInterval = 10 * time.Millisecond
	cfg.NTP.MaxPolls = 5
	cfg.NTP.ResolveServers = false
	cfg.Provisioning.Enabled = false
	cfg.Provisioning.Transport = "none"
	cfg.API.Enabled = false
	cfg.API.MDNS = false
	cfg.Keepalive.Interval = time.Hour
	return cfg
}

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

func newTestManager(t *testing.T, cfg *config.Config, opts ...ManagerOption) (*Manager, *fakeTimeClient) {
	t.Helper()
	client := &fakeTimeClient{}
	opts = append([]ManagerOption{WithLogger(testLogger()), WithTimeClient(client), WithVersion("test"), WithDeviceID("clock-test")}, opts...)
	m, err := NewManager(context.Background(), cfg, opts...)
	require.NoError(t, err)
	return m, client
}

func startManager(t *testing.T, m *Manager) {
	t.Helper()
	errCh := make(chan error, 1)
	go func() { errCh <- m.Start(context.Background()) }()

	t.Cleanup(func() {
		m.Stop()
		select {
		case err := <-errCh:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Error("manager did not stop")
		}
	})
	require.Eventually(t, m.IsRunning, 2*time.Second, 5*time.Millisecond)
}

func TestOpenStore(t *testing.T) {
	cfg := testConfig(t).Storage

	partition, err := OpenStore(context.Background(), cfg, nil)
	require.NoError(t, err)
	require.NoError(t, partition.Close())

	cfg.Engine = "flash"
	_, err = OpenStore(context.Background(), cfg, nil)
	assert.ErrorIs(t, err, nvs.ErrStoreUnavailable)

	cfg.Engine = "sqlite"
	cfg.Path = ""
	_, err = OpenStore(context.Background(), cfg, nil)
	assert.ErrorIs(t, err, nvs.ErrStoreUnavailable)
}

func TestFullKeySpaceSurvivesRestart(t *testing.T) {
	cfg := testConfig(t).Storage
	ctx := context.Background()

	partition, err := OpenStore(ctx, cfg, nil)
	require.NoError(t, err)

	creds := credentials.NewManager(partition, cfg.Namespace, nil)
	profileManager := profiles.NewManager(partition, cfg.Namespace, nil)
	require.NoError(t, creds.Save("NetA", "pw123"))
	for id := 0; id <= 255; id++ {
		v := uint8(id)
		require.NoError(t, profileManager.Save(v, profiles.Profile{Red: v, Green: 255 - v, Brightness: 150}), "profile %d", id)
	}
	require.NoError(t, partition.Close())

	partition, err = OpenStore(ctx, cfg, nil)
	require.NoError(t, err)
	defer partition.Close()

	used, err := partition.Used(ctx)
	require.NoError(t, err)
	assert.Equal(t, 258, used)

	loaded, err := credentials.NewManager(partition, cfg.Namespace, nil).Load()
	require.NoError(t, err)
	assert.Equal(t, credentials.Credentials{SSID: "NetA", Password: "pw123"}, loaded)

	profileManager = profiles.NewManager(partition, cfg.Namespace, nil)
	for _, id := range []uint8{0, 128, 255} {
		p, err := profileManager.Load(id)
		require.NoError(t, err)
		assert.Equal(t, profiles.Profile{Red: id, Green: 255 - id, Brightness: 150}, p)
	}
}

func TestNewManagerFailsWithoutStore(t *testing.T) {
	cfg := testConfig(t)
	cfg.Storage.Engine = "flash"

	_, err := NewManager(context.Background(), cfg, WithLogger(testLogger()))
	assert.ErrorIs(t, err, nvs.ErrStoreUnavailable)
}

func TestBootWithStoredCredentials(t *testing.T) {
	cfg := testConfig(t)
	m, client := newTestManager(t, cfg)
	require.NoError(t, m.Credentials().Save("home", "secret"))

	startManager(t, m)

	require.Eventually(t, func() bool {
		return m.TimeSync().Status().State == timesync.StateSynced
	}, 2*time.Second, 5*time.Millisecond)

	status := m.Status(context.Background())
	assert.Equal(t, wifi.StateConnected, status.WiFi.State)
	assert.Equal(t, "10.0.0.7", status.WiFi.IP)
	assert.Equal(t, "clock-test", status.DeviceID)
	assert.Equal(t, "sqlite", status.Storage.Engine)
	assert.Equal(t, 2, status.Storage.Entries)

	client.mu.Lock()
	assert.Equal(t, 1, client.starts)
	client.mu.Unlock()

	report := m.Report(context.Background())
	assert.Equal(t, "connected", report.WiFiState)
	assert.Equal(t, "synced", report.SyncState)
	assert.False(t, report.Provisioning)
}

func TestBootWithoutCredentialsWaitsForThem(t *testing.T) {
	cfg := testConfig(t)
	radio := wifi.NewSimRadio(wifi.SimConfig{SSID: "home", Password: "secret"})
	m, _ := newTestManager(t, cfg, WithRadio(radio))

	startManager(t, m)

	require.Eventually(t, func() bool {
		return m.Station().Status().State == wifi.StateFailed
	}, 2*time.Second, 5*time.Millisecond)
	assert.Zero(t, radio.Connects())
	assert.Equal(t, timesync.StateIdle, m.TimeSync().Status().State)

	require.NoError(t, m.SetCredentials(context.Background(), "home", "secret"))

	require.Eventually(t, func() bool {
		return m.TimeSync().Status().State == timesync.StateSynced
	}, 2*time.Second, 5*time.Millisecond)
	assert.True(t, m.Station().Connected())
}

func TestWrongPasswordKeepsRunning(t *testing.T) {
	cfg := testConfig(t)
	cfg.WiFi.MaxRetry = 2
	m, client := newTestManager(t, cfg)
	require.NoError(t, m.Credentials().Save("home", "wrong"))

	startManager(t, m)

	require.Eventually(t, func() bool {
		return m.Station().Status().State == wifi.StateFailed
	}, 2*time.Second, 5*time.Millisecond)
	assert.True(t, m.IsRunning())

	client.mu.Lock()
	assert.Zero(t, client.starts, "time sync must not start without a network")
	client.mu.Unlock()
}

func TestNewCredentialsReplaceSilentAttempt(t *testing.T) {
	cfg := testConfig(t)
	cfg.WiFi.ConnectTimeout = 0
	radio := wifi.NewSimRadio(wifi.SimConfig{SSID: "home", Password: "secret", IP: "10.0.0.7", Silent: true})
	m, _ := newTestManager(t, cfg, WithRadio(radio))
	require.NoError(t, m.Credentials().Save("home", "secret"))

	startManager(t, m)

	require.Eventually(t, func() bool {
		return m.Station().Status().State == wifi.StateConnecting && radio.Connects() == 1
	}, 2*time.Second, 5*time.Millisecond)

	radio.SetConfig(wifi.SimConfig{SSID: "office", Password: "pw", IP: "10.0.0.9"})
	require.NoError(t, m.SetCredentials(context.Background(), "office", "pw"))

	require.Eventually(t, m.Station().Connected, 2*time.Second, 5*time.Millisecond)
	status := m.Station().Status()
	assert.Equal(t, "office", status.SSID)
	assert.Equal(t, "10.0.0.9", status.IP)

	require.Eventually(t, func() bool {
		return m.TimeSync().Status().State == timesync.StateSynced
	}, 2*time.Second, 5*time.Millisecond)
}

func TestTriggerBringUpMergesPendingRequests(t *testing.T) {
	cfg := testConfig(t)
	m, _ := newTestManager(t, cfg)
	defer m.Close()

	m.TriggerBringUp()
	m.TriggerBringUp()
	m.TriggerBringUp()
	assert.Len(t, m.bringUp, 1)
}

func TestProvisionedCredentialsTriggerBringUp(t *testing.T) {
	cfg := testConfig(t)
	transport := &fakeTransport{events: make(chan provision.Event, 8)}
	m, _ := newTestManager(t, cfg, WithTransport(transport))

	startManager(t, m)

	transport.events <- provision.Event{Kind: provision.EventCredentialsReceived, SSID: "home", Password: "secret"}

	require.Eventually(t, func() bool {
		return m.Station().Connected()
	}, 2*time.Second, 5*time.Millisecond)

	creds, err := m.Credentials().Load()
	require.NoError(t, err)
	assert.Equal(t, "home", creds.SSID)
	assert.Equal(t, 1, m.Status(context.Background()).Provisioning.CredentialsSeen)
}

func TestAPIServesStatus(t *testing.T) {
	cfg := testConfig(t)
	cfg.API.Enabled = true
	cfg.API.Host = "127.0.0.1"
	cfg.API.Port = 0
	m, _ := newTestManager(t, cfg)
	require.NoError(t, m.Credentials().Save("home", "secret"))

	startManager(t, m)

	require.Eventually(t, func() bool { return m.apiServer.Port() != 0 }, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, m.Station().Connected, 2*time.Second, 5*time.Millisecond)

	resp, err := http.Get(fmt.Sprintf("http://%s/api/v1/status", m.apiServer.Addr()))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "test", body["version"])
	assert.Equal(t, "connected", body["wifi"].(map[string]interface{})["state"])
}

func TestApplyConfig(t *testing.T) {
	cfg := testConfig(t)
	m, _ := newTestManager(t, cfg)
	defer m.Close()

	updated := testConfig(t)
	updated.LogLevel = "debug"
	updated.Keepalive.Interval = time.Minute
	m.ApplyConfig(updated)

	assert.Equal(t, logrus.DebugLevel, m.logger.GetLevel())
	assert.Equal(t, time.Minute, m.keepalive.GetStats().Interval)
}

func TestStartTwiceFails(t *testing.T) {
	cfg := testConfig(t)
	m, _ := newTestManager(t, cfg)

	startManager(t, m)
	assert.Error(t, m.Start(context.Background()))
	assert.Error(t, m.Close(), "close while running")
}
