// Package device wires the clock's components together and runs the boot
// sequence: storage, provisioning, network bring-up and time sync.
package device

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"smart-clock/internal/api"
	"smart-clock/internal/config"
	"smart-clock/internal/credentials"
	"smart-clock/internal/keepalive"
	"smart-clock/internal/logging"
	"smart-clock/internal/nvs"
	"smart-clock/internal/profiles"
	"smart-clock/internal/provision"
	"smart-clock/internal/timesync"
	"smart-clock/internal/wifi"
)

// Manager coordinates all clock components
type Manager struct {
	mu     sync.RWMutex
	config *config.Config
	logger *logrus.Logger

	// Core components
	partition  *nvs.Partition
	creds      *credentials.Manager
	profiles   *profiles.Manager
	radio      wifi.Radio
	station    *wifi.Station
	clock      timesync.Clock
	timeClient timesync.Client
	syncer     *timesync.Controller
	supervisor *provision.Supervisor
	transport  provision.Transport
	keepalive  *keepalive.Manager

	// API server
	apiServer  *api.Server
	advertiser *api.Advertiser

	bringUp       chan struct{}
	attemptMu     sync.Mutex
	attemptCancel context.CancelFunc
	wg            sync.WaitGroup
	closeOnce sync.Once
	closeErr  error

	// State
	isRunning bool
	startTime time.Time
	version   string
	deviceID  string
	cancel    context.CancelFunc
}

// ManagerOption is a functional option for configuring the Manager
type ManagerOption func(*Manager)

// WithVersion sets the version for the manager
func WithVersion(version string) ManagerOption {
	return func(m *Manager) {
		m.version = version
	}
}

// WithDeviceID sets the device ID for the manager
func WithDeviceID(deviceID string) ManagerOption {
	return func(m *Manager) {
		m.deviceID = deviceID
	}
}

// WithLogger sets the root logger
func WithLogger(logger *logrus.Logger) ManagerOption {
	return func(m *Manager) {
		m.logger = logger
	}
}

// WithRadio replaces the configured radio driver
func WithRadio(radio wifi.Radio) ManagerOption {
	return func(m *Manager) {
		m.radio = radio
	}
}

// WithTimeClient replaces the NTP client
func WithTimeClient(client timesync.Client) ManagerOption {
	return func(m *Manager) {
		m.timeClient = client
	}
}

// WithTransport replaces the provisioning transport
func WithTransport(transport provision.Transport) ManagerOption {
	return func(m *Manager) {
		m.transport = transport
	}
}

// NewManager creates a new device manager. Storage initialization failure
// is fatal and returned; every other component degrades with a log entry.
func NewManager(ctx context.Context, cfg *config.Config, opts ...ManagerOption) (*Manager, error) {
	m := &Manager{
		config:  cfg,
		version: "unknown",
		bringUp: make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.logger == nil {
		m.logger = logging.Initialize(cfg.LogLevel)
	}
	if m.deviceID == "" {
		m.deviceID, _ = os.Hostname()
	}

	if err := m.initializeComponents(ctx); err != nil {
		return nil, fmt.Errorf("failed to initialize components: %w", err)
	}
	return m, nil
}

func (m *Manager) component(name string) *logrus.Entry {
	return logging.NewComponentLogger(m.logger, name)
}

// initializeComponents initializes all clock components
func (m *Manager) initializeComponents(ctx context.Context) error {
	m.component(logging.ComponentMain).Info("Initializing clock components")

	partition, err := OpenStore(ctx, m.config.Storage, m.component(logging.ComponentNVS))
	if err != nil {
		logging.LogFatalError(m.logger, err, logging.ErrorCategoryStorage, logging.ComponentNVS, "init")
		return err
	}
	m.partition = partition

	m.creds = credentials.NewManager(partition, m.config.Storage.Namespace, m.component(logging.ComponentNVS))
	m.profiles = profiles.NewManager(partition, m.config.Storage.Namespace, m.component(logging.ComponentNVS))

	// Network bring-up
	if m.radio == nil {
		m.radio = wifi.NewSimRadio(wifi.SimConfig{
			SSID:      m.config.WiFi.Sim.SSID,
			Password:  m.config.WiFi.Sim.Password,
			IP:        m.config.WiFi.Sim.IP,
			FailFirst: m.config.WiFi.Sim.FailFirst,
			Silent:    m.config.WiFi.Sim.Silent,
		})
	}
	m.station = wifi.NewStation(m.radio, m.creds, wifi.Config{
		MaxRetry:       m.config.WiFi.MaxRetry,
		ConnectTimeout: m.config.WiFi.ConnectTimeout,
	}, m.component(logging.ComponentWiFi))

	// Time sync
	if m.config.NTP.SetSystemClock {
		m.clock = timesync.SystemClock{}
	} else {
		m.clock = timesync.NewOffsetClock()
	}
	if m.timeClient == nil {
		m.timeClient = timesync.NewNTPClient(m.clock, timesync.NTPClientConfig{
			QueryTimeout:   m.config.NTP.QueryTimeout,
			RetryInterval:  m.config.NTP.PollInterval,
			ResyncInterval: m.config.NTP.ResyncInterval,
		}, m.component(logging.ComponentNTP))
	}
	syncConfig := timesync.Config{
		Servers:      m.config.NTP.Servers,
		PollInterval: m.config.NTP.PollInterval,
		MaxPolls:     m.config.NTP.MaxPolls,
	}
	if m.config.NTP.ResolveServers {
		syncConfig.Resolver = wifi.ResolveHost
	}
	m.syncer = timesync.NewController(m.timeClient, syncConfig, m.component(logging.ComponentNTP))

	// Provisioning
	if m.transport == nil && m.config.Provisioning.Enabled && m.config.Provisioning.Transport == "ble" {
		transport, err := provision.NewBLETransport(m.component(logging.ComponentProvisioning))
		if err != nil {
			logging.LogPhaseError(m.logger, err, logging.ErrorCategoryProvisioning, logging.ComponentProvisioning, "init", true)
		} else {
			m.transport = transport
		}
	}
	if m.transport != nil {
		m.supervisor = provision.NewSupervisor(m.transport, m.creds, provision.Config{
			ServiceName: m.config.Provisioning.ServiceName,
		}, m.component(logging.ComponentProvisioning))
		m.supervisor.OnCredentials = func(creds credentials.Credentials) {
			if m.apiServer != nil {
				m.apiServer.Hub().BroadcastEvent(api.EventProvisioning, map[string]string{"ssid": creds.SSID})
			}
			m.TriggerBringUp()
		}
	}

	// Initialize API server if enabled
	var publisher keepalive.Publisher
	if m.config.API.Enabled {
		serverConfig := api.DefaultServerConfig()
		serverConfig.Host = m.config.API.Host
		serverConfig.Port = m.config.API.Port
		serverConfig.JWTSecret = m.config.API.JWTSecret

		m.apiServer = api.NewServer(serverConfig, m, m.profiles, m.creds, m.component(logging.ComponentAPI))
		hub := m.apiServer.Hub()
		publisher = hub

		m.station.OnStateChange(func(st wifi.Status) {
			hub.BroadcastEvent(api.EventWiFiState, st)
		})

		if m.config.API.MDNS {
			m.advertiser = api.NewAdvertiser(m.component(logging.ComponentAPI))
		}
	}

	opts := []keepalive.Option{keepalive.WithLogger(m.component(logging.ComponentKeepalive))}
	if publisher != nil {
		opts = append(opts, keepalive.WithPublisher(publisher))
	}
	m.keepalive = keepalive.NewManager(keepalive.Config{Interval: m.config.Keepalive.Interval}, m, opts...)

	m.component(logging.ComponentMain).Info("Clock components initialized successfully")
	return nil
}

// Start runs the boot sequence and blocks until ctx is cancelled or Stop is called
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.isRunning {
		m.mu.Unlock()
		return fmt.Errorf("device manager is already running")
	}

	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.isRunning = true
	m.startTime = time.Now()
	m.mu.Unlock()

	logger := m.component(logging.ComponentMain)
	logger.WithFields(logrus.Fields{
		"version":   m.version,
		"device_id": m.deviceID,
	}).Info("Starting smart clock")

	if m.supervisor != nil {
		m.goRun(func() {
			if err := m.supervisor.Run(runCtx); err != nil {
				logging.LogPhaseError(m.logger, err, logging.ErrorCategoryProvisioning, logging.ComponentProvisioning, "run", true)
			}
		})
	}

	if m.apiServer != nil {
		m.goRun(func() {
			if err := m.apiServer.Start(runCtx); err != nil && !errors.Is(err, context.Canceled) {
				logging.LogPhaseError(m.logger, err, logging.ErrorCategoryService, logging.ComponentAPI, "serve", true)
			}
		})
		if m.advertiser != nil {
			m.goRun(func() { m.advertise(runCtx) })
		}
	}

	if err := m.keepalive.Start(runCtx); err != nil {
		logger.WithError(err).Warn("Failed to start keepalive")
	}

	m.TriggerBringUp()
	m.goRun(func() { m.bringUpLoop(runCtx) })

	logger.Info("Smart clock started")

	<-runCtx.Done()
	return m.shutdown()
}

// Stop requests a graceful shutdown of a running manager
func (m *Manager) Stop() error {
	m.mu.RLock()
	cancel := m.cancel
	m.mu.RUnlock()

	m.component(logging.ComponentMain).Info("Stopping smart clock")
	if cancel != nil {
		cancel()
	}
	return nil
}

// Close releases the store of a manager that was never started
func (m *Manager) Close() error {
	m.mu.RLock()
	running := m.isRunning
	m.mu.RUnlock()
	if running {
		return fmt.Errorf("device manager is running")
	}
	return m.closeStore()
}

func (m *Manager) closeStore() error {
	m.closeOnce.Do(func() {
		m.closeErr = m.partition.Close()
	})
	return m.closeErr
}

func (m *Manager) goRun(fn func()) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		fn()
	}()
}

// TriggerBringUp schedules a Wi-Fi bring-up followed by a time sync.
// An attempt in progress is cancelled so the next one reads the current
// credentials. Requests made while one is pending are merged.
func (m *Manager) TriggerBringUp() {
	m.attemptMu.Lock()
	defer m.attemptMu.Unlock()

	if m.attemptCancel != nil {
		m.attemptCancel()
	}
	select {
	case m.bringUp <- struct{}{}:
	default:
	}
}

func (m *Manager) bringUpLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.bringUp:
		}

		m.attemptMu.Lock()
		if len(m.bringUp) > 0 {
			// superseded before it started
			m.attemptMu.Unlock()
			continue
		}
		attemptCtx, cancel := context.WithCancel(ctx)
		m.attemptCancel = cancel
		m.attemptMu.Unlock()

		m.runBringUp(attemptCtx)

		m.attemptMu.Lock()
		m.attemptCancel = nil
		m.attemptMu.Unlock()
		cancel()
	}
}

// runBringUp connects the station and then synchronizes time. A failed
// phase is logged and the device keeps running.
func (m *Manager) runBringUp(ctx context.Context) {
	if err := m.station.Connect(ctx); err != nil {
		if ctx.Err() != nil {
			m.component(logging.ComponentWiFi).Debug("Bring-up attempt cancelled")
			return
		}
		if errors.Is(err, wifi.ErrNoCredentials) {
			m.component(logging.ComponentWiFi).Warn("No Wi-Fi credentials stored, waiting for provisioning")
			return
		}
		logging.LogPhaseError(m.logger, err, logging.ErrorCategoryNetwork, logging.ComponentWiFi, "bring_up", true)
		return
	}

	err := m.syncer.Sync(ctx)
	if ctx.Err() != nil {
		return
	}
	if err != nil {
		logging.LogPhaseError(m.logger, err, logging.ErrorCategoryTime, logging.ComponentNTP, "sync", true)
	}
	if m.apiServer != nil {
		m.apiServer.Hub().BroadcastEvent(api.EventTimeSync, m.syncer.Status())
	}
}

func (m *Manager) advertise(ctx context.Context) {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for m.apiServer.Port() == 0 {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}

	txt := []string{"version=" + m.version, "id=" + m.deviceID}
	if err := m.advertiser.Advertise(m.deviceID, m.apiServer.Port(), txt); err != nil {
		logging.LogPhaseError(m.logger, err, logging.ErrorCategoryNetwork, logging.ComponentAPI, "mdns", true)
	}
}

// shutdown performs graceful shutdown of all components
func (m *Manager) shutdown() error {
	logger := m.component(logging.ComponentMain)
	logger.Info("Shutting down smart clock")

	var errs []error

	// The API server, supervisor and bring-up loop all stop on ctx
	m.wg.Wait()

	if m.advertiser != nil {
		m.advertiser.Shutdown()
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.keepalive.Stop(stopCtx); err != nil {
		errs = append(errs, fmt.Errorf("keepalive stop: %w", err))
	}

	if err := m.station.Disconnect(); err != nil {
		errs = append(errs, fmt.Errorf("wifi disconnect: %w", err))
	}
	m.timeClient.Stop()

	if err := m.closeStore(); err != nil {
		errs = append(errs, fmt.Errorf("store close: %w", err))
	}

	m.mu.Lock()
	m.isRunning = false
	m.cancel = nil
	m.mu.Unlock()

	if len(errs) > 0 {
		err := errors.Join(errs...)
		logger.WithError(err).Error("Shutdown completed with errors")
		return err
	}

	logger.Info("Smart clock shutdown completed successfully")
	return nil
}

// ApplyConfig applies the settings that can change without a restart
func (m *Manager) ApplyConfig(cfg *config.Config) {
	m.mu.Lock()
	m.config.LogLevel = cfg.LogLevel
	m.config.Keepalive = cfg.Keepalive
	m.mu.Unlock()

	logging.SetLevel(m.logger, cfg.LogLevel)
	m.keepalive.UpdateConfig(keepalive.Config{Interval: cfg.Keepalive.Interval})
	m.component(logging.ComponentMain).Info("Configuration reloaded")
}

// IsRunning returns true if the manager is currently running
func (m *Manager) IsRunning() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.isRunning
}

// GetUptime returns the uptime of the manager
func (m *Manager) GetUptime() time.Duration {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if !m.isRunning {
		return 0
	}
	return time.Since(m.startTime)
}

// Credentials returns the credential manager
func (m *Manager) Credentials() *credentials.Manager {
	return m.creds
}

// Profiles returns the profile manager
func (m *Manager) Profiles() *profiles.Manager {
	return m.profiles
}

// Station returns the Wi-Fi station
func (m *Manager) Station() *wifi.Station {
	return m.station
}

// TimeSync returns the time sync controller
func (m *Manager) TimeSync() *timesync.Controller {
	return m.syncer
}

// SetCredentials stores a new network and schedules a reconnect
func (m *Manager) SetCredentials(ctx context.Context, ssid, password string) error {
	if err := m.creds.Save(ssid, password); err != nil {
		return err
	}
	m.TriggerBringUp()
	return nil
}

// Status returns a snapshot of every component
func (m *Manager) Status(ctx context.Context) api.DeviceStatus {
	status := api.DeviceStatus{
		Version:   m.version,
		DeviceID:  m.deviceID,
		Uptime:    m.GetUptime().Truncate(time.Second).String(),
		Clock:     m.clock.Now().UTC(),
		WiFi:      m.station.Status(),
		TimeSync:  m.syncer.Status(),
		Keepalive: m.keepalive.GetStats(),
		Storage: api.StorageStatus{
			Engine:   m.config.Storage.Engine,
			Capacity: m.config.Storage.Capacity,
		},
	}
	if m.supervisor != nil {
		status.Provisioning = m.supervisor.Stats()
	}
	if used, err := m.partition.Used(ctx); err == nil {
		status.Storage.Entries = used
	} else {
		m.component(logging.ComponentNVS).WithError(err).Warn("Failed to count stored entries")
	}
	return status
}

// Report implements keepalive.Reporter
func (m *Manager) Report(ctx context.Context) keepalive.Report {
	wifiStatus := m.station.Status()
	syncStatus := m.syncer.Status()

	report := keepalive.Report{
		WiFiState:    wifiStatus.State.String(),
		IP:           wifiStatus.IP,
		SyncState:    syncStatus.State.String(),
		LastSync:     syncStatus.LastSync,
		Provisioning: m.supervisor != nil && m.supervisor.Stats().Running,
	}
	if used, err := m.partition.Used(ctx); err == nil {
		report.StoredEntries = used
	}
	return report
}
