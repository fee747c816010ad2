// Package keepalive periodically reports device state while the clock runs.
package keepalive

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Report is the device state included in every beat
type Report struct {
	WiFiState     string    `json:"wifi_state"`
	IP            string    `json:"ip,omitempty"`
	SyncState     string    `json:"sync_state"`
	LastSync      time.Time `json:"last_sync,omitempty"`
	Provisioning  bool      `json:"provisioning"`
	StoredEntries int       `json:"stored_entries"`
}

// Reporter supplies the current device state
type Reporter interface {
	Report(ctx context.Context) Report
}

// Beat is one keepalive message
type Beat struct {
	Sequence  int64     `json:"sequence"`
	Timestamp time.Time `json:"timestamp"`
	Uptime    string    `json:"uptime"`
	Report
}

// Publisher forwards beats to interested listeners
type Publisher interface {
	PublishBeat(ctx context.Context, beat Beat) error
}

// Config holds keepalive configuration
type Config struct {
	Interval time.Duration `json:"interval"`
}

// Stats contains statistics about keepalive operations
type Stats struct {
	IsRunning  bool          `json:"isRunning"`
	LastSent   time.Time     `json:"lastSent"`
	LastError  error         `json:"lastError,omitempty"`
	SendCount  int64         `json:"sendCount"`
	ErrorCount int64         `json:"errorCount"`
	Interval   time.Duration `json:"interval"`
}

// Manager emits a beat every interval
type Manager struct {
	mu        sync.RWMutex
	config    Config
	logger    *logrus.Entry
	reporter  Reporter
	publisher Publisher

	isRunning  bool
	startTime  time.Time
	lastSent   time.Time
	lastError  error
	sendCount  int64
	errorCount int64

	stopCh    chan struct{}
	stoppedCh chan struct{}
	resetCh   chan time.Duration
}

// Option is a functional option for configuring the Manager
type Option func(*Manager)

// WithLogger sets the logger for the keepalive manager
func WithLogger(logger *logrus.Entry) Option {
	return func(m *Manager) {
		m.logger = logger
	}
}

// WithPublisher forwards every beat to p in addition to the log
func WithPublisher(p Publisher) Option {
	return func(m *Manager) {
		m.publisher = p
	}
}

// NewManager creates a new keepalive manager
func NewManager(config Config, reporter Reporter, opts ...Option) *Manager {
	if config.Interval <= 0 {
		config.Interval = time.Minute
	}
	m := &Manager{
		config:   config,
		logger:   logrus.NewEntry(logrus.New()),
		reporter: reporter,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Start emits an initial beat and begins the periodic loop
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.isRunning {
		m.mu.Unlock()
		return fmt.Errorf("keepalive manager is already running")
	}
	m.isRunning = true
	m.startTime = time.Now()
	m.stopCh = make(chan struct{})
	m.stoppedCh = make(chan struct{})
	m.resetCh = make(chan time.Duration, 1)
	interval := m.config.Interval
	m.mu.Unlock()

	m.logger.WithField("interval", interval).Info("Starting keepalive")

	m.beat(ctx)
	go m.loop(ctx, interval, m.stopCh, m.stoppedCh, m.resetCh)

	return nil
}

// Stop stops the loop and waits for it to exit
func (m *Manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	if !m.isRunning {
		m.mu.Unlock()
		return nil
	}
	stopCh, stoppedCh := m.stopCh, m.stoppedCh
	m.isRunning = false
	m.mu.Unlock()

	close(stopCh)

	select {
	case <-stoppedCh:
		m.logger.Info("Keepalive stopped")
	case <-ctx.Done():
		m.logger.Warn("Keepalive stop timed out")
		return ctx.Err()
	}
	return nil
}

// GetStats returns keepalive statistics
func (m *Manager) GetStats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return Stats{
		IsRunning:  m.isRunning,
		LastSent:   m.lastSent,
		LastError:  m.lastError,
		SendCount:  m.sendCount,
		ErrorCount: m.errorCount,
		Interval:   m.config.Interval,
	}
}

// UpdateConfig changes the interval; a running loop picks it up immediately.
func (m *Manager) UpdateConfig(config Config) {
	if config.Interval <= 0 {
		return
	}

	m.mu.Lock()
	m.config = config
	running, resetCh := m.isRunning, m.resetCh
	m.mu.Unlock()

	if running {
		// Keep only the latest interval
		select {
		case <-resetCh:
		default:
		}
		resetCh <- config.Interval
	}
	m.logger.WithField("interval", config.Interval).Info("Keepalive configuration updated")
}

func (m *Manager) loop(ctx context.Context, interval time.Duration, stopCh <-chan struct{}, stoppedCh chan<- struct{}, resetCh <-chan time.Duration) {
	defer close(stoppedCh)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.logger.Debug("Keepalive loop stopped due to context cancellation")
			return
		case <-stopCh:
			return
		case d := <-resetCh:
			ticker.Reset(d)
		case <-ticker.C:
			m.beat(ctx)
		}
	}
}

func (m *Manager) beat(ctx context.Context) {
	m.mu.Lock()
	m.sendCount++
	seq := m.sendCount
	uptime := time.Since(m.startTime).Truncate(time.Second)
	m.mu.Unlock()

	beat := Beat{
		Sequence:  seq,
		Timestamp: time.Now().UTC(),
		Uptime:    uptime.String(),
		Report:    m.reporter.Report(ctx),
	}

	m.logger.WithFields(logrus.Fields{
		"sequence":   beat.Sequence,
		"uptime":     beat.Uptime,
		"wifi_state": beat.WiFiState,
		"ip":         beat.IP,
		"sync_state": beat.SyncState,
	}).Info("Keepalive")

	var err error
	if m.publisher != nil {
		err = m.publisher.PublishBeat(ctx, beat)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastSent = beat.Timestamp
	m.lastError = err
	if err != nil {
		m.errorCount++
		m.logger.WithError(err).Warn("Failed to publish keepalive")
	}
}
