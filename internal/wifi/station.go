package wifi

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"smart-clock/internal/credentials"
	"smart-clock/internal/eventgroup"
)

// DefaultMaxRetry is the number of reconnect attempts before giving up.
const DefaultMaxRetry = 5

// Event group bits
const (
	BitConnected eventgroup.Bits = 1 << 0
	BitFail      eventgroup.Bits = 1 << 1
)

var (
	// ErrNoCredentials means no SSID is stored; no connect request is issued.
	ErrNoCredentials = errors.New("no wifi credentials configured")
	// ErrConnectionFailed means the retry budget was exhausted.
	ErrConnectionFailed = errors.New("wifi connection failed")
)

// State is the bring-up state
type State int

const (
	StateIdle State = iota
	StateStarting
	StateConnecting
	StateConnected
	StateFailed
)

// String returns the state name
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStarting:
		return "starting"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// MarshalText encodes the state by name
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// CredentialLoader supplies the stored credentials
type CredentialLoader interface {
	Load() (credentials.Credentials, error)
}

// Config holds station configuration
type Config struct {
	MaxRetry       int
	ConnectTimeout time.Duration // 0 waits for the retry budget only
}

// Status is a snapshot of the station
type Status struct {
	State   State     `json:"state"`
	Retries int       `json:"retries"`
	SSID    string    `json:"ssid,omitempty"`
	IP      string    `json:"ip,omitempty"`
	Since   time.Time `json:"since"`
}

// Station is the long-lived bring-up state machine. The retry counter is only
// written from the radio's event callback.
type Station struct {
	radio    Radio
	creds    CredentialLoader
	logger   *logrus.Entry
	maxRetry int
	timeout  time.Duration

	events *eventgroup.Group

	connectMu sync.Mutex
	started   bool

	mu        sync.RWMutex
	state     State
	retries   int
	ssid      string
	ip        string
	since     time.Time
	observers []func(Status)
}

// NewStation creates a station and registers it as the radio's event handler.
func NewStation(radio Radio, creds CredentialLoader, config Config, logger *logrus.Entry) *Station {
	if config.MaxRetry <= 0 {
		config.MaxRetry = DefaultMaxRetry
	}
	if logger == nil {
		logger = logrus.NewEntry(logrus.New())
	}

	s := &Station{
		radio:    radio,
		creds:    creds,
		logger:   logger,
		maxRetry: config.MaxRetry,
		timeout:  config.ConnectTimeout,
		events:   eventgroup.New(),
		state:    StateIdle,
		since:    time.Now(),
	}
	radio.SetEventHandler(s.handleEvent)
	return s
}

// OnStateChange registers an observer called after every state transition.
func (s *Station) OnStateChange(fn func(Status)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observers = append(s.observers, fn)
}

// Status returns the current snapshot
func (s *Station) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.statusLocked()
}

func (s *Station) statusLocked() Status {
	return Status{
		State:   s.state,
		Retries: s.retries,
		SSID:    s.ssid,
		IP:      s.ip,
		Since:   s.since,
	}
}

// Connected reports whether the station currently holds an address
func (s *Station) Connected() bool {
	return s.events.Get()&BitConnected != 0
}

// Connect loads the credentials, starts the radio and blocks until the
// station is connected or has failed. When a connect timeout is configured,
// or ctx ends first, the radio is stopped and the context error returned.
// Calls are serialized; a call on a running station restarts the interface
// with freshly loaded credentials.
func (s *Station) Connect(ctx context.Context) error {
	s.connectMu.Lock()
	defer s.connectMu.Unlock()

	creds, err := s.creds.Load()
	if err != nil {
		s.setState(StateFailed, "")
		s.logger.WithError(err).Error("Failed to load wifi credentials")
		return err
	}
	if !creds.Configured() {
		s.setState(StateFailed, "")
		s.logger.Warn("No wifi credentials configured")
		return ErrNoCredentials
	}

	if s.started {
		if err := s.radio.Stop(); err != nil {
			s.logger.WithError(err).Warn("Failed to stop radio before restart")
		}
		s.started = false
	}

	s.events.Clear(BitConnected | BitFail)
	s.mu.Lock()
	s.retries = 0
	s.ssid = creds.SSID
	s.ip = ""
	s.mu.Unlock()
	s.setState(StateStarting, "")

	cfg := NewStationConfig(creds.SSID, creds.Password)
	if err := s.radio.Configure(cfg); err != nil {
		s.setState(StateFailed, "")
		return fmt.Errorf("failed to configure radio: %w", err)
	}
	if err := s.radio.Start(); err != nil {
		s.setState(StateFailed, "")
		return fmt.Errorf("failed to start radio: %w", err)
	}
	s.started = true

	s.logger.WithField("ssid", cfg.SSIDString()).Info("wifi_init_sta finished")

	waitCtx := ctx
	if s.timeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	bits, err := s.events.Wait(waitCtx, BitConnected|BitFail, false)
	if err != nil {
		if stopErr := s.radio.Stop(); stopErr != nil {
			s.logger.WithError(stopErr).Warn("Failed to stop radio")
		}
		s.started = false
		s.setState(StateFailed, "")
		s.logger.WithError(err).Error("Wifi bring-up abandoned")
		return fmt.Errorf("wifi bring-up abandoned: %w", err)
	}

	if bits&BitConnected != 0 {
		s.logger.WithField("ssid", creds.SSID).Info("Connected to AP")
		return nil
	}
	s.logger.WithField("ssid", creds.SSID).Error("Failed to connect to AP")
	return ErrConnectionFailed
}

// Disconnect stops the radio and returns the station to idle
func (s *Station) Disconnect() error {
	s.connectMu.Lock()
	defer s.connectMu.Unlock()

	if !s.started {
		return nil
	}
	s.started = false
	err := s.radio.Stop()
	s.events.Clear(BitConnected | BitFail)
	s.setState(StateIdle, "")
	return err
}

func (s *Station) handleEvent(ev Event) {
	switch ev.Kind {
	case EventStationStarted:
		s.setState(StateConnecting, "")
		if err := s.radio.Connect(); err != nil {
			s.logger.WithError(err).Error("Connect request failed")
		}

	case EventDisconnected:
		s.events.Clear(BitConnected)

		s.mu.Lock()
		if s.state == StateIdle {
			s.mu.Unlock()
			return
		}
		retry := s.retries < s.maxRetry
		if retry {
			s.retries++
		}
		attempt := s.retries
		s.mu.Unlock()

		if retry {
			s.setState(StateConnecting, "")
			s.logger.WithFields(logrus.Fields{
				"attempt": attempt,
				"reason":  ev.Reason,
			}).Info("Retry to connect to the AP")
			if err := s.radio.Connect(); err != nil {
				s.logger.WithError(err).Error("Connect request failed")
			}
			return
		}

		s.setState(StateFailed, "")
		s.events.Set(BitFail)
		s.logger.WithField("reason", ev.Reason).Warn("Connect to the AP fail")

	case EventGotAddress:
		s.mu.Lock()
		s.retries = 0
		s.mu.Unlock()

		s.setState(StateConnected, ev.IP)
		s.events.Clear(BitFail)
		s.events.Set(BitConnected)
		s.logger.WithField("ip", ev.IP).Info("Got IP")
	}
}

func (s *Station) setState(state State, ip string) {
	s.mu.Lock()
	changed := s.state != state || s.ip != ip
	s.state = state
	s.ip = ip
	if changed {
		s.since = time.Now()
	}
	status := s.statusLocked()
	observers := append([]func(Status){}, s.observers...)
	s.mu.Unlock()

	if !changed {
		return
	}
	for _, fn := range observers {
		fn(status)
	}
}
