package provision

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"smart-clock/internal/credentials"
)

// CredentialSaver persists received credentials
type CredentialSaver interface {
	Save(ssid, password string) error
}

// Config holds supervisor configuration
type Config struct {
	ServiceName  string
	RestartDelay time.Duration // wait before retrying a failed Start
}

// Stats describes provisioning activity
type Stats struct {
	Running         bool      `json:"running"`
	SessionID       string    `json:"session_id,omitempty"`
	Sessions        int       `json:"sessions"`
	CredentialsSeen int       `json:"credentials_seen"`
	LastSSID        string    `json:"last_ssid,omitempty"`
	LastReceived    time.Time `json:"last_received,omitempty"`
}

// Supervisor runs the transport in an explicit loop, saving every received
// credential pair and restarting the transport whenever a session ends.
type Supervisor struct {
	transport Transport
	saver     CredentialSaver
	config    Config
	logger    *logrus.Entry

	// OnCredentials is called after a received pair was saved.
	OnCredentials func(creds credentials.Credentials)

	mu    sync.RWMutex
	stats Stats
}

// NewSupervisor creates a provisioning supervisor
func NewSupervisor(transport Transport, saver CredentialSaver, config Config, logger *logrus.Entry) *Supervisor {
	if config.ServiceName == "" {
		config.ServiceName = DefaultServiceName
	}
	if config.RestartDelay <= 0 {
		config.RestartDelay = 5 * time.Second
	}
	if logger == nil {
		logger = logrus.NewEntry(logrus.New())
	}

	return &Supervisor{
		transport: transport,
		saver:     saver,
		config:    config,
		logger:    logger,
	}
}

// Run blocks until ctx is cancelled
func (s *Supervisor) Run(ctx context.Context) error {
	s.setRunning(true)
	defer s.setRunning(false)

	if !s.start(ctx) {
		return nil
	}
	defer func() {
		if err := s.transport.Stop(); err != nil {
			s.logger.WithError(err).Warn("Failed to stop provisioning transport")
		}
	}()

	events := s.transport.Events()
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Provisioning supervisor stopped")
			return nil
		case ev, ok := <-events:
			if !ok {
				s.logger.Warn("Provisioning transport closed its event stream")
				return nil
			}
			if s.handle(ev) && !s.restart(ctx) {
				return nil
			}
		}
	}
}

// handle processes one event and reports whether the session ended
func (s *Supervisor) handle(ev Event) bool {
	logger := s.logger.WithField("session_id", s.Stats().SessionID)

	switch ev.Kind {
	case EventStarted:
		logger.Info("Provisioning started")

	case EventCredentialsReceived:
		logger.WithField("ssid", ev.SSID).Info("Received Wi-Fi credentials")
		s.mu.Lock()
		s.stats.CredentialsSeen++
		s.stats.LastSSID = ev.SSID
		s.stats.LastReceived = time.Now()
		s.mu.Unlock()

		if err := s.saver.Save(ev.SSID, ev.Password); err != nil {
			logger.WithError(err).Error("Failed to save provisioned credentials")
			return false
		}
		if s.OnCredentials != nil {
			s.OnCredentials(credentials.Credentials{SSID: ev.SSID, Password: ev.Password})
		}

	case EventCredentialsFailed:
		logger.WithField("reason", ev.Reason).Error("Provisioning failed")

	case EventCredentialsSucceeded:
		logger.Info("Provisioning successful")

	case EventEnded:
		logger.Info("Provisioning ended")
		return true
	}
	return false
}

// restart re-arms the transport after a session ended
func (s *Supervisor) restart(ctx context.Context) bool {
	if err := s.transport.Stop(); err != nil {
		s.logger.WithError(err).Warn("Failed to stop provisioning transport")
	}
	return s.start(ctx)
}

// start starts the transport, retrying until it succeeds or ctx ends
func (s *Supervisor) start(ctx context.Context) bool {
	for {
		sessionID := uuid.NewString()
		err := s.transport.Start(ctx, s.config.ServiceName)
		if err == nil {
			s.mu.Lock()
			s.stats.SessionID = sessionID
			s.stats.Sessions++
			s.mu.Unlock()

			s.logger.WithFields(logrus.Fields{
				"session_id":   sessionID,
				"service_name": s.config.ServiceName,
			}).Info("Provisioning transport started")
			return true
		}

		s.logger.WithError(err).Error("Failed to start provisioning transport")
		select {
		case <-ctx.Done():
			return false
		case <-time.After(s.config.RestartDelay):
		}
	}
}

func (s *Supervisor) setRunning(running bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stats.Running = running
}

// Stats returns a snapshot of provisioning activity
func (s *Supervisor) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stats
}
