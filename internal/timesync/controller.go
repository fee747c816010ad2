// Package timesync drives a network time client to a first synchronization
// and reports when the wall clock can be trusted.
package timesync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Defaults of the synchronization wait
const (
	DefaultPollInterval = 2 * time.Second
	DefaultMaxPolls     = 30
)

// DefaultServers are queried in order
var DefaultServers = []string{"pool.ntp.org", "time.nist.gov"}

// ErrSyncTimeout means no time sample arrived within the poll budget.
var ErrSyncTimeout = errors.New("time synchronization timed out")

// Mode is the time client operating mode
type Mode int

// ModePoll actively queries the configured servers. It is the only mode
// the controller uses.
const ModePoll Mode = 0

// String returns the mode name
func (m Mode) String() string {
	if m == ModePoll {
		return "poll"
	}
	return fmt.Sprintf("mode(%d)", int(m))
}

// ClientStatus describes a time client
type ClientStatus struct {
	Running  bool          `json:"running"`
	Server   string        `json:"server,omitempty"`
	LastSync time.Time     `json:"last_sync,omitempty"`
	Offset   time.Duration `json:"offset"`
}

// Client is the time-source client boundary.
type Client interface {
	Stop()
	SetOperatingMode(mode Mode)
	SetServers(servers []string)
	// SetSyncNotification registers the callback fired with each time sample.
	SetSyncNotification(fn func(time.Time))
	Start() error
	Status() ClientStatus
}

// Resolver looks up a host name
type Resolver func(ctx context.Context, host string) ([]string, error)

// State of the controller
type State int

const (
	StateIdle State = iota
	StateRequested
	StateSynced
	StateTimedOut
)

// String returns the state name
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRequested:
		return "requested"
	case StateSynced:
		return "synced"
	case StateTimedOut:
		return "timed_out"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// MarshalText encodes the state by name
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Config holds controller configuration
type Config struct {
	Servers      []string
	PollInterval time.Duration
	MaxPolls     int
	// Resolver, when set, is used to probe each server name before starting.
	Resolver Resolver
}

// Status is a snapshot of the controller
type Status struct {
	State    State     `json:"state"`
	LastSync time.Time `json:"last_sync,omitempty"`
	Servers  []string  `json:"servers"`
}

// Controller issues one synchronization request per Sync call and waits for
// the client's notification.
type Controller struct {
	client Client
	config Config
	logger *logrus.Entry
	after  func(time.Duration) <-chan time.Time

	syncMu sync.Mutex

	mu       sync.RWMutex
	state    State
	lastSync time.Time
}

// NewController creates a controller around client
func NewController(client Client, config Config, logger *logrus.Entry) *Controller {
	if len(config.Servers) == 0 {
		config.Servers = DefaultServers
	}
	if config.PollInterval <= 0 {
		config.PollInterval = DefaultPollInterval
	}
	if config.MaxPolls <= 0 {
		config.MaxPolls = DefaultMaxPolls
	}
	if logger == nil {
		logger = logrus.NewEntry(logrus.New())
	}

	return &Controller{
		client: client,
		config: config,
		logger: logger,
		after:  time.After,
	}
}

// Sync configures the client, starts it once and waits up to MaxPolls poll
// intervals for a time sample. On timeout or cancellation the client is
// stopped before returning.
func (c *Controller) Sync(ctx context.Context) error {
	c.syncMu.Lock()
	defer c.syncMu.Unlock()

	c.logger.Info("Initializing SNTP")
	c.client.Stop()
	c.client.SetOperatingMode(ModePoll)
	c.client.SetServers(c.config.Servers)

	if c.config.Resolver != nil {
		for _, server := range c.config.Servers {
			addrs, err := c.config.Resolver(ctx, server)
			if err != nil {
				c.logger.WithError(err).WithField("server", server).Warn("DNS lookup failed")
				continue
			}
			c.logger.WithFields(logrus.Fields{
				"server": server,
				"addrs":  addrs,
			}).Info("DNS lookup succeeded")
		}
	}

	samples := make(chan time.Time, 1)
	c.client.SetSyncNotification(func(t time.Time) {
		select {
		case samples <- t:
		default:
		}
	})

	c.setState(StateRequested, time.Time{})
	if err := c.client.Start(); err != nil {
		c.client.Stop()
		c.setState(StateIdle, time.Time{})
		return fmt.Errorf("failed to start time client: %w", err)
	}

	for poll := 1; poll <= c.config.MaxPolls; poll++ {
		c.logger.WithFields(logrus.Fields{
			"poll":      poll,
			"max_polls": c.config.MaxPolls,
		}).Debug("Waiting for system time to be set")

		select {
		case t := <-samples:
			c.synced(t)
			return nil
		case <-ctx.Done():
			c.client.Stop()
			c.setState(StateIdle, time.Time{})
			return ctx.Err()
		case <-c.after(c.config.PollInterval):
		}
	}

	select {
	case t := <-samples:
		c.synced(t)
		return nil
	default:
	}

	c.client.Stop()
	c.setState(StateTimedOut, time.Time{})
	c.logger.WithField("max_polls", c.config.MaxPolls).Error("Failed to sync time")
	return ErrSyncTimeout
}

func (c *Controller) synced(t time.Time) {
	c.setState(StateSynced, t)
	c.logger.WithField("time", t.Format(time.RFC3339)).Info("Time synchronized")
}

func (c *Controller) setState(state State, lastSync time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = state
	if !lastSync.IsZero() {
		c.lastSync = lastSync
	}
}

// Status returns the current snapshot
func (c *Controller) Status() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return Status{
		State:    c.state,
		LastSync: c.lastSync,
		Servers:  append([]string(nil), c.config.Servers...),
	}
}

// Client returns the underlying time client
func (c *Controller) Client() Client {
	return c.client
}
