package timesync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/beevik/ntp"
	"github.com/sirupsen/logrus"
)

// ErrUnsupportedMode is returned by Start for modes the client cannot run.
var ErrUnsupportedMode = errors.New("unsupported time client mode")

// QueryFunc performs one NTP exchange
type QueryFunc func(host string, opt ntp.QueryOptions) (*ntp.Response, error)

// NTPClientConfig holds NTP client configuration
type NTPClientConfig struct {
	QueryTimeout   time.Duration
	RetryInterval  time.Duration // wait between failed rounds
	ResyncInterval time.Duration // wait after a successful sample
}

// NTPClient polls NTP servers in rotation, applies each valid sample to its
// clock and fires the sync notification.
type NTPClient struct {
	clock  Clock
	config NTPClientConfig
	logger *logrus.Entry
	query  QueryFunc

	mu      sync.Mutex
	mode    Mode
	servers []string
	notify  func(time.Time)
	status  ClientStatus
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewNTPClient creates a stopped client that sets clock
func NewNTPClient(clock Clock, config NTPClientConfig, logger *logrus.Entry) *NTPClient {
	if config.QueryTimeout <= 0 {
		config.QueryTimeout = 5 * time.Second
	}
	if config.RetryInterval <= 0 {
		config.RetryInterval = DefaultPollInterval
	}
	if config.ResyncInterval <= 0 {
		config.ResyncInterval = time.Hour
	}
	if logger == nil {
		logger = logrus.NewEntry(logrus.New())
	}

	return &NTPClient{
		clock:   clock,
		config:  config,
		logger:  logger,
		query:   ntp.QueryWithOptions,
		servers: append([]string(nil), DefaultServers...),
	}
}

func (c *NTPClient) SetOperatingMode(mode Mode) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.mode = mode
}

func (c *NTPClient) SetServers(servers []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.servers = append([]string(nil), servers...)
}

func (c *NTPClient) SetSyncNotification(fn func(time.Time)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.notify = fn
}

// Start launches the polling goroutine. Starting a running client is a no-op.
func (c *NTPClient) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cancel != nil {
		return nil
	}
	if c.mode != ModePoll {
		return fmt.Errorf("%w: %s", ErrUnsupportedMode, c.mode)
	}
	if len(c.servers) == 0 {
		return errors.New("no time servers configured")
	}

	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.done = make(chan struct{})
	c.status.Running = true
	go c.run(ctx, append([]string(nil), c.servers...), c.done)
	return nil
}

// Stop halts polling and waits for the goroutine to exit
func (c *NTPClient) Stop() {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.cancel = nil
	c.done = nil
	c.status.Running = false
	c.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (c *NTPClient) Status() ClientStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

func (c *NTPClient) run(ctx context.Context, servers []string, done chan struct{}) {
	defer close(done)

	next := 0
	for {
		wait := c.config.RetryInterval
		for range servers {
			server := servers[next]
			next = (next + 1) % len(servers)

			if err := c.syncOnce(server); err != nil {
				c.logger.WithError(err).WithField("server", server).Warn("NTP query failed")
				continue
			}
			wait = c.config.ResyncInterval
			break
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

func (c *NTPClient) syncOnce(server string) error {
	resp, err := c.query(server, ntp.QueryOptions{Timeout: c.config.QueryTimeout})
	if err != nil {
		return err
	}
	if err := resp.Validate(); err != nil {
		return fmt.Errorf("invalid response: %w", err)
	}
	if err := c.clock.Step(resp.ClockOffset); err != nil {
		return fmt.Errorf("failed to set clock: %w", err)
	}

	now := c.clock.Now()
	c.mu.Lock()
	c.status.Server = server
	c.status.LastSync = now
	c.status.Offset = resp.ClockOffset
	notify := c.notify
	c.mu.Unlock()

	c.logger.WithFields(logrus.Fields{
		"server": server,
		"offset": resp.ClockOffset.String(),
		"rtt":    resp.RTT.String(),
	}).Info("Notification of a time synchronization event")

	if notify != nil {
		notify(now)
	}
	return nil
}
