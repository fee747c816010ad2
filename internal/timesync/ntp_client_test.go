package timesync

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/beevik/ntp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validResponse(offset time.Duration) *ntp.Response {
	now := time.Now()
	return &ntp.Response{
		Time:          now,
		ClockOffset:   offset,
		RTT:           10 * time.Millisecond,
		Stratum:       2,
		ReferenceTime: now.Add(-time.Minute),
		RootDelay:     5 * time.Millisecond,
		Leap:          ntp.LeapNoWarning,
	}
}

func newTestNTPClient(query QueryFunc) (*NTPClient, *OffsetClock) {
	clock := NewOffsetClock()
	c := NewNTPClient(clock, NTPClientConfig{
		QueryTimeout:   time.Second,
		RetryInterval:  5 * time.Millisecond,
		ResyncInterval: time.Hour,
	}, testLogger())
	c.query = query
	return c, clock
}

func TestNTPClientAppliesSample(t *testing.T) {
	var mu sync.Mutex
	var hosts []string
	c, clock := newTestNTPClient(func(host string, opt ntp.QueryOptions) (*ntp.Response, error) {
		mu.Lock()
		hosts = append(hosts, host)
		mu.Unlock()
		assert.Equal(t, time.Second, opt.Timeout)
		return validResponse(90 * time.Second), nil
	})

	synced := make(chan time.Time, 1)
	c.SetServers([]string{"ntp.example"})
	c.SetSyncNotification(func(t time.Time) { synced <- t })
	require.NoError(t, c.Start())
	defer c.Stop()

	select {
	case <-synced:
	case <-time.After(2 * time.Second):
		t.Fatal("no sync notification")
	}

	assert.Equal(t, 90*time.Second, clock.Offset())
	status := c.Status()
	assert.True(t, status.Running)
	assert.Equal(t, "ntp.example", status.Server)
	assert.Equal(t, 90*time.Second, status.Offset)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"ntp.example"}, hosts)
}

func TestNTPClientRotatesServers(t *testing.T) {
	var mu sync.Mutex
	var hosts []string
	c, _ := newTestNTPClient(func(host string, opt ntp.QueryOptions) (*ntp.Response, error) {
		mu.Lock()
		hosts = append(hosts, host)
		mu.Unlock()
		if host == "bad.example" {
			return nil, errors.New("i/o timeout")
		}
		return validResponse(0), nil
	})

	synced := make(chan time.Time, 1)
	c.SetServers([]string{"bad.example", "good.example"})
	c.SetSyncNotification(func(t time.Time) { synced <- t })
	require.NoError(t, c.Start())
	defer c.Stop()

	select {
	case <-synced:
	case <-time.After(2 * time.Second):
		t.Fatal("no sync notification")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"bad.example", "good.example"}, hosts)
}

func TestNTPClientRejectsInvalidResponse(t *testing.T) {
	var mu sync.Mutex
	queries := 0
	c, clock := newTestNTPClient(func(host string, opt ntp.QueryOptions) (*ntp.Response, error) {
		mu.Lock()
		queries++
		mu.Unlock()
		resp := validResponse(time.Hour)
		resp.Stratum = 0
		return resp, nil
	})

	notified := make(chan time.Time, 8)
	c.SetSyncNotification(func(t time.Time) { notified <- t })
	require.NoError(t, c.Start())

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return queries >= 3
	}, 2*time.Second, time.Millisecond)
	c.Stop()

	assert.Empty(t, notified)
	assert.Equal(t, time.Duration(0), clock.Offset())
	assert.False(t, c.Status().Running)
}

func TestNTPClientStopIsIdempotent(t *testing.T) {
	c, _ := newTestNTPClient(func(host string, opt ntp.QueryOptions) (*ntp.Response, error) {
		return nil, errors.New("unreachable")
	})

	c.Stop()
	require.NoError(t, c.Start())
	require.NoError(t, c.Start())
	c.Stop()
	c.Stop()
	assert.False(t, c.Status().Running)
}

func TestNTPClientRejectsUnknownMode(t *testing.T) {
	c, _ := newTestNTPClient(nil)
	c.SetOperatingMode(Mode(3))
	err := c.Start()
	assert.ErrorIs(t, err, ErrUnsupportedMode)
	assert.Contains(t, err.Error(), "mode(3)")
	assert.Equal(t, "poll", ModePoll.String())
}

func TestControllerWithNTPClient(t *testing.T) {
	c, _ := newTestNTPClient(func(host string, opt ntp.QueryOptions) (*ntp.Response, error) {
		return validResponse(time.Second), nil
	})
	controller := NewController(c, Config{
		Servers:      []string{"ntp.example"},
		PollInterval: 10 * time.Millisecond,
	}, testLogger())
	defer c.Stop()

	require.NoError(t, controller.Sync(context.Background()))
	assert.Equal(t, StateSynced, controller.Status().State)
	assert.True(t, c.Status().Running)
}

func TestOffsetClockAccumulates(t *testing.T) {
	clock := NewOffsetClock()
	require.NoError(t, clock.Step(time.Minute))
	require.NoError(t, clock.Step(-10*time.Second))
	assert.Equal(t, 50*time.Second, clock.Offset())
	assert.WithinDuration(t, time.Now().Add(50*time.Second), clock.Now(), time.Second)
}
