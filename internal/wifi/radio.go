// Package wifi brings the station interface up with stored credentials and
// keeps it associated, using a bounded retry policy driven by radio events.
package wifi

import (
	"bytes"
	"fmt"
)

// EventKind identifies a radio event
type EventKind int

const (
	EventStationStarted EventKind = iota + 1
	EventDisconnected
	EventGotAddress
)

// String returns the event name
func (k EventKind) String() string {
	switch k {
	case EventStationStarted:
		return "station_started"
	case EventDisconnected:
		return "disconnected"
	case EventGotAddress:
		return "got_address"
	default:
		return fmt.Sprintf("event(%d)", int(k))
	}
}

// Event is delivered by the radio driver from its own goroutine.
type Event struct {
	Kind   EventKind
	Reason string // set for EventDisconnected
	IP     string // set for EventGotAddress
}

// StationConfig is the station-mode configuration handed to the radio.
// Fields are raw, fixed-capacity byte arrays; longer input is truncated.
type StationConfig struct {
	SSID     [32]byte
	Password [64]byte
}

// NewStationConfig fills a config from strings, truncating at capacity.
func NewStationConfig(ssid, password string) StationConfig {
	var cfg StationConfig
	copy(cfg.SSID[:], ssid)
	copy(cfg.Password[:], password)
	return cfg
}

// SSIDString returns the SSID up to the first NUL byte
func (c StationConfig) SSIDString() string {
	return cString(c.SSID[:])
}

// PasswordString returns the password up to the first NUL byte
func (c StationConfig) PasswordString() string {
	return cString(c.Password[:])
}

func cString(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(b)
}

// Radio is the Wi-Fi driver boundary. Events must be delivered one at a time,
// in order, and the handler may call Connect from inside a callback.
type Radio interface {
	// SetEventHandler registers the single event callback.
	SetEventHandler(handler func(Event))
	// Configure sets the station configuration used by the next Start.
	Configure(cfg StationConfig) error
	// Start brings the interface up; EventStationStarted follows.
	Start() error
	// Connect requests association; EventGotAddress or EventDisconnected follows.
	Connect() error
	// Disconnect drops the association.
	Disconnect() error
	// Stop brings the interface down. No events are delivered afterwards.
	Stop() error
}
