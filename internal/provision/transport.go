// Package provision receives Wi-Fi credentials from a provisioning transport
// and keeps the device provisionable for as long as it runs.
package provision

import (
	"context"
	"fmt"
)

// DefaultServiceName is advertised by transports that expose a name.
const DefaultServiceName = "CLOCK_PROV"

// EventKind identifies a provisioning event
type EventKind int

const (
	EventStarted EventKind = iota + 1
	EventCredentialsReceived
	EventCredentialsFailed
	EventCredentialsSucceeded
	EventEnded
)

// String returns the event name
func (k EventKind) String() string {
	switch k {
	case EventStarted:
		return "started"
	case EventCredentialsReceived:
		return "credentials_received"
	case EventCredentialsFailed:
		return "credentials_failed"
	case EventCredentialsSucceeded:
		return "credentials_succeeded"
	case EventEnded:
		return "ended"
	default:
		return fmt.Sprintf("event(%d)", int(k))
	}
}

// Event is emitted by a transport
type Event struct {
	Kind     EventKind
	SSID     string
	Password string
	Reason   string
}

// Transport is the provisioning collaborator. A transport delivers one
// session between Start and EventEnded; the caller restarts it to re-arm.
type Transport interface {
	Start(ctx context.Context, serviceName string) error
	Events() <-chan Event
	Stop() error
}
