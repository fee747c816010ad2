//go:build linux

package provision

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
	"tinygo.org/x/bluetooth"
)

// GATT layout of the provisioning service
const (
	ServiceUUID      = "6e400001-b5a3-f393-e0a9-e50e24dcca9e"
	SSIDCharUUID     = "6e400002-b5a3-f393-e0a9-e50e24dcca9e"
	PasswordCharUUID = "6e400003-b5a3-f393-e0a9-e50e24dcca9e"
	ApplyCharUUID    = "6e400004-b5a3-f393-e0a9-e50e24dcca9e"
	StatusCharUUID   = "6e400005-b5a3-f393-e0a9-e50e24dcca9e"
)

// BLETransport exposes a GATT service with write-only SSID and password
// characteristics. Writing any value to the apply characteristic hands the
// buffered pair over and ends the session.
type BLETransport struct {
	adapter *bluetooth.Adapter
	logger  *logrus.Entry
	events  chan Event

	mu          sync.Mutex
	registered  bool
	advertising bool
	adv         *bluetooth.Advertisement
	ssid        string
	password    string
	status      bluetooth.Characteristic
}

// NewBLETransport enables the default adapter
func NewBLETransport(logger *logrus.Entry) (*BLETransport, error) {
	if logger == nil {
		logger = logrus.NewEntry(logrus.New())
	}

	adapter := bluetooth.DefaultAdapter
	if err := adapter.Enable(); err != nil {
		return nil, fmt.Errorf("failed to enable bluetooth adapter: %w", err)
	}

	return &BLETransport{
		adapter: adapter,
		logger:  logger,
		events:  make(chan Event, 16),
	}, nil
}

func (t *BLETransport) Events() <-chan Event {
	return t.events
}

// Start registers the service on first use and begins advertising serviceName.
func (t *BLETransport) Start(ctx context.Context, serviceName string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.advertising {
		return nil
	}
	if !t.registered {
		if err := t.register(); err != nil {
			return err
		}
		t.registered = true
	}

	serviceUUID, err := bluetooth.ParseUUID(ServiceUUID)
	if err != nil {
		return fmt.Errorf("ble: parse service UUID: %w", err)
	}

	adv := t.adapter.DefaultAdvertisement()
	if adv == nil {
		return errors.New("default advertisement is nil")
	}
	if err := adv.Configure(bluetooth.AdvertisementOptions{
		LocalName:    serviceName,
		ServiceUUIDs: []bluetooth.UUID{serviceUUID},
	}); err != nil {
		return fmt.Errorf("failed to configure advertisement: %w", err)
	}
	if err := adv.Start(); err != nil {
		return fmt.Errorf("failed to start advertising: %w", err)
	}

	t.adv = adv
	t.advertising = true
	t.ssid = ""
	t.password = ""
	t.emit(Event{Kind: EventStarted})
	return nil
}

func (t *BLETransport) register() error {
	uuids := make(map[string]bluetooth.UUID)
	for _, s := range []string{ServiceUUID, SSIDCharUUID, PasswordCharUUID, ApplyCharUUID, StatusCharUUID} {
		u, err := bluetooth.ParseUUID(s)
		if err != nil {
			return fmt.Errorf("ble: parse UUID %s: %w", s, err)
		}
		uuids[s] = u
	}

	service := &bluetooth.Service{
		UUID: uuids[ServiceUUID],
		Characteristics: []bluetooth.CharacteristicConfig{
			{
				UUID:  uuids[SSIDCharUUID],
				Flags: bluetooth.CharacteristicWritePermission,
				WriteEvent: func(client bluetooth.Connection, offset int, value []byte) {
					t.mu.Lock()
					defer t.mu.Unlock()
					t.ssid = string(value)
				},
			},
			{
				UUID:  uuids[PasswordCharUUID],
				Flags: bluetooth.CharacteristicWritePermission,
				WriteEvent: func(client bluetooth.Connection, offset int, value []byte) {
					t.mu.Lock()
					defer t.mu.Unlock()
					t.password = string(value)
				},
			},
			{
				UUID:       uuids[ApplyCharUUID],
				Flags:      bluetooth.CharacteristicWritePermission,
				WriteEvent: t.apply,
			},
			{
				Handle: &t.status,
				UUID:   uuids[StatusCharUUID],
				Flags:  bluetooth.CharacteristicReadPermission | bluetooth.CharacteristicNotifyPermission,
				Value:  []byte("idle"),
			},
		},
	}
	if err := t.adapter.AddService(service); err != nil {
		return fmt.Errorf("unable to add bluetooth service: %w", err)
	}
	return nil
}

func (t *BLETransport) apply(client bluetooth.Connection, offset int, value []byte) {
	t.mu.Lock()
	ssid, password := t.ssid, t.password
	t.mu.Unlock()

	if ssid == "" {
		t.emit(Event{Kind: EventCredentialsFailed, Reason: "empty ssid"})
		t.setStatus("failed")
		return
	}

	t.emit(Event{Kind: EventCredentialsReceived, SSID: ssid, Password: password})
	t.emit(Event{Kind: EventCredentialsSucceeded})
	t.setStatus("applied")
	t.emit(Event{Kind: EventEnded})
}

// SetStatus publishes a short status string on the status characteristic
func (t *BLETransport) setStatus(status string) {
	if _, err := t.status.Write([]byte(status)); err != nil {
		t.logger.WithError(err).Debug("Failed to update provisioning status")
	}
}

func (t *BLETransport) emit(ev Event) {
	select {
	case t.events <- ev:
	default:
		t.logger.WithField("event", ev.Kind.String()).Warn("Dropping provisioning event")
	}
}

// Stop stops advertising
func (t *BLETransport) Stop() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.advertising {
		return nil
	}
	t.advertising = false
	if err := t.adv.Stop(); err != nil {
		return fmt.Errorf("failed to stop advertising: %w", err)
	}
	return nil
}
