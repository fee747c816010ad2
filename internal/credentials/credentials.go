// Package credentials stores the Wi-Fi station credentials in the persistent
// key-value store.
package credentials

import (
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"smart-clock/internal/nvs"
)

// Storage keys
const (
	KeySSID     = "wifi_ssid"
	KeyPassword = "wifi_pass"
)

// Field capacities, excluding the terminator the radio driver appends.
const (
	MaxSSIDLen     = 31
	MaxPasswordLen = 63
)

// Credentials is the single stored network. An empty SSID means nothing is configured.
type Credentials struct {
	SSID     string
	Password string
}

// Configured reports whether an SSID is present
func (c Credentials) Configured() bool {
	return c.SSID != ""
}

// Validate checks both fields fit their capacities
func (c Credentials) Validate() error {
	if len(c.SSID) > MaxSSIDLen {
		return fmt.Errorf("%w: ssid is %d bytes, max %d", nvs.ErrInvalidLength, len(c.SSID), MaxSSIDLen)
	}
	if len(c.Password) > MaxPasswordLen {
		return fmt.Errorf("%w: password is %d bytes, max %d", nvs.ErrInvalidLength, len(c.Password), MaxPasswordLen)
	}
	return nil
}

// Manager reads and writes credentials. It holds no state besides its store.
type Manager struct {
	partition *nvs.Partition
	namespace string
	logger    *logrus.Entry
}

// NewManager creates a credential manager over the given namespace
func NewManager(partition *nvs.Partition, namespace string, logger *logrus.Entry) *Manager {
	if namespace == "" {
		namespace = nvs.DefaultNamespace
	}
	if logger == nil {
		logger = logrus.NewEntry(logrus.New())
	}
	return &Manager{
		partition: partition,
		namespace: namespace,
		logger:    logger,
	}
}

// Save writes SSID and password in one session. Both writes are staged first
// and the session is committed only if both succeeded, so a failure never
// leaves a half-updated pair behind. Store errors are returned unmodified.
func (m *Manager) Save(ssid, password string) error {
	creds := Credentials{SSID: ssid, Password: password}
	if err := creds.Validate(); err != nil {
		return err
	}

	err := m.partition.Session(m.namespace, nvs.ReadWrite, func(h *nvs.Handle) error {
		if err := h.SetString(KeySSID, ssid); err != nil {
			return err
		}
		if err := h.SetString(KeyPassword, password); err != nil {
			return err
		}
		return h.Commit()
	})
	if err != nil {
		m.logger.WithError(err).Error("Failed to save Wi-Fi credentials")
		return err
	}

	m.logger.WithField("ssid", ssid).Info("Saved Wi-Fi credentials")
	return nil
}

// Load reads both fields independently. A missing key yields an empty field;
// only store failures are returned.
func (m *Manager) Load() (Credentials, error) {
	var creds Credentials
	err := m.partition.Session(m.namespace, nvs.ReadOnly, func(h *nvs.Handle) error {
		var err error
		if creds.SSID, err = readField(h, KeySSID, MaxSSIDLen); err != nil {
			return err
		}
		creds.Password, err = readField(h, KeyPassword, MaxPasswordLen)
		return err
	})
	if err != nil {
		m.logger.WithError(err).Error("Failed to load Wi-Fi credentials")
		return Credentials{}, err
	}
	return creds, nil
}

func readField(h *nvs.Handle, key string, capacity int) (string, error) {
	value, err := h.GetString(key)
	if errors.Is(err, nvs.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	if len(value) > capacity {
		return "", fmt.Errorf("%w: stored %s is %d bytes, max %d", nvs.ErrInvalidLength, key, len(value), capacity)
	}
	return value, nil
}

// Clear removes both keys in one commit
func (m *Manager) Clear() error {
	err := m.partition.Session(m.namespace, nvs.ReadWrite, func(h *nvs.Handle) error {
		if err := h.EraseKey(KeySSID); err != nil {
			return err
		}
		if err := h.EraseKey(KeyPassword); err != nil {
			return err
		}
		return h.Commit()
	})
	if err != nil {
		return err
	}

	m.logger.Info("Cleared Wi-Fi credentials")
	return nil
}

// Configured reports whether a non-empty SSID is stored
func (m *Manager) Configured() (bool, error) {
	creds, err := m.Load()
	if err != nil {
		return false, err
	}
	return creds.Configured(), nil
}
