// Package profiles stores LED display profiles as fixed-size records in the
// persistent key-value store.
package profiles

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/sirupsen/logrus"

	"smart-clock/internal/nvs"
)

// RecordSize is the stored size of a profile: r, g, b, brightness, mode.
const RecordSize = 5

// KeyPrefix is prepended to the decimal profile id to form the storage key.
const KeyPrefix = "led_profile_"

// Mode selects what the display renders
type Mode uint8

const (
	ModeClock     Mode = 0
	ModeCountdown Mode = 1
)

// String returns the mode name
func (m Mode) String() string {
	switch m {
	case ModeClock:
		return "clock"
	case ModeCountdown:
		return "countdown"
	default:
		return fmt.Sprintf("mode(%d)", uint8(m))
	}
}

// ParseMode accepts a mode name or its numeric value
func ParseMode(s string) (Mode, error) {
	switch s {
	case "clock":
		return ModeClock, nil
	case "countdown":
		return ModeCountdown, nil
	}
	n, err := strconv.ParseUint(s, 10, 8)
	if err != nil {
		return 0, fmt.Errorf("invalid mode %q", s)
	}
	return Mode(n), nil
}

// MarshalText encodes known modes by name and others as their number
func (m Mode) MarshalText() ([]byte, error) {
	switch m {
	case ModeClock, ModeCountdown:
		return []byte(m.String()), nil
	default:
		return []byte(strconv.Itoa(int(m))), nil
	}
}

// UnmarshalText accepts anything ParseMode does
func (m *Mode) UnmarshalText(text []byte) error {
	mode, err := ParseMode(string(text))
	if err != nil {
		return err
	}
	*m = mode
	return nil
}

// UnmarshalJSON accepts a bare number as well as anything UnmarshalText does
func (m *Mode) UnmarshalJSON(data []byte) error {
	var n uint8
	if err := json.Unmarshal(data, &n); err == nil {
		*m = Mode(n)
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("invalid mode %s", data)
	}
	return m.UnmarshalText([]byte(s))
}

// Profile is one display configuration. The zero value is the default
// profile and is what an unsaved slot reads back as.
type Profile struct {
	Red        uint8 `json:"red" yaml:"red"`
	Green      uint8 `json:"green" yaml:"green"`
	Blue       uint8 `json:"blue" yaml:"blue"`
	Brightness uint8 `json:"brightness" yaml:"brightness"`
	Mode       Mode  `json:"mode" yaml:"mode"`
}

// MarshalBinary encodes the profile as its 5-byte record
func (p Profile) MarshalBinary() ([]byte, error) {
	return []byte{p.Red, p.Green, p.Blue, p.Brightness, uint8(p.Mode)}, nil
}

// UnmarshalBinary decodes a 5-byte record
func (p *Profile) UnmarshalBinary(data []byte) error {
	if len(data) != RecordSize {
		return fmt.Errorf("%w: profile record is %d bytes, want %d", nvs.ErrInvalidLength, len(data), RecordSize)
	}
	*p = Profile{
		Red:        data[0],
		Green:      data[1],
		Blue:       data[2],
		Brightness: data[3],
		Mode:       Mode(data[4]),
	}
	return nil
}

// Key returns the storage key for a profile id
func Key(id uint8) string {
	return KeyPrefix + strconv.Itoa(int(id))
}

// Manager reads and writes profiles
type Manager struct {
	partition *nvs.Partition
	namespace string
	logger    *logrus.Entry
}

// NewManager creates a profile manager over the given namespace
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

// Save writes and commits one profile
func (m *Manager) Save(id uint8, p Profile) error {
	record, _ := p.MarshalBinary()
	err := m.partition.Session(m.namespace, nvs.ReadWrite, func(h *nvs.Handle) error {
		if err := h.SetBlob(Key(id), record); err != nil {
			return err
		}
		return h.Commit()
	})
	if err != nil {
		m.logger.WithError(err).WithField("profile_id", id).Error("Failed to save profile")
		return err
	}

	m.logger.WithFields(logrus.Fields{
		"profile_id": id,
		"mode":       p.Mode.String(),
	}).Debug("Saved profile")
	return nil
}

// Load returns the stored profile, or the zero profile if id was never saved.
func (m *Manager) Load(id uint8) (Profile, error) {
	var p Profile
	err := m.partition.Session(m.namespace, nvs.ReadOnly, func(h *nvs.Handle) error {
		record, err := h.GetBlob(Key(id), RecordSize)
		if errors.Is(err, nvs.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		return p.UnmarshalBinary(record)
	})
	if err != nil {
		m.logger.WithError(err).WithField("profile_id", id).Error("Failed to load profile")
		return Profile{}, err
	}
	return p, nil
}

// Delete removes a profile so it reads back as the default
func (m *Manager) Delete(id uint8) error {
	return m.partition.Session(m.namespace, nvs.ReadWrite, func(h *nvs.Handle) error {
		if err := h.EraseKey(Key(id)); err != nil {
			return err
		}
		return h.Commit()
	})
}
