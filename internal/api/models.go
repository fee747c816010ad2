package api

import (
	"context"
	"time"

	"smart-clock/internal/credentials"
	"smart-clock/internal/keepalive"
	"smart-clock/internal/profiles"
	"smart-clock/internal/provision"
	"smart-clock/internal/timesync"
	"smart-clock/internal/wifi"
)

// Device is the running clock as seen by the API
type Device interface {
	Status(ctx context.Context) DeviceStatus
	// SetCredentials stores a new network and schedules a reconnect
	SetCredentials(ctx context.Context, ssid, password string) error
}

// ProfileStore reads and writes display profiles
type ProfileStore interface {
	Load(id uint8) (profiles.Profile, error)
	Save(id uint8, p profiles.Profile) error
	Delete(id uint8) error
}

// CredentialReader reads the stored network
type CredentialReader interface {
	Load() (credentials.Credentials, error)
}

// DeviceStatus is returned by GET /status
type DeviceStatus struct {
	Version      string          `json:"version"`
	DeviceID     string          `json:"deviceId"`
	Uptime       string          `json:"uptime"`
	Clock        time.Time       `json:"clock"`
	WiFi         wifi.Status     `json:"wifi"`
	TimeSync     timesync.Status `json:"timeSync"`
	Provisioning provision.Stats `json:"provisioning"`
	Keepalive    keepalive.Stats `json:"keepalive"`
	Storage      StorageStatus   `json:"storage"`
}

// StorageStatus describes the persistent store
type StorageStatus struct {
	Engine   string `json:"engine"`
	Entries  int    `json:"entries"`
	Capacity int    `json:"capacity"`
}

// HealthResponse is returned by GET /health
type HealthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

// ProfileResponse wraps a profile with its slot id
type ProfileResponse struct {
	ID      uint8            `json:"id"`
	Profile profiles.Profile `json:"profile"`
}

// WiFiResponse is returned by GET /wifi. The password is never exposed.
type WiFiResponse struct {
	SSID       string `json:"ssid"`
	Configured bool   `json:"configured"`
}

// WiFiRequest is the body of PUT /wifi
type WiFiRequest struct {
	SSID     string `json:"ssid"`
	Password string `json:"password"`
}

// ErrorResponse is the body of every error reply
type ErrorResponse struct {
	Error     bool   `json:"error"`
	Message   string `json:"message"`
	Timestamp int64  `json:"timestamp"`
}
