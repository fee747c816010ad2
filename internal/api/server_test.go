package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"smart-clock/internal/credentials"
	"smart-clock/internal/nvs"
	"smart-clock/internal/profiles"
	"smart-clock/internal/timesync"
	"smart-clock/internal/wifi"
)

const testSecret = "test-secret"

type fakeDevice struct {
	mu      sync.Mutex
	status  DeviceStatus
	creds   credentials.Credentials
	setErr  error
	updates int
}

func (d *fakeDevice) Status(ctx context.Context) DeviceStatus {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.status
}

func (d *fakeDevice) SetCredentials(ctx context.Context, ssid, password string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.setErr != nil {
		return d.setErr
	}
	if err := (credentials.Credentials{SSID: ssid, Password: password}).Validate(); err != nil {
		return err
	}
	d.creds = credentials.Credentials{SSID: ssid, Password: password}
	d.updates++
	return nil
}

func (d *fakeDevice) Load() (credentials.Credentials, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.creds, nil
}

type memoryProfiles struct {
	mu      sync.Mutex
	records map[uint8]profiles.Profile
	saveErr error
}

func newMemoryProfiles() *memoryProfiles {
	return &memoryProfiles{records: make(map[uint8]profiles.Profile)}
}

func (m *memoryProfiles) Load(id uint8) (profiles.Profile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.records[id], nil
}

func (m *memoryProfiles) Save(id uint8, p profiles.Profile) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saveErr != nil {
		return m.saveErr
	}
	m.records[id] = p
	return nil
}

func (m *memoryProfiles) Delete(id uint8) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.records, id)
	return nil
}

func testLogger() *logrus.Entry {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logrus.NewEntry(logger)
}

func setupTestServer(t *testing.T, secret string) (*Server, *fakeDevice, *memoryProfiles) {
	t.Helper()

	device := &fakeDevice{
		status: DeviceStatus{
			Version:  "1.0.0",
			DeviceID: "clock-1",
			WiFi:     wifi.Status{State: wifi.StateConnected, IP: "192.168.4.2", SSID: "home"},
			TimeSync: timesync.Status{State: timesync.StateSynced},
			Storage:  StorageStatus{Engine: "sqlite", Entries: 2, Capacity: 256},
		},
	}
	store := newMemoryProfiles()

	config := DefaultServerConfig()
	config.JWTSecret = secret
	return NewServer(config, device, store, device, testLogger()), device, store
}

func token(t *testing.T, secret string) string {
	t.Helper()
	tok, err := NewToken(secret, "test", time.Minute)
	require.NoError(t, err)
	return tok
}

func doRequest(s *Server, method, path, bearer string, body interface{}) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	s, _, _ := setupTestServer(t, "")

	rec := doRequest(s, http.MethodGet, "/api/v1/health", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var resp HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)
}

func TestStatus(t *testing.T) {
	s, _, _ := setupTestServer(t, "")

	rec := doRequest(s, http.MethodGet, "/api/v1/status", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "clock-1", resp["deviceId"])
	assert.Equal(t, "connected", resp["wifi"].(map[string]interface{})["state"])
	assert.Equal(t, "synced", resp["timeSync"].(map[string]interface{})["state"])
	assert.Equal(t, float64(256), resp["storage"].(map[string]interface{})["capacity"])
}

func TestGetProfile(t *testing.T) {
	s, _, store := setupTestServer(t, "")
	store.records[3] = profiles.Profile{Red: 255, Brightness: 150, Mode: profiles.ModeCountdown}

	tests := []struct {
		name     string
		path     string
		wantCode int
		want     profiles.Profile
	}{
		{"stored", "/api/v1/profiles/3", http.StatusOK, profiles.Profile{Red: 255, Brightness: 150, Mode: profiles.ModeCountdown}},
		{"unsaved slot", "/api/v1/profiles/9", http.StatusOK, profiles.Profile{}},
		{"out of range", "/api/v1/profiles/256", http.StatusBadRequest, profiles.Profile{}},
		{"not a number", "/api/v1/profiles/abc", http.StatusNotFound, profiles.Profile{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := doRequest(s, http.MethodGet, tt.path, "", nil)
			require.Equal(t, tt.wantCode, rec.Code)
			if tt.wantCode != http.StatusOK {
				return
			}
			var resp ProfileResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
			assert.Equal(t, tt.want, resp.Profile)
		})
	}
}

func TestWritesDisabledWithoutSecret(t *testing.T) {
	s, _, store := setupTestServer(t, "")

	rec := doRequest(s, http.MethodPut, "/api/v1/profiles/1", "anything", profiles.Profile{Red: 1})
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Empty(t, store.records)

	_, err := NewToken("", "cli", time.Minute)
	assert.ErrorIs(t, err, ErrWritesDisabled)
}

func TestAuthentication(t *testing.T) {
	s, _, _ := setupTestServer(t, testSecret)

	expired := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute)),
	})
	expiredToken, err := expired.SignedString([]byte(testSecret))
	require.NoError(t, err)

	noExpiry, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{Subject: "x"}).SignedString([]byte(testSecret))
	require.NoError(t, err)

	wrongAlg, err := jwt.NewWithClaims(jwt.SigningMethodHS384, jwt.RegisteredClaims{
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Minute)),
	}).SignedString([]byte(testSecret))
	require.NoError(t, err)

	tests := []struct {
		name     string
		bearer   string
		wantCode int
	}{
		{"missing token", "", http.StatusUnauthorized},
		{"garbage", "not-a-jwt", http.StatusUnauthorized},
		{"wrong secret", token(t, "other-secret"), http.StatusUnauthorized},
		{"expired", expiredToken, http.StatusUnauthorized},
		{"no expiry", noExpiry, http.StatusUnauthorized},
		{"wrong algorithm", wrongAlg, http.StatusUnauthorized},
		{"valid", token(t, testSecret), http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := doRequest(s, http.MethodPut, "/api/v1/profiles/1", tt.bearer, profiles.Profile{Red: 1})
			assert.Equal(t, tt.wantCode, rec.Code)
		})
	}
}

func TestPutAndDeleteProfile(t *testing.T) {
	s, _, store := setupTestServer(t, testSecret)
	bearer := token(t, testSecret)

	rec := doRequest(s, http.MethodPut, "/api/v1/profiles/7", bearer, map[string]interface{}{
		"red": 10, "green": 20, "blue": 30, "brightness": 40, "mode": "countdown",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, profiles.Profile{Red: 10, Green: 20, Blue: 30, Brightness: 40, Mode: profiles.ModeCountdown}, store.records[7])

	rec = doRequest(s, http.MethodPut, "/api/v1/profiles/9", bearer, map[string]interface{}{"brightness": 150, "mode": 1})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, profiles.Profile{Brightness: 150, Mode: profiles.ModeCountdown}, store.records[9])

	rec = doRequest(s, http.MethodPut, "/api/v1/profiles/7", bearer, map[string]interface{}{"red": 300})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doRequest(s, http.MethodPut, "/api/v1/profiles/7", bearer, map[string]interface{}{"hue": 1})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	store.saveErr = fmt.Errorf("%w: %w", nvs.ErrCommitFailed, nvs.ErrNoSpace)
	rec = doRequest(s, http.MethodPut, "/api/v1/profiles/8", bearer, profiles.Profile{})
	assert.Equal(t, http.StatusInsufficientStorage, rec.Code)

	rec = doRequest(s, http.MethodDelete, "/api/v1/profiles/7", bearer, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.NotContains(t, store.records, uint8(7))
}

func TestWiFiEndpoints(t *testing.T) {
	s, device, _ := setupTestServer(t, testSecret)
	bearer := token(t, testSecret)

	rec := doRequest(s, http.MethodGet, "/api/v1/wifi", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"ssid":"","configured":false}`, rec.Body.String())

	rec = doRequest(s, http.MethodPut, "/api/v1/wifi", bearer, WiFiRequest{Password: "x"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doRequest(s, http.MethodPut, "/api/v1/wifi", bearer, WiFiRequest{SSID: string(bytes.Repeat([]byte("s"), 32))})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Zero(t, device.updates)

	rec = doRequest(s, http.MethodPut, "/api/v1/wifi", bearer, WiFiRequest{SSID: "home", Password: "secret"})
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, 1, device.updates)

	rec = doRequest(s, http.MethodGet, "/api/v1/wifi", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"ssid":"home","configured":true}`, rec.Body.String())
	assert.NotContains(t, rec.Body.String(), "secret")
}

func TestStartAndShutdown(t *testing.T) {
	device := &fakeDevice{}
	config := DefaultServerConfig()
	config.Host = "127.0.0.1"
	config.Port = 0
	s := NewServer(config, device, newMemoryProfiles(), device, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- s.Start(ctx) }()

	require.Eventually(t, func() bool { return s.Port() != 0 }, 2*time.Second, 10*time.Millisecond)

	resp, err := http.Get(fmt.Sprintf("http://%s/api/v1/health", s.Addr()))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	cancel()
	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
}
