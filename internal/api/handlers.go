package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"smart-clock/internal/nvs"
	"smart-clock/internal/profiles"
)

const maxBodyBytes = 4096

// handleHealth handles GET /health
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, HealthResponse{
		Status:    "ok",
		Timestamp: time.Now().UTC(),
	})
}

// handleStatus handles GET /status
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.device.Status(r.Context()))
}

func profileID(r *http.Request) (uint8, error) {
	id, err := strconv.ParseUint(mux.Vars(r)["id"], 10, 8)
	if err != nil {
		return 0, err
	}
	return uint8(id), nil
}

// handleGetProfile handles GET /profiles/{id}. Unsaved slots read back as the
// default profile.
func (s *Server) handleGetProfile(w http.ResponseWriter, r *http.Request) {
	id, err := profileID(r)
	if err != nil {
		s.writeErrorResponse(w, "Profile id must be 0-255", http.StatusBadRequest)
		return
	}

	p, err := s.profiles.Load(id)
	if err != nil {
		s.logger.WithError(err).WithField("profile_id", id).Error("Failed to load profile")
		s.writeErrorResponse(w, "Failed to load profile", http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, http.StatusOK, ProfileResponse{ID: id, Profile: p})
}

// handlePutProfile handles PUT /profiles/{id}
func (s *Server) handlePutProfile(w http.ResponseWriter, r *http.Request) {
	id, err := profileID(r)
	if err != nil {
		s.writeErrorResponse(w, "Profile id must be 0-255", http.StatusBadRequest)
		return
	}

	var p profiles.Profile
	if err := decodeBody(w, r, &p); err != nil {
		s.writeErrorResponse(w, "Invalid profile: "+err.Error(), http.StatusBadRequest)
		return
	}

	if err := s.profiles.Save(id, p); err != nil {
		s.logger.WithError(err).WithField("profile_id", id).Error("Failed to save profile")
		s.writeErrorResponse(w, "Failed to save profile", storeErrorStatus(err))
		return
	}

	resp := ProfileResponse{ID: id, Profile: p}
	s.hub.BroadcastEvent(EventProfileUpdated, resp)
	s.writeJSON(w, http.StatusOK, resp)
}

// handleDeleteProfile handles DELETE /profiles/{id}
func (s *Server) handleDeleteProfile(w http.ResponseWriter, r *http.Request) {
	id, err := profileID(r)
	if err != nil {
		s.writeErrorResponse(w, "Profile id must be 0-255", http.StatusBadRequest)
		return
	}

	if err := s.profiles.Delete(id); err != nil {
		s.logger.WithError(err).WithField("profile_id", id).Error("Failed to delete profile")
		s.writeErrorResponse(w, "Failed to delete profile", storeErrorStatus(err))
		return
	}

	s.hub.BroadcastEvent(EventProfileUpdated, ProfileResponse{ID: id})
	w.WriteHeader(http.StatusNoContent)
}

// handleGetWiFi handles GET /wifi
func (s *Server) handleGetWiFi(w http.ResponseWriter, r *http.Request) {
	creds, err := s.creds.Load()
	if err != nil {
		s.logger.WithError(err).Error("Failed to load credentials")
		s.writeErrorResponse(w, "Failed to load credentials", http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, http.StatusOK, WiFiResponse{SSID: creds.SSID, Configured: creds.Configured()})
}

// handlePutWiFi handles PUT /wifi. The reconnect happens in the background;
// progress is reported on the websocket stream.
func (s *Server) handlePutWiFi(w http.ResponseWriter, r *http.Request) {
	var req WiFiRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeErrorResponse(w, "Invalid request: "+err.Error(), http.StatusBadRequest)
		return
	}
	if req.SSID == "" {
		s.writeErrorResponse(w, "ssid is required", http.StatusBadRequest)
		return
	}

	if err := s.device.SetCredentials(r.Context(), req.SSID, req.Password); err != nil {
		s.logger.WithError(err).Warn("Failed to update credentials")
		s.writeErrorResponse(w, err.Error(), storeErrorStatus(err))
		return
	}

	s.logger.WithField("ssid", req.SSID).Info("Credentials updated through API")
	s.writeJSON(w, http.StatusAccepted, WiFiResponse{SSID: req.SSID, Configured: true})
}

// handleWebSocket handles GET /ws
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if err := s.hub.HandleConnection(w, r); err != nil {
		s.logger.WithError(err).WithFields(logrus.Fields{
			"remote_addr": r.RemoteAddr,
		}).Debug("WebSocket connection rejected")
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) error {
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	decoder.DisallowUnknownFields()
	return decoder.Decode(v)
}

// storeErrorStatus maps store errors to HTTP status codes
func storeErrorStatus(err error) int {
	switch {
	case errors.Is(err, nvs.ErrInvalidLength), errors.Is(err, nvs.ErrInvalidName):
		return http.StatusBadRequest
	case errors.Is(err, nvs.ErrNoSpace):
		return http.StatusInsufficientStorage
	default:
		return http.StatusInternalServerError
	}
}
