package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	qrcode "github.com/skip2/go-qrcode"

	"github.com/hoodlink/hoodlink-server/internal/cloud"
	"github.com/hoodlink/hoodlink-server/internal/models"
	"github.com/hoodlink/hoodlink-server/internal/pairing"
	"github.com/hoodlink/hoodlink-server/internal/storage"
	"github.com/hoodlink/hoodlink-server/internal/token"
	"github.com/hoodlink/hoodlink-server/internal/validation"
)

// ========== Auth handlers ==========

// HandleLogin handles operator login
func (s *RESTServer) HandleLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Operator string `json:"operator"`
		Password string `json:"password"`
	}

	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if req.Operator != s.config.API.Operator ||
		!s.auth.VerifyPassword(req.Password, s.config.API.PasswordHash) {
		s.respondError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	accessToken, refreshToken, err := s.auth.GenerateTokenPair(req.Operator)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, "failed to generate tokens")
		return
	}

	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"access_token":  accessToken,
		"refresh_token": refreshToken,
		"expires_in":    int(s.config.JWT.AccessTokenTTL.Seconds()),
		"token_type":    "Bearer",
	})
}

// HandleRefresh handles operator token refresh
func (s *RESTServer) HandleRefresh(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RefreshToken string `json:"refresh_token"`
	}

	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	accessToken, refreshToken, err := s.auth.RefreshToken(req.RefreshToken)
	if err != nil {
		s.respondError(w, http.StatusUnauthorized, "invalid refresh token")
		return
	}

	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"access_token":  accessToken,
		"refresh_token": refreshToken,
		"expires_in":    int(s.config.JWT.AccessTokenTTL.Seconds()),
		"token_type":    "Bearer",
	})
}

// HandleHealth handles health check
func (s *RESTServer) HandleHealth(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"name":    s.config.Server.Name,
		"version": s.config.Server.Version,
	})
}

// ========== Pairing handlers ==========

// HandleStartPairing starts a new QR pairing session
func (s *RESTServer) HandleStartPairing(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserCode   string            `json:"userCode"`
		AppVariant models.AppVariant `json:"appVariant"`
	}

	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := validation.UserCode(req.UserCode); err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.AppVariant == "" {
		req.AppVariant = models.AppVariantA
	}
	if !req.AppVariant.Valid() {
		s.respondError(w, http.StatusBadRequest, "unknown appVariant")
		return
	}

	session, err := s.pairings.Start(req.UserCode, req.AppVariant)
	if err != nil {
		s.respondPairingError(w, err)
		return
	}

	s.respondJSON(w, http.StatusCreated, session)
}

// HandleGetPairing returns the session's current state
func (s *RESTServer) HandleGetPairing(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid session id")
		return
	}

	session, err := s.pairings.Get(id)
	if err != nil {
		s.respondPairingError(w, err)
		return
	}

	s.respondJSON(w, http.StatusOK, session)
}

// HandlePairingQR renders the session's scannable code as PNG
func (s *RESTServer) HandlePairingQR(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid session id")
		return
	}

	qrToken, err := s.pairings.QRToken(id)
	if err != nil {
		s.respondPairingError(w, err)
		return
	}

	png, err := qrcode.Encode(cloud.QRPayload(qrToken), qrcode.Medium, 256)
	if err != nil {
		log.Error().Err(err).Msg("render QR code")
		s.respondError(w, http.StatusInternalServerError, "failed to render QR code")
		return
	}

	w.Header().Set("Content-Type", "image/png")
	w.WriteHeader(http.StatusOK)
	w.Write(png)
}

// HandlePairingDevices returns the classified directory for selection
func (s *RESTServer) HandlePairingDevices(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid session id")
		return
	}

	devices, err := s.pairings.Devices(id)
	if err != nil {
		s.respondPairingError(w, err)
		return
	}

	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"devices": devices,
	})
}

// HandleConfirmPairing persists the operator's device selection
func (s *RESTServer) HandleConfirmPairing(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid session id")
		return
	}

	var req struct {
		Selections []pairing.DeviceSelection `json:"selections"`
	}

	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if len(req.Selections) == 0 {
		s.respondError(w, http.StatusBadRequest, "at least one device must be selected")
		return
	}

	link, err := s.pairings.Confirm(r.Context(), id, req.Selections)
	if err != nil {
		s.respondPairingError(w, err)
		return
	}

	s.respondJSON(w, http.StatusCreated, link)
}

// HandleRetryDirectory re-runs a failed directory fetch
func (s *RESTServer) HandleRetryDirectory(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid session id")
		return
	}

	if err := s.pairings.RetryDirectory(r.Context(), id); err != nil {
		s.respondPairingError(w, err)
		return
	}

	session, err := s.pairings.Get(id)
	if err != nil {
		s.respondPairingError(w, err)
		return
	}

	s.respondJSON(w, http.StatusOK, session)
}

// HandleCancelPairing cancels an in-flight session
func (s *RESTServer) HandleCancelPairing(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid session id")
		return
	}

	if err := s.pairings.Cancel(id); err != nil {
		s.respondPairingError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// ========== Account link handlers ==========

// HandleListLinks lists account links
func (s *RESTServer) HandleListLinks(w http.ResponseWriter, r *http.Request) {
	links, err := s.store.ListAccountLinks(r.Context())
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"links": links,
	})
}

// HandleGetLink gets an account link
func (s *RESTServer) HandleGetLink(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid link id")
		return
	}

	link, err := s.store.GetAccountLink(r.Context(), id)
	if err != nil {
		s.respondStoreError(w, err)
		return
	}

	s.respondJSON(w, http.StatusOK, link)
}

// HandleUnlink destroys an account link and all of its devices
func (s *RESTServer) HandleUnlink(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid link id")
		return
	}

	if err := s.store.DeleteAccountLink(r.Context(), id); err != nil {
		s.respondStoreError(w, err)
		return
	}

	log.Info().Str("link_id", id.String()).Msg("account link removed")
	w.WriteHeader(http.StatusNoContent)
}

// HandleListLinkDevices lists a link's device records
func (s *RESTServer) HandleListLinkDevices(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid link id")
		return
	}

	devices, err := s.store.ListDevices(r.Context(), id)
	if err != nil {
		s.respondStoreError(w, err)
		return
	}

	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"devices": devices,
	})
}

// ========== Device handlers ==========

// HandleGetDevice gets a device record
func (s *RESTServer) HandleGetDevice(w http.ResponseWriter, r *http.Request) {
	deviceID := chi.URLParam(r, "device_id")

	rec, err := s.store.GetDevice(r.Context(), deviceID)
	if err != nil {
		s.respondStoreError(w, err)
		return
	}

	s.respondJSON(w, http.StatusOK, rec)
}

// HandleDeleteDevice removes a single device record
func (s *RESTServer) HandleDeleteDevice(w http.ResponseWriter, r *http.Request) {
	deviceID := chi.URLParam(r, "device_id")

	if err := s.store.DeleteDevice(r.Context(), deviceID); err != nil {
		s.respondStoreError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// HandleConnectDevice performs one arbitration attempt and reports
// the outcome. A Disconnected result is a valid outcome, not an HTTP
// error; the caller owns the retry cadence.
func (s *RESTServer) HandleConnectDevice(w http.ResponseWriter, r *http.Request) {
	deviceID := chi.URLParam(r, "device_id")
	if err := validation.DeviceID(deviceID); err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	sess, state, err := s.arbiter.Connect(r.Context(), deviceID)
	if sess != nil {
		sess.Close()
	}

	resp := map[string]interface{}{
		"deviceId": deviceID,
		"state":    state,
	}
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			s.respondError(w, http.StatusNotFound, "device not found")
			return
		}
		resp["error"] = err.Error()
	}

	s.respondJSON(w, http.StatusOK, resp)
}

// ========== Response helpers ==========

// respondPairingError maps pairing and cloud errors to HTTP statuses
func (s *RESTServer) respondPairingError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, pairing.ErrSessionNotFound):
		s.respondError(w, http.StatusNotFound, "pairing session not found")
	case errors.Is(err, pairing.ErrInvalidState):
		s.respondError(w, http.StatusConflict, err.Error())
	case errors.Is(err, pairing.ErrDisambiguationRequired):
		s.respondError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, cloud.ErrInvalidUserCode):
		s.respondError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, cloud.ErrCloudUnreachable):
		s.respondError(w, http.StatusBadGateway, err.Error())
	case errors.Is(err, token.ErrReauthRequired):
		s.respondError(w, http.StatusConflict, err.Error())
	default:
		s.respondError(w, http.StatusInternalServerError, err.Error())
	}
}

// respondStoreError maps storage errors to HTTP statuses
func (s *RESTServer) respondStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		s.respondError(w, http.StatusNotFound, "not found")
	case errors.Is(err, storage.ErrKeyErasure):
		s.respondError(w, http.StatusConflict, err.Error())
	default:
		s.respondError(w, http.StatusInternalServerError, err.Error())
	}
}

// respondJSON responds with JSON
func (s *RESTServer) respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	response, err := json.Marshal(payload)
	if err != nil {
		log.Error().Err(err).Msg("Failed to marshal response")
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(response)
}

// respondError responds with error
func (s *RESTServer) respondError(w http.ResponseWriter, status int, message string) {
	s.respondJSON(w, status, map[string]string{
		"error": message,
	})
}
