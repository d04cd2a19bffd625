package relayd

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/codeleash/codeleash/internal/auth"
	"github.com/codeleash/codeleash/internal/logger"
	"github.com/codeleash/codeleash/internal/pairing"
	"github.com/codeleash/codeleash/internal/push"
)

type ctxKey int

const claimsKey ctxKey = 0

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		json.NewEncoder(w).Encode(v)
	}
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]apiError{"error": {Code: code, Message: message}})
}

func readJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "malformed JSON body")
		return false
	}
	return true
}

// requireAuth validates the bearer access token and stashes its claims
// in the request context.
func (s *Server) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "missing bearer token")
			return
		}
		claims, err := s.tokens.VerifyAccess(token)
		if err != nil {
			if errors.Is(err, auth.ErrTokenExpired) {
				writeError(w, http.StatusUnauthorized, "TOKEN_EXPIRED", "access token expired")
				return
			}
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "invalid access token")
			return
		}
		next(w, r.WithContext(context.WithValue(r.Context(), claimsKey, claims)))
	}
}

func callerClaims(r *http.Request) *auth.Claims {
	claims, _ := r.Context().Value(claimsKey).(*auth.Claims)
	return claims
}

// handlePairInit registers a pairing offer on behalf of an editor host.
// The host draws the secret and PIN itself and submits only the secret's
// hash; the raw secret never reaches this process.
func (s *Server) handlePairInit(w http.ResponseWriter, r *http.Request) {
	var req struct {
		WorkspaceID   string `json:"workspaceId"`
		WorkspaceName string `json:"workspaceName"`
		LocalAddress  string `json:"localAddress"`
		RelayURL      string `json:"relayUrl"`
		TokenHash     string `json:"tokenHash"`
		PIN           string `json:"pin"`
	}
	if !readJSON(w, r, &req) {
		return
	}
	if req.WorkspaceID == "" || req.TokenHash == "" {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "workspaceId and tokenHash are required")
		return
	}
	if len(req.PIN) != 6 {
		writeError(w, http.StatusBadRequest, "INVALID_PIN", "pin must be 6 digits")
		return
	}

	relayURL := req.RelayURL
	if relayURL == "" {
		relayURL = s.publicURL
	}
	now := time.Now()
	sess := &pairing.Session{
		ID:            uuid.New().String(),
		WorkspaceID:   req.WorkspaceID,
		WorkspaceName: req.WorkspaceName,
		PIN:           req.PIN,
		SecretDigest:  req.TokenHash,
		LocalAddr:     req.LocalAddress,
		RelayURL:      relayURL,
		CreatedAt:     now,
		ExpiresAt:     now.Add(s.pairingTTL),
		Status:        pairing.StatusPending,
	}
	if err := s.pairings.Create(sess); err != nil {
		if errors.Is(err, pairing.ErrPINCollision) {
			writeError(w, http.StatusConflict, "INVALID_PIN", "pin already held by a pending session")
			return
		}
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "could not create session")
		return
	}

	logger.Info("pairing session opened", "session", sess.ID, "workspace", sess.WorkspaceID)
	writeJSON(w, http.StatusCreated, map[string]any{
		"sessionId": sess.ID,
		"expiresAt": sess.ExpiresAt.UnixMilli(),
	})
}

// handlePairComplete redeems an offer by one-time secret or by PIN and
// issues the device its first token pair.
func (s *Server) handlePairComplete(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Token      string `json:"token"`
		PIN        string `json:"pin"`
		DeviceName string `json:"deviceName"`
		Platform   string `json:"platform"`
		AppVersion string `json:"appVersion"`
	}
	if !readJSON(w, r, &req) {
		return
	}

	var sess *pairing.Session
	var err error
	switch {
	case req.Token != "":
		sess, err = s.pairings.GetByDigest(auth.DigestSecret(req.Token))
	case req.PIN != "":
		sess, err = s.pairings.GetByPIN(req.PIN)
	default:
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "token or pin is required")
		return
	}
	if err != nil {
		writePairingError(w, err)
		return
	}
	if req.Token != "" && !auth.VerifyDigest(req.Token, sess.SecretDigest) {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "invalid pairing secret")
		return
	}

	if _, err := s.pairings.Complete(sess.ID); err != nil {
		writePairingError(w, err)
		return
	}

	now := time.Now()
	device := &Device{
		ID:          uuid.New().String(),
		Name:        req.DeviceName,
		Platform:    req.Platform,
		AppVersion:  req.AppVersion,
		WorkspaceID: sess.WorkspaceID,
		CreatedAt:   now,
		LastSeen:    now,
	}
	if device.Name == "" {
		device.Name = "unnamed device"
	}
	if err := s.store.CreateDevice(device); err != nil {
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "could not register device")
		return
	}
	if err := s.store.UpsertWorkspace(sess.WorkspaceID, sess.WorkspaceName, now); err != nil {
		logger.Warn("workspace upsert failed", "workspace", sess.WorkspaceID, "error", err)
	}

	pair, err := s.tokens.IssueTokens(device.ID, sess.WorkspaceID, sess.WorkspaceName)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "could not issue tokens")
		return
	}

	logger.Info("device paired", "device", device.ID, "workspace", sess.WorkspaceID, "name", device.Name)
	workspace := map[string]string{
		"id":   sess.WorkspaceID,
		"name": sess.WorkspaceName,
	}
	if sess.LocalAddr != "" {
		workspace["localAddress"] = sess.LocalAddr
	}
	if sess.RelayURL != "" {
		workspace["relayUrl"] = sess.RelayURL
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"deviceId":     device.ID,
		"accessToken":  pair.Access,
		"refreshToken": pair.Refresh,
		"workspace":    workspace,
	})
}

func writePairingError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, pairing.ErrAlreadyPaired):
		writeError(w, http.StatusConflict, "ALREADY_PAIRED", "pairing session already redeemed")
	case errors.Is(err, pairing.ErrExpired):
		writeError(w, http.StatusGone, "PAIRING_EXPIRED", "pairing session expired")
	case errors.Is(err, pairing.ErrNotFound):
		writeError(w, http.StatusNotFound, "NOT_FOUND", "no matching pairing session")
	default:
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "pairing lookup failed")
	}
}

func (s *Server) handleAuthRefresh(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RefreshToken string `json:"refreshToken"`
	}
	if !readJSON(w, r, &req) {
		return
	}
	if req.RefreshToken == "" {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "refreshToken is required")
		return
	}
	claims, err := s.tokens.VerifyRefresh(req.RefreshToken)
	if err != nil {
		writeRefreshError(w, err)
		return
	}
	pair, err := s.tokens.Rotate(req.RefreshToken, s.workspaceName(claims.WorkspaceID))
	if err != nil {
		writeRefreshError(w, err)
		return
	}
	if err := s.store.TouchDevice(claims.DeviceID, time.Now()); err != nil && !errors.Is(err, ErrDeviceNotFound) {
		logger.Warn("touch on refresh failed", "device", claims.DeviceID, "error", err)
	}
	writeJSON(w, http.StatusOK, pair)
}

func writeRefreshError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, auth.ErrTokenExpired):
		writeError(w, http.StatusUnauthorized, "TOKEN_EXPIRED", "refresh token expired")
	case errors.Is(err, auth.ErrTokenRevoked):
		writeError(w, http.StatusUnauthorized, "TOKEN_REVOKED", "refresh token revoked")
	default:
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "invalid refresh token")
	}
}

// handleAuthLogout revokes the presented refresh token. Idempotent.
func (s *Server) handleAuthLogout(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RefreshToken string `json:"refreshToken"`
	}
	if !readJSON(w, r, &req) {
		return
	}
	if err := s.tokens.RevokeRefresh(req.RefreshToken); err != nil {
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "revocation failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleAuthMe(w http.ResponseWriter, r *http.Request) {
	claims := callerClaims(r)
	resp := map[string]any{
		"deviceId":      claims.DeviceID,
		"workspaceId":   claims.WorkspaceID,
		"workspaceName": claims.WorkspaceName,
	}
	if device, err := s.store.GetDevice(claims.DeviceID); err == nil {
		resp["device"] = device
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleDevicesList(w http.ResponseWriter, r *http.Request) {
	claims := callerClaims(r)
	devices, err := s.store.ListDevices(claims.WorkspaceID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "could not list devices")
		return
	}
	if devices == nil {
		devices = []*Device{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"devices": devices})
}

func (s *Server) handleDevicesOnline(w http.ResponseWriter, r *http.Request) {
	claims := callerClaims(r)
	devices, err := s.store.OnlineDevices(claims.WorkspaceID, time.Now())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "could not list devices")
		return
	}
	if devices == nil {
		devices = []*Device{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"devices": devices})
}

// deviceForCaller loads a device and checks it belongs to the caller's
// workspace.
func (s *Server) deviceForCaller(w http.ResponseWriter, r *http.Request, id string) *Device {
	claims := callerClaims(r)
	device, err := s.store.GetDevice(id)
	if err != nil {
		if errors.Is(err, ErrDeviceNotFound) {
			writeError(w, http.StatusNotFound, "NOT_FOUND", "device not found")
		} else {
			writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "device lookup failed")
		}
		return nil
	}
	if device.WorkspaceID != claims.WorkspaceID {
		writeError(w, http.StatusForbidden, "FORBIDDEN", "device belongs to another workspace")
		return nil
	}
	return device
}

func (s *Server) handleDeviceGet(w http.ResponseWriter, r *http.Request) {
	device := s.deviceForCaller(w, r, r.PathValue("id"))
	if device == nil {
		return
	}
	writeJSON(w, http.StatusOK, device)
}

func (s *Server) handleDeviceDelete(w http.ResponseWriter, r *http.Request) {
	device := s.deviceForCaller(w, r, r.PathValue("id"))
	if device == nil {
		return
	}
	if err := s.store.DeleteDevice(device.ID); err != nil {
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "could not delete device")
		return
	}
	logger.Info("device removed", "device", device.ID, "workspace", device.WorkspaceID)
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleDevicePing(w http.ResponseWriter, r *http.Request) {
	device := s.deviceForCaller(w, r, r.PathValue("id"))
	if device == nil {
		return
	}
	now := time.Now()
	if err := s.store.TouchDevice(device.ID, now); err != nil {
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "could not update device")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "lastSeen": now.UnixMilli()})
}

// handleNotifyToken registers the caller device's push topic.
func (s *Server) handleNotifyToken(w http.ResponseWriter, r *http.Request) {
	claims := callerClaims(r)
	var req struct {
		Topic string `json:"topic"`
	}
	if !readJSON(w, r, &req) {
		return
	}
	if req.Topic == "" {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "topic is required")
		return
	}
	if err := s.store.SetPushTopic(claims.DeviceID, req.Topic, time.Now()); err != nil {
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "could not save push topic")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleNotifyTokenDelete(w http.ResponseWriter, r *http.Request) {
	device := s.deviceForCaller(w, r, r.PathValue("deviceId"))
	if device == nil {
		return
	}
	if err := s.store.DeletePushTopic(device.ID); err != nil {
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "could not remove push topic")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// handleNotifySend pushes a notification to another device in the
// caller's workspace through its registered topic.
func (s *Server) handleNotifySend(w http.ResponseWriter, r *http.Request) {
	claims := callerClaims(r)
	var req struct {
		DeviceID string `json:"deviceId"`
		Title    string `json:"title"`
		Body     string `json:"body"`
		Priority string `json:"priority"`
		Tags     string `json:"tags"`
		ClickURL string `json:"clickUrl"`
	}
	if !readJSON(w, r, &req) {
		return
	}
	if req.DeviceID == "" || req.Title == "" {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "deviceId and title are required")
		return
	}

	device, err := s.store.GetDevice(req.DeviceID)
	if err != nil {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "device not found")
		return
	}
	if device.WorkspaceID != claims.WorkspaceID {
		writeError(w, http.StatusForbidden, "FORBIDDEN", "device belongs to another workspace")
		return
	}
	topic, err := s.store.PushTopic(device.ID)
	if err != nil {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "device has no push topic registered")
		return
	}

	n := push.Notification{
		Title:    req.Title,
		Body:     req.Body,
		Priority: req.Priority,
		Tags:     req.Tags,
		ClickURL: req.ClickURL,
	}
	if err := s.push.Send(r.Context(), topic, n); err != nil {
		writeError(w, http.StatusBadGateway, "PUSH_FAILED", "notification delivery failed")
		return
	}

	entry := &HistoryEntry{
		WorkspaceID: device.WorkspaceID,
		DeviceID:    device.ID,
		Title:       req.Title,
		Body:        req.Body,
		Priority:    req.Priority,
		SentAt:      time.Now(),
	}
	if entry.Priority == "" {
		entry.Priority = "default"
	}
	if err := s.store.RecordNotification(entry); err != nil {
		logger.Warn("history record failed", "device", device.ID, "error", err)
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "id": entry.ID})
}

func (s *Server) handleNotifyHistory(w http.ResponseWriter, r *http.Request) {
	claims := callerClaims(r)
	workspaceID := r.PathValue("workspaceId")
	if workspaceID != claims.WorkspaceID {
		writeError(w, http.StatusForbidden, "FORBIDDEN", "history belongs to another workspace")
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	entries, err := s.store.NotificationHistory(workspaceID, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "could not load history")
		return
	}
	if entries == nil {
		entries = []*HistoryEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"notifications": entries})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"uptime":  int(time.Since(s.started).Seconds()),
		"version": s.version,
	})
}
