package httpapi

import (
	"net/http"
	"time"

	"sessiond/internal/common"
	"sessiond/internal/logging"
	"sessiond/internal/server/models"
	"sessiond/internal/server/services"
)

// Handlers holds the HTTP endpoints over the session lifecycle manager.
type Handlers struct {
	sessions *services.SessionService
	logger   logging.Logger
}

func NewHandlers(sessions *services.SessionService, logger logging.Logger) *Handlers {
	return &Handlers{sessions: sessions, logger: logger.With("component", "httpapi")}
}

type credentialsRequest struct {
	Email      string `json:"email"`
	Password   string `json:"password"`
	DeviceName string `json:"device_name,omitempty"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type changePasswordRequest struct {
	CurrentPassword string `json:"current_password"`
	NewPassword     string `json:"new_password"`
}

type validateTokenRequest struct {
	Token string `json:"token"`
}

type accountRequest struct {
	AccountID string `json:"account_id"`
	Reason    string `json:"reason,omitempty"`
}

type tokenPairResponse struct {
	SessionID        string    `json:"session_id"`
	AccessToken      string    `json:"access_token"`
	RefreshToken     string    `json:"refresh_token"`
	AccessExpiresAt  time.Time `json:"access_expires_at"`
	RefreshExpiresAt time.Time `json:"refresh_expires_at"`
}

type sessionResponse struct {
	ID         string    `json:"id"`
	DeviceName string    `json:"device_name,omitempty"`
	DeviceIP   string    `json:"device_ip,omitempty"`
	UserAgent  string    `json:"user_agent,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	LastUsedAt time.Time `json:"last_used_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

type validateTokenResponse struct {
	Valid     bool   `json:"valid"`
	AccountID string `json:"account_id"`
	SessionID string `json:"session_id"`
	TokenType string `json:"token_type"`
}

func tokenPair(issued *models.IssuedTokens) tokenPairResponse {
	resp := tokenPairResponse{
		SessionID:       issued.Session.ID,
		AccessToken:     issued.AccessToken,
		RefreshToken:    issued.RefreshToken,
		AccessExpiresAt: issued.Session.AccessExpiresAt,
	}
	if issued.Session.RefreshExpiresAt != nil {
		resp.RefreshExpiresAt = *issued.Session.RefreshExpiresAt
	}
	return resp
}

func (h *Handlers) deviceInfo(r *http.Request, name string) models.DeviceInfo {
	return models.DeviceInfo{Name: name, IP: clientIP(r), UserAgent: r.UserAgent()}
}

func (h *Handlers) register(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := decodeJSON(w, r, &req); err != nil {
		return
	}
	if req.Email == "" || req.Password == "" {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "email and password are required"})
		return
	}
	issued, err := h.sessions.Register(r.Context(), req.Email, req.Password, h.deviceInfo(r, req.DeviceName))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, tokenPair(issued))
}

func (h *Handlers) login(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := decodeJSON(w, r, &req); err != nil {
		return
	}
	issued, err := h.sessions.Login(r.Context(), req.Email, req.Password, h.deviceInfo(r, req.DeviceName))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tokenPair(issued))
}

func (h *Handlers) refreshToken(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := decodeJSON(w, r, &req); err != nil {
		return
	}
	issued, err := h.sessions.Refresh(r.Context(), req.RefreshToken, h.deviceInfo(r, ""))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tokenPair(issued))
}

func (h *Handlers) logout(w http.ResponseWriter, r *http.Request) {
	claims, ok := ClaimsFromContext(r.Context())
	if !ok {
		writeError(w, r, common.ErrAuthentication)
		return
	}
	if err := h.sessions.Revoke(r.Context(), claims.SessionID, models.RevokeReasonLogout); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "logged out"})
}

func (h *Handlers) changePassword(w http.ResponseWriter, r *http.Request) {
	claims, ok := ClaimsFromContext(r.Context())
	if !ok {
		writeError(w, r, common.ErrAuthentication)
		return
	}
	var req changePasswordRequest
	if err := decodeJSON(w, r, &req); err != nil {
		return
	}
	if req.NewPassword == "" {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "new_password is required"})
		return
	}
	if err := h.sessions.ChangePassword(r.Context(), claims.AccountID, req.CurrentPassword, req.NewPassword); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "password changed"})
}

func (h *Handlers) listSessions(w http.ResponseWriter, r *http.Request) {
	claims, ok := ClaimsFromContext(r.Context())
	if !ok {
		writeError(w, r, common.ErrAuthentication)
		return
	}
	list, err := h.sessions.ListSessions(r.Context(), claims.AccountID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	out := make([]sessionResponse, 0, len(list))
	for _, s := range list {
		out = append(out, sessionResponse{
			ID:         s.ID,
			DeviceName: s.DeviceName,
			DeviceIP:   s.DeviceIP,
			UserAgent:  s.UserAgent,
			CreatedAt:  s.CreatedAt,
			LastUsedAt: s.LastUsedAt,
			ExpiresAt:  s.AccessExpiresAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": out})
}

func (h *Handlers) revokeSession(w http.ResponseWriter, r *http.Request) {
	claims, ok := ClaimsFromContext(r.Context())
	if !ok {
		writeError(w, r, common.ErrAuthentication)
		return
	}
	sessionID := r.PathValue("id")
	if sessionID == "" {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "session id is required"})
		return
	}
	if err := h.sessions.RevokeOwned(r.Context(), claims.AccountID, sessionID, models.RevokeReasonUserRequest); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "revoked"})
}

func (h *Handlers) revokeAllSessions(w http.ResponseWriter, r *http.Request) {
	claims, ok := ClaimsFromContext(r.Context())
	if !ok {
		writeError(w, r, common.ErrAuthentication)
		return
	}
	n, err := h.sessions.RevokeAll(r.Context(), claims.AccountID, models.RevokeReasonUserRequest)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "revoked", "count": n})
}

func (h *Handlers) validateToken(w http.ResponseWriter, r *http.Request) {
	var req validateTokenRequest
	if err := decodeJSON(w, r, &req); err != nil {
		return
	}
	claims, err := h.sessions.Validate(r.Context(), req.Token)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, validateTokenResponse{
		Valid:     true,
		AccountID: claims.AccountID,
		SessionID: claims.SessionID,
		TokenType: claims.TokenType,
	})
}

func (h *Handlers) syncSession(w http.ResponseWriter, r *http.Request) {
	var event models.SyncEvent
	if err := decodeJSON(w, r, &event); err != nil {
		return
	}
	if err := h.sessions.HandlePeerSessionEvent(r.Context(), event); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "applied"})
}

func (h *Handlers) syncUser(w http.ResponseWriter, r *http.Request) {
	// Accepts the full event shape so a peer's sync client can post here.
	var event models.SyncEvent
	if err := decodeJSON(w, r, &event); err != nil {
		return
	}
	if err := h.sessions.HandlePeerUserSync(r.Context(), event.AccountID); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "applied"})
}

func (h *Handlers) revokeUserSessions(w http.ResponseWriter, r *http.Request) {
	var req accountRequest
	if err := decodeJSON(w, r, &req); err != nil {
		return
	}
	if req.AccountID == "" {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "account_id is required"})
		return
	}
	reason := req.Reason
	if reason == "" {
		reason = models.RevokeReasonPeerRevocation
	}
	n, err := h.sessions.RevokeAll(r.Context(), req.AccountID, reason)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "revoked", "count": n})
}

func (h *Handlers) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
