package adminapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/fleetops/agentmanager/internal/adminauth"
	"github.com/fleetops/agentmanager/internal/audit"
)

// apiLogin processes an admin login attempt. A password-only account gets
// a session directly; a TOTP-enabled account gets a pending token instead
// and must call /v1/auth/totp/verify to finish.
func (s *Server) apiLogin(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if body.Username == "" || body.Password == "" {
		writeError(w, http.StatusBadRequest, "username and password required")
		return
	}

	ip := clientIP(r)
	session, err := s.auth.Login(r.Context(), body.Username, body.Password, ip, r.UserAgent())
	if err != nil {
		var totpErr *adminauth.ErrTOTPRequired
		if errors.As(err, &totpErr) {
			writeJSON(w, http.StatusOK, map[string]any{
				"totp_required": true,
				"totp_token":    totpErr.PendingToken,
			})
			return
		}
		s.recordAudit(audit.Event{EventType: "admin_login", AgentKey: body.Username, Success: false, Details: map[string]any{"ip": ip}})
		switch {
		case errors.Is(err, adminauth.ErrRateLimited):
			writeError(w, http.StatusTooManyRequests, "too many login attempts, try again later")
		case errors.Is(err, adminauth.ErrAccountLocked):
			writeError(w, http.StatusForbidden, "account is temporarily locked")
		default:
			writeError(w, http.StatusUnauthorized, "invalid username or password")
		}
		return
	}

	s.recordAudit(audit.Event{EventType: "admin_login", AgentKey: body.Username, Success: true, Details: map[string]any{"ip": ip}})
	adminauth.SetSessionCookie(w, session.Token, session.ExpiresAt, s.auth.CookieSecure)
	writeJSON(w, http.StatusOK, map[string]any{"user_id": session.UserID})
}

// apiVerifyTOTP completes a login that apiLogin left pending on a second
// factor.
func (s *Server) apiVerifyTOTP(w http.ResponseWriter, r *http.Request) {
	var body struct {
		PendingToken string `json:"pending_token"`
		Code         string `json:"code"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if body.PendingToken == "" || body.Code == "" {
		writeError(w, http.StatusBadRequest, "pending_token and code required")
		return
	}

	ip := clientIP(r)
	session, err := s.auth.VerifyTOTP(r.Context(), body.PendingToken, body.Code, ip, r.UserAgent())
	if err != nil {
		switch {
		case errors.Is(err, adminauth.ErrRateLimited):
			writeError(w, http.StatusTooManyRequests, "too many attempts, try again later")
		case errors.Is(err, adminauth.ErrInvalidTOTPCode):
			writeError(w, http.StatusUnauthorized, "invalid code")
		default:
			writeError(w, http.StatusUnauthorized, "verification failed")
		}
		return
	}

	adminauth.SetSessionCookie(w, session.Token, session.ExpiresAt, s.auth.CookieSecure)
	writeJSON(w, http.StatusOK, map[string]any{"user_id": session.UserID})
}

// apiLogout revokes the caller's session.
func (s *Server) apiLogout(w http.ResponseWriter, r *http.Request) {
	token := adminauth.GetSessionToken(r)
	if token != "" {
		_ = s.auth.Logout(token)
	}
	if sess := sessionFromContext(r.Context()); sess != nil {
		s.recordAudit(audit.Event{EventType: "admin_logout", AgentKey: sess.UserID, Success: true})
	}
	adminauth.ClearSessionCookie(w, s.auth.CookieSecure)
	w.WriteHeader(http.StatusNoContent)
}

// apiRotatePassword changes the password for the path-named user. The
// caller may only rotate their own password.
func (s *Server) apiRotatePassword(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	sess := sessionFromContext(r.Context())
	if sess == nil || sess.UserID != id {
		writeError(w, http.StatusForbidden, "cannot rotate another user's password")
		return
	}

	var body struct {
		OldPassword string `json:"old_password"`
		NewPassword string `json:"new_password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := s.auth.RotatePassword(id, body.OldPassword, body.NewPassword); err != nil {
		s.recordAudit(audit.Event{EventType: "admin_password_rotate", AgentKey: id, Success: false})
		switch {
		case errors.Is(err, adminauth.ErrInvalidCredentials):
			writeError(w, http.StatusUnauthorized, "old password incorrect")
		default:
			writeError(w, http.StatusBadRequest, err.Error())
		}
		return
	}
	s.recordAudit(audit.Event{EventType: "admin_password_rotate", AgentKey: id, Success: true})
	w.WriteHeader(http.StatusNoContent)
}
