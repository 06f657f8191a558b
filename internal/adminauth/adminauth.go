// Package adminauth is the login surface for the fleet manager's own
// admin API — distinct from the per-agent credentials internal/agentauth
// negotiates with each fleet agent. It backs a single-operator admin
// account with password, optional TOTP second factor, optional WebAuthn
// passkeys, and optional OIDC federation.
package adminauth

import (
	"crypto/rand"
	"errors"
	"fmt"
	"time"
)

var (
	ErrInvalidCredentials = errors.New("adminauth: invalid username or password")
	ErrRateLimited        = errors.New("adminauth: too many login attempts, try again later")
	ErrAccountLocked      = errors.New("adminauth: account locked after repeated failures")
	ErrSessionExpired     = errors.New("adminauth: session expired or not found")
	ErrUserNotFound       = errors.New("adminauth: user not found")
	ErrTOTPNotEnabled     = errors.New("adminauth: TOTP is not enabled for this user")
	ErrInvalidTOTPCode    = errors.New("adminauth: invalid TOTP code")
)

const accountLockoutThreshold = 10
const accountLockoutDuration = 30 * time.Minute

// ErrTOTPRequired is returned by Login when the password check passed but
// a second-factor code is still required to complete the login.
type ErrTOTPRequired struct {
	PendingToken string
}

func (e *ErrTOTPRequired) Error() string { return "adminauth: TOTP code required to complete login" }

// User is the fleet manager's single administrative operator account (or
// one of a small set of them, if the operator provisions more than one).
type User struct {
	ID             string    `json:"id"`
	Username       string    `json:"username"`
	PasswordHash   string    `json:"password_hash"`
	TOTPSecret     string    `json:"totp_secret,omitempty"`
	TOTPEnabled    bool      `json:"totp_enabled"`
	RecoveryCodes  []string  `json:"recovery_codes,omitempty"`
	WebAuthnUserID []byte    `json:"webauthn_user_id,omitempty"`
	FailedLogins   int       `json:"failed_logins"`
	Locked         bool      `json:"locked"`
	LockedUntil    time.Time `json:"locked_until"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// EnsureWebAuthnUserID generates a random WebAuthn user handle if one
// isn't already set. Returns true if it generated a new one, so the
// caller knows to persist the user.
func (u *User) EnsureWebAuthnUserID() (bool, error) {
	if len(u.WebAuthnUserID) > 0 {
		return false, nil
	}
	id := make([]byte, 64)
	if _, err := rand.Read(id); err != nil {
		return false, fmt.Errorf("adminauth: generate webauthn user id: %w", err)
	}
	u.WebAuthnUserID = id
	return true, nil
}

// Session is an active admin login session.
type Session struct {
	Token     string    `json:"token"`
	UserID    string    `json:"user_id"`
	IP        string    `json:"ip"`
	UserAgent string    `json:"user_agent"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}
