package adminauth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/fleetops/agentmanager/internal/logging"
)

// Service ties the admin user/session store, rate limiter, and optional
// WebAuthn/OIDC providers together behind the login and account-management
// operations the admin HTTP API exposes.
type Service struct {
	Store       *Store
	RateLimiter *RateLimiter
	WebAuthn    *WebAuthnProvider // nil if not configured
	OIDC        *OIDCProvider     // nil if not configured
	Log         *logging.Logger

	SessionExpiry time.Duration
	CookieSecure  bool

	pendingMu  sync.Mutex
	pendingTOTP map[string]pendingTOTPEntry
}

type pendingTOTPEntry struct {
	userID    string
	expiresAt time.Time
}

// NewService constructs a Service. webauthn and oidc may be nil.
func NewService(store *Store, log *logging.Logger, sessionExpiry time.Duration, cookieSecure bool, webauthn *WebAuthnProvider, oidcP *OIDCProvider) *Service {
	return &Service{
		Store:         store,
		RateLimiter:   NewRateLimiter(),
		WebAuthn:      webauthn,
		OIDC:          oidcP,
		Log:           log,
		SessionExpiry: sessionExpiry,
		CookieSecure:  cookieSecure,
		pendingTOTP:   make(map[string]pendingTOTPEntry),
	}
}

// NeedsSetup reports whether no admin user has been provisioned yet, so
// callers can route to a first-run setup flow instead of a login form.
func (s *Service) NeedsSetup() bool {
	return s.Store.UserCount() == 0
}

// CreateFirstUser provisions the initial admin account. Callers must
// gate this behind NeedsSetup themselves; it does not re-check here.
func (s *Service) CreateFirstUser(username, password string) (*User, error) {
	if err := ValidatePassword(password); err != nil {
		return nil, err
	}
	hash, err := HashPassword(password)
	if err != nil {
		return nil, fmt.Errorf("adminauth: hash password: %w", err)
	}
	id, err := GenerateUserID()
	if err != nil {
		return nil, fmt.Errorf("adminauth: generate user id: %w", err)
	}
	user := User{ID: id, Username: username, PasswordHash: hash}
	if err := s.Store.CreateUser(user); err != nil {
		return nil, err
	}
	return &user, nil
}

// GenerateUserID creates a random 16-char hex user ID.
func GenerateUserID() (string, error) {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// Login authenticates a username/password pair and either returns a new
// session, or an *ErrTOTPRequired if the account has a second factor
// enabled, in which case VerifyTOTP must be called to complete login.
func (s *Service) Login(ctx context.Context, username, password, ip, userAgent string) (*Session, error) {
	if !s.RateLimiter.Allow(ip) {
		return nil, ErrRateLimited
	}

	user, ok := s.Store.GetUserByUsername(username)
	if !ok {
		s.RateLimiter.RecordFailure(ip)
		return nil, ErrInvalidCredentials
	}

	if user.Locked && time.Now().Before(user.LockedUntil) {
		return nil, ErrAccountLocked
	}

	if !CheckPassword(user.PasswordHash, password) {
		user.FailedLogins++
		if user.FailedLogins >= accountLockoutThreshold {
			user.Locked = true
			user.LockedUntil = time.Now().Add(accountLockoutDuration)
		}
		_ = s.Store.UpdateUser(*user)
		s.RateLimiter.RecordFailure(ip)
		return nil, ErrInvalidCredentials
	}

	user.FailedLogins = 0
	user.Locked = false
	user.LockedUntil = time.Time{}
	if err := s.Store.UpdateUser(*user); err != nil {
		return nil, fmt.Errorf("adminauth: persist user: %w", err)
	}
	s.RateLimiter.Reset(ip)

	if user.TOTPEnabled {
		token, err := s.createPendingTOTP(user.ID)
		if err != nil {
			return nil, fmt.Errorf("adminauth: create pending totp: %w", err)
		}
		return nil, &ErrTOTPRequired{PendingToken: token}
	}

	return s.newSession(user.ID, ip, userAgent)
}

func (s *Service) newSession(userID, ip, userAgent string) (*Session, error) {
	token, err := GenerateSessionToken()
	if err != nil {
		return nil, fmt.Errorf("adminauth: generate session token: %w", err)
	}
	session := Session{
		Token:     token,
		UserID:    userID,
		IP:        ip,
		UserAgent: userAgent,
		CreatedAt: time.Now().UTC(),
		ExpiresAt: time.Now().UTC().Add(s.SessionExpiry),
	}
	if err := s.Store.CreateSession(session); err != nil {
		return nil, fmt.Errorf("adminauth: create session: %w", err)
	}
	return &session, nil
}

func (s *Service) createPendingTOTP(userID string) (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	token := hex.EncodeToString(b)
	s.pendingMu.Lock()
	s.pendingTOTP[token] = pendingTOTPEntry{userID: userID, expiresAt: time.Now().Add(5 * time.Minute)}
	s.pendingMu.Unlock()
	return token, nil
}

func (s *Service) takePendingTOTP(token string) (string, bool) {
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()
	entry, ok := s.pendingTOTP[token]
	delete(s.pendingTOTP, token)
	if !ok || time.Now().After(entry.expiresAt) {
		return "", false
	}
	return entry.userID, true
}

// VerifyTOTP completes a login started by Login when the account has a
// second factor enabled, accepting either a live TOTP code or one of the
// account's recovery codes.
func (s *Service) VerifyTOTP(ctx context.Context, pendingToken, code, ip, userAgent string) (*Session, error) {
	if !s.RateLimiter.Allow(ip) {
		return nil, ErrRateLimited
	}

	userID, ok := s.takePendingTOTP(pendingToken)
	if !ok {
		s.RateLimiter.RecordFailure(ip)
		return nil, ErrInvalidCredentials
	}

	user, ok := s.Store.GetUser(userID)
	if !ok {
		return nil, ErrUserNotFound
	}
	if !user.TOTPEnabled {
		return nil, ErrTOTPNotEnabled
	}

	valid := ValidateTOTPCode(user.TOTPSecret, code)
	if !valid {
		if idx := ValidateRecoveryCode(code, user.RecoveryCodes); idx >= 0 {
			valid = true
			user.RecoveryCodes = append(user.RecoveryCodes[:idx], user.RecoveryCodes[idx+1:]...)
			_ = s.Store.UpdateUser(*user)
		}
	}
	if !valid {
		s.RateLimiter.RecordFailure(ip)
		return nil, ErrInvalidTOTPCode
	}

	s.RateLimiter.Reset(ip)
	return s.newSession(user.ID, ip, userAgent)
}

// EnableTOTP starts 2FA enrollment, returning a provisioning key for a QR
// code plus recovery codes. TOTPEnabled stays false until ConfirmTOTP.
func (s *Service) EnableTOTP(userID string) (secret string, recoveryCodes []string, err error) {
	user, ok := s.Store.GetUser(userID)
	if !ok {
		return "", nil, ErrUserNotFound
	}
	key, err := GenerateTOTPSecret(user.Username)
	if err != nil {
		return "", nil, fmt.Errorf("adminauth: generate totp secret: %w", err)
	}
	plain, stored, err := GenerateRecoveryCodes()
	if err != nil {
		return "", nil, fmt.Errorf("adminauth: generate recovery codes: %w", err)
	}
	user.TOTPSecret = key.Secret()
	user.RecoveryCodes = stored
	if err := s.Store.UpdateUser(*user); err != nil {
		return "", nil, err
	}
	return key.Secret(), plain, nil
}

// ConfirmTOTP activates 2FA once the operator proves possession of the
// authenticator by submitting a valid code.
func (s *Service) ConfirmTOTP(userID, code string) error {
	user, ok := s.Store.GetUser(userID)
	if !ok {
		return ErrUserNotFound
	}
	if user.TOTPSecret == "" {
		return fmt.Errorf("adminauth: no pending TOTP secret, call EnableTOTP first")
	}
	if !ValidateTOTPCode(user.TOTPSecret, code) {
		return ErrInvalidTOTPCode
	}
	user.TOTPEnabled = true
	return s.Store.UpdateUser(*user)
}

// DisableTOTP removes 2FA after verifying the account password.
func (s *Service) DisableTOTP(userID, password string) error {
	user, ok := s.Store.GetUser(userID)
	if !ok {
		return ErrUserNotFound
	}
	if !user.TOTPEnabled {
		return ErrTOTPNotEnabled
	}
	if !CheckPassword(user.PasswordHash, password) {
		return ErrInvalidCredentials
	}
	user.TOTPSecret = ""
	user.TOTPEnabled = false
	user.RecoveryCodes = nil
	return s.Store.UpdateUser(*user)
}

// RotatePassword changes the password for userID, backing the
// /v1/users/{id}/password endpoint. Requires the current password.
func (s *Service) RotatePassword(userID, oldPassword, newPassword string) error {
	user, ok := s.Store.GetUser(userID)
	if !ok {
		return ErrUserNotFound
	}
	if !CheckPassword(user.PasswordHash, oldPassword) {
		return ErrInvalidCredentials
	}
	if err := ValidatePassword(newPassword); err != nil {
		return err
	}
	hash, err := HashPassword(newPassword)
	if err != nil {
		return fmt.Errorf("adminauth: hash password: %w", err)
	}
	user.PasswordHash = hash
	return s.Store.UpdateUser(*user)
}

// LoginWithOIDC finds or, if enabled, auto-creates an admin user from a
// verified OIDC identity and issues a session directly (OIDC federation
// stands in for the password+TOTP factors, not in addition to them).
func (s *Service) LoginWithOIDC(info *OIDCUserInfo, ip, userAgent string) (*Session, error) {
	user, ok := s.Store.GetUserByUsername(info.Username)
	if !ok {
		if s.OIDC == nil || !s.OIDC.AutoCreate() {
			return nil, fmt.Errorf("adminauth: user %q not found and auto-create is disabled", info.Username)
		}
		randomPass, err := generateRandomPassword()
		if err != nil {
			return nil, err
		}
		hash, err := HashPassword(randomPass)
		if err != nil {
			return nil, fmt.Errorf("adminauth: hash password: %w", err)
		}
		id, err := GenerateUserID()
		if err != nil {
			return nil, fmt.Errorf("adminauth: generate user id: %w", err)
		}
		newUser := User{ID: id, Username: info.Username, PasswordHash: hash}
		if err := s.Store.CreateUser(newUser); err != nil {
			return nil, err
		}
		user = &newUser
	}
	return s.newSession(user.ID, ip, userAgent)
}

// ValidateSession returns the session for token if it exists and hasn't
// expired.
func (s *Service) ValidateSession(token string) (*Session, bool) {
	return s.Store.GetSession(token)
}

// Logout revokes a session.
func (s *Service) Logout(token string) error {
	s.Store.DeleteSession(token)
	return nil
}

// CleanupExpiredSessions removes expired sessions, returning how many
// were removed. Intended to be called periodically by a background loop.
func (s *Service) CleanupExpiredSessions() int {
	return s.Store.DeleteExpiredSessions()
}
