package adminauth

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/fleetops/agentmanager/internal/logging"
	"github.com/pquerna/otp/totp"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	store := NewStore(filepath.Join(t.TempDir(), "adminauth.json"), logging.New(false))
	return NewService(store, logging.New(false), time.Hour, false, nil, nil)
}

func TestCreateFirstUserAndLogin(t *testing.T) {
	svc := newTestService(t)
	if !svc.NeedsSetup() {
		t.Fatal("expected NeedsSetup true before any user exists")
	}
	if _, err := svc.CreateFirstUser("admin", "correcthorse1"); err != nil {
		t.Fatalf("CreateFirstUser: %v", err)
	}
	if svc.NeedsSetup() {
		t.Fatal("expected NeedsSetup false after user created")
	}

	session, err := svc.Login(context.Background(), "admin", "correcthorse1", "1.2.3.4", "test-agent")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if session.UserID == "" || session.Token == "" {
		t.Fatal("expected populated session")
	}

	got, ok := svc.ValidateSession(session.Token)
	if !ok || got.Token != session.Token {
		t.Fatal("expected session to validate")
	}
}

func TestLoginRejectsWrongPassword(t *testing.T) {
	svc := newTestService(t)
	if _, err := svc.CreateFirstUser("admin", "correcthorse1"); err != nil {
		t.Fatalf("CreateFirstUser: %v", err)
	}
	if _, err := svc.Login(context.Background(), "admin", "wrongpassword1", "1.2.3.4", "ua"); err != ErrInvalidCredentials {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}
}

func TestLoginLocksAccountAfterRepeatedFailures(t *testing.T) {
	svc := newTestService(t)
	if _, err := svc.CreateFirstUser("admin", "correcthorse1"); err != nil {
		t.Fatalf("CreateFirstUser: %v", err)
	}
	for i := 0; i < accountLockoutThreshold; i++ {
		ip := "10.0.0." + string(rune('1'+i%9))
		svc.RateLimiter.Reset(ip) // isolate from the per-IP rate limiter
		_, _ = svc.Login(context.Background(), "admin", "wrongpassword1", ip, "ua")
	}
	user, ok := svc.Store.GetUserByUsername("admin")
	if !ok {
		t.Fatal("expected user to exist")
	}
	if !user.Locked {
		t.Fatal("expected account to be locked after repeated failures")
	}

	svc.RateLimiter.Reset("10.0.0.9")
	if _, err := svc.Login(context.Background(), "admin", "correcthorse1", "10.0.0.9", "ua"); err != ErrAccountLocked {
		t.Fatalf("expected ErrAccountLocked, got %v", err)
	}
}

func TestLoginRateLimitsPerIP(t *testing.T) {
	svc := newTestService(t)
	if _, err := svc.CreateFirstUser("admin", "correcthorse1"); err != nil {
		t.Fatalf("CreateFirstUser: %v", err)
	}
	var lastErr error
	for i := 0; i < maxLoginAttempts+2; i++ {
		_, lastErr = svc.Login(context.Background(), "admin", "wrongpassword1", "9.9.9.9", "ua")
	}
	if lastErr != ErrRateLimited {
		t.Fatalf("expected ErrRateLimited after exceeding window, got %v", lastErr)
	}
}

func TestLoginRequiresTOTPWhenEnabled(t *testing.T) {
	svc := newTestService(t)
	user, err := svc.CreateFirstUser("admin", "correcthorse1")
	if err != nil {
		t.Fatalf("CreateFirstUser: %v", err)
	}
	secret, _, err := svc.EnableTOTP(user.ID)
	if err != nil {
		t.Fatalf("EnableTOTP: %v", err)
	}
	code, err := totpCodeForTest(secret)
	if err != nil {
		t.Fatalf("generate code: %v", err)
	}
	if err := svc.ConfirmTOTP(user.ID, code); err != nil {
		t.Fatalf("ConfirmTOTP: %v", err)
	}

	_, err = svc.Login(context.Background(), "admin", "correcthorse1", "1.1.1.1", "ua")
	totpErr, ok := err.(*ErrTOTPRequired)
	if !ok || totpErr.PendingToken == "" {
		t.Fatalf("expected *ErrTOTPRequired with a pending token, got %v", err)
	}

	code2, err := totpCodeForTest(secret)
	if err != nil {
		t.Fatalf("generate code: %v", err)
	}
	session, err := svc.VerifyTOTP(context.Background(), totpErr.PendingToken, code2, "1.1.1.1", "ua")
	if err != nil {
		t.Fatalf("VerifyTOTP: %v", err)
	}
	if session.UserID != user.ID {
		t.Fatalf("expected session for %s, got %s", user.ID, session.UserID)
	}
}

func TestRotatePassword(t *testing.T) {
	svc := newTestService(t)
	user, err := svc.CreateFirstUser("admin", "correcthorse1")
	if err != nil {
		t.Fatalf("CreateFirstUser: %v", err)
	}
	if err := svc.RotatePassword(user.ID, "wrongpassword1", "newpassword1"); err != ErrInvalidCredentials {
		t.Fatalf("expected ErrInvalidCredentials for wrong old password, got %v", err)
	}
	if err := svc.RotatePassword(user.ID, "correcthorse1", "newpassword1"); err != nil {
		t.Fatalf("RotatePassword: %v", err)
	}
	if _, err := svc.Login(context.Background(), "admin", "newpassword1", "2.2.2.2", "ua"); err != nil {
		t.Fatalf("expected login to succeed with rotated password: %v", err)
	}
}

func TestLogoutRevokesSession(t *testing.T) {
	svc := newTestService(t)
	if _, err := svc.CreateFirstUser("admin", "correcthorse1"); err != nil {
		t.Fatalf("CreateFirstUser: %v", err)
	}
	session, err := svc.Login(context.Background(), "admin", "correcthorse1", "3.3.3.3", "ua")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if err := svc.Logout(session.Token); err != nil {
		t.Fatalf("Logout: %v", err)
	}
	if _, ok := svc.ValidateSession(session.Token); ok {
		t.Fatal("expected session to be gone after logout")
	}
}

func TestSessionExpiresAfterExpiry(t *testing.T) {
	store := NewStore(filepath.Join(t.TempDir(), "adminauth.json"), logging.New(false))
	svc := NewService(store, logging.New(false), time.Millisecond, false, nil, nil)
	if _, err := svc.CreateFirstUser("admin", "correcthorse1"); err != nil {
		t.Fatalf("CreateFirstUser: %v", err)
	}
	session, err := svc.Login(context.Background(), "admin", "correcthorse1", "4.4.4.4", "ua")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	time.Sleep(5 * time.Millisecond)
	if _, ok := svc.ValidateSession(session.Token); ok {
		t.Fatal("expected session to have expired")
	}
}

// totpCodeForTest generates a live TOTP code for a secret using the same
// library the production path validates against.
func totpCodeForTest(secret string) (string, error) {
	return totp.GenerateCode(secret, time.Now())
}
