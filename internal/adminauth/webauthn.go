package adminauth

import (
	"fmt"
	"net/http"
	"sync"
	"time"

	webauthnlib "github.com/go-webauthn/webauthn/webauthn"
)

var ErrWebAuthnNotConfigured = fmt.Errorf("adminauth: webauthn not configured (set FLEETMGR_WEBAUTHN_RPID)")

// WebAuthnConfig mirrors the teacher's env-sourced WebAuthn settings:
// empty RPID/Origins disables passkey login entirely.
type WebAuthnConfig struct {
	RPID        string
	DisplayName string
	Origins     []string
}

// WebAuthnCredential is the stored shape of one registered passkey.
type WebAuthnCredential struct {
	ID        []byte    `json:"id"`
	Raw       []byte    `json:"raw"` // JSON-marshaled webauthnlib.Credential
	UserID    string    `json:"user_id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// webauthnUser adapts a User plus its credentials to webauthnlib.User.
type webauthnUser struct {
	user  *User
	creds []webauthnlib.Credential
}

func (w *webauthnUser) WebAuthnID() []byte                          { return w.user.WebAuthnUserID }
func (w *webauthnUser) WebAuthnName() string                        { return w.user.Username }
func (w *webauthnUser) WebAuthnDisplayName() string                 { return w.user.Username }
func (w *webauthnUser) WebAuthnCredentials() []webauthnlib.Credential { return w.creds }

// WebAuthnProvider wraps the go-webauthn library for admin passkey
// registration and login, with a TTL-bounded ceremony handoff store (the
// library requires the same SessionData to flow between Begin and
// Finish, and HTTP handlers are stateless between those two calls).
type WebAuthnProvider struct {
	lib *webauthnlib.WebAuthn

	mu         sync.Mutex
	ceremonies map[string]ceremonyEntry
}

type ceremonyEntry struct {
	data      *webauthnlib.SessionData
	expiresAt time.Time
}

const ceremonyTTL = 60 * time.Second

// NewWebAuthnProvider constructs a WebAuthnProvider, or returns
// (nil, nil) if cfg is incomplete (RPID or Origins unset) — passkey
// login is an optional second factor, not a hard requirement.
func NewWebAuthnProvider(cfg WebAuthnConfig) (*WebAuthnProvider, error) {
	if cfg.RPID == "" || len(cfg.Origins) == 0 {
		return nil, nil
	}
	lib, err := webauthnlib.New(&webauthnlib.Config{
		RPID:          cfg.RPID,
		RPDisplayName: cfg.DisplayName,
		RPOrigins:     cfg.Origins,
	})
	if err != nil {
		return nil, fmt.Errorf("adminauth: construct webauthn: %w", err)
	}
	return &WebAuthnProvider{lib: lib, ceremonies: make(map[string]ceremonyEntry)}, nil
}

func (p *WebAuthnProvider) putCeremony(key string, data *webauthnlib.SessionData) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ceremonies[key] = ceremonyEntry{data: data, expiresAt: time.Now().Add(ceremonyTTL)}
}

func (p *WebAuthnProvider) takeCeremony(key string) (*webauthnlib.SessionData, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	entry, ok := p.ceremonies[key]
	delete(p.ceremonies, key)
	if !ok || time.Now().After(entry.expiresAt) {
		return nil, false
	}
	return entry.data, true
}

// BeginRegistration starts a passkey-registration ceremony for user and
// returns the protocol creation options to send to the browser.
func (p *WebAuthnProvider) BeginRegistration(user *User, existing []webauthnlib.Credential) (any, error) {
	options, session, err := p.lib.BeginRegistration(&webauthnUser{user: user, creds: existing})
	if err != nil {
		return nil, fmt.Errorf("adminauth: begin webauthn registration: %w", err)
	}
	p.putCeremony("register:"+user.ID, session)
	return options, nil
}

// FinishRegistration completes a registration ceremony started by
// BeginRegistration, returning the new credential to persist.
func (p *WebAuthnProvider) FinishRegistration(user *User, response *http.Request) (*webauthnlib.Credential, error) {
	session, ok := p.takeCeremony("register:" + user.ID)
	if !ok {
		return nil, fmt.Errorf("adminauth: webauthn registration ceremony not found or expired")
	}
	cred, err := p.lib.FinishRegistration(&webauthnUser{user: user}, *session, response)
	if err != nil {
		return nil, fmt.Errorf("adminauth: finish webauthn registration: %w", err)
	}
	return cred, nil
}

// BeginLogin starts a passkey-login ceremony for user using its
// previously registered credentials.
func (p *WebAuthnProvider) BeginLogin(user *User, creds []webauthnlib.Credential) (any, error) {
	options, session, err := p.lib.BeginLogin(&webauthnUser{user: user, creds: creds})
	if err != nil {
		return nil, fmt.Errorf("adminauth: begin webauthn login: %w", err)
	}
	p.putCeremony("login:"+user.ID, session)
	return options, nil
}

// FinishLogin completes a login ceremony started by BeginLogin.
func (p *WebAuthnProvider) FinishLogin(user *User, creds []webauthnlib.Credential, response *http.Request) (*webauthnlib.Credential, error) {
	session, ok := p.takeCeremony("login:" + user.ID)
	if !ok {
		return nil, fmt.Errorf("adminauth: webauthn login ceremony not found or expired")
	}
	cred, err := p.lib.FinishLogin(&webauthnUser{user: user, creds: creds}, *session, response)
	if err != nil {
		return nil, fmt.Errorf("adminauth: finish webauthn login: %w", err)
	}
	return cred, nil
}
