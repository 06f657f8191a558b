package adminauth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"
)

// OIDCConfig configures federation to an external identity provider for
// admin login. Disabled unless IssuerURL and ClientID are both set.
type OIDCConfig struct {
	Enabled      bool
	IssuerURL    string
	ClientID     string
	ClientSecret string
	RedirectURL  string
	AutoCreate   bool // auto-create an admin user from OIDC claims on first login
}

// OIDCProvider wraps OIDC discovery and the OAuth2 authorization-code flow.
type OIDCProvider struct {
	mu         sync.RWMutex
	provider   *oidc.Provider
	verifier   *oidc.IDTokenVerifier
	oauth2Cfg  oauth2.Config
	autoCreate bool
}

// OIDCUserInfo is the identity extracted from a verified ID token.
type OIDCUserInfo struct {
	Subject  string
	Email    string
	Name     string
	Username string
}

// NewOIDCProvider initializes OIDC discovery and the OAuth2 config.
// Returns (nil, nil) if cfg is not enabled or incomplete.
func NewOIDCProvider(ctx context.Context, cfg OIDCConfig) (*OIDCProvider, error) {
	if !cfg.Enabled || cfg.IssuerURL == "" || cfg.ClientID == "" {
		return nil, nil
	}

	provider, err := oidc.NewProvider(ctx, cfg.IssuerURL)
	if err != nil {
		return nil, fmt.Errorf("adminauth: oidc discovery: %w", err)
	}

	oauth2Cfg := oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		RedirectURL:  cfg.RedirectURL,
		Endpoint:     provider.Endpoint(),
		Scopes:       []string{oidc.ScopeOpenID, "profile", "email"},
	}

	return &OIDCProvider{
		provider:   provider,
		verifier:   provider.Verifier(&oidc.Config{ClientID: cfg.ClientID}),
		oauth2Cfg:  oauth2Cfg,
		autoCreate: cfg.AutoCreate,
	}, nil
}

// AuthURL builds the authorization URL carrying the given CSRF state.
func (p *OIDCProvider) AuthURL(state string) string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.oauth2Cfg.AuthCodeURL(state)
}

// Exchange trades an authorization code for a verified identity.
func (p *OIDCProvider) Exchange(ctx context.Context, code string) (*OIDCUserInfo, error) {
	p.mu.RLock()
	cfg := p.oauth2Cfg
	verifier := p.verifier
	p.mu.RUnlock()

	token, err := cfg.Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("adminauth: oidc token exchange: %w", err)
	}

	rawIDToken, ok := token.Extra("id_token").(string)
	if !ok {
		return nil, fmt.Errorf("adminauth: oidc response carried no id_token")
	}

	idToken, err := verifier.Verify(ctx, rawIDToken)
	if err != nil {
		return nil, fmt.Errorf("adminauth: oidc token verification: %w", err)
	}

	var claims struct {
		Email             string `json:"email"`
		Name              string `json:"name"`
		PreferredUsername string `json:"preferred_username"`
	}
	if err := idToken.Claims(&claims); err != nil {
		return nil, fmt.Errorf("adminauth: oidc parse claims: %w", err)
	}

	username := claims.PreferredUsername
	if username == "" {
		username = claims.Email
	}
	if username == "" {
		username = idToken.Subject
	}

	return &OIDCUserInfo{
		Subject:  idToken.Subject,
		Email:    claims.Email,
		Name:     claims.Name,
		Username: username,
	}, nil
}

// AutoCreate reports whether a first-time OIDC login should provision a
// local admin user rather than be rejected.
func (p *OIDCProvider) AutoCreate() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.autoCreate
}

// GenerateOIDCState creates a random hex CSRF-state parameter for the
// authorization-code redirect.
func GenerateOIDCState() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// generateRandomPassword fills PasswordHash for OIDC-provisioned users,
// who authenticate via the identity provider and never use it directly.
func generateRandomPassword() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
