package adminapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/fleetops/agentmanager/internal/adminauth"
	"github.com/fleetops/agentmanager/internal/agentauth"
	"github.com/fleetops/agentmanager/internal/clock"
	"github.com/fleetops/agentmanager/internal/fleet"
	"github.com/fleetops/agentmanager/internal/imageresolver"
	"github.com/fleetops/agentmanager/internal/logging"
	"github.com/fleetops/agentmanager/internal/notify"
	"github.com/fleetops/agentmanager/internal/orchestrator"
	"github.com/fleetops/agentmanager/internal/tokencrypt"
)

// newTestServer wires a Server against a fresh on-disk store and an
// orchestrator with an empty fleet registry — a started deployment
// targets zero agents and completes immediately without touching Docker
// or the network.
func newTestServer(t *testing.T) (*Server, *adminauth.Service) {
	t.Helper()
	dir := t.TempDir()
	log := logging.New(false)

	store := adminauth.NewStore(filepath.Join(dir, "adminauth.json"), log)
	authSvc := adminauth.NewService(store, log, time.Hour, false, nil, nil)
	if _, err := authSvc.CreateFirstUser("operator", "correct horse battery staple"); err != nil {
		t.Fatalf("create first user: %v", err)
	}

	clk := clock.Real{}
	reg := fleet.Load(filepath.Join(dir, "registry.json"), log)
	cipher, err := tokencrypt.NewFromSecret("test-secret-value", "0123456789abcdef")
	if err != nil {
		t.Fatalf("cipher: %v", err)
	}
	tracker := agentauth.NewTracker(clk, log)
	resolver := imageresolver.New(nil, nil, log)
	healthGate := orchestrator.NewHealthGate(nil, clk, log, orchestrator.HealthGateConfig{
		WaitForWork:     time.Minute,
		StabilityWindow: time.Second,
		PollInterval:    time.Second,
	})
	notifier := notify.NewMulti(log)
	orch := orchestrator.New(nil, reg, resolver, tracker, cipher, notifier, nil, healthGate, clk, log, filepath.Join(dir, "deployments.json"), nil, "", "")

	srv := NewServer(":0", Deps{
		Auth:           authSvc,
		Orchestrator:   orch,
		Log:            log,
		MetricsEnabled: false,
	})
	return srv, authSvc
}

func doRequest(srv *Server, method, path string, body any, cookies []*http.Cookie) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for _, c := range cookies {
		req.AddCookie(c)
	}
	rec := httptest.NewRecorder()
	srv.mux.ServeHTTP(rec, req)
	return rec
}

func TestLoginSetsSessionCookie(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := doRequest(srv, "POST", "/v1/auth/login", map[string]string{
		"username": "operator",
		"password": "correct horse battery staple",
	}, nil)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	resp := rec.Result()
	var found bool
	for _, c := range resp.Cookies() {
		if c.Name == adminauth.SessionCookieName {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected session cookie in response, got %v", resp.Cookies())
	}
}

func TestLoginRejectsWrongPassword(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := doRequest(srv, "POST", "/v1/auth/login", map[string]string{
		"username": "operator",
		"password": "wrong",
	}, nil)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}

func TestProtectedRouteRequiresSession(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := doRequest(srv, "GET", "/v1/deployments", nil, nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}

func TestStartAndGetDeployment(t *testing.T) {
	srv, _ := newTestServer(t)

	loginRec := doRequest(srv, "POST", "/v1/auth/login", map[string]string{
		"username": "operator",
		"password": "correct horse battery staple",
	}, nil)
	cookies := loginRec.Result().Cookies()

	startRec := doRequest(srv, "POST", "/v1/deployments", map[string]string{
		"target_image":   "ghcr.io/example/agent",
		"target_version": "1.2.3",
		"strategy":       "immediate",
	}, cookies)
	if startRec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, body = %s", startRec.Code, startRec.Body.String())
	}
	var dep orchestrator.Deployment
	if err := json.NewDecoder(startRec.Body).Decode(&dep); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if dep.ID == "" {
		t.Fatal("expected non-empty deployment id")
	}

	getRec := doRequest(srv, "GET", "/v1/deployments/"+dep.ID, nil, cookies)
	if getRec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", getRec.Code, getRec.Body.String())
	}
}

func TestRotatePasswordRejectsOtherUser(t *testing.T) {
	srv, _ := newTestServer(t)

	loginRec := doRequest(srv, "POST", "/v1/auth/login", map[string]string{
		"username": "operator",
		"password": "correct horse battery staple",
	}, nil)
	cookies := loginRec.Result().Cookies()

	rec := doRequest(srv, "PUT", "/v1/users/someone-else/password", map[string]string{
		"old_password": "x",
		"new_password": "y",
	}, cookies)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", rec.Code)
	}
}
