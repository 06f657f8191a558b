// Package audit provides an append-only, JSON-lines security/deployment
// event log: service-token authentication attempts, deployment actions,
// and rollback decisions, each correlatable to a token without ever
// storing the token itself.
package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Event is one audit record. Events are serialized as a single JSON
// object per line; field order here is cosmetic since JSON objects are
// unordered, but it matches the shape operators grep for.
type Event struct {
	Timestamp    time.Time      `json:"timestamp"`
	EventType    string         `json:"event_type"`
	AgentKey     string         `json:"agent_key,omitempty"`
	DeploymentID string         `json:"deployment_id,omitempty"`
	Success      bool           `json:"success"`
	TokenHash    string         `json:"token_hash,omitempty"`
	Details      map[string]any `json:"details,omitempty"`
}

// Sink appends audit events to a dedicated file, one JSON object per
// line. It never propagates to the application's root logger — a
// security audit trail and operational logs serve different readers and
// different retention rules. A permission error constructing the sink
// disables auditing rather than aborting startup; every subsequent
// Record call becomes a no-op, logged once via the fallback logger
// passed to New.
type Sink struct {
	mu      sync.Mutex
	file    *os.File
	enabled bool
	log     *slog.Logger
}

// New opens (creating if necessary) path for append and returns a Sink
// writing to it. fallback receives a single warning if the file cannot
// be opened; the returned Sink is then disabled rather than nil, so
// callers can record unconditionally without a nil check.
func New(path string, fallback *slog.Logger) *Sink {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		fallback.Warn("audit: cannot create audit log directory, audit logging disabled", "path", filepath.Dir(path), "error", err)
		return &Sink{enabled: false, log: fallback}
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		fallback.Warn("audit: cannot open audit log file, audit logging disabled", "path", path, "error", err)
		return &Sink{enabled: false, log: fallback}
	}

	return &Sink{file: f, enabled: true, log: fallback}
}

// Close closes the underlying file. Safe to call on a disabled Sink.
func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	return s.file.Close()
}

// Record appends event as one JSON line. A marshal or write failure is
// logged via the fallback logger and otherwise swallowed — audit
// logging must never be the reason an update or auth attempt fails.
func (s *Sink) Record(event Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.enabled {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	line, err := json.Marshal(event)
	if err != nil {
		s.log.Warn("audit: failed to marshal event", "event_type", event.EventType, "error", err)
		return
	}
	line = append(line, '\n')
	if _, err := s.file.Write(line); err != nil {
		s.log.Warn("audit: failed to write event", "event_type", event.EventType, "error", err)
	}
}

// HashToken returns the first 8 hex characters of SHA-256(token), for
// correlating audit entries to a specific token without ever persisting
// the token itself.
func HashToken(token string) string {
	if token == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])[:8]
}

// RecordTokenAuth logs a service-token authentication attempt.
func (s *Sink) RecordTokenAuth(agentKey string, success bool, token, reason string) {
	details := map[string]any{}
	if reason != "" {
		details["reason"] = reason
	}
	s.Record(Event{
		EventType: "service_token_auth",
		AgentKey:  agentKey,
		Success:   success,
		TokenHash: HashToken(token),
		Details:   details,
	})
}

// RecordDeploymentAction logs a deployment lifecycle action, e.g.
// "shutdown_requested", "update_accepted", "rolled_back".
func (s *Sink) RecordDeploymentAction(deploymentID, action, agentKey string, success bool, details map[string]any) {
	s.Record(Event{
		EventType:    "deployment_" + action,
		AgentKey:     agentKey,
		DeploymentID: deploymentID,
		Success:      success,
		Details:      details,
	})
}
