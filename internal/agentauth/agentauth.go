// Package agentauth manages per-agent service-token authentication: which
// bearer-token format a given agent expects, and a backoff/circuit-breaker
// tracker that stops hammering an agent that keeps rejecting credentials.
package agentauth

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/fleetops/agentmanager/internal/clock"
	"github.com/fleetops/agentmanager/internal/logging"
	"github.com/fleetops/agentmanager/internal/metrics"
)

// CredentialFormat identifies how a service token is placed in the
// Authorization header. Agents historically accepted a raw bearer token;
// newer agents require the token prefixed with "service:". Which format an
// agent expects is not known up front and is discovered by probing.
type CredentialFormat string

const (
	FormatUnknown         CredentialFormat = ""
	FormatServicePrefixed CredentialFormat = "service_prefixed"
	FormatRawBearer       CredentialFormat = "raw_bearer"
)

// candidateFormats lists the formats DetectFormat tries, in order. Service-
// prefixed is attempted first since it is what current agents expect.
var candidateFormats = []CredentialFormat{FormatServicePrefixed, FormatRawBearer}

// HeadersFor builds the Authorization header value for token under format.
func HeadersFor(format CredentialFormat, token string) map[string]string {
	value := token
	if format == FormatServicePrefixed {
		value = "service:" + token
	}
	return map[string]string{"Authorization": "Bearer " + value}
}

// Probe attempts one authenticated request using headers and reports
// whether the agent accepted the credential.
type Probe func(ctx context.Context, headers map[string]string) (bool, error)

// Backoff schedule, in consecutive-failure count:
//
//	1st failure: 30s
//	2nd failure: 60s
//	3rd+ failure: 2^n * 60s, capped at 15 minutes
const (
	firstBackoff       = 30 * time.Second
	secondBackoff      = 60 * time.Second
	maxBackoff         = 15 * time.Minute
	circuitOpenAfter   = 10
)

// ErrCircuitOpen describes an agent whose circuit breaker has tripped and
// requires a manual reset. Tracker's own methods do not return it; CanAttempt
// reports an open circuit as (false, 0).
var ErrCircuitOpen = errors.New("agentauth: circuit open, manual reset required")

type agentState struct {
	format              CredentialFormat
	consecutiveFailures int
	circuitOpen         bool
	nextRetryAt         time.Time
}

// Tracker holds per-agent credential-format cache and backoff/circuit-
// breaker state. Zero value is not usable; construct with NewTracker.
type Tracker struct {
	mu     sync.Mutex
	clock  clock.Clock
	log    *logging.Logger
	agents map[string]*agentState
}

// NewTracker constructs a Tracker. clk is injectable for deterministic
// backoff tests.
func NewTracker(clk clock.Clock, log *logging.Logger) *Tracker {
	return &Tracker{
		clock:  clk,
		log:    log,
		agents: make(map[string]*agentState),
	}
}

// backoffDuration returns the wait imposed after the nth consecutive
// failure (n >= 1).
func backoffDuration(n int) time.Duration {
	switch {
	case n <= 1:
		return firstBackoff
	case n == 2:
		return secondBackoff
	default:
		// 2^n * 60s grows past the 15-minute cap by n=4 (2^4*60s = 960s),
		// so clamp the exponent before shifting to avoid any overflow risk.
		exp := n
		if exp > 8 {
			exp = 8
		}
		d := time.Duration(1<<uint(exp)) * 60 * time.Second
		if d > maxBackoff {
			d = maxBackoff
		}
		return d
	}
}

// CanAttempt reports whether key may be attempted now, and if not, how long
// until the backoff window ends. A tripped circuit breaker never reports a
// wait duration — it always requires ResetCircuit.
func (t *Tracker) CanAttempt(key string) (bool, time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()

	st, ok := t.agents[key]
	if !ok {
		return true, 0
	}
	if st.circuitOpen {
		return false, 0
	}
	now := t.clock.Now()
	if now.Before(st.nextRetryAt) {
		return false, st.nextRetryAt.Sub(now)
	}
	return true, 0
}

// RecordFailure registers an authentication failure for key, advancing the
// backoff timer and opening the circuit breaker after ten consecutive
// failures.
func (t *Tracker) RecordFailure(key string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	st, ok := t.agents[key]
	if !ok {
		st = &agentState{}
		t.agents[key] = st
	}
	st.consecutiveFailures++
	st.nextRetryAt = t.clock.Now().Add(backoffDuration(st.consecutiveFailures))
	metrics.AuthBackoffActive.Set(float64(len(t.agents)))
	if st.consecutiveFailures >= circuitOpenAfter && !st.circuitOpen {
		st.circuitOpen = true
		metrics.AuthCircuitOpenTotal.Inc()
		if t.log != nil {
			t.log.Warn("agentauth: circuit opened after repeated auth failures", "agent_key", key, "failures", st.consecutiveFailures)
		}
	}
}

// RecordSuccess clears key's backoff, failure count and circuit breaker.
// The cached credential format is kept, so later calls reuse it without
// probing again.
func (t *Tracker) RecordSuccess(key string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if st, ok := t.agents[key]; ok && st.format != FormatUnknown {
		t.agents[key] = &agentState{format: st.format}
	} else {
		delete(t.agents, key)
	}
	metrics.AuthBackoffActive.Set(float64(len(t.agents)))
}

// ResetCircuit clears a tripped circuit breaker for key without waiting for
// any cooldown. Used by an operator-facing recovery action.
func (t *Tracker) ResetCircuit(key string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.agents, key)
	metrics.AuthBackoffActive.Set(float64(len(t.agents)))
}

// IsCircuitOpen reports whether key's circuit breaker is currently tripped.
func (t *Tracker) IsCircuitOpen(key string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	st, ok := t.agents[key]
	return ok && st.circuitOpen
}

// CachedFormat returns the credential format previously detected for key,
// or FormatUnknown if none is cached.
func (t *Tracker) CachedFormat(key string) CredentialFormat {
	t.mu.Lock()
	defer t.mu.Unlock()
	st, ok := t.agents[key]
	if !ok {
		return FormatUnknown
	}
	return st.format
}

// DetectFormat returns the cached format for key if known; otherwise it
// tries each candidate format's Authorization header against probe, in
// order, caching and returning the first one probe accepts.
func (t *Tracker) DetectFormat(ctx context.Context, key, token string, probe Probe) (CredentialFormat, error) {
	if cached := t.CachedFormat(key); cached != FormatUnknown {
		return cached, nil
	}

	for _, format := range candidateFormats {
		ok, err := probe(ctx, HeadersFor(format, token))
		if err != nil {
			return FormatUnknown, fmt.Errorf("agentauth: probe %s for %s: %w", format, key, err)
		}
		if ok {
			t.mu.Lock()
			st, exists := t.agents[key]
			if !exists {
				st = &agentState{}
				t.agents[key] = st
			}
			st.format = format
			t.mu.Unlock()
			return format, nil
		}
	}
	return FormatUnknown, fmt.Errorf("agentauth: no credential format accepted for %s", key)
}
