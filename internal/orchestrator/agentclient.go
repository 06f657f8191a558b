package orchestrator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// ShutdownOutcome classifies how an agent responded to a cooperative
// shutdown request.
type ShutdownOutcome string

const (
	// ShutdownNotified means the agent accepted the request (HTTP 200).
	ShutdownNotified ShutdownOutcome = "notified"
	// ShutdownRejected means the agent explicitly declined (any non-200
	// response it was able to return).
	ShutdownRejected ShutdownOutcome = "rejected"
	// ShutdownUncertain means the request could not be confirmed delivered
	// — a connection error, timeout, or similar — but the agent container
	// is recreated regardless, since on balance a service token holder
	// asking an agent to stop should proceed even if the ack is lost.
	ShutdownUncertain ShutdownOutcome = "notified_uncertain"
)

const shutdownRequestTimeout = 30 * time.Second

type shutdownRequestBody struct {
	Reason  string `json:"reason"`
	Force   bool   `json:"force"`
	Confirm bool   `json:"confirm"`
}

// HealthReport is the subset of an agent's health endpoint response the
// orchestrator cares about.
type HealthReport struct {
	CognitivePhase string `json:"cognitive_phase"`
}

// Incident is one recent-incident entry from an agent's telemetry
// overview.
type Incident struct {
	Severity  string    `json:"severity"`
	Timestamp time.Time `json:"timestamp"`
}

// TelemetryReport is the subset of an agent's telemetry response the
// health gate checks for a critical incident during the stability window.
type TelemetryReport struct {
	Incidents []Incident `json:"incidents"`
}

// AgentClient talks to a single agent's HTTP control surface.
type AgentClient interface {
	RequestShutdown(ctx context.Context, baseURL string, headers map[string]string, reason string) (ShutdownOutcome, error)
	Health(ctx context.Context, baseURL string, headers map[string]string) (HealthReport, error)
	Telemetry(ctx context.Context, baseURL string, headers map[string]string) (TelemetryReport, error)
}

// HTTPAgentClient is the production AgentClient, talking to agents over
// plain HTTP with caller-supplied Authorization headers (from
// internal/agentauth).
type HTTPAgentClient struct {
	httpClient *http.Client
}

// NewHTTPAgentClient constructs an HTTPAgentClient with a bounded-timeout
// client appropriate for the shutdown/health endpoints' own deadlines.
func NewHTTPAgentClient() *HTTPAgentClient {
	return &HTTPAgentClient{httpClient: &http.Client{Timeout: shutdownRequestTimeout}}
}

// RequestShutdown posts a cooperative shutdown request to
// baseURL+"/v1/system/shutdown". force is always sent as false — an
// orchestrator-initiated update never forces an in-flight agent down.
func (c *HTTPAgentClient) RequestShutdown(ctx context.Context, baseURL string, headers map[string]string, reason string) (ShutdownOutcome, error) {
	body, err := json.Marshal(shutdownRequestBody{Reason: reason, Force: false, Confirm: true})
	if err != nil {
		return "", fmt.Errorf("orchestrator: marshal shutdown request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, shutdownRequestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/v1/system/shutdown", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("orchestrator: build shutdown request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return ShutdownUncertain, nil
		}
		return ShutdownUncertain, nil
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusOK {
		return ShutdownNotified, nil
	}
	return ShutdownRejected, fmt.Errorf("orchestrator: shutdown request rejected with status %d", resp.StatusCode)
}

// Health fetches an agent's health endpoint.
func (c *HTTPAgentClient) Health(ctx context.Context, baseURL string, headers map[string]string) (HealthReport, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/v1/system/health", nil)
	if err != nil {
		return HealthReport{}, fmt.Errorf("orchestrator: build health request: %w", err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return HealthReport{}, fmt.Errorf("orchestrator: health request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return HealthReport{}, fmt.Errorf("orchestrator: health endpoint returned %d", resp.StatusCode)
	}

	var report HealthReport
	if err := json.NewDecoder(resp.Body).Decode(&report); err != nil {
		return HealthReport{}, fmt.Errorf("orchestrator: decode health response: %w", err)
	}
	return report, nil
}

// telemetryPaths is the fallback chain of telemetry endpoints an agent may
// expose, tried in order until one responds with a decodable 200.
var telemetryPaths = []string{
	"/v1/telemetry/overview",
	"/v1/telemetry/unified?view=operational",
	"/telemetry/llm/usage",
}

// Telemetry fetches recent-incident data used by the health gate's
// stability window. Every path in the fallback chain is tried; a failure
// on all of them is returned to the caller, who is expected to treat
// telemetry unavailability as non-fatal.
func (c *HTTPAgentClient) Telemetry(ctx context.Context, baseURL string, headers map[string]string) (TelemetryReport, error) {
	var lastErr error
	for _, path := range telemetryPaths {
		report, err := c.fetchTelemetry(ctx, baseURL+path, headers)
		if err == nil {
			return report, nil
		}
		lastErr = err
	}
	return TelemetryReport{}, fmt.Errorf("orchestrator: telemetry unavailable: %w", lastErr)
}

func (c *HTTPAgentClient) fetchTelemetry(ctx context.Context, url string, headers map[string]string) (TelemetryReport, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return TelemetryReport{}, fmt.Errorf("orchestrator: build telemetry request: %w", err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return TelemetryReport{}, fmt.Errorf("orchestrator: telemetry request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return TelemetryReport{}, fmt.Errorf("orchestrator: telemetry endpoint returned %d", resp.StatusCode)
	}

	var report TelemetryReport
	if err := json.NewDecoder(resp.Body).Decode(&report); err != nil {
		return TelemetryReport{}, fmt.Errorf("orchestrator: decode telemetry response: %w", err)
	}
	return report, nil
}
