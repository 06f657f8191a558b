package orchestrator

import (
	"context"
	"strings"
	"time"

	"github.com/fleetops/agentmanager/internal/clock"
	"github.com/fleetops/agentmanager/internal/fleet"
	"github.com/fleetops/agentmanager/internal/logging"
	"github.com/fleetops/agentmanager/internal/metrics"
)

// HealthGateConfig bounds how long the gate waits for an agent to reach
// WORK, and how long it keeps rechecking afterward before declaring the
// agent stable.
type HealthGateConfig struct {
	WaitForWork     time.Duration
	StabilityWindow time.Duration
	PollInterval    time.Duration
}

// DefaultHealthGateConfig holds the default health-gate timings:
// generous enough that a normal agent boot clears it
// comfortably, short enough that a stuck agent doesn't stall a deployment
// indefinitely.
var DefaultHealthGateConfig = HealthGateConfig{
	WaitForWork:     5 * time.Minute,
	StabilityWindow: 30 * time.Second,
	PollInterval:    5 * time.Second,
}

// HealthGate polls an agent's health endpoint until its cognitive phase
// reaches fleet.CognitiveWork, then keeps polling through a stability
// window to catch an agent that reaches WORK only to immediately crash
// loop. At the end of the stability window it also checks the agent's
// telemetry for a critical-severity incident newer than the window start;
// a telemetry fetch failure itself is non-fatal and the gate decides on
// cognitive phase alone.
type HealthGate struct {
	client AgentClient
	clock  clock.Clock
	log    *logging.Logger
	cfg    HealthGateConfig
}

// NewHealthGate constructs a HealthGate.
func NewHealthGate(client AgentClient, clk clock.Clock, log *logging.Logger, cfg HealthGateConfig) *HealthGate {
	return &HealthGate{client: client, clock: clk, log: log, cfg: cfg}
}

// Await polls baseURL until the agent reports CognitiveWork, then holds
// for the stability window rechecking that the phase hasn't regressed.
// Returns (true, nil) once the agent is judged stable, (false, nil) if the
// wait-for-work budget expires without the agent ever reaching WORK, and
// a non-nil error only for a canceled context.
func (g *HealthGate) Await(ctx context.Context, key fleet.Key, baseURL string, headers map[string]string) (bool, error) {
	deadline := g.clock.Now().Add(g.cfg.WaitForWork)

	for {
		report, err := g.client.Health(ctx, baseURL, headers)
		if err == nil && report.CognitivePhase == fleet.CognitiveWork {
			break
		}
		if err != nil && g.log != nil {
			g.log.Debug("orchestrator: health gate poll failed, retrying", "agent", key.String(), "error", err)
		}
		if g.clock.Now().After(deadline) {
			metrics.HealthGateFailuresTotal.WithLabelValues("wait_for_work_timeout").Inc()
			return false, nil
		}
		select {
		case <-g.clock.After(g.cfg.PollInterval):
		case <-ctx.Done():
			return false, ctx.Err()
		}
	}

	windowStart := g.clock.Now()
	stableUntil := windowStart.Add(g.cfg.StabilityWindow)
	for g.clock.Now().Before(stableUntil) {
		select {
		case <-g.clock.After(g.cfg.PollInterval):
		case <-ctx.Done():
			return false, ctx.Err()
		}

		report, err := g.client.Health(ctx, baseURL, headers)
		if err != nil {
			// A health-check hiccup during the stability window doesn't
			// fail the gate — only a confirmed phase regression does.
			if g.log != nil {
				g.log.Debug("orchestrator: health gate stability poll failed, ignoring", "agent", key.String(), "error", err)
			}
			continue
		}
		if report.CognitivePhase != "" && report.CognitivePhase != fleet.CognitiveWork {
			g.log.Warn("orchestrator: agent left WORK during stability window", "agent", key.String(), "phase", report.CognitivePhase)
			metrics.HealthGateFailuresTotal.WithLabelValues("phase_regression").Inc()
			return false, nil
		}
	}

	if tr, err := g.client.Telemetry(ctx, baseURL, headers); err != nil {
		if g.log != nil {
			g.log.Debug("orchestrator: telemetry unavailable, gating on cognitive phase alone", "agent", key.String(), "error", err)
		}
	} else {
		for _, inc := range tr.Incidents {
			if strings.EqualFold(inc.Severity, "critical") && inc.Timestamp.After(windowStart) {
				g.log.Warn("orchestrator: critical incident reported during stability window", "agent", key.String(), "incident_at", inc.Timestamp)
				metrics.HealthGateFailuresTotal.WithLabelValues("critical_incident").Inc()
				return false, nil
			}
		}
	}

	return true, nil
}
