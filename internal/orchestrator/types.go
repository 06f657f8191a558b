// Package orchestrator drives a deployment across a fleet of agents: it
// detects which agents are behind the target image, recreates their
// containers in either a single pass or a staged canary rollout, and gates
// each phase on the updated agent reporting a healthy cognitive phase
// before admitting the next group.
package orchestrator

import "time"

// Strategy selects how a deployment's agents are grouped into update
// waves.
type Strategy string

const (
	// StrategyImmediate updates every targeted agent in one wave, with no
	// inter-wave wait.
	StrategyImmediate Strategy = "immediate"
	// StrategyCanary updates explorer, then early_adopter, then general,
	// waiting for the phase health gate between each wave.
	StrategyCanary Strategy = "canary"
)

// Canary phase wait times: how long the orchestrator pauses after a wave
// completes before admitting the next one.
const (
	WaitAfterExplorer     = 60 * time.Second
	WaitAfterEarlyAdopter = 120 * time.Second
	WaitAfterGeneral      = 0 * time.Second
)

// canaryOrder is the fixed wave sequence for a canary deployment. Values
// match the fleet package's canary group tags.
var canaryOrder = []string{"explorer", "early_adopter", "general"}

func waitAfter(group string) time.Duration {
	switch group {
	case "explorer":
		return WaitAfterExplorer
	case "early_adopter":
		return WaitAfterEarlyAdopter
	default:
		return WaitAfterGeneral
	}
}

// phaseLabel maps an internal canary group tag to the public phase marker
// reported on a Deployment.
func phaseLabel(wave string) string {
	switch wave {
	case "explorer":
		return "explorers"
	case "early_adopter":
		return "early_adopters"
	case "general":
		return "general"
	default:
		return ""
	}
}

// DeploymentStatus is the lifecycle state of a Deployment.
type DeploymentStatus string

const (
	StatusPending     DeploymentStatus = "pending"
	StatusStaged      DeploymentStatus = "staged"
	StatusInProgress  DeploymentStatus = "in_progress"
	StatusCompleted   DeploymentStatus = "completed"
	StatusFailed      DeploymentStatus = "failed"
	StatusRejected    DeploymentStatus = "rejected"
	StatusRollingBack DeploymentStatus = "rolling_back"
	StatusRolledBack  DeploymentStatus = "rolled_back"
	StatusCancelled   DeploymentStatus = "cancelled"
)

// isTerminal reports whether status is a final state that frees the
// single-deployment admission slot.
func isTerminal(status DeploymentStatus) bool {
	switch status {
	case StatusCompleted, StatusFailed, StatusRejected, StatusRolledBack, StatusCancelled:
		return true
	}
	return false
}

// AgentOutcome is the per-agent result of one update attempt within a
// deployment.
type AgentOutcome string

const (
	OutcomePending    AgentOutcome = "pending"
	OutcomeSkipped    AgentOutcome = "skipped" // already on target version
	OutcomeUpdated    AgentOutcome = "updated"
	OutcomeNotified   AgentOutcome = "notified" // shutdown request sent, outcome uncertain
	OutcomeDeferred   AgentOutcome = "deferred" // transient auth backoff/circuit, eligible for retry
	OutcomeRejected   AgentOutcome = "rejected"
	OutcomeFailed     AgentOutcome = "failed"
	OutcomeRolledBack AgentOutcome = "rolled_back"
)

// AgentUpdate records the outcome of updating one agent as part of a
// Deployment.
type AgentUpdate struct {
	AgentKeyString string       `json:"agent_key"`
	Outcome        AgentOutcome `json:"outcome"`
	FromVersion    string       `json:"from_version,omitempty"`
	ToVersion      string       `json:"to_version,omitempty"`
	Error          string       `json:"error,omitempty"`
	StartedAt      time.Time    `json:"started_at"`
	FinishedAt     time.Time    `json:"finished_at,omitempty"`
	ReachedWork    bool         `json:"reached_work"`
}

// UpdateNotification is the operator-submitted request to start a
// deployment: the new image references, strategy, and the human-facing
// context around the change.
type UpdateNotification struct {
	TargetImage   string
	TargetVersion string
	GUIImage      string
	ProxyImage    string
	Strategy      Strategy
	Message       string
	Changelog     string
	RiskLevel     string
	InitiatedBy   string
}

// Deployment is the persisted record of one rollout.
type Deployment struct {
	ID            string   `json:"id"`
	TargetImage   string   `json:"target_image,omitempty"`
	TargetVersion string   `json:"target_version,omitempty"`
	GUIImage      string   `json:"gui_image,omitempty"`
	ProxyImage    string   `json:"proxy_image,omitempty"`
	Strategy      Strategy `json:"strategy"`

	Message   string `json:"message,omitempty"`
	Changelog string `json:"changelog,omitempty"`
	RiskLevel string `json:"risk_level,omitempty"`

	Status DeploymentStatus `json:"status"`

	CreatedAt   time.Time  `json:"created_at"`
	StagedAt    *time.Time `json:"staged_at,omitempty"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	UpdatedAt   time.Time  `json:"updated_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	// Phase is the public wave marker: explorers|early_adopters|general
	// while in flight, complete once the deployment reaches a terminal
	// state, empty before it starts.
	Phase string `json:"phase,omitempty"`

	// CurrentWave is the internal canary group tag currently in flight
	// ("explorer", "early_adopter", "general"), empty for an immediate
	// deployment or once the deployment finishes.
	CurrentWave string `json:"current_wave,omitempty"`

	Agents map[string]*AgentUpdate `json:"agents"`

	AgentsTotal    int `json:"agents_total"`
	AgentsUpdated  int `json:"agents_updated"`
	AgentsDeferred int `json:"agents_deferred"`
	AgentsFailed   int `json:"agents_failed"`
	AgentsStaged   int `json:"agents_staged"`

	InitiatedBy string `json:"initiated_by,omitempty"`
	ApprovedBy  string `json:"approved_by,omitempty"`

	// RollbackOf names the deployment this one reverses, empty for a
	// forward rollout.
	RollbackOf string `json:"rollback_of,omitempty"`

	Error string `json:"error,omitempty"`
}

// Summary reports top-level counts for a Deployment, used by callers that
// don't need the per-agent detail.
type Summary struct {
	ID             string
	Status         DeploymentStatus
	Phase          string
	AgentsTotal    int
	AgentsUpdated  int
	AgentsDeferred int
	AgentsFailed   int
	AgentsStaged   int
	Message        string
	Error          string
}

func (d *Deployment) summary() Summary {
	return Summary{
		ID:             d.ID,
		Status:         d.Status,
		Phase:          d.Phase,
		AgentsTotal:    d.AgentsTotal,
		AgentsUpdated:  d.AgentsUpdated,
		AgentsDeferred: d.AgentsDeferred,
		AgentsFailed:   d.AgentsFailed,
		AgentsStaged:   d.AgentsStaged,
		Message:        d.Message,
		Error:          d.Error,
	}
}
