// Package fleet implements the Registry: the persistent mapping from a
// composite agent key to an agent record, with encrypted service tokens,
// canary-group assignment, and version-transition history.
package fleet

import "time"

// Canary group tags. An agent with no tag is reported under the
// synthetic "unassigned" group by GetByCanaryGroup.
const (
	GroupExplorer     = "explorer"
	GroupEarlyAdopter = "early_adopter"
	GroupGeneral      = "general"
	GroupUnassigned   = "unassigned"
)

// CognitiveWork is the single cognitive-phase value the health gate
// treats as healthy.
const CognitiveWork = "WORK"

// VersionTransition records one version change for an agent.
type VersionTransition struct {
	FromVersion    string     `json:"from_version"`
	ToVersion      string     `json:"to_version"`
	Timestamp      time.Time  `json:"timestamp"`
	InitialState   string     `json:"initial_state,omitempty"`
	ReachedWork    bool       `json:"reached_work"`
	WorkStateAt    *time.Time `json:"work_state_at,omitempty"`
}

// Record is the Registry-owned agent record.
type Record struct {
	Key Key `json:"-"`

	Name        string    `json:"name"`
	Host        string    `json:"host,omitempty"`
	Port        int       `json:"port"`
	ComposePath string    `json:"compose_path"`
	CreatedAt   time.Time `json:"created_at"`

	EncryptedToken          string `json:"encrypted_token,omitempty"`
	EncryptedAdminPassword  string `json:"encrypted_admin_password,omitempty"`

	Version              string    `json:"version,omitempty"`
	LastCognitivePhase    string    `json:"last_cognitive_phase,omitempty"`
	LastPhaseAt           time.Time `json:"last_phase_at,omitempty"`

	Transitions []VersionTransition `json:"transitions,omitempty"`

	CanaryGroup string `json:"canary_group,omitempty"`
	Deployment  string `json:"deployment,omitempty"`

	Metadata map[string]any `json:"metadata,omitempty"`
}

// HostOrDefault returns the host an agent is reachable at, defaulting to
// the local loopback address for records persisted before Host existed.
func (r *Record) HostOrDefault() string {
	if r.Host == "" {
		return "127.0.0.1"
	}
	return r.Host
}

// Clone returns a deep-enough copy safe for callers to mutate without
// affecting the registry's internal state. Reads from the registry
// always return clones, never live pointers into the map.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	c := *r
	if r.Transitions != nil {
		c.Transitions = make([]VersionTransition, len(r.Transitions))
		copy(c.Transitions, r.Transitions)
	}
	if r.Metadata != nil {
		c.Metadata = make(map[string]any, len(r.Metadata))
		for k, v := range r.Metadata {
			c.Metadata[k] = v
		}
	}
	return &c
}

// fileFormat is the on-disk shape of the registry metadata file:
// { "version": "1.0", "updated_at": ..., "agents": { <composite_key>: <record> } }
type fileFormat struct {
	Version   string            `json:"version"`
	UpdatedAt time.Time         `json:"updated_at"`
	Agents    map[string]Record `json:"agents"`
}

const fileFormatVersion = "1.0"
