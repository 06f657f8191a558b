package fleet

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/fleetops/agentmanager/internal/atomicfile"
	"github.com/fleetops/agentmanager/internal/logging"
	"github.com/fleetops/agentmanager/internal/metrics"
)

// ErrDuplicateKey is returned by Register when the composite key already
// exists.
var ErrDuplicateKey = errors.New("fleet: composite key already registered")

// ErrNotFound is returned by mutating operations when the composite key
// has no record.
var ErrNotFound = errors.New("fleet: no record for composite key")

// Registry maintains composite_key -> Record and persists it atomically.
// All mutation and serialization is serialized by a single process-wide
// mutex; reads return clones so callers never hold a live pointer into
// the map.
type Registry struct {
	mu     sync.Mutex
	path   string
	agents map[string]*Record
	log    *logging.Logger
}

// Load constructs a Registry, reading path if it exists. A missing file
// is not an error — it yields an empty registry. A damaged (unparseable)
// file is logged and also yields an empty registry; the orchestrator is
// responsible for refusing to act on an empty registry when agents are
// expected to exist.
func Load(path string, log *logging.Logger) *Registry {
	r := &Registry{
		path:   path,
		agents: make(map[string]*Record),
		log:    log,
	}

	var ff fileFormat
	err := atomicfile.ReadJSON(path, &ff)
	switch {
	case err == nil:
		for keyStr, rec := range ff.Agents {
			key, parseErr := ParseKey(keyStr)
			if parseErr != nil {
				log.Warn("fleet: skipping malformed composite key in registry file", "key", keyStr, "error", parseErr)
				continue
			}
			rv := rec
			rv.Key = key
			r.agents[keyStr] = &rv
		}
	case os.IsNotExist(err):
		// No file yet — empty registry, not an error.
	default:
		log.Warn("fleet: registry file damaged, starting with empty registry", "path", path, "error", err)
	}

	metrics.AgentsTotal.Set(float64(len(r.agents)))
	return r
}

// Register creates a new record under key. Duplicate composite keys are
// rejected.
func (r *Registry) Register(key Key, name string, port int, composePath, encryptedToken, encryptedAdminPassword string) (*Record, error) {
	key = key.Normalize()
	r.mu.Lock()
	defer r.mu.Unlock()

	keyStr := key.String()
	if _, exists := r.agents[keyStr]; exists {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateKey, keyStr)
	}

	rec := &Record{
		Key:                    key,
		Name:                   name,
		Port:                   port,
		ComposePath:            composePath,
		CreatedAt:              time.Now().UTC(),
		EncryptedToken:         encryptedToken,
		EncryptedAdminPassword: encryptedAdminPassword,
	}
	r.agents[keyStr] = rec
	metrics.AgentsTotal.Set(float64(len(r.agents)))

	// A persistence failure is logged but does not unwind the in-memory
	// registration: in-memory state stays authoritative and the next
	// successful write recovers it (see original spec §7).
	saveErr := r.saveLocked()
	return rec.Clone(), saveErr
}

// Unregister removes a record, returning it if it existed.
func (r *Registry) Unregister(key Key) (*Record, error) {
	key = key.Normalize()
	r.mu.Lock()
	defer r.mu.Unlock()

	keyStr := key.String()
	rec, ok := r.agents[keyStr]
	if !ok {
		return nil, nil
	}
	delete(r.agents, keyStr)
	metrics.AgentsTotal.Set(float64(len(r.agents)))
	saveErr := r.saveLocked()
	return rec.Clone(), saveErr
}

// Get looks up a record by composite key. When OccurrenceID is empty and
// more than one sibling shares (AgentID, ServerID), Get returns
// ErrAmbiguousKey rather than guessing.
func (r *Registry) Get(key Key) (*Record, error) {
	key = key.Normalize()
	r.mu.Lock()
	defer r.mu.Unlock()

	if rec, ok := r.agents[key.String()]; ok {
		return rec.Clone(), nil
	}
	if key.OccurrenceID != "" {
		return nil, nil
	}

	// Legacy fallback: caller gave no occurrence_id. Look for exactly one
	// sibling with matching AgentID/ServerID regardless of OccurrenceID.
	var match *Record
	for _, rec := range r.agents {
		if rec.Key.AgentID == key.AgentID && rec.Key.ServerID == key.ServerID {
			if match != nil {
				return nil, ErrAmbiguousKey
			}
			match = rec
		}
	}
	if match == nil {
		return nil, nil
	}
	return match.Clone(), nil
}

// List returns every record, cloned.
func (r *Registry) List() []*Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Record, 0, len(r.agents))
	for _, rec := range r.agents {
		out = append(out, rec.Clone())
	}
	return out
}

// GetByAgentID enumerates every sibling sharing agentID (across
// OccurrenceID and ServerID).
func (r *Registry) GetByAgentID(agentID string) []*Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*Record
	for _, rec := range r.agents {
		if rec.Key.AgentID == agentID {
			out = append(out, rec.Clone())
		}
	}
	return out
}

// GetByCanaryGroup returns every record partitioned by canary group,
// including the synthetic "unassigned" group for untagged records.
func (r *Registry) GetByCanaryGroup() map[string][]*Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	groups := map[string][]*Record{
		GroupExplorer:     {},
		GroupEarlyAdopter: {},
		GroupGeneral:      {},
		GroupUnassigned:   {},
	}
	for _, rec := range r.agents {
		g := rec.CanaryGroup
		if g == "" {
			g = GroupUnassigned
		}
		groups[g] = append(groups[g], rec.Clone())
	}
	return groups
}

// GetByDeployment returns every record tagged with the given deployment
// label.
func (r *Registry) GetByDeployment(label string) []*Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*Record
	for _, rec := range r.agents {
		if rec.Deployment == label {
			out = append(out, rec.Clone())
		}
	}
	return out
}

// UpdateToken replaces the encrypted service token for key.
func (r *Registry) UpdateToken(key Key, encryptedToken string) error {
	return r.mutate(key, func(rec *Record) {
		rec.EncryptedToken = encryptedToken
	})
}

// SetCanaryGroup sets (or, with group == "", clears) the canary-group tag.
func (r *Registry) SetCanaryGroup(key Key, group string) error {
	return r.mutate(key, func(rec *Record) {
		rec.CanaryGroup = group
	})
}

// SetHost sets the host agents are reachable at, overriding the
// loopback-address default used for records with no host recorded.
func (r *Registry) SetHost(key Key, host string) error {
	return r.mutate(key, func(rec *Record) {
		rec.Host = host
	})
}

// SetDeployment sets the deployment-label tag.
func (r *Registry) SetDeployment(key Key, label string) error {
	return r.mutate(key, func(rec *Record) {
		rec.Deployment = label
	})
}

// UpdateState records a new version/cognitive-phase observation for an
// agent. Whenever version changes from the previously recorded value, a
// transition record is appended. Whenever cognitivePhase equals
// CognitiveWork (case-insensitive), the most recent transition is
// stamped with ReachedWork and WorkStateAt — mirroring the original
// system's backfill of "the phase the agent reached WORK in, for the
// version it was on at the time".
func (r *Registry) UpdateState(key Key, version, cognitivePhase string) error {
	return r.mutate(key, func(rec *Record) {
		now := time.Now().UTC()

		if version != "" && version != rec.Version {
			rec.Transitions = append(rec.Transitions, VersionTransition{
				FromVersion:  rec.Version,
				ToVersion:    version,
				Timestamp:    now,
				InitialState: cognitivePhase,
			})
			rec.Version = version
		}

		if cognitivePhase != "" {
			rec.LastCognitivePhase = cognitivePhase
			rec.LastPhaseAt = now
		}

		if strings.EqualFold(cognitivePhase, CognitiveWork) && len(rec.Transitions) > 0 {
			last := &rec.Transitions[len(rec.Transitions)-1]
			if !last.ReachedWork {
				last.ReachedWork = true
				stamp := now
				last.WorkStateAt = &stamp
			}
		}
	})
}

func (r *Registry) mutate(key Key, fn func(rec *Record)) error {
	key = key.Normalize()
	r.mu.Lock()
	defer r.mu.Unlock()

	keyStr := key.String()
	rec, ok := r.agents[keyStr]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, keyStr)
	}

	fn(rec)
	// A persistence failure is logged but the in-memory mutation stands;
	// the next successful write recovers it (see original spec §7).
	return r.saveLocked()
}

// saveLocked serializes the full registry and atomically replaces the
// metadata file. Caller must hold r.mu.
func (r *Registry) saveLocked() error {
	ff := fileFormat{
		Version:   fileFormatVersion,
		UpdatedAt: time.Now().UTC(),
		Agents:    make(map[string]Record, len(r.agents)),
	}
	for keyStr, rec := range r.agents {
		ff.Agents[keyStr] = *rec
	}
	if err := atomicfile.WriteJSON(r.path, ff); err != nil {
		if r.log != nil {
			r.log.Error("fleet: failed to persist registry", "error", err)
		}
		return fmt.Errorf("fleet: persist registry: %w", err)
	}
	return nil
}
