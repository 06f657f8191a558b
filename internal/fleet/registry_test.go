package fleet

import (
	"path/filepath"
	"testing"

	"github.com/fleetops/agentmanager/internal/logging"
)

func newTestRegistry(t *testing.T) (*Registry, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "agents.json")
	return Load(path, logging.New(false)), path
}

func TestLoadMissingFileYieldsEmptyRegistry(t *testing.T) {
	r, _ := newTestRegistry(t)
	if len(r.List()) != 0 {
		t.Fatalf("expected empty registry, got %d records", len(r.List()))
	}
}

func TestRegisterAndGet(t *testing.T) {
	r, _ := newTestRegistry(t)
	key := Key{AgentID: "agent-1", ServerID: "main"}

	rec, err := r.Register(key, "Agent One", 8080, "/opt/agents/agent-1/compose.yml", "enc-token", "")
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if rec.Key.String() != key.Normalize().String() {
		t.Fatalf("unexpected key: %v", rec.Key)
	}

	got, err := r.Get(key)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got == nil || got.Name != "Agent One" {
		t.Fatalf("expected to find registered agent, got %+v", got)
	}
}

func TestRegisterRejectsDuplicateKey(t *testing.T) {
	r, _ := newTestRegistry(t)
	key := Key{AgentID: "agent-1", ServerID: "main"}

	if _, err := r.Register(key, "Agent One", 8080, "compose.yml", "", ""); err != nil {
		t.Fatalf("first Register: %v", err)
	}
	if _, err := r.Register(key, "Agent One Again", 8081, "compose.yml", "", ""); err == nil {
		t.Fatalf("expected duplicate key to be rejected")
	}
}

func TestGetAmbiguousWithoutOccurrenceID(t *testing.T) {
	r, _ := newTestRegistry(t)
	base := Key{AgentID: "agent-1", ServerID: "main"}

	if _, err := r.Register(Key{AgentID: "agent-1", OccurrenceID: "a", ServerID: "main"}, "A", 1, "c", "", ""); err != nil {
		t.Fatalf("Register a: %v", err)
	}
	if _, err := r.Register(Key{AgentID: "agent-1", OccurrenceID: "b", ServerID: "main"}, "B", 2, "c", "", ""); err != nil {
		t.Fatalf("Register b: %v", err)
	}

	if _, err := r.Get(base); err != ErrAmbiguousKey {
		t.Fatalf("expected ErrAmbiguousKey, got %v", err)
	}
}

func TestGetLegacyFallbackSingleMatch(t *testing.T) {
	r, _ := newTestRegistry(t)
	full := Key{AgentID: "agent-1", OccurrenceID: "a", ServerID: "main"}
	if _, err := r.Register(full, "A", 1, "c", "", ""); err != nil {
		t.Fatalf("Register: %v", err)
	}

	got, err := r.Get(Key{AgentID: "agent-1", ServerID: "main"})
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got == nil || got.Name != "A" {
		t.Fatalf("expected legacy fallback to find the single sibling, got %+v", got)
	}
}

func TestGetByCanaryGroupIncludesUnassigned(t *testing.T) {
	r, _ := newTestRegistry(t)
	key := Key{AgentID: "agent-1", ServerID: "main"}
	if _, err := r.Register(key, "A", 1, "c", "", ""); err != nil {
		t.Fatalf("Register: %v", err)
	}

	groups := r.GetByCanaryGroup()
	if len(groups[GroupUnassigned]) != 1 {
		t.Fatalf("expected unassigned agent, got groups=%+v", groups)
	}

	if err := r.SetCanaryGroup(key, GroupExplorer); err != nil {
		t.Fatalf("SetCanaryGroup: %v", err)
	}
	groups = r.GetByCanaryGroup()
	if len(groups[GroupExplorer]) != 1 || len(groups[GroupUnassigned]) != 0 {
		t.Fatalf("expected agent moved to explorer group, got %+v", groups)
	}
}

func TestUpdateStateAppendsTransitionAndStampsWork(t *testing.T) {
	r, _ := newTestRegistry(t)
	key := Key{AgentID: "agent-1", ServerID: "main"}
	if _, err := r.Register(key, "A", 1, "c", "", ""); err != nil {
		t.Fatalf("Register: %v", err)
	}

	if err := r.UpdateState(key, "1.0.0", "wakeup"); err != nil {
		t.Fatalf("UpdateState: %v", err)
	}
	rec, _ := r.Get(key)
	if len(rec.Transitions) != 1 || rec.Transitions[0].ToVersion != "1.0.0" {
		t.Fatalf("expected one transition to 1.0.0, got %+v", rec.Transitions)
	}
	if rec.Transitions[0].ReachedWork {
		t.Fatalf("expected ReachedWork false before WORK is reported")
	}

	if err := r.UpdateState(key, "1.0.0", "work"); err != nil {
		t.Fatalf("UpdateState: %v", err)
	}
	rec, _ = r.Get(key)
	if len(rec.Transitions) != 1 {
		t.Fatalf("expected no new transition for unchanged version, got %+v", rec.Transitions)
	}
	if !rec.Transitions[0].ReachedWork || rec.Transitions[0].WorkStateAt == nil {
		t.Fatalf("expected last transition stamped as reaching WORK, got %+v", rec.Transitions[0])
	}
}

func TestRecordRoundTripsThroughPersistence(t *testing.T) {
	r, path := newTestRegistry(t)
	key := Key{AgentID: "agent-1", OccurrenceID: "a", ServerID: "main"}
	if _, err := r.Register(key, "Agent One", 8080, "compose.yml", "enc-token", "enc-pw"); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := r.SetCanaryGroup(key, GroupExplorer); err != nil {
		t.Fatalf("SetCanaryGroup: %v", err)
	}
	if err := r.UpdateState(key, "1.2.3", "work"); err != nil {
		t.Fatalf("UpdateState: %v", err)
	}

	before, err := r.Get(key)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}

	reloaded := Load(path, logging.New(false))
	after, err := reloaded.Get(key)
	if err != nil {
		t.Fatalf("Get after reload: %v", err)
	}

	if after == nil || after.Name != before.Name || after.CanaryGroup != before.CanaryGroup ||
		after.Version != before.Version || len(after.Transitions) != len(before.Transitions) {
		t.Fatalf("round trip mismatch: before=%+v after=%+v", before, after)
	}
}

func TestUniqueCompositeKeyInvariant(t *testing.T) {
	r, _ := newTestRegistry(t)
	keys := []Key{
		{AgentID: "a", ServerID: "main"},
		{AgentID: "a", OccurrenceID: "1", ServerID: "main"},
		{AgentID: "a", OccurrenceID: "2", ServerID: "main"},
		{AgentID: "b", ServerID: "edge"},
	}
	for _, k := range keys {
		if _, err := r.Register(k, "x", 1, "c", "", ""); err != nil {
			t.Fatalf("Register(%v): %v", k, err)
		}
	}
	seen := map[string]bool{}
	for _, rec := range r.List() {
		s := rec.Key.String()
		if seen[s] {
			t.Fatalf("duplicate composite key in registry: %s", s)
		}
		seen[s] = true
	}
}
