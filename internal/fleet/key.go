package fleet

import (
	"errors"
	"strings"
)

// DefaultServerID is used whenever a caller omits ServerID.
const DefaultServerID = "main"

// ErrAmbiguousKey is returned when a lookup omits OccurrenceID and more
// than one record shares the same (AgentID, ServerID) pair. The registry
// never guesses which sibling the caller meant.
var ErrAmbiguousKey = errors.New("fleet: ambiguous composite key: multiple occurrences match")

// Key is the composite identity of an agent record: (agent_id,
// occurrence_id?, server_id). ServerID defaults to "main"; OccurrenceID is
// optional and distinguishes load-balanced siblings that share an
// AgentID.
type Key struct {
	AgentID      string
	OccurrenceID string
	ServerID     string
}

// Normalize fills ServerID with its default when empty. Call before any
// comparison or storage operation.
func (k Key) Normalize() Key {
	if k.ServerID == "" {
		k.ServerID = DefaultServerID
	}
	return k
}

// String renders the canonical, parseable form used as the JSON map key
// in the persisted registry file: "agent_id|occurrence_id|server_id".
func (k Key) String() string {
	k = k.Normalize()
	return k.AgentID + "|" + k.OccurrenceID + "|" + k.ServerID
}

// ParseKey parses the canonical form produced by Key.String.
func ParseKey(s string) (Key, error) {
	parts := strings.SplitN(s, "|", 3)
	if len(parts) != 3 {
		return Key{}, errors.New("fleet: malformed composite key: " + s)
	}
	return Key{AgentID: parts[0], OccurrenceID: parts[1], ServerID: parts[2]}.Normalize(), nil
}
