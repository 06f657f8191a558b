package cluster

import (
	"bytes"
	"encoding/json"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/fleetops/agentmanager/internal/clock"
	"github.com/fleetops/agentmanager/internal/logging"
)

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time                         { return c.now }
func (c *fakeClock) After(d time.Duration) <-chan time.Time { ch := make(chan time.Time, 1); ch <- c.now.Add(d); return ch }
func (c *fakeClock) Since(t time.Time) time.Duration         { return c.now.Sub(t) }

var _ clock.Clock = (*fakeClock)(nil)

func newTestHeartbeater(t *testing.T, selfID string) *Heartbeater {
	t.Helper()
	dir := t.TempDir()
	ca, err := EnsureCA(filepath.Join(dir, "ca"))
	if err != nil {
		t.Fatalf("ensure ca: %v", err)
	}
	members, err := OpenMembership(filepath.Join(dir, "membership.bolt"))
	if err != nil {
		t.Fatalf("open membership: %v", err)
	}
	t.Cleanup(func() { members.Close() })

	h, err := NewHeartbeater(selfID, "127.0.0.1:0", nil, ca, members, &fakeClock{now: time.Now().UTC()}, logging.New(false))
	if err != nil {
		t.Fatalf("new heartbeater: %v", err)
	}
	return h
}

func TestHandleBeatRecordsPeer(t *testing.T) {
	h := newTestHeartbeater(t, "host-a")

	body, _ := json.Marshal(beatRequest{PeerID: "host-b", Address: "10.0.0.2:9443"})
	req := httptest.NewRequest("POST", "/cluster/beat", bytes.NewReader(body))
	rec := httptest.NewRecorder()

	h.httpServer.Handler.ServeHTTP(rec, req)

	if rec.Code != 204 {
		t.Fatalf("status = %d, want 204", rec.Code)
	}

	peers, err := h.members.Peers()
	if err != nil {
		t.Fatalf("peers: %v", err)
	}
	if len(peers) != 1 || peers[0].ID != "host-b" {
		t.Fatalf("peers = %+v, want one entry for host-b", peers)
	}
}

func TestHandleBeatRejectsMissingPeerID(t *testing.T) {
	h := newTestHeartbeater(t, "host-a")

	body, _ := json.Marshal(beatRequest{Address: "10.0.0.2:9443"})
	req := httptest.NewRequest("POST", "/cluster/beat", bytes.NewReader(body))
	rec := httptest.NewRecorder()

	h.httpServer.Handler.ServeHTTP(rec, req)

	if rec.Code != 400 {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestIsLeaderReflectsLease(t *testing.T) {
	h := newTestHeartbeater(t, "host-a")
	now := time.Now().UTC()

	leader, err := h.IsLeader()
	if err != nil {
		t.Fatalf("is leader: %v", err)
	}
	if leader {
		t.Fatal("expected no leader before any lease is claimed")
	}

	if _, err := h.members.TryAcquire("host-a", time.Minute, now); err != nil {
		t.Fatalf("try acquire: %v", err)
	}
	leader, err = h.IsLeader()
	if err != nil {
		t.Fatalf("is leader: %v", err)
	}
	if !leader {
		t.Fatal("expected host-a to be leader after acquiring the lease")
	}
}
