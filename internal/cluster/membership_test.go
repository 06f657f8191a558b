package cluster

import (
	"path/filepath"
	"testing"
	"time"
)

func openTestMembership(t *testing.T) *Membership {
	t.Helper()
	m, err := OpenMembership(filepath.Join(t.TempDir(), "membership.bolt"))
	if err != nil {
		t.Fatalf("open membership: %v", err)
	}
	t.Cleanup(func() { m.Close() })
	return m
}

func TestRecordAndListPeers(t *testing.T) {
	m := openTestMembership(t)
	now := time.Now().UTC()

	if err := m.RecordPeer(PeerInfo{ID: "host-a", Address: "10.0.0.1:9443", LastSeen: now}); err != nil {
		t.Fatalf("record peer: %v", err)
	}
	if err := m.RecordPeer(PeerInfo{ID: "host-b", Address: "10.0.0.2:9443", LastSeen: now}); err != nil {
		t.Fatalf("record peer: %v", err)
	}

	peers, err := m.Peers()
	if err != nil {
		t.Fatalf("list peers: %v", err)
	}
	if len(peers) != 2 {
		t.Fatalf("len(peers) = %d, want 2", len(peers))
	}
}

func TestTryAcquireGrantsUncontestedLease(t *testing.T) {
	m := openTestMembership(t)
	now := time.Now().UTC()

	ok, err := m.TryAcquire("host-a", time.Minute, now)
	if err != nil {
		t.Fatalf("try acquire: %v", err)
	}
	if !ok {
		t.Fatal("expected host-a to acquire an uncontested lease")
	}

	lease, err := m.CurrentLease()
	if err != nil {
		t.Fatalf("current lease: %v", err)
	}
	if lease.HolderID != "host-a" {
		t.Fatalf("lease.HolderID = %q, want host-a", lease.HolderID)
	}
}

func TestTryAcquireRefusesWhileLeaseLive(t *testing.T) {
	m := openTestMembership(t)
	now := time.Now().UTC()

	if ok, err := m.TryAcquire("host-a", time.Minute, now); err != nil || !ok {
		t.Fatalf("host-a acquire: ok=%v err=%v", ok, err)
	}

	ok, err := m.TryAcquire("host-b", time.Minute, now.Add(time.Second))
	if err != nil {
		t.Fatalf("try acquire: %v", err)
	}
	if ok {
		t.Fatal("host-b should not acquire a lease host-a still holds")
	}
}

func TestTryAcquireSucceedsAfterExpiry(t *testing.T) {
	m := openTestMembership(t)
	now := time.Now().UTC()

	if ok, err := m.TryAcquire("host-a", time.Second, now); err != nil || !ok {
		t.Fatalf("host-a acquire: ok=%v err=%v", ok, err)
	}

	later := now.Add(10 * time.Second)
	ok, err := m.TryAcquire("host-b", time.Minute, later)
	if err != nil {
		t.Fatalf("try acquire: %v", err)
	}
	if !ok {
		t.Fatal("host-b should acquire a lease that has expired")
	}
}

func TestReleaseClearsOwnLeaseOnly(t *testing.T) {
	m := openTestMembership(t)
	now := time.Now().UTC()

	if ok, err := m.TryAcquire("host-a", time.Minute, now); err != nil || !ok {
		t.Fatalf("host-a acquire: ok=%v err=%v", ok, err)
	}

	if err := m.Release("host-b"); err != nil {
		t.Fatalf("release by non-holder: %v", err)
	}
	lease, err := m.CurrentLease()
	if err != nil {
		t.Fatalf("current lease: %v", err)
	}
	if lease.HolderID != "host-a" {
		t.Fatal("release by a non-holder must not clear the lease")
	}

	if err := m.Release("host-a"); err != nil {
		t.Fatalf("release by holder: %v", err)
	}
	lease, err = m.CurrentLease()
	if err != nil {
		t.Fatalf("current lease: %v", err)
	}
	if lease.HolderID != "" {
		t.Fatal("release by the holder must clear the lease")
	}
}
