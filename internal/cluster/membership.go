package cluster

import (
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketPeers = []byte("peers")
	bucketLease = []byte("lease")

	leaseKey = []byte("leader")
)

// PeerInfo is one manager host's last-known liveness, persisted so a
// restarted manager can report a sensible membership view before its
// first heartbeat round completes.
type PeerInfo struct {
	ID       string    `json:"id"`
	Address  string    `json:"address"` // host:port of the peer's heartbeat listener
	LastSeen time.Time `json:"last_seen"`
}

// Lease is the exclusive orchestrator-leader claim, enforced by HolderID +
// ExpiresAt rather than any distributed consensus. It is stored in this
// host's local bbolt file; the heartbeat loop exchanges only peer ID and
// address, so a lease is not shared with other hosts.
type Lease struct {
	HolderID  string    `json:"holder_id"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Membership persists peer liveness and the current leader lease in a
// local BoltDB file. Each manager host runs its own Membership; the
// heartbeat loop shares peer liveness between them, not lease state.
type Membership struct {
	db *bolt.DB
}

// OpenMembership creates or opens a BoltDB database at path and ensures
// its buckets exist.
func OpenMembership(path string) (*Membership, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("cluster: open membership db: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketPeers, bucketLease} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("cluster: create membership buckets: %w", err)
	}
	return &Membership{db: db}, nil
}

// Close closes the underlying BoltDB.
func (m *Membership) Close() error {
	return m.db.Close()
}

// RecordPeer upserts a peer's last-seen timestamp and address.
func (m *Membership) RecordPeer(info PeerInfo) error {
	data, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("cluster: marshal peer: %w", err)
	}
	return m.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketPeers).Put([]byte(info.ID), data)
	})
}

// Peers returns every known peer, including ones not seen recently —
// callers apply their own staleness cutoff.
func (m *Membership) Peers() ([]PeerInfo, error) {
	var out []PeerInfo
	err := m.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketPeers).ForEach(func(k, v []byte) error {
			var p PeerInfo
			if err := json.Unmarshal(v, &p); err != nil {
				return fmt.Errorf("cluster: unmarshal peer %s: %w", k, err)
			}
			out = append(out, p)
			return nil
		})
	})
	return out, err
}

// CurrentLease returns the stored lease, or the zero value if none has
// ever been claimed.
func (m *Membership) CurrentLease() (Lease, error) {
	var lease Lease
	err := m.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketLease).Get(leaseKey)
		if data == nil {
			return nil
		}
		return json.Unmarshal(data, &lease)
	})
	return lease, err
}

// TryAcquire claims or renews the orchestrator-leader lease for
// selfID, valid for ttl. It succeeds if no lease is held, the existing
// lease has expired, or selfID already holds it. Returns whether selfID
// holds the lease after the call.
func (m *Membership) TryAcquire(selfID string, ttl time.Duration, now time.Time) (bool, error) {
	acquired := false
	err := m.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketLease)
		var lease Lease
		if data := b.Get(leaseKey); data != nil {
			if err := json.Unmarshal(data, &lease); err != nil {
				return fmt.Errorf("cluster: unmarshal lease: %w", err)
			}
		}

		if lease.HolderID != "" && lease.HolderID != selfID && now.Before(lease.ExpiresAt) {
			acquired = false
			return nil
		}

		lease = Lease{HolderID: selfID, ExpiresAt: now.Add(ttl)}
		data, err := json.Marshal(lease)
		if err != nil {
			return fmt.Errorf("cluster: marshal lease: %w", err)
		}
		acquired = true
		return b.Put(leaseKey, data)
	})
	return acquired, err
}

// Release gives up the lease if selfID currently holds it. Used on
// graceful shutdown so a peer doesn't have to wait out a full TTL to
// take over.
func (m *Membership) Release(selfID string) error {
	return m.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketLease)
		var lease Lease
		if data := b.Get(leaseKey); data != nil {
			if err := json.Unmarshal(data, &lease); err != nil {
				return fmt.Errorf("cluster: unmarshal lease: %w", err)
			}
		}
		if lease.HolderID != selfID {
			return nil
		}
		return b.Delete(leaseKey)
	})
}
