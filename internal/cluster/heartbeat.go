package cluster

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/fleetops/agentmanager/internal/clock"
	"github.com/fleetops/agentmanager/internal/logging"
)

// leaseTTL is how long a leader claim stays valid without renewal. Set
// well above HeartbeatInterval so one or two missed rounds don't flap
// leadership.
const leaseTTL = 30 * time.Second

// HeartbeatInterval is how often a Heartbeater pings its peers and
// attempts to renew its own lease claim.
const HeartbeatInterval = 10 * time.Second

// beatRequest is what one manager peer POSTs to another's /cluster/beat
// endpoint.
type beatRequest struct {
	PeerID  string `json:"peer_id"`
	Address string `json:"address"`
}

// Heartbeater runs the peer-to-peer liveness and leader-election loop
// for one manager host. It listens for other peers' heartbeats over
// mTLS and, on its own ticker, pings every configured peer address and
// attempts to renew its leader lease.
type Heartbeater struct {
	selfID     string
	selfAddr   string
	members    *Membership
	clock      clock.Clock
	log        *logging.Logger
	httpClient *http.Client
	httpServer *http.Server

	peerAddrs []string
}

// NewHeartbeater constructs a Heartbeater. ca signs the mTLS server cert
// this host presents and the client cert it presents to peers; peerAddrs
// is the static list of other manager hosts' heartbeat addresses
// (host:port) to contact.
func NewHeartbeater(selfID, listenAddr string, peerAddrs []string, ca *CA, members *Membership, clk clock.Clock, log *logging.Logger) (*Heartbeater, error) {
	certPEM, keyPEM, err := ca.IssueServerCert()
	if err != nil {
		return nil, fmt.Errorf("cluster: issue heartbeat cert: %w", err)
	}
	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, fmt.Errorf("cluster: load heartbeat keypair: %w", err)
	}

	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(ca.CACertPEM()) {
		return nil, fmt.Errorf("cluster: parse ca cert pool")
	}

	h := &Heartbeater{
		selfID:    selfID,
		selfAddr:  listenAddr,
		members:   members,
		clock:     clk,
		log:       log,
		peerAddrs: peerAddrs,
		httpClient: &http.Client{
			Timeout: 5 * time.Second,
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{
					Certificates: []tls.Certificate{cert},
					RootCAs:      pool,
				},
			},
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /cluster/beat", h.handleBeat)
	h.httpServer = &http.Server{
		Addr:    listenAddr,
		Handler: mux,
		TLSConfig: &tls.Config{
			Certificates: []tls.Certificate{cert},
			ClientCAs:    pool,
			ClientAuth:   tls.RequireAndVerifyClientCert,
		},
		ReadHeaderTimeout: 10 * time.Second,
	}
	return h, nil
}

// ListenAndServe starts the mTLS heartbeat listener. Blocks until the
// server stops or errors.
func (h *Heartbeater) ListenAndServe() error {
	return h.httpServer.ListenAndServeTLS("", "")
}

// Shutdown stops the heartbeat listener and releases the lease if this
// host currently holds it, so a peer doesn't wait out a full TTL.
func (h *Heartbeater) Shutdown(ctx context.Context) error {
	if err := h.members.Release(h.selfID); err != nil && h.log != nil {
		h.log.Warn("cluster: failed to release lease on shutdown", "error", err)
	}
	return h.httpServer.Shutdown(ctx)
}

// handleBeat records the caller as a live peer.
func (h *Heartbeater) handleBeat(w http.ResponseWriter, r *http.Request) {
	var req beatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.PeerID == "" {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	if err := h.members.RecordPeer(PeerInfo{ID: req.PeerID, Address: req.Address, LastSeen: h.clock.Now()}); err != nil {
		h.log.Error("cluster: failed to record peer", "peer", req.PeerID, "error", err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Run pings every peer and attempts to renew this host's lease claim
// once per HeartbeatInterval, until ctx is cancelled.
func (h *Heartbeater) Run(ctx context.Context) {
	ticker := time.NewTicker(HeartbeatInterval)
	defer ticker.Stop()
	for {
		h.tick(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (h *Heartbeater) tick(ctx context.Context) {
	for _, addr := range h.peerAddrs {
		if err := h.beatPeer(ctx, addr); err != nil {
			h.log.Debug("cluster: heartbeat to peer failed", "address", addr, "error", err)
		}
	}

	acquired, err := h.members.TryAcquire(h.selfID, leaseTTL, h.clock.Now())
	if err != nil {
		h.log.Warn("cluster: lease renewal failed", "error", err)
		return
	}
	if acquired {
		h.log.Debug("cluster: holds orchestrator-leader lease", "peer_id", h.selfID)
	}
}

func (h *Heartbeater) beatPeer(ctx context.Context, addr string) error {
	body, err := json.Marshal(beatRequest{PeerID: h.selfID, Address: h.selfAddr})
	if err != nil {
		return fmt.Errorf("marshal beat: %w", err)
	}
	url := "https://" + addr + "/cluster/beat"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send beat: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		return fmt.Errorf("peer returned status %d", resp.StatusCode)
	}
	return nil
}

// IsLeader reports whether selfID currently holds the orchestrator
// leader lease.
func (h *Heartbeater) IsLeader() (bool, error) {
	lease, err := h.members.CurrentLease()
	if err != nil {
		return false, err
	}
	return lease.HolderID == h.selfID && h.clock.Now().Before(lease.ExpiresAt), nil
}
