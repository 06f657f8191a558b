// Command manager is the fleet manager server: it watches a registered
// fleet of agent containers, resolves image updates against a registry,
// and drives rollouts (immediate or canary) through the orchestrator,
// gated by per-agent health checks. It exposes an admin HTTP API for
// operators and, when clustered, runs an mTLS heartbeat/leader-lease
// loop against its peer manager hosts.
package main

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/fleetops/agentmanager/internal/adminapi"
	"github.com/fleetops/agentmanager/internal/adminauth"
	"github.com/fleetops/agentmanager/internal/agentauth"
	"github.com/fleetops/agentmanager/internal/audit"
	"github.com/fleetops/agentmanager/internal/clock"
	"github.com/fleetops/agentmanager/internal/cluster"
	"github.com/fleetops/agentmanager/internal/config"
	"github.com/fleetops/agentmanager/internal/docker"
	"github.com/fleetops/agentmanager/internal/fleet"
	"github.com/fleetops/agentmanager/internal/imageresolver"
	"github.com/fleetops/agentmanager/internal/logging"
	"github.com/fleetops/agentmanager/internal/metrics"
	"github.com/fleetops/agentmanager/internal/notify"
	"github.com/fleetops/agentmanager/internal/orchestrator"
	"github.com/fleetops/agentmanager/internal/registry"
	"github.com/fleetops/agentmanager/internal/sidecar"
	"github.com/fleetops/agentmanager/internal/tokencrypt"

	cron "github.com/robfig/cron/v3"
)

// version and commit are set at build time via ldflags:
//
//	-X main.version=$(VERSION) -X main.commit=$(COMMIT)
var version = "dev"
var commit = "unknown"

func versionString() string {
	if commit != "" && commit != "unknown" {
		return version + " (" + commit + ")"
	}
	return version
}

func main() {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}

	log := logging.New(cfg.LogJSON)
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	fmt.Println("fleet manager " + versionString())
	fmt.Println("=============================================")

	cipher, err := buildCipher(cfg)
	if err != nil {
		log.Error("failed to build token cipher", "error", err)
		os.Exit(1)
	}

	dockerClient, err := docker.NewClient(cfg.DockerSock, nil)
	if err != nil {
		log.Error("failed to create docker client", "error", err)
		os.Exit(1)
	}
	defer dockerClient.Close()

	reg := fleet.Load(cfg.RegistryPath, log)
	authTracker := agentauth.NewTracker(clock.Real{}, log)

	rateTracker := registry.NewRateLimitTracker()
	resolver := imageresolver.New(dockerClient, rateTracker, log)

	notifier := buildNotifier(cfg, log)

	agentClient := orchestrator.NewHTTPAgentClient()
	healthGate := orchestrator.NewHealthGate(agentClient, clock.Real{}, log, orchestrator.HealthGateConfig{
		WaitForWork:     cfg.WaitForWork(),
		StabilityWindow: cfg.StabilityWindow(),
		PollInterval:    orchestrator.DefaultHealthGateConfig.PollInterval,
	})

	sidecarMgr := sidecar.New(dockerClient, cfg.SidecarHistory, log)

	orch := orchestrator.New(
		dockerClient,
		reg,
		resolver,
		authTracker,
		cipher,
		notifier,
		agentClient,
		healthGate,
		clock.Real{},
		log,
		cfg.DeploymentPath,
		sidecarMgr,
		cfg.GUINamePattern,
		cfg.ProxyNamePattern,
	)

	go runReconciliationLoop(ctx, cfg, orch, log)

	auditSink := audit.New(filepath.Join(filepath.Dir(cfg.RegistryPath), "audit.log"), log.Logger)
	defer auditSink.Close()

	adminStore := adminauth.NewStore(filepath.Join(filepath.Dir(cfg.RegistryPath), "admin-users.json"), log)
	adminSvc := adminauth.NewService(adminStore, log, 24*time.Hour, cfg.TLSCert != "", nil, nil)
	if adminSvc.NeedsSetup() {
		bootstrapFirstAdmin(adminSvc, log)
	}

	var adminSrv *adminapi.Server
	if cfg.AdminEnabled {
		adminSrv = adminapi.NewServer(cfg.AdminListenAddr, adminapi.Deps{
			Auth:           adminSvc,
			Orchestrator:   orch,
			Audit:          auditSink,
			Config:         cfg,
			Sidecar:        sidecarMgr,
			Log:            log,
			MetricsEnabled: cfg.MetricsEnabled,
		})

		go func() {
			var err error
			if cfg.TLSCert != "" && cfg.TLSKey != "" {
				err = adminSrv.ListenAndServeTLS(cfg.TLSCert, cfg.TLSKey)
			} else {
				log.Warn("admin API starting without TLS — set FLEETMGR_TLS_CERT/FLEETMGR_TLS_KEY for production use")
				err = adminSrv.ListenAndServe()
			}
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("admin API server error", "error", err)
			}
		}()

		go func() {
			<-ctx.Done()
			shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = adminSrv.Shutdown(shutCtx)
		}()

		log.Info("admin API listening", "addr", cfg.AdminListenAddr)
	}

	var heartbeater *cluster.Heartbeater
	if cfg.ClusterEnabled {
		heartbeater, err = startCluster(ctx, cfg, log)
		if err != nil {
			log.Error("failed to start cluster heartbeat", "error", err)
			os.Exit(1)
		}
	}

	log.Info("fleet manager started", "version", version, "commit", commit)

	<-ctx.Done()
	log.Info("shutting down")

	if heartbeater != nil {
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = heartbeater.Shutdown(shutCtx)
		cancel()
	}

	log.Info("fleet manager shutdown complete")
}

// buildCipher derives the token-encryption cipher from the direct key if
// set, otherwise from the process secret and salt.
func buildCipher(cfg *config.Config) (*tokencrypt.Cipher, error) {
	if cfg.DirectKey != "" {
		return tokencrypt.New(cfg.DirectKey)
	}
	return tokencrypt.NewFromSecret(cfg.ProcessSecret, cfg.Salt)
}

// buildNotifier assembles the notification fan-out from whichever
// channels are configured via environment variables. A log notifier is
// always included so deployment events are visible even with nothing
// else wired up.
func buildNotifier(cfg *config.Config, log *logging.Logger) *notify.Multi {
	notifiers := []notify.Notifier{notify.NewLogNotifier(log)}

	if cfg.WebhookURL != "" {
		notifiers = append(notifiers, notify.NewWebhook(cfg.WebhookURL, parseHeaders(cfg.WebhookHeaders)))
		log.Info("webhook notifications enabled", "url", cfg.WebhookURL)
	}
	if cfg.MQTTBrokerURL != "" {
		notifiers = append(notifiers, notify.NewMQTT(cfg.MQTTBrokerURL, "fleetmgr/events", "fleetmgr", "", "", 1))
		log.Info("mqtt notifications enabled", "broker", cfg.MQTTBrokerURL)
	}

	return notify.NewMulti(log, notifiers...)
}

// parseHeaders parses comma-separated "Key:Value" pairs into a map.
func parseHeaders(s string) map[string]string {
	if s == "" {
		return nil
	}
	headers := make(map[string]string)
	for _, pair := range strings.Split(s, ",") {
		kv := strings.SplitN(strings.TrimSpace(pair), ":", 2)
		if len(kv) == 2 {
			headers[strings.TrimSpace(kv[0])] = strings.TrimSpace(kv[1])
		}
	}
	return headers
}

// bootstrapFirstAdmin provisions the initial admin account with a random
// password, printed once so the operator can log in and rotate it.
func bootstrapFirstAdmin(svc *adminauth.Service, log *logging.Logger) {
	password := generateRandomPassword()
	if _, err := svc.CreateFirstUser("admin", password); err != nil {
		log.Error("failed to provision first admin user", "error", err)
		os.Exit(1)
	}
	fmt.Println("=============================================")
	fmt.Println("No admin account existed — one was created.")
	fmt.Printf("  username: admin\n  password: %s\n", password)
	fmt.Println("  Rotate this password after first login.")
	fmt.Println("=============================================")
}

func generateRandomPassword() string {
	b := make([]byte, 16)
	_, _ = rand.Read(b)
	return base64.RawURLEncoding.EncodeToString(b)
}

// runReconciliationLoop wakes on whatever cadence the configured cron
// expression names and runs a reconciliation scan, re-checking the
// schedule after every run (and periodically while disabled) so an
// operator can change or enable it at runtime via the admin API without
// a restart.
func runReconciliationLoop(ctx context.Context, cfg *config.Config, orch *orchestrator.Orchestrator, log *logging.Logger) {
	parser := cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	for {
		expr := cfg.ReconciliationSchedule()
		if expr == "" {
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Minute):
			}
			continue
		}

		schedule, err := parser.Parse(expr)
		if err != nil {
			log.Warn("reconciliation: invalid schedule, rechecking later", "schedule", expr, "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Minute):
			}
			continue
		}

		wait := time.Until(schedule.Next(time.Now()))
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
			if drift := orch.ReconcileScan(ctx); drift > 0 {
				log.Info("reconciliation scan found drift", "agents_behind", drift)
			}
			if cfg.MetricsTextfile != "" {
				if err := metrics.WriteTextfile(cfg.MetricsTextfile); err != nil {
					log.Warn("failed to write metrics textfile", "path", cfg.MetricsTextfile, "error", err)
				}
			}
		}
	}
}

// startCluster brings up the mTLS heartbeat/leader-lease loop for a
// multi-host deployment and starts its listener and tick loop in the
// background.
func startCluster(ctx context.Context, cfg *config.Config, log *logging.Logger) (*cluster.Heartbeater, error) {
	caDir := filepath.Join(filepath.Dir(cfg.ClusterBoltPath), "cluster-ca")
	ca, err := cluster.EnsureCA(caDir)
	if err != nil {
		return nil, fmt.Errorf("ensure cluster ca: %w", err)
	}

	members, err := cluster.OpenMembership(cfg.ClusterBoltPath)
	if err != nil {
		return nil, fmt.Errorf("open membership store: %w", err)
	}

	selfID := os.Getenv("FLEETMGR_CLUSTER_SELF_ID")
	if selfID == "" {
		if host, err := os.Hostname(); err == nil {
			selfID = host
		} else {
			selfID = "fleetmgr-" + generateRandomPassword()[:8]
		}
	}

	var peers []string
	for _, p := range strings.Split(cfg.ClusterPeers, ",") {
		if p = strings.TrimSpace(p); p != "" {
			peers = append(peers, p)
		}
	}

	h, err := cluster.NewHeartbeater(selfID, cfg.ClusterListenAddr, peers, ca, members, clock.Real{}, log)
	if err != nil {
		return nil, fmt.Errorf("new heartbeater: %w", err)
	}

	go func() {
		if err := h.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("cluster heartbeat listener error", "error", err)
		}
	}()
	go h.Run(ctx)

	log.Info("cluster heartbeat started", "self_id", selfID, "peers", peers)
	return h, nil
}
