// Package config loads fleet manager configuration from environment
// variables and exposes the small subset of fields operators may retune
// at runtime without a restart.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"sync"
	"time"

	cron "github.com/robfig/cron/v3"
)

// cronParser validates reconciliation-schedule cron expressions, matching
// the field set the teacher's own schedule setting accepts.
var cronParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// Config holds all fleet manager configuration read from the environment
// at startup. Most fields are immutable after Load; the health-gate
// timing fields are protected by an RWMutex and must be accessed via
// getter/setter methods, since the orchestrator's run goroutine reads
// them while the admin API may write them.
type Config struct {
	// Docker connection
	DockerSock string

	// Fleet registry persistence
	RegistryPath   string
	DeploymentPath string
	SidecarHistory string

	// Front-end sidecar containers (GUI, reverse proxy)
	GUINamePattern   string
	GUIImageRepo     string
	ProxyNamePattern string
	ProxyImageRepo   string

	// Logging
	LogJSON bool

	// TokenCrypt key derivation
	ProcessSecret string
	Salt          string
	DirectKey     string // base64 32-byte key, takes precedence over ProcessSecret+Salt

	// Registry credentials for image digest lookups
	RegistryUser  string
	RegistryToken string

	// Admin API
	AdminListenAddr string
	AdminEnabled    bool

	// TLS for the admin API and cluster heartbeat
	TLSCert string
	TLSKey  string

	// Cluster heartbeat (mTLS leader lease)
	ClusterEnabled    bool
	ClusterListenAddr string // this host's heartbeat listen address
	ClusterPeers      string // comma-separated host:port list of other peers
	ClusterBoltPath   string

	// Notifications
	WebhookURL     string
	WebhookHeaders string
	MQTTBrokerURL  string

	MetricsEnabled  bool
	MetricsTextfile string // if set, periodically written for node_exporter's textfile collector

	// mu protects the runtime-mutable fields below.
	mu                     sync.RWMutex
	waitForWork            time.Duration
	stabilityWindow        time.Duration
	reconciliationSchedule string // cron expression; empty disables scheduled reconciliation
}

// NewTestConfig returns a Config with sensible defaults for tests. Use
// the setter methods to override specific values.
func NewTestConfig() *Config {
	return &Config{
		waitForWork:     5 * time.Minute,
		stabilityWindow: 30 * time.Second,
	}
}

// Load reads all configuration from environment variables with defaults.
func Load() *Config {
	return &Config{
		DockerSock:      envStr("FLEETMGR_DOCKER_SOCK", "/var/run/docker.sock"),
		RegistryPath:    envStr("FLEETMGR_REGISTRY_PATH", "/data/fleet-registry.json"),
		DeploymentPath:  envStr("FLEETMGR_DEPLOYMENT_PATH", "/data/deployments.json"),
		SidecarHistory:  envStr("FLEETMGR_SIDECAR_HISTORY_PATH", "/data/sidecar-history.json"),
		GUINamePattern:   envStr("FLEETMGR_GUI_NAME_PATTERN", "sentinel-gui"),
		GUIImageRepo:     envStr("FLEETMGR_GUI_IMAGE_REPO", ""),
		ProxyNamePattern: envStr("FLEETMGR_PROXY_NAME_PATTERN", "sentinel-proxy"),
		ProxyImageRepo:   envStr("FLEETMGR_PROXY_IMAGE_REPO", ""),
		LogJSON:         envBool("FLEETMGR_LOG_JSON", true),
		ProcessSecret:   envStr("FLEETMGR_PROCESS_SECRET", ""),
		Salt:            envStr("FLEETMGR_SALT", ""),
		DirectKey:       envStr("FLEETMGR_ENCRYPTION_KEY", ""),
		RegistryUser:    envStr("FLEETMGR_REGISTRY_USER", ""),
		RegistryToken:   envStr("FLEETMGR_REGISTRY_TOKEN", ""),
		AdminListenAddr: envStr("FLEETMGR_ADMIN_LISTEN_ADDR", ":8443"),
		AdminEnabled:    envBool("FLEETMGR_ADMIN_ENABLED", true),
		TLSCert:         envStr("FLEETMGR_TLS_CERT", ""),
		TLSKey:          envStr("FLEETMGR_TLS_KEY", ""),
		ClusterEnabled:    envBool("FLEETMGR_CLUSTER_ENABLED", false),
		ClusterListenAddr: envStr("FLEETMGR_CLUSTER_LISTEN_ADDR", ":9443"),
		ClusterPeers:      envStr("FLEETMGR_CLUSTER_PEERS", ""),
		ClusterBoltPath:   envStr("FLEETMGR_CLUSTER_BOLT_PATH", "/data/cluster-lease.db"),
		WebhookURL:      envStr("FLEETMGR_WEBHOOK_URL", ""),
		WebhookHeaders:  envStr("FLEETMGR_WEBHOOK_HEADERS", ""),
		MQTTBrokerURL:   envStr("FLEETMGR_MQTT_BROKER_URL", ""),
		MetricsEnabled:  envBool("FLEETMGR_METRICS", true),
		MetricsTextfile: envStr("FLEETMGR_METRICS_TEXTFILE", ""),
		waitForWork:            envDuration("FLEETMGR_HEALTH_GATE_WAIT_FOR_WORK", 5*time.Minute),
		stabilityWindow:        envDuration("FLEETMGR_HEALTH_GATE_STABILITY_WINDOW", 30*time.Second),
		reconciliationSchedule: envStr("FLEETMGR_RECONCILIATION_SCHEDULE", ""),
	}
}

// WaitForWork returns the current budget a health gate waits for an agent
// to first reach the cognitive WORK phase.
func (c *Config) WaitForWork() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.waitForWork
}

// SetWaitForWork retunes the wait-for-work budget at runtime.
func (c *Config) SetWaitForWork(d time.Duration) {
	c.mu.Lock()
	c.waitForWork = d
	c.mu.Unlock()
}

// StabilityWindow returns the current duration a health gate keeps
// rechecking an agent after it first reaches WORK.
func (c *Config) StabilityWindow() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.stabilityWindow
}

// SetStabilityWindow retunes the stability window at runtime.
func (c *Config) SetStabilityWindow(d time.Duration) {
	c.mu.Lock()
	c.stabilityWindow = d
	c.mu.Unlock()
}

// ReconciliationSchedule returns the current cron expression governing
// scheduled reconciliation scans, or "" if disabled (reconciliation then
// relies purely on the orchestrator's own event-driven update path).
func (c *Config) ReconciliationSchedule() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.reconciliationSchedule
}

// SetReconciliationSchedule validates expr as a cron schedule before
// storing it; an empty string disables scheduled reconciliation.
func (c *Config) SetReconciliationSchedule(expr string) error {
	if expr != "" {
		if _, err := cronParser.Parse(expr); err != nil {
			return fmt.Errorf("invalid cron expression: %w", err)
		}
	}
	c.mu.Lock()
	c.reconciliationSchedule = expr
	c.mu.Unlock()
	return nil
}

// Validate checks configuration for invalid or fatal values. A fatal
// configuration fault — missing process secret, a salt shorter than 16
// bytes, or an unevenly-set TLS cert/key pair — aborts startup rather
// than degrading silently.
func (c *Config) Validate() error {
	c.mu.RLock()
	wfw := c.waitForWork
	sw := c.stabilityWindow
	c.mu.RUnlock()

	var errs []error
	if wfw <= 0 {
		errs = append(errs, fmt.Errorf("FLEETMGR_HEALTH_GATE_WAIT_FOR_WORK must be > 0, got %s", wfw))
	}
	if sw < 0 {
		errs = append(errs, fmt.Errorf("FLEETMGR_HEALTH_GATE_STABILITY_WINDOW must be >= 0, got %s", sw))
	}
	if c.DirectKey == "" {
		if c.ProcessSecret == "" {
			errs = append(errs, fmt.Errorf("FLEETMGR_PROCESS_SECRET is required unless FLEETMGR_ENCRYPTION_KEY is set"))
		}
		if c.ProcessSecret != "" && c.Salt == "" {
			errs = append(errs, fmt.Errorf("FLEETMGR_SALT is required when FLEETMGR_PROCESS_SECRET is set"))
		}
		if len(c.Salt) > 0 && len(c.Salt) < 16 {
			errs = append(errs, fmt.Errorf("FLEETMGR_SALT must be at least 16 bytes, got %d", len(c.Salt)))
		}
	}
	if (c.TLSCert == "") != (c.TLSKey == "") {
		errs = append(errs, fmt.Errorf("FLEETMGR_TLS_CERT and FLEETMGR_TLS_KEY must both be set or both empty"))
	}
	if c.ClusterEnabled && c.ClusterPeers == "" {
		errs = append(errs, fmt.Errorf("FLEETMGR_CLUSTER_PEERS is required when FLEETMGR_CLUSTER_ENABLED is true"))
	}
	if sched := c.ReconciliationSchedule(); sched != "" {
		if _, err := cronParser.Parse(sched); err != nil {
			errs = append(errs, fmt.Errorf("FLEETMGR_RECONCILIATION_SCHEDULE: %w", err))
		}
	}
	return errors.Join(errs...)
}

// Values returns all configuration as a string map for display, with
// secrets redacted.
func (c *Config) Values() map[string]string {
	return map[string]string{
		"FLEETMGR_DOCKER_SOCK":                  c.DockerSock,
		"FLEETMGR_REGISTRY_PATH":                c.RegistryPath,
		"FLEETMGR_DEPLOYMENT_PATH":               c.DeploymentPath,
		"FLEETMGR_SIDECAR_HISTORY_PATH":          c.SidecarHistory,
		"FLEETMGR_GUI_NAME_PATTERN":              c.GUINamePattern,
		"FLEETMGR_GUI_IMAGE_REPO":                c.GUIImageRepo,
		"FLEETMGR_PROXY_NAME_PATTERN":            c.ProxyNamePattern,
		"FLEETMGR_PROXY_IMAGE_REPO":              c.ProxyImageRepo,
		"FLEETMGR_LOG_JSON":                      fmt.Sprintf("%t", c.LogJSON),
		"FLEETMGR_PROCESS_SECRET":                redact(c.ProcessSecret),
		"FLEETMGR_SALT":                          redact(c.Salt),
		"FLEETMGR_ENCRYPTION_KEY":                redact(c.DirectKey),
		"FLEETMGR_REGISTRY_USER":                 c.RegistryUser,
		"FLEETMGR_REGISTRY_TOKEN":                redact(c.RegistryToken),
		"FLEETMGR_ADMIN_LISTEN_ADDR":              c.AdminListenAddr,
		"FLEETMGR_ADMIN_ENABLED":                 fmt.Sprintf("%t", c.AdminEnabled),
		"FLEETMGR_TLS_CERT":                      c.TLSCert,
		"FLEETMGR_TLS_KEY":                       redact(c.TLSKey),
		"FLEETMGR_CLUSTER_ENABLED":               fmt.Sprintf("%t", c.ClusterEnabled),
		"FLEETMGR_CLUSTER_LISTEN_ADDR":           c.ClusterListenAddr,
		"FLEETMGR_CLUSTER_PEERS":                 c.ClusterPeers,
		"FLEETMGR_CLUSTER_BOLT_PATH":              c.ClusterBoltPath,
		"FLEETMGR_WEBHOOK_URL":                   c.WebhookURL,
		"FLEETMGR_MQTT_BROKER_URL":               c.MQTTBrokerURL,
		"FLEETMGR_METRICS":                       fmt.Sprintf("%t", c.MetricsEnabled),
		"FLEETMGR_METRICS_TEXTFILE":              c.MetricsTextfile,
		"FLEETMGR_HEALTH_GATE_WAIT_FOR_WORK":     c.WaitForWork().String(),
		"FLEETMGR_HEALTH_GATE_STABILITY_WINDOW":  c.StabilityWindow().String(),
		"FLEETMGR_RECONCILIATION_SCHEDULE":       c.ReconciliationSchedule(),
	}
}

func envStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}

func redact(s string) string {
	if s == "" {
		return ""
	}
	return "<redacted>"
}
