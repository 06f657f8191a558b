package config

import (
	"os"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	for _, k := range []string{
		"FLEETMGR_DOCKER_SOCK", "FLEETMGR_PROCESS_SECRET", "FLEETMGR_SALT",
		"FLEETMGR_ENCRYPTION_KEY", "FLEETMGR_LOG_JSON",
		"FLEETMGR_HEALTH_GATE_WAIT_FOR_WORK", "FLEETMGR_HEALTH_GATE_STABILITY_WINDOW",
	} {
		os.Unsetenv(k)
	}

	cfg := Load()
	if cfg.DockerSock != "/var/run/docker.sock" {
		t.Errorf("DockerSock = %q, want /var/run/docker.sock", cfg.DockerSock)
	}
	if cfg.WaitForWork() != 5*time.Minute {
		t.Errorf("WaitForWork = %s, want 5m", cfg.WaitForWork())
	}
	if cfg.StabilityWindow() != 30*time.Second {
		t.Errorf("StabilityWindow = %s, want 30s", cfg.StabilityWindow())
	}
	if !cfg.LogJSON {
		t.Error("LogJSON = false, want true")
	}
	if !cfg.MetricsEnabled {
		t.Error("MetricsEnabled = false, want true")
	}
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("FLEETMGR_HEALTH_GATE_WAIT_FOR_WORK", "1m")
	t.Setenv("FLEETMGR_HEALTH_GATE_STABILITY_WINDOW", "10s")
	t.Setenv("FLEETMGR_LOG_JSON", "false")

	cfg := Load()
	if cfg.WaitForWork() != time.Minute {
		t.Errorf("WaitForWork = %s, want 1m", cfg.WaitForWork())
	}
	if cfg.StabilityWindow() != 10*time.Second {
		t.Errorf("StabilityWindow = %s, want 10s", cfg.StabilityWindow())
	}
	if cfg.LogJSON {
		t.Error("LogJSON = true, want false")
	}
}

func TestSetWaitForWorkIsConcurrencySafe(t *testing.T) {
	cfg := NewTestConfig()
	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			cfg.SetWaitForWork(time.Duration(i) * time.Second)
		}
		close(done)
	}()
	for i := 0; i < 100; i++ {
		_ = cfg.WaitForWork()
	}
	<-done
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{"valid with direct key", func(c *Config) { c.DirectKey = "some-key" }, false},
		{"valid with secret and salt", func(c *Config) { c.ProcessSecret = "s"; c.Salt = "0123456789abcdef" }, false},
		{"missing secret and key", func(_ *Config) {}, true},
		{"secret without salt", func(c *Config) { c.ProcessSecret = "s" }, true},
		{"salt too short", func(c *Config) { c.ProcessSecret = "s"; c.Salt = "short" }, true},
		{"zero wait for work", func(c *Config) { c.DirectKey = "k"; c.SetWaitForWork(0) }, true},
		{"negative stability window", func(c *Config) { c.DirectKey = "k"; c.SetStabilityWindow(-1) }, true},
		{"uneven tls", func(c *Config) { c.DirectKey = "k"; c.TLSCert = "cert.pem" }, true},
		{"cluster enabled without peers", func(c *Config) { c.DirectKey = "k"; c.ClusterEnabled = true }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := NewTestConfig()
			tt.modify(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr = %v", err, tt.wantErr)
			}
		})
	}
}

func TestEnvStr(t *testing.T) {
	const key = "FLEETMGR_TEST_ENV_STR"
	t.Setenv(key, "custom")

	if got := envStr(key, "default"); got != "custom" {
		t.Errorf("got %q, want %q", got, "custom")
	}
	if got := envStr("FLEETMGR_TEST_MISSING", "fallback"); got != "fallback" {
		t.Errorf("got %q, want %q", got, "fallback")
	}
}

func TestEnvBool(t *testing.T) {
	const key = "FLEETMGR_TEST_ENV_BOOL"

	t.Setenv(key, "true")
	if got := envBool(key, false); !got {
		t.Errorf("got false, want true")
	}

	t.Setenv(key, "invalid")
	if got := envBool(key, true); !got {
		t.Errorf("got false, want true (default on parse failure)")
	}
}

func TestEnvDuration(t *testing.T) {
	const key = "FLEETMGR_TEST_ENV_DUR"

	t.Setenv(key, "5m")
	if got := envDuration(key, time.Hour); got != 5*time.Minute {
		t.Errorf("got %s, want 5m", got)
	}

	t.Setenv(key, "notaduration")
	if got := envDuration(key, time.Hour); got != time.Hour {
		t.Errorf("got %s, want 1h (default on parse failure)", got)
	}
}

func TestValuesRedactsSecrets(t *testing.T) {
	cfg := NewTestConfig()
	cfg.ProcessSecret = "super-secret"
	cfg.Salt = "0123456789abcdef"
	cfg.TLSKey = "key-bytes"

	values := cfg.Values()
	if values["FLEETMGR_PROCESS_SECRET"] == cfg.ProcessSecret {
		t.Error("expected FLEETMGR_PROCESS_SECRET to be redacted")
	}
	if values["FLEETMGR_SALT"] == cfg.Salt {
		t.Error("expected FLEETMGR_SALT to be redacted")
	}
	if values["FLEETMGR_TLS_KEY"] == cfg.TLSKey {
		t.Error("expected FLEETMGR_TLS_KEY to be redacted")
	}
}
