package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const (
	testAccessSecret  = "access-secret-key-at-least-32-chars!"
	testRefreshSecret = "refresh-secret-key-at-least-32-chars"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	configPath := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(configPath, []byte(content), 0600); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	return configPath
}

func validConfig() *Config {
	cfg := defaultConfig()
	cfg.Security.JWT.AccessSecret = testAccessSecret
	cfg.Security.JWT.RefreshSecret = testRefreshSecret
	return cfg
}

func TestLoad_ValidConfig(t *testing.T) {
	configPath := writeConfig(t, `
service:
  id: "test-gatekeeper"
database:
  path: "/tmp/test.db"
  wal_mode: true
  busy_timeout: 5
api:
  host: "127.0.0.1"
  port: 9090
security:
  jwt:
    access_secret: "`+testAccessSecret+`"
    refresh_secret: "`+testRefreshSecret+`"
    access_token_ttl: 10
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Service.ID != "test-gatekeeper" {
		t.Errorf("Service.ID = %q, want %q", cfg.Service.ID, "test-gatekeeper")
	}
	if cfg.API.Port != 9090 {
		t.Errorf("API.Port = %d, want 9090", cfg.API.Port)
	}
	if got := cfg.Security.JWT.AccessTTL(); got != 10*time.Minute {
		t.Errorf("AccessTTL() = %v, want 10m", got)
	}
	// Unset values keep their defaults.
	if got := cfg.Security.JWT.RefreshTTL(); got != 7*24*time.Hour {
		t.Errorf("RefreshTTL() = %v, want 168h", got)
	}
	if !cfg.Security.JWT.RotateRefreshTokens {
		t.Error("RotateRefreshTokens = false, want default true")
	}
	if cfg.Security.RefreshStore != RefreshStoreSQLite {
		t.Errorf("RefreshStore = %q, want %q", cfg.Security.RefreshStore, RefreshStoreSQLite)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load("/nonexistent/path/config.yaml"); err == nil {
		t.Error("Load() expected error for missing file, got nil")
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	configPath := writeConfig(t, "invalid: [yaml: content")
	if _, err := Load(configPath); err == nil {
		t.Error("Load() expected error for invalid YAML, got nil")
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	configPath := writeConfig(t, `
database:
  path: "/tmp/from-file.db"
`)
	t.Setenv("GATEKEEPER_DATABASE_PATH", "/tmp/from-env.db")
	t.Setenv("GATEKEEPER_JWT_ACCESS_SECRET", testAccessSecret)
	t.Setenv("GATEKEEPER_JWT_REFRESH_SECRET", testRefreshSecret)
	t.Setenv("GATEKEEPER_API_PORT", "8443")

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Database.Path != "/tmp/from-env.db" {
		t.Errorf("Database.Path = %q, want env override", cfg.Database.Path)
	}
	if cfg.API.Port != 8443 {
		t.Errorf("API.Port = %d, want 8443", cfg.API.Port)
	}
	if cfg.Security.JWT.AccessSecret != testAccessSecret {
		t.Error("AccessSecret not taken from environment")
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{
			name:   "valid config",
			mutate: func(_ *Config) {},
		},
		{
			name:    "missing service id",
			mutate:  func(c *Config) { c.Service.ID = "" },
			wantErr: "service.id",
		},
		{
			name:    "missing access secret",
			mutate:  func(c *Config) { c.Security.JWT.AccessSecret = "" },
			wantErr: "access_secret is required",
		},
		{
			name:    "short refresh secret",
			mutate:  func(c *Config) { c.Security.JWT.RefreshSecret = "short" },
			wantErr: "refresh_secret must be at least 32",
		},
		{
			name:    "shared secrets",
			mutate:  func(c *Config) { c.Security.JWT.RefreshSecret = c.Security.JWT.AccessSecret },
			wantErr: "must differ",
		},
		{
			name:    "refresh ttl not longer than access ttl",
			mutate:  func(c *Config) { c.Security.JWT.RefreshTokenTTL = c.Security.JWT.AccessTokenTTL },
			wantErr: "refresh_token_ttl",
		},
		{
			name:    "websocket without ping interval",
			mutate:  func(c *Config) { c.API.WebSocket.PingInterval = 0 },
			wantErr: "api.websocket",
		},
		{
			name:    "unknown refresh store",
			mutate:  func(c *Config) { c.Security.RefreshStore = "memcached" },
			wantErr: "refresh_store",
		},
		{
			name: "redis store without address",
			mutate: func(c *Config) {
				c.Security.RefreshStore = RefreshStoreRedis
				c.Redis.Address = ""
			},
			wantErr: "redis.address",
		},
		{
			name:    "file logging without path",
			mutate:  func(c *Config) { c.Logging.Output = "file" },
			wantErr: "logging.file.path",
		},
		{
			name:    "invalid qos",
			mutate:  func(c *Config) { c.MQTT.QoS = 3 },
			wantErr: "mqtt.qos",
		},
		{
			name:    "invalid port",
			mutate:  func(c *Config) { c.API.Port = 0 },
			wantErr: "api.port",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate() error = %v, want nil", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("Validate() error = nil, want error containing %q", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() error = %q, want it to contain %q", err.Error(), tt.wantErr)
			}
		})
	}
}

func TestConfig_Validate_CollectsAllErrors(t *testing.T) {
	cfg := validConfig()
	cfg.Service.ID = ""
	cfg.API.Port = 70000

	err := cfg.Validate()
	if err == nil {
		t.Fatal("Validate() error = nil, want error")
	}
	for _, want := range []string{"service.id", "api.port"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("Validate() error = %q, missing %q", err.Error(), want)
		}
	}
}

func TestConfig_Timeouts(t *testing.T) {
	cfg := validConfig()
	if got := cfg.GetReadTimeout(); got != 30*time.Second {
		t.Errorf("GetReadTimeout() = %v, want 30s", got)
	}
	if got := cfg.GetWriteTimeout(); got != 30*time.Second {
		t.Errorf("GetWriteTimeout() = %v, want 30s", got)
	}
	if got := cfg.GetIdleTimeout(); got != 60*time.Second {
		t.Errorf("GetIdleTimeout() = %v, want 60s", got)
	}
	if got := cfg.Security.Interval(); got != time.Hour {
		t.Errorf("Security.Interval() = %v, want 1h", got)
	}
}
