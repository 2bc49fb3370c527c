package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.Port != 8888 {
		t.Fatalf("expected port 8888, got %d", cfg.Server.Port)
	}
	if cfg.Unicore.RegistryURL != DefaultRegistryURL {
		t.Fatalf("unexpected registry %q", cfg.Unicore.RegistryURL)
	}
	if cfg.Unicore.DefaultSite != "DAINT-CSCS" {
		t.Fatalf("unexpected default site %q", cfg.Unicore.DefaultSite)
	}
	if cfg.Token.EnvVar != "CLB_AUTH" {
		t.Fatalf("unexpected token env var %q", cfg.Token.EnvVar)
	}
	if got := cfg.RequestTimeout(); got != 60*time.Second {
		t.Fatalf("expected request timeout 60s, got %v", got)
	}
	if got := cfg.Unicore.RetryWaitMax(); got != 5*time.Second {
		t.Fatalf("expected retry wait max 5s, got %v", got)
	}
}

func TestLoadWithFileOverrides(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	configYAML := `
server:
  port: 9090
  request_timeout_seconds: 15
auth:
  enabled: true
  api_key: secret
token:
  env_var: MY_TOKEN
  helper_url: http://127.0.0.1:9000/token
  helper_timeout_seconds: 2
unicore:
  registry_url: https://registry.example.org/rest/registries/default_registry
  default_site: TEST_SITE
  max_retries: 1
  backoff_initial_ms: 10
  backoff_max_ms: 20
  requests_per_second: 2.5
  burst: 4
downloads:
  root: /tmp/downloads
relay:
  max_bytes: 1024
  folders:
    - name: results
      type: gcs
      bucket: out-bucket
      prefix: jobs
    - name: archive
      type: s3
      bucket: archive
      region: eu-central-1
      endpoint: http://127.0.0.1:9001
    - name: scratch
      type: local
      base_dir: /tmp/scratch
logging:
  development: false
  level: warn
`
	if err := os.WriteFile(path, []byte(configYAML), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Port != 9090 {
		t.Fatalf("expected port 9090, got %d", cfg.Server.Port)
	}
	if !cfg.Auth.Enabled || cfg.Auth.APIKey != "secret" {
		t.Fatalf("expected auth enabled with secret key")
	}
	if cfg.Token.EnvVar != "MY_TOKEN" || cfg.HelperTimeout() != 2*time.Second {
		t.Fatalf("expected token overrides to apply: %+v", cfg.Token)
	}
	if cfg.Unicore.DefaultSite != "TEST_SITE" || cfg.Unicore.RequestsPerSecond != 2.5 || cfg.Unicore.Burst != 4 {
		t.Fatalf("expected unicore overrides to apply: %+v", cfg.Unicore)
	}
	if cfg.Unicore.RetryWaitMin() != 10*time.Millisecond {
		t.Fatalf("expected retry wait min 10ms, got %v", cfg.Unicore.RetryWaitMin())
	}
	if len(cfg.Relay.Folders) != 3 {
		t.Fatalf("expected three relay folders, got %+v", cfg.Relay.Folders)
	}
	if f := cfg.Relay.Folders[1]; f.Type != FolderS3 || f.Region != "eu-central-1" || f.Endpoint == "" {
		t.Fatalf("expected s3 folder settings to be preserved: %+v", f)
	}
	if cfg.Logging.Development || cfg.Logging.Level != "warn" {
		t.Fatalf("expected logging overrides to apply: %+v", cfg.Logging)
	}
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("BRIDGE_UNICORE_DEFAULT_SITE", "JUSUF")
	t.Setenv("BRIDGE_SERVER_PORT", "9999")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Unicore.DefaultSite != "JUSUF" || cfg.Server.Port != 9999 {
		t.Fatalf("expected env overrides, got site=%q port=%d", cfg.Unicore.DefaultSite, cfg.Server.Port)
	}
}

func TestLoadMissingFile(t *testing.T) {
	t.Parallel()

	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatalf("expected error for missing file")
	}
}

func TestConfigValidateErrors(t *testing.T) {
	t.Parallel()

	base := Config{
		Server:  ServerConfig{Port: 8080, RequestTimeoutSeconds: 60},
		Unicore: UnicoreConfig{RegistryURL: DefaultRegistryURL, BackoffInitialMs: 1, BackoffMaxMs: 2},
	}

	tests := []struct {
		name string
		cfg  Config
		want string
	}{
		{
			name: "invalid port",
			cfg: func() Config {
				c := base
				c.Server.Port = 0
				return c
			}(),
			want: "server.port",
		},
		{
			name: "invalid timeout",
			cfg: func() Config {
				c := base
				c.Server.RequestTimeoutSeconds = 0
				return c
			}(),
			want: "server.request_timeout_seconds",
		},
		{
			name: "auth missing api key",
			cfg: func() Config {
				c := base
				c.Auth.Enabled = true
				return c
			}(),
			want: "auth.api_key",
		},
		{
			name: "missing registry",
			cfg: func() Config {
				c := base
				c.Unicore.RegistryURL = ""
				return c
			}(),
			want: "unicore.registry_url",
		},
		{
			name: "backoff inverted",
			cfg: func() Config {
				c := base
				c.Unicore.BackoffMaxMs = 0
				return c
			}(),
			want: "unicore.backoff_max_ms",
		},
		{
			name: "folder name with slash",
			cfg: func() Config {
				c := base
				c.Relay.Folders = []FolderConfig{{Name: "a/b", Type: FolderMemory}}
				return c
			}(),
			want: "single path segment",
		},
		{
			name: "duplicate folder",
			cfg: func() Config {
				c := base
				c.Relay.Folders = []FolderConfig{{Name: "a", Type: FolderMemory}, {Name: "a", Type: FolderMemory}}
				return c
			}(),
			want: "duplicated",
		},
		{
			name: "gcs without bucket",
			cfg: func() Config {
				c := base
				c.Relay.Folders = []FolderConfig{{Name: "a", Type: FolderGCS}}
				return c
			}(),
			want: "bucket",
		},
		{
			name: "local without base dir",
			cfg: func() Config {
				c := base
				c.Relay.Folders = []FolderConfig{{Name: "a", Type: FolderLocal}}
				return c
			}(),
			want: "base_dir",
		},
		{
			name: "unknown folder type",
			cfg: func() Config {
				c := base
				c.Relay.Folders = []FolderConfig{{Name: "a", Type: "ftp"}}
				return c
			}(),
			want: "not supported",
		},
		{
			name: "pubsub half configured",
			cfg: func() Config {
				c := base
				c.PubSub.ProjectID = "proj"
				return c
			}(),
			want: "pubsub",
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := tt.cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}
