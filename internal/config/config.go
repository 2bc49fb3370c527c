// Package config loads and validates bridge configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Relay folder types.
const (
	FolderGCS    = "gcs"
	FolderS3     = "s3"
	FolderLocal  = "local"
	FolderMemory = "memory"
)

// DefaultRegistryURL is the registry of the HBP UNICORE federation.
const DefaultRegistryURL = "https://unicore.fz-juelich.de:9112/HBP/rest/registries/default_registry"

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Token     TokenConfig     `mapstructure:"token"`
	Unicore   UnicoreConfig   `mapstructure:"unicore"`
	Downloads DownloadsConfig `mapstructure:"downloads"`
	Relay     RelayConfig     `mapstructure:"relay"`
	PubSub    PubSubConfig    `mapstructure:"pubsub"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port                  int `mapstructure:"port"`
	RequestTimeoutSeconds int `mapstructure:"request_timeout_seconds"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// TokenConfig says where the access token comes from.
type TokenConfig struct {
	EnvVar               string `mapstructure:"env_var"`
	HelperURL            string `mapstructure:"helper_url"`
	HelperTimeoutSeconds int    `mapstructure:"helper_timeout_seconds"`
}

// UnicoreConfig configures the remote registry and the HTTP client used
// against it.
type UnicoreConfig struct {
	RegistryURL       string  `mapstructure:"registry_url"`
	DefaultSite       string  `mapstructure:"default_site"`
	MaxRetries        int     `mapstructure:"max_retries"`
	BackoffInitialMs  int     `mapstructure:"backoff_initial_ms"`
	BackoffMaxMs      int     `mapstructure:"backoff_max_ms"`
	RequestsPerSecond float64 `mapstructure:"requests_per_second"`
	Burst             int     `mapstructure:"burst"`
	UserAgent         string  `mapstructure:"user_agent"`
}

// DownloadsConfig sets where local downloads land.
type DownloadsConfig struct {
	Root string `mapstructure:"root"`
}

// RelayConfig lists the cloud folders outputs can be relayed to.
type RelayConfig struct {
	MaxBytes int64          `mapstructure:"max_bytes"`
	Folders  []FolderConfig `mapstructure:"folders"`
}

// FolderConfig describes one relay folder.
type FolderConfig struct {
	Name     string `mapstructure:"name"`
	Type     string `mapstructure:"type"`
	Bucket   string `mapstructure:"bucket"`
	Prefix   string `mapstructure:"prefix"`
	Region   string `mapstructure:"region"`
	Endpoint string `mapstructure:"endpoint"`
	BaseDir  string `mapstructure:"base_dir"`
}

// PubSubConfig holds metadata for publish-subscribe notifications.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("BRIDGE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8888)
	v.SetDefault("server.request_timeout_seconds", 60)
	v.SetDefault("auth.enabled", false)
	v.SetDefault("auth.api_key", "")
	v.SetDefault("token.env_var", "CLB_AUTH")
	v.SetDefault("token.helper_url", "")
	v.SetDefault("token.helper_timeout_seconds", 5)
	v.SetDefault("unicore.registry_url", DefaultRegistryURL)
	v.SetDefault("unicore.default_site", "DAINT-CSCS")
	v.SetDefault("unicore.max_retries", 3)
	v.SetDefault("unicore.backoff_initial_ms", 200)
	v.SetDefault("unicore.backoff_max_ms", 5000)
	v.SetDefault("unicore.requests_per_second", 10)
	v.SetDefault("unicore.burst", 20)
	v.SetDefault("unicore.user_agent", "unicore-bridge/1.0")
	v.SetDefault("downloads.root", ".")
	v.SetDefault("relay.max_bytes", int64(5<<30))
	v.SetDefault("pubsub.project_id", "")
	v.SetDefault("pubsub.topic_name", "")
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Server.RequestTimeoutSeconds <= 0 {
		return fmt.Errorf("server.request_timeout_seconds must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	if c.Unicore.RegistryURL == "" {
		return fmt.Errorf("unicore.registry_url must be set")
	}
	if c.Unicore.MaxRetries < 0 {
		return fmt.Errorf("unicore.max_retries must be >= 0")
	}
	if c.Unicore.BackoffMaxMs < c.Unicore.BackoffInitialMs {
		return fmt.Errorf("unicore.backoff_max_ms must be >= unicore.backoff_initial_ms")
	}
	if c.Relay.MaxBytes < 0 {
		return fmt.Errorf("relay.max_bytes must be >= 0")
	}
	seen := make(map[string]struct{}, len(c.Relay.Folders))
	for i, f := range c.Relay.Folders {
		if f.Name == "" || strings.Contains(f.Name, "/") {
			return fmt.Errorf("relay.folders[%d].name must be a single path segment", i)
		}
		if _, dup := seen[f.Name]; dup {
			return fmt.Errorf("relay.folders[%d].name %q is duplicated", i, f.Name)
		}
		seen[f.Name] = struct{}{}
		switch f.Type {
		case FolderGCS, FolderS3:
			if f.Bucket == "" {
				return fmt.Errorf("relay.folders[%d].bucket must be set for %s", i, f.Type)
			}
		case FolderLocal:
			if f.BaseDir == "" {
				return fmt.Errorf("relay.folders[%d].base_dir must be set for local", i)
			}
		case FolderMemory:
		default:
			return fmt.Errorf("relay.folders[%d].type %q is not supported", i, f.Type)
		}
	}
	if (c.PubSub.ProjectID == "") != (c.PubSub.TopicName == "") {
		return fmt.Errorf("pubsub.project_id and pubsub.topic_name must be set together")
	}
	return nil
}

// RequestTimeout is the per-request budget for non-streaming routes.
func (c Config) RequestTimeout() time.Duration {
	return time.Duration(c.Server.RequestTimeoutSeconds) * time.Second
}

// HelperTimeout bounds one call to the identity helper.
func (c Config) HelperTimeout() time.Duration {
	return time.Duration(c.Token.HelperTimeoutSeconds) * time.Second
}

// RetryWaitMin is the initial backoff against the job service.
func (c UnicoreConfig) RetryWaitMin() time.Duration {
	return time.Duration(c.BackoffInitialMs) * time.Millisecond
}

// RetryWaitMax caps the backoff against the job service.
func (c UnicoreConfig) RetryWaitMax() time.Duration {
	return time.Duration(c.BackoffMaxMs) * time.Millisecond
}
