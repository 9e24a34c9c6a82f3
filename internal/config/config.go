// Package config handles assistant configuration loading.
//
// Configuration comes from a single YAML file with ${VAR} expansion,
// discovered via a short search path. A handful of operational knobs
// can additionally be overridden directly from the environment (see
// [Config.ApplyEnvOverrides]) so deployments can tune the pipeline
// without editing the file.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/assistant/config.yaml,
// /etc/assistant/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "assistant", "config.yaml"))
	}

	paths = append(paths, "/etc/assistant/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must
// exist. Otherwise the default search paths are tried in order.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all assistant configuration.
type Config struct {
	Listen        ListenConfig        `yaml:"listen"`
	HomeAssistant HomeAssistantConfig `yaml:"homeassistant"`
	MQTT          MQTTConfig          `yaml:"mqtt"`
	Webhooks      WebhookConfig       `yaml:"webhooks"`
	Processor     ProcessorConfig     `yaml:"processor"`
	Sandbox       SandboxConfig       `yaml:"sandbox"`
	Workers       WorkersConfig       `yaml:"workers"`
	Agent         AgentConfig         `yaml:"agent"`
	Confirmation  ConfirmationConfig  `yaml:"confirmation"`
	DataDir       string              `yaml:"data_dir"`
	Timezone      string              `yaml:"timezone"` // IANA zone for schedule defaults
	LogLevel      string              `yaml:"log_level"`
}

// ListenConfig defines the HTTP server settings.
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`
}

// HomeAssistantConfig defines the smart-home stream connection.
type HomeAssistantConfig struct {
	URL   string `yaml:"url"`
	Token string `yaml:"token"`
	// EventTypes to subscribe to; empty subscribes to all events.
	EventTypes []string `yaml:"event_types"`
	// EntityFilters are path.Match globs; empty matches all entities.
	EntityFilters []string `yaml:"entity_filters"`
	// RateLimitPerMinute caps state changes per entity per minute.
	// Zero disables rate limiting.
	RateLimitPerMinute int `yaml:"rate_limit_per_minute"`
}

// MQTTConfig defines the optional statestream source. Disabled unless
// BrokerURL is set.
type MQTTConfig struct {
	BrokerURL   string `yaml:"broker_url"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	ClientID    string `yaml:"client_id"`
	TopicPrefix string `yaml:"topic_prefix"` // default: homeassistant/statestream
}

// WebhookConfig defines the webhook receiver source.
type WebhookConfig struct {
	// Secrets maps a webhook source tag to its shared HMAC secret.
	// Sources without an entry accept unsigned requests.
	Secrets map[string]string `yaml:"secrets"`
	// QueueSize bounds the merged event queue (default 1000).
	QueueSize int `yaml:"queue_size"`
}

// ProcessorConfig tunes the event pipeline.
type ProcessorConfig struct {
	// Workers is the dispatch pool size (default 4).
	Workers int `yaml:"workers"`
	// SampleIntervalHours is the recent-events storage window (default 1).
	SampleIntervalHours int `yaml:"sample_interval_hours"`
	// CacheRefreshSeconds is the periodic listener cache reload
	// interval (default 300). Registry writes also invalidate it.
	CacheRefreshSeconds int `yaml:"cache_refresh_seconds"`
}

// SandboxConfig bounds condition and action scripts.
type SandboxConfig struct {
	// TimeoutMillis is the wall-clock deadline per evaluation (default 100).
	TimeoutMillis int `yaml:"timeout_millis"`
	// DenyTools disables all host tool functions inside scripts.
	DenyTools bool `yaml:"deny_tools"`
}

// WorkersConfig tunes the worker task orchestrator.
type WorkersConfig struct {
	// Backend selects the execution backend: "process" (local) or "none".
	Backend string `yaml:"backend"`
	// CallbackBaseURL is the externally reachable base for completion
	// webhooks, e.g. "http://assistant.local:8080".
	CallbackBaseURL string `yaml:"callback_base_url"`
	// Command is the local-backend worker entrypoint.
	Command []string `yaml:"command"`
	// WorkspaceDir is where local workers get their scratch directories.
	WorkspaceDir string `yaml:"workspace_dir"`

	MaxConcurrent            int `yaml:"max_concurrent"`             // default 5
	RetentionHours           int `yaml:"retention_hours"`            // default 48
	SubmittedTimeoutHours    int `yaml:"submitted_timeout_hours"`    // default 1
	RunningBufferMinutes     int `yaml:"running_buffer_minutes"`     // default 30
	ReconcileIntervalSeconds int `yaml:"reconcile_interval_seconds"` // default 60
}

// AgentConfig points at the conversational agent that wake_agent
// actions call. Disabled (actions skip) unless URL is set.
type AgentConfig struct {
	URL   string `yaml:"url"`
	Token string `yaml:"token"`
}

// ConfirmationConfig tunes the confirmation mediator.
type ConfirmationConfig struct {
	// TimeoutSeconds is how long to wait for a reply before treating
	// the request as denied (default 60).
	TimeoutSeconds int `yaml:"timeout_seconds"`
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}
	cfg.ApplyEnvOverrides()

	return cfg, nil
}

// Default returns a configuration with all operational defaults set.
func Default() *Config {
	return &Config{
		Listen: ListenConfig{Port: 8080},
		Processor: ProcessorConfig{
			Workers:             4,
			SampleIntervalHours: 1,
			CacheRefreshSeconds: 300,
		},
		Sandbox: SandboxConfig{TimeoutMillis: 100},
		Workers: WorkersConfig{
			Backend:                  "process",
			MaxConcurrent:            5,
			RetentionHours:           48,
			SubmittedTimeoutHours:    1,
			RunningBufferMinutes:     30,
			ReconcileIntervalSeconds: 60,
		},
		Confirmation: ConfirmationConfig{TimeoutSeconds: 60},
		Webhooks:     WebhookConfig{QueueSize: 1000},
		Timezone:     "UTC",
		DataDir:      ".",
	}
}

// ApplyEnvOverrides overlays operational knobs from the environment.
// Unset or unparseable variables leave the config value untouched.
func (c *Config) ApplyEnvOverrides() {
	envInt("MAX_CONCURRENT_WORKERS", &c.Workers.MaxConcurrent)
	envInt("TASK_RETENTION_HOURS", &c.Workers.RetentionHours)
	envInt("SUBMITTED_TIMEOUT_HOURS", &c.Workers.SubmittedTimeoutHours)
	envInt("RUNNING_BUFFER_MINUTES", &c.Workers.RunningBufferMinutes)
	envInt("RECONCILE_INTERVAL_SECONDS", &c.Workers.ReconcileIntervalSeconds)
	envInt("EVENT_SAMPLE_INTERVAL_HOURS", &c.Processor.SampleIntervalHours)
	envInt("LISTENER_CACHE_REFRESH_SECONDS", &c.Processor.CacheRefreshSeconds)
	envInt("CONFIRMATION_TIMEOUT_SECONDS", &c.Confirmation.TimeoutSeconds)
	envInt("WEBHOOK_QUEUE_SIZE", &c.Webhooks.QueueSize)
}

// envInt parses an integer environment variable into dst if set.
func envInt(name string, dst *int) {
	v := os.Getenv(name)
	if v == "" {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return
	}
	*dst = n
}
