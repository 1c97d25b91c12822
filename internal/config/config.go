// Package config loads kernel configuration from defaults, an optional
// config file, and the environment, using github.com/spf13/viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds every configuration section the kernel reads at startup.
type Config struct {
	Socket     SocketConfig     `mapstructure:"socket"`
	Sandbox    SandboxConfig    `mapstructure:"sandbox"`
	Permission PermissionConfig `mapstructure:"permission"`
	LLM        LLMConfig        `mapstructure:"llm"`
	Audit      AuditConfig      `mapstructure:"audit"`
	Events     EventsConfig     `mapstructure:"events"`
	Tunnel     TunnelConfig     `mapstructure:"tunnel"`
	Metrics    MetricsConfig    `mapstructure:"metrics"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

// SocketConfig configures the agent-facing local stream socket.
type SocketConfig struct {
	Path string `mapstructure:"path"`
}

// SandboxConfig configures the default isolation envelope for spawned agents.
type SandboxConfig struct {
	CgroupParent    string `mapstructure:"cgroupParent"`
	DockerFallback  bool   `mapstructure:"dockerFallback"`
	DockerHost      string `mapstructure:"dockerHost"`
	DockerImage     string `mapstructure:"dockerImage"`
	StopTimeoutMS   int    `mapstructure:"stopTimeoutMs"`
	DefaultMemoryMB int64  `mapstructure:"defaultMemoryMb"`
	DefaultMaxPids  int64  `mapstructure:"defaultMaxPids"`
}

// StopTimeout returns the kill-escalation grace period as a Duration.
func (s SandboxConfig) StopTimeout() time.Duration {
	if s.StopTimeoutMS <= 0 {
		return 5 * time.Second
	}
	return time.Duration(s.StopTimeoutMS) * time.Millisecond
}

// PermissionConfig configures the permission engine's defaults.
type PermissionConfig struct {
	DefaultPreset string `mapstructure:"defaultPreset"`
}

// LLMConfig configures the LLM gateway's worker subprocess and defaults.
type LLMConfig struct {
	WorkerPath  string  `mapstructure:"workerPath"`
	Model       string  `mapstructure:"model"`
	Temperature float64 `mapstructure:"temperature"`
	MaxTokens   int     `mapstructure:"maxTokens"`
}

// AuditConfig configures the audit log's retention and enabled categories.
type AuditConfig struct {
	MaxEntries       int      `mapstructure:"maxEntries"`
	EnabledCategories []string `mapstructure:"enabledCategories"`
}

// EventsConfig configures per-agent event/mailbox queue bounds.
type EventsConfig struct {
	MailboxCapacity int `mapstructure:"mailboxCapacity"`
	QueueCapacity   int `mapstructure:"queueCapacity"`
}

// TunnelConfig configures the optional status/config HTTP surface and
// the remote tunnel relay integration.
type TunnelConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	HTTPAddr string `mapstructure:"httpAddr"`
}

// MetricsConfig configures the OTel-backed metrics surface.
type MetricsConfig struct {
	Enabled        bool   `mapstructure:"enabled"`
	OTLPEndpoint   string `mapstructure:"otlpEndpoint"`
}

// LoggingConfig configures the kernel's zap logger.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// Load builds a Config from defaults, an optional file at configPath
// (if non-empty), and the environment (CLOVE_* prefix, automatic env).
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("CLOVE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: reading %s: %w", configPath, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("socket.path", "/tmp/clove.sock")

	v.SetDefault("sandbox.cgroupParent", "/sys/fs/cgroup/clove")
	v.SetDefault("sandbox.dockerFallback", false)
	v.SetDefault("sandbox.dockerImage", "clove-agent:latest")
	v.SetDefault("sandbox.stopTimeoutMs", 5000)
	v.SetDefault("sandbox.defaultMemoryMb", int64(512))
	v.SetDefault("sandbox.defaultMaxPids", int64(64))

	v.SetDefault("permission.defaultPreset", "standard")

	v.SetDefault("llm.workerPath", "llm_service")
	v.SetDefault("llm.model", "gemini-2.0-flash")
	v.SetDefault("llm.temperature", 0.7)
	v.SetDefault("llm.maxTokens", 2048)

	v.SetDefault("audit.maxEntries", 10000)
	v.SetDefault("audit.enabledCategories", []string{
		"Security", "AgentLifecycle", "IPC", "StateStore", "Resource", "Syscall", "Network", "World",
	})

	v.SetDefault("events.mailboxCapacity", 1024)
	v.SetDefault("events.queueCapacity", 1024)

	v.SetDefault("tunnel.enabled", false)
	v.SetDefault("tunnel.httpAddr", "")

	v.SetDefault("metrics.enabled", false)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "")
	v.SetDefault("logging.outputPath", "stderr")
}
