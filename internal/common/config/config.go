// Package config provides configuration management for dispatchd.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for dispatchd.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Paths      PathsConfig      `mapstructure:"paths"`
	Agent      AgentConfig      `mapstructure:"agent"`
	MCP        MCPConfig        `mapstructure:"mcp"`
	Channels   ChannelsConfig   `mapstructure:"channels"`
	Watchdog   WatchdogConfig   `mapstructure:"watchdog"`
	Policy     PolicyConfig     `mapstructure:"policy"`
	RateLimit  RateLimitConfig  `mapstructure:"rateLimit"`
	Supervisor SupervisorConfig `mapstructure:"supervisor"`
	NATS       NATSConfig       `mapstructure:"nats"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Pairing    PairingConfig    `mapstructure:"pairing"`

	// AcceptRisk acknowledges that the agent runs with full local privileges.
	// Startup refuses to proceed until it is set.
	AcceptRisk bool `mapstructure:"acceptRisk"`

	// ClearStateOnBoot wipes volatile state files (tasks, sessions, jobs,
	// event logs) at startup. pairing.json is always preserved.
	ClearStateOnBoot bool `mapstructure:"clearStateOnBoot"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// PathsConfig holds filesystem layout configuration.
type PathsConfig struct {
	DataDir       string `mapstructure:"dataDir"`
	LogDir        string `mapstructure:"logDir"`
	WorkspaceRoot string `mapstructure:"workspaceRoot"`
	TasksRoot     string `mapstructure:"tasksRoot"` // defaults to <workspaceRoot>/.tasks
}

// AgentConfig describes the external AI-agent CLI.
type AgentConfig struct {
	Binary     string `mapstructure:"binary"`     // agent executable (default: copilot)
	Model      string `mapstructure:"model"`      // optional model override
	SessionDir string `mapstructure:"sessionDir"` // agent session-state directory
	Timeout    int    `mapstructure:"timeout"`    // wall-clock timeout per prompt, seconds
}

// MCPConfig holds tool-server configuration.
type MCPConfig struct {
	Token     string `mapstructure:"token"`     // shared secret; empty disables auth
	PublicURL string `mapstructure:"publicUrl"` // URL workers use to reach /mcp
}

// TelegramConfig holds Telegram bot credentials.
type TelegramConfig struct {
	Token         string   `mapstructure:"token"`
	WebhookSecret string   `mapstructure:"webhookSecret"`
	AllowFrom     []string `mapstructure:"allowFrom"`
	OwnerID       string   `mapstructure:"ownerId"`
}

// SlackConfig holds Slack app credentials.
type SlackConfig struct {
	BotToken      string   `mapstructure:"botToken"`
	SigningSecret string   `mapstructure:"signingSecret"`
	AllowFrom     []string `mapstructure:"allowFrom"`
}

// WhatsAppConfig holds Meta Cloud API credentials.
type WhatsAppConfig struct {
	Token       string   `mapstructure:"token"`
	PhoneID     string   `mapstructure:"phoneId"`
	VerifyToken string   `mapstructure:"verifyToken"`
	AllowFrom   []string `mapstructure:"allowFrom"`
}

// TeamsConfig holds Bot Framework credentials.
type TeamsConfig struct {
	AppID       string   `mapstructure:"appId"`
	AppPassword string   `mapstructure:"appPassword"`
	AllowFrom   []string `mapstructure:"allowFrom"`
}

// SignalConfig holds signal-cli REST endpoint configuration.
type SignalConfig struct {
	Number     string   `mapstructure:"number"`
	ServiceURL string   `mapstructure:"serviceUrl"`
	AllowFrom  []string `mapstructure:"allowFrom"`
}

// ChannelsConfig groups all chat-channel credentials.
type ChannelsConfig struct {
	Telegram TelegramConfig `mapstructure:"telegram"`
	Slack    SlackConfig    `mapstructure:"slack"`
	WhatsApp WhatsAppConfig `mapstructure:"whatsapp"`
	Teams    TeamsConfig    `mapstructure:"teams"`
	Signal   SignalConfig   `mapstructure:"signal"`
}

// WatchdogConfig holds stalled-worker detection thresholds, all in seconds.
type WatchdogConfig struct {
	Interval     int `mapstructure:"interval"`
	Grace        int `mapstructure:"grace"`
	WarnAfter    int `mapstructure:"warnAfter"`
	RestartAfter int `mapstructure:"restartAfter"`
	MaxRestarts  int `mapstructure:"maxRestarts"`
}

// PolicyConfig holds the shell execution policy.
type PolicyConfig struct {
	AllowAll        bool     `mapstructure:"allowAll"`
	AllowedCommands []string `mapstructure:"allowedCommands"`
	DenyPatterns    []string `mapstructure:"denyPatterns"`
}

// RateLimitConfig holds the webhook sliding-window limits.
type RateLimitConfig struct {
	MaxCalls int `mapstructure:"maxCalls"`
	Window   int `mapstructure:"window"` // seconds
}

// SupervisorConfig holds supervisor defaults.
type SupervisorConfig struct {
	CheckInterval int `mapstructure:"checkInterval"` // seconds
}

// NATSConfig holds optional NATS event-bus configuration.
// An empty URL selects the in-memory bus.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// PairingConfig selects how unknown senders are handled.
type PairingConfig struct {
	Mode string `mapstructure:"mode"` // "pairing" or "open"
}

// AgentTimeout returns the per-prompt timeout as a time.Duration.
func (a *AgentConfig) AgentTimeout() time.Duration {
	return time.Duration(a.Timeout) * time.Second
}

// RateWindow returns the sliding window as a time.Duration.
func (r *RateLimitConfig) RateWindow() time.Duration {
	return time.Duration(r.Window) * time.Second
}

// CheckIntervalDuration returns the supervisor cadence as a time.Duration.
func (s *SupervisorConfig) CheckIntervalDuration() time.Duration {
	return time.Duration(s.CheckInterval) * time.Second
}

// TasksDir returns the effective tasks root.
func (p *PathsConfig) TasksDir() string {
	if p.TasksRoot != "" {
		return p.TasksRoot
	}
	return filepath.Join(p.WorkspaceRoot, ".tasks")
}

// AllowFromEnvVar returns the environment variable that holds the allowlist
// for a channel. Surfaced in authorization-denial replies so the operator
// knows what to edit.
func AllowFromEnvVar(channel string) string {
	return "DISPATCHD_CHANNELS_" + strings.ToUpper(channel) + "_ALLOWFROM"
}

// AllowFrom returns the configured allowlist for a channel name.
func (c *ChannelsConfig) AllowFrom(channel string) []string {
	switch strings.ToLower(channel) {
	case "telegram":
		return c.Telegram.AllowFrom
	case "slack":
		return c.Slack.AllowFrom
	case "whatsapp":
		return c.WhatsApp.AllowFrom
	case "teams":
		return c.Teams.AllowFrom
	case "signal":
		return c.Signal.AllowFrom
	}
	return nil
}

func detectDefaultLogFormat() string {
	if env := os.Getenv("DISPATCHD_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 8765)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	home, _ := os.UserHomeDir()
	v.SetDefault("paths.dataDir", filepath.Join(home, ".dispatchd", "data"))
	v.SetDefault("paths.logDir", filepath.Join(home, ".dispatchd", "log"))
	v.SetDefault("paths.workspaceRoot", filepath.Join(home, "dispatchd-workspace"))
	v.SetDefault("paths.tasksRoot", "")

	v.SetDefault("agent.binary", "copilot")
	v.SetDefault("agent.model", "")
	v.SetDefault("agent.sessionDir", filepath.Join(home, ".copilot", "history-session-state"))
	v.SetDefault("agent.timeout", 1800)

	v.SetDefault("mcp.token", "")
	v.SetDefault("mcp.publicUrl", "")

	v.SetDefault("watchdog.interval", 60)
	v.SetDefault("watchdog.grace", 120)
	v.SetDefault("watchdog.warnAfter", 300)
	v.SetDefault("watchdog.restartAfter", 600)
	v.SetDefault("watchdog.maxRestarts", 2)

	v.SetDefault("policy.allowAll", false)
	v.SetDefault("policy.allowedCommands", []string{"git", "ls", "dir", "echo"})
	v.SetDefault("policy.denyPatterns", []string{})

	v.SetDefault("rateLimit.maxCalls", 20)
	v.SetDefault("rateLimit.window", 60)

	v.SetDefault("supervisor.checkInterval", 300)

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "dispatchd")
	v.SetDefault("nats.maxReconnects", 10)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")

	v.SetDefault("pairing.mode", "pairing")

	v.SetDefault("acceptRisk", false)
	v.SetDefault("clearStateOnBoot", false)
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix DISPATCHD_ with snake_case naming.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("DISPATCHD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings for keys whose env var naming differs from the
	// config key naming (AutomaticEnv does not fold camelCase).
	_ = v.BindEnv("acceptRisk", "DISPATCHD_ACCEPT_RISK")
	_ = v.BindEnv("clearStateOnBoot", "DISPATCHD_CLEAR_STATE_ON_BOOT")
	_ = v.BindEnv("mcp.token", "DISPATCHD_MCP_TOKEN")
	_ = v.BindEnv("mcp.publicUrl", "DISPATCHD_MCP_PUBLIC_URL")
	_ = v.BindEnv("agent.sessionDir", "DISPATCHD_AGENT_SESSION_DIR")
	_ = v.BindEnv("channels.telegram.token", "DISPATCHD_CHANNELS_TELEGRAM_TOKEN")
	_ = v.BindEnv("channels.telegram.allowFrom", "DISPATCHD_CHANNELS_TELEGRAM_ALLOWFROM")
	_ = v.BindEnv("channels.slack.allowFrom", "DISPATCHD_CHANNELS_SLACK_ALLOWFROM")
	_ = v.BindEnv("channels.whatsapp.allowFrom", "DISPATCHD_CHANNELS_WHATSAPP_ALLOWFROM")
	_ = v.BindEnv("channels.teams.allowFrom", "DISPATCHD_CHANNELS_TEAMS_ALLOWFROM")
	_ = v.BindEnv("channels.signal.allowFrom", "DISPATCHD_CHANNELS_SIGNAL_ALLOWFROM")

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/dispatchd/")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// validate checks that all required configuration fields are set.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	if cfg.Agent.Binary == "" {
		errs = append(errs, "agent.binary is required")
	}
	if cfg.Agent.Timeout <= 0 {
		errs = append(errs, "agent.timeout must be positive")
	}

	if cfg.Watchdog.Interval < 5 {
		cfg.Watchdog.Interval = 5
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if mode := cfg.Pairing.Mode; mode != "pairing" && mode != "open" {
		errs = append(errs, "pairing.mode must be one of: pairing, open")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}
