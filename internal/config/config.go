package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration for relaybot.
type Config struct {
	General   GeneralConfig   `json:"general" yaml:"general"`
	Backend   BackendConfig   `json:"backend" yaml:"backend"`
	Fallbacks []BackendConfig `json:"fallbacks,omitempty" yaml:"fallbacks,omitempty"` // tried in order when Backend fails
	Security  SecurityConfig  `json:"security" yaml:"security"`
	Tools     ToolsConfig     `json:"tools" yaml:"tools"`
	Memory    MemoryConfig    `json:"memory" yaml:"memory"`
	Metrics   MetricsConfig   `json:"metrics" yaml:"metrics"`
	Channels  ChannelsConfig  `json:"channels" yaml:"channels"`
}

type GeneralConfig struct {
	Workspace     string  `json:"workspace" yaml:"workspace"`
	LogLevel      string  `json:"logLevel" yaml:"logLevel"`
	LogFile       string  `json:"logFile,omitempty" yaml:"logFile,omitempty"`
	LoopBudget    int     `json:"loopBudget" yaml:"loopBudget"`       // invocations per call
	BusyPolicy    string  `json:"busyPolicy" yaml:"busyPolicy"`       // "queue" | "fail"
	MaxParallel   int     `json:"maxParallel" yaml:"maxParallel"`     // concurrent dispatches per round
	RatePerMinute float64 `json:"ratePerMinute" yaml:"ratePerMinute"` // backend consults; 0 disables
}

type BackendConfig struct {
	Provider          string  `json:"provider" yaml:"provider"` // "ollama" | "openai" | "moonshot" | "claude" | "scripted"
	APIBase           string  `json:"apiBase,omitempty" yaml:"apiBase,omitempty"`
	APIKey            string  `json:"apiKey" yaml:"apiKey"`
	Model             string  `json:"model,omitempty" yaml:"model,omitempty"`
	TimeoutSeconds    int     `json:"timeoutSeconds" yaml:"timeoutSeconds"`
	Temperature       float64 `json:"temperature,omitempty" yaml:"temperature,omitempty"`
	MaxTokens         int     `json:"maxTokens,omitempty" yaml:"maxTokens,omitempty"`
	SystemPromptExtra string  `json:"systemPromptExtra,omitempty" yaml:"systemPromptExtra,omitempty"`
}

type SecurityConfig struct {
	Root              string   `json:"root" yaml:"root"` // sandbox root for file capabilities
	AllowedExtensions []string `json:"allowedExtensions" yaml:"allowedExtensions"`
	MaxFileBytes      int64    `json:"maxFileBytes" yaml:"maxFileBytes"`
	AuditLog          bool     `json:"auditLog" yaml:"auditLog"`
}

type ToolsConfig struct {
	TimeoutSeconds int      `json:"timeoutSeconds" yaml:"timeoutSeconds"`
	SearchEndpoint string   `json:"searchEndpoint,omitempty" yaml:"searchEndpoint,omitempty"`
	Enabled        []string `json:"enabled,omitempty" yaml:"enabled,omitempty"`   // empty means all
	Disabled       []string `json:"disabled,omitempty" yaml:"disabled,omitempty"` // applied after Enabled
}

type MemoryConfig struct {
	Driver string `json:"driver" yaml:"driver"` // "memory" | "sqlite"
	DBPath string `json:"dbPath" yaml:"dbPath"`
}

type MetricsConfig struct {
	Enabled  bool   `json:"enabled" yaml:"enabled"`
	Listen   string `json:"listen" yaml:"listen"`
	Endpoint string `json:"endpoint" yaml:"endpoint"`
}

// ChannelsConfig configures the chat gateway started by "relaybot serve".
type ChannelsConfig struct {
	Concurrency int                    `json:"concurrency" yaml:"concurrency"` // messages handled at once
	Pairing     PairingConfig          `json:"pairing" yaml:"pairing"`
	API         APIChannelConfig       `json:"api" yaml:"api"`
	WebSocket   WebSocketChannelConfig `json:"websocket" yaml:"websocket"`
	Telegram    TelegramChannelConfig  `json:"telegram" yaml:"telegram"`
	Discord     DiscordChannelConfig   `json:"discord" yaml:"discord"`
	Slack       SlackChannelConfig     `json:"slack" yaml:"slack"`
}

// PairingConfig gates chat channels behind one-time codes. The CLI and the
// key-protected API are always trusted.
type PairingConfig struct {
	Required bool `json:"required" yaml:"required"`
	TTLDays  int  `json:"ttlDays" yaml:"ttlDays"` // 0 uses the 30-day default
}

type APIChannelConfig struct {
	Enabled             bool   `json:"enabled" yaml:"enabled"`
	Listen              string `json:"listen" yaml:"listen"`
	APIKey              string `json:"apiKey" yaml:"apiKey"`
	Secret              string `json:"secret" yaml:"secret"` // HMAC for X-Signature-256
	ReplyTimeoutSeconds int    `json:"replyTimeoutSeconds" yaml:"replyTimeoutSeconds"`
}

type WebSocketChannelConfig struct {
	Enabled        bool     `json:"enabled" yaml:"enabled"`
	Listen         string   `json:"listen" yaml:"listen"`
	Path           string   `json:"path" yaml:"path"`
	AllowedOrigins []string `json:"allowedOrigins,omitempty" yaml:"allowedOrigins,omitempty"`
}

type TelegramChannelConfig struct {
	Enabled   bool     `json:"enabled" yaml:"enabled"`
	Token     string   `json:"token" yaml:"token"`
	AllowFrom []string `json:"allowFrom,omitempty" yaml:"allowFrom,omitempty"`
	ParseMode string   `json:"parseMode,omitempty" yaml:"parseMode,omitempty"`
}

type DiscordChannelConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Token   string `json:"token" yaml:"token"`
	GuildID string `json:"guildId" yaml:"guildId"`
}

type SlackChannelConfig struct {
	Enabled  bool   `json:"enabled" yaml:"enabled"`
	BotToken string `json:"botToken" yaml:"botToken"`
	AppToken string `json:"appToken" yaml:"appToken"`
}

// DefaultConfigDir returns the default config directory (~/.relaybot).
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".relaybot"
	}
	return filepath.Join(home, ".relaybot")
}

func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.json")
}

func isYAML(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return true
	}
	return false
}

// Load reads a JSON or YAML config file, picking the format by extension.
// Unset fields keep their defaults.
func Load(path string) (*Config, error) {
	path = ExpandPath(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read config file %s: %w", path, err)
	}

	// Substitute environment variables: ${VAR} and ${VAR:-default}
	data = []byte(ExpandEnvVars(string(data)))

	cfg := Defaults()
	if isYAML(path) {
		err = yaml.Unmarshal(data, cfg)
	} else {
		err = json.Unmarshal(data, cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("cannot parse config file %s: %w", path, err)
	}

	cfg.expandPaths()

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

func (c *Config) expandPaths() {
	c.General.Workspace = ExpandPath(c.General.Workspace)
	c.General.LogFile = ExpandPath(c.General.LogFile)
	c.Security.Root = ExpandPath(c.Security.Root)
	c.Memory.DBPath = ExpandPath(c.Memory.DBPath)
}

// envVarPattern matches ${VAR} and ${VAR:-default} patterns in config strings.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-(.*?))?\}`)

// ExpandEnvVars replaces ${VAR} with the environment variable value.
// ${VAR:-default} uses "default" when VAR is unset or empty. References with
// no value and no default are left as written.
func ExpandEnvVars(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		if len(groups) < 2 {
			return match
		}
		hasDefault := len(groups) >= 3 && groups[2] != ""

		val, exists := os.LookupEnv(groups[1])
		if !exists || val == "" {
			if hasDefault {
				return groups[2]
			}
			return match
		}
		return val
	})
}

// Save writes cfg to path, as YAML when the extension says so.
func Save(path string, cfg *Config) error {
	path = ExpandPath(path)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("cannot create config directory: %w", err)
	}

	var (
		data []byte
		err  error
	)
	if isYAML(path) {
		data, err = yaml.Marshal(cfg)
	} else {
		data, err = json.MarshalIndent(cfg, "", "  ")
	}
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}

	return os.WriteFile(path, data, 0o600)
}

// Validate checks that the config has valid values. Every problem is
// reported, not just the first.
func Validate(cfg *Config) error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	switch strings.ToLower(cfg.General.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		add("general.logLevel must be one of: debug, info, warn, error")
	}
	if cfg.General.LoopBudget < 1 || cfg.General.LoopBudget > 200 {
		add("general.loopBudget must be between 1 and 200")
	}
	switch cfg.General.BusyPolicy {
	case "", "queue", "fail":
	default:
		add("general.busyPolicy must be one of: queue, fail")
	}
	if cfg.General.MaxParallel < 1 || cfg.General.MaxParallel > 64 {
		add("general.maxParallel must be between 1 and 64")
	}
	if cfg.General.RatePerMinute < 0 {
		add("general.ratePerMinute must be >= 0")
	}

	validateBackend("backend", cfg.Backend, add)
	for i, fb := range cfg.Fallbacks {
		validateBackend(fmt.Sprintf("fallbacks[%d]", i), fb, add)
	}

	if cfg.Security.Root == "" {
		add("security.root is required")
	}
	if cfg.Security.MaxFileBytes < 1 {
		add("security.maxFileBytes must be >= 1")
	}
	for _, ext := range cfg.Security.AllowedExtensions {
		if strings.TrimSpace(ext) == "" {
			add("security.allowedExtensions must not contain empty entries")
			break
		}
	}

	if cfg.Tools.TimeoutSeconds < 1 {
		add("tools.timeoutSeconds must be >= 1")
	}

	switch cfg.Memory.Driver {
	case "memory":
	case "sqlite":
		if cfg.Memory.DBPath == "" {
			add("memory.dbPath is required for the sqlite driver")
		}
	default:
		add("memory.driver must be one of: memory, sqlite")
	}

	if cfg.Metrics.Enabled && cfg.Metrics.Listen == "" {
		add("metrics.listen is required when metrics are enabled")
	}

	validateChannels(cfg.Channels, add)

	return errors.Join(errs...)
}

func validateBackend(prefix string, bc BackendConfig, add func(string, ...any)) {
	switch bc.Provider {
	case "ollama", "scripted":
	case "openai":
		if bc.APIBase == "" {
			add("%s.apiBase is required for provider openai", prefix)
		}
	case "moonshot", "claude":
		if bc.APIKey == "" {
			add("%s.apiKey is required for provider %s", prefix, bc.Provider)
		}
	case "":
		add("%s.provider is required", prefix)
	default:
		// Unknown names are accepted when they can be treated as OpenAI-compatible.
		if bc.APIBase == "" || bc.APIKey == "" {
			add("%s: unknown provider %q needs apiBase and apiKey", prefix, bc.Provider)
		}
	}
	if bc.TimeoutSeconds < 0 {
		add("%s.timeoutSeconds must be >= 0", prefix)
	}
	if bc.Temperature < 0 || bc.Temperature > 2 {
		add("%s.temperature must be between 0 and 2", prefix)
	}
}

func validateChannels(ch ChannelsConfig, add func(string, ...any)) {
	if ch.Concurrency < 1 || ch.Concurrency > 64 {
		add("channels.concurrency must be between 1 and 64")
	}
	if ch.Pairing.TTLDays < 0 {
		add("channels.pairing.ttlDays must be >= 0")
	}
	if ch.API.Enabled {
		if ch.API.Listen == "" {
			add("channels.api.listen is required when the API is enabled")
		}
		if ch.API.ReplyTimeoutSeconds < 1 {
			add("channels.api.replyTimeoutSeconds must be >= 1")
		}
	}
	if ch.WebSocket.Enabled && ch.WebSocket.Listen == "" {
		add("channels.websocket.listen is required when websocket is enabled")
	}
	if ch.Telegram.Enabled && ch.Telegram.Token == "" {
		add("channels.telegram.token is required when telegram is enabled")
	}
	if ch.Discord.Enabled && ch.Discord.Token == "" {
		add("channels.discord.token is required when discord is enabled")
	}
	if ch.Slack.Enabled && (ch.Slack.BotToken == "" || ch.Slack.AppToken == "") {
		add("channels.slack.botToken and channels.slack.appToken are required when slack is enabled")
	}
}

// ExpandPath resolves ~/ to the user's home directory.
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}
