package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// Config is the root configuration for oabot.
type Config struct {
	General  GeneralConfig  `json:"general"`
	WeChat   WeChatConfig   `json:"wechat"`
	Provider ProviderConfig `json:"provider"`
	Cache    CacheConfig    `json:"cache"`
	Store    StoreConfig    `json:"store"`
	Jobs     JobsConfig     `json:"jobs"`
	Metrics  MetricsConfig  `json:"metrics"`
}

type GeneralConfig struct {
	Workspace string `json:"workspace"`
	LogLevel  string `json:"logLevel"`
	LogFile   string `json:"logFile,omitempty"` // optional log file path
}

// WeChatConfig covers both the webhook server and the official-account API
// credentials used by the client and the token manager.
type WeChatConfig struct {
	AppID       string `json:"appId"`
	AppSecret   string `json:"appSecret"`
	Token       string `json:"token"` // webhook signature token
	WebhookPort int    `json:"webhookPort"`
	WebhookPath string `json:"webhookPath"`
}

type ProviderConfig struct {
	APIKey      string `json:"apiKey"`
	Model       string `json:"model,omitempty"`
	APIBase     string `json:"apiBase,omitempty"`
	PromptsFile string `json:"promptsFile,omitempty"` // YAML overrides for the built-in prompts
}

// CacheConfig selects the context-cache backend. An empty redisAddr means
// the in-process cache; otherwise Redis, falling back to in-process when
// the initial ping fails.
type CacheConfig struct {
	RedisAddr       string `json:"redisAddr,omitempty"`
	RedisPassword   string `json:"redisPassword,omitempty"`
	RedisDB         int    `json:"redisDb,omitempty"`
	MaxTurns        int    `json:"maxTurns"`
	DialogueTTLDays int    `json:"dialogueTtlDays"`
	ProfileTTLHours int    `json:"profileTtlHours"`
}

type StoreConfig struct {
	DBPath string `json:"dbPath"`
}

type JobsConfig struct {
	Enabled                bool `json:"enabled"`
	PublishIntervalMinutes int  `json:"publishIntervalMinutes"`
	CollectIntervalMinutes int  `json:"collectIntervalMinutes"`
	ReportIntervalHours    int  `json:"reportIntervalHours"`
	TrendingIntervalMins   int  `json:"trendingIntervalMinutes"`
}

type MetricsConfig struct {
	Enabled bool `json:"enabled"`
}

// DefaultConfigDir returns the default config directory (~/.oabot).
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".oabot"
	}
	return filepath.Join(home, ".oabot")
}

func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.json")
}

func Load(path string) (*Config, error) {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("cannot resolve home directory: %w", err)
		}
		path = filepath.Join(home, path[2:])
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read config file %s: %w", path, err)
	}

	// Substitute environment variables: ${VAR} and ${VAR:-default}
	data = []byte(ExpandEnvVars(string(data)))

	cfg := Defaults()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config file %s: %w", path, err)
	}

	cfg.General.Workspace = ExpandPath(cfg.General.Workspace)
	cfg.General.LogFile = ExpandPath(cfg.General.LogFile)
	cfg.Store.DBPath = ExpandPath(cfg.Store.DBPath)
	cfg.Provider.PromptsFile = ExpandPath(cfg.Provider.PromptsFile)

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

// envVarPattern matches ${VAR} and ${VAR:-default} patterns in config strings.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-(.*?))?\}`)

// ExpandEnvVars replaces ${VAR} with the environment variable value.
// Supports default values: ${VAR:-default} uses "default" when VAR is unset or empty.
func ExpandEnvVars(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		if len(groups) < 2 {
			return match
		}
		varName := groups[1]
		defaultVal := ""
		hasDefault := len(groups) >= 3 && groups[2] != ""
		if hasDefault {
			defaultVal = groups[2]
		}

		val, exists := os.LookupEnv(varName)
		if !exists || val == "" {
			if hasDefault {
				return defaultVal
			}
			return match // Keep original if no env var and no default
		}
		return val
	})
}

func Save(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("cannot create config directory: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}

	return os.WriteFile(path, data, 0o644)
}

// Validate checks that the config has valid values.
func Validate(cfg *Config) error {
	var errs []string

	switch cfg.General.LogLevel {
	case "", "debug", "info", "warn", "error":
		// valid
	default:
		errs = append(errs, "general.logLevel must be one of: debug, info, warn, error")
	}

	if cfg.WeChat.WebhookPort < 0 || cfg.WeChat.WebhookPort > 65535 {
		errs = append(errs, "wechat.webhookPort must be between 0 and 65535")
	}
	if cfg.WeChat.WebhookPath != "" && !strings.HasPrefix(cfg.WeChat.WebhookPath, "/") {
		errs = append(errs, "wechat.webhookPath must start with /")
	}

	if cfg.Cache.MaxTurns < 1 {
		errs = append(errs, "cache.maxTurns must be >= 1")
	}
	if cfg.Cache.DialogueTTLDays < 1 {
		errs = append(errs, "cache.dialogueTtlDays must be >= 1")
	}
	if cfg.Cache.ProfileTTLHours < 1 {
		errs = append(errs, "cache.profileTtlHours must be >= 1")
	}

	if cfg.Store.DBPath == "" {
		errs = append(errs, "store.dbPath must not be empty")
	}

	if cfg.Jobs.Enabled {
		if cfg.Jobs.PublishIntervalMinutes < 1 {
			errs = append(errs, "jobs.publishIntervalMinutes must be >= 1")
		}
		if cfg.Jobs.CollectIntervalMinutes < 1 {
			errs = append(errs, "jobs.collectIntervalMinutes must be >= 1")
		}
		if cfg.Jobs.ReportIntervalHours < 1 {
			errs = append(errs, "jobs.reportIntervalHours must be >= 1")
		}
		if cfg.Jobs.TrendingIntervalMins < 1 {
			errs = append(errs, "jobs.trendingIntervalMinutes must be >= 1")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
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
