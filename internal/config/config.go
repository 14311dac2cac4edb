package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration for sheetagent.
type Config struct {
	General   GeneralConfig             `json:"general" yaml:"general"`
	Agent     AgentConfig               `json:"agent" yaml:"agent"`
	Providers map[string]ProviderConfig `json:"providers" yaml:"providers"`
	Server    ServerConfig              `json:"server" yaml:"server"`
	Storage   StorageConfig             `json:"storage" yaml:"storage"`
	Security  SecurityConfig            `json:"security" yaml:"security"`
	Metrics   MetricsConfig             `json:"metrics" yaml:"metrics"`
}

type GeneralConfig struct {
	DataDir         string   `json:"dataDir" yaml:"dataDir"` // uploads/ and outputs/ live here
	LogLevel        string   `json:"logLevel" yaml:"logLevel"`
	LogFormat       string   `json:"logFormat,omitempty" yaml:"logFormat,omitempty"` // "text" | "json"
	LogFile         string   `json:"logFile,omitempty" yaml:"logFile,omitempty"`
	DefaultProvider string   `json:"defaultProvider" yaml:"defaultProvider"`
	FailoverChain   []string `json:"failoverChain,omitempty" yaml:"failoverChain,omitempty"` // provider failover order
}

// AgentConfig bounds the planning loop.
type AgentConfig struct {
	MaxSteps              int     `json:"maxSteps" yaml:"maxSteps"`         // tool executions per request
	HistoryTurns          int     `json:"historyTurns" yaml:"historyTurns"` // turns of earlier requests replayed to the model
	RequestTimeoutSeconds int     `json:"requestTimeoutSeconds" yaml:"requestTimeoutSeconds"`
	MaxTokens             int     `json:"maxTokens,omitempty" yaml:"maxTokens,omitempty"`
	Temperature           float64 `json:"temperature,omitempty" yaml:"temperature,omitempty"`
	RateLimitPerMinute    int     `json:"rateLimitPerMinute,omitempty" yaml:"rateLimitPerMinute,omitempty"` // 0 = unlimited
	SystemPromptExtra     string  `json:"systemPromptExtra,omitempty" yaml:"systemPromptExtra,omitempty"`
}

type ProviderConfig struct {
	Enabled        bool   `json:"enabled" yaml:"enabled"`
	APIBase        string `json:"apiBase,omitempty" yaml:"apiBase,omitempty"`
	APIKey         string `json:"apiKey,omitempty" yaml:"apiKey,omitempty"`
	DefaultModel   string `json:"defaultModel,omitempty" yaml:"defaultModel,omitempty"`
	TimeoutSeconds int    `json:"timeoutSeconds,omitempty" yaml:"timeoutSeconds,omitempty"`
	MaxRetries     int    `json:"maxRetries,omitempty" yaml:"maxRetries,omitempty"`
	JSONMode       bool   `json:"jsonMode,omitempty" yaml:"jsonMode,omitempty"` // model has no native tool calling
}

type ServerConfig struct {
	Host                  string `json:"host" yaml:"host"`
	Port                  int    `json:"port" yaml:"port"`
	MaxConcurrentRequests int    `json:"maxConcurrentRequests" yaml:"maxConcurrentRequests"`
	MaxUploadMB           int    `json:"maxUploadMB" yaml:"maxUploadMB"`
	PreviewRows           int    `json:"previewRows" yaml:"previewRows"`
	AuthToken             string `json:"authToken,omitempty" yaml:"authToken,omitempty"` // bearer token for /api; empty disables auth
}

type StorageConfig struct {
	DBPath                 string `json:"dbPath" yaml:"dbPath"`
	SessionTTLHours        int    `json:"sessionTTLHours" yaml:"sessionTTLHours"` // 0 = sessions never expire
	JanitorIntervalMinutes int    `json:"janitorIntervalMinutes" yaml:"janitorIntervalMinutes"`
}

type SecurityConfig struct {
	AuditLog          bool     `json:"auditLog" yaml:"auditLog"`
	AllowedExtensions []string `json:"allowedExtensions" yaml:"allowedExtensions"`
	BlockedNames      []string `json:"blockedNames,omitempty" yaml:"blockedNames,omitempty"` // upload name patterns to reject
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Enabled  bool   `json:"enabled" yaml:"enabled"`
	Endpoint string `json:"endpoint" yaml:"endpoint"`
}

// DefaultConfigDir returns the default config directory (~/.sheetagent).
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".sheetagent"
	}
	return filepath.Join(home, ".sheetagent")
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

	cfg.General.DataDir = ExpandPath(cfg.General.DataDir)
	cfg.General.LogFile = ExpandPath(cfg.General.LogFile)
	cfg.Storage.DBPath = ExpandPath(cfg.Storage.DBPath)

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

// Save writes cfg as JSON, or YAML when path ends in .yaml/.yml.
func Save(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
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

// Validate checks that the config has valid values.
func Validate(cfg *Config) error {
	var errs []string

	switch strings.ToLower(cfg.General.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, "general.logLevel must be one of: debug, info, warn, error")
	}
	switch cfg.General.LogFormat {
	case "", "text", "json":
	default:
		errs = append(errs, "general.logFormat must be one of: text, json")
	}
	if cfg.General.DataDir == "" {
		errs = append(errs, "general.dataDir is required")
	}

	if cfg.Agent.MaxSteps < 1 || cfg.Agent.MaxSteps > 50 {
		errs = append(errs, "agent.maxSteps must be between 1 and 50")
	}
	if cfg.Agent.HistoryTurns < 1 {
		errs = append(errs, "agent.historyTurns must be >= 1")
	}
	if cfg.Agent.RequestTimeoutSeconds < 1 {
		errs = append(errs, "agent.requestTimeoutSeconds must be >= 1")
	}
	if cfg.Agent.RateLimitPerMinute < 0 {
		errs = append(errs, "agent.rateLimitPerMinute must be >= 0")
	}

	if cfg.Server.Port < 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 0 and 65535")
	}
	if cfg.Server.MaxConcurrentRequests < 1 || cfg.Server.MaxConcurrentRequests > 100 {
		errs = append(errs, "server.maxConcurrentRequests must be between 1 and 100")
	}
	if cfg.Server.MaxUploadMB < 1 {
		errs = append(errs, "server.maxUploadMB must be >= 1")
	}
	if cfg.Server.PreviewRows < 1 {
		errs = append(errs, "server.previewRows must be >= 1")
	}

	if cfg.Storage.DBPath == "" {
		errs = append(errs, "storage.dbPath is required")
	}
	if cfg.Storage.SessionTTLHours < 0 {
		errs = append(errs, "storage.sessionTTLHours must be >= 0")
	}
	if cfg.Storage.SessionTTLHours > 0 && cfg.Storage.JanitorIntervalMinutes < 1 {
		errs = append(errs, "storage.janitorIntervalMinutes must be >= 1 when sessions expire")
	}

	if len(cfg.Security.AllowedExtensions) == 0 {
		errs = append(errs, "security.allowedExtensions must not be empty")
	}
	for _, ext := range cfg.Security.AllowedExtensions {
		if !strings.HasPrefix(ext, ".") {
			errs = append(errs, fmt.Sprintf("security.allowedExtensions: %q must start with a dot", ext))
		}
	}

	if _, ok := cfg.Providers[cfg.General.DefaultProvider]; !ok {
		errs = append(errs, fmt.Sprintf("general.defaultProvider references unknown provider: %s", cfg.General.DefaultProvider))
	}
	// Validate failover chain references exist in providers.
	for _, provName := range cfg.General.FailoverChain {
		if _, ok := cfg.Providers[provName]; !ok {
			errs = append(errs, fmt.Sprintf("general.failoverChain references unknown provider: %s", provName))
		}
	}
	for name, pc := range cfg.Providers {
		if pc.Enabled && pc.APIBase == "" {
			errs = append(errs, fmt.Sprintf("providers.%s: apiBase is required", name))
		}
		if pc.Enabled && pc.DefaultModel == "" {
			errs = append(errs, fmt.Sprintf("providers.%s: defaultModel is required", name))
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

// UploadDir is where a session's original upload is stored.
func (c *Config) UploadDir(sessionID string) string {
	return filepath.Join(c.General.DataDir, "uploads", sessionID)
}

// OutputDir is where a session's generated workbooks are written.
func (c *Config) OutputDir(sessionID string) string {
	return filepath.Join(c.General.DataDir, "outputs", sessionID)
}
