package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// --- Validate ---

func TestValidate_ValidConfig(t *testing.T) {
	cfg := Defaults()
	if err := Validate(cfg); err != nil {
		t.Fatalf("expected valid config, got: %v", err)
	}
}

func TestValidate_MaxSteps_Bounds(t *testing.T) {
	cfg := Defaults()
	cfg.Agent.MaxSteps = 0
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for maxSteps=0")
	}
	cfg.Agent.MaxSteps = 51
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for maxSteps=51")
	}
	for _, n := range []int{1, 50} {
		cfg.Agent.MaxSteps = n
		if err := Validate(cfg); err != nil {
			t.Fatalf("maxSteps=%d should be valid: %v", n, err)
		}
	}
}

func TestValidate_InvalidPort(t *testing.T) {
	cfg := Defaults()
	cfg.Server.Port = -1
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for negative port")
	}

	cfg.Server.Port = 70000
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for port > 65535")
	}
}

func TestValidate_CollectsAllErrors(t *testing.T) {
	cfg := Defaults()
	cfg.General.LogLevel = "loud"
	cfg.Server.MaxConcurrentRequests = 0
	cfg.Security.AllowedExtensions = []string{"xlsx"}

	err := Validate(cfg)
	if err == nil {
		t.Fatal("expected validation errors")
	}
	for _, want := range []string{"general.logLevel", "server.maxConcurrentRequests", "must start with a dot"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("expected %q in %v", want, err)
		}
	}
}

func TestValidate_UnknownProviderReferences(t *testing.T) {
	cfg := Defaults()
	cfg.General.FailoverChain = []string{"openai", "missing"}
	if err := Validate(cfg); err == nil || !strings.Contains(err.Error(), "missing") {
		t.Fatalf("expected failover chain error, got %v", err)
	}

	cfg = Defaults()
	cfg.General.DefaultProvider = "nope"
	if err := Validate(cfg); err == nil {
		t.Fatal("expected unknown default provider error")
	}
}

func TestValidate_EnabledProviderNeedsBaseAndModel(t *testing.T) {
	cfg := Defaults()
	cfg.Providers["local"] = ProviderConfig{Enabled: true}
	err := Validate(cfg)
	if err == nil {
		t.Fatal("expected provider errors")
	}
	if !strings.Contains(err.Error(), "providers.local: apiBase") || !strings.Contains(err.Error(), "providers.local: defaultModel") {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestValidate_JanitorIntervalRequiredWithTTL(t *testing.T) {
	cfg := Defaults()
	cfg.Storage.JanitorIntervalMinutes = 0
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error when TTL is set without interval")
	}
	cfg.Storage.SessionTTLHours = 0
	if err := Validate(cfg); err != nil {
		t.Fatalf("no TTL needs no interval: %v", err)
	}
}

// --- Load / Save ---

func TestLoadSave_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")

	original := Defaults()
	original.Agent.MaxSteps = 8

	if err := Save(path, original); err != nil {
		t.Fatalf("save: %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if loaded.Agent.MaxSteps != 8 {
		t.Fatalf("expected 8, got %d", loaded.Agent.MaxSteps)
	}
}

func TestLoadSave_YAMLRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")

	original := Defaults()
	original.Server.Port = 9191
	original.General.FailoverChain = []string{"openai"}
	if err := Save(path, original); err != nil {
		t.Fatalf("save: %v", err)
	}

	data, _ := os.ReadFile(path)
	if !strings.Contains(string(data), "maxConcurrentRequests: 10") {
		t.Fatalf("expected YAML output, got:\n%s", data)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded.Server.Port != 9191 {
		t.Fatalf("expected 9191, got %d", loaded.Server.Port)
	}
	if len(loaded.General.FailoverChain) != 1 {
		t.Fatalf("expected failover chain, got %v", loaded.General.FailoverChain)
	}
}

func TestLoad_PartialYAMLKeepsDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yml")
	content := "agent:\n  maxSteps: 3\nserver:\n  port: 7000\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Agent.MaxSteps != 3 || cfg.Server.Port != 7000 {
		t.Fatalf("overrides not applied: %+v %+v", cfg.Agent, cfg.Server)
	}
	if cfg.Agent.HistoryTurns != 40 || cfg.Server.PreviewRows != 10 {
		t.Fatal("defaults should survive a partial file")
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load("/nonexistent/path/config.json")
	if err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestLoad_InvalidJSON(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.json")
	os.WriteFile(path, []byte("{not json}"), 0o644)

	_, err := Load(path)
	if err == nil {
		t.Fatal("expected error for invalid JSON")
	}
}

func TestLoad_ValidatesConfig(t *testing.T) {
	dir := t.TempDir()
	cfgFile := filepath.Join(dir, "config.json")
	content := `{"agent": {"maxSteps": 0}}`
	if err := os.WriteFile(cfgFile, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	_, err := Load(cfgFile)
	if err == nil {
		t.Fatal("expected validation error for maxSteps=0")
	}
}

func TestLoad_WithEnvVarSubstitution(t *testing.T) {
	t.Setenv("TEST_SHEETAGENT_DATA", "/tmp/test-data")
	t.Setenv("TEST_SHEETAGENT_KEY", "sk-test-123456789")

	dir := t.TempDir()
	cfgFile := filepath.Join(dir, "config.json")
	content := `{
		"general": {"dataDir": "${TEST_SHEETAGENT_DATA}", "logLevel": "${TEST_SHEETAGENT_LEVEL:-debug}", "defaultProvider": "openai"},
		"providers": {"openai": {"enabled": true, "apiBase": "https://api.openai.com/v1", "apiKey": "${TEST_SHEETAGENT_KEY}", "defaultModel": "gpt-4o-mini"}}
	}`
	if err := os.WriteFile(cfgFile, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(cfgFile)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.General.DataDir != "/tmp/test-data" {
		t.Fatalf("expected dataDir '/tmp/test-data', got %q", cfg.General.DataDir)
	}
	if cfg.General.LogLevel != "debug" {
		t.Fatalf("expected default substitution, got %q", cfg.General.LogLevel)
	}
	if cfg.Providers["openai"].APIKey != "sk-test-123456789" {
		t.Fatalf("api key not substituted: %q", cfg.Providers["openai"].APIKey)
	}
}

// --- Accessor ---

func TestGetByPath_ValidPaths(t *testing.T) {
	cfg := Defaults()

	val, err := GetByPath(cfg, "general.defaultProvider")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if val != "openai" {
		t.Fatalf("expected 'openai', got %v", val)
	}

	val, err = GetByPath(cfg, "security.allowedExtensions.0")
	if err != nil {
		t.Fatalf("get array item: %v", err)
	}
	if val != ".xlsx" {
		t.Fatalf("expected '.xlsx', got %v", val)
	}
}

func TestGetByPath_InvalidPath(t *testing.T) {
	cfg := Defaults()
	_, err := GetByPath(cfg, "nonexistent.path")
	if err == nil {
		t.Fatal("expected error for nonexistent path")
	}
}

func TestSetByPath_IntConversion(t *testing.T) {
	cfg := Defaults()
	if err := SetByPath(cfg, "agent.maxSteps", "8"); err != nil {
		t.Fatalf("set int: %v", err)
	}
	if cfg.Agent.MaxSteps != 8 {
		t.Fatalf("expected 8, got %d", cfg.Agent.MaxSteps)
	}
}

func TestSetByPath_BoolConversion(t *testing.T) {
	cfg := Defaults()
	if err := SetByPath(cfg, "metrics.enabled", "false"); err != nil {
		t.Fatalf("set bool: %v", err)
	}
	if cfg.Metrics.Enabled {
		t.Fatal("expected metrics.enabled=false")
	}
}

func TestSetByPath_OmittedFieldCanBeSet(t *testing.T) {
	cfg := Defaults()
	if err := SetByPath(cfg, "general.logFile", "/tmp/sheetagent.log"); err != nil {
		t.Fatalf("set: %v", err)
	}
	if cfg.General.LogFile != "/tmp/sheetagent.log" {
		t.Fatalf("expected log file set, got %q", cfg.General.LogFile)
	}
}

func TestSetByPath_RejectsUnknownKey(t *testing.T) {
	cfg := Defaults()
	if err := SetByPath(cfg, "agent.maxStpes", "8"); err == nil {
		t.Fatal("expected error for misspelled key")
	}
	if err := SetByPath(cfg, "nosuch.key", "1"); err == nil {
		t.Fatal("expected error for unknown section")
	}
	if err := SetByPath(cfg, "", "1"); err == nil {
		t.Fatal("expected error for empty path")
	}
}

func TestSetByPath_InvalidValueLeavesConfigUnchanged(t *testing.T) {
	cfg := Defaults()
	if err := SetByPath(cfg, "agent.maxSteps", "0"); err == nil {
		t.Fatal("expected validation error")
	}
	if cfg.Agent.MaxSteps != 5 {
		t.Fatalf("config should be unchanged, got maxSteps=%d", cfg.Agent.MaxSteps)
	}
}

func TestSetByPath_NewProvider(t *testing.T) {
	cfg := Defaults()
	if err := SetByPath(cfg, "providers.local.apiBase", "http://localhost:11434/v1"); err != nil {
		t.Fatalf("set: %v", err)
	}
	if cfg.Providers["local"].APIBase != "http://localhost:11434/v1" {
		t.Fatalf("provider not added: %+v", cfg.Providers)
	}
}

// --- Sanitize ---

func TestSanitize_MasksSecrets(t *testing.T) {
	cfg := Defaults()
	cfg.Server.AuthToken = "token-1234567890abcdef"
	cfg.Providers["openai"] = ProviderConfig{
		Enabled: true,
		APIKey:  "sk-1234567890abcdefghijklmnop",
	}

	sanitized := Sanitize(cfg)

	if sanitized.Server.AuthToken == cfg.Server.AuthToken {
		t.Fatal("auth token should be masked")
	}
	if sanitized.Providers["openai"].APIKey != "sk-1****mnop" {
		t.Fatalf("API key should be masked, got %q", sanitized.Providers["openai"].APIKey)
	}
	if cfg.Providers["openai"].APIKey != "sk-1234567890abcdefghijklmnop" {
		t.Fatal("original config should not be modified")
	}
}

func TestSanitize_ShortSecret(t *testing.T) {
	cfg := Defaults()
	cfg.Server.AuthToken = "short"
	sanitized := Sanitize(cfg)
	if sanitized.Server.AuthToken != "***" {
		t.Fatalf("short secret should be '***', got %q", sanitized.Server.AuthToken)
	}
}

// --- ListPaths ---

func TestListPaths_ReturnsAllLeaves(t *testing.T) {
	cfg := Defaults()
	paths := ListPaths(cfg)
	if len(paths) == 0 {
		t.Fatal("expected non-empty paths")
	}

	for _, expected := range []string{"general.dataDir", "agent.maxSteps", "storage.sessionTTLHours", "providers.openai.defaultModel"} {
		if _, ok := paths[expected]; !ok {
			t.Errorf("missing expected path: %s", expected)
		}
	}

	keys := SortedPaths(paths)
	for i := 1; i < len(keys); i++ {
		if keys[i-1] > keys[i] {
			t.Fatalf("paths not sorted: %s > %s", keys[i-1], keys[i])
		}
	}
}

// --- ExpandEnvVars ---

func TestExpandEnvVars_SimpleSubstitution(t *testing.T) {
	t.Setenv("TEST_API_KEY", "sk-abc123")
	result := ExpandEnvVars(`{"apiKey": "${TEST_API_KEY}"}`)
	expected := `{"apiKey": "sk-abc123"}`
	if result != expected {
		t.Fatalf("expected %q, got %q", expected, result)
	}
}

func TestExpandEnvVars_DefaultValue(t *testing.T) {
	os.Unsetenv("NONEXISTENT_VAR_12345")
	result := ExpandEnvVars(`{"port": "${NONEXISTENT_VAR_12345:-8080}"}`)
	expected := `{"port": "8080"}`
	if result != expected {
		t.Fatalf("expected %q, got %q", expected, result)
	}
}

func TestExpandEnvVars_SetVarOverridesDefault(t *testing.T) {
	t.Setenv("MY_PORT", "9090")
	result := ExpandEnvVars(`{"port": "${MY_PORT:-8080}"}`)
	expected := `{"port": "9090"}`
	if result != expected {
		t.Fatalf("expected %q, got %q", expected, result)
	}
}

func TestExpandEnvVars_UnsetVarNoDefault_KeepsOriginal(t *testing.T) {
	os.Unsetenv("TOTALLY_UNSET_VAR_XYZ")
	result := ExpandEnvVars(`"${TOTALLY_UNSET_VAR_XYZ}"`)
	expected := `"${TOTALLY_UNSET_VAR_XYZ}"`
	if result != expected {
		t.Fatalf("expected %q, got %q", expected, result)
	}
}

func TestExpandEnvVars_EmptyVarUsesDefault(t *testing.T) {
	t.Setenv("EMPTY_VAR", "")
	result := ExpandEnvVars(`"${EMPTY_VAR:-fallback}"`)
	expected := `"fallback"`
	if result != expected {
		t.Fatalf("expected %q, got %q", expected, result)
	}
}

func TestExpandEnvVars_DollarSignWithoutBraces(t *testing.T) {
	input := `"$HOME is not substituted"`
	result := ExpandEnvVars(input)
	if result != input {
		t.Fatalf("expected no change for bare $VAR, got %q", result)
	}
}

// --- Defaults ---

func TestDefaults_ReturnsValidConfig(t *testing.T) {
	cfg := Defaults()
	if err := Validate(cfg); err != nil {
		t.Fatalf("defaults should be valid: %v", err)
	}
	if cfg.Agent.MaxSteps != 5 {
		t.Fatalf("default step budget should be 5, got %d", cfg.Agent.MaxSteps)
	}
	if cfg.Server.PreviewRows != 10 {
		t.Fatalf("default preview should be 10 rows, got %d", cfg.Server.PreviewRows)
	}
}

func TestSessionDirs(t *testing.T) {
	cfg := Defaults()
	cfg.General.DataDir = "/data"
	if got := cfg.OutputDir("s1"); got != filepath.Join("/data", "outputs", "s1") {
		t.Fatalf("unexpected output dir %s", got)
	}
	if got := cfg.UploadDir("s1"); got != filepath.Join("/data", "uploads", "s1") {
		t.Fatalf("unexpected upload dir %s", got)
	}
}
