package config

import (
	"os"
	"path/filepath"
	"testing"
)

// --- Validate ---

func TestValidate_ValidConfig(t *testing.T) {
	cfg := Defaults()
	if err := Validate(cfg); err != nil {
		t.Fatalf("expected valid config, got: %v", err)
	}
}

func TestValidate_InvalidLogLevel(t *testing.T) {
	cfg := Defaults()
	cfg.General.LogLevel = "verbose"
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for unknown log level")
	}
}

func TestValidate_InvalidPort(t *testing.T) {
	cfg := Defaults()
	cfg.WeChat.WebhookPort = -1
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for negative port")
	}

	cfg.WeChat.WebhookPort = 70000
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for port > 65535")
	}
}

func TestValidate_WebhookPathMustBeRooted(t *testing.T) {
	cfg := Defaults()
	cfg.WeChat.WebhookPath = "wechat"
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for relative webhook path")
	}
}

func TestValidate_InvalidCacheConfig(t *testing.T) {
	cfg := Defaults()
	cfg.Cache.MaxTurns = 0
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for maxTurns=0")
	}

	cfg = Defaults()
	cfg.Cache.DialogueTTLDays = 0
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for dialogueTtlDays=0")
	}
}

func TestValidate_EmptyDBPath(t *testing.T) {
	cfg := Defaults()
	cfg.Store.DBPath = ""
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for empty dbPath")
	}
}

func TestValidate_JobIntervalsOnlyWhenEnabled(t *testing.T) {
	cfg := Defaults()
	cfg.Jobs.PublishIntervalMinutes = 0
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for publishIntervalMinutes=0")
	}

	cfg.Jobs.Enabled = false
	if err := Validate(cfg); err != nil {
		t.Fatalf("disabled jobs should skip interval checks: %v", err)
	}
}

// --- Load / Save ---

func TestLoadSave_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")

	original := Defaults()
	original.WeChat.AppID = "wx-test-app"
	original.Store.DBPath = filepath.Join(dir, "oabot.db")

	if err := Save(path, original); err != nil {
		t.Fatalf("save: %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if loaded.WeChat.AppID != "wx-test-app" {
		t.Fatalf("expected 'wx-test-app', got %q", loaded.WeChat.AppID)
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
	content := `{
		"cache": {
			"maxTurns": 0
		}
	}`
	if err := os.WriteFile(cfgFile, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	_, err := Load(cfgFile)
	if err == nil {
		t.Fatal("expected validation error for maxTurns=0")
	}
}

// --- Accessor ---

func TestGetByPath_ValidPaths(t *testing.T) {
	cfg := Defaults()

	val, err := GetByPath(cfg, "wechat.webhookPath")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if val != "/wechat" {
		t.Fatalf("expected '/wechat', got %v", val)
	}
}

func TestGetByPath_InvalidPath(t *testing.T) {
	cfg := Defaults()
	_, err := GetByPath(cfg, "nonexistent.path")
	if err == nil {
		t.Fatal("expected error for nonexistent path")
	}
}

func TestSetByPath_ValidPath(t *testing.T) {
	cfg := Defaults()
	if err := SetByPath(cfg, "provider.model", "claude-opus-4-1"); err != nil {
		t.Fatalf("set: %v", err)
	}
	if cfg.Provider.Model != "claude-opus-4-1" {
		t.Fatalf("expected 'claude-opus-4-1', got %q", cfg.Provider.Model)
	}
}

func TestSetByPath_BoolConversion(t *testing.T) {
	cfg := Defaults()
	if err := SetByPath(cfg, "jobs.enabled", "false"); err != nil {
		t.Fatalf("set bool: %v", err)
	}
	if cfg.Jobs.Enabled {
		t.Fatal("expected jobs.enabled=false")
	}
}

func TestSetByPath_IntConversion(t *testing.T) {
	cfg := Defaults()
	if err := SetByPath(cfg, "cache.maxTurns", "80"); err != nil {
		t.Fatalf("set int: %v", err)
	}
	if cfg.Cache.MaxTurns != 80 {
		t.Fatalf("expected 80, got %d", cfg.Cache.MaxTurns)
	}
}

// --- Sanitize ---

func TestSanitize_MasksSecrets(t *testing.T) {
	cfg := Defaults()
	cfg.WeChat.AppSecret = "wx-secret-1234567890abcdef"
	cfg.Provider.APIKey = "sk-ant-REDACTED"

	sanitized := Sanitize(cfg)

	if sanitized.WeChat.AppSecret == cfg.WeChat.AppSecret {
		t.Fatal("app secret should be masked")
	}
	if sanitized.Provider.APIKey == cfg.Provider.APIKey {
		t.Fatal("API key should be masked")
	}
	// Verify original is untouched
	if cfg.WeChat.AppSecret != "wx-secret-1234567890abcdef" {
		t.Fatal("original config should not be modified")
	}
}

func TestSanitize_ShortSecret(t *testing.T) {
	cfg := Defaults()
	cfg.WeChat.Token = "short"
	sanitized := Sanitize(cfg)
	if sanitized.WeChat.Token != "***" {
		t.Fatalf("short secret should be '***', got %q", sanitized.WeChat.Token)
	}
}

// --- ListPaths ---

func TestListPaths_ReturnsAllLeaves(t *testing.T) {
	cfg := Defaults()
	paths := ListPaths(cfg)
	if len(paths) == 0 {
		t.Fatal("expected non-empty paths")
	}

	for _, expected := range []string{"general.logLevel", "wechat.webhookPort", "cache.maxTurns"} {
		if _, ok := paths[expected]; !ok {
			t.Errorf("missing expected path: %s", expected)
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

func TestLoad_WithEnvVarSubstitution(t *testing.T) {
	t.Setenv("TEST_OABOT_APPID", "wx-from-env")

	dir := t.TempDir()
	cfgFile := filepath.Join(dir, "config.json")
	content := `{
		"wechat": {
			"appId": "${TEST_OABOT_APPID}"
		}
	}`
	if err := os.WriteFile(cfgFile, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(cfgFile)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.WeChat.AppID != "wx-from-env" {
		t.Fatalf("expected appId 'wx-from-env', got %q", cfg.WeChat.AppID)
	}
}

// --- Defaults ---

func TestDefaults_ReturnsValidConfig(t *testing.T) {
	cfg := Defaults()
	if cfg == nil {
		t.Fatal("defaults returned nil")
	}
	if err := Validate(cfg); err != nil {
		t.Fatalf("defaults should be valid: %v", err)
	}
	if cfg.Store.DBPath == "" {
		t.Fatal("dbPath should not be empty")
	}
	if cfg.WeChat.WebhookPath != "/wechat" {
		t.Fatalf("default webhook path should be '/wechat', got %q", cfg.WeChat.WebhookPath)
	}
}
