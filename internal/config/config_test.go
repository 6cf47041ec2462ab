package config

import (
	"os"
	"path/filepath"
	"testing"
)

func tempConfigPath(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	return filepath.Join(dir, "config.json")
}

func writeTestConfig(t *testing.T, path string, cfg *Config) {
	t.Helper()
	if err := Save(path, cfg); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
}

func TestSave_ReloadRoundTrip(t *testing.T) {
	path := tempConfigPath(t)

	original := &Config{
		ListenAddr:  ":9999",
		DataDir:     "/tmp/test-data",
		LogLevel:    "debug",
		LockTTLSecs: 45,
	}
	original.OpenAI.BaseURL = "https://api.openai.com/v1"
	original.OpenAI.APIKey = "sk-test-round-trip"
	original.OpenAI.AssistantID = "asst_test"
	original.OpenAI.ReplyModel = "gpt-4o-mini"
	original.Hub.BaseURL = "https://hub.example.com"
	original.Hub.Secret = "bridge-secret-456"
	original.Telegram.Token = "bot-token-789"

	if err := Save(path, original); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("config file does not exist after Save: %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if loaded.DataDir != original.DataDir {
		t.Errorf("data_dir = %q, want %q", loaded.DataDir, original.DataDir)
	}
	if loaded.ListenAddr != original.ListenAddr {
		t.Errorf("listen_addr = %q, want %q", loaded.ListenAddr, original.ListenAddr)
	}
	if loaded.OpenAI.AssistantID != original.OpenAI.AssistantID {
		t.Errorf("assistant_id = %q", loaded.OpenAI.AssistantID)
	}
	if loaded.Hub.Secret != original.Hub.Secret {
		t.Errorf("hub.secret = %q", loaded.Hub.Secret)
	}
	if loaded.LockTTLSecs != 45 {
		t.Errorf("lock_ttl_seconds = %d", loaded.LockTTLSecs)
	}
}

func TestLoad_WritesDefaults(t *testing.T) {
	path := tempConfigPath(t)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.ListenAddr != ":8787" {
		t.Errorf("default listen_addr = %q", cfg.ListenAddr)
	}
	if cfg.OpenAI.BaseURL != "https://api.openai.com/v1" {
		t.Errorf("default base_url = %q", cfg.OpenAI.BaseURL)
	}
	if _, err := os.Stat(path); err != nil {
		t.Errorf("defaults not written: %v", err)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	path := tempConfigPath(t)
	t.Setenv("OPENAI_API_KEY", "sk-from-env")
	t.Setenv("OPENAI_ASSISTANT_ID", "asst_env")
	t.Setenv("HUB_BRIDGE_SECRET", "env-secret")
	t.Setenv("CHAT_DIAGNOSTIC_MODE", "1")
	t.Setenv("AUTO_DRAFT", "true")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.OpenAI.APIKey != "sk-from-env" {
		t.Errorf("api_key = %q", cfg.OpenAI.APIKey)
	}
	if cfg.OpenAI.AssistantID != "asst_env" {
		t.Errorf("assistant_id = %q", cfg.OpenAI.AssistantID)
	}
	if cfg.Hub.Secret != "env-secret" {
		t.Errorf("hub.secret = %q", cfg.Hub.Secret)
	}
	if !cfg.DiagnosticMode || !cfg.AutoDraft {
		t.Errorf("flags = diag:%v draft:%v", cfg.DiagnosticMode, cfg.AutoDraft)
	}
}

func TestToMap(t *testing.T) {
	cfg := &Config{
		DataDir:  "/tmp/test",
		LogLevel: "debug",
	}
	cfg.OpenAI.AssistantID = "asst_1"
	cfg.OpenAI.ReplyModel = "gpt-4o-mini"

	m, err := ToMap(cfg)
	if err != nil {
		t.Fatalf("ToMap failed: %v", err)
	}
	if m["data_dir"] != "/tmp/test" {
		t.Errorf("data_dir = %v", m["data_dir"])
	}
	openai, ok := m["openai"].(map[string]any)
	if !ok {
		t.Fatalf("openai is %T", m["openai"])
	}
	if openai["assistant_id"] != "asst_1" {
		t.Errorf("assistant_id = %v", openai["assistant_id"])
	}
}

func TestListValues_WithMask(t *testing.T) {
	cfg := &Config{LogLevel: "info"}
	cfg.OpenAI.APIKey = "sk-secret-key-1234"
	cfg.Hub.Secret = "bridge-key-5678"
	cfg.Telegram.Token = "bot-token-abcd"

	flat, err := ListValues(cfg, true)
	if err != nil {
		t.Fatalf("ListValues failed: %v", err)
	}
	if flat["openai.api_key"] != "***1234" {
		t.Errorf("openai.api_key = %v", flat["openai.api_key"])
	}
	if flat["hub.secret"] != "***5678" {
		t.Errorf("hub.secret = %v", flat["hub.secret"])
	}
	if flat["telegram.token"] != "***abcd" {
		t.Errorf("telegram.token = %v", flat["telegram.token"])
	}
	if flat["log_level"] != "info" {
		t.Errorf("log_level = %v", flat["log_level"])
	}
}

func TestGetValue_ExistingKey(t *testing.T) {
	path := tempConfigPath(t)
	cfg := &Config{LogLevel: "debug"}
	cfg.OpenAI.ReplyModel = "gpt-4o"
	writeTestConfig(t, path, cfg)

	v, err := GetValue(path, "log_level")
	if err != nil {
		t.Fatalf("GetValue failed: %v", err)
	}
	if v != "debug" {
		t.Errorf("log_level = %v", v)
	}

	v, err = GetValue(path, "openai.reply_model")
	if err != nil {
		t.Fatalf("GetValue failed: %v", err)
	}
	if v != "gpt-4o" {
		t.Errorf("reply_model = %v", v)
	}
}

func TestGetValue_UnknownKey(t *testing.T) {
	path := tempConfigPath(t)
	writeTestConfig(t, path, &Config{})
	if _, err := GetValue(path, "no.such.key"); err == nil {
		t.Fatal("expected error for unknown key")
	}
}

func TestSetValue_String(t *testing.T) {
	path := tempConfigPath(t)
	writeTestConfig(t, path, &Config{LogLevel: "info"})

	if err := SetValue(path, "openai.reply_model", "gpt-4o"); err != nil {
		t.Fatalf("SetValue failed: %v", err)
	}
	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if loaded.OpenAI.ReplyModel != "gpt-4o" {
		t.Errorf("reply_model = %q", loaded.OpenAI.ReplyModel)
	}
	if loaded.LogLevel != "info" {
		t.Errorf("unrelated key changed: log_level = %q", loaded.LogLevel)
	}
}

func TestSetValue_NumericAndBool(t *testing.T) {
	path := tempConfigPath(t)
	writeTestConfig(t, path, &Config{})

	if err := SetValue(path, "lock_ttl_seconds", "30"); err != nil {
		t.Fatalf("SetValue failed: %v", err)
	}
	if err := SetValue(path, "auto_draft", "true"); err != nil {
		t.Fatalf("SetValue failed: %v", err)
	}
	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if loaded.LockTTLSecs != 30 {
		t.Errorf("lock_ttl_seconds = %d", loaded.LockTTLSecs)
	}
	if !loaded.AutoDraft {
		t.Error("auto_draft should be true")
	}
}
