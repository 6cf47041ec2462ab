package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
)

type Config struct {
	ListenAddr     string `json:"listen_addr"`
	DataDir        string `json:"data_dir"`
	LogLevel       string `json:"log_level"`
	DiagnosticMode bool   `json:"diagnostic_mode"`
	AutoDraft      bool   `json:"auto_draft"`
	LockTTLSecs    int    `json:"lock_ttl_seconds"`
	OpenAI         struct {
		BaseURL     string `json:"base_url"`
		APIKey      string `json:"api_key"`
		AssistantID string `json:"assistant_id"`
		ReplyModel  string `json:"reply_model"`
	} `json:"openai"`
	Hub struct {
		BaseURL  string `json:"base_url"`
		Secret   string `json:"secret"`
		KommoURL string `json:"kommo_url"`
		BrainURL string `json:"brain_url"`
	} `json:"hub"`
	Redis struct {
		URL string `json:"url"`
	} `json:"redis"`
	Telegram struct {
		Token  string `json:"token"`
		ChatID int64  `json:"chat_id"`
	} `json:"telegram"`
}

func Load(path string) (*Config, error) {
	cfg := &Config{
		ListenAddr:  ":8787",
		DataDir:     filepath.Join(os.Getenv("HOME"), ".concierge"),
		LogLevel:    "info",
		LockTTLSecs: 90,
	}
	cfg.OpenAI.BaseURL = "https://api.openai.com/v1"
	cfg.OpenAI.ReplyModel = "gpt-4o-mini"

	// Load from file if exists, otherwise write defaults
	if _, err := os.Stat(path); err == nil {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, err
		}
	} else if os.IsNotExist(err) {
		if err := writeDefaults(path, cfg); err != nil {
			return nil, err
		}
	}

	// Override from env (highest precedence)
	if apiKey := os.Getenv("OPENAI_API_KEY"); apiKey != "" {
		cfg.OpenAI.APIKey = apiKey
	}
	if baseURL := os.Getenv("OPENAI_BASE_URL"); baseURL != "" {
		cfg.OpenAI.BaseURL = baseURL
	}
	if assistantID := os.Getenv("OPENAI_ASSISTANT_ID"); assistantID != "" {
		cfg.OpenAI.AssistantID = assistantID
	}
	if hubURL := os.Getenv("HUB_BASE_URL"); hubURL != "" {
		cfg.Hub.BaseURL = hubURL
	}
	if secret := os.Getenv("HUB_BRIDGE_SECRET"); secret != "" {
		cfg.Hub.Secret = secret
	}
	if kommoURL := os.Getenv("HUB_BRAIN_KOMMO_URL"); kommoURL != "" {
		cfg.Hub.KommoURL = kommoURL
	}
	if brainURL := os.Getenv("HUB_BRAIN_URL"); brainURL != "" {
		cfg.Hub.BrainURL = brainURL
	}
	if redisURL := os.Getenv("REDIS_URL"); redisURL != "" {
		cfg.Redis.URL = redisURL
	}
	if tgToken := os.Getenv("TELEGRAM_BOT_TOKEN"); tgToken != "" {
		cfg.Telegram.Token = tgToken
	}
	if chatID := os.Getenv("TELEGRAM_CHAT_ID"); chatID != "" {
		if parsed, err := strconv.ParseInt(chatID, 10, 64); err == nil {
			cfg.Telegram.ChatID = parsed
		}
	}
	if diag := os.Getenv("CHAT_DIAGNOSTIC_MODE"); diag != "" {
		cfg.DiagnosticMode = diag == "1" || diag == "true"
	}
	if draft := os.Getenv("AUTO_DRAFT"); draft != "" {
		cfg.AutoDraft = draft == "1" || draft == "true"
	}

	return cfg, nil
}

// Save writes cfg to path atomically, creating the directory if needed.
func Save(path string, cfg *Config) error {
	return writeDefaults(path, cfg)
}

// ToMap converts cfg into a nested map keyed by its JSON tags.
func ToMap(cfg *Config) (map[string]any, error) {
	data, err := json.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return m, nil
}

// ListValues returns the flattened key/value view of cfg. With mask set,
// secret values are shown as "***" plus their last characters.
func ListValues(cfg *Config, mask bool) (map[string]any, error) {
	m, err := ToMap(cfg)
	if err != nil {
		return nil, err
	}
	flat := Flatten(m)
	if mask {
		flat = MaskSecrets(flat)
	}
	return flat, nil
}

// GetValue loads the config at path and returns the value for the
// dot-separated key.
func GetValue(path, key string) (any, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	flat, err := ListValues(cfg, false)
	if err != nil {
		return nil, err
	}
	v, ok := flat[key]
	if !ok {
		return nil, fmt.Errorf("unknown config key %q", key)
	}
	return v, nil
}

// SetValue loads the config at path, sets the dot-separated key to value
// (parsed as bool, number, or string), and saves it back.
func SetValue(path, key, value string) error {
	cfg, err := Load(path)
	if err != nil {
		return err
	}
	m, err := ToMap(cfg)
	if err != nil {
		return err
	}
	flat := Flatten(m)
	flat[key] = parseValue(value)

	data, err := json.Marshal(Unflatten(flat))
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	updated := &Config{}
	if err := json.Unmarshal(data, updated); err != nil {
		return fmt.Errorf("apply config value: %w", err)
	}
	return Save(path, updated)
}

// parseValue interprets a CLI-supplied string as bool, int, float, or
// falls back to string.
func parseValue(value string) any {
	switch value {
	case "true":
		return true
	case "false":
		return false
	}
	if n, err := strconv.ParseInt(value, 10, 64); err == nil {
		return n
	}
	if f, err := strconv.ParseFloat(value, 64); err == nil {
		return f
	}
	return value
}

func writeDefaults(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal default config: %w", err)
	}
	data = append(data, '\n')
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		return fmt.Errorf("write default config: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename default config: %w", err)
	}
	return nil
}
