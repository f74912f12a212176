package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Config holds every externally-tunable setting for the pulse engine.
// There is no global singleton: every component that needs it receives
// an explicit *Config (or value) from its constructor.
type Config struct {
	// ReeveHome is the engine's working directory: logs, the telegram
	// offset file, and the sentinel cooldown directory all live under it.
	ReeveHome string

	// DeskPath is the working directory handed to the agent subprocess.
	DeskPath string

	// PulseDBPath is the filesystem path to the SQLite pulse store.
	PulseDBPath string

	APIPort  int
	APIToken string
	APIURL   string

	MaxConcurrent int

	AgentCommand string

	TelegramBotToken string
	TelegramChatID   string

	SentinelBackend string

	LogLevel string

	OtelEnabled     bool
	OtelExporter    string
	OtelServiceName string
}

// defaultConfig returns the config with every field at its spec-mandated
// default, before env overrides are applied.
func defaultConfig() Config {
	return Config{
		ReeveHome:       "~/.reeve",
		DeskPath:        "~/reeve_desk",
		APIPort:         8765,
		APIURL:          "http://localhost:8765",
		MaxConcurrent:   3,
		AgentCommand:    "hapi",
		LogLevel:        "info",
		OtelExporter:    "stdout",
		OtelServiceName: "pulsed",
	}
}

// Load builds the effective Config: defaults, then environment overrides,
// then path normalization, then validation. It also ensures ReeveHome
// exists, matching the original daemon's startup behavior.
func Load() (Config, error) {
	cfg := defaultConfig()
	applyEnvOverrides(&cfg)
	if err := normalize(&cfg); err != nil {
		return cfg, err
	}
	if err := validate(&cfg); err != nil {
		return cfg, err
	}
	if err := os.MkdirAll(cfg.ReeveHome, 0o755); err != nil {
		return cfg, fmt.Errorf("create reeve home %s: %w", cfg.ReeveHome, err)
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("REEVE_HOME"); v != "" {
		cfg.ReeveHome = v
	}
	if v := os.Getenv("REEVE_DESK_PATH"); v != "" {
		cfg.DeskPath = v
	}
	if v := os.Getenv("PULSE_DB_URL"); v != "" {
		cfg.PulseDBPath = v
	}
	if v := os.Getenv("PULSE_API_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.APIPort = n
		}
	}
	if v := os.Getenv("PULSE_API_TOKEN"); v != "" {
		cfg.APIToken = v
	}
	if v := os.Getenv("PULSE_API_URL"); v != "" {
		cfg.APIURL = v
	}
	if v := os.Getenv("PULSE_MAX_CONCURRENT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxConcurrent = n
		}
	}
	if v := os.Getenv("AGENT_COMMAND"); v != "" {
		cfg.AgentCommand = v
	}
	if v := os.Getenv("TELEGRAM_BOT_TOKEN"); v != "" {
		cfg.TelegramBotToken = v
	}
	if v := os.Getenv("TELEGRAM_CHAT_ID"); v != "" {
		cfg.TelegramChatID = v
	}
	if v := os.Getenv("SENTINEL_BACKEND"); v != "" {
		cfg.SentinelBackend = v
	}
	if v := os.Getenv("REEVE_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("OTEL_ENABLED"); v != "" {
		cfg.OtelEnabled = v == "1" || strings.EqualFold(v, "true")
	}
	if v := os.Getenv("OTEL_EXPORTER"); v != "" {
		cfg.OtelExporter = v
	}
	if v := os.Getenv("OTEL_SERVICE_NAME"); v != "" {
		cfg.OtelServiceName = v
	}
}

// normalize expands `~` and env vars in filesystem-shaped settings, and
// derives PulseDBPath from ReeveHome when PULSE_DB_URL was not set.
func normalize(cfg *Config) error {
	home, err := expandPath(cfg.ReeveHome)
	if err != nil {
		return fmt.Errorf("expand REEVE_HOME: %w", err)
	}
	cfg.ReeveHome = home

	desk, err := expandPath(cfg.DeskPath)
	if err != nil {
		return fmt.Errorf("expand REEVE_DESK_PATH: %w", err)
	}
	cfg.DeskPath = desk

	if cfg.PulseDBPath == "" {
		cfg.PulseDBPath = filepath.Join(cfg.ReeveHome, "pulse_queue.db")
	} else {
		dbPath, err := expandPath(cfg.PulseDBPath)
		if err != nil {
			return fmt.Errorf("expand PULSE_DB_URL: %w", err)
		}
		cfg.PulseDBPath = dbPath
	}
	return nil
}

func validate(cfg *Config) error {
	if cfg.APIPort <= 0 || cfg.APIPort > 65535 {
		return fmt.Errorf("invalid PULSE_API_PORT: %d", cfg.APIPort)
	}
	if cfg.MaxConcurrent <= 0 {
		return fmt.Errorf("invalid PULSE_MAX_CONCURRENT: %d", cfg.MaxConcurrent)
	}
	if strings.TrimSpace(cfg.AgentCommand) == "" {
		return fmt.Errorf("AGENT_COMMAND must not be empty")
	}
	return nil
}

// expandPath expands a leading `~` to the user's home directory and any
// $VAR / ${VAR} environment references, then resolves the result to an
// absolute, cleaned path.
func expandPath(path string) (string, error) {
	expanded := os.ExpandEnv(path)
	if expanded == "~" || strings.HasPrefix(expanded, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		expanded = filepath.Join(home, strings.TrimPrefix(expanded, "~"))
	}
	abs, err := filepath.Abs(expanded)
	if err != nil {
		return "", err
	}
	return abs, nil
}

// SentinelDir returns the directory holding per-key cooldown touch files.
func (c Config) SentinelDir() string {
	return filepath.Join(c.ReeveHome, "sentinel")
}

// OffsetFilePath returns the path to the telegram bridge's persisted
// long-poll offset.
func (c Config) OffsetFilePath() string {
	return filepath.Join(c.ReeveHome, "telegram_offset.txt")
}

// LogValue implements slog.LogValuer, producing a debug representation
// with secrets redacted.
func (c Config) LogValue() slog.Value {
	attrs := []slog.Attr{
		slog.String("reeve_home", c.ReeveHome),
		slog.String("desk_path", c.DeskPath),
		slog.String("pulse_db_path", c.PulseDBPath),
		slog.Int("api_port", c.APIPort),
		slog.String("api_url", c.APIURL),
		slog.Int("max_concurrent", c.MaxConcurrent),
		slog.String("agent_command", c.AgentCommand),
		slog.String("api_token", redactedPresence(c.APIToken)),
		slog.String("telegram_bot_token", redactedPresence(c.TelegramBotToken)),
		slog.String("telegram_chat_id", redactedPresence(c.TelegramChatID)),
		slog.String("sentinel_backend", c.SentinelBackend),
		slog.String("log_level", c.LogLevel),
		slog.Bool("otel_enabled", c.OtelEnabled),
		slog.String("otel_exporter", c.OtelExporter),
	}
	return slog.GroupValue(attrs...)
}

func redactedPresence(v string) string {
	if v == "" {
		return "(unset)"
	}
	return "[REDACTED]"
}
