package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/goccy/go-yaml"
)

type Config struct {
	Host              string `yaml:"host"`
	Port              int    `yaml:"port"`
	WriteTimeout      int    `yaml:"write_timeout"`       // seconds
	TakeoverTimeoutMs int    `yaml:"takeover_timeout_ms"` // milliseconds
	UsersFile         string `yaml:"users_file"`
	PasswordHash      string `yaml:"password_hash"`
	LogDir            string `yaml:"log_dir"`
	ArchivePath       string `yaml:"archive_path"`
	LogLevel          string `yaml:"log_level"`
	LogFormat         string `yaml:"log_format"`
	ControlSocket     string `yaml:"control_socket"`

	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Admin     AdminConfig     `yaml:"admin"`
}

type RateLimitConfig struct {
	MaxMessages   int `yaml:"max_messages"`
	WindowSeconds int `yaml:"window_seconds"`
}

type AdminConfig struct {
	Enabled   bool   `yaml:"enabled"`
	HTTPPort  int    `yaml:"http_port"`
	WSPort    int    `yaml:"ws_port"`
	Password  string `yaml:"password"`
	StaticDir string `yaml:"static_dir"`
}

func Default() *Config {
	return &Config{
		Host:              "0.0.0.0",
		Port:              9999,
		WriteTimeout:      10,
		TakeoverTimeoutMs: 2000,
		UsersFile:         "user_db.json",
		PasswordHash:      "sha256",
		LogDir:            "log",
		ArchivePath:       "log/chat.db",
		LogLevel:          "info",
		LogFormat:         "console",
		ControlSocket:     "/tmp/chatd.sock",
		RateLimit: RateLimitConfig{
			MaxMessages:   5,
			WindowSeconds: 5,
		},
		Admin: AdminConfig{
			Enabled:   true,
			HTTPPort:  8000,
			WSPort:    8001,
			Password:  "admin123",
			StaticDir: "static",
		},
	}
}

// Load reads defaults, then the YAML file at path (if any), then CHAT_*
// environment overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	applyEnv(cfg)
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if host := os.Getenv("CHAT_HOST"); host != "" {
		cfg.Host = host
	}

	envInt("CHAT_PORT", &cfg.Port)
	envInt("CHAT_WRITE_TIMEOUT", &cfg.WriteTimeout)
	envInt("CHAT_TAKEOVER_TIMEOUT_MS", &cfg.TakeoverTimeoutMs)

	if path := os.Getenv("CHAT_USERS_FILE"); path != "" {
		cfg.UsersFile = path
	}

	if hash := os.Getenv("CHAT_PASSWORD_HASH"); hash != "" {
		cfg.PasswordHash = hash
	}

	if dir := os.Getenv("CHAT_LOG_DIR"); dir != "" {
		cfg.LogDir = dir
	}

	// An explicitly empty value disables the archive.
	if path, ok := os.LookupEnv("CHAT_ARCHIVE_PATH"); ok {
		cfg.ArchivePath = path
	}

	if level := os.Getenv("CHAT_LOG_LEVEL"); level != "" {
		cfg.LogLevel = level
	}

	if format := os.Getenv("CHAT_LOG_FORMAT"); format != "" {
		cfg.LogFormat = format
	}

	if path, ok := os.LookupEnv("CHAT_CONTROL_SOCKET"); ok {
		cfg.ControlSocket = path
	}

	envInt("CHAT_RATE_MAX_MESSAGES", &cfg.RateLimit.MaxMessages)
	envInt("CHAT_RATE_WINDOW", &cfg.RateLimit.WindowSeconds)

	if enabled := os.Getenv("CHAT_ADMIN_ENABLED"); enabled != "" {
		if b, err := strconv.ParseBool(enabled); err == nil {
			cfg.Admin.Enabled = b
		}
	}
	envInt("CHAT_ADMIN_HTTP_PORT", &cfg.Admin.HTTPPort)
	envInt("CHAT_ADMIN_WS_PORT", &cfg.Admin.WSPort)

	if pass := os.Getenv("CHAT_ADMIN_PASSWORD"); pass != "" {
		cfg.Admin.Password = pass
	}

	if dir := os.Getenv("CHAT_ADMIN_STATIC_DIR"); dir != "" {
		cfg.Admin.StaticDir = dir
	}
}

func envInt(key string, dst *int) {
	if s := os.Getenv(key); s != "" {
		if v, err := strconv.Atoi(s); err == nil {
			*dst = v
		}
	}
}
