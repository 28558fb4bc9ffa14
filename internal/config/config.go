package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	yaml "gopkg.in/yaml.v3"
)

type AppConfig struct {
	HTTPAddr    string `yaml:"http_addr"`
	GinMode     string `yaml:"gin_mode"`
	EnablePprof bool   `yaml:"enable_pprof"`

	RedisURL       string `yaml:"redis_url"`
	DatabaseDriver string `yaml:"database_driver"`
	DatabaseURL    string `yaml:"database_url"`

	JWTSecret     string `yaml:"jwt_secret"`
	AuthVerifyURL string `yaml:"auth_verify_url"`

	PGNBucket          string `yaml:"pgn_bucket"`
	PGNEndpoint        string `yaml:"pgn_endpoint"`
	PGNRegion          string `yaml:"pgn_region"`
	PGNAccessKeyID     string `yaml:"pgn_access_key_id"`
	PGNSecretAccessKey string `yaml:"pgn_secret_access_key"`

	TickIntervalMs int `yaml:"tick_interval_ms"`
	ReadyGraceMs   int `yaml:"ready_grace_ms"`
	ClaimWinMs     int `yaml:"claim_win_ms"`

	MessagesDir    string   `yaml:"messages_dir"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

func (c *AppConfig) TickInterval() time.Duration {
	return time.Duration(c.TickIntervalMs) * time.Millisecond
}

func (c *AppConfig) ReadyGrace() time.Duration {
	return time.Duration(c.ReadyGraceMs) * time.Millisecond
}

func (c *AppConfig) ClaimWin() time.Duration {
	return time.Duration(c.ClaimWinMs) * time.Millisecond
}

func defaults() *AppConfig {
	return &AppConfig{
		HTTPAddr:       ":8080",
		GinMode:        "release",
		DatabaseDriver: "postgres",
		PGNRegion:      "auto",
		TickIntervalMs: 1000,
		ReadyGraceMs:   30_000,
		ClaimWinMs:     50_000,
	}
}

// Load reads .env (if any), the optional CONFIG_FILE yaml overlay, then env overrides.
func Load() (*AppConfig, error) {
	// .env는 선택 사항
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	cfg := defaults()
	if path := strings.TrimSpace(os.Getenv("CONFIG_FILE")); path != "" {
		if err := applyFile(cfg, path); err != nil {
			return nil, err
		}
	}
	applyEnv(cfg)

	if cfg.RedisURL == "" {
		return nil, errors.New("REDIS_URL is required")
	}
	switch cfg.DatabaseDriver {
	case "postgres", "sqlite":
		if cfg.DatabaseURL == "" {
			return nil, errors.New("DATABASE_URL is required")
		}
	case "memory":
	default:
		return nil, fmt.Errorf("unsupported DATABASE_DRIVER: %s", cfg.DatabaseDriver)
	}
	if cfg.TickIntervalMs <= 0 {
		return nil, errors.New("TICK_INTERVAL_MS must be positive")
	}
	return cfg, nil
}

func applyFile(cfg *AppConfig, path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

func applyEnv(cfg *AppConfig) {
	setString(&cfg.HTTPAddr, "HTTP_ADDR")
	setString(&cfg.GinMode, "GIN_MODE")
	setBool(&cfg.EnablePprof, "ENABLE_PPROF")

	setString(&cfg.RedisURL, "REDIS_URL")
	setString(&cfg.DatabaseDriver, "DATABASE_DRIVER")
	setString(&cfg.DatabaseURL, "DATABASE_URL")
	cfg.DatabaseDriver = strings.ToLower(cfg.DatabaseDriver)

	setString(&cfg.JWTSecret, "JWT_SECRET")
	setString(&cfg.AuthVerifyURL, "AUTH_VERIFY_URL")

	setString(&cfg.PGNBucket, "PGN_BUCKET")
	setString(&cfg.PGNEndpoint, "PGN_ENDPOINT")
	setString(&cfg.PGNRegion, "PGN_REGION")
	setString(&cfg.PGNAccessKeyID, "PGN_ACCESS_KEY_ID")
	setString(&cfg.PGNSecretAccessKey, "PGN_SECRET_ACCESS_KEY")

	setPositiveInt(&cfg.TickIntervalMs, "TICK_INTERVAL_MS")
	setPositiveInt(&cfg.ReadyGraceMs, "READY_GRACE_MS")
	setPositiveInt(&cfg.ClaimWinMs, "CLAIM_WIN_MS")

	setString(&cfg.MessagesDir, "MESSAGES_DIR")
	if v := strings.TrimSpace(os.Getenv("WS_ALLOWED_ORIGINS")); v != "" {
		cfg.AllowedOrigins = cfg.AllowedOrigins[:0]
		for _, o := range strings.Split(v, ",") {
			if o = strings.TrimSpace(o); o != "" {
				cfg.AllowedOrigins = append(cfg.AllowedOrigins, o)
			}
		}
	}
}

func setString(dst *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*dst = v
	}
}

func setBool(dst *bool, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setPositiveInt(dst *int, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			*dst = n
		}
	}
}
