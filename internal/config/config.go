package config

import (
	"errors"
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strings"

	"github.com/basket/lifeline/internal/otel"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// EnvPrefix is the prefix for environment overrides, e.g. LIFELINE_BIND_ADDR.
const EnvPrefix = "LIFELINE"

// Thresholds are balance ceilings, in the oracle's unit. A balance below Critical
// maps to the critical tier, below LowCompute to low_compute, below Normal to normal;
// anything at or above Normal is high.
type Thresholds struct {
	Critical   float64 `yaml:"critical" envconfig:"CRITICAL" validate:"gte=0"`
	LowCompute float64 `yaml:"low_compute" envconfig:"LOW_COMPUTE" validate:"gtefield=Critical"`
	Normal     float64 `yaml:"normal" envconfig:"NORMAL" validate:"gtefield=LowCompute"`
}

// OracleSource describes one balance oracle. Kind "" means not configured.
type OracleSource struct {
	Kind           string            `yaml:"kind" envconfig:"KIND" validate:"omitempty,oneof=static http"`
	Static         float64           `yaml:"static" envconfig:"STATIC"`
	URL            string            `yaml:"url" envconfig:"URL" validate:"required_if=Kind http,omitempty,url"`
	Field          string            `yaml:"field" envconfig:"FIELD"`
	TimeoutSeconds int               `yaml:"timeout_seconds" envconfig:"TIMEOUT_SECONDS" validate:"gte=0"`
	Headers        map[string]string `yaml:"headers" envconfig:"HEADERS"`
}

type OracleConfig struct {
	Primary   OracleSource `yaml:"primary" envconfig:"PRIMARY"`
	Secondary OracleSource `yaml:"secondary" envconfig:"SECONDARY"`
}

type TelegramConfig struct {
	Enabled    bool    `yaml:"enabled" envconfig:"ENABLED"`
	Token      string  `yaml:"token" envconfig:"TOKEN" validate:"required_if=Enabled true"`
	AllowedIDs []int64 `yaml:"allowed_ids" envconfig:"ALLOWED_IDS"`
}

type Config struct {
	HomeDir string `yaml:"-" ignored:"true"`

	DBPath              string   `yaml:"db_path" envconfig:"DB_PATH"`
	LogLevel            string   `yaml:"log_level" envconfig:"LOG_LEVEL" validate:"oneof=debug info warn warning error"`
	BindAddr            string   `yaml:"bind_addr" envconfig:"BIND_ADDR"`
	AllowOrigins        []string `yaml:"allow_origins" envconfig:"ALLOW_ORIGINS"`
	TickIntervalSeconds int      `yaml:"tick_interval_seconds" envconfig:"TICK_INTERVAL_SECONDS" validate:"gte=1"`
	InstanceID          string   `yaml:"instance_id" envconfig:"INSTANCE_ID"`

	// AuthToken guards the operator API. Empty leaves it open, which is only safe on loopback.
	AuthToken         string `yaml:"auth_token" envconfig:"AUTH_TOKEN"`
	WakeRatePerMinute int    `yaml:"wake_rate_per_minute" envconfig:"WAKE_RATE_PER_MINUTE" validate:"gte=0"`

	Thresholds              Thresholds `yaml:"thresholds" envconfig:"THRESHOLDS"`
	ZeroBalanceGraceSeconds int        `yaml:"zero_balance_grace_seconds" envconfig:"ZERO_BALANCE_GRACE_SECONDS" validate:"gte=0"`

	Oracle   OracleConfig   `yaml:"oracle" envconfig:"ORACLE"`
	Telegram TelegramConfig `yaml:"telegram" envconfig:"TELEGRAM"`
	OTel     otel.Config    `yaml:"otel" envconfig:"OTEL"`

	// RetentionHistoryDays purges run history older than this many days. 0 keeps everything.
	RetentionHistoryDays int `yaml:"retention_history_days" envconfig:"RETENTION_HISTORY_DAYS" validate:"gte=0"`

	NeedsInit bool `yaml:"-" ignored:"true"`
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// SchedulePath returns the path to heartbeat.yaml within the given home directory.
func SchedulePath(homeDir string) string {
	return filepath.Join(homeDir, "heartbeat.yaml")
}

// Fingerprint returns a stable hash of the settings that change scheduling behavior.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "tick=%d|crit=%g|low=%g|normal=%g|grace=%d|oracle=%s/%s",
		c.TickIntervalSeconds, c.Thresholds.Critical, c.Thresholds.LowCompute, c.Thresholds.Normal,
		c.ZeroBalanceGraceSeconds, c.Oracle.Primary.Kind, c.Oracle.Secondary.Kind)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

func defaultConfig() Config {
	return Config{
		LogLevel:            "info",
		BindAddr:            "127.0.0.1:18790",
		TickIntervalSeconds: 60,
		WakeRatePerMinute:   30,
		Thresholds: Thresholds{
			Critical:   1000,
			LowCompute: 5000,
			Normal:     10000,
		},
		ZeroBalanceGraceSeconds: 3600,
		RetentionHistoryDays:    30,
	}
}

func HomeDir() string {
	if override := os.Getenv("LIFELINE_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".lifeline")
}

func Load() (Config, error) {
	return LoadFrom(HomeDir())
}

// LoadFrom layers config.yaml, <home>/.env and LIFELINE_* environment variables over
// the defaults, then validates the result.
func LoadFrom(homeDir string) (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = homeDir

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create lifeline home: %w", err)
	}

	data, err := os.ReadFile(ConfigPath(cfg.HomeDir))
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return cfg, fmt.Errorf("read config.yaml: %w", err)
		}
		cfg.NeedsInit = true
	} else if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	// Existing environment variables win over .env entries.
	if err := godotenv.Load(filepath.Join(cfg.HomeDir, ".env")); err != nil && !errors.Is(err, os.ErrNotExist) {
		return cfg, fmt.Errorf("load .env: %w", err)
	}
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return cfg, fmt.Errorf("process environment: %w", err)
	}

	normalize(&cfg)
	if err := validator.New().Struct(cfg); err != nil {
		return cfg, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

func normalize(cfg *Config) {
	if cfg.DBPath == "" {
		cfg.DBPath = filepath.Join(cfg.HomeDir, "lifeline.db")
	}
	cfg.LogLevel = strings.ToLower(strings.TrimSpace(cfg.LogLevel))
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.BindAddr == "" {
		cfg.BindAddr = "127.0.0.1:18790"
	}
	if cfg.TickIntervalSeconds <= 0 {
		cfg.TickIntervalSeconds = 60
	}
	for _, src := range []*OracleSource{&cfg.Oracle.Primary, &cfg.Oracle.Secondary} {
		src.Kind = strings.ToLower(strings.TrimSpace(src.Kind))
		if src.Kind == "http" && src.Field == "" {
			src.Field = "balance"
		}
		if src.Kind == "http" && src.TimeoutSeconds == 0 {
			src.TimeoutSeconds = 10
		}
	}
}

// WriteDefault writes a starter config.yaml when none exists.
func WriteDefault(homeDir string) error {
	path := ConfigPath(homeDir)
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	cfg := defaultConfig()
	cfg.Oracle.Primary = OracleSource{Kind: "static", Static: 0}
	out, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config.yaml: %w", err)
	}
	if err := os.MkdirAll(homeDir, 0o755); err != nil {
		return fmt.Errorf("create lifeline home: %w", err)
	}
	return os.WriteFile(path, out, 0o644)
}
