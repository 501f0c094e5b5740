package config

import (
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
	"github.com/joho/godotenv"
)

// Config holds the application configuration
type Config struct {
	Env         string `yaml:"env" env:"ENV" env-default:"local"`
	Host        string `yaml:"host" env:"HOST" env-default:"0.0.0.0"`
	Port        int    `yaml:"port" env:"PORT" env-default:"8000"`
	StoragePath string `yaml:"storage_path" env:"DATABASE_PATH" env-default:"data/rick_terminal.db"`
	StaticDir   string `yaml:"static_dir" env:"STATIC_DIR" env-default:"static"`

	Auth     AuthConfig     `yaml:"auth"`
	Broker   BrokerConfig   `yaml:"broker"`
	Session  SessionConfig  `yaml:"session"`
	Feed     FeedConfig     `yaml:"feed"`
	Scanner  ScannerConfig  `yaml:"scanner"`
	Notify   NotifyConfig   `yaml:"notify"`
	GRPCPort int            `yaml:"grpc_health_port" env:"GRPC_HEALTH_PORT" env-default:"0"`
	NatsURL  string         `yaml:"nats_url" env:"NATS_URL"`
}

type AuthConfig struct {
	SecretKey          string `yaml:"secret_key" env:"SECRET_KEY" env-default:"change-me"`
	TokenTTLMinutes    int    `yaml:"token_ttl_minutes" env:"ACCESS_TOKEN_EXPIRE_MINUTES" env-default:"60"`
	EncryptionSecret   string `yaml:"encryption_secret" env:"ENCRYPTION_SECRET"`
	LoginRatePerMinute int    `yaml:"login_rate_per_minute" env:"LOGIN_RATE_PER_MINUTE" env-default:"30"`
}

type BrokerConfig struct {
	Kind               string `yaml:"kind" env:"BROKER" env-default:"paper"`
	BinanceAPIKey      string `yaml:"binance_api_key" env:"BINANCE_API_KEY"`
	BinanceAPISecret   string `yaml:"binance_api_secret" env:"BINANCE_API_SECRET"`
	BinanceTestnet     bool   `yaml:"binance_testnet" env:"BINANCE_TESTNET" env-default:"false"`
	PaperTwoFactorCode string `yaml:"paper_2fa_code" env:"PAPER_2FA_CODE"`
}

type SessionConfig struct {
	IdleTimeout       time.Duration `yaml:"idle_timeout" env:"SESSION_IDLE_TIMEOUT" env-default:"30m"`
	CleanupInterval   time.Duration `yaml:"cleanup_interval" env:"SESSION_CLEANUP_INTERVAL" env-default:"60s"`
	RefreshInterval   time.Duration `yaml:"refresh_interval" env:"SESSION_REFRESH_INTERVAL" env-default:"25m"`
	ReconnectMin      time.Duration `yaml:"reconnect_min" env:"RECONNECT_MIN" env-default:"1s"`
	ReconnectMax      time.Duration `yaml:"reconnect_max" env:"RECONNECT_MAX" env-default:"30s"`
	ReconnectAttempts int           `yaml:"reconnect_attempts" env:"RECONNECT_ATTEMPTS" env-default:"8"`
	TickBuffer        int           `yaml:"tick_buffer" env:"TICK_BUFFER" env-default:"256"`
}

type FeedConfig struct {
	Throttle time.Duration `yaml:"throttle" env:"FEED_THROTTLE" env-default:"200ms"`
}

type ScannerConfig struct {
	DefaultTimeframe   int           `yaml:"default_timeframe" env:"DEFAULT_TIMEFRAME" env-default:"5"`
	DefaultSensitivity string        `yaml:"default_sensitivity" env:"DEFAULT_SENSITIVITY" env-default:"moderate"`
	MaxConcurrentPairs int           `yaml:"max_concurrent_pairs" env:"MAX_CONCURRENT_PAIRS" env-default:"10"`
	Interval           time.Duration `yaml:"interval" env:"SCAN_INTERVAL" env-default:"30s"`
	Workers            int           `yaml:"workers" env:"SCAN_WORKERS" env-default:"5"`
	PairTimeout        time.Duration `yaml:"pair_timeout" env:"SCAN_PAIR_TIMEOUT" env-default:"10s"`
}

type NotifyConfig struct {
	TelegramToken       string `yaml:"telegram_bot_token" env:"TELEGRAM_BOT_TOKEN"`
	TelegramChatID      int64  `yaml:"telegram_chat_id" env:"TELEGRAM_CHAT_ID"`
	FirebaseCredentials string `yaml:"firebase_credentials" env:"FIREBASE_CREDENTIALS" env-default:"serviceAccountKey.json"`
}

// TokenTTL is the lifetime of issued session JWTs.
func (c *Config) TokenTTL() time.Duration {
	return time.Duration(c.Auth.TokenTTLMinutes) * time.Minute
}

// Addr is the HTTP listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Load reads .env (if present), then either CONFIG_PATH or the process environment.
func Load() (*Config, error) {
	const op = "config.Load"

	if err := godotenv.Load(); err != nil {
		log.Println("⚠️  Warning: .env file not found. Relying on system environment variables.")
	}

	var cfg Config
	if path := os.Getenv("CONFIG_PATH"); path != "" {
		if _, err := os.Stat(path); err != nil {
			return nil, fmt.Errorf("%s: config file %q: %w", op, path, err)
		}
		if err := cleanenv.ReadConfig(path, &cfg); err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
	} else if err := cleanenv.ReadEnv(&cfg); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	cfg.Broker.BinanceAPIKey = SecureLoad(cfg.Broker.BinanceAPIKey)
	cfg.Broker.BinanceAPISecret = SecureLoad(cfg.Broker.BinanceAPISecret)
	if cfg.Broker.BinanceAPISecret == "" {
		cfg.Broker.BinanceAPISecret = SecureLoad(os.Getenv("BINANCE_SECRET_KEY"))
	}
	if cfg.Auth.EncryptionSecret == "" {
		cfg.Auth.EncryptionSecret = cfg.Auth.SecretKey
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	if cfg.Auth.SecretKey == "change-me" {
		log.Println("⚠️  SECRET_KEY is the default value. Set it before exposing the server.")
	}
	if cfg.Broker.Kind == "binance" && (cfg.Broker.BinanceAPIKey == "" || cfg.Broker.BinanceAPISecret == "") {
		log.Println("⚠️  Binance credentials missing. Balance and keepalive run in read-only mode.")
	}

	return &cfg, nil
}

func (c *Config) validate() error {
	switch c.Broker.Kind {
	case "paper", "binance":
	default:
		return fmt.Errorf("unknown broker %q", c.Broker.Kind)
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	if c.Scanner.DefaultTimeframe < 1 || c.Scanner.DefaultTimeframe > 60 {
		return fmt.Errorf("default timeframe must be between 1 and 60")
	}
	if c.Scanner.Workers < 1 {
		c.Scanner.Workers = 1
	}
	if c.Session.ReconnectAttempts < 1 {
		c.Session.ReconnectAttempts = 1
	}
	return nil
}

// SecureLoad strips quotes and stray whitespace that often sneak into pasted keys.
func SecureLoad(raw string) string {
	val := strings.TrimSpace(raw)
	val = strings.ReplaceAll(val, "\"", "")
	val = strings.ReplaceAll(val, "'", "")
	val = strings.ReplaceAll(val, "\n", "")
	val = strings.ReplaceAll(val, "\r", "")
	return val
}
