package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"github.com/shopspring/decimal"
)

const prefix = "LST"

const (
	ChainMemory = "memory"
	ChainSolana = "solana"
)

type Config struct {
	Server      ServerConfig
	Database    DatabaseConfig
	Chain       ChainConfig
	Settlement  SettlementConfig
	RateLimit   RateLimitConfig `split_words:"true"`
	Telegram    TelegramConfig
	NATS        NATSConfig
	AdminAPIKey string `split_words:"true"`
	LogLevel    string `split_words:"true" default:"info"`
	LogFormat   string `split_words:"true" default:"text"`
}

type ServerConfig struct {
	Port            string        `default:"8080"`
	ReadTimeout     time.Duration `split_words:"true" default:"10s"`
	WriteTimeout    time.Duration `split_words:"true" default:"30s"`
	ShutdownTimeout time.Duration `split_words:"true" default:"15s"`
}

type DatabaseConfig struct {
	// Path of the sqlite journal; empty keeps all state in memory.
	Path string `default:"./lstapp.db"`
}

type ChainConfig struct {
	Mode            string `default:"memory"`
	RPCEndpoint     string `envconfig:"RPC_ENDPOINT"`
	AuthorityKey    string `split_words:"true"`
	Mint            string
	TokenProgram    string        `split_words:"true"`
	Commitment      string        `default:"confirmed"`
	ConfirmTimeout  time.Duration `split_words:"true" default:"60s"`
	PlatformAddress string        `split_words:"true" default:"platform"`
	FeeReserve      uint64        `split_words:"true" default:"5000000"`
}

type SettlementConfig struct {
	IntentTTL        time.Duration   `envconfig:"INTENT_TTL" default:"10m"`
	DefaultRatio     decimal.Decimal `split_words:"true" default:"1"`
	DedupCapacity    int             `split_words:"true" default:"10000"`
	EventCapacity    int             `split_words:"true" default:"100"`
	BatchConcurrency int             `split_words:"true" default:"4"`
}

type RateLimitConfig struct {
	RequestsPerSecond float64 `split_words:"true" default:"10"`
	BurstSize         int     `split_words:"true" default:"20"`
}

type TelegramConfig struct {
	BotToken string `split_words:"true"`
	ChatID   int64  `envconfig:"CHAT_ID"`
}

type NATSConfig struct {
	URL     string `envconfig:"URL"`
	Subject string `default:"lst.events"`
}

// Load reads an optional .env file, then the LST_* environment.
func Load(envFiles ...string) (*Config, error) {
	if err := godotenv.Load(envFiles...); err != nil && len(envFiles) > 0 {
		return nil, fmt.Errorf("load env file: %w", err)
	}
	var cfg Config
	if err := envconfig.Process(prefix, &cfg); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	var errs []error
	switch c.Chain.Mode {
	case ChainMemory:
	case ChainSolana:
		if c.Chain.RPCEndpoint == "" {
			errs = append(errs, errors.New("LST_CHAIN_RPC_ENDPOINT is required in solana mode"))
		}
		if c.Chain.AuthorityKey == "" {
			errs = append(errs, errors.New("LST_CHAIN_AUTHORITY_KEY is required in solana mode"))
		}
		if c.Chain.Mint == "" {
			errs = append(errs, errors.New("LST_CHAIN_MINT is required in solana mode"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown chain mode %q", c.Chain.Mode))
	}
	if !c.Settlement.DefaultRatio.IsPositive() {
		errs = append(errs, errors.New("default ratio must be positive"))
	}
	if c.Settlement.IntentTTL <= 0 {
		errs = append(errs, errors.New("intent ttl must be positive"))
	}
	if c.Settlement.DedupCapacity <= 0 || c.Settlement.EventCapacity <= 0 {
		errs = append(errs, errors.New("dedup and event capacities must be positive"))
	}
	if (c.Telegram.BotToken == "") != (c.Telegram.ChatID == 0) {
		errs = append(errs, errors.New("telegram bot token and chat id must be set together"))
	}
	if c.RateLimit.RequestsPerSecond <= 0 {
		errs = append(errs, errors.New("rate limit must be positive"))
	}
	return errors.Join(errs...)
}
