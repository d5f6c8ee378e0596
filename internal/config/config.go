// Package config defines the top-level configuration of the brokering core
// and provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by MODULEND_* environment variables.
type Config struct {
	Protocol ProtocolConfig `toml:"protocol"`
	Wallet   WalletConfig   `toml:"wallet"`
	Postgres PostgresConfig `toml:"postgres"`
	Redis    RedisConfig    `toml:"redis"`
	S3       S3Config       `toml:"s3"`
	Custody  CustodyConfig  `toml:"custody"`
	Assessor AssessorConfig `toml:"assessor"`
	Server   ServerConfig   `toml:"server"`
	Notify   NotifyConfig   `toml:"notify"`
	Archive  ArchiveConfig  `toml:"archive"`
	Mode     string         `toml:"mode"`
	LogLevel string         `toml:"log_level"`
}

// ProtocolConfig identifies the deployment the core signs for.
type ProtocolConfig struct {
	ChainID int64 `toml:"chain_id"`
	// Address, when set, must match the address of the configured wallet key.
	Address string `toml:"address"`
	// LockTTL bounds how long a kick or exit holds a position lock.
	LockTTL duration `toml:"lock_ttl"`
}

// WalletConfig locates the protocol signing key.
type WalletConfig struct {
	PrivateKey       string `toml:"private_key"`
	EncryptedKeyPath string `toml:"encrypted_key_path"`
	KeyPassword      string `toml:"key_password"`
}

// PostgresConfig holds PostgreSQL connection parameters. When disabled the
// publication log and audit trail live in memory.
type PostgresConfig struct {
	Enabled       bool   `toml:"enabled"`
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// RedisConfig holds Redis connection parameters. When disabled locks, the
// signal bus, prices and rate limits are process-local.
type RedisConfig struct {
	Enabled    bool   `toml:"enabled"`
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	PoolSize   int    `toml:"pool_size"`
	MaxRetries int    `toml:"max_retries"`
	TLSEnabled bool   `toml:"tls_enabled"`
	KeyPrefix  string `toml:"key_prefix"`
	// BlueprintCacheTTL is the read-through cache lifetime of published
	// blueprints. Zero disables the cache.
	BlueprintCacheTTL duration `toml:"blueprint_cache_ttl"`
}

// S3Config holds S3-compatible object storage parameters used by the
// archiver.
type S3Config struct {
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
	Prefix         string `toml:"prefix"`
}

// Custody modes.
const (
	CustodySandbox = "sandbox"
	CustodyRemote  = "remote"
)

// CustodyConfig selects who hosts terminals and accounts: the in-process
// sandbox ledger or a remote custody service.
type CustodyConfig struct {
	Mode    string           `toml:"mode"`
	BaseURL string           `toml:"base_url"`
	Timeout duration         `toml:"timeout"`
	Sandbox []SandboxAccount `toml:"sandbox_accounts"`
}

// SandboxAccount seeds one ledger account in sandbox mode. Params is the
// account's opaque parameter string and Balances maps asset addresses to
// decimal amounts.
type SandboxAccount struct {
	Params   string            `toml:"params"`
	Owner    string            `toml:"owner"`
	Balances map[string]string `toml:"balances"`
}

// AssessorConfig tunes the price-based liquidation assessor.
type AssessorConfig struct {
	// LiquidationRatio in RatioFactor units (11000 = 110%).
	LiquidationRatio uint32   `toml:"liquidation_ratio"`
	MaxPriceAge      duration `toml:"max_price_age"`
}

// ArchiveConfig controls the periodic copy of published Agreements to S3.
type ArchiveConfig struct {
	Enabled  bool     `toml:"enabled"`
	Interval duration `toml:"interval"`
	// Lookback is how far behind now each run starts.
	Lookback duration `toml:"lookback"`
}

// duration wraps time.Duration so it can be unmarshalled from TOML strings
// like "5m" or "1h30m".
type duration struct {
	time.Duration
}

func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// ServerConfig holds HTTP API server parameters.
type ServerConfig struct {
	Enabled     bool     `toml:"enabled"`
	Port        int      `toml:"port"`
	CORSOrigins []string `toml:"cors_origins"`
	// MaxSkew bounds the age of a signed request's timestamp.
	MaxSkew    duration `toml:"max_skew"`
	RateLimit  int      `toml:"rate_limit"`
	RateWindow duration `toml:"rate_window"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
	// ThrottleLimit caps notifications per event per ThrottleWindow; 0
	// disables throttling.
	ThrottleLimit  int      `toml:"throttle_limit"`
	ThrottleWindow duration `toml:"throttle_window"`
}

// Defaults returns a Config populated with sensible default values. TOML
// decoding is applied on top of these defaults so that any field omitted from
// the file retains its default.
func Defaults() Config {
	return Config{
		Protocol: ProtocolConfig{
			ChainID: 1,
			LockTTL: duration{30 * time.Second},
		},
		Postgres: PostgresConfig{
			Enabled:       false,
			Host:          "localhost",
			Port:          5432,
			Database:      "modulend",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Enabled:           false,
			Addr:              "localhost:6379",
			PoolSize:          20,
			MaxRetries:        3,
			KeyPrefix:         "modulend",
			BlueprintCacheTTL: duration{10 * time.Minute},
		},
		S3: S3Config{
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "modulend-archive",
			ForcePathStyle: true,
		},
		Custody: CustodyConfig{
			Mode:    CustodySandbox,
			Timeout: duration{15 * time.Second},
		},
		Assessor: AssessorConfig{
			LiquidationRatio: 11000,
			MaxPriceAge:      duration{5 * time.Minute},
		},
		Archive: ArchiveConfig{
			Enabled:  false,
			Interval: duration{time.Hour},
			Lookback: duration{24 * time.Hour},
		},
		Server: ServerConfig{
			Enabled:     true,
			Port:        8000,
			CORSOrigins: []string{"http://localhost:3000", "http://localhost:5173"},
			MaxSkew:     duration{5 * time.Minute},
			RateLimit:   120,
			RateWindow:  duration{time.Minute},
		},
		Notify: NotifyConfig{
			Events:         []string{"liquidation_kicked", "position_exited"},
			ThrottleLimit:  30,
			ThrottleWindow: duration{time.Minute},
		},
		Mode:     "server",
		LogLevel: "info",
	}
}

// validModes enumerates the recognised run modes.
var validModes = map[string]bool{
	"server":  true,
	"archive": true,
	"full":    true,
}

// validLogLevels enumerates the recognised log levels.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Validate checks the configuration for logical errors and returns a combined
// error describing all problems found. A nil return means the config is valid.
func (c *Config) Validate() error {
	var errs []string

	mode := strings.ToLower(c.Mode)
	if !validModes[mode] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: server, archive, full)", c.Mode))
	}

	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	// Protocol
	if c.Protocol.ChainID <= 0 {
		errs = append(errs, "protocol: chain_id must be positive")
	}
	if c.Protocol.Address != "" && !common.IsHexAddress(c.Protocol.Address) {
		errs = append(errs, fmt.Sprintf("protocol: address %q is not a hex address", c.Protocol.Address))
	}
	if c.Protocol.LockTTL.Duration <= 0 {
		errs = append(errs, "protocol: lock_ttl must be > 0")
	}

	// Wallet
	if c.Wallet.PrivateKey == "" && c.Wallet.EncryptedKeyPath == "" {
		errs = append(errs, "wallet: either private_key or encrypted_key_path must be set")
	}
	if c.Wallet.EncryptedKeyPath != "" && c.Wallet.KeyPassword == "" {
		errs = append(errs, "wallet: key_password is required when encrypted_key_path is set")
	}

	// Postgres
	if c.Postgres.Enabled {
		if strings.TrimSpace(c.Postgres.DSN) == "" {
			if c.Postgres.Host == "" {
				errs = append(errs, "postgres: host must not be empty (or set postgres.dsn)")
			}
			if c.Postgres.Port <= 0 || c.Postgres.Port > 65535 {
				errs = append(errs, fmt.Sprintf("postgres: port must be 1-65535, got %d", c.Postgres.Port))
			}
			if c.Postgres.Database == "" {
				errs = append(errs, "postgres: database must not be empty")
			}
		}
		if c.Postgres.PoolMaxConns < 1 {
			errs = append(errs, "postgres: pool_max_conns must be >= 1")
		}
		if c.Postgres.PoolMinConns < 0 {
			errs = append(errs, "postgres: pool_min_conns must be >= 0")
		}
		if c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
			errs = append(errs, "postgres: pool_min_conns must not exceed pool_max_conns")
		}
	}

	// Redis
	if c.Redis.Enabled {
		if c.Redis.Addr == "" {
			errs = append(errs, "redis: addr must not be empty")
		}
		if c.Redis.PoolSize < 1 {
			errs = append(errs, "redis: pool_size must be >= 1")
		}
	}

	// S3 is only needed by the archiver.
	if c.Archive.Enabled || mode == "archive" {
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket must not be empty")
		}
		if c.Archive.Interval.Duration <= 0 {
			errs = append(errs, "archive: interval must be > 0")
		}
		if c.Archive.Lookback.Duration <= 0 {
			errs = append(errs, "archive: lookback must be > 0")
		}
		if !c.Postgres.Enabled {
			errs = append(errs, "archive: requires postgres.enabled (the in-memory log does not outlive the process)")
		}
	}

	// Custody
	switch c.Custody.Mode {
	case CustodySandbox:
		for i, acct := range c.Custody.Sandbox {
			if acct.Params == "" {
				errs = append(errs, fmt.Sprintf("custody: sandbox_accounts[%d].params must not be empty", i))
			}
			if !common.IsHexAddress(acct.Owner) {
				errs = append(errs, fmt.Sprintf("custody: sandbox_accounts[%d].owner %q is not a hex address", i, acct.Owner))
			}
			for asset := range acct.Balances {
				if !common.IsHexAddress(asset) {
					errs = append(errs, fmt.Sprintf("custody: sandbox_accounts[%d] asset %q is not a hex address", i, asset))
				}
			}
		}
	case CustodyRemote:
		if c.Custody.BaseURL == "" {
			errs = append(errs, "custody: base_url is required in remote mode")
		}
	default:
		errs = append(errs, fmt.Sprintf("custody: unknown mode %q (valid: sandbox, remote)", c.Custody.Mode))
	}

	// Assessor
	if c.Assessor.LiquidationRatio == 0 {
		errs = append(errs, "assessor: liquidation_ratio must be > 0")
	}

	// Server
	if c.Server.Enabled {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
		}
		if c.Server.MaxSkew.Duration <= 0 {
			errs = append(errs, "server: max_skew must be > 0")
		}
		if c.Server.RateLimit < 0 {
			errs = append(errs, "server: rate_limit must be >= 0")
		}
	}

	// Notify
	if (c.Notify.TelegramToken == "") != (c.Notify.TelegramChatID == "") {
		errs = append(errs, "notify: telegram_token and telegram_chat_id must be set together")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
