package config

import (
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
	"github.com/subosito/gotenv"
)

// TokenDecimals is the fixed-point scale shared by both assets.
const TokenDecimals = 18

type Config struct {
	Env       string `mapstructure:"FLB_ENV"`
	HTTPAddr  string `mapstructure:"FLB_HTTP_ADDR"`
	PublicURL string `mapstructure:"FLB_PUBLIC_ORIGIN"`

	Cache    CacheConfig    `mapstructure:",squash"`
	Escrow   EscrowConfig   `mapstructure:",squash"`
	Pool     PoolConfig     `mapstructure:",squash"`
	Security SecurityConfig `mapstructure:",squash"`
}

type CacheConfig struct {
	Backend          string        `mapstructure:"FLB_CACHE_BACKEND"` // "memory", "redis"
	RedisAddr        string        `mapstructure:"FLB_REDIS_ADDR"`
	ReservesCacheTTL time.Duration `mapstructure:"FLB_RESERVES_CACHE_TTL"`
}

type EscrowConfig struct {
	PausedOnStart        bool   `mapstructure:"FLB_PAUSED"`
	MinBridgedWithdrawal string `mapstructure:"FLB_MIN_BRIDGED_WITHDRAWAL"` // whole tokens, decimal string
	ReturnDomain         string `mapstructure:"FLB_RETURN_DOMAIN"`
	LockLabelPrefix      string `mapstructure:"FLB_LOCK_LABEL_PREFIX"`
	ShareAsset           string `mapstructure:"FLB_SHARE_ASSET"`
	LockRetryAttempts    uint64 `mapstructure:"FLB_LOCK_RETRY_ATTEMPTS"`
}

type PoolConfig struct {
	ReserveBridged string        `mapstructure:"FLB_POOL_RESERVE_BRIDGED"` // whole tokens
	ReservePaired  string        `mapstructure:"FLB_POOL_RESERVE_PAIRED"`
	TotalShares    string        `mapstructure:"FLB_POOL_TOTAL_SHARES"`
	FillBps        int64         `mapstructure:"FLB_POOL_FILL_BPS"` // 0 = optimal-ratio fill
	CallDeadline   time.Duration `mapstructure:"FLB_POOL_CALL_DEADLINE"`
}

type SecurityConfig struct {
	RateLimitRPM       int      `mapstructure:"FLB_RATE_LIMIT_RPM"`
	CORSAllowedOrigins []string `mapstructure:"FLB_CORS_ALLOWED_ORIGINS"`
}

func loadDotEnvFiles() {
	candidates := []string{
		".env",
		filepath.Join("..", ".env"),
	}
	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			_ = gotenv.Load(path) // env vars already set take precedence
		}
	}
}

func Load() (*Config, error) {
	loadDotEnvFiles()

	viper.SetConfigType("env")
	viper.AutomaticEnv()

	viper.SetDefault("FLB_ENV", "dev")
	viper.SetDefault("FLB_HTTP_ADDR", ":8080")
	viper.SetDefault("FLB_PUBLIC_ORIGIN", "http://localhost:3000")
	viper.SetDefault("FLB_CACHE_BACKEND", "memory")
	viper.SetDefault("FLB_REDIS_ADDR", "127.0.0.1:6379")
	viper.SetDefault("FLB_RESERVES_CACHE_TTL", "2s")
	viper.SetDefault("FLB_PAUSED", false)
	viper.SetDefault("FLB_MIN_BRIDGED_WITHDRAWAL", "0")
	viper.SetDefault("FLB_RETURN_DOMAIN", "origin")
	viper.SetDefault("FLB_LOCK_LABEL_PREFIX", "flowbridge:")
	viper.SetDefault("FLB_SHARE_ASSET", "pool-share")
	viper.SetDefault("FLB_LOCK_RETRY_ATTEMPTS", 3)
	viper.SetDefault("FLB_POOL_RESERVE_BRIDGED", "1000000")
	viper.SetDefault("FLB_POOL_RESERVE_PAIRED", "500000")
	viper.SetDefault("FLB_POOL_TOTAL_SHARES", "750000")
	viper.SetDefault("FLB_POOL_FILL_BPS", 0)
	viper.SetDefault("FLB_POOL_CALL_DEADLINE", "30s")
	viper.SetDefault("FLB_RATE_LIMIT_RPM", 120)
	viper.SetDefault("FLB_CORS_ALLOWED_ORIGINS", "http://localhost:3000,http://localhost:5173")

	if origins := viper.GetString("FLB_CORS_ALLOWED_ORIGINS"); origins != "" {
		viper.Set("FLB_CORS_ALLOWED_ORIGINS", strings.Split(origins, ","))
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	switch c.Cache.Backend {
	case "memory", "redis":
	default:
		return fmt.Errorf("invalid FLB_CACHE_BACKEND %q (must be memory or redis)", c.Cache.Backend)
	}
	if c.Cache.Backend == "redis" && c.Cache.RedisAddr == "" {
		return fmt.Errorf("FLB_REDIS_ADDR is required with the redis cache backend")
	}
	if c.Pool.FillBps < 0 || c.Pool.FillBps > 10_000 {
		return fmt.Errorf("FLB_POOL_FILL_BPS %d out of range [0, 10000]", c.Pool.FillBps)
	}
	for _, field := range []struct{ name, value string }{
		{"FLB_MIN_BRIDGED_WITHDRAWAL", c.Escrow.MinBridgedWithdrawal},
		{"FLB_POOL_RESERVE_BRIDGED", c.Pool.ReserveBridged},
		{"FLB_POOL_RESERVE_PAIRED", c.Pool.ReservePaired},
		{"FLB_POOL_TOTAL_SHARES", c.Pool.TotalShares},
	} {
		if _, err := parseTokenAmount(field.value); err != nil {
			return fmt.Errorf("%s: %w", field.name, err)
		}
	}
	return nil
}

func (c *Config) IsDev() bool  { return c.Env == "dev" }
func (c *Config) IsProd() bool { return c.Env == "prod" }

// MinBridgedWithdrawalWei returns the configured threshold in base units.
func (c *Config) MinBridgedWithdrawalWei() *big.Int {
	amount, _ := parseTokenAmount(c.Escrow.MinBridgedWithdrawal)
	return amount
}

// PoolSeedWei returns the dev pool's initial reserves and shares in base units.
func (c *Config) PoolSeedWei() (reserveBridged, reservePaired, totalShares *big.Int) {
	reserveBridged, _ = parseTokenAmount(c.Pool.ReserveBridged)
	reservePaired, _ = parseTokenAmount(c.Pool.ReservePaired)
	totalShares, _ = parseTokenAmount(c.Pool.TotalShares)
	return reserveBridged, reservePaired, totalShares
}

// parseTokenAmount converts a whole-token decimal string to base units,
// truncating anything below the 18th decimal place.
func parseTokenAmount(s string) (*big.Int, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return nil, fmt.Errorf("invalid token amount %q: %w", s, err)
	}
	if d.IsNegative() {
		return nil, fmt.Errorf("token amount %q must not be negative", s)
	}
	return d.Shift(TokenDecimals).Truncate(0).BigInt(), nil
}
