package config

import (
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
	"github.com/subosito/gotenv"
)

type Config struct {
	Env      string `mapstructure:"PAW_ENV"`
	HTTPAddr string `mapstructure:"PAW_HTTP_ADDR"`

	Cache     CacheConfig     `mapstructure:",squash"`
	L1        L1Config        `mapstructure:",squash"`
	Evm       EvmConfig       `mapstructure:",squash"`
	Bridge    BridgeConfig    `mapstructure:",squash"`
	Blacklist BlacklistConfig `mapstructure:",squash"`
	Security  SecurityConfig  `mapstructure:",squash"`
}

type CacheConfig struct {
	Backend  string `mapstructure:"PAW_KV_BACKEND"` // "redis" or "memory"
	RedisURL string `mapstructure:"PAW_REDIS_URL"`
}

type L1Config struct {
	RPCURL     string `mapstructure:"PAW_L1_RPC_URL"`
	WSURL      string `mapstructure:"PAW_L1_WS_URL"`
	WalletID   string `mapstructure:"PAW_L1_WALLET_ID"`
	HotWallet  string `mapstructure:"PAW_HOT_WALLET"`
	ColdWallet string `mapstructure:"PAW_COLD_WALLET"`
}

type EvmConfig struct {
	RPCURL     string `mapstructure:"PAW_EVM_RPC_URL"`
	Contract   string `mapstructure:"PAW_WTKN_CONTRACT"`
	ChainID    uint64 `mapstructure:"PAW_EVM_CHAIN_ID"`
	PrivateKey string `mapstructure:"PAW_EVM_PRIVATE_KEY"`
}

type BridgeConfig struct {
	Symbol           string `mapstructure:"PAW_SYMBOL"`
	HotWalletMinimum string `mapstructure:"PAW_HOT_WALLET_MINIMUM"` // decimal coins
	HotColdRatio     int    `mapstructure:"PAW_HOT_COLD_RATIO"`     // percent kept hot
}

type BlacklistConfig struct {
	URL string `mapstructure:"PAW_BLACKLIST_URL"`
}

type SecurityConfig struct {
	RateLimitRPM       int      `mapstructure:"PAW_RATE_LIMIT_RPM"`
	CORSAllowedOrigins []string `mapstructure:"PAW_CORS_ALLOWED_ORIGINS"`
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

	viper.SetDefault("PAW_ENV", "dev")
	viper.SetDefault("PAW_HTTP_ADDR", ":3050")
	viper.SetDefault("PAW_KV_BACKEND", "redis")
	viper.SetDefault("PAW_REDIS_URL", "redis://127.0.0.1:6379/0")
	viper.SetDefault("PAW_L1_RPC_URL", "http://localhost:7076")
	viper.SetDefault("PAW_L1_WS_URL", "ws://localhost:7078")
	viper.SetDefault("PAW_EVM_RPC_URL", "wss://localhost:8546")
	viper.SetDefault("PAW_EVM_CHAIN_ID", 56)
	viper.SetDefault("PAW_SYMBOL", "PAW")
	viper.SetDefault("PAW_HOT_WALLET_MINIMUM", "10000")
	viper.SetDefault("PAW_HOT_COLD_RATIO", 20)
	viper.SetDefault("PAW_RATE_LIMIT_RPM", 120)
	viper.SetDefault("PAW_CORS_ALLOWED_ORIGINS", "http://localhost:3000")

	if origins := viper.GetString("PAW_CORS_ALLOWED_ORIGINS"); origins != "" {
		viper.Set("PAW_CORS_ALLOWED_ORIGINS", strings.Split(origins, ","))
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
	if c.L1.HotWallet == "" {
		return fmt.Errorf("PAW_HOT_WALLET is required")
	}
	if c.L1.ColdWallet == "" {
		return fmt.Errorf("PAW_COLD_WALLET is required")
	}
	if c.L1.WalletID == "" {
		return fmt.Errorf("PAW_L1_WALLET_ID is required")
	}
	if c.Evm.Contract == "" {
		return fmt.Errorf("PAW_WTKN_CONTRACT is required")
	}
	if c.Evm.PrivateKey == "" {
		return fmt.Errorf("PAW_EVM_PRIVATE_KEY is required")
	}
	if c.Blacklist.URL == "" {
		return fmt.Errorf("PAW_BLACKLIST_URL is required")
	}
	if c.Bridge.HotColdRatio < 0 || c.Bridge.HotColdRatio > 100 {
		return fmt.Errorf("PAW_HOT_COLD_RATIO must be 0-100, got %d", c.Bridge.HotColdRatio)
	}
	if _, err := c.HotWalletMinimumUnits(); err != nil {
		return err
	}
	return nil
}

// HotWalletMinimumUnits parses the configured minimum into atomic units.
func (c *Config) HotWalletMinimumUnits() (*big.Int, error) {
	d, err := decimal.NewFromString(c.Bridge.HotWalletMinimum)
	if err != nil || d.IsNegative() {
		return nil, fmt.Errorf("PAW_HOT_WALLET_MINIMUM must be a non-negative decimal, got %q", c.Bridge.HotWalletMinimum)
	}
	return d.Shift(9).Truncate(0).BigInt(), nil
}

func (c *Config) IsDev() bool {
	return c.Env == "dev"
}

func (c *Config) IsProd() bool {
	return c.Env == "prod"
}
