package config

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/viper"
)

type Config struct {
	Domain  DomainConfig
	Redis   RedisConfig
	Server  ServerConfig
	Relay   RelayConfig
	Sponsor SponsorConfig
	Chain   ChainConfig
}

// DomainConfig must match what signers use exactly, or every signature fails.
type DomainConfig struct {
	Name              string `mapstructure:"name"`
	Version           string `mapstructure:"version"`
	ChainID           int64  `mapstructure:"chain_id"`
	VerifyingContract string `mapstructure:"verifying_contract"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
}

type ServerConfig struct {
	Port     int `mapstructure:"port"`
	GRPCPort int `mapstructure:"grpc_port"`
}

type RelayConfig struct {
	MaxBatch        int    `mapstructure:"max_batch"`
	BlockTimeoutSec int64  `mapstructure:"block_timeout_sec"`
	ClaimPerItem    string `mapstructure:"claim_per_item"` // wei; "0" disables claims
	SubmitterKey    string `mapstructure:"submitter_key"`
	GasTimeUnitUS   int64  `mapstructure:"gas_time_unit_us"` // 0 = no invocation deadline

	// Targets are the contract addresses the relayer delivers to
	// (comma-separated in RELAY_TARGETS).
	Targets []string `mapstructure:"targets"`
}

// SponsorConfig seeds a fresh pool. Amounts are decimal wei strings.
type SponsorConfig struct {
	Owner               string `mapstructure:"owner"`
	MaxPerClaim         string `mapstructure:"max_per_claim"`
	DailyPerSubmitter   string `mapstructure:"daily_per_submitter"`
	DailyPerBeneficiary string `mapstructure:"daily_per_beneficiary"`
	DailyGlobal         string `mapstructure:"daily_global"`
}

type ChainConfig struct {
	RPCURL            string `mapstructure:"rpc_url"`
	PoolKey           string `mapstructure:"pool_key"`
	ReceiptTimeoutSec int64  `mapstructure:"receipt_timeout_sec"`
}

func Load() (*Config, error) {
	v := viper.New()

	// Defaults
	v.SetDefault("domain.name", "0G Relay Forwarder")
	v.SetDefault("domain.version", "1")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.grpc_port", 9090)
	v.SetDefault("redis.addr", "redis:6379")
	v.SetDefault("relay.max_batch", 50)
	v.SetDefault("relay.block_timeout_sec", 5)
	v.SetDefault("relay.claim_per_item", "0")
	v.SetDefault("sponsor.max_per_claim", "50000000000000000")          // 0.05
	v.SetDefault("sponsor.daily_per_submitter", "1000000000000000000")  // 1
	v.SetDefault("sponsor.daily_per_beneficiary", "100000000000000000") // 0.1
	v.SetDefault("sponsor.daily_global", "5000000000000000000")         // 5
	v.SetDefault("chain.receipt_timeout_sec", 60)

	// Config file (optional)
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("/app")
	_ = v.ReadInConfig()

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit env bindings
	bindings := map[string]string{
		"domain.name":                   "DOMAIN_NAME",
		"domain.version":                "DOMAIN_VERSION",
		"domain.chain_id":               "CHAIN_ID",
		"domain.verifying_contract":     "FORWARDER_ADDRESS",
		"redis.addr":                    "REDIS_ADDR",
		"redis.password":                "REDIS_PASSWORD",
		"server.port":                   "PORT",
		"server.grpc_port":              "GRPC_PORT",
		"relay.max_batch":               "RELAY_MAX_BATCH",
		"relay.block_timeout_sec":       "RELAY_BLOCK_TIMEOUT_SEC",
		"relay.claim_per_item":          "CLAIM_PER_ITEM",
		"relay.submitter_key":           "SUBMITTER_KEY",
		"relay.gas_time_unit_us":        "GAS_TIME_UNIT_US",
		"relay.targets":                 "RELAY_TARGETS",
		"sponsor.owner":                 "SPONSOR_OWNER",
		"sponsor.max_per_claim":         "SPONSOR_MAX_PER_CLAIM",
		"sponsor.daily_per_submitter":   "SPONSOR_DAILY_PER_SUBMITTER",
		"sponsor.daily_per_beneficiary": "SPONSOR_DAILY_PER_BENEFICIARY",
		"sponsor.daily_global":          "SPONSOR_DAILY_GLOBAL",
		"chain.rpc_url":                 "RPC_URL",
		"chain.pool_key":                "POOL_PRIVATE_KEY",
		"chain.receipt_timeout_sec":     "RECEIPT_TIMEOUT_SEC",
	}
	for key, env := range bindings {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("bind env %s: %w", env, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	return cfg, cfg.validate()
}

func (c *Config) validate() error {
	type req struct {
		val  string
		name string
	}
	for _, r := range []req{
		{c.Domain.VerifyingContract, "FORWARDER_ADDRESS"},
		{c.Relay.SubmitterKey, "SUBMITTER_KEY"},
		{c.Sponsor.Owner, "SPONSOR_OWNER"},
		{c.Chain.RPCURL, "RPC_URL"},
		{c.Chain.PoolKey, "POOL_PRIVATE_KEY"},
	} {
		if r.val == "" {
			return fmt.Errorf("required config missing: %s", r.name)
		}
	}
	if c.Domain.ChainID == 0 {
		return fmt.Errorf("required config missing: CHAIN_ID")
	}
	for _, a := range []req{
		{c.Domain.VerifyingContract, "FORWARDER_ADDRESS"},
		{c.Sponsor.Owner, "SPONSOR_OWNER"},
	} {
		if !common.IsHexAddress(a.val) {
			return fmt.Errorf("%s is not an address: %q", a.name, a.val)
		}
	}
	for _, t := range c.Relay.Targets {
		if !common.IsHexAddress(t) {
			return fmt.Errorf("RELAY_TARGETS: %q is not an address", t)
		}
	}
	for _, w := range []req{
		{c.Relay.ClaimPerItem, "CLAIM_PER_ITEM"},
		{c.Sponsor.MaxPerClaim, "SPONSOR_MAX_PER_CLAIM"},
		{c.Sponsor.DailyPerSubmitter, "SPONSOR_DAILY_PER_SUBMITTER"},
		{c.Sponsor.DailyPerBeneficiary, "SPONSOR_DAILY_PER_BENEFICIARY"},
		{c.Sponsor.DailyGlobal, "SPONSOR_DAILY_GLOBAL"},
	} {
		if _, err := ParseWei(w.val); err != nil {
			return fmt.Errorf("%s: %w", w.name, err)
		}
	}
	if c.Relay.MaxBatch <= 0 {
		return fmt.Errorf("RELAY_MAX_BATCH must be positive, got %d", c.Relay.MaxBatch)
	}
	return nil
}

// ParseWei parses a non-negative decimal wei amount.
func ParseWei(s string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok || v.Sign() < 0 {
		return nil, fmt.Errorf("invalid wei amount %q", s)
	}
	return v, nil
}
