package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// SeedConfig models seed.json: network, payment token, listed assets and secrets.
type SeedConfig struct {
	Chain struct {
		ChainID   int64  `json:"chainId"`
		RPCURL    string `json:"rpcUrl"`
		BlockTime int    `json:"blockTime"`
	} `json:"chain"`
	Tokens struct {
		Stablecoin struct {
			Symbol   string `json:"symbol"`
			Name     string `json:"name"`
			Decimals int    `json:"decimals"`
		} `json:"stablecoin"`
	} `json:"tokens"`
	Assets  []AssetSeed `json:"assets"`
	Secrets struct {
		HMACSalt                  string `json:"hmacSalt"`
		VerificationWebhookSecret string `json:"verificationWebhookSecret"`
	} `json:"secrets"`
	Timeouts struct {
		RPCTimeoutMs            int `json:"rpcTimeoutMs"`
		ReceiptPollMs           int `json:"receiptPollMs"`
		ConfirmationTimeoutSecs int `json:"confirmationTimeoutSeconds"`
		IdempotencyWindowSecs   int `json:"idempotencyWindowSeconds"`
	} `json:"timeouts"`
}

// AssetSeed describes one tokenized asset offered for sale. Money fields are
// human decimal strings in the stablecoin's unit.
type AssetSeed struct {
	ID            uint64 `json:"id"`
	Title         string `json:"title"`
	Category      string `json:"category"`
	Location      string `json:"location"`
	PricePerToken string `json:"pricePerToken"`
	MinInvestment string `json:"minInvestment"`
	TokenSupply   uint64 `json:"tokenSupply"`
	TokensSold    uint64 `json:"tokensSold"`
}

// DeploymentConfig represents deployments.json.
type DeploymentConfig struct {
	ChainID   int64  `json:"chainId"`
	Deployer  string `json:"deployer"`
	Contracts struct {
		PaymentToken string `json:"PaymentToken"`
		AssetSale    string `json:"AssetSale"`
	} `json:"contracts"`
}

// AppConfig ties together seed + deployment info and derived values.
type AppConfig struct {
	Seed       SeedConfig
	Deployment DeploymentConfig
	Service    ServiceConfig
	Chain      ChainConfig
}

type ServiceConfig struct {
	HTTPPort             int
	HMACClockSkew        time.Duration
	IdempotencyWindow    time.Duration
	IdempotencyStorePath string
	DatabaseURL          string
	VerificationAPIURL   string
	OTLPEndpoint         string
}

type ChainConfig struct {
	RPCURL              string
	PrivateKey          string
	ChainID             int64
	RPCTimeout          time.Duration
	ReceiptPollInterval time.Duration
	ConfirmationTimeout time.Duration
}

const (
	defaultSeedPath        = "../seed.json"
	defaultDeploymentsPath = "../deployments.json"
)

// Load aggregates configuration from disk and environment.
func Load() (*AppConfig, error) {
	seedPath := envOr("SEED_PATH", defaultSeedPath)
	deploymentsPath := envOr("DEPLOYMENTS_PATH", defaultDeploymentsPath)

	seedCfg, err := loadJSON[SeedConfig](seedPath)
	if err != nil {
		return nil, fmt.Errorf("load seed: %w", err)
	}

	deployCfg, err := loadJSON[DeploymentConfig](deploymentsPath)
	if err != nil {
		return nil, fmt.Errorf("load deployments: %w", err)
	}

	serviceCfg := ServiceConfig{
		HTTPPort:             envOrInt("API_HTTP_PORT", 3000),
		HMACClockSkew:        time.Duration(envOrInt("HMAC_CLOCK_SKEW_SECONDS", 60)) * time.Second,
		IdempotencyWindow:    secondsOr(seedCfg.Timeouts.IdempotencyWindowSecs, 24*time.Hour),
		IdempotencyStorePath: envOr("IDEMPOTENCY_STORE_PATH", filepath.Join(os.TempDir(), "rwamarket-idem.json")),
		DatabaseURL:          envOr("DATABASE_URL", ""),
		VerificationAPIURL:   envOr("VERIFICATION_API_URL", ""),
		OTLPEndpoint:         envOr("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
	}

	chainID := seedCfg.Chain.ChainID
	if chainID == 0 {
		chainID = deployCfg.ChainID
	}
	chainCfg := ChainConfig{
		RPCURL:              envOr("CHAIN_RPC_URL", seedCfg.Chain.RPCURL),
		PrivateKey:          envOr("CHAIN_PRIVATE_KEY", ""),
		ChainID:             int64(envOrInt("CHAIN_ID", int(chainID))),
		RPCTimeout:          millisOr(seedCfg.Timeouts.RPCTimeoutMs, 10*time.Second),
		ReceiptPollInterval: millisOr(seedCfg.Timeouts.ReceiptPollMs, 2*time.Second),
		ConfirmationTimeout: secondsOr(seedCfg.Timeouts.ConfirmationTimeoutSecs, 5*time.Minute),
	}

	cfg := &AppConfig{
		Seed:       *seedCfg,
		Deployment: *deployCfg,
		Service:    serviceCfg,
		Chain:      chainCfg,
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the values the purchase flow cannot run without.
func (c *AppConfig) Validate() error {
	var errs []error
	if !common.IsHexAddress(c.Deployment.Contracts.PaymentToken) {
		errs = append(errs, fmt.Errorf("contracts.PaymentToken %q is not an address", c.Deployment.Contracts.PaymentToken))
	}
	if !common.IsHexAddress(c.Deployment.Contracts.AssetSale) {
		errs = append(errs, fmt.Errorf("contracts.AssetSale %q is not an address", c.Deployment.Contracts.AssetSale))
	}
	if d := c.Seed.Tokens.Stablecoin.Decimals; d < 0 || d > 36 {
		errs = append(errs, fmt.Errorf("tokens.stablecoin.decimals %d out of range", d))
	}
	seen := make(map[uint64]bool, len(c.Seed.Assets))
	for _, a := range c.Seed.Assets {
		if seen[a.ID] {
			errs = append(errs, fmt.Errorf("asset id %d listed twice", a.ID))
		}
		seen[a.ID] = true
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

func (c *AppConfig) PaymentTokenAddress() common.Address {
	return common.HexToAddress(c.Deployment.Contracts.PaymentToken)
}

func (c *AppConfig) SaleAddress() common.Address {
	return common.HexToAddress(c.Deployment.Contracts.AssetSale)
}

func loadJSON[T any](path string) (*T, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg T
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func envOr(key, fallback string) string {
	if val, ok := os.LookupEnv(key); ok && val != "" {
		return val
	}
	return fallback
}

func envOrInt(key string, fallback int) int {
	if val, ok := os.LookupEnv(key); ok && val != "" {
		var parsed int
		if _, err := fmt.Sscanf(val, "%d", &parsed); err == nil {
			return parsed
		}
	}
	return fallback
}

func millisOr(ms int, fallback time.Duration) time.Duration {
	if ms <= 0 {
		return fallback
	}
	return time.Duration(ms) * time.Millisecond
}

func secondsOr(secs int, fallback time.Duration) time.Duration {
	if secs <= 0 {
		return fallback
	}
	return time.Duration(secs) * time.Second
}
