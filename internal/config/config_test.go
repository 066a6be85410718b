package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSeed = `{
  "chain": {"chainId": 1114, "rpcUrl": "https://rpc.example", "blockTime": 3},
  "tokens": {"stablecoin": {"symbol": "USDT", "name": "Tether USD", "decimals": 6}},
  "assets": [
    {"id": 0, "title": "Penthouse", "pricePerToken": "10", "minInvestment": "100", "tokenSupply": 10000, "tokensSold": 7500}
  ],
  "secrets": {"hmacSalt": "s1", "verificationWebhookSecret": "s2"},
  "timeouts": {"rpcTimeoutMs": 5000, "receiptPollMs": 500, "confirmationTimeoutSeconds": 120, "idempotencyWindowSeconds": 600}
}`

const testDeployments = `{
  "chainId": 1114,
  "contracts": {
    "PaymentToken": "0x2A0452216398b7667e5eB12243Db68575ED3cF1B",
    "AssetSale": "0xa892f8D31a30Da10400bb4CFf9302a2c32E49131"
  }
}`

func writeFiles(t *testing.T, seed, deployments string) {
	t.Helper()
	dir := t.TempDir()
	seedPath := filepath.Join(dir, "seed.json")
	deployPath := filepath.Join(dir, "deployments.json")
	require.NoError(t, os.WriteFile(seedPath, []byte(seed), 0o600))
	require.NoError(t, os.WriteFile(deployPath, []byte(deployments), 0o600))
	t.Setenv("SEED_PATH", seedPath)
	t.Setenv("DEPLOYMENTS_PATH", deployPath)
}

func TestLoadMergesSeedDeploymentsAndEnv(t *testing.T) {
	writeFiles(t, testSeed, testDeployments)
	t.Setenv("CHAIN_RPC_URL", "http://localhost:8545")
	t.Setenv("API_HTTP_PORT", "8081")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "http://localhost:8545", cfg.Chain.RPCURL)
	assert.Equal(t, int64(1114), cfg.Chain.ChainID)
	assert.Equal(t, 8081, cfg.Service.HTTPPort)
	assert.Equal(t, 500*time.Millisecond, cfg.Chain.ReceiptPollInterval)
	assert.Equal(t, 2*time.Minute, cfg.Chain.ConfirmationTimeout)
	assert.Equal(t, 10*time.Minute, cfg.Service.IdempotencyWindow)
	assert.Equal(t, 6, cfg.Seed.Tokens.Stablecoin.Decimals)
	require.Len(t, cfg.Seed.Assets, 1)
	assert.Equal(t, "10", cfg.Seed.Assets[0].PricePerToken)
	assert.True(t, strings.EqualFold("0xa892f8d31a30da10400bb4cff9302a2c32e49131", cfg.SaleAddress().Hex()))
}

func TestLoadRejectsBadContractAddress(t *testing.T) {
	writeFiles(t, testSeed, `{"contracts": {"PaymentToken": "nope", "AssetSale": "0xa892f8D31a30Da10400bb4CFf9302a2c32E49131"}}`)

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "PaymentToken")
}

func TestLoadMissingSeed(t *testing.T) {
	t.Setenv("SEED_PATH", filepath.Join(t.TempDir(), "missing.json"))

	_, err := Load()
	assert.ErrorIs(t, err, os.ErrNotExist)
}
