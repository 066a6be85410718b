package main

import (
	"bytes"
	"context"
	"math/big"
	"testing"
	"time"

	"rwamarket/internal/config"
	"rwamarket/internal/ledger"
	"rwamarket/internal/verification"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	signer  = common.HexToAddress("0x00000000000000000000000000000000000000b1")
	tokenAt = common.HexToAddress("0x00000000000000000000000000000000000000c1")
	saleAt  = common.HexToAddress("0x00000000000000000000000000000000000000d1")
)

func newTestCLI(t *testing.T) (*cli, *ledger.FakeLedger, *bytes.Buffer) {
	t.Helper()
	cfg := &config.AppConfig{
		Chain: config.ChainConfig{
			ChainID:             1114,
			ReceiptPollInterval: time.Millisecond,
			ConfirmationTimeout: time.Second,
		},
	}
	cfg.Seed.Tokens.Stablecoin.Symbol = "USDC"
	cfg.Seed.Tokens.Stablecoin.Decimals = 6
	cfg.Seed.Assets = []config.AssetSeed{{ID: 1, Title: "Vineyard Plot", PricePerToken: "25", TokenSupply: 100}}
	cfg.Deployment.Contracts.PaymentToken = tokenAt.Hex()
	cfg.Deployment.Contracts.AssetSale = saleAt.Hex()

	fake := ledger.NewFakeLedger(ledger.FakeLedgerConfig{ChainID: 1114, Signer: signer, Token: tokenAt, Sale: saleAt, Decimals: 6})
	c, err := newCore(cfg, fake)
	require.NoError(t, err)

	var out bytes.Buffer
	return &cli{opts: &options{}, out: &out, core: c}, fake, &out
}

func TestBuyPrintsProgress(t *testing.T) {
	app, fake, out := newTestCLI(t)
	fake.SetBalance(signer, big.NewInt(100_000_000))

	cmd := &buyCommand{cli: app, Asset: 1, Tokens: 2}
	require.NoError(t, cmd.Execute(nil))

	text := out.String()
	assert.Contains(t, text, "Buying 50 of Vineyard Plot")
	assert.Contains(t, text, "Checking balance and allowance...")
	assert.Contains(t, text, "Approving spending...")
	assert.Contains(t, text, "Purchasing tokens...")
	assert.Contains(t, text, "Amount:    50 USDC")
	assert.Equal(t, "50000000", fake.Purchased(signer, big.NewInt(1)).String())
}

func TestBuyReportsFriendlyError(t *testing.T) {
	app, fake, _ := newTestCLI(t)
	fake.SetBalance(signer, big.NewInt(1_000_000))

	err := (&buyCommand{cli: app, Asset: 1, USD: "20"}).Execute(nil)
	require.Error(t, err)
	assert.Equal(t, "Insufficient balance. Please top up your wallet and try again.", err.Error())

	assert.Error(t, (&buyCommand{cli: app, Asset: 1}).Execute(nil))
	assert.Error(t, (&buyCommand{cli: app, Asset: 1, Tokens: 1, USD: "25"}).Execute(nil))
	assert.Empty(t, fake.Sent())
}

func TestBuyRequiresVerification(t *testing.T) {
	app, fake, out := newTestCLI(t)
	fake.SetBalance(signer, big.NewInt(100_000_000))
	registry := verification.NewMemoryRegistry()
	app.core.verifier = registry

	err := (&buyCommand{cli: app, Asset: 1, Tokens: 2}).Execute(nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "has not completed identity verification")
	assert.Empty(t, fake.Sent())
	assert.Empty(t, out.String())

	require.NoError(t, registry.Record(context.Background(), verification.Outcome{Address: signer, Verified: true, At: time.Now()}))
	require.NoError(t, (&buyCommand{cli: app, Asset: 1, Tokens: 2}).Execute(nil))
	assert.Len(t, fake.Sent(), 2)
}

func TestStatusAndBalance(t *testing.T) {
	app, fake, out := newTestCLI(t)
	fake.SetBalance(signer, big.NewInt(7_500_000))

	require.NoError(t, (&balanceCommand{cli: app}).Execute(nil))
	assert.Contains(t, out.String(), "Balance:   7.5 USDC")
	assert.Contains(t, out.String(), "Allowance: 0 USDC")

	out.Reset()
	status := &statusCommand{cli: app}
	status.Args.Hash = common.HexToHash("0x02").Hex()
	require.NoError(t, status.Execute(nil))
	assert.Contains(t, out.String(), "pending")

	status.Args.Hash = "0x1234"
	assert.Error(t, status.Execute(nil))
}

func TestAssetsCommand(t *testing.T) {
	app, _, out := newTestCLI(t)
	require.NoError(t, (&assetsCommand{cli: app}).Execute(nil))
	assert.Contains(t, out.String(), "Vineyard Plot")
	assert.Contains(t, out.String(), "available 100")
}
