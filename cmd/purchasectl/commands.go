package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"strings"

	"rwamarket/internal/amount"
	"rwamarket/internal/catalog"
	"rwamarket/internal/config"
	"rwamarket/internal/idempotency"
	"rwamarket/internal/ledger"
	"rwamarket/internal/purchase"
	"rwamarket/internal/token"
	"rwamarket/internal/txn"
	"rwamarket/internal/verification"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// core is everything a command needs, built once per invocation.
type core struct {
	cfg       *config.AppConfig
	client    ledger.Client
	converter *amount.Converter
	catalog   *catalog.Catalog
	inspector *token.Inspector
	tracker   *txn.Tracker
	purchases *purchase.Orchestrator
	// verifier gates buy; nil when no verification backend is configured.
	verifier verification.Checker
}

type cli struct {
	opts *options
	out  io.Writer
	core *core
}

// load reads configuration and dials the ledger; flags override the environment.
func (c *cli) load(ctx context.Context) (*core, error) {
	if c.core != nil {
		return c.core, nil
	}
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if c.opts.RPCURL != "" {
		cfg.Chain.RPCURL = c.opts.RPCURL
	}
	if c.opts.PrivateKey != "" {
		cfg.Chain.PrivateKey = c.opts.PrivateKey
	}

	dialCtx, cancel := context.WithTimeout(ctx, cfg.Chain.RPCTimeout)
	defer cancel()
	client, err := ledger.Dial(dialCtx, ledger.EthClientConfig{
		RPCURL:        cfg.Chain.RPCURL,
		PrivateKeyHex: cfg.Chain.PrivateKey,
		ChainID:       cfg.Chain.ChainID,
	})
	if err != nil {
		return nil, err
	}
	c.core, err = newCore(cfg, client)
	if err != nil {
		return nil, err
	}
	c.core.verifier, err = dialVerifier(ctx, cfg)
	return c.core, err
}

// dialVerifier uses the same verification backends as the API server.
func dialVerifier(ctx context.Context, cfg *config.AppConfig) (verification.Checker, error) {
	var remote verification.Checker
	if cfg.Service.VerificationAPIURL != "" {
		remote = verification.NewHTTPChecker(cfg.Service.VerificationAPIURL, cfg.Chain.RPCTimeout)
	}
	if cfg.Service.DatabaseURL == "" {
		if remote == nil {
			log.Printf("verification: no backend configured, buy skips the identity check")
		}
		return remote, nil
	}

	pool, err := idempotency.Connect(ctx, cfg.Service.DatabaseURL)
	if err != nil {
		return nil, err
	}
	registry, err := verification.NewPostgresRegistry(ctx, pool)
	if err != nil {
		pool.Close()
		return nil, err
	}
	if remote != nil {
		return verification.WithFallback(registry, remote), nil
	}
	return registry, nil
}

func newCore(cfg *config.AppConfig, client ledger.Client) (*core, error) {
	conv, err := amount.NewConverter(cfg.Seed.Tokens.Stablecoin.Decimals)
	if err != nil {
		return nil, err
	}
	cat, err := catalog.New(cfg.Seed.Assets)
	if err != nil {
		return nil, err
	}
	insp := token.NewInspector(client, cfg.PaymentTokenAddress())
	exec := txn.NewExecutor(client, txn.ExecutorConfig{
		PaymentToken: cfg.PaymentTokenAddress(),
		Sale:         cfg.SaleAddress(),
		Wait: txn.WaitPolicy{
			PollInterval: cfg.Chain.ReceiptPollInterval,
			Timeout:      cfg.Chain.ConfirmationTimeout,
		},
	})
	return &core{
		cfg:       cfg,
		client:    client,
		converter: conv,
		catalog:   cat,
		inspector: insp,
		tracker:   txn.NewTracker(client),
		purchases: purchase.New(purchase.Config{Sale: cfg.SaleAddress(), ChainID: cfg.Chain.ChainID}, conv, client, insp, exec),
	}, nil
}

type buyCommand struct {
	cli *cli

	Asset  uint64 `short:"a" long:"asset" required:"true" description:"Asset id to buy"`
	Tokens uint64 `short:"t" long:"tokens" description:"Number of asset tokens; priced from the catalog"`
	USD    string `short:"u" long:"usd" description:"USD value to spend instead of a token count"`
}

func (b *buyCommand) Execute(_ []string) error {
	ctx := context.Background()
	c, err := b.cli.load(ctx)
	if err != nil {
		return userError(err)
	}

	asset, err := c.catalog.Get(b.Asset)
	if err != nil {
		return err
	}
	var usd decimal.Decimal
	switch {
	case b.Tokens > 0 && b.USD != "":
		return errors.New("use either --tokens or --usd")
	case b.Tokens > 0:
		if usd, err = asset.Quote(b.Tokens); err != nil {
			return err
		}
	case b.USD != "":
		if usd, err = decimal.NewFromString(strings.TrimSpace(b.USD)); err != nil {
			return fmt.Errorf("invalid --usd value %q", b.USD)
		}
	default:
		return errors.New("one of --tokens or --usd is required")
	}

	if c.verifier != nil {
		signer, err := c.client.SignerAddress(ctx)
		if err != nil {
			return userError(err)
		}
		if err := verification.Require(ctx, c.verifier, signer); err != nil {
			if errors.Is(err, verification.ErrNotVerified) {
				return fmt.Errorf("%s has not completed identity verification", signer.Hex())
			}
			return err
		}
	}

	fmt.Fprintf(b.cli.out, "Buying %s of %s (asset %d)\n", usd.String(), asset.Title, asset.ID)

	events := make(chan purchase.Event)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for e := range events {
			fmt.Fprintf(b.cli.out, "  %s\n", e.Message)
		}
	}()

	res, err := c.purchases.Run(ctx, purchase.Request{
		AssetID:       asset.OnChainID(),
		USDValue:      usd,
		MinInvestment: asset.MinInvestment,
	}, purchase.Channel(events))
	close(events)
	<-done

	if err != nil {
		var perr *purchase.Error
		if errors.As(err, &perr) && perr.ApprovalTxHash != "" {
			fmt.Fprintf(b.cli.out, "Approval %s remains valid.\n", perr.ApprovalTxHash)
		}
		return userError(err)
	}

	if res.ApprovalTxHash != "" {
		fmt.Fprintf(b.cli.out, "Approval:  %s\n", res.ApprovalTxHash)
	}
	fmt.Fprintf(b.cli.out, "Purchase:  %s (block %d)\n", res.PurchaseTxHash, res.Purchase.BlockNumber)
	fmt.Fprintf(b.cli.out, "Amount:    %s %s\n", c.converter.Format(res.Amount), c.cfg.Seed.Tokens.Stablecoin.Symbol)
	return nil
}

type statusCommand struct {
	cli *cli

	Args struct {
		Hash string `positional-arg-name:"hash" required:"yes"`
	} `positional-args:"yes"`
}

func (s *statusCommand) Execute(_ []string) error {
	hash, err := txn.ParseHash(s.Args.Hash)
	if err != nil {
		return err
	}
	ctx := context.Background()
	c, err := s.cli.load(ctx)
	if err != nil {
		return userError(err)
	}
	rec, err := c.tracker.GetStatus(ctx, hash)
	if err != nil {
		return userError(err)
	}
	fmt.Fprintf(s.cli.out, "%s %s", rec.Hash.Hex(), rec.Status)
	if rec.Status != txn.StatusPending {
		fmt.Fprintf(s.cli.out, " block=%d gas=%d", rec.BlockNumber, rec.GasUsed)
	}
	fmt.Fprintln(s.cli.out)
	return nil
}

type balanceCommand struct {
	cli *cli

	Address string `long:"address" description:"Owner to inspect; defaults to the signing wallet"`
}

func (b *balanceCommand) Execute(_ []string) error {
	ctx := context.Background()
	c, err := b.cli.load(ctx)
	if err != nil {
		return userError(err)
	}

	var owner common.Address
	if b.Address != "" {
		if !common.IsHexAddress(b.Address) {
			return fmt.Errorf("invalid address %q", b.Address)
		}
		owner = common.HexToAddress(b.Address)
	} else if owner, err = c.client.SignerAddress(ctx); err != nil {
		return userError(err)
	}

	bal, err := c.inspector.Balance(ctx, owner)
	if err != nil {
		return userError(err)
	}
	allowance, err := c.inspector.Allowance(ctx, owner, c.cfg.SaleAddress())
	if err != nil {
		return userError(err)
	}
	symbol := c.cfg.Seed.Tokens.Stablecoin.Symbol
	fmt.Fprintf(b.cli.out, "Address:   %s\n", owner.Hex())
	fmt.Fprintf(b.cli.out, "Balance:   %s %s\n", c.converter.Format(bal), symbol)
	fmt.Fprintf(b.cli.out, "Allowance: %s %s\n", c.converter.Format(allowance), symbol)
	return nil
}

type assetsCommand struct {
	cli *cli
}

func (a *assetsCommand) Execute(_ []string) error {
	if a.cli.core == nil {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		cat, err := catalog.New(cfg.Seed.Assets)
		if err != nil {
			return err
		}
		return printAssets(a.cli.out, cat)
	}
	return printAssets(a.cli.out, a.cli.core.catalog)
}

func printAssets(w io.Writer, cat *catalog.Catalog) error {
	for _, asset := range cat.List() {
		fmt.Fprintf(w, "%4d  %-32s %10s/token  min %s  available %d\n",
			asset.ID, asset.Title, asset.PricePerToken.String(), asset.MinInvestment.String(), asset.Available())
	}
	return nil
}

// userError maps err to the buyer-facing message. PURCHASECTL_DEBUG keeps the cause.
func userError(err error) error {
	if os.Getenv("PURCHASECTL_DEBUG") != "" {
		return fmt.Errorf("%s (%w)", purchase.Message(err), err)
	}
	return errors.New(purchase.Message(err))
}
