package main

import (
	"context"
	"log"
	"math/big"
	"os"
	"os/signal"
	"syscall"
	"time"

	"rwamarket/internal/amount"
	"rwamarket/internal/catalog"
	"rwamarket/internal/config"
	"rwamarket/internal/idempotency"
	"rwamarket/internal/ledger"
	"rwamarket/internal/purchase"
	"rwamarket/internal/server"
	"rwamarket/internal/token"
	"rwamarket/internal/txn"
	"rwamarket/internal/verification"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// devBalanceWhole is credited to the dev-mode signer so local purchases can settle.
const devBalanceWhole = 100_000

type wallet interface {
	ledger.Client
	ledger.HealthChecker
}

func main() {
	ctx := context.Background()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	shutdownTracing := setupTracing(ctx, cfg.Service.OTLPEndpoint)
	defer shutdownTracing()

	conv, err := amount.NewConverter(cfg.Seed.Tokens.Stablecoin.Decimals)
	if err != nil {
		log.Fatalf("amount converter error: %v", err)
	}

	cat, err := catalog.New(cfg.Seed.Assets)
	if err != nil {
		log.Fatalf("catalog error: %v", err)
	}

	client := dialLedger(ctx, cfg, conv)

	var (
		store    idempotency.Store
		registry verification.Registry
		pool     *pgxpool.Pool
	)
	if cfg.Service.DatabaseURL != "" {
		pool, err = idempotency.Connect(ctx, cfg.Service.DatabaseURL)
		if err != nil {
			log.Fatalf("database error: %v", err)
		}
		defer pool.Close()
		if store, err = idempotency.NewPostgresStore(ctx, pool); err != nil {
			log.Fatalf("idempotency store error: %v", err)
		}
		if registry, err = verification.NewPostgresRegistry(ctx, pool); err != nil {
			log.Fatalf("verification registry error: %v", err)
		}
	} else {
		if store, err = idempotency.NewFileStore(cfg.Service.IdempotencyStorePath); err != nil {
			log.Fatalf("idempotency store error: %v", err)
		}
		registry = verification.NewMemoryRegistry()
	}
	if cfg.Service.VerificationAPIURL != "" {
		registry = verification.WithFallback(registry, verification.NewHTTPChecker(cfg.Service.VerificationAPIURL, cfg.Chain.RPCTimeout))
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
	orch := purchase.New(purchase.Config{Sale: cfg.SaleAddress(), ChainID: cfg.Chain.ChainID}, conv, client, insp, exec)

	apiServer := server.NewServer(cfg, server.Deps{
		Purchases:    orch,
		Wallet:       client,
		Catalog:      cat,
		Balances:     insp,
		Converter:    conv,
		Tracker:      txn.NewTracker(client),
		Verification: registry,
		Store:        store,
		Ledger:       client,
	})

	go func() {
		if err := apiServer.Start(); err != nil {
			log.Printf("server stopped: %v", err)
		}
	}()

	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	<-ch

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Chain.ConfirmationTimeout)
	defer cancel()
	_ = apiServer.Shutdown(shutdownCtx)
}

// dialLedger connects to the configured node, or starts an in-memory ledger
// when no signing key is configured.
func dialLedger(ctx context.Context, cfg *config.AppConfig, conv *amount.Converter) wallet {
	if cfg.Chain.PrivateKey == "" {
		signer := common.HexToAddress(cfg.Deployment.Deployer)
		fake := ledger.NewFakeLedger(ledger.FakeLedgerConfig{
			ChainID:  cfg.Chain.ChainID,
			Signer:   signer,
			Token:    cfg.PaymentTokenAddress(),
			Sale:     cfg.SaleAddress(),
			Decimals: uint8(conv.Decimals()),
		})
		units := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(conv.Decimals())), nil)
		fake.SetBalance(signer, units.Mul(units, big.NewInt(devBalanceWhole)))
		log.Printf("ledger: no private key configured, using in-memory ledger for %s", signer.Hex())
		return fake
	}

	dialCtx, cancel := context.WithTimeout(ctx, cfg.Chain.RPCTimeout)
	defer cancel()
	client, err := ledger.Dial(dialCtx, ledger.EthClientConfig{
		RPCURL:        cfg.Chain.RPCURL,
		PrivateKeyHex: cfg.Chain.PrivateKey,
		ChainID:       cfg.Chain.ChainID,
	})
	if err != nil {
		log.Fatalf("ledger client error: %v", err)
	}
	for name, addr := range map[string]common.Address{
		"payment token": cfg.PaymentTokenAddress(),
		"sale":          cfg.SaleAddress(),
	} {
		code, err := client.CodeAt(dialCtx, addr, nil)
		if err != nil {
			log.Printf("ledger: code lookup for %s contract failed: %v", name, err)
			continue
		}
		if len(code) == 0 {
			log.Printf("ledger: no %s contract deployed at %s", name, addr.Hex())
		}
	}
	return client
}

// setupTracing installs an OTLP/HTTP exporter when an endpoint is configured.
// Without one the global no-op tracer stays in place.
func setupTracing(ctx context.Context, endpoint string) func() {
	if endpoint == "" {
		return func() {}
	}
	exporter, err := otlptracehttp.New(ctx, otlptracehttp.WithEndpointURL(endpoint))
	if err != nil {
		log.Printf("tracing: exporter setup failed: %v", err)
		return func() {}
	}
	tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exporter))
	otel.SetTracerProvider(tp)
	log.Printf("tracing: exporting spans to %s", endpoint)

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(ctx); err != nil {
			log.Printf("tracing: shutdown: %v", err)
		}
	}
}
