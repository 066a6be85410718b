package purchase

import (
	"context"
	"fmt"
	"log"
	"math/big"

	"rwamarket/internal/amount"
	"rwamarket/internal/txn"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	msgChecking   = "Checking balance and allowance..."
	msgApproving  = "Approving spending..."
	msgPurchasing = "Purchasing tokens..."
)

type State string

const (
	StateInit       State = "init"
	StateChecking   State = "checking"
	StateApproving  State = "approving"
	StatePurchasing State = "purchasing"
	StateSettled    State = "settled"
	StateFailed     State = "failed"
)

// Inspector reads the buyer's payment-token position.
type Inspector interface {
	Balance(ctx context.Context, owner common.Address) (amount.Stable, error)
	Allowance(ctx context.Context, owner, spender common.Address) (amount.Stable, error)
}

// Executor submits operations and waits for their inclusion.
type Executor interface {
	Submit(ctx context.Context, op txn.Operation) (common.Hash, error)
	AwaitInclusion(ctx context.Context, hash common.Hash) (txn.Record, error)
}

// Wallet is the signing capability: an identity on demand and the network it is on.
type Wallet interface {
	SignerAddress(ctx context.Context) (common.Address, error)
	ChainID(ctx context.Context) (*big.Int, error)
}

type Config struct {
	// Sale is the contract that pulls the payment token on purchase.
	Sale common.Address
	// ChainID, when non-zero, must match the wallet's network.
	ChainID int64
}

// Request is one purchase attempt. Buyer defaults to the signer when zero.
type Request struct {
	Buyer         common.Address
	AssetID       *big.Int
	USDValue      decimal.Decimal
	MinInvestment decimal.Decimal
}

// Result is produced once per settled run. An empty ApprovalTxHash means the
// existing allowance already covered the amount and no approval was sent.
type Result struct {
	AttemptID      string
	Buyer          common.Address
	Amount         amount.Stable
	ApprovalTxHash string
	PurchaseTxHash string
	Purchase       txn.Record
}

type Option func(*Orchestrator)

func WithTracer(t trace.Tracer) Option {
	return func(o *Orchestrator) { o.tracer = t }
}

// Orchestrator sequences balance check, allowance check, optional approval and
// the purchase call. It holds no per-attempt state; concurrent Runs for
// different buyers are independent, and callers must not re-enter a run for the
// same buyer and asset while one is in progress.
type Orchestrator struct {
	cfg       Config
	converter *amount.Converter
	wallet    Wallet
	inspector Inspector
	executor  Executor
	tracer    trace.Tracer
}

func New(cfg Config, converter *amount.Converter, wallet Wallet, inspector Inspector, executor Executor, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		cfg:       cfg,
		converter: converter,
		wallet:    wallet,
		inspector: inspector,
		executor:  executor,
		tracer:    otel.Tracer("rwamarket/purchase"),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

type run struct {
	*Orchestrator
	id     string
	state  State
	events emitter
}

// Run executes one purchase attempt. Progress goes to obs (which may be nil).
// Nothing is resubmitted automatically: after ErrPurchaseFailed the caller may
// run again and the allowance check will skip the approval that already landed.
func (o *Orchestrator) Run(ctx context.Context, req Request, obs Observer) (Result, error) {
	r := &run{Orchestrator: o, id: uuid.NewString(), state: StateInit, events: emitter{obs: obs}}

	ctx, span := o.tracer.Start(ctx, "purchase.run", trace.WithAttributes(
		attribute.String("purchase.attempt_id", r.id),
		attribute.String("purchase.usd_value", req.USDValue.String()),
	))
	defer span.End()

	res, err := r.execute(ctx, req)
	r.events.close()
	if err != nil {
		r.transition(StateFailed)
		log.Printf("purchase %s: failed: %v", r.id, err)
		span.RecordError(err)
		span.SetStatus(codes.Error, KindName(err))
		return Result{}, err
	}
	r.transition(StateSettled)
	span.SetAttributes(
		attribute.String("purchase.approval_tx", res.ApprovalTxHash),
		attribute.String("purchase.purchase_tx", res.PurchaseTxHash),
	)
	return res, nil
}

func (r *run) transition(next State) {
	log.Printf("purchase %s: %s -> %s", r.id, r.state, next)
	r.state = next
}

func (r *run) execute(ctx context.Context, req Request) (Result, error) {
	if r.wallet == nil {
		return Result{}, &Error{Kind: ErrWalletUnavailable, Err: fmt.Errorf("no signing capability configured")}
	}
	if req.AssetID == nil || req.AssetID.Sign() < 0 {
		return Result{}, &Error{Kind: ErrInvalidRequest, Err: fmt.Errorf("asset id required")}
	}

	amt, err := r.converter.ToChain(req.USDValue)
	if err != nil {
		return Result{}, &Error{Kind: ErrInvalidAmount, Err: err}
	}
	if amt.IsZero() {
		return Result{}, &Error{Kind: ErrInvalidAmount, Err: fmt.Errorf("amount must be positive")}
	}

	buyer, err := r.identity(ctx, req.Buyer)
	if err != nil {
		return Result{}, err
	}

	res := Result{AttemptID: r.id, Buyer: buyer, Amount: amt}

	r.transition(StateChecking)
	r.events.emit(StepChecking, msgChecking)
	needsApproval, err := r.check(ctx, req, buyer, amt)
	if err != nil {
		return Result{}, err
	}

	if needsApproval {
		r.transition(StateApproving)
		r.events.emit(StepApproving, msgApproving)
		res.ApprovalTxHash, err = r.approve(ctx, amt)
		if err != nil {
			return Result{}, err
		}
	}

	r.transition(StatePurchasing)
	r.events.emit(StepPurchasing, msgPurchasing)
	rec, err := r.purchase(ctx, req.AssetID, amt, res.ApprovalTxHash)
	if err != nil {
		return Result{}, err
	}
	res.PurchaseTxHash = rec.Hash.Hex()
	res.Purchase = rec
	return res, nil
}

// identity resolves the signing identity and checks it can act for the buyer on
// the configured network.
func (r *run) identity(ctx context.Context, buyer common.Address) (common.Address, error) {
	signer, err := r.wallet.SignerAddress(ctx)
	if err != nil {
		return common.Address{}, &Error{Kind: ErrWalletUnavailable, Err: err}
	}
	if buyer == (common.Address{}) {
		buyer = signer
	}
	if buyer != signer {
		return common.Address{}, &Error{Kind: ErrWalletUnavailable, Err: fmt.Errorf("signing identity %s cannot buy for %s", signer.Hex(), buyer.Hex())}
	}

	if r.cfg.ChainID != 0 {
		chainID, err := r.wallet.ChainID(ctx)
		if err != nil {
			return common.Address{}, &Error{Kind: ErrNetwork, Err: err}
		}
		if chainID.Cmp(big.NewInt(r.cfg.ChainID)) != 0 {
			return common.Address{}, &Error{Kind: ErrWalletUnavailable, Err: fmt.Errorf("wallet is on chain %s, expected %d", chainID, r.cfg.ChainID)}
		}
	}
	return buyer, nil
}

// check validates the request against the minimum investment and the buyer's
// live balance, then reports whether the current allowance falls short.
func (r *run) check(ctx context.Context, req Request, buyer common.Address, amt amount.Stable) (bool, error) {
	ctx, span := r.tracer.Start(ctx, "purchase.checking")
	defer span.End()

	if req.MinInvestment.Sign() > 0 && req.USDValue.LessThan(req.MinInvestment) {
		return false, &Error{Kind: ErrBelowMinimum, Step: StepChecking,
			Err: fmt.Errorf("requested %s, minimum %s", req.USDValue, req.MinInvestment)}
	}

	balance, err := r.inspector.Balance(ctx, buyer)
	if err != nil {
		return false, &Error{Kind: ErrNetwork, Step: StepChecking, Err: err}
	}
	if balance.Less(amt) {
		return false, &Error{
			Kind:      ErrInsufficientBalance,
			Step:      StepChecking,
			Required:  amt,
			Available: balance,
			Err:       fmt.Errorf("required %s, available %s", r.converter.Format(amt), r.converter.Format(balance)),
		}
	}

	allowance, err := r.inspector.Allowance(ctx, buyer, r.cfg.Sale)
	if err != nil {
		return false, &Error{Kind: ErrNetwork, Step: StepChecking, Err: err}
	}
	span.SetAttributes(attribute.Bool("purchase.approval_needed", allowance.Less(amt)))
	return allowance.Less(amt), nil
}

func (r *run) approve(ctx context.Context, amt amount.Stable) (string, error) {
	ctx, span := r.tracer.Start(ctx, "purchase.approving")
	defer span.End()

	hash, err := r.executor.Submit(ctx, txn.Approve(r.cfg.Sale, amt))
	if err != nil {
		return "", &Error{Kind: ErrApprovalFailed, Step: StepApproving, Err: err}
	}
	if _, err := r.executor.AwaitInclusion(ctx, hash); err != nil {
		return "", &Error{Kind: ErrApprovalFailed, Step: StepApproving, TxHash: hash.Hex(), Err: err}
	}
	return hash.Hex(), nil
}

func (r *run) purchase(ctx context.Context, assetID *big.Int, amt amount.Stable, approvalTx string) (txn.Record, error) {
	ctx, span := r.tracer.Start(ctx, "purchase.purchasing")
	defer span.End()

	hash, err := r.executor.Submit(ctx, txn.Purchase(assetID, amt))
	if err != nil {
		return txn.Record{}, &Error{Kind: ErrPurchaseFailed, Step: StepPurchasing, ApprovalTxHash: approvalTx, Err: err}
	}
	rec, err := r.executor.AwaitInclusion(ctx, hash)
	if err != nil {
		return txn.Record{}, &Error{Kind: ErrPurchaseFailed, Step: StepPurchasing, ApprovalTxHash: approvalTx, TxHash: hash.Hex(), Err: err}
	}
	return rec, nil
}
