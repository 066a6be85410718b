package txn

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/big"
	"strings"
	"time"

	"rwamarket/internal/amount"
	"rwamarket/internal/ledger"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/rpc"
)

var (
	ErrReverted     = errors.New("transaction reverted")
	ErrTimeout      = errors.New("transaction not included before timeout")
	ErrUserRejected = errors.New("transaction rejected by signer")
)

// eip1193UserRejected is the wallet error code for a declined request.
const eip1193UserRejected = 4001

type Kind int

const (
	KindApprove Kind = iota + 1
	KindPurchase
)

func (k Kind) String() string {
	switch k {
	case KindApprove:
		return "approve"
	case KindPurchase:
		return "purchase"
	}
	return "unknown"
}

// Operation is one state-changing call: an allowance grant on the payment token
// or a purchase on the sale contract.
type Operation struct {
	Kind    Kind
	Spender common.Address
	AssetID *big.Int
	Amount  amount.Stable
}

func Approve(spender common.Address, amt amount.Stable) Operation {
	return Operation{Kind: KindApprove, Spender: spender, Amount: amt}
}

func Purchase(assetID *big.Int, amt amount.Stable) Operation {
	return Operation{Kind: KindPurchase, AssetID: assetID, Amount: amt}
}

func (o Operation) String() string {
	switch o.Kind {
	case KindApprove:
		return fmt.Sprintf("approve(%s, %s)", o.Spender.Hex(), o.Amount)
	case KindPurchase:
		return fmt.Sprintf("buyTokens(%s, %s)", o.AssetID, o.Amount)
	}
	return "unknown operation"
}

// Sender signs and broadcasts calldata.
type Sender interface {
	SendCall(ctx context.Context, to common.Address, calldata []byte) (common.Hash, error)
}

type Backend interface {
	Sender
	ReceiptReader
}

// WaitPolicy bounds how long AwaitInclusion polls for a receipt.
type WaitPolicy struct {
	PollInterval time.Duration
	Timeout      time.Duration
}

type ExecutorConfig struct {
	PaymentToken common.Address
	Sale         common.Address
	Wait         WaitPolicy
}

// Executor submits approve and purchase calls and waits for their inclusion.
// It never resubmits on its own; a retry is always the caller's decision.
type Executor struct {
	backend Backend
	tracker *Tracker
	token   common.Address
	sale    common.Address
	wait    WaitPolicy
}

func NewExecutor(backend Backend, cfg ExecutorConfig) *Executor {
	wait := cfg.Wait
	if wait.PollInterval <= 0 {
		wait.PollInterval = 2 * time.Second
	}
	return &Executor{
		backend: backend,
		tracker: NewTracker(backend),
		token:   cfg.PaymentToken,
		sale:    cfg.Sale,
		wait:    wait,
	}
}

// Submit returns as soon as the node accepts the operation into its pending pool.
func (e *Executor) Submit(ctx context.Context, op Operation) (common.Hash, error) {
	to, calldata, err := e.encode(op)
	if err != nil {
		return common.Hash{}, err
	}

	hash, err := e.backend.SendCall(ctx, to, calldata)
	if err != nil {
		return common.Hash{}, fmt.Errorf("submit %s: %w", op.Kind, classifySubmitError(err))
	}
	log.Printf("txn: submitted %s as %s", op, hash.Hex())
	return hash, nil
}

func (e *Executor) encode(op Operation) (common.Address, []byte, error) {
	switch op.Kind {
	case KindApprove:
		data, err := ledger.PaymentToken().Pack("approve", op.Spender, op.Amount.Big())
		if err != nil {
			return common.Address{}, nil, fmt.Errorf("encode approve: %w", err)
		}
		return e.token, data, nil
	case KindPurchase:
		if op.AssetID == nil || op.AssetID.Sign() < 0 {
			return common.Address{}, nil, errors.New("encode purchase: asset id required")
		}
		data, err := ledger.Sale().Pack("buyTokens", op.AssetID, op.Amount.Big())
		if err != nil {
			return common.Address{}, nil, fmt.Errorf("encode purchase: %w", err)
		}
		return e.sale, data, nil
	}
	return common.Address{}, nil, fmt.Errorf("unsupported operation kind %d", op.Kind)
}

// AwaitInclusion blocks until the operation is mined, the wait policy expires or
// the node becomes unreachable. On timeout the returned record is still Pending:
// the operation may yet be included and should be reconciled with a Tracker.
func (e *Executor) AwaitInclusion(ctx context.Context, hash common.Hash) (Record, error) {
	if e.wait.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.wait.Timeout)
		defer cancel()
	}

	ticker := time.NewTicker(e.wait.PollInterval)
	defer ticker.Stop()

	for {
		rec, err := e.tracker.GetStatus(ctx, hash)
		if err != nil {
			if ctx.Err() != nil {
				return rec, waitError(ctx, hash)
			}
			return rec, err
		}
		switch rec.Status {
		case StatusConfirmed:
			return rec, nil
		case StatusFailed:
			return rec, fmt.Errorf("%w: %s in block %d", ErrReverted, hash.Hex(), rec.BlockNumber)
		}

		select {
		case <-ctx.Done():
			return rec, waitError(ctx, hash)
		case <-ticker.C:
		}
	}
}

func waitError(ctx context.Context, hash common.Hash) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %s", ErrTimeout, hash.Hex())
	}
	return fmt.Errorf("await %s: %w", hash.Hex(), ctx.Err())
}

func classifySubmitError(err error) error {
	switch {
	case isUserRejection(err):
		return fmt.Errorf("%w: %w", ErrUserRejected, err)
	case strings.Contains(strings.ToLower(err.Error()), "execution reverted"):
		return fmt.Errorf("%w: %w", ErrReverted, err)
	}
	return fmt.Errorf("%w: %w", ledger.ErrNetwork, err)
}

func isUserRejection(err error) bool {
	if errors.Is(err, ledger.ErrUserRejected) {
		return true
	}
	var rpcErr rpc.Error
	if errors.As(err, &rpcErr) && rpcErr.ErrorCode() == eip1193UserRejected {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "user rejected") || strings.Contains(msg, "user denied")
}
