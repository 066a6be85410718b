package txn

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"rwamarket/internal/ledger"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusConfirmed Status = "confirmed"
	StatusFailed    Status = "failed"
)

// Record is the ledger's view of a submitted operation. A record starts Pending
// when a submission returns its hash and only moves on through a receipt lookup.
type Record struct {
	Hash        common.Hash
	Status      Status
	BlockNumber uint64
	GasUsed     uint64
}

// ReceiptReader fetches receipts; ethereum.NotFound means not yet mined.
type ReceiptReader interface {
	TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error)
}

// Tracker polls the ledger for the state of a previously submitted operation.
type Tracker struct {
	receipts ReceiptReader
}

func NewTracker(receipts ReceiptReader) *Tracker {
	return &Tracker{receipts: receipts}
}

// GetStatus is side-effect free and safe to call any number of times. A missing
// receipt is reported as Pending, not as an error.
func (t *Tracker) GetStatus(ctx context.Context, hash common.Hash) (Record, error) {
	rec := Record{Hash: hash, Status: StatusPending}

	receipt, err := t.receipts.TransactionReceipt(ctx, hash)
	if errors.Is(err, ethereum.NotFound) || (err == nil && receipt == nil) {
		return rec, nil
	}
	if err != nil {
		return rec, fmt.Errorf("%w: receipt %s: %v", ledger.ErrNetwork, hash.Hex(), err)
	}

	if receipt.Status != types.ReceiptStatusSuccessful {
		rec.Status = StatusFailed
	} else {
		rec.Status = StatusConfirmed
	}
	if receipt.BlockNumber != nil {
		rec.BlockNumber = receipt.BlockNumber.Uint64()
	}
	rec.GasUsed = receipt.GasUsed
	return rec, nil
}

// ParseHash accepts a 0x-prefixed 32-byte transaction hash.
func ParseHash(s string) (common.Hash, error) {
	s = strings.TrimSpace(s)
	if len(s) != 66 || !strings.HasPrefix(s, "0x") {
		return common.Hash{}, fmt.Errorf("invalid transaction hash %q", s)
	}
	if _, err := hexutil.Decode(s); err != nil {
		return common.Hash{}, fmt.Errorf("invalid transaction hash %q: %w", s, err)
	}
	return common.HexToHash(s), nil
}
