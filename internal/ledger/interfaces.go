package ledger

import (
	"context"
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

var (
	// ErrWalletUnavailable means no signing capability is configured or reachable.
	ErrWalletUnavailable = errors.New("wallet unavailable")
	// ErrUserRejected is returned by signers that decline to authorize a call.
	ErrUserRejected = errors.New("user rejected the request")
	// ErrNetwork marks read or connectivity failures against the node.
	ErrNetwork = errors.New("ledger network error")
)

// Reader is the read side of the ledger: contract state, receipts and the network id.
type Reader interface {
	bind.ContractCaller
	TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error)
	ChainID(ctx context.Context) (*big.Int, error)
}

// Client adds a signing identity and call submission to Reader.
type Client interface {
	Reader
	// SignerAddress produces the signing identity on demand.
	SignerAddress(ctx context.Context) (common.Address, error)
	// SendCall signs and broadcasts calldata to a contract and returns once the
	// node accepts it into the pending pool.
	SendCall(ctx context.Context, to common.Address, calldata []byte) (common.Hash, error)
}

// HealthChecker is implemented by clients that can probe their node.
type HealthChecker interface {
	Ping(ctx context.Context) error
}
