package token

import (
	"context"
	"fmt"
	"math/big"

	"rwamarket/internal/amount"
	"rwamarket/internal/ledger"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
)

// Inspector reads balance and allowance from the payment token. Every call is a
// point-in-time read against the node; nothing is cached.
type Inspector struct {
	address  common.Address
	contract *bind.BoundContract
}

func NewInspector(caller bind.ContractCaller, tokenAddress common.Address) *Inspector {
	return &Inspector{
		address:  tokenAddress,
		contract: bind.NewBoundContract(tokenAddress, ledger.PaymentToken(), caller, nil, nil),
	}
}

func (i *Inspector) Address() common.Address {
	return i.address
}

// Balance returns the token holdings of owner.
func (i *Inspector) Balance(ctx context.Context, owner common.Address) (amount.Stable, error) {
	return i.readUint(ctx, "balanceOf", owner)
}

// Allowance returns how much spender may currently pull from owner.
func (i *Inspector) Allowance(ctx context.Context, owner, spender common.Address) (amount.Stable, error) {
	return i.readUint(ctx, "allowance", owner, spender)
}

func (i *Inspector) readUint(ctx context.Context, method string, params ...interface{}) (amount.Stable, error) {
	var out []interface{}
	if err := i.contract.Call(&bind.CallOpts{Context: ctx}, &out, method, params...); err != nil {
		return amount.Stable{}, fmt.Errorf("%w: %s: %v", ledger.ErrNetwork, method, err)
	}
	if len(out) != 1 {
		return amount.Stable{}, fmt.Errorf("%w: %s: malformed response", ledger.ErrNetwork, method)
	}
	raw, ok := abi.ConvertType(out[0], new(*big.Int)).(**big.Int)
	if !ok || raw == nil || *raw == nil {
		return amount.Stable{}, fmt.Errorf("%w: %s: malformed response", ledger.ErrNetwork, method)
	}
	v, err := amount.FromBig(*raw)
	if err != nil {
		return amount.Stable{}, fmt.Errorf("%w: %s: %v", ledger.ErrNetwork, method, err)
	}
	return v, nil
}
