package ledger

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

const (
	fakeApproveGas  = 46_000
	fakePurchaseGas = 118_000
)

// SentCall records one submission accepted by FakeLedger.
type SentCall struct {
	Hash   common.Hash
	To     common.Address
	Method string
	Args   []interface{}
}

// FakeLedger emulates the payment token and the sale contract in memory. It backs
// the API in dev mode (no private key configured) and the package tests.
type FakeLedger struct {
	// AutoMine includes every submission immediately. When false, submissions stay
	// pending until Mine is called.
	AutoMine bool

	mu         sync.Mutex
	chainID    *big.Int
	signer     common.Address
	token      common.Address
	sale       common.Address
	decimals   uint8
	balances   map[common.Address]*big.Int
	allowances map[[2]common.Address]*big.Int
	purchased  map[common.Address]map[string]*big.Int
	pending    []SentCall
	receipts   map[common.Hash]*types.Receipt
	sent       []SentCall
	block      uint64
	nonce      uint64

	readErr    error
	rejectNext bool
	revertNext map[string]bool
}

type FakeLedgerConfig struct {
	ChainID  int64
	Signer   common.Address
	Token    common.Address
	Sale     common.Address
	Decimals uint8
}

func NewFakeLedger(cfg FakeLedgerConfig) *FakeLedger {
	chainID := cfg.ChainID
	if chainID == 0 {
		chainID = 1337
	}
	return &FakeLedger{
		AutoMine:   true,
		chainID:    big.NewInt(chainID),
		signer:     cfg.Signer,
		token:      cfg.Token,
		sale:       cfg.Sale,
		decimals:   cfg.Decimals,
		balances:   make(map[common.Address]*big.Int),
		allowances: make(map[[2]common.Address]*big.Int),
		purchased:  make(map[common.Address]map[string]*big.Int),
		receipts:   make(map[common.Hash]*types.Receipt),
		revertNext: make(map[string]bool),
		block:      1,
	}
}

func (f *FakeLedger) SetBalance(owner common.Address, v *big.Int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.balances[owner] = new(big.Int).Set(v)
}

func (f *FakeLedger) SetAllowance(owner, spender common.Address, v *big.Int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.allowances[[2]common.Address{owner, spender}] = new(big.Int).Set(v)
}

func (f *FakeLedger) Balance(owner common.Address) *big.Int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return valueOrZero(f.balances[owner])
}

func (f *FakeLedger) Allowance(owner, spender common.Address) *big.Int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return valueOrZero(f.allowances[[2]common.Address{owner, spender}])
}

// Purchased returns the stable amount a buyer has spent on an asset.
func (f *FakeLedger) Purchased(buyer common.Address, assetID *big.Int) *big.Int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return valueOrZero(f.purchased[buyer][assetID.String()])
}

// Sent lists accepted submissions in order.
func (f *FakeLedger) Sent() []SentCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]SentCall, len(f.sent))
	copy(out, f.sent)
	return out
}

// FailReads makes every contract read fail with err until cleared with nil.
func (f *FakeLedger) FailReads(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.readErr = err
}

// RejectNext makes the signer decline the next submission.
func (f *FakeLedger) RejectNext() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rejectNext = true
}

// RevertNext makes the next mined call of method revert.
func (f *FakeLedger) RevertNext(method string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.revertNext[method] = true
}

func (f *FakeLedger) SignerAddress(context.Context) (common.Address, error) {
	return f.signer, nil
}

func (f *FakeLedger) ChainID(context.Context) (*big.Int, error) {
	return new(big.Int).Set(f.chainID), nil
}

func (f *FakeLedger) Ping(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.readErr
}

func (f *FakeLedger) CodeAt(_ context.Context, contract common.Address, _ *big.Int) ([]byte, error) {
	if contract == f.token || contract == f.sale {
		return []byte{0x60, 0x80}, nil
	}
	return nil, nil
}

func (f *FakeLedger) CallContract(_ context.Context, call ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.readErr != nil {
		return nil, f.readErr
	}
	if call.To == nil || *call.To != f.token {
		return nil, nil
	}
	method, args, err := decodeCall(paymentTokenABI, call.Data)
	if err != nil {
		return nil, err
	}

	switch method.Name {
	case "balanceOf":
		return method.Outputs.Pack(valueOrZero(f.balances[args[0].(common.Address)]))
	case "allowance":
		key := [2]common.Address{args[0].(common.Address), args[1].(common.Address)}
		return method.Outputs.Pack(valueOrZero(f.allowances[key]))
	case "decimals":
		return method.Outputs.Pack(f.decimals)
	}
	return nil, fmt.Errorf("fake ledger: %s is not a view", method.Name)
}

func (f *FakeLedger) SendCall(_ context.Context, to common.Address, calldata []byte) (common.Hash, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.rejectNext {
		f.rejectNext = false
		return common.Hash{}, ErrUserRejected
	}

	var contract abi.ABI
	switch to {
	case f.token:
		contract = paymentTokenABI
	case f.sale:
		contract = saleABI
	default:
		return common.Hash{}, fmt.Errorf("fake ledger: unknown contract %s", to.Hex())
	}
	method, args, err := decodeCall(contract, calldata)
	if err != nil {
		return common.Hash{}, err
	}

	f.nonce++
	hash := crypto.Keccak256Hash(
		f.signer.Bytes(),
		common.LeftPadBytes(new(big.Int).SetUint64(f.nonce).Bytes(), 32),
		to.Bytes(),
		calldata,
	)
	call := SentCall{Hash: hash, To: to, Method: method.Name, Args: args}
	f.sent = append(f.sent, call)
	f.pending = append(f.pending, call)

	if f.AutoMine {
		f.mineLocked()
	}
	return hash, nil
}

// Mine includes all pending submissions in one new block.
func (f *FakeLedger) Mine() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.mineLocked()
}

func (f *FakeLedger) mineLocked() {
	if len(f.pending) == 0 {
		return
	}
	f.block++
	for _, call := range f.pending {
		ok, gas := f.executeLocked(call)
		status := types.ReceiptStatusSuccessful
		if !ok {
			status = types.ReceiptStatusFailed
		}
		f.receipts[call.Hash] = &types.Receipt{
			Status:      status,
			TxHash:      call.Hash,
			BlockNumber: new(big.Int).SetUint64(f.block),
			GasUsed:     gas,
		}
	}
	f.pending = nil
}

func (f *FakeLedger) executeLocked(call SentCall) (bool, uint64) {
	if f.revertNext[call.Method] {
		delete(f.revertNext, call.Method)
		return false, 21_000
	}

	switch call.Method {
	case "approve":
		spender := call.Args[0].(common.Address)
		value := call.Args[1].(*big.Int)
		f.allowances[[2]common.Address{f.signer, spender}] = new(big.Int).Set(value)
		return true, fakeApproveGas
	case "buyTokens":
		assetID := call.Args[0].(*big.Int)
		value := call.Args[1].(*big.Int)
		key := [2]common.Address{f.signer, f.sale}
		allowance := valueOrZero(f.allowances[key])
		balance := valueOrZero(f.balances[f.signer])
		if allowance.Cmp(value) < 0 || balance.Cmp(value) < 0 {
			return false, 31_000
		}
		f.allowances[key] = allowance.Sub(allowance, value)
		f.balances[f.signer] = balance.Sub(balance, value)
		f.balances[f.sale] = new(big.Int).Add(valueOrZero(f.balances[f.sale]), value)
		if f.purchased[f.signer] == nil {
			f.purchased[f.signer] = make(map[string]*big.Int)
		}
		spent := valueOrZero(f.purchased[f.signer][assetID.String()])
		f.purchased[f.signer][assetID.String()] = spent.Add(spent, value)
		return true, fakePurchaseGas
	}
	return false, 21_000
}

func (f *FakeLedger) TransactionReceipt(_ context.Context, hash common.Hash) (*types.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.readErr != nil {
		return nil, f.readErr
	}
	receipt, ok := f.receipts[hash]
	if !ok {
		return nil, ethereum.NotFound
	}
	cp := *receipt
	return &cp, nil
}

func decodeCall(contract abi.ABI, data []byte) (*abi.Method, []interface{}, error) {
	if len(data) < 4 {
		return nil, nil, errors.New("fake ledger: calldata too short")
	}
	method, err := contract.MethodById(data[:4])
	if err != nil {
		return nil, nil, fmt.Errorf("fake ledger: %w", err)
	}
	args, err := method.Inputs.Unpack(data[4:])
	if err != nil {
		return nil, nil, fmt.Errorf("fake ledger: unpack %s: %w", method.Name, err)
	}
	return method, args, nil
}

func valueOrZero(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(v)
}
