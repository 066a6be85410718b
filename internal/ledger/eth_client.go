package ledger

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
)

// EthClient is a Client backed by a JSON-RPC node and a local private key.
type EthClient struct {
	client    *ethclient.Client
	chainID   *big.Int
	transacts *bind.TransactOpts
}

type EthClientConfig struct {
	RPCURL        string
	PrivateKeyHex string
	// ChainID, when non-zero, must match the node's reported network id.
	ChainID int64
}

// Dial connects to the node and prepares a keyed transactor. A missing RPC URL or
// key is reported as ErrWalletUnavailable so callers can fail before any flow starts.
func Dial(ctx context.Context, cfg EthClientConfig) (*EthClient, error) {
	if cfg.RPCURL == "" {
		return nil, fmt.Errorf("%w: rpc url is required", ErrWalletUnavailable)
	}
	if cfg.PrivateKeyHex == "" {
		return nil, fmt.Errorf("%w: private key is required for submitting purchases", ErrWalletUnavailable)
	}

	pk, err := parsePrivateKey(cfg.PrivateKeyHex)
	if err != nil {
		return nil, err
	}

	cli, err := ethclient.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("%w: dial rpc: %v", ErrNetwork, err)
	}

	chainID, err := cli.ChainID(ctx)
	if err != nil {
		cli.Close()
		return nil, fmt.Errorf("%w: fetch chain id: %v", ErrNetwork, err)
	}
	if cfg.ChainID != 0 && chainID.Cmp(big.NewInt(cfg.ChainID)) != 0 {
		cli.Close()
		return nil, fmt.Errorf("%w: node is on chain %s, expected %d", ErrWalletUnavailable, chainID, cfg.ChainID)
	}

	txOpts, err := bind.NewKeyedTransactorWithChainID(pk, chainID)
	if err != nil {
		cli.Close()
		return nil, fmt.Errorf("transactor: %w", err)
	}
	txOpts.GasLimit = 0 // let node estimate
	txOpts.GasPrice = nil
	txOpts.Nonce = nil

	return &EthClient{
		client:    cli,
		chainID:   chainID,
		transacts: txOpts,
	}, nil
}

func parsePrivateKey(hexKey string) (*ecdsa.PrivateKey, error) {
	hexKey = strings.TrimPrefix(strings.TrimSpace(hexKey), "0x")
	key, err := crypto.HexToECDSA(hexKey)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	return key, nil
}

func (c *EthClient) Close() {
	c.client.Close()
}

func (c *EthClient) SignerAddress(_ context.Context) (common.Address, error) {
	if c.transacts == nil {
		return common.Address{}, ErrWalletUnavailable
	}
	return c.transacts.From, nil
}

func (c *EthClient) SendCall(ctx context.Context, to common.Address, calldata []byte) (common.Hash, error) {
	if c.transacts == nil {
		return common.Hash{}, ErrWalletUnavailable
	}

	opts := *c.transacts
	opts.Context = ctx

	bound := bind.NewBoundContract(to, abi.ABI{}, c.client, c.client, c.client)
	tx, err := bound.RawTransact(&opts, calldata)
	if err != nil {
		return common.Hash{}, err
	}
	return tx.Hash(), nil
}

func (c *EthClient) CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	return c.client.CallContract(ctx, call, blockNumber)
}

func (c *EthClient) CodeAt(ctx context.Context, contract common.Address, blockNumber *big.Int) ([]byte, error) {
	return c.client.CodeAt(ctx, contract, blockNumber)
}

func (c *EthClient) TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	return c.client.TransactionReceipt(ctx, hash)
}

func (c *EthClient) ChainID(_ context.Context) (*big.Int, error) {
	return new(big.Int).Set(c.chainID), nil
}

func (c *EthClient) Ping(ctx context.Context) error {
	_, err := c.client.BlockNumber(ctx)
	return err
}
