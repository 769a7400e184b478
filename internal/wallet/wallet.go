// Package wallet sends USDC refunds from the operator's hot wallet.
package wallet

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/mbd888/paygate/internal/syncutil"
	"github.com/mbd888/paygate/internal/usdc"
	"github.com/mbd888/paygate/pkg/x402"
)

var (
	ErrInvalidPrivateKey = errors.New("wallet: invalid private key")
	ErrInvalidAddress    = errors.New("wallet: invalid address")
	ErrInvalidAmount     = errors.New("wallet: invalid amount")
	ErrTransactionFailed = errors.New("wallet: transaction failed")
	ErrTimeout           = errors.New("wallet: operation timed out")
	ErrRPCConnection     = errors.New("wallet: RPC connection failed")
	ErrWrongChain        = errors.New("wallet: RPC serves a different chain")
)

// TransferError wraps transfer failures with the step that failed.
type TransferError struct {
	Op     string
	TxHash string
	Err    error
}

func (e *TransferError) Error() string {
	if e.TxHash != "" {
		return fmt.Sprintf("wallet: %s failed (tx: %s): %v", e.Op, e.TxHash, e.Err)
	}
	return fmt.Sprintf("wallet: %s failed: %v", e.Op, e.Err)
}

func (e *TransferError) Unwrap() error { return e.Err }

// Transactor sends a USDC transfer and waits until it is mined.
type Transactor interface {
	Send(ctx context.Context, to common.Address, amount *big.Int) (*TransferResult, error)
}

// EthClient is the subset of ethclient.Client the wallet uses.
type EthClient interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	ChainID(ctx context.Context) (*big.Int, error)
	Close()
}

const erc20ABI = `[
	{"constant":false,"inputs":[{"name":"to","type":"address"},{"name":"value","type":"uint256"}],"name":"transfer","outputs":[{"name":"","type":"bool"}],"type":"function"},
	{"constant":true,"inputs":[{"name":"owner","type":"address"}],"name":"balanceOf","outputs":[{"name":"","type":"uint256"}],"type":"function"}
]`

const (
	// DefaultGasLimit is used when estimation fails.
	DefaultGasLimit = uint64(100000)

	// DefaultConfirmationTimeout applies when the context has no deadline.
	DefaultConfirmationTimeout = 60 * time.Second
)

// PollInterval is the gap between receipt checks.
var PollInterval = 2 * time.Second

var nonceLocks syncutil.KeyedMutex

// Config for the refund wallet. Chain ID and USDC contract come from the
// network registry.
type Config struct {
	RPCURL     string
	PrivateKey string
	Network    string
}

// Option configures the wallet.
type Option func(*Wallet)

// WithClient sets the Ethereum client, mainly for tests.
func WithClient(client EthClient) Option {
	return func(w *Wallet) {
		w.client = client
	}
}

// TransferResult describes a sent transfer.
type TransferResult struct {
	TxHash      string
	From        string
	To          string
	Amount      *big.Int
	Nonce       uint64
	BlockNumber uint64
	GasUsed     uint64
}

// Wallet signs and sends USDC transfers on one network.
type Wallet struct {
	client     EthClient
	privateKey *ecdsa.PrivateKey
	address    common.Address
	network    x402.Network
	chainID    *big.Int
	contract   common.Address
	abi        abi.ABI
}

var _ Transactor = (*Wallet)(nil)

// New creates a wallet, dialing cfg.RPCURL unless a client is supplied.
func New(cfg Config, opts ...Option) (*Wallet, error) {
	if cfg.PrivateKey == "" {
		return nil, fmt.Errorf("%w: private key required", ErrInvalidPrivateKey)
	}
	key := strings.TrimPrefix(cfg.PrivateKey, "0x")
	if len(key) != 64 {
		return nil, fmt.Errorf("%w: must be 64 hex characters", ErrInvalidPrivateKey)
	}
	privateKey, err := crypto.HexToECDSA(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPrivateKey, err)
	}

	network, err := x402.LookupNetwork(cfg.Network)
	if err != nil {
		return nil, err
	}

	parsed, err := abi.JSON(strings.NewReader(erc20ABI))
	if err != nil {
		return nil, fmt.Errorf("wallet: parse ERC20 ABI: %w", err)
	}

	w := &Wallet{
		privateKey: privateKey,
		address:    crypto.PubkeyToAddress(privateKey.PublicKey),
		network:    network,
		chainID:    big.NewInt(network.ChainID),
		contract:   common.HexToAddress(network.Asset),
		abi:        parsed,
	}
	for _, opt := range opts {
		opt(w)
	}

	if w.client == nil {
		if cfg.RPCURL == "" {
			return nil, fmt.Errorf("%w: RPC URL required", ErrRPCConnection)
		}
		client, err := ethclient.Dial(cfg.RPCURL)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrRPCConnection, err)
		}
		w.client = client
	}
	return w, nil
}

// Address returns the wallet's checksummed address.
func (w *Wallet) Address() string {
	return w.address.Hex()
}

// Network returns the network name refunds are sent on.
func (w *Wallet) Network() string {
	return w.network.Name
}

// Ping checks that the RPC endpoint answers and serves the expected chain.
func (w *Wallet) Ping(ctx context.Context) error {
	id, err := w.client.ChainID(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRPCConnection, err)
	}
	if id.Cmp(w.chainID) != 0 {
		return fmt.Errorf("%w: got %s, want %s", ErrWrongChain, id, w.chainID)
	}
	return nil
}

// Balance returns the wallet's USDC balance as a decimal string.
func (w *Wallet) Balance(ctx context.Context) (string, error) {
	raw, err := w.BalanceOf(ctx, w.address)
	if err != nil {
		return "", err
	}
	return usdc.Format(raw), nil
}

// BalanceOf returns the USDC balance of addr in atomic units.
func (w *Wallet) BalanceOf(ctx context.Context, addr common.Address) (*big.Int, error) {
	data, err := w.abi.Pack("balanceOf", addr)
	if err != nil {
		return nil, fmt.Errorf("wallet: pack balanceOf: %w", err)
	}
	result, err := w.client.CallContract(ctx, ethereum.CallMsg{To: &w.contract, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("wallet: call balanceOf: %w", err)
	}
	return new(big.Int).SetBytes(result), nil
}

// Transfer signs and broadcasts a USDC transfer without waiting for it.
func (w *Wallet) Transfer(ctx context.Context, to common.Address, amount *big.Int) (*TransferResult, error) {
	if amount == nil || amount.Sign() <= 0 {
		return nil, &TransferError{Op: "validate", Err: ErrInvalidAmount}
	}
	if to == (common.Address{}) {
		return nil, &TransferError{Op: "validate", Err: ErrInvalidAddress}
	}

	data, err := w.abi.Pack("transfer", to, amount)
	if err != nil {
		return nil, &TransferError{Op: "pack", Err: err}
	}

	// Held from nonce read to broadcast so concurrent refunds from one
	// address never sign the same nonce.
	unlock, err := nonceLocks.Lock(ctx, w.address.Hex())
	if err != nil {
		return nil, &TransferError{Op: "nonce", Err: err}
	}
	defer unlock()

	nonce, err := w.client.PendingNonceAt(ctx, w.address)
	if err != nil {
		return nil, &TransferError{Op: "nonce", Err: err}
	}

	gasPrice, err := w.client.SuggestGasPrice(ctx)
	if err != nil {
		return nil, &TransferError{Op: "gas_price", Err: err}
	}

	gasLimit, err := w.client.EstimateGas(ctx, ethereum.CallMsg{
		From:  w.address,
		To:    &w.contract,
		Value: big.NewInt(0),
		Data:  data,
	})
	if err != nil {
		gasLimit = DefaultGasLimit
	}

	tx := types.NewTransaction(nonce, w.contract, big.NewInt(0), gasLimit, gasPrice, data)
	signed, err := types.SignTx(tx, types.NewEIP155Signer(w.chainID), w.privateKey)
	if err != nil {
		return nil, &TransferError{Op: "sign", Err: err}
	}

	if err := w.client.SendTransaction(ctx, signed); err != nil {
		return nil, &TransferError{Op: "send", TxHash: signed.Hash().Hex(), Err: err}
	}

	return &TransferResult{
		TxHash: signed.Hash().Hex(),
		From:   w.address.Hex(),
		To:     to.Hex(),
		Amount: new(big.Int).Set(amount),
		Nonce:  nonce,
	}, nil
}

// WaitForConfirmation polls for the receipt of txHash until it is mined or
// ctx expires.
func (w *Wallet) WaitForConfirmation(ctx context.Context, txHash string) (*types.Receipt, error) {
	hash := common.HexToHash(txHash)
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, DefaultConfirmationTimeout)
		defer cancel()
	}

	ticker := time.NewTicker(PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil, &TransferError{Op: "confirm", TxHash: txHash, Err: ErrTimeout}
			}
			return nil, &TransferError{Op: "confirm", TxHash: txHash, Err: ctx.Err()}

		case <-ticker.C:
			receipt, err := w.client.TransactionReceipt(ctx, hash)
			if err != nil {
				// not mined yet
				continue
			}
			if receipt.Status == types.ReceiptStatusFailed {
				return nil, &TransferError{Op: "confirm", TxHash: txHash, Err: ErrTransactionFailed}
			}
			return receipt, nil
		}
	}
}

// Send broadcasts a transfer and waits for it to be mined. The whole call
// is bounded by ctx.
func (w *Wallet) Send(ctx context.Context, to common.Address, amount *big.Int) (*TransferResult, error) {
	res, err := w.Transfer(ctx, to, amount)
	if err != nil {
		return nil, err
	}
	receipt, err := w.WaitForConfirmation(ctx, res.TxHash)
	if err != nil {
		return res, err
	}
	if receipt.BlockNumber != nil {
		res.BlockNumber = receipt.BlockNumber.Uint64()
	}
	res.GasUsed = receipt.GasUsed
	return res, nil
}

// Close closes the RPC connection.
func (w *Wallet) Close() error {
	if w.client != nil {
		w.client.Close()
	}
	return nil
}
