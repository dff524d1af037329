// Package evm talks to an Ethereum JSON-RPC node: it reports transaction
// finality, wallet balances, and sends native-token withdrawals.
package evm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/profitledger/internal/crypto"
	"github.com/alanyoungcy/profitledger/internal/domain"
	"github.com/alanyoungcy/profitledger/internal/platform/chainref"
)

// transferGas is the fixed gas cost of a plain value transfer.
const transferGas = 21000

// ErrGasPriceTooHigh is returned when the network gas price exceeds the
// configured ceiling.
var ErrGasPriceTooHigh = errors.New("gas price above ceiling")

// Backend is the subset of ethclient.Client used here.
type Backend interface {
	TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error)
	TransactionByHash(ctx context.Context, hash common.Hash) (*types.Transaction, bool, error)
	BlockNumber(ctx context.Context) (uint64, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
}

// Client implements domain.ChainStatusSource, domain.BalanceSource and, when
// given a signer, domain.TransferExecutor.
type Client struct {
	backend     Backend
	signer      *crypto.Signer
	maxGasPrice *big.Int
	logger      *slog.Logger

	// sendMu keeps nonce assignment and broadcast in order.
	sendMu sync.Mutex
}

// Dial connects to rpcURL.
func Dial(ctx context.Context, rpcURL string, signer *crypto.Signer, maxGasPriceGwei int64, logger *slog.Logger) (*Client, func(), error) {
	ec, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, nil, fmt.Errorf("evm: dial: %w", err)
	}
	return NewClient(ec, signer, maxGasPriceGwei, logger), ec.Close, nil
}

// NewClient wraps an existing backend. signer may be nil for a read-only
// client; maxGasPriceGwei <= 0 disables the ceiling.
func NewClient(b Backend, signer *crypto.Signer, maxGasPriceGwei int64, logger *slog.Logger) *Client {
	c := &Client{
		backend: b,
		signer:  signer,
		logger:  logger.With(slog.String("component", "evm")),
	}
	if maxGasPriceGwei > 0 {
		c.maxGasPrice = chainref.GweiToWei(maxGasPriceGwei)
	}
	return c
}

// TxStatus reports the receipt status of ref and its confirmation depth.
func (c *Client) TxStatus(ctx context.Context, ref string) (domain.ChainReport, error) {
	hash, err := chainref.ParseTxHash(ref)
	if err != nil {
		return domain.ChainReport{}, err
	}

	rcpt, err := c.backend.TransactionReceipt(ctx, hash)
	if errors.Is(err, ethereum.NotFound) {
		_, pending, terr := c.backend.TransactionByHash(ctx, hash)
		switch {
		case errors.Is(terr, ethereum.NotFound):
			return domain.ChainReport{Status: domain.ChainTxNotFound}, nil
		case terr != nil:
			return domain.ChainReport{}, fmt.Errorf("evm: transaction %s: %w", hash.Hex(), terr)
		case pending:
			return domain.ChainReport{Status: domain.ChainTxPending}, nil
		}
		// Mined but the node has not indexed the receipt yet.
		return domain.ChainReport{Status: domain.ChainTxPending}, nil
	}
	if err != nil {
		return domain.ChainReport{}, fmt.Errorf("evm: receipt %s: %w", hash.Hex(), err)
	}

	report := domain.ChainReport{BlockNumber: rcpt.BlockNumber.Uint64()}
	if rcpt.Status != types.ReceiptStatusSuccessful {
		report.Status = domain.ChainTxReverted
		return report, nil
	}
	report.Status = domain.ChainTxSuccess

	head, err := c.backend.BlockNumber(ctx)
	if err != nil {
		return domain.ChainReport{}, fmt.Errorf("evm: block number: %w", err)
	}
	if head >= report.BlockNumber {
		report.Confirmations = head - report.BlockNumber + 1
	}
	return report, nil
}

// Balance returns the native balance of address in ether.
func (c *Client) Balance(ctx context.Context, address string) (decimal.Decimal, error) {
	if !common.IsHexAddress(address) {
		return decimal.Zero, fmt.Errorf("evm: balance: %q: %w", address, domain.ErrInvalidReference)
	}
	wei, err := c.backend.BalanceAt(ctx, common.HexToAddress(address), nil)
	if err != nil {
		return decimal.Zero, fmt.Errorf("evm: balance: %w", err)
	}
	return chainref.WeiToEther(wei), nil
}

// WalletAddress returns the signer address, or "" for a read-only client.
func (c *Client) WalletAddress() string {
	if c.signer == nil {
		return ""
	}
	return c.signer.Address().Hex()
}

// Transfer sends amount ether from the signer wallet to destination and
// returns the transaction hash once broadcast.
func (c *Client) Transfer(ctx context.Context, destination string, amount decimal.Decimal) (string, error) {
	if c.signer == nil {
		return "", errors.New("evm: transfer: no wallet key configured")
	}
	if !common.IsHexAddress(destination) {
		return "", fmt.Errorf("evm: transfer: destination %q: %w", destination, domain.ErrInvalidReference)
	}
	value := chainref.EtherToWei(amount)
	if value.Sign() <= 0 {
		return "", fmt.Errorf("evm: transfer %s: %w", amount, domain.ErrInvalidAmount)
	}

	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	from := c.signer.Address()
	gasPrice, err := c.backend.SuggestGasPrice(ctx)
	if err != nil {
		return "", fmt.Errorf("evm: gas price: %w", err)
	}
	if c.maxGasPrice != nil && gasPrice.Cmp(c.maxGasPrice) > 0 {
		return "", fmt.Errorf("evm: gas price %s wei > %s wei: %w", gasPrice, c.maxGasPrice, ErrGasPriceTooHigh)
	}

	balance, err := c.backend.BalanceAt(ctx, from, nil)
	if err != nil {
		return "", fmt.Errorf("evm: wallet balance: %w", err)
	}
	need := new(big.Int).Add(value, new(big.Int).Mul(gasPrice, big.NewInt(transferGas)))
	if balance.Cmp(need) < 0 {
		return "", fmt.Errorf("evm: wallet holds %s wei, needs %s: %w", balance, need, domain.ErrInsufficientFunds)
	}

	nonce, err := c.backend.PendingNonceAt(ctx, from)
	if err != nil {
		return "", fmt.Errorf("evm: nonce: %w", err)
	}

	tx := types.NewTransaction(nonce, common.HexToAddress(destination), value, transferGas, gasPrice, nil)
	signed, err := c.signer.SignTx(tx)
	if err != nil {
		return "", err
	}
	if err := c.backend.SendTransaction(ctx, signed); err != nil {
		return "", fmt.Errorf("evm: send: %w", err)
	}

	hash := signed.Hash().Hex()
	c.logger.InfoContext(ctx, "transfer sent",
		slog.String("tx_hash", hash),
		slog.String("to", destination),
		slog.String("amount", amount.String()),
		slog.Uint64("nonce", nonce),
		slog.String("gas_price_wei", gasPrice.String()),
	)
	return hash, nil
}
