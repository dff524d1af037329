// Package etherscan queries transaction finality and balances through the
// Etherscan HTTP API.
package etherscan

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/profitledger/internal/domain"
	"github.com/alanyoungcy/profitledger/internal/platform/chainref"
)

// DefaultBaseURL is the multichain v2 endpoint.
const DefaultBaseURL = "https://api.etherscan.io/v2/api"

// Client implements domain.ChainStatusSource and domain.BalanceSource.
type Client struct {
	baseURL    string
	apiKey     string
	chainID    int64
	httpClient *http.Client
}

// NewClient creates an Etherscan client for the given chain id.
func NewClient(baseURL, apiKey string, chainID int64) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  strings.TrimSpace(apiKey),
		chainID: chainID,
		httpClient: &http.Client{
			Timeout: 15 * time.Second,
		},
	}
}

// envelope covers both the proxy (JSON-RPC) and the account module response
// shapes.
type envelope struct {
	Status  string          `json:"status"`
	Message string          `json:"message"`
	Result  json.RawMessage `json:"result"`
	Error   *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

type receipt struct {
	Status      string `json:"status"`
	BlockNumber string `json:"blockNumber"`
}

type transaction struct {
	Hash        string  `json:"hash"`
	BlockNumber *string `json:"blockNumber"`
}

// TxStatus reports the receipt status of ref and its confirmation depth.
func (c *Client) TxStatus(ctx context.Context, ref string) (domain.ChainReport, error) {
	hash, err := chainref.ParseTxHash(ref)
	if err != nil {
		return domain.ChainReport{}, err
	}

	raw, err := c.get(ctx, url.Values{
		"module": {"proxy"},
		"action": {"eth_getTransactionReceipt"},
		"txhash": {hash.Hex()},
	})
	if err != nil {
		return domain.ChainReport{}, fmt.Errorf("etherscan: receipt %s: %w", hash.Hex(), err)
	}

	if isNull(raw) {
		// No receipt yet: distinguish a mempool transaction from an unknown one.
		return c.pendingOrMissing(ctx, hash)
	}

	var r receipt
	if err := json.Unmarshal(raw, &r); err != nil {
		return domain.ChainReport{}, fmt.Errorf("etherscan: decode receipt: %w", err)
	}
	block, err := hexutil.DecodeUint64(r.BlockNumber)
	if err != nil {
		return domain.ChainReport{}, fmt.Errorf("etherscan: receipt block %q: %w", r.BlockNumber, err)
	}

	report := domain.ChainReport{BlockNumber: block}
	switch r.Status {
	case "0x1":
		report.Status = domain.ChainTxSuccess
	case "0x0":
		report.Status = domain.ChainTxReverted
		return report, nil
	default:
		report.Status = domain.ChainTxPending
		return report, nil
	}

	head, err := c.BlockNumber(ctx)
	if err != nil {
		return domain.ChainReport{}, err
	}
	if head >= block {
		report.Confirmations = head - block + 1
	}
	return report, nil
}

func (c *Client) pendingOrMissing(ctx context.Context, hash common.Hash) (domain.ChainReport, error) {
	raw, err := c.get(ctx, url.Values{
		"module": {"proxy"},
		"action": {"eth_getTransactionByHash"},
		"txhash": {hash.Hex()},
	})
	if err != nil {
		return domain.ChainReport{}, fmt.Errorf("etherscan: transaction %s: %w", hash.Hex(), err)
	}
	if isNull(raw) {
		return domain.ChainReport{Status: domain.ChainTxNotFound}, nil
	}
	var tx transaction
	if err := json.Unmarshal(raw, &tx); err != nil {
		return domain.ChainReport{}, fmt.Errorf("etherscan: decode transaction: %w", err)
	}
	return domain.ChainReport{Status: domain.ChainTxPending}, nil
}

// BlockNumber returns the current head block.
func (c *Client) BlockNumber(ctx context.Context) (uint64, error) {
	raw, err := c.get(ctx, url.Values{
		"module": {"proxy"},
		"action": {"eth_blockNumber"},
	})
	if err != nil {
		return 0, fmt.Errorf("etherscan: block number: %w", err)
	}
	var hex string
	if err := json.Unmarshal(raw, &hex); err != nil {
		return 0, fmt.Errorf("etherscan: decode block number: %w", err)
	}
	n, err := hexutil.DecodeUint64(hex)
	if err != nil {
		return 0, fmt.Errorf("etherscan: block number %q: %w", hex, err)
	}
	return n, nil
}

// Balance returns the native balance of address in ether.
func (c *Client) Balance(ctx context.Context, address string) (decimal.Decimal, error) {
	if !common.IsHexAddress(address) {
		return decimal.Zero, fmt.Errorf("etherscan: balance: %q: %w", address, domain.ErrInvalidReference)
	}
	raw, err := c.get(ctx, url.Values{
		"module":  {"account"},
		"action":  {"balance"},
		"address": {common.HexToAddress(address).Hex()},
		"tag":     {"latest"},
	})
	if err != nil {
		return decimal.Zero, fmt.Errorf("etherscan: balance: %w", err)
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return decimal.Zero, fmt.Errorf("etherscan: decode balance: %w", err)
	}
	wei, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return decimal.Zero, fmt.Errorf("etherscan: balance %q is not an integer", s)
	}
	return chainref.WeiToEther(wei), nil
}

// get issues a GET request and returns the "result" field.
func (c *Client) get(ctx context.Context, params url.Values) (json.RawMessage, error) {
	params.Set("chainid", strconv.FormatInt(c.chainID, 10))
	if c.apiKey != "" {
		params.Set("apikey", c.apiKey)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, fmt.Errorf("status 429: %w", domain.ErrRateLimited)
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("unexpected status %d: %s", resp.StatusCode, truncate(body, 200))
	}

	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	if env.Error != nil {
		return nil, fmt.Errorf("rpc error %d: %s", env.Error.Code, env.Error.Message)
	}
	if env.Status == "0" {
		msg := env.Message
		var detail string
		if json.Unmarshal(env.Result, &detail) == nil && detail != "" {
			msg = msg + ": " + detail
		}
		if strings.Contains(strings.ToLower(msg), "rate limit") {
			return nil, fmt.Errorf("%s: %w", msg, domain.ErrRateLimited)
		}
		return nil, errors.New("api error: " + msg)
	}
	return env.Result, nil
}

func isNull(raw json.RawMessage) bool {
	s := strings.TrimSpace(string(raw))
	return s == "" || s == "null"
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
