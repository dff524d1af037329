package etherscan

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/profitledger/internal/domain"
)

var hash = "0x" + strings.Repeat("1f", 32)

// fakeExplorer answers proxy calls from fixed per-action bodies.
func fakeExplorer(t *testing.T, bodies map[string]string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		assert.Equal(t, "1", q.Get("chainid"))
		assert.Equal(t, "key", q.Get("apikey"))
		body, ok := bodies[q.Get("action")]
		if !ok {
			http.Error(w, "unexpected action", http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, body)
	}))
}

func rpc(result string) string {
	return `{"jsonrpc":"2.0","id":1,"result":` + result + `}`
}

func TestTxStatusSuccessWithConfirmations(t *testing.T) {
	srv := fakeExplorer(t, map[string]string{
		"eth_getTransactionReceipt": rpc(`{"status":"0x1","blockNumber":"0x64"}`),
		"eth_blockNumber":           rpc(`"0x6d"`),
	})
	defer srv.Close()

	rep, err := NewClient(srv.URL, "key", 1).TxStatus(context.Background(), hash)
	require.NoError(t, err)
	assert.Equal(t, domain.ChainTxSuccess, rep.Status)
	assert.EqualValues(t, 100, rep.BlockNumber)
	assert.EqualValues(t, 10, rep.Confirmations)
}

func TestTxStatusReverted(t *testing.T) {
	srv := fakeExplorer(t, map[string]string{
		"eth_getTransactionReceipt": rpc(`{"status":"0x0","blockNumber":"0x64"}`),
	})
	defer srv.Close()

	rep, err := NewClient(srv.URL, "key", 1).TxStatus(context.Background(), hash)
	require.NoError(t, err)
	assert.Equal(t, domain.ChainTxReverted, rep.Status)
}

func TestTxStatusMempoolAndUnknown(t *testing.T) {
	srv := fakeExplorer(t, map[string]string{
		"eth_getTransactionReceipt": rpc(`null`),
		"eth_getTransactionByHash":  rpc(`{"hash":"` + hash + `","blockNumber":null}`),
	})
	defer srv.Close()
	rep, err := NewClient(srv.URL, "key", 1).TxStatus(context.Background(), hash)
	require.NoError(t, err)
	assert.Equal(t, domain.ChainTxPending, rep.Status)

	missing := fakeExplorer(t, map[string]string{
		"eth_getTransactionReceipt": rpc(`null`),
		"eth_getTransactionByHash":  rpc(`null`),
	})
	defer missing.Close()
	rep, err = NewClient(missing.URL, "key", 1).TxStatus(context.Background(), hash)
	require.NoError(t, err)
	assert.Equal(t, domain.ChainTxNotFound, rep.Status)
}

func TestTxStatusRejectsMalformedReference(t *testing.T) {
	c := NewClient("http://127.0.0.1:1", "key", 1)
	_, err := c.TxStatus(context.Background(), "tx1")
	assert.ErrorIs(t, err, domain.ErrInvalidReference)
}

func TestRateLimitResponses(t *testing.T) {
	srv := fakeExplorer(t, map[string]string{
		"eth_getTransactionReceipt": `{"status":"0","message":"NOTOK","result":"Max rate limit reached"}`,
	})
	defer srv.Close()
	_, err := NewClient(srv.URL, "key", 1).TxStatus(context.Background(), hash)
	assert.ErrorIs(t, err, domain.ErrRateLimited)

	throttled := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer throttled.Close()
	_, err = NewClient(throttled.URL, "key", 1).TxStatus(context.Background(), hash)
	assert.ErrorIs(t, err, domain.ErrRateLimited)
}

func TestRPCErrorSurfaces(t *testing.T) {
	srv := fakeExplorer(t, map[string]string{
		"eth_getTransactionReceipt": `{"jsonrpc":"2.0","id":1,"error":{"code":-32000,"message":"boom"}}`,
	})
	defer srv.Close()
	_, err := NewClient(srv.URL, "key", 1).TxStatus(context.Background(), hash)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")
}

func TestBalance(t *testing.T) {
	srv := fakeExplorer(t, map[string]string{
		"balance": `{"status":"1","message":"OK","result":"2500000000000000000"}`,
	})
	defer srv.Close()

	bal, err := NewClient(srv.URL, "key", 1).Balance(context.Background(), "0x52908400098527886E0F7030069857D2E4169EE7")
	require.NoError(t, err)
	assert.True(t, bal.Equal(decimal.RequireFromString("2.5")))

	_, err = NewClient(srv.URL, "key", 1).Balance(context.Background(), "nope")
	assert.ErrorIs(t, err, domain.ErrInvalidReference)
}
