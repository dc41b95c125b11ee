package adapter

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/preyanshu/chainwatch/internal/config"
	"github.com/preyanshu/chainwatch/internal/errors"
	"github.com/preyanshu/chainwatch/internal/types"
)

const testAddr = "0x1111111111111111111111111111111111111111"

func newTestClient(serverURL string) *ExplorerClient {
	return NewExplorerClient(&config.ExplorerConfig{
		Endpoints: map[types.Network]string{
			types.NetworkTestnet: serverURL,
		},
		RequestTimeout:    5 * time.Second,
		DefaultLimit:      25,
		RequestsPerSecond: 1000,
	})
}

func TestFetchWalletTransactions_FirstEndpointWins(t *testing.T) {
	var hits []string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits = append(hits, r.URL.Path)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"items": []map[string]interface{}{
				{"hash": "0xh1", "from": testAddr, "to": testAddr, "value": "1", "status": true},
			},
		})
	}))
	defer server.Close()

	client := newTestClient(server.URL)
	txs, ok, err := client.FetchWalletTransactions(context.Background(), testAddr, types.NetworkTestnet, 25)
	require.NoError(t, err)
	assert.True(t, ok)
	require.Len(t, txs, 1)
	assert.Equal(t, "0xh1", txs[0].Hash)

	require.Len(t, hits, 1)
	assert.Equal(t, "/accounts/"+testAddr+"/transactions", hits[0])
}

func TestFetchWalletTransactions_FallsBackOnFailure(t *testing.T) {
	var hits []string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits = append(hits, r.URL.Path)
		if len(hits) < 2 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		json.NewEncoder(w).Encode(map[string]interface{}{
			"transfers": []map[string]interface{}{
				{"hash": "0xh2", "value": "5", "status": true},
			},
		})
	}))
	defer server.Close()

	client := newTestClient(server.URL)
	txs, ok, err := client.FetchWalletTransactions(context.Background(), testAddr, types.NetworkTestnet, 25)
	require.NoError(t, err)
	assert.True(t, ok)
	require.Len(t, txs, 1)
	assert.Equal(t, "0xh2", txs[0].Hash)

	require.Len(t, hits, 2)
	assert.Equal(t, "/accounts/evm/"+testAddr+"/transactions", hits[1])
}

func TestFetchWalletTransactions_AllNotFound(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	client := newTestClient(server.URL)
	_, _, err := client.FetchWalletTransactions(context.Background(), testAddr, types.NetworkTestnet, 25)
	require.Error(t, err)

	catErr := errors.Categorize(err)
	assert.Equal(t, "WALLET_NOT_FOUND", catErr.Code)
	assert.Equal(t, http.StatusNotFound, catErr.Details["upstreamStatus"])
}

func TestFetchWalletTransactions_AllDownIsUnavailableNotError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	client := newTestClient(server.URL)
	txs, ok, err := client.FetchWalletTransactions(context.Background(), testAddr, types.NetworkTestnet, 25)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Empty(t, txs)
}

func TestFetchTokenTransfers(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/transfers/evm/erc20", r.URL.Path)
		assert.Equal(t, testAddr, r.URL.Query().Get("tokenHash"))
		assert.Equal(t, "0", r.URL.Query().Get("offset"))
		assert.Equal(t, "25", r.URL.Query().Get("limit"))

		json.NewEncoder(w).Encode(map[string]interface{}{
			"items": []map[string]interface{}{
				{"txHash": "0xt1", "from": testAddr, "to": testAddr, "value": "100", "status": true},
			},
			"tokenInfo": map[string]interface{}{"address": testAddr, "symbol": "TST", "decimals": 18},
		})
	}))
	defer server.Close()

	client := newTestClient(server.URL)
	feed, err := client.FetchTokenTransfers(context.Background(), testAddr, types.NetworkTestnet, 0)
	require.NoError(t, err)
	assert.False(t, feed.Unavailable)
	require.Len(t, feed.Transfers, 1)
	assert.Equal(t, "0xt1", feed.Transfers[0].TxHash)
	require.NotNil(t, feed.TokenInfo)
	assert.Equal(t, "TST", feed.TokenInfo.Symbol)
}

func TestFetchNFTTransfers_UnavailableOnFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/transfers/evm/erc721", r.URL.Path)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	client := newTestClient(server.URL)
	feed, err := client.FetchNFTTransfers(context.Background(), testAddr, types.NetworkTestnet, 0)
	require.NoError(t, err)
	assert.True(t, feed.Unavailable)
}

func TestFetchWallet_AggregatesSources(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/accounts/" + testAddr + "/balance":
			json.NewEncoder(w).Encode(map[string]string{"balance": "123"})
		case "/accounts/" + testAddr + "/tokens":
			json.NewEncoder(w).Encode(map[string]interface{}{
				"items": []map[string]interface{}{
					{"token": testAddr, "symbol": "USDC", "balance": "1000000", "decimals": 6},
				},
			})
		case "/accounts/" + testAddr + "/nfts":
			w.WriteHeader(http.StatusInternalServerError)
		case "/accounts/" + testAddr + "/transactions":
			json.NewEncoder(w).Encode(map[string]interface{}{"items": []map[string]interface{}{}})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer server.Close()

	client := newTestClient(server.URL)
	feed, err := client.FetchWallet(context.Background(), testAddr, types.NetworkTestnet, 25)
	require.NoError(t, err)

	assert.True(t, feed.BalanceAvailable)
	assert.Equal(t, "123", feed.NativeBalance)
	assert.True(t, feed.TokensAvailable)
	require.Len(t, feed.TokenHoldings, 1)
	assert.Equal(t, "USDC", feed.TokenHoldings[0].Symbol)
	assert.False(t, feed.NFTsAvailable)
	assert.True(t, feed.TxAvailable)
	assert.Empty(t, feed.Transactions)
}

func TestFetchTokenTransfers_NoEndpointConfigured(t *testing.T) {
	client := newTestClient("http://127.0.0.1:0")

	_, err := client.FetchTokenTransfers(context.Background(), testAddr, types.NetworkMainnet, 0)
	require.Error(t, err)
	assert.Equal(t, "VALIDATION_ERROR", errors.Categorize(err).Code)
}
