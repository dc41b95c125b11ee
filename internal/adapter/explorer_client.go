// Package adapter provides clients for external data providers.
package adapter

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/preyanshu/chainwatch/internal/config"
	"github.com/preyanshu/chainwatch/internal/errors"
	"github.com/preyanshu/chainwatch/internal/logging"
	"github.com/preyanshu/chainwatch/internal/types"
)

// ExplorerClient fetches the latest transactions and transfers for one
// entity from the block-explorer REST API. Endpoint fallback is the only
// retry performed here; a recurring job's cadence is the retry
// mechanism for transient upstream failures.
type ExplorerClient struct {
	endpoints map[types.Network]string
	client    *http.Client
	limiter   *rate.Limiter
	limit     int
}

// NewExplorerClient creates a new explorer client from configuration.
func NewExplorerClient(cfg *config.ExplorerConfig) *ExplorerClient {
	rps := cfg.RequestsPerSecond
	if rps <= 0 {
		rps = 5
	}
	limit := cfg.DefaultLimit
	if limit <= 0 {
		limit = 25
	}

	return &ExplorerClient{
		endpoints: cfg.Endpoints,
		client: &http.Client{
			Timeout: cfg.RequestTimeout,
		},
		limiter: rate.NewLimiter(rate.Limit(rps), 10),
		limit:   limit,
	}
}

// transactionsResponse is the wallet transaction feed body. A body that
// exposes neither items nor transfers is treated as a miss and the next
// candidate endpoint is tried.
type transactionsResponse struct {
	Items     []types.ExplorerTransaction `json:"items"`
	Transfers []types.ExplorerTransaction `json:"transfers"`
}

// transfersResponse is the ERC-20/ERC-721 transfer feed body
type transfersResponse struct {
	Items     []types.ExplorerTransfer `json:"items"`
	Transfers []types.ExplorerTransfer `json:"transfers"`
	TokenInfo *types.TokenInfo         `json:"tokenInfo"`
}

// balanceResponse is the native balance body
type balanceResponse struct {
	Balance string `json:"balance"`
}

// holdingsResponse is the token/NFT holdings body
type holdingsResponse struct {
	Items []json.RawMessage `json:"items"`
}

// WalletFeed aggregates the four wallet data sources. Each source may be
// individually unavailable; the analyzer degrades to a partial snapshot
// unless the native balance itself is missing.
type WalletFeed struct {
	NativeBalance     string
	BalanceAvailable  bool
	TokenHoldings     []types.TokenHolding
	TokensAvailable   bool
	NFTHoldings       []types.NFTHolding
	NFTsAvailable     bool
	Transactions      []types.ExplorerTransaction
	TxAvailable       bool
}

// TransferFeed is the result of a token or NFT transfer fetch
type TransferFeed struct {
	Transfers   []types.ExplorerTransfer
	TokenInfo   *types.TokenInfo
	Unavailable bool
}

// walletTxPaths lists the wallet transaction endpoints in priority
// order. The first body exposing items or transfers wins.
func walletTxPaths(addr string) []string {
	return []string{
		fmt.Sprintf("/accounts/%s/transactions", addr),
		fmt.Sprintf("/accounts/evm/%s/transactions", addr),
		fmt.Sprintf("/contracts/evm/%s/transactions", addr),
	}
}

func (c *ExplorerClient) baseURL(network types.Network) (string, error) {
	base, ok := c.endpoints[network]
	if !ok || base == "" {
		return "", errors.NewValidationError("network", fmt.Sprintf("no explorer endpoint configured for %s", network))
	}
	return base, nil
}

// get performs one rate-limited GET and decodes the body into out.
// Returns the HTTP status code alongside any error so callers can
// distinguish 404 from transport failures.
func (c *ExplorerClient) get(ctx context.Context, url string, out interface{}) (int, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return 0, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return resp.StatusCode, err
	}

	if resp.StatusCode != http.StatusOK {
		return resp.StatusCode, fmt.Errorf("unexpected status %d from %s", resp.StatusCode, url)
	}

	if err := json.Unmarshal(body, out); err != nil {
		return resp.StatusCode, fmt.Errorf("failed to decode response from %s: %w", url, err)
	}

	return resp.StatusCode, nil
}

// FetchWalletTransactions fetches the latest transactions page for a
// wallet, trying the candidate endpoints in order. Items arrive newest
// first as delivered by the upstream. A 404 from every candidate maps
// to WALLET_NOT_FOUND with the upstream status preserved; any other
// all-endpoints failure returns an empty page flagged unavailable.
func (c *ExplorerClient) FetchWalletTransactions(ctx context.Context, addr string, network types.Network, limit int) ([]types.ExplorerTransaction, bool, error) {
	base, err := c.baseURL(network)
	if err != nil {
		return nil, false, err
	}
	if limit <= 0 {
		limit = c.limit
	}

	logger := logging.FromContext(ctx)
	allNotFound := true
	lastStatus := 0

	for _, path := range walletTxPaths(addr) {
		url := fmt.Sprintf("%s%s?limit=%d", base, path, limit)

		var body transactionsResponse
		status, err := c.get(ctx, url, &body)
		if err != nil {
			lastStatus = status
			if status != http.StatusNotFound {
				allNotFound = false
			}
			logger.WithFields(map[string]interface{}{
				"endpoint": path,
				"status":   status,
			}).Warn("wallet transaction endpoint failed, trying next")
			continue
		}

		items := body.Items
		if items == nil {
			items = body.Transfers
		}
		if items == nil {
			allNotFound = false
			continue
		}
		return items, true, nil
	}

	if allNotFound && lastStatus == http.StatusNotFound {
		return nil, false, errors.NewWalletNotFoundError(addr, lastStatus)
	}

	return nil, false, nil
}

// FetchNativeBalance fetches a wallet's native balance in wei.
func (c *ExplorerClient) FetchNativeBalance(ctx context.Context, addr string, network types.Network) (string, bool) {
	base, err := c.baseURL(network)
	if err != nil {
		return "", false
	}

	var body balanceResponse
	if _, err := c.get(ctx, fmt.Sprintf("%s/accounts/%s/balance", base, addr), &body); err != nil {
		return "", false
	}
	return body.Balance, true
}

// FetchTokenHoldings fetches a wallet's ERC-20 holdings page.
func (c *ExplorerClient) FetchTokenHoldings(ctx context.Context, addr string, network types.Network) ([]types.TokenHolding, bool) {
	base, err := c.baseURL(network)
	if err != nil {
		return nil, false
	}

	var raw holdingsResponse
	if _, err := c.get(ctx, fmt.Sprintf("%s/accounts/%s/tokens?limit=%d", base, addr, c.limit), &raw); err != nil {
		return nil, false
	}

	holdings := make([]types.TokenHolding, 0, len(raw.Items))
	for _, item := range raw.Items {
		var h types.TokenHolding
		if err := json.Unmarshal(item, &h); err != nil {
			continue
		}
		holdings = append(holdings, h)
	}
	return holdings, true
}

// FetchNFTHoldings fetches a wallet's ERC-721 holdings page.
func (c *ExplorerClient) FetchNFTHoldings(ctx context.Context, addr string, network types.Network) ([]types.NFTHolding, bool) {
	base, err := c.baseURL(network)
	if err != nil {
		return nil, false
	}

	var raw holdingsResponse
	if _, err := c.get(ctx, fmt.Sprintf("%s/accounts/%s/nfts?limit=%d", base, addr, c.limit), &raw); err != nil {
		return nil, false
	}

	holdings := make([]types.NFTHolding, 0, len(raw.Items))
	for _, item := range raw.Items {
		var h types.NFTHolding
		if err := json.Unmarshal(item, &h); err != nil {
			continue
		}
		holdings = append(holdings, h)
	}
	return holdings, true
}

// FetchWallet fetches all four wallet data sources. Individual source
// failures are recorded, not fatal; the caller decides how to degrade.
func (c *ExplorerClient) FetchWallet(ctx context.Context, addr string, network types.Network, limit int) (*WalletFeed, error) {
	feed := &WalletFeed{}

	feed.NativeBalance, feed.BalanceAvailable = c.FetchNativeBalance(ctx, addr, network)
	feed.TokenHoldings, feed.TokensAvailable = c.FetchTokenHoldings(ctx, addr, network)
	feed.NFTHoldings, feed.NFTsAvailable = c.FetchNFTHoldings(ctx, addr, network)

	txs, ok, err := c.FetchWalletTransactions(ctx, addr, network, limit)
	if err != nil {
		return nil, err
	}
	feed.Transactions = txs
	feed.TxAvailable = ok

	return feed, nil
}

// FetchTokenTransfers fetches the latest ERC-20 transfers for a token
// contract. All-endpoints failure returns an empty feed flagged
// unavailable; token and NFT analyzers treat that as fatal.
func (c *ExplorerClient) FetchTokenTransfers(ctx context.Context, tokenAddr string, network types.Network, limit int) (*TransferFeed, error) {
	return c.fetchTransfers(ctx, "erc20", tokenAddr, network, limit)
}

// FetchNFTTransfers fetches the latest ERC-721 transfers for a
// collection contract.
func (c *ExplorerClient) FetchNFTTransfers(ctx context.Context, tokenAddr string, network types.Network, limit int) (*TransferFeed, error) {
	return c.fetchTransfers(ctx, "erc721", tokenAddr, network, limit)
}

func (c *ExplorerClient) fetchTransfers(ctx context.Context, standard, tokenAddr string, network types.Network, limit int) (*TransferFeed, error) {
	base, err := c.baseURL(network)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = c.limit
	}

	url := fmt.Sprintf("%s/transfers/evm/%s?tokenHash=%s&offset=0&limit=%d", base, standard, tokenAddr, limit)

	var body transfersResponse
	if _, err := c.get(ctx, url, &body); err != nil {
		logging.FromContext(ctx).WithFields(map[string]interface{}{
			"standard": standard,
			"token":    tokenAddr,
		}).Warn("transfer endpoint failed")
		return &TransferFeed{Unavailable: true}, nil
	}

	transfers := body.Items
	if transfers == nil {
		transfers = body.Transfers
	}
	if transfers == nil {
		return &TransferFeed{Unavailable: true}, nil
	}

	return &TransferFeed{
		Transfers: transfers,
		TokenInfo: body.TokenInfo,
	}, nil
}

// DefaultLimit returns the configured page size.
func (c *ExplorerClient) DefaultLimit() int {
	return c.limit
}

// RequestTimeout returns the per-request timeout.
func (c *ExplorerClient) RequestTimeout() time.Duration {
	return c.client.Timeout
}
