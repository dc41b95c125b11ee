package analyzer

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/preyanshu/chainwatch/internal/adapter"
	"github.com/preyanshu/chainwatch/internal/errors"
	"github.com/preyanshu/chainwatch/internal/models"
	"github.com/preyanshu/chainwatch/internal/types"
)

const (
	testWallet = "0x1111111111111111111111111111111111111111"
	otherAddr  = "0x2222222222222222222222222222222222222222"
	thirdAddr  = "0x3333333333333333333333333333333333333333"
)

type fakeWalletFeed struct {
	feed *adapter.WalletFeed
	err  error
}

func (f *fakeWalletFeed) FetchWallet(ctx context.Context, addr string, network types.Network, limit int) (*adapter.WalletFeed, error) {
	return f.feed, f.err
}

type fakeWalletStore struct {
	latest    *models.WalletSnapshot
	appended  []*models.WalletSnapshot
	latestErr error
	appendErr error
}

func (s *fakeWalletStore) LatestWallet(ctx context.Context, entity string, network types.Network) (*models.WalletSnapshot, error) {
	return s.latest, s.latestErr
}

func (s *fakeWalletStore) AppendWallet(ctx context.Context, snapshot *models.WalletSnapshot) error {
	if s.appendErr != nil {
		return s.appendErr
	}
	s.appended = append(s.appended, snapshot)
	s.latest = snapshot
	return nil
}

func walletTx(hash string, from, to string, value string, status bool) types.ExplorerTransaction {
	return types.ExplorerTransaction{
		Hash:      hash,
		From:      from,
		To:        to,
		Value:     value,
		Fee:       "21000000000000",
		GasUsed:   "21000",
		Status:    status,
		Timestamp: time.Now().Unix() - 60,
	}
}

func testPrices() PriceTable {
	return PriceTable{"ETH": 3000, "USDC": 1}
}

func TestWalletAnalyzer_InvalidAddress(t *testing.T) {
	a := NewWalletAnalyzer(&fakeWalletFeed{}, &fakeWalletStore{}, testPrices())

	_, err := a.Analyze(context.Background(), WalletInput{Address: "not-an-address", Network: types.NetworkTestnet})
	require.Error(t, err)

	catErr := errors.Categorize(err)
	assert.Equal(t, "INVALID_ADDRESS_FORMAT", catErr.Code)
}

func TestWalletAnalyzer_BalanceUnavailableFails(t *testing.T) {
	feed := &fakeWalletFeed{feed: &adapter.WalletFeed{BalanceAvailable: false}}
	a := NewWalletAnalyzer(feed, &fakeWalletStore{}, testPrices())

	_, err := a.Analyze(context.Background(), WalletInput{Address: testWallet, Network: types.NetworkTestnet})
	require.Error(t, err)
	assert.Equal(t, "SERVICE_UNAVAILABLE", errors.Categorize(err).Code)
}

func TestWalletAnalyzer_FirstSnapshot(t *testing.T) {
	feed := &fakeWalletFeed{feed: &adapter.WalletFeed{
		NativeBalance:    "5000000000000000000",
		BalanceAvailable: true,
		TokensAvailable:  true,
		NFTsAvailable:    true,
		TxAvailable:      true,
		Transactions: []types.ExplorerTransaction{
			walletTx("0xh1", otherAddr, testWallet, "1000000000000000000", true),
			walletTx("0xh2", testWallet, otherAddr, "500000000000000000", true),
			walletTx("0xh3", testWallet, otherAddr, "0", false),
		},
	}}
	store := &fakeWalletStore{}
	a := NewWalletAnalyzer(feed, store, testPrices())

	snapshot, err := a.Analyze(context.Background(), WalletInput{Address: testWallet, Network: types.NetworkTestnet})
	require.NoError(t, err)
	require.NotNil(t, snapshot)

	m := snapshot.Metrics
	assert.Equal(t, 3, m.TxCount)
	assert.Equal(t, 1, m.FailedTxCount)
	assert.Equal(t, "1000000000000000000", m.TotalIncoming)
	assert.Equal(t, "500000000000000000", m.TotalOutgoing)
	assert.Len(t, m.ProcessedHashes, 3)
	assert.Equal(t, types.QualityComplete, snapshot.Metadata.DataQuality)
	assert.GreaterOrEqual(t, snapshot.RiskScore, 1)
	assert.LessOrEqual(t, snapshot.RiskScore, 10)

	// 5 ETH at 3000
	assert.Equal(t, "15000.00", m.PortfolioValue)
}

func TestWalletAnalyzer_NoNewItemsReturnsNil(t *testing.T) {
	txs := []types.ExplorerTransaction{
		walletTx("0xh1", otherAddr, testWallet, "1000", true),
	}
	feed := &fakeWalletFeed{feed: &adapter.WalletFeed{
		NativeBalance:    "1000",
		BalanceAvailable: true,
		TokensAvailable:  true,
		NFTsAvailable:    true,
		TxAvailable:      true,
		Transactions:     txs,
	}}
	store := &fakeWalletStore{}
	a := NewWalletAnalyzer(feed, store, testPrices())

	first, err := a.Analyze(context.Background(), WalletInput{Address: testWallet, Network: types.NetworkTestnet})
	require.NoError(t, err)
	require.NotNil(t, first)

	// Same upstream page again: no change, no write.
	second, err := a.Analyze(context.Background(), WalletInput{Address: testWallet, Network: types.NetworkTestnet})
	require.NoError(t, err)
	assert.Nil(t, second)
	assert.Len(t, store.appended, 1)
}

func TestWalletAnalyzer_CumulativeMerge(t *testing.T) {
	feed := &fakeWalletFeed{feed: &adapter.WalletFeed{
		NativeBalance:    "1000",
		BalanceAvailable: true,
		TokensAvailable:  true,
		NFTsAvailable:    true,
		TxAvailable:      true,
		Transactions: []types.ExplorerTransaction{
			walletTx("0xh1", otherAddr, testWallet, "100", true),
		},
	}}
	store := &fakeWalletStore{}
	a := NewWalletAnalyzer(feed, store, testPrices())

	first, err := a.Analyze(context.Background(), WalletInput{Address: testWallet, Network: types.NetworkTestnet})
	require.NoError(t, err)

	// Next page: one known, one fresh transaction.
	feed.feed.Transactions = []types.ExplorerTransaction{
		walletTx("0xh2", otherAddr, testWallet, "50", true),
		walletTx("0xh1", otherAddr, testWallet, "100", true),
	}

	second, err := a.Analyze(context.Background(), WalletInput{Address: testWallet, Network: types.NetworkTestnet})
	require.NoError(t, err)
	require.NotNil(t, second)

	assert.Equal(t, first.Metrics.TxCount+1, second.Metrics.TxCount)
	assert.Equal(t, "150", second.Metrics.TotalIncoming)

	// Processed set grows by exactly the fresh hash.
	prior := make(map[string]bool)
	for _, h := range first.Metrics.ProcessedHashes {
		prior[h] = true
	}
	var delta []string
	for _, h := range second.Metrics.ProcessedHashes {
		if !prior[h] {
			delta = append(delta, h)
		}
	}
	assert.Equal(t, []string{"0xh2"}, delta)
}

func TestWalletAnalyzer_LargeTransactionAlert(t *testing.T) {
	feed := &fakeWalletFeed{feed: &adapter.WalletFeed{
		NativeBalance:    "0",
		BalanceAvailable: true,
		TokensAvailable:  true,
		NFTsAvailable:    true,
		TxAvailable:      true,
		Transactions: []types.ExplorerTransaction{
			// Above the 10^21 alert threshold
			walletTx("0xbig", otherAddr, testWallet, "2000000000000000000000", true),
		},
	}}
	store := &fakeWalletStore{}
	a := NewWalletAnalyzer(feed, store, testPrices())

	snapshot, err := a.Analyze(context.Background(), WalletInput{Address: testWallet, Network: types.NetworkTestnet})
	require.NoError(t, err)
	require.NotNil(t, snapshot)

	var found bool
	for _, alert := range snapshot.Alerts {
		if alert.Type == "LARGE_TRANSACTION" {
			found = true
			assert.Equal(t, types.SeverityHigh, alert.Severity)
		}
	}
	assert.True(t, found, "expected LARGE_TRANSACTION alert")
}

func TestWalletAnalyzer_PartialDataQuality(t *testing.T) {
	feed := &fakeWalletFeed{feed: &adapter.WalletFeed{
		NativeBalance:    "1000",
		BalanceAvailable: true,
		TokensAvailable:  false,
		NFTsAvailable:    true,
		TxAvailable:      true,
		Transactions: []types.ExplorerTransaction{
			walletTx("0xh1", otherAddr, testWallet, "1", true),
		},
	}}
	store := &fakeWalletStore{}
	a := NewWalletAnalyzer(feed, store, testPrices())

	snapshot, err := a.Analyze(context.Background(), WalletInput{Address: testWallet, Network: types.NetworkTestnet})
	require.NoError(t, err)
	require.NotNil(t, snapshot)
	assert.Equal(t, types.QualityPartial, snapshot.Metadata.DataQuality)
}

func TestWalletAnalyzer_TxFeedUnavailableDegrades(t *testing.T) {
	feed := &fakeWalletFeed{feed: &adapter.WalletFeed{
		NativeBalance:    "1000",
		BalanceAvailable: true,
		TokensAvailable:  true,
		NFTsAvailable:    true,
		TxAvailable:      false,
	}}
	store := &fakeWalletStore{}
	a := NewWalletAnalyzer(feed, store, testPrices())

	snapshot, err := a.Analyze(context.Background(), WalletInput{Address: testWallet, Network: types.NetworkTestnet})
	require.NoError(t, err)
	require.NotNil(t, snapshot)
	assert.Equal(t, types.QualityServiceUnavailable, snapshot.Metadata.DataQuality)
}

func TestWalletAnalyzer_ProcessedHashWindowBounded(t *testing.T) {
	store := &fakeWalletStore{}
	feed := &fakeWalletFeed{}
	a := NewWalletAnalyzer(feed, store, testPrices())

	for cycle := 0; cycle < 3; cycle++ {
		txs := make([]types.ExplorerTransaction, 0, 600)
		for i := 0; i < 600; i++ {
			hash := fmt.Sprintf("0xc%d-%d", cycle, i)
			txs = append(txs, walletTx(hash, otherAddr, testWallet, "1", true))
		}
		feed.feed = &adapter.WalletFeed{
			NativeBalance:    "0",
			BalanceAvailable: true,
			TokensAvailable:  true,
			NFTsAvailable:    true,
			TxAvailable:      true,
			Transactions:     txs,
		}

		snapshot, err := a.Analyze(context.Background(), WalletInput{Address: testWallet, Network: types.NetworkTestnet})
		require.NoError(t, err)
		require.NotNil(t, snapshot)
		assert.LessOrEqual(t, len(snapshot.Metrics.ProcessedHashes), models.MaxWalletProcessed)
	}
}
