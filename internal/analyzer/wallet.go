package analyzer

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/preyanshu/chainwatch/internal/adapter"
	"github.com/preyanshu/chainwatch/internal/errors"
	"github.com/preyanshu/chainwatch/internal/logging"
	"github.com/preyanshu/chainwatch/internal/models"
	"github.com/preyanshu/chainwatch/internal/types"
)

// Wallet alert thresholds.
var (
	// largeTxAlertValue triggers LARGE_TRANSACTION: 1000 native units
	largeTxAlertValue = new(big.Int).Exp(big.NewInt(10), big.NewInt(21), nil)
	// largeTxRiskValue counts toward the large-transaction risk tier
	largeTxRiskValue = new(big.Int).Exp(big.NewInt(10), big.NewInt(20), nil)
	// highGasAlertValue triggers HIGH_GAS_USAGE on cumulative gas
	highGasAlertValue = new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)
)

const (
	multiContractAlertCount = 10
	portfolioChangePct      = 20
	suspiciousZeroValueTxs  = 10
	// largeCalldataHexLen marks calldata big enough to look like a
	// batched execute payload: selector plus four words
	largeCalldataHexLen = 10 + 4*64
	avgGasRiskThreshold = 200_000
)

// WalletFeedSource is the slice of the explorer client the wallet
// analyzer needs.
type WalletFeedSource interface {
	FetchWallet(ctx context.Context, addr string, network types.Network, limit int) (*adapter.WalletFeed, error)
}

// WalletSnapshotStore persists wallet snapshots.
type WalletSnapshotStore interface {
	LatestWallet(ctx context.Context, entity string, network types.Network) (*models.WalletSnapshot, error)
	AppendWallet(ctx context.Context, s *models.WalletSnapshot) error
}

// WalletInput is one wallet_snapshot cycle's parameters.
type WalletInput struct {
	Address string
	Network types.Network
	Limit   int
}

// WalletAnalyzer produces cumulative wallet activity snapshots.
type WalletAnalyzer struct {
	feed   WalletFeedSource
	store  WalletSnapshotStore
	prices PriceTable
}

// NewWalletAnalyzer creates a wallet analyzer.
func NewWalletAnalyzer(feed WalletFeedSource, store WalletSnapshotStore, prices PriceTable) *WalletAnalyzer {
	return &WalletAnalyzer{feed: feed, store: store, prices: prices}
}

// batchStats accumulates the figures of one cycle's new transactions
type batchStats struct {
	incoming      *big.Int
	outgoing      *big.Int
	fees          *big.Int
	gasUsed       *big.Int
	failed        int
	zeroValue     int
	largeCount    int
	maxValue      *big.Int
	categories    map[string]int
	contracts     []string
	lastActivity  *time.Time
	suspiciousTxs int
}

// Analyze runs one wallet_snapshot cycle. It returns (nil, nil) when
// nothing new arrived and a prior snapshot already exists.
func (a *WalletAnalyzer) Analyze(ctx context.Context, input WalletInput) (*models.WalletSnapshot, error) {
	logger := logging.FromContext(ctx).WithField("function", "WalletAnalyzer.Analyze")
	started := time.Now()

	if err := ValidateAddress(input.Address); err != nil {
		return nil, err
	}

	feed, err := a.feed.FetchWallet(ctx, input.Address, input.Network, input.Limit)
	if err != nil {
		return nil, err
	}

	// Native balance is the one source the wallet snapshot cannot do
	// without; everything else degrades to a partial snapshot.
	if !feed.BalanceAvailable {
		return nil, errors.NewServiceUnavailableError("native balance feed", nil)
	}

	prior, err := a.store.LatestWallet(ctx, input.Address, input.Network)
	if err != nil {
		return nil, errors.NewDatabaseError("load prior wallet snapshot", err)
	}

	var processed []string
	if prior != nil {
		processed = prior.Metrics.ProcessedHashes
	}
	fresh := dedupTransactions(feed.Transactions, processed)

	if len(fresh) == 0 && prior != nil {
		logger.Info("no new transactions, reusing prior snapshot")
		return nil, nil
	}

	now := time.Now().UTC()
	stats := processTransactions(input.Address, fresh)

	metrics := mergeWalletMetrics(prior, feed, stats, fresh)
	metrics.PortfolioValue = a.portfolioValue(feed)

	alerts := walletAlerts(prior, metrics, stats, now)
	risk := walletRisk(len(fresh), stats, metrics, alerts)

	snapshot := &models.WalletSnapshot{
		EntityAddress: input.Address,
		Network:       input.Network,
		Timestamp:     now,
		Metrics:       metrics,
		Alerts:        alerts,
		RiskScore:     risk,
		Metadata:      walletMetadata(feed, len(fresh)),
	}

	if err := a.store.AppendWallet(ctx, snapshot); err != nil {
		return nil, errors.NewDatabaseError("append wallet snapshot", err)
	}

	logger.WithFields(map[string]interface{}{
		"newItems":   len(fresh),
		"riskScore":  risk,
		"durationMs": time.Since(started).Milliseconds(),
	}).Info("wallet snapshot written")

	return snapshot, nil
}

// processTransactions folds one batch of new transactions into batch
// statistics. Failed transactions count only toward the failed counter
// and stay out of every financial sum.
func processTransactions(wallet string, txs []types.ExplorerTransaction) *batchStats {
	stats := &batchStats{
		incoming:   new(big.Int),
		outgoing:   new(big.Int),
		fees:       new(big.Int),
		gasUsed:    new(big.Int),
		maxValue:   new(big.Int),
		categories: make(map[string]int),
	}

	for i := range txs {
		tx := &txs[i]
		category := CategorizeTransaction(tx)
		stats.categories[category]++

		ts := types.UnixTime(tx.Timestamp)
		if stats.lastActivity == nil || ts.After(*stats.lastActivity) {
			t := ts
			stats.lastActivity = &t
		}

		if !tx.Status {
			stats.failed++
			continue
		}

		value := types.ParseBig(tx.Value)
		if value.Cmp(stats.maxValue) > 0 {
			stats.maxValue = new(big.Int).Set(value)
		}
		if value.Cmp(largeTxRiskValue) > 0 {
			stats.largeCount++
		}
		if value.Sign() == 0 && tx.To != "" {
			stats.zeroValue++
			if len(tx.Data) >= largeCalldataHexLen {
				stats.suspiciousTxs++
			}
		}

		if sameAddr(tx.To, wallet) {
			stats.incoming.Add(stats.incoming, value)
		}
		if sameAddr(tx.From, wallet) {
			stats.outgoing.Add(stats.outgoing, value)
			stats.fees.Add(stats.fees, types.ParseBig(tx.Fee))
			stats.gasUsed.Add(stats.gasUsed, types.ParseBig(tx.GasUsed))
			if tx.Type == 2 && tx.To != "" {
				stats.contracts = append(stats.contracts, lowered(tx.To))
			}
		}
	}

	return stats
}

// mergeWalletMetrics folds the batch into the prior cumulative metrics:
// numeric fields add component-wise, sets union, the latest activity
// time wins, and the processed-hash window truncates FIFO.
func mergeWalletMetrics(prior *models.WalletSnapshot, feed *adapter.WalletFeed, stats *batchStats, fresh []types.ExplorerTransaction) models.WalletMetrics {
	metrics := models.WalletMetrics{
		NativeBalance:  feed.NativeBalance,
		TokenHoldings:  feed.TokenHoldings,
		NFTHoldings:    feed.NFTHoldings,
		CategoryCounts: make(map[string]int),
	}

	incoming, outgoing := new(big.Int).Set(stats.incoming), new(big.Int).Set(stats.outgoing)
	fees, gasUsed := new(big.Int).Set(stats.fees), new(big.Int).Set(stats.gasUsed)
	var processed []string

	if prior != nil {
		pm := &prior.Metrics
		incoming.Add(incoming, types.ParseBig(pm.TotalIncoming))
		outgoing.Add(outgoing, types.ParseBig(pm.TotalOutgoing))
		fees.Add(fees, types.ParseBig(pm.TotalFees))
		gasUsed.Add(gasUsed, types.ParseBig(pm.TotalGasUsed))
		metrics.TxCount = pm.TxCount
		metrics.FailedTxCount = pm.FailedTxCount
		metrics.ZeroValueCalls = pm.ZeroValueCalls
		for category, count := range pm.CategoryCounts {
			metrics.CategoryCounts[category] = count
		}
		metrics.UniqueContracts = pm.UniqueContracts
		metrics.LastActivityTime = pm.LastActivityTime
		processed = pm.ProcessedHashes
	}

	metrics.TotalIncoming = incoming.String()
	metrics.TotalOutgoing = outgoing.String()
	metrics.TotalFees = fees.String()
	metrics.TotalGasUsed = gasUsed.String()

	metrics.TxCount += len(fresh)
	metrics.FailedTxCount += stats.failed
	metrics.ZeroValueCalls += stats.zeroValue

	for category, count := range stats.categories {
		metrics.CategoryCounts[category] += count
	}

	metrics.UniqueContracts = mergeSet(metrics.UniqueContracts, stats.contracts)

	if stats.lastActivity != nil {
		if metrics.LastActivityTime == nil || stats.lastActivity.After(*metrics.LastActivityTime) {
			metrics.LastActivityTime = stats.lastActivity
		}
	}

	successes := metrics.TxCount - metrics.FailedTxCount
	if successes > 0 {
		metrics.AvgGasPerTx = new(big.Int).Quo(gasUsed, big.NewInt(int64(successes))).String()
	} else {
		metrics.AvgGasPerTx = "0"
	}

	for i := range fresh {
		processed = append(processed, fresh[i].Hash)
	}
	metrics.ProcessedHashes = models.TruncateFIFO(processed, models.MaxWalletProcessed)

	return metrics
}

// portfolioValue totals the native balance plus recognized ERC-20
// holdings against the static price table.
func (a *WalletAnalyzer) portfolioValue(feed *adapter.WalletFeed) string {
	total := a.prices.NativeUSD(types.ParseBig(feed.NativeBalance))
	for _, holding := range feed.TokenHoldings {
		total += a.prices.TokenUSD(holding.Symbol, types.ParseBig(holding.Balance), holding.Decimals)
	}
	return FormatUSD(total)
}

// walletAlerts applies the fixed wallet alert catalog to the merged
// metrics and this cycle's delta.
func walletAlerts(prior *models.WalletSnapshot, metrics models.WalletMetrics, stats *batchStats, now time.Time) []models.Alert {
	var alerts []models.Alert

	if stats.maxValue.Cmp(largeTxAlertValue) > 0 {
		alerts = append(alerts, newAlert(
			"LARGE_TRANSACTION", types.SeverityHigh,
			fmt.Sprintf("transaction value %s exceeds large-transaction threshold", stats.maxValue.String()),
			now, map[string]interface{}{"value": stats.maxValue.String()},
		))
	}

	if types.ParseBig(metrics.TotalGasUsed).Cmp(highGasAlertValue) > 0 {
		alerts = append(alerts, newAlert(
			"HIGH_GAS_USAGE", types.SeverityMedium,
			"cumulative gas usage exceeds threshold",
			now, map[string]interface{}{"totalGasUsed": metrics.TotalGasUsed},
		))
	}

	if len(metrics.UniqueContracts) > multiContractAlertCount {
		alerts = append(alerts, newAlert(
			"MULTIPLE_CONTRACT_INTERACTIONS", types.SeverityMedium,
			fmt.Sprintf("wallet interacted with %d unique contracts", len(metrics.UniqueContracts)),
			now, map[string]interface{}{"uniqueContracts": len(metrics.UniqueContracts)},
		))
	}

	if prior != nil {
		if alert := portfolioChangeAlert(prior.Metrics.PortfolioValue, metrics.PortfolioValue, now); alert != nil {
			alerts = append(alerts, *alert)
		}
	}

	if stats.suspiciousTxs > suspiciousZeroValueTxs {
		alerts = append(alerts, newAlert(
			"SUSPICIOUS_ACTIVITY", types.SeverityHigh,
			fmt.Sprintf("%d zero-value transactions with large calldata in one batch", stats.suspiciousTxs),
			now, map[string]interface{}{"count": stats.suspiciousTxs},
		))
	}

	return alerts
}

// portfolioChangeAlert fires when the portfolio moved more than 20%
// against the prior snapshot. Drops are HIGH, rises MEDIUM.
func portfolioChangeAlert(prevStr, curStr string, now time.Time) *models.Alert {
	var prev, cur float64
	if _, err := fmt.Sscanf(prevStr, "%f", &prev); err != nil || prev == 0 {
		return nil
	}
	if _, err := fmt.Sscanf(curStr, "%f", &cur); err != nil {
		return nil
	}

	change := (cur - prev) / prev * 100
	if change >= -portfolioChangePct && change <= portfolioChangePct {
		return nil
	}

	severity := types.SeverityMedium
	direction := "rose"
	if change < 0 {
		severity = types.SeverityHigh
		direction = "dropped"
	}

	alert := newAlert(
		"PORTFOLIO_VALUE_CHANGE", severity,
		fmt.Sprintf("portfolio value %s %.1f%% since last snapshot", direction, change),
		now, map[string]interface{}{"previous": prevStr, "current": curStr, "changePct": change},
	)
	return &alert
}

// walletRisk sums the fixed wallet risk contributions and caps at 10.
func walletRisk(batchCount int, stats *batchStats, metrics models.WalletMetrics, alerts []models.Alert) int {
	score := 0

	if batchCount > 50 {
		score++
	}
	if stats.largeCount > 5 {
		score++
	}
	if len(metrics.UniqueContracts) > 20 {
		score++
	}
	if types.ParseBig(metrics.AvgGasPerTx).Cmp(big.NewInt(avgGasRiskThreshold)) > 0 {
		score++
	}
	if batchCount > 0 && stats.failed*10 > batchCount {
		score++
	}
	if batchCount > 0 && stats.zeroValue*2 > batchCount {
		score++
	}

	score += severityRisk(alerts)
	return capRisk(score)
}

// walletMetadata tags the snapshot with per-source availability.
func walletMetadata(feed *adapter.WalletFeed, newItems int) models.AnalysisMetadata {
	sources := map[string]string{
		"balance":      sourceQuality(feed.BalanceAvailable),
		"tokens":       sourceQuality(feed.TokensAvailable),
		"nfts":         sourceQuality(feed.NFTsAvailable),
		"transactions": sourceQuality(feed.TxAvailable),
	}

	quality := types.QualityComplete
	switch {
	case !feed.TxAvailable:
		quality = types.QualityServiceUnavailable
	case !feed.TokensAvailable || !feed.NFTsAvailable:
		quality = types.QualityPartial
	}

	return models.AnalysisMetadata{
		TransactionsSeen: len(feed.Transactions),
		NewItems:         newItems,
		DataQuality:      quality,
		Sources:          sources,
	}
}

func sourceQuality(available bool) string {
	if available {
		return string(types.QualityComplete)
	}
	return string(types.QualityServiceUnavailable)
}
