package analyzer

import (
	"context"
	"fmt"
	"math/big"
	"sort"
	"time"

	"github.com/preyanshu/chainwatch/internal/adapter"
	"github.com/preyanshu/chainwatch/internal/errors"
	"github.com/preyanshu/chainwatch/internal/logging"
	"github.com/preyanshu/chainwatch/internal/models"
	"github.com/preyanshu/chainwatch/internal/types"
)

const (
	topHolderCount    = 10
	activeTraderCount = 10
	// washTradeCount / washTradeTokens flag addresses churning few tokens
	washTradeCount  = 20
	washTradeTokens = 3
	// avgHoldingHoursPlaceholder mirrors the upstream payload shape
	avgHoldingHoursPlaceholder = 168
	flippingRiskCount          = 20
)

// Fee buckets in wei: below 0.001 native is low, below 0.01 medium.
var (
	feeLowCeiling    = new(big.Int).Exp(big.NewInt(10), big.NewInt(15), nil)
	feeMediumCeiling = new(big.Int).Exp(big.NewInt(10), big.NewInt(16), nil)
)

// NFTThresholds are the payload-configured alert thresholds.
type NFTThresholds struct {
	MassTransferCount  int
	WhaleTokenCount    int
	SuspiciousMintRate int
	HighActivityPct    int64
}

// NFTFeedSource is the slice of the explorer client the NFT analyzer
// needs.
type NFTFeedSource interface {
	FetchNFTTransfers(ctx context.Context, tokenAddr string, network types.Network, limit int) (*adapter.TransferFeed, error)
}

// NFTSnapshotStore persists NFT-movement snapshots.
type NFTSnapshotStore interface {
	LatestNFT(ctx context.Context, entity string, network types.Network) (*models.NFTMovementSnapshot, error)
	AppendNFT(ctx context.Context, s *models.NFTMovementSnapshot) error
}

// NFTInput is one analyze_nft_movements cycle's parameters.
type NFTInput struct {
	Address          string
	Network          types.Network
	Limit            int
	Thresholds       NFTThresholds
	WatchedAddresses []string
}

// NFTAnalyzer produces cumulative NFT collection movement snapshots.
type NFTAnalyzer struct {
	feed  NFTFeedSource
	store NFTSnapshotStore
}

// NewNFTAnalyzer creates an NFT-movement analyzer.
func NewNFTAnalyzer(feed NFTFeedSource, store NFTSnapshotStore) *NFTAnalyzer {
	return &NFTAnalyzer{feed: feed, store: store}
}

// Analyze runs one analyze_nft_movements cycle. Upstream unavailability
// is fatal for the NFT kind. Returns (nil, nil) when nothing new
// arrived and a prior snapshot exists, or when there is no prior and
// the feed carried no token info to seed one.
func (a *NFTAnalyzer) Analyze(ctx context.Context, input NFTInput) (*models.NFTMovementSnapshot, error) {
	logger := logging.FromContext(ctx).WithField("function", "NFTAnalyzer.Analyze")
	started := time.Now()

	if err := ValidateAddress(input.Address); err != nil {
		return nil, err
	}

	feed, err := a.feed.FetchNFTTransfers(ctx, input.Address, input.Network, input.Limit)
	if err != nil {
		return nil, err
	}
	if feed.Unavailable {
		return nil, errors.NewServiceUnavailableError("nft transfer feed", nil)
	}

	prior, err := a.store.LatestNFT(ctx, input.Address, input.Network)
	if err != nil {
		return nil, errors.NewDatabaseError("load prior nft snapshot", err)
	}

	var processed []string
	if prior != nil {
		processed = prior.Metrics.ProcessedHashes
	}
	fresh := dedupTransfers(feed.Transfers, processed)

	if len(fresh) == 0 {
		if prior != nil {
			logger.Info("no new transfers, reusing prior snapshot")
			return nil, nil
		}
		if feed.TokenInfo == nil {
			logger.Warn("empty feed and no token info, nothing to seed a snapshot from")
			return nil, nil
		}
	}

	now := time.Now().UTC()
	metrics, newMints, watched := mergeNFTMetrics(prior, fresh, input.WatchedAddresses, now)

	alerts := nftAlerts(prior, metrics, newMints, watched, input.Thresholds, now)
	risk := nftRisk(metrics, alerts)

	tokenInfo := feed.TokenInfo
	if tokenInfo == nil && prior != nil {
		tokenInfo = prior.TokenInfo
	}

	snapshot := &models.NFTMovementSnapshot{
		EntityAddress: input.Address,
		Network:       input.Network,
		Timestamp:     now,
		TokenInfo:     tokenInfo,
		Metrics:       metrics,
		Alerts:        alerts,
		RiskScore:     risk,
		Metadata: models.AnalysisMetadata{
			TransactionsSeen: len(feed.Transfers),
			NewItems:         len(fresh),
			DataQuality:      types.QualityComplete,
		},
	}

	if err := a.store.AppendNFT(ctx, snapshot); err != nil {
		return nil, errors.NewDatabaseError("append nft snapshot", err)
	}

	logger.WithFields(map[string]interface{}{
		"newItems":   len(fresh),
		"riskScore":  risk,
		"durationMs": time.Since(started).Milliseconds(),
	}).Info("nft movement snapshot written")

	return snapshot, nil
}

// mergeNFTMetrics folds the new transfers into the prior cumulative
// metrics: holders follow the most recent transfer per token, trader
// stats accumulate, and holder rankings are rebuilt from the merged
// holder map. Returns the merged metrics, this cycle's mints, and the
// watched-address hits.
func mergeNFTMetrics(prior *models.NFTMovementSnapshot, fresh []types.ExplorerTransfer, watchedAddrs []string, now time.Time) (models.NFTMovementMetrics, []models.TransferRecord, []string) {
	metrics := models.NFTMovementMetrics{
		CurrentHolders:  make(map[string]string),
		TraderStats:     make(map[string]models.TraderStat),
		AvgHoldingHours: avgHoldingHoursPlaceholder,
	}

	var processed, holders []string

	if prior != nil {
		pm := &prior.Metrics
		metrics.TotalTransfers = pm.TotalTransfers
		for tokenID, holder := range pm.CurrentHolders {
			metrics.CurrentHolders[tokenID] = holder
		}
		for addr, stat := range pm.TraderStats {
			metrics.TraderStats[addr] = stat
		}
		metrics.TransferHistory = pm.TransferHistory
		metrics.MintTransactions = pm.MintTransactions
		metrics.BurnTransactions = pm.BurnTransactions
		metrics.FeeDistribution = pm.FeeDistribution
		holders = pm.UniqueHolders
		processed = pm.ProcessedHashes
	}

	var newMints, newBurns, newHistory []models.TransferRecord
	var freshHolders, watchedHits []string

	for i := range fresh {
		transfer := &fresh[i]
		if !transfer.Status {
			processed = append(processed, transfer.TxHash)
			continue
		}

		metrics.TotalTransfers++

		record := models.TransferRecord{
			TxHash:    transfer.TxHash,
			From:      transfer.From,
			To:        transfer.To,
			TokenID:   transfer.TokenID,
			Timestamp: types.UnixTime(transfer.Timestamp),
		}

		// Most recent transfer wins the holder slot. Burns park the
		// token at the zero address so a later mint is detectable.
		metrics.CurrentHolders[transfer.TokenID] = lowered(transfer.To)

		switch {
		case isZeroAddr(transfer.From):
			newMints = append(newMints, record)
		case isZeroAddr(transfer.To):
			newBurns = append(newBurns, record)
		default:
			newHistory = append(newHistory, record)
		}

		if !isZeroAddr(transfer.To) {
			freshHolders = append(freshHolders, lowered(transfer.To))
		}

		for _, addr := range []string{transfer.From, transfer.To} {
			if isZeroAddr(addr) {
				continue
			}
			key := lowered(addr)
			stat := metrics.TraderStats[key]
			stat.Address = key
			stat.TransferCount++
			stat.TokensTraded = mergeSet(stat.TokensTraded, []string{transfer.TokenID})
			metrics.TraderStats[key] = stat
		}

		bucketFee(&metrics.FeeDistribution, types.ParseBig(transfer.Fee))

		if hit := watchedHit(watchedAddrs, transfer.From, transfer.To); hit != "" {
			watchedHits = append(watchedHits, hit)
		}

		processed = append(processed, transfer.TxHash)
	}

	metrics.TransferHistory = models.TruncateRecords(append(metrics.TransferHistory, newHistory...), models.MaxTransferHistory)
	metrics.MintTransactions = models.TruncateRecords(append(metrics.MintTransactions, newMints...), models.MaxMintRecords)
	metrics.BurnTransactions = models.TruncateRecords(append(metrics.BurnTransactions, newBurns...), models.MaxNFTBurnRecords)
	metrics.ProcessedHashes = models.TruncateFIFO(processed, models.MaxNFTProcessedHashes)

	metrics.UniqueHolders = mergeSet(holders, freshHolders)
	metrics.TopHolders = topHolders(metrics.CurrentHolders)
	metrics.ActiveTraders = activeTraders(metrics.TraderStats)
	metrics.TransfersByWindow = transferWindows(metrics, now)

	return metrics, newMints, watchedHits
}

// bucketFee counts a transfer fee into the low/medium/high bands.
func bucketFee(dist *models.FeeDistribution, fee *big.Int) {
	switch {
	case fee.Cmp(feeLowCeiling) < 0:
		dist.Low++
	case fee.Cmp(feeMediumCeiling) < 0:
		dist.Medium++
	default:
		dist.High++
	}
}

// topHolders rebuilds the holder ranking from the current-holder map,
// excluding the zero address.
func topHolders(currentHolders map[string]string) []models.HolderStat {
	counts := make(map[string]int)
	for _, holder := range currentHolders {
		if isZeroAddr(holder) {
			continue
		}
		counts[holder]++
	}

	ranked := make([]models.HolderStat, 0, len(counts))
	for addr, count := range counts {
		ranked = append(ranked, models.HolderStat{Address: addr, TokenCount: count})
	}

	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].TokenCount != ranked[j].TokenCount {
			return ranked[i].TokenCount > ranked[j].TokenCount
		}
		return ranked[i].Address < ranked[j].Address
	})

	if len(ranked) > topHolderCount {
		ranked = ranked[:topHolderCount]
	}
	return ranked
}

// activeTraders ranks traders by cumulative transfer count.
func activeTraders(stats map[string]models.TraderStat) []models.TraderStat {
	ranked := make([]models.TraderStat, 0, len(stats))
	for _, stat := range stats {
		ranked = append(ranked, stat)
	}

	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].TransferCount != ranked[j].TransferCount {
			return ranked[i].TransferCount > ranked[j].TransferCount
		}
		return ranked[i].Address < ranked[j].Address
	})

	if len(ranked) > activeTraderCount {
		ranked = ranked[:activeTraderCount]
	}
	return ranked
}

// transferWindows counts movement events inside the rolling windows.
// The retained history, mint, and burn windows cover the feed depth by
// a wide margin at the default page size.
func transferWindows(metrics models.NFTMovementMetrics, now time.Time) models.CountWindows {
	var windows models.CountWindows

	count := func(recs []models.TransferRecord) {
		for _, record := range recs {
			if record.Timestamp.After(now.Add(-window1h)) {
				windows.Hour1++
			}
			if record.Timestamp.After(now.Add(-window6h)) {
				windows.Hour6++
			}
			if record.Timestamp.After(now.Add(-window24h)) {
				windows.Hour24++
			}
		}
	}

	count(metrics.TransferHistory)
	count(metrics.MintTransactions)
	count(metrics.BurnTransactions)

	return windows
}

// nftAlerts applies the fixed NFT alert catalog.
func nftAlerts(prior *models.NFTMovementSnapshot, metrics models.NFTMovementMetrics, newMints []models.TransferRecord, watched []string, thresholds NFTThresholds, now time.Time) []models.Alert {
	var alerts []models.Alert

	if thresholds.MassTransferCount > 0 && metrics.TransfersByWindow.Hour1 > thresholds.MassTransferCount {
		alerts = append(alerts, newAlert(
			"MASS_TRANSFER", types.SeverityHigh,
			fmt.Sprintf("%d transfers in the last hour", metrics.TransfersByWindow.Hour1),
			now, map[string]interface{}{"count": metrics.TransfersByWindow.Hour1},
		))
	}

	if thresholds.WhaleTokenCount > 0 {
		for _, holder := range metrics.TopHolders {
			if holder.TokenCount >= thresholds.WhaleTokenCount {
				alerts = append(alerts, newAlert(
					"WHALE_ACCUMULATION", types.SeverityMedium,
					fmt.Sprintf("address %s holds %d tokens", holder.Address, holder.TokenCount),
					now, map[string]interface{}{"address": holder.Address, "tokenCount": holder.TokenCount},
				))
				break
			}
		}
	}

	if thresholds.SuspiciousMintRate > 0 {
		recentMints := 0
		for _, mint := range newMints {
			if mint.Timestamp.After(now.Add(-window1h)) {
				recentMints++
			}
		}
		if recentMints > thresholds.SuspiciousMintRate {
			alerts = append(alerts, newAlert(
				"SUSPICIOUS_MINTING", types.SeverityHigh,
				fmt.Sprintf("%d mints in the last hour", recentMints),
				now, map[string]interface{}{"count": recentMints},
			))
		}
	}

	if prior != nil && thresholds.HighActivityPct > 0 {
		prev := big.NewInt(int64(prior.Metrics.TransfersByWindow.Hour24))
		cur := big.NewInt(int64(metrics.TransfersByWindow.Hour24))
		if change := pctChange(prev, cur); change > thresholds.HighActivityPct {
			alerts = append(alerts, newAlert(
				"HIGH_ACTIVITY_SPIKE", types.SeverityMedium,
				fmt.Sprintf("24h transfer count up %d%% versus previous snapshot", change),
				now, map[string]interface{}{"changePct": change},
			))
		}
	}

	for _, stat := range metrics.TraderStats {
		if stat.TransferCount > washTradeCount && len(stat.TokensTraded) < washTradeTokens {
			alerts = append(alerts, newAlert(
				"WASH_TRADING", types.SeverityMedium,
				fmt.Sprintf("address %s made %d transfers over %d token(s)", stat.Address, stat.TransferCount, len(stat.TokensTraded)),
				now, map[string]interface{}{"address": stat.Address, "transferCount": stat.TransferCount},
			))
			break
		}
	}

	if len(watched) > 0 {
		alerts = append(alerts, newAlert(
			"WATCHED_WALLET_ACTIVITY", types.SeverityLow,
			fmt.Sprintf("watched address %s appeared in new transfers", watched[0]),
			now, map[string]interface{}{"addresses": watched},
		))
	}

	return alerts
}

// nftRisk sums the NFT risk contributions and caps at 10.
func nftRisk(metrics models.NFTMovementMetrics, alerts []models.Alert) int {
	score := 0

	// Hourly transfer density tiers
	switch hourly := metrics.TransfersByWindow.Hour1; {
	case hourly > 100:
		score += 3
	case hourly > 50:
		score += 2
	case hourly > 10:
		score++
	}

	// Holder concentration of the top holder
	tracked := 0
	for _, holder := range metrics.CurrentHolders {
		if !isZeroAddr(holder) {
			tracked++
		}
	}
	if tracked > 0 && len(metrics.TopHolders) > 0 {
		topShare := metrics.TopHolders[0].TokenCount * 100 / tracked
		if topShare >= 50 {
			score += 2
		} else if topShare >= 25 {
			score++
		}
	}

	// Recent mint volume over the last day
	recentMints := 0
	for _, mint := range metrics.MintTransactions {
		if time.Since(mint.Timestamp) <= window24h {
			recentMints++
		}
	}
	if recentMints > 100 {
		score += 2
	} else if recentMints > 50 {
		score++
	}

	// Flipping activity
	if len(metrics.ActiveTraders) > 0 && metrics.ActiveTraders[0].TransferCount > flippingRiskCount {
		score++
	}

	score += severityRisk(alerts)
	return capRisk(score)
}
