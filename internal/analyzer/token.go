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
	topFlowCount = 10
	// whaleMultiplier scales the large-transfer threshold into the
	// whale-movement threshold
	whaleMultiplier = 10
	// suspiciousTxCount / suspiciousAvgValue flag high-count dust senders
	suspiciousTxCount  = 100
	suspiciousAvgValue = 100
)

// TokenThresholds are the payload-configured alert thresholds.
type TokenThresholds struct {
	LargeTransfer  *big.Int
	VolumeSpikePct int64
}

// TokenFeedSource is the slice of the explorer client the token
// analyzer needs.
type TokenFeedSource interface {
	FetchTokenTransfers(ctx context.Context, tokenAddr string, network types.Network, limit int) (*adapter.TransferFeed, error)
}

// TokenSnapshotStore persists token-flow snapshots.
type TokenSnapshotStore interface {
	LatestToken(ctx context.Context, entity string, network types.Network) (*models.TokenFlowSnapshot, error)
	AppendToken(ctx context.Context, s *models.TokenFlowSnapshot) error
}

// TokenInput is one analyze_coin_flows cycle's parameters.
type TokenInput struct {
	Address          string
	Network          types.Network
	Limit            int
	Thresholds       TokenThresholds
	WatchedAddresses []string
}

// TokenAnalyzer produces cumulative fungible-token flow snapshots.
type TokenAnalyzer struct {
	feed  TokenFeedSource
	store TokenSnapshotStore
}

// NewTokenAnalyzer creates a token-flow analyzer.
func NewTokenAnalyzer(feed TokenFeedSource, store TokenSnapshotStore) *TokenAnalyzer {
	return &TokenAnalyzer{feed: feed, store: store}
}

// Analyze runs one analyze_coin_flows cycle. Upstream unavailability is
// fatal for the token kind. Returns (nil, nil) when nothing new arrived
// and a prior snapshot exists, or when there is no prior snapshot and
// the feed carried no token info to seed one.
func (a *TokenAnalyzer) Analyze(ctx context.Context, input TokenInput) (*models.TokenFlowSnapshot, error) {
	logger := logging.FromContext(ctx).WithField("function", "TokenAnalyzer.Analyze")
	started := time.Now()

	if err := ValidateAddress(input.Address); err != nil {
		return nil, err
	}

	feed, err := a.feed.FetchTokenTransfers(ctx, input.Address, input.Network, input.Limit)
	if err != nil {
		return nil, err
	}
	if feed.Unavailable {
		return nil, errors.NewServiceUnavailableError("token transfer feed", nil)
	}

	prior, err := a.store.LatestToken(ctx, input.Address, input.Network)
	if err != nil {
		return nil, errors.NewDatabaseError("load prior token snapshot", err)
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
	metrics, newLarge, newBurns, watched := mergeTokenMetrics(prior, fresh, input.Thresholds, input.WatchedAddresses, now)

	alerts := tokenAlerts(prior, metrics, newLarge, newBurns, watched, input.Thresholds, now)
	risk := tokenRisk(metrics, newLarge, newBurns, alerts)

	tokenInfo := feed.TokenInfo
	if tokenInfo == nil && prior != nil {
		tokenInfo = prior.TokenInfo
	}

	snapshot := &models.TokenFlowSnapshot{
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

	if err := a.store.AppendToken(ctx, snapshot); err != nil {
		return nil, errors.NewDatabaseError("append token snapshot", err)
	}

	logger.WithFields(map[string]interface{}{
		"newItems":   len(fresh),
		"riskScore":  risk,
		"durationMs": time.Since(started).Milliseconds(),
	}).Info("token flow snapshot written")

	return snapshot, nil
}

// mergeTokenMetrics folds the new transfers into the prior cumulative
// metrics and re-derives the rankings and bounded windows. It returns
// the merged metrics plus this cycle's large transfers, burns, and
// watched-address hits for alerting.
func mergeTokenMetrics(prior *models.TokenFlowSnapshot, fresh []types.ExplorerTransfer, thresholds TokenThresholds, watchedAddrs []string, now time.Time) (models.TokenFlowMetrics, []models.TransferRecord, []models.TransferRecord, []string) {
	metrics := models.TokenFlowMetrics{
		SenderTotals:   make(map[string]models.AddressFlow),
		ReceiverTotals: make(map[string]models.AddressFlow),
	}

	volume := new(big.Int)
	var processed, addresses []string

	if prior != nil {
		pm := &prior.Metrics
		metrics.TotalTransfers = pm.TotalTransfers
		volume = types.ParseBig(pm.TotalVolume)
		for addr, flow := range pm.SenderTotals {
			metrics.SenderTotals[addr] = flow
		}
		for addr, flow := range pm.ReceiverTotals {
			metrics.ReceiverTotals[addr] = flow
		}
		metrics.LargeTransfers = pm.LargeTransfers
		metrics.BurnTransactions = pm.BurnTransactions
		addresses = pm.UniqueAddresses
		processed = pm.ProcessedHashes
	}

	win1, win6, win24 := new(big.Int), new(big.Int), new(big.Int)
	var newLarge, newBurns []models.TransferRecord
	var freshAddrs, watchedHits []string

	for i := range fresh {
		transfer := &fresh[i]
		if !transfer.Status {
			processed = append(processed, transfer.TxHash)
			continue
		}

		value := types.ParseBig(transfer.Value)
		volume.Add(volume, value)
		metrics.TotalTransfers++

		if within(transfer.Timestamp, now, window1h) {
			win1.Add(win1, value)
		}
		if within(transfer.Timestamp, now, window6h) {
			win6.Add(win6, value)
		}
		if within(transfer.Timestamp, now, window24h) {
			win24.Add(win24, value)
		}

		from, to := lowered(transfer.From), lowered(transfer.To)
		freshAddrs = append(freshAddrs, from, to)

		sender := metrics.SenderTotals[from]
		sender.Address = from
		sender.Total = new(big.Int).Add(types.ParseBig(sender.Total), value).String()
		sender.Count++
		metrics.SenderTotals[from] = sender

		receiver := metrics.ReceiverTotals[to]
		receiver.Address = to
		receiver.Total = new(big.Int).Add(types.ParseBig(receiver.Total), value).String()
		receiver.Count++
		metrics.ReceiverTotals[to] = receiver

		record := models.TransferRecord{
			TxHash:    transfer.TxHash,
			From:      transfer.From,
			To:        transfer.To,
			Value:     transfer.Value,
			Timestamp: types.UnixTime(transfer.Timestamp),
		}

		if thresholds.LargeTransfer != nil && thresholds.LargeTransfer.Sign() > 0 && value.Cmp(thresholds.LargeTransfer) >= 0 {
			newLarge = append(newLarge, record)
		}
		if isZeroAddr(transfer.To) {
			newBurns = append(newBurns, record)
		}
		if hit := watchedHit(watchedAddrs, transfer.From, transfer.To); hit != "" {
			watchedHits = append(watchedHits, hit)
		}

		processed = append(processed, transfer.TxHash)
	}

	metrics.TotalVolume = volume.String()
	metrics.UniqueAddresses = mergeSet(addresses, freshAddrs)

	metrics.LargeTransfers = models.TruncateRecords(append(metrics.LargeTransfers, newLarge...), models.MaxLargeTransfers)
	metrics.BurnTransactions = models.TruncateRecords(append(metrics.BurnTransactions, newBurns...), models.MaxBurnRecords)
	metrics.ProcessedHashes = models.TruncateFIFO(processed, models.MaxTokenProcessedHashes)

	metrics.TopSenders = topFlows(metrics.SenderTotals)
	metrics.TopReceivers = topFlows(metrics.ReceiverTotals)

	metrics.VolumeByTimeframe = models.VolumeWindows{
		Hour1:  win1.String(),
		Hour6:  win6.String(),
		Hour24: win24.String(),
	}

	if metrics.TotalTransfers > 0 {
		metrics.AvgTransferValue = new(big.Int).Quo(volume, big.NewInt(int64(metrics.TotalTransfers))).String()
	} else {
		metrics.AvgTransferValue = "0"
	}

	return metrics, newLarge, newBurns, watchedHits
}

// topFlows ranks address flows by cumulative value, big-int compared,
// and keeps the top ten.
func topFlows(flows map[string]models.AddressFlow) []models.AddressFlow {
	ranked := make([]models.AddressFlow, 0, len(flows))
	for _, flow := range flows {
		ranked = append(ranked, flow)
	}

	sort.Slice(ranked, func(i, j int) bool {
		cmp := types.ParseBig(ranked[i].Total).Cmp(types.ParseBig(ranked[j].Total))
		if cmp != 0 {
			return cmp > 0
		}
		return ranked[i].Address < ranked[j].Address
	})

	if len(ranked) > topFlowCount {
		ranked = ranked[:topFlowCount]
	}
	return ranked
}

// tokenAlerts applies the fixed token alert catalog.
func tokenAlerts(prior *models.TokenFlowSnapshot, metrics models.TokenFlowMetrics, newLarge, newBurns []models.TransferRecord, watched []string, thresholds TokenThresholds, now time.Time) []models.Alert {
	var alerts []models.Alert

	for _, record := range newLarge {
		if record.Timestamp.After(now.Add(-window1h)) {
			alerts = append(alerts, newAlert(
				"LARGE_TRANSFER", types.SeverityHigh,
				fmt.Sprintf("large transfer of %s detected", record.Value),
				now, map[string]interface{}{"txHash": record.TxHash, "value": record.Value},
			))
			break
		}
	}

	for _, record := range newBurns {
		if record.Timestamp.After(now.Add(-window1h)) {
			alerts = append(alerts, newAlert(
				"BURN_DETECTED", types.SeverityMedium,
				fmt.Sprintf("%d burn transaction(s) in the last hour", len(newBurns)),
				now, map[string]interface{}{"count": len(newBurns)},
			))
			break
		}
	}

	if thresholds.LargeTransfer != nil && thresholds.LargeTransfer.Sign() > 0 && len(metrics.TopSenders) > 0 {
		whaleThreshold := new(big.Int).Mul(thresholds.LargeTransfer, big.NewInt(whaleMultiplier))
		top := metrics.TopSenders[0]
		if types.ParseBig(top.Total).Cmp(whaleThreshold) >= 0 {
			alerts = append(alerts, newAlert(
				"WHALE_MOVEMENT", types.SeverityHigh,
				fmt.Sprintf("address %s has moved %s cumulatively", top.Address, top.Total),
				now, map[string]interface{}{"address": top.Address, "totalSent": top.Total},
			))
		}
	}

	if prior != nil && thresholds.VolumeSpikePct > 0 {
		prev := types.ParseBig(prior.Metrics.VolumeByTimeframe.Hour24)
		cur := types.ParseBig(metrics.VolumeByTimeframe.Hour24)
		if change := pctChange(prev, cur); change > thresholds.VolumeSpikePct {
			alerts = append(alerts, newAlert(
				"VOLUME_SPIKE", types.SeverityMedium,
				fmt.Sprintf("24h volume up %d%% versus previous snapshot", change),
				now, map[string]interface{}{"changePct": change},
			))
		}
	}

	for _, flow := range metrics.SenderTotals {
		if flow.Count > suspiciousTxCount {
			avg := new(big.Int).Quo(types.ParseBig(flow.Total), big.NewInt(int64(flow.Count)))
			if avg.Cmp(big.NewInt(suspiciousAvgValue)) < 0 {
				alerts = append(alerts, newAlert(
					"SUSPICIOUS_PATTERN", types.SeverityMedium,
					fmt.Sprintf("address %s made %d transfers averaging below %d", flow.Address, flow.Count, suspiciousAvgValue),
					now, map[string]interface{}{"address": flow.Address, "count": flow.Count},
				))
				break
			}
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

// tokenRisk sums the token risk contributions and caps at 10.
func tokenRisk(metrics models.TokenFlowMetrics, newLarge, newBurns []models.TransferRecord, alerts []models.Alert) int {
	score := 0

	if len(newLarge) > 0 {
		score++
	}
	if len(newBurns) > 0 {
		score++
	}
	if len(metrics.UniqueAddresses) > 100 {
		score++
	}

	score += severityRisk(alerts)
	return capRisk(score)
}
