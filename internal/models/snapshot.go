package models

import (
	"time"

	"github.com/preyanshu/chainwatch/internal/types"
)

// Bounded-window sizes. Truncation after each merge is part of the data
// contract: snapshots must not grow without bound no matter how long a
// recurring job runs.
const (
	MaxTokenProcessedHashes = 1000
	MaxLargeTransfers       = 100
	MaxBurnRecords          = 100
	MaxNFTProcessedHashes   = 2000
	MaxTransferHistory      = 1000
	MaxMintRecords          = 500
	MaxNFTBurnRecords       = 500
	MaxWalletProcessed      = 1000
)

// Alert is a threshold-triggered finding attached to a snapshot
type Alert struct {
	Type      string                 `json:"type"`
	Severity  types.AlertSeverity    `json:"severity"`
	Message   string                 `json:"message"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data,omitempty"`
}

// AnalysisMetadata records how much upstream data backed a snapshot
type AnalysisMetadata struct {
	TransactionsSeen int               `json:"transactionsSeen"`
	NewItems         int               `json:"newItems"`
	DataQuality      types.DataQuality `json:"dataQuality"`
	Sources          map[string]string `json:"sources,omitempty"`
}

// WalletSnapshot is the cumulative wallet activity state written at the
// end of a successful wallet_snapshot cycle. Immutable once written.
type WalletSnapshot struct {
	EntityAddress string           `json:"entityAddress"`
	Network       types.Network    `json:"network"`
	Timestamp     time.Time        `json:"timestamp"`
	Metrics       WalletMetrics    `json:"metrics"`
	Alerts        []Alert          `json:"alerts"`
	RiskScore     int              `json:"riskScore"`
	Metadata      AnalysisMetadata `json:"analysisMetadata"`
}

// WalletMetrics holds the cumulative wallet figures. All wei-denominated
// fields are decimal strings so 256-bit values survive serialization.
type WalletMetrics struct {
	NativeBalance    string               `json:"nativeBalance"`
	TokenHoldings    []types.TokenHolding `json:"tokenHoldings"`
	NFTHoldings      []types.NFTHolding   `json:"nftHoldings"`
	TotalIncoming    string               `json:"totalIncoming"`
	TotalOutgoing    string               `json:"totalOutgoing"`
	TotalFees        string               `json:"totalFees"`
	TotalGasUsed     string               `json:"totalGasUsed"`
	AvgGasPerTx      string               `json:"avgGasPerTx"`
	TxCount          int                  `json:"txCount"`
	FailedTxCount    int                  `json:"failedTxCount"`
	ZeroValueCalls   int                  `json:"zeroValueCalls"`
	CategoryCounts   map[string]int       `json:"categoryCounts"`
	UniqueContracts  []string             `json:"uniqueContracts"`
	LastActivityTime *time.Time           `json:"lastActivityTime,omitempty"`
	PortfolioValue   string               `json:"portfolioValueUsd"`
	ProcessedHashes  []string             `json:"processedTransactionHashes"`
}

// TokenFlowSnapshot is the cumulative fungible-token flow state
type TokenFlowSnapshot struct {
	EntityAddress string           `json:"entityAddress"`
	Network       types.Network    `json:"network"`
	Timestamp     time.Time        `json:"timestamp"`
	TokenInfo     *types.TokenInfo `json:"tokenInfo,omitempty"`
	Metrics       TokenFlowMetrics `json:"metrics"`
	Alerts        []Alert          `json:"alerts"`
	RiskScore     int              `json:"riskScore"`
	Metadata      AnalysisMetadata `json:"analysisMetadata"`
}

// AddressFlow accumulates per-address sent or received volume
type AddressFlow struct {
	Address string `json:"address"`
	Total   string `json:"total"`
	Count   int    `json:"count"`
}

// TransferRecord is one retained transfer in a bounded window
type TransferRecord struct {
	TxHash    string    `json:"txHash"`
	From      string    `json:"from"`
	To        string    `json:"to"`
	Value     string    `json:"value,omitempty"`
	TokenID   string    `json:"tokenId,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// VolumeWindows carries rolling volume sums versus wall-clock now
type VolumeWindows struct {
	Hour1  string `json:"1h"`
	Hour6  string `json:"6h"`
	Hour24 string `json:"24h"`
}

// CountWindows carries rolling transfer counts versus wall-clock now
type CountWindows struct {
	Hour1  int `json:"1h"`
	Hour6  int `json:"6h"`
	Hour24 int `json:"24h"`
}

// TokenFlowMetrics holds the cumulative token-flow figures
type TokenFlowMetrics struct {
	TotalTransfers    int                    `json:"totalTransfers"`
	TotalVolume       string                 `json:"totalVolume"`
	UniqueAddresses   []string               `json:"uniqueAddresses"`
	SenderTotals      map[string]AddressFlow `json:"senderTotals"`
	ReceiverTotals    map[string]AddressFlow `json:"receiverTotals"`
	TopSenders        []AddressFlow          `json:"topSenders"`
	TopReceivers      []AddressFlow          `json:"topReceivers"`
	LargeTransfers    []TransferRecord       `json:"largeTransfers"`
	BurnTransactions  []TransferRecord       `json:"burnTransactions"`
	VolumeByTimeframe VolumeWindows          `json:"volumeByTimeframe"`
	AvgTransferValue  string                 `json:"avgTransferValue"`
	ProcessedHashes   []string               `json:"processedTransactionHashes"`
}

// NFTMovementSnapshot is the cumulative NFT collection movement state
type NFTMovementSnapshot struct {
	EntityAddress string             `json:"entityAddress"`
	Network       types.Network      `json:"network"`
	Timestamp     time.Time          `json:"timestamp"`
	TokenInfo     *types.TokenInfo   `json:"tokenInfo,omitempty"`
	Metrics       NFTMovementMetrics `json:"metrics"`
	Alerts        []Alert            `json:"alerts"`
	RiskScore     int                `json:"riskScore"`
	Metadata      AnalysisMetadata   `json:"analysisMetadata"`
}

// HolderStat ranks a holder by the number of tokens currently held
type HolderStat struct {
	Address    string `json:"address"`
	TokenCount int    `json:"tokenCount"`
}

// TraderStat accumulates per-address transfer activity
type TraderStat struct {
	Address       string   `json:"address"`
	TransferCount int      `json:"transferCount"`
	TokensTraded  []string `json:"tokensTraded"`
}

// FeeDistribution buckets transfer fees into low/medium/high bands
type FeeDistribution struct {
	Low    int `json:"low"`
	Medium int `json:"medium"`
	High   int `json:"high"`
}

// NFTMovementMetrics holds the cumulative NFT movement figures.
// AvgHoldingHours mirrors the upstream payload shape; it is a fixed
// placeholder, not a computed figure.
type NFTMovementMetrics struct {
	TotalTransfers      int                   `json:"totalTransfers"`
	CurrentHolders      map[string]string     `json:"currentHolders"`
	UniqueHolders       []string              `json:"uniqueHolders"`
	TransferHistory     []TransferRecord      `json:"transferHistory"`
	MintTransactions    []TransferRecord      `json:"mintTransactions"`
	BurnTransactions    []TransferRecord      `json:"burnTransactions"`
	TopHolders          []HolderStat          `json:"topHolders"`
	ActiveTraders       []TraderStat          `json:"mostActiveTraders"`
	TraderStats         map[string]TraderStat `json:"traderStats"`
	TransfersByWindow   CountWindows          `json:"transfersByTimeframe"`
	FeeDistribution     FeeDistribution       `json:"feeDistribution"`
	AvgHoldingHours     int                   `json:"avgHoldingTime"`
	ProcessedHashes     []string              `json:"processedTransactionHashes"`
}

// TruncateFIFO keeps the most recent max entries of a FIFO hash window.
// Older entries fall off the front.
func TruncateFIFO(hashes []string, max int) []string {
	if len(hashes) <= max {
		return hashes
	}
	return hashes[len(hashes)-max:]
}

// TruncateRecords keeps the most recent max transfer records.
func TruncateRecords(recs []TransferRecord, max int) []TransferRecord {
	if len(recs) <= max {
		return recs
	}
	return recs[len(recs)-max:]
}
