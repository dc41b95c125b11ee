// Package analyzer implements the incremental analysis pipeline shared
// by the wallet, token-flow, and NFT-movement job actions. Each run
// merges the latest explorer page with the previous persisted snapshot
// into a new cumulative snapshot plus alerts and a risk score.
package analyzer

import (
	"math/big"
	"sort"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/preyanshu/chainwatch/internal/errors"
	"github.com/preyanshu/chainwatch/internal/models"
	"github.com/preyanshu/chainwatch/internal/types"
)

// Rolling-window durations used by all three analyzers.
const (
	window1h  = time.Hour
	window6h  = 6 * time.Hour
	window24h = 24 * time.Hour
)

// ValidateAddress checks the 20-byte hex entity address syntax.
func ValidateAddress(addr string) error {
	if !strings.HasPrefix(addr, "0x") || !common.IsHexAddress(addr) {
		return errors.NewInvalidAddressError(addr)
	}
	return nil
}

// hashSet builds a membership set from a processed-hash list.
func hashSet(hashes []string) map[string]struct{} {
	set := make(map[string]struct{}, len(hashes))
	for _, h := range hashes {
		set[h] = struct{}{}
	}
	return set
}

// dedupTransfers returns the transfers not yet recorded in prior
// snapshots, preserving feed order.
func dedupTransfers(items []types.ExplorerTransfer, processed []string) []types.ExplorerTransfer {
	seen := hashSet(processed)
	var fresh []types.ExplorerTransfer
	for _, item := range items {
		if _, ok := seen[item.TxHash]; !ok {
			fresh = append(fresh, item)
		}
	}
	return fresh
}

// dedupTransactions returns the transactions not yet recorded in prior
// snapshots, preserving feed order.
func dedupTransactions(items []types.ExplorerTransaction, processed []string) []types.ExplorerTransaction {
	seen := hashSet(processed)
	var fresh []types.ExplorerTransaction
	for _, item := range items {
		if _, ok := seen[item.Hash]; !ok {
			fresh = append(fresh, item)
		}
	}
	return fresh
}

// capRisk clamps a raw risk sum into the 1..10 score range.
func capRisk(score int) int {
	if score < 1 {
		return 1
	}
	if score > 10 {
		return 10
	}
	return score
}

// severityRisk sums the alert contributions: HIGH counts double.
func severityRisk(alerts []models.Alert) int {
	score := 0
	for _, a := range alerts {
		switch a.Severity {
		case types.SeverityHigh:
			score += 2
		case types.SeverityMedium:
			score++
		}
	}
	return score
}

// within reports whether a feed timestamp falls inside the window
// ending at now.
func within(ts int64, now time.Time, window time.Duration) bool {
	t := types.UnixTime(ts)
	return !t.Before(now.Add(-window)) && !t.After(now)
}

// mergeSet unions two address sets, returning a sorted slice for
// deterministic serialization.
func mergeSet(prior []string, fresh []string) []string {
	set := make(map[string]struct{}, len(prior)+len(fresh))
	for _, a := range prior {
		set[a] = struct{}{}
	}
	for _, a := range fresh {
		set[a] = struct{}{}
	}

	out := make([]string, 0, len(set))
	for a := range set {
		out = append(out, a)
	}
	sort.Strings(out)
	return out
}

// pctChange computes the percentage change from prev to cur in integer
// big-int arithmetic. The division happens last so 256-bit volumes do
// not overflow on the way. Returns 0 when prev is zero.
func pctChange(prev, cur *big.Int) int64 {
	if prev.Sign() == 0 {
		return 0
	}
	diff := new(big.Int).Sub(cur, prev)
	diff.Mul(diff, big.NewInt(100))
	diff.Quo(diff, prev)
	return diff.Int64()
}

// newAlert builds an alert stamped with the given time.
func newAlert(alertType string, severity types.AlertSeverity, message string, now time.Time, data map[string]interface{}) models.Alert {
	return models.Alert{
		Type:      alertType,
		Severity:  severity,
		Message:   message,
		Timestamp: now,
		Data:      data,
	}
}

// isZeroAddr reports whether addr is the zero (burn/mint) address.
func isZeroAddr(addr string) bool {
	return addr == types.ZeroAddress || addr == "0x0" || addr == ""
}

// lowered normalizes an address for map keys and comparisons.
func lowered(addr string) string {
	return common.HexToAddress(addr).Hex()
}

// sameAddr compares two hex addresses case-insensitively.
func sameAddr(a, b string) bool {
	return common.HexToAddress(a) == common.HexToAddress(b)
}

// watchedHit returns the first watched address touched by a transfer,
// or "" when none is.
func watchedHit(watched []string, from, to string) string {
	for _, w := range watched {
		if sameAddr(w, from) || sameAddr(w, to) {
			return w
		}
	}
	return ""
}
