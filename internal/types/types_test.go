package types

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestValidNetwork(t *testing.T) {
	assert.True(t, ValidNetwork(NetworkMainnet))
	assert.True(t, ValidNetwork(NetworkTestnet))
	assert.True(t, ValidNetwork(NetworkDevnet))
	assert.False(t, ValidNetwork("moonnet"))
	assert.False(t, ValidNetwork(""))
}

func TestValidAction(t *testing.T) {
	assert.True(t, ValidAction(ActionWalletSnapshot))
	assert.True(t, ValidAction(ActionAnalyzeCoinFlows))
	assert.True(t, ValidAction(ActionAnalyzeNFTMovements))
	assert.False(t, ValidAction("mine_bitcoin"))
}

func TestParseBig(t *testing.T) {
	assert.Equal(t, "0", ParseBig("").String())
	assert.Equal(t, "0", ParseBig("not-a-number").String())
	assert.Equal(t, "42", ParseBig("42").String())

	// 256-bit values survive parsing.
	huge := "115792089237316195423570985008687907853269984665640564039457584007913129639935"
	assert.Equal(t, huge, ParseBig(huge).String())
}

func TestUnixTime(t *testing.T) {
	ts := UnixTime(1700000000)
	assert.Equal(t, time.UTC, ts.Location())
	assert.Equal(t, int64(1700000000), ts.Unix())
}

func TestServiceError(t *testing.T) {
	err := &ServiceError{Code: "SOME_CODE", Message: "something happened"}
	assert.Equal(t, "something happened", err.Error())
}
