package analyzer

import (
	"fmt"
	"math/big"
	"strings"
)

// PriceTable is the static symbol to USD table used for portfolio
// valuation. It is loaded once from configuration; there is no runtime
// price discovery.
type PriceTable map[string]float64

// nativeSymbol is the symbol used to price the native balance.
const nativeSymbol = "ETH"

var weiPerEther = new(big.Float).SetFloat64(1e18)

// NativeUSD values a wei-denominated native balance.
func (p PriceTable) NativeUSD(balanceWei *big.Int) float64 {
	price, ok := p[nativeSymbol]
	if !ok {
		return 0
	}

	ether := new(big.Float).Quo(new(big.Float).SetInt(balanceWei), weiPerEther)
	value, _ := new(big.Float).Mul(ether, big.NewFloat(price)).Float64()
	return value
}

// TokenUSD values a raw token balance with the given decimals. Unknown
// symbols price at zero.
func (p PriceTable) TokenUSD(symbol string, balance *big.Int, decimals int) float64 {
	price, ok := p[strings.ToUpper(symbol)]
	if !ok {
		return 0
	}
	if decimals < 0 || decimals > 77 {
		return 0
	}

	scale := new(big.Float).SetInt(new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil))
	units := new(big.Float).Quo(new(big.Float).SetInt(balance), scale)
	value, _ := new(big.Float).Mul(units, big.NewFloat(price)).Float64()
	return value
}

// FormatUSD renders a USD value the way snapshots store it.
func FormatUSD(v float64) string {
	return fmt.Sprintf("%.2f", v)
}
