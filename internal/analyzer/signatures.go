package analyzer

import (
	"strings"

	"github.com/preyanshu/chainwatch/internal/types"
)

// Transaction category labels produced by the method-signature lookup.
const (
	CategoryNativeTransfer     = "NATIVE_TRANSFER"
	CategorySimpleContractCall = "SIMPLE_CONTRACT_CALL"
	CategoryUnknownInteraction = "UNKNOWN_CONTRACT_INTERACTION"
	CategoryContractDeployment = "CONTRACT_DEPLOYMENT"
	CategoryExecute            = "EXECUTE"
)

// methodSignatures maps the first 4 bytes of calldata to a category
// label. This is a static lookup table; decoding calldata into DeFi
// semantics beyond it is out of scope.
var methodSignatures = map[string]string{
	"0xa9059cbb": "ERC20_TRANSFER",
	"0x23b872dd": "ERC20_TRANSFER_FROM",
	"0x095ea7b3": "ERC20_APPROVE",
	"0x39509351": "ERC20_INCREASE_ALLOWANCE",
	"0xd0e30db0": "WETH_DEPOSIT",
	"0x2e1a7d4d": "WETH_WITHDRAW",
	"0x38ed1739": "UNISWAP_SWAP",
	"0x7ff36ab5": "UNISWAP_SWAP",
	"0x18cbafe5": "UNISWAP_SWAP",
	"0xb6f9de95": "UNISWAP_SWAP",
	"0xfb3bdb41": "UNISWAP_SWAP",
	"0x791ac947": "UNISWAP_SWAP",
	"0x022c0d9f": "UNISWAP_SWAP",
	"0x3593564c": CategoryExecute,
	"0xac9650d8": "MULTICALL",
	"0x5ae401dc": "MULTICALL",
	"0x42842e0e": "NFT_SAFE_TRANSFER_FROM",
	"0xb88d4fde": "NFT_SAFE_TRANSFER_FROM",
	"0xa22cb465": "NFT_SET_APPROVAL_FOR_ALL",
	"0x40c10f19": "TOKEN_MINT",
	"0x1249c58b": "TOKEN_MINT",
	"0xa0712d68": "TOKEN_MINT",
	"0x42966c68": "TOKEN_BURN",
	"0x9dc29fac": "TOKEN_BURN",
	"0x1fad948c": "AA_HANDLE_OPS",
	"0xb1dc65a4": "CHAINLINK_TRANSMIT",
	"0x6a761202": "SAFE_EXEC_TRANSACTION",
}

// CategorizeTransaction maps a transaction to its category label.
// Empty calldata is a plain value move for legacy transactions and a
// bare contract call otherwise; a deployment has no destination.
func CategorizeTransaction(tx *types.ExplorerTransaction) string {
	if tx.To == "" {
		return CategoryContractDeployment
	}

	data := strings.ToLower(tx.Data)
	if data == "" || data == "0x" {
		if tx.Type == 0 {
			return CategoryNativeTransfer
		}
		return CategorySimpleContractCall
	}

	if len(data) >= 10 {
		if category, ok := methodSignatures[data[:10]]; ok {
			return category
		}
	}

	return CategoryUnknownInteraction
}
