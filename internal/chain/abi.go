package chain

import (
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

var (
	portfolioABI abi.ABI
	erc20ABI     abi.ABI
)

func init() {
	var err error

	portfolioABI, err = abi.JSON(strings.NewReader(`[
		{
			"name": "depositorInfo",
			"type": "function",
			"stateMutability": "view",
			"inputs": [{"name": "depositor", "type": "address"}],
			"outputs": [{
				"name": "",
				"type": "tuple",
				"components": [{
					"name": "positions",
					"type": "tuple[]",
					"components": [
						{"name": "depositAmount", "type": "uint256"},
						{"name": "amountSplit", "type": "uint256"},
						{"name": "investedAtHistoricalIndex", "type": "uint256"}
					]
				}]
			}]
		},
		{
			"name": "currentDCAHistoryIndex",
			"type": "function",
			"stateMutability": "view",
			"inputs": [],
			"outputs": [{"name": "", "type": "uint256"}]
		},
		{
			"name": "depositTokenInfo",
			"type": "function",
			"stateMutability": "view",
			"inputs": [],
			"outputs": [
				{"name": "token", "type": "address"},
				{"name": "decimals", "type": "uint8"}
			]
		},
		{
			"name": "equityValuation",
			"type": "function",
			"stateMutability": "view",
			"inputs": [],
			"outputs": [{
				"name": "",
				"type": "tuple[]",
				"components": [
					{"name": "totalDepositToken", "type": "uint256"},
					{"name": "totalBluechipToken", "type": "uint256"},
					{"name": "bluechipToken", "type": "address"}
				]
			}]
		}
	]`))
	if err != nil {
		panic("portfolio abi parse: " + err.Error())
	}

	erc20ABI, err = abi.JSON(strings.NewReader(`[
		{
			"name": "decimals",
			"type": "function",
			"stateMutability": "view",
			"inputs": [],
			"outputs": [{"name": "", "type": "uint8"}]
		}
	]`))
	if err != nil {
		panic("erc20 abi parse: " + err.Error())
	}
}

// positionTuple mirrors one element of depositorInfo().positions.
type positionTuple struct {
	DepositAmount             *big.Int
	AmountSplit               *big.Int
	InvestedAtHistoricalIndex *big.Int
}

type depositorInfo struct {
	Positions []positionTuple
}

// equityTuple mirrors one element of equityValuation().
type equityTuple struct {
	TotalDepositToken  *big.Int
	TotalBluechipToken *big.Int
	BluechipToken      common.Address
}
