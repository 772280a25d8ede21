// Package config also centralizes the on-chain price feed addresses the
// oracle package dials, adapted from the teacher's per-chainID HTLC
// contract registry (internal/config/evm_contracts.go): ALL price feed
// addresses MUST be defined here, not scattered through oracle call sites.
package config

import "github.com/ethereum/go-ethereum/common"

// PriceFeeds maps a trading pair (e.g. "ETH-USD") to its Chainlink-style
// AggregatorV3Interface contract address on one chain.
type PriceFeeds map[string]common.Address

// priceFeedRegistry maps chainID -> pair -> feed contract address.
var priceFeedRegistry = map[uint64]PriceFeeds{
	// Ethereum Mainnet (chainID 1)
	1: {
		"ETH-USD": common.HexToAddress("0x5f4eC3Df9cbd43714FE2740f5E3616155c5b8419"),
		"BTC-USD": common.HexToAddress("0xF4030086522a5bEEa4988F8cA5B36dbC97BeE88c"),
	},

	// Ethereum Sepolia (chainID 11155111)
	11155111: {
		"ETH-USD": common.HexToAddress("0x694AA1769357215DE4FAC081bf1f309aDC325306"),
		"BTC-USD": common.HexToAddress("0x1b44F3514812d835EB1BDB0acB33d3fA3351Ee43"),
	},
}

// GetPriceFeeds returns the configured price feed addresses for chainID.
// Returns nil if the chain has no registered feeds.
func GetPriceFeeds(chainID uint64) PriceFeeds {
	return priceFeedRegistry[chainID]
}

// RegisterPriceFeed registers or updates a single pair's feed address on
// chainID, creating the chain's entry if needed. Used to wire operator-
// supplied feeds at startup without scattering addresses through the
// engine's bootstrap code.
func RegisterPriceFeed(chainID uint64, pair string, address common.Address) {
	feeds, ok := priceFeedRegistry[chainID]
	if !ok {
		feeds = PriceFeeds{}
		priceFeedRegistry[chainID] = feeds
	}
	feeds[pair] = address
}
