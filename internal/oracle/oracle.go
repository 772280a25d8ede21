// Package oracle supplies external reference prices for margin and
// liquidation math (spec.md §1: "external price oracles, consumed via a
// single trait"). PriceOracle is the trait; StaticOracle is the
// default/testing implementation; EVMOracle reads a Chainlink-style
// on-chain price feed.
package oracle

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
)

// Price is one observation of a trading pair's reference price.
type Price struct {
	Pair  string
	Value *big.Rat
	AsOf  time.Time
}

// PriceOracle is the single trait every price source implements.
type PriceOracle interface {
	GetPrice(ctx context.Context, pair string) (Price, error)
}

// StaticOracle serves prices set directly by the caller — the default for
// tests and for pairs with no configured on-chain feed.
type StaticOracle struct {
	mu     sync.RWMutex
	prices map[string]Price
}

// NewStaticOracle returns an empty StaticOracle.
func NewStaticOracle() *StaticOracle {
	return &StaticOracle{prices: map[string]Price{}}
}

// Set installs or replaces the reference price for pair.
func (o *StaticOracle) Set(pair string, value *big.Rat, asOf time.Time) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.prices[pair] = Price{Pair: pair, Value: value, AsOf: asOf}
}

// GetPrice implements PriceOracle.
func (o *StaticOracle) GetPrice(_ context.Context, pair string) (Price, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	p, ok := o.prices[pair]
	if !ok {
		return Price{}, fmt.Errorf("oracle: no static price set for pair %s", pair)
	}
	return p, nil
}

// feedABI is the Chainlink AggregatorV3Interface subset BiBank reads:
// latestRoundData and decimals. Bound directly via abi.JSON/bind.
// BoundContract rather than generated bindings (internal/contracts/htlc's
// abigen output is specific to the HTLC contract; a price feed only needs
// two read calls, not a full generated client).
const feedABI = `[
	{"constant":true,"inputs":[],"name":"decimals","outputs":[{"name":"","type":"uint8"}],"type":"function"},
	{"constant":true,"inputs":[],"name":"latestRoundData","outputs":[
		{"name":"roundId","type":"uint80"},
		{"name":"answer","type":"int256"},
		{"name":"startedAt","type":"uint256"},
		{"name":"updatedAt","type":"uint256"},
		{"name":"answeredInRound","type":"uint80"}
	],"type":"function"}
]`

// EVMOracle reads one on-chain price feed per configured pair, grounded on
// internal/contracts/htlc/client.go's ethclient.Dial + bind.CallOpts
// calling convention.
type EVMOracle struct {
	client   *ethclient.Client
	parsed   abi.ABI
	feeds    map[string]*bind.BoundContract
	decimals map[string]uint8
}

// NewEVMOracle dials rpcURL and binds one feed contract per pair in feeds.
func NewEVMOracle(ctx context.Context, rpcURL string, feeds map[string]common.Address) (*EVMOracle, error) {
	client, err := ethclient.Dial(rpcURL)
	if err != nil {
		return nil, fmt.Errorf("oracle: failed to connect to RPC: %w", err)
	}

	parsed, err := abi.JSON(strings.NewReader(feedABI))
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("oracle: failed to parse feed ABI: %w", err)
	}

	o := &EVMOracle{
		client:   client,
		parsed:   parsed,
		feeds:    make(map[string]*bind.BoundContract, len(feeds)),
		decimals: make(map[string]uint8, len(feeds)),
	}

	for pair, addr := range feeds {
		bc := bind.NewBoundContract(addr, parsed, client, client, client)
		o.feeds[pair] = bc

		var out []interface{}
		if err := bc.Call(&bind.CallOpts{Context: ctx}, &out, "decimals"); err != nil {
			client.Close()
			return nil, fmt.Errorf("oracle: failed to read decimals for pair %s: %w", pair, err)
		}
		dec, ok := out[0].(uint8)
		if !ok {
			client.Close()
			return nil, fmt.Errorf("oracle: unexpected decimals return type for pair %s", pair)
		}
		o.decimals[pair] = dec
	}

	return o, nil
}

// GetPrice implements PriceOracle by calling latestRoundData on the pair's
// bound feed contract and scaling the raw integer answer by its decimals.
func (o *EVMOracle) GetPrice(ctx context.Context, pair string) (Price, error) {
	bc, ok := o.feeds[pair]
	if !ok {
		return Price{}, fmt.Errorf("oracle: no feed configured for pair %s", pair)
	}

	var out []interface{}
	if err := bc.Call(&bind.CallOpts{Context: ctx}, &out, "latestRoundData"); err != nil {
		return Price{}, fmt.Errorf("oracle: latestRoundData call failed for pair %s: %w", pair, err)
	}
	answer, ok := out[1].(*big.Int)
	if !ok {
		return Price{}, fmt.Errorf("oracle: unexpected answer return type for pair %s", pair)
	}
	updatedAt, ok := out[3].(*big.Int)
	if !ok {
		return Price{}, fmt.Errorf("oracle: unexpected updatedAt return type for pair %s", pair)
	}

	scale := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(o.decimals[pair])), nil)
	value := new(big.Rat).SetFrac(answer, scale)

	return Price{Pair: pair, Value: value, AsOf: time.Unix(updatedAt.Int64(), 0).UTC()}, nil
}

// Close closes the underlying RPC connection.
func (o *EVMOracle) Close() { o.client.Close() }
