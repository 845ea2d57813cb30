// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package evm

import (
	"context"
	"math/big"
	"sync"
	"time"

	"crossdex.org/crossdex/chain"
	"crossdex.org/crossdex/gw"
	"crossdex.org/crossdex/gw/gwnet"
	"golang.org/x/sync/singleflight"
)

const (
	// feeQuoteTTL is how long an estimate is served from cache. Within the
	// TTL every caller gets the identical quote.
	feeQuoteTTL = 10 * time.Second
	// defaultFeeFloorGwei is the minimum effective fee rate quoted when no
	// floor is configured. Nodes under light load can suggest dust-level
	// prices that then strand the transaction when load returns.
	defaultFeeFloorGwei = 0.1
	// minGasTipCapGwei is the minimum priority fee used when deriving fees
	// from chain state.
	minGasTipCapGwei = 2
	// baseFeeHeadroom is the multiplier applied to the observed base fee when
	// computing the fee cap, covering several maximum-increase blocks.
	baseFeeHeadroom = 2

	oracleTimeout = 5 * time.Second
)

const weiPerGwei = 1e9

// gweiToWei converts a gwei-denominated rate to wei. Oracle rates are coarse,
// so the float round-trip is harmless here; ledger amounts never pass through
// this.
func gweiToWei(gwei float64) *big.Int {
	wei, _ := new(big.Float).Mul(big.NewFloat(gwei), big.NewFloat(weiPerGwei)).Int(nil)
	return wei
}

// dynamicFeeChains are the chain IDs known to run an EIP-1559 style fee
// market. Anything else is quoted legacy single-price.
var dynamicFeeChains = map[int64]bool{
	1:        true, // ethereum
	10:       true, // optimism
	137:      true, // polygon
	8453:     true, // base
	42161:    true, // arbitrum one
	11155111: true, // sepolia
}

// feeOracleResult is the response of a gas oracle endpoint, all rates in
// gwei.
type feeOracleResult struct {
	BaseFee     float64 `json:"baseFee"`
	MaxFee      float64 `json:"maxFee"`
	PriorityFee float64 `json:"priorityFee"`
}

// feeEstimator produces the current fee quote for one network. Estimates are
// cached for feeQuoteTTL and concurrent cache misses are coalesced into a
// single upstream fetch. The estimator never fails: when every source is
// down it quotes the configured floor.
type feeEstimator struct {
	log       gw.Logger
	node      evmNode
	oracleURL string
	dynamic   bool
	// floor is the minimum effective rate, wei.
	floor *big.Int
	// userCap, when non-nil, is an operator-configured fee cap the quoted
	// max fee is raised to meet, so that explicitly requested headroom is
	// never silently reduced.
	userCap *big.Int

	flight singleflight.Group

	cacheMtx sync.RWMutex
	cached   *chain.FeeQuote
}

func newFeeEstimator(node evmNode, chainID int64, oracleURL string, floor, userCap *big.Int, log gw.Logger) *feeEstimator {
	if floor == nil || floor.Sign() <= 0 {
		floor = gweiToWei(defaultFeeFloorGwei)
	}
	return &feeEstimator{
		log:       log,
		node:      node,
		oracleURL: oracleURL,
		dynamic:   dynamicFeeChains[chainID],
		floor:     floor,
		userCap:   userCap,
	}
}

// estimate returns the current fee quote, from cache when fresh. The returned
// quote is shared and must be treated as immutable.
func (f *feeEstimator) estimate(ctx context.Context) *chain.FeeQuote {
	f.cacheMtx.RLock()
	cached := f.cached
	f.cacheMtx.RUnlock()
	if cached != nil && cached.Fresh(feeQuoteTTL) {
		return cached
	}

	quote, _, _ := f.flight.Do("estimate", func() (any, error) {
		// Another flight may have refreshed the cache while we waited.
		f.cacheMtx.RLock()
		cached := f.cached
		f.cacheMtx.RUnlock()
		if cached != nil && cached.Fresh(feeQuoteTTL) {
			return cached, nil
		}
		q := f.fetch(ctx)
		q.Stamp = time.Now()
		f.cacheMtx.Lock()
		f.cached = q
		f.cacheMtx.Unlock()
		return q, nil
	})
	return quote.(*chain.FeeQuote)
}

// fetch resolves a quote from the best available source: the configured
// oracle, then chain state, then a legacy gas price, then the floor.
func (f *feeEstimator) fetch(ctx context.Context) *chain.FeeQuote {
	if f.dynamic {
		if q := f.fromOracle(ctx); q != nil {
			return q
		}
		if q := f.fromChain(ctx); q != nil {
			return q
		}
	}
	if q := f.legacy(ctx); q != nil {
		return q
	}
	f.log.Warnf("all fee sources failed, quoting the floor rate %s wei", f.floor)
	return f.floorQuote()
}

func (f *feeEstimator) fromOracle(ctx context.Context) *chain.FeeQuote {
	if f.oracleURL == "" {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, oracleTimeout)
	defer cancel()
	var res feeOracleResult
	if err := gwnet.Get(ctx, f.oracleURL, &res); err != nil {
		f.log.Debugf("fee oracle fetch failed: %v", err)
		return nil
	}
	if res.MaxFee <= 0 || res.PriorityFee <= 0 {
		f.log.Debugf("fee oracle returned unusable rates %+v", res)
		return nil
	}
	return f.clampDynamic(&chain.FeeQuote{
		Model:                chain.FeeModelDynamic,
		MaxFeePerGas:         gweiToWei(res.MaxFee),
		MaxPriorityFeePerGas: gweiToWei(res.PriorityFee),
		BaseFee:              gweiToWei(res.BaseFee),
	})
}

// fromChain derives dynamic fees from the tip header's base fee and the
// node's suggested priority fee.
func (f *feeEstimator) fromChain(ctx context.Context) *chain.FeeQuote {
	hdr, err := f.node.bestHeader(ctx)
	if err != nil || hdr.BaseFee == nil {
		if err != nil {
			f.log.Debugf("best header fetch failed: %v", err)
		}
		return nil
	}
	tip, err := f.node.suggestGasTipCap(ctx)
	if err != nil {
		f.log.Debugf("gas tip cap fetch failed: %v", err)
		return nil
	}
	minTip := gweiToWei(minGasTipCapGwei)
	if tip.Cmp(minTip) < 0 {
		tip = minTip
	}
	maxFee := new(big.Int).Mul(hdr.BaseFee, big.NewInt(baseFeeHeadroom))
	maxFee.Add(maxFee, tip)
	return f.clampDynamic(&chain.FeeQuote{
		Model:                chain.FeeModelDynamic,
		MaxFeePerGas:         maxFee,
		MaxPriorityFeePerGas: tip,
		BaseFee:              new(big.Int).Set(hdr.BaseFee),
	})
}

func (f *feeEstimator) legacy(ctx context.Context) *chain.FeeQuote {
	price, err := f.node.suggestGasPrice(ctx)
	if err != nil {
		f.log.Debugf("gas price fetch failed: %v", err)
		return nil
	}
	price = new(big.Int).Set(price)
	// Networks with a priority market still accept legacy transactions, but
	// the suggested price needs an incentive component to be competitive.
	if f.dynamic {
		if tip, err := f.node.suggestGasTipCap(ctx); err == nil {
			price.Add(price, tip)
		}
	}
	if price.Cmp(f.floor) < 0 {
		price.Set(f.floor)
	}
	return &chain.FeeQuote{Model: chain.FeeModelLegacy, GasPrice: price}
}

func (f *feeEstimator) clampDynamic(q *chain.FeeQuote) *chain.FeeQuote {
	if q.MaxFeePerGas.Cmp(f.floor) < 0 {
		q.MaxFeePerGas = new(big.Int).Set(f.floor)
	}
	if f.userCap != nil && q.MaxFeePerGas.Cmp(f.userCap) < 0 {
		q.MaxFeePerGas = new(big.Int).Set(f.userCap)
	}
	if q.MaxPriorityFeePerGas.Cmp(q.MaxFeePerGas) > 0 {
		q.MaxPriorityFeePerGas = new(big.Int).Set(q.MaxFeePerGas)
	}
	return q
}

func (f *feeEstimator) floorQuote() *chain.FeeQuote {
	if f.dynamic {
		return &chain.FeeQuote{
			Model:                chain.FeeModelDynamic,
			MaxFeePerGas:         new(big.Int).Set(f.floor),
			MaxPriorityFeePerGas: new(big.Int).Set(f.floor),
		}
	}
	return &chain.FeeQuote{Model: chain.FeeModelLegacy, GasPrice: new(big.Int).Set(f.floor)}
}
