// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package evm

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"crossdex.org/crossdex/gw"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
)

const (
	// failQuarantine is how long we will wait after a failed request before
	// trying a provider again.
	failQuarantine = time.Minute
	// brickedFailCount is the number of consecutive failures after which a
	// provider is considered dead for the life of the process.
	brickedFailCount = 100
	// tipExpiration is how long a cached best header from a non-subscribed
	// provider remains usable.
	tipExpiration = 10 * time.Second
	// wsTipExpiration bounds the age of a subscription-fed tip. A subscribed
	// provider whose feed has gone quiet this long falls back to on-demand
	// header fetches rather than serving a frozen tip.
	wsTipExpiration = 2 * time.Minute
	// receiptCacheExpiration is how long a receipt for a mined transaction is
	// served from cache before being dropped.
	receiptCacheExpiration = time.Hour
	// nonceProviderStickiness is how long outgoing transactions and nonce
	// fetches stay pinned to one provider, so that a nonce observed on one
	// node is not contradicted by a node that has not seen our last
	// transaction yet.
	nonceProviderStickiness = 3 * time.Minute
)

// provider is one RPC endpoint and its health bookkeeping.
type provider struct {
	host string
	ec   *ethclient.Client
	rpc  *rpc.Client
	// ws providers maintain a header subscription and always have a fresh
	// tip. http providers cache the last header fetched on demand.
	ws bool

	tipMtx   sync.RWMutex
	tip      *types.Header
	tipStamp time.Time

	failMtx   sync.Mutex
	lastFail  time.Time
	failCount int
}

func (p *provider) setTip(tip *types.Header) {
	p.tipMtx.Lock()
	p.tip = tip
	p.tipStamp = time.Now()
	p.tipMtx.Unlock()
}

// failed is true if the provider is in fail quarantine or bricked.
func (p *provider) failed() bool {
	p.failMtx.Lock()
	defer p.failMtx.Unlock()
	return p.failCount >= brickedFailCount ||
		(p.failCount > 0 && time.Since(p.lastFail) < failQuarantine)
}

// markFailed puts the provider in quarantine.
func (p *provider) markFailed() {
	p.failMtx.Lock()
	p.lastFail = time.Now()
	p.failCount++
	p.failMtx.Unlock()
}

// markSuccess resets the failure count.
func (p *provider) markSuccess() {
	p.failMtx.Lock()
	p.failCount = 0
	p.failMtx.Unlock()
}

// cachedTip returns the last known header, or nil if it is older than the
// provider's staleness bound.
func (p *provider) cachedTip() *types.Header {
	ttl := tipExpiration
	if p.ws {
		ttl = wsTipExpiration
	}
	p.tipMtx.RLock()
	defer p.tipMtx.RUnlock()
	if p.tip == nil || time.Since(p.tipStamp) > ttl {
		return nil
	}
	return p.tip
}

// bestHeader returns the provider's view of the chain tip, serving the
// subscription-fed or recently-fetched header when fresh.
func (p *provider) bestHeader(ctx context.Context) (*types.Header, error) {
	if tip := p.cachedTip(); tip != nil {
		return tip, nil
	}
	hdr, err := p.ec.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, err
	}
	p.setTip(hdr)
	return hdr, nil
}

// subscribeHeaders runs a new-heads subscription until the context is
// canceled, redialing with a capped backoff for as long as the context lives.
// While the subscription is down, bestHeader falls back to on-demand fetches
// once the cached tip ages out.
func (p *provider) subscribeHeaders(ctx context.Context, log gw.Logger) {
	h := make(chan *types.Header, 8)
	delay := time.Second
	var sub ethereum.Subscription
	subscribe := func() bool {
		for {
			var err error
			if sub, err = p.ec.SubscribeNewHead(ctx, h); err == nil {
				return true
			}
			if ctx.Err() != nil {
				return false
			}
			log.Errorf("%s: header subscription failed: %v. retrying in %s", p.host, err, delay)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return false
			}
			if delay < time.Minute {
				delay *= 2
			}
		}
	}
	if !subscribe() {
		return
	}
	defer func() { sub.Unsubscribe() }()
	for {
		select {
		case hdr := <-h:
			p.setTip(hdr)
			delay = time.Second
		case err := <-sub.Err():
			if ctx.Err() != nil {
				return
			}
			log.Warnf("%s: header subscription error: %v. resubscribing", p.host, err)
			sub.Unsubscribe()
			if !subscribe() {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

type cachedReceipt struct {
	r          *types.Receipt
	lastAccess time.Time
}

// rpcPool multiplexes requests over a set of RPC providers, skipping
// quarantined providers and rotating through the rest until one succeeds.
type rpcPool struct {
	log     gw.Logger
	chainID *big.Int
	wg      sync.WaitGroup

	providerMtx sync.RWMutex
	providers   []*provider
	// lastNonceProvider pins nonce reads and sends to one provider for
	// nonceProviderStickiness.
	lastNonceProvider *provider
	lastNonceStamp    time.Time

	receiptsMtx sync.Mutex
	receipts    map[common.Hash]*cachedReceipt

	endpoints []string
}

var _ evmNode = (*rpcPool)(nil)

func newRPCPool(endpoints []string, chainID int64, log gw.Logger) *rpcPool {
	return &rpcPool{
		log:       log,
		chainID:   big.NewInt(chainID),
		receipts:  make(map[common.Hash]*cachedReceipt),
		endpoints: endpoints,
	}
}

// connect dials every endpoint, verifies its chain ID, and starts header
// subscriptions for websocket providers. At least one endpoint must be
// usable.
func (m *rpcPool) connect(ctx context.Context) error {
	var providers []*provider
	for _, endpoint := range m.endpoints {
		rpcClient, err := rpc.DialContext(ctx, endpoint)
		if err != nil {
			m.log.Errorf("error dialing %q: %v", endpoint, err)
			continue
		}
		ec := ethclient.NewClient(rpcClient)
		reportedChainID, err := ec.ChainID(ctx)
		if err != nil {
			m.log.Errorf("error fetching chain ID from %q: %v", endpoint, err)
			rpcClient.Close()
			continue
		}
		if reportedChainID.Cmp(m.chainID) != 0 {
			m.log.Errorf("%q reports chain ID %s, expected %s", endpoint, reportedChainID, m.chainID)
			rpcClient.Close()
			continue
		}
		p := &provider{
			host: endpoint,
			ec:   ec,
			rpc:  rpcClient,
			ws:   strings.HasPrefix(endpoint, "ws://") || strings.HasPrefix(endpoint, "wss://"),
		}
		if p.ws {
			m.wg.Add(1)
			go func() {
				defer m.wg.Done()
				p.subscribeHeaders(ctx, m.log)
			}()
		}
		providers = append(providers, p)
	}
	if len(providers) == 0 {
		return fmt.Errorf("no usable providers among %d endpoints", len(m.endpoints))
	}
	m.log.Debugf("connected %d of %d providers", len(providers), len(m.endpoints))
	m.providerMtx.Lock()
	m.providers = providers
	m.providerMtx.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.cleanReceipts(ctx)
	}()
	return nil
}

func (m *rpcPool) shutdown() {
	m.wg.Wait()
	m.providerMtx.RLock()
	defer m.providerMtx.RUnlock()
	for _, p := range m.providers {
		p.rpc.Close()
	}
}

func (m *rpcPool) cleanReceipts(ctx context.Context) {
	ticker := time.NewTicker(time.Minute * 20)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.receiptsMtx.Lock()
			for txHash, cached := range m.receipts {
				if time.Since(cached.lastAccess) > receiptCacheExpiration {
					delete(m.receipts, txHash)
				}
			}
			m.receiptsMtx.Unlock()
		case <-ctx.Done():
			return
		}
	}
}

// acceptabilityFilter lets a caller classify an error as fine (not really a
// failure, e.g. "not found" while a tx propagates) or as one that should not
// count against the provider's health.
type acceptabilityFilter func(error) (discard, propagate, fail bool)

func errorFilter(err error, matches ...any) bool {
	errStr := err.Error()
	for _, mi := range matches {
		var s string
		switch m := mi.(type) {
		case string:
			s = m
		case error:
			if errors.Is(err, m) {
				return true
			}
			s = m.Error()
		}
		if strings.Contains(errStr, s) {
			return true
		}
	}
	return false
}

// withOne runs the request with the specified providers in order until one
// succeeds or all fail.
func (m *rpcPool) withOne(providers []*provider, f func(*provider) error, acceptabilityFilters ...acceptabilityFilter) (superError error) {
	readyProviders := make([]*provider, 0, len(providers))
	for _, p := range providers {
		if !p.failed() {
			readyProviders = append(readyProviders, p)
		}
	}
	if len(readyProviders) == 0 {
		// Every provider is quarantined. Try them all anyway.
		readyProviders = providers
	}
	for _, p := range readyProviders {
		err := f(p)
		if err == nil {
			p.markSuccess()
			return nil
		}
		if superError == nil {
			superError = err
		} else if err.Error() != superError.Error() {
			superError = fmt.Errorf("%v: %w", superError, err)
		}
		fail := true
		for _, filt := range acceptabilityFilters {
			discard, propagate, doFail := filt(err)
			if discard {
				return nil
			}
			if propagate {
				return err
			}
			if !doFail {
				fail = false
			}
		}
		if fail {
			p.markFailed()
			m.log.Warnf("provider %s quarantined: %v", p.host, err)
		}
	}
	return
}

// withAny runs the request with all providers.
func (m *rpcPool) withAny(f func(*provider) error, acceptabilityFilters ...acceptabilityFilter) error {
	m.providerMtx.RLock()
	providers := make([]*provider, len(m.providers))
	copy(providers, m.providers)
	m.providerMtx.RUnlock()
	return m.withOne(providers, f, acceptabilityFilters...)
}

// withNonceSticky runs the request preferring the provider that last served a
// nonce read or send, while stickiness lasts. Used for nonce fetches and
// broadcasts so that sequential transactions observe each other.
func (m *rpcPool) withNonceSticky(f func(*provider) error, acceptabilityFilters ...acceptabilityFilter) error {
	m.providerMtx.Lock()
	providers := make([]*provider, 0, len(m.providers))
	if m.lastNonceProvider != nil && time.Since(m.lastNonceStamp) < nonceProviderStickiness {
		providers = append(providers, m.lastNonceProvider)
	}
	for _, p := range m.providers {
		if p != m.lastNonceProvider {
			providers = append(providers, p)
		}
	}
	m.providerMtx.Unlock()

	return m.withOne(providers, func(p *provider) error {
		if err := f(p); err != nil {
			return err
		}
		m.providerMtx.Lock()
		m.lastNonceProvider = p
		m.lastNonceStamp = time.Now()
		m.providerMtx.Unlock()
		return nil
	}, acceptabilityFilters...)
}

func (m *rpcPool) bestHeader(ctx context.Context) (hdr *types.Header, err error) {
	// Check for fresh subscription-fed tips first, taking the highest.
	m.providerMtx.RLock()
	for _, p := range m.providers {
		if !p.ws {
			continue
		}
		if tip := p.cachedTip(); tip != nil && (hdr == nil || tip.Number.Cmp(hdr.Number) > 0) {
			hdr = tip
		}
	}
	m.providerMtx.RUnlock()
	if hdr != nil {
		return hdr, nil
	}
	return hdr, m.withAny(func(p *provider) error {
		hdr, err = p.bestHeader(ctx)
		return err
	})
}

func (m *rpcPool) pendingNonceAt(ctx context.Context, addr common.Address) (n uint64, err error) {
	return n, m.withNonceSticky(func(p *provider) error {
		n, err = p.ec.PendingNonceAt(ctx, addr)
		return err
	})
}

func (m *rpcPool) suggestGasPrice(ctx context.Context) (price *big.Int, err error) {
	return price, m.withAny(func(p *provider) error {
		price, err = p.ec.SuggestGasPrice(ctx)
		return err
	})
}

func (m *rpcPool) suggestGasTipCap(ctx context.Context) (tipCap *big.Int, err error) {
	return tipCap, m.withAny(func(p *provider) error {
		tipCap, err = p.ec.SuggestGasTipCap(ctx)
		return err
	})
}

// sendSignedTransaction broadcasts an already-signed transaction. The raw
// payload goes to the node exactly as signed; no local simulation or
// repricing happens on this path. A node that reports the transaction as
// already known is treated as success, which makes re-broadcasts of the same
// payload idempotent.
func (m *rpcPool) sendSignedTransaction(ctx context.Context, tx *types.Transaction) error {
	return m.withNonceSticky(func(p *provider) error {
		return p.ec.SendTransaction(ctx, tx)
	}, func(err error) (discard, propagate, fail bool) {
		if errorFilter(err, "already known", "ALREADY_EXISTS", "transaction already exists") {
			return true, false, false
		}
		// Nonce and funds errors are ours, not the provider's.
		if errorFilter(err, "nonce too low", "insufficient funds", "replacement transaction underpriced") {
			return false, true, false
		}
		return false, false, true
	})
}

func (m *rpcPool) transactionReceipt(ctx context.Context, txHash common.Hash) (r *types.Receipt, err error) {
	m.receiptsMtx.Lock()
	cached := m.receipts[txHash]
	if cached != nil {
		cached.lastAccess = time.Now()
		r = cached.r
	}
	m.receiptsMtx.Unlock()
	if r != nil {
		return r, nil
	}
	err = m.withAny(func(p *provider) error {
		r, err = p.ec.TransactionReceipt(ctx, txHash)
		return err
	}, func(err error) (discard, propagate, fail bool) {
		// Not being mined yet doesn't warrant quarantine.
		return false, errorFilter(err, ethereum.NotFound), false
	})
	if err != nil {
		return nil, err
	}
	m.receiptsMtx.Lock()
	m.receipts[txHash] = &cachedReceipt{r: r, lastAccess: time.Now()}
	m.receiptsMtx.Unlock()
	return r, nil
}

func (m *rpcPool) transaction(ctx context.Context, txHash common.Hash) (tx *types.Transaction, isPending bool, err error) {
	return tx, isPending, m.withAny(func(p *provider) error {
		tx, isPending, err = p.ec.TransactionByHash(ctx, txHash)
		return err
	}, func(err error) (discard, propagate, fail bool) {
		return false, errorFilter(err, ethereum.NotFound), false
	})
}

func (m *rpcPool) balanceAt(ctx context.Context, addr common.Address, blockNumber *big.Int) (bal *big.Int, err error) {
	return bal, m.withAny(func(p *provider) error {
		bal, err = p.ec.BalanceAt(ctx, addr, blockNumber)
		return err
	})
}

func (m *rpcPool) callContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) (res []byte, err error) {
	return res, m.withAny(func(p *provider) error {
		res, err = p.ec.CallContract(ctx, msg, blockNumber)
		return err
	}, func(err error) (discard, propagate, fail bool) {
		// Reverts are about the call, not the provider.
		return false, errorFilter(err, "execution reverted"), false
	})
}

func (m *rpcPool) estimateGas(ctx context.Context, msg ethereum.CallMsg) (gas uint64, err error) {
	return gas, m.withAny(func(p *provider) error {
		gas, err = p.ec.EstimateGas(ctx, msg)
		return err
	}, func(err error) (discard, propagate, fail bool) {
		return false, errorFilter(err, "execution reverted", "insufficient funds"), false
	})
}
