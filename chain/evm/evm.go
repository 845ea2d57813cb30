// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

// Package evm is the chain adapter for EVM-compatible networks. One Wallet
// serves one network, multiplexing its RPC endpoints, quoting fees, and
// owning transactions from intent to terminal settlement.
package evm

import (
	"context"
	"fmt"
	"math/big"
	"path/filepath"
	"sync"
	"time"

	"crossdex.org/crossdex/chain"
	"crossdex.org/crossdex/gw"
	"crossdex.org/crossdex/gw/config"
	"crossdex.org/crossdex/gw/token"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

const blockTicker = 5 * time.Second

// evmNode is the interface to the node RPC surface the wallet uses.
// Implemented by rpcPool for production and by a stub in tests.
type evmNode interface {
	connect(ctx context.Context) error
	shutdown()
	bestHeader(ctx context.Context) (*types.Header, error)
	pendingNonceAt(ctx context.Context, addr common.Address) (uint64, error)
	suggestGasPrice(ctx context.Context) (*big.Int, error)
	suggestGasTipCap(ctx context.Context) (*big.Int, error)
	sendSignedTransaction(ctx context.Context, tx *types.Transaction) error
	transactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	transaction(ctx context.Context, txHash common.Hash) (tx *types.Transaction, isPending bool, err error)
	balanceAt(ctx context.Context, addr common.Address, blockNumber *big.Int) (*big.Int, error)
	callContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	estimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
}

// walletConfig are the family-specific settings, parsed from the network
// definition's key = value options.
type walletConfig struct {
	KeystorePass    string  `ini:"keystorepass"`
	FeeFloorGwei    float64 `ini:"feefloor"`
	GasFeeLimitGwei float64 `ini:"gasfeelimit"`
	PollIntervalSec uint64  `ini:"pollinterval"`
	MaxPolls        int     `ini:"maxpolls"`
	RequiredConfs   uint64  `ini:"requiredconfs"`
	ValidityWindow  uint64  `ini:"validitywindow"`
}

// Driver opens EVM wallets. Registered with the chain registry as family
// "evm".
type Driver struct{}

var _ chain.Driver = (*Driver)(nil)

func init() {
	chain.RegisterDriver("evm", &Driver{})
}

// Open creates a Wallet for one network. The wallet is inert until Connect.
func (d *Driver) Open(cfg *chain.AdapterConfig) (chain.Adapter, error) {
	var wCfg walletConfig
	if err := config.Unmapify(cfg.Settings, &wCfg); err != nil {
		return nil, fmt.Errorf("error parsing settings for %q: %w", cfg.Name, err)
	}
	if len(cfg.Endpoints) == 0 {
		return nil, fmt.Errorf("no endpoints configured for %q", cfg.Name)
	}

	dir := filepath.Join(cfg.DataDir, cfg.Name)
	creds, err := pathCredentials(filepath.Join(dir, "keystore"), wCfg.KeystorePass)
	if err != nil {
		return nil, fmt.Errorf("error loading credentials for %q: %w", cfg.Name, err)
	}
	cfg.Logger.Infof("%s can sign for %v", cfg.Name, creds.addresses())

	node := newRPCPool(cfg.Endpoints, cfg.ChainID, cfg.Logger.SubLogger("RPC"))

	var floor, userCap *big.Int
	if wCfg.FeeFloorGwei > 0 {
		floor = gweiToWei(wCfg.FeeFloorGwei)
	}
	if wCfg.GasFeeLimitGwei > 0 {
		userCap = gweiToWei(wCfg.GasFeeLimitGwei)
	}
	fees := newFeeEstimator(node, cfg.ChainID, cfg.FeeOracleURL, floor, userCap, cfg.Logger.SubLogger("FEE"))

	eCfg := engineConfig{
		pollInterval:   defaultPollInterval,
		slowestPoll:    defaultSlowestPoll,
		maxPolls:       defaultMaxPolls,
		requiredConfs:  defaultRequiredConfs,
		validityWindow: defaultValidityWindow,
	}
	if wCfg.PollIntervalSec > 0 {
		eCfg.pollInterval = time.Duration(wCfg.PollIntervalSec) * time.Second
		if eCfg.pollInterval > eCfg.slowestPoll {
			eCfg.slowestPoll = eCfg.pollInterval
		}
	}
	if wCfg.MaxPolls > 0 {
		eCfg.maxPolls = wCfg.MaxPolls
	}
	if wCfg.RequiredConfs > 0 {
		eCfg.requiredConfs = wCfg.RequiredConfs
	}
	if wCfg.ValidityWindow > 0 {
		eCfg.validityWindow = wCfg.ValidityWindow
	}

	chainID := big.NewInt(cfg.ChainID)
	w := &Wallet{
		name:    cfg.Name,
		net:     cfg.Net,
		log:     cfg.Logger,
		dir:     dir,
		chainID: chainID,
		node:    node,
		creds:   creds,
		fees:    fees,
		builder: &txBuilder{
			log:     cfg.Logger.SubLogger("BUILD"),
			node:    node,
			creds:   creds,
			fees:    fees,
			chainID: chainID,
		},
		engine:  newSubmissionEngine(node, nil, eCfg, cfg.Logger.SubLogger("ENGINE")),
		settler: &settler{log: cfg.Logger.SubLogger("SETTLE"), node: node},
	}
	return w, nil
}

// Wallet is the chain.Adapter for one EVM network.
type Wallet struct {
	name    string
	net     gw.Network
	log     gw.Logger
	dir     string
	chainID *big.Int

	node    evmNode
	creds   *signerRing
	fees    *feeEstimator
	builder *txBuilder
	engine  *submissionEngine
	settler *settler
	db      *txDB

	tipMtx     sync.RWMutex
	currentTip *types.Header
}

var _ chain.Adapter = (*Wallet)(nil)

// Name returns the configured network name.
func (w *Wallet) Name() string { return w.name }

// Net returns the deployment network class.
func (w *Wallet) Net() gw.Network { return w.net }

// Connect dials the RPC providers, opens the transaction store, and starts
// the block monitor. Pending submissions from a previous run resume
// confirmation.
func (w *Wallet) Connect(ctx context.Context) (*sync.WaitGroup, error) {
	if err := w.node.connect(ctx); err != nil {
		return nil, fmt.Errorf("error connecting node pool: %w", err)
	}

	db, err := newTxDB(filepath.Join(w.dir, "txdb"), w.log.SubLogger("DB"))
	if err != nil {
		return nil, fmt.Errorf("error opening tx database: %w", err)
	}
	w.db = db
	w.engine.db = db

	if hdr, err := w.node.bestHeader(ctx); err == nil {
		w.setTip(hdr)
		w.log.Infof("connected %s at block %s", w.name, hdr.Number)
	} else {
		w.log.Warnf("no tip at connect: %v", err)
	}

	var inner sync.WaitGroup
	inner.Add(1)
	go func() {
		defer inner.Done()
		w.monitorBlocks(ctx)
	}()
	inner.Add(1)
	go func() {
		defer inner.Done()
		db.run(ctx)
	}()

	w.resumePending(ctx, &inner)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		inner.Wait()
		w.node.shutdown()
		if err := db.close(); err != nil {
			w.log.Errorf("error closing tx database: %v", err)
		}
	}()
	return &wg, nil
}

func (w *Wallet) setTip(hdr *types.Header) {
	w.tipMtx.Lock()
	w.currentTip = hdr
	w.tipMtx.Unlock()
}

// monitorBlocks keeps the cached tip current.
func (w *Wallet) monitorBlocks(ctx context.Context) {
	ticker := time.NewTicker(blockTicker)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			hdr, err := w.node.bestHeader(ctx)
			if err != nil {
				w.log.Debugf("tip fetch error: %v", err)
				continue
			}
			w.tipMtx.RLock()
			known := w.currentTip
			w.tipMtx.RUnlock()
			if known == nil || known.Hash() != hdr.Hash() {
				w.setTip(hdr)
				w.log.Tracef("tip change %s", hdr.Number)
			}
		case <-ctx.Done():
			return
		}
	}
}

// resumePending restarts confirmation for submissions that were pending at
// last shutdown.
func (w *Wallet) resumePending(ctx context.Context, wg *sync.WaitGroup) {
	recs, _, err := w.db.pendingRecords()
	if err != nil {
		w.log.Errorf("error loading pending submissions: %v", err)
		return
	}
	for _, rec := range recs {
		txHash := rec.TxHash
		w.log.Infof("resuming confirmation of %s", txHash)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := w.engine.confirm(ctx, txHash); err != nil && ctx.Err() == nil {
				w.log.Errorf("error resuming confirmation of %s: %v", txHash, err)
			}
		}()
	}
}

// EstimateFee returns the current fee quote. Transient upstream failure
// degrades to the configured floor, never to an error.
func (w *Wallet) EstimateFee(ctx context.Context) (*chain.FeeQuote, error) {
	return w.fees.estimate(ctx), nil
}

// Send builds, signs and broadcasts a transaction for the intent. Contract
// calls are simulated first so that a transaction certain to revert is
// rejected with an actionable reason instead of burning its fee on chain.
func (w *Wallet) Send(ctx context.Context, intent *chain.TransactionIntent) (*chain.SubmissionRecord, error) {
	if len(intent.Data) > 0 {
		if err := w.simulate(ctx, intent); err != nil {
			return nil, err
		}
	}
	return w.engine.send(ctx, intent.From, func(ctx context.Context) (*chain.PreparedTransaction, error) {
		return w.builder.build(ctx, intent)
	})
}

func (w *Wallet) simulate(ctx context.Context, intent *chain.TransactionIntent) error {
	_, err := w.node.estimateGas(ctx, ethereum.CallMsg{
		From:  intent.From,
		To:    &intent.To,
		Value: intent.Value,
		Data:  intent.Data,
	})
	if err == nil {
		return nil
	}
	if errorFilter(err, "execution reverted", "insufficient funds", "gas required exceeds") {
		return chain.MatchRevert(err.Error())
	}
	// A failing provider shouldn't block submission. The defaults table
	// covers the gas limit.
	w.log.Debugf("simulation unavailable: %v", err)
	return nil
}

// Confirm drives a submission to a terminal status.
func (w *Wallet) Confirm(ctx context.Context, txHash common.Hash) (*chain.SubmissionRecord, error) {
	return w.engine.confirm(ctx, txHash)
}

// ExtractSettlement computes the fee paid and the party's balance deltas for
// the assets.
func (w *Wallet) ExtractSettlement(ctx context.Context, txHash common.Hash, party common.Address, assets []*token.Token) (*chain.SettlementResult, error) {
	return w.settler.extract(ctx, txHash, party, assets)
}

// Balance returns the party's balance of the asset in smallest units, at the
// latest block.
func (w *Wallet) Balance(ctx context.Context, party common.Address, asset *token.Token) (*big.Int, error) {
	return w.settler.balanceAt(ctx, party, asset, nil)
}

// Transaction returns the stored submission record for txHash.
func (w *Wallet) Transaction(txHash common.Hash) (*chain.SubmissionRecord, error) {
	rec, _, err := w.db.record(txHash)
	if err != nil {
		return nil, fmt.Errorf("unknown transaction %s", txHash)
	}
	return rec, nil
}

// Transactions returns up to n submission records, most recent first,
// starting after refID if non-nil.
func (w *Wallet) Transactions(n int, refID *string) ([]*chain.SubmissionRecord, error) {
	var refHash *common.Hash
	if refID != nil {
		if len(common.FromHex(*refID)) != common.HashLength {
			return nil, fmt.Errorf("invalid reference transaction id %q", *refID)
		}
		h := common.HexToHash(*refID)
		refHash = &h
	}
	return w.db.getRecords(n, refHash)
}
