// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

// Package chain defines the gateway's chain-adapter boundary: the data model
// for transaction intents and their settlement, the Adapter interface every
// chain family implements, and the Registry that owns one lazily-created
// adapter instance per configured network.
package chain

import (
	"context"
	"fmt"
	"math/big"
	"sync"

	"crossdex.org/crossdex/gw"
	"crossdex.org/crossdex/gw/token"
	"github.com/ethereum/go-ethereum/common"
)

// Adapter is a connection to one network of one chain family. The generic
// submission algorithm (estimate → build → broadcast → confirm → settle) is
// expressed through this small capability surface so that chain families
// share it rather than re-implementing it.
type Adapter interface {
	// Name is the configured network name, e.g. "ethereum".
	Name() string
	// Net is the deployment network class.
	Net() gw.Network
	// Connect establishes node connections and starts background loops. The
	// returned WaitGroup is done when the adapter has shut down following
	// context cancellation.
	Connect(ctx context.Context) (*sync.WaitGroup, error)
	// EstimateFee returns the current fee quote. It never errors for
	// transient upstream failure; the configured floor is the fallback.
	EstimateFee(ctx context.Context) (*FeeQuote, error)
	// Send builds, signs and broadcasts a transaction for the intent,
	// serialized per sender, returning the pending submission record.
	Send(ctx context.Context, intent *TransactionIntent) (*SubmissionRecord, error)
	// Confirm drives a submission to a terminal status, re-broadcasting the
	// original signed payload if its validity window lapses unseen.
	Confirm(ctx context.Context, txHash common.Hash) (*SubmissionRecord, error)
	// ExtractSettlement computes the normalized result for a transaction:
	// network fee paid and balance deltas for the party in the given assets.
	ExtractSettlement(ctx context.Context, txHash common.Hash, party common.Address, assets []*token.Token) (*SettlementResult, error)
	// Balance returns the party's balance of the asset in smallest units.
	Balance(ctx context.Context, party common.Address, asset *token.Token) (*big.Int, error)
	// Transaction returns the stored submission record for txHash without
	// driving confirmation.
	Transaction(txHash common.Hash) (*SubmissionRecord, error)
	// Transactions returns up to n submission records, most recent first,
	// starting after refID if non-nil.
	Transactions(n int, refID *string) ([]*SubmissionRecord, error)
}

// AdapterConfig is everything a Driver needs to open an Adapter.
type AdapterConfig struct {
	Name         string
	Net          gw.Network
	ChainID      int64
	Endpoints    []string
	DataDir      string
	FeeOracleURL string
	// Settings are family-specific key = value options, parsed by the
	// driver with gw/config.
	Settings map[string]string
	Logger   gw.Logger
}

// Driver opens adapters for one chain family.
type Driver interface {
	Open(cfg *AdapterConfig) (Adapter, error)
}

var (
	driversMtx sync.RWMutex
	drivers    = make(map[string]Driver)
)

// RegisterDriver should be called by the init function of a chain family's
// package.
func RegisterDriver(family string, drv Driver) {
	driversMtx.Lock()
	defer driversMtx.Unlock()
	if drv == nil {
		panic("chain: RegisterDriver driver is nil")
	}
	if _, dup := drivers[family]; dup {
		panic("chain: RegisterDriver called twice for family " + family)
	}
	drivers[family] = drv
}

func driver(family string) (Driver, error) {
	driversMtx.RLock()
	defer driversMtx.RUnlock()
	drv, found := drivers[family]
	if !found {
		return nil, fmt.Errorf("unknown chain family %q", family)
	}
	return drv, nil
}

// NetworkDef is the configuration for one network the registry can serve.
type NetworkDef struct {
	Family       string
	Net          gw.Network
	ChainID      int64
	Endpoints    []string
	FeeOracleURL string
	Settings     map[string]string
}

// Registry owns the adapter instances, one per configured network, created
// lazily on first use. It replaces implicit static per-network singletons
// with an explicit object that has a lifecycle: adapters are connected under
// the registry's context and shut down together on Close.
type Registry struct {
	log     gw.Logger
	dataDir string
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	mtx      sync.Mutex
	defs     map[string]*NetworkDef
	adapters map[string]Adapter
}

// NewRegistry creates a Registry serving the given network definitions,
// keyed by network name.
func NewRegistry(ctx context.Context, dataDir string, defs map[string]*NetworkDef, log gw.Logger) *Registry {
	ctx, cancel := context.WithCancel(ctx)
	return &Registry{
		log:      log,
		dataDir:  dataDir,
		ctx:      ctx,
		cancel:   cancel,
		defs:     defs,
		adapters: make(map[string]Adapter, len(defs)),
	}
}

// Adapter returns the adapter for the named network, opening and connecting
// it on first use.
func (r *Registry) Adapter(name string) (Adapter, error) {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	if r.ctx.Err() != nil {
		return nil, fmt.Errorf("registry is closed")
	}
	if a, found := r.adapters[name]; found {
		return a, nil
	}
	def, found := r.defs[name]
	if !found {
		return nil, fmt.Errorf("unknown network %q", name)
	}
	drv, err := driver(def.Family)
	if err != nil {
		return nil, err
	}
	a, err := drv.Open(&AdapterConfig{
		Name:         name,
		Net:          def.Net,
		ChainID:      def.ChainID,
		Endpoints:    def.Endpoints,
		DataDir:      r.dataDir,
		FeeOracleURL: def.FeeOracleURL,
		Settings:     def.Settings,
		Logger:       r.log.SubLogger(name),
	})
	if err != nil {
		return nil, fmt.Errorf("error opening %s adapter for %q: %w", def.Family, name, err)
	}
	wg, err := a.Connect(r.ctx)
	if err != nil {
		return nil, fmt.Errorf("error connecting %q: %w", name, err)
	}
	r.wg.Add(1)
	go func() {
		wg.Wait()
		r.wg.Done()
	}()
	r.adapters[name] = a
	return a, nil
}

// Networks returns the names of all configured networks.
func (r *Registry) Networks() []string {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	names := make([]string, 0, len(r.defs))
	for name := range r.defs {
		names = append(names, name)
	}
	return names
}

// Close shuts down all connected adapters and waits for their background
// loops to finish.
func (r *Registry) Close() {
	r.cancel()
	r.wg.Wait()
}
