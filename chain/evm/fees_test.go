// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package evm

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"

	"crossdex.org/crossdex/chain"
)

const (
	legacyChainID  = 56
	dynamicChainID = 1
)

func TestFeeLegacyFallback(t *testing.T) {
	// A legacy network with a healthy node: the suggested price below the
	// floor is clamped up to it.
	node := &testNode{gasPrice: gweiToWei(0.05)}
	f := newFeeEstimator(node, legacyChainID, "", nil, nil, tLogger)
	q := f.estimate(context.Background())
	if q.Model != chain.FeeModelLegacy {
		t.Fatalf("wrong model %s", q.Model)
	}
	if q.GasPrice.Cmp(gweiToWei(defaultFeeFloorGwei)) != 0 {
		t.Fatalf("floor not applied, got %s", q.GasPrice)
	}
	if q.MaxFeePerGas != nil || q.MaxPriorityFeePerGas != nil {
		t.Fatal("legacy quote carries dynamic fields")
	}

	// A dynamic network with no oracle and no base fee in headers falls all
	// the way back to a legacy quote.
	node = &testNode{hdr: header(100), gasPrice: gweiToWei(30), tipCap: gweiToWei(1)}
	f = newFeeEstimator(node, dynamicChainID, "", nil, nil, tLogger)
	q = f.estimate(context.Background())
	if q.Model != chain.FeeModelLegacy {
		t.Fatalf("wrong model %s", q.Model)
	}
	// Legacy on a priority-market network still carries the incentive
	// component.
	if q.GasPrice.Cmp(gweiToWei(31)) != 0 {
		t.Fatalf("wrong price %s", q.GasPrice)
	}

	// Everything down: the floor quote, never an error.
	node = &testNode{gasPriceErr: errors.New("down"), hdrErr: errors.New("down"), tipCapErr: errors.New("down")}
	f = newFeeEstimator(node, legacyChainID, "", nil, nil, tLogger)
	q = f.estimate(context.Background())
	if q.GasPrice.Cmp(gweiToWei(defaultFeeFloorGwei)) != 0 {
		t.Fatalf("wrong floor quote %s", q.GasPrice)
	}
}

func TestFeeDynamicFromChain(t *testing.T) {
	hdr := header(100)
	hdr.BaseFee = gweiToWei(10)
	node := &testNode{hdr: hdr, tipCap: gweiToWei(1)}
	f := newFeeEstimator(node, dynamicChainID, "", nil, nil, tLogger)
	q := f.estimate(context.Background())
	if q.Model != chain.FeeModelDynamic {
		t.Fatalf("wrong model %s", q.Model)
	}
	// The suggested 1 gwei tip is below the minimum.
	if q.MaxPriorityFeePerGas.Cmp(gweiToWei(minGasTipCapGwei)) != 0 {
		t.Fatalf("wrong tip %s", q.MaxPriorityFeePerGas)
	}
	// 2 * base + tip.
	if q.MaxFeePerGas.Cmp(gweiToWei(22)) != 0 {
		t.Fatalf("wrong max fee %s", q.MaxFeePerGas)
	}
	if q.GasPrice != nil {
		t.Fatal("dynamic quote carries a legacy gas price")
	}
}

func TestFeeOracle(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(&feeOracleResult{BaseFee: 12, MaxFee: 30, PriorityFee: 1.5})
	}))
	defer srv.Close()

	node := &testNode{} // the oracle path should not touch the node
	f := newFeeEstimator(node, dynamicChainID, srv.URL, nil, nil, tLogger)
	q := f.estimate(context.Background())
	if q.Model != chain.FeeModelDynamic {
		t.Fatalf("wrong model %s", q.Model)
	}
	if q.MaxFeePerGas.Cmp(gweiToWei(30)) != 0 || q.MaxPriorityFeePerGas.Cmp(gweiToWei(1.5)) != 0 {
		t.Fatalf("wrong oracle rates %s / %s", q.MaxFeePerGas, q.MaxPriorityFeePerGas)
	}
	if node.hdrCalls != 0 || node.tipCapCalls != 0 {
		t.Fatal("oracle path touched the node")
	}
}

func TestFeeCacheTTL(t *testing.T) {
	node := &testNode{gasPrice: gweiToWei(3)}
	f := newFeeEstimator(node, legacyChainID, "", nil, nil, tLogger)
	q1 := f.estimate(context.Background())
	q2 := f.estimate(context.Background())
	// Within the TTL callers get the identical quote from one upstream
	// fetch.
	if q1 != q2 {
		t.Fatal("cache miss within TTL")
	}
	if node.gasPriceCalls != 1 {
		t.Fatalf("%d upstream fetches within TTL", node.gasPriceCalls)
	}
}

func TestFeeFloorIdempotence(t *testing.T) {
	floor := gweiToWei(5)
	node := &testNode{gasPrice: gweiToWei(1)}
	f := newFeeEstimator(node, legacyChainID, "", floor, nil, tLogger)

	quote := func() *big.Int {
		f.cacheMtx.Lock()
		f.cached = nil // force a refetch
		f.cacheMtx.Unlock()
		return f.estimate(context.Background()).GasPrice
	}
	q1, q2 := quote(), quote()
	// Clamping an already-clamped estimate changes nothing.
	if q1.Cmp(floor) != 0 || q1.Cmp(q2) != 0 {
		t.Fatalf("floor clamp not idempotent: %s then %s", q1, q2)
	}
}

func TestFeeUserCap(t *testing.T) {
	hdr := header(100)
	hdr.BaseFee = gweiToWei(10)
	node := &testNode{hdr: hdr, tipCap: gweiToWei(2)}
	userCap := gweiToWei(100)
	f := newFeeEstimator(node, dynamicChainID, "", nil, userCap, tLogger)
	q := f.estimate(context.Background())
	// The configured cap is a minimum for the quoted max fee.
	if q.MaxFeePerGas.Cmp(userCap) != 0 {
		t.Fatalf("user cap not honored, got %s", q.MaxFeePerGas)
	}
}
