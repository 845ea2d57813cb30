// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package evm

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"crossdex.org/crossdex/chain"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

func testBuilder(t *testing.T, node *testNode, chainID int64) (*txBuilder, *memSigner) {
	t.Helper()
	s := newMemSigner(t)
	ring := newSignerRing()
	ring.add(s)
	f := newFeeEstimator(node, chainID, "", nil, nil, tLogger)
	return &txBuilder{
		log:     tLogger,
		node:    node,
		creds:   ring,
		fees:    f,
		chainID: big.NewInt(chainID),
	}, s
}

func TestBuildDefaults(t *testing.T) {
	hdr := header(100)
	hdr.BaseFee = gweiToWei(10)
	node := &testNode{hdr: hdr, tipCap: gweiToWei(2), nonce: 7}
	b, s := testBuilder(t, node, dynamicChainID)

	to := common.HexToAddress("0x12")
	for _, tt := range []struct {
		kind chain.OpKind
		gas  uint64
	}{
		{chain.OpTransfer, defaultGasTransfer},
		{chain.OpSwap, defaultGasSwap},
		{chain.OpPositionMint, defaultGasPositionMint},
		{chain.OpCollectFees, defaultGasCollectFees},
	} {
		prepared, err := b.build(context.Background(), &chain.TransactionIntent{
			From: s.address(), To: to, Kind: tt.kind, Value: big.NewInt(1),
		})
		if err != nil {
			t.Fatalf("%s: build error: %v", tt.kind, err)
		}
		if prepared.GasLimit != tt.gas {
			t.Fatalf("%s: gas limit %d, want %d", tt.kind, prepared.GasLimit, tt.gas)
		}
		if prepared.Nonce != 7 {
			t.Fatalf("%s: wrong nonce %d", tt.kind, prepared.Nonce)
		}
		if prepared.Tx.Type() != types.DynamicFeeTxType {
			t.Fatalf("%s: wrong tx type %d", tt.kind, prepared.Tx.Type())
		}
		if len(prepared.Raw) == 0 {
			t.Fatalf("%s: no serialized payload", tt.kind)
		}
	}
}

func TestBuildOverrides(t *testing.T) {
	hdr := header(100)
	hdr.BaseFee = gweiToWei(10)
	node := &testNode{hdr: hdr, tipCap: gweiToWei(2)}
	b, s := testBuilder(t, node, dynamicChainID)

	// Explicit gas limit and fee quote win over estimation. The node's fee
	// surface must not even be consulted.
	fees := &chain.FeeQuote{
		Model:                chain.FeeModelDynamic,
		MaxFeePerGas:         gweiToWei(77),
		MaxPriorityFeePerGas: gweiToWei(3),
	}
	prepared, err := b.build(context.Background(), &chain.TransactionIntent{
		From: s.address(), To: common.HexToAddress("0x12"), Kind: chain.OpSwap,
		GasLimit: 123_456, Fees: fees,
	})
	if err != nil {
		t.Fatalf("build error: %v", err)
	}
	if prepared.GasLimit != 123_456 {
		t.Fatalf("gas override lost, got %d", prepared.GasLimit)
	}
	if prepared.Tx.GasFeeCap().Cmp(gweiToWei(77)) != 0 {
		t.Fatalf("fee override lost, got %s", prepared.Tx.GasFeeCap())
	}
	if node.hdrCalls != 0 || node.tipCapCalls != 0 {
		t.Fatal("estimator consulted despite override")
	}
}

func TestBuildLegacy(t *testing.T) {
	node := &testNode{gasPrice: gweiToWei(5)}
	b, s := testBuilder(t, node, legacyChainID)
	prepared, err := b.build(context.Background(), &chain.TransactionIntent{
		From: s.address(), To: common.HexToAddress("0x12"), Kind: chain.OpTransfer, Value: big.NewInt(1),
	})
	if err != nil {
		t.Fatalf("build error: %v", err)
	}
	if prepared.Tx.Type() != types.LegacyTxType {
		t.Fatalf("wrong tx type %d", prepared.Tx.Type())
	}
	if prepared.Tx.GasPrice().Cmp(gweiToWei(5)) != 0 {
		t.Fatalf("wrong gas price %s", prepared.Tx.GasPrice())
	}
}

func TestBuildErrors(t *testing.T) {
	node := &testNode{gasPrice: gweiToWei(5)}
	b, _ := testBuilder(t, node, legacyChainID)

	// Unknown sender.
	_, err := b.build(context.Background(), &chain.TransactionIntent{
		From: common.HexToAddress("0xdead"), To: common.HexToAddress("0x12"),
	})
	if !errors.Is(err, chain.ErrInsufficientCredential) {
		t.Fatalf("expected ErrInsufficientCredential, got %v", err)
	}

	// A quote mixing the two fee models is rejected.
	b2, s := testBuilder(t, node, legacyChainID)
	_, err = b2.build(context.Background(), &chain.TransactionIntent{
		From: s.address(), To: common.HexToAddress("0x12"),
		Fees: &chain.FeeQuote{
			Model:        chain.FeeModelDynamic,
			MaxFeePerGas: gweiToWei(10),
			// missing priority fee
		},
	})
	if !errors.Is(err, chain.ErrFeeResolution) {
		t.Fatalf("expected ErrFeeResolution, got %v", err)
	}
	_, err = b2.build(context.Background(), &chain.TransactionIntent{
		From: s.address(), To: common.HexToAddress("0x12"),
		Fees: &chain.FeeQuote{
			Model:                chain.FeeModelLegacy,
			GasPrice:             gweiToWei(10),
			MaxPriorityFeePerGas: gweiToWei(1),
		},
	})
	if !errors.Is(err, chain.ErrFeeResolution) {
		t.Fatalf("expected ErrFeeResolution for mixed quote, got %v", err)
	}
}
