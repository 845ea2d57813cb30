// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package evm

import (
	"context"
	"crypto/ecdsa"
	"math/big"
	"sync"
	"testing"

	"crossdex.org/crossdex/gw"
	"github.com/decred/slog"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

var tLogger = gw.StdOutLogger("T", slog.LevelTrace, false)

// testNode is a scriptable evmNode. Zero-value fields yield sane defaults;
// the *Func fields, when set, override the plain fields and receive a
// 1-based call count.
type testNode struct {
	mtx sync.Mutex

	hdr      *types.Header
	hdrErr   error
	hdrFunc  func(call int) (*types.Header, error)
	hdrCalls int

	nonce    uint64
	nonceErr error

	gasPrice      *big.Int
	gasPriceErr   error
	gasPriceCalls int

	tipCap      *big.Int
	tipCapErr   error
	tipCapCalls int

	sentTxs [][]byte
	sendErr error

	receipt      *types.Receipt
	receiptErr   error
	receiptFunc  func(call int) (*types.Receipt, error)
	receiptCalls int

	tx        *types.Transaction
	txPending bool
	txErr     error

	balanceFunc func(addr common.Address, blockNumber *big.Int) (*big.Int, error)
	balance     *big.Int
	balanceErr  error

	callFunc func(msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	callRes  []byte
	callErr  error

	estGas    uint64
	estGasErr error
}

var _ evmNode = (*testNode)(nil)

func (n *testNode) connect(context.Context) error { return nil }
func (n *testNode) shutdown()                     {}

func (n *testNode) bestHeader(context.Context) (*types.Header, error) {
	n.mtx.Lock()
	defer n.mtx.Unlock()
	n.hdrCalls++
	if n.hdrFunc != nil {
		return n.hdrFunc(n.hdrCalls)
	}
	return n.hdr, n.hdrErr
}

func (n *testNode) pendingNonceAt(context.Context, common.Address) (uint64, error) {
	n.mtx.Lock()
	defer n.mtx.Unlock()
	return n.nonce, n.nonceErr
}

func (n *testNode) suggestGasPrice(context.Context) (*big.Int, error) {
	n.mtx.Lock()
	defer n.mtx.Unlock()
	n.gasPriceCalls++
	return n.gasPrice, n.gasPriceErr
}

func (n *testNode) suggestGasTipCap(context.Context) (*big.Int, error) {
	n.mtx.Lock()
	defer n.mtx.Unlock()
	n.tipCapCalls++
	return n.tipCap, n.tipCapErr
}

func (n *testNode) sendSignedTransaction(_ context.Context, tx *types.Transaction) error {
	n.mtx.Lock()
	defer n.mtx.Unlock()
	if n.sendErr != nil {
		return n.sendErr
	}
	raw, err := tx.MarshalBinary()
	if err != nil {
		return err
	}
	n.sentTxs = append(n.sentTxs, raw)
	// A node that accepted the transaction reflects it in the pending nonce.
	n.nonce = tx.Nonce() + 1
	return nil
}

func (n *testNode) transactionReceipt(context.Context, common.Hash) (*types.Receipt, error) {
	n.mtx.Lock()
	defer n.mtx.Unlock()
	n.receiptCalls++
	if n.receiptFunc != nil {
		return n.receiptFunc(n.receiptCalls)
	}
	if n.receiptErr != nil {
		return nil, n.receiptErr
	}
	return n.receipt, nil
}

func (n *testNode) transaction(context.Context, common.Hash) (*types.Transaction, bool, error) {
	n.mtx.Lock()
	defer n.mtx.Unlock()
	return n.tx, n.txPending, n.txErr
}

func (n *testNode) balanceAt(_ context.Context, addr common.Address, blockNumber *big.Int) (*big.Int, error) {
	n.mtx.Lock()
	defer n.mtx.Unlock()
	if n.balanceFunc != nil {
		return n.balanceFunc(addr, blockNumber)
	}
	return n.balance, n.balanceErr
}

func (n *testNode) callContract(_ context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	n.mtx.Lock()
	defer n.mtx.Unlock()
	if n.callFunc != nil {
		return n.callFunc(msg, blockNumber)
	}
	return n.callRes, n.callErr
}

func (n *testNode) estimateGas(context.Context, ethereum.CallMsg) (uint64, error) {
	n.mtx.Lock()
	defer n.mtx.Unlock()
	return n.estGas, n.estGasErr
}

func (n *testNode) sent() [][]byte {
	n.mtx.Lock()
	defer n.mtx.Unlock()
	sent := make([][]byte, len(n.sentTxs))
	copy(sent, n.sentTxs)
	return sent
}

// memSigner signs with a raw in-memory key.
type memSigner struct {
	priv *ecdsa.PrivateKey
	addr common.Address
}

func newMemSigner(t *testing.T) *memSigner {
	t.Helper()
	priv, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("error generating key: %v", err)
	}
	return &memSigner{priv: priv, addr: crypto.PubkeyToAddress(priv.PublicKey)}
}

func (s *memSigner) address() common.Address { return s.addr }

func (s *memSigner) signTx(tx *types.Transaction, chainID *big.Int) (*types.Transaction, error) {
	return types.SignTx(tx, types.LatestSignerForChainID(chainID), s.priv)
}

func header(height int64) *types.Header {
	return &types.Header{Number: big.NewInt(height)}
}
