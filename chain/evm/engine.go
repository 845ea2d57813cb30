// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package evm

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"crossdex.org/crossdex/chain"
	"crossdex.org/crossdex/gw"
	"crossdex.org/crossdex/gw/retry"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// Engine defaults, overridable through wallet settings.
const (
	defaultPollInterval   = 5 * time.Second
	defaultSlowestPoll    = 30 * time.Second
	defaultMaxPolls       = 40
	defaultRequiredConfs  = 1
	defaultValidityWindow = 10 // blocks
	sendAttempts          = 3
)

type engineConfig struct {
	pollInterval   time.Duration
	slowestPoll    time.Duration
	maxPolls       int
	requiredConfs  uint64
	validityWindow uint64
}

// trackedSubmission pairs a live submission record with its signed payload,
// which re-broadcasts must reuse verbatim.
type trackedSubmission struct {
	rec *chain.SubmissionRecord
	tx  *types.Transaction
}

// submissionEngine owns a transaction from broadcast to terminal status:
// pending → confirmed, failed, or expired, with re-broadcasts of the original
// payload when the validity window lapses without the network seeing it. A
// terminal record is never mutated again.
type submissionEngine struct {
	log  gw.Logger
	node evmNode
	db   *txDB
	cfg  engineConfig

	sendersMtx sync.Mutex
	senders    map[common.Address]*sync.Mutex

	trackedMtx sync.RWMutex
	tracked    map[common.Hash]*trackedSubmission
}

func newSubmissionEngine(node evmNode, db *txDB, cfg engineConfig, log gw.Logger) *submissionEngine {
	return &submissionEngine{
		log:     log,
		node:    node,
		db:      db,
		cfg:     cfg,
		senders: make(map[common.Address]*sync.Mutex),
		tracked: make(map[common.Hash]*trackedSubmission),
	}
}

// senderLock returns the mutex serializing submissions for one sender. The
// lock must be held from nonce resolution through broadcast, or two builds
// can claim the same pending nonce and the second broadcast will be rejected
// as a replacement.
func (e *submissionEngine) senderLock(from common.Address) *sync.Mutex {
	e.sendersMtx.Lock()
	defer e.sendersMtx.Unlock()
	mtx := e.senders[from]
	if mtx == nil {
		mtx = new(sync.Mutex)
		e.senders[from] = mtx
	}
	return mtx
}

// send builds and broadcasts a transaction for one sender, serialized per
// sender across the build-broadcast window.
func (e *submissionEngine) send(ctx context.Context, from common.Address, build func(context.Context) (*chain.PreparedTransaction, error)) (*chain.SubmissionRecord, error) {
	mtx := e.senderLock(from)
	mtx.Lock()
	defer mtx.Unlock()

	prepared, err := build(ctx)
	if err != nil {
		return nil, err
	}
	return e.broadcast(ctx, prepared)
}

// broadcast submits a prepared transaction, retrying transport failures
// within a small budget, and registers the pending submission.
func (e *submissionEngine) broadcast(ctx context.Context, prepared *chain.PreparedTransaction) (*chain.SubmissionRecord, error) {
	var sendErr error
	err := retry.Run(ctx, retry.Config{
		MaxAttempts: sendAttempts,
		Interval:    time.Second,
	}, func(int) retry.TryDirective {
		sendErr = e.node.sendSignedTransaction(ctx, prepared.Tx)
		if sendErr == nil {
			return retry.DontTryAgain
		}
		// Node-side rejections are deterministic; resending the same payload
		// cannot change the answer.
		if errorFilter(sendErr, "nonce too low", "insufficient funds", "replacement transaction underpriced", "intrinsic gas too low", "exceeds block gas limit") {
			return retry.DontTryAgain
		}
		e.log.Warnf("broadcast of %s failed: %v", prepared.Tx.Hash(), sendErr)
		return retry.TryAgain
	})
	if sendErr != nil {
		if errorFilter(sendErr, "insufficient funds") {
			return nil, fmt.Errorf("%w: %v", chain.ErrInsufficientFunds, sendErr)
		}
		return nil, fmt.Errorf("%w: %v", chain.ErrSubmissionFailed, sendErr)
	}
	if err != nil { // context canceled mid-retry
		return nil, err
	}

	rec := &chain.SubmissionRecord{
		TxHash:       prepared.Tx.Hash(),
		From:         prepared.Intent.From,
		Nonce:        prepared.Nonce,
		Kind:         prepared.Intent.Kind,
		SubmittedAt:  time.Now().UTC(),
		ExpiryHeight: e.expiryHeight(ctx),
		Attempts:     1,
		Status:       chain.StatusPending,
	}

	e.trackedMtx.Lock()
	e.tracked[rec.TxHash] = &trackedSubmission{rec: rec, tx: prepared.Tx}
	e.trackedMtx.Unlock()
	e.store(rec, prepared.Raw)
	return rec, nil
}

// expiryHeight computes the block height past which an unseen submission is
// re-broadcast. Zero if the tip is unknown; the confirm loop fills it in on
// its first successful tip read.
func (e *submissionEngine) expiryHeight(ctx context.Context) uint64 {
	hdr, err := e.node.bestHeader(ctx)
	if err != nil {
		e.log.Warnf("best header unavailable at broadcast: %v", err)
		return 0
	}
	return hdr.Number.Uint64() + e.cfg.validityWindow
}

// confirm drives a submission to a terminal status, polling within a bounded
// budget. The poll budget running out yields StatusExpired, not an error;
// only context cancellation is returned as an error.
func (e *submissionEngine) confirm(ctx context.Context, txHash common.Hash) (*chain.SubmissionRecord, error) {
	ts, err := e.submission(txHash)
	if err != nil {
		return nil, err
	}
	rec := ts.rec
	if rec.CurrentStatus().Terminal() {
		return rec, nil
	}

	err = retry.Run(ctx, retry.Config{
		MaxAttempts:     e.cfg.maxPolls,
		Interval:        e.cfg.pollInterval,
		SlowestInterval: e.cfg.slowestPoll,
	}, func(int) retry.TryDirective {
		return e.poll(ctx, ts)
	})
	switch {
	case errors.Is(err, retry.ErrExhausted):
		if rec.SetStatus(chain.StatusExpired) {
			e.log.Warnf("tx %s not terminal after %d polls, marking expired", txHash, e.cfg.maxPolls)
			e.store(rec, nil)
		}
	case err != nil:
		return rec, err
	}
	if rec.CurrentStatus().Terminal() {
		e.untrack(txHash)
	}
	return rec, nil
}

// poll is one confirmation check. A receipt in hand always decides before
// any not-yet-seen reasoning, so an included-but-reverted transaction is
// Failed, never re-broadcast.
func (e *submissionEngine) poll(ctx context.Context, ts *trackedSubmission) retry.TryDirective {
	rec := ts.rec
	receipt, err := e.node.transactionReceipt(ctx, rec.TxHash)
	if err == nil && receipt != nil {
		height := receipt.BlockNumber.Uint64()
		if receipt.Status == types.ReceiptStatusFailed {
			rec.SetBlock(height)
			rec.SetStatus(chain.StatusFailed)
			e.store(rec, nil)
			return retry.DontTryAgain
		}
		hdr, err := e.node.bestHeader(ctx)
		if err != nil {
			e.log.Warnf("best header fetch during confirmation of %s: %v", rec.TxHash, err)
			return retry.TryAgain
		}
		tip := hdr.Number.Uint64()
		if tip >= height && tip-height+1 >= e.cfg.requiredConfs {
			rec.SetBlock(height)
			rec.SetStatus(chain.StatusConfirmed)
			e.store(rec, nil)
			return retry.DontTryAgain
		}
		return retry.TryAgain
	}

	if err != nil && !errors.Is(err, ethereum.NotFound) {
		// A degraded provider view is not evidence the transaction is gone.
		e.log.Debugf("receipt fetch for %s: %v", rec.TxHash, err)
		return retry.TryAgain
	}

	// Not seen. If the validity window has lapsed, re-broadcast the original
	// signed payload, byte for byte, and extend the window.
	hdr, err := e.node.bestHeader(ctx)
	if err != nil {
		return retry.TryAgain
	}
	tip := hdr.Number.Uint64()
	expiry := rec.Window()
	if expiry == 0 {
		// First tip observation. The window starts now.
		rec.SetWindow(tip + e.cfg.validityWindow)
		return retry.TryAgain
	}
	if tip > expiry {
		if err := e.node.sendSignedTransaction(ctx, ts.tx); err != nil {
			e.log.Warnf("re-broadcast of %s failed: %v", rec.TxHash, err)
		} else {
			rec.Rebroadcast(tip + e.cfg.validityWindow)
			e.store(rec, nil)
			e.log.Infof("re-broadcast %s, attempt %d", rec.TxHash, rec.AttemptCount())
		}
	}
	return retry.TryAgain
}

// submission finds the live submission for txHash, falling back to the store
// so confirmation can resume across restarts.
func (e *submissionEngine) submission(txHash common.Hash) (*trackedSubmission, error) {
	e.trackedMtx.RLock()
	ts := e.tracked[txHash]
	e.trackedMtx.RUnlock()
	if ts != nil {
		return ts, nil
	}
	if e.db == nil {
		return nil, fmt.Errorf("unknown transaction %s", txHash)
	}
	rec, raw, err := e.db.record(txHash)
	if err != nil {
		return nil, fmt.Errorf("unknown transaction %s: %w", txHash, err)
	}
	tx := new(types.Transaction)
	if err := tx.UnmarshalBinary(raw); err != nil {
		return nil, fmt.Errorf("error decoding stored payload for %s: %w", txHash, err)
	}
	ts = &trackedSubmission{rec: rec, tx: tx}
	e.trackedMtx.Lock()
	e.tracked[txHash] = ts
	e.trackedMtx.Unlock()
	return ts, nil
}

func (e *submissionEngine) untrack(txHash common.Hash) {
	e.trackedMtx.Lock()
	delete(e.tracked, txHash)
	e.trackedMtx.Unlock()
}

// store persists a point-in-time snapshot of the record. The live record may
// still be mutated by a concurrent confirm loop, so it is never handed to the
// serializer directly.
func (e *submissionEngine) store(rec *chain.SubmissionRecord, raw []byte) {
	if e.db == nil {
		return
	}
	if err := e.db.storeRecord(rec.Snapshot(), raw); err != nil {
		e.log.Errorf("error storing record for %s: %v", rec.TxHash, err)
	}
}
