// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package chain

import (
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// FeeModel selects between the two transaction pricing styles an
// account-based network can validate. A transaction carries fields for
// exactly one model, never both.
type FeeModel uint8

const (
	// FeeModelLegacy is single gas price pricing.
	FeeModelLegacy FeeModel = iota
	// FeeModelDynamic is base fee + priority fee (EIP-1559 style) pricing.
	FeeModelDynamic
)

// String returns the string representation of a FeeModel.
func (m FeeModel) String() string {
	if m == FeeModelDynamic {
		return "dynamic"
	}
	return "legacy"
}

// FeeQuote is the price to pay per unit of computation, captured at a point
// in time. For FeeModelLegacy only GasPrice is set. For FeeModelDynamic the
// MaxFeePerGas/MaxPriorityFeePerGas pair is set, along with the BaseFee
// estimate the pair was derived from. All values are wei.
type FeeQuote struct {
	Model                FeeModel  `json:"model"`
	GasPrice             *big.Int  `json:"gasPrice,omitempty"`
	MaxFeePerGas         *big.Int  `json:"maxFeePerGas,omitempty"`
	MaxPriorityFeePerGas *big.Int  `json:"maxPriorityFeePerGas,omitempty"`
	BaseFee              *big.Int  `json:"baseFee,omitempty"`
	Stamp                time.Time `json:"stamp"`
}

// Fresh is true while the quote is younger than ttl.
func (q *FeeQuote) Fresh(ttl time.Duration) bool {
	return time.Since(q.Stamp) < ttl
}

// OpKind classifies a transaction intent by the operation that produced it.
// The kinds have materially different computational cost, so each carries its
// own default gas limit.
type OpKind uint8

const (
	OpTransfer OpKind = iota
	OpSwap
	OpPositionMint
	OpCollectFees
)

// String returns the string representation of an OpKind.
func (k OpKind) String() string {
	switch k {
	case OpTransfer:
		return "transfer"
	case OpSwap:
		return "swap"
	case OpPositionMint:
		return "position-mint"
	case OpCollectFees:
		return "collect-fees"
	}
	return "unknown"
}

// TransactionIntent is the abstract description of a transaction to be built:
// who sends what to where, with optional explicit overrides for the fee quote
// and gas limit. An intent is immutable once constructed and consumed exactly
// once by the builder.
type TransactionIntent struct {
	From  common.Address
	To    common.Address
	Data  []byte
	Value *big.Int
	Kind  OpKind
	// GasLimit, when non-zero, overrides the default limit for Kind.
	GasLimit uint64
	// Fees, when non-nil, overrides the fee estimator's quote.
	Fees *FeeQuote
}

// PreparedTransaction is a fully-priced, signed, submittable transaction. It
// is owned exclusively by the submission engine from construction until
// terminal disposition.
type PreparedTransaction struct {
	Intent   *TransactionIntent
	Tx       *types.Transaction
	Nonce    uint64
	Fees     *FeeQuote
	GasLimit uint64
	// Raw is the signed serialized payload. Re-broadcasts send exactly these
	// bytes.
	Raw []byte
}

// TxStatus is the status of a submitted transaction.
type TxStatus int8

const (
	StatusPending   TxStatus = 0
	StatusConfirmed TxStatus = 1
	StatusFailed    TxStatus = -1
	StatusExpired   TxStatus = 2
)

// String returns the string representation of a TxStatus.
func (s TxStatus) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusConfirmed:
		return "confirmed"
	case StatusFailed:
		return "failed"
	case StatusExpired:
		return "expired"
	}
	return "unknown"
}

// Terminal is true for statuses that can never change again.
func (s TxStatus) Terminal() bool {
	return s != StatusPending
}

// SubmissionRecord tracks a broadcast transaction until it reaches a terminal
// status. Attempts counts broadcasts, so it starts at 1 and is incremented on
// each re-broadcast.
type SubmissionRecord struct {
	mtx sync.RWMutex

	TxHash       common.Hash    `json:"txHash"`
	From         common.Address `json:"from"`
	Nonce        uint64         `json:"nonce"`
	Kind         OpKind         `json:"kind"`
	SubmittedAt  time.Time      `json:"submittedAt"`
	ExpiryHeight uint64         `json:"expiryHeight"`
	Attempts     int            `json:"attempts"`
	Status       TxStatus       `json:"status"`
	BlockNumber  uint64         `json:"blockNumber,omitempty"`
}

// CurrentStatus returns the record's status.
func (r *SubmissionRecord) CurrentStatus() TxStatus {
	r.mtx.RLock()
	defer r.mtx.RUnlock()
	return r.Status
}

// SetStatus transitions the record to the given status. A record that has
// already reached a terminal status is never changed again, and SetStatus
// returns false in that case.
func (r *SubmissionRecord) SetStatus(status TxStatus) bool {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	if r.Status.Terminal() {
		return false
	}
	r.Status = status
	return true
}

// SetBlock records the inclusion block height.
func (r *SubmissionRecord) SetBlock(height uint64) {
	r.mtx.Lock()
	r.BlockNumber = height
	r.mtx.Unlock()
}

// Rebroadcast increments the attempt counter and extends the validity window
// to the given expiry height.
func (r *SubmissionRecord) Rebroadcast(expiryHeight uint64) {
	r.mtx.Lock()
	r.Attempts++
	r.ExpiryHeight = expiryHeight
	r.mtx.Unlock()
}

// AttemptCount returns the number of broadcasts so far.
func (r *SubmissionRecord) AttemptCount() int {
	r.mtx.RLock()
	defer r.mtx.RUnlock()
	return r.Attempts
}

// Window returns the validity-window expiry height, zero if not yet known.
func (r *SubmissionRecord) Window() uint64 {
	r.mtx.RLock()
	defer r.mtx.RUnlock()
	return r.ExpiryHeight
}

// SetWindow sets the validity-window expiry height without counting a
// broadcast.
func (r *SubmissionRecord) SetWindow(expiryHeight uint64) {
	r.mtx.Lock()
	r.ExpiryHeight = expiryHeight
	r.mtx.Unlock()
}

// Snapshot returns a point-in-time copy of the record, taken under its lock.
// Serialize the snapshot, not the live record, when other goroutines may
// still be driving it toward a terminal status.
func (r *SubmissionRecord) Snapshot() *SubmissionRecord {
	r.mtx.RLock()
	defer r.mtx.RUnlock()
	return &SubmissionRecord{
		TxHash:       r.TxHash,
		From:         r.From,
		Nonce:        r.Nonce,
		Kind:         r.Kind,
		SubmittedAt:  r.SubmittedAt,
		ExpiryHeight: r.ExpiryHeight,
		Attempts:     r.Attempts,
		Status:       r.Status,
		BlockNumber:  r.BlockNumber,
	}
}

// AssetDelta is a signed balance change for one asset, in the asset's
// smallest indivisible unit.
type AssetDelta struct {
	Asset    string   `json:"asset"`
	Raw      *big.Int `json:"raw"`
	Decimals uint8    `json:"decimals"`
}

// Decimal renders the delta as an exact decimal string, raw / 10^decimals.
// The division is performed with rational arithmetic, never floating point,
// so assets with high decimal counts do not lose precision.
func (d *AssetDelta) Decimal() string {
	return FormatUnits(d.Raw, d.Decimals)
}

// FormatUnits renders a smallest-unit amount as an exact decimal string.
func FormatUnits(raw *big.Int, decimals uint8) string {
	if raw == nil {
		return "0"
	}
	denom := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil)
	s := new(big.Rat).SetFrac(raw, denom).FloatString(int(decimals))
	if decimals == 0 {
		return s
	}
	s = strings.TrimRight(s, "0")
	return strings.TrimSuffix(s, ".")
}

// SettlementResult is the normalized economic outcome of a terminal
// transaction: the network fee actually paid and the balance deltas for the
// party and assets of interest. A result produced before the transaction is
// terminal carries StatusPending and no deltas.
type SettlementResult struct {
	TxHash            common.Hash   `json:"txHash"`
	Status            TxStatus      `json:"status"`
	GasUsed           uint64        `json:"gasUsed,omitempty"`
	EffectiveGasPrice *big.Int      `json:"effectiveGasPrice,omitempty"`
	// NetworkFee is GasUsed × EffectiveGasPrice, in wei.
	NetworkFee *big.Int      `json:"networkFee,omitempty"`
	Deltas     []*AssetDelta `json:"balanceDeltas,omitempty"`
}
