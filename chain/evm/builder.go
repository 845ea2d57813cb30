// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package evm

import (
	"context"
	"fmt"
	"math/big"

	"crossdex.org/crossdex/chain"
	"crossdex.org/crossdex/gw"
	"github.com/ethereum/go-ethereum/core/types"
)

// Default gas limits by operation kind. A plain value transfer is the
// protocol minimum. Swaps route through a multi-hop router, position mints
// may deploy pool state, and fee collection touches two token transfers.
const (
	defaultGasTransfer     = 21_000
	defaultGasSwap         = 350_000
	defaultGasPositionMint = 600_000
	defaultGasCollectFees  = 250_000
)

func defaultGasLimit(kind chain.OpKind) uint64 {
	switch kind {
	case chain.OpSwap:
		return defaultGasSwap
	case chain.OpPositionMint:
		return defaultGasPositionMint
	case chain.OpCollectFees:
		return defaultGasCollectFees
	}
	return defaultGasTransfer
}

// txBuilder turns an intent into a signed, submittable transaction. Explicit
// overrides in the intent always win over estimated values. The builder does
// not serialize: two concurrent builds for one sender can resolve the same
// pending nonce, so the submission path must hold the sender lock across
// build and broadcast.
type txBuilder struct {
	log     gw.Logger
	node    evmNode
	creds   *signerRing
	fees    *feeEstimator
	chainID *big.Int
}

func (b *txBuilder) build(ctx context.Context, intent *chain.TransactionIntent) (*chain.PreparedTransaction, error) {
	s, err := b.creds.signerFor(intent.From)
	if err != nil {
		return nil, err
	}

	fees := intent.Fees
	if fees == nil {
		fees = b.fees.estimate(ctx)
	}
	if err := validateFees(fees); err != nil {
		return nil, fmt.Errorf("%w: %v", chain.ErrFeeResolution, err)
	}

	gasLimit := intent.GasLimit
	if gasLimit == 0 {
		gasLimit = defaultGasLimit(intent.Kind)
	}

	nonce, err := b.node.pendingNonceAt(ctx, intent.From)
	if err != nil {
		return nil, fmt.Errorf("error resolving nonce for %s: %w", intent.From, err)
	}

	value := intent.Value
	if value == nil {
		value = new(big.Int)
	}

	// The wire transaction carries the fields of exactly one fee model.
	var tx *types.Transaction
	if fees.Model == chain.FeeModelDynamic {
		tip := fees.MaxPriorityFeePerGas
		if tip.Cmp(fees.MaxFeePerGas) > 0 {
			tip = fees.MaxFeePerGas
		}
		tx = types.NewTx(&types.DynamicFeeTx{
			ChainID:   b.chainID,
			Nonce:     nonce,
			GasTipCap: tip,
			GasFeeCap: fees.MaxFeePerGas,
			Gas:       gasLimit,
			To:        &intent.To,
			Value:     value,
			Data:      intent.Data,
		})
	} else {
		tx = types.NewTx(&types.LegacyTx{
			Nonce:    nonce,
			GasPrice: fees.GasPrice,
			Gas:      gasLimit,
			To:       &intent.To,
			Value:    value,
			Data:     intent.Data,
		})
	}

	signedTx, err := s.signTx(tx, b.chainID)
	if err != nil {
		return nil, fmt.Errorf("error signing transaction for %s: %w", intent.From, err)
	}
	raw, err := signedTx.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("error serializing transaction: %w", err)
	}

	return &chain.PreparedTransaction{
		Intent:   intent,
		Tx:       signedTx,
		Nonce:    nonce,
		Fees:     fees,
		GasLimit: gasLimit,
		Raw:      raw,
	}, nil
}

// validateFees checks that a quote carries the fields of its model and no
// others.
func validateFees(fees *chain.FeeQuote) error {
	switch fees.Model {
	case chain.FeeModelDynamic:
		if fees.MaxFeePerGas == nil || fees.MaxPriorityFeePerGas == nil {
			return fmt.Errorf("dynamic quote missing fee caps")
		}
		if fees.GasPrice != nil {
			return fmt.Errorf("dynamic quote carries a legacy gas price")
		}
	case chain.FeeModelLegacy:
		if fees.GasPrice == nil {
			return fmt.Errorf("legacy quote missing gas price")
		}
		if fees.MaxFeePerGas != nil || fees.MaxPriorityFeePerGas != nil {
			return fmt.Errorf("legacy quote carries dynamic fee caps")
		}
	default:
		return fmt.Errorf("unknown fee model %d", fees.Model)
	}
	return nil
}
