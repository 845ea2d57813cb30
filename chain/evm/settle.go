// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package evm

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"crossdex.org/crossdex/chain"
	"crossdex.org/crossdex/gw"
	"crossdex.org/crossdex/gw/token"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// balanceOfSelector is the first four bytes of keccak256("balanceOf(address)").
var balanceOfSelector = []byte{0x70, 0xa0, 0x82, 0x31}

func packBalanceOf(addr common.Address) []byte {
	data := make([]byte, 4+32)
	copy(data, balanceOfSelector)
	copy(data[4+12:], addr.Bytes())
	return data
}

// settler computes the normalized economic outcome of a mined transaction
// from its receipt and balance reads pinned to the inclusion block. Balance
// reads at historical heights require providers that retain recent state;
// the inclusion block is normally well within every node's retention.
type settler struct {
	log  gw.Logger
	node evmNode
}

// extract computes the settlement result for txHash. A transaction the
// network has not mined yet yields a pending result, not an error. Fees come
// from the receipt's effective gas price, never from the quoted caps: with
// dynamic fees the protocol refunds the difference between the cap and
// base + priority, so the cap overstates the real cost.
func (s *settler) extract(ctx context.Context, txHash common.Hash, party common.Address, assets []*token.Token) (*chain.SettlementResult, error) {
	receipt, err := s.node.transactionReceipt(ctx, txHash)
	if err != nil {
		if errors.Is(err, ethereum.NotFound) {
			return &chain.SettlementResult{TxHash: txHash, Status: chain.StatusPending}, nil
		}
		return nil, fmt.Errorf("error fetching receipt for %s: %w", txHash, err)
	}

	effPrice := receipt.EffectiveGasPrice
	if effPrice == nil {
		// Pre-1559 nodes omit the field; the legacy price is on the
		// transaction itself.
		tx, _, err := s.node.transaction(ctx, txHash)
		if err != nil {
			return nil, fmt.Errorf("error fetching transaction %s for its gas price: %w", txHash, err)
		}
		effPrice = tx.GasPrice()
	}
	fee := new(big.Int).Mul(new(big.Int).SetUint64(receipt.GasUsed), effPrice)

	res := &chain.SettlementResult{
		TxHash:            txHash,
		Status:            chain.StatusConfirmed,
		GasUsed:           receipt.GasUsed,
		EffectiveGasPrice: effPrice,
		NetworkFee:        fee,
	}

	if receipt.Status == types.ReceiptStatusFailed {
		// A reverted transaction still pays its fee but moves nothing.
		res.Status = chain.StatusFailed
		for _, asset := range assets {
			res.Deltas = append(res.Deltas, &chain.AssetDelta{
				Asset:    asset.Symbol,
				Raw:      new(big.Int),
				Decimals: asset.Decimals,
			})
		}
		return res, nil
	}

	block := receipt.BlockNumber
	preBlock := new(big.Int).Sub(block, big.NewInt(1))
	for _, asset := range assets {
		pre, err := s.balanceAt(ctx, party, asset, preBlock)
		if err != nil {
			return nil, fmt.Errorf("error reading pre-block %s balance: %w", asset.Symbol, err)
		}
		post, err := s.balanceAt(ctx, party, asset, block)
		if err != nil {
			return nil, fmt.Errorf("error reading post-block %s balance: %w", asset.Symbol, err)
		}
		res.Deltas = append(res.Deltas, &chain.AssetDelta{
			Asset:    asset.Symbol,
			Raw:      new(big.Int).Sub(post, pre),
			Decimals: asset.Decimals,
		})
	}
	return res, nil
}

// balanceAt reads the party's balance of the asset at a block height, in the
// asset's smallest units. nil blockNumber reads the latest state.
func (s *settler) balanceAt(ctx context.Context, party common.Address, asset *token.Token, blockNumber *big.Int) (*big.Int, error) {
	if asset.Native {
		return s.node.balanceAt(ctx, party, blockNumber)
	}
	res, err := s.node.callContract(ctx, ethereum.CallMsg{
		To:   &asset.Address,
		Data: packBalanceOf(party),
	}, blockNumber)
	if err != nil {
		return nil, err
	}
	if len(res) != 32 {
		return nil, fmt.Errorf("unexpected balanceOf result length %d from %s", len(res), asset.Address)
	}
	return new(big.Int).SetBytes(res), nil
}
