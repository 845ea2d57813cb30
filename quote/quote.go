// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

// Package quote is the boundary to the pricing engine. The gateway never does
// pool math itself; it asks an Engine for amounts and ready-to-submit
// calldata, then prices, signs and submits the resulting transaction.
package quote

import (
	"context"
	"math/big"

	"crossdex.org/crossdex/gw"
	"crossdex.org/crossdex/gw/token"
	"github.com/ethereum/go-ethereum/common"
)

// Side is the fixed leg of a swap request.
type Side uint8

const (
	// SideSell fixes the input amount (exact in).
	SideSell Side = iota
	// SideBuy fixes the output amount (exact out).
	SideBuy
)

// String returns the string representation of a Side.
func (s Side) String() string {
	if s == SideBuy {
		return "buy"
	}
	return "sell"
}

// SwapRequest asks for pricing of a single swap. Amount is in the smallest
// units of the fixed leg's asset.
type SwapRequest struct {
	Network     string       `json:"network"`
	Base        *token.Token `json:"base"`
	Quote       *token.Token `json:"quote"`
	Amount      *big.Int     `json:"amount"`
	Side        Side         `json:"side"`
	SlippageBps uint16       `json:"slippageBps"`
}

// LiquidityRequest asks for a plan that mints a concentrated-liquidity
// position over the given price range.
type LiquidityRequest struct {
	Network     string       `json:"network"`
	Base        *token.Token `json:"base"`
	Quote       *token.Token `json:"quote"`
	AmountBase  *big.Int     `json:"amountBase"`
	AmountQuote *big.Int     `json:"amountQuote"`
	// LowerPrice and UpperPrice bound the range, as decimal strings in quote
	// units per base unit.
	LowerPrice  string `json:"lowerPrice"`
	UpperPrice  string `json:"upperPrice"`
	SlippageBps uint16 `json:"slippageBps"`
}

// CollectRequest asks for a plan that collects accrued fees from a position.
type CollectRequest struct {
	Network    string   `json:"network"`
	PositionID *big.Int `json:"positionId"`
}

// Swap is the engine's pricing of a SwapRequest. Amounts are smallest units.
type Swap struct {
	AmountIn       *big.Int `json:"amountIn"`
	AmountOut      *big.Int `json:"amountOut"`
	// AmountLimit is the slippage bound on the floating leg: a minimum out for
	// SideSell, a maximum in for SideBuy.
	AmountLimit    *big.Int `json:"amountLimit"`
	PriceImpactPct float64  `json:"priceImpactPct"`
}

// Plan is a priced operation reduced to the one thing the submission side
// needs: a target, calldata and attached value.
type Plan struct {
	Swap     *Swap          `json:"swap,omitempty"`
	Target   common.Address `json:"target"`
	Calldata gw.Bytes       `json:"calldata"`
	Value    *big.Int       `json:"value"`
}

// Engine prices operations and renders them as submittable plans. An Engine
// is a pure collaborator: it holds no keys and submits nothing.
type Engine interface {
	QuoteSwap(ctx context.Context, req *SwapRequest) (*Swap, error)
	PlanSwap(ctx context.Context, req *SwapRequest) (*Plan, error)
	PlanAddLiquidity(ctx context.Context, req *LiquidityRequest) (*Plan, error)
	PlanCollectFees(ctx context.Context, req *CollectRequest) (*Plan, error)
}
