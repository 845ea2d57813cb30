// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package quote

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"crossdex.org/crossdex/gw/gwnet"
)

// plannerError is the error envelope of the planning service.
type plannerError struct {
	Message string `json:"error"`
}

func (e *plannerError) Error() string {
	return e.Message
}

// HTTPPlanner is an Engine backed by an external planning service that
// exposes /quote and /plan/{op} endpoints speaking JSON.
type HTTPPlanner struct {
	baseURL string
}

var _ Engine = (*HTTPPlanner)(nil)

// NewHTTPPlanner creates an HTTPPlanner for the service at baseURL.
func NewHTTPPlanner(baseURL string) *HTTPPlanner {
	return &HTTPPlanner{baseURL: strings.TrimRight(baseURL, "/")}
}

func (p *HTTPPlanner) post(ctx context.Context, path string, req, thing any) error {
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("error marshaling %s request: %w", path, err)
	}
	var svcErr plannerError
	err = gwnet.Post(ctx, p.baseURL+path, thing, body,
		gwnet.WithRequestHeader("Content-Type", "application/json"),
		gwnet.WithErrorParsing(&svcErr))
	if err != nil {
		if svcErr.Message != "" {
			return fmt.Errorf("planner %s: %w", path, &svcErr)
		}
		return err
	}
	return nil
}

// QuoteSwap prices a swap without building calldata.
func (p *HTTPPlanner) QuoteSwap(ctx context.Context, req *SwapRequest) (*Swap, error) {
	var swap Swap
	if err := p.post(ctx, "/quote", req, &swap); err != nil {
		return nil, err
	}
	return &swap, nil
}

// PlanSwap prices a swap and renders router calldata for it.
func (p *HTTPPlanner) PlanSwap(ctx context.Context, req *SwapRequest) (*Plan, error) {
	var plan Plan
	if err := p.post(ctx, "/plan/swap", req, &plan); err != nil {
		return nil, err
	}
	return &plan, nil
}

// PlanAddLiquidity renders position-mint calldata for the requested range.
func (p *HTTPPlanner) PlanAddLiquidity(ctx context.Context, req *LiquidityRequest) (*Plan, error) {
	var plan Plan
	if err := p.post(ctx, "/plan/add-liquidity", req, &plan); err != nil {
		return nil, err
	}
	return &plan, nil
}

// PlanCollectFees renders fee-collection calldata for a position.
func (p *HTTPPlanner) PlanCollectFees(ctx context.Context, req *CollectRequest) (*Plan, error) {
	var plan Plan
	if err := p.post(ctx, "/plan/collect-fees", req, &plan); err != nil {
		return nil, err
	}
	return &plan, nil
}
