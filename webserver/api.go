// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package webserver

import (
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strconv"

	"crossdex.org/crossdex/chain"
	"crossdex.org/crossdex/gw"
	"crossdex.org/crossdex/gw/token"
	"crossdex.org/crossdex/quote"
	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
)

// Submission status codes of the JSON API: 1 confirmed, -1 failed on chain,
// 0 pending or expired. An expired submission is not an error; the caller
// retries with a fresh build.
const (
	codeConfirmed = 1
	codePending   = 0
	codeFailed    = -1
)

func statusCode(s chain.TxStatus) int {
	switch s {
	case chain.StatusConfirmed:
		return codeConfirmed
	case chain.StatusFailed:
		return codeFailed
	}
	return codePending
}

// errorResponse is the body of any failed API request.
type errorResponse struct {
	OK     bool   `json:"ok"`
	Error  string `json:"error"`
	Reason string `json:"reason,omitempty"`
}

// writeAPIError writes an error response, choosing the HTTP code by error
// class: client mistakes are 400s, everything else a 500. Simulation
// rejections carry their actionable reason.
func (s *WebServer) writeAPIError(w http.ResponseWriter, err error) {
	resp := &errorResponse{Error: err.Error()}
	code := http.StatusInternalServerError
	var simErr *chain.SimulationError
	switch {
	case errors.As(err, &simErr):
		code = http.StatusUnprocessableEntity
		resp.Reason = simErr.Reason
	case errors.Is(err, token.ErrNotFound), errors.Is(err, chain.ErrTokenNotFound),
		errors.Is(err, chain.ErrInsufficientCredential), errors.Is(err, errBadRequest):
		code = http.StatusBadRequest
	case errors.Is(err, chain.ErrInsufficientFunds), errors.Is(err, chain.ErrInsufficientAllowance):
		code = http.StatusUnprocessableEntity
	}
	s.log.Debugf("api error (%d): %v", code, err)
	s.writeJSONWithStatus(w, resp, code)
}

// errBadRequest tags client mistakes for HTTP status mapping.
const errBadRequest = gw.Error("bad request")

func clientErr(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{errBadRequest}, args...)...)
}

// feeOverrides are optional explicit transaction pricing fields, all values
// in wei as decimal strings. Explicit values always win over estimation.
type feeOverrides struct {
	GasLimit             uint64 `json:"gasLimit,omitempty"`
	GasPrice             string `json:"gasPrice,omitempty"`
	MaxFeePerGas         string `json:"maxFeePerGas,omitempty"`
	MaxPriorityFeePerGas string `json:"maxPriorityFeePerGas,omitempty"`
}

func parseBig(field, v string) (*big.Int, error) {
	n, ok := new(big.Int).SetString(v, 10)
	if !ok {
		return nil, clientErr("invalid %s %q", field, v)
	}
	return n, nil
}

// feeQuote renders the overrides as a FeeQuote, nil if no pricing fields are
// set. Mixing the two fee models is a client error.
func (o *feeOverrides) feeQuote() (*chain.FeeQuote, error) {
	legacy := o.GasPrice != ""
	dynamic := o.MaxFeePerGas != "" || o.MaxPriorityFeePerGas != ""
	switch {
	case !legacy && !dynamic:
		return nil, nil
	case legacy && dynamic:
		return nil, clientErr("gasPrice is exclusive with maxFeePerGas/maxPriorityFeePerGas")
	case legacy:
		price, err := parseBig("gasPrice", o.GasPrice)
		if err != nil {
			return nil, err
		}
		return &chain.FeeQuote{Model: chain.FeeModelLegacy, GasPrice: price}, nil
	}
	if o.MaxFeePerGas == "" || o.MaxPriorityFeePerGas == "" {
		return nil, clientErr("maxFeePerGas and maxPriorityFeePerGas must be set together")
	}
	maxFee, err := parseBig("maxFeePerGas", o.MaxFeePerGas)
	if err != nil {
		return nil, err
	}
	tip, err := parseBig("maxPriorityFeePerGas", o.MaxPriorityFeePerGas)
	if err != nil {
		return nil, err
	}
	return &chain.FeeQuote{Model: chain.FeeModelDynamic, MaxFeePerGas: maxFee, MaxPriorityFeePerGas: tip}, nil
}

type executeQuoteForm struct {
	Network       string `json:"network"`
	WalletAddress string `json:"walletAddress"`
	Base          string `json:"base"`
	Quote         string `json:"quote"`
	Amount        string `json:"amount"`
	Side          string `json:"side"`
	SlippageBps   uint16 `json:"slippageBps"`
	feeOverrides
}

type addLiquidityForm struct {
	Network       string `json:"network"`
	WalletAddress string `json:"walletAddress"`
	Base          string `json:"base"`
	Quote         string `json:"quote"`
	AmountBase    string `json:"amountBase"`
	AmountQuote   string `json:"amountQuote"`
	LowerPrice    string `json:"lowerPrice"`
	UpperPrice    string `json:"upperPrice"`
	SlippageBps   uint16 `json:"slippageBps"`
	feeOverrides
}

type collectFeesForm struct {
	Network       string `json:"network"`
	WalletAddress string `json:"walletAddress"`
	Base          string `json:"base"`
	Quote         string `json:"quote"`
	PositionID    string `json:"positionId"`
	feeOverrides
}

// deltaJSON is one settled balance change, raw smallest units plus the exact
// decimal rendering.
type deltaJSON struct {
	Asset    string `json:"asset"`
	Raw      string `json:"raw"`
	Decimal  string `json:"decimal"`
	Decimals uint8  `json:"decimals"`
}

// submissionResponse is the terminal outcome of an operation.
type submissionResponse struct {
	OK          bool         `json:"ok"`
	Network     string       `json:"network"`
	TxHash      string       `json:"txHash"`
	Status      int          `json:"status"`
	StatusText  string       `json:"statusText"`
	Attempts    int          `json:"attempts"`
	BlockNumber uint64       `json:"blockNumber,omitempty"`
	NetworkFee  string       `json:"networkFee,omitempty"`
	// NetworkFeeDecimal is the fee in whole native units, exact.
	NetworkFeeDecimal string       `json:"networkFeeDecimal,omitempty"`
	BalanceDeltas     []*deltaJSON `json:"balanceDeltas,omitempty"`
	Swap              *quote.Swap  `json:"swap,omitempty"`
}

// apiExecuteQuote is the handler for the '/execute-quote' API request. It
// prices the swap, submits it, waits for a terminal status, and returns the
// settlement.
func (s *WebServer) apiExecuteQuote(w http.ResponseWriter, r *http.Request) {
	form := new(executeQuoteForm)
	if !s.readPost(w, r, form) {
		return
	}
	adapter, base, quoteTkn, party, err := s.resolvePair(form.Network, form.WalletAddress, form.Base, form.Quote)
	if err != nil {
		s.writeAPIError(w, err)
		return
	}
	amount, err := parseBig("amount", form.Amount)
	if err != nil {
		s.writeAPIError(w, err)
		return
	}
	side := quote.SideSell
	if form.Side == "buy" {
		side = quote.SideBuy
	} else if form.Side != "" && form.Side != "sell" {
		s.writeAPIError(w, clientErr("invalid side %q", form.Side))
		return
	}

	plan, err := s.quotes.PlanSwap(r.Context(), &quote.SwapRequest{
		Network:     form.Network,
		Base:        base,
		Quote:       quoteTkn,
		Amount:      amount,
		Side:        side,
		SlippageBps: form.SlippageBps,
	})
	if err != nil {
		s.writeAPIError(w, fmt.Errorf("error planning swap: %w", err))
		return
	}

	resp, err := s.execute(r, adapter, party, plan, chain.OpSwap, &form.feeOverrides,
		[]*token.Token{base, quoteTkn})
	if err != nil {
		s.writeAPIError(w, err)
		return
	}
	resp.Swap = plan.Swap
	s.writeJSON(w, resp)
}

// apiAddLiquidity is the handler for the '/add-liquidity' API request.
func (s *WebServer) apiAddLiquidity(w http.ResponseWriter, r *http.Request) {
	form := new(addLiquidityForm)
	if !s.readPost(w, r, form) {
		return
	}
	adapter, base, quoteTkn, party, err := s.resolvePair(form.Network, form.WalletAddress, form.Base, form.Quote)
	if err != nil {
		s.writeAPIError(w, err)
		return
	}
	amountBase, err := parseBig("amountBase", form.AmountBase)
	if err != nil {
		s.writeAPIError(w, err)
		return
	}
	amountQuote, err := parseBig("amountQuote", form.AmountQuote)
	if err != nil {
		s.writeAPIError(w, err)
		return
	}

	plan, err := s.quotes.PlanAddLiquidity(r.Context(), &quote.LiquidityRequest{
		Network:     form.Network,
		Base:        base,
		Quote:       quoteTkn,
		AmountBase:  amountBase,
		AmountQuote: amountQuote,
		LowerPrice:  form.LowerPrice,
		UpperPrice:  form.UpperPrice,
		SlippageBps: form.SlippageBps,
	})
	if err != nil {
		s.writeAPIError(w, fmt.Errorf("error planning liquidity add: %w", err))
		return
	}

	resp, err := s.execute(r, adapter, party, plan, chain.OpPositionMint, &form.feeOverrides,
		[]*token.Token{base, quoteTkn})
	if err != nil {
		s.writeAPIError(w, err)
		return
	}
	s.writeJSON(w, resp)
}

// apiCollectFees is the handler for the '/collect-fees' API request.
func (s *WebServer) apiCollectFees(w http.ResponseWriter, r *http.Request) {
	form := new(collectFeesForm)
	if !s.readPost(w, r, form) {
		return
	}
	adapter, base, quoteTkn, party, err := s.resolvePair(form.Network, form.WalletAddress, form.Base, form.Quote)
	if err != nil {
		s.writeAPIError(w, err)
		return
	}
	positionID, err := parseBig("positionId", form.PositionID)
	if err != nil {
		s.writeAPIError(w, err)
		return
	}

	plan, err := s.quotes.PlanCollectFees(r.Context(), &quote.CollectRequest{
		Network:    form.Network,
		PositionID: positionID,
	})
	if err != nil {
		s.writeAPIError(w, fmt.Errorf("error planning fee collection: %w", err))
		return
	}

	resp, err := s.execute(r, adapter, party, plan, chain.OpCollectFees, &form.feeOverrides,
		[]*token.Token{base, quoteTkn})
	if err != nil {
		s.writeAPIError(w, err)
		return
	}
	s.writeJSON(w, resp)
}

// execute runs the submission pipeline for a planned operation: build intent,
// send, confirm to a terminal status, extract settlement, notify websocket
// subscribers.
func (s *WebServer) execute(r *http.Request, adapter chain.Adapter, party common.Address,
	plan *quote.Plan, kind chain.OpKind, overrides *feeOverrides, assets []*token.Token) (*submissionResponse, error) {

	fees, err := overrides.feeQuote()
	if err != nil {
		return nil, err
	}
	ctx := r.Context()
	rec, err := adapter.Send(ctx, &chain.TransactionIntent{
		From:     party,
		To:       plan.Target,
		Data:     plan.Calldata,
		Value:    plan.Value,
		Kind:     kind,
		GasLimit: overrides.GasLimit,
		Fees:     fees,
	})
	if err != nil {
		return nil, err
	}
	s.notifyStatus(adapter.Name(), rec)

	rec, err = adapter.Confirm(ctx, rec.TxHash)
	if err != nil {
		return nil, fmt.Errorf("error confirming %s: %w", rec.TxHash, err)
	}
	s.notifyStatus(adapter.Name(), rec)

	status := rec.CurrentStatus()
	resp := &submissionResponse{
		OK:          status == chain.StatusConfirmed,
		Network:     adapter.Name(),
		TxHash:      rec.TxHash.Hex(),
		Status:      statusCode(status),
		StatusText:  status.String(),
		Attempts:    rec.AttemptCount(),
		BlockNumber: rec.BlockNumber,
	}
	if status == chain.StatusExpired {
		// Never landed; there is nothing to settle.
		return resp, nil
	}

	settlement, err := adapter.ExtractSettlement(ctx, rec.TxHash, party, assets)
	if err != nil {
		return nil, fmt.Errorf("error extracting settlement for %s: %w", rec.TxHash, err)
	}
	native := token.Native(adapter.Net())
	if settlement.NetworkFee != nil && native != nil {
		resp.NetworkFee = settlement.NetworkFee.String()
		resp.NetworkFeeDecimal = chain.FormatUnits(settlement.NetworkFee, native.Decimals)
	}
	for _, d := range settlement.Deltas {
		resp.BalanceDeltas = append(resp.BalanceDeltas, &deltaJSON{
			Asset:    d.Asset,
			Raw:      d.Raw.String(),
			Decimal:  d.Decimal(),
			Decimals: d.Decimals,
		})
	}
	return resp, nil
}

// apiFees is the handler for the '/fees/{network}' API request.
func (s *WebServer) apiFees(w http.ResponseWriter, r *http.Request) {
	adapter, err := s.adapter(chi.URLParam(r, "network"))
	if err != nil {
		s.writeAPIError(w, err)
		return
	}
	q, err := adapter.EstimateFee(r.Context())
	if err != nil {
		s.writeAPIError(w, err)
		return
	}
	s.writeJSON(w, &struct {
		OK      bool            `json:"ok"`
		Network string          `json:"network"`
		Model   string          `json:"model"`
		Fees    *chain.FeeQuote `json:"fees"`
	}{
		OK:      true,
		Network: adapter.Name(),
		Model:   q.Model.String(),
		Fees:    q,
	})
}

// apiTx is the handler for the '/tx/{network}/{txid}' API request.
func (s *WebServer) apiTx(w http.ResponseWriter, r *http.Request) {
	adapter, err := s.adapter(chi.URLParam(r, "network"))
	if err != nil {
		s.writeAPIError(w, err)
		return
	}
	txid := chi.URLParam(r, "txid")
	if len(common.FromHex(txid)) != common.HashLength {
		s.writeAPIError(w, clientErr("invalid transaction id %q", txid))
		return
	}
	rec, err := adapter.Transaction(common.HexToHash(txid))
	if err != nil {
		s.writeJSONWithStatus(w, &errorResponse{Error: err.Error()}, http.StatusNotFound)
		return
	}
	s.writeJSON(w, &struct {
		OK     bool                    `json:"ok"`
		Status int                     `json:"status"`
		Record *chain.SubmissionRecord `json:"record"`
	}{
		OK:     true,
		Status: statusCode(rec.CurrentStatus()),
		Record: rec,
	})
}

// apiTxs is the handler for the '/txs/{network}' API request. Optional query
// parameters n (page size) and after (reference txid).
func (s *WebServer) apiTxs(w http.ResponseWriter, r *http.Request) {
	adapter, err := s.adapter(chi.URLParam(r, "network"))
	if err != nil {
		s.writeAPIError(w, err)
		return
	}
	n := 10
	if nStr := r.URL.Query().Get("n"); nStr != "" {
		if n, err = strconv.Atoi(nStr); err != nil || n < 1 || n > 1000 {
			s.writeAPIError(w, clientErr("invalid page size %q", nStr))
			return
		}
	}
	var after *string
	if afterStr := r.URL.Query().Get("after"); afterStr != "" {
		after = &afterStr
	}
	recs, err := adapter.Transactions(n, after)
	if err != nil {
		s.writeAPIError(w, err)
		return
	}
	s.writeJSON(w, &struct {
		OK      bool                      `json:"ok"`
		Records []*chain.SubmissionRecord `json:"records"`
	}{
		OK:      true,
		Records: recs,
	})
}

// apiBalance is the handler for the '/balance/{network}/{asset}/{address}'
// API request.
func (s *WebServer) apiBalance(w http.ResponseWriter, r *http.Request) {
	adapter, err := s.adapter(chi.URLParam(r, "network"))
	if err != nil {
		s.writeAPIError(w, err)
		return
	}
	asset, err := token.Resolve(adapter.Net(), chi.URLParam(r, "asset"))
	if err != nil {
		s.writeAPIError(w, err)
		return
	}
	addr := chi.URLParam(r, "address")
	if !common.IsHexAddress(addr) {
		s.writeAPIError(w, clientErr("invalid address %q", addr))
		return
	}
	bal, err := adapter.Balance(r.Context(), common.HexToAddress(addr), asset)
	if err != nil {
		s.writeAPIError(w, err)
		return
	}
	s.writeJSON(w, &struct {
		OK      bool   `json:"ok"`
		Asset   string `json:"asset"`
		Raw     string `json:"raw"`
		Decimal string `json:"decimal"`
	}{
		OK:      true,
		Asset:   asset.Symbol,
		Raw:     bal.String(),
		Decimal: chain.FormatUnits(bal, asset.Decimals),
	})
}

// apiNetworks is the handler for the '/networks' API request.
func (s *WebServer) apiNetworks(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, &struct {
		OK       bool     `json:"ok"`
		Networks []string `json:"networks"`
	}{
		OK:       true,
		Networks: s.registry.Networks(),
	})
}

// resolvePair resolves the network adapter, both tokens and the sender
// address of a trading request.
func (s *WebServer) resolvePair(network, walletAddress, baseSym, quoteSym string) (chain.Adapter, *token.Token, *token.Token, common.Address, error) {
	var zero common.Address
	adapter, err := s.adapter(network)
	if err != nil {
		return nil, nil, nil, zero, err
	}
	if !common.IsHexAddress(walletAddress) {
		return nil, nil, nil, zero, clientErr("invalid wallet address %q", walletAddress)
	}
	base, err := token.Resolve(adapter.Net(), baseSym)
	if err != nil {
		return nil, nil, nil, zero, fmt.Errorf("%w: %s", err, baseSym)
	}
	quoteTkn, err := token.Resolve(adapter.Net(), quoteSym)
	if err != nil {
		return nil, nil, nil, zero, fmt.Errorf("%w: %s", err, quoteSym)
	}
	return adapter, base, quoteTkn, common.HexToAddress(walletAddress), nil
}

func (s *WebServer) adapter(network string) (chain.Adapter, error) {
	adapter, err := s.registry.Adapter(network)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errBadRequest, err)
	}
	return adapter, nil
}
