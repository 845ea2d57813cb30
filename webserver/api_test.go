// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package webserver

import (
	"bytes"
	"context"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"crossdex.org/crossdex/chain"
	"crossdex.org/crossdex/gw"
	"crossdex.org/crossdex/gw/token"
	"crossdex.org/crossdex/quote"
	"github.com/decred/slog"
	"github.com/ethereum/go-ethereum/common"
)

var tLogger = gw.StdOutLogger("T", slog.LevelTrace, false)

// tAdapter is a scriptable chain.Adapter.
type tAdapter struct {
	name string

	sendRec *chain.SubmissionRecord
	sendErr error

	confirmRec *chain.SubmissionRecord
	confirmErr error

	settlement *chain.SettlementResult
	settleErr  error

	balance *big.Int

	txRec *chain.SubmissionRecord
	txErr error

	fees *chain.FeeQuote

	lastIntent *chain.TransactionIntent
}

var _ chain.Adapter = (*tAdapter)(nil)

func (a *tAdapter) Name() string    { return a.name }
func (a *tAdapter) Net() gw.Network { return gw.Simnet }
func (a *tAdapter) Connect(context.Context) (*sync.WaitGroup, error) {
	return &sync.WaitGroup{}, nil
}
func (a *tAdapter) EstimateFee(context.Context) (*chain.FeeQuote, error) {
	return a.fees, nil
}
func (a *tAdapter) Send(_ context.Context, intent *chain.TransactionIntent) (*chain.SubmissionRecord, error) {
	a.lastIntent = intent
	return a.sendRec, a.sendErr
}
func (a *tAdapter) Confirm(context.Context, common.Hash) (*chain.SubmissionRecord, error) {
	return a.confirmRec, a.confirmErr
}
func (a *tAdapter) ExtractSettlement(context.Context, common.Hash, common.Address, []*token.Token) (*chain.SettlementResult, error) {
	return a.settlement, a.settleErr
}
func (a *tAdapter) Balance(context.Context, common.Address, *token.Token) (*big.Int, error) {
	return a.balance, nil
}
func (a *tAdapter) Transaction(common.Hash) (*chain.SubmissionRecord, error) {
	return a.txRec, a.txErr
}
func (a *tAdapter) Transactions(int, *string) ([]*chain.SubmissionRecord, error) {
	return []*chain.SubmissionRecord{a.txRec}, nil
}

// tDriver hands out the current test's adapter. Driver registration is
// process-global, so one driver serves every test.
type tDriver struct {
	mtx     sync.Mutex
	adapter *tAdapter
}

func (d *tDriver) Open(cfg *chain.AdapterConfig) (chain.Adapter, error) {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	d.adapter.name = cfg.Name
	return d.adapter, nil
}

func (d *tDriver) use(adapter *tAdapter) {
	d.mtx.Lock()
	d.adapter = adapter
	d.mtx.Unlock()
}

var testDriver = &tDriver{}

// tEngine is a scriptable quote.Engine.
type tEngine struct {
	plan    *quote.Plan
	planErr error
}

func (e *tEngine) QuoteSwap(context.Context, *quote.SwapRequest) (*quote.Swap, error) {
	return e.plan.Swap, e.planErr
}
func (e *tEngine) PlanSwap(context.Context, *quote.SwapRequest) (*quote.Plan, error) {
	return e.plan, e.planErr
}
func (e *tEngine) PlanAddLiquidity(context.Context, *quote.LiquidityRequest) (*quote.Plan, error) {
	return e.plan, e.planErr
}
func (e *tEngine) PlanCollectFees(context.Context, *quote.CollectRequest) (*quote.Plan, error) {
	return e.plan, e.planErr
}

var registerOnce sync.Once

func newTestServer(t *testing.T, adapter *tAdapter, engine *tEngine) (*httptest.Server, func()) {
	t.Helper()
	registerOnce.Do(func() {
		chain.RegisterDriver("wstest", testDriver)
		token.Register(gw.Simnet, &token.Token{
			Symbol: "USDX", Address: common.HexToAddress("0x99"), Decimals: 6,
		})
	})
	testDriver.use(adapter)
	ctx, cancel := context.WithCancel(context.Background())
	registry := chain.NewRegistry(ctx, t.TempDir(), map[string]*chain.NetworkDef{
		"simnet": {Family: "wstest", Net: gw.Simnet},
	}, tLogger)
	s := New(&Config{
		Addr:     "127.0.0.1:0",
		Registry: registry,
		Quotes:   engine,
		Logger:   tLogger,
	})
	srv := httptest.NewServer(s.srv.Handler)
	return srv, func() {
		srv.Close()
		cancel()
		registry.Close()
	}
}

func post(t *testing.T, url string, form any) (*http.Response, []byte) {
	t.Helper()
	body, err := json.Marshal(form)
	if err != nil {
		t.Fatalf("marshal error: %v", err)
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("post error: %v", err)
	}
	defer resp.Body.Close()
	var buf bytes.Buffer
	buf.ReadFrom(resp.Body)
	return resp, buf.Bytes()
}

func TestExecuteQuote(t *testing.T) {
	txHash := common.HexToHash("0x0102")
	party := common.HexToAddress("0xabcd")
	adapter := &tAdapter{
		sendRec:    &chain.SubmissionRecord{TxHash: txHash, Status: chain.StatusPending, Attempts: 1},
		confirmRec: &chain.SubmissionRecord{TxHash: txHash, Status: chain.StatusConfirmed, Attempts: 2, BlockNumber: 21},
		settlement: &chain.SettlementResult{
			TxHash:     txHash,
			Status:     chain.StatusConfirmed,
			GasUsed:    60_000,
			NetworkFee: big.NewInt(120_000_000_000_000),
			Deltas: []*chain.AssetDelta{
				{Asset: "ETH", Raw: big.NewInt(-1_000_000_000_000_000_000), Decimals: 18},
				{Asset: "USDX", Raw: big.NewInt(2_500_000_000), Decimals: 6},
			},
		},
	}
	engine := &tEngine{plan: &quote.Plan{
		Swap: &quote.Swap{
			AmountIn:    big.NewInt(1_000_000_000_000_000_000),
			AmountOut:   big.NewInt(2_500_000_000),
			AmountLimit: big.NewInt(2_400_000_000),
		},
		Target:   common.HexToAddress("0x77"),
		Calldata: []byte{0x01},
		Value:    big.NewInt(0),
	}}
	srv, shutdown := newTestServer(t, adapter, engine)
	defer shutdown()

	resp, body := post(t, srv.URL+"/api/execute-quote", map[string]any{
		"network":       "simnet",
		"walletAddress": party.Hex(),
		"base":          "ETH",
		"quote":         "USDX",
		"amount":        "1000000000000000000",
		"side":          "sell",
		"slippageBps":   50,
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d: %s", resp.StatusCode, body)
	}
	var res submissionResponse
	if err := json.Unmarshal(body, &res); err != nil {
		t.Fatalf("unmarshal error: %v", err)
	}
	if !res.OK || res.Status != codeConfirmed || res.Attempts != 2 {
		t.Fatalf("bad response: %s", body)
	}
	if res.NetworkFeeDecimal != "0.00012" {
		t.Fatalf("wrong fee decimal %q", res.NetworkFeeDecimal)
	}
	if len(res.BalanceDeltas) != 2 || res.BalanceDeltas[0].Decimal != "-1" || res.BalanceDeltas[1].Decimal != "2500" {
		t.Fatalf("bad deltas: %s", body)
	}
	if adapter.lastIntent == nil || adapter.lastIntent.Kind != chain.OpSwap {
		t.Fatalf("bad intent: %+v", adapter.lastIntent)
	}
	if adapter.lastIntent.From != party {
		t.Fatalf("wrong sender %s", adapter.lastIntent.From)
	}

	// Unknown token is a client error.
	resp, _ = post(t, srv.URL+"/api/execute-quote", map[string]any{
		"network":       "simnet",
		"walletAddress": party.Hex(),
		"base":          "NOPE",
		"quote":         "USDX",
		"amount":        "1",
	})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("unknown token status %d", resp.StatusCode)
	}

	// Mixed fee models are rejected before submission.
	resp, _ = post(t, srv.URL+"/api/execute-quote", map[string]any{
		"network":       "simnet",
		"walletAddress": party.Hex(),
		"base":          "ETH",
		"quote":         "USDX",
		"amount":        "1",
		"gasPrice":      "1000000000",
		"maxFeePerGas":  "2000000000",
	})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("mixed fee models status %d", resp.StatusCode)
	}
}

func TestExecuteQuoteSimulationError(t *testing.T) {
	adapter := &tAdapter{
		sendErr: chain.MatchRevert("execution reverted: Too little received"),
	}
	engine := &tEngine{plan: &quote.Plan{Calldata: []byte{0x01}, Value: new(big.Int)}}
	srv, shutdown := newTestServer(t, adapter, engine)
	defer shutdown()

	resp, body := post(t, srv.URL+"/api/execute-quote", map[string]any{
		"network":       "simnet",
		"walletAddress": common.HexToAddress("0xabcd").Hex(),
		"base":          "ETH",
		"quote":         "USDX",
		"amount":        "1",
	})
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("status %d: %s", resp.StatusCode, body)
	}
	var res errorResponse
	if err := json.Unmarshal(body, &res); err != nil {
		t.Fatalf("unmarshal error: %v", err)
	}
	if res.OK || res.Reason == "" {
		t.Fatalf("no actionable reason: %s", body)
	}
}

func TestFeesAndTxEndpoints(t *testing.T) {
	txHash := common.HexToHash("0x0102")
	adapter := &tAdapter{
		fees: &chain.FeeQuote{
			Model:                chain.FeeModelDynamic,
			MaxFeePerGas:         big.NewInt(22_000_000_000),
			MaxPriorityFeePerGas: big.NewInt(2_000_000_000),
		},
		txRec: &chain.SubmissionRecord{TxHash: txHash, Status: chain.StatusConfirmed},
	}
	srv, shutdown := newTestServer(t, adapter, &tEngine{})
	defer shutdown()

	resp, err := http.Get(srv.URL + "/api/fees/simnet")
	if err != nil || resp.StatusCode != http.StatusOK {
		t.Fatalf("fees request failed: %v / %v", err, resp)
	}
	var feeRes struct {
		OK    bool   `json:"ok"`
		Model string `json:"model"`
	}
	json.NewDecoder(resp.Body).Decode(&feeRes)
	resp.Body.Close()
	if !feeRes.OK || feeRes.Model != "dynamic" {
		t.Fatalf("bad fee response: %+v", feeRes)
	}

	resp, err = http.Get(srv.URL + "/api/tx/simnet/" + txHash.Hex())
	if err != nil || resp.StatusCode != http.StatusOK {
		t.Fatalf("tx request failed: %v / %v", err, resp)
	}
	var txRes struct {
		OK     bool `json:"ok"`
		Status int  `json:"status"`
	}
	json.NewDecoder(resp.Body).Decode(&txRes)
	resp.Body.Close()
	if !txRes.OK || txRes.Status != codeConfirmed {
		t.Fatalf("bad tx response: %+v", txRes)
	}

	resp, err = http.Get(srv.URL + "/api/tx/simnet/nothex")
	if err != nil {
		t.Fatalf("tx request failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("invalid txid status %d", resp.StatusCode)
	}
}
