package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"rwamarket/internal/amount"
	"rwamarket/internal/catalog"
	"rwamarket/internal/config"
	"rwamarket/internal/hmacauth"
	"rwamarket/internal/idempotency"
	"rwamarket/internal/ledger"
	"rwamarket/internal/purchase"
	"rwamarket/internal/token"
	"rwamarket/internal/txn"
	"rwamarket/internal/verification"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	buyer   = common.HexToAddress("0x00000000000000000000000000000000000000b1")
	tokenAt = common.HexToAddress("0x00000000000000000000000000000000000000c1")
	saleAt  = common.HexToAddress("0x00000000000000000000000000000000000000d1")
)

const (
	apiSecret      = "api-secret"
	providerSecret = "provider-secret"
	assetID        = 7
	otherAssetID   = 8
)

type harness struct {
	srv      *Server
	fake     *ledger.FakeLedger
	registry *verification.MemoryRegistry
	store    *idempotency.MemoryStore
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	cfg := &config.AppConfig{
		Service: config.ServiceConfig{
			HMACClockSkew:     time.Minute,
			IdempotencyWindow: time.Minute,
		},
		Chain: config.ChainConfig{ChainID: 1114},
	}
	cfg.Seed.Secrets.HMACSalt = apiSecret
	cfg.Seed.Secrets.VerificationWebhookSecret = providerSecret
	cfg.Deployment.Contracts.PaymentToken = tokenAt.Hex()
	cfg.Deployment.Contracts.AssetSale = saleAt.Hex()

	cat, err := catalog.New([]config.AssetSeed{{
		ID:            assetID,
		Title:         "Harbour Loft",
		Category:      "real-estate",
		PricePerToken: "50",
		MinInvestment: "100",
		TokenSupply:   1000,
		TokensSold:    100,
	}, {
		ID:            otherAssetID,
		Title:         "Orchard Parcel",
		Category:      "agriculture",
		PricePerToken: "20",
		TokenSupply:   500,
	}})
	require.NoError(t, err)

	fake := ledger.NewFakeLedger(ledger.FakeLedgerConfig{ChainID: 1114, Signer: buyer, Token: tokenAt, Sale: saleAt, Decimals: 6})
	conv, err := amount.NewConverter(6)
	require.NoError(t, err)

	insp := token.NewInspector(fake, tokenAt)
	exec := txn.NewExecutor(fake, txn.ExecutorConfig{
		PaymentToken: tokenAt,
		Sale:         saleAt,
		Wait:         txn.WaitPolicy{PollInterval: time.Millisecond, Timeout: time.Second},
	})
	orch := purchase.New(purchase.Config{Sale: saleAt, ChainID: 1114}, conv, fake, insp, exec)

	registry := verification.NewMemoryRegistry()
	store := idempotency.NewMemoryStore()

	srv := NewServer(cfg, Deps{
		Purchases:    orch,
		Wallet:       fake,
		Catalog:      cat,
		Balances:     insp,
		Converter:    conv,
		Tracker:      txn.NewTracker(fake),
		Verification: registry,
		Store:        store,
		Ledger:       fake,
	})
	return &harness{srv: srv, fake: fake, registry: registry, store: store}
}

func usdc(whole int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(whole), big.NewInt(1_000_000))
}

func (h *harness) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.srv.Handler().ServeHTTP(rec, req)
	return rec
}

func signed(method, path, secret, sigHeader string, body []byte) *http.Request {
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	ts := strconv.FormatInt(time.Now().Unix(), 10)
	req.Header.Set(hmacauth.DefaultTimestampHeader, ts)
	req.Header.Set(sigHeader, hmacauth.Sign(secret, ts, body))
	return req
}

func (h *harness) buy(t *testing.T, key string, payload map[string]interface{}) *httptest.ResponseRecorder {
	t.Helper()
	body, err := json.Marshal(payload)
	require.NoError(t, err)
	req := signed(http.MethodPost, "/api/v1/purchases", apiSecret, hmacauth.DefaultSignatureHeader, body)
	if key != "" {
		req.Header.Set("X-Idempotency-Key", key)
	}
	return h.do(req)
}

func (h *harness) verify(t *testing.T, addr common.Address, verified bool) {
	t.Helper()
	body, err := json.Marshal(map[string]interface{}{"address": addr.Hex(), "verified": verified})
	require.NoError(t, err)
	rec := h.do(signed(http.MethodPost, "/api/v1/callbacks/verification", providerSecret, "X-Verification-Signature", body))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

func (h *harness) sentMethods() []string {
	var out []string
	for _, c := range h.fake.Sent() {
		out = append(out, c.Method)
	}
	return out
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), v), rec.Body.String())
}

func TestPurchaseSettlesAndReplays(t *testing.T) {
	h := newHarness(t)
	h.verify(t, buyer, true)
	h.fake.SetBalance(buyer, usdc(1000))

	rec := h.buy(t, "key-1", map[string]interface{}{"assetId": assetID, "tokens": 3})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var resp purchaseResponse
	decode(t, rec, &resp)
	assert.NotEmpty(t, resp.AttemptID)
	assert.Equal(t, "150", resp.Amount)
	assert.NotEmpty(t, resp.ApprovalTxHash)
	assert.NotEmpty(t, resp.PurchaseTxHash)
	require.Len(t, resp.Events, 3)
	assert.Equal(t, purchase.StepChecking, resp.Events[0].Step)
	assert.Equal(t, purchase.StepApproving, resp.Events[1].Step)
	assert.Equal(t, purchase.StepPurchasing, resp.Events[2].Step)

	assert.Equal(t, usdc(150).String(), h.fake.Purchased(buyer, big.NewInt(assetID)).String())
	assert.Equal(t, usdc(850).String(), h.fake.Balance(buyer).String())

	replay := h.buy(t, "key-1", map[string]interface{}{"assetId": assetID, "tokens": 3})
	require.Equal(t, http.StatusCreated, replay.Code)
	assert.Equal(t, rec.Body.Bytes(), replay.Body.Bytes())
	assert.Equal(t, []string{"approve", "buyTokens"}, h.sentMethods())
}

func TestPurchaseSkipsApprovalWhenAllowanceCovers(t *testing.T) {
	h := newHarness(t)
	h.verify(t, buyer, true)
	h.fake.SetBalance(buyer, usdc(1000))
	h.fake.SetAllowance(buyer, saleAt, usdc(500))

	rec := h.buy(t, "key-1", map[string]interface{}{"assetId": assetID, "usdValue": "250.5"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var resp purchaseResponse
	decode(t, rec, &resp)
	assert.Empty(t, resp.ApprovalTxHash)
	assert.Equal(t, "250.5", resp.Amount)
	require.Len(t, resp.Events, 2)
	assert.Equal(t, purchase.StepPurchasing, resp.Events[1].Step)
	assert.Equal(t, []string{"buyTokens"}, h.sentMethods())
}

func TestPurchaseRequiresVerifiedBuyer(t *testing.T) {
	h := newHarness(t)
	h.fake.SetBalance(buyer, usdc(1000))

	rec := h.buy(t, "key-1", map[string]interface{}{"assetId": assetID, "tokens": 3})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	h.verify(t, buyer, true)
	h.verify(t, buyer, false)
	rec = h.buy(t, "key-2", map[string]interface{}{"assetId": assetID, "tokens": 3})
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Empty(t, h.fake.Sent())
}

func TestPurchaseInsufficientBalanceReleasesKey(t *testing.T) {
	h := newHarness(t)
	h.verify(t, buyer, true)
	h.fake.SetBalance(buyer, usdc(10))

	rec := h.buy(t, "key-1", map[string]interface{}{"assetId": assetID, "tokens": 3})
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code, rec.Body.String())

	var fail failureResponse
	decode(t, rec, &fail)
	assert.Equal(t, "insufficient_balance", fail.Kind)
	assert.Equal(t, "checking", fail.Step)
	assert.Equal(t, "150", fail.Required)
	assert.Equal(t, "10", fail.Available)
	assert.Equal(t, "Insufficient balance. Please top up your wallet and try again.", fail.Message)
	assert.Empty(t, h.fake.Sent())

	h.fake.SetBalance(buyer, usdc(1000))
	rec = h.buy(t, "key-1", map[string]interface{}{"assetId": assetID, "tokens": 3})
	assert.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
}

func TestPurchaseBelowMinimum(t *testing.T) {
	h := newHarness(t)
	h.verify(t, buyer, true)
	h.fake.SetBalance(buyer, usdc(1000))

	rec := h.buy(t, "key-1", map[string]interface{}{"assetId": assetID, "tokens": 1})
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	var fail failureResponse
	decode(t, rec, &fail)
	assert.Equal(t, "below_minimum", fail.Kind)
	assert.Empty(t, h.fake.Sent())
}

func TestPurchaseRejectsBadInput(t *testing.T) {
	h := newHarness(t)
	h.verify(t, buyer, true)

	cases := map[string]struct {
		payload map[string]interface{}
		code    int
		kind    string
	}{
		"missing asset":   {map[string]interface{}{"tokens": 1}, http.StatusBadRequest, "invalid_request"},
		"unknown asset":   {map[string]interface{}{"assetId": 99, "tokens": 1}, http.StatusNotFound, "invalid_request"},
		"no amount":       {map[string]interface{}{"assetId": assetID}, http.StatusBadRequest, "invalid_amount"},
		"both amounts":    {map[string]interface{}{"assetId": assetID, "tokens": 1, "usdValue": "50"}, http.StatusBadRequest, "invalid_request"},
		"garbage value":   {map[string]interface{}{"assetId": assetID, "usdValue": "lots"}, http.StatusBadRequest, "invalid_amount"},
		"negative value":  {map[string]interface{}{"assetId": assetID, "usdValue": "-5"}, http.StatusBadRequest, "invalid_amount"},
		"too many tokens": {map[string]interface{}{"assetId": assetID, "tokens": 901}, http.StatusUnprocessableEntity, "invalid_amount"},
		"bad buyer":       {map[string]interface{}{"assetId": assetID, "tokens": 1, "buyerAddress": "nope"}, http.StatusBadRequest, "invalid_request"},
	}

	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			rec := h.buy(t, "key-"+name, tc.payload)
			require.Equal(t, tc.code, rec.Code, rec.Body.String())
			var fail failureResponse
			decode(t, rec, &fail)
			assert.Equal(t, tc.kind, fail.Kind)
		})
	}
	assert.Empty(t, h.fake.Sent())
}

func TestPurchaseFailureKeepsApproval(t *testing.T) {
	h := newHarness(t)
	h.verify(t, buyer, true)
	h.fake.SetBalance(buyer, usdc(1000))
	h.fake.RevertNext("buyTokens")

	rec := h.buy(t, "key-1", map[string]interface{}{"assetId": assetID, "tokens": 3})
	require.Equal(t, http.StatusConflict, rec.Code, rec.Body.String())

	var fail failureResponse
	decode(t, rec, &fail)
	assert.Equal(t, "purchase_failed", fail.Kind)
	assert.Equal(t, "purchasing", fail.Step)
	assert.NotEmpty(t, fail.ApprovalTxHash)
	assert.NotEmpty(t, fail.TxHash)
	assert.Len(t, fail.Events, 3)

	// The failed attempt reached the ledger, so the key replays its outcome.
	replay := h.buy(t, "key-1", map[string]interface{}{"assetId": assetID, "tokens": 3})
	assert.Equal(t, rec.Body.Bytes(), replay.Body.Bytes())

	retry := h.buy(t, "key-2", map[string]interface{}{"assetId": assetID, "tokens": 3})
	require.Equal(t, http.StatusCreated, retry.Code, retry.Body.String())
	var resp purchaseResponse
	decode(t, retry, &resp)
	assert.Empty(t, resp.ApprovalTxHash)
	assert.Equal(t, []string{"approve", "buyTokens", "buyTokens"}, h.sentMethods())
}

func TestPurchaseConflicts(t *testing.T) {
	h := newHarness(t)
	h.verify(t, buyer, true)
	h.fake.SetBalance(buyer, usdc(1000))

	release, ok := h.srv.inflight.acquire(buyer)
	require.True(t, ok)
	rec := h.buy(t, "key-1", map[string]interface{}{"assetId": assetID, "tokens": 3})
	assert.Equal(t, http.StatusConflict, rec.Code)
	release()

	claimed, err := h.store.Claim(t.Context(), "key-2", time.Now().Add(time.Minute))
	require.NoError(t, err)
	require.True(t, claimed)
	rec = h.buy(t, "key-2", map[string]interface{}{"assetId": assetID, "tokens": 3})
	assert.Equal(t, http.StatusConflict, rec.Code)

	assert.Empty(t, h.fake.Sent())
}

// The allowance is one counter per buyer and sale contract, so a second purchase
// for a different asset must wait until the first one finishes.
func TestPurchaseSerializesPerBuyerAcrossAssets(t *testing.T) {
	h := newHarness(t)
	h.verify(t, buyer, true)
	h.fake.SetBalance(buyer, usdc(1000))
	h.fake.AutoMine = false

	body := []byte(`{"assetId":7,"tokens":3}`)
	req := signed(http.MethodPost, "/api/v1/purchases", apiSecret, hmacauth.DefaultSignatureHeader, body)
	req.Header.Set("X-Idempotency-Key", "key-1")

	first := make(chan *httptest.ResponseRecorder, 1)
	go func() {
		first <- h.do(req)
	}()
	require.Eventually(t, func() bool { return len(h.fake.Sent()) == 1 }, time.Second, time.Millisecond)

	second := h.buy(t, "key-2", map[string]interface{}{"assetId": otherAssetID, "usdValue": "100"})
	assert.Equal(t, http.StatusConflict, second.Code, second.Body.String())

	var rec *httptest.ResponseRecorder
	require.Eventually(t, func() bool {
		h.fake.Mine()
		select {
		case rec = <-first:
			return true
		default:
			return false
		}
	}, time.Second, 5*time.Millisecond)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	h.fake.AutoMine = true
	rec = h.buy(t, "key-2", map[string]interface{}{"assetId": otherAssetID, "usdValue": "100"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, []string{"approve", "buyTokens", "approve", "buyTokens"}, h.sentMethods())
}

func TestPurchaseRejectedBeforeSubmissionReleasesKey(t *testing.T) {
	h := newHarness(t)
	h.verify(t, buyer, true)
	h.fake.SetBalance(buyer, usdc(1000))
	h.fake.RejectNext()

	rec := h.buy(t, "key-1", map[string]interface{}{"assetId": assetID, "tokens": 3})
	require.Equal(t, http.StatusConflict, rec.Code, rec.Body.String())
	var fail failureResponse
	decode(t, rec, &fail)
	assert.Equal(t, "approval_failed", fail.Kind)
	assert.Empty(t, fail.TxHash)
	assert.Equal(t, "Transaction was cancelled in your wallet.", fail.Message)

	stored, err := h.store.Get(t.Context(), "key-1")
	require.NoError(t, err)
	assert.Nil(t, stored)

	rec = h.buy(t, "key-1", map[string]interface{}{"assetId": assetID, "tokens": 3})
	assert.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
}

type brokenStore struct {
	*idempotency.MemoryStore
}

func (brokenStore) Get(context.Context, string) (*idempotency.Record, error) {
	return nil, errors.New("connection refused")
}

func TestPurchaseStoreFailure(t *testing.T) {
	h := newHarness(t)
	h.verify(t, buyer, true)
	h.fake.SetBalance(buyer, usdc(1000))
	h.srv.deps.Store = brokenStore{h.store}

	rec := h.buy(t, "key-1", map[string]interface{}{"assetId": assetID, "tokens": 3})
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Empty(t, h.fake.Sent())
}

func TestPurchaseRequestChecks(t *testing.T) {
	h := newHarness(t)

	rec := h.buy(t, "", map[string]interface{}{"assetId": assetID, "tokens": 3})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	body := []byte(`{"assetId":7,"tokens":3}`)
	req := signed(http.MethodPost, "/api/v1/purchases", "wrong-secret", hmacauth.DefaultSignatureHeader, body)
	req.Header.Set("X-Idempotency-Key", "key-1")
	rec = h.do(req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestVerificationCallbackRequiresProviderSignature(t *testing.T) {
	h := newHarness(t)

	body := []byte(`{"address":"` + buyer.Hex() + `","verified":true}`)
	rec := h.do(signed(http.MethodPost, "/api/v1/callbacks/verification", apiSecret, "X-Verification-Signature", body))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	ok, err := h.registry.IsVerified(t.Context(), buyer)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestTransactionStatus(t *testing.T) {
	h := newHarness(t)
	h.verify(t, buyer, true)
	h.fake.SetBalance(buyer, usdc(1000))

	rec := h.buy(t, "key-1", map[string]interface{}{"assetId": assetID, "tokens": 3})
	require.Equal(t, http.StatusCreated, rec.Code)
	var resp purchaseResponse
	decode(t, rec, &resp)

	status := h.do(httptest.NewRequest(http.MethodGet, "/api/v1/transactions/"+resp.PurchaseTxHash, nil))
	require.Equal(t, http.StatusOK, status.Code)
	var tx transactionResponse
	decode(t, status, &tx)
	assert.Equal(t, "confirmed", tx.Status)
	assert.NotZero(t, tx.BlockNumber)

	unknown := common.HexToHash("0x01").Hex()
	status = h.do(httptest.NewRequest(http.MethodGet, "/api/v1/transactions/"+unknown, nil))
	require.Equal(t, http.StatusOK, status.Code)
	decode(t, status, &tx)
	assert.Equal(t, "pending", tx.Status)

	status = h.do(httptest.NewRequest(http.MethodGet, "/api/v1/transactions/0xzz", nil))
	assert.Equal(t, http.StatusBadRequest, status.Code)
}

func TestBalanceEndpoint(t *testing.T) {
	h := newHarness(t)
	h.fake.SetBalance(buyer, big.NewInt(12_340_000))
	h.fake.SetAllowance(buyer, saleAt, usdc(5))

	rec := h.do(httptest.NewRequest(http.MethodGet, "/api/v1/balances/"+buyer.Hex(), nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp balanceResponse
	decode(t, rec, &resp)
	assert.Equal(t, "12.34", resp.Balance)
	assert.Equal(t, "5", resp.Allowance)
	assert.Equal(t, saleAt.Hex(), resp.Spender)

	h.fake.FailReads(ledger.ErrNetwork)
	rec = h.do(httptest.NewRequest(http.MethodGet, "/api/v1/balances/"+buyer.Hex(), nil))
	assert.Equal(t, http.StatusBadGateway, rec.Code)

	rec = h.do(httptest.NewRequest(http.MethodGet, "/api/v1/balances/not-an-address", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAssetEndpoints(t *testing.T) {
	h := newHarness(t)

	rec := h.do(httptest.NewRequest(http.MethodGet, "/api/v1/assets", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var list []catalog.Asset
	decode(t, rec, &list)
	require.Len(t, list, 2)
	assert.Equal(t, "Harbour Loft", list[0].Title)

	rec = h.do(httptest.NewRequest(http.MethodGet, "/api/v1/assets/7", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = h.do(httptest.NewRequest(http.MethodGet, "/api/v1/assets/9", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHealthAndMetrics(t *testing.T) {
	h := newHarness(t)
	h.verify(t, buyer, true)
	h.fake.SetBalance(buyer, usdc(1000))
	require.Equal(t, http.StatusCreated, h.buy(t, "key-1", map[string]interface{}{"assetId": assetID, "tokens": 3}).Code)

	rec := h.do(httptest.NewRequest(http.MethodGet, "/api/v1/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("X-Request-Id"))
	var health struct {
		Status string `json:"status"`
	}
	decode(t, rec, &health)
	assert.Equal(t, "healthy", health.Status)

	rec = h.do(httptest.NewRequest(http.MethodGet, "/api/v1/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `rwamarket_purchases_total{outcome="settled"} 1`)
	assert.Contains(t, string(body), `rwamarket_purchase_steps_total{step="approving"} 1`)
}
