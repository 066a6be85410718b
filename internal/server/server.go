package server

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"rwamarket/internal/amount"
	"rwamarket/internal/catalog"
	"rwamarket/internal/config"
	"rwamarket/internal/hmacauth"
	"rwamarket/internal/idempotency"
	"rwamarket/internal/ledger"
	"rwamarket/internal/purchase"
	"rwamarket/internal/txn"
	"rwamarket/internal/verification"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Purchaser runs one purchase attempt.
type Purchaser interface {
	Run(ctx context.Context, req purchase.Request, obs purchase.Observer) (purchase.Result, error)
}

// StatusReader looks up a submitted transaction.
type StatusReader interface {
	GetStatus(ctx context.Context, hash common.Hash) (txn.Record, error)
}

// Deps are the collaborators the HTTP surface drives. Verification may be nil,
// which disables the verified-buyer gate.
type Deps struct {
	Purchases    Purchaser
	Wallet       purchase.Wallet
	Catalog      *catalog.Catalog
	Balances     purchase.Inspector
	Converter    *amount.Converter
	Tracker      StatusReader
	Verification verification.Registry
	Store        idempotency.Store
	Ledger       ledger.HealthChecker
}

type Server struct {
	cfg              *config.AppConfig
	deps             Deps
	hmac             *hmacauth.Verifier
	verificationHMAC *hmacauth.Verifier
	inflight         *inflight
	httpServer       *http.Server
	metrics          *metricsRegistry
	dbHealthFn       func(context.Context) error
	rpcHealthFn      func(context.Context) error
}

func NewServer(cfg *config.AppConfig, deps Deps) *Server {
	hmacVerifier := &hmacauth.Verifier{
		Secret:  cfg.Seed.Secrets.HMACSalt,
		MaxSkew: cfg.Service.HMACClockSkew,
	}

	verificationVerifier := &hmacauth.Verifier{
		Secret:          cfg.Seed.Secrets.VerificationWebhookSecret,
		MaxSkew:         cfg.Service.HMACClockSkew,
		SignatureHeader: "X-Verification-Signature",
		TimestampHeader: hmacauth.DefaultTimestampHeader,
	}

	metrics := newMetricsRegistry()

	s := &Server{
		cfg:              cfg,
		deps:             deps,
		hmac:             hmacVerifier,
		verificationHMAC: verificationVerifier,
		inflight:         newInflight(),
		metrics:          metrics,
	}

	if checker, ok := deps.Store.(interface{ Ping(context.Context) error }); ok {
		s.dbHealthFn = checker.Ping
	}
	if deps.Ledger != nil {
		s.rpcHealthFn = deps.Ledger.Ping
	}

	s.httpServer = &http.Server{
		Addr:              ":" + strconv.Itoa(cfg.Service.HTTPPort),
		Handler:           s.routes(),
		ReadHeaderTimeout: 15 * time.Second,
	}
	return s
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)

	r.Route("/api/v1", func(r chi.Router) {
		r.With(s.hmac.Middleware).Post("/purchases", s.handlePurchase)
		r.With(s.verificationHMAC.Middleware).Post("/callbacks/verification", s.handleVerificationCallback)
		r.Get("/transactions/{hash}", s.handleTransactionStatus)
		r.Get("/balances/{address}", s.handleBalance)
		r.Get("/assets", s.handleListAssets)
		r.Get("/assets/{id}", s.handleGetAsset)
		r.Handle("/metrics", s.metrics.handler())
		r.Get("/health", s.handleHealth)
	})
	return r
}

func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

func (s *Server) Start() error {
	log.Printf("API listening on %s", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

type purchaseRequest struct {
	BuyerAddress string  `json:"buyerAddress"`
	AssetID      *uint64 `json:"assetId"`
	Tokens       uint64  `json:"tokens"`
	USDValue     string  `json:"usdValue"`
}

type purchaseResponse struct {
	AttemptID      string           `json:"attemptId"`
	Buyer          string           `json:"buyer"`
	Amount         string           `json:"amount"`
	ApprovalTxHash string           `json:"approvalTxHash,omitempty"`
	PurchaseTxHash string           `json:"purchaseTxHash"`
	BlockNumber    uint64           `json:"blockNumber"`
	Events         []purchase.Event `json:"events"`
}

type failureResponse struct {
	Error          string           `json:"error"`
	Kind           string           `json:"kind"`
	Step           string           `json:"step,omitempty"`
	Message        string           `json:"message"`
	Required       string           `json:"required,omitempty"`
	Available      string           `json:"available,omitempty"`
	ApprovalTxHash string           `json:"approvalTxHash,omitempty"`
	TxHash         string           `json:"txHash,omitempty"`
	Events         []purchase.Event `json:"events,omitempty"`
}

func (s *Server) handlePurchase(w http.ResponseWriter, r *http.Request) {
	key := strings.TrimSpace(r.Header.Get("X-Idempotency-Key"))
	if key == "" {
		http.Error(w, "missing X-Idempotency-Key header", http.StatusBadRequest)
		return
	}

	ctx := r.Context()

	existing, err := s.deps.Store.Get(ctx, key)
	if err != nil {
		log.Printf("idempotency: get %s: %v", key, err)
		http.Error(w, "idempotency store unavailable", http.StatusInternalServerError)
		return
	}
	if existing != nil {
		if existing.InProgress() {
			writeJSON(w, http.StatusConflict, map[string]string{"error": "request with this idempotency key is still running"})
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(existing.StatusCode)
		_, _ = w.Write(existing.Response)
		s.metrics.incPurchase("cached")
		return
	}

	var payload purchaseRequest
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, "invalid json payload", http.StatusBadRequest)
		return
	}

	req, status, err := s.buildRequest(ctx, payload)
	if err != nil {
		s.writeFailure(w, status, err, nil)
		return
	}

	if s.deps.Verification != nil {
		if err := verification.Require(ctx, s.deps.Verification, req.Buyer); err != nil {
			if errors.Is(err, verification.ErrNotVerified) {
				writeJSON(w, http.StatusForbidden, map[string]string{"error": err.Error()})
				return
			}
			http.Error(w, "verification lookup failed: "+err.Error(), http.StatusBadGateway)
			return
		}
	}

	release, ok := s.inflight.acquire(req.Buyer)
	if !ok {
		writeJSON(w, http.StatusConflict, map[string]string{"error": "a purchase for this buyer is already in progress"})
		return
	}
	defer release()

	claimed, err := s.deps.Store.Claim(ctx, key, time.Now().Add(s.cfg.Service.IdempotencyWindow))
	if err != nil {
		http.Error(w, "idempotency store unavailable", http.StatusInternalServerError)
		return
	}
	if !claimed {
		writeJSON(w, http.StatusConflict, map[string]string{"error": "request with this idempotency key is still running"})
		return
	}

	// The attempt outlives the client connection once transactions may be in flight.
	runCtx := context.WithoutCancel(ctx)
	recorder := &purchase.Recorder{}
	res, err := s.deps.Purchases.Run(runCtx, req, purchase.Tee(recorder, s.metrics.observer()))
	if err != nil {
		code := statusFor(err)
		body := s.failureBody(err, recorder.Events)
		if submitted(err) {
			s.remember(runCtx, key, code, body)
		} else if relErr := s.deps.Store.Release(runCtx, key); relErr != nil {
			log.Printf("idempotency: release %s: %v", key, relErr)
		}
		s.metrics.incPurchase(purchase.KindName(err))
		writeRaw(w, code, body)
		return
	}

	if res.ApprovalTxHash == "" {
		s.metrics.incApprovalSkipped()
	}
	body, _ := json.Marshal(purchaseResponse{
		AttemptID:      res.AttemptID,
		Buyer:          res.Buyer.Hex(),
		Amount:         s.deps.Converter.Format(res.Amount),
		ApprovalTxHash: res.ApprovalTxHash,
		PurchaseTxHash: res.PurchaseTxHash,
		BlockNumber:    res.Purchase.BlockNumber,
		Events:         recorder.Events,
	})
	s.remember(runCtx, key, http.StatusCreated, body)
	s.metrics.incPurchase("settled")
	writeRaw(w, http.StatusCreated, body)
}

// buildRequest resolves the asset, the USD value and the buyer for a payload.
func (s *Server) buildRequest(ctx context.Context, p purchaseRequest) (purchase.Request, int, error) {
	if p.AssetID == nil {
		return purchase.Request{}, http.StatusBadRequest, &purchase.Error{Kind: purchase.ErrInvalidRequest, Err: errors.New("assetId is required")}
	}
	asset, err := s.deps.Catalog.Get(*p.AssetID)
	if err != nil {
		return purchase.Request{}, http.StatusNotFound, &purchase.Error{Kind: purchase.ErrInvalidRequest, Err: err}
	}

	var usd decimal.Decimal
	switch {
	case p.Tokens > 0 && p.USDValue != "":
		return purchase.Request{}, http.StatusBadRequest, &purchase.Error{Kind: purchase.ErrInvalidRequest, Err: errors.New("give either tokens or usdValue, not both")}
	case p.Tokens > 0:
		usd, err = asset.Quote(p.Tokens)
		if err != nil {
			return purchase.Request{}, http.StatusUnprocessableEntity, &purchase.Error{Kind: purchase.ErrInvalidAmount, Err: err}
		}
	case p.USDValue != "":
		usd, err = decimal.NewFromString(strings.TrimSpace(p.USDValue))
		if err != nil {
			return purchase.Request{}, http.StatusBadRequest, &purchase.Error{Kind: purchase.ErrInvalidAmount, Err: err}
		}
	default:
		return purchase.Request{}, http.StatusBadRequest, &purchase.Error{Kind: purchase.ErrInvalidAmount, Err: errors.New("tokens or usdValue is required")}
	}

	var buyer common.Address
	if p.BuyerAddress != "" {
		if !common.IsHexAddress(p.BuyerAddress) {
			return purchase.Request{}, http.StatusBadRequest, &purchase.Error{Kind: purchase.ErrInvalidRequest, Err: errors.New("buyerAddress is not an address")}
		}
		buyer = common.HexToAddress(p.BuyerAddress)
	} else {
		if s.deps.Wallet == nil {
			return purchase.Request{}, http.StatusServiceUnavailable, &purchase.Error{Kind: purchase.ErrWalletUnavailable, Err: errors.New("no signing capability configured")}
		}
		buyer, err = s.deps.Wallet.SignerAddress(ctx)
		if err != nil {
			return purchase.Request{}, http.StatusServiceUnavailable, &purchase.Error{Kind: purchase.ErrWalletUnavailable, Err: err}
		}
	}

	return purchase.Request{
		Buyer:         buyer,
		AssetID:       asset.OnChainID(),
		USDValue:      usd,
		MinInvestment: asset.MinInvestment,
	}, 0, nil
}

func (s *Server) failureBody(err error, events []purchase.Event) []byte {
	resp := failureResponse{
		Error:   err.Error(),
		Kind:    purchase.KindName(err),
		Message: purchase.Message(err),
		Events:  events,
	}
	var perr *purchase.Error
	if errors.As(err, &perr) {
		resp.Step = string(perr.Step)
		resp.ApprovalTxHash = perr.ApprovalTxHash
		resp.TxHash = perr.TxHash
		if errors.Is(err, purchase.ErrInsufficientBalance) {
			resp.Required = s.deps.Converter.Format(perr.Required)
			resp.Available = s.deps.Converter.Format(perr.Available)
		}
	}
	body, _ := json.Marshal(resp)
	return body
}

func (s *Server) writeFailure(w http.ResponseWriter, code int, err error, events []purchase.Event) {
	writeRaw(w, code, s.failureBody(err, events))
}

func (s *Server) remember(ctx context.Context, key string, code int, body []byte) {
	now := time.Now()
	record := idempotency.Record{
		StatusCode: code,
		Response:   body,
		CreatedAt:  now,
		ExpiresAt:  now.Add(s.cfg.Service.IdempotencyWindow),
	}
	if err := s.deps.Store.Save(ctx, key, record); err != nil {
		log.Printf("idempotency: save %s: %v", key, err)
	}
}

// submitted reports whether the failed attempt left a transaction on the ledger,
// in which case replaying the key must return the recorded outcome instead of
// running again.
func submitted(err error) bool {
	var perr *purchase.Error
	if !errors.As(err, &perr) {
		return false
	}
	return perr.TxHash != "" || perr.ApprovalTxHash != ""
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, txn.ErrTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, purchase.ErrInvalidRequest), errors.Is(err, purchase.ErrInvalidAmount):
		return http.StatusBadRequest
	case errors.Is(err, purchase.ErrBelowMinimum), errors.Is(err, purchase.ErrInsufficientBalance):
		return http.StatusUnprocessableEntity
	case errors.Is(err, purchase.ErrApprovalFailed), errors.Is(err, purchase.ErrPurchaseFailed):
		return http.StatusConflict
	case errors.Is(err, purchase.ErrWalletUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, purchase.ErrNetwork):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

type verificationCallbackRequest struct {
	Address  string `json:"address"`
	Verified bool   `json:"verified"`
}

func (s *Server) handleVerificationCallback(w http.ResponseWriter, r *http.Request) {
	if s.deps.Verification == nil {
		http.Error(w, "verification is not enabled", http.StatusNotFound)
		return
	}

	var payload verificationCallbackRequest
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, "invalid json payload", http.StatusBadRequest)
		return
	}
	if !common.IsHexAddress(payload.Address) {
		http.Error(w, "address is required", http.StatusBadRequest)
		return
	}

	outcome := verification.Outcome{
		Address:  common.HexToAddress(payload.Address),
		Verified: payload.Verified,
		At:       time.Now().UTC(),
	}
	if err := s.deps.Verification.Record(r.Context(), outcome); err != nil {
		http.Error(w, "failed to record outcome: "+err.Error(), http.StatusInternalServerError)
		return
	}
	log.Printf("verification: %s verified=%t", outcome.Address.Hex(), outcome.Verified)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"address":  outcome.Address.Hex(),
		"verified": outcome.Verified,
	})
}

type transactionResponse struct {
	Hash        string `json:"hash"`
	Status      string `json:"status"`
	BlockNumber uint64 `json:"blockNumber,omitempty"`
	GasUsed     uint64 `json:"gasUsed,omitempty"`
}

func (s *Server) handleTransactionStatus(w http.ResponseWriter, r *http.Request) {
	hash, err := txn.ParseHash(chi.URLParam(r, "hash"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	rec, err := s.deps.Tracker.GetStatus(r.Context(), hash)
	if err != nil {
		s.metrics.incStatusPoll("error")
		http.Error(w, "status lookup failed: "+err.Error(), http.StatusBadGateway)
		return
	}
	s.metrics.incStatusPoll(string(rec.Status))
	writeJSON(w, http.StatusOK, transactionResponse{
		Hash:        rec.Hash.Hex(),
		Status:      string(rec.Status),
		BlockNumber: rec.BlockNumber,
		GasUsed:     rec.GasUsed,
	})
}

type balanceResponse struct {
	Address   string `json:"address"`
	Balance   string `json:"balance"`
	Allowance string `json:"allowance"`
	Spender   string `json:"spender"`
}

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	raw := chi.URLParam(r, "address")
	if !common.IsHexAddress(raw) {
		http.Error(w, "invalid address", http.StatusBadRequest)
		return
	}
	owner := common.HexToAddress(raw)
	spender := s.cfg.SaleAddress()

	bal, err := s.deps.Balances.Balance(r.Context(), owner)
	if err != nil {
		http.Error(w, "balance lookup failed: "+err.Error(), http.StatusBadGateway)
		return
	}
	allowance, err := s.deps.Balances.Allowance(r.Context(), owner, spender)
	if err != nil {
		http.Error(w, "allowance lookup failed: "+err.Error(), http.StatusBadGateway)
		return
	}
	writeJSON(w, http.StatusOK, balanceResponse{
		Address:   owner.Hex(),
		Balance:   s.deps.Converter.Format(bal),
		Allowance: s.deps.Converter.Format(allowance),
		Spender:   spender.Hex(),
	})
}

func (s *Server) handleListAssets(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Catalog.List())
}

func (s *Server) handleGetAsset(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		http.Error(w, "invalid asset id", http.StatusBadRequest)
		return
	}
	asset, err := s.deps.Catalog.Get(id)
	if errors.Is(err, catalog.ErrNotFound) {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, asset)
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	body, err := json.Marshal(v)
	if err != nil {
		http.Error(w, "encode response", http.StatusInternalServerError)
		return
	}
	writeRaw(w, code, body)
}

func writeRaw(w http.ResponseWriter, code int, body []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, _ = w.Write(body)
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-Id")
		if id == "" {
			id = uuid.NewString()
			r.Header.Set("X-Request-Id", id)
		}
		w.Header().Set("X-Request-Id", id)
		next.ServeHTTP(w, r)
	})
}
