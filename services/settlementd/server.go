package main

import (
	"encoding/hex"
	"encoding/json"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/mr-tron/base58"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"chainpay/broadcast"
	"chainpay/chains"
	"chainpay/crypto"
	"chainpay/errs"
	"chainpay/escrow"
	"chainpay/gateway/auth"
	"chainpay/gateway/middleware"
	"chainpay/observability/logging"
	"chainpay/storage"
)

const (
	maxRequestBody    = 1 << 20 // 1 MiB
	defaultPaymentTTL = 30 * time.Minute
)

// Server is the HTTP front-end for the settlement service.
type Server struct {
	store       *storage.Store
	registry    *chains.Registry
	cipher      *crypto.Cipher
	engine      *escrow.Engine
	broadcaster *broadcast.Broadcaster
	verifier    *auth.Verifier
	log         *slog.Logger
	nowFn       func() time.Time

	paymentTTL   time.Duration
	escrowFeeBps int64
	escrowTTL    time.Duration

	handler http.Handler
}

// ServerOptions tune request handling; zero values take the defaults.
type ServerOptions struct {
	PaymentTTL   time.Duration
	EscrowFeeBps int64
	EscrowTTL    time.Duration
	RateLimits   map[string]middleware.RateLimit
	CORS         middleware.CORSConfig
}

func NewServer(store *storage.Store, registry *chains.Registry, cipher *crypto.Cipher, engine *escrow.Engine, broadcaster *broadcast.Broadcaster, verifier *auth.Verifier, opts ServerOptions, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	if opts.PaymentTTL <= 0 {
		opts.PaymentTTL = defaultPaymentTTL
	}
	s := &Server{
		store:        store,
		registry:     registry,
		cipher:       cipher,
		engine:       engine,
		broadcaster:  broadcaster,
		verifier:     verifier,
		log:          log,
		nowFn:        time.Now,
		paymentTTL:   opts.PaymentTTL,
		escrowFeeBps: opts.EscrowFeeBps,
		escrowTTL:    opts.EscrowTTL,
	}
	s.handler = s.routes(opts)
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

func (s *Server) routes(opts ServerOptions) http.Handler {
	limiter := middleware.NewRateLimiter(opts.RateLimits, s.log)
	r := chi.NewRouter()
	r.Use(middleware.CORS(opts.CORS))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/v1/payments", func(sr chi.Router) {
		sr.Use(limiter.Middleware("payments"))
		sr.Use(middleware.Observe(s.log, "payments"))
		sr.Post("/", s.handleCreatePayment)
		sr.Get("/{id}", s.handleGetPayment)
	})

	r.Route("/v1/escrows", func(sr chi.Router) {
		sr.Use(limiter.Middleware("escrows"))
		sr.Use(middleware.Observe(s.log, "escrows"))
		sr.Post("/", s.handleCreateEscrow)
		sr.Get("/{id}", s.handleGetEscrow)
		sr.Post("/{id}/release", s.handleReleaseEscrow)
		sr.Post("/{id}/dispute", s.handleDisputeEscrow)
		sr.Post("/{id}/refund", s.handleRefundEscrow)
	})

	r.Route("/v1/wallets", func(sr chi.Router) {
		sr.Use(limiter.Middleware("wallets"))
		sr.Use(middleware.Observe(s.log, "wallets"))
		sr.Post("/", s.handleRegisterWallet)
		sr.Post("/{id}/session", s.handleWalletSession)
		sr.Post("/{id}/addresses", s.handleWalletAddress)
		sr.Post("/{id}/broadcast", s.handleWalletBroadcast)
		sr.Patch("/{id}", s.handlePatchWallet)
	})

	return r
}

// --- payments ---

type createPaymentRequest struct {
	BusinessID string `json:"business_id"`
	Chain      string `json:"chain"`
	Amount     string `json:"amount"`
	TTLMinutes int    `json:"ttl_minutes,omitempty"`
}

type paymentView struct {
	ID            string    `json:"id"`
	BusinessID    string    `json:"business_id"`
	Chain         string    `json:"chain"`
	Address       string    `json:"address"`
	Amount        string    `json:"amount"`
	Observed      string    `json:"observed_amount,omitempty"`
	Status        string    `json:"status"`
	Confirmations uint64    `json:"confirmations"`
	TxHash        string    `json:"tx_hash,omitempty"`
	ForwardTxHash string    `json:"forward_tx_hash,omitempty"`
	ExpiresAt     time.Time `json:"expires_at"`
	CreatedAt     time.Time `json:"created_at"`
}

func presentPayment(p *storage.Payment) paymentView {
	view := paymentView{
		ID:            p.ID.String(),
		BusinessID:    p.BusinessID.String(),
		Chain:         p.Chain,
		Address:       p.Address,
		Amount:        p.ExpectedAmount,
		Observed:      p.ObservedAmount,
		Status:        string(p.Status),
		Confirmations: p.Confirmations,
		TxHash:        p.TxHash,
		ExpiresAt:     p.ExpiresAt,
		CreatedAt:     p.CreatedAt,
	}
	// The claim sentinel is an internal marker, not a transaction hash.
	if p.ForwardTxHash != "" && p.ForwardTxHash != storage.ForwardClaimed {
		view.ForwardTxHash = p.ForwardTxHash
	}
	return view
}

func (s *Server) handleCreatePayment(w http.ResponseWriter, r *http.Request) {
	body, err := s.readBody(w, r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	var req createPaymentRequest
	if err := json.Unmarshal(body, &req); err != nil {
		s.writeError(w, errs.Validationf("invalid JSON payload"))
		return
	}
	businessID, err := uuid.Parse(strings.TrimSpace(req.BusinessID))
	if err != nil {
		s.writeError(w, errs.Validationf("business_id must be a UUID"))
		return
	}
	adapter, err := s.registry.Adapter(req.Chain)
	if err != nil {
		s.writeError(w, err)
		return
	}
	amount, ok := new(big.Int).SetString(strings.TrimSpace(req.Amount), 10)
	if !ok || amount.Sign() <= 0 {
		s.writeError(w, errs.Validationf("amount must be a positive integer in base units"))
		return
	}
	ttl := s.paymentTTL
	if req.TTLMinutes > 0 {
		ttl = time.Duration(req.TTLMinutes) * time.Minute
	}

	id := uuid.New()
	derived, err := adapter.DeriveAddress(id.String())
	if err != nil {
		s.writeError(w, errs.Wrap(errs.KindInternal, err, "derive payment address"))
		return
	}
	sealed, err := s.cipher.Encrypt(derived.PrivateKey)
	if err != nil {
		s.writeError(w, errs.Wrap(errs.KindInternal, err, "seal payment key"))
		return
	}
	if _, err := s.store.SaveDerivedAddress(r.Context(), &storage.DerivedAddress{
		OwnerID:      id.String(),
		Chain:        req.Chain,
		AccountIndex: derived.AccountIndex,
		Address:      derived.Address,
		EncryptedKey: sealed,
	}); err != nil {
		s.writeError(w, err)
		return
	}
	payment := &storage.Payment{
		ID:             id,
		BusinessID:     businessID,
		Chain:          req.Chain,
		Address:        derived.Address,
		AccountIndex:   derived.AccountIndex,
		ExpectedAmount: amount.String(),
		Status:         storage.PaymentPending,
		ExpiresAt:      s.nowFn().Add(ttl),
	}
	if err := s.store.CreatePayment(r.Context(), payment); err != nil {
		s.writeError(w, err)
		return
	}
	s.log.Info("payment created",
		"payment_id", id.String(),
		"chain", req.Chain,
		"address", derived.Address,
	)
	s.writeJSON(w, http.StatusCreated, presentPayment(payment))
}

func (s *Server) handleGetPayment(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	payment, err := s.store.Payment(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, presentPayment(payment))
}

// --- escrows ---

type createEscrowRequest struct {
	Chain              string `json:"chain"`
	Depositor          string `json:"depositor"`
	Beneficiary        string `json:"beneficiary"`
	DepositorAddress   string `json:"depositor_address"`
	BeneficiaryAddress string `json:"beneficiary_address"`
	Amount             string `json:"amount"`
	TTLHours           int    `json:"ttl_hours,omitempty"`
}

type escrowView struct {
	ID               string     `json:"id"`
	Chain            string     `json:"chain"`
	Depositor        string     `json:"depositor"`
	Beneficiary      string     `json:"beneficiary"`
	EscrowAddress    string     `json:"escrow_address"`
	Amount           string     `json:"amount"`
	FeeAmount        string     `json:"fee_amount"`
	DepositedAmount  string     `json:"deposited_amount,omitempty"`
	Status           string     `json:"status"`
	DisputeReason    string     `json:"dispute_reason,omitempty"`
	SettlementTxHash string     `json:"settlement_tx_hash,omitempty"`
	ExpiresAt        time.Time  `json:"expires_at"`
	FundedAt         *time.Time `json:"funded_at,omitempty"`
	ClosedAt         *time.Time `json:"closed_at,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
}

type createEscrowResponse struct {
	Escrow           escrowView `json:"escrow"`
	DepositorToken   string     `json:"depositor_token"`
	BeneficiaryToken string     `json:"beneficiary_token"`
}

func presentEscrow(e *storage.Escrow) escrowView {
	view := escrowView{
		ID:              e.ID.String(),
		Chain:           e.Chain,
		Depositor:       e.Depositor,
		Beneficiary:     e.Beneficiary,
		EscrowAddress:   e.EscrowAddress,
		Amount:          e.Amount,
		FeeAmount:       e.FeeAmount,
		DepositedAmount: e.DepositedAmount,
		Status:          string(e.Status),
		DisputeReason:   e.DisputeReason,
		ExpiresAt:       e.ExpiresAt,
		FundedAt:        e.FundedAt,
		ClosedAt:        e.ClosedAt,
		CreatedAt:       e.CreatedAt,
	}
	if e.SettlementTxHash != "" && e.SettlementTxHash != storage.ForwardClaimed {
		view.SettlementTxHash = e.SettlementTxHash
	}
	return view
}

func (s *Server) handleCreateEscrow(w http.ResponseWriter, r *http.Request) {
	body, err := s.readBody(w, r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	var req createEscrowRequest
	if err := json.Unmarshal(body, &req); err != nil {
		s.writeError(w, errs.Validationf("invalid JSON payload"))
		return
	}
	ttl := s.escrowTTL
	if req.TTLHours > 0 {
		ttl = time.Duration(req.TTLHours) * time.Hour
	}
	esc, tokens, err := s.engine.Create(r.Context(), escrow.CreateParams{
		Chain:              req.Chain,
		Depositor:          req.Depositor,
		Beneficiary:        req.Beneficiary,
		DepositorAddress:   req.DepositorAddress,
		BeneficiaryAddress: req.BeneficiaryAddress,
		Amount:             req.Amount,
		FeeBps:             s.escrowFeeBps,
		TTL:                ttl,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, createEscrowResponse{
		Escrow:           presentEscrow(esc),
		DepositorToken:   tokens.Depositor,
		BeneficiaryToken: tokens.Beneficiary,
	})
}

func (s *Server) handleGetEscrow(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	esc, err := s.store.Escrow(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, presentEscrow(esc))
}

type escrowActionRequest struct {
	Token  string `json:"token"`
	Reason string `json:"reason,omitempty"`
}

func (s *Server) decodeEscrowAction(w http.ResponseWriter, r *http.Request) (uuid.UUID, escrowActionRequest, error) {
	id, err := pathID(r)
	if err != nil {
		return uuid.Nil, escrowActionRequest{}, err
	}
	body, err := s.readBody(w, r)
	if err != nil {
		return uuid.Nil, escrowActionRequest{}, err
	}
	var req escrowActionRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return uuid.Nil, escrowActionRequest{}, errs.Validationf("invalid JSON payload")
	}
	if strings.TrimSpace(req.Token) == "" {
		return uuid.Nil, escrowActionRequest{}, errs.Validationf("token is required")
	}
	return id, req, nil
}

func (s *Server) handleReleaseEscrow(w http.ResponseWriter, r *http.Request) {
	id, req, err := s.decodeEscrowAction(w, r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	esc, err := s.engine.Release(r.Context(), id, req.Token)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, presentEscrow(esc))
}

func (s *Server) handleDisputeEscrow(w http.ResponseWriter, r *http.Request) {
	id, req, err := s.decodeEscrowAction(w, r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	esc, err := s.engine.Dispute(r.Context(), id, req.Token, req.Reason)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, presentEscrow(esc))
}

func (s *Server) handleRefundEscrow(w http.ResponseWriter, r *http.Request) {
	id, req, err := s.decodeEscrowAction(w, r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	esc, err := s.engine.Refund(r.Context(), id, req.Token)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, presentEscrow(esc))
}

// --- wallets ---

type registerWalletRequest struct {
	Label         string `json:"label"`
	SecpPublicKey string `json:"secp_public_key"`
	EdPublicKey   string `json:"ed_public_key,omitempty"`
}

type walletView struct {
	ID            string     `json:"id"`
	Label         string     `json:"label"`
	SecpPublicKey string     `json:"secp_public_key"`
	EdPublicKey   string     `json:"ed_public_key,omitempty"`
	Status        string     `json:"status"`
	LastActiveAt  *time.Time `json:"last_active_at,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
}

func presentWallet(wlt *storage.Wallet) walletView {
	return walletView{
		ID:            wlt.ID.String(),
		Label:         wlt.Label,
		SecpPublicKey: wlt.SecpPublicKey,
		EdPublicKey:   wlt.EdPublicKey,
		Status:        wlt.Status,
		LastActiveAt:  wlt.LastActiveAt,
		CreatedAt:     wlt.CreatedAt,
	}
}

func (s *Server) handleRegisterWallet(w http.ResponseWriter, r *http.Request) {
	body, err := s.readBody(w, r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	var req registerWalletRequest
	if err := json.Unmarshal(body, &req); err != nil {
		s.writeError(w, errs.Validationf("invalid JSON payload"))
		return
	}
	secpHex := strings.TrimSpace(req.SecpPublicKey)
	if secpHex == "" {
		s.writeError(w, errs.Validationf("secp_public_key is required"))
		return
	}
	if pub, err := hex.DecodeString(secpHex); err != nil || len(pub) != 33 {
		s.writeError(w, errs.Validationf("secp_public_key must be a 33-byte compressed key in hex"))
		return
	}
	edKey := strings.TrimSpace(req.EdPublicKey)
	if edKey != "" {
		if pub, err := base58.Decode(edKey); err != nil || len(pub) != 32 {
			s.writeError(w, errs.Validationf("ed_public_key must be a 32-byte key in base58"))
			return
		}
	}
	wallet := &storage.Wallet{
		ID:            uuid.New(),
		Label:         strings.TrimSpace(req.Label),
		SecpPublicKey: secpHex,
		EdPublicKey:   edKey,
		Status:        storage.WalletActive,
	}
	if err := s.store.CreateWallet(r.Context(), wallet); err != nil {
		s.writeError(w, err)
		return
	}
	s.log.Info("wallet registered", "wallet_id", wallet.ID.String())
	s.writeJSON(w, http.StatusCreated, presentWallet(wallet))
}

type sessionResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

func (s *Server) handleWalletSession(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	body, err := s.readBody(w, r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	principal, err := s.verifier.VerifySignature(r, body)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if principal.WalletID != id {
		s.writeError(w, errs.Forbiddenf("credential does not match wallet"))
		return
	}
	token, expires, err := s.verifier.IssueSession(id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.store.TouchWallet(r.Context(), id, s.nowFn()); err != nil {
		s.log.Warn("touch wallet failed", "wallet_id", id.String(), "err", err)
	}
	s.writeJSON(w, http.StatusOK, sessionResponse{Token: token, ExpiresAt: expires})
}

func (s *Server) authenticateWallet(r *http.Request, body []byte, id uuid.UUID) (*auth.Principal, error) {
	principal, err := s.verifier.Authenticate(r, body)
	if err != nil {
		return nil, err
	}
	if principal.WalletID != id {
		return nil, errs.Forbiddenf("credential does not match wallet")
	}
	return principal, nil
}

type walletAddressRequest struct {
	Chain string `json:"chain"`
}

type walletAddressResponse struct {
	Chain        string `json:"chain"`
	Address      string `json:"address"`
	AccountIndex uint32 `json:"account_index"`
}

func (s *Server) handleWalletAddress(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	body, err := s.readBody(w, r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if _, err := s.authenticateWallet(r, body, id); err != nil {
		s.writeError(w, err)
		return
	}
	var req walletAddressRequest
	if err := json.Unmarshal(body, &req); err != nil {
		s.writeError(w, errs.Validationf("invalid JSON payload"))
		return
	}
	adapter, err := s.registry.Adapter(req.Chain)
	if err != nil {
		s.writeError(w, err)
		return
	}
	derived, err := adapter.DeriveAddress(id.String())
	if err != nil {
		s.writeError(w, errs.Wrap(errs.KindInternal, err, "derive wallet address"))
		return
	}
	sealed, err := s.cipher.Encrypt(derived.PrivateKey)
	if err != nil {
		s.writeError(w, errs.Wrap(errs.KindInternal, err, "seal wallet key"))
		return
	}
	saved, err := s.store.SaveDerivedAddress(r.Context(), &storage.DerivedAddress{
		OwnerID:      id.String(),
		Chain:        req.Chain,
		AccountIndex: derived.AccountIndex,
		Address:      derived.Address,
		EncryptedKey: sealed,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, walletAddressResponse{
		Chain:        saved.Chain,
		Address:      saved.Address,
		AccountIndex: saved.AccountIndex,
	})
}

type walletBroadcastRequest struct {
	Chain string `json:"chain"`
	RawTx string `json:"raw_tx"`
}

type walletBroadcastResponse struct {
	TxHash      string `json:"tx_hash"`
	ExplorerURL string `json:"explorer_url"`
	Attempts    int    `json:"attempts"`
}

func (s *Server) handleWalletBroadcast(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	body, err := s.readBody(w, r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if _, err := s.authenticateWallet(r, body, id); err != nil {
		s.writeError(w, err)
		return
	}
	var req walletBroadcastRequest
	if err := json.Unmarshal(body, &req); err != nil {
		s.writeError(w, errs.Validationf("invalid JSON payload"))
		return
	}
	raw, err := hex.DecodeString(strings.TrimSpace(req.RawTx))
	if err != nil || len(raw) == 0 {
		s.writeError(w, errs.Validationf("raw_tx must be non-empty hex"))
		return
	}
	receipt, err := s.broadcaster.Submit(r.Context(), req.Chain, raw, nil)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.log.Info("wallet broadcast",
		slog.String("wallet_id", id.String()),
		slog.String("chain", req.Chain),
		slog.String("tx_hash", receipt.TxHash),
		logging.MaskField("raw_tx", req.RawTx),
	)
	s.writeJSON(w, http.StatusOK, walletBroadcastResponse{
		TxHash:      receipt.TxHash,
		ExplorerURL: receipt.ExplorerURL,
		Attempts:    receipt.Attempts,
	})
}

type patchWalletRequest struct {
	Label  *string `json:"label,omitempty"`
	Status *string `json:"status,omitempty"`
}

func (s *Server) handlePatchWallet(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	body, err := s.readBody(w, r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if _, err := s.authenticateWallet(r, body, id); err != nil {
		s.writeError(w, err)
		return
	}
	var req patchWalletRequest
	if err := json.Unmarshal(body, &req); err != nil {
		s.writeError(w, errs.Validationf("invalid JSON payload"))
		return
	}
	var status string
	if req.Status != nil {
		status = strings.ToUpper(strings.TrimSpace(*req.Status))
		if status != storage.WalletActive && status != storage.WalletSuspended {
			s.writeError(w, errs.Validationf("status must be ACTIVE or SUSPENDED"))
			return
		}
	}
	wallet, err := s.store.UpdateWallet(r.Context(), id, func(wlt *storage.Wallet) {
		if req.Label != nil {
			wlt.Label = strings.TrimSpace(*req.Label)
		}
		if status != "" {
			wlt.Status = status
		}
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.log.Info("wallet updated", "wallet_id", id.String(), "status", wallet.Status)
	s.writeJSON(w, http.StatusOK, presentWallet(wallet))
}

// --- helpers ---

func pathID(r *http.Request) (uuid.UUID, error) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		return uuid.Nil, errs.Validationf("id must be a UUID")
	}
	return id, nil
}

func (s *Server) readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	if r.Body == nil {
		return nil, nil
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRequestBody))
	if err != nil {
		return nil, errs.Validationf("request body unreadable or too large")
	}
	return body, nil
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Error("encode response failed", "err", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := errs.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		s.log.Error("request failed", "status", status, "err", err)
	}
	s.writeJSON(w, status, map[string]string{"error": err.Error()})
}
