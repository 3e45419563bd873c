// Package escrow implements the held-funds lifecycle: create, fund, release,
// dispute, refund, and the on-chain settlement that closes each escrow.
package escrow

import (
	"context"
	"log/slog"
	"math/big"
	"time"

	"github.com/google/uuid"

	"chainpay/broadcast"
	"chainpay/chains"
	"chainpay/crypto"
	"chainpay/errs"
	"chainpay/events"
	"chainpay/observability"
	"chainpay/storage"
)

const DefaultFeeBps = 100

// Tokens are the two bearer capabilities returned at creation. Neither is
// recoverable afterwards.
type Tokens struct {
	Depositor   string
	Beneficiary string
}

// CreateParams carries everything needed to open an escrow.
type CreateParams struct {
	Chain              string
	Depositor          string
	Beneficiary        string
	DepositorAddress   string
	BeneficiaryAddress string
	Amount             string
	FeeBps             int64
	TTL                time.Duration
}

// Engine owns escrow state transitions and settlement sweeps.
type Engine struct {
	store       *storage.Store
	registry    *chains.Registry
	cipher      *crypto.Cipher
	broadcaster *broadcast.Broadcaster
	emitter     events.Emitter
	commission  map[string]string
	log         *slog.Logger
	nowFn       func() time.Time
}

func NewEngine(store *storage.Store, registry *chains.Registry, cipher *crypto.Cipher, broadcaster *broadcast.Broadcaster, emitter events.Emitter, commission map[string]string, log *slog.Logger) *Engine {
	if emitter == nil {
		emitter = events.NoopEmitter{}
	}
	if log == nil {
		log = slog.Default()
	}
	return &Engine{
		store:       store,
		registry:    registry,
		cipher:      cipher,
		broadcaster: broadcaster,
		emitter:     emitter,
		commission:  commission,
		log:         log,
		nowFn:       time.Now,
	}
}

// Create validates parties and amount, derives the escrow deposit address,
// and mints both authorization tokens. The raw tokens appear only in the
// returned Tokens value.
func (e *Engine) Create(ctx context.Context, params CreateParams) (*storage.Escrow, Tokens, error) {
	adapter, err := e.registry.Adapter(params.Chain)
	if err != nil {
		return nil, Tokens{}, err
	}
	amount, ok := new(big.Int).SetString(params.Amount, 10)
	if !ok || amount.Sign() <= 0 {
		return nil, Tokens{}, errs.Validationf("amount must be a positive integer in base units")
	}
	if params.Depositor == "" || params.Beneficiary == "" {
		return nil, Tokens{}, errs.Validationf("both depositor and beneficiary are required")
	}
	if err := adapter.ValidateAddress(params.BeneficiaryAddress); err != nil {
		return nil, Tokens{}, errs.Wrap(errs.KindValidation, err, "beneficiary address")
	}
	if err := adapter.ValidateAddress(params.DepositorAddress); err != nil {
		return nil, Tokens{}, errs.Wrap(errs.KindValidation, err, "depositor address")
	}
	feeBps := params.FeeBps
	if feeBps < 0 || feeBps >= 10000 {
		return nil, Tokens{}, errs.Validationf("fee must be between 0 and 9999 basis points")
	}
	if feeBps == 0 {
		feeBps = DefaultFeeBps
	}
	fee := new(big.Int).Div(new(big.Int).Mul(amount, big.NewInt(feeBps)), big.NewInt(10000))

	id := uuid.New()
	derived, err := adapter.DeriveAddress(id.String())
	if err != nil {
		return nil, Tokens{}, errs.Wrap(errs.KindInternal, err, "derive escrow address")
	}
	sealed, err := e.cipher.Encrypt(derived.PrivateKey)
	if err != nil {
		return nil, Tokens{}, errs.Wrap(errs.KindInternal, err, "seal escrow key")
	}
	if _, err := e.store.SaveDerivedAddress(ctx, &storage.DerivedAddress{
		OwnerID:      id.String(),
		Chain:        params.Chain,
		AccountIndex: derived.AccountIndex,
		Address:      derived.Address,
		EncryptedKey: sealed,
	}); err != nil {
		return nil, Tokens{}, err
	}

	depositorToken, depositorHash, err := newToken()
	if err != nil {
		return nil, Tokens{}, errs.Wrap(errs.KindInternal, err, "mint depositor token")
	}
	beneficiaryToken, beneficiaryHash, err := newToken()
	if err != nil {
		return nil, Tokens{}, errs.Wrap(errs.KindInternal, err, "mint beneficiary token")
	}

	ttl := params.TTL
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	esc := &storage.Escrow{
		ID:                   id,
		Chain:                params.Chain,
		Depositor:            params.Depositor,
		Beneficiary:          params.Beneficiary,
		DepositorAddress:     params.DepositorAddress,
		BeneficiaryAddress:   params.BeneficiaryAddress,
		EscrowAddress:        derived.Address,
		AccountIndex:         derived.AccountIndex,
		Amount:               amount.String(),
		FeeAmount:            fee.String(),
		Status:               storage.EscrowCreated,
		DepositorTokenHash:   depositorHash,
		BeneficiaryTokenHash: beneficiaryHash,
		ExpiresAt:            e.nowFn().Add(ttl),
	}
	if err := e.store.CreateEscrow(ctx, esc); err != nil {
		return nil, Tokens{}, err
	}
	e.log.Info("escrow created",
		slog.String("escrow_id", id.String()),
		slog.String("chain", params.Chain),
		slog.String("escrow_address", derived.Address),
	)
	return esc, Tokens{Depositor: depositorToken, Beneficiary: beneficiaryToken}, nil
}

// Release moves a funded (or disputed) escrow toward paying the beneficiary.
// Only the depositor's token authorizes it.
func (e *Engine) Release(ctx context.Context, id uuid.UUID, token string) (*storage.Escrow, error) {
	esc, err := e.store.Escrow(ctx, id)
	if err != nil {
		return nil, err
	}
	if !tokenMatches(token, esc.DepositorTokenHash) {
		return nil, errs.Forbiddenf("release requires the depositor token")
	}
	updated, err := e.store.TransitionEscrow(ctx, id,
		[]storage.EscrowStatus{storage.EscrowFunded, storage.EscrowDisputed},
		storage.EscrowReleased, nil)
	if err != nil {
		return nil, err
	}
	e.logTransition(updated, esc.Status)
	e.emitter.Emit(events.Event{
		Type:     events.TypeEscrowReleased,
		EntityID: id.String(),
		Chain:    updated.Chain,
		Amount:   updated.DepositedAmount,
	})
	return updated, nil
}

// Dispute freezes a funded escrow pending resolution. Either party's token
// authorizes it, and a reason is mandatory.
func (e *Engine) Dispute(ctx context.Context, id uuid.UUID, token, reason string) (*storage.Escrow, error) {
	if reason == "" {
		return nil, errs.Validationf("a dispute requires a reason")
	}
	esc, err := e.store.Escrow(ctx, id)
	if err != nil {
		return nil, err
	}
	if !tokenMatches(token, esc.DepositorTokenHash) && !tokenMatches(token, esc.BeneficiaryTokenHash) {
		return nil, errs.Forbiddenf("dispute requires a party token")
	}
	updated, err := e.store.TransitionEscrow(ctx, id,
		[]storage.EscrowStatus{storage.EscrowFunded},
		storage.EscrowDisputed, func(row *storage.Escrow) {
			row.DisputeReason = reason
		})
	if err != nil {
		return nil, err
	}
	e.logTransition(updated, esc.Status)
	e.emitter.Emit(events.Event{
		Type:       events.TypeEscrowDisputed,
		EntityID:   id.String(),
		Chain:      updated.Chain,
		Attributes: map[string]string{"reason": reason},
	})
	return updated, nil
}

// Refund returns the deposit to the depositor. Allowed from disputed with
// either token, or from funded past expiry with the depositor's token.
func (e *Engine) Refund(ctx context.Context, id uuid.UUID, token string) (*storage.Escrow, error) {
	esc, err := e.store.Escrow(ctx, id)
	if err != nil {
		return nil, err
	}
	isDepositor := tokenMatches(token, esc.DepositorTokenHash)
	isParty := isDepositor || tokenMatches(token, esc.BeneficiaryTokenHash)

	var from []storage.EscrowStatus
	switch esc.Status {
	case storage.EscrowDisputed:
		if !isParty {
			return nil, errs.Forbiddenf("refund requires a party token")
		}
		from = []storage.EscrowStatus{storage.EscrowDisputed}
	case storage.EscrowFunded:
		if e.nowFn().Before(esc.ExpiresAt) {
			return nil, errs.Conflictf("escrow %s is not disputed and has not expired", id)
		}
		if !isDepositor {
			return nil, errs.Forbiddenf("an expiry refund requires the depositor token")
		}
		from = []storage.EscrowStatus{storage.EscrowFunded}
	default:
		return nil, errs.Conflictf("escrow %s is %s, cannot refund", id, esc.Status)
	}

	updated, err := e.store.TransitionEscrow(ctx, id, from, storage.EscrowRefunded, nil)
	if err != nil {
		return nil, err
	}
	e.logTransition(updated, esc.Status)
	e.emitter.Emit(events.Event{
		Type:     events.TypeEscrowRefunded,
		EntityID: id.String(),
		Chain:    updated.Chain,
		Amount:   updated.DepositedAmount,
	})
	return updated, nil
}

// Settle sweeps a released or refunded escrow on chain. The settlement marker
// is claimed before any broadcast; a second caller gets Conflict. Broadcast
// failure rolls the claim back so the settlement can be retried whole.
func (e *Engine) Settle(ctx context.Context, id uuid.UUID) (*storage.Escrow, error) {
	esc, err := e.store.Escrow(ctx, id)
	if err != nil {
		return nil, err
	}
	metrics := observability.Settlement()
	if err := e.store.ClaimEscrowSettlement(ctx, id); err != nil {
		metrics.RecordSettlement("conflict")
		return nil, err
	}

	txHash, err := e.sweepEscrow(ctx, esc)
	if err != nil {
		metrics.RecordSettlement("failed")
		if releaseErr := e.store.ReleaseEscrowSettlement(ctx, id); releaseErr != nil {
			e.log.Error("settlement claim rollback failed",
				slog.String("escrow_id", id.String()),
				slog.String("error", releaseErr.Error()),
			)
		}
		return nil, err
	}
	if err := e.store.CompleteEscrowSettlement(ctx, id, txHash); err != nil {
		metrics.RecordSettlement("failed")
		return nil, err
	}
	metrics.RecordSettlement("settled")
	e.log.Info("escrow settled",
		slog.String("escrow_id", id.String()),
		slog.String("from", string(esc.Status)),
		slog.String("to", string(storage.EscrowSettled)),
		slog.String("tx_hash", txHash),
	)
	e.emitter.Emit(events.Event{
		Type:     events.TypeEscrowSettled,
		EntityID: id.String(),
		Chain:    esc.Chain,
		Amount:   esc.DepositedAmount,
		TxHash:   txHash,
	})
	return e.store.Escrow(ctx, id)
}

// sweepEscrow executes the outbound transfers for a claimed settlement and
// returns the primary transaction hash.
func (e *Engine) sweepEscrow(ctx context.Context, esc *storage.Escrow) (string, error) {
	adapter, err := e.registry.Adapter(esc.Chain)
	if err != nil {
		return "", err
	}
	rec, err := e.store.DerivedAddress(ctx, esc.ID.String(), esc.Chain)
	if err != nil {
		return "", err
	}
	priv, err := e.cipher.Decrypt(rec.EncryptedKey)
	if err != nil {
		return "", errs.Wrap(errs.KindInternal, err, "unseal escrow key")
	}

	if esc.Status == storage.EscrowRefunded {
		// Full deposit back to the depositor, no fee.
		return e.sweepTo(ctx, adapter, priv, esc.EscrowAddress, esc.DepositorAddress, nil)
	}

	deposited, ok := new(big.Int).SetString(esc.DepositedAmount, 10)
	if !ok || deposited.Sign() <= 0 {
		return "", errs.Permanentf("escrow %s has no recorded deposit", esc.ID)
	}
	fee, ok := new(big.Int).SetString(esc.FeeAmount, 10)
	if !ok {
		return "", errs.Permanentf("escrow %s has a malformed fee", esc.ID)
	}
	payout := new(big.Int).Sub(deposited, fee)
	if payout.Sign() <= 0 {
		return "", errs.Permanentf("escrow %s deposit does not cover the fee", esc.ID)
	}

	commission := e.commission[esc.Chain]
	if commission == "" || fee.Sign() == 0 {
		return e.sweepTo(ctx, adapter, priv, esc.EscrowAddress, esc.BeneficiaryAddress, payout)
	}

	if ms, ok := adapter.(chains.MultiSweeper); ok {
		// One transaction pays both parties. Issuing the fee as a second
		// spend would race the unconfirmed change of the payout.
		raw, _, err := ms.BuildMultiSweep(ctx, priv, esc.EscrowAddress, []chains.SweepOutput{
			{To: esc.BeneficiaryAddress, Amount: payout},
			{To: commission, Amount: fee},
		})
		if err != nil {
			return "", err
		}
		receipt, err := e.broadcaster.Submit(ctx, adapter.Params().ID, raw, nil)
		if err != nil {
			return "", err
		}
		return receipt.TxHash, nil
	}

	txHash, err := e.sweepTo(ctx, adapter, priv, esc.EscrowAddress, esc.BeneficiaryAddress, payout)
	if err != nil {
		return "", err
	}
	// Account chains transfer the exact fee in a follow-up transaction. Its
	// failure is logged but does not unwind the payout already on chain.
	if _, err := e.sweepTo(ctx, adapter, priv, esc.EscrowAddress, commission, fee); err != nil {
		e.log.Error("commission sweep failed",
			slog.String("escrow_id", esc.ID.String()),
			slog.String("chain", esc.Chain),
			slog.String("error", err.Error()),
		)
	}
	return txHash, nil
}

func (e *Engine) sweepTo(ctx context.Context, adapter chains.Adapter, priv []byte, from, to string, amount *big.Int) (string, error) {
	raw, _, err := adapter.BuildSweep(ctx, priv, from, to, amount)
	if err != nil {
		return "", err
	}
	receipt, err := e.broadcaster.Submit(ctx, adapter.Params().ID, raw, nil)
	if err != nil {
		return "", err
	}
	return receipt.TxHash, nil
}

func (e *Engine) logTransition(esc *storage.Escrow, from storage.EscrowStatus) {
	e.log.Info("escrow transition",
		slog.String("escrow_id", esc.ID.String()),
		slog.String("from", string(from)),
		slog.String("to", string(esc.Status)),
	)
}
