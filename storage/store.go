// Package storage is the persistence layer for payments, escrows, wallets,
// and derived addresses. All state transitions go through guarded updates so
// concurrent workers cannot double-act on the same row.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"chainpay/errs"
)

type Store struct {
	db    *gorm.DB
	nowFn func() time.Time
}

// New migrates the schema and returns a ready store.
func New(db *gorm.DB) (*Store, error) {
	if err := AutoMigrate(db); err != nil {
		return nil, errs.Wrap(errs.KindInternal, err, "migrate schema")
	}
	return &Store{db: db, nowFn: time.Now}, nil
}

// CreatePayment persists a new payment in its initial state.
func (s *Store) CreatePayment(ctx context.Context, p *Payment) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	if p.Status == "" {
		p.Status = PaymentPending
	}
	if err := s.db.WithContext(ctx).Create(p).Error; err != nil {
		return errs.Wrap(errs.KindInternal, err, "create payment")
	}
	return nil
}

// Payment loads one payment by id.
func (s *Store) Payment(ctx context.Context, id uuid.UUID) (*Payment, error) {
	var p Payment
	if err := s.db.WithContext(ctx).First(&p, "id = ?", id).Error; err != nil {
		return nil, notFound(err, "payment %s", id)
	}
	return &p, nil
}

// OpenPayments returns the oldest non-terminal payments, capped at limit.
func (s *Store) OpenPayments(ctx context.Context, limit int) ([]Payment, error) {
	var payments []Payment
	err := s.db.WithContext(ctx).
		Where("status IN ?", []PaymentStatus{PaymentPending, PaymentConfirming}).
		Order("created_at ASC").
		Limit(limit).
		Find(&payments).Error
	if err != nil {
		return nil, errs.Wrap(errs.KindInternal, err, "list open payments")
	}
	return payments, nil
}

// RecordPaymentProgress updates observation fields while the payment is still
// non-terminal. Transitions out of a terminal state are ignored, keeping the
// lifecycle monotonic under concurrent observers.
func (s *Store) RecordPaymentProgress(ctx context.Context, id uuid.UUID, observed, txHash string, confirmations uint64, status PaymentStatus) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var p Payment
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&p, "id = ?", id).Error; err != nil {
			return notFound(err, "payment %s", id)
		}
		switch p.Status {
		case PaymentConfirmed, PaymentExpired, PaymentFailed:
			return nil
		}
		p.ObservedAmount = observed
		if txHash != "" {
			p.TxHash = txHash
		}
		p.Confirmations = confirmations
		p.Status = status
		return tx.Save(&p).Error
	})
}

// ExpireDuePayments marks every non-terminal payment past its deadline as
// expired and reports how many rows changed.
func (s *Store) ExpireDuePayments(ctx context.Context, now time.Time) (int64, error) {
	res := s.db.WithContext(ctx).Model(&Payment{}).
		Where("status IN ? AND expires_at < ?", []PaymentStatus{PaymentPending, PaymentConfirming}, now).
		Update("status", PaymentExpired)
	if res.Error != nil {
		return 0, errs.Wrap(errs.KindInternal, res.Error, "expire payments")
	}
	return res.RowsAffected, nil
}

// ClaimPaymentForward atomically claims the right to forward a confirmed
// payment. Exactly one caller wins; the rest get Conflict.
func (s *Store) ClaimPaymentForward(ctx context.Context, id uuid.UUID) error {
	res := s.db.WithContext(ctx).Model(&Payment{}).
		Where("id = ? AND status = ? AND forward_tx_hash = ''", id, PaymentConfirmed).
		Update("forward_tx_hash", ForwardClaimed)
	if res.Error != nil {
		return errs.Wrap(errs.KindInternal, res.Error, "claim forward")
	}
	if res.RowsAffected == 0 {
		return errs.Conflictf("payment %s already forwarded or not confirmed", id)
	}
	return nil
}

// CompletePaymentForward replaces the claim sentinel with the broadcast hash.
func (s *Store) CompletePaymentForward(ctx context.Context, id uuid.UUID, txHash string) error {
	res := s.db.WithContext(ctx).Model(&Payment{}).
		Where("id = ? AND forward_tx_hash = ?", id, ForwardClaimed).
		Update("forward_tx_hash", txHash)
	if res.Error != nil {
		return errs.Wrap(errs.KindInternal, res.Error, "complete forward")
	}
	if res.RowsAffected == 0 {
		return errs.Conflictf("payment %s holds no forward claim", id)
	}
	return nil
}

// ReleasePaymentForward rolls a failed claim back so a later pass can retry.
func (s *Store) ReleasePaymentForward(ctx context.Context, id uuid.UUID) error {
	res := s.db.WithContext(ctx).Model(&Payment{}).
		Where("id = ? AND forward_tx_hash = ?", id, ForwardClaimed).
		Update("forward_tx_hash", "")
	if res.Error != nil {
		return errs.Wrap(errs.KindInternal, res.Error, "release forward claim")
	}
	return nil
}

// CreateEscrow persists a new escrow in CREATED state.
func (s *Store) CreateEscrow(ctx context.Context, e *Escrow) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.Status == "" {
		e.Status = EscrowCreated
	}
	if err := s.db.WithContext(ctx).Create(e).Error; err != nil {
		return errs.Wrap(errs.KindInternal, err, "create escrow")
	}
	return nil
}

// Escrow loads one escrow by id.
func (s *Store) Escrow(ctx context.Context, id uuid.UUID) (*Escrow, error) {
	var e Escrow
	if err := s.db.WithContext(ctx).First(&e, "id = ?", id).Error; err != nil {
		return nil, notFound(err, "escrow %s", id)
	}
	return &e, nil
}

// FundingEscrows returns escrows still waiting for their deposit.
func (s *Store) FundingEscrows(ctx context.Context, limit int) ([]Escrow, error) {
	var escrows []Escrow
	err := s.db.WithContext(ctx).
		Where("status = ?", EscrowCreated).
		Order("created_at ASC").
		Limit(limit).
		Find(&escrows).Error
	if err != nil {
		return nil, errs.Wrap(errs.KindInternal, err, "list funding escrows")
	}
	return escrows, nil
}

// SettlementDue returns released or refunded escrows not yet swept on chain.
func (s *Store) SettlementDue(ctx context.Context, limit int) ([]Escrow, error) {
	var escrows []Escrow
	err := s.db.WithContext(ctx).
		Where("status IN ? AND settlement_tx_hash = ''", []EscrowStatus{EscrowReleased, EscrowRefunded}).
		Order("updated_at ASC").
		Limit(limit).
		Find(&escrows).Error
	if err != nil {
		return nil, errs.Wrap(errs.KindInternal, err, "list settlement due")
	}
	return escrows, nil
}

// TransitionEscrow moves an escrow from one of the allowed states, applying
// mutate under a row lock. A row in any other state yields Conflict.
func (s *Store) TransitionEscrow(ctx context.Context, id uuid.UUID, from []EscrowStatus, to EscrowStatus, mutate func(*Escrow)) (*Escrow, error) {
	var out Escrow
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var e Escrow
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&e, "id = ?", id).Error; err != nil {
			return notFound(err, "escrow %s", id)
		}
		allowed := false
		for _, st := range from {
			if e.Status == st {
				allowed = true
				break
			}
		}
		if !allowed {
			return errs.Conflictf("escrow %s is %s, cannot move to %s", id, e.Status, to)
		}
		e.Status = to
		if mutate != nil {
			mutate(&e)
		}
		if err := tx.Save(&e).Error; err != nil {
			return errs.Wrap(errs.KindInternal, err, "save escrow")
		}
		out = e
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// ClaimEscrowSettlement atomically claims the right to sweep a closed escrow.
func (s *Store) ClaimEscrowSettlement(ctx context.Context, id uuid.UUID) error {
	res := s.db.WithContext(ctx).Model(&Escrow{}).
		Where("id = ? AND status IN ? AND settlement_tx_hash = ''", id, []EscrowStatus{EscrowReleased, EscrowRefunded}).
		Update("settlement_tx_hash", ForwardClaimed)
	if res.Error != nil {
		return errs.Wrap(errs.KindInternal, res.Error, "claim settlement")
	}
	if res.RowsAffected == 0 {
		return errs.Conflictf("escrow %s already settling or not closeable", id)
	}
	return nil
}

// CompleteEscrowSettlement records the sweep hash and finalizes the escrow.
func (s *Store) CompleteEscrowSettlement(ctx context.Context, id uuid.UUID, txHash string) error {
	now := s.nowFn().UTC()
	res := s.db.WithContext(ctx).Model(&Escrow{}).
		Where("id = ? AND settlement_tx_hash = ?", id, ForwardClaimed).
		Updates(map[string]any{
			"settlement_tx_hash": txHash,
			"status":             EscrowSettled,
			"closed_at":          &now,
		})
	if res.Error != nil {
		return errs.Wrap(errs.KindInternal, res.Error, "complete settlement")
	}
	if res.RowsAffected == 0 {
		return errs.Conflictf("escrow %s holds no settlement claim", id)
	}
	return nil
}

// ReleaseEscrowSettlement rolls a failed settlement claim back.
func (s *Store) ReleaseEscrowSettlement(ctx context.Context, id uuid.UUID) error {
	res := s.db.WithContext(ctx).Model(&Escrow{}).
		Where("id = ? AND settlement_tx_hash = ?", id, ForwardClaimed).
		Update("settlement_tx_hash", "")
	if res.Error != nil {
		return errs.Wrap(errs.KindInternal, res.Error, "release settlement claim")
	}
	return nil
}

// CreateWallet registers a new wallet principal.
func (s *Store) CreateWallet(ctx context.Context, w *Wallet) error {
	if w.ID == uuid.Nil {
		w.ID = uuid.New()
	}
	if w.Status == "" {
		w.Status = WalletActive
	}
	if err := s.db.WithContext(ctx).Create(w).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return errs.Conflictf("public key already registered")
		}
		return errs.Wrap(errs.KindInternal, err, "create wallet")
	}
	return nil
}

// Wallet loads one wallet by id.
func (s *Store) Wallet(ctx context.Context, id uuid.UUID) (*Wallet, error) {
	var w Wallet
	if err := s.db.WithContext(ctx).First(&w, "id = ?", id).Error; err != nil {
		return nil, notFound(err, "wallet %s", id)
	}
	return &w, nil
}

// UpdateWallet applies mutate under a row lock.
func (s *Store) UpdateWallet(ctx context.Context, id uuid.UUID, mutate func(*Wallet)) (*Wallet, error) {
	var out Wallet
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var w Wallet
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&w, "id = ?", id).Error; err != nil {
			return notFound(err, "wallet %s", id)
		}
		mutate(&w)
		if err := tx.Save(&w).Error; err != nil {
			return errs.Wrap(errs.KindInternal, err, "save wallet")
		}
		out = w
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// TouchWallet records authentication activity. Failures are not fatal to the
// request that triggered them.
func (s *Store) TouchWallet(ctx context.Context, id uuid.UUID, at time.Time) error {
	return s.db.WithContext(ctx).Model(&Wallet{}).
		Where("id = ?", id).
		Update("last_active_at", at).Error
}

// SaveDerivedAddress stores a derivation once per (owner, chain). A second
// call returns the stored row unchanged.
func (s *Store) SaveDerivedAddress(ctx context.Context, rec *DerivedAddress) (*DerivedAddress, error) {
	existing, err := s.DerivedAddress(ctx, rec.OwnerID, rec.Chain)
	if err == nil {
		return existing, nil
	}
	if errs.KindOf(err) != errs.KindNotFound {
		return nil, err
	}
	if err := s.db.WithContext(ctx).Create(rec).Error; err != nil {
		// A concurrent writer may have won the unique index race.
		if existing, readErr := s.DerivedAddress(ctx, rec.OwnerID, rec.Chain); readErr == nil {
			return existing, nil
		}
		return nil, errs.Wrap(errs.KindInternal, err, "save derived address")
	}
	return rec, nil
}

// DerivedAddress loads the stored derivation for (owner, chain).
func (s *Store) DerivedAddress(ctx context.Context, ownerID, chain string) (*DerivedAddress, error) {
	var rec DerivedAddress
	if err := s.db.WithContext(ctx).First(&rec, "owner_id = ? AND chain = ?", ownerID, chain).Error; err != nil {
		return nil, notFound(err, "derived address %s/%s", ownerID, chain)
	}
	return &rec, nil
}

func notFound(err error, format string, args ...any) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return errs.NotFoundf(format, args...)
	}
	return errs.Wrap(errs.KindInternal, err, "query")
}
