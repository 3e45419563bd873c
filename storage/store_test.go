package storage

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"chainpay/errs"
)

func setupStore(t *testing.T) *Store {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{TranslateError: true})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	store, err := New(db)
	if err != nil {
		t.Fatalf("failed to build store: %v", err)
	}
	return store
}

func seedPayment(t *testing.T, store *Store, status PaymentStatus, expiresAt time.Time) *Payment {
	t.Helper()
	p := &Payment{
		BusinessID:     uuid.New(),
		Chain:          "btc",
		Address:        "bc1q" + uuid.NewString()[:12],
		ExpectedAmount: "100000",
		Status:         status,
		ExpiresAt:      expiresAt,
	}
	if err := store.CreatePayment(context.Background(), p); err != nil {
		t.Fatalf("create payment: %v", err)
	}
	return p
}

func TestPaymentForwardClaimedOnce(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	p := seedPayment(t, store, PaymentConfirmed, time.Now().Add(time.Hour))

	if err := store.ClaimPaymentForward(ctx, p.ID); err != nil {
		t.Fatalf("first claim: %v", err)
	}
	err := store.ClaimPaymentForward(ctx, p.ID)
	if errs.KindOf(err) != errs.KindConflict {
		t.Fatalf("second claim kind = %v, want conflict", errs.KindOf(err))
	}

	if err := store.CompletePaymentForward(ctx, p.ID, "0xdeadbeef"); err != nil {
		t.Fatalf("complete forward: %v", err)
	}
	loaded, err := store.Payment(ctx, p.ID)
	if err != nil {
		t.Fatalf("load payment: %v", err)
	}
	if loaded.ForwardTxHash != "0xdeadbeef" {
		t.Fatalf("forward hash = %q", loaded.ForwardTxHash)
	}
}

func TestPaymentForwardClaimRollback(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	p := seedPayment(t, store, PaymentConfirmed, time.Now().Add(time.Hour))

	if err := store.ClaimPaymentForward(ctx, p.ID); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := store.ReleasePaymentForward(ctx, p.ID); err != nil {
		t.Fatalf("release: %v", err)
	}
	if err := store.ClaimPaymentForward(ctx, p.ID); err != nil {
		t.Fatalf("re-claim after rollback: %v", err)
	}
}

func TestPaymentForwardRequiresConfirmed(t *testing.T) {
	store := setupStore(t)
	p := seedPayment(t, store, PaymentPending, time.Now().Add(time.Hour))
	err := store.ClaimPaymentForward(context.Background(), p.ID)
	if errs.KindOf(err) != errs.KindConflict {
		t.Fatalf("claim on pending payment kind = %v, want conflict", errs.KindOf(err))
	}
}

func TestPaymentProgressIsMonotonic(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	p := seedPayment(t, store, PaymentPending, time.Now().Add(time.Hour))

	if err := store.RecordPaymentProgress(ctx, p.ID, "100000", "", 3, PaymentConfirmed); err != nil {
		t.Fatalf("confirm: %v", err)
	}
	// A stale observer must not drag the payment backwards.
	if err := store.RecordPaymentProgress(ctx, p.ID, "100000", "", 1, PaymentConfirming); err != nil {
		t.Fatalf("stale update: %v", err)
	}
	loaded, err := store.Payment(ctx, p.ID)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded.Status != PaymentConfirmed {
		t.Fatalf("status = %s, want CONFIRMED", loaded.Status)
	}
	if loaded.Confirmations != 3 {
		t.Fatalf("confirmations = %d, want 3", loaded.Confirmations)
	}
}

func TestExpireDuePayments(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	now := time.Now()
	stale := seedPayment(t, store, PaymentPending, now.Add(-time.Minute))
	fresh := seedPayment(t, store, PaymentPending, now.Add(time.Hour))
	done := seedPayment(t, store, PaymentConfirmed, now.Add(-time.Minute))

	n, err := store.ExpireDuePayments(ctx, now)
	if err != nil {
		t.Fatalf("expire: %v", err)
	}
	if n != 1 {
		t.Fatalf("expired %d payments, want 1", n)
	}
	for _, tc := range []struct {
		id   uuid.UUID
		want PaymentStatus
	}{
		{stale.ID, PaymentExpired},
		{fresh.ID, PaymentPending},
		{done.ID, PaymentConfirmed},
	} {
		p, err := store.Payment(ctx, tc.id)
		if err != nil {
			t.Fatalf("load %s: %v", tc.id, err)
		}
		if p.Status != tc.want {
			t.Fatalf("payment %s status = %s, want %s", tc.id, p.Status, tc.want)
		}
	}
}

func seedEscrow(t *testing.T, store *Store, status EscrowStatus) *Escrow {
	t.Helper()
	e := &Escrow{
		Chain:                "eth",
		Depositor:            uuid.NewString(),
		Beneficiary:          uuid.NewString(),
		EscrowAddress:        "0x" + uuid.NewString()[:20],
		Amount:               "1000000",
		FeeAmount:            "10000",
		Status:               status,
		DepositorTokenHash:   uuid.NewString(),
		BeneficiaryTokenHash: uuid.NewString(),
		ExpiresAt:            time.Now().Add(24 * time.Hour),
	}
	if err := store.CreateEscrow(context.Background(), e); err != nil {
		t.Fatalf("create escrow: %v", err)
	}
	return e
}

func TestEscrowTransitionGuards(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	e := seedEscrow(t, store, EscrowCreated)

	funded, err := store.TransitionEscrow(ctx, e.ID, []EscrowStatus{EscrowCreated}, EscrowFunded, func(esc *Escrow) {
		esc.DepositedAmount = "1000000"
	})
	if err != nil {
		t.Fatalf("fund: %v", err)
	}
	if funded.Status != EscrowFunded || funded.DepositedAmount != "1000000" {
		t.Fatalf("funded escrow = %+v", funded)
	}

	// Funding again is a conflict, not an error the caller retries.
	_, err = store.TransitionEscrow(ctx, e.ID, []EscrowStatus{EscrowCreated}, EscrowFunded, nil)
	if errs.KindOf(err) != errs.KindConflict {
		t.Fatalf("double fund kind = %v, want conflict", errs.KindOf(err))
	}

	if _, err := store.TransitionEscrow(ctx, e.ID, []EscrowStatus{EscrowFunded}, EscrowReleased, nil); err != nil {
		t.Fatalf("release: %v", err)
	}
}

func TestEscrowSettlementClaimedOnce(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	e := seedEscrow(t, store, EscrowReleased)

	if err := store.ClaimEscrowSettlement(ctx, e.ID); err != nil {
		t.Fatalf("first claim: %v", err)
	}
	err := store.ClaimEscrowSettlement(ctx, e.ID)
	if errs.KindOf(err) != errs.KindConflict {
		t.Fatalf("second claim kind = %v, want conflict", errs.KindOf(err))
	}

	if err := store.CompleteEscrowSettlement(ctx, e.ID, "0xfeed"); err != nil {
		t.Fatalf("complete: %v", err)
	}
	loaded, err := store.Escrow(ctx, e.ID)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded.Status != EscrowSettled || loaded.SettlementTxHash != "0xfeed" {
		t.Fatalf("settled escrow = %+v", loaded)
	}
	if loaded.ClosedAt == nil {
		t.Fatal("closed_at not set")
	}

	// Settled escrows disappear from the due list.
	due, err := store.SettlementDue(ctx, 10)
	if err != nil {
		t.Fatalf("settlement due: %v", err)
	}
	if len(due) != 0 {
		t.Fatalf("due = %d escrows, want 0", len(due))
	}
}

func TestDerivedAddressIdempotent(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	owner := uuid.NewString()

	first, err := store.SaveDerivedAddress(ctx, &DerivedAddress{
		OwnerID:      owner,
		Chain:        "btc",
		AccountIndex: 42,
		Address:      "bc1qfirst",
		EncryptedKey: []byte("sealed"),
	})
	if err != nil {
		t.Fatalf("first save: %v", err)
	}
	second, err := store.SaveDerivedAddress(ctx, &DerivedAddress{
		OwnerID:      owner,
		Chain:        "btc",
		AccountIndex: 42,
		Address:      "bc1qsecond",
	})
	if err != nil {
		t.Fatalf("second save: %v", err)
	}
	if second.Address != first.Address {
		t.Fatalf("second save returned %q, want stored %q", second.Address, first.Address)
	}

	other, err := store.SaveDerivedAddress(ctx, &DerivedAddress{
		OwnerID: owner,
		Chain:   "eth",
		Address: "0xother",
	})
	if err != nil {
		t.Fatalf("other chain save: %v", err)
	}
	if other.Address != "0xother" {
		t.Fatalf("other chain address = %q", other.Address)
	}
}

func TestWalletLifecycle(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	w := &Wallet{Label: "ops", SecpPublicKey: "02" + uuid.NewString(), EdPublicKey: "ed" + uuid.NewString()}
	if err := store.CreateWallet(ctx, w); err != nil {
		t.Fatalf("create wallet: %v", err)
	}
	if w.Status != WalletActive {
		t.Fatalf("status = %s, want ACTIVE", w.Status)
	}

	updated, err := store.UpdateWallet(ctx, w.ID, func(wallet *Wallet) {
		wallet.Status = WalletSuspended
	})
	if err != nil {
		t.Fatalf("update wallet: %v", err)
	}
	if updated.Status != WalletSuspended {
		t.Fatalf("status = %s, want SUSPENDED", updated.Status)
	}

	_, err = store.Wallet(ctx, uuid.New())
	if errs.KindOf(err) != errs.KindNotFound {
		t.Fatalf("missing wallet kind = %v, want not found", errs.KindOf(err))
	}
}
