package payments

import (
	"bytes"
	"context"
	"fmt"
	"math/big"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"chainpay/broadcast"
	"chainpay/chains"
	"chainpay/crypto"
	"chainpay/errs"
	"chainpay/events"
	"chainpay/storage"
	"chainpay/wallet/hd"
)

type oracleAdapter struct {
	params     chains.Params
	status     chains.Status
	statusErr  error
	broadcasts int
	buildHook  func()
}

func (a *oracleAdapter) Params() chains.Params { return a.params }
func (a *oracleAdapter) AddressStatus(context.Context, string, string) (chains.Status, error) {
	return a.status, a.statusErr
}
func (a *oracleAdapter) BroadcastTx(context.Context, []byte) (string, error) {
	a.broadcasts++
	return fmt.Sprintf("0xsweep%d", a.broadcasts), nil
}
func (a *oracleAdapter) DeriveAddress(string) (hd.Result, error) { return hd.Result{}, nil }
func (a *oracleAdapter) ValidateAddress(string) error            { return nil }
func (a *oracleAdapter) BuildSweep(context.Context, []byte, string, string, *big.Int) ([]byte, *big.Int, error) {
	if a.buildHook != nil {
		a.buildHook()
	}
	return []byte{0xAA}, big.NewInt(1), nil
}

type fixture struct {
	db        *gorm.DB
	store     *storage.Store
	adapter   *oracleAdapter
	monitor   *Monitor
	forwarder *Forwarder
	queue     *events.Queue
}

func newFixture(t *testing.T, required uint64) *fixture {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{TranslateError: true})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	store, err := storage.New(db)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}

	adapter := &oracleAdapter{params: chains.Params{ID: "btc", Family: chains.FamilyUTXO, RequiredConfirmations: required}}
	registry := chains.NewRegistry()
	registry.Register(adapter)

	cipher, err := crypto.NewCipher(bytes.Repeat([]byte{9}, 32))
	if err != nil {
		t.Fatalf("new cipher: %v", err)
	}
	broadcaster := broadcast.New(registry, broadcast.Options{MaxAttempts: 1}, nil)
	forwarder := NewForwarder(store, registry, cipher, StaticDestinations{"btc": "bc1qmerchant"}, broadcaster, nil)
	queue := events.NewQueue(events.WithCapacity(16))
	monitor := NewMonitor(store, registry, forwarder, queue, MonitorOptions{ToleranceBps: 100}, nil)
	return &fixture{db: db, store: store, adapter: adapter, monitor: monitor, forwarder: forwarder, queue: queue}
}

func (f *fixture) seedPayment(t *testing.T, expected string, expiresAt time.Time) *storage.Payment {
	t.Helper()
	ctx := context.Background()
	p := &storage.Payment{
		ID:             uuid.New(),
		BusinessID:     uuid.New(),
		Chain:          "btc",
		Address:        "bc1qpayment",
		ExpectedAmount: expected,
		ExpiresAt:      expiresAt,
	}
	if err := f.store.CreatePayment(ctx, p); err != nil {
		t.Fatalf("create payment: %v", err)
	}
	cipher, _ := crypto.NewCipher(bytes.Repeat([]byte{9}, 32))
	sealed, err := cipher.Encrypt([]byte("derived-private-key"))
	if err != nil {
		t.Fatalf("seal key: %v", err)
	}
	if _, err := f.store.SaveDerivedAddress(ctx, &storage.DerivedAddress{
		OwnerID:      p.ID.String(),
		Chain:        "btc",
		Address:      p.Address,
		EncryptedKey: sealed,
	}); err != nil {
		t.Fatalf("save derived address: %v", err)
	}
	return p
}

// Payment of 0.001 BTC observed as 0.00099 at the confirmation threshold:
// within the 1% tolerance, so the payment confirms and forwards.
func TestMonitorConfirmsWithinTolerance(t *testing.T) {
	f := newFixture(t, 3)
	p := f.seedPayment(t, "100000", time.Now().Add(time.Hour))
	f.adapter.status = chains.Status{Balance: big.NewInt(99000), Confirmations: 3, TxHash: "deposit"}

	report := f.monitor.RunOnce(context.Background())
	if report.Errors != 0 {
		t.Fatalf("errors = %d: %+v", report.Errors, report)
	}
	if report.Checked != 1 || report.Confirmed != 1 {
		t.Fatalf("report = %+v", report)
	}

	loaded, err := f.store.Payment(context.Background(), p.ID)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded.Status != storage.PaymentConfirmed {
		t.Fatalf("status = %s, want CONFIRMED", loaded.Status)
	}
	if loaded.ObservedAmount != "99000" || loaded.TxHash != "deposit" {
		t.Fatalf("observation = %q/%q", loaded.ObservedAmount, loaded.TxHash)
	}
	if loaded.ForwardTxHash != "0xsweep1" {
		t.Fatalf("forward hash = %q", loaded.ForwardTxHash)
	}

	evt, ok := f.queue.Dequeue(context.Background())
	if !ok || evt.Type != events.TypePaymentConfirmed || evt.EntityID != p.ID.String() {
		t.Fatalf("event = %+v ok=%t", evt, ok)
	}
}

func TestMonitorForwardsAtMostOnce(t *testing.T) {
	f := newFixture(t, 3)
	f.seedPayment(t, "100000", time.Now().Add(time.Hour))
	f.adapter.status = chains.Status{Balance: big.NewInt(100000), Confirmations: 6}

	for i := 0; i < 3; i++ {
		if report := f.monitor.RunOnce(context.Background()); report.Errors != 0 {
			t.Fatalf("cycle %d errors = %d", i, report.Errors)
		}
	}
	if f.adapter.broadcasts != 1 {
		t.Fatalf("broadcasts = %d, want exactly 1", f.adapter.broadcasts)
	}
}

func TestMonitorHoldsBelowThreshold(t *testing.T) {
	f := newFixture(t, 3)
	p := f.seedPayment(t, "100000", time.Now().Add(time.Hour))
	f.adapter.status = chains.Status{Balance: big.NewInt(100000), Confirmations: 2}

	report := f.monitor.RunOnce(context.Background())
	if report.Confirmed != 0 {
		t.Fatalf("confirmed = %d, want 0", report.Confirmed)
	}
	loaded, _ := f.store.Payment(context.Background(), p.ID)
	if loaded.Status != storage.PaymentConfirming {
		t.Fatalf("status = %s, want CONFIRMING", loaded.Status)
	}
	if f.adapter.broadcasts != 0 {
		t.Fatal("forwarded before reaching the confirmation threshold")
	}
}

func TestMonitorIgnoresShortDeposits(t *testing.T) {
	f := newFixture(t, 3)
	p := f.seedPayment(t, "100000", time.Now().Add(time.Hour))
	// 2% short: outside the 1% tolerance.
	f.adapter.status = chains.Status{Balance: big.NewInt(98000), Confirmations: 6}

	f.monitor.RunOnce(context.Background())
	loaded, _ := f.store.Payment(context.Background(), p.ID)
	if loaded.Status != storage.PaymentPending {
		t.Fatalf("status = %s, want PENDING unchanged", loaded.Status)
	}
}

func TestMonitorExpiresAndFails(t *testing.T) {
	f := newFixture(t, 3)
	stale := f.seedPayment(t, "100000", time.Now().Add(-time.Minute))
	failed := f.seedPayment(t, "100000", time.Now().Add(time.Hour))

	f.adapter.status = chains.Status{Balance: big.NewInt(100000), Confirmations: 1, Failed: true}
	report := f.monitor.RunOnce(context.Background())
	if report.Expired != 1 {
		t.Fatalf("expired = %d, want 1", report.Expired)
	}

	loadedStale, _ := f.store.Payment(context.Background(), stale.ID)
	if loadedStale.Status != storage.PaymentExpired {
		t.Fatalf("stale status = %s, want EXPIRED", loadedStale.Status)
	}
	loadedFailed, _ := f.store.Payment(context.Background(), failed.ID)
	if loadedFailed.Status != storage.PaymentFailed {
		t.Fatalf("failed status = %s, want FAILED", loadedFailed.Status)
	}
}

// A payment knocked out of CONFIRMED after the claim but before the broadcast
// must be refused at the broadcaster and have its claim rolled back.
func TestForwarderGuardRefusesStalePayment(t *testing.T) {
	f := newFixture(t, 3)
	p := f.seedPayment(t, "100000", time.Now().Add(time.Hour))
	ctx := context.Background()
	if err := f.store.RecordPaymentProgress(ctx, p.ID, "100000", "deposit", 3, storage.PaymentConfirmed); err != nil {
		t.Fatalf("confirm payment: %v", err)
	}

	f.adapter.buildHook = func() {
		// An out-of-band mutation lands while the sweep is being built.
		if err := f.db.Model(&storage.Payment{}).Where("id = ?", p.ID).
			Update("status", storage.PaymentFailed).Error; err != nil {
			t.Errorf("flip status: %v", err)
		}
	}

	err := f.forwarder.Forward(ctx, p)
	if errs.KindOf(err) != errs.KindConflict {
		t.Fatalf("kind = %v (%v), want conflict", errs.KindOf(err), err)
	}
	if f.adapter.broadcasts != 0 {
		t.Fatalf("broadcasts = %d, want 0", f.adapter.broadcasts)
	}
	loaded, err := f.store.Payment(ctx, p.ID)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded.ForwardTxHash != "" {
		t.Fatalf("forward hash = %q, want rolled-back claim", loaded.ForwardTxHash)
	}
}

func TestMonitorIsolatesItemErrors(t *testing.T) {
	f := newFixture(t, 3)
	f.seedPayment(t, "100000", time.Now().Add(time.Hour))
	f.adapter.statusErr = &chains.Error{Chain: "btc", Op: "query", Code: chains.CodeNetwork, Retryable: true}

	report := f.monitor.RunOnce(context.Background())
	if report.Errors != 1 || report.Checked != 1 {
		t.Fatalf("report = %+v, want one isolated error", report)
	}
}

func TestWithinTolerance(t *testing.T) {
	cases := []struct {
		expected string
		observed int64
		bps      int64
		want     bool
	}{
		{"100000", 100000, 100, true},
		{"100000", 99000, 100, true},
		{"100000", 98999, 100, false},
		{"100000", 100500, 100, true},
		{"100000", 100000, 0, true},
		{"100000", 99999, 0, false},
		{"0", 1000, 100, false},
		{"not-a-number", 1000, 100, false},
	}
	for _, tc := range cases {
		got := WithinTolerance(tc.expected, big.NewInt(tc.observed), tc.bps)
		if got != tc.want {
			t.Fatalf("WithinTolerance(%s, %d, %d) = %t, want %t", tc.expected, tc.observed, tc.bps, got, tc.want)
		}
	}
}
