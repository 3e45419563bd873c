package escrow

import (
	"bytes"
	"context"
	"fmt"
	"math/big"
	"sync"
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

type sweep struct {
	to     string
	amount *big.Int
}

type escrowChain struct {
	mu      sync.Mutex
	params  chains.Params
	status  chains.Status
	sweeps  []sweep
	nextTx  int
	derived hd.Result
}

func (a *escrowChain) Params() chains.Params { return a.params }
func (a *escrowChain) AddressStatus(context.Context, string, string) (chains.Status, error) {
	return a.status, nil
}
func (a *escrowChain) BroadcastTx(context.Context, []byte) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.nextTx++
	return fmt.Sprintf("0xsettle%d", a.nextTx), nil
}
func (a *escrowChain) DeriveAddress(string) (hd.Result, error) { return a.derived, nil }
func (a *escrowChain) ValidateAddress(addr string) error {
	if addr == "" {
		return &chains.Error{Chain: a.params.ID, Op: "validate_address", Code: chains.CodeMalformed}
	}
	return nil
}
func (a *escrowChain) BuildSweep(_ context.Context, _ []byte, _, to string, amount *big.Int) ([]byte, *big.Int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	var copied *big.Int
	if amount != nil {
		copied = new(big.Int).Set(amount)
	}
	a.sweeps = append(a.sweeps, sweep{to: to, amount: copied})
	return []byte{0xEE}, amount, nil
}

func (a *escrowChain) sweepLog() []sweep {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]sweep(nil), a.sweeps...)
}

type splitCapableChain struct {
	escrowChain
	splits [][]chains.SweepOutput
}

func (a *splitCapableChain) BuildMultiSweep(_ context.Context, _ []byte, _ string, outputs []chains.SweepOutput) ([]byte, *big.Int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	copied := make([]chains.SweepOutput, len(outputs))
	for i, out := range outputs {
		copied[i] = chains.SweepOutput{To: out.To}
		if out.Amount != nil {
			copied[i].Amount = new(big.Int).Set(out.Amount)
		}
	}
	a.splits = append(a.splits, copied)
	return []byte{0xAB}, nil, nil
}

func (a *splitCapableChain) splitLog() [][]chains.SweepOutput {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([][]chains.SweepOutput(nil), a.splits...)
}

type engineFixture struct {
	engine  *Engine
	store   *storage.Store
	adapter *escrowChain
	queue   *events.Queue
}

func newEngineFixture(t *testing.T) *engineFixture {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{TranslateError: true})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if sqlDB, err := db.DB(); err == nil {
		sqlDB.SetMaxOpenConns(1)
	}
	store, err := storage.New(db)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	adapter := &escrowChain{
		params:  chains.Params{ID: "eth", Family: chains.FamilyEVM, RequiredConfirmations: 12},
		derived: hd.Result{AccountIndex: 7, Address: "0xescrow", PrivateKey: []byte("escrow-key")},
	}
	registry := chains.NewRegistry()
	registry.Register(adapter)
	cipher, err := crypto.NewCipher(bytes.Repeat([]byte{3}, 32))
	if err != nil {
		t.Fatalf("new cipher: %v", err)
	}
	broadcaster := broadcast.New(registry, broadcast.Options{MaxAttempts: 1}, nil)
	queue := events.NewQueue(events.WithCapacity(32))
	engine := NewEngine(store, registry, cipher, broadcaster, queue,
		map[string]string{"eth": "0xcommission"}, nil)
	return &engineFixture{engine: engine, store: store, adapter: adapter, queue: queue}
}

func (f *engineFixture) createFunded(t *testing.T, deposited string) (*storage.Escrow, Tokens) {
	t.Helper()
	ctx := context.Background()
	esc, tokens, err := f.engine.Create(ctx, CreateParams{
		Chain:              "eth",
		Depositor:          "alice",
		Beneficiary:        "bob",
		DepositorAddress:   "0xalice",
		BeneficiaryAddress: "0xbob",
		Amount:             "1000000",
	})
	if err != nil {
		t.Fatalf("create escrow: %v", err)
	}
	now := time.Now().UTC()
	if _, err := f.store.TransitionEscrow(ctx, esc.ID,
		[]storage.EscrowStatus{storage.EscrowCreated},
		storage.EscrowFunded, func(row *storage.Escrow) {
			row.DepositedAmount = deposited
			row.FundedAt = &now
		}); err != nil {
		t.Fatalf("fund escrow: %v", err)
	}
	return esc, tokens
}

func TestCreateMintsTokensOnce(t *testing.T) {
	f := newEngineFixture(t)
	esc, tokens, err := f.engine.Create(context.Background(), CreateParams{
		Chain:              "eth",
		Depositor:          "alice",
		Beneficiary:        "bob",
		DepositorAddress:   "0xalice",
		BeneficiaryAddress: "0xbob",
		Amount:             "1000000",
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if tokens.Depositor == "" || tokens.Beneficiary == "" || tokens.Depositor == tokens.Beneficiary {
		t.Fatalf("tokens = %+v", tokens)
	}
	if esc.DepositorTokenHash == tokens.Depositor || esc.BeneficiaryTokenHash == tokens.Beneficiary {
		t.Fatal("raw tokens must not be persisted")
	}
	if esc.EscrowAddress != "0xescrow" {
		t.Fatalf("escrow address = %q", esc.EscrowAddress)
	}
	// 1% default fee.
	if esc.FeeAmount != "10000" {
		t.Fatalf("fee = %s, want 10000", esc.FeeAmount)
	}

	rec, err := f.store.DerivedAddress(context.Background(), esc.ID.String(), "eth")
	if err != nil {
		t.Fatalf("derived address: %v", err)
	}
	if len(rec.EncryptedKey) == 0 || bytes.Contains(rec.EncryptedKey, []byte("escrow-key")) {
		t.Fatal("derived key must be stored encrypted")
	}
}

func TestCreateValidation(t *testing.T) {
	f := newEngineFixture(t)
	cases := []struct {
		name   string
		params CreateParams
	}{
		{"zero amount", CreateParams{Chain: "eth", Depositor: "a", Beneficiary: "b", DepositorAddress: "0xa", BeneficiaryAddress: "0xb", Amount: "0"}},
		{"bad amount", CreateParams{Chain: "eth", Depositor: "a", Beneficiary: "b", DepositorAddress: "0xa", BeneficiaryAddress: "0xb", Amount: "1.5"}},
		{"missing beneficiary address", CreateParams{Chain: "eth", Depositor: "a", Beneficiary: "b", DepositorAddress: "0xa", Amount: "100"}},
		{"missing parties", CreateParams{Chain: "eth", DepositorAddress: "0xa", BeneficiaryAddress: "0xb", Amount: "100"}},
		{"unsupported chain", CreateParams{Chain: "doge", Depositor: "a", Beneficiary: "b", DepositorAddress: "0xa", BeneficiaryAddress: "0xb", Amount: "100"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, _, err := f.engine.Create(context.Background(), tc.params)
			if errs.KindOf(err) != errs.KindValidation {
				t.Fatalf("kind = %v (%v), want validation", errs.KindOf(err), err)
			}
		})
	}
}

func TestReleaseRequiresDepositorToken(t *testing.T) {
	f := newEngineFixture(t)
	esc, tokens := f.createFunded(t, "1000000")
	ctx := context.Background()

	if _, err := f.engine.Release(ctx, esc.ID, tokens.Beneficiary); errs.KindOf(err) != errs.KindForbidden {
		t.Fatalf("beneficiary token kind = %v, want forbidden", errs.KindOf(err))
	}
	updated, err := f.engine.Release(ctx, esc.ID, tokens.Depositor)
	if err != nil {
		t.Fatalf("release: %v", err)
	}
	if updated.Status != storage.EscrowReleased {
		t.Fatalf("status = %s", updated.Status)
	}
	// Releasing twice conflicts.
	if _, err := f.engine.Release(ctx, esc.ID, tokens.Depositor); errs.KindOf(err) != errs.KindConflict {
		t.Fatalf("double release kind = %v, want conflict", errs.KindOf(err))
	}
}

func TestDisputeEitherTokenWithReason(t *testing.T) {
	f := newEngineFixture(t)
	esc, tokens := f.createFunded(t, "1000000")
	ctx := context.Background()

	if _, err := f.engine.Dispute(ctx, esc.ID, tokens.Beneficiary, ""); errs.KindOf(err) != errs.KindValidation {
		t.Fatalf("missing reason kind = %v, want validation", errs.KindOf(err))
	}
	if _, err := f.engine.Dispute(ctx, esc.ID, "stolen-token", "item not delivered"); errs.KindOf(err) != errs.KindForbidden {
		t.Fatalf("foreign token kind = %v, want forbidden", errs.KindOf(err))
	}
	updated, err := f.engine.Dispute(ctx, esc.ID, tokens.Beneficiary, "item not delivered")
	if err != nil {
		t.Fatalf("dispute: %v", err)
	}
	if updated.Status != storage.EscrowDisputed || updated.DisputeReason != "item not delivered" {
		t.Fatalf("escrow = %+v", updated)
	}

	// A dispute can still resolve to released by the depositor.
	released, err := f.engine.Release(ctx, esc.ID, tokens.Depositor)
	if err != nil {
		t.Fatalf("release after dispute: %v", err)
	}
	if released.Status != storage.EscrowReleased {
		t.Fatalf("status = %s", released.Status)
	}
}

func TestRefundPaths(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()

	t.Run("disputed refund with either token", func(t *testing.T) {
		esc, tokens := f.createFunded(t, "1000000")
		if _, err := f.engine.Dispute(ctx, esc.ID, tokens.Depositor, "wrong item"); err != nil {
			t.Fatalf("dispute: %v", err)
		}
		updated, err := f.engine.Refund(ctx, esc.ID, tokens.Beneficiary)
		if err != nil {
			t.Fatalf("refund: %v", err)
		}
		if updated.Status != storage.EscrowRefunded {
			t.Fatalf("status = %s", updated.Status)
		}
	})

	t.Run("expiry refund needs depositor token", func(t *testing.T) {
		esc, tokens := f.createFunded(t, "1000000")
		if _, err := f.engine.Refund(ctx, esc.ID, tokens.Depositor); errs.KindOf(err) != errs.KindConflict {
			t.Fatalf("pre-expiry kind = %v, want conflict", errs.KindOf(err))
		}
		f.engine.nowFn = func() time.Time { return esc.ExpiresAt.Add(time.Minute) }
		if _, err := f.engine.Refund(ctx, esc.ID, tokens.Beneficiary); errs.KindOf(err) != errs.KindForbidden {
			t.Fatalf("beneficiary expiry refund kind = %v, want forbidden", errs.KindOf(err))
		}
		updated, err := f.engine.Refund(ctx, esc.ID, tokens.Depositor)
		if err != nil {
			t.Fatalf("expiry refund: %v", err)
		}
		if updated.Status != storage.EscrowRefunded {
			t.Fatalf("status = %s", updated.Status)
		}
	})
}

func TestSettleReleasedSplitsFee(t *testing.T) {
	f := newEngineFixture(t)
	esc, tokens := f.createFunded(t, "1000000")
	ctx := context.Background()
	if _, err := f.engine.Release(ctx, esc.ID, tokens.Depositor); err != nil {
		t.Fatalf("release: %v", err)
	}

	settled, err := f.engine.Settle(ctx, esc.ID)
	if err != nil {
		t.Fatalf("settle: %v", err)
	}
	if settled.Status != storage.EscrowSettled || settled.SettlementTxHash == "" {
		t.Fatalf("settled = %+v", settled)
	}

	sweeps := f.adapter.sweepLog()
	if len(sweeps) != 2 {
		t.Fatalf("sweeps = %d, want payout plus commission", len(sweeps))
	}
	if sweeps[0].to != "0xbob" || sweeps[0].amount.String() != "990000" {
		t.Fatalf("payout sweep = %+v, want 99%% to beneficiary", sweeps[0])
	}
	if sweeps[1].to != "0xcommission" || sweeps[1].amount == nil || sweeps[1].amount.String() != "10000" {
		t.Fatalf("commission sweep = %+v, want exact 1%% fee to commission", sweeps[1])
	}
}

// A chain whose adapter can pay several outputs in one transaction settles
// payout and fee atomically instead of issuing two spends.
func TestSettleReleasedSingleSplitTransaction(t *testing.T) {
	f := newEngineFixture(t)
	multi := &splitCapableChain{escrowChain: escrowChain{
		params:  f.adapter.params,
		derived: f.adapter.derived,
	}}
	f.engine.registry.Register(multi)

	esc, tokens := f.createFunded(t, "1000000")
	ctx := context.Background()
	if _, err := f.engine.Release(ctx, esc.ID, tokens.Depositor); err != nil {
		t.Fatalf("release: %v", err)
	}
	if _, err := f.engine.Settle(ctx, esc.ID); err != nil {
		t.Fatalf("settle: %v", err)
	}

	if got := len(multi.sweepLog()); got != 0 {
		t.Fatalf("single-output sweeps = %d, want 0", got)
	}
	splits := multi.splitLog()
	if len(splits) != 1 {
		t.Fatalf("split transactions = %d, want 1", len(splits))
	}
	outs := splits[0]
	if len(outs) != 2 {
		t.Fatalf("outputs = %d, want payout plus fee", len(outs))
	}
	if outs[0].To != "0xbob" || outs[0].Amount.String() != "990000" {
		t.Fatalf("payout output = %+v", outs[0])
	}
	if outs[1].To != "0xcommission" || outs[1].Amount.String() != "10000" {
		t.Fatalf("fee output = %+v", outs[1])
	}
}

func TestSettleRefundedPaysDepositorInFull(t *testing.T) {
	f := newEngineFixture(t)
	esc, tokens := f.createFunded(t, "1000000")
	ctx := context.Background()
	if _, err := f.engine.Dispute(ctx, esc.ID, tokens.Depositor, "cancelled"); err != nil {
		t.Fatalf("dispute: %v", err)
	}
	if _, err := f.engine.Refund(ctx, esc.ID, tokens.Depositor); err != nil {
		t.Fatalf("refund: %v", err)
	}

	if _, err := f.engine.Settle(ctx, esc.ID); err != nil {
		t.Fatalf("settle: %v", err)
	}
	sweeps := f.adapter.sweepLog()
	if len(sweeps) != 1 {
		t.Fatalf("sweeps = %d, want a single refund sweep", len(sweeps))
	}
	if sweeps[0].to != "0xalice" || sweeps[0].amount != nil {
		t.Fatalf("refund sweep = %+v, want full balance to depositor", sweeps[0])
	}
}

func TestConcurrentSettleBroadcastsOnce(t *testing.T) {
	f := newEngineFixture(t)
	esc, tokens := f.createFunded(t, "1000000")
	ctx := context.Background()
	if _, err := f.engine.Release(ctx, esc.ID, tokens.Depositor); err != nil {
		t.Fatalf("release: %v", err)
	}

	var wg sync.WaitGroup
	errsCh := make(chan error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.engine.Settle(ctx, esc.ID)
			errsCh <- err
		}()
	}
	wg.Wait()
	close(errsCh)

	var conflicts, successes int
	for err := range errsCh {
		switch {
		case err == nil:
			successes++
		case errs.KindOf(err) == errs.KindConflict:
			conflicts++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if successes != 1 || conflicts != 1 {
		t.Fatalf("successes = %d conflicts = %d, want exactly one of each", successes, conflicts)
	}
	// One payout and one commission sweep, nothing doubled.
	if got := len(f.adapter.sweepLog()); got != 2 {
		t.Fatalf("sweeps = %d, want 2", got)
	}
}

func TestSettlerAdvancesFundingAndSettlement(t *testing.T) {
	f := newEngineFixture(t)
	esc, tokens := f.createFunded(t, "1000000")
	ctx := context.Background()
	if _, err := f.engine.Release(ctx, esc.ID, tokens.Depositor); err != nil {
		t.Fatalf("release: %v", err)
	}

	// A second escrow still waiting for its deposit.
	waiting, _, err := f.engine.Create(ctx, CreateParams{
		Chain:              "eth",
		Depositor:          "carol",
		Beneficiary:        "dave",
		DepositorAddress:   "0xcarol",
		BeneficiaryAddress: "0xdave",
		Amount:             "500000",
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	f.adapter.status = chains.Status{Balance: big.NewInt(500000), Confirmations: 12}

	settler := NewSettler(f.engine, SettlerOptions{ToleranceBps: 100})
	settler.RunOnce(ctx)

	funded, err := f.store.Escrow(ctx, waiting.ID)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if funded.Status != storage.EscrowFunded || funded.DepositedAmount != "500000" {
		t.Fatalf("waiting escrow = %+v", funded)
	}
	settled, err := f.store.Escrow(ctx, esc.ID)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if settled.Status != storage.EscrowSettled {
		t.Fatalf("released escrow status = %s, want SETTLED", settled.Status)
	}
}
