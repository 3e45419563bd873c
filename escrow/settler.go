package escrow

import (
	"context"
	"log/slog"
	"time"

	"chainpay/errs"
	"chainpay/events"
	"chainpay/payments"
	"chainpay/storage"
)

const (
	DefaultSettleInterval = 30 * time.Second
	DefaultSettleBatch    = 50
)

// Settler is the background loop that advances escrows the same way the
// payment monitor advances payments: it detects deposits on escrow addresses
// (created to funded) and sweeps closed escrows on chain.
type Settler struct {
	engine       *Engine
	interval     time.Duration
	batchSize    int
	toleranceBps int64
}

type SettlerOptions struct {
	Interval     time.Duration
	BatchSize    int
	ToleranceBps int64
}

func NewSettler(engine *Engine, opts SettlerOptions) *Settler {
	if opts.Interval <= 0 {
		opts.Interval = DefaultSettleInterval
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultSettleBatch
	}
	return &Settler{
		engine:       engine,
		interval:     opts.Interval,
		batchSize:    opts.BatchSize,
		toleranceBps: opts.ToleranceBps,
	}
}

// Run polls until the context is cancelled.
func (s *Settler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.RunOnce(ctx)
		}
	}
}

// RunOnce performs one funding-detection pass and one settlement pass.
// Failures are isolated per escrow.
func (s *Settler) RunOnce(ctx context.Context) {
	s.fundingPass(ctx)
	s.settlementPass(ctx)
}

func (s *Settler) fundingPass(ctx context.Context) {
	e := s.engine
	waiting, err := e.store.FundingEscrows(ctx, s.batchSize)
	if err != nil {
		e.log.Error("list funding escrows failed", slog.String("error", err.Error()))
		return
	}
	for i := range waiting {
		if err := s.checkFunding(ctx, &waiting[i]); err != nil {
			e.log.Warn("escrow funding check failed",
				slog.String("escrow_id", waiting[i].ID.String()),
				slog.String("chain", waiting[i].Chain),
				slog.String("error", err.Error()),
			)
		}
	}
}

func (s *Settler) checkFunding(ctx context.Context, esc *storage.Escrow) error {
	e := s.engine
	adapter, err := e.registry.Adapter(esc.Chain)
	if err != nil {
		return err
	}
	status, err := adapter.AddressStatus(ctx, esc.EscrowAddress, "")
	if err != nil {
		return err
	}
	if !payments.WithinTolerance(esc.Amount, status.Balance, s.toleranceBps) {
		return nil
	}
	if status.Confirmations < adapter.Params().RequiredConfirmations {
		return nil
	}

	deposited := status.Balance.String()
	fundedAt := e.nowFn().UTC()
	updated, err := e.store.TransitionEscrow(ctx, esc.ID,
		[]storage.EscrowStatus{storage.EscrowCreated},
		storage.EscrowFunded, func(row *storage.Escrow) {
			row.DepositedAmount = deposited
			row.FundedAt = &fundedAt
		})
	if err != nil {
		// Another worker funded it first.
		if errs.KindOf(err) == errs.KindConflict {
			return nil
		}
		return err
	}
	e.logTransition(updated, storage.EscrowCreated)
	e.emitter.Emit(events.Event{
		Type:     events.TypeEscrowFunded,
		EntityID: esc.ID.String(),
		Chain:    esc.Chain,
		Amount:   deposited,
		TxHash:   status.TxHash,
	})
	return nil
}

func (s *Settler) settlementPass(ctx context.Context) {
	e := s.engine
	due, err := e.store.SettlementDue(ctx, s.batchSize)
	if err != nil {
		e.log.Error("list settlement due failed", slog.String("error", err.Error()))
		return
	}
	for i := range due {
		if _, err := e.Settle(ctx, due[i].ID); err != nil {
			if errs.KindOf(err) == errs.KindConflict {
				continue
			}
			e.log.Warn("escrow settlement failed",
				slog.String("escrow_id", due[i].ID.String()),
				slog.String("chain", due[i].Chain),
				slog.String("error", err.Error()),
			)
		}
	}
}
