package payments

import (
	"context"
	"log/slog"
	"math/big"
	"time"

	"chainpay/chains"
	"chainpay/errs"
	"chainpay/events"
	"chainpay/observability"
	"chainpay/storage"
)

const (
	DefaultInterval     = 15 * time.Second
	DefaultBatchSize    = 100
	DefaultToleranceBps = 100
)

// Report summarises one monitor cycle.
type Report struct {
	Checked   int
	Confirmed int
	Expired   int
	Errors    int
}

// Monitor drives the payment lifecycle: it expires stale payments, compares
// observed deposits against expectations, applies per-chain confirmation
// policy, and hands newly confirmed payments to the forwarder.
type Monitor struct {
	store        *storage.Store
	registry     *chains.Registry
	forwarder    *Forwarder
	emitter      events.Emitter
	log          *slog.Logger
	interval     time.Duration
	batchSize    int
	toleranceBps int64
	nowFn        func() time.Time
}

type MonitorOptions struct {
	Interval     time.Duration
	BatchSize    int
	ToleranceBps int64
}

func NewMonitor(store *storage.Store, registry *chains.Registry, forwarder *Forwarder, emitter events.Emitter, opts MonitorOptions, log *slog.Logger) *Monitor {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if opts.ToleranceBps < 0 {
		opts.ToleranceBps = DefaultToleranceBps
	}
	if emitter == nil {
		emitter = events.NoopEmitter{}
	}
	if log == nil {
		log = slog.Default()
	}
	return &Monitor{
		store:        store,
		registry:     registry,
		forwarder:    forwarder,
		emitter:      emitter,
		log:          log,
		interval:     opts.Interval,
		batchSize:    opts.BatchSize,
		toleranceBps: opts.ToleranceBps,
		nowFn:        time.Now,
	}
}

// Run polls until the context is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			report := m.RunOnce(ctx)
			m.log.Debug("monitor cycle",
				slog.Int("checked", report.Checked),
				slog.Int("confirmed", report.Confirmed),
				slog.Int("expired", report.Expired),
				slog.Int("errors", report.Errors),
			)
		}
	}
}

// RunOnce performs a single polling cycle. Per-item failures are counted and
// never abort the batch.
func (m *Monitor) RunOnce(ctx context.Context) Report {
	start := m.nowFn()
	var report Report

	expired, err := m.store.ExpireDuePayments(ctx, start)
	if err != nil {
		m.log.Error("expire pass failed", slog.String("error", err.Error()))
		report.Errors++
	}
	report.Expired = int(expired)
	metrics := observability.Monitor()
	for i := int64(0); i < expired; i++ {
		metrics.RecordTransition(string(storage.PaymentExpired))
	}

	open, err := m.store.OpenPayments(ctx, m.batchSize)
	if err != nil {
		m.log.Error("list open payments failed", slog.String("error", err.Error()))
		report.Errors++
		metrics.RecordCycle(0, report.Errors, m.nowFn().Sub(start))
		return report
	}

	for i := range open {
		report.Checked++
		if err := m.checkPayment(ctx, &open[i], &report); err != nil {
			report.Errors++
			m.log.Warn("payment check failed",
				slog.String("payment_id", open[i].ID.String()),
				slog.String("chain", open[i].Chain),
				slog.String("error", err.Error()),
			)
		}
	}

	metrics.RecordCycle(report.Checked, report.Errors, m.nowFn().Sub(start))
	return report
}

func (m *Monitor) checkPayment(ctx context.Context, p *storage.Payment, report *Report) error {
	adapter, err := m.registry.Adapter(p.Chain)
	if err != nil {
		return err
	}
	status, err := adapter.AddressStatus(ctx, p.Address, p.TxHash)
	if err != nil {
		return err
	}
	metrics := observability.Monitor()

	if status.Failed {
		if err := m.store.RecordPaymentProgress(ctx, p.ID, observedString(status.Balance), status.TxHash, status.Confirmations, storage.PaymentFailed); err != nil {
			return err
		}
		metrics.RecordTransition(string(storage.PaymentFailed))
		m.log.Info("payment failed on chain",
			slog.String("payment_id", p.ID.String()),
			slog.String("from", string(p.Status)),
			slog.String("to", string(storage.PaymentFailed)),
		)
		return nil
	}

	if !WithinTolerance(p.ExpectedAmount, status.Balance, m.toleranceBps) {
		return nil
	}

	required := adapter.Params().RequiredConfirmations
	if status.Confirmations < required {
		if p.Status == storage.PaymentPending {
			metrics.RecordTransition(string(storage.PaymentConfirming))
			m.log.Info("payment deposit observed",
				slog.String("payment_id", p.ID.String()),
				slog.String("from", string(p.Status)),
				slog.String("to", string(storage.PaymentConfirming)),
				slog.Uint64("confirmations", status.Confirmations),
			)
		}
		return m.store.RecordPaymentProgress(ctx, p.ID, observedString(status.Balance), status.TxHash, status.Confirmations, storage.PaymentConfirming)
	}

	if err := m.store.RecordPaymentProgress(ctx, p.ID, observedString(status.Balance), status.TxHash, status.Confirmations, storage.PaymentConfirmed); err != nil {
		return err
	}
	report.Confirmed++
	metrics.RecordTransition(string(storage.PaymentConfirmed))
	m.log.Info("payment confirmed",
		slog.String("payment_id", p.ID.String()),
		slog.String("from", string(p.Status)),
		slog.String("to", string(storage.PaymentConfirmed)),
		slog.Uint64("confirmations", status.Confirmations),
	)
	m.emitter.Emit(events.Event{
		Type:     events.TypePaymentConfirmed,
		EntityID: p.ID.String(),
		Chain:    p.Chain,
		Amount:   observedString(status.Balance),
		TxHash:   status.TxHash,
	})

	if m.forwarder == nil {
		return nil
	}
	if err := m.forwarder.Forward(ctx, p); err != nil {
		// Losing the claim race is success from this worker's perspective.
		if errs.KindOf(err) == errs.KindConflict {
			return nil
		}
		return err
	}
	return nil
}

// WithinTolerance reports whether observed covers expected after allowing the
// configured shortfall in basis points. The comparison is pure integer math:
// observed * 10000 >= expected * (10000 - toleranceBps).
func WithinTolerance(expected string, observed *big.Int, toleranceBps int64) bool {
	if observed == nil || observed.Sign() <= 0 {
		return false
	}
	want, ok := new(big.Int).SetString(expected, 10)
	if !ok || want.Sign() <= 0 {
		return false
	}
	lhs := new(big.Int).Mul(observed, big.NewInt(10000))
	rhs := new(big.Int).Mul(want, big.NewInt(10000-toleranceBps))
	return lhs.Cmp(rhs) >= 0
}

func observedString(balance *big.Int) string {
	if balance == nil {
		return "0"
	}
	return balance.String()
}
