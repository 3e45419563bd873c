// Package broadcast submits signed transactions through chain adapters with a
// bounded retry policy. Transient failures are retried with exponential
// backoff; permanent rejections surface immediately.
package broadcast

import (
	"context"
	"log/slog"
	"time"

	"chainpay/chains"
	"chainpay/errs"
	"chainpay/observability"
)

const (
	DefaultMaxAttempts = 3
	DefaultBackoffBase = 500 * time.Millisecond
)

// Guard lets callers veto a broadcast before the first attempt, typically
// because the correlated entity is already terminal or expired.
type Guard interface {
	CheckBroadcast(ctx context.Context) error
}

// GuardFunc adapts a function to the Guard interface.
type GuardFunc func(ctx context.Context) error

func (f GuardFunc) CheckBroadcast(ctx context.Context) error { return f(ctx) }

// Receipt is the successful outcome of a broadcast.
type Receipt struct {
	TxHash      string
	ExplorerURL string
	Attempts    int
}

type Broadcaster struct {
	registry    *chains.Registry
	maxAttempts int
	backoffBase time.Duration
	callTimeout time.Duration
	log         *slog.Logger
	sleep       func(context.Context, time.Duration) error
}

type Options struct {
	MaxAttempts int
	BackoffBase time.Duration
	CallTimeout time.Duration
}

func New(registry *chains.Registry, opts Options, log *slog.Logger) *Broadcaster {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	if opts.BackoffBase <= 0 {
		opts.BackoffBase = DefaultBackoffBase
	}
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = 15 * time.Second
	}
	if log == nil {
		log = slog.Default()
	}
	return &Broadcaster{
		registry:    registry,
		maxAttempts: opts.MaxAttempts,
		backoffBase: opts.BackoffBase,
		callTimeout: opts.CallTimeout,
		log:         log,
		sleep:       sleepCtx,
	}
}

// Submit pushes raw to the named chain. The guard, when non-nil, runs once
// before the first attempt. Retries are attempted only for failures the
// adapter marked transient, with backoff doubling per attempt.
func (b *Broadcaster) Submit(ctx context.Context, chain string, raw []byte, guard Guard) (Receipt, error) {
	adapter, err := b.registry.Adapter(chain)
	if err != nil {
		return Receipt{}, err
	}
	if guard != nil {
		if err := guard.CheckBroadcast(ctx); err != nil {
			return Receipt{}, err
		}
	}

	metrics := observability.Broadcast()
	backoff := b.backoffBase
	var lastErr error
	for attempt := 1; attempt <= b.maxAttempts; attempt++ {
		start := time.Now()
		callCtx, cancel := context.WithTimeout(ctx, b.callTimeout)
		txHash, err := adapter.BroadcastTx(callCtx, raw)
		cancel()
		elapsed := time.Since(start)

		if err == nil {
			metrics.RecordAttempt(chain, "ok", elapsed)
			b.log.Info("transaction broadcast",
				slog.String("chain", chain),
				slog.String("tx_hash", txHash),
				slog.Int("attempt", attempt),
			)
			return Receipt{
				TxHash:      txHash,
				ExplorerURL: adapter.Params().ExplorerURL(txHash),
				Attempts:    attempt,
			}, nil
		}

		lastErr = err
		if !chains.Retryable(err) {
			metrics.RecordAttempt(chain, "permanent", elapsed)
			b.log.Error("broadcast rejected",
				slog.String("chain", chain),
				slog.Int("attempt", attempt),
				slog.String("error", err.Error()),
			)
			return Receipt{}, errs.Wrap(errs.KindPermanent, err, "broadcast rejected")
		}

		metrics.RecordAttempt(chain, "transient", elapsed)
		b.log.Warn("broadcast attempt failed",
			slog.String("chain", chain),
			slog.Int("attempt", attempt),
			slog.String("error", err.Error()),
		)
		if attempt == b.maxAttempts {
			break
		}
		metrics.RecordRetry(chain)
		if err := b.sleep(ctx, backoff); err != nil {
			return Receipt{}, errs.Wrap(errs.KindTransient, err, "broadcast cancelled")
		}
		backoff *= 2
	}
	return Receipt{}, errs.Wrap(errs.KindTransient, lastErr, "broadcast retries exhausted")
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
