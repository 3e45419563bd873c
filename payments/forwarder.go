// Package payments watches pending payments for on-chain deposits and sweeps
// confirmed funds to their business destination exactly once.
package payments

import (
	"context"
	"log/slog"

	"chainpay/broadcast"
	"chainpay/chains"
	"chainpay/crypto"
	"chainpay/errs"
	"chainpay/storage"
)

// DestinationResolver maps a confirmed payment to its payout address.
type DestinationResolver interface {
	Destination(ctx context.Context, p *storage.Payment) (string, error)
}

// StaticDestinations resolves payouts from a chain-keyed table.
type StaticDestinations map[string]string

func (d StaticDestinations) Destination(_ context.Context, p *storage.Payment) (string, error) {
	dest, ok := d[p.Chain]
	if !ok || dest == "" {
		return "", errs.Validationf("no payout destination configured for chain %q", p.Chain)
	}
	return dest, nil
}

// Forwarder sweeps a confirmed payment's balance to the business destination.
// The forwarding marker is claimed before any chain interaction, so repeated
// observation of the same confirmed payment cannot double-spend.
type Forwarder struct {
	store       *storage.Store
	registry    *chains.Registry
	cipher      *crypto.Cipher
	resolver    DestinationResolver
	broadcaster *broadcast.Broadcaster
	log         *slog.Logger
}

func NewForwarder(store *storage.Store, registry *chains.Registry, cipher *crypto.Cipher, resolver DestinationResolver, broadcaster *broadcast.Broadcaster, log *slog.Logger) *Forwarder {
	if log == nil {
		log = slog.Default()
	}
	return &Forwarder{
		store:       store,
		registry:    registry,
		cipher:      cipher,
		resolver:    resolver,
		broadcaster: broadcaster,
		log:         log,
	}
}

// Forward claims and executes the sweep for a confirmed payment. A Conflict
// means another worker already owns the payment; any later failure rolls the
// claim back so the next tick can retry.
func (f *Forwarder) Forward(ctx context.Context, p *storage.Payment) error {
	if err := f.store.ClaimPaymentForward(ctx, p.ID); err != nil {
		return err
	}

	txHash, err := f.sweep(ctx, p)
	if err != nil {
		if releaseErr := f.store.ReleasePaymentForward(ctx, p.ID); releaseErr != nil {
			f.log.Error("forward claim rollback failed",
				slog.String("payment_id", p.ID.String()),
				slog.String("error", releaseErr.Error()),
			)
		}
		return err
	}
	if err := f.store.CompletePaymentForward(ctx, p.ID, txHash); err != nil {
		return err
	}
	f.log.Info("payment forwarded",
		slog.String("payment_id", p.ID.String()),
		slog.String("chain", p.Chain),
		slog.String("tx_hash", txHash),
	)
	return nil
}

func (f *Forwarder) sweep(ctx context.Context, p *storage.Payment) (string, error) {
	adapter, err := f.registry.Adapter(p.Chain)
	if err != nil {
		return "", err
	}
	rec, err := f.store.DerivedAddress(ctx, p.ID.String(), p.Chain)
	if err != nil {
		return "", err
	}
	priv, err := f.cipher.Decrypt(rec.EncryptedKey)
	if err != nil {
		return "", errs.Wrap(errs.KindInternal, err, "unseal derived key")
	}
	dest, err := f.resolver.Destination(ctx, p)
	if err != nil {
		return "", err
	}
	raw, _, err := adapter.BuildSweep(ctx, priv, p.Address, dest, nil)
	if err != nil {
		return "", err
	}
	// The claim was taken before the sweep was built; the guard re-reads the
	// row so a payment failed or completed in the meantime is never broadcast.
	guard := broadcast.GuardFunc(func(ctx context.Context) error {
		cur, err := f.store.Payment(ctx, p.ID)
		if err != nil {
			return err
		}
		if cur.ForwardTxHash != storage.ForwardClaimed {
			return errs.Conflictf("payment %s forward already recorded", p.ID)
		}
		if cur.Status != storage.PaymentConfirmed {
			return errs.Conflictf("payment %s is %s, not confirmed", p.ID, cur.Status)
		}
		return nil
	})
	receipt, err := f.broadcaster.Submit(ctx, p.Chain, raw, guard)
	if err != nil {
		return "", err
	}
	return receipt.TxHash, nil
}
