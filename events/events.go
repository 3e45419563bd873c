// Package events defines the settlement event contract and a bounded
// in-process queue that hands events to whatever delivery mechanism a
// deployment attaches.
package events

import "time"

// Event types emitted by the settlement pipeline.
const (
	TypePaymentConfirmed = "payment.confirmed"
	TypeEscrowFunded     = "escrow.funded"
	TypeEscrowReleased   = "escrow.released"
	TypeEscrowDisputed   = "escrow.disputed"
	TypeEscrowRefunded   = "escrow.refunded"
	TypeEscrowSettled    = "escrow.settled"
)

// Event is one state transition worth telling the outside world about.
type Event struct {
	Sequence   int64             `json:"sequence"`
	Type       string            `json:"type"`
	EntityID   string            `json:"entity_id"`
	Chain      string            `json:"chain"`
	Amount     string            `json:"amount,omitempty"`
	TxHash     string            `json:"tx_hash,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
	OccurredAt time.Time         `json:"occurred_at"`
}

// Emitter receives events as they happen. Emit must not block the caller.
type Emitter interface {
	Emit(evt Event)
}

// NoopEmitter discards everything.
type NoopEmitter struct{}

func (NoopEmitter) Emit(Event) {}
