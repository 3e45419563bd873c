package storage

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// PaymentStatus represents a state in the payment lifecycle.
type PaymentStatus string

const (
	PaymentPending    PaymentStatus = "PENDING"
	PaymentConfirming PaymentStatus = "CONFIRMING"
	PaymentConfirmed  PaymentStatus = "CONFIRMED"
	PaymentExpired    PaymentStatus = "EXPIRED"
	PaymentFailed     PaymentStatus = "FAILED"
)

// EscrowStatus represents a state in the escrow lifecycle.
type EscrowStatus string

const (
	EscrowCreated  EscrowStatus = "CREATED"
	EscrowFunded   EscrowStatus = "FUNDED"
	EscrowReleased EscrowStatus = "RELEASED"
	EscrowDisputed EscrowStatus = "DISPUTED"
	EscrowRefunded EscrowStatus = "REFUNDED"
	EscrowSettled  EscrowStatus = "SETTLED"
)

// Wallet statuses.
const (
	WalletActive    = "ACTIVE"
	WalletSuspended = "SUSPENDED"
)

// ForwardClaimed is the sentinel occupying a tx-hash column between the
// moment a worker wins the claim and the moment it records the real hash.
const ForwardClaimed = "pending"

// Payment tracks one expected inbound transfer to a derived address.
// Amounts are decimal strings in the chain's base unit.
type Payment struct {
	ID             uuid.UUID     `gorm:"type:uuid;primaryKey"`
	BusinessID     uuid.UUID     `gorm:"type:uuid;index"`
	Chain          string        `gorm:"size:16;index"`
	Address        string        `gorm:"size:128;index"`
	AccountIndex   uint32        `gorm:"not null"`
	ExpectedAmount string        `gorm:"size:64;not null"`
	ObservedAmount string        `gorm:"size:64"`
	Status         PaymentStatus `gorm:"size:32;index"`
	Confirmations  uint64
	TxHash         string `gorm:"size:128"`
	ForwardTxHash  string `gorm:"size:128"`
	ExpiresAt      time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Escrow holds funds on a derived address until released, disputed, or
// refunded, then settled on chain. Authorization tokens are stored as
// sha256 digests; the raw tokens leave the system exactly once at creation.
type Escrow struct {
	ID                   uuid.UUID    `gorm:"type:uuid;primaryKey"`
	Chain                string       `gorm:"size:16;index"`
	Depositor            string       `gorm:"size:128"`
	Beneficiary          string       `gorm:"size:128"`
	BeneficiaryAddress   string       `gorm:"size:128"`
	DepositorAddress     string       `gorm:"size:128"`
	EscrowAddress        string       `gorm:"size:128;index"`
	AccountIndex         uint32       `gorm:"not null"`
	Amount               string       `gorm:"size:64;not null"`
	FeeAmount            string       `gorm:"size:64;not null"`
	DepositedAmount      string       `gorm:"size:64"`
	Status               EscrowStatus `gorm:"size:32;index"`
	DepositorTokenHash   string       `gorm:"size:64;not null"`
	BeneficiaryTokenHash string       `gorm:"size:64;not null"`
	DisputeReason        string       `gorm:"size:512"`
	SettlementTxHash     string       `gorm:"size:128"`
	FundedAt             *time.Time
	ClosedAt             *time.Time
	ExpiresAt            time.Time
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

// Wallet stores the registered public keys of an API principal.
type Wallet struct {
	ID            uuid.UUID `gorm:"type:uuid;primaryKey"`
	Label         string    `gorm:"size:128"`
	SecpPublicKey string    `gorm:"size:68;uniqueIndex"`
	EdPublicKey   string    `gorm:"size:64"`
	Status        string    `gorm:"size:32;index"`
	LastActiveAt  *time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// DerivedAddress records one deterministic derivation per (owner, chain).
// The private key is stored AES-GCM encrypted under the service key.
type DerivedAddress struct {
	ID           uint   `gorm:"primaryKey"`
	OwnerID      string `gorm:"size:64;uniqueIndex:idx_owner_chain"`
	Chain        string `gorm:"size:16;uniqueIndex:idx_owner_chain"`
	AccountIndex uint32 `gorm:"not null"`
	Address      string `gorm:"size:128;index"`
	EncryptedKey []byte
	CreatedAt    time.Time
}

// AutoMigrate performs all schema migrations for the service.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&Payment{},
		&Escrow{},
		&Wallet{},
		&DerivedAddress{},
	)
}
