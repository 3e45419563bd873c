// Package chains provides a uniform capability interface over heterogeneous
// blockchain backends. Each supported chain registers one Adapter; callers
// never branch on chain identifiers themselves.
package chains

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"chainpay/errs"
	"chainpay/wallet/hd"
)

// Family groups chains by their transaction and finality model.
type Family string

const (
	FamilyUTXO   Family = "utxo"
	FamilyEVM    Family = "evm"
	FamilySolana Family = "solana"
)

// Params describes a single supported chain.
type Params struct {
	ID                    string
	Family                Family
	Endpoint              string
	RequiredConfirmations uint64
	ExplorerTxURL         string // %s is replaced with the transaction id
	EVMChainID            int64  // EVM family only
	FeeRateSatPerVB       int64  // UTXO family only
}

// ExplorerURL renders the explorer reference for a transaction id.
func (p Params) ExplorerURL(txid string) string {
	if p.ExplorerTxURL == "" {
		return txid
	}
	return fmt.Sprintf(p.ExplorerTxURL, txid)
}

// Status is the uniform answer to "what does the chain say about this address".
// An unobserved transaction reports zero confirmations with Failed=false; only
// a transaction the chain itself marks unsuccessful sets Failed.
type Status struct {
	Balance       *big.Int
	Confirmations uint64
	BlockHeight   uint64
	TxHash        string
	Failed        bool
}

// Adapter is the per-chain capability surface: status queries, raw broadcast,
// deterministic derivation, and sweep construction.
type Adapter interface {
	Params() Params
	// AddressStatus reports the balance of address and, when txHash is
	// non-empty, the confirmation depth and success of that transaction.
	AddressStatus(ctx context.Context, address, txHash string) (Status, error)
	// BroadcastTx submits a fully signed serialized transaction and returns
	// the chain's transaction identifier.
	BroadcastTx(ctx context.Context, raw []byte) (string, error)
	// DeriveAddress derives the receiving keypair for an owning entity.
	DeriveAddress(ownerID string) (hd.Result, error)
	// ValidateAddress rejects destination addresses the chain cannot parse.
	ValidateAddress(address string) error
	// BuildSweep constructs and signs a transfer of amount from the derived
	// address to a destination. A nil amount sweeps the spendable balance
	// after fees. It returns the raw transaction and the value delivered.
	BuildSweep(ctx context.Context, priv []byte, from, to string, amount *big.Int) ([]byte, *big.Int, error)
}

// SweepOutput is one destination of a multi-output sweep. A nil Amount marks
// the remainder output; at most one output may carry it.
type SweepOutput struct {
	To     string
	Amount *big.Int
}

// MultiSweeper is implemented by adapters whose transaction model can pay
// several destinations atomically in a single transaction.
type MultiSweeper interface {
	BuildMultiSweep(ctx context.Context, priv []byte, from string, outputs []SweepOutput) ([]byte, *big.Int, error)
}

// Registry holds the configured adapters keyed by chain id.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
}

func NewRegistry() *Registry {
	return &Registry{adapters: make(map[string]Adapter)}
}

// Register adds or replaces the adapter for its chain id.
func (r *Registry) Register(a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[strings.ToLower(a.Params().ID)] = a
}

// Adapter resolves a chain id, returning a validation error for chains this
// deployment does not support.
func (r *Registry) Adapter(chain string) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[strings.ToLower(strings.TrimSpace(chain))]
	if !ok {
		return nil, errs.Validationf("unsupported chain %q", chain)
	}
	return a, nil
}

// IDs returns the registered chain identifiers.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.adapters))
	for id := range r.adapters {
		ids = append(ids, id)
	}
	return ids
}
