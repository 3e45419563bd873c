package chains

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"fmt"
	"math/big"
	"strings"

	solana "github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/system"
	"github.com/gagliardetto/solana-go/rpc"

	"chainpay/wallet/hd"
)

// Lamports charged per signature. Transfers built here carry exactly one.
const solanaSignatureFee = 5000

// SolanaAdapter covers the SVM side: balances and slots over JSON-RPC,
// system-program transfers for sweeps. Slot distance stands in for
// confirmation depth.
type SolanaAdapter struct {
	params  Params
	deriver *hd.Deriver
	client  *rpc.Client
}

func NewSolanaAdapter(params Params, deriver *hd.Deriver) *SolanaAdapter {
	return &SolanaAdapter{params: params, deriver: deriver, client: rpc.New(params.Endpoint)}
}

func (a *SolanaAdapter) Params() Params { return a.params }

func (a *SolanaAdapter) DeriveAddress(ownerID string) (hd.Result, error) {
	return a.deriver.DeriveSolana(ownerID)
}

func (a *SolanaAdapter) ValidateAddress(address string) error {
	if _, err := solana.PublicKeyFromBase58(address); err != nil {
		return permanentErr(a.params.ID, "validate_address", CodeMalformed, err)
	}
	return nil
}

func (a *SolanaAdapter) AddressStatus(ctx context.Context, address, txHash string) (Status, error) {
	pubkey, err := solana.PublicKeyFromBase58(address)
	if err != nil {
		return Status{}, permanentErr(a.params.ID, "address_status", CodeMalformed, err)
	}
	balance, err := a.client.GetBalance(ctx, pubkey, rpc.CommitmentConfirmed)
	if err != nil {
		return Status{}, a.classify("get_balance", err)
	}
	slot, err := a.client.GetSlot(ctx, rpc.CommitmentConfirmed)
	if err != nil {
		return Status{}, a.classify("get_slot", err)
	}
	status := Status{
		Balance:     new(big.Int).SetUint64(balance.Value),
		BlockHeight: slot,
		TxHash:      txHash,
	}
	if txHash == "" {
		// Depth of the newest signature touching the address stands in for
		// deposit confirmations.
		if status.Balance.Sign() == 0 {
			return status, nil
		}
		sigs, err := a.client.GetSignaturesForAddress(ctx, pubkey)
		if err != nil {
			return Status{}, a.classify("get_signatures", err)
		}
		if len(sigs) == 0 {
			return status, nil
		}
		status.TxHash = sigs[0].Signature.String()
		if sigs[0].Err != nil {
			status.Failed = true
			return status, nil
		}
		if slot >= sigs[0].Slot {
			status.Confirmations = slot - sigs[0].Slot + 1
		}
		return status, nil
	}
	sig, err := solana.SignatureFromBase58(txHash)
	if err != nil {
		return Status{}, permanentErr(a.params.ID, "address_status", CodeMalformed, err)
	}
	tx, err := a.client.GetTransaction(ctx, sig, &rpc.GetTransactionOpts{
		Commitment: rpc.CommitmentConfirmed,
	})
	if err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "not found") {
			return status, nil
		}
		return Status{}, a.classify("get_transaction", err)
	}
	if tx == nil {
		return status, nil
	}
	if tx.Meta != nil && tx.Meta.Err != nil {
		status.Failed = true
		return status, nil
	}
	if slot >= tx.Slot {
		status.Confirmations = slot - tx.Slot + 1
	}
	return status, nil
}

func (a *SolanaAdapter) BroadcastTx(ctx context.Context, raw []byte) (string, error) {
	sig, err := a.client.SendEncodedTransaction(ctx, base64.StdEncoding.EncodeToString(raw))
	if err != nil {
		return "", a.classify("broadcast", err)
	}
	return sig.String(), nil
}

func (a *SolanaAdapter) BuildSweep(ctx context.Context, priv []byte, from, to string, amount *big.Int) ([]byte, *big.Int, error) {
	if len(priv) != ed25519.PrivateKeySize {
		return nil, nil, permanentErr(a.params.ID, "build_sweep", CodeMalformed,
			fmt.Errorf("private key must be %d bytes", ed25519.PrivateKeySize))
	}
	key := solana.PrivateKey(priv)
	fromKey, err := solana.PublicKeyFromBase58(from)
	if err != nil {
		return nil, nil, permanentErr(a.params.ID, "build_sweep", CodeMalformed, err)
	}
	toKey, err := solana.PublicKeyFromBase58(to)
	if err != nil {
		return nil, nil, permanentErr(a.params.ID, "build_sweep", CodeMalformed, err)
	}

	var lamports uint64
	if amount == nil {
		balance, err := a.client.GetBalance(ctx, fromKey, rpc.CommitmentConfirmed)
		if err != nil {
			return nil, nil, a.classify("get_balance", err)
		}
		if balance.Value <= solanaSignatureFee {
			return nil, nil, permanentErr(a.params.ID, "build_sweep", CodeInsufficientFunds,
				fmt.Errorf("balance %d does not cover the signature fee", balance.Value))
		}
		lamports = balance.Value - solanaSignatureFee
	} else {
		lamports = amount.Uint64()
	}

	latest, err := a.client.GetLatestBlockhash(ctx, rpc.CommitmentFinalized)
	if err != nil {
		return nil, nil, a.classify("latest_blockhash", err)
	}
	tx, err := solana.NewTransactionBuilder().
		AddInstruction(system.NewTransferInstruction(lamports, fromKey, toKey).Build()).
		SetRecentBlockHash(latest.Value.Blockhash).
		SetFeePayer(fromKey).
		Build()
	if err != nil {
		return nil, nil, permanentErr(a.params.ID, "build_sweep", CodeMalformed, err)
	}
	if _, err := tx.Sign(func(pub solana.PublicKey) *solana.PrivateKey {
		if pub.Equals(fromKey) {
			return &key
		}
		return nil
	}); err != nil {
		return nil, nil, permanentErr(a.params.ID, "build_sweep", CodeMalformed, err)
	}
	raw, err := tx.MarshalBinary()
	if err != nil {
		return nil, nil, permanentErr(a.params.ID, "build_sweep", CodeMalformed, err)
	}
	return raw, new(big.Int).SetUint64(lamports), nil
}

func (a *SolanaAdapter) classify(op string, err error) error {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "insufficient"):
		return permanentErr(a.params.ID, op, CodeInsufficientFunds, err)
	case strings.Contains(msg, "blockhash not found"):
		return transientErr(a.params.ID, op, CodeStaleNonce, err)
	case strings.Contains(msg, "invalid"), strings.Contains(msg, "decode"):
		return permanentErr(a.params.ID, op, CodeMalformed, err)
	}
	return classifyTransport(a.params.ID, op, err)
}
