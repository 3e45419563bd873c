package chains

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"chainpay/wallet/hd"
)

const evmTransferGas = 21000

// EVMAdapter serves Ethereum and compatible chains through a JSON-RPC client.
// One adapter instance per chain; the chain id from Params signs transactions.
type EVMAdapter struct {
	params  Params
	deriver *hd.Deriver
	client  *ethclient.Client
}

func NewEVMAdapter(params Params, deriver *hd.Deriver) (*EVMAdapter, error) {
	client, err := ethclient.Dial(params.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", params.ID, err)
	}
	return &EVMAdapter{params: params, deriver: deriver, client: client}, nil
}

func (a *EVMAdapter) Params() Params { return a.params }

func (a *EVMAdapter) DeriveAddress(ownerID string) (hd.Result, error) {
	return a.deriver.DeriveEVM(ownerID)
}

func (a *EVMAdapter) ValidateAddress(address string) error {
	if !common.IsHexAddress(address) {
		return permanentErr(a.params.ID, "validate_address", CodeMalformed,
			fmt.Errorf("not a hex address: %q", address))
	}
	return nil
}

func (a *EVMAdapter) AddressStatus(ctx context.Context, address, txHash string) (Status, error) {
	addr := common.HexToAddress(address)
	balance, err := a.client.BalanceAt(ctx, addr, nil)
	if err != nil {
		return Status{}, a.classify("balance_at", err)
	}
	head, err := a.client.BlockNumber(ctx)
	if err != nil {
		return Status{}, a.classify("block_number", err)
	}
	status := Status{Balance: balance, BlockHeight: head, TxHash: txHash}
	if txHash == "" {
		// Without a known transaction, depth is inferred from balance
		// stability: funds already present N blocks ago have at least N
		// confirmations.
		if balance.Sign() == 0 {
			return status, nil
		}
		depth := a.params.RequiredConfirmations
		if head <= depth {
			return status, nil
		}
		old, err := a.client.BalanceAt(ctx, addr, new(big.Int).SetUint64(head-depth))
		if err != nil {
			return Status{}, a.classify("balance_at", err)
		}
		if old.Cmp(balance) >= 0 {
			status.Confirmations = depth
		}
		return status, nil
	}
	receipt, err := a.client.TransactionReceipt(ctx, common.HexToHash(txHash))
	switch {
	case errors.Is(err, ethereum.NotFound):
		return status, nil
	case err != nil:
		return Status{}, a.classify("receipt", err)
	}
	if receipt.Status == types.ReceiptStatusFailed {
		status.Failed = true
		return status, nil
	}
	if receipt.BlockNumber != nil && head >= receipt.BlockNumber.Uint64() {
		status.Confirmations = head - receipt.BlockNumber.Uint64() + 1
	}
	return status, nil
}

func (a *EVMAdapter) BroadcastTx(ctx context.Context, raw []byte) (string, error) {
	tx := new(types.Transaction)
	if err := tx.UnmarshalBinary(raw); err != nil {
		return "", permanentErr(a.params.ID, "broadcast", CodeDecode, err)
	}
	if err := a.client.SendTransaction(ctx, tx); err != nil {
		return "", a.classify("broadcast", err)
	}
	return tx.Hash().Hex(), nil
}

func (a *EVMAdapter) BuildSweep(ctx context.Context, priv []byte, from, to string, amount *big.Int) ([]byte, *big.Int, error) {
	key, err := ethcrypto.ToECDSA(priv)
	if err != nil {
		return nil, nil, permanentErr(a.params.ID, "build_sweep", CodeMalformed, err)
	}
	fromAddr := common.HexToAddress(from)
	nonce, err := a.client.PendingNonceAt(ctx, fromAddr)
	if err != nil {
		return nil, nil, a.classify("pending_nonce", err)
	}
	gasPrice, err := a.client.SuggestGasPrice(ctx)
	if err != nil {
		return nil, nil, a.classify("gas_price", err)
	}

	value := amount
	if value == nil {
		balance, err := a.client.BalanceAt(ctx, fromAddr, nil)
		if err != nil {
			return nil, nil, a.classify("balance_at", err)
		}
		feeBudget := new(big.Int).Mul(gasPrice, big.NewInt(evmTransferGas))
		value = new(big.Int).Sub(balance, feeBudget)
		if value.Sign() <= 0 {
			return nil, nil, permanentErr(a.params.ID, "build_sweep", CodeInsufficientFunds,
				fmt.Errorf("balance %s does not cover gas", balance))
		}
	}

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       ptr(common.HexToAddress(to)),
		Value:    value,
		Gas:      evmTransferGas,
		GasPrice: gasPrice,
	})
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(big.NewInt(a.params.EVMChainID)), key)
	if err != nil {
		return nil, nil, permanentErr(a.params.ID, "build_sweep", CodeMalformed, err)
	}
	raw, err := signed.MarshalBinary()
	if err != nil {
		return nil, nil, permanentErr(a.params.ID, "build_sweep", CodeMalformed, err)
	}
	return raw, value, nil
}

func ptr[T any](v T) *T { return &v }

// classify maps RPC failures onto the shared error taxonomy. Node error
// strings are inspected here and nowhere else.
func (a *EVMAdapter) classify(op string, err error) error {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "nonce too low"), strings.Contains(msg, "replacement transaction underpriced"):
		return permanentErr(a.params.ID, op, CodeStaleNonce, err)
	case strings.Contains(msg, "insufficient funds"):
		return permanentErr(a.params.ID, op, CodeInsufficientFunds, err)
	case strings.Contains(msg, "already known"):
		// The pool has the transaction; treat the send as rejected but final.
		return permanentErr(a.params.ID, op, CodeRejected, err)
	case strings.Contains(msg, "execution reverted"):
		return permanentErr(a.params.ID, op, CodeReverted, err)
	case strings.Contains(msg, "invalid"), strings.Contains(msg, "malformed"):
		return permanentErr(a.params.ID, op, CodeMalformed, err)
	}
	return classifyTransport(a.params.ID, op, err)
}
