package chains

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"

	"chainpay/wallet/hd"
)

const (
	utxoDustLimit = 546
	// Rough P2WPKH virtual sizes used for fee estimation.
	utxoBaseVBytes   = 11
	utxoInputVBytes  = 68
	utxoOutputVBytes = 31
)

// UTXOAdapter speaks to an Esplora-style REST indexer for Bitcoin-family
// chains: funded/spent totals for balances, block tip arithmetic for
// confirmations, and hex push for broadcasts.
type UTXOAdapter struct {
	params  Params
	deriver *hd.Deriver
	client  *http.Client
	net     *chaincfg.Params
}

func NewUTXOAdapter(params Params, deriver *hd.Deriver) *UTXOAdapter {
	return &UTXOAdapter{
		params:  params,
		deriver: deriver,
		client:  &http.Client{Timeout: 10 * time.Second},
		net:     &chaincfg.MainNetParams,
	}
}

func (a *UTXOAdapter) Params() Params { return a.params }

func (a *UTXOAdapter) DeriveAddress(ownerID string) (hd.Result, error) {
	return a.deriver.DeriveUTXO(ownerID)
}

func (a *UTXOAdapter) ValidateAddress(address string) error {
	if _, err := btcutil.DecodeAddress(address, a.net); err != nil {
		return permanentErr(a.params.ID, "validate_address", CodeMalformed, err)
	}
	return nil
}

type esploraAddress struct {
	ChainStats struct {
		FundedTxoSum int64 `json:"funded_txo_sum"`
		SpentTxoSum  int64 `json:"spent_txo_sum"`
		TxCount      int64 `json:"tx_count"`
	} `json:"chain_stats"`
}

type esploraAddressTx struct {
	TxID   string `json:"txid"`
	Status struct {
		Confirmed   bool   `json:"confirmed"`
		BlockHeight uint64 `json:"block_height"`
	} `json:"status"`
}

type esploraTx struct {
	Status struct {
		Confirmed   bool   `json:"confirmed"`
		BlockHeight uint64 `json:"block_height"`
	} `json:"status"`
}

type esploraUTXO struct {
	TxID  string `json:"txid"`
	Vout  uint32 `json:"vout"`
	Value int64  `json:"value"`
	Status struct {
		Confirmed bool `json:"confirmed"`
	} `json:"status"`
}

func (a *UTXOAdapter) AddressStatus(ctx context.Context, address, txHash string) (Status, error) {
	var addrInfo esploraAddress
	if err := a.getJSON(ctx, "/address/"+address, &addrInfo); err != nil {
		return Status{}, err
	}
	tip, err := a.tipHeight(ctx)
	if err != nil {
		return Status{}, err
	}
	status := Status{
		Balance:     big.NewInt(addrInfo.ChainStats.FundedTxoSum - addrInfo.ChainStats.SpentTxoSum),
		BlockHeight: tip,
		TxHash:      txHash,
	}
	if txHash == "" {
		// No known transaction yet: the newest transaction touching the
		// address is the candidate deposit.
		if addrInfo.ChainStats.TxCount == 0 && status.Balance.Sign() == 0 {
			return status, nil
		}
		var txs []esploraAddressTx
		if err := a.getJSON(ctx, "/address/"+address+"/txs", &txs); err != nil {
			if errors.Is(err, errNotFound) {
				return status, nil
			}
			return Status{}, err
		}
		if len(txs) == 0 {
			return status, nil
		}
		status.TxHash = txs[0].TxID
		if txs[0].Status.Confirmed && tip >= txs[0].Status.BlockHeight {
			status.Confirmations = tip - txs[0].Status.BlockHeight + 1
		}
		return status, nil
	}
	var tx esploraTx
	err = a.getJSON(ctx, "/tx/"+txHash, &tx)
	switch {
	case errors.Is(err, errNotFound):
		// Not yet observed by the indexer: zero confirmations, not failed.
		return status, nil
	case err != nil:
		return Status{}, err
	}
	if tx.Status.Confirmed && tip >= tx.Status.BlockHeight {
		status.Confirmations = tip - tx.Status.BlockHeight + 1
	}
	return status, nil
}

func (a *UTXOAdapter) BroadcastTx(ctx context.Context, raw []byte) (string, error) {
	body := strings.NewReader(hex.EncodeToString(raw))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.params.Endpoint+"/tx", body)
	if err != nil {
		return "", permanentErr(a.params.ID, "broadcast", CodeMalformed, err)
	}
	req.Header.Set("Content-Type", "text/plain")
	resp, err := a.client.Do(req)
	if err != nil {
		return "", classifyTransport(a.params.ID, "broadcast", err)
	}
	defer resp.Body.Close()
	payload, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	switch {
	case resp.StatusCode >= 500:
		return "", transientErr(a.params.ID, "broadcast", CodeServerError, fmt.Errorf("status %d: %s", resp.StatusCode, payload))
	case resp.StatusCode >= 400:
		return "", permanentErr(a.params.ID, "broadcast", CodeRejected, fmt.Errorf("status %d: %s", resp.StatusCode, payload))
	}
	return strings.TrimSpace(string(payload)), nil
}

// BuildSweep assembles and signs a P2WPKH spend of the derived address. A nil
// amount sweeps everything minus fees; an explicit amount adds a change output
// back to the escrow address when the remainder clears the dust limit.
func (a *UTXOAdapter) BuildSweep(ctx context.Context, priv []byte, from, to string, amount *big.Int) ([]byte, *big.Int, error) {
	return a.BuildMultiSweep(ctx, priv, from, []SweepOutput{{To: to, Amount: amount}})
}

// BuildMultiSweep pays every output in one transaction. Spends of the same
// address cannot chain until the previous spend confirms, so splits that must
// not strand behind unconfirmed change go through here.
func (a *UTXOAdapter) BuildMultiSweep(ctx context.Context, priv []byte, from string, outputs []SweepOutput) ([]byte, *big.Int, error) {
	if len(outputs) == 0 {
		return nil, nil, permanentErr(a.params.ID, "build_sweep", CodeMalformed, errors.New("no outputs"))
	}
	utxos, err := a.listUTXOs(ctx, from)
	if err != nil {
		return nil, nil, err
	}
	if len(utxos) == 0 {
		return nil, nil, permanentErr(a.params.ID, "build_sweep", CodeInsufficientFunds, errors.New("no spendable outputs"))
	}

	fromAddr, err := btcutil.DecodeAddress(from, a.net)
	if err != nil {
		return nil, nil, permanentErr(a.params.ID, "build_sweep", CodeMalformed, err)
	}
	fromScript, err := txscript.PayToAddrScript(fromAddr)
	if err != nil {
		return nil, nil, permanentErr(a.params.ID, "build_sweep", CodeMalformed, err)
	}

	scripts := make([][]byte, len(outputs))
	remainderIdx := -1
	var explicit int64
	for i, out := range outputs {
		toAddr, err := btcutil.DecodeAddress(out.To, a.net)
		if err != nil {
			return nil, nil, permanentErr(a.params.ID, "build_sweep", CodeMalformed, err)
		}
		scripts[i], err = txscript.PayToAddrScript(toAddr)
		if err != nil {
			return nil, nil, permanentErr(a.params.ID, "build_sweep", CodeMalformed, err)
		}
		if out.Amount == nil {
			if remainderIdx >= 0 {
				return nil, nil, permanentErr(a.params.ID, "build_sweep", CodeMalformed,
					errors.New("more than one remainder output"))
			}
			remainderIdx = i
			continue
		}
		explicit += out.Amount.Int64()
	}

	tx := wire.NewMsgTx(wire.TxVersion)
	prevOuts := make(map[wire.OutPoint]*wire.TxOut, len(utxos))
	var total int64
	for _, u := range utxos {
		hash, err := chainhash.NewHashFromStr(u.TxID)
		if err != nil {
			return nil, nil, permanentErr(a.params.ID, "build_sweep", CodeDecode, err)
		}
		outpoint := wire.NewOutPoint(hash, u.Vout)
		tx.AddTxIn(wire.NewTxIn(outpoint, nil, nil))
		prevOuts[*outpoint] = wire.NewTxOut(u.Value, fromScript)
		total += u.Value
	}

	feeRate := a.params.FeeRateSatPerVB
	if feeRate <= 0 {
		feeRate = 2
	}
	fee := feeRate * int64(utxoBaseVBytes+utxoInputVBytes*len(tx.TxIn)+utxoOutputVBytes*(len(outputs)+1))

	var remainder, change int64
	if remainderIdx >= 0 {
		remainder = total - explicit - fee
		if remainder <= utxoDustLimit {
			return nil, nil, permanentErr(a.params.ID, "build_sweep", CodeInsufficientFunds,
				fmt.Errorf("balance %d does not cover %d plus fee %d", total, explicit, fee))
		}
	} else {
		change = total - explicit - fee
		if change < 0 {
			return nil, nil, permanentErr(a.params.ID, "build_sweep", CodeInsufficientFunds,
				fmt.Errorf("balance %d below amount %d plus fee %d", total, explicit, fee))
		}
	}

	delivered := remainder
	for i, out := range outputs {
		value := remainder
		if i != remainderIdx {
			value = out.Amount.Int64()
		}
		if i == 0 {
			delivered = value
		}
		tx.AddTxOut(wire.NewTxOut(value, scripts[i]))
	}
	if change > utxoDustLimit {
		tx.AddTxOut(wire.NewTxOut(change, fromScript))
	}

	privKey, _ := btcec.PrivKeyFromBytes(priv)
	fetcher := txscript.NewMultiPrevOutFetcher(prevOuts)
	sigHashes := txscript.NewTxSigHashes(tx, fetcher)
	for i, in := range tx.TxIn {
		prev := prevOuts[in.PreviousOutPoint]
		witness, err := txscript.WitnessSignature(tx, sigHashes, i, prev.Value, fromScript, txscript.SigHashAll, privKey, true)
		if err != nil {
			return nil, nil, permanentErr(a.params.ID, "build_sweep", CodeMalformed, err)
		}
		tx.TxIn[i].Witness = witness
	}

	var buf bytes.Buffer
	if err := tx.Serialize(&buf); err != nil {
		return nil, nil, permanentErr(a.params.ID, "build_sweep", CodeMalformed, err)
	}
	return buf.Bytes(), big.NewInt(delivered), nil
}

func (a *UTXOAdapter) listUTXOs(ctx context.Context, address string) ([]esploraUTXO, error) {
	var utxos []esploraUTXO
	if err := a.getJSON(ctx, "/address/"+address+"/utxo", &utxos); err != nil {
		return nil, err
	}
	confirmed := utxos[:0]
	for _, u := range utxos {
		if u.Status.Confirmed {
			confirmed = append(confirmed, u)
		}
	}
	return confirmed, nil
}

func (a *UTXOAdapter) tipHeight(ctx context.Context) (uint64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.params.Endpoint+"/blocks/tip/height", nil)
	if err != nil {
		return 0, permanentErr(a.params.ID, "tip_height", CodeMalformed, err)
	}
	resp, err := a.client.Do(req)
	if err != nil {
		return 0, classifyTransport(a.params.ID, "tip_height", err)
	}
	defer resp.Body.Close()
	payload, _ := io.ReadAll(io.LimitReader(resp.Body, 64))
	if resp.StatusCode != http.StatusOK {
		return 0, transientErr(a.params.ID, "tip_height", CodeServerError, fmt.Errorf("status %d", resp.StatusCode))
	}
	height, err := strconv.ParseUint(strings.TrimSpace(string(payload)), 10, 64)
	if err != nil {
		return 0, permanentErr(a.params.ID, "tip_height", CodeDecode, err)
	}
	return height, nil
}

var errNotFound = errors.New("not found")

func (a *UTXOAdapter) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.params.Endpoint+path, nil)
	if err != nil {
		return permanentErr(a.params.ID, "query", CodeMalformed, err)
	}
	resp, err := a.client.Do(req)
	if err != nil {
		return classifyTransport(a.params.ID, "query", err)
	}
	defer resp.Body.Close()
	switch {
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%s%s: %w", a.params.Endpoint, path, errNotFound)
	case resp.StatusCode >= 500:
		return transientErr(a.params.ID, "query", CodeServerError, fmt.Errorf("status %d", resp.StatusCode))
	case resp.StatusCode >= 400:
		return permanentErr(a.params.ID, "query", CodeRejected, fmt.Errorf("status %d", resp.StatusCode))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return permanentErr(a.params.ID, "query", CodeDecode, err)
	}
	return nil
}
