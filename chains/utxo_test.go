package chains

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/wire"

	"chainpay/wallet/hd"
)

type esploraFake struct {
	tipHeight    uint64
	txHeight     uint64
	txConfirmed  bool
	funded       int64
	spent        int64
	utxos        string
	broadcastErr int
	lastRawTx    string
}

func (f *esploraFake) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/blocks/tip/height", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, "%d", f.tipHeight)
	})
	mux.HandleFunc("/address/", func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasSuffix(r.URL.Path, "/utxo"):
			io.WriteString(w, f.utxos)
		case strings.HasSuffix(r.URL.Path, "/txs"):
			fmt.Fprintf(w, `[{"txid":"%s","status":{"confirmed":%t,"block_height":%d}}]`,
				strings.Repeat("ef", 32), f.txConfirmed, f.txHeight)
		default:
			fmt.Fprintf(w, `{"chain_stats":{"funded_txo_sum":%d,"spent_txo_sum":%d,"tx_count":1}}`, f.funded, f.spent)
		}
	})
	mux.HandleFunc("/tx/", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{"status":{"confirmed":%t,"block_height":%d}}`, f.txConfirmed, f.txHeight)
	})
	mux.HandleFunc("/tx", func(w http.ResponseWriter, r *http.Request) {
		if f.broadcastErr != 0 {
			http.Error(w, "sendrawtransaction failed", f.broadcastErr)
			return
		}
		raw, _ := io.ReadAll(r.Body)
		f.lastRawTx = string(raw)
		io.WriteString(w, "f0e1d2c3b4a5968778695a4b3c2d1e0ff0e1d2c3b4a5968778695a4b3c2d1e0f")
	})
	return mux
}

func newUTXOFixture(t *testing.T, f *esploraFake) *UTXOAdapter {
	t.Helper()
	srv := httptest.NewServer(f.handler())
	t.Cleanup(srv.Close)
	deriver, err := hd.New(bytes.Repeat([]byte{7}, 32))
	if err != nil {
		t.Fatalf("new deriver: %v", err)
	}
	return NewUTXOAdapter(Params{
		ID:                    "btc",
		Family:                FamilyUTXO,
		Endpoint:              srv.URL,
		RequiredConfirmations: 3,
		FeeRateSatPerVB:       2,
	}, deriver)
}

func TestUTXOAddressStatusConfirmations(t *testing.T) {
	fake := &esploraFake{tipHeight: 820010, txHeight: 820008, txConfirmed: true, funded: 150000, spent: 50000}
	adapter := newUTXOFixture(t, fake)

	status, err := adapter.AddressStatus(context.Background(), "bc1qexample", "ab"+strings.Repeat("cd", 31))
	if err != nil {
		t.Fatalf("address status: %v", err)
	}
	if got := status.Balance.Int64(); got != 100000 {
		t.Fatalf("balance = %d, want 100000", got)
	}
	if status.Confirmations != 3 {
		t.Fatalf("confirmations = %d, want 3", status.Confirmations)
	}
	if status.Failed {
		t.Fatal("unexpected failed status")
	}
}

func TestUTXOAddressStatusDiscoversDeposit(t *testing.T) {
	fake := &esploraFake{tipHeight: 820010, txHeight: 820006, txConfirmed: true, funded: 100000}
	adapter := newUTXOFixture(t, fake)

	status, err := adapter.AddressStatus(context.Background(), "bc1qexample", "")
	if err != nil {
		t.Fatalf("address status: %v", err)
	}
	if status.TxHash == "" {
		t.Fatal("expected the newest address transaction to be reported")
	}
	if status.Confirmations != 5 {
		t.Fatalf("confirmations = %d, want 5", status.Confirmations)
	}
}

func TestUTXOAddressStatusUnconfirmed(t *testing.T) {
	fake := &esploraFake{tipHeight: 820010, txConfirmed: false, funded: 100000}
	adapter := newUTXOFixture(t, fake)

	status, err := adapter.AddressStatus(context.Background(), "bc1qexample", "aa")
	if err != nil {
		t.Fatalf("address status: %v", err)
	}
	if status.Confirmations != 0 {
		t.Fatalf("confirmations = %d, want 0 for mempool tx", status.Confirmations)
	}
}

func TestUTXOBroadcastClassification(t *testing.T) {
	cases := []struct {
		name      string
		status    int
		retryable bool
	}{
		{"server error retryable", http.StatusBadGateway, true},
		{"rejected permanent", http.StatusBadRequest, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			fake := &esploraFake{broadcastErr: tc.status}
			adapter := newUTXOFixture(t, fake)
			_, err := adapter.BroadcastTx(context.Background(), []byte{0x01})
			if err == nil {
				t.Fatal("expected error")
			}
			if Retryable(err) != tc.retryable {
				t.Fatalf("retryable = %t, want %t: %v", Retryable(err), tc.retryable, err)
			}
		})
	}
}

func TestUTXOBuildSweepWithChange(t *testing.T) {
	priv, err := btcec.NewPrivateKey()
	if err != nil {
		t.Fatalf("new key: %v", err)
	}
	fromAddr, err := btcutil.NewAddressWitnessPubKeyHash(
		btcutil.Hash160(priv.PubKey().SerializeCompressed()), &chaincfg.MainNetParams)
	if err != nil {
		t.Fatalf("from address: %v", err)
	}
	toPriv, _ := btcec.NewPrivateKey()
	toAddr, err := btcutil.NewAddressWitnessPubKeyHash(
		btcutil.Hash160(toPriv.PubKey().SerializeCompressed()), &chaincfg.MainNetParams)
	if err != nil {
		t.Fatalf("to address: %v", err)
	}

	fake := &esploraFake{
		tipHeight: 820000,
		utxos: `[{"txid":"` + strings.Repeat("ab", 32) + `","vout":0,"value":100000,"status":{"confirmed":true}},` +
			`{"txid":"` + strings.Repeat("cd", 32) + `","vout":1,"value":20000,"status":{"confirmed":false}}]`,
	}
	adapter := newUTXOFixture(t, fake)

	raw, sent, err := adapter.BuildSweep(context.Background(), priv.Serialize(),
		fromAddr.EncodeAddress(), toAddr.EncodeAddress(), big.NewInt(60000))
	if err != nil {
		t.Fatalf("build sweep: %v", err)
	}
	if sent.Int64() != 60000 {
		t.Fatalf("sent = %s, want 60000", sent)
	}

	var tx wire.MsgTx
	if err := tx.Deserialize(bytes.NewReader(raw)); err != nil {
		t.Fatalf("deserialize: %v", err)
	}
	if len(tx.TxIn) != 1 {
		t.Fatalf("inputs = %d, want 1 (unconfirmed utxo must be skipped)", len(tx.TxIn))
	}
	if len(tx.TxOut) != 2 {
		t.Fatalf("outputs = %d, want payment plus change", len(tx.TxOut))
	}
	if tx.TxOut[0].Value != 60000 {
		t.Fatalf("payment output = %d, want 60000", tx.TxOut[0].Value)
	}
	if len(tx.TxIn[0].Witness) != 2 {
		t.Fatalf("witness items = %d, want signature and pubkey", len(tx.TxIn[0].Witness))
	}
	fee := 100000 - tx.TxOut[0].Value - tx.TxOut[1].Value
	if fee <= 0 {
		t.Fatalf("fee = %d, want positive", fee)
	}
}

func TestUTXOBuildMultiSweepSplitsOneTransaction(t *testing.T) {
	priv, err := btcec.NewPrivateKey()
	if err != nil {
		t.Fatalf("new key: %v", err)
	}
	fromAddr, err := btcutil.NewAddressWitnessPubKeyHash(
		btcutil.Hash160(priv.PubKey().SerializeCompressed()), &chaincfg.MainNetParams)
	if err != nil {
		t.Fatalf("from address: %v", err)
	}
	mkAddr := func() string {
		p, _ := btcec.NewPrivateKey()
		a, err := btcutil.NewAddressWitnessPubKeyHash(
			btcutil.Hash160(p.PubKey().SerializeCompressed()), &chaincfg.MainNetParams)
		if err != nil {
			t.Fatalf("address: %v", err)
		}
		return a.EncodeAddress()
	}
	beneficiary := mkAddr()
	commission := mkAddr()

	fake := &esploraFake{
		tipHeight: 820000,
		utxos:     `[{"txid":"` + strings.Repeat("ab", 32) + `","vout":0,"value":100000,"status":{"confirmed":true}}]`,
	}
	adapter := newUTXOFixture(t, fake)

	raw, delivered, err := adapter.BuildMultiSweep(context.Background(), priv.Serialize(),
		fromAddr.EncodeAddress(), []SweepOutput{
			{To: beneficiary, Amount: big.NewInt(89000)},
			{To: commission, Amount: big.NewInt(1000)},
		})
	if err != nil {
		t.Fatalf("build multi sweep: %v", err)
	}
	if delivered.Int64() != 89000 {
		t.Fatalf("delivered = %s, want 89000", delivered)
	}

	var tx wire.MsgTx
	if err := tx.Deserialize(bytes.NewReader(raw)); err != nil {
		t.Fatalf("deserialize: %v", err)
	}
	if len(tx.TxOut) != 3 {
		t.Fatalf("outputs = %d, want payout, fee, and change", len(tx.TxOut))
	}
	if tx.TxOut[0].Value != 89000 || tx.TxOut[1].Value != 1000 {
		t.Fatalf("output values = %d/%d, want 89000/1000", tx.TxOut[0].Value, tx.TxOut[1].Value)
	}
	impliedFee := int64(100000) - tx.TxOut[0].Value - tx.TxOut[1].Value - tx.TxOut[2].Value
	if impliedFee <= 0 {
		t.Fatalf("implied fee = %d, want positive", impliedFee)
	}

	// A remainder output soaks up everything after the explicit amounts.
	raw, _, err = adapter.BuildMultiSweep(context.Background(), priv.Serialize(),
		fromAddr.EncodeAddress(), []SweepOutput{
			{To: beneficiary, Amount: big.NewInt(89000)},
			{To: commission, Amount: nil},
		})
	if err != nil {
		t.Fatalf("build remainder sweep: %v", err)
	}
	if err := tx.Deserialize(bytes.NewReader(raw)); err != nil {
		t.Fatalf("deserialize: %v", err)
	}
	if len(tx.TxOut) != 2 {
		t.Fatalf("outputs = %d, want no change with a remainder output", len(tx.TxOut))
	}
	if tx.TxOut[1].Value <= utxoDustLimit || tx.TxOut[1].Value >= 11000 {
		t.Fatalf("remainder = %d, want the post-fee balance", tx.TxOut[1].Value)
	}
}

func TestUTXOBuildSweepInsufficient(t *testing.T) {
	priv, _ := btcec.NewPrivateKey()
	fromAddr, _ := btcutil.NewAddressWitnessPubKeyHash(
		btcutil.Hash160(priv.PubKey().SerializeCompressed()), &chaincfg.MainNetParams)

	fake := &esploraFake{
		utxos: `[{"txid":"` + strings.Repeat("ab", 32) + `","vout":0,"value":1000,"status":{"confirmed":true}}]`,
	}
	adapter := newUTXOFixture(t, fake)
	_, _, err := adapter.BuildSweep(context.Background(), priv.Serialize(),
		fromAddr.EncodeAddress(), fromAddr.EncodeAddress(), big.NewInt(5000))
	if err == nil {
		t.Fatal("expected insufficient funds error")
	}
	if Retryable(err) {
		t.Fatalf("insufficient funds must not be retryable: %v", err)
	}
}
