// Package hd derives per-entity, per-chain keypairs from a single master seed.
// Account indexes are a pure function of the owning entity id, so re-deriving
// for the same (owner, chain) pair always lands on the same path without any
// persisted counter.
package hd

import (
	"crypto/ed25519"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	solana "github.com/gagliardetto/solana-go"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"lukechampine.com/blake3"
)

// BIP-44 coin types for the supported chain families.
const (
	CoinTypeBTC uint32 = 0
	CoinTypeETH uint32 = 60
	CoinTypeSOL uint32 = 501
)

// Result carries the outcome of a single derivation. PrivateKey holds raw key
// material; callers must encrypt it immediately and discard the plaintext.
type Result struct {
	AccountIndex uint32
	Address      string
	PrivateKey   []byte
}

// Deriver owns the master seed and produces chain-appropriate keypairs.
type Deriver struct {
	seed []byte
	net  *chaincfg.Params
}

// New builds a Deriver from the master seed. Seeds shorter than 16 bytes are
// rejected outright.
func New(seed []byte) (*Deriver, error) {
	if len(seed) < hdkeychain.MinSeedBytes {
		return nil, errors.New("hd: master seed too short")
	}
	return &Deriver{seed: seed, net: &chaincfg.MainNetParams}, nil
}

// AccountIndex maps an owning entity id onto a hardened-derivable account
// index. The blake3 hash keeps the mapping stable across restarts.
func AccountIndex(ownerID string) uint32 {
	sum := blake3.Sum256([]byte(ownerID))
	return binary.BigEndian.Uint32(sum[:4]) % (1 << 31)
}

// DeriveUTXO derives a secp256k1 key at m/44'/0'/account'/0/0 and returns the
// corresponding P2WPKH address.
func (d *Deriver) DeriveUTXO(ownerID string) (Result, error) {
	account := AccountIndex(ownerID)
	key, err := d.deriveSecp(CoinTypeBTC, account)
	if err != nil {
		return Result{}, err
	}
	priv, err := key.ECPrivKey()
	if err != nil {
		return Result{}, fmt.Errorf("hd: extract private key: %w", err)
	}
	pubHash := btcutil.Hash160(priv.PubKey().SerializeCompressed())
	addr, err := btcutil.NewAddressWitnessPubKeyHash(pubHash, d.net)
	if err != nil {
		return Result{}, fmt.Errorf("hd: encode address: %w", err)
	}
	return Result{
		AccountIndex: account,
		Address:      addr.EncodeAddress(),
		PrivateKey:   priv.Serialize(),
	}, nil
}

// DeriveEVM derives a secp256k1 key at m/44'/60'/account'/0/0 and returns the
// checksummed 0x address.
func (d *Deriver) DeriveEVM(ownerID string) (Result, error) {
	account := AccountIndex(ownerID)
	key, err := d.deriveSecp(CoinTypeETH, account)
	if err != nil {
		return Result{}, err
	}
	priv, err := key.ECPrivKey()
	if err != nil {
		return Result{}, fmt.Errorf("hd: extract private key: %w", err)
	}
	ecdsaKey := priv.ToECDSA()
	addr := ethcrypto.PubkeyToAddress(ecdsaKey.PublicKey)
	return Result{
		AccountIndex: account,
		Address:      addr.Hex(),
		PrivateKey:   priv.Serialize(),
	}, nil
}

// DeriveSolana derives an ed25519 keypair from a blake3 subkey of the master
// seed and returns the base58 public key as the address. The context string
// binds the subkey to both the owner and the coin type.
func (d *Deriver) DeriveSolana(ownerID string) (Result, error) {
	account := AccountIndex(ownerID)
	ctx := fmt.Sprintf("chainpay ed25519 %d %s", CoinTypeSOL, ownerID)
	seed := make([]byte, ed25519.SeedSize)
	blake3.DeriveKey(seed, ctx, d.seed)
	priv := ed25519.NewKeyFromSeed(seed)
	pub := solana.PublicKeyFromBytes(priv.Public().(ed25519.PublicKey))
	return Result{
		AccountIndex: account,
		Address:      pub.String(),
		PrivateKey:   []byte(priv),
	}, nil
}

func (d *Deriver) deriveSecp(coinType, account uint32) (*hdkeychain.ExtendedKey, error) {
	master, err := hdkeychain.NewMaster(d.seed, d.net)
	if err != nil {
		return nil, fmt.Errorf("hd: master key: %w", err)
	}
	path := []uint32{
		44 + hdkeychain.HardenedKeyStart,
		coinType + hdkeychain.HardenedKeyStart,
		account + hdkeychain.HardenedKeyStart,
		0,
		0,
	}
	key := master
	for _, step := range path {
		key, err = key.Derive(step)
		if err != nil {
			return nil, fmt.Errorf("hd: derive step %d: %w", step, err)
		}
	}
	return key, nil
}
