// Package crypto wraps the signing primitives used across chainpay: secp256k1
// keys for UTXO and EVM chains, ed25519 keys for Solana-family chains, and the
// AEAD cipher protecting derived private keys at rest.
package crypto

import (
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// Scheme identifies the signature scheme carried by a wallet public key.
type Scheme string

const (
	SchemeSecp256k1 Scheme = "secp256k1"
	SchemeEd25519   Scheme = "ed25519"
)

// ParseScheme validates a scheme identifier received over the wire.
func ParseScheme(raw string) (Scheme, error) {
	switch Scheme(raw) {
	case SchemeSecp256k1:
		return SchemeSecp256k1, nil
	case SchemeEd25519:
		return SchemeEd25519, nil
	default:
		return "", errors.New("crypto: unknown signature scheme " + raw)
	}
}

type PrivateKey struct {
	*ecdsa.PrivateKey
}

type PublicKey struct {
	*ecdsa.PublicKey
}

// GeneratePrivateKey creates a fresh secp256k1 private key.
func GeneratePrivateKey() (*PrivateKey, error) {
	key, err := ecdsa.GenerateKey(ethcrypto.S256(), rand.Reader)
	if err != nil {
		return nil, err
	}
	return &PrivateKey{key}, nil
}

// Bytes returns the byte representation of the private key.
func (k *PrivateKey) Bytes() []byte {
	return ethcrypto.FromECDSA(k.PrivateKey)
}

func (k *PrivateKey) PubKey() *PublicKey {
	return &PublicKey{&k.PrivateKey.PublicKey}
}

// Sign produces a 65-byte recoverable signature over the sha256 digest of msg.
func (k *PrivateKey) Sign(msg []byte) ([]byte, error) {
	digest := sha256.Sum256(msg)
	return ethcrypto.Sign(digest[:], k.PrivateKey)
}

func PrivateKeyFromBytes(b []byte) (*PrivateKey, error) {
	key, err := ethcrypto.ToECDSA(b)
	if err != nil {
		return nil, err
	}
	return &PrivateKey{key}, nil
}

// Bytes returns the 33-byte compressed encoding of the public key.
func (k *PublicKey) Bytes() []byte {
	return ethcrypto.CompressPubkey(k.PublicKey)
}

func (k *PublicKey) Hex() string {
	return hex.EncodeToString(k.Bytes())
}

// VerifySecp checks a secp256k1 signature over the sha256 digest of msg.
// Both 64-byte compact and 65-byte recoverable encodings are accepted.
func VerifySecp(compressedPub []byte, msg, sig []byte) bool {
	if len(sig) == 65 {
		sig = sig[:64]
	}
	if len(sig) != 64 {
		return false
	}
	digest := sha256.Sum256(msg)
	return ethcrypto.VerifySignature(compressedPub, digest[:], sig)
}

// VerifyEd checks an ed25519 signature over the raw message bytes.
func VerifyEd(pub ed25519.PublicKey, msg, sig []byte) bool {
	if len(pub) != ed25519.PublicKeySize || len(sig) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(pub, msg, sig)
}
