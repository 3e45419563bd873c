// Package auth verifies wallet-scoped requests. Two credentials are accepted:
// a per-request signature over the canonical challenge string, or a
// short-lived bearer token issued after a successful signature check.
package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/mr-tron/base58"

	"chainpay/crypto"
	"chainpay/errs"
	"chainpay/storage"
)

const (
	// HeaderWalletID identifies the signing wallet.
	HeaderWalletID = "X-Wallet-Id"
	// HeaderScheme selects which registered key signed the request.
	HeaderScheme = "X-Wallet-Scheme"
	// HeaderTimestamp is the unix timestamp (seconds) used when signing.
	HeaderTimestamp = "X-Timestamp"
	// HeaderNonce provides replay protection within the timestamp window.
	HeaderNonce = "X-Nonce"
	// HeaderSignature carries the hex-encoded signature.
	HeaderSignature = "X-Signature"
	// MaxBodyForSignature is the maximum body size hashed for authentication.
	MaxBodyForSignature int = 1 << 20 // 1 MiB

	defaultReplayWindow      = 300 * time.Second
	defaultTokenTTL          = 15 * time.Minute
	defaultNonceCapacity     = 4096
	maxNonceCapacity         = 65536
	persistencePruneInterval = time.Minute
)

// CredentialKind records which credential authenticated a request.
type CredentialKind string

const (
	CredentialSignature CredentialKind = "signature"
	CredentialBearer    CredentialKind = "bearer"
)

// Principal is an authenticated wallet.
type Principal struct {
	WalletID   uuid.UUID
	Credential CredentialKind
}

// NonceRecord captures persisted nonce usage metadata.
type NonceRecord struct {
	WalletID   string
	Timestamp  string
	Nonce      string
	ObservedAt time.Time
}

// NoncePersistence provides durable storage for nonce usage, so replay
// protection survives restarts.
type NoncePersistence interface {
	EnsureNonce(ctx context.Context, record NonceRecord) (bool, error)
	RecentNonces(ctx context.Context, cutoff time.Time) ([]NonceRecord, error)
	PruneNonces(ctx context.Context, cutoff time.Time) error
}

// WalletDirectory resolves wallet principals to their registered keys.
type WalletDirectory interface {
	Wallet(ctx context.Context, id uuid.UUID) (*storage.Wallet, error)
}

// Verifier checks wallet signatures and bearer tokens.
type Verifier struct {
	wallets       WalletDirectory
	replayWindow  time.Duration
	tokenTTL      time.Duration
	jwtSecret     []byte
	nonceCapacity int
	nowFn         func() time.Time

	nonceMu sync.Mutex
	nonces  map[string]*nonceStore

	persistence NoncePersistence
	pruneMu     sync.Mutex
	lastPruned  time.Time
}

// Options tunes the verifier; zero values take the documented defaults.
type Options struct {
	ReplayWindow  time.Duration
	TokenTTL      time.Duration
	NonceCapacity int
	Persistence   NoncePersistence
	NowFn         func() time.Time
}

func NewVerifier(wallets WalletDirectory, jwtSecret []byte, opts Options) *Verifier {
	if opts.ReplayWindow <= 0 {
		opts.ReplayWindow = defaultReplayWindow
	}
	if opts.TokenTTL <= 0 {
		opts.TokenTTL = defaultTokenTTL
	}
	if opts.NonceCapacity <= 0 {
		opts.NonceCapacity = defaultNonceCapacity
	}
	if opts.NonceCapacity > maxNonceCapacity {
		opts.NonceCapacity = maxNonceCapacity
	}
	if opts.NowFn == nil {
		opts.NowFn = time.Now
	}
	return &Verifier{
		wallets:       wallets,
		replayWindow:  opts.ReplayWindow,
		tokenTTL:      opts.TokenTTL,
		jwtSecret:     jwtSecret,
		nonceCapacity: opts.NonceCapacity,
		nowFn:         opts.NowFn,
		nonces:        make(map[string]*nonceStore),
		persistence:   opts.Persistence,
	}
}

// CanonicalString builds the challenge a wallet signs: METHOD:PATH:TS:BODY_HASH
// where the body hash covers the exact raw request bytes.
func CanonicalString(method, path, timestamp string, body []byte) string {
	sum := sha256.Sum256(body)
	return strings.ToUpper(method) + ":" + path + ":" + timestamp + ":" + hex.EncodeToString(sum[:])
}

// Authenticate validates the request against either credential. The body must
// be the exact raw bytes read from the wire.
func (v *Verifier) Authenticate(r *http.Request, body []byte) (*Principal, error) {
	if bearer := bearerToken(r); bearer != "" {
		return v.authenticateBearer(r.Context(), bearer)
	}
	return v.authenticateSignature(r, body)
}

// VerifySignature runs only the signature credential path, used by the session
// endpoint where a bearer token cannot bootstrap itself.
func (v *Verifier) VerifySignature(r *http.Request, body []byte) (*Principal, error) {
	return v.authenticateSignature(r, body)
}

func (v *Verifier) authenticateSignature(r *http.Request, body []byte) (*Principal, error) {
	if len(body) > MaxBodyForSignature {
		return nil, errs.Validationf("request body exceeds %d bytes", MaxBodyForSignature)
	}
	walletID, err := uuid.Parse(strings.TrimSpace(r.Header.Get(HeaderWalletID)))
	if err != nil {
		return nil, errs.Authf("missing or malformed %s header", HeaderWalletID)
	}
	scheme, err := crypto.ParseScheme(strings.TrimSpace(r.Header.Get(HeaderScheme)))
	if err != nil {
		return nil, errs.Authf("unsupported signature scheme")
	}
	timestampHeader := strings.TrimSpace(r.Header.Get(HeaderTimestamp))
	ts, err := parseUnixTimestamp(timestampHeader)
	if err != nil {
		return nil, errs.Authf("missing or invalid %s header", HeaderTimestamp)
	}
	now := v.nowFn().UTC()
	skew := now.Sub(ts)
	if skew < 0 {
		skew = -skew
	}
	if skew > v.replayWindow {
		return nil, errs.Authf("timestamp outside the %s replay window", v.replayWindow)
	}
	nonce := strings.TrimSpace(r.Header.Get(HeaderNonce))
	if nonce == "" {
		return nil, errs.Authf("missing %s header", HeaderNonce)
	}
	sig, err := hex.DecodeString(strings.TrimSpace(r.Header.Get(HeaderSignature)))
	if err != nil || len(sig) == 0 {
		return nil, errs.Authf("missing or malformed %s header", HeaderSignature)
	}

	wallet, err := v.activeWallet(r.Context(), walletID)
	if err != nil {
		return nil, err
	}

	challenge := []byte(CanonicalString(r.Method, r.URL.Path, timestampHeader, body))
	switch scheme {
	case crypto.SchemeSecp256k1:
		pub, err := hex.DecodeString(wallet.SecpPublicKey)
		if err != nil {
			return nil, errs.Authf("wallet has no usable secp256k1 key")
		}
		if !crypto.VerifySecp(pub, challenge, sig) {
			return nil, errs.Authf("signature verification failed")
		}
	case crypto.SchemeEd25519:
		pub, err := base58.Decode(wallet.EdPublicKey)
		if err != nil || len(pub) != 32 {
			return nil, errs.Authf("wallet has no usable ed25519 key")
		}
		if !crypto.VerifyEd(pub, challenge, sig) {
			return nil, errs.Authf("signature verification failed")
		}
	default:
		return nil, errs.Authf("unsupported signature scheme")
	}

	duplicate, err := v.registerNonce(r.Context(), walletID.String(), timestampHeader, nonce, now)
	if err != nil {
		return nil, err
	}
	if duplicate {
		return nil, errs.Authf("nonce already used")
	}
	return &Principal{WalletID: walletID, Credential: CredentialSignature}, nil
}

// IssueSession mints a bearer token for a wallet that just passed a signature
// challenge.
func (v *Verifier) IssueSession(walletID uuid.UUID) (string, time.Time, error) {
	now := v.nowFn().UTC()
	expires := now.Add(v.tokenTTL)
	claims := jwt.RegisteredClaims{
		Subject:   walletID.String(),
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(expires),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.jwtSecret)
	if err != nil {
		return "", time.Time{}, errs.Wrap(errs.KindInternal, err, "sign session token")
	}
	return token, expires, nil
}

func (v *Verifier) authenticateBearer(ctx context.Context, raw string) (*Principal, error) {
	token, err := jwt.ParseWithClaims(raw, &jwt.RegisteredClaims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return v.jwtSecret, nil
	}, jwt.WithTimeFunc(func() time.Time { return v.nowFn().UTC() }))
	if err != nil || !token.Valid {
		return nil, errs.Authf("invalid session token")
	}
	claims, ok := token.Claims.(*jwt.RegisteredClaims)
	if !ok || claims.Subject == "" {
		return nil, errs.Authf("invalid session token")
	}
	walletID, err := uuid.Parse(claims.Subject)
	if err != nil {
		return nil, errs.Authf("invalid session token")
	}
	if _, err := v.activeWallet(ctx, walletID); err != nil {
		return nil, err
	}
	return &Principal{WalletID: walletID, Credential: CredentialBearer}, nil
}

func (v *Verifier) activeWallet(ctx context.Context, id uuid.UUID) (*storage.Wallet, error) {
	wallet, err := v.wallets.Wallet(ctx, id)
	if err != nil {
		if errs.KindOf(err) == errs.KindNotFound {
			return nil, errs.Authf("unknown wallet")
		}
		return nil, err
	}
	if wallet.Status != storage.WalletActive {
		return nil, errs.Forbiddenf("wallet is %s", strings.ToLower(wallet.Status))
	}
	return wallet, nil
}

// HydrateNonces warms the in-memory cache with persisted nonce usage records.
func (v *Verifier) HydrateNonces(ctx context.Context, cutoff time.Time) error {
	if v == nil || v.persistence == nil {
		return nil
	}
	records, err := v.persistence.RecentNonces(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("load persistent nonces: %w", err)
	}
	for _, rec := range records {
		if rec.WalletID == "" || rec.Timestamp == "" || rec.Nonce == "" {
			continue
		}
		observed := rec.ObservedAt
		if observed.IsZero() {
			observed = cutoff
		}
		v.nonceCache(rec.WalletID).Add(rec.Timestamp+"|"+rec.Nonce, observed)
	}
	return nil
}

func (v *Verifier) registerNonce(ctx context.Context, walletID, timestamp, nonce string, now time.Time) (bool, error) {
	cache := v.nonceCache(walletID)
	composite := timestamp + "|" + nonce
	if cache.Contains(composite, now) {
		return true, nil
	}
	if v.persistence != nil {
		if err := v.prunePersistent(ctx, now); err != nil {
			return false, err
		}
		existed, err := v.persistence.EnsureNonce(ctx, NonceRecord{
			WalletID:   walletID,
			Timestamp:  timestamp,
			Nonce:      nonce,
			ObservedAt: now,
		})
		if err != nil {
			return false, errs.Wrap(errs.KindInternal, err, "persist nonce")
		}
		if existed {
			cache.Add(composite, now)
			return true, nil
		}
	}
	cache.Add(composite, now)
	return false, nil
}

func (v *Verifier) prunePersistent(ctx context.Context, now time.Time) error {
	if v.persistence == nil {
		return nil
	}
	v.pruneMu.Lock()
	defer v.pruneMu.Unlock()
	if !v.lastPruned.IsZero() && now.Sub(v.lastPruned) < persistencePruneInterval {
		return nil
	}
	if err := v.persistence.PruneNonces(ctx, now.Add(-v.replayWindow)); err != nil {
		return fmt.Errorf("prune persistent nonces: %w", err)
	}
	v.lastPruned = now
	return nil
}

func (v *Verifier) nonceCache(walletID string) *nonceStore {
	v.nonceMu.Lock()
	defer v.nonceMu.Unlock()
	cache, ok := v.nonces[walletID]
	if !ok {
		cache = newNonceStore(v.replayWindow, v.nonceCapacity)
		v.nonces[walletID] = cache
	}
	return cache
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

func parseUnixTimestamp(v string) (time.Time, error) {
	secs, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(secs, 0).UTC(), nil
}
