package escrow

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// newToken mints a single-use bearer token and its storable digest. The raw
// token is returned to the caller exactly once; only the digest persists.
func newToken() (raw, digest string, err error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", "", fmt.Errorf("mint token: %w", err)
	}
	raw = hex.EncodeToString(buf)
	return raw, hashToken(raw), nil
}

func hashToken(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// tokenMatches compares a presented token against a stored digest in constant
// time.
func tokenMatches(presented, storedDigest string) bool {
	return hmac.Equal([]byte(hashToken(presented)), []byte(storedDigest))
}
