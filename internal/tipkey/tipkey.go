// Package tipkey derives and validates tip idempotency keys.
//
// A key commits to the transfer content (sender, recipient, amount, external
// reference such as a message ID) plus a random nonce, so a third party can
// neither predict the next key nor replay an observed one against different
// content. Purely sequential or purely content-derived keys are deliberately
// not accepted as a derivation scheme here.
package tipkey

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"

	"github.com/google/uuid"

	"github.com/punchamoorthee/tipledger/internal/domain"
)

// KeyLength is the hex length of a 32-byte key.
const KeyLength = 64

// Derive computes the key for the given transfer content and nonce. The same
// inputs always produce the same key, which is what makes client retries of
// an ambiguous failure safe.
func Derive(sender, recipient string, amount uint64, reference, nonce string) string {
	h := sha256.New()
	// Length-prefixed fields so no concatenation of adjacent fields can
	// collide with a different split of the same bytes.
	for _, part := range []string{sender, recipient, strconv.FormatUint(amount, 10), reference, nonce} {
		fmt.Fprintf(h, "%d:%s;", len(part), part)
	}
	return hex.EncodeToString(h.Sum(nil))
}

// New derives a key with a fresh random nonce, returning both so the caller
// can persist the nonce for retries.
func New(sender, recipient string, amount uint64, reference string) (key, nonce string) {
	nonce = uuid.NewString()
	return Derive(sender, recipient, amount, reference, nonce), nonce
}

// Validate rejects anything that is not 64 lowercase hex characters.
func Validate(key string) error {
	if len(key) != KeyLength {
		return domain.ErrInvalidKey
	}
	if _, err := hex.DecodeString(key); err != nil {
		return domain.ErrInvalidKey
	}
	return nil
}
