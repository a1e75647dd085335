package ledger

import (
	"encoding/hex"
	"strconv"

	"golang.org/x/crypto/blake2b"

	"github.com/alem-hub/progress-engine/internal/domain/shared"
)

// Fingerprint hashes the caller-controlled payload of an award. Two
// submissions under one idempotency key are the same action only if their
// fingerprints match; otherwise the second is a ConflictError.
//
// The multiplier is not part of the fingerprint; it is derived server-side
// from state at first submission.
func Fingerprint(userID shared.UserID, t EventType, base int64, src Source) string {
	h, _ := blake2b.New256(nil)
	for _, part := range []string{string(userID), string(t), strconv.FormatInt(base, 10), string(src)} {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}
