// Package userid models the opaque per-user identifier shared by every
// component of the coordination core, and the normalization/hashing rules
// that let independent processes derive identical storage keys for the
// same user without ever comparing raw strings.
package userid

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"strings"
)

// ID is an opaque user identifier (typically a DID). Two IDs that differ
// only by surrounding whitespace or letter case refer to the same user.
type ID string

// Normalize trims whitespace and case-folds s, producing the canonical form
// used for comparison, hashing, and storage-key derivation.
func Normalize(s string) ID {
	return ID(strings.ToLower(strings.TrimSpace(s)))
}

// Equal reports whether x and y refer to the same user, after normalization.
func (x ID) Equal(y ID) bool {
	return Normalize(string(x)) == Normalize(string(y))
}

// Hash returns the first 16 hex characters of the SHA-256 digest of the
// normalized id, used as the short, fixed-length suffix for shared
// key-value store keys (see spec.md §6).
func (x ID) Hash() string {
	sum := sha256.Sum256([]byte(Normalize(string(x))))
	return hex.EncodeToString(sum[:])[:16]
}

// String returns the raw (non-normalized) id.
func (x ID) String() string {
	return string(x)
}

// IsEmpty reports whether the id is empty once normalized.
func (x ID) IsEmpty() bool {
	return Normalize(string(x)) == ""
}

// StoragePathKey returns the path-safe key used to name the user's MLS
// state database file, per spec.md §6: base64 (URL-safe alphabet, padding
// stripped) of the normalized id, truncated to 64 characters.
func (x ID) StoragePathKey() string {
	encoded := base64.RawURLEncoding.EncodeToString([]byte(Normalize(string(x))))
	if len(encoded) > 64 {
		encoded = encoded[:64]
	}
	return encoded
}
