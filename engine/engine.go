// Package engine defines the external collaborators the MLS context
// manager depends on but does not implement itself: the MLS cryptographic
// engine, the encrypted message store, and the per-user secret store.
// spec.md §4.6 treats all three as "out of scope"; this package gives them
// a concrete Go shape so the rest of the module can be built and tested
// against in-memory fakes.
package engine

import (
	"context"
	"errors"
)

// ErrSecretReuse is returned by Engine.Decrypt when the supplied
// ciphertext would require reusing an already-consumed ratchet secret
// (equivalently, a secret-tree inconsistency was detected). Per spec.md
// §4.6 step 7, the caller downgrades this to success if a cached
// plaintext for the message already exists, and otherwise surfaces
// SecretReuseSkipped without retrying.
var ErrSecretReuse = errors.New("engine: secret reuse detected")

// ErrInvalidCredential is returned by SenderCredential-adjacent query
// paths when the authenticated credential's bytes are not valid UTF-8 or
// do not begin with the "did:" prefix.
var ErrInvalidCredential = errors.New("engine: invalid credential")

// DecryptResult is the outcome of a successful Engine.Decrypt call.
type DecryptResult struct {
	Plaintext []byte
	Epoch     uint64
	Seq       uint64

	// SenderCredential holds the raw bytes of the authenticated sender
	// credential, if the engine exposed one for this message. Absent
	// (nil) if the underlying protocol message carried no credential.
	SenderCredential []byte
}

// Engine is the MLS cryptographic engine: the component that actually
// holds ratchet state and group secrets. This module never inspects or
// stores key material itself; it only calls through this interface and
// persists the resulting plaintext.
type Engine interface {
	// Decrypt advances groupID's ratchet by one message and returns the
	// plaintext, or ErrSecretReuse if ciphertext would require reusing an
	// already-consumed secret.
	Decrypt(ctx context.Context, contextHandle ContextHandle, groupID string, ciphertext []byte) (DecryptResult, error)

	// CurrentEpoch returns groupID's current epoch under contextHandle.
	CurrentEpoch(ctx context.Context, contextHandle ContextHandle, groupID string) (uint64, error)

	// MemberCount returns the number of members currently in groupID.
	MemberCount(ctx context.Context, contextHandle ContextHandle, groupID string) (int, error)
}

// ContextHandle identifies an opened, user-scoped MLS context (the
// "MlsContextHandle" of spec.md §4.6). Its concrete shape is owned by the
// Engine implementation; this module only threads it through.
type ContextHandle interface {
	// Flush commits any buffered state to disk without closing the
	// context. Called before Close when a cached context is evicted.
	Flush() error

	// Close releases any resources (e.g. open database handles) held by
	// the context.
	Close() error
}

// ContextFactory opens a fresh ContextHandle rooted at storagePath, using
// dbKey (the SecretStore value, passed through unchanged as the
// hex-encoded key) to decrypt the on-disk state.
// ephemeral requests an access mode that does not disturb any other
// process's active pool for the same path (spec.md's
// decrypt_for_notification variant).
type ContextFactory interface {
	OpenContext(ctx context.Context, storagePath string, dbKey []byte, ephemeral bool) (ContextHandle, error)
}
