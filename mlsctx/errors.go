package mlsctx

import "fmt"

// ErrSecretReuseSkipped is returned by the decrypt pipeline when the
// engine reports a secret-reuse/secret-tree inconsistency and no cached
// plaintext exists to treat the request as a late-arriving duplicate.
// Per spec.md §4.6 step 7, callers must not retry automatically on this
// error.
type ErrSecretReuseSkipped struct {
	MessageID string
}

func (e *ErrSecretReuseSkipped) Error() string {
	return fmt.Sprintf("mlsctx: secret reuse skipped for message %q", e.MessageID)
}

// ErrNoDatabaseKey is returned by get_context when the secret store has
// no database-encryption key recorded for a user.
type ErrNoDatabaseKey struct {
	UserHash string
}

func (e *ErrNoDatabaseKey) Error() string {
	return fmt.Sprintf("mlsctx: no database key for user %s", e.UserHash)
}
