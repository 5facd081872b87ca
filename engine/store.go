package engine

import "context"

// Plaintext is a decrypted message as persisted by MessageStore.
type Plaintext struct {
	MessageID      string
	ConversationID string
	Text           string
	Embed          []byte // opaque; nil if no rich embed was present
	Sender         string
	Epoch          uint64
	Seq            uint64
}

// ErrForeignKeyViolation is returned by MessageStore.SavePlaintext when
// conversationID has no corresponding row yet. The decrypt pipeline
// responds by calling EnsureConversationOrPlaceholder and retrying the
// save exactly once.
type ErrForeignKeyViolation struct {
	ConversationID string
}

func (e *ErrForeignKeyViolation) Error() string {
	return "engine: foreign key violation for conversation " + e.ConversationID
}

// MessageStore is the encrypted message store: the durable home for
// decrypted plaintext, keyed by message id for idempotency.
type MessageStore interface {
	// FetchPlaintext returns the previously persisted plaintext for
	// messageID, if any.
	FetchPlaintext(ctx context.Context, messageID string) (Plaintext, bool, error)

	// SavePlaintext persists p. Implementations return
	// *ErrForeignKeyViolation if p.ConversationID has no backing row.
	SavePlaintext(ctx context.Context, p Plaintext) error

	// EnsureConversationOrPlaceholder guarantees a row exists for
	// conversationID, creating a minimal placeholder if necessary.
	EnsureConversationOrPlaceholder(ctx context.Context, conversationID string) error
}

// SecretStore is the per-user secret store providing the database
// encryption key material consumed by ContextFactory.
type SecretStore interface {
	// Read returns the raw bytes stored under key, or false if absent.
	Read(ctx context.Context, key string) ([]byte, bool, error)
	Write(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
}
