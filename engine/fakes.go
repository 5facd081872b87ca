package engine

import (
	"context"
	"fmt"
	"sync"
)

// FakeContextHandle is a no-op ContextHandle for tests.
type FakeContextHandle struct {
	StoragePath string
	DBKey       []byte
	Ephemeral   bool
	Flushed     bool
	closed      bool
}

func (h *FakeContextHandle) Flush() error {
	h.Flushed = true
	return nil
}

func (h *FakeContextHandle) Close() error {
	h.closed = true
	return nil
}

// Closed reports whether Close has been called, for test assertions.
func (h *FakeContextHandle) Closed() bool { return h.closed }

// FakeContextFactory opens FakeContextHandle values without touching the
// filesystem.
type FakeContextFactory struct{}

func (FakeContextFactory) OpenContext(_ context.Context, storagePath string, dbKey []byte, ephemeral bool) (ContextHandle, error) {
	return &FakeContextHandle{StoragePath: storagePath, DBKey: dbKey, Ephemeral: ephemeral}, nil
}

// FakeEngine is an in-memory Engine used by tests. Decryptions are scripted: each ciphertext's plaintext is
// looked up by exact byte match, and every group has an independently
// tracked epoch/member-count pair. Scripted entries are consumed exactly
// once unless Repeatable is set, modeling ratchet forward-secrecy: a
// second decrypt of the same ciphertext returns ErrSecretReuse, matching
// real MLS ratchet behavior where a consumed secret cannot be reused.
type FakeEngine struct {
	mu         sync.Mutex
	plaintexts map[string][]byte // ciphertext (as string key) -> plaintext
	consumed   map[string]bool
	epochs     map[string]uint64
	members    map[string]int
	credential []byte

	// Repeatable disables the single-use consumption check, letting the
	// same ciphertext decrypt successfully more than once. Tests that
	// specifically exercise SecretReuse leave this false.
	Repeatable bool
}

// NewFakeEngine constructs an empty FakeEngine. credential is the sender
// credential bytes returned with every DecryptResult.
func NewFakeEngine(credential []byte) *FakeEngine {
	return &FakeEngine{
		plaintexts: make(map[string][]byte),
		consumed:   make(map[string]bool),
		epochs:     make(map[string]uint64),
		members:    make(map[string]int),
		credential: credential,
	}
}

// ScriptDecrypt registers that decrypting ciphertext under groupID yields
// plaintext. epoch only raises groupID's reported epoch (Decrypt reports
// the group's highest scripted epoch, not a per-ciphertext one); seq is
// not recorded.
func (e *FakeEngine) ScriptDecrypt(groupID string, ciphertext, plaintext []byte, epoch, seq uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.plaintexts[scriptKey(groupID, ciphertext)] = plaintext
	if epoch > e.epochs[groupID] {
		e.epochs[groupID] = epoch
	}
	_ = seq
}

// SetMemberCount fixes the member count FakeEngine reports for groupID.
func (e *FakeEngine) SetMemberCount(groupID string, n int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.members[groupID] = n
}

func scriptKey(groupID string, ciphertext []byte) string {
	return fmt.Sprintf("%s:%x", groupID, ciphertext)
}

func (e *FakeEngine) Decrypt(_ context.Context, _ ContextHandle, groupID string, ciphertext []byte) (DecryptResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	key := scriptKey(groupID, ciphertext)
	plaintext, ok := e.plaintexts[key]
	if !ok {
		return DecryptResult{}, fmt.Errorf("engine: no scripted plaintext for group %q", groupID)
	}
	if e.consumed[key] && !e.Repeatable {
		return DecryptResult{}, ErrSecretReuse
	}
	e.consumed[key] = true

	return DecryptResult{
		Plaintext:        plaintext,
		Epoch:            e.epochs[groupID],
		SenderCredential: e.credential,
	}, nil
}

func (e *FakeEngine) CurrentEpoch(_ context.Context, _ ContextHandle, groupID string) (uint64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.epochs[groupID], nil
}

func (e *FakeEngine) MemberCount(_ context.Context, _ ContextHandle, groupID string) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.members[groupID], nil
}

// FakeMessageStore is an in-memory MessageStore. Conversations must be
// created via EnsureConversationOrPlaceholder (or MarkConversationMissing
// in tests that want to exercise the foreign-key retry path) before
// SavePlaintext succeeds.
type FakeMessageStore struct {
	mu            sync.Mutex
	plaintexts    map[string]Plaintext
	conversations map[string]bool
	missingOnce   map[string]bool // conversations that reject exactly one SavePlaintext
}

func NewFakeMessageStore() *FakeMessageStore {
	return &FakeMessageStore{
		plaintexts:    make(map[string]Plaintext),
		conversations: make(map[string]bool),
		missingOnce:   make(map[string]bool),
	}
}

// MarkConversationMissing makes the next SavePlaintext for
// conversationID fail with ErrForeignKeyViolation, simulating a Welcome
// having arrived before the conversation metadata (scenario 6).
func (s *FakeMessageStore) MarkConversationMissing(conversationID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conversations, conversationID)
	s.missingOnce[conversationID] = true
}

func (s *FakeMessageStore) FetchPlaintext(_ context.Context, messageID string) (Plaintext, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.plaintexts[messageID]
	return p, ok, nil
}

func (s *FakeMessageStore) SavePlaintext(_ context.Context, p Plaintext) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.missingOnce[p.ConversationID] {
		delete(s.missingOnce, p.ConversationID)
		return &ErrForeignKeyViolation{ConversationID: p.ConversationID}
	}
	if !s.conversations[p.ConversationID] {
		return &ErrForeignKeyViolation{ConversationID: p.ConversationID}
	}
	s.plaintexts[p.MessageID] = p
	return nil
}

func (s *FakeMessageStore) EnsureConversationOrPlaceholder(_ context.Context, conversationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conversations[conversationID] = true
	return nil
}

// FakeSecretStore is an in-memory SecretStore.
type FakeSecretStore struct {
	mu     sync.Mutex
	values map[string][]byte
}

func NewFakeSecretStore() *FakeSecretStore {
	return &FakeSecretStore{values: make(map[string][]byte)}
}

func (s *FakeSecretStore) Read(_ context.Context, key string) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.values[key]
	return v, ok, nil
}

func (s *FakeSecretStore) Write(_ context.Context, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = value
	return nil
}

func (s *FakeSecretStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.values, key)
	return nil
}
