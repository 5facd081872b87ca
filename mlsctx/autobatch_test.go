package mlsctx

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joshlacal/mlscore/engine"
	"github.com/joshlacal/mlscore/userid"
)

func TestSubmitDecryptBasicFlow(t *testing.T) {
	f := newTestFixture(t)
	user := userid.ID("did:plc:u1")
	registerSecret(t, f, user)

	encoded, err := encodePayload("hello", nil)
	require.NoError(t, err)
	f.engine.ScriptDecrypt("g1", []byte("cipher1"), encoded, 1, 1)

	result, err := f.manager.SubmitDecrypt(context.Background(), DecryptParams{
		User: user, GroupID: "g1", Ciphertext: []byte("cipher1"),
		ConversationID: "conv1", MessageID: "m1",
	})
	require.NoError(t, err)
	assert.Equal(t, "hello", string(result.Plaintext))
}

// TestSubmitDecryptCoalescesConcurrentSameUserSubmissions exercises the
// auto-batcher's reason for existing: several concurrent submissions for
// the same user, arriving within one flush window, are grouped into a
// single exclusive-access scope hold instead of contending serially.
func TestSubmitDecryptCoalescesConcurrentSameUserSubmissions(t *testing.T) {
	f := newTestFixture(t)
	user := userid.ID("did:plc:u1")
	registerSecret(t, f, user)

	const n = 5
	var items []DecryptParams
	for i := 0; i < n; i++ {
		id := string(rune('a' + i))
		encoded, err := encodePayload("msg-"+id, nil)
		require.NoError(t, err)
		f.engine.ScriptDecrypt("g1", []byte("cipher-"+id), encoded, uint64(i+1), 1)
		items = append(items, DecryptParams{
			User: user, GroupID: "g1", Ciphertext: []byte("cipher-" + id),
			ConversationID: "conv1", MessageID: "m-" + id,
		})
	}

	var wg sync.WaitGroup
	results := make([]Result, n)
	errs := make([]error, n)
	wg.Add(n)
	for i, p := range items {
		go func(i int, p DecryptParams) {
			defer wg.Done()
			results[i], errs[i] = f.manager.SubmitDecrypt(context.Background(), p)
		}(i, p)
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, "msg-"+string(rune('a'+i)), string(results[i].Plaintext))
	}

	res, err := f.manager.resources.get(userid.Normalize(user.String()))
	require.NoError(t, err)
	disk, err := res.versionMgr.DiskVersion(user)
	require.NoError(t, err)
	assert.Equal(t, int64(n), disk)
}

func TestSubmitForNotificationUsesEphemeralAccess(t *testing.T) {
	f := newTestFixture(t)
	user := userid.ID("did:plc:u1")
	registerSecret(t, f, user)

	encoded, err := encodePayload("hello", nil)
	require.NoError(t, err)
	f.engine.ScriptDecrypt("g1", []byte("cipher1"), encoded, 1, 1)

	result, err := f.manager.SubmitForNotification(context.Background(), DecryptParams{
		User: user, GroupID: "g1", Ciphertext: []byte("cipher1"),
		ConversationID: "conv1", MessageID: "m1",
	})
	require.NoError(t, err)
	assert.Equal(t, "hello", string(result.Plaintext))

	handle, _, err := f.manager.GetContext(context.Background(), user)
	require.NoError(t, err)
	assert.True(t, handle.(*engine.FakeContextHandle).Ephemeral)
}
