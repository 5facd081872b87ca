package mlsctx

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joeycumines/go-utilpkg/longpoll"
	"github.com/joshlacal/mlscore/userid"
)

func TestDecryptBatchFromChannelDrainsAndProcesses(t *testing.T) {
	f := newTestFixture(t)
	user := userid.ID("did:plc:u1")
	registerSecret(t, f, user)

	enc1, err := encodePayload("one", nil)
	require.NoError(t, err)
	enc2, err := encodePayload("two", nil)
	require.NoError(t, err)
	f.engine.ScriptDecrypt("g1", []byte("c1"), enc1, 1, 1)
	f.engine.ScriptDecrypt("g1", []byte("c2"), enc2, 1, 2)

	reqCh := make(chan DecryptParams, 2)
	reqCh <- DecryptParams{User: user, GroupID: "g1", Ciphertext: []byte("c1"), ConversationID: "conv1", MessageID: "m1"}
	reqCh <- DecryptParams{User: user, GroupID: "g1", Ciphertext: []byte("c2"), ConversationID: "conv1", MessageID: "m2"}
	close(reqCh)

	results, err := f.manager.DecryptBatchFromChannel(context.Background(), user, reqCh, &longpoll.ChannelConfig{MaxSize: 16, MinSize: 1})
	require.NoError(t, err)
	require.Len(t, results, 2)
	require.NoError(t, results[0].Err)
	require.NoError(t, results[1].Err)
	assert.Equal(t, "one", string(results[0].Result.Plaintext))
	assert.Equal(t, "two", string(results[1].Result.Plaintext))
}

func TestDecryptBatchFromChannelEmpty(t *testing.T) {
	f := newTestFixture(t)
	user := userid.ID("did:plc:u1")

	reqCh := make(chan DecryptParams)
	close(reqCh)

	results, err := f.manager.DecryptBatchFromChannel(context.Background(), user, reqCh, nil)
	require.NoError(t, err)
	assert.Nil(t, results)
}
