package mlsctx

import (
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/joshlacal/mlscore/engine"
	"github.com/joshlacal/mlscore/kvstore"
	"github.com/joshlacal/mlscore/opcoord"
)

type testFixture struct {
	manager      *Manager
	engine       *engine.FakeEngine
	messageStore *engine.FakeMessageStore
	secretStore  *engine.FakeSecretStore
	coord        *opcoord.Coordinator
}

func newTestFixture(t *testing.T) *testFixture {
	t.Helper()
	dir := t.TempDir()

	kv, err := kvstore.Open(filepath.Join(dir, "shared.db"), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = kv.Close() })

	coord := opcoord.New(zerolog.Nop())
	t.Cleanup(coord.Close)

	fe := engine.NewFakeEngine([]byte("did:plc:sender"))
	fms := engine.NewFakeMessageStore()
	fss := engine.NewFakeSecretStore()

	mgr, err := New(Config{
		Logger:             zerolog.Nop(),
		KV:                 kv,
		Coordinator:        coord,
		Engine:             fe,
		ContextFactory:     engine.FakeContextFactory{},
		MessageStore:       fms,
		SecretStore:        fss,
		SharedContainerDir: dir,
	})
	require.NoError(t, err)
	t.Cleanup(mgr.Close)

	return &testFixture{manager: mgr, engine: fe, messageStore: fms, secretStore: fss, coord: coord}
}
