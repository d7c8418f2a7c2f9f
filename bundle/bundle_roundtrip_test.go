package bundle_test

import (
	"context"
	"testing"

	"github.com/tonk-labs/tonk/bundle"
	"github.com/tonk-labs/tonk/common"
	"github.com/tonk-labs/tonk/repo"
	"github.com/tonk-labs/tonk/storage"
	"github.com/tonk-labs/tonk/vfs"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestRepositoryToBytesRoundTripsRealVFSState exercises a full bundle
// built from actual VFS-produced documents (a directory plus two
// files), not hand-assembled entries: Repository.ToBytes, then
// bundle.FromBytes, then reading a file back through a second,
// independent Repository hydrated only from the bundle's documents.
func TestRepositoryToBytesRoundTripsRealVFSState(t *testing.T) {
	ctx := context.Background()
	backend := storage.NewMemory()
	r := repo.New(common.NewPeerId(), common.SharePolicyGenerous, backend)
	defer r.Close()

	fs, err := vfs.Init(ctx, r)
	require.NoError(t, err)
	require.NoError(t, fs.CreateDirectory(ctx, "/notes"))
	require.NoError(t, fs.CreateFile(ctx, "/notes/todo.md", "write the integration test"))
	require.NoError(t, fs.CreateFile(ctx, "/hello.txt", "hello, tonk"))

	raw, err := r.ToBytes(ctx, fs.IndexID())
	require.NoError(t, err)

	b, err := bundle.FromBytes(raw)
	require.NoError(t, err)
	assert.Equal(t, fs.IndexID(), b.RootID())

	reloaded := hydrate(t, b)
	reloadedFS := vfs.New(reloaded, b.RootID())

	content, err := reloadedFS.ReadFile(ctx, "/hello.txt")
	require.NoError(t, err)
	assert.Equal(t, "hello, tonk", content.Content)

	entries, err := reloadedFS.ListDirectory(ctx, "/")
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

// TestRepositoryForkToBytesDivergesRootButPreservesReads covers S4: a
// forked bundle reads identically to the original but can never
// converge with it, since its PathIndex carries a brand new id.
func TestRepositoryForkToBytesDivergesRootButPreservesReads(t *testing.T) {
	ctx := context.Background()
	backend := storage.NewMemory()
	r := repo.New(common.NewPeerId(), common.SharePolicyGenerous, backend)
	defer r.Close()

	fs, err := vfs.Init(ctx, r)
	require.NoError(t, err)
	require.NoError(t, fs.CreateFile(ctx, "/hello.txt", "hello, tonk"))

	original, err := r.ToBytes(ctx, fs.IndexID())
	require.NoError(t, err)
	forked, err := r.ForkToBytes(ctx, fs.IndexID())
	require.NoError(t, err)

	originalBundle, err := bundle.FromBytes(original)
	require.NoError(t, err)
	forkedBundle, err := bundle.FromBytes(forked)
	require.NoError(t, err)

	assert.NotEqual(t, originalBundle.RootID(), forkedBundle.RootID())

	forkedFS := vfs.New(hydrate(t, forkedBundle), forkedBundle.RootID())
	content, err := forkedFS.ReadFile(ctx, "/hello.txt")
	require.NoError(t, err)
	assert.Equal(t, "hello, tonk", content.Content)
}

// hydrate loads every document a bundle carries into a fresh
// Repository backed by its own in-memory store, simulating the
// host-side "open this bundle" flow without network sync involved.
func hydrate(t *testing.T, b *bundle.Bundle) *repo.Repository {
	t.Helper()
	ctx := context.Background()
	backend := storage.NewMemory()
	for _, kv := range b.ListPrefix("documents/") {
		id := common.DocumentId(kv.Key[len("documents/"):])
		require.NoError(t, backend.Put(ctx, id, kv.Data))
	}
	return repo.New(common.NewPeerId(), common.SharePolicyGenerous, backend)
}
