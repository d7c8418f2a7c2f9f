package vfs

import (
	"context"
	"testing"

	"github.com/tonk-labs/tonk/common"
	"github.com/tonk-labs/tonk/repo"
	"github.com/tonk-labs/tonk/storage"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newVFS(t *testing.T) *VFS {
	t.Helper()
	r := repo.New(common.NewPeerId(), common.SharePolicyDeny, storage.NewMemory())
	v, err := Init(context.Background(), r)
	require.NoError(t, err)
	return v
}

func TestCreateAndReadFile(t *testing.T) {
	ctx := context.Background()
	v := newVFS(t)

	require.NoError(t, v.CreateFile(ctx, "/a.txt", "hello"))

	content, err := v.ReadFile(ctx, "/a.txt")
	require.NoError(t, err)
	assert.Equal(t, "a.txt", content.Name)
	assert.Equal(t, "hello", content.Content)
	assert.False(t, content.HasBytes)
}

func TestCreateFileRejectsDuplicateAndMissingParent(t *testing.T) {
	ctx := context.Background()
	v := newVFS(t)

	require.NoError(t, v.CreateFile(ctx, "/a.txt", "x"))
	err := v.CreateFile(ctx, "/a.txt", "y")
	assert.Equal(t, common.FileSystemError{Code: "AlreadyExists", Path: "/a.txt"}, err)

	err = v.CreateFile(ctx, "/missing/b.txt", "z")
	assert.Equal(t, common.FileSystemError{Code: "ParentMissing", Path: "/missing/b.txt"}, err)
}

func TestCreateFileWithBytesRoundTrip(t *testing.T) {
	ctx := context.Background()
	v := newVFS(t)

	require.NoError(t, v.CreateFileWithBytes(ctx, "/blob", map[string]interface{}{"kind": "png"}, []byte{1, 2, 3}))

	content, err := v.ReadFile(ctx, "/blob")
	require.NoError(t, err)
	assert.True(t, content.HasBytes)
	assert.Equal(t, []byte{1, 2, 3}, content.Bytes)
}

func TestUpdateFileReturnsWasPresent(t *testing.T) {
	ctx := context.Background()
	v := newVFS(t)

	wasPresent, err := v.UpdateFile(ctx, "/a.txt", "new")
	require.NoError(t, err)
	assert.False(t, wasPresent)

	require.NoError(t, v.CreateFile(ctx, "/a.txt", "old"))
	wasPresent, err = v.UpdateFile(ctx, "/a.txt", "new")
	require.NoError(t, err)
	assert.True(t, wasPresent)

	content, err := v.ReadFile(ctx, "/a.txt")
	require.NoError(t, err)
	assert.Equal(t, "new", content.Content)
}

func TestDeleteFile(t *testing.T) {
	ctx := context.Background()
	v := newVFS(t)

	require.NoError(t, v.CreateFile(ctx, "/a.txt", "x"))
	deleted, err := v.DeleteFile(ctx, "/a.txt")
	require.NoError(t, err)
	assert.True(t, deleted)

	exists, err := v.Exists(ctx, "/a.txt")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestDirectoryLifecycle(t *testing.T) {
	ctx := context.Background()
	v := newVFS(t)

	require.NoError(t, v.CreateDirectory(ctx, "/dir"))
	require.NoError(t, v.CreateFile(ctx, "/dir/file.txt", "x"))

	_, err := v.DeleteDirectory(ctx, "/dir", false)
	assert.Equal(t, common.FileSystemError{Code: "DirectoryNotEmpty", Path: "/dir"}, err)

	deleted, err := v.DeleteDirectory(ctx, "/dir", true)
	require.NoError(t, err)
	assert.True(t, deleted)

	exists, err := v.Exists(ctx, "/dir/file.txt")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestListDirectoryOrderedByName(t *testing.T) {
	ctx := context.Background()
	v := newVFS(t)

	require.NoError(t, v.CreateFile(ctx, "/b.txt", "x"))
	require.NoError(t, v.CreateFile(ctx, "/a.txt", "x"))
	require.NoError(t, v.CreateDirectory(ctx, "/sub"))
	require.NoError(t, v.CreateFile(ctx, "/sub/nested.txt", "x"))

	entries, err := v.ListDirectory(ctx, "/")
	require.NoError(t, err)
	names := make([]string, len(entries))
	for i, e := range entries {
		names[i] = e.Name
	}
	assert.Equal(t, []string{"a.txt", "b.txt", "sub"}, names)
}

func TestRenameFileAndPreventsConflicts(t *testing.T) {
	ctx := context.Background()
	v := newVFS(t)

	require.NoError(t, v.CreateFile(ctx, "/a.txt", "x"))

	ok, err := v.Rename(ctx, "/a.txt", "/a.txt")
	assert.Equal(t, common.FileSystemError{Code: "SameLocation", Path: "/a.txt"}, err)
	assert.False(t, ok)

	require.NoError(t, v.CreateFile(ctx, "/b.txt", "y"))
	ok, err = v.Rename(ctx, "/a.txt", "/b.txt")
	assert.Equal(t, common.FileSystemError{Code: "AlreadyExists", Path: "/b.txt"}, err)
	assert.False(t, ok)

	ok, err = v.Rename(ctx, "/a.txt", "/c.txt")
	require.NoError(t, err)
	assert.True(t, ok)

	content, err := v.ReadFile(ctx, "/c.txt")
	require.NoError(t, err)
	assert.Equal(t, "x", content.Content)
}

func TestRenameDirectoryRekeysDescendants(t *testing.T) {
	ctx := context.Background()
	v := newVFS(t)

	require.NoError(t, v.CreateDirectory(ctx, "/dir"))
	require.NoError(t, v.CreateFile(ctx, "/dir/a.txt", "x"))

	ok, err := v.Rename(ctx, "/dir", "/renamed")
	require.NoError(t, err)
	assert.True(t, ok)

	content, err := v.ReadFile(ctx, "/renamed/a.txt")
	require.NoError(t, err)
	assert.Equal(t, "x", content.Content)

	exists, err := v.Exists(ctx, "/dir/a.txt")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestRenameRejectsAncestorConflict(t *testing.T) {
	ctx := context.Background()
	v := newVFS(t)

	require.NoError(t, v.CreateDirectory(ctx, "/dir"))
	_, err := v.Rename(ctx, "/dir", "/dir/nested")
	assert.Equal(t, common.FileSystemError{Code: "AncestorConflict", Path: "/dir/nested"}, err)
}

func TestWatchFileSurvivesRename(t *testing.T) {
	ctx := context.Background()
	v := newVFS(t)
	require.NoError(t, v.CreateFile(ctx, "/a.txt", "x"))

	fired := make(chan struct{}, 4)
	w, err := v.WatchFile(ctx, "/a.txt", func() { fired <- struct{}{} })
	require.NoError(t, err)
	defer w.Stop()

	ok, err := v.Rename(ctx, "/a.txt", "/renamed.txt")
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = v.UpdateFile(ctx, "/renamed.txt", "y")
	require.NoError(t, err)

	assert.Greater(t, len(fired), 0)
}

func TestWatchDirectoryFiresOnDirectChildOnly(t *testing.T) {
	ctx := context.Background()
	v := newVFS(t)
	require.NoError(t, v.CreateDirectory(ctx, "/dir"))

	fired := make(chan struct{}, 8)
	w, err := v.WatchDirectory(ctx, "/dir", func() { fired <- struct{}{} })
	require.NoError(t, err)
	defer w.Stop()

	require.NoError(t, v.CreateFile(ctx, "/dir/child.txt", "x"))
	select {
	case <-fired:
	default:
		t.Fatal("expected directory watch to fire for direct child creation")
	}

	require.NoError(t, v.CreateDirectory(ctx, "/dir/sub"))
	select {
	case <-fired:
	default:
		t.Fatal("expected directory watch to fire for direct child directory creation")
	}

	require.NoError(t, v.CreateFile(ctx, "/dir/sub/grandchild.txt", "y"))
	select {
	case <-fired:
		t.Fatal("expected directory watch not to fire for a grandchild")
	default:
	}
}

func TestWatcherStopPreventsFurtherCallbacks(t *testing.T) {
	ctx := context.Background()
	v := newVFS(t)
	require.NoError(t, v.CreateFile(ctx, "/a.txt", "x"))

	var calls int
	w, err := v.WatchFile(ctx, "/a.txt", func() { calls++ })
	require.NoError(t, err)

	w.Stop()
	_, err = v.UpdateFile(ctx, "/a.txt", "y")
	require.NoError(t, err)

	assert.Equal(t, 0, calls)
}
