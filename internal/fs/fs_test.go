package fs

import (
	"os"
	"testing"
	"time"

	"github.com/jacobsa/fuse"
	"github.com/jacobsa/fuse/fuseops"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/context"
)

// fakeClock pins the wall-clock value used for directory timestamps.
type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time { return c.now }

func newTestFS(t *testing.T) *fileSystem {
	t.Helper()
	fsys, err := newFileSystem(&ServerConfig{
		BackingRoot: t.TempDir(),
		Password:    []byte("test-password"),
		Clock:       &fakeClock{now: time.Unix(1700000000, 0)},
		Uid:         1000,
		Gid:         1000,
		DirMode:     0o755,
	})
	require.NoError(t, err)
	return fsys
}

func TestMkDirAndLookUpInode(t *testing.T) {
	fsys := newTestFS(t)
	ctx := context.Background()

	mkdirOp := &fuseops.MkDirOp{Parent: fuseops.RootInodeID, Name: "photos", Mode: os.ModeDir | 0o755}
	require.NoError(t, fsys.MkDir(ctx, mkdirOp))
	assert.NotZero(t, mkdirOp.Entry.Child)
	assert.EqualValues(t, 1000, mkdirOp.Entry.Attributes.Uid)

	lookupOp := &fuseops.LookUpInodeOp{Parent: fuseops.RootInodeID, Name: "photos"}
	require.NoError(t, fsys.LookUpInode(ctx, lookupOp))
	assert.Equal(t, mkdirOp.Entry.Child, lookupOp.Entry.Child)
}

func TestLookUpInodeMissingReturnsENOENT(t *testing.T) {
	fsys := newTestFS(t)
	err := fsys.LookUpInode(context.Background(), &fuseops.LookUpInodeOp{
		Parent: fuseops.RootInodeID,
		Name:   "nope",
	})
	assert.Equal(t, fuse.ENOENT, err)
}

func TestMkDirDuplicateReturnsEEXIST(t *testing.T) {
	fsys := newTestFS(t)
	ctx := context.Background()
	op := &fuseops.MkDirOp{Parent: fuseops.RootInodeID, Name: "dup", Mode: os.ModeDir | 0o755}
	require.NoError(t, fsys.MkDir(ctx, op))

	err := fsys.MkDir(ctx, &fuseops.MkDirOp{Parent: fuseops.RootInodeID, Name: "dup", Mode: os.ModeDir | 0o755})
	assert.Equal(t, fuse.EEXIST, err)
}

func TestCreateWriteReadFile(t *testing.T) {
	fsys := newTestFS(t)
	ctx := context.Background()

	createOp := &fuseops.CreateFileOp{Parent: fuseops.RootInodeID, Name: "hello.txt", Mode: 0o644}
	require.NoError(t, fsys.CreateFile(ctx, createOp))
	require.NotZero(t, createOp.Handle)

	writeOp := &fuseops.WriteFileOp{
		Inode:  createOp.Entry.Child,
		Handle: createOp.Handle,
		Data:   []byte("hello world"),
		Offset: 0,
	}
	require.NoError(t, fsys.WriteFile(ctx, writeOp))
	require.NoError(t, fsys.FlushFile(ctx, &fuseops.FlushFileOp{Inode: createOp.Entry.Child, Handle: createOp.Handle}))

	dst := make([]byte, 32)
	readOp := &fuseops.ReadFileOp{Inode: createOp.Entry.Child, Handle: createOp.Handle, Offset: 0, Dst: dst}
	require.NoError(t, fsys.ReadFile(ctx, readOp))
	assert.Equal(t, "hello world", string(dst[:readOp.BytesRead]))

	require.NoError(t, fsys.ReleaseFileHandle(ctx, &fuseops.ReleaseFileHandleOp{Handle: createOp.Handle}))
}

func TestUnlinkRemovesBackingFile(t *testing.T) {
	fsys := newTestFS(t)
	ctx := context.Background()

	createOp := &fuseops.CreateFileOp{Parent: fuseops.RootInodeID, Name: "temp.txt", Mode: 0o644}
	require.NoError(t, fsys.CreateFile(ctx, createOp))
	require.NoError(t, fsys.ReleaseFileHandle(ctx, &fuseops.ReleaseFileHandleOp{Handle: createOp.Handle}))

	entry, ok := fsys.entryForID(createOp.Entry.Child)
	require.True(t, ok)
	backing := fsys.backingPath(entry.OpaqueName())
	_, statErr := os.Stat(backing)
	require.NoError(t, statErr)

	require.NoError(t, fsys.Unlink(ctx, &fuseops.UnlinkOp{Parent: fuseops.RootInodeID, Name: "temp.txt"}))

	_, statErr = os.Stat(backing)
	assert.True(t, os.IsNotExist(statErr))
}

func TestOpenDirAndReadDirListsChildren(t *testing.T) {
	fsys := newTestFS(t)
	ctx := context.Background()

	require.NoError(t, fsys.MkDir(ctx, &fuseops.MkDirOp{Parent: fuseops.RootInodeID, Name: "sub", Mode: os.ModeDir | 0o755}))
	require.NoError(t, fsys.CreateFile(ctx, &fuseops.CreateFileOp{Parent: fuseops.RootInodeID, Name: "file.txt", Mode: 0o644}))

	openOp := &fuseops.OpenDirOp{Inode: fuseops.RootInodeID}
	require.NoError(t, fsys.OpenDir(ctx, openOp))

	buf := make([]byte, 4096)
	readOp := &fuseops.ReadDirOp{Handle: openOp.Handle, Offset: 0, Dst: buf}
	require.NoError(t, fsys.ReadDir(ctx, readOp))
	assert.Greater(t, readOp.BytesRead, 0)

	require.NoError(t, fsys.ReleaseDirHandle(ctx, &fuseops.ReleaseDirHandleOp{Handle: openOp.Handle}))
}

func TestRenameMovesEntry(t *testing.T) {
	fsys := newTestFS(t)
	ctx := context.Background()

	require.NoError(t, fsys.MkDir(ctx, &fuseops.MkDirOp{Parent: fuseops.RootInodeID, Name: "dest", Mode: os.ModeDir | 0o755}))
	destLookup := &fuseops.LookUpInodeOp{Parent: fuseops.RootInodeID, Name: "dest"}
	require.NoError(t, fsys.LookUpInode(ctx, destLookup))

	createOp := &fuseops.CreateFileOp{Parent: fuseops.RootInodeID, Name: "movable.txt", Mode: 0o644}
	require.NoError(t, fsys.CreateFile(ctx, createOp))
	writeOp := &fuseops.WriteFileOp{Inode: createOp.Entry.Child, Handle: createOp.Handle, Data: []byte("payload"), Offset: 0}
	require.NoError(t, fsys.WriteFile(ctx, writeOp))
	require.NoError(t, fsys.FlushFile(ctx, &fuseops.FlushFileOp{Inode: createOp.Entry.Child, Handle: createOp.Handle}))
	require.NoError(t, fsys.ReleaseFileHandle(ctx, &fuseops.ReleaseFileHandleOp{Handle: createOp.Handle}))

	fsys.mu.Lock()
	movedEntry, _ := fsys.entryForID(createOp.Entry.Child)
	oldOpaque := movedEntry.OpaqueName()
	fsys.mu.Unlock()
	oldBacking := fsys.backingPath(oldOpaque)

	renameOp := &fuseops.RenameOp{
		OldParent: fuseops.RootInodeID,
		OldName:   "movable.txt",
		NewParent: destLookup.Entry.Child,
		NewName:   "renamed.txt",
	}
	require.NoError(t, fsys.Rename(ctx, renameOp))

	lookup := &fuseops.LookUpInodeOp{Parent: destLookup.Entry.Child, Name: "renamed.txt"}
	require.NoError(t, fsys.LookUpInode(ctx, lookup))
	assert.Equal(t, createOp.Entry.Child, lookup.Entry.Child)

	// S6: the backing blob itself moves to a new opaque name; the old one
	// disappears and the content survives under the new one.
	fsys.mu.Lock()
	newOpaque := movedEntry.OpaqueName()
	fsys.mu.Unlock()
	assert.NotEqual(t, oldOpaque, newOpaque)

	_, err := os.Stat(oldBacking)
	assert.True(t, os.IsNotExist(err))

	content, err := os.ReadFile(fsys.backingPath(newOpaque))
	require.NoError(t, err)
	assert.Equal(t, "payload", string(content))
}
