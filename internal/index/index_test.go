package index

import (
	"errors"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock is a stand-in for jacobsa/timeutil.Clock that lets tests pin
// the wall-clock value used for directory timestamps.
type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

// memPersister is an in-memory index.Persister, so index tests don't need
// to go through the envelope/codec stack.
type memPersister struct {
	saved *DirEntry
	calls int
}

func (p *memPersister) Save(root *DirEntry) error {
	p.saved = root
	p.calls++
	return nil
}

func (p *memPersister) Load() (*DirEntry, error) {
	if p.saved == nil {
		return nil, os.ErrNotExist
	}
	return p.saved, nil
}

func newTestIndex(t *testing.T) (*Index, *memPersister) {
	t.Helper()
	persister := &memPersister{}
	idx, err := New(persister, &fakeClock{now: time.Unix(1000, 0)})
	require.NoError(t, err)
	return idx, persister
}

func TestNewCreatesEmptyRootWhenNoneExists(t *testing.T) {
	idx, persister := newTestIndex(t)
	assert.Equal(t, 1, persister.calls)

	e, err := idx.Get("/")
	require.NoError(t, err)
	dir, ok := e.(*DirEntry)
	require.True(t, ok)
	assert.Equal(t, 0, dir.NumChildren())
}

func TestCreateFileAndGet(t *testing.T) {
	idx, _ := newTestIndex(t)

	f, err := idx.CreateFile("/notes.txt")
	require.NoError(t, err)
	assert.NotEmpty(t, f.OpaqueName())
	assert.Len(t, f.OpaqueName(), opaqueNameLength)

	got, err := idx.Get("/notes.txt")
	require.NoError(t, err)
	assert.Same(t, f, got)
}

func TestCreateFileRejectsDuplicate(t *testing.T) {
	idx, _ := newTestIndex(t)

	_, err := idx.CreateFile("/dup.txt")
	require.NoError(t, err)

	_, err = idx.CreateFile("/dup.txt")
	require.Error(t, err)
	var existsErr *ErrExists
	assert.ErrorAs(t, err, &existsErr)
}

func TestCreateFileRejectsMissingParent(t *testing.T) {
	idx, _ := newTestIndex(t)

	_, err := idx.CreateFile("/missing/notes.txt")
	require.Error(t, err)
	var notFound *ErrNotFound
	assert.ErrorAs(t, err, &notFound)
}

func TestMkDirAndRmDir(t *testing.T) {
	idx, _ := newTestIndex(t)

	d, err := idx.MkDir("/photos", 1000, 1000, 0o700)
	require.NoError(t, err)
	assert.EqualValues(t, 1000, d.UID)
	assert.EqualValues(t, 1000, d.Atime)

	_, err = idx.CreateFile("/photos/a.jpg")
	require.NoError(t, err)

	err = idx.RmDir("/photos")
	require.Error(t, err)
	var notEmpty *ErrNotEmpty
	assert.ErrorAs(t, err, &notEmpty)

	require.NoError(t, idx.Unlink("/photos/a.jpg"))
	require.NoError(t, idx.RmDir("/photos"))

	_, err = idx.Get("/photos")
	var notFound *ErrNotFound
	assert.ErrorAs(t, err, &notFound)
}

func TestUnlinkRejectsDirectory(t *testing.T) {
	idx, _ := newTestIndex(t)
	_, err := idx.MkDir("/dir", 0, 0, 0o755)
	require.NoError(t, err)

	err = idx.Unlink("/dir")
	require.Error(t, err)
	var notDir *ErrNotDirectory
	assert.ErrorAs(t, err, &notDir)
}

func TestRenameMovesAcrossDirectories(t *testing.T) {
	idx, _ := newTestIndex(t)
	_, err := idx.MkDir("/a", 0, 0, 0o755)
	require.NoError(t, err)
	_, err = idx.MkDir("/b", 0, 0, 0o755)
	require.NoError(t, err)
	f, err := idx.CreateFile("/a/file.txt")
	require.NoError(t, err)
	origOpaque := f.OpaqueName()

	_, err = idx.Rename("/a/file.txt", "/b/renamed.txt", nil)
	require.NoError(t, err)

	_, err = idx.Get("/a/file.txt")
	var notFound *ErrNotFound
	assert.ErrorAs(t, err, &notFound)

	got, err := idx.Get("/b/renamed.txt")
	require.NoError(t, err)
	assert.Equal(t, "renamed.txt", got.Name())
	assert.Len(t, got.OpaqueName(), opaqueNameLength)
	assert.NotEqual(t, origOpaque, got.OpaqueName())
}

func TestRenameOverwritesExistingDestinationFile(t *testing.T) {
	idx, _ := newTestIndex(t)
	src, err := idx.CreateFile("/src.txt")
	require.NoError(t, err)
	dstOld, err := idx.CreateFile("/dst.txt")
	require.NoError(t, err)
	dstOldOpaque := dstOld.OpaqueName()

	moved, err := idx.Rename("/src.txt", "/dst.txt", nil)
	require.NoError(t, err)
	assert.Same(t, src, moved)

	names, err := idx.ChildrenOf("/")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"dst.txt"}, names)

	// The moved file is re-addressed to reuse dst's old opaque name, mirroring
	// get_true_filepath_or_create returning dst's existing backing path.
	assert.Equal(t, dstOldOpaque, moved.OpaqueName())
}

func TestRenameCallsBackingRenameWithOldAndNewOpaqueNames(t *testing.T) {
	idx, _ := newTestIndex(t)
	f, err := idx.CreateFile("/src.txt")
	require.NoError(t, err)
	origOpaque := f.OpaqueName()

	var gotOld, gotNew string
	_, err = idx.Rename("/src.txt", "/dst.txt", func(oldOpaque, newOpaque string) error {
		gotOld, gotNew = oldOpaque, newOpaque
		return nil
	})
	require.NoError(t, err)

	assert.Equal(t, origOpaque, gotOld)
	assert.Equal(t, f.OpaqueName(), gotNew)
	assert.NotEqual(t, gotOld, gotNew)
}

func TestRenameAbortsOnBackingRenameFailure(t *testing.T) {
	idx, _ := newTestIndex(t)
	_, err := idx.CreateFile("/src.txt")
	require.NoError(t, err)

	boom := errors.New("backing rename failed")
	_, err = idx.Rename("/src.txt", "/dst.txt", func(string, string) error {
		return boom
	})
	require.ErrorIs(t, err, boom)

	// The index mutation must not have been committed.
	_, err = idx.Get("/src.txt")
	require.NoError(t, err)
	_, err = idx.Get("/dst.txt")
	var notFound *ErrNotFound
	assert.ErrorAs(t, err, &notFound)
}

func TestGetOrCreateFileCreatesWhenMissing(t *testing.T) {
	idx, _ := newTestIndex(t)
	f, err := idx.GetOrCreateFile("/new.txt")
	require.NoError(t, err)
	assert.Equal(t, "new.txt", f.Name())

	again, err := idx.GetOrCreateFile("/new.txt")
	require.NoError(t, err)
	assert.Same(t, f, again)
}

func TestSplitPathRejectsRelative(t *testing.T) {
	_, err := splitPath("relative/path")
	require.Error(t, err)
	var invalid *ErrInvalidPath
	assert.ErrorAs(t, err, &invalid)
}

func TestLoadPropagatesUnexpectedErrors(t *testing.T) {
	boom := errors.New("disk on fire")
	_, err := New(&erroringPersister{err: boom}, &fakeClock{})
	require.ErrorIs(t, err, boom)
}

type erroringPersister struct{ err error }

func (p *erroringPersister) Save(*DirEntry) error       { return nil }
func (p *erroringPersister) Load() (*DirEntry, error) { return nil, p.err }
