package fs

import (
	"os"

	"github.com/jacobsa/fuse"
	"github.com/jacobsa/fuse/fuseops"
	"golang.org/x/net/context"

	"github.com/rorre/ObfusFS/internal/index"
)

// Rename moves an entry between directories, or within one. A renamed file
// is re-addressed to a new opaque name (dst's existing one if dst already
// named a file, a freshly generated one otherwise); the backing blob is
// physically moved to match via os.Rename before the index commits the
// move, per spec §4.4 ("rename backing file from src's opaque name to
// dst's opaque name").
func (fsys *fileSystem) Rename(ctx context.Context, op *fuseops.RenameOp) error {
	fsys.mu.Lock()
	oldParent, ok := fsys.entryForID(op.OldParent)
	if !ok {
		fsys.mu.Unlock()
		return fuse.ENOENT
	}
	newParent, ok := fsys.entryForID(op.NewParent)
	fsys.mu.Unlock()
	if !ok {
		return fuse.ENOENT
	}

	oldParentDir, ok := oldParent.(*index.DirEntry)
	if !ok {
		return fuse.ENOTDIR
	}
	newParentDir, ok := newParent.(*index.DirEntry)
	if !ok {
		return fuse.ENOTDIR
	}

	src := childPath(oldParentDir, op.OldName)
	dst := childPath(newParentDir, op.NewName)

	renameBacking := func(oldOpaque, newOpaque string) error {
		return os.Rename(fsys.backingPath(oldOpaque), fsys.backingPath(newOpaque))
	}

	if _, err := fsys.idx.Rename(src, dst, renameBacking); err != nil {
		return translateErr(err)
	}
	return nil
}
