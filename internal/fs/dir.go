package fs

import (
	"errors"

	"github.com/jacobsa/fuse"
	"github.com/jacobsa/fuse/fuseops"
	"github.com/jacobsa/fuse/fuseutil"
	"golang.org/x/net/context"

	"github.com/rorre/ObfusFS/internal/index"
	"github.com/rorre/ObfusFS/internal/logger"
)

// dirHandle is a snapshot of a directory's children taken at OpenDir time,
// so that ReadDir (which may be called several times with increasing
// offsets as the kernel's read buffer fills) sees a consistent listing even
// if the directory is mutated concurrently.
type dirHandle struct {
	entries []fuseutil.Dirent
}

func translateErr(err error) error {
	var nf *index.ErrNotFound
	var ex *index.ErrExists
	var nd *index.ErrNotDirectory
	var ne *index.ErrNotEmpty
	var iv *index.ErrInvalidPath

	switch {
	case errors.As(err, &nf):
		return fuse.ENOENT
	case errors.As(err, &ex):
		return fuse.EEXIST
	case errors.As(err, &nd):
		return fuse.ENOTDIR
	case errors.As(err, &ne):
		return fuse.ENOTEMPTY
	case errors.As(err, &iv):
		return fuse.EINVAL
	default:
		return err
	}
}

func (fsys *fileSystem) MkDir(ctx context.Context, op *fuseops.MkDirOp) error {
	fsys.mu.Lock()
	parent, ok := fsys.entryForID(op.Parent)
	fsys.mu.Unlock()
	if !ok {
		return fuse.ENOENT
	}
	parentDir, ok := parent.(*index.DirEntry)
	if !ok {
		return fuse.ENOTDIR
	}

	path := index.FullPath(parentDir)
	if path == "/" {
		path = "/" + op.Name
	} else {
		path = path + "/" + op.Name
	}

	d, err := fsys.idx.MkDir(path, fsys.uid, fsys.gid, uint32(op.Mode.Perm()))
	if err != nil {
		return translateErr(err)
	}

	fsys.mu.Lock()
	defer fsys.mu.Unlock()

	attrs, err := fsys.attributesFor(d)
	if err != nil {
		logger.Errorf("MkDir: attributes: %v", err)
		return fuse.EIO
	}

	op.Entry.Child = fsys.mintInode(d)
	op.Entry.Attributes = attrs
	return nil
}

func (fsys *fileSystem) RmDir(ctx context.Context, op *fuseops.RmDirOp) error {
	fsys.mu.Lock()
	parent, ok := fsys.entryForID(op.Parent)
	fsys.mu.Unlock()
	if !ok {
		return fuse.ENOENT
	}
	parentDir, ok := parent.(*index.DirEntry)
	if !ok {
		return fuse.ENOTDIR
	}

	path := childPath(parentDir, op.Name)
	if err := fsys.idx.RmDir(path); err != nil {
		return translateErr(err)
	}
	return nil
}

func childPath(parent *index.DirEntry, name string) string {
	base := index.FullPath(parent)
	if base == "/" {
		return "/" + name
	}
	return base + "/" + name
}

func (fsys *fileSystem) OpenDir(ctx context.Context, op *fuseops.OpenDirOp) error {
	fsys.mu.Lock()
	e, ok := fsys.entryForID(op.Inode)
	fsys.mu.Unlock()
	if !ok {
		return fuse.ENOENT
	}
	d, ok := e.(*index.DirEntry)
	if !ok {
		return fuse.ENOTDIR
	}

	names := d.ChildNames()

	fsys.mu.Lock()
	defer fsys.mu.Unlock()

	entries := make([]fuseutil.Dirent, 0, len(names))
	for i, name := range names {
		child, _ := d.Child(name)
		typ := fuseutil.DT_File
		if _, isDir := child.(*index.DirEntry); isDir {
			typ = fuseutil.DT_Directory
		}
		entries = append(entries, fuseutil.Dirent{
			Offset: fuseops.DirOffset(i + 1),
			Inode:  fsys.mintInode(child),
			Name:   name,
			Type:   typ,
		})
	}

	handleID := fsys.nextHandleID
	fsys.nextHandleID++
	fsys.handles[handleID] = &dirHandle{entries: entries}
	op.Handle = handleID

	return nil
}

func (fsys *fileSystem) ReadDir(ctx context.Context, op *fuseops.ReadDirOp) error {
	fsys.mu.Lock()
	h, ok := fsys.handles[op.Handle]
	fsys.mu.Unlock()
	if !ok {
		return fuse.EINVAL
	}

	if int(op.Offset) > len(h.entries) {
		return fuse.EINVAL
	}

	var n int
	for _, ent := range h.entries[op.Offset:] {
		written := fuseutil.WriteDirent(op.Dst[n:], ent)
		if written == 0 {
			break
		}
		n += written
	}
	op.BytesRead = n
	return nil
}

func (fsys *fileSystem) ReleaseDirHandle(ctx context.Context, op *fuseops.ReleaseDirHandleOp) error {
	fsys.mu.Lock()
	defer fsys.mu.Unlock()
	delete(fsys.handles, op.Handle)
	return nil
}
