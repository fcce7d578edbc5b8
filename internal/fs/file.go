package fs

import (
	"errors"
	"io"
	"os"

	"github.com/jacobsa/fuse"
	"github.com/jacobsa/fuse/fuseops"
	"golang.org/x/net/context"

	"github.com/rorre/ObfusFS/internal/index"
	"github.com/rorre/ObfusFS/internal/logger"
)

// CreateFile handles the kernel's combined create-and-open path (O_CREAT).
// A fresh index entry is allocated first so the opaque name exists before
// any attempt to touch the backing directory; the backing file is then
// created at that name. gcsfuse has no analogue for bare mknod(2) either,
// so that op type is left to fuseutil.NotImplementedFileSystem's ENOSYS.
func (fsys *fileSystem) CreateFile(ctx context.Context, op *fuseops.CreateFileOp) error {
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
	f, err := fsys.idx.CreateFile(path)
	if err != nil {
		return translateErr(err)
	}

	backing := fsys.backingPath(f.OpaqueName())
	file, err := os.OpenFile(backing, os.O_RDWR|os.O_CREATE|os.O_TRUNC, op.Mode.Perm())
	if err != nil {
		// Roll back the index entry; it was never turned into a backing file.
		if unlinkErr := fsys.idx.Unlink(path); unlinkErr != nil {
			logger.Errorf("CreateFile: rollback unlink %s: %v", path, unlinkErr)
		}
		return err
	}

	fsys.mu.Lock()
	defer fsys.mu.Unlock()

	handleID := fsys.nextFileHandleID
	fsys.nextFileHandleID++
	fsys.fileHandles[handleID] = file
	op.Handle = handleID

	attrs, err := fsys.attributesFor(f)
	if err != nil {
		logger.Errorf("CreateFile: attributes: %v", err)
		return fuse.EIO
	}

	op.Entry.Child = fsys.mintInode(f)
	op.Entry.Attributes = attrs
	return nil
}

func (fsys *fileSystem) Unlink(ctx context.Context, op *fuseops.UnlinkOp) error {
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

	child, ok := parentDir.Child(op.Name)
	if !ok {
		return fuse.ENOENT
	}
	f, ok := child.(*index.FileEntry)
	if !ok {
		return fuse.EINVAL
	}
	opaque := f.OpaqueName()

	path := childPath(parentDir, op.Name)
	if err := fsys.idx.Unlink(path); err != nil {
		return translateErr(err)
	}

	if err := os.Remove(fsys.backingPath(opaque)); err != nil && !errors.Is(err, os.ErrNotExist) {
		logger.Errorf("Unlink: removing backing file for %s: %v", path, err)
	}
	return nil
}

func (fsys *fileSystem) OpenFile(ctx context.Context, op *fuseops.OpenFileOp) error {
	fsys.mu.Lock()
	e, ok := fsys.entryForID(op.Inode)
	fsys.mu.Unlock()
	if !ok {
		return fuse.ENOENT
	}
	f, ok := e.(*index.FileEntry)
	if !ok {
		return fuse.EINVAL
	}

	file, err := os.OpenFile(fsys.backingPath(f.OpaqueName()), os.O_RDWR, 0)
	if err != nil {
		return err
	}

	fsys.mu.Lock()
	defer fsys.mu.Unlock()

	handleID := fsys.nextFileHandleID
	fsys.nextFileHandleID++
	fsys.fileHandles[handleID] = file
	op.Handle = handleID
	return nil
}

func (fsys *fileSystem) ReadFile(ctx context.Context, op *fuseops.ReadFileOp) error {
	fsys.mu.Lock()
	file, ok := fsys.fileHandles[op.Handle]
	fsys.mu.Unlock()
	if !ok {
		return fuse.EINVAL
	}

	n, err := file.ReadAt(op.Dst, op.Offset)
	op.BytesRead = n
	fsys.metrics.AddBytesRead(n)
	// ReadFileOp treats a short read at EOF as success, not an error.
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

func (fsys *fileSystem) WriteFile(ctx context.Context, op *fuseops.WriteFileOp) error {
	fsys.mu.Lock()
	file, ok := fsys.fileHandles[op.Handle]
	fsys.mu.Unlock()
	if !ok {
		return fuse.EINVAL
	}

	n, err := file.WriteAt(op.Data, op.Offset)
	fsys.metrics.AddBytesWritten(n)
	return err
}

func (fsys *fileSystem) FlushFile(ctx context.Context, op *fuseops.FlushFileOp) error {
	fsys.mu.Lock()
	file, ok := fsys.fileHandles[op.Handle]
	fsys.mu.Unlock()
	if !ok {
		return fuse.EINVAL
	}
	return file.Sync()
}

func (fsys *fileSystem) SyncFile(ctx context.Context, op *fuseops.SyncFileOp) error {
	fsys.mu.Lock()
	file, ok := fsys.fileHandles[op.Handle]
	fsys.mu.Unlock()
	if !ok {
		return fuse.EINVAL
	}
	return file.Sync()
}

func (fsys *fileSystem) ReleaseFileHandle(ctx context.Context, op *fuseops.ReleaseFileHandleOp) error {
	fsys.mu.Lock()
	defer fsys.mu.Unlock()

	file, ok := fsys.fileHandles[op.Handle]
	if !ok {
		return nil
	}
	delete(fsys.fileHandles, op.Handle)
	if err := file.Close(); err != nil {
		logger.Errorf("ReleaseFileHandle: closing handle %d: %v", op.Handle, err)
	}
	return nil
}
