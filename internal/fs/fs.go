// Package fs implements the fuseutil.FileSystem entry points that translate
// kernel filesystem requests into index mutations and raw I/O against
// opaquely-named files in the flat backing directory.
//
// The dispatch story mirrors a conventional jacobsa/fuse server: a single
// fileSystem struct owns an inode table (mapping fuseops.InodeID to index
// entries) behind one invariant-checked mutex, plus a table of open
// directory handles. Unlike a cloud-backed filesystem, there is no need for
// per-inode locks here: every operation that touches the tree goes through
// the index, which already serializes itself, and the kernel transport
// dispatches requests one at a time unless EnableParallelDirOps is set.
package fs

import (
	"fmt"
	"os"

	"github.com/jacobsa/fuse"
	"github.com/jacobsa/fuse/fuseops"
	"github.com/jacobsa/fuse/fuseutil"
	"github.com/jacobsa/syncutil"
	"github.com/jacobsa/timeutil"
	"golang.org/x/net/context"

	"github.com/rorre/ObfusFS/internal/envelope"
	"github.com/rorre/ObfusFS/internal/index"
	"github.com/rorre/ObfusFS/internal/logger"
	"github.com/rorre/ObfusFS/internal/metrics"
)

// ServerConfig configures a new filesystem server.
type ServerConfig struct {
	// BackingRoot is the real directory that holds the database file and
	// every opaquely-named backing file; backing paths are built under it.
	BackingRoot string

	// Password is fed verbatim to the envelope's key derivation.
	Password []byte

	// Clock is used for directory ctime/mtime/atime stamps.
	Clock timeutil.Clock

	// Uid/Gid own every directory created through MkDir (mount-wide, not per
	// caller: the backing store has no concept of multiple local users).
	// Other directories, including the root the index creates with uid/gid
	// 0, report the owner stored in the index.
	Uid uint32
	Gid uint32

	// DirMode is used as the mode bits reported for any directory whose
	// stored mode is zero. The index creates the root with mode 0755.
	DirMode os.FileMode

	Metrics *metrics.Metrics
}

const dbFileName = "obfusfs.db"

// fileSystem implements fuseutil.FileSystem.
type fileSystem struct {
	fuseutil.NotImplementedFileSystem

	idx         *index.Index
	backingRoot string
	clock       timeutil.Clock
	uid, gid    uint32
	dirMode     os.FileMode
	metrics     *metrics.Metrics

	mu syncutil.InvariantMutex

	// GUARDED_BY(mu)
	inodes map[fuseops.InodeID]index.Entry
	// GUARDED_BY(mu)
	ids map[index.Entry]fuseops.InodeID
	// GUARDED_BY(mu)
	nextInodeID fuseops.InodeID

	// GUARDED_BY(mu)
	handles map[fuseops.HandleID]*dirHandle
	// GUARDED_BY(mu)
	nextHandleID fuseops.HandleID

	// GUARDED_BY(mu)
	fileHandles map[fuseops.HandleID]*os.File
	// GUARDED_BY(mu)
	nextFileHandleID fuseops.HandleID
}

// NewServer constructs a fuse.Server backed by an index loaded from (or
// freshly created under) cfg.BackingRoot/obfusfs.db. Every operation except
// Init, ForgetInode and SyncFile is timed and recorded through cfg.Metrics
// via instrumentedFileSystem.
func NewServer(cfg *ServerConfig) (fuse.Server, error) {
	fsys, err := newFileSystem(cfg)
	if err != nil {
		return nil, err
	}
	return fuseutil.NewFileSystemServer(newInstrumentedFileSystem(fsys)), nil
}

// newFileSystem builds the unwrapped fileSystem, split out from NewServer so
// tests can drive its fuseutil.FileSystem methods directly.
func newFileSystem(cfg *ServerConfig) (*fileSystem, error) {
	env := envelope.New(cfg.BackingRoot+"/"+dbFileName, cfg.Password)

	idx, err := index.New(env, cfg.Clock)
	if err != nil {
		return nil, fmt.Errorf("loading index: %w", err)
	}

	dirMode := cfg.DirMode
	if dirMode == 0 {
		dirMode = 0o755
	}

	fsys := &fileSystem{
		idx:         idx,
		backingRoot: cfg.BackingRoot,
		clock:       cfg.Clock,
		uid:         cfg.Uid,
		gid:         cfg.Gid,
		dirMode:     dirMode,
		metrics:     cfg.Metrics,

		inodes:      make(map[fuseops.InodeID]index.Entry),
		ids:         make(map[index.Entry]fuseops.InodeID),
		handles:     make(map[fuseops.HandleID]*dirHandle),
		fileHandles: make(map[fuseops.HandleID]*os.File),

		nextInodeID:      fuseops.RootInodeID + 1,
		nextHandleID:     1,
		nextFileHandleID: 1,
	}

	root := idx.Root()
	fsys.inodes[fuseops.RootInodeID] = root
	fsys.ids[root] = fuseops.RootInodeID

	fsys.mu = syncutil.NewInvariantMutex(fsys.checkInvariants)

	return fsys, nil
}

func (fsys *fileSystem) checkInvariants() {
	for id, e := range fsys.inodes {
		if fsys.ids[e] != id {
			panic(fmt.Sprintf("inode %d maps to entry %v, but entry maps back to %d", id, e, fsys.ids[e]))
		}
	}
	if len(fsys.inodes) != len(fsys.ids) {
		panic("inodes and ids maps diverged")
	}
}

// mintInode returns the stable inode ID for e, assigning a fresh one on
// first sight. Must be called with fsys.mu held.
func (fsys *fileSystem) mintInode(e index.Entry) fuseops.InodeID {
	if id, ok := fsys.ids[e]; ok {
		return id
	}

	id := fsys.nextInodeID
	fsys.nextInodeID++
	fsys.inodes[id] = e
	fsys.ids[e] = id
	return id
}

// forgetInode drops e's inode table entry. Must be called with fsys.mu held.
func (fsys *fileSystem) forgetInode(id fuseops.InodeID) {
	if e, ok := fsys.inodes[id]; ok {
		delete(fsys.ids, e)
		delete(fsys.inodes, id)
	}
}

// entryForID resolves an inode ID to its entry. Must be called with
// fsys.mu held.
func (fsys *fileSystem) entryForID(id fuseops.InodeID) (index.Entry, bool) {
	e, ok := fsys.inodes[id]
	return e, ok
}

func (fsys *fileSystem) backingPath(opaqueName string) string {
	return fsys.backingRoot + "/" + opaqueName
}

func (fsys *fileSystem) attributesFor(e index.Entry) (fuseops.InodeAttributes, error) {
	switch v := e.(type) {
	case *index.DirEntry:
		mode := os.FileMode(v.Mode)
		if mode == 0 {
			mode = fsys.dirMode
		}
		return fuseops.InodeAttributes{
			Mode:  os.ModeDir | mode,
			Nlink: uint64(2 + v.NumSubdirs()),
			Size:  4096,
			Uid:   v.UID,
			Gid:   v.GID,
			Atime: unixToTime(v.Atime),
			Mtime: unixToTime(v.Mtime),
			Ctime: unixToTime(v.Ctime),
		}, nil

	case *index.FileEntry:
		fi, err := os.Lstat(fsys.backingPath(v.OpaqueName()))
		if err != nil {
			return fuseops.InodeAttributes{}, err
		}
		return statAttributes(fi), nil

	default:
		return fuseops.InodeAttributes{}, fmt.Errorf("fs: unknown entry type %T", e)
	}
}

func (fsys *fileSystem) Init(ctx context.Context, op *fuseops.InitOp) error {
	return nil
}

func (fsys *fileSystem) LookUpInode(ctx context.Context, op *fuseops.LookUpInodeOp) error {
	fsys.mu.Lock()
	defer fsys.mu.Unlock()

	parent, ok := fsys.entryForID(op.Parent)
	if !ok {
		return fuse.ENOENT
	}
	dir, ok := parent.(*index.DirEntry)
	if !ok {
		return fuse.ENOTDIR
	}
	child, ok := dir.Child(op.Name)
	if !ok {
		return fuse.ENOENT
	}

	attrs, err := fsys.attributesFor(child)
	if err != nil {
		logger.Errorf("LookUpInode: attributes for %s: %v", op.Name, err)
		return fuse.EIO
	}

	op.Entry.Child = fsys.mintInode(child)
	op.Entry.Attributes = attrs
	return nil
}

func (fsys *fileSystem) GetInodeAttributes(ctx context.Context, op *fuseops.GetInodeAttributesOp) error {
	fsys.mu.Lock()
	e, ok := fsys.entryForID(op.Inode)
	fsys.mu.Unlock()
	if !ok {
		return fuse.ENOENT
	}

	attrs, err := fsys.attributesFor(e)
	if err != nil {
		logger.Errorf("GetInodeAttributes: %v", err)
		return fuse.EIO
	}
	op.Attributes = attrs
	return nil
}

// SetInodeAttributes handles chmod and truncate. Directory metadata is
// mutated in the index and saved; file metadata is forwarded to the
// backing inode, matching the split in spec §4.4: directories have no
// backing inode, files delegate everything to theirs. Ownership changes
// (chown) are not applied, and a size change on a directory is ignored.
func (fsys *fileSystem) SetInodeAttributes(ctx context.Context, op *fuseops.SetInodeAttributesOp) error {
	fsys.mu.Lock()
	e, ok := fsys.entryForID(op.Inode)
	fsys.mu.Unlock()
	if !ok {
		return fuse.ENOENT
	}

	switch v := e.(type) {
	case *index.DirEntry:
		path := index.FullPath(v)
		err := fsys.idx.SetDirAttrs(path, func(d *index.DirEntry) {
			if op.Mode != nil {
				d.Mode = uint32(op.Mode.Perm())
			}
			d.Ctime = uint64(fsys.clock.Now().Unix())
		})
		if err != nil {
			logger.Errorf("SetInodeAttributes: saving %s: %v", path, err)
			return fuse.EIO
		}

	case *index.FileEntry:
		backing := fsys.backingPath(v.OpaqueName())
		if op.Mode != nil {
			if err := os.Chmod(backing, *op.Mode); err != nil {
				return err
			}
		}
		if op.Size != nil {
			if err := os.Truncate(backing, int64(*op.Size)); err != nil {
				return err
			}
		}

	default:
		return fuse.EIO
	}

	fsys.mu.Lock()
	attrs, err := fsys.attributesFor(e)
	fsys.mu.Unlock()
	if err != nil {
		return fuse.EIO
	}
	op.Attributes = attrs
	return nil
}

func (fsys *fileSystem) ForgetInode(ctx context.Context, op *fuseops.ForgetInodeOp) error {
	fsys.mu.Lock()
	defer fsys.mu.Unlock()
	fsys.forgetInode(op.Inode)
	return nil
}

func (fsys *fileSystem) StatFS(ctx context.Context, op *fuseops.StatFSOp) error {
	op.BlockSize = 4096
	op.Blocks = 1 << 20
	op.BlocksFree = 1 << 19
	op.BlocksAvailable = 1 << 19
	op.IoSize = 65536
	op.Inodes = 1 << 20
	op.InodesFree = 1 << 19
	return nil
}
