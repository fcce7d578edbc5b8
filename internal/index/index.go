// Package index owns the in-memory tree of directory and file entries that
// backs the virtual filesystem, together with its persistence to the
// authenticated-encrypted sidecar database (see the envelope package).
package index

import (
	"crypto/rand"
	"errors"
	"os"
	"path"
	"strings"
	"sync"

	"github.com/jacobsa/timeutil"
)

const opaqueNameLength = 64

const opaqueAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

// Persister is the pair of functions the Index uses to turn its tree into
// bytes on disk and back. In production this is envelope.Save/envelope.Load;
// tests can substitute an in-memory stand-in.
type Persister interface {
	Save(root *DirEntry) error
	Load() (*DirEntry, error)
}

// Index is the in-memory tree of directories and files. All mutating
// operations save the full tree before returning, per the spec's
// save-on-mutate persistence policy; there is no incremental log.
//
// A single mutex guards the whole tree. The filesystem adapter serializes
// kernel requests into one goroutine at a time by default, so this is
// mostly a safety net rather than a hot lock; see internal/fs for the
// concurrency story.
type Index struct {
	mu   sync.Mutex
	root *DirEntry

	persist Persister
	clock   timeutil.Clock

	// opaqueNames tracks every opaque name currently assigned to a file
	// entry, so create_file can defend against the astronomically unlikely
	// case of a collision (see spec §4.3).
	opaqueNames map[string]struct{}
}

// New constructs an Index against persist, attempting to load an existing
// tree and falling back to a fresh empty root if none exists yet.
func New(persist Persister, clock timeutil.Clock) (*Index, error) {
	idx := &Index{
		persist:     persist,
		clock:       clock,
		opaqueNames: make(map[string]struct{}),
	}

	root, err := persist.Load()
	if errors.Is(err, os.ErrNotExist) {
		root = NewDirEntry("/", "/", 0, 0, 0o755, 0, 0, 0)
		idx.root = root
		if err := idx.save(); err != nil {
			return nil, err
		}
		return idx, nil
	}
	if err != nil {
		return nil, err
	}

	idx.root = root
	idx.indexOpaqueNames(root)
	return idx, nil
}

func (idx *Index) indexOpaqueNames(d *DirEntry) {
	for _, name := range d.ChildNames() {
		child, _ := d.Child(name)
		switch v := child.(type) {
		case *FileEntry:
			idx.opaqueNames[v.OpaqueName()] = struct{}{}
		case *DirEntry:
			idx.indexOpaqueNames(v)
		}
	}
}

func (idx *Index) save() error {
	return idx.persist.Save(idx.root)
}

func splitPath(p string) ([]string, error) {
	if p == "" || p[0] != '/' {
		return nil, &ErrInvalidPath{Path: p}
	}
	clean := path.Clean(p)
	if clean == "/" {
		return nil, nil
	}
	return strings.Split(strings.TrimPrefix(clean, "/"), "/"), nil
}

// resolve walks from the root along parts, returning the entry reached.
// Must be called with idx.mu held.
func (idx *Index) resolve(parts []string) (Entry, error) {
	var cur Entry = idx.root
	for _, part := range parts {
		dir, ok := cur.(*DirEntry)
		if !ok {
			return nil, &ErrNotDirectory{Path: FullPath(cur)}
		}
		child, ok := dir.Child(part)
		if !ok {
			return nil, &ErrNotFound{Path: part}
		}
		cur = child
	}
	return cur, nil
}

// Get resolves path to its Entry.
func (idx *Index) Get(p string) (Entry, error) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	parts, err := splitPath(p)
	if err != nil {
		return nil, err
	}
	return idx.resolve(parts)
}

// parentOf splits path into its parent directory entry and basename. The
// parent must exist and be a directory.
func (idx *Index) parentOf(p string) (*DirEntry, string, error) {
	parts, err := splitPath(p)
	if err != nil {
		return nil, "", err
	}
	if len(parts) == 0 {
		return nil, "", &ErrInvalidPath{Path: p}
	}

	parentEntry, err := idx.resolve(parts[:len(parts)-1])
	if err != nil {
		return nil, "", err
	}
	parentDir, ok := parentEntry.(*DirEntry)
	if !ok {
		return nil, "", &ErrNotDirectory{Path: FullPath(parentEntry)}
	}

	return parentDir, parts[len(parts)-1], nil
}

// GetOrCreateFile returns the file entry at path, creating it if absent.
func (idx *Index) GetOrCreateFile(p string) (*FileEntry, error) {
	e, err := idx.Get(p)
	if err == nil {
		f, ok := e.(*FileEntry)
		if !ok {
			return nil, &ErrNotDirectory{Path: p}
		}
		return f, nil
	}
	var nf *ErrNotFound
	if !errors.As(err, &nf) {
		return nil, err
	}
	return idx.CreateFile(p)
}

// newOpaqueName draws a fresh 64 character token over [A-Za-z0-9], regenerating
// on the (vanishingly unlikely) event of a collision with an existing file.
// Must be called with idx.mu held.
func (idx *Index) newOpaqueName() (string, error) {
	for {
		name, err := randomOpaqueName()
		if err != nil {
			return "", err
		}
		if _, taken := idx.opaqueNames[name]; !taken {
			idx.opaqueNames[name] = struct{}{}
			return name, nil
		}
	}
}

func randomOpaqueName() (string, error) {
	// Bytes at or above maxUnbiased are discarded so that every alphabet
	// character is equally likely.
	const maxUnbiased = 256 - 256%len(opaqueAlphabet)
	buf := make([]byte, opaqueNameLength)
	out := make([]byte, 0, opaqueNameLength)
	for len(out) < opaqueNameLength {
		if _, err := rand.Read(buf); err != nil {
			return "", err
		}
		for _, b := range buf {
			if int(b) < maxUnbiased && len(out) < opaqueNameLength {
				out = append(out, opaqueAlphabet[int(b)%len(opaqueAlphabet)])
			}
		}
	}
	return string(out), nil
}

// CreateFile creates a new, empty file entry at path. The parent must
// already exist and be a directory; the basename must not already exist.
func (idx *Index) CreateFile(p string) (*FileEntry, error) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	parent, base, err := idx.parentOf(p)
	if err != nil {
		return nil, err
	}
	if _, exists := parent.Child(base); exists {
		return nil, &ErrExists{Path: p}
	}

	opaque, err := idx.newOpaqueName()
	if err != nil {
		return nil, err
	}

	f := NewFileEntry(base, opaque)
	parent.AddChild(f)

	if err := idx.save(); err != nil {
		delete(idx.opaqueNames, opaque)
		parent.RemoveChild(base)
		return nil, err
	}

	return f, nil
}

// MkDir creates a new, empty directory entry at path, owned by uid/gid with
// the given mode. Its opaque name is set equal to its basename: it is
// never used to address a backing file, but must round-trip through the
// codec.
func (idx *Index) MkDir(p string, uid, gid, mode uint32) (*DirEntry, error) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	parent, base, err := idx.parentOf(p)
	if err != nil {
		return nil, err
	}
	if _, exists := parent.Child(base); exists {
		return nil, &ErrExists{Path: p}
	}

	now := uint64(idx.clock.Now().Unix())
	d := NewDirEntry(base, base, uid, gid, mode, now, now, now)
	parent.AddChild(d)

	if err := idx.save(); err != nil {
		parent.RemoveChild(base)
		return nil, err
	}

	return d, nil
}

// Unlink removes the file entry at path. Unlinking the root, or a path
// that does not resolve to a file, is rejected.
func (idx *Index) Unlink(p string) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	parts, err := splitPath(p)
	if err != nil {
		return err
	}
	if len(parts) == 0 {
		return &ErrInvalidPath{Path: p}
	}

	e, err := idx.resolve(parts)
	if err != nil {
		return err
	}
	f, ok := e.(*FileEntry)
	if !ok {
		return &ErrNotDirectory{Path: p}
	}
	parent := f.Parent()
	if parent == nil {
		return &ErrInvalidPath{Path: p}
	}

	parent.RemoveChild(f.Name())
	delete(idx.opaqueNames, f.OpaqueName())

	if err := idx.save(); err != nil {
		parent.AddChild(f)
		idx.opaqueNames[f.OpaqueName()] = struct{}{}
		return err
	}

	return nil
}

// RmDir removes the (empty) directory entry at path. Removing the root, or
// a non-empty directory, is rejected.
func (idx *Index) RmDir(p string) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	parts, err := splitPath(p)
	if err != nil {
		return err
	}
	if len(parts) == 0 {
		return &ErrInvalidPath{Path: p}
	}

	e, err := idx.resolve(parts)
	if err != nil {
		return err
	}
	d, ok := e.(*DirEntry)
	if !ok {
		return &ErrNotDirectory{Path: p}
	}
	parent := d.Parent()
	if parent == nil {
		return &ErrInvalidPath{Path: p}
	}
	if d.NumChildren() > 0 {
		return &ErrNotEmpty{Path: p}
	}

	parent.RemoveChild(d.Name())

	if err := idx.save(); err != nil {
		parent.AddChild(d)
		return err
	}

	return nil
}

// ChildrenOf returns the child basenames of the directory at path.
func (idx *Index) ChildrenOf(p string) ([]string, error) {
	e, err := idx.Get(p)
	if err != nil {
		return nil, err
	}
	d, ok := e.(*DirEntry)
	if !ok {
		return nil, &ErrNotDirectory{Path: p}
	}
	return d.ChildNames(), nil
}

// SetDirAttrs mutates uid/gid/mode on a directory entry and saves. Callers
// must already hold a reference obtained via Get/Rename et al.; this
// re-resolves by path so that concurrent deletes are handled safely.
func (idx *Index) SetDirAttrs(p string, mutate func(*DirEntry)) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	parts, err := splitPath(p)
	if err != nil {
		return err
	}

	e, err := idx.resolve(parts)
	if err != nil {
		return err
	}
	d, ok := e.(*DirEntry)
	if !ok {
		return &ErrNotDirectory{Path: p}
	}

	mutate(d)
	return idx.save()
}

// Rename moves the entry at src to dst, preserving the entry's identity
// (and therefore its inode) rather than deleting src and handing dst a
// fresh entry the way the original's get_true_filepath_or_create shape
// does; see DESIGN.md for why that adaptation is preferable here.
//
// If src is a file, its backing blob must physically move too: renameBacking,
// if non-nil, is called with (oldOpaqueName, newOpaqueName) so the caller
// (the adapter) can os.Rename the backing file before the index mutation is
// committed. newOpaqueName is dst's existing opaque name when dst already
// names a file (the moved file's content ends up addressed the same way
// dst's old content was, mirroring get_true_filepath_or_create reusing
// dst's path), or a freshly generated one otherwise. A renameBacking
// failure aborts the whole rename; the index is left untouched. Directories
// have no backing blob, so renameBacking is never invoked for them.
func (idx *Index) Rename(src, dst string, renameBacking func(oldOpaqueName, newOpaqueName string) error) (Entry, error) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	srcParts, err := splitPath(src)
	if err != nil {
		return nil, err
	}
	if len(srcParts) == 0 {
		return nil, &ErrInvalidPath{Path: src}
	}

	srcEntry, err := idx.resolve(srcParts)
	if err != nil {
		return nil, err
	}
	srcParent := srcEntry.Parent()
	if srcParent == nil {
		return nil, &ErrInvalidPath{Path: src}
	}

	dstParent, dstBase, err := idx.parentOf(dst)
	if err != nil {
		return nil, err
	}

	var reusedOpaque string
	var hadDstFile bool
	existing, dstExists := dstParent.Child(dstBase)
	if dstExists {
		if ef, ok := existing.(*FileEntry); ok {
			reusedOpaque = ef.OpaqueName()
			hadDstFile = true
		}
	}

	if srcFile, ok := srcEntry.(*FileEntry); ok {
		oldOpaque := srcFile.opaqueName

		newOpaque := reusedOpaque
		if !hadDstFile {
			newOpaque, err = idx.newOpaqueName()
			if err != nil {
				return nil, err
			}
		}

		if renameBacking != nil {
			if err := renameBacking(oldOpaque, newOpaque); err != nil {
				if !hadDstFile {
					delete(idx.opaqueNames, newOpaque)
				}
				return nil, err
			}
		}

		delete(idx.opaqueNames, oldOpaque)
		idx.opaqueNames[newOpaque] = struct{}{}
		srcFile.opaqueName = newOpaque
	}

	if dstExists {
		dstParent.RemoveChild(dstBase)
	}
	srcParent.RemoveChild(srcEntry.Name())
	srcEntry.setName(dstBase)
	dstParent.AddChild(srcEntry)

	if err := idx.save(); err != nil {
		return nil, err
	}

	return srcEntry, nil
}

// Root returns the root directory entry. Exposed for the adapter's
// LookUpInode/inode-table bootstrap.
func (idx *Index) Root() *DirEntry {
	return idx.root
}

// Save forces a re-serialization of the current tree. Nothing in this
// repository calls it: the mutating methods above, including SetDirAttrs
// (used by the adapter's SetInodeAttributes path), save on their own.
func (idx *Index) Save() error {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	return idx.save()
}
