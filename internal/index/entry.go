package index

// Entry is a node in the virtual tree: either a FileEntry or a DirEntry.
// The codec dispatches on the concrete type (tagged by a single byte on the
// wire) rather than via inheritance, so new variants can only be added in
// one place.
type Entry interface {
	Name() string
	OpaqueName() string
	Parent() *DirEntry

	setParent(*DirEntry)
	setName(string)
}

// FileEntry is a logical file. Its POSIX metadata is not tracked here: it
// lives entirely on the backing file's inode, addressed by OpaqueName.
type FileEntry struct {
	name       string
	opaqueName string
	parent     *DirEntry
}

// NewFileEntry constructs a detached file entry (no parent set).
func NewFileEntry(name, opaqueName string) *FileEntry {
	return &FileEntry{name: name, opaqueName: opaqueName}
}

func (f *FileEntry) Name() string       { return f.name }
func (f *FileEntry) OpaqueName() string { return f.opaqueName }
func (f *FileEntry) Parent() *DirEntry  { return f.parent }
func (f *FileEntry) setParent(d *DirEntry) { f.parent = d }
func (f *FileEntry) setName(n string)      { f.name = n }

// DirEntry is a directory. Unlike files, directories have no backing inode
// of their own, so they own the POSIX metadata fields directly.
type DirEntry struct {
	name       string
	opaqueName string
	parent     *DirEntry

	UID, GID           uint32
	Mode               uint32
	Atime, Mtime, Ctime uint64

	children map[string]Entry
	// order preserves insertion order so that codec round-trips and
	// readdir listings are stable across save/load, matching the spec's
	// requirement that iteration order need not be meaningful but must be
	// stable.
	order []string
}

// NewDirEntry constructs a detached directory entry (no parent set) with no
// children.
func NewDirEntry(name, opaqueName string, uid, gid, mode uint32, atime, mtime, ctime uint64) *DirEntry {
	return &DirEntry{
		name:       name,
		opaqueName: opaqueName,
		UID:        uid,
		GID:        gid,
		Mode:       mode,
		Atime:      atime,
		Mtime:      mtime,
		Ctime:      ctime,
		children:   make(map[string]Entry),
	}
}

func (d *DirEntry) Name() string       { return d.name }
func (d *DirEntry) OpaqueName() string { return d.opaqueName }
func (d *DirEntry) Parent() *DirEntry  { return d.parent }
func (d *DirEntry) setParent(p *DirEntry) { d.parent = p }
func (d *DirEntry) setName(n string)      { d.name = n }

// AddChild inserts e as a child of d, wiring e's parent pointer and
// appending to the stable iteration order. It does not check for
// name collisions; callers (Index) are responsible for that.
func (d *DirEntry) AddChild(e Entry) {
	e.setParent(d)
	if _, exists := d.children[e.Name()]; !exists {
		d.order = append(d.order, e.Name())
	}
	d.children[e.Name()] = e
}

// RemoveChild deletes the child named name, if any.
func (d *DirEntry) RemoveChild(name string) {
	if _, ok := d.children[name]; !ok {
		return
	}
	delete(d.children, name)
	for i, n := range d.order {
		if n == name {
			d.order = append(d.order[:i], d.order[i+1:]...)
			break
		}
	}
}

// Child looks up a direct child by name.
func (d *DirEntry) Child(name string) (Entry, bool) {
	e, ok := d.children[name]
	return e, ok
}

// ChildNames returns the child basenames in stable iteration order.
func (d *DirEntry) ChildNames() []string {
	out := make([]string, len(d.order))
	copy(out, d.order)
	return out
}

// NumChildren reports how many direct children d has.
func (d *DirEntry) NumChildren() int {
	return len(d.children)
}

// NumSubdirs reports how many direct children are themselves directories,
// used to compute the synthetic link count for getattr.
func (d *DirEntry) NumSubdirs() int {
	n := 0
	for _, c := range d.children {
		if _, ok := c.(*DirEntry); ok {
			n++
		}
	}
	return n
}

// FullPath reconstructs the absolute path of e by walking parent pointers
// to the root. It never needs the Index, since every entry under the root
// is reachable this way.
func FullPath(e Entry) string {
	if e.Parent() == nil {
		return "/"
	}

	var parts []string
	for cur := e; cur.Parent() != nil; cur = cur.Parent() {
		parts = append([]string{cur.Name()}, parts...)
	}

	path := ""
	for _, p := range parts {
		path += "/" + p
	}
	return path
}
