package fs

import (
	"os"
	"syscall"
	"time"

	"github.com/jacobsa/fuse/fuseops"
)

func unixToTime(sec uint64) time.Time {
	if sec == 0 {
		return time.Time{}
	}
	return time.Unix(int64(sec), 0)
}

// statAttributes converts an os.FileInfo for a backing file (addressed by
// opaque name) into the attributes reported to the kernel for the logical
// file entry that points at it. File entries have no metadata of their own
// in the index; everything here comes from the backing inode.
func statAttributes(fi os.FileInfo) fuseops.InodeAttributes {
	attrs := fuseops.InodeAttributes{
		Size:  uint64(fi.Size()),
		Nlink: 1,
		Mode:  fi.Mode(),
		Atime: fi.ModTime(),
		Mtime: fi.ModTime(),
		Ctime: fi.ModTime(),
	}

	if st, ok := fi.Sys().(*syscall.Stat_t); ok {
		attrs.Uid = st.Uid
		attrs.Gid = st.Gid
		attrs.Atime = time.Unix(st.Atim.Sec, st.Atim.Nsec)
		attrs.Ctime = time.Unix(st.Ctim.Sec, st.Ctim.Nsec)
		attrs.Nlink = uint64(st.Nlink)
	}

	return attrs
}
