// Package codec implements the length-prefixed binary serialization used to
// persist the metadata index tree. The format is self-describing: every
// entry starts with a one byte kind tag ('F' or 'D') and every variable
// length field is prefixed with its big-endian length, so decoding never
// needs to consult anything outside the byte stream itself.
package codec

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/rorre/ObfusFS/internal/index"
)

const (
	kindFile byte = 'F'
	kindDir  byte = 'D'
)

// Encode serializes root (which must be a directory) depth-first into a
// single byte slice.
func Encode(root *index.DirEntry) []byte {
	var buf bytes.Buffer
	encodeEntry(&buf, root)
	return buf.Bytes()
}

func encodeEntry(buf *bytes.Buffer, e index.Entry) {
	switch v := e.(type) {
	case *index.FileEntry:
		buf.WriteByte(kindFile)
		putString(buf, v.Name())
		putString(buf, v.OpaqueName())
	case *index.DirEntry:
		buf.WriteByte(kindDir)
		putString(buf, v.Name())
		putString(buf, v.OpaqueName())

		var fixed [4 + 4 + 4 + 8 + 8 + 8 + 8]byte
		binary.BigEndian.PutUint32(fixed[0:4], v.UID)
		binary.BigEndian.PutUint32(fixed[4:8], v.GID)
		binary.BigEndian.PutUint32(fixed[8:12], v.Mode)
		binary.BigEndian.PutUint64(fixed[12:20], v.Atime)
		binary.BigEndian.PutUint64(fixed[20:28], v.Mtime)
		binary.BigEndian.PutUint64(fixed[28:36], v.Ctime)
		binary.BigEndian.PutUint64(fixed[36:44], uint64(len(v.ChildNames())))
		buf.Write(fixed[:])

		for _, name := range v.ChildNames() {
			child, _ := v.Child(name)
			encodeEntry(buf, child)
		}
	default:
		panic(fmt.Sprintf("codec: unknown entry type %T", e))
	}
}

func putString(buf *bytes.Buffer, s string) {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(s)))
	buf.Write(lenBuf[:])
	buf.WriteString(s)
}

// ErrFormat is returned when the byte stream does not describe a
// well-formed entry tree.
type ErrFormat struct {
	Reason string
}

func (e *ErrFormat) Error() string {
	return fmt.Sprintf("codec: format error: %s", e.Reason)
}

// Decode reads a single entry (recursively, if it is a directory) from data
// and returns it along with whatever bytes were left over. Trailing bytes
// past the root entry are not an error; callers that care about exact
// consumption should compare against the length they expected from an outer
// envelope.
func Decode(data []byte) (index.Entry, []byte, error) {
	if len(data) < 1 {
		return nil, nil, &ErrFormat{Reason: "empty input"}
	}

	kind := data[0]
	data = data[1:]

	name, data, err := takeString(data)
	if err != nil {
		return nil, nil, err
	}
	opaqueName, data, err := takeString(data)
	if err != nil {
		return nil, nil, err
	}

	switch kind {
	case kindFile:
		return index.NewFileEntry(name, opaqueName), data, nil

	case kindDir:
		const fixedLen = 4 + 4 + 4 + 8 + 8 + 8 + 8
		if len(data) < fixedLen {
			return nil, nil, &ErrFormat{Reason: "truncated directory tail"}
		}
		uid := binary.BigEndian.Uint32(data[0:4])
		gid := binary.BigEndian.Uint32(data[4:8])
		mode := binary.BigEndian.Uint32(data[8:12])
		atime := binary.BigEndian.Uint64(data[12:20])
		mtime := binary.BigEndian.Uint64(data[20:28])
		ctime := binary.BigEndian.Uint64(data[28:36])
		childCount := binary.BigEndian.Uint64(data[36:44])
		data = data[fixedLen:]

		dir := index.NewDirEntry(name, opaqueName, uid, gid, mode, atime, mtime, ctime)

		for i := uint64(0); i < childCount; i++ {
			var child index.Entry
			child, data, err = Decode(data)
			if err != nil {
				return nil, nil, err
			}
			dir.AddChild(child)
		}

		return dir, data, nil

	default:
		return nil, nil, &ErrFormat{Reason: fmt.Sprintf("unknown entry kind %q", kind)}
	}
}

func takeString(data []byte) (string, []byte, error) {
	if len(data) < 4 {
		return "", nil, &ErrFormat{Reason: "truncated string length"}
	}
	n := binary.BigEndian.Uint32(data[:4])
	data = data[4:]
	if uint64(len(data)) < uint64(n) {
		return "", nil, &ErrFormat{Reason: "truncated string body"}
	}
	return string(data[:n]), data[n:], nil
}

// DecodeRoot wraps Decode for callers that want to decode a single root entry
// off of an io.Reader that holds exactly one serialized tree, such as the
// plaintext produced by the envelope package.
func DecodeRoot(r io.Reader) (*index.DirEntry, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}

	entry, _, err := Decode(data)
	if err != nil {
		return nil, err
	}

	root, ok := entry.(*index.DirEntry)
	if !ok {
		return nil, &ErrFormat{Reason: "root is not a directory"}
	}
	if root.Name() != "/" {
		return nil, &ErrFormat{Reason: "unexpected root name"}
	}

	return root, nil
}
