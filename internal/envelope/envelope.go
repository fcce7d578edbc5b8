// Package envelope wraps the codec's serialized index tree with an
// authenticated-encryption envelope so that the database file on disk
// reveals neither the directory hierarchy nor the original filenames to
// anyone without the password.
package envelope

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"
	"os"

	"github.com/google/renameio/v2"
	"github.com/rorre/ObfusFS/internal/codec"
	"github.com/rorre/ObfusFS/internal/index"
)

// Magic tags the database file format and is fed to the AEAD as associated
// data, binding the ciphertext to this exact on-disk layout.
var Magic = []byte("OBFUSFS")

const (
	nonceSize = 16
	tagSize   = 16
	keySize   = 16 // AES-128 block size; see deriveKey.
)

// ErrAuth is returned when the AEAD tag does not verify, i.e. the password
// is wrong or the file has been tampered with.
type ErrAuth struct {
	Path string
}

func (e *ErrAuth) Error() string {
	return fmt.Sprintf("envelope: authentication failed loading %s", e.Path)
}

// ErrFormat is returned when the leading bytes of the database file are not
// the expected magic, or the file is too short to contain a nonce and tag.
type ErrFormat struct {
	Reason string
}

func (e *ErrFormat) Error() string { return fmt.Sprintf("envelope: format error: %s", e.Reason) }

// Envelope persists an index tree at Path, sealed with a key derived from
// Password. It implements index.Persister.
type Envelope struct {
	Path     string
	Password []byte
}

// New returns an Envelope over the database file at path, using password
// verbatim (the caller need not pre-pad it; deriveKey does that).
func New(path string, password []byte) *Envelope {
	return &Envelope{Path: path, Password: password}
}

// deriveKey pads password on the right to 16 bytes using the standard
// PKCS-style scheme (append the byte value equal to the number of padding
// bytes) and uses the padded bytes directly as the AES-128 key.
//
// This caps effective key strength at the entropy of a 16-byte password;
// see the design notes for why a real KDF was not substituted without
// changing the on-disk format.
func deriveKey(password []byte) ([]byte, error) {
	if len(password) > keySize {
		return nil, fmt.Errorf("envelope: password must be at most %d bytes", keySize)
	}
	if len(password) == keySize {
		key := make([]byte, keySize)
		copy(key, password)
		return key, nil
	}

	padLen := keySize - len(password)
	key := make([]byte, keySize)
	copy(key, password)
	for i := len(password); i < keySize; i++ {
		key[i] = byte(padLen)
	}
	return key, nil
}

func newAEAD(password []byte) (cipher.AEAD, error) {
	key, err := deriveKey(password)
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("envelope: new cipher: %w", err)
	}
	aead, err := cipher.NewGCMWithNonceSize(block, nonceSize)
	if err != nil {
		return nil, fmt.Errorf("envelope: new AEAD: %w", err)
	}
	return aead, nil
}

// Save serializes root through the codec, seals it under a fresh random
// nonce, and atomically replaces the database file (write-temp-then-rename
// via renameio, so a concurrent reader or a crash never observes a
// half-written file).
func (e *Envelope) Save(root *index.DirEntry) error {
	aead, err := newAEAD(e.Password)
	if err != nil {
		return err
	}

	plaintext := codec.Encode(root)

	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return fmt.Errorf("envelope: generating nonce: %w", err)
	}

	// Seal appends the tag to the ciphertext; tagSize must match aead.Overhead().
	sealed := aead.Seal(nil, nonce, plaintext, Magic)
	ciphertext, tag := sealed[:len(sealed)-tagSize], sealed[len(sealed)-tagSize:]

	out := make([]byte, 0, len(Magic)+nonceSize+tagSize+len(ciphertext))
	out = append(out, Magic...)
	out = append(out, nonce...)
	out = append(out, tag...)
	out = append(out, ciphertext...)

	return renameio.WriteFile(e.Path, out, 0o600)
}

// Load reads and authenticates the database file, returning the decoded
// index tree. A missing file surfaces as an error wrapping os.ErrNotExist
// so that index.New can distinguish "no database yet" from corruption.
func (e *Envelope) Load() (*index.DirEntry, error) {
	data, err := os.ReadFile(e.Path)
	if err != nil {
		return nil, err // preserves errors.Is(err, os.ErrNotExist)
	}

	if len(data) < len(Magic)+nonceSize+tagSize {
		return nil, &ErrFormat{Reason: "file too short"}
	}
	if string(data[:len(Magic)]) != string(Magic) {
		return nil, &ErrFormat{Reason: "bad magic"}
	}

	rest := data[len(Magic):]
	nonce := rest[:nonceSize]
	tag := rest[nonceSize : nonceSize+tagSize]
	ciphertext := rest[nonceSize+tagSize:]

	aead, err := newAEAD(e.Password)
	if err != nil {
		return nil, err
	}

	sealed := append(append([]byte{}, ciphertext...), tag...)
	plaintext, err := aead.Open(nil, nonce, sealed, Magic)
	if err != nil {
		return nil, &ErrAuth{Path: e.Path}
	}

	root, err := codec.DecodeRoot(bytes.NewReader(plaintext))
	if err != nil {
		return nil, err
	}
	return root, nil
}
