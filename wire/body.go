// Copyright 2020 lesismal. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package wire

import (
	"bytes"
	"io"
	"os"
	"path/filepath"

	"github.com/dchest/uniuri"
)

// variant is the tag of a Blob's sum type.
type variant int8

const (
	variantMemory variant = iota
	variantFile
)

// Blob is a body abstraction: a tagged variant holding either an
// in-memory byte buffer or a temp-file-backed body. Mirrors nbio's
// BodyReader (nbhttp/body.go) in spirit — a buffer that is appended to
// as bytes arrive off the wire — generalized with on-disk spillover,
// modeled on the content-to-tempfile pattern used by some HTTP server
// implementations (`_recvContent`/`_newTempFile`-style spillover).
type Blob struct {
	tag  variant
	mem  []byte
	file *os.File
	// namePrefix is used only at convert_to_file time to build the
	// on-disk file name; it is set by the owner (parser/session) so
	// spilled bodies are traceable back to their connection/message.
	namePrefix string
}

// NewBlob returns an empty in-memory Blob.
func NewBlob() *Blob { return &Blob{tag: variantMemory} }

// FromBytes returns an in-memory Blob pre-populated with b. The slice
// is copied so the Blob owns independent storage.
func FromBytes(b []byte) *Blob {
	cp := make([]byte, len(b))
	copy(cp, b)
	return &Blob{tag: variantMemory, mem: cp}
}

// FromFile returns an on-disk Blob backed by an already-open file.
func FromFile(f *os.File) *Blob { return &Blob{tag: variantFile, file: f} }

// SetNamePrefix sets the prefix used for the temp file name should this
// Blob ever spill to disk. Called by the parser/session with a string
// derived from the owning connection/message so spilled files are
// identifiable on disk.
func (b *Blob) SetNamePrefix(prefix string) { b.namePrefix = prefix }

// IsOnDisk reports whether this Blob has spilled to a temp file.
func (b *Blob) IsOnDisk() bool { return b.tag == variantFile }

// Size returns the byte count, or 0 if an on-disk stat fails. Callers
// that need to distinguish a genuine zero length from a stat error
// should use SizeErr instead.
func (b *Blob) Size() int64 {
	n, err := b.SizeErr()
	if err != nil {
		return 0
	}
	return n
}

// SizeErr is the checked form of Size: it surfaces a stat failure on
// the on-disk variant instead of silently returning 0.
func (b *Blob) SizeErr() (int64, error) {
	switch b.tag {
	case variantMemory:
		return int64(len(b.mem)), nil
	case variantFile:
		info, err := b.file.Stat()
		if err != nil {
			return 0, err
		}
		return info.Size(), nil
	default:
		return 0, nil
	}
}

// Append grows the buffer (in-memory variant) or appends to the
// backing file (on-disk variant). Errors propagate the underlying I/O
// error unchanged.
func (b *Blob) Append(data []byte) error {
	if len(data) == 0 {
		return nil
	}
	switch b.tag {
	case variantMemory:
		b.mem = append(b.mem, data...)
		return nil
	case variantFile:
		if _, err := b.file.Seek(0, io.SeekEnd); err != nil {
			return err
		}
		_, err := b.file.Write(data)
		return err
	default:
		return nil
	}
}

// Truncate replaces the Blob's contents with b: for InMemory this
// reslices the buffer; for OnDisk it truncates then rewrites the file.
func (b *Blob) Truncate(data []byte) error {
	switch b.tag {
	case variantMemory:
		cp := make([]byte, len(data))
		copy(cp, data)
		b.mem = cp
		return nil
	case variantFile:
		if err := b.file.Truncate(0); err != nil {
			return err
		}
		if _, err := b.file.Seek(0, io.SeekStart); err != nil {
			return err
		}
		_, err := b.file.Write(data)
		return err
	default:
		return nil
	}
}

// ConvertToFile is idempotent: a no-op on an already-OnDisk Blob; on
// InMemory it creates a temp file in the OS temp directory, writes the
// current in-memory bytes, and only on success transitions the tag.
func (b *Blob) ConvertToFile() error {
	if b.tag == variantFile {
		return nil
	}
	prefix := b.namePrefix
	if prefix == "" {
		prefix = "wire-body-"
	}
	name := filepath.Join(os.TempDir(), prefix+uniuri.NewLen(16))
	f, err := os.OpenFile(name, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		return err
	}
	if len(b.mem) > 0 {
		if _, err := f.Write(b.mem); err != nil {
			f.Close()
			os.Remove(name)
			return err
		}
	}
	b.tag = variantFile
	b.file = f
	b.mem = nil
	return nil
}

// Bytes returns the full contents as a byte slice, reading the backing
// file in the OnDisk case. Intended for tests and small bodies; callers
// accumulating large bodies should prefer Reader.
func (b *Blob) Bytes() ([]byte, error) {
	switch b.tag {
	case variantMemory:
		return b.mem, nil
	case variantFile:
		if _, err := b.file.Seek(0, io.SeekStart); err != nil {
			return nil, err
		}
		return io.ReadAll(b.file)
	default:
		return nil, nil
	}
}

// Reader returns an io.Reader over the Blob's current contents,
// positioned at the start.
func (b *Blob) Reader() (io.Reader, error) {
	switch b.tag {
	case variantMemory:
		return bytes.NewReader(b.mem), nil
	case variantFile:
		if _, err := b.file.Seek(0, io.SeekStart); err != nil {
			return nil, err
		}
		return b.file, nil
	default:
		return bytes.NewReader(nil), nil
	}
}

// Equal compares the Blob's contents against a byte sequence by value,
// in either variant.
func (b *Blob) Equal(want []byte) bool {
	got, err := b.Bytes()
	if err != nil {
		return false
	}
	return bytes.Equal(got, want)
}

// Close releases the on-disk file, if any, deleting it — a Blob's
// temp-file backing is released when the Blob is dropped.
func (b *Blob) Close() error {
	if b.tag == variantFile && b.file != nil {
		name := b.file.Name()
		err := b.file.Close()
		os.Remove(name)
		b.file = nil
		return err
	}
	return nil
}

// WriteTo serializes the Blob's contents to w, for rendering a Fixed
// message's body onto the wire.
func (b *Blob) WriteTo(w io.Writer) (int64, error) {
	r, err := b.Reader()
	if err != nil {
		return 0, err
	}
	return io.Copy(w, r)
}
