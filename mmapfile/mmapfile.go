// Package mmapfile provides the read-only and writable file views the send
// and receive engines hold over the source/destination file (spec.md §4.4,
// §4.5, §9). The underlying view is backed by a memory mapping on unix
// platforms (golang.org/x/sys/unix.Mmap, remapped on grow) and by positional
// ReadAt/WriteAt on others — spec.md §9 notes both are equivalent and
// implementers may choose based on platform.
package mmapfile

import (
	"errors"
	"io"
	"os"
)

// MaxFileSize is the largest source file the send engine will accept:
// 2^24 blocks of 512 bytes each (spec.md §4.4's file-size cap).
const MaxFileSize = (1 << 24) * 512

// ErrFileTooLarge is returned by OpenSend when the source file is at or
// above MaxFileSize.
var ErrFileTooLarge = errors.New("mmapfile: file exceeds 24-bit block space")

// Send is a read-only view of a source file, block-addressable in
// blockSize-byte units.
type Send struct {
	f    *os.File
	m    mapping
	size int64
}

// OpenSend opens path for reading and maps it. Files at or above
// MaxFileSize are rejected per spec.md §4.4.
func OpenSend(path string) (*Send, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	size := info.Size()
	if size >= MaxFileSize {
		f.Close()
		return nil, ErrFileTooLarge
	}
	m, err := newMapping(f, size, false)
	if err != nil {
		f.Close()
		return nil, err
	}
	return &Send{f: f, m: m, size: size}, nil
}

// Size returns the source file's length in bytes.
func (s *Send) Size() int64 { return s.size }

// ReadBlock reads the blockSize-byte block at index i into dst, returning
// the number of bytes actually available (< blockSize for the final
// block). dst must have length >= blockSize.
func (s *Send) ReadBlock(i int, blockSize int, dst []byte) (int, error) {
	off := int64(i) * int64(blockSize)
	if off > s.size {
		return 0, io.EOF
	}
	n := blockSize
	if remaining := s.size - off; int64(n) > remaining {
		n = int(remaining)
	}
	if n == 0 {
		return 0, nil
	}
	return s.m.readAt(dst[:n], off)
}

// Close releases the mapping and underlying file handle.
func (s *Send) Close() error {
	err := s.m.close()
	if cerr := s.f.Close(); err == nil {
		err = cerr
	}
	return err
}

// Recv is a writable, growable view of a destination file. Per spec.md
// §4.5/§9, the file is pre-truncated to one pad byte on creation so the
// mapping target is never zero-length; the pad is trimmed away by the
// first EnsureSize call that grows the file past 1 byte, or by Finalize.
type Recv struct {
	f    *os.File
	m    mapping
	size int64
}

// padSize is the placeholder length written before the first DATA arrives.
const padSize = 1

// CreateRecv truncate-creates path for writing and establishes the pad-byte
// mapping.
func CreateRecv(path string) (*Recv, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, err
	}
	if err := f.Truncate(padSize); err != nil {
		f.Close()
		return nil, err
	}
	m, err := newMapping(f, padSize, true)
	if err != nil {
		f.Close()
		return nil, err
	}
	return &Recv{f: f, m: m, size: padSize}, nil
}

// EnsureSize grows the mapping so that offsets up to n-1 are writable.
// Shrinking is never required (spec.md §4.5 step 2) and is a no-op here.
func (r *Recv) EnsureSize(n int64) error {
	if n <= r.size {
		return nil
	}
	if err := r.f.Truncate(n); err != nil {
		return err
	}
	if err := r.m.close(); err != nil {
		return err
	}
	m, err := newMapping(r.f, n, true)
	if err != nil {
		return err
	}
	r.m = m
	r.size = n
	return nil
}

// WriteAt writes payload at byte offset off, growing the mapping first if
// necessary.
func (r *Recv) WriteAt(payload []byte, off int64) error {
	if need := off + int64(len(payload)); need > r.size {
		if err := r.EnsureSize(need); err != nil {
			return err
		}
	}
	if len(payload) == 0 {
		return nil
	}
	_, err := r.m.writeAt(payload, off)
	return err
}

// Finalize sets the destination file to its definitive size, trimming the
// pad byte away when the real content turns out to be shorter than it (the
// zero-byte-transfer boundary case in spec.md §8).
func (r *Recv) Finalize(size int64) error {
	if size == r.size {
		return r.m.sync()
	}
	if err := r.m.close(); err != nil {
		return err
	}
	if err := r.f.Truncate(size); err != nil {
		return err
	}
	r.size = size
	if size == 0 {
		r.m = mapping{}
		return nil
	}
	m, err := newMapping(r.f, size, true)
	if err != nil {
		return err
	}
	r.m = m
	return nil
}

// Close releases the mapping and underlying file handle.
func (r *Recv) Close() error {
	err := r.m.close()
	if cerr := r.f.Close(); err == nil {
		err = cerr
	}
	return err
}
