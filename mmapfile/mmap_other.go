//go:build !unix

package mmapfile

import "os"

// mapping on non-unix platforms skips memory mapping entirely in favor of
// positional I/O (spec.md §9 option (b): "skip memory mapping entirely and
// use positional writes ... cleaner and equivalent").
type mapping struct {
	f *os.File
}

func newMapping(f *os.File, size int64, writable bool) (mapping, error) {
	return mapping{f: f}, nil
}

func (m mapping) readAt(dst []byte, off int64) (int, error) {
	return m.f.ReadAt(dst, off)
}

func (m mapping) writeAt(src []byte, off int64) (int, error) {
	return m.f.WriteAt(src, off)
}

func (m mapping) sync() error {
	if m.f == nil {
		return nil
	}
	return m.f.Sync()
}

func (m mapping) close() error {
	// The os.File itself is closed by Send/Recv.Close; there is no separate
	// mapping resource to release here.
	return nil
}
