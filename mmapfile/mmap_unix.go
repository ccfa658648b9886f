//go:build unix

package mmapfile

import (
	"os"

	"golang.org/x/sys/unix"
)

// mapping is a memory-mapped view of a file, grounded on the unix.Mmap call
// shape used for process memory in
// _examples/other_examples/..._dsmmcken-dh-cli__...uffd_linux.go.go, adapted
// here to map file contents directly rather than anonymous/shared memory.
type mapping struct {
	data []byte
}

func newMapping(f *os.File, size int64, writable bool) (mapping, error) {
	if size == 0 {
		return mapping{}, nil
	}
	prot := unix.PROT_READ
	if writable {
		prot |= unix.PROT_WRITE
	}
	data, err := unix.Mmap(int(f.Fd()), 0, int(size), prot, unix.MAP_SHARED)
	if err != nil {
		return mapping{}, err
	}
	return mapping{data: data}, nil
}

func (m mapping) readAt(dst []byte, off int64) (int, error) {
	return copy(dst, m.data[off:off+int64(len(dst))]), nil
}

func (m mapping) writeAt(src []byte, off int64) (int, error) {
	return copy(m.data[off:off+int64(len(src))], src), nil
}

func (m mapping) sync() error {
	if m.data == nil {
		return nil
	}
	return unix.Msync(m.data, unix.MS_SYNC)
}

func (m mapping) close() error {
	if m.data == nil {
		return nil
	}
	return unix.Munmap(m.data)
}
