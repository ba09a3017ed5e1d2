package tdb

import (
	"io"
	"os"

	"golang.org/x/sys/unix"
)

// arena is the single I/O surface every other layer reads and writes
// through: either an mmap'd view of the backing file, a positional
// pread/pwrite fallback over the same file, or a plain in-memory buffer
// for Internal-mode handles. Remaps on growth so both read and write paths
// always see the current file size.
type arena struct {
	file     *os.File // nil in internal mode
	internal bool
	noMMap   bool
	mapped   []byte // valid when mmap is in use
	buf      []byte // valid in internal mode
	size     uint64 // logical size known to this handle
}

func newInternalArena() *arena {
	return &arena{internal: true, buf: make([]byte, 0, defaultPageSize)}
}

func newFileArena(f *os.File, noMMap bool) (*arena, error) {
	a := &arena{file: f, noMMap: noMMap}

	info, err := f.Stat()
	if err != nil {
		return nil, newErr(ErrCodeIO, "open", err)
	}

	a.size = uint64(info.Size())

	if !noMMap && a.size > 0 {
		if err := a.mmapTo(a.size); err != nil {
			return nil, err
		}
	}

	return a, nil
}

func (a *arena) mmapTo(size uint64) error {
	if a.mapped != nil {
		if err := unix.Munmap(a.mapped); err != nil {
			return newErr(ErrCodeIO, "mmap", err)
		}

		a.mapped = nil
	}

	if size == 0 {
		return nil
	}

	m, err := unix.Mmap(int(a.file.Fd()), 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return newErr(ErrCodeIO, "mmap", err)
	}

	a.mapped = m

	return nil
}

// refreshSize re-reads the file's current size from disk, picking up growth
// performed by another process, and remaps if mmap is in use and the known
// mapping is now smaller than the file.
func (a *arena) refreshSize() error {
	if a.internal {
		return nil
	}

	info, err := a.file.Stat()
	if err != nil {
		return newErr(ErrCodeIO, "stat", err)
	}

	size := uint64(info.Size())
	if size == a.size {
		return nil
	}

	a.size = size

	if !a.noMMap && size > uint64(len(a.mapped)) {
		return a.mmapTo(size)
	}

	return nil
}

// grow extends the backing store to newSize, page-aligned growth having
// already been decided by the allocator. Newly added bytes read as zero.
func (a *arena) grow(newSize uint64) error {
	if a.internal {
		if newSize > uint64(cap(a.buf)) {
			grown := make([]byte, newSize, newSize*2)
			copy(grown, a.buf)
			a.buf = grown
		} else if newSize > uint64(len(a.buf)) {
			a.buf = a.buf[:newSize]
		}

		a.size = newSize

		return nil
	}

	if err := a.file.Truncate(int64(newSize)); err != nil {
		return newErr(ErrCodeIO, "grow", err)
	}

	a.size = newSize

	if !a.noMMap {
		return a.mmapTo(newSize)
	}

	return nil
}

// readAt returns a freshly copied slice of n bytes starting at off. A copy,
// not a window into the mapping, so callers may hold the result across a
// later grow/remap.
func (a *arena) readAt(off, n uint32) ([]byte, error) {
	end := uint64(off) + uint64(n)
	if end > a.size {
		if err := a.refreshSize(); err != nil {
			return nil, err
		}

		if end > a.size {
			return nil, newErr(ErrCodeIO, "read", errOutOfBounds)
		}
	}

	out := make([]byte, n)

	if a.internal {
		copy(out, a.buf[off:end])
		return out, nil
	}

	if !a.noMMap && a.mapped != nil && end <= uint64(len(a.mapped)) {
		copy(out, a.mapped[off:end])
		return out, nil
	}

	if _, err := a.file.ReadAt(out, int64(off)); err != nil && err != io.EOF {
		return nil, newErr(ErrCodeIO, "read", err)
	}

	return out, nil
}

// writeAt writes p at off. off+len(p) must already be within the known
// size; callers grow the arena first.
func (a *arena) writeAt(off uint32, p []byte) error {
	end := uint64(off) + uint64(len(p))
	if end > a.size {
		return newErr(ErrCodeIO, "write", errOutOfBounds)
	}

	if a.internal {
		copy(a.buf[off:end], p)
		return nil
	}

	if !a.noMMap && a.mapped != nil && end <= uint64(len(a.mapped)) {
		copy(a.mapped[off:end], p)
		return nil
	}

	if _, err := a.file.WriteAt(p, int64(off)); err != nil {
		return newErr(ErrCodeIO, "write", err)
	}

	return nil
}

// sync flushes dirty mapped pages and/or the file descriptor to disk.
func (a *arena) sync() error {
	if a.internal {
		return nil
	}

	if a.mapped != nil {
		if err := unix.Msync(a.mapped, unix.MS_SYNC); err != nil {
			return newErr(ErrCodeIO, "sync", err)
		}
	}

	if err := a.file.Sync(); err != nil {
		return newErr(ErrCodeIO, "sync", err)
	}

	return nil
}

func (a *arena) close() error {
	if a.internal {
		return nil
	}

	if a.mapped != nil {
		_ = unix.Munmap(a.mapped)
		a.mapped = nil
	}

	return a.file.Close()
}
