package tdb

import (
	"golang.org/x/sys/unix"
)

// Byte-range lock offsets fixed by the file format.
const (
	lockOffsetGlobal         = 0
	lockOffsetActiveInstance = 4
	lockAllocIndex           = -1 // passed to chain offset math for the allocation lock
)

// ChainLocker is the interface both the plain file-lock implementation and
// the optional spinlock accelerator (spinlock.go) satisfy, so a *DB can be
// configured with either without any caller above this layer noticing.
type ChainLocker interface {
	LockChain(idx int, write bool) error
	TryLockChain(idx int, write bool) (bool, error)
	UnlockChain(idx int) error
}

// lockManager owns every byte-range lock a single *DB handle holds. It is
// not itself safe for concurrent goroutine use, matching the handle's own
// contract (doc.go): a handle is used by one goroutine at a time, so
// reentrant acquisition is tracked with plain depth counters rather than
// goroutine-aware bookkeeping. What fcntl byte-range locks actually
// serialize is cross-process access; tdb.c has the same split: in-process
// recursion tracked by the library, cross-process mutual exclusion left to
// the OS.
type lockManager struct {
	fd int

	globalDepth int
	activeDepth int
	chainDepth  map[int]int
	recordDepth map[uint32]int

	noLock bool
}

func newLockManager(fd int, noLock bool) *lockManager {
	return &lockManager{
		fd:          fd,
		chainDepth:  make(map[int]int),
		recordDepth: make(map[uint32]int),
		noLock:      noLock,
	}
}

func (m *lockManager) flock(offset, length int64, write, blocking bool) error {
	if m.noLock {
		return nil
	}

	typ := int16(unix.F_RDLCK)
	if write {
		typ = unix.F_WRLCK
	}

	lk := unix.Flock_t{
		Type:   typ,
		Whence: int16(unix.SEEK_SET),
		Start:  offset,
		Len:    length,
	}

	cmd := unix.F_SETLK
	if blocking {
		cmd = unix.F_SETLKW
	}

	if err := unix.FcntlFlock(uintptr(m.fd), cmd, &lk); err != nil {
		if !blocking && (err == unix.EAGAIN || err == unix.EACCES) {
			return newErr(ErrCodeBusy, "lock", err)
		}

		return newErr(ErrCodeLock, "lock", err)
	}

	return nil
}

func (m *lockManager) funlock(offset, length int64) error {
	if m.noLock {
		return nil
	}

	lk := unix.Flock_t{
		Type:   unix.F_UNLCK,
		Whence: int16(unix.SEEK_SET),
		Start:  offset,
		Len:    length,
	}

	if err := unix.FcntlFlock(uintptr(m.fd), unix.F_SETLK, &lk); err != nil {
		return newErr(ErrCodeLock, "unlock", err)
	}

	return nil
}

// LockGlobal acquires the whole-store bring-up lock used during Open to
// serialize first-opener detection and header initialization.
func (m *lockManager) LockGlobal(blocking bool) error {
	if m.globalDepth == 0 {
		if err := m.flock(lockOffsetGlobal, 1, true, blocking); err != nil {
			return err
		}
	}

	m.globalDepth++

	return nil
}

func (m *lockManager) UnlockGlobal() error {
	if m.globalDepth == 0 {
		return nil
	}

	m.globalDepth--
	if m.globalDepth == 0 {
		return m.funlock(lockOffsetGlobal, 1)
	}

	return nil
}

// LockActiveInstance acquires the single-byte active-instance lock: held
// exclusively by the first opener while it initializes a fresh file, then
// held shared for the handle's remaining lifetime so later openers can
// detect "at least one live reader/writer exists" without blocking each
// other.
func (m *lockManager) LockActiveInstance(write bool) error {
	if err := m.flock(lockOffsetActiveInstance, 1, write, true); err != nil {
		return err
	}

	m.activeDepth++

	return nil
}

// TryLockActiveInstance attempts a non-blocking exclusive acquire, used by
// Open to test whether this process is the first opener.
func (m *lockManager) TryLockActiveInstance(write bool) (bool, error) {
	err := m.flock(lockOffsetActiveInstance, 1, write, false)
	if err == nil {
		m.activeDepth++
		return true, nil
	}

	var te *Error
	if asError(err, &te) && te.Code == ErrCodeBusy {
		return false, nil
	}

	return false, err
}

func (m *lockManager) UnlockActiveInstance() error {
	if m.activeDepth == 0 {
		return nil
	}

	m.activeDepth--

	return m.funlock(lockOffsetActiveInstance, 1)
}

// LockChain acquires chain idx's lock (idx == lockAllocIndex for the
// allocator's own lock). Reentrant: a handle already holding it just
// increments its depth.
func (m *lockManager) LockChain(idx int, write bool) error {
	if m.chainDepth[idx] == 0 {
		off := int64(bucketOffset(idx))
		if err := m.flock(off, 1, write, true); err != nil {
			return err
		}
	}

	m.chainDepth[idx]++

	return nil
}

func (m *lockManager) TryLockChain(idx int, write bool) (bool, error) {
	if m.chainDepth[idx] > 0 {
		m.chainDepth[idx]++
		return true, nil
	}

	off := int64(bucketOffset(idx))

	err := m.flock(off, 1, write, false)
	if err == nil {
		m.chainDepth[idx]++
		return true, nil
	}

	var te *Error
	if asError(err, &te) && te.Code == ErrCodeBusy {
		return false, nil
	}

	return false, err
}

func (m *lockManager) UnlockChain(idx int) error {
	d := m.chainDepth[idx]
	if d == 0 {
		return nil
	}

	d--
	m.chainDepth[idx] = d

	if d == 0 {
		delete(m.chainDepth, idx)
		return m.funlock(int64(bucketOffset(idx)), 1)
	}

	return nil
}

// LockRecord acquires the single-byte lock at a record's own file offset,
// used to hold a traversal's current record stable across a callback while
// the chain lock itself is dropped.
func (m *lockManager) LockRecord(offset uint32, write bool) error {
	if m.recordDepth[offset] == 0 {
		if err := m.flock(int64(offset), 1, write, true); err != nil {
			return err
		}
	}

	m.recordDepth[offset]++

	return nil
}

// TryLockRecord attempts a non-blocking acquire, used by Delete to detect
// that a concurrent traversal holds the record and take the DEAD
// tombstone fallback instead of physically freeing it.
func (m *lockManager) TryLockRecord(offset uint32, write bool) (bool, error) {
	if m.recordDepth[offset] > 0 {
		m.recordDepth[offset]++
		return true, nil
	}

	err := m.flock(int64(offset), 1, write, false)
	if err == nil {
		m.recordDepth[offset]++
		return true, nil
	}

	var te *Error
	if asError(err, &te) && te.Code == ErrCodeBusy {
		return false, nil
	}

	return false, err
}

func (m *lockManager) UnlockRecord(offset uint32) error {
	d := m.recordDepth[offset]
	if d == 0 {
		return nil
	}

	d--
	m.recordDepth[offset] = d

	if d == 0 {
		delete(m.recordDepth, offset)
		return m.funlock(int64(offset), 1)
	}

	return nil
}

// asError is a tiny errors.As helper kept local to avoid importing errors
// in every call site above.
func asError(err error, target **Error) bool {
	e, ok := err.(*Error)
	if !ok {
		return false
	}

	*target = e

	return true
}

var _ ChainLocker = (*lockManager)(nil)
