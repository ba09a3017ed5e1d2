package tdb

import (
	"encoding/binary"
	"os"
	"sync"
	"syscall"
)

// lifecycle.go implements Open/Reopen/Close: the bring-up/tear-down
// sequencing tdb.c's tdb_open_ex follows (global lock -> probe
// active-instance -> header validate/create -> convert-mode detect ->
// registry check -> mmap -> downgrade active-instance to shared).

// DB is a handle on an open store. It is not safe for concurrent use by
// multiple goroutines (see doc.go); independent handles, in this process or
// another, cooperate correctly through the lock layer.
type DB struct {
	mu sync.Mutex // guards lastErr only; every other field is single-goroutine

	opts     Options
	arena    *arena
	order    binary.ByteOrder
	convert  bool
	hashSize uint32
	identity fileIdentity

	lockMgr   *lockManager
	chainLock ChainLocker
	spinTable *spinTable // nil unless Options.Flags has Spinlocks
	logger    Logger

	lockedKeys map[string]struct{} // nil unless LockKeys is active

	travOffset uint32 // record lock held for an in-flight Firstkey/Nextkey walk, 0 if none

	closed bool

	lastErr ErrCode
	lastOp  string
}

// fail records err (if non-nil) as the handle's last error and returns it
// unchanged, the single choke point every exported operation routes its
// error return through.
func (db *DB) fail(err error) error {
	if err == nil {
		return nil
	}

	db.mu.Lock()

	var te *Error
	if asError(err, &te) {
		db.lastErr = te.Code
		db.lastOp = te.Op
	} else {
		db.lastErr = ErrCodeIO
		db.lastOp = "unknown"
	}

	db.mu.Unlock()

	return err
}

// Error returns the ErrCode of the last failing operation on this handle,
// or Success if none has failed yet. A successful operation does not reset
// it.
func (db *DB) Error() ErrCode {
	db.mu.Lock()
	defer db.mu.Unlock()

	return db.lastErr
}

// ErrorString describes the last error in human-readable form.
func (db *DB) ErrorString() string {
	db.mu.Lock()
	defer db.mu.Unlock()

	if db.lastErr == Success {
		return "SUCCESS"
	}

	return db.lastOp + ": " + db.lastErr.String()
}

// Open opens or creates a store according to opts.
func Open(opts Options) (*DB, error) {
	if opts.Flags.has(Internal) {
		return openInternal(opts)
	}

	return openFile(opts)
}

func openInternal(opts Options) (*DB, error) {
	db := &DB{
		opts:     opts,
		arena:    newInternalArena(),
		order:    wireOrder(false),
		hashSize: opts.hashSize(),
		logger:   opts.logger(),
	}

	db.lockMgr = newLockManager(-1, true)
	db.chainLock = db.lockMgr

	if err := db.initFreshHeader(); err != nil {
		return nil, db.fail(err)
	}

	return db, nil
}

// openFile is the on-disk path, following tdb_open_ex's bring-up sequence
// step by step.
func openFile(opts Options) (*DB, error) {
	f, err := os.OpenFile(opts.Path, opts.osFlags(), opts.mode())
	if err != nil {
		return nil, newErr(ErrCodeIO, "open", err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, newErr(ErrCodeIO, "open", err)
	}

	// Step 5 is done early, ahead of any fcntl call: POSIX byte-range locks
	// are owned by (process, inode), not by file descriptor, so a second
	// open of the same file from this process would have its very first
	// lock attempt silently steal or drop the first handle's locks before
	// this function ever got a chance to notice. Checking the registry
	// before taking any lock avoids ever reaching that fcntl call.
	preIdentity := statIdentity(info)
	preCheck := &DB{opts: opts, identity: preIdentity}

	if err := registerOpen(preIdentity, preCheck); err != nil {
		f.Close()
		return nil, err
	}

	// A read-only descriptor can take neither exclusive fcntl locks nor a
	// writable shared mapping, so read-only opens run without locking and
	// through positional I/O.
	readOnly := !opts.writable()
	noLock := opts.Flags.has(NoLock) || readOnly
	lockMgr := newLockManager(int(f.Fd()), noLock)

	// Step 1: global bring-up lock, held only for the duration of Open.
	if err := lockMgr.LockGlobal(true); err != nil {
		unregisterOpen(preIdentity, preCheck)
		f.Close()
		return nil, newErr(ErrCodeLock, "open", err)
	}
	defer lockMgr.UnlockGlobal()

	// Step 2: non-blocking probe of the active-instance lock; success means
	// we are the first opener.
	isFirst, err := lockMgr.TryLockActiveInstance(true)
	if err != nil {
		unregisterOpen(preIdentity, preCheck)
		f.Close()
		return nil, err
	}

	clear := isFirst && opts.Flags.has(ClearIfFirst) && opts.writable()

	if clear {
		if err := f.Truncate(0); err != nil {
			unregisterOpen(preIdentity, preCheck)
			f.Close()
			return nil, newErr(ErrCodeIO, "open", err)
		}

		info, err = f.Stat()
		if err != nil {
			unregisterOpen(preIdentity, preCheck)
			f.Close()
			return nil, newErr(ErrCodeIO, "open", err)
		}
	}

	// Step 3/4: read or initialize the header, detecting convert mode.
	hashSize := opts.hashSize()
	convert := false

	if info.Size() == 0 {
		if !opts.writable() {
			unregisterOpen(preIdentity, preCheck)
			f.Close()
			return nil, newErr(ErrCodeIO, "open", errShortHeader)
		}
	} else {
		buf := make([]byte, fileHeaderSize)
		if _, err := f.ReadAt(buf, 0); err != nil {
			unregisterOpen(preIdentity, preCheck)
			f.Close()
			return nil, newErr(ErrCodeIO, "open", err)
		}

		convert, err = detectConvertMode(buf)
		if err != nil {
			unregisterOpen(preIdentity, preCheck)
			f.Close()
			return nil, err
		}

		hdr := decodeFileHeader(buf, wireOrder(convert))
		hashSize = hdr.HashSize
	}

	// Step 5: (device, inode) double-open rejection already happened above,
	// against preIdentity, before the first fcntl call. identity is the same
	// pair (a clear/truncate never changes dev/ino), so the placeholder
	// registered under preCheck is now promoted to the real handle rather
	// than registered a second time, which would collide with itself.
	identity := statIdentity(info)

	db := &DB{
		opts:     opts,
		order:    wireOrder(convert),
		convert:  convert,
		hashSize: hashSize,
		identity: identity,
		lockMgr:  lockMgr,
		logger:   opts.logger(),
	}

	promoteOpen(identity, db)

	// Step 6/7: arena + mmap.
	arena, err := newFileArena(f, opts.Flags.has(NoMMap) || readOnly)
	if err != nil {
		unregisterOpen(identity, db)
		f.Close()
		return nil, err
	}

	db.arena = arena

	if info.Size() == 0 {
		if err := db.initFreshHeader(); err != nil {
			unregisterOpen(identity, db)
			arena.close()
			return nil, db.fail(err)
		}
	}

	if opts.Flags.has(Spinlocks) {
		db.spinTable = getOrCreateSpinTable(identity)
		db.chainLock = newSpinChainLocker(lockMgr, db.spinTable)
	} else {
		db.chainLock = lockMgr
	}

	// Step 8: downgrade the active-instance probe to a held-shared lock for
	// the handle's lifetime.
	if err := lockMgr.UnlockActiveInstance(); err != nil {
		unregisterOpen(identity, db)
		arena.close()
		return nil, db.fail(err)
	}

	if err := lockMgr.LockActiveInstance(false); err != nil {
		unregisterOpen(identity, db)
		arena.close()
		return nil, db.fail(err)
	}

	return db, nil
	// Step 9: the deferred UnlockGlobal fires on return.
}

// initFreshHeader writes a brand-new header plus an all-zero bucket array
// and grows the arena to accommodate them. No arena space is carved out
// yet: the first allocation's expandForAllocation will grow and
// page-align the file, matching tdb_new_database's own choice not to
// pre-stage a free record beyond the bucket array.
func (db *DB) initFreshHeader() error {
	size := uint64(fileHeaderSize) + uint64(bucketArraySize(db.hashSize))

	if err := db.arena.grow(size); err != nil {
		return err
	}

	buf := make([]byte, fileHeaderSize)
	encodeFileHeader(buf, fileHeader{HashSize: db.hashSize, Rwlocks: 0}, wireOrder(db.convert))

	return db.arena.writeAt(0, buf)
}

// Reopen re-establishes this handle after a fork: the inherited descriptor
// and mmap are torn down, the same path is reopened,
// and (device, inode) is verified to match the pre-fork identity before the
// handle is usable again in the child.
func (db *DB) Reopen() error {
	if db.opts.Flags.has(Internal) {
		return nil
	}

	if err := db.arena.close(); err != nil {
		return db.fail(err)
	}

	f, err := os.OpenFile(db.opts.Path, db.opts.osFlags(), db.opts.mode())
	if err != nil {
		return db.fail(newErr(ErrCodeIO, "reopen", err))
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return db.fail(newErr(ErrCodeIO, "reopen", err))
	}

	newIdentity := statIdentity(info)
	if newIdentity != db.identity {
		f.Close()
		return db.fail(newErr(ErrCodeCorrupt, "reopen", errShortHeader))
	}

	db.lockMgr = newLockManager(int(f.Fd()), db.opts.Flags.has(NoLock))
	db.travOffset = 0

	if db.opts.Flags.has(Spinlocks) {
		db.chainLock = newSpinChainLocker(db.lockMgr, db.spinTable)
	} else {
		db.chainLock = db.lockMgr
	}

	arena, err := newFileArena(f, db.opts.Flags.has(NoMMap))
	if err != nil {
		return db.fail(err)
	}

	db.arena = arena

	return db.fail(db.lockMgr.LockActiveInstance(false))
}

// Close releases every resource held by db: the mmap, the file descriptor,
// and this handle's entry in the process-wide open registry.
func (db *DB) Close() error {
	if db.closed {
		return nil
	}

	db.closed = true

	unregisterOpen(db.identity, db)

	if db.opts.Flags.has(Spinlocks) {
		releaseSpinTable(db.identity)
	}

	return db.fail(db.arena.close())
}

// LockAll acquires every chain lock in ascending index order, explicitly
// excluding the allocation lock, matching tdb_lockall's deadlock-free
// ordering.
func (db *DB) LockAll(write bool) error {
	for i := 0; i < int(db.hashSize); i++ {
		if err := db.chainLock.LockChain(i, write); err != nil {
			for j := i - 1; j >= 0; j-- {
				db.chainLock.UnlockChain(j)
			}

			return db.fail(err)
		}
	}

	return nil
}

// UnlockAll releases every chain lock acquired by LockAll, in descending
// order.
func (db *DB) UnlockAll() error {
	var firstErr error

	for i := int(db.hashSize) - 1; i >= 0; i-- {
		if err := db.chainLock.UnlockChain(i); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	if firstErr != nil {
		return db.fail(firstErr)
	}

	return nil
}

// ChainLock exposes the lock of the chain that owns key, for callers that
// want to group several of their own operations into one atomic sequence,
// the same as tdb_chainlock/tdb_chainunlock.
func (db *DB) ChainLock(key []byte, write bool) error {
	idx := chainIndex(defaultHash(key), db.hashSize)
	return db.fail(db.chainLock.LockChain(idx, write))
}

// ChainUnlock releases the lock acquired by ChainLock for the same key.
func (db *DB) ChainUnlock(key []byte) error {
	idx := chainIndex(defaultHash(key), db.hashSize)
	return db.fail(db.chainLock.UnlockChain(idx))
}

// HashSize returns the number of hash chains this store was created with.
func (db *DB) HashSize() uint32 { return db.hashSize }

// statIdentity extracts the (device, inode) pair an os.FileInfo carries in
// its platform-specific Sys() value.
func statIdentity(info os.FileInfo) fileIdentity {
	st, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return fileIdentity{}
	}

	return fileIdentity{dev: uint64(st.Dev), ino: st.Ino}
}
