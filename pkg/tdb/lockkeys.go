package tdb

// lockkeys mode, from tdb.c's tdb_lockkeys_* family. When active, a handle
// may only operate on keys it has explicitly locked with LockKeys, and may
// not Traverse at all; anything else returns ErrCodeNoLock. Off by
// default: a handle with no locked-keys set behaves exactly as if the mode
// did not exist.

// LockKeys restricts this handle to operating only on the given keys until
// UnlockKeys is called. Calling it again replaces the previous set.
func (db *DB) LockKeys(keys [][]byte) error {
	set := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		set[string(k)] = struct{}{}
	}

	db.lockedKeys = set

	return nil
}

// UnlockKeys clears lockkeys mode, returning the handle to unrestricted
// operation.
func (db *DB) UnlockKeys() error {
	db.lockedKeys = nil
	return nil
}

// lockKeysActive reports whether this handle currently has a restricted
// key set in effect.
func (db *DB) lockKeysActive() bool {
	return db.lockedKeys != nil
}

// checkKeyLocked enforces lockkeys mode on a single-key operation.
func (db *DB) checkKeyLocked(key []byte) error {
	if !db.lockKeysActive() {
		return nil
	}

	if _, ok := db.lockedKeys[string(key)]; !ok {
		return newErr(ErrCodeNoLock, "checkKeyLocked", nil)
	}

	return nil
}

// checkTraverseAllowed enforces lockkeys mode against whole-store
// traversal, which makes no sense once a handle is restricted to a
// specific key subset.
func (db *DB) checkTraverseAllowed() error {
	if db.lockKeysActive() {
		return newErr(ErrCodeNoLock, "traverse", nil)
	}

	return nil
}
