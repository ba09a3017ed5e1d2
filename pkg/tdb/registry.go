package tdb

import "sync"

// fileIdentity identifies a file by device and inode, stable across renames
// and independent of path string, used to reject a second Open of the same
// file from within one process.
type fileIdentity struct {
	dev uint64
	ino uint64
}

// globalRegistry tracks every fileIdentity with a live *DB in this process.
var globalRegistry sync.Map // fileIdentity -> *DB

// registerOpen records id as open, returning ErrCodeBusy if it is already
// registered to a different handle.
func registerOpen(id fileIdentity, db *DB) error {
	actual, loaded := globalRegistry.LoadOrStore(id, db)
	if loaded && actual.(*DB) != db {
		return newErr(ErrCodeBusy, "open", errAlreadyOpen)
	}

	return nil
}

// unregisterOpen removes id from the registry, if it is still owned by db.
func unregisterOpen(id fileIdentity, db *DB) {
	actual, ok := globalRegistry.Load(id)
	if ok && actual.(*DB) == db {
		globalRegistry.Delete(id)
	}
}

// promoteOpen replaces the registry's placeholder entry for id (used to
// reserve the identity before any fcntl call is made, see openFile) with
// the fully constructed handle. Never fails: by construction nothing else
// can have touched id between the placeholder's registerOpen and this call,
// since registerOpen itself is what would have rejected a genuine second
// opener.
func promoteOpen(id fileIdentity, db *DB) {
	globalRegistry.Store(id, db)
}
