// Package tdb implements a small embedded key/value database: a single-file,
// memory-mapped, hash-bucketed store supporting concurrent multi-process
// access through advisory byte-range file locks.
//
// # Basic usage
//
//	db, err := tdb.Open(tdb.Options{
//	    Path:     "/tmp/my.tdb",
//	    HashSize: 131,
//	})
//	if err != nil {
//	    // handle err; db.Error() / db.ErrorString() describe the last failure
//	}
//	defer db.Close()
//
//	err = db.Store([]byte("a"), []byte("1"), tdb.Insert)
//	val, ok, err := db.Fetch([]byte("a"))
//
// # Concurrency
//
// A *DB handle is not itself safe for concurrent use by multiple goroutines;
// callers that share one handle across goroutines must serialize their own
// access to it, the same way the file format serializes access across
// processes. Multiple independent handles (in this process or others) opened
// on the same file cooperate correctly through the lock layer.
//
// # Error handling
//
// Every operation returns a *Error (or wraps one) carrying one of the
// taxonomy codes in errors.go. The handle also records the last error on
// [DB.Error] / [DB.ErrorString]. EXISTS, NOEXIST, NOLOCK and the delete
// path's internal lock contention are expected outcomes, not bugs; CORRUPT
// means the handle should not be used further.
package tdb
