package tdb

import "bytes"

// traverse.go implements Firstkey/Nextkey/Traverse: per-traversal
// {chain_index, current_offset} cursors that walk every chain in order,
// reclaiming DEAD tombstones as they pass over them, and re-verifying a
// remembered key before trusting its offset, the same defense tdb.c's
// tdb_nextkey applies.

// Cursor is returned by Firstkey and threaded through Nextkey. The zero
// Cursor is not valid; only one returned from Firstkey/Nextkey is.
type Cursor struct {
	chain  int
	offset uint32
	key    []byte // last key returned, used to re-verify before advancing
	done   bool
}

// Done reports whether the cursor has walked off the end of the store.
func (c Cursor) Done() bool { return c.done }

// Firstkey returns a cursor positioned at the first record found scanning
// chains in order, and that record's key, or a done cursor if the store is
// empty.
func (db *DB) Firstkey() (Cursor, []byte, error) {
	if err := db.checkTraverseAllowed(); err != nil {
		return Cursor{done: true}, nil, db.fail(err)
	}

	db.releaseTraversalLock()

	return db.scanFrom(0, 0)
}

// Nextkey advances cur past its current record and returns the next one.
// If the record at cur's remembered offset no longer holds cur's key -
// deleted, tombstoned and reclaimed, or its slot reused by an unrelated
// allocation - it re-finds the key from cur.chain's head and resumes from
// there, ending the traversal only once the key can no longer be found at
// all, the same defense tdb_nextkey applies before giving up.
func (db *DB) Nextkey(cur Cursor) (Cursor, []byte, error) {
	if err := db.checkTraverseAllowed(); err != nil {
		return Cursor{done: true}, nil, db.fail(err)
	}

	if cur.done {
		return cur, nil, nil
	}

	if err := db.chainLock.LockChain(cur.chain, false); err != nil {
		return Cursor{done: true}, nil, db.fail(err)
	}

	chain, offset, end, err := db.advancePast(cur)
	db.chainLock.UnlockChain(cur.chain)

	if err != nil {
		return Cursor{done: true}, nil, db.fail(err)
	}

	if end {
		return Cursor{done: true}, nil, nil
	}

	// A zero successor means cur's record was the last in its chain; resume
	// at the head of the following chain instead of rescanning this one.
	if offset == 0 {
		chain++
	}

	return db.scanFrom(chain, offset)
}

// advancePast releases the record lock left held for cur and determines
// where scanning should resume: right after cur's record if it's still
// there under cur's key, or after re-finding cur.key from cur.chain's head
// if it moved or disappeared. end is true only once cur.key can no longer
// be found anywhere in cur.chain. Caller must already hold cur.chain's
// lock.
func (db *DB) advancePast(cur Cursor) (chain int, offset uint32, end bool, err error) {
	hdr, err := db.readRecordHeader(cur.offset)

	var (
		key   []byte
		match bool
	)

	if err == nil && hdr.Magic == magicLive {
		key, err = db.readKey(cur.offset, hdr.KeyLen)
		match = err == nil && bytes.Equal(key, cur.key)
	}

	db.releaseTraversalLock()

	if err != nil {
		return 0, 0, false, err
	}

	if match {
		return cur.chain, hdr.Next, false, nil
	}

	rec, err := db.findInChain(cur.chain, defaultHash(cur.key), cur.key)
	if err != nil {
		return 0, 0, false, err
	}

	if rec == nil {
		return 0, 0, true, nil
	}

	return cur.chain, rec.hdr.Next, false, nil
}

// releaseTraversalLock drops the record lock left held by the previous
// Firstkey/Nextkey call, if any. Safe to call when nothing is held.
func (db *DB) releaseTraversalLock() {
	if db.travOffset != 0 {
		db.lockMgr.UnlockRecord(db.travOffset)
		db.travOffset = 0
	}
}

// scanFrom looks for the next LIVE record starting at (fromChain,
// fromOffset), reclaiming any DEAD tombstone it walks past, and continuing
// into subsequent chains when a chain is exhausted. When it returns a
// record, that record's lock stays held in db.travOffset until the next
// Firstkey/Nextkey call (or Traverse's early exit) releases it.
func (db *DB) scanFrom(fromChain int, fromOffset uint32) (Cursor, []byte, error) {
	for chainIdx := fromChain; chainIdx < int(db.hashSize); chainIdx++ {
		rec, done, err := db.scanChain(chainIdx, fromOffset)
		if err != nil {
			return Cursor{done: true}, nil, db.fail(err)
		}

		if rec != nil {
			db.travOffset = rec.offset

			return Cursor{chain: chainIdx, offset: rec.offset, key: rec.key}, rec.key, nil
		}

		if done {
			fromOffset = 0
			continue
		}
	}

	return Cursor{done: true}, nil, nil
}

// scanChain walks chain idx starting at offset (0 meaning "from the head"),
// returning the first LIVE record found, reclaiming DEAD records along the
// way. The record's lock is acquired before it's returned and is left
// held - the caller releases it only once it advances past the record -
// so a concurrent cross-process Delete hitting it mid-callback takes the
// non-blocking tombstone path instead of physically freeing it out from
// under the traversal.
func (db *DB) scanChain(idx int, fromOffset uint32) (*chainRecord, bool, error) {
	// Exclusive: reclaiming a DEAD tombstone mutates the chain's links, the
	// same as Store/Delete, so it needs the same lock mode they use.
	if err := db.chainLock.LockChain(idx, true); err != nil {
		return nil, false, err
	}
	defer db.chainLock.UnlockChain(idx)

	var (
		offset uint32
		err    error
	)

	if fromOffset == 0 {
		offset, err = db.getBucketHead(idx)
		if err != nil {
			return nil, false, err
		}
	} else {
		offset = fromOffset
	}

	for offset != 0 {
		if err := db.lockMgr.LockRecord(offset, false); err != nil {
			return nil, false, err
		}

		hdr, err := db.readRecordHeader(offset)
		if err != nil {
			db.lockMgr.UnlockRecord(offset)
			return nil, false, err
		}

		switch hdr.Magic {
		case magicLive:
			k, err := db.readKey(offset, hdr.KeyLen)
			if err != nil {
				db.lockMgr.UnlockRecord(offset)
				return nil, false, err
			}

			return &chainRecord{offset: offset, hdr: hdr, key: k}, false, nil
		case magicDead:
			next := hdr.Next
			db.lockMgr.UnlockRecord(offset)

			if err := db.reclaimDead(idx, offset, hdr); err != nil {
				return nil, false, err
			}

			offset = next
		default:
			db.lockMgr.UnlockRecord(offset)
			return nil, false, newErr(ErrCodeCorrupt, "traverse", errBadMagicWord)
		}
	}

	return nil, true, nil
}

// reclaimDead physically unlinks and frees a DEAD record found mid-scan.
// Safe because this goroutine holds idx's chain lock exclusively-enough
// (readers still take it shared, but Delete/Store take it exclusive, so no
// other mutator can be mid-splice right now).
func (db *DB) reclaimDead(idx int, offset uint32, hdr recordHeader) error {
	db.logger.Debugf("traverse: reclaiming dead record at offset %d in chain %d", offset, idx)

	if err := db.unlinkFromChain(idx, offset, hdr.Next); err != nil {
		return err
	}

	return db.free(offset, hdr.RecLen)
}

// Traverse calls fn for every live key/value pair in the store, in chain
// order, stopping early (and releasing whatever record lock the walk is
// holding) if fn returns false.
func (db *DB) Traverse(fn func(key, value []byte) bool) error {
	cur, key, err := db.Firstkey()
	if err != nil {
		return err
	}

	for !cur.done {
		val, found, err := db.Fetch(key)
		if err != nil {
			db.releaseTraversalLock()
			return err
		}

		if found && !fn(key, val) {
			db.releaseTraversalLock()
			return nil
		}

		cur, key, err = db.Nextkey(cur)
		if err != nil {
			return err
		}
	}

	return nil
}
