package tdb

import "bytes"

// chain.go implements Fetch/Store/Delete/Exists: the hash-chain engine
// threading LIVE records through the bucket array's chain heads.

// chainRecord is a decoded, located LIVE (or DEAD) record found while
// walking a chain.
type chainRecord struct {
	offset uint32
	hdr    recordHeader
	key    []byte
}

// readKey reads a record's key bytes, which sit immediately after its
// fixed header.
func (db *DB) readKey(offset uint32, keyLen uint32) ([]byte, error) {
	return db.arena.readAt(offset+recordHeaderSize, keyLen)
}

// readValue reads a record's data bytes, which follow its key.
func (db *DB) readValue(offset uint32, keyLen, dataLen uint32) ([]byte, error) {
	return db.arena.readAt(offset+recordHeaderSize+keyLen, dataLen)
}

// findInChain walks chain idx looking for key, skipping DEAD tombstones.
// Caller must already hold the chain lock.
func (db *DB) findInChain(idx int, fullHash uint32, key []byte) (*chainRecord, error) {
	offset, err := db.getBucketHead(idx)
	if err != nil {
		return nil, err
	}

	for offset != 0 {
		hdr, err := db.readRecordHeader(offset)
		if err != nil {
			return nil, err
		}

		switch hdr.Magic {
		case magicLive:
			if hdr.FullHash == fullHash {
				k, err := db.readKey(offset, hdr.KeyLen)
				if err != nil {
					return nil, err
				}

				if bytes.Equal(k, key) {
					return &chainRecord{offset: offset, hdr: hdr, key: k}, nil
				}
			}
		case magicDead:
			// Tombstone left by a Delete that raced a traversal; skip it,
			// traverse.go is responsible for physically reclaiming it.
		default:
			return nil, newErr(ErrCodeCorrupt, "find", errBadMagicWord)
		}

		offset = hdr.Next
	}

	return nil, nil
}

// Fetch returns the value stored under key, or found=false if absent.
func (db *DB) Fetch(key []byte) (value []byte, found bool, err error) {
	if err := db.checkKeyLocked(key); err != nil {
		return nil, false, db.fail(err)
	}

	fullHash := defaultHash(key)
	idx := chainIndex(fullHash, db.hashSize)

	if err := db.chainLock.LockChain(idx, false); err != nil {
		return nil, false, db.fail(err)
	}
	defer db.chainLock.UnlockChain(idx)

	rec, err := db.findInChain(idx, fullHash, key)
	if err != nil {
		return nil, false, db.fail(err)
	}

	if rec == nil {
		return nil, false, nil
	}

	val, err := db.readValue(rec.offset, rec.hdr.KeyLen, rec.hdr.DataLen)
	if err != nil {
		return nil, false, db.fail(err)
	}

	return val, true, nil
}

// Exists reports whether key is present, without reading its value.
func (db *DB) Exists(key []byte) (bool, error) {
	if err := db.checkKeyLocked(key); err != nil {
		return false, db.fail(err)
	}

	fullHash := defaultHash(key)
	idx := chainIndex(fullHash, db.hashSize)

	if err := db.chainLock.LockChain(idx, false); err != nil {
		return false, db.fail(err)
	}
	defer db.chainLock.UnlockChain(idx)

	rec, err := db.findInChain(idx, fullHash, key)
	if err != nil {
		return false, db.fail(err)
	}

	return rec != nil, nil
}

// Store writes key/value according to mode (Insert/Modify/Replace). An
// existing record whose allocated rec_len already fits the new key+data is
// updated in place; otherwise the old record is unlinked and freed and a
// new one allocated and linked in its place.
func (db *DB) Store(key, value []byte, mode StoreMode) error {
	if err := db.checkKeyLocked(key); err != nil {
		return db.fail(err)
	}

	fullHash := defaultHash(key)
	idx := chainIndex(fullHash, db.hashSize)

	if err := db.chainLock.LockChain(idx, true); err != nil {
		return db.fail(err)
	}
	defer db.chainLock.UnlockChain(idx)

	existing, err := db.findInChain(idx, fullHash, key)
	if err != nil {
		return db.fail(err)
	}

	if existing != nil {
		if mode == Insert {
			return db.fail(newErr(ErrCodeExists, "store", nil))
		}

		return db.updateExisting(idx, existing, key, value, fullHash)
	}

	if mode == Modify {
		return db.fail(newErr(ErrCodeNoExist, "store", nil))
	}

	return db.insertNew(idx, key, value, fullHash)
}

// updateExisting overwrites rec in place when it already has room, else
// relocates it: free the old slot, allocate a new one, and splice the new
// offset into rec's position in the chain.
func (db *DB) updateExisting(idx int, rec *chainRecord, key, value []byte, fullHash uint32) error {
	needed := alignUp4(uint32(len(key))+uint32(len(value))) + tailerSize

	if rec.hdr.RecLen >= needed {
		buf := make([]byte, 0, len(key)+len(value))
		buf = append(buf, key...)
		buf = append(buf, value...)

		if err := db.arena.writeAt(rec.offset+recordHeaderSize, buf); err != nil {
			return db.fail(err)
		}

		rec.hdr.DataLen = uint32(len(value))

		if err := db.writeRecordHeader(rec.offset, rec.hdr); err != nil {
			return db.fail(err)
		}

		return nil
	}

	newOffset, err := db.allocate(uint32(len(key)), uint32(len(value)))
	if err != nil {
		return db.fail(err)
	}

	if err := db.writeRecordPayload(newOffset, key, value, fullHash); err != nil {
		return db.fail(err)
	}

	newHdr, err := db.readRecordHeader(newOffset)
	if err != nil {
		return db.fail(err)
	}

	newHdr.Next = rec.hdr.Next

	if err := db.writeRecordHeader(newOffset, newHdr); err != nil {
		return db.fail(err)
	}

	if err := db.spliceChain(idx, rec.offset, newOffset); err != nil {
		return db.fail(err)
	}

	oldHdr, err := db.readRecordHeader(rec.offset)
	if err != nil {
		return db.fail(err)
	}

	return db.fail(db.free(rec.offset, oldHdr.RecLen))
}

// insertNew allocates a fresh record, writes key/value into it, and links
// it at the head of chain idx.
func (db *DB) insertNew(idx int, key, value []byte, fullHash uint32) error {
	offset, err := db.allocate(uint32(len(key)), uint32(len(value)))
	if err != nil {
		return db.fail(err)
	}

	if err := db.writeRecordPayload(offset, key, value, fullHash); err != nil {
		return db.fail(err)
	}

	head, err := db.getBucketHead(idx)
	if err != nil {
		return db.fail(err)
	}

	hdr, err := db.readRecordHeader(offset)
	if err != nil {
		return db.fail(err)
	}

	hdr.Next = head

	if err := db.writeRecordHeader(offset, hdr); err != nil {
		return db.fail(err)
	}

	return db.fail(db.setBucketHead(idx, offset))
}

// writeRecordPayload finishes a record allocate returned by db.allocate:
// fills in key_len/data_len/full_hash/magic and the key+data bytes. next is
// left untouched (the caller links it into a chain separately).
func (db *DB) writeRecordPayload(offset uint32, key, value []byte, fullHash uint32) error {
	hdr, err := db.readRecordHeader(offset)
	if err != nil {
		return err
	}

	hdr.KeyLen = uint32(len(key))
	hdr.DataLen = uint32(len(value))
	hdr.FullHash = fullHash
	hdr.Magic = magicLive

	if err := db.writeRecordHeader(offset, hdr); err != nil {
		return err
	}

	buf := make([]byte, 0, len(key)+len(value))
	buf = append(buf, key...)
	buf = append(buf, value...)

	return db.arena.writeAt(offset+recordHeaderSize, buf)
}

// spliceChain replaces oldOffset with newOffset wherever it appears as a
// chain link: either the chain head, or another record's next pointer.
func (db *DB) spliceChain(idx int, oldOffset, newOffset uint32) error {
	head, err := db.getBucketHead(idx)
	if err != nil {
		return err
	}

	if head == oldOffset {
		return db.setBucketHead(idx, newOffset)
	}

	cur := head
	for cur != 0 {
		hdr, err := db.readRecordHeader(cur)
		if err != nil {
			return err
		}

		if hdr.Next == oldOffset {
			hdr.Next = newOffset
			return db.writeRecordHeader(cur, hdr)
		}

		cur = hdr.Next
	}

	return newErr(ErrCodeCorrupt, "store", errBadMagicWord)
}

// unlinkFromChain removes offset from chain idx's linked list, leaving the
// record's own header untouched (caller decides LIVE->DEAD or frees it).
func (db *DB) unlinkFromChain(idx int, offset uint32, next uint32) error {
	head, err := db.getBucketHead(idx)
	if err != nil {
		return err
	}

	if head == offset {
		return db.setBucketHead(idx, next)
	}

	cur := head
	for cur != 0 {
		hdr, err := db.readRecordHeader(cur)
		if err != nil {
			return err
		}

		if hdr.Next == offset {
			hdr.Next = next
			return db.writeRecordHeader(cur, hdr)
		}

		cur = hdr.Next
	}

	return newErr(ErrCodeCorrupt, "delete", errBadMagicWord)
}

// Delete removes key. If a traversal currently holds the record's own
// byte-range lock, the record is left in the chain but flipped to DEAD
// instead of being physically unlinked and freed, so the traversal can
// finish walking past it safely; traverse.go reclaims DEAD records it
// passes over.
func (db *DB) Delete(key []byte) error {
	if err := db.checkKeyLocked(key); err != nil {
		return db.fail(err)
	}

	fullHash := defaultHash(key)
	idx := chainIndex(fullHash, db.hashSize)

	if err := db.chainLock.LockChain(idx, true); err != nil {
		return db.fail(err)
	}
	defer db.chainLock.UnlockChain(idx)

	rec, err := db.findInChain(idx, fullHash, key)
	if err != nil {
		return db.fail(err)
	}

	if rec == nil {
		return db.fail(newErr(ErrCodeNoExist, "delete", nil))
	}

	held, err := db.lockMgr.TryLockRecord(rec.offset, true)
	if err != nil {
		return db.fail(err)
	}

	if !held {
		db.logger.Debugf("delete: record at offset %d busy under traversal, leaving tombstone", rec.offset)
		rec.hdr.Magic = magicDead
		return db.fail(db.writeRecordHeader(rec.offset, rec.hdr))
	}
	defer db.lockMgr.UnlockRecord(rec.offset)

	if err := db.unlinkFromChain(idx, rec.offset, rec.hdr.Next); err != nil {
		return db.fail(err)
	}

	return db.fail(db.free(rec.offset, rec.hdr.RecLen))
}
