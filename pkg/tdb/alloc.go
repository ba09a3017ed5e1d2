package tdb

// Allocator: first-fit free-list search with split-on-allocate and
// two-directional coalesce-on-free, growth rounded to a page boundary with
// a minimum-records floor. Algorithm ported from tdb.c's
// tdb_allocate/tdb_free/tdb_expand.

// getBucketHead reads the 32-bit head word for bucket idx (lockAllocIndex
// for the free list, 0..hashSize-1 for a hash chain).
func (db *DB) getBucketHead(idx int) (uint32, error) {
	raw, err := db.arena.readAt(bucketOffset(idx), 4)
	if err != nil {
		return 0, err
	}

	return db.order.Uint32(raw), nil
}

func (db *DB) setBucketHead(idx int, val uint32) error {
	buf := make([]byte, 4)
	db.order.PutUint32(buf, val)

	return db.arena.writeAt(bucketOffset(idx), buf)
}

func (db *DB) readRecordHeader(offset uint32) (recordHeader, error) {
	raw, err := db.arena.readAt(offset, recordHeaderSize)
	if err != nil {
		return recordHeader{}, err
	}

	return decodeRecordHeader(raw, db.order), nil
}

func (db *DB) writeRecordHeader(offset uint32, h recordHeader) error {
	buf := make([]byte, recordHeaderSize)
	encodeRecordHeader(buf, h, db.order)

	return db.arena.writeAt(offset, buf)
}

func (db *DB) readTailer(offset, recLen uint32) (uint32, error) {
	raw, err := db.arena.readAt(tailerOffset(offset, recLen), tailerSize)
	if err != nil {
		return 0, err
	}

	return db.order.Uint32(raw), nil
}

func (db *DB) writeTailer(offset, recLen uint32) error {
	buf := make([]byte, tailerSize)
	db.order.PutUint32(buf, recordTotalSize(recLen))

	return db.arena.writeAt(tailerOffset(offset, recLen), buf)
}

// allocate finds or creates a free record able to hold keyLen+dataLen bytes
// of payload, removes it from the free list (splitting off any leftover
// large enough to stay a free record of its own), and returns its offset
// with a LIVE header already written but next left at 0 for the caller to
// thread into its chain.
func (db *DB) allocate(keyLen, dataLen uint32) (uint32, error) {
	if err := db.chainLock.LockChain(lockAllocIndex, true); err != nil {
		return 0, err
	}
	defer db.chainLock.UnlockChain(lockAllocIndex)

	// need is a full rec_len: the aligned key+data payload plus the
	// trailing tailer word that lives inside the record's own rec_len
	// (see tailerOffset).
	need := alignUp4(keyLen+dataLen) + tailerSize
	if need < minFreeRecLen {
		need = minFreeRecLen
	}

	offset, err := db.findFreeRecord(need)
	if err != nil {
		return 0, err
	}

	if offset == 0 {
		offset, err = db.expandForAllocation(need)
		if err != nil {
			return 0, err
		}
	}

	return offset, nil
}

// findFreeRecord walks the free list for the first record whose rec_len can
// satisfy need, unlinking it (and re-linking any split remainder) before
// returning its offset. Returns offset 0, nil if nothing fits.
func (db *DB) findFreeRecord(need uint32) (uint32, error) {
	prevOffset := uint32(0) // 0 means "the list head", not a record
	cur, err := db.getBucketHead(lockAllocIndex)
	if err != nil {
		return 0, err
	}

	for cur != 0 {
		hdr, err := db.readRecordHeader(cur)
		if err != nil {
			return 0, err
		}

		if hdr.Magic != magicFree {
			return 0, newErr(ErrCodeCorrupt, "allocate", errBadMagicWord)
		}

		if hdr.RecLen >= need {
			if err := db.unlinkFree(prevOffset, cur, hdr.Next); err != nil {
				return 0, err
			}

			return db.splitFree(cur, hdr.RecLen, need)
		}

		prevOffset = cur
		cur = hdr.Next
	}

	return 0, nil
}

func (db *DB) unlinkFree(prevOffset, cur, next uint32) error {
	if prevOffset == 0 {
		return db.setBucketHead(lockAllocIndex, next)
	}

	prevHdr, err := db.readRecordHeader(prevOffset)
	if err != nil {
		return err
	}

	prevHdr.Next = next

	return db.writeRecordHeader(prevOffset, prevHdr)
}

// splitFree carves a need-sized LIVE record out of a free record of total
// payload recLen at offset, pushing any remainder large enough to stand on
// its own back onto the free list.
func (db *DB) splitFree(offset, recLen, need uint32) (uint32, error) {
	remainder := recLen - need

	if remainder < minFreeRecLen+recordHeaderSize {
		// Too small to be its own free record; the whole block goes to the
		// caller as-is, including the slack.
		return offset, db.writeRecordHeader(offset, recordHeader{
			Next:   0,
			RecLen: recLen,
			Magic:  magicLive,
		})
	}

	if err := db.writeRecordHeader(offset, recordHeader{
		Next:   0,
		RecLen: need,
		Magic:  magicLive,
	}); err != nil {
		return 0, err
	}

	if err := db.writeTailer(offset, need); err != nil {
		return 0, err
	}

	remOffset := offset + recordTotalSize(need)
	remRecLen := remainder - recordHeaderSize

	if err := db.insertFree(remOffset, remRecLen); err != nil {
		return 0, err
	}

	return offset, nil
}

// insertFree writes a FREE header+tailer at offset covering recLen bytes of
// payload and pushes it onto the head of the free list.
func (db *DB) insertFree(offset, recLen uint32) error {
	head, err := db.getBucketHead(lockAllocIndex)
	if err != nil {
		return err
	}

	if err := db.writeRecordHeader(offset, recordHeader{
		Next:   head,
		RecLen: recLen,
		Magic:  magicFree,
	}); err != nil {
		return err
	}

	if err := db.writeTailer(offset, recLen); err != nil {
		return err
	}

	return db.setBucketHead(lockAllocIndex, offset)
}

// free reclaims the record at offset (already removed from its hash chain
// by the caller), coalescing with an immediately adjacent free record on
// either side before linking the (possibly merged) result into the free
// list, matching tdb_free's right-then-left coalesce order.
func (db *DB) free(offset uint32, recLen uint32) error {
	if err := db.chainLock.LockChain(lockAllocIndex, true); err != nil {
		return err
	}
	defer db.chainLock.UnlockChain(lockAllocIndex)

	start := offset
	total := recordTotalSize(recLen)

	rightOff := offset + recordTotalSize(recLen)
	if rightOff < uint32(db.arena.size) {
		rightHdr, err := db.readRecordHeader(rightOff)
		if err == nil && rightHdr.Magic == magicFree {
			if err := db.removeFreeFromList(rightOff); err != nil {
				return err
			}

			total += recordTotalSize(rightHdr.RecLen)
		}
	}

	left, leftRecLen, ok, err := db.findLeftNeighborFree(start)
	if err != nil {
		return err
	}

	if ok {
		if err := db.removeFreeFromList(left); err != nil {
			return err
		}

		start = left
		total += recordTotalSize(leftRecLen)
	}

	payload := total - recordHeaderSize

	return db.insertFree(start, payload)
}

// arenaStart returns the file offset where the arena (records and free
// space) begins, immediately after the header and bucket array.
func (db *DB) arenaStart() uint32 {
	return fileHeaderSize + bucketArraySize(db.hashSize)
}

// findLeftNeighborFree performs the O(1) tailer-based left-neighbour
// lookup: the 4-byte word immediately preceding start is always some
// record's tailer, equal to that record's header_size + rec_len, which is
// exactly the distance to step back to reach its offset.
func (db *DB) findLeftNeighborFree(start uint32) (offset, recLen uint32, ok bool, err error) {
	if start <= db.arenaStart()+tailerSize {
		return 0, 0, false, nil
	}

	raw, err := db.arena.readAt(start-tailerSize, tailerSize)
	if err != nil {
		return 0, 0, false, err
	}

	total := db.order.Uint32(raw)
	if total < recordHeaderSize+tailerSize || total > start-db.arenaStart() {
		return 0, 0, false, newErr(ErrCodeCorrupt, "free", errBadTailer)
	}

	left := start - total

	hdr, err := db.readRecordHeader(left)
	if err != nil {
		return 0, 0, false, err
	}

	if hdr.Magic != magicFree {
		return 0, 0, false, nil
	}

	return left, hdr.RecLen, true, nil
}

func (db *DB) removeFreeFromList(target uint32) error {
	prevOffset := uint32(0)
	cur, err := db.getBucketHead(lockAllocIndex)
	if err != nil {
		return err
	}

	for cur != 0 {
		hdr, err := db.readRecordHeader(cur)
		if err != nil {
			return err
		}

		if cur == target {
			return db.unlinkFree(prevOffset, cur, hdr.Next)
		}

		prevOffset = cur
		cur = hdr.Next
	}

	return newErr(ErrCodeCorrupt, "free", errBadMagicWord)
}

// expandForAllocation grows the file by at least need bytes of usable
// payload (plus header/tailer), applying the page-alignment and
// minGrowthRecords floors, then returns the offset of a fresh LIVE record
// of exactly need bytes, pushing any leftover space onto the free list.
func (db *DB) expandForAllocation(need uint32) (uint32, error) {
	avgRecord := recordTotalSize(need) // need already includes the tailer
	floor := uint64(avgRecord) * minGrowthRecords

	wanted := uint64(recordTotalSize(need))
	if wanted < floor {
		wanted = floor
	}

	oldSize := db.arena.size
	newSize := alignPage(oldSize+wanted, db.opts.pageSize())

	db.logger.Debugf("allocate: growing file from %d to %d bytes", oldSize, newSize)

	if err := db.arena.grow(newSize); err != nil {
		return 0, err
	}

	grown := newSize - oldSize
	offset := uint32(oldSize)

	if err := db.writeRecordHeader(offset, recordHeader{
		Next:   0,
		RecLen: need,
		Magic:  magicLive,
	}); err != nil {
		return 0, err
	}

	if err := db.writeTailer(offset, need); err != nil {
		return 0, err
	}

	remainder := grown - uint64(recordTotalSize(need))
	if remainder >= uint64(minFreeRecLen+recordHeaderSize) {
		remOffset := offset + recordTotalSize(need)
		if err := db.insertFree(remOffset, uint32(remainder)-recordHeaderSize); err != nil {
			return 0, err
		}
	}

	return offset, nil
}
