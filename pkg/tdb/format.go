package tdb

import "encoding/binary"

// File-format constants for the persisted on-disk layout.
const (
	magicString = "TDB file\n" // 9 bytes, never byte-swapped
	magicPad    = 3            // padding bytes to align version at offset 12

	// versionConst is the compile-time version word written into fresh
	// files. If the on-disk word equals byteSwap32(versionConst) instead,
	// the handle enters convert mode (see detectConvertMode).
	versionConst uint32 = 0x26011967

	// fileHeaderSize is the size, in bytes, of the fixed prefix before the
	// bucket array: magic(9) + pad(3) + version(4) + hash_size(4) + rwlocks(4).
	fileHeaderSize = 24

	offMagic    = 0
	offVersion  = 12
	offHashSize = 16
	offRwlocks  = 20
	offBuckets  = fileHeaderSize // free-list head is bucket index 0

	// recordHeaderSize is the size, in bytes, of a record's fixed fields:
	// next(4) + rec_len(4) + key_len(4) + data_len(4) + full_hash(4) + magic(4).
	recordHeaderSize = 24
	tailerSize       = 4

	recOffNext     = 0
	recOffRecLen   = 4
	recOffKeyLen   = 8
	recOffDataLen  = 12
	recOffFullHash = 16
	recOffMagic    = 20

	// minFreeRecLen is the smallest rec_len a FREE record may carry: twice
	// the header size plus alignment.
	minFreeRecLen = 2*recordHeaderSize + recordAlign

	// recordAlign is the alignment boundary rec_len is rounded up to.
	recordAlign = 4

	// defaultPageSize is the growth rounding unit.
	defaultPageSize = 8192

	// minGrowthRecords is the minimum number of average-sized records worth
	// of headroom every growth step must provide, matching tdb.c's
	// tdb_expand floor.
	minGrowthRecords = 10
)

// Record magic values.
const (
	magicLive uint32 = 0x26011999
	magicFree uint32 = ^magicLive
	magicDead uint32 = 0xFEE1DEAD
)

// byteSwap32 reverses the byte order of a 32-bit word. Used once, at open
// time, to recognize a byte-reversed version constant.
func byteSwap32(v uint32) uint32 {
	return (v&0x000000FF)<<24 | (v&0x0000FF00)<<8 | (v&0x00FF0000)>>8 | (v&0xFF000000)>>24
}

// wireOrder returns the byte order used for every 32-bit field crossing the
// disk boundary, selected by the handle's convert-mode flag. The magic
// string and all key/value payload bytes never go through this; only header
// and record integer fields do.
func wireOrder(convert bool) binary.ByteOrder {
	if convert {
		return binary.BigEndian
	}

	return binary.LittleEndian
}

// fileHeader is the decoded form of the fixed file prefix.
type fileHeader struct {
	HashSize uint32
	Rwlocks  uint32 // 0, or the file offset of the spinlock array
}

// encodeFileHeader writes magic, version, hash_size and rwlocks into buf,
// which must be at least fileHeaderSize bytes. version is always written as
// versionConst under order (so a convert-mode writer naturally produces the
// byte-reversed constant another convert-mode reader will recognize).
func encodeFileHeader(buf []byte, h fileHeader, order binary.ByteOrder) {
	copy(buf[offMagic:], magicString)
	// bytes offMagic+len(magicString) .. offVersion are alignment padding;
	// left as zero.
	order.PutUint32(buf[offVersion:], versionConst)
	order.PutUint32(buf[offHashSize:], h.HashSize)
	order.PutUint32(buf[offRwlocks:], h.Rwlocks)
}

// decodeFileHeader reads hash_size and rwlocks using order. Callers must
// validate the magic and version themselves (detectConvertMode does this).
func decodeFileHeader(buf []byte, order binary.ByteOrder) fileHeader {
	return fileHeader{
		HashSize: order.Uint32(buf[offHashSize:]),
		Rwlocks:  order.Uint32(buf[offRwlocks:]),
	}
}

// detectConvertMode inspects the raw version word (read without any byte
// swapping applied) and reports whether convert mode must be enabled, or an
// error if the file is not a tdb file at all.
func detectConvertMode(buf []byte) (convert bool, err error) {
	if len(buf) < fileHeaderSize {
		return false, newErr(ErrCodeCorrupt, "open", errShortHeader)
	}

	if string(buf[offMagic:offMagic+len(magicString)]) != magicString {
		return false, newErr(ErrCodeCorrupt, "open", errBadMagic)
	}

	native := binary.LittleEndian.Uint32(buf[offVersion:])
	if native == versionConst {
		return false, nil
	}

	if native == byteSwap32(versionConst) {
		return true, nil
	}

	return false, newErr(ErrCodeCorrupt, "open", errBadVersion)
}

// bucketOffset returns the byte offset, within the bucket array, of the
// 32-bit head word for the given chain index. idx == -1 denotes the
// free-list head (bucket index 0); idx in [0, hashSize) denotes chain i's
// head (bucket index i+1). This is also used, unmodified, to compute the
// per-chain lock offset: the lock for chain i sits at fileHeaderSize +
// 4*(i+1), identical to its bucket-head offset.
func bucketOffset(idx int) uint32 {
	return offBuckets + uint32(4*(idx+1))
}

// bucketArraySize returns the number of bytes occupied by the bucket array
// (hashSize+1 32-bit words: the free-list head plus hashSize chain heads).
func bucketArraySize(hashSize uint32) uint32 {
	return 4 * (hashSize + 1)
}

// recordHeader is the decoded form of a record's fixed fields.
type recordHeader struct {
	Next     uint32
	RecLen   uint32
	KeyLen   uint32
	DataLen  uint32
	FullHash uint32
	Magic    uint32
}

// encodeRecordHeader writes h into buf, which must be at least
// recordHeaderSize bytes.
func encodeRecordHeader(buf []byte, h recordHeader, order binary.ByteOrder) {
	order.PutUint32(buf[recOffNext:], h.Next)
	order.PutUint32(buf[recOffRecLen:], h.RecLen)
	order.PutUint32(buf[recOffKeyLen:], h.KeyLen)
	order.PutUint32(buf[recOffDataLen:], h.DataLen)
	order.PutUint32(buf[recOffFullHash:], h.FullHash)
	order.PutUint32(buf[recOffMagic:], h.Magic)
}

// decodeRecordHeader reads a recordHeader from buf.
func decodeRecordHeader(buf []byte, order binary.ByteOrder) recordHeader {
	return recordHeader{
		Next:     order.Uint32(buf[recOffNext:]),
		RecLen:   order.Uint32(buf[recOffRecLen:]),
		KeyLen:   order.Uint32(buf[recOffKeyLen:]),
		DataLen:  order.Uint32(buf[recOffDataLen:]),
		FullHash: order.Uint32(buf[recOffFullHash:]),
		Magic:    order.Uint32(buf[recOffMagic:]),
	}
}

// recordTotalSize returns the total on-disk size (header + rec_len) of a
// record whose header declares the given rec_len.
func recordTotalSize(recLen uint32) uint32 {
	return recordHeaderSize + recLen
}

// tailerOffset returns the file offset of the 4-byte tailer word for a
// record starting at recOffset with the given rec_len.
func tailerOffset(recOffset, recLen uint32) uint32 {
	return recOffset + recordHeaderSize + recLen - tailerSize
}

// alignUp4 rounds n up to the next multiple of recordAlign.
func alignUp4(n uint32) uint32 {
	return (n + recordAlign - 1) &^ (recordAlign - 1)
}

// alignPage rounds n up to the next multiple of pageSize.
func alignPage(n uint64, pageSize uint64) uint64 {
	return (n + pageSize - 1) &^ (pageSize - 1)
}
