package tdb

import "testing"

func Test_DetectConvertMode_Returns_False_For_Native_Version_Word(t *testing.T) {
	t.Parallel()

	buf := make([]byte, fileHeaderSize)
	encodeFileHeader(buf, fileHeader{HashSize: 17}, wireOrder(false))

	convert, err := detectConvertMode(buf)
	if err != nil {
		t.Fatalf("detectConvertMode: %v", err)
	}

	if convert {
		t.Fatalf("expected convert=false for a native-endian header")
	}
}

func Test_DetectConvertMode_Returns_True_For_Byte_Swapped_Version_Word(t *testing.T) {
	t.Parallel()

	buf := make([]byte, fileHeaderSize)
	encodeFileHeader(buf, fileHeader{HashSize: 17}, wireOrder(true))

	convert, err := detectConvertMode(buf)
	if err != nil {
		t.Fatalf("detectConvertMode: %v", err)
	}

	if !convert {
		t.Fatalf("expected convert=true when the version word is byte-reversed")
	}
}

func Test_DetectConvertMode_Rejects_Bad_Magic(t *testing.T) {
	t.Parallel()

	buf := make([]byte, fileHeaderSize)
	copy(buf, "not a tdb")

	if _, err := detectConvertMode(buf); err == nil {
		t.Fatalf("expected an error for a non-tdb file")
	}
}

func Test_DetectConvertMode_Rejects_Unrecognized_Version(t *testing.T) {
	t.Parallel()

	buf := make([]byte, fileHeaderSize)
	encodeFileHeader(buf, fileHeader{HashSize: 17}, wireOrder(false))
	// Corrupt the version word to something that is neither versionConst
	// nor its byte-reversal.
	buf[offVersion] ^= 0xFF
	buf[offVersion+1] ^= 0x0F

	if _, err := detectConvertMode(buf); err == nil {
		t.Fatalf("expected an error for an unrecognized version word")
	}
}

func Test_EncodeDecodeFileHeader_Roundtrips_Under_Both_Byte_Orders(t *testing.T) {
	t.Parallel()

	for _, convert := range []bool{false, true} {
		order := wireOrder(convert)
		want := fileHeader{HashSize: 131, Rwlocks: 4096}

		buf := make([]byte, fileHeaderSize)
		encodeFileHeader(buf, want, order)

		got := decodeFileHeader(buf, order)
		if got != want {
			t.Fatalf("convert=%v: decodeFileHeader() = %+v, want %+v", convert, got, want)
		}
	}
}

func Test_EncodeDecodeRecordHeader_Roundtrips_Under_Both_Byte_Orders(t *testing.T) {
	t.Parallel()

	for _, convert := range []bool{false, true} {
		order := wireOrder(convert)
		want := recordHeader{
			Next:     12345,
			RecLen:   64,
			KeyLen:   8,
			DataLen:  16,
			FullHash: 0xDEADBEEF,
			Magic:    magicLive,
		}

		buf := make([]byte, recordHeaderSize)
		encodeRecordHeader(buf, want, order)

		got := decodeRecordHeader(buf, order)
		if got != want {
			t.Fatalf("convert=%v: decodeRecordHeader() = %+v, want %+v", convert, got, want)
		}
	}
}

func Test_BucketOffset_Places_Free_List_Head_Before_Chain_Heads(t *testing.T) {
	t.Parallel()

	freeListOffset := bucketOffset(lockAllocIndex)
	chain0Offset := bucketOffset(0)
	chain1Offset := bucketOffset(1)

	if freeListOffset != offBuckets {
		t.Fatalf("free-list head offset = %d, want %d", freeListOffset, offBuckets)
	}

	if chain0Offset != freeListOffset+4 {
		t.Fatalf("chain 0 offset = %d, want %d", chain0Offset, freeListOffset+4)
	}

	if chain1Offset != chain0Offset+4 {
		t.Fatalf("chain 1 offset = %d, want %d", chain1Offset, chain0Offset+4)
	}
}

func Test_BucketArraySize_Counts_Free_List_Head_Plus_Every_Chain(t *testing.T) {
	t.Parallel()

	if got, want := bucketArraySize(17), uint32(4*18); got != want {
		t.Fatalf("bucketArraySize(17) = %d, want %d", got, want)
	}
}

func Test_AlignUp4_Rounds_Up_To_Next_Multiple_Of_Four(t *testing.T) {
	t.Parallel()

	tests := []struct{ in, want uint32 }{
		{0, 0}, {1, 4}, {3, 4}, {4, 4}, {5, 8}, {17, 20},
	}

	for _, tt := range tests {
		if got := alignUp4(tt.in); got != tt.want {
			t.Errorf("alignUp4(%d) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func Test_AlignPage_Rounds_Up_To_Next_Page_Boundary(t *testing.T) {
	t.Parallel()

	tests := []struct{ in, pageSize, want uint64 }{
		{0, 4096, 0}, {1, 4096, 4096}, {4096, 4096, 4096}, {4097, 4096, 8192},
	}

	for _, tt := range tests {
		if got := alignPage(tt.in, tt.pageSize); got != tt.want {
			t.Errorf("alignPage(%d, %d) = %d, want %d", tt.in, tt.pageSize, got, tt.want)
		}
	}
}
