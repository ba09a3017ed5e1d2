package tdb_test

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/calvinalkan/gotdb/pkg/tdb"
)

func tmpOptions(t *testing.T) tdb.Options {
	t.Helper()

	return tdb.Options{
		Path:     filepath.Join(t.TempDir(), "test.tdb"),
		HashSize: 17,
		PageSize: 4096,
	}
}

func Test_Open_Creates_Well_Formed_Header_When_File_Is_Empty(t *testing.T) {
	t.Parallel()

	opts := tmpOptions(t)

	db, err := tdb.Open(opts)
	require.NoError(t, err)
	defer db.Close()

	require.Equal(t, uint32(17), db.HashSize())

	info, err := os.Stat(opts.Path)
	require.NoError(t, err)
	require.Greater(t, info.Size(), int64(0))
}

func Test_Store_Insert_Then_Fetch_Returns_Value(t *testing.T) {
	t.Parallel()

	db, err := tdb.Open(tmpOptions(t))
	require.NoError(t, err)
	defer db.Close()

	require.NoError(t, db.Store([]byte("a"), []byte("1"), tdb.Insert))

	val, found, err := db.Fetch([]byte("a"))
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, []byte("1"), val)

	exists, err := db.Exists([]byte("a"))
	require.NoError(t, err)
	require.True(t, exists)

	var keys [][]byte
	require.NoError(t, db.Traverse(func(k, v []byte) bool {
		keys = append(keys, append([]byte(nil), k...))
		return true
	}))
	require.Len(t, keys, 1)
	require.Equal(t, []byte("a"), keys[0])
}

func Test_Store_Insert_Fails_With_Exists_When_Key_Present(t *testing.T) {
	t.Parallel()

	db, err := tdb.Open(tmpOptions(t))
	require.NoError(t, err)
	defer db.Close()

	require.NoError(t, db.Store([]byte("a"), []byte("1"), tdb.Insert))

	err = db.Store([]byte("a"), []byte("2"), tdb.Insert)
	require.ErrorIs(t, err, tdb.ErrExists)
}

func Test_Store_Modify_Fails_With_NoExist_When_Key_Absent(t *testing.T) {
	t.Parallel()

	db, err := tdb.Open(tmpOptions(t))
	require.NoError(t, err)
	defer db.Close()

	err = db.Store([]byte("a"), []byte("1"), tdb.Modify)
	require.ErrorIs(t, err, tdb.ErrNoExist)
}

func Test_Store_Replace_Twice_Is_Idempotent(t *testing.T) {
	t.Parallel()

	db, err := tdb.Open(tmpOptions(t))
	require.NoError(t, err)
	defer db.Close()

	require.NoError(t, db.Store([]byte("a"), []byte("1"), tdb.Replace))
	require.NoError(t, db.Store([]byte("a"), []byte("1"), tdb.Replace))

	val, found, err := db.Fetch([]byte("a"))
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, []byte("1"), val)
}

func Test_Store_Replace_With_Larger_Value_Reallocates(t *testing.T) {
	t.Parallel()

	db, err := tdb.Open(tmpOptions(t))
	require.NoError(t, err)
	defer db.Close()

	require.NoError(t, db.Store([]byte("a"), []byte("1"), tdb.Insert))
	require.NoError(t, db.Store([]byte("a"), []byte("22"), tdb.Replace))

	val, found, err := db.Fetch([]byte("a"))
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, []byte("22"), val)
}

func Test_Store_Replace_With_Smaller_Value_Updates_In_Place(t *testing.T) {
	t.Parallel()

	db, err := tdb.Open(tmpOptions(t))
	require.NoError(t, err)
	defer db.Close()

	require.NoError(t, db.Store([]byte("a"), []byte("11"), tdb.Insert))
	require.NoError(t, db.Store([]byte("a"), []byte("1"), tdb.Replace))

	val, found, err := db.Fetch([]byte("a"))
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, []byte("1"), val)
}

func Test_Store_And_Fetch_Round_Trip_Zero_Length_Key_And_Value(t *testing.T) {
	t.Parallel()

	db, err := tdb.Open(tmpOptions(t))
	require.NoError(t, err)
	defer db.Close()

	require.NoError(t, db.Store([]byte{}, []byte{}, tdb.Insert))

	val, found, err := db.Fetch([]byte{})
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, []byte{}, val)

	exists, err := db.Exists([]byte{})
	require.NoError(t, err)
	require.True(t, exists)
}

func Test_Delete_Removes_Key(t *testing.T) {
	t.Parallel()

	db, err := tdb.Open(tmpOptions(t))
	require.NoError(t, err)
	defer db.Close()

	require.NoError(t, db.Store([]byte("a"), []byte("1"), tdb.Insert))
	require.NoError(t, db.Delete([]byte("a")))

	_, found, err := db.Fetch([]byte("a"))
	require.NoError(t, err)
	require.False(t, found)
}

func Test_Delete_Fails_With_NoExist_When_Key_Absent(t *testing.T) {
	t.Parallel()

	db, err := tdb.Open(tmpOptions(t))
	require.NoError(t, err)
	defer db.Close()

	err = db.Delete([]byte("a"))
	require.ErrorIs(t, err, tdb.ErrNoExist)
}

func Test_Traverse_After_Deleting_Even_Keys_Yields_Only_Odd_Keys(t *testing.T) {
	t.Parallel()

	db, err := tdb.Open(tmpOptions(t))
	require.NoError(t, err)
	defer db.Close()

	const n = 200

	for i := 0; i < n; i++ {
		key := []byte(fmt.Sprintf("k%d", i))
		require.NoError(t, db.Store(key, []byte("12345678"), tdb.Insert))
	}

	for i := 0; i < n; i += 2 {
		key := []byte(fmt.Sprintf("k%d", i))
		require.NoError(t, db.Delete(key))
	}

	seen := make(map[string]bool)
	require.NoError(t, db.Traverse(func(k, v []byte) bool {
		seen[string(k)] = true
		return true
	}))

	require.Len(t, seen, n/2)

	for i := 0; i < n; i++ {
		key := fmt.Sprintf("k%d", i)
		if i%2 == 0 {
			require.False(t, seen[key], "even key %s should have been deleted", key)
		} else {
			require.True(t, seen[key], "odd key %s should be present", key)
		}
	}
}

func Test_Firstkey_Nextkey_Walks_Every_Live_Key_Exactly_Once(t *testing.T) {
	t.Parallel()

	db, err := tdb.Open(tmpOptions(t))
	require.NoError(t, err)
	defer db.Close()

	want := map[string]bool{}
	for i := 0; i < 50; i++ {
		key := fmt.Sprintf("key-%02d", i)
		want[key] = true
		require.NoError(t, db.Store([]byte(key), []byte("v"), tdb.Insert))
	}

	got := map[string]bool{}

	cur, key, err := db.Firstkey()
	require.NoError(t, err)

	for !cur.Done() {
		got[string(key)] = true

		cur, key, err = db.Nextkey(cur)
		require.NoError(t, err)
	}

	require.Equal(t, want, got)
}

func Test_Store_Of_Value_Larger_Than_Free_Space_Grows_File_Page_Aligned(t *testing.T) {
	t.Parallel()

	opts := tmpOptions(t)
	opts.PageSize = 512

	db, err := tdb.Open(opts)
	require.NoError(t, err)
	defer db.Close()

	bigValue := make([]byte, 4096)
	for i := range bigValue {
		bigValue[i] = byte(i)
	}

	require.NoError(t, db.Store([]byte("big"), bigValue, tdb.Insert))

	info, err := os.Stat(opts.Path)
	require.NoError(t, err)
	require.Zero(t, info.Size()%int64(opts.PageSize))

	val, found, err := db.Fetch([]byte("big"))
	require.NoError(t, err)
	require.True(t, found)
	require.True(t, cmp.Equal(bigValue, val))
}

func Test_Open_Rejects_Second_Open_Of_Same_File_In_Same_Process(t *testing.T) {
	t.Parallel()

	opts := tmpOptions(t)

	db1, err := tdb.Open(opts)
	require.NoError(t, err)
	defer db1.Close()

	_, err = tdb.Open(opts)
	require.ErrorIs(t, err, tdb.ErrBusy)
}

func Test_Close_Allows_File_To_Be_Reopened(t *testing.T) {
	t.Parallel()

	opts := tmpOptions(t)

	db1, err := tdb.Open(opts)
	require.NoError(t, err)
	require.NoError(t, db1.Store([]byte("a"), []byte("1"), tdb.Insert))
	require.NoError(t, db1.Close())

	db2, err := tdb.Open(opts)
	require.NoError(t, err)
	defer db2.Close()

	val, found, err := db2.Fetch([]byte("a"))
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, []byte("1"), val)
}

func Test_Open_With_ClearIfFirst_Truncates_Existing_Data(t *testing.T) {
	t.Parallel()

	opts := tmpOptions(t)

	db1, err := tdb.Open(opts)
	require.NoError(t, err)
	require.NoError(t, db1.Store([]byte("a"), []byte("1"), tdb.Insert))
	require.NoError(t, db1.Close())

	opts.Flags = tdb.ClearIfFirst

	db2, err := tdb.Open(opts)
	require.NoError(t, err)
	defer db2.Close()

	_, found, err := db2.Fetch([]byte("a"))
	require.NoError(t, err)
	require.False(t, found)
}

func Test_Open_With_ClearIfFirst_Is_Neutralized_When_Read_Only(t *testing.T) {
	t.Parallel()

	opts := tmpOptions(t)

	db1, err := tdb.Open(opts)
	require.NoError(t, err)
	require.NoError(t, db1.Store([]byte("a"), []byte("1"), tdb.Insert))
	require.NoError(t, db1.Close())

	opts.Flags = tdb.ClearIfFirst
	opts.OSFlags = os.O_RDONLY

	db2, err := tdb.Open(opts)
	require.NoError(t, err)
	defer db2.Close()

	_, found, err := db2.Fetch([]byte("a"))
	require.NoError(t, err)
	require.True(t, found, "clear-if-first must be neutralized on a read-only open")
}

func Test_Internal_Store_Never_Touches_Disk(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "ghost.tdb")

	db, err := tdb.Open(tdb.Options{
		Path:     path,
		HashSize: 7,
		Flags:    tdb.Internal,
	})
	require.NoError(t, err)
	defer db.Close()

	require.NoError(t, db.Store([]byte("a"), []byte("1"), tdb.Insert))

	val, found, err := db.Fetch([]byte("a"))
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, []byte("1"), val)

	_, statErr := os.Stat(path)
	require.Error(t, statErr)
	require.True(t, os.IsNotExist(statErr))
}

func Test_LockKeys_Restricts_Operations_To_Locked_Set(t *testing.T) {
	t.Parallel()

	db, err := tdb.Open(tmpOptions(t))
	require.NoError(t, err)
	defer db.Close()

	require.NoError(t, db.Store([]byte("a"), []byte("1"), tdb.Insert))
	require.NoError(t, db.Store([]byte("b"), []byte("2"), tdb.Insert))

	require.NoError(t, db.LockKeys([][]byte{[]byte("a")}))

	_, _, err = db.Fetch([]byte("a"))
	require.NoError(t, err)

	_, _, err = db.Fetch([]byte("b"))
	require.ErrorIs(t, err, tdb.ErrNoLock)

	err = db.Traverse(func(k, v []byte) bool { return true })
	require.ErrorIs(t, err, tdb.ErrNoLock)

	require.NoError(t, db.UnlockKeys())

	_, _, err = db.Fetch([]byte("b"))
	require.NoError(t, err)
}

func Test_LockAll_UnlockAll_Round_Trip(t *testing.T) {
	t.Parallel()

	db, err := tdb.Open(tmpOptions(t))
	require.NoError(t, err)
	defer db.Close()

	require.NoError(t, db.LockAll(true))
	require.NoError(t, db.UnlockAll())
}

func Test_ChainLock_ChainUnlock_Round_Trip(t *testing.T) {
	t.Parallel()

	db, err := tdb.Open(tmpOptions(t))
	require.NoError(t, err)
	defer db.Close()

	require.NoError(t, db.Store([]byte("a"), []byte("1"), tdb.Insert))
	require.NoError(t, db.ChainLock([]byte("a"), true))

	val, found, err := db.Fetch([]byte("a"))
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, []byte("1"), val)

	require.NoError(t, db.ChainUnlock([]byte("a")))
}

func Test_ErrorString_Reports_Last_Failing_Operation(t *testing.T) {
	t.Parallel()

	db, err := tdb.Open(tmpOptions(t))
	require.NoError(t, err)
	defer db.Close()

	require.Equal(t, tdb.Success, db.Error())

	err = db.Delete([]byte("missing"))
	require.ErrorIs(t, err, tdb.ErrNoExist)
	require.Equal(t, tdb.ErrCodeNoExist, db.Error())
	require.Contains(t, db.ErrorString(), "NOEXIST")
}
