package pklkv_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/calvinalkan/picklekv/pkg/pklkv"
)

func openFresh(t *testing.T) (*pklkv.Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "store.pkl")
	store, warnings, err := pklkv.Open(pklkv.Options{Path: path})
	require.NoError(t, err)
	require.Empty(t, warnings)
	return store, path
}

func Test_Open_Creates_A_35_Byte_Empty_Store(t *testing.T) {
	store, path := openFresh(t)
	defer store.Close()

	info, err := os.Stat(path)
	require.NoError(t, err)
	require.EqualValues(t, 35, info.Size()) // 24-byte header + 11-byte terminator

	keys, err := store.Keys()
	require.NoError(t, err)
	require.Empty(t, keys)

	rev, err := store.Revision()
	require.NoError(t, err)
	require.Zero(t, rev)
}

func Test_Put_Then_Get_Roundtrips_A_Value_And_Bumps_Revision(t *testing.T) {
	store, _ := openFresh(t)
	defer store.Close()

	require.NoError(t, store.Put("name", "ok computer"))

	got, err := store.Get("name")
	require.NoError(t, err)
	require.Equal(t, "ok computer", got)

	rev, err := store.Revision()
	require.NoError(t, err)
	require.Equal(t, int32(1), rev)

	ok, err := store.Contains("name")
	require.NoError(t, err)
	require.True(t, ok)
}

func Test_Put_Overwrites_Existing_Key_With_Last_Value_Winning(t *testing.T) {
	store, _ := openFresh(t)
	defer store.Close()

	require.NoError(t, store.Put("k", int64(1)))
	require.NoError(t, store.Put("k", int64(2)))

	got, err := store.Get("k")
	require.NoError(t, err)
	require.Equal(t, int64(2), got)

	keys, err := store.Keys()
	require.NoError(t, err)
	require.Equal(t, []string{"k"}, keys)
}

func Test_Get_Of_Missing_Key_Returns_NotFound(t *testing.T) {
	store, _ := openFresh(t)
	defer store.Close()

	_, err := store.Get("missing")
	require.ErrorIs(t, err, pklkv.ErrNotFound)
}

// Test_Del_Tombstones_Via_Single_Byte_Flip_Without_Shrinking_The_File verifies
// the O(1) deletion trick (§3): a deleted entry's bytes stay in the file
// (size does not shrink), only its validity pair flips, so Contains/Get stop
// seeing the key while the on-disk frame is otherwise untouched.
func Test_Del_Tombstones_Via_Single_Byte_Flip_Without_Shrinking_The_File(t *testing.T) {
	store, path := openFresh(t)
	defer store.Close()

	require.NoError(t, store.Put("k", "v"))
	sizeBeforeDelete, err := os.Stat(path)
	require.NoError(t, err)

	require.NoError(t, store.Del("k"))
	sizeAfterDelete, err := os.Stat(path)
	require.NoError(t, err)
	require.Equal(t, sizeBeforeDelete.Size(), sizeAfterDelete.Size())

	ok, err := store.Contains("k")
	require.NoError(t, err)
	require.False(t, ok)

	_, err = store.Get("k")
	require.ErrorIs(t, err, pklkv.ErrNotFound)

	rev, err := store.Revision()
	require.NoError(t, err)
	require.Equal(t, int32(2), rev) // one bump for Put, one for Del
}

func Test_Del_Of_Missing_Key_Returns_NotFound(t *testing.T) {
	store, _ := openFresh(t)
	defer store.Close()

	err := store.Del("missing")
	require.ErrorIs(t, err, pklkv.ErrNotFound)
}

// Test_Vacuum_Reclaims_Space_From_A_Tombstoned_Large_Tensor exercises the
// compaction scenario with a multi-megabyte blob stored via BulkArrayCodec:
// deleting it tombstones the bytes in place, and only Vacuum actually
// shrinks the file.
func Test_Vacuum_Reclaims_Space_From_A_Tombstoned_Large_Tensor(t *testing.T) {
	store, path := openFresh(t)
	defer store.Close()

	const n = 2 << 20 // 2 MiB of uint8 data
	data := make([]byte, n)
	for i := range data {
		data[i] = byte(i)
	}
	tensor := pklkv.Tensor{Dtype: "uint8", Shape: []int{n}, Data: data}

	require.NoError(t, store.Put("blob", tensor))
	require.NoError(t, store.Put("small", "kept across vacuum"))

	sizeWithBlob, err := os.Stat(path)
	require.NoError(t, err)
	require.Greater(t, sizeWithBlob.Size(), int64(n))

	require.NoError(t, store.Del("blob"))
	sizeAfterDelete, err := os.Stat(path)
	require.NoError(t, err)
	require.Equal(t, sizeWithBlob.Size(), sizeAfterDelete.Size())

	require.NoError(t, store.Vacuum(0))

	sizeAfterVacuum, err := os.Stat(path)
	require.NoError(t, err)
	require.Less(t, sizeAfterVacuum.Size(), int64(n))

	got, err := store.Get("small")
	require.NoError(t, err)
	require.Equal(t, "kept across vacuum", got)

	_, err = store.Get("blob")
	require.ErrorIs(t, err, pklkv.ErrNotFound)
}

func Test_Vacuum_With_No_Tombstones_Is_A_NoOp(t *testing.T) {
	store, path := openFresh(t)
	defer store.Close()

	require.NoError(t, store.Put("a", "1"))
	before, err := os.Stat(path)
	require.NoError(t, err)

	require.NoError(t, store.Vacuum(0))

	after, err := os.Stat(path)
	require.NoError(t, err)
	require.Equal(t, before.Size(), after.Size())
}

// Test_Open_Converts_A_Bare_Pickled_Dict_File_In_Place builds a minimal
// protocol-4 pickle of {"foo": 42} by hand (PROTO, EMPTY_DICT, one SETITEM,
// STOP; without the FRAME and MEMOIZE opcodes CPython's pickle.dump would
// also emit) and checks Open (§4.6's conversion entry point) recognizes and
// rewrites it as a proper Store without losing the entry.
func Test_Open_Converts_A_Bare_Pickled_Dict_File_In_Place(t *testing.T) {
	path := filepath.Join(t.TempDir(), "legacy.pkl")
	raw := []byte{
		0x80, 0x04, // PROTO 4
		0x7d,                   // EMPTY_DICT
		0x8c, 3, 'f', 'o', 'o', // SHORT_BINUNICODE "foo"
		0x4b, 42, // BININT1 42
		0x73, // SETITEM
		0x2e, // STOP
	}
	require.NoError(t, os.WriteFile(path, raw, 0o644))

	store, warnings, err := pklkv.Open(pklkv.Options{Path: path})
	require.NoError(t, err)
	t.Logf("conversion warnings: %v", warnings)
	defer store.Close()

	got, err := store.Get("foo")
	require.NoError(t, err)
	require.Equal(t, int64(42), got)

	rev, err := store.Revision()
	require.NoError(t, err)
	require.Zero(t, rev)
}

// Test_Fsck_Truncates_A_File_Torn_Mid_Entry simulates a process that died
// mid-write (e.g. after the entry's FRAME header but before its trailer)
// and checks Fsck recovers a structurally valid file by dropping the
// incomplete tail entirely.
func Test_Fsck_Truncates_A_File_Torn_Mid_Entry(t *testing.T) {
	store, path := openFresh(t)
	require.NoError(t, store.Put("whole", "entry"))
	require.NoError(t, store.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	// Append a syntactically-opened but incomplete frame, as if a crash cut
	// a second Put short right after its FRAME header was written.
	torn := append(append([]byte(nil), data[:len(data)-11]...), 0x95, 9, 9, 9, 9, 9, 9, 9, 9)
	require.NoError(t, os.WriteFile(path, torn, 0o644))

	store2, warnings, err := pklkv.Open(pklkv.Options{Path: path})
	require.NoError(t, err)
	require.NotEmpty(t, warnings)
	defer store2.Close()

	require.NoError(t, store2.Fsck())

	got, err := store2.Get("whole")
	require.NoError(t, err)
	require.Equal(t, "entry", got)

	info, err := os.Stat(path)
	require.NoError(t, err)
	require.EqualValues(t, len(data), info.Size())
}

func Test_ReadOnly_Open_Rejects_Mutations(t *testing.T) {
	store, path := openFresh(t)
	require.NoError(t, store.Put("a", "1"))
	require.NoError(t, store.Close())

	ro, warnings, err := pklkv.Open(pklkv.Options{Path: path, ReadOnly: true})
	require.NoError(t, err)
	require.Empty(t, warnings)
	defer ro.Close()

	got, err := ro.Get("a")
	require.NoError(t, err)
	require.Equal(t, "1", got)

	err = ro.Put("b", "2")
	require.ErrorIs(t, err, pklkv.ErrNotWritable)
}

func Test_ReadOnly_Open_Of_Missing_Path_Returns_NotFound(t *testing.T) {
	path := filepath.Join(t.TempDir(), "missing.pkl")
	_, _, err := pklkv.Open(pklkv.Options{Path: path, ReadOnly: true})
	require.ErrorIs(t, err, pklkv.ErrNotFound)
}

// Test_Store_Matches_A_Reference_Map_After_A_Mixed_Put_Del_Sequence runs a
// small scripted sequence of Put/Del calls against both the Store and a
// plain Go map playing the role of a reference model, then diffs the two
// observable states with cmp.Diff — the same "real implementation vs.
// reference model" comparison pkg/slotcache's metamorphic tests use go-cmp
// for, scaled down to a single scripted run instead of property-based
// fuzzing.
func Test_Store_Matches_A_Reference_Map_After_A_Mixed_Put_Del_Sequence(t *testing.T) {
	store, _ := openFresh(t)
	defer store.Close()

	reference := map[string]any{}
	apply := func(k string, v any) {
		require.NoError(t, store.Put(k, v))
		reference[k] = v
	}
	remove := func(k string) {
		require.NoError(t, store.Del(k))
		delete(reference, k)
	}

	apply("a", int64(1))
	apply("b", "two")
	apply("c", []any{int64(1), int64(2), int64(3)})
	apply("b", "two-updated")
	remove("a")
	apply("d", map[string]any{"nested": int64(9)})

	got := map[string]any{}
	keys, err := store.Keys()
	require.NoError(t, err)
	for _, k := range keys {
		v, err := store.Get(k)
		require.NoError(t, err)
		got[k] = v
	}

	if diff := cmp.Diff(reference, got); diff != "" {
		t.Fatalf("store state diverged from reference model (-want +got):\n%s", diff)
	}
}

func Test_Fork_Reopens_The_Same_Store_ReadOnly(t *testing.T) {
	store, _ := openFresh(t)
	require.NoError(t, store.Put("a", "1"))

	state := store.Fork()
	child, warnings, err := pklkv.OpenFork(state, nil)
	require.NoError(t, err)
	require.Empty(t, warnings)
	defer child.Close()

	got, err := child.Get("a")
	require.NoError(t, err)
	require.Equal(t, "1", got)

	require.ErrorIs(t, child.Put("b", "2"), pklkv.ErrNotWritable)
	require.NoError(t, store.Close())
}
