// Engine-level deduplication tests: identical pages share one pool
// payload through the optional index.

package cramdisk_test

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/calvinalkan/cramdisk/pkg/cramdisk"
	"github.com/calvinalkan/cramdisk/pkg/dedup"
)

func Test_Duplicate_Pages_Share_One_Payload(t *testing.T) {
	t.Parallel()

	ix := dedup.New()
	dev := newTestDevice(t, 16, cramdisk.Options{Dedup: ix})

	page := compressiblePage(5)

	_, err := dev.WriteAt(page, 8<<cramdisk.SectorShift)
	require.NoError(t, err)

	single := dev.Snapshot().ComprDataSize
	require.Positive(t, single)

	_, err = dev.WriteAt(page, 16<<cramdisk.SectorShift)
	require.NoError(t, err)

	st := dev.Snapshot()
	require.Positive(t, st.DupDataSize)
	require.Less(t, st.ComprDataSize, 2*single, "duplicate must not double the pool bytes")
	require.Equal(t, single, st.ComprDataSize)
	require.Equal(t, int64(1), ix.Hits())

	// Both sectors read back the same bytes.
	got := make([]byte, cramdisk.PageSize)

	for _, sector := range []int64{8, 16} {
		_, err = dev.ReadAt(got, sector<<cramdisk.SectorShift)
		require.NoError(t, err)
		require.True(t, bytes.Equal(page, got), "sector %d", sector)
	}
}

func Test_Dedup_Overwrite_Releases_The_Share(t *testing.T) {
	t.Parallel()

	ix := dedup.New()
	dev := newTestDevice(t, 16, cramdisk.Options{Dedup: ix})

	page := compressiblePage(6)

	_, err := dev.WriteAt(page, 0)
	require.NoError(t, err)
	_, err = dev.WriteAt(page, cramdisk.PageSize)
	require.NoError(t, err)

	require.Positive(t, dev.Snapshot().DupDataSize)

	// Overwriting one copy drops the duplicate; the other still
	// reads back.
	_, err = dev.WriteAt(compressiblePage(7), cramdisk.PageSize)
	require.NoError(t, err)

	require.Zero(t, dev.Snapshot().DupDataSize)

	got := make([]byte, cramdisk.PageSize)
	_, err = dev.ReadAt(got, 0)
	require.NoError(t, err)
	require.True(t, bytes.Equal(page, got))
}

func Test_Dedup_Freeing_Both_Copies_Frees_The_Payload(t *testing.T) {
	t.Parallel()

	ix := dedup.New()
	dev := newTestDevice(t, 16, cramdisk.Options{Dedup: ix})

	page := compressiblePage(8)

	_, err := dev.WriteAt(page, 0)
	require.NoError(t, err)
	_, err = dev.WriteAt(page, cramdisk.PageSize)
	require.NoError(t, err)

	require.NoError(t, dev.Discard(0, 2*cramdisk.PageSize))

	st := dev.Snapshot()
	require.Zero(t, st.ComprDataSize)
	require.Zero(t, st.DupDataSize)
	require.Zero(t, dev.TestCountAllocated())

	// The pool payload is reusable: a fresh write still works.
	_, err = dev.WriteAt(page, 0)
	require.NoError(t, err)
}

func Test_Huge_Pages_Are_Not_Deduplicated(t *testing.T) {
	t.Parallel()

	ix := dedup.New()
	dev := newTestDevice(t, 16, cramdisk.Options{Dedup: ix})

	page := randomPage(77)

	_, err := dev.WriteAt(page, 0)
	require.NoError(t, err)
	_, err = dev.WriteAt(page, cramdisk.PageSize)
	require.NoError(t, err)

	st := dev.Snapshot()
	require.Zero(t, st.DupDataSize)
	require.Equal(t, int64(2*cramdisk.PageSize), st.ComprDataSize)
	require.Equal(t, int64(2), st.HugePages)
}
