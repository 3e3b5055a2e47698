// Control-surface tests: attribute parsing, stat tuple shapes, and
// lifecycle transitions driven through Set/Get.

package cramdisk_test

import (
	"bytes"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/calvinalkan/cramdisk/pkg/cramdisk"
)

func Test_Disksize_Attribute_Configures_Once(t *testing.T) {
	t.Parallel()

	dev, err := cramdisk.New(cramdisk.Options{})
	require.NoError(t, err)

	t.Cleanup(func() { _ = cramdisk.Destroy(dev) })

	state, err := dev.Get("initstate")
	require.NoError(t, err)
	require.Equal(t, "0", state)

	require.NoError(t, dev.Set("disksize", "1M\n"))

	got, err := dev.Get("disksize")
	require.NoError(t, err)
	require.Equal(t, "1048576", got)

	state, err = dev.Get("initstate")
	require.NoError(t, err)
	require.Equal(t, "1", state)

	err = dev.Set("disksize", "2M")
	require.ErrorIs(t, err, cramdisk.ErrConfigured)
}

func Test_Disksize_Rounds_Up_To_Page(t *testing.T) {
	t.Parallel()

	dev, err := cramdisk.New(cramdisk.Options{})
	require.NoError(t, err)

	t.Cleanup(func() { _ = cramdisk.Destroy(dev) })

	require.NoError(t, dev.Set("disksize", "5000"))
	require.Equal(t, int64(2*cramdisk.PageSize), dev.DiskSize())
}

func Test_Comp_Algorithm_Only_Writable_While_Unconfigured(t *testing.T) {
	t.Parallel()

	dev, err := cramdisk.New(cramdisk.Options{})
	require.NoError(t, err)

	t.Cleanup(func() { _ = cramdisk.Destroy(dev) })

	require.NoError(t, dev.Set("comp_algorithm", "zstd"))

	algos, err := dev.Get("comp_algorithm")
	require.NoError(t, err)
	require.Contains(t, algos, "[zstd]")
	require.Contains(t, algos, "lz4")

	err = dev.Set("comp_algorithm", "nope")
	require.Error(t, err)

	require.NoError(t, dev.SetDisksize(cramdisk.PageSize))

	err = dev.Set("comp_algorithm", "lz4")
	require.ErrorIs(t, err, cramdisk.ErrConfigured)
}

func Test_Zstd_Device_Round_Trips(t *testing.T) {
	t.Parallel()

	dev := newTestDevice(t, 16, cramdisk.Options{Algorithm: "zstd"})

	page := compressiblePage(9)

	_, err := dev.WriteAt(page, 0)
	require.NoError(t, err)

	got := make([]byte, cramdisk.PageSize)
	_, err = dev.ReadAt(got, 0)
	require.NoError(t, err)
	require.True(t, bytes.Equal(page, got))
	require.Positive(t, dev.Snapshot().ComprDataSize)
}

func Test_Stat_Tuples_Have_Expected_Arity(t *testing.T) {
	t.Parallel()

	dev := newTestDevice(t, 16, cramdisk.Options{})

	for attr, want := range map[string]int{
		"mm_stat":    9,
		"io_stat":    4,
		"bd_stat":    3,
		"debug_stat": 3,
		"new_stat":   16,
		"idle_stat":  16,
	} {
		val, err := dev.Get(attr)
		require.NoError(t, err, attr)
		require.Len(t, strings.Fields(val), want, attr)
	}
}

func Test_Unknown_Attribute_Fails(t *testing.T) {
	t.Parallel()

	dev := newTestDevice(t, 16, cramdisk.Options{})

	require.ErrorIs(t, dev.Set("bogus", "1"), cramdisk.ErrUnknownAttr)

	_, err := dev.Get("bogus")
	require.ErrorIs(t, err, cramdisk.ErrUnknownAttr)
}

func Test_Malformed_Attribute_Values_Fail(t *testing.T) {
	t.Parallel()

	dev := newTestDevice(t, 16, cramdisk.Options{})

	cases := [][2]string{
		{"reset", "x"},
		{"mem_limit", "lots"},
		{"mem_used_max", "5"},
		{"idle", "some"},
		{"new", "none"},
		{"writeback", "sideways"},
		{"writeback", "idle -1"},
		{"writeback", "idle 1 0"},
		{"writeback", "huge 3"},
		{"writeback_limit", "-2"},
		{"writeback_limit_enable", "maybe"},
	}

	for _, tc := range cases {
		require.ErrorIs(t, dev.Set(tc[0], tc[1]), cramdisk.ErrBadAttr, "%s=%s", tc[0], tc[1])
	}
}

func Test_Mem_Used_Max_Resets_To_Current(t *testing.T) {
	t.Parallel()

	dev := newTestDevice(t, 64, cramdisk.Options{})

	for i := range int64(8) {
		_, err := dev.WriteAt(randomPage(uint64(i)), i<<cramdisk.PageShift)
		require.NoError(t, err)
	}

	high := dev.Snapshot().MemUsedMax
	require.Positive(t, high)

	// Free everything, then reset the high-water mark to the (lower)
	// current footprint.
	require.NoError(t, dev.Discard(0, 8*cramdisk.PageSize))
	require.NoError(t, dev.Compact())
	require.NoError(t, dev.Set("mem_used_max", "0"))

	require.Less(t, dev.Snapshot().MemUsedMax, high)
}

func Test_Compact_Releases_Empty_Spans(t *testing.T) {
	t.Parallel()

	dev := newTestDevice(t, 64, cramdisk.Options{})

	for i := range int64(8) {
		_, err := dev.WriteAt(randomPage(uint64(i)), i<<cramdisk.PageShift)
		require.NoError(t, err)
	}

	require.NoError(t, dev.Discard(0, 8*cramdisk.PageSize))
	require.NoError(t, dev.Set("compact", ""))

	st := dev.Snapshot()
	require.Positive(t, st.PagesCompacted)
	require.Zero(t, st.MemUsedTotal)
}

func Test_Reset_Returns_Device_To_Unconfigured(t *testing.T) {
	t.Parallel()

	dev, err := cramdisk.New(cramdisk.Options{})
	require.NoError(t, err)

	t.Cleanup(func() { _ = cramdisk.Destroy(dev) })

	require.NoError(t, dev.SetDisksize(16*cramdisk.PageSize))

	_, err = dev.WriteAt(randomPage(1), 0)
	require.NoError(t, err)
	_, err = dev.WriteAt(bytes.Repeat([]byte{0x33}, cramdisk.PageSize), cramdisk.PageSize)
	require.NoError(t, err)

	require.NoError(t, dev.Set("reset", "1"))

	state, err := dev.Get("initstate")
	require.NoError(t, err)
	require.Equal(t, "0", state)
	require.Zero(t, dev.DiskSize())

	// Every observable counter returns to the zero state.
	if diff := cmp.Diff(cramdisk.Stats{}, dev.Snapshot()); diff != "" {
		t.Fatalf("counters after reset (-want +got):\n%s", diff)
	}

	mm, err := dev.Get("mm_stat")
	require.NoError(t, err)

	for _, field := range strings.Fields(mm) {
		require.Equal(t, "0", field)
	}

	// Reconfigure: the device comes back empty.
	require.NoError(t, dev.SetDisksize(16*cramdisk.PageSize))

	got := make([]byte, cramdisk.PageSize)
	_, err = dev.ReadAt(got, 0)
	require.NoError(t, err)
	require.True(t, bytes.Equal(make([]byte, cramdisk.PageSize), got))
}

func Test_Reset_Refused_While_Open(t *testing.T) {
	t.Parallel()

	dev := newTestDevice(t, 16, cramdisk.Options{})

	require.NoError(t, dev.Open())

	err := dev.Reset()
	require.ErrorIs(t, err, cramdisk.ErrBusy)

	dev.Release()

	require.NoError(t, dev.Reset())
}

func Test_Reset_Zero_Is_A_No_Op(t *testing.T) {
	t.Parallel()

	dev := newTestDevice(t, 16, cramdisk.Options{})

	require.NoError(t, dev.Set("reset", "0"))

	state, err := dev.Get("initstate")
	require.NoError(t, err)
	require.Equal(t, "1", state)
}

func Test_Backing_Dev_Attribute_Reports_State(t *testing.T) {
	t.Parallel()

	dev, err := cramdisk.New(cramdisk.Options{})
	require.NoError(t, err)

	t.Cleanup(func() { _ = cramdisk.Destroy(dev) })

	val, err := dev.Get("backing_dev")
	require.NoError(t, err)
	require.Equal(t, "none", val)

	require.NoError(t, dev.SetDisksize(cramdisk.PageSize))

	// Attaching after configuration is refused.
	err = dev.Set("backing_dev", "/nonexistent")
	require.ErrorIs(t, err, cramdisk.ErrConfigured)
}

func Test_Idle_Marks_Only_Low_Compression_Slots(t *testing.T) {
	t.Parallel()

	// Default threshold: well-compressed pages are not candidates.
	dev := newTestDevice(t, 16, cramdisk.Options{})

	_, err := dev.WriteAt(compressiblePage(1), 0)
	require.NoError(t, err)
	_, err = dev.WriteAt(randomPage(2), cramdisk.PageSize)
	require.NoError(t, err)

	require.NoError(t, dev.Set("idle", "all"))

	require.Zero(t, dev.TestSlotFlags(0)&cramdisk.TestFlagIdle, "well-compressed page is not idle-tracked")
	require.NotZero(t, dev.TestSlotFlags(1)&cramdisk.TestFlagIdle, "huge page saves nothing and is a candidate")

	idle, err := dev.Get("idle_stat")
	require.NoError(t, err)
	require.Equal(t, "1", strings.Fields(idle)[0])

	require.NoError(t, dev.Set("new", "all"))

	idle, err = dev.Get("idle_stat")
	require.NoError(t, err)
	require.Equal(t, "0", strings.Fields(idle)[0])
}
