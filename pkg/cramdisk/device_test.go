// Device lifecycle and concurrency tests.

package cramdisk_test

import (
	"bytes"
	"math/rand/v2"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/calvinalkan/cramdisk/pkg/cramdisk"
)

func Test_Registry_Lookup_And_Destroy(t *testing.T) {
	t.Parallel()

	dev, err := cramdisk.New(cramdisk.Options{})
	require.NoError(t, err)

	got, ok := cramdisk.Lookup(dev.ID())
	require.True(t, ok)
	require.Same(t, dev, got)

	require.NoError(t, cramdisk.Destroy(dev))

	_, ok = cramdisk.Lookup(dev.ID())
	require.False(t, ok)
}

func Test_Destroy_Refused_While_Open(t *testing.T) {
	t.Parallel()

	dev := newTestDevice(t, 16, cramdisk.Options{})

	require.NoError(t, dev.Open())

	err := cramdisk.Destroy(dev)
	require.ErrorIs(t, err, cramdisk.ErrBusy)

	dev.Release()
}

func Test_Unknown_Algorithm_Rejected_At_Creation(t *testing.T) {
	t.Parallel()

	_, err := cramdisk.New(cramdisk.Options{Algorithm: "snappy9000"})
	require.Error(t, err)
}

// Concurrent readers and writers on disjoint and overlapping pages;
// run with -race. Each worker owns a region for final verification and
// additionally pounds a shared region to exercise slot-lock contention.
func Test_Concurrent_IO_Is_Consistent(t *testing.T) {
	t.Parallel()

	const (
		workers        = 8
		pagesPerWorker = 8
		sharedPages    = 4
		iterations     = 150
	)

	totalPages := int64(workers*pagesPerWorker + sharedPages)
	dev := newTestDevice(t, totalPages, cramdisk.Options{})

	var wg sync.WaitGroup

	finals := make([][][]byte, workers)

	for w := range workers {
		wg.Add(1)

		go func() {
			defer wg.Done()

			rng := rand.New(rand.NewPCG(uint64(w), uint64(w)+1))
			base := int64(w * pagesPerWorker)
			finals[w] = make([][]byte, pagesPerWorker)

			for i := range iterations {
				ownPage := base + int64(rng.Uint64N(pagesPerWorker))
				sharedPage := totalPages - sharedPages + int64(rng.Uint64N(sharedPages))

				switch rng.Uint64N(4) {
				case 0:
					page := randomPage(rng.Uint64())
					if _, err := dev.WriteAt(page, ownPage<<cramdisk.PageShift); err != nil {
						t.Error(err)

						return
					}

					finals[w][ownPage-base] = page
				case 1:
					buf := make([]byte, cramdisk.PageSize)
					if _, err := dev.ReadAt(buf, ownPage<<cramdisk.PageShift); err != nil {
						t.Error(err)

						return
					}
				case 2:
					page := compressiblePage(rng.Uint64())
					if _, err := dev.WriteAt(page, sharedPage<<cramdisk.PageShift); err != nil {
						t.Error(err)

						return
					}
				case 3:
					buf := make([]byte, cramdisk.PageSize)
					if _, err := dev.ReadAt(buf, sharedPage<<cramdisk.PageShift); err != nil {
						t.Error(err)

						return
					}
				}

				_ = i
			}
		}()
	}

	wg.Wait()

	// Every worker's region holds its last write.
	got := make([]byte, cramdisk.PageSize)

	for w := range workers {
		for p, want := range finals[w] {
			if want == nil {
				continue
			}

			off := int64(w*pagesPerWorker+p) << cramdisk.PageShift

			_, err := dev.ReadAt(got, off)
			require.NoError(t, err)
			require.True(t, bytes.Equal(want, got), "worker %d page %d", w, p)
		}
	}

	require.NotEqual(t, int64(-1), dev.TestCountAllocated(), "slot disjunction survived the stress")
}

func Test_Concurrent_Writes_To_Same_Page_Keep_State_Legal(t *testing.T) {
	t.Parallel()

	dev := newTestDevice(t, 4, cramdisk.Options{})

	var wg sync.WaitGroup

	for w := range 6 {
		wg.Add(1)

		go func() {
			defer wg.Done()

			rng := rand.New(rand.NewPCG(uint64(w)*7+1, 3))

			for range 100 {
				switch rng.Uint64N(3) {
				case 0:
					_, _ = dev.WriteAt(randomPage(rng.Uint64()), 0)
				case 1:
					_, _ = dev.WriteAt(bytes.Repeat([]byte{byte(rng.Uint64())}, cramdisk.PageSize), 0)
				case 2:
					dev.NotifyFree(0)
				}
			}
		}()
	}

	wg.Wait()

	allocated := dev.TestCountAllocated()
	require.NotEqual(t, int64(-1), allocated)
	require.Equal(t, allocated, dev.Snapshot().OrigDataSize>>cramdisk.PageShift)
}
