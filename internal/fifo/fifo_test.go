package fifo_test

import (
	"testing"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/dspdaemon/dspd/internal/fifo"
)

func TestWriteReadRoundTrip(t *testing.T) {
	f := fifo.New(8, 1)
	n, err := f.Write([]byte("hello"))
	require.NoError(t, err)
	require.EqualValues(t, 5, n)

	buf := make([]byte, 5)
	n, err = f.Read(buf)
	require.NoError(t, err)
	require.EqualValues(t, 5, n)
	require.Equal(t, "hello", string(buf))
}

func TestEmptyAndFullNeverBlock(t *testing.T) {
	f := fifo.New(4, 1)
	region, n, err := f.ReserveRead(4)
	require.NoError(t, err)
	require.Zero(t, n)
	require.Empty(t, region)

	_, _ = f.Write([]byte{1, 2, 3, 4})
	region, n, err = f.ReserveWrite(4)
	require.NoError(t, err)
	require.Zero(t, n)
	require.Empty(t, region)
}

func TestWrapReturnsShortPrefix(t *testing.T) {
	f := fifo.New(4, 1)
	_, _ = f.Write([]byte{1, 2, 3})
	buf := make([]byte, 2)
	_, _ = f.Read(buf) // out=2, in=3, 1 byte occupied

	region, n, err := f.ReserveWrite(4)
	require.NoError(t, err)
	// in=3 -> position 3, only 1 contiguous slot before wrap even though
	// there are 3 free overall.
	require.EqualValues(t, 1, n)
	require.Len(t, region, 1)
}

func TestRewindViaWrappingDelta(t *testing.T) {
	f := fifo.New(8, 1)
	_, _ = f.Write([]byte{1, 2, 3, 4})
	buf := make([]byte, 4)
	_, _ = f.Read(buf)

	// Rewind the read pointer by 2 using wraparound arithmetic.
	f.CommitRead(^uint32(2) + 1) // -2 as unsigned
	_, _, used, err := f.Length()
	require.NoError(t, err)
	require.EqualValues(t, 2, used)
}

// TestOccupancyInvariant is the property from spec §8: across any
// interleaving of a single writer and reader, 0 <= used <= capacity, and a
// read never returns bytes never written, in write order.
func TestOccupancyInvariant(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		capacity := uint32(rapid.IntRange(1, 64).Draw(t, "capacity"))
		f := fifo.New(capacity, 1)

		var written, read []byte
		ops := rapid.SliceOfN(rapid.IntRange(0, 1), 0, 200).Draw(t, "ops")
		for _, op := range ops {
			if op == 0 {
				b := byte(len(written))
				n, err := f.Write([]byte{b})
				require.NoError(t, err)
				if n == 1 {
					written = append(written, b)
				}
			} else {
				buf := make([]byte, 1)
				n, err := f.Read(buf)
				require.NoError(t, err)
				if n == 1 {
					read = append(read, buf[0])
				}
			}
			_, _, used, err := f.Length()
			require.NoError(t, err)
			require.LessOrEqual(t, used, capacity)
		}
		require.Equal(t, written[:len(read)], read)
	})
}

func TestErrorWordIsSticky(t *testing.T) {
	f := fifo.New(4, 1)
	require.Zero(t, f.Error())
	f.SetError(5)
	require.EqualValues(t, 5, f.Error())
}
