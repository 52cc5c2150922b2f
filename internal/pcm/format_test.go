package pcm_test

import (
	"testing"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/dspdaemon/dspd/internal/pcm"
)

var allFormats = []pcm.Format{
	pcm.FormatS8, pcm.FormatU8,
	pcm.FormatS16LE, pcm.FormatS16BE, pcm.FormatU16LE, pcm.FormatU16BE,
	pcm.FormatS24LE, pcm.FormatS24BE, pcm.FormatU24LE, pcm.FormatU24BE,
	pcm.FormatS32LE, pcm.FormatS32BE, pcm.FormatU32LE, pcm.FormatU32BE,
	pcm.FormatFloat32LE, pcm.FormatFloat32BE, pcm.FormatFloat64LE, pcm.FormatFloat64BE,
}

func TestBytesPerSampleKnownForEveryFormat(t *testing.T) {
	for _, f := range allFormats {
		require.True(t, f.Valid())
		require.Greater(t, f.BytesPerSample(), 0)
	}
}

// TestFloat32RoundTripProperty is spec §8's format-conversion round-trip
// law: converting an in-range float32 sample to any native format and back
// reproduces the same quantized value (nearest-representable, not bit
// identical, since narrower integer formats are lossy).
func TestFloat32RoundTripProperty(t *testing.T) {
	for _, f := range allFormats {
		f := f
		t.Run(formatName(f), func(t *testing.T) {
			rapid.Check(t, func(t *rapid.T) {
				v := float32(rapid.Float64Range(-1, 1).Draw(t, "sample"))
				buf := make([]byte, f.BytesPerSample())
				pcm.FromFloat32(v, buf, f)
				got := pcm.ToFloat32(buf, f)

				buf2 := make([]byte, f.BytesPerSample())
				pcm.FromFloat32(got, buf2, f)
				require.Equal(t, buf, buf2, "re-encoding the decoded sample must be idempotent")
			})
		})
	}
}

func TestIntegerExtremesRoundTripExactly(t *testing.T) {
	cases := []struct {
		f        pcm.Format
		v        float32
		wantZero bool
	}{
		{pcm.FormatS16LE, 1.0, false},
		{pcm.FormatS16LE, -1.0, false},
		{pcm.FormatS16LE, 0, true},
		{pcm.FormatS8, 1.0, false},
		{pcm.FormatU8, 0, false},
	}
	for _, c := range cases {
		buf := make([]byte, c.f.BytesPerSample())
		pcm.FromFloat32(c.v, buf, c.f)
		got := pcm.ToFloat32(buf, c.f)
		if c.wantZero {
			require.Zero(t, got)
		}
		require.InDelta(t, c.v, got, 0.01)
	}
}

func TestConvertBuffersRejectShortSlices(t *testing.T) {
	out := make([]float32, 4)
	err := pcm.ConvertToFloat32([]byte{0, 1}, pcm.FormatS16LE, 4, out)
	require.Error(t, err)

	dst := make([]byte, 2)
	err = pcm.ConvertFromFloat32(make([]float32, 4), pcm.FormatS16LE, dst)
	require.Error(t, err)
}

func formatName(f pcm.Format) string {
	switch f {
	case pcm.FormatS8:
		return "S8"
	case pcm.FormatU8:
		return "U8"
	case pcm.FormatS16LE:
		return "S16LE"
	case pcm.FormatS16BE:
		return "S16BE"
	case pcm.FormatU16LE:
		return "U16LE"
	case pcm.FormatU16BE:
		return "U16BE"
	case pcm.FormatS24LE:
		return "S24LE"
	case pcm.FormatS24BE:
		return "S24BE"
	case pcm.FormatU24LE:
		return "U24LE"
	case pcm.FormatU24BE:
		return "U24BE"
	case pcm.FormatS32LE:
		return "S32LE"
	case pcm.FormatS32BE:
		return "S32BE"
	case pcm.FormatU32LE:
		return "U32LE"
	case pcm.FormatU32BE:
		return "U32BE"
	case pcm.FormatFloat32LE:
		return "Float32LE"
	case pcm.FormatFloat32BE:
		return "Float32BE"
	case pcm.FormatFloat64LE:
		return "Float64LE"
	case pcm.FormatFloat64BE:
		return "Float64BE"
	default:
		return "unknown"
	}
}
