// Package pcm implements the PCM Stream and PCM Client components of
// spec §4.3/§4.4: per-client format conversion, pointer bookkeeping, the
// half-duplex stream state machine, and the client-level façade that binds
// up to two streams and tracks their single outstanding async operation.
package pcm

import (
	"encoding/binary"
	"math"

	"github.com/dspdaemon/dspd/internal/dspderr"
)

// Format is one of the interleaved PCM sample encodings named in spec §6.
type Format int

const (
	FormatS8 Format = iota
	FormatU8
	FormatS16LE
	FormatS16BE
	FormatU16LE
	FormatU16BE
	FormatS24LE
	FormatS24BE
	FormatU24LE
	FormatU24BE
	FormatS32LE
	FormatS32BE
	FormatU32LE
	FormatU32BE
	FormatFloat32LE
	FormatFloat32BE
	FormatFloat64LE
	FormatFloat64BE
)

// BytesPerSample returns the on-the-wire width of one sample in Format.
func (f Format) BytesPerSample() int {
	switch f {
	case FormatS8, FormatU8:
		return 1
	case FormatS16LE, FormatS16BE, FormatU16LE, FormatU16BE:
		return 2
	case FormatS24LE, FormatS24BE, FormatU24LE, FormatU24BE:
		return 3
	case FormatS32LE, FormatS32BE, FormatU32LE, FormatU32BE,
		FormatFloat32LE, FormatFloat32BE:
		return 4
	case FormatFloat64LE, FormatFloat64BE:
		return 8
	default:
		return 0
	}
}

// Valid reports whether f is a recognised format.
func (f Format) Valid() bool { return f.BytesPerSample() > 0 }

var formatNames = map[Format]string{
	FormatS8:        "s8",
	FormatU8:        "u8",
	FormatS16LE:     "s16le",
	FormatS16BE:     "s16be",
	FormatU16LE:     "u16le",
	FormatU16BE:     "u16be",
	FormatS24LE:     "s24le",
	FormatS24BE:     "s24be",
	FormatU24LE:     "u24le",
	FormatU24BE:     "u24be",
	FormatS32LE:     "s32le",
	FormatS32BE:     "s32be",
	FormatU32LE:     "u32le",
	FormatU32BE:     "u32be",
	FormatFloat32LE: "float32le",
	FormatFloat32BE: "float32be",
	FormatFloat64LE: "float64le",
	FormatFloat64BE: "float64be",
}

// String renders f the way configuration files and log lines spell it.
func (f Format) String() string {
	if name, ok := formatNames[f]; ok {
		return name
	}
	return "unknown"
}

// ParseFormat is the inverse of String, used by config to turn a YAML
// "format: s16le" field into a Format.
func ParseFormat(name string) (Format, error) {
	for f, n := range formatNames {
		if n == name {
			return f, nil
		}
	}
	return 0, dspderr.New(dspderr.KindInvalid, "pcm.ParseFormat",
		errInvalidFormat(name))
}

type errInvalidFormat string

func (e errInvalidFormat) Error() string { return "unknown pcm format: " + string(e) }

func clampInt64(v, lo, hi int64) int64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// ToFloat32 converts one interleaved sample encoded in src (which must be
// exactly f.BytesPerSample() bytes) to the server's internal float32
// representation, in [-1, 1] for integer formats.
func ToFloat32(src []byte, f Format) float32 {
	switch f {
	case FormatS8:
		return float32(int8(src[0])) / 128
	case FormatU8:
		return (float32(src[0]) - 128) / 128
	case FormatS16LE:
		v := int16(binary.LittleEndian.Uint16(src))
		return float32(v) / 32768
	case FormatS16BE:
		v := int16(binary.BigEndian.Uint16(src))
		return float32(v) / 32768
	case FormatU16LE:
		v := int32(binary.LittleEndian.Uint16(src)) - 32768
		return float32(v) / 32768
	case FormatU16BE:
		v := int32(binary.BigEndian.Uint16(src)) - 32768
		return float32(v) / 32768
	case FormatS24LE:
		v := int32(src[0]) | int32(src[1])<<8 | int32(int8(src[2]))<<16
		return float32(v) / 8388608
	case FormatS24BE:
		v := int32(src[2]) | int32(src[1])<<8 | int32(int8(src[0]))<<16
		return float32(v) / 8388608
	case FormatU24LE:
		v := (int32(src[0]) | int32(src[1])<<8 | int32(src[2])<<16) - 8388608
		return float32(v) / 8388608
	case FormatU24BE:
		v := (int32(src[2]) | int32(src[1])<<8 | int32(src[0])<<16) - 8388608
		return float32(v) / 8388608
	case FormatS32LE:
		v := int32(binary.LittleEndian.Uint32(src))
		return float32(float64(v) / 2147483648)
	case FormatS32BE:
		v := int32(binary.BigEndian.Uint32(src))
		return float32(float64(v) / 2147483648)
	case FormatU32LE:
		v := int64(binary.LittleEndian.Uint32(src)) - 2147483648
		return float32(float64(v) / 2147483648)
	case FormatU32BE:
		v := int64(binary.BigEndian.Uint32(src)) - 2147483648
		return float32(float64(v) / 2147483648)
	case FormatFloat32LE:
		return math.Float32frombits(binary.LittleEndian.Uint32(src))
	case FormatFloat32BE:
		return math.Float32frombits(binary.BigEndian.Uint32(src))
	case FormatFloat64LE:
		return float32(math.Float64frombits(binary.LittleEndian.Uint64(src)))
	case FormatFloat64BE:
		return float32(math.Float64frombits(binary.BigEndian.Uint64(src)))
	default:
		return 0
	}
}

// FromFloat32 converts an internal float32 sample into dst, encoded as f.
// dst must be exactly f.BytesPerSample() bytes.
func FromFloat32(v float32, dst []byte, f Format) {
	switch f {
	case FormatS8:
		i := clampInt64(int64(math.Round(float64(v)*128)), -128, 127)
		dst[0] = byte(int8(i))
	case FormatU8:
		i := clampInt64(int64(math.Round(float64(v)*128))+128, 0, 255)
		dst[0] = byte(i)
	case FormatS16LE:
		i := clampInt64(int64(math.Round(float64(v)*32768)), -32768, 32767)
		binary.LittleEndian.PutUint16(dst, uint16(int16(i)))
	case FormatS16BE:
		i := clampInt64(int64(math.Round(float64(v)*32768)), -32768, 32767)
		binary.BigEndian.PutUint16(dst, uint16(int16(i)))
	case FormatU16LE:
		i := clampInt64(int64(math.Round(float64(v)*32768))+32768, 0, 65535)
		binary.LittleEndian.PutUint16(dst, uint16(i))
	case FormatU16BE:
		i := clampInt64(int64(math.Round(float64(v)*32768))+32768, 0, 65535)
		binary.BigEndian.PutUint16(dst, uint16(i))
	case FormatS24LE:
		i := clampInt64(int64(math.Round(float64(v)*8388608)), -8388608, 8388607)
		dst[0] = byte(i)
		dst[1] = byte(i >> 8)
		dst[2] = byte(i >> 16)
	case FormatS24BE:
		i := clampInt64(int64(math.Round(float64(v)*8388608)), -8388608, 8388607)
		dst[2] = byte(i)
		dst[1] = byte(i >> 8)
		dst[0] = byte(i >> 16)
	case FormatU24LE:
		i := clampInt64(int64(math.Round(float64(v)*8388608))+8388608, 0, 16777215)
		dst[0] = byte(i)
		dst[1] = byte(i >> 8)
		dst[2] = byte(i >> 16)
	case FormatU24BE:
		i := clampInt64(int64(math.Round(float64(v)*8388608))+8388608, 0, 16777215)
		dst[2] = byte(i)
		dst[1] = byte(i >> 8)
		dst[0] = byte(i >> 16)
	case FormatS32LE:
		i := clampInt64(int64(math.Round(float64(v)*2147483648)), math.MinInt32, math.MaxInt32)
		binary.LittleEndian.PutUint32(dst, uint32(int32(i)))
	case FormatS32BE:
		i := clampInt64(int64(math.Round(float64(v)*2147483648)), math.MinInt32, math.MaxInt32)
		binary.BigEndian.PutUint32(dst, uint32(int32(i)))
	case FormatU32LE:
		i := clampInt64(int64(math.Round(float64(v)*2147483648))+2147483648, 0, 4294967295)
		binary.LittleEndian.PutUint32(dst, uint32(i))
	case FormatU32BE:
		i := clampInt64(int64(math.Round(float64(v)*2147483648))+2147483648, 0, 4294967295)
		binary.BigEndian.PutUint32(dst, uint32(i))
	case FormatFloat32LE:
		binary.LittleEndian.PutUint32(dst, math.Float32bits(v))
	case FormatFloat32BE:
		binary.BigEndian.PutUint32(dst, math.Float32bits(v))
	case FormatFloat64LE:
		binary.LittleEndian.PutUint64(dst, math.Float64bits(float64(v)))
	case FormatFloat64BE:
		binary.BigEndian.PutUint64(dst, math.Float64bits(float64(v)))
	}
}

// ConvertToFloat32 converts an interleaved buffer of count frames * channels
// samples encoded as f into a float32 slice of the same sample count.
func ConvertToFloat32(src []byte, f Format, samples int, out []float32) error {
	bps := f.BytesPerSample()
	if !f.Valid() {
		return dspderr.New(dspderr.KindInvalid, "pcm.convert", nil)
	}
	if len(src) < samples*bps || len(out) < samples {
		return dspderr.New(dspderr.KindInvalid, "pcm.convert", nil)
	}
	for i := 0; i < samples; i++ {
		out[i] = ToFloat32(src[i*bps:(i+1)*bps], f)
	}
	return nil
}

// ConvertFromFloat32 is the inverse of ConvertToFloat32.
func ConvertFromFloat32(src []float32, f Format, dst []byte) error {
	bps := f.BytesPerSample()
	if !f.Valid() {
		return dspderr.New(dspderr.KindInvalid, "pcm.convert", nil)
	}
	if len(dst) < len(src)*bps {
		return dspderr.New(dspderr.KindInvalid, "pcm.convert", nil)
	}
	for i, v := range src {
		FromFloat32(v, dst[i*bps:(i+1)*bps], f)
	}
	return nil
}
