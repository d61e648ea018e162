package dtype

import (
	"encoding/binary"
	"math"
	"strconv"
)

//See: https://en.wikipedia.org/wiki/Bfloat16_floating-point_format
//See: https://cloud.google.com/tpu/docs/bfloat16

type BFloat16 uint16

func (bf BFloat16) Bits() uint16 {
	return uint16(bf)
}

func (bf BFloat16) Float32() float32 {
	return math.Float32frombits(uint32(bf) << 16)
}

func (bf BFloat16) Float64() float64 {
	return float64(bf.Float32())
}

func (bf BFloat16) String() string {
	return strconv.FormatFloat(bf.Float64(), 'f', -1, 32)
}

// BFloat16fromFloat32 drops the lower 16 bits of the mantissa.
func BFloat16fromFloat32(f32 float32) BFloat16 {
	return BFloat16(math.Float32bits(f32) >> 16)
}

// BFloat16fromFloat32Rounded rounds to the nearest even value, as torch does when casting to bfloat16.
func BFloat16fromFloat32Rounded(f32 float32) BFloat16 {
	bits := math.Float32bits(f32)
	if math.IsNaN(float64(f32)) {
		// keep NaN quiet, rounding could carry it into Inf
		return BFloat16(bits>>16 | 0x0040)
	}
	lsb := (bits >> 16) & 1
	bits += 0x7FFF + lsb
	return BFloat16(bits >> 16)
}

func BFloat16bitsToFloat32(b16 uint16) float32 {
	return math.Float32frombits(uint32(b16) << 16)
}

// DecodeBFloat16LittleEndian widens little endian bfloat16 bytes into dst, len(dst) items are read.
func DecodeBFloat16LittleEndian(dst []float32, src []byte) {
	if len(dst) == 0 {
		return
	}
	_ = src[2*len(dst)-1]
	for i := range dst {
		dst[i] = math.Float32frombits(uint32(binary.LittleEndian.Uint16(src[2*i:])) << 16)
	}
}

// EncodeBFloat16LittleEndian writes src as rounded little endian bfloat16 values into dst.
func EncodeBFloat16LittleEndian(dst []byte, src []float32) {
	if len(src) == 0 {
		return
	}
	_ = dst[2*len(src)-1]
	for i, v := range src {
		binary.LittleEndian.PutUint16(dst[2*i:], BFloat16fromFloat32Rounded(v).Bits())
	}
}
