package quantization

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/x448/float16"
)

// ScalarQuantizer implements N-bit scalar quantization.
//
// For 4- and 8-bit widths each dimension is mapped linearly from its training
// [min, max] range onto [0, 2^N-1]. Ranges are kept per dimension, so one
// outlier dimension does not degrade the resolution of the others.
//
// The 16-bit width stores IEEE 754 half-precision values instead of a linear
// scale; it needs no training statistics and halves memory with negligible
// ranking loss.
type ScalarQuantizer struct {
	dimension int
	bits      int
	mins      []float32 // per-dimension minimum (4/8-bit only)
	maxs      []float32 // per-dimension maximum (4/8-bit only)
	trained   bool
}

// NewScalarQuantizer creates a scalar quantizer with the given bit width.
// Supported widths are 4, 8 and 16.
func NewScalarQuantizer(dimension, bits int) (*ScalarQuantizer, error) {
	switch bits {
	case 4, 8, 16:
	default:
		return nil, fmt.Errorf("quantization: unsupported scalar bit width %d (want 4, 8 or 16)", bits)
	}
	return &ScalarQuantizer{
		dimension: dimension,
		bits:      bits,
	}, nil
}

// Method implements Quantizer.
func (sq *ScalarQuantizer) Method() Method { return MethodScalar }

// Bits returns the configured bit width.
func (sq *ScalarQuantizer) Bits() int { return sq.bits }

// Train computes per-dimension min/max over the training set.
func (sq *ScalarQuantizer) Train(vectors [][]float32) error {
	if err := validateTrainingSet(vectors, sq.dimension); err != nil {
		return err
	}

	if sq.bits == 16 {
		// Half precision needs no calibration.
		sq.trained = true
		return nil
	}

	mins := make([]float32, sq.dimension)
	maxs := make([]float32, sq.dimension)
	for d := range mins {
		mins[d] = math.MaxFloat32
		maxs[d] = -math.MaxFloat32
	}

	for _, vec := range vectors {
		for d, val := range vec {
			if val < mins[d] {
				mins[d] = val
			}
			if val > maxs[d] {
				maxs[d] = val
			}
		}
	}

	// Degenerate dimensions quantize everything to level 0.
	for d := range mins {
		if mins[d] == maxs[d] {
			maxs[d] = mins[d] + 1
		}
	}

	sq.mins = mins
	sq.maxs = maxs
	sq.trained = true
	return nil
}

func (sq *ScalarQuantizer) levels() float32 {
	return float32(uint32(1)<<sq.bits - 1)
}

// Encode implements Quantizer.
func (sq *ScalarQuantizer) Encode(v []float32) ([]byte, error) {
	if len(v) != sq.dimension {
		return nil, &ErrDimensionMismatch{Expected: sq.dimension, Actual: len(v)}
	}
	if !sq.trained {
		return nil, ErrNotTrained
	}

	switch sq.bits {
	case 16:
		code := make([]byte, sq.dimension*2)
		for i, val := range v {
			binary.LittleEndian.PutUint16(code[i*2:], float16.Fromfloat32(val).Bits())
		}
		return code, nil

	case 8:
		code := make([]byte, sq.dimension)
		for i, val := range v {
			code[i] = byte(sq.level(i, val))
		}
		return code, nil

	default: // 4
		code := make([]byte, (sq.dimension+1)/2)
		for i, val := range v {
			lv := byte(sq.level(i, val))
			if i%2 == 0 {
				code[i/2] = lv
			} else {
				code[i/2] |= lv << 4
			}
		}
		return code, nil
	}
}

// level maps v[d] onto [0, 2^bits-1], clamping out-of-range values.
func (sq *ScalarQuantizer) level(d int, val float32) uint32 {
	lo, hi := sq.mins[d], sq.maxs[d]
	if val < lo {
		val = lo
	} else if val > hi {
		val = hi
	}
	return uint32((val-lo)/(hi-lo)*sq.levels() + 0.5)
}

// Decode implements Quantizer.
func (sq *ScalarQuantizer) Decode(code []byte) []float32 {
	v := make([]float32, sq.dimension)

	switch sq.bits {
	case 16:
		for i := range v {
			v[i] = float16.Frombits(binary.LittleEndian.Uint16(code[i*2:])).Float32()
		}

	case 8:
		for i := range v {
			v[i] = sq.value(i, uint32(code[i]))
		}

	default: // 4
		for i := range v {
			b := code[i/2]
			if i%2 == 0 {
				v[i] = sq.value(i, uint32(b&0x0F))
			} else {
				v[i] = sq.value(i, uint32(b>>4))
			}
		}
	}

	return v
}

func (sq *ScalarQuantizer) value(d int, level uint32) float32 {
	lo, hi := sq.mins[d], sq.maxs[d]
	return lo + float32(level)/sq.levels()*(hi-lo)
}

// CodeSize implements Quantizer.
func (sq *ScalarQuantizer) CodeSize() int {
	return (sq.dimension*sq.bits + 7) / 8
}

// MarshalBinary implements Quantizer.
// Format (little-endian): [bits:u8][trained:u8][dimension:u32][mins][maxs]
func (sq *ScalarQuantizer) MarshalBinary() ([]byte, error) {
	size := 6
	if sq.bits != 16 && sq.trained {
		size += sq.dimension * 8
	}
	b := make([]byte, 0, size)
	b = append(b, byte(sq.bits), boolByte(sq.trained))

	var dim [4]byte
	binary.LittleEndian.PutUint32(dim[:], uint32(sq.dimension))
	b = append(b, dim[:]...)

	if sq.bits != 16 && sq.trained {
		for _, m := range sq.mins {
			b = binary.LittleEndian.AppendUint32(b, math.Float32bits(m))
		}
		for _, m := range sq.maxs {
			b = binary.LittleEndian.AppendUint32(b, math.Float32bits(m))
		}
	}
	return b, nil
}

// UnmarshalBinary implements Quantizer.
func (sq *ScalarQuantizer) UnmarshalBinary(data []byte) error {
	if len(data) < 6 {
		return fmt.Errorf("quantization: scalar quantizer state truncated")
	}
	sq.bits = int(data[0])
	sq.trained = data[1] != 0
	sq.dimension = int(binary.LittleEndian.Uint32(data[2:6]))

	if sq.bits != 16 && sq.trained {
		want := 6 + sq.dimension*8
		if len(data) != want {
			return fmt.Errorf("quantization: scalar quantizer state length %d, want %d", len(data), want)
		}
		sq.mins = make([]float32, sq.dimension)
		sq.maxs = make([]float32, sq.dimension)
		off := 6
		for d := range sq.mins {
			sq.mins[d] = math.Float32frombits(binary.LittleEndian.Uint32(data[off:]))
			off += 4
		}
		for d := range sq.maxs {
			sq.maxs[d] = math.Float32frombits(binary.LittleEndian.Uint32(data[off:]))
			off += 4
		}
	}
	return nil
}

func boolByte(b bool) byte {
	if b {
		return 1
	}
	return 0
}
