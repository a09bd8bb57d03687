package quantization

import (
	"encoding/binary"
	"math"
)

// IdentityQuantizer is the no-op codec for collections without quantization.
// Codes are the raw float32 values in little-endian order, so quantized and
// unquantized collections share one storage path.
type IdentityQuantizer struct {
	dimension int
}

// NewIdentityQuantizer creates an identity quantizer for the given dimension.
func NewIdentityQuantizer(dimension int) *IdentityQuantizer {
	return &IdentityQuantizer{dimension: dimension}
}

// Method implements Quantizer.
func (iq *IdentityQuantizer) Method() Method { return MethodNone }

// Train is a no-op; the identity codec has no parameters.
func (iq *IdentityQuantizer) Train(vectors [][]float32) error { return nil }

// Encode implements Quantizer.
func (iq *IdentityQuantizer) Encode(v []float32) ([]byte, error) {
	if len(v) != iq.dimension {
		return nil, &ErrDimensionMismatch{Expected: iq.dimension, Actual: len(v)}
	}
	code := make([]byte, len(v)*4)
	for i, val := range v {
		binary.LittleEndian.PutUint32(code[i*4:], math.Float32bits(val))
	}
	return code, nil
}

// Decode implements Quantizer.
func (iq *IdentityQuantizer) Decode(code []byte) []float32 {
	v := make([]float32, iq.dimension)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(code[i*4:]))
	}
	return v
}

// CodeSize implements Quantizer.
func (iq *IdentityQuantizer) CodeSize() int { return iq.dimension * 4 }

// MarshalBinary implements Quantizer. There is no trained state.
func (iq *IdentityQuantizer) MarshalBinary() ([]byte, error) { return nil, nil }

// UnmarshalBinary implements Quantizer.
func (iq *IdentityQuantizer) UnmarshalBinary(data []byte) error { return nil }
