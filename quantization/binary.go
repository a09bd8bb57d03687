package quantization

import (
	"encoding/binary"
	"fmt"
	"math"
	"sort"
)

// BinaryQuantizer implements 1-bit-per-dimension quantization.
//
// Each dimension is thresholded at its training-set median, which splits the
// bit population evenly and maximizes the information carried per bit.
// Similarity between codes is Hamming distance (popcount of XOR), so
// comparisons need no float arithmetic at all. Fastest method, lowest
// fidelity; best used for coarse filtering or with reranking.
type BinaryQuantizer struct {
	dimension  int
	thresholds []float32 // per-dimension median of the training data
	trained    bool
}

// NewBinaryQuantizer creates a binary quantizer for the given dimension.
func NewBinaryQuantizer(dimension int) *BinaryQuantizer {
	return &BinaryQuantizer{dimension: dimension}
}

// Method implements Quantizer.
func (bq *BinaryQuantizer) Method() Method { return MethodBinary }

// Thresholds returns the trained per-dimension thresholds.
func (bq *BinaryQuantizer) Thresholds() []float32 { return bq.thresholds }

// Train computes the per-dimension median over the training set.
func (bq *BinaryQuantizer) Train(vectors [][]float32) error {
	if err := validateTrainingSet(vectors, bq.dimension); err != nil {
		return err
	}

	thresholds := make([]float32, bq.dimension)
	column := make([]float32, len(vectors))

	for d := 0; d < bq.dimension; d++ {
		for i, vec := range vectors {
			column[i] = vec[d]
		}
		sort.Slice(column, func(i, j int) bool { return column[i] < column[j] })

		mid := len(column) / 2
		if len(column)%2 == 0 {
			thresholds[d] = (column[mid-1] + column[mid]) / 2
		} else {
			thresholds[d] = column[mid]
		}
	}

	bq.thresholds = thresholds
	bq.trained = true
	return nil
}

// Encode implements Quantizer. Bits are packed little-endian within bytes.
func (bq *BinaryQuantizer) Encode(v []float32) ([]byte, error) {
	if len(v) != bq.dimension {
		return nil, &ErrDimensionMismatch{Expected: bq.dimension, Actual: len(v)}
	}
	if !bq.trained {
		return nil, ErrNotTrained
	}

	code := make([]byte, bq.CodeSize())
	for i, val := range v {
		if val >= bq.thresholds[i] {
			code[i/8] |= 1 << (i % 8)
		}
	}
	return code, nil
}

// Decode reconstructs a coarse approximation: each dimension decodes to its
// threshold shifted by half a unit in the bit's direction.
func (bq *BinaryQuantizer) Decode(code []byte) []float32 {
	v := make([]float32, bq.dimension)
	for i := range v {
		t := bq.thresholds[i]
		if code[i/8]&(1<<(i%8)) != 0 {
			v[i] = t + 0.5
		} else {
			v[i] = t - 0.5
		}
	}
	return v
}

// CodeSize implements Quantizer.
func (bq *BinaryQuantizer) CodeSize() int {
	return (bq.dimension + 7) / 8
}

// MarshalBinary implements Quantizer.
// Format (little-endian): [trained:u8][dimension:u32][thresholds]
func (bq *BinaryQuantizer) MarshalBinary() ([]byte, error) {
	b := make([]byte, 0, 5+len(bq.thresholds)*4)
	b = append(b, boolByte(bq.trained))
	b = binary.LittleEndian.AppendUint32(b, uint32(bq.dimension))
	for _, t := range bq.thresholds {
		b = binary.LittleEndian.AppendUint32(b, math.Float32bits(t))
	}
	return b, nil
}

// UnmarshalBinary implements Quantizer.
func (bq *BinaryQuantizer) UnmarshalBinary(data []byte) error {
	if len(data) < 5 {
		return fmt.Errorf("quantization: binary quantizer state truncated")
	}
	bq.trained = data[0] != 0
	bq.dimension = int(binary.LittleEndian.Uint32(data[1:5]))

	if bq.trained {
		want := 5 + bq.dimension*4
		if len(data) != want {
			return fmt.Errorf("quantization: binary quantizer state length %d, want %d", len(data), want)
		}
		bq.thresholds = make([]float32, bq.dimension)
		for d := range bq.thresholds {
			bq.thresholds[d] = math.Float32frombits(binary.LittleEndian.Uint32(data[5+d*4:]))
		}
	}
	return nil
}
