// Package quantization provides lossy vector compression for memory-efficient
// storage: scalar (N-bit linear), product (codebook) and binary (1-bit)
// quantization, plus the quality gate that decides whether a method is good
// enough to enable for a collection.
package quantization

import (
	"errors"
	"fmt"
)

// MinTrainingSamples is the minimum number of vectors required to train any
// quantizer. Training on fewer samples produces parameters that do not
// generalize and is rejected.
const MinTrainingSamples = 64

// Method identifies a quantization method.
type Method int

const (
	// MethodNone stores raw float32 values (identity codec).
	MethodNone Method = iota
	// MethodScalar stores each dimension as an N-bit integer on a linear
	// per-dimension [min, max] scale (16-bit uses IEEE half precision).
	MethodScalar
	// MethodProduct splits the vector into subvectors and stores one trained
	// codebook index per subspace.
	MethodProduct
	// MethodBinary stores one bit per dimension, thresholded at the
	// per-dimension median of the training data.
	MethodBinary
)

func (m Method) String() string {
	switch m {
	case MethodNone:
		return "none"
	case MethodScalar:
		return "scalar"
	case MethodProduct:
		return "product"
	case MethodBinary:
		return "binary"
	default:
		return fmt.Sprintf("unknown(%d)", int(m))
	}
}

// ParseMethod parses the string form produced by Method.String.
func ParseMethod(s string) (Method, error) {
	switch s {
	case "none":
		return MethodNone, nil
	case "scalar":
		return MethodScalar, nil
	case "product":
		return MethodProduct, nil
	case "binary":
		return MethodBinary, nil
	default:
		return 0, fmt.Errorf("quantization: unknown method %q", s)
	}
}

// Config selects and parameterizes a quantization method.
type Config struct {
	Method Method

	// ScalarBits is the bit width for MethodScalar: 4, 8 or 16.
	ScalarBits int

	// Subvectors is the number of subspaces for MethodProduct.
	Subvectors int

	// BitsPerSubvector is the codebook index width for MethodProduct (1-8).
	BitsPerSubvector int

	// Seed makes codebook training deterministic when non-zero.
	Seed int64
}

// ErrDimensionMismatch indicates a vector whose length disagrees with the
// quantizer's configured dimension.
type ErrDimensionMismatch struct {
	Expected int
	Actual   int
}

func (e *ErrDimensionMismatch) Error() string {
	return fmt.Sprintf("quantization: dimension mismatch: expected %d, got %d", e.Expected, e.Actual)
}

// ErrInsufficientTrainingData indicates too few training vectors.
type ErrInsufficientTrainingData struct {
	Got      int
	Required int
}

func (e *ErrInsufficientTrainingData) Error() string {
	return fmt.Sprintf("quantization: insufficient training data: got %d vectors, need at least %d", e.Got, e.Required)
}

// ErrNotTrained is returned when Encode or Decode is called before Train.
var ErrNotTrained = errors.New("quantization: quantizer not trained")

// Quantizer is the uniform encode/decode interface all methods implement.
// Trained parameters are immutable after Train returns; retraining must build
// a fresh Quantizer and swap it atomically at the owner.
type Quantizer interface {
	// Method identifies the quantization method.
	Method() Method

	// Train calibrates the quantizer on a sample of vectors.
	Train(vectors [][]float32) error

	// Encode compresses a vector into its code representation.
	Encode(v []float32) ([]byte, error)

	// Decode reconstructs an approximate vector from a code.
	Decode(code []byte) []float32

	// CodeSize returns the storage bytes per encoded vector.
	CodeSize() int

	// MarshalBinary serializes the trained parameters.
	MarshalBinary() ([]byte, error)

	// UnmarshalBinary restores trained parameters.
	UnmarshalBinary(data []byte) error
}

// New constructs the quantizer selected by cfg for the given dimension.
func New(dimension int, cfg Config) (Quantizer, error) {
	if dimension <= 0 {
		return nil, fmt.Errorf("quantization: invalid dimension %d", dimension)
	}

	switch cfg.Method {
	case MethodNone:
		return NewIdentityQuantizer(dimension), nil
	case MethodScalar:
		return NewScalarQuantizer(dimension, cfg.ScalarBits)
	case MethodProduct:
		return NewProductQuantizer(dimension, cfg.Subvectors, cfg.BitsPerSubvector, cfg.Seed)
	case MethodBinary:
		return NewBinaryQuantizer(dimension), nil
	default:
		return nil, fmt.Errorf("quantization: unknown method: %v", cfg.Method)
	}
}

func validateTrainingSet(vectors [][]float32, dimension int) error {
	if len(vectors) < MinTrainingSamples {
		return &ErrInsufficientTrainingData{Got: len(vectors), Required: MinTrainingSamples}
	}
	for _, v := range vectors {
		if len(v) != dimension {
			return &ErrDimensionMismatch{Expected: dimension, Actual: len(v)}
		}
	}
	return nil
}
