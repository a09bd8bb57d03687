package quantization

import (
	"errors"
	"math"
	"math/rand"
	"testing"
)

func trainingVectors(n, dim int, seed int64) [][]float32 {
	rng := rand.New(rand.NewSource(seed))
	vectors := make([][]float32, n)
	for i := range vectors {
		v := make([]float32, dim)
		for d := range v {
			v[d] = rng.Float32()*2 - 1
		}
		vectors[i] = v
	}
	return vectors
}

func TestScalarQuantizer_Train(t *testing.T) {
	vectors := trainingVectors(MinTrainingSamples, 8, 1)
	vectors[0][3] = -5.0
	vectors[1][3] = 7.0

	sq, err := NewScalarQuantizer(8, 8)
	if err != nil {
		t.Fatalf("NewScalarQuantizer failed: %v", err)
	}
	if err := sq.Train(vectors); err != nil {
		t.Fatalf("Train failed: %v", err)
	}

	if sq.mins[3] != -5.0 {
		t.Errorf("expected mins[3]=-5.0, got %f", sq.mins[3])
	}
	if sq.maxs[3] != 7.0 {
		t.Errorf("expected maxs[3]=7.0, got %f", sq.maxs[3])
	}
}

func TestScalarQuantizer_InsufficientTrainingData(t *testing.T) {
	sq, _ := NewScalarQuantizer(4, 8)
	err := sq.Train(trainingVectors(MinTrainingSamples-1, 4, 1))

	var insufficient *ErrInsufficientTrainingData
	if !errors.As(err, &insufficient) {
		t.Fatalf("expected ErrInsufficientTrainingData, got %v", err)
	}
	if insufficient.Required != MinTrainingSamples {
		t.Errorf("Required = %d, want %d", insufficient.Required, MinTrainingSamples)
	}
}

func TestScalarQuantizer_RoundTripError(t *testing.T) {
	for _, bits := range []int{4, 8, 16} {
		t.Run(map[int]string{4: "4bit", 8: "8bit", 16: "16bit"}[bits], func(t *testing.T) {
			dim := 16
			vectors := trainingVectors(128, dim, 2)

			sq, err := NewScalarQuantizer(dim, bits)
			if err != nil {
				t.Fatalf("NewScalarQuantizer failed: %v", err)
			}
			if err := sq.Train(vectors); err != nil {
				t.Fatalf("Train failed: %v", err)
			}

			// Per-dimension error bound: one quantization step.
			for _, v := range vectors[:16] {
				code, err := sq.Encode(v)
				if err != nil {
					t.Fatalf("Encode failed: %v", err)
				}
				decoded := sq.Decode(code)

				for d := range v {
					var bound float64
					switch bits {
					case 16:
						bound = math.Abs(float64(v[d]))/1024 + 1e-4
					default:
						steps := float64(uint32(1)<<bits - 1)
						bound = float64(sq.maxs[d]-sq.mins[d]) / steps
					}
					if diff := math.Abs(float64(v[d] - decoded[d])); diff > bound*1.01 {
						t.Fatalf("bits=%d dim=%d: error %f exceeds bound %f", bits, d, diff, bound)
					}
				}
			}
		})
	}
}

func TestScalarQuantizer_CodeSize(t *testing.T) {
	tests := []struct {
		dim, bits, want int
	}{
		{384, 8, 384},
		{384, 4, 192},
		{384, 16, 768},
		{7, 4, 4},
	}
	for _, tt := range tests {
		sq, err := NewScalarQuantizer(tt.dim, tt.bits)
		if err != nil {
			t.Fatalf("NewScalarQuantizer(%d, %d) failed: %v", tt.dim, tt.bits, err)
		}
		if got := sq.CodeSize(); got != tt.want {
			t.Errorf("CodeSize(dim=%d bits=%d) = %d, want %d", tt.dim, tt.bits, got, tt.want)
		}
	}
}

func TestScalarQuantizer_DimensionMismatch(t *testing.T) {
	sq, _ := NewScalarQuantizer(8, 8)
	if err := sq.Train(trainingVectors(128, 8, 3)); err != nil {
		t.Fatalf("Train failed: %v", err)
	}

	_, err := sq.Encode(make([]float32, 9))
	var mismatch *ErrDimensionMismatch
	if !errors.As(err, &mismatch) {
		t.Fatalf("expected ErrDimensionMismatch, got %v", err)
	}
	if mismatch.Expected != 8 || mismatch.Actual != 9 {
		t.Errorf("mismatch fields = %d/%d, want 8/9", mismatch.Expected, mismatch.Actual)
	}
}

func TestScalarQuantizer_EncodeBeforeTrain(t *testing.T) {
	sq, _ := NewScalarQuantizer(8, 8)
	if _, err := sq.Encode(make([]float32, 8)); err != ErrNotTrained {
		t.Errorf("expected ErrNotTrained, got %v", err)
	}
}

func TestBinaryQuantizer_MedianThreshold(t *testing.T) {
	// Column 0 has a skewed distribution; the median must ignore the skew.
	vectors := make([][]float32, MinTrainingSamples)
	for i := range vectors {
		v := make([]float32, 2)
		if i < len(vectors)/2 {
			v[0] = -0.1
		} else {
			v[0] = 100
		}
		v[1] = float32(i)
		vectors[i] = v
	}

	bq := NewBinaryQuantizer(2)
	if err := bq.Train(vectors); err != nil {
		t.Fatalf("Train failed: %v", err)
	}

	th := bq.Thresholds()
	if th[0] < -0.1 || th[0] > 100 {
		t.Errorf("threshold[0] = %f, want within data range", th[0])
	}

	// Values on either side of the median must encode to different bits.
	lo, err := bq.Encode([]float32{-0.1, 0})
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	hi, err := bq.Encode([]float32{100, 0})
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	if lo[0]&1 == hi[0]&1 {
		t.Error("values across the median should differ in bit 0")
	}
}

func TestBinaryQuantizer_CodeSize(t *testing.T) {
	for _, tt := range []struct{ dim, want int }{{8, 1}, {9, 2}, {384, 48}} {
		bq := NewBinaryQuantizer(tt.dim)
		if got := bq.CodeSize(); got != tt.want {
			t.Errorf("CodeSize(dim=%d) = %d, want %d", tt.dim, got, tt.want)
		}
	}
}

func TestProductQuantizer_RoundTrip(t *testing.T) {
	dim := 32
	vectors := trainingVectors(512, dim, 4)

	pq, err := NewProductQuantizer(dim, 8, 8, 42)
	if err != nil {
		t.Fatalf("NewProductQuantizer failed: %v", err)
	}
	if err := pq.Train(vectors); err != nil {
		t.Fatalf("Train failed: %v", err)
	}

	if got := pq.CodeSize(); got != 8 {
		t.Errorf("CodeSize = %d, want 8", got)
	}

	// Reconstruction error must be far below the data variance.
	var totalErr, totalMag float64
	for _, v := range vectors[:64] {
		code, err := pq.Encode(v)
		if err != nil {
			t.Fatalf("Encode failed: %v", err)
		}
		decoded := pq.Decode(code)
		for d := range v {
			diff := float64(v[d] - decoded[d])
			totalErr += diff * diff
			totalMag += float64(v[d]) * float64(v[d])
		}
	}
	if totalErr >= totalMag {
		t.Errorf("reconstruction error %f not below signal energy %f", totalErr, totalMag)
	}
}

func TestProductQuantizer_PackedCodes(t *testing.T) {
	dim := 16
	vectors := trainingVectors(256, dim, 5)

	pq, err := NewProductQuantizer(dim, 4, 4, 42)
	if err != nil {
		t.Fatalf("NewProductQuantizer failed: %v", err)
	}
	if err := pq.Train(vectors); err != nil {
		t.Fatalf("Train failed: %v", err)
	}

	// 4 subvectors * 4 bits = 2 bytes.
	if got := pq.CodeSize(); got != 2 {
		t.Fatalf("CodeSize = %d, want 2", got)
	}

	// Encode/decode must agree on the packed representation: decoding the
	// encoding of a decoded vector is a fixed point.
	code, err := pq.Encode(vectors[0])
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	decoded := pq.Decode(code)
	code2, err := pq.Encode(decoded)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	for i := range code {
		if code[i] != code2[i] {
			t.Fatalf("code not a fixed point: % x vs % x", code, code2)
		}
	}
}

func TestProductQuantizer_InvalidGeometry(t *testing.T) {
	if _, err := NewProductQuantizer(10, 3, 8, 0); err == nil {
		t.Error("expected error for indivisible dimension")
	}
	if _, err := NewProductQuantizer(16, 4, 9, 0); err == nil {
		t.Error("expected error for bits > 8")
	}
}

func TestQuantizerStateRoundTrip(t *testing.T) {
	dim := 16
	vectors := trainingVectors(256, dim, 6)

	builders := []struct {
		name string
		make func() Quantizer
	}{
		{"scalar8", func() Quantizer { sq, _ := NewScalarQuantizer(dim, 8); return sq }},
		{"binary", func() Quantizer { return NewBinaryQuantizer(dim) }},
		{"product", func() Quantizer { pq, _ := NewProductQuantizer(dim, 4, 8, 42); return pq }},
	}

	for _, b := range builders {
		t.Run(b.name, func(t *testing.T) {
			q := b.make()
			if err := q.Train(vectors); err != nil {
				t.Fatalf("Train failed: %v", err)
			}

			state, err := q.MarshalBinary()
			if err != nil {
				t.Fatalf("MarshalBinary failed: %v", err)
			}

			restored := b.make()
			if err := restored.UnmarshalBinary(state); err != nil {
				t.Fatalf("UnmarshalBinary failed: %v", err)
			}

			// Restored quantizer must produce identical codes.
			for _, v := range vectors[:8] {
				want, err := q.Encode(v)
				if err != nil {
					t.Fatalf("Encode failed: %v", err)
				}
				got, err := restored.Encode(v)
				if err != nil {
					t.Fatalf("restored Encode failed: %v", err)
				}
				if string(want) != string(got) {
					t.Fatalf("codes differ after state round trip")
				}
			}
		})
	}
}
