package distance

import (
	"math"
	"testing"
)

func TestSquaredL2(t *testing.T) {
	tests := []struct {
		name string
		a, b []float32
		want float32
	}{
		{"identical", []float32{1, 2, 3}, []float32{1, 2, 3}, 0},
		{"unit apart", []float32{0, 0}, []float32{1, 0}, 1},
		{"diagonal", []float32{0, 0}, []float32{3, 4}, 25},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := SquaredL2(tt.a, tt.b)
			if got != tt.want {
				t.Errorf("SquaredL2(%v, %v) = %f, want %f", tt.a, tt.b, got, tt.want)
			}
		})
	}
}

func TestCosineDistance(t *testing.T) {
	a := []float32{1, 0, 0}

	if d := CosineDistance(a, []float32{1, 0, 0}); math.Abs(float64(d)) > 1e-6 {
		t.Errorf("identical vectors: distance = %f, want 0", d)
	}
	if d := CosineDistance(a, []float32{0, 1, 0}); math.Abs(float64(d-1)) > 1e-6 {
		t.Errorf("orthogonal vectors: distance = %f, want 1", d)
	}
	if d := CosineDistance(a, []float32{-1, 0, 0}); math.Abs(float64(d-2)) > 1e-6 {
		t.Errorf("opposite vectors: distance = %f, want 2", d)
	}

	// Scale invariance.
	d1 := CosineDistance(a, []float32{0.9, 0.1, 0})
	d2 := CosineDistance(a, []float32{9, 1, 0})
	if math.Abs(float64(d1-d2)) > 1e-6 {
		t.Errorf("cosine distance not scale invariant: %f vs %f", d1, d2)
	}

	if d := CosineDistance(a, []float32{0, 0, 0}); d != 1 {
		t.Errorf("zero vector: distance = %f, want 1", d)
	}
}

func TestNegDotOrdering(t *testing.T) {
	q := []float32{1, 1}
	near := []float32{2, 2}  // dot = 4
	far := []float32{0.5, 0} // dot = 0.5

	if NegDot(q, near) >= NegDot(q, far) {
		t.Error("higher dot product should yield smaller distance")
	}
}

func TestHamming(t *testing.T) {
	tests := []struct {
		name string
		a, b []byte
		want int
	}{
		{"equal", []byte{0xFF, 0x00}, []byte{0xFF, 0x00}, 0},
		{"one bit", []byte{0x01}, []byte{0x00}, 1},
		{"all bits", []byte{0xFF}, []byte{0x00}, 8},
		{"long", make([]byte, 16), append(make([]byte, 15), 0x0F), 4},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Hamming(tt.a, tt.b); got != tt.want {
				t.Errorf("Hamming = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestNormalizeL2InPlace(t *testing.T) {
	v := []float32{3, 4}
	if !NormalizeL2InPlace(v) {
		t.Fatal("normalization failed for non-zero vector")
	}
	if m := Magnitude(v); math.Abs(float64(m-1)) > 1e-6 {
		t.Errorf("magnitude after normalization = %f, want 1", m)
	}

	if NormalizeL2InPlace([]float32{0, 0}) {
		t.Error("zero vector should not normalize")
	}
	if NormalizeL2InPlace(nil) {
		t.Error("empty vector should not normalize")
	}
}

func TestProvider(t *testing.T) {
	for _, m := range []Metric{MetricCosine, MetricEuclidean, MetricDotProduct} {
		fn, err := Provider(m)
		if err != nil {
			t.Fatalf("Provider(%v) failed: %v", m, err)
		}
		if fn == nil {
			t.Fatalf("Provider(%v) returned nil func", m)
		}
	}

	if _, err := Provider(Metric(99)); err == nil {
		t.Error("expected error for unknown metric")
	}
}

func TestMetricRoundTrip(t *testing.T) {
	for _, m := range []Metric{MetricCosine, MetricEuclidean, MetricDotProduct} {
		parsed, err := ParseMetric(m.String())
		if err != nil {
			t.Fatalf("ParseMetric(%q) failed: %v", m.String(), err)
		}
		if parsed != m {
			t.Errorf("round trip mismatch: %v != %v", parsed, m)
		}
	}
}
