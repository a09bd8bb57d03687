// Package distance provides the distance kernels used by the index and the
// quantization quality gate.
//
// All functions treat smaller values as "closer". Cosine similarity is
// therefore exposed as 1 - similarity and dot product as its negation, so a
// single ordering applies to every metric.
package distance

import (
	"fmt"
	"math"
	"math/bits"
)

// Metric identifies the distance metric configured for a collection.
type Metric int

const (
	// MetricCosine ranks by cosine similarity (computed directly, not via a
	// Euclidean detour, to preserve precision near 1.0).
	MetricCosine Metric = iota

	// MetricEuclidean ranks by squared L2 distance. The square root is
	// deferred until final presentation since it is monotonic.
	MetricEuclidean

	// MetricDotProduct ranks by raw inner product.
	MetricDotProduct
)

func (m Metric) String() string {
	switch m {
	case MetricCosine:
		return "cosine"
	case MetricEuclidean:
		return "euclidean"
	case MetricDotProduct:
		return "dot_product"
	default:
		return fmt.Sprintf("unknown(%d)", int(m))
	}
}

// ParseMetric parses the string form produced by Metric.String.
func ParseMetric(s string) (Metric, error) {
	switch s {
	case "cosine":
		return MetricCosine, nil
	case "euclidean":
		return MetricEuclidean, nil
	case "dot_product":
		return MetricDotProduct, nil
	default:
		return 0, fmt.Errorf("distance: unknown metric %q", s)
	}
}

// Func computes the distance between two vectors of equal length.
// Length agreement is the caller's responsibility.
type Func func(a, b []float32) float32

// Provider returns the distance function for the given metric.
func Provider(m Metric) (Func, error) {
	switch m {
	case MetricCosine:
		return CosineDistance, nil
	case MetricEuclidean:
		return SquaredL2, nil
	case MetricDotProduct:
		return NegDot, nil
	default:
		return nil, fmt.Errorf("distance: unsupported metric: %v", m)
	}
}

// Dot calculates the dot product of two vectors.
func Dot(a, b []float32) float32 {
	var sum float32
	for i := range a {
		sum += a[i] * b[i]
	}
	return sum
}

// NegDot is the dot product negated so that smaller means closer.
func NegDot(a, b []float32) float32 {
	return -Dot(a, b)
}

// SquaredL2 calculates the squared L2 (Euclidean) distance between two vectors.
func SquaredL2(a, b []float32) float32 {
	var sum float32
	for i := range a {
		d := a[i] - b[i]
		sum += d * d
	}
	return sum
}

// Magnitude calculates the L2 norm of v.
func Magnitude(v []float32) float32 {
	return float32(math.Sqrt(float64(Dot(v, v))))
}

// CosineSimilarity calculates the cosine similarity between two vectors.
// A zero vector has similarity 0 to everything.
func CosineSimilarity(a, b []float32) float32 {
	dot := Dot(a, b)
	ma := Magnitude(a)
	mb := Magnitude(b)
	if ma == 0 || mb == 0 {
		return 0
	}
	return dot / (ma * mb)
}

// CosineDistance is 1 - CosineSimilarity, so smaller means closer.
func CosineDistance(a, b []float32) float32 {
	return 1 - CosineSimilarity(a, b)
}

// Hamming counts differing bits between two equal-length byte slices.
func Hamming(a, b []byte) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}

	var dist int
	i := 0
	for ; i+8 <= n; i += 8 {
		aw := uint64(a[i]) | uint64(a[i+1])<<8 | uint64(a[i+2])<<16 | uint64(a[i+3])<<24 |
			uint64(a[i+4])<<32 | uint64(a[i+5])<<40 | uint64(a[i+6])<<48 | uint64(a[i+7])<<56
		bw := uint64(b[i]) | uint64(b[i+1])<<8 | uint64(b[i+2])<<16 | uint64(b[i+3])<<24 |
			uint64(b[i+4])<<32 | uint64(b[i+5])<<40 | uint64(b[i+6])<<48 | uint64(b[i+7])<<56
		dist += bits.OnesCount64(aw ^ bw)
	}
	for ; i < n; i++ {
		dist += bits.OnesCount8(a[i] ^ b[i])
	}
	return dist
}

// NormalizeL2InPlace L2-normalizes v in place.
// Returns false if v has zero norm.
func NormalizeL2InPlace(v []float32) bool {
	if len(v) == 0 {
		return false
	}
	norm2 := Dot(v, v)
	if norm2 == 0 {
		return false
	}
	inv := 1 / float32(math.Sqrt(float64(norm2)))
	for i := range v {
		v[i] *= inv
	}
	return true
}
