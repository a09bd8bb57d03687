package quantization

import (
	"encoding/binary"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/vektordb/vektor/distance"
)

const kmeansIterations = 20

// ProductQuantizer implements product quantization (PQ).
//
// The vector is split into equal subvectors; each subspace gets an
// independently trained codebook of 2^bits centroids via k-means, and a code
// stores one codebook index per subspace. This reaches compression ratios far
// beyond scalar quantization at the cost of codebook-based reconstruction.
type ProductQuantizer struct {
	dimension    int
	subvectors   int // S: number of subspaces
	bits         int // index width per subspace
	numCentroids int // 2^bits
	subDim       int // dimension / S
	codebooks    [][][]float32
	rng          *rand.Rand
	trained      bool
}

// NewProductQuantizer creates a PQ quantizer.
// dimension must be divisible by subvectors and bits must be in [1, 8].
func NewProductQuantizer(dimension, subvectors, bits int, seed int64) (*ProductQuantizer, error) {
	if subvectors <= 0 || dimension%subvectors != 0 {
		return nil, fmt.Errorf("quantization: dimension %d not divisible by %d subvectors", dimension, subvectors)
	}
	if bits < 1 || bits > 8 {
		return nil, fmt.Errorf("quantization: bits per subvector must be 1-8, got %d", bits)
	}

	if seed == 0 {
		seed = time.Now().UnixNano()
	}

	return &ProductQuantizer{
		dimension:    dimension,
		subvectors:   subvectors,
		bits:         bits,
		numCentroids: 1 << bits,
		subDim:       dimension / subvectors,
		rng:          rand.New(rand.NewSource(seed)),
	}, nil
}

// Method implements Quantizer.
func (pq *ProductQuantizer) Method() Method { return MethodProduct }

// Subvectors returns the number of subspaces (S).
func (pq *ProductQuantizer) Subvectors() int { return pq.subvectors }

// BitsPerSubvector returns the index width per subspace.
func (pq *ProductQuantizer) BitsPerSubvector() int { return pq.bits }

// Train builds one k-means codebook per subspace.
func (pq *ProductQuantizer) Train(vectors [][]float32) error {
	if err := validateTrainingSet(vectors, pq.dimension); err != nil {
		return err
	}
	// Each codebook needs at least as many samples as centroids.
	if len(vectors) < pq.numCentroids {
		return &ErrInsufficientTrainingData{Got: len(vectors), Required: pq.numCentroids}
	}

	codebooks := make([][][]float32, pq.subvectors)
	sub := make([][]float32, len(vectors))

	for m := 0; m < pq.subvectors; m++ {
		start := m * pq.subDim
		for i, vec := range vectors {
			sub[i] = vec[start : start+pq.subDim]
		}
		codebooks[m] = pq.kmeans(sub, pq.numCentroids, kmeansIterations)
	}

	pq.codebooks = codebooks
	pq.trained = true
	return nil
}

// Encode implements Quantizer.
// Codes are bit-packed MSB-first, bits per subvector apiece.
func (pq *ProductQuantizer) Encode(v []float32) ([]byte, error) {
	if len(v) != pq.dimension {
		return nil, &ErrDimensionMismatch{Expected: pq.dimension, Actual: len(v)}
	}
	if !pq.trained {
		return nil, ErrNotTrained
	}

	w := bitWriter{buf: make([]byte, pq.CodeSize())}
	for m := 0; m < pq.subvectors; m++ {
		start := m * pq.subDim
		idx := nearestCentroid(v[start:start+pq.subDim], pq.codebooks[m])
		w.write(uint32(idx), pq.bits)
	}
	return w.buf, nil
}

// Decode implements Quantizer.
func (pq *ProductQuantizer) Decode(code []byte) []float32 {
	v := make([]float32, pq.dimension)
	r := bitReader{buf: code}
	for m := 0; m < pq.subvectors; m++ {
		idx := int(r.read(pq.bits))
		if idx >= len(pq.codebooks[m]) {
			idx = 0
		}
		copy(v[m*pq.subDim:], pq.codebooks[m][idx])
	}
	return v
}

// CodeSize implements Quantizer.
func (pq *ProductQuantizer) CodeSize() int {
	return (pq.subvectors*pq.bits + 7) / 8
}

// kmeans clusters subvectors into k centroids with k-means++ seeding.
func (pq *ProductQuantizer) kmeans(vectors [][]float32, k, maxIters int) [][]float32 {
	dim := len(vectors[0])

	centroids := make([][]float32, k)
	for i := range centroids {
		centroids[i] = make([]float32, dim)
	}

	// k-means++ seeding: first centroid uniform, then proportional to the
	// squared distance from the nearest chosen centroid.
	copy(centroids[0], vectors[pq.rng.Intn(len(vectors))])

	minDistSq := make([]float32, len(vectors))
	var sum float32
	for i, vec := range vectors {
		d := distance.SquaredL2(vec, centroids[0])
		minDistSq[i] = d
		sum += d
	}

	for c := 1; c < k; c++ {
		if sum == 0 {
			copy(centroids[c], vectors[pq.rng.Intn(len(vectors))])
			continue
		}

		target := pq.rng.Float32() * sum
		var cumsum float32
		chosen := 0
		for i, d := range minDistSq {
			cumsum += d
			if cumsum >= target {
				chosen = i
				break
			}
		}
		copy(centroids[c], vectors[chosen])

		sum = 0
		for i, vec := range vectors {
			if d := distance.SquaredL2(vec, centroids[c]); d < minDistSq[i] {
				minDistSq[i] = d
			}
			sum += minDistSq[i]
		}
	}

	assignments := make([]int, len(vectors))
	for iter := 0; iter < maxIters; iter++ {
		changed := false
		for i, vec := range vectors {
			nearest := nearestCentroid(vec, centroids)
			if assignments[i] != nearest {
				changed = true
				assignments[i] = nearest
			}
		}
		if !changed {
			break
		}

		counts := make([]int, k)
		sums := make([][]float32, k)
		for i := range sums {
			sums[i] = make([]float32, dim)
		}
		for i, vec := range vectors {
			cl := assignments[i]
			counts[cl]++
			for j, val := range vec {
				sums[cl][j] += val
			}
		}
		for i := range centroids {
			if counts[i] == 0 {
				continue // empty cluster keeps its centroid
			}
			for j := range centroids[i] {
				centroids[i][j] = sums[i][j] / float32(counts[i])
			}
		}
	}

	return centroids
}

func nearestCentroid(vec []float32, centroids [][]float32) int {
	best := 0
	bestDist := float32(math.MaxFloat32)
	for i, c := range centroids {
		if d := distance.SquaredL2(vec, c); d < bestDist {
			bestDist = d
			best = i
		}
	}
	return best
}

// MarshalBinary implements Quantizer.
// Format: [trained:u8][dimension:u32][subvectors:u32][bits:u8][codebooks...]
func (pq *ProductQuantizer) MarshalBinary() ([]byte, error) {
	b := make([]byte, 0, 10+pq.subvectors*pq.numCentroids*pq.subDim*4)
	b = append(b, boolByte(pq.trained))
	b = binary.LittleEndian.AppendUint32(b, uint32(pq.dimension))
	b = binary.LittleEndian.AppendUint32(b, uint32(pq.subvectors))
	b = append(b, byte(pq.bits))

	if pq.trained {
		for _, book := range pq.codebooks {
			for _, centroid := range book {
				for _, val := range centroid {
					b = binary.LittleEndian.AppendUint32(b, math.Float32bits(val))
				}
			}
		}
	}
	return b, nil
}

// UnmarshalBinary implements Quantizer.
func (pq *ProductQuantizer) UnmarshalBinary(data []byte) error {
	if len(data) < 10 {
		return fmt.Errorf("quantization: product quantizer state truncated")
	}
	pq.trained = data[0] != 0
	pq.dimension = int(binary.LittleEndian.Uint32(data[1:5]))
	pq.subvectors = int(binary.LittleEndian.Uint32(data[5:9]))
	pq.bits = int(data[9])
	pq.numCentroids = 1 << pq.bits
	if pq.subvectors == 0 || pq.dimension%pq.subvectors != 0 {
		return fmt.Errorf("quantization: invalid product quantizer geometry %d/%d", pq.dimension, pq.subvectors)
	}
	pq.subDim = pq.dimension / pq.subvectors
	if pq.rng == nil {
		pq.rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}

	if pq.trained {
		want := 10 + pq.subvectors*pq.numCentroids*pq.subDim*4
		if len(data) != want {
			return fmt.Errorf("quantization: product quantizer state length %d, want %d", len(data), want)
		}
		off := 10
		pq.codebooks = make([][][]float32, pq.subvectors)
		for m := range pq.codebooks {
			pq.codebooks[m] = make([][]float32, pq.numCentroids)
			for c := range pq.codebooks[m] {
				centroid := make([]float32, pq.subDim)
				for j := range centroid {
					centroid[j] = math.Float32frombits(binary.LittleEndian.Uint32(data[off:]))
					off += 4
				}
				pq.codebooks[m][c] = centroid
			}
		}
	}
	return nil
}

// bitWriter packs values MSB-first into a byte buffer.
type bitWriter struct {
	buf []byte
	pos int // bit position
}

func (w *bitWriter) write(v uint32, bits int) {
	for i := bits - 1; i >= 0; i-- {
		if v&(1<<i) != 0 {
			w.buf[w.pos/8] |= 1 << (7 - w.pos%8)
		}
		w.pos++
	}
}

// bitReader unpacks values written by bitWriter.
type bitReader struct {
	buf []byte
	pos int
}

func (r *bitReader) read(bits int) uint32 {
	var v uint32
	for i := 0; i < bits; i++ {
		v <<= 1
		if r.pos/8 < len(r.buf) && r.buf[r.pos/8]&(1<<(7-r.pos%8)) != 0 {
			v |= 1
		}
		r.pos++
	}
	return v
}
