package quantization

import (
	"fmt"
	"math/rand"
	"sort"
	"strings"

	"gonum.org/v1/gonum/stat"

	"github.com/vektordb/vektor/distance"
)

// Thresholds are the acceptance criteria for enabling a quantization method.
// A method failing any of them is rejected and quantization stays disabled.
type Thresholds struct {
	MinRecall10      float64
	MinRecall100     float64
	MaxRankShift     float64
	MinMemorySavings float64
}

// DefaultThresholds are the production acceptance criteria.
var DefaultThresholds = Thresholds{
	MinRecall10:      0.95,
	MinRecall100:     0.90,
	MaxRankShift:     2.0,
	MinMemorySavings: 0.50,
}

// EvalOptions configure the quality evaluation.
type EvalOptions struct {
	// NumQueries is the number of held-out queries sampled from the
	// collection. 0 means min(100, n/10) with a floor of 10.
	NumQueries int

	// Seed makes query sampling deterministic when non-zero.
	Seed int64

	// Thresholds override DefaultThresholds.
	Thresholds Thresholds
}

// Report captures the measured quality of a quantization method against the
// unquantized exact-search baseline.
type Report struct {
	Method        Method
	Queries       int
	Recall10      float64
	Recall100     float64
	MeanRankShift float64
	MemorySavings float64
	Accepted      bool
	Failures      []string
}

// ErrQualityRejected is returned when a quantization method fails the quality
// gate. It is informational, not fatal: the caller leaves quantization
// disabled and can inspect the report for which thresholds failed.
type ErrQualityRejected struct {
	Report *Report
}

func (e *ErrQualityRejected) Error() string {
	return fmt.Sprintf("quantization: %v rejected by quality gate: %s",
		e.Report.Method, strings.Join(e.Report.Failures, "; "))
}

// Evaluate measures a trained quantizer against held-out queries sampled from
// the collection itself. The baseline is exact search over the raw vectors;
// the candidate ranking is exact search over the decoded codes. Recall@10,
// Recall@100 and mean rank shift of the true top-10 are compared against the
// thresholds.
func Evaluate(vectors [][]float32, metric distance.Metric, q Quantizer, optFns ...func(o *EvalOptions)) (*Report, error) {
	opts := EvalOptions{Thresholds: DefaultThresholds}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Thresholds == (Thresholds{}) {
		opts.Thresholds = DefaultThresholds
	}

	if len(vectors) < MinTrainingSamples {
		return nil, &ErrInsufficientTrainingData{Got: len(vectors), Required: MinTrainingSamples}
	}

	distFn, err := distance.Provider(metric)
	if err != nil {
		return nil, err
	}

	// Decode every vector once; ranking cost is then one pass per query.
	decoded := make([][]float32, len(vectors))
	for i, v := range vectors {
		code, err := q.Encode(v)
		if err != nil {
			return nil, err
		}
		decoded[i] = q.Decode(code)
	}

	numQueries := opts.NumQueries
	if numQueries <= 0 {
		numQueries = len(vectors) / 10
		if numQueries > 100 {
			numQueries = 100
		}
		if numQueries < 10 {
			numQueries = 10
		}
	}
	if numQueries > len(vectors) {
		numQueries = len(vectors)
	}

	rng := rand.New(rand.NewSource(opts.Seed))
	if opts.Seed == 0 {
		rng = rand.New(rand.NewSource(int64(len(vectors))))
	}
	queryIdx := rng.Perm(len(vectors))[:numQueries]

	var recall10Sum, recall100Sum float64
	rankShifts := make([]float64, 0, numQueries*10)

	for _, qi := range queryIdx {
		query := vectors[qi]

		baseRank := rankAll(query, vectors, distFn)
		quantRank := rankAll(query, decoded, distFn)

		recall10Sum += recallAt(baseRank, quantRank, 10)
		recall100Sum += recallAt(baseRank, quantRank, 100)

		// Rank shift of the true top 10: how far each moved in the
		// quantized ordering.
		quantPos := make(map[int]int, len(quantRank))
		for pos, id := range quantRank {
			quantPos[id] = pos
		}
		top := 10
		if top > len(baseRank) {
			top = len(baseRank)
		}
		for pos := 0; pos < top; pos++ {
			shift := quantPos[baseRank[pos]] - pos
			if shift < 0 {
				shift = -shift
			}
			rankShifts = append(rankShifts, float64(shift))
		}
	}

	dim := len(vectors[0])
	report := &Report{
		Method:        q.Method(),
		Queries:       numQueries,
		Recall10:      recall10Sum / float64(numQueries),
		Recall100:     recall100Sum / float64(numQueries),
		MeanRankShift: stat.Mean(rankShifts, nil),
		MemorySavings: 1 - float64(q.CodeSize())/float64(dim*4),
	}

	th := opts.Thresholds
	if report.Recall10 < th.MinRecall10 {
		report.Failures = append(report.Failures,
			fmt.Sprintf("recall@10 %.3f < %.3f", report.Recall10, th.MinRecall10))
	}
	if report.Recall100 < th.MinRecall100 {
		report.Failures = append(report.Failures,
			fmt.Sprintf("recall@100 %.3f < %.3f", report.Recall100, th.MinRecall100))
	}
	if report.MeanRankShift > th.MaxRankShift {
		report.Failures = append(report.Failures,
			fmt.Sprintf("mean rank shift %.2f > %.2f", report.MeanRankShift, th.MaxRankShift))
	}
	if report.MemorySavings < th.MinMemorySavings {
		report.Failures = append(report.Failures,
			fmt.Sprintf("memory savings %.0f%% < %.0f%%", report.MemorySavings*100, th.MinMemorySavings*100))
	}
	report.Accepted = len(report.Failures) == 0

	return report, nil
}

// rankAll returns vector indices ordered by distance to query, ties broken by
// index (stable against insertion order).
func rankAll(query []float32, vectors [][]float32, distFn distance.Func) []int {
	type scored struct {
		id   int
		dist float32
	}
	all := make([]scored, len(vectors))
	for i, v := range vectors {
		all[i] = scored{id: i, dist: distFn(query, v)}
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].dist != all[j].dist {
			return all[i].dist < all[j].dist
		}
		return all[i].id < all[j].id
	})
	ids := make([]int, len(all))
	for i, s := range all {
		ids[i] = s.id
	}
	return ids
}

func recallAt(base, quant []int, k int) float64 {
	if k > len(base) {
		k = len(base)
	}
	if k == 0 {
		return 1
	}
	inBase := make(map[int]struct{}, k)
	for _, id := range base[:k] {
		inBase[id] = struct{}{}
	}
	kq := k
	if kq > len(quant) {
		kq = len(quant)
	}
	hits := 0
	for _, id := range quant[:kq] {
		if _, ok := inBase[id]; ok {
			hits++
		}
	}
	return float64(hits) / float64(k)
}
