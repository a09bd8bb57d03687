package vektor

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vektordb/vektor/distance"
	"github.com/vektordb/vektor/persistence"
	"github.com/vektordb/vektor/quantization"
)

func openTestStore(t *testing.T, dir string) *VectorStore {
	t.Helper()

	store, err := Open(context.Background(), dir,
		WithLogger(NoopLogger()),
		WithMaintenanceInterval(0),
	)
	require.NoError(t, err)

	return store
}

// crashStore drops the store without checkpointing, as a crash would. The
// WAL file handles are closed so the files can be reopened and tampered
// with on platforms that care.
func crashStore(t *testing.T, store *VectorStore) {
	t.Helper()

	store.mu.Lock()
	store.closed = true
	for _, c := range store.collections {
		c.mu.Lock()
		c.closed = true
		_ = c.wal.Close()
		c.mu.Unlock()
	}
	store.mu.Unlock()
}

func newTestCollection(t *testing.T, store *VectorStore, cfg CollectionConfig) *Collection {
	t.Helper()

	c, err := store.CreateCollection(context.Background(), cfg)
	require.NoError(t, err)

	return c
}

func testVectors(num, dim int, seed int64) [][]float32 {
	rng := rand.New(rand.NewSource(seed))
	vectors := make([][]float32, num)
	for i := range vectors {
		v := make([]float32, dim)
		for j := range v {
			v[j] = rng.Float32()
		}
		vectors[i] = v
	}

	return vectors
}

func TestCollectionInsertGet(t *testing.T) {
	store := openTestStore(t, t.TempDir())
	defer store.Close()

	c := newTestCollection(t, store, CollectionConfig{Name: "docs", Dimension: 4})
	ctx := context.Background()

	require.NoError(t, c.Insert(ctx, "a", []float32{1, 2, 3, 4}, []byte(`{"title":"a"}`)))
	require.Equal(t, StatePopulated, c.State())
	require.Equal(t, 1, c.Count())

	v, payload, err := c.Get("a")
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 2, 3, 4}, v)
	assert.Equal(t, []byte(`{"title":"a"}`), payload)

	_, _, err = c.Get("missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCollectionRejectsWrongDimension(t *testing.T) {
	store := openTestStore(t, t.TempDir())
	defer store.Close()

	c := newTestCollection(t, store, CollectionConfig{Name: "docs", Dimension: 4})
	ctx := context.Background()

	var dimErr *ErrDimensionMismatch

	err := c.Insert(ctx, "a", []float32{1, 2, 3}, nil)
	require.ErrorAs(t, err, &dimErr)
	assert.Equal(t, 4, dimErr.Expected)
	assert.Equal(t, 3, dimErr.Actual)
	assert.Equal(t, 0, c.Count())

	require.NoError(t, c.Insert(ctx, "a", []float32{1, 2, 3, 4}, nil))

	_, err = c.Search(ctx, []float32{1, 2}, 1)
	assert.ErrorAs(t, err, &dimErr)
}

func TestCollectionRejectsDuplicateID(t *testing.T) {
	store := openTestStore(t, t.TempDir())
	defer store.Close()

	c := newTestCollection(t, store, CollectionConfig{Name: "docs", Dimension: 2})
	ctx := context.Background()

	require.NoError(t, c.Insert(ctx, "a", []float32{1, 0}, nil))
	assert.ErrorIs(t, c.Insert(ctx, "a", []float32{0, 1}, nil), ErrDuplicateID)
	assert.Equal(t, 1, c.Count())
}

func TestCollectionUpdateChangesRanking(t *testing.T) {
	store := openTestStore(t, t.TempDir())
	defer store.Close()

	c := newTestCollection(t, store, CollectionConfig{
		Name: "docs", Dimension: 2, Metric: distance.MetricEuclidean,
	})
	ctx := context.Background()

	require.NoError(t, c.Insert(ctx, "a", []float32{0, 0}, nil))
	require.NoError(t, c.Insert(ctx, "b", []float32{10, 10}, nil))

	require.NoError(t, c.Update(ctx, "b", []float32{0.1, 0.1}, []byte("moved")))

	results, err := c.Search(ctx, []float32{0.1, 0.1}, 1)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "b", results[0].ID)
	assert.Equal(t, []byte("moved"), results[0].Payload)

	assert.ErrorIs(t, c.Update(ctx, "missing", []float32{0, 0}, nil), ErrNotFound)
}

func TestCollectionDelete(t *testing.T) {
	store := openTestStore(t, t.TempDir())
	defer store.Close()

	c := newTestCollection(t, store, CollectionConfig{
		Name: "docs", Dimension: 2, Metric: distance.MetricEuclidean,
	})
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		id := fmt.Sprintf("v%d", i)
		require.NoError(t, c.Insert(ctx, id, []float32{float32(i), 0}, nil))
	}

	require.NoError(t, c.Delete(ctx, "v3"))
	assert.Equal(t, 9, c.Count())
	assert.ErrorIs(t, c.Delete(ctx, "v3"), ErrNotFound)

	results, err := c.Search(ctx, []float32{3, 0}, 10)
	require.NoError(t, err)
	for _, r := range results {
		assert.NotEqual(t, "v3", r.ID)
	}
}

func TestCollectionSearchCosineScenario(t *testing.T) {
	store := openTestStore(t, t.TempDir())
	defer store.Close()

	c := newTestCollection(t, store, CollectionConfig{Name: "docs", Dimension: 4})
	ctx := context.Background()

	require.NoError(t, c.Insert(ctx, "a", []float32{1, 0, 0, 0}, nil))
	require.NoError(t, c.Insert(ctx, "b", []float32{0, 1, 0, 0}, nil))
	require.NoError(t, c.Insert(ctx, "c", []float32{0.9, 0.1, 0, 0}, nil))

	results, err := c.Search(ctx, []float32{1, 0, 0, 0}, 2)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "a", results[0].ID)
	assert.Equal(t, "c", results[1].ID)
	assert.Less(t, results[0].Distance, results[1].Distance)
}

func TestCollectionSearchInvalidK(t *testing.T) {
	store := openTestStore(t, t.TempDir())
	defer store.Close()

	c := newTestCollection(t, store, CollectionConfig{Name: "docs", Dimension: 2})

	_, err := c.Search(context.Background(), []float32{1, 0}, 0)
	assert.ErrorIs(t, err, ErrInvalidK)
}

func TestCollectionSearchEmpty(t *testing.T) {
	store := openTestStore(t, t.TempDir())
	defer store.Close()

	c := newTestCollection(t, store, CollectionConfig{Name: "docs", Dimension: 2})

	results, err := c.Search(context.Background(), []float32{1, 0}, 5)
	require.NoError(t, err)
	assert.Empty(t, results)
	assert.Equal(t, StateEmpty, c.State())
}

func TestAdaptiveEF(t *testing.T) {
	// Tiny collections get a near-exhaustive beam.
	assert.Equal(t, 30, adaptiveEF(5, 10))
	assert.Equal(t, 18, adaptiveEF(9, 3))
	// Larger collections: floor of 64, scaling with k.
	assert.Equal(t, 64, adaptiveEF(1000, 10))
	assert.Equal(t, 200, adaptiveEF(1000, 100))
}

func TestCollectionSelfRetrievalAcrossCheckpoint(t *testing.T) {
	dir := t.TempDir()
	store := openTestStore(t, dir)

	c := newTestCollection(t, store, CollectionConfig{
		Name: "docs", Dimension: 16, Metric: distance.MetricEuclidean, Seed: 42,
	})
	ctx := context.Background()

	vectors := testVectors(200, 16, 1)
	for i, v := range vectors {
		require.NoError(t, c.Insert(ctx, fmt.Sprintf("v%d", i), v, nil))
	}

	checkSelfRetrieval := func(c *Collection) {
		t.Helper()
		for i := 0; i < 20; i++ {
			results, err := c.Search(ctx, vectors[i*10], 1)
			require.NoError(t, err)
			require.Len(t, results, 1)
			assert.Equal(t, fmt.Sprintf("v%d", i*10), results[0].ID)
		}
	}

	checkSelfRetrieval(c)

	require.NoError(t, c.Checkpoint(ctx))
	require.NoError(t, store.Close())

	store = openTestStore(t, dir)
	defer store.Close()

	c, err := store.GetCollection("docs")
	require.NoError(t, err)
	require.Equal(t, 200, c.Count())
	checkSelfRetrieval(c)
}

func TestCollectionConcurrentInsertsRecover(t *testing.T) {
	dir := t.TempDir()
	store := openTestStore(t, dir)

	c := newTestCollection(t, store, CollectionConfig{
		Name: "docs", Dimension: 8, Metric: distance.MetricEuclidean,
	})
	ctx := context.Background()

	const n = 100
	vectors := testVectors(n, 8, 2)

	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = c.Insert(ctx, fmt.Sprintf("v%d", i), vectors[i], nil)
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		require.NoError(t, err, "insert %d", i)
	}
	require.Equal(t, n, c.Count())

	require.NoError(t, c.Checkpoint(ctx))
	require.NoError(t, store.Close())

	store = openTestStore(t, dir)
	defer store.Close()

	c, err := store.GetCollection("docs")
	require.NoError(t, err)
	require.Equal(t, n, c.Count())

	for i := 0; i < n; i++ {
		_, _, err := c.Get(fmt.Sprintf("v%d", i))
		require.NoError(t, err)
	}
}

func TestCollectionWALReplayWithoutCheckpoint(t *testing.T) {
	dir := t.TempDir()
	store := openTestStore(t, dir)

	c := newTestCollection(t, store, CollectionConfig{
		Name: "docs", Dimension: 4, Metric: distance.MetricEuclidean,
	})
	ctx := context.Background()

	require.NoError(t, c.Insert(ctx, "a", []float32{1, 0, 0, 0}, []byte("pa")))
	require.NoError(t, c.Insert(ctx, "b", []float32{0, 1, 0, 0}, nil))
	require.NoError(t, c.Update(ctx, "a", []float32{2, 0, 0, 0}, []byte("pa2")))
	require.NoError(t, c.Insert(ctx, "gone", []float32{9, 9, 9, 9}, nil))
	require.NoError(t, c.Delete(ctx, "gone"))

	crashStore(t, store)

	// Reopen twice: the first recovery replays the WAL, the second reads
	// the checkpoint the first shutdown wrote. Both must agree.
	for i := 0; i < 2; i++ {
		store = openTestStore(t, dir)

		c, err := store.GetCollection("docs")
		require.NoError(t, err)
		require.Equal(t, 2, c.Count(), "reopen %d", i)

		v, payload, err := c.Get("a")
		require.NoError(t, err)
		assert.Equal(t, []float32{2, 0, 0, 0}, v)
		assert.Equal(t, []byte("pa2"), payload)

		_, _, err = c.Get("gone")
		assert.ErrorIs(t, err, ErrNotFound)

		require.NoError(t, store.Close())
	}
}

func TestCollectionTornWALTailRecovery(t *testing.T) {
	dir := t.TempDir()
	store := openTestStore(t, dir)

	c := newTestCollection(t, store, CollectionConfig{
		Name: "docs", Dimension: 4, Metric: distance.MetricEuclidean,
	})
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, c.Insert(ctx, fmt.Sprintf("v%d", i), []float32{float32(i), 0, 0, 0}, nil))
	}
	crashStore(t, store)

	// Cut into the last WAL entry to simulate a crash mid-write.
	walPath := filepath.Join(dir, "dynamic", "docs", "wal.log")
	info, err := os.Stat(walPath)
	require.NoError(t, err)
	require.NoError(t, os.Truncate(walPath, info.Size()-3))

	store = openTestStore(t, dir)
	defer store.Close()

	c, err = store.GetCollection("docs")
	require.NoError(t, err)
	assert.Equal(t, 4, c.Count())

	_, _, err = c.Get("v3")
	assert.NoError(t, err)
	_, _, err = c.Get("v4")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCollectionRebuildReclaimsDeleted(t *testing.T) {
	store := openTestStore(t, t.TempDir())
	defer store.Close()

	c := newTestCollection(t, store, CollectionConfig{
		Name: "docs", Dimension: 8, Metric: distance.MetricEuclidean,
	})
	ctx := context.Background()

	vectors := testVectors(100, 8, 3)
	for i, v := range vectors {
		require.NoError(t, c.Insert(ctx, fmt.Sprintf("v%d", i), v, nil))
	}
	for i := 0; i < 30; i++ {
		require.NoError(t, c.Delete(ctx, fmt.Sprintf("v%d", i)))
	}

	require.True(t, c.NeedsRebuild())
	require.NoError(t, c.Rebuild(ctx))
	require.False(t, c.NeedsRebuild())
	assert.Equal(t, 70, c.Count())

	// Survivors still retrieve themselves.
	for i := 30; i < 40; i++ {
		results, err := c.Search(ctx, vectors[i], 1)
		require.NoError(t, err)
		require.Len(t, results, 1)
		assert.Equal(t, fmt.Sprintf("v%d", i), results[0].ID)
	}
}

func TestEnableQuantizationScalar(t *testing.T) {
	dir := t.TempDir()
	store := openTestStore(t, dir)

	c := newTestCollection(t, store, CollectionConfig{
		Name: "docs", Dimension: 384, Metric: distance.MetricEuclidean, Seed: 7,
	})
	ctx := context.Background()

	vectors := testVectors(1000, 384, 4)
	for i, v := range vectors {
		require.NoError(t, c.Insert(ctx, fmt.Sprintf("v%d", i), v, nil))
	}
	rawBytes := c.Stats().VectorBytes

	report, err := c.EnableQuantization(ctx, quantization.Config{
		Method:     quantization.MethodScalar,
		ScalarBits: 8,
		Seed:       7,
	})
	require.NoError(t, err)
	require.True(t, report.Accepted)
	assert.GreaterOrEqual(t, report.Recall10, 0.95)
	assert.GreaterOrEqual(t, report.MemorySavings, 0.5)
	assert.Equal(t, StateQuantized, c.State())

	// 8-bit codes: one byte per dimension plus nothing else per vector.
	quantBytes := c.Stats().VectorBytes
	assert.LessOrEqual(t, float64(quantBytes), 0.30*float64(rawBytes))

	// Searches keep working on decoded codes, and survive a restart.
	results, err := c.Search(ctx, vectors[0], 1)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "v0", results[0].ID)

	require.NoError(t, store.Close())
	store = openTestStore(t, dir)
	defer store.Close()

	c, err = store.GetCollection("docs")
	require.NoError(t, err)
	assert.Equal(t, StateQuantized, c.State())
	require.Equal(t, 1000, c.Count())

	results, err = c.Search(ctx, vectors[0], 1)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "v0", results[0].ID)
}

func TestEnableQuantizationQualityGateRejects(t *testing.T) {
	store := openTestStore(t, t.TempDir())
	defer store.Close()

	c := newTestCollection(t, store, CollectionConfig{
		Name: "docs", Dimension: 64, Metric: distance.MetricEuclidean, Seed: 7,
	})
	ctx := context.Background()

	vectors := testVectors(300, 64, 5)
	for i, v := range vectors {
		require.NoError(t, c.Insert(ctx, fmt.Sprintf("v%d", i), v, nil))
	}

	// Two subvectors at one bit each cannot represent random data.
	report, err := c.EnableQuantization(ctx, quantization.Config{
		Method:           quantization.MethodProduct,
		Subvectors:       2,
		BitsPerSubvector: 1,
		Seed:             7,
	})

	var qualityErr *QuantizationQualityError
	require.ErrorAs(t, err, &qualityErr)
	require.NotNil(t, report)
	assert.False(t, report.Accepted)
	assert.NotEmpty(t, qualityErr.Report.Failures)

	// Rejection is non-fatal: the collection stays unquantized and usable.
	assert.Equal(t, StatePopulated, c.State())
	_, _, err = c.Get("v0")
	require.NoError(t, err)

	// A better method can still be enabled afterwards.
	report, err = c.EnableQuantization(ctx, quantization.Config{
		Method:     quantization.MethodScalar,
		ScalarBits: 8,
		Seed:       7,
	})
	require.NoError(t, err)
	assert.True(t, report.Accepted)
	assert.Equal(t, StateQuantized, c.State())
}

func TestQuantizedCollectionAcceptsNewInserts(t *testing.T) {
	store := openTestStore(t, t.TempDir())
	defer store.Close()

	c := newTestCollection(t, store, CollectionConfig{
		Name: "docs", Dimension: 32, Metric: distance.MetricEuclidean, Seed: 7,
	})
	ctx := context.Background()

	vectors := testVectors(300, 32, 6)
	for i, v := range vectors {
		require.NoError(t, c.Insert(ctx, fmt.Sprintf("v%d", i), v, nil))
	}

	_, err := c.EnableQuantization(ctx, quantization.Config{
		Method:     quantization.MethodScalar,
		ScalarBits: 8,
		Seed:       7,
	})
	require.NoError(t, err)

	// New vectors are encoded on the way in.
	fresh := testVectors(1, 32, 99)[0]
	require.NoError(t, c.Insert(ctx, "fresh", fresh, nil))

	results, err := c.Search(ctx, fresh, 1)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "fresh", results[0].ID)
}

func TestCollectionInsertBatch(t *testing.T) {
	store := openTestStore(t, t.TempDir())
	defer store.Close()

	c := newTestCollection(t, store, CollectionConfig{Name: "docs", Dimension: 2})

	items := []BatchItem{
		{ID: "a", Vector: []float32{1, 0}},
		{ID: "b", Vector: []float32{0, 1}},
		{ID: "c", Vector: []float32{1, 1}},
	}

	applied, err := c.InsertBatch(context.Background(), items)
	require.NoError(t, err)
	assert.Equal(t, 3, applied)
	assert.Equal(t, 3, c.Count())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	applied, err = c.InsertBatch(ctx, []BatchItem{{ID: "d", Vector: []float32{2, 2}}})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, applied)
}

func TestCollectionClosedOperations(t *testing.T) {
	store := openTestStore(t, t.TempDir())

	c := newTestCollection(t, store, CollectionConfig{Name: "docs", Dimension: 2})
	require.NoError(t, store.Close())

	ctx := context.Background()
	assert.ErrorIs(t, c.Insert(ctx, "a", []float32{1, 0}, nil), ErrClosed)
	_, err := c.Search(ctx, []float32{1, 0}, 1)
	assert.ErrorIs(t, err, ErrClosed)
}

// signVectors builds vectors with coordinates +-0.5 where every dimension is
// split evenly, so a binary quantizer thresholds at zero and reconstructs
// the data exactly.
func signVectors(num, dim int, seed int64) [][]float32 {
	rng := rand.New(rand.NewSource(seed))

	vectors := make([][]float32, num)
	for i := range vectors {
		vectors[i] = make([]float32, dim)
	}
	for d := 0; d < dim; d++ {
		perm := rng.Perm(num)
		for i, vi := range perm {
			if i < num/2 {
				vectors[vi][d] = 0.5
			} else {
				vectors[vi][d] = -0.5
			}
		}
	}

	return vectors
}

func signHamming(a, b []float32) int {
	h := 0
	for i := range a {
		if (a[i] >= 0) != (b[i] >= 0) {
			h++
		}
	}

	return h
}

func TestEnableQuantizationBinaryHammingSearch(t *testing.T) {
	dir := t.TempDir()
	store := openTestStore(t, dir)

	c := newTestCollection(t, store, CollectionConfig{
		Name: "docs", Dimension: 64, Metric: distance.MetricEuclidean, Seed: 7,
	})
	ctx := context.Background()

	vectors := signVectors(128, 64, 9)
	for i, v := range vectors {
		require.NoError(t, c.Insert(ctx, fmt.Sprintf("v%d", i), v, nil))
	}

	report, err := c.EnableQuantization(ctx, quantization.Config{
		Method: quantization.MethodBinary,
		Seed:   7,
	})
	require.NoError(t, err)
	require.True(t, report.Accepted)
	assert.Equal(t, StateQuantized, c.State())

	// Distances are now bit counts: the query hits itself at zero and
	// every other result at its exact Hamming distance.
	results, err := c.Search(ctx, vectors[0], 5)
	require.NoError(t, err)
	require.Len(t, results, 5)
	assert.Equal(t, "v0", results[0].ID)
	assert.Equal(t, float32(0), results[0].Distance)

	for _, r := range results[1:] {
		var idx int
		_, err := fmt.Sscanf(r.ID, "v%d", &idx)
		require.NoError(t, err)
		assert.Equal(t, float32(signHamming(vectors[0], vectors[idx])), r.Distance)
	}

	// The popcount path survives a restart.
	require.NoError(t, store.Close())
	store = openTestStore(t, dir)
	defer store.Close()

	c, err = store.GetCollection("docs")
	require.NoError(t, err)
	assert.Equal(t, StateQuantized, c.State())

	results, err = c.Search(ctx, vectors[0], 1)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "v0", results[0].ID)
	assert.Equal(t, float32(0), results[0].Distance)
}

func TestCollectionUpdatePayloadOnly(t *testing.T) {
	dir := t.TempDir()
	store := openTestStore(t, dir)

	c := newTestCollection(t, store, CollectionConfig{Name: "docs", Dimension: 4})
	ctx := context.Background()

	require.NoError(t, c.Insert(ctx, "a", []float32{1, 2, 3, 4}, []byte("old")))

	require.NoError(t, c.Update(ctx, "a", nil, []byte("new")))

	v, payload, err := c.Get("a")
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 2, 3, 4}, v)
	assert.Equal(t, []byte("new"), payload)

	// The vector did not move, so the graph stays clean.
	assert.Equal(t, float64(0), c.index.DirtyRatio())

	err = c.Update(ctx, "a", nil, nil)
	require.Error(t, err)

	// A payload-only update is WAL-logged and replayed.
	crashStore(t, store)
	store = openTestStore(t, dir)
	defer store.Close()

	c, err = store.GetCollection("docs")
	require.NoError(t, err)
	v, payload, err = c.Get("a")
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 2, 3, 4}, v)
	assert.Equal(t, []byte("new"), payload)
}

func TestCollectionInsertBatchAtomic(t *testing.T) {
	store := openTestStore(t, t.TempDir())
	defer store.Close()

	c := newTestCollection(t, store, CollectionConfig{Name: "docs", Dimension: 2})
	ctx := context.Background()

	require.NoError(t, c.Insert(ctx, "a", []float32{1, 0}, nil))

	// A duplicate anywhere in the batch rejects the whole batch.
	applied, err := c.InsertBatch(ctx, []BatchItem{
		{ID: "b", Vector: []float32{0, 1}},
		{ID: "a", Vector: []float32{1, 1}},
	})
	require.ErrorIs(t, err, ErrDuplicateID)
	assert.Equal(t, 0, applied)
	assert.Equal(t, 1, c.Count())

	applied, err = c.InsertBatch(ctx, []BatchItem{
		{ID: "b", Vector: []float32{0, 1}},
		{ID: "c", Vector: []float32{0, 1, 2}},
	})
	var dimErr *ErrDimensionMismatch
	require.ErrorAs(t, err, &dimErr)
	assert.Equal(t, 0, applied)
	assert.Equal(t, 1, c.Count())

	applied, err = c.InsertBatch(ctx, []BatchItem{
		{ID: "b", Vector: []float32{0, 1}},
		{ID: "b", Vector: []float32{1, 1}},
	})
	require.ErrorIs(t, err, ErrDuplicateID)
	assert.Equal(t, 0, applied)
	assert.Equal(t, 1, c.Count())
}

func TestQuantizationConfigWithoutQuantizedVectorsRecovers(t *testing.T) {
	dir := t.TempDir()
	store := openTestStore(t, dir)

	c := newTestCollection(t, store, CollectionConfig{
		Name: "docs", Dimension: 8, Metric: distance.MetricEuclidean, Seed: 7,
	})
	ctx := context.Background()

	vectors := testVectors(100, 8, 11)
	for i, v := range vectors {
		require.NoError(t, c.Insert(ctx, fmt.Sprintf("v%d", i), v, nil))
	}
	require.NoError(t, store.Close())

	// A crash between publishing the quantization config and rewriting
	// the vectors leaves raw vectors under a quantized config. Recovery
	// keeps the data and drops the quantization.
	colDir := filepath.Join(dir, "dynamic", "docs")
	meta, err := persistence.LoadMeta(colDir)
	require.NoError(t, err)
	meta.Quantization = &persistence.QuantizationMeta{
		Method:     quantization.MethodScalar.String(),
		ScalarBits: 8,
	}
	require.NoError(t, persistence.SaveMeta(colDir, meta))

	store = openTestStore(t, dir)
	defer store.Close()

	c, err = store.GetCollection("docs")
	require.NoError(t, err)
	assert.Equal(t, StatePopulated, c.State())
	require.Equal(t, 100, c.Count())

	results, err := c.Search(ctx, vectors[3], 1)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "v3", results[0].ID)
}

func TestCollectionNormalizeOnInsert(t *testing.T) {
	dir := t.TempDir()
	store := openTestStore(t, dir)

	c := newTestCollection(t, store, CollectionConfig{
		Name: "docs", Dimension: 4, Metric: distance.MetricCosine, Normalize: true,
	})
	ctx := context.Background()

	require.NoError(t, c.Insert(ctx, "a", []float32{0, 0, 0, 2}, nil))
	require.NoError(t, c.Insert(ctx, "b", []float32{3, 0, 0, 0}, nil))

	v, _, err := c.Get("a")
	require.NoError(t, err)
	assert.Equal(t, []float32{0, 0, 0, 1}, v)

	// Scaling the query does not change the ranking.
	results, err := c.Search(ctx, []float32{0, 0, 0, 9}, 1)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "a", results[0].ID)
	assert.InDelta(t, 0, results[0].Distance, 1e-6)

	// Normalization is part of the collection config and survives a
	// restart.
	require.NoError(t, store.Close())
	store = openTestStore(t, dir)
	defer store.Close()

	c, err = store.GetCollection("docs")
	require.NoError(t, err)
	require.NoError(t, c.Insert(ctx, "c", []float32{0, 5, 0, 0}, nil))

	v, _, err = c.Get("c")
	require.NoError(t, err)
	assert.Equal(t, []float32{0, 1, 0, 0}, v)
}

func TestCheckpointAndRebuildCancellation(t *testing.T) {
	store := openTestStore(t, t.TempDir())
	defer store.Close()

	c := newTestCollection(t, store, CollectionConfig{Name: "docs", Dimension: 4})
	ctx := context.Background()

	vectors := testVectors(40, 4, 13)
	for i, v := range vectors {
		require.NoError(t, c.Insert(ctx, fmt.Sprintf("v%d", i), v, nil))
	}
	for i := 0; i < 15; i++ {
		require.NoError(t, c.Delete(ctx, fmt.Sprintf("v%d", i)))
	}
	require.True(t, c.NeedsRebuild())

	cancelled, cancel := context.WithCancel(context.Background())
	cancel()

	require.ErrorIs(t, c.Checkpoint(cancelled), context.Canceled)
	require.ErrorIs(t, c.Rebuild(cancelled), context.Canceled)

	// Neither aborted operation disturbed the collection.
	assert.Equal(t, 25, c.Count())
	require.True(t, c.NeedsRebuild())
	require.NoError(t, c.Rebuild(ctx))
	assert.False(t, c.NeedsRebuild())
}
