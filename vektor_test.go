package vektor

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vektordb/vektor/distance"
	"github.com/vektordb/vektor/wal"
)

func TestOpenCreatesLayout(t *testing.T) {
	dir := t.TempDir()
	store := openTestStore(t, dir)
	defer store.Close()

	for _, sub := range []string{"workspace", "dynamic"} {
		info, err := os.Stat(filepath.Join(dir, sub))
		require.NoError(t, err)
		assert.True(t, info.IsDir())
	}
	assert.Empty(t, store.ListCollections())
}

func TestCreateCollectionValidation(t *testing.T) {
	store := openTestStore(t, t.TempDir())
	defer store.Close()

	ctx := context.Background()

	_, err := store.CreateCollection(ctx, CollectionConfig{Name: "", Dimension: 4})
	require.Error(t, err)

	var dimErr *ErrInvalidDimension
	_, err = store.CreateCollection(ctx, CollectionConfig{Name: "docs", Dimension: 0})
	require.ErrorAs(t, err, &dimErr)
	assert.Equal(t, 0, dimErr.Dimension)

	_, err = store.CreateCollection(ctx, CollectionConfig{Name: "docs", Dimension: 4})
	require.NoError(t, err)

	_, err = store.CreateCollection(ctx, CollectionConfig{Name: "docs", Dimension: 8})
	assert.ErrorIs(t, err, ErrAlreadyExists)
}

func TestGetCollection(t *testing.T) {
	store := openTestStore(t, t.TempDir())
	defer store.Close()

	_, err := store.GetCollection("missing")
	assert.ErrorIs(t, err, ErrNotFound)

	created, err := store.CreateCollection(context.Background(), CollectionConfig{Name: "docs", Dimension: 4})
	require.NoError(t, err)

	got, err := store.GetCollection("docs")
	require.NoError(t, err)
	assert.Same(t, created, got)
}

func TestListCollectionsSorted(t *testing.T) {
	store := openTestStore(t, t.TempDir())
	defer store.Close()

	ctx := context.Background()
	for _, name := range []string{"zebra", "alpha", "mango"} {
		_, err := store.CreateCollection(ctx, CollectionConfig{Name: name, Dimension: 2})
		require.NoError(t, err)
	}

	assert.Equal(t, []string{"alpha", "mango", "zebra"}, store.ListCollections())
}

func TestDeleteCollectionRemovesFiles(t *testing.T) {
	dir := t.TempDir()
	store := openTestStore(t, dir)
	defer store.Close()

	ctx := context.Background()
	c, err := store.CreateCollection(ctx, CollectionConfig{Name: "docs", Dimension: 2})
	require.NoError(t, err)
	require.NoError(t, c.Insert(ctx, "a", []float32{1, 0}, nil))
	require.NoError(t, c.Checkpoint(ctx))

	colDir := filepath.Join(dir, "dynamic", "docs")
	_, err = os.Stat(colDir)
	require.NoError(t, err)

	require.NoError(t, store.DeleteCollection(ctx, "docs"))

	_, err = os.Stat(colDir)
	assert.True(t, os.IsNotExist(err))
	_, err = store.GetCollection("docs")
	assert.ErrorIs(t, err, ErrNotFound)

	assert.ErrorIs(t, store.DeleteCollection(ctx, "docs"), ErrNotFound)

	// The name is free again.
	_, err = store.CreateCollection(ctx, CollectionConfig{Name: "docs", Dimension: 2})
	require.NoError(t, err)
}

func TestWorkspaceCollectionIsReadOnly(t *testing.T) {
	dir := t.TempDir()
	store := openTestStore(t, dir)

	ctx := context.Background()
	c, err := store.CreateCollection(ctx, CollectionConfig{
		Name: "corpus", Dimension: 4, Metric: distance.MetricEuclidean,
	})
	require.NoError(t, err)
	require.NoError(t, c.Insert(ctx, "a", []float32{1, 0, 0, 0}, []byte("doc a")))
	require.NoError(t, c.Insert(ctx, "b", []float32{0, 1, 0, 0}, nil))
	require.NoError(t, store.Close())

	// Promote the collection into the workspace directory.
	require.NoError(t, os.Rename(
		filepath.Join(dir, "dynamic", "corpus"),
		filepath.Join(dir, "workspace", "corpus"),
	))

	store = openTestStore(t, dir)
	defer store.Close()

	c, err = store.GetCollection("corpus")
	require.NoError(t, err)
	require.True(t, c.ReadOnly())
	require.Equal(t, 2, c.Count())

	// Reads work.
	results, err := c.Search(ctx, []float32{1, 0, 0, 0}, 1)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "a", results[0].ID)

	v, payload, err := c.Get("a")
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 0, 0, 0}, v)
	assert.Equal(t, []byte("doc a"), payload)

	// Every mutation is rejected.
	assert.ErrorIs(t, c.Insert(ctx, "c", []float32{0, 0, 1, 0}, nil), ErrReadOnlyCollection)
	assert.ErrorIs(t, c.Update(ctx, "a", []float32{0, 0, 1, 0}, nil), ErrReadOnlyCollection)
	assert.ErrorIs(t, c.Delete(ctx, "a"), ErrReadOnlyCollection)
	assert.ErrorIs(t, store.DeleteCollection(ctx, "corpus"), ErrReadOnlyCollection)
	assert.Equal(t, 2, c.Count())
}

func TestCorruptCollectionIsUnavailable(t *testing.T) {
	dir := t.TempDir()
	store := openTestStore(t, dir)

	ctx := context.Background()
	c, err := store.CreateCollection(ctx, CollectionConfig{Name: "docs", Dimension: 2})
	require.NoError(t, err)
	require.NoError(t, c.Insert(ctx, "a", []float32{1, 0}, nil))
	require.NoError(t, store.Close())

	metaPath := filepath.Join(dir, "dynamic", "docs", "metadata.json")
	require.NoError(t, os.WriteFile(metaPath, []byte("not json"), 0o644))

	store = openTestStore(t, dir)
	defer store.Close()

	var recErr *RecoveryError
	_, err = store.GetCollection("docs")
	require.ErrorAs(t, err, &recErr)
	assert.Equal(t, "docs", recErr.Collection)

	// Unavailable collections are excluded from listings and keep their
	// name reserved.
	assert.Empty(t, store.ListCollections())
	_, err = store.CreateCollection(ctx, CollectionConfig{Name: "docs", Dimension: 2})
	assert.ErrorIs(t, err, ErrAlreadyExists)

	// Deleting the broken directory frees the name.
	require.NoError(t, store.DeleteCollection(ctx, "docs"))
	_, err = store.CreateCollection(ctx, CollectionConfig{Name: "docs", Dimension: 2})
	require.NoError(t, err)
}

func TestCorruptVectorsFileIsUnavailable(t *testing.T) {
	dir := t.TempDir()
	store := openTestStore(t, dir)

	ctx := context.Background()
	c, err := store.CreateCollection(ctx, CollectionConfig{Name: "docs", Dimension: 2})
	require.NoError(t, err)
	require.NoError(t, c.Insert(ctx, "a", []float32{1, 0}, nil))
	require.NoError(t, c.Checkpoint(ctx))
	require.NoError(t, store.Close())

	vecPath := filepath.Join(dir, "dynamic", "docs", "vectors.bin")
	data, err := os.ReadFile(vecPath)
	require.NoError(t, err)
	data[len(data)-1] ^= 0xFF
	require.NoError(t, os.WriteFile(vecPath, data, 0o644))

	store = openTestStore(t, dir)
	defer store.Close()

	var recErr *RecoveryError
	_, err = store.GetCollection("docs")
	require.ErrorAs(t, err, &recErr)
}

func TestMissingIndexFileRebuildsGraph(t *testing.T) {
	dir := t.TempDir()
	store := openTestStore(t, dir)

	ctx := context.Background()
	c, err := store.CreateCollection(ctx, CollectionConfig{
		Name: "docs", Dimension: 8, Metric: distance.MetricEuclidean,
	})
	require.NoError(t, err)

	vectors := testVectors(50, 8, 11)
	for i, v := range vectors {
		require.NoError(t, c.Insert(ctx, fmt.Sprintf("v%d", i), v, nil))
	}
	require.NoError(t, c.Checkpoint(ctx))
	require.NoError(t, store.Close())

	require.NoError(t, os.Remove(filepath.Join(dir, "dynamic", "docs", "index.hnsw")))

	store = openTestStore(t, dir)
	defer store.Close()

	c, err = store.GetCollection("docs")
	require.NoError(t, err)
	require.Equal(t, 50, c.Count())

	for i := 0; i < 10; i++ {
		results, err := c.Search(ctx, vectors[i], 1)
		require.NoError(t, err)
		require.Len(t, results, 1)
		assert.Equal(t, fmt.Sprintf("v%d", i), results[0].ID)
	}
}

func TestAutoCheckpointOnOpsThreshold(t *testing.T) {
	dir := t.TempDir()
	store, err := Open(context.Background(), dir,
		WithLogger(NoopLogger()),
		WithMaintenanceInterval(0),
		WithWALOptions(func(o *wal.Options) {
			o.AutoCheckpointOps = 5
		}),
	)
	require.NoError(t, err)
	defer store.Close()

	ctx := context.Background()
	c, err := store.CreateCollection(ctx, CollectionConfig{Name: "docs", Dimension: 2})
	require.NoError(t, err)

	for i := 0; i < 6; i++ {
		require.NoError(t, c.Insert(ctx, fmt.Sprintf("v%d", i), []float32{float32(i), 0}, nil))
	}

	// The checkpoint fires asynchronously once the op threshold is hit.
	assert.Eventually(t, func() bool {
		_, checkpointSeq, err := store.WALStats("docs")
		return err == nil && checkpointSeq > 0
	}, 5*time.Second, 10*time.Millisecond)

	_, err = os.Stat(filepath.Join(dir, "dynamic", "docs", "vectors.bin"))
	assert.NoError(t, err)
}

func TestStoreClosedOperations(t *testing.T) {
	store := openTestStore(t, t.TempDir())
	require.NoError(t, store.Close())
	require.NoError(t, store.Close())

	ctx := context.Background()
	_, err := store.CreateCollection(ctx, CollectionConfig{Name: "docs", Dimension: 2})
	assert.ErrorIs(t, err, ErrClosed)
	_, err = store.GetCollection("docs")
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, store.DeleteCollection(ctx, "docs"), ErrClosed)
}

func TestCollectionStats(t *testing.T) {
	store := openTestStore(t, t.TempDir())
	defer store.Close()

	ctx := context.Background()
	c, err := store.CreateCollection(ctx, CollectionConfig{
		Name: "docs", Dimension: 4, Metric: distance.MetricEuclidean,
	})
	require.NoError(t, err)
	require.NoError(t, c.Insert(ctx, "a", []float32{1, 2, 3, 4}, nil))

	stats := c.Stats()
	assert.Equal(t, "docs", stats.Name)
	assert.Equal(t, "dynamic", stats.Type)
	assert.Equal(t, "populated", stats.State)
	assert.Equal(t, 1, stats.Count)
	assert.Equal(t, 4, stats.Dimension)
	assert.Equal(t, "euclidean", stats.Metric)
	assert.Equal(t, "none", stats.Quantization)
	assert.Equal(t, int64(16), stats.VectorBytes)
	assert.Positive(t, stats.WALBytes)
	assert.Equal(t, 1, stats.Index.Live)
}
