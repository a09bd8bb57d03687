package vektor

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vektordb/vektor/distance"
	"github.com/vektordb/vektor/hnsw"
	"github.com/vektordb/vektor/quantization"
	"github.com/vektordb/vektor/wal"
)

// State tracks where a collection is in its lifecycle.
type State int32

const (
	// StateEmpty means no vectors have been inserted yet.
	StateEmpty State = iota
	// StatePopulated means the collection holds raw float32 vectors.
	StatePopulated
	// StateQuantized means vectors were compressed in place and the
	// original float32 data was dropped.
	StateQuantized
	// StatePersisting is reported while a checkpoint is being written.
	// Operations still proceed; the state is informational.
	StatePersisting
)

func (s State) String() string {
	switch s {
	case StateEmpty:
		return "empty"
	case StatePopulated:
		return "populated"
	case StateQuantized:
		return "quantized"
	case StatePersisting:
		return "persisting"
	default:
		return "unknown"
	}
}

// ScoredResult is a search hit. Distance is metric-dependent and smaller is
// always closer.
type ScoredResult struct {
	ID       string
	Distance float32
	Payload  []byte
}

// SearchOptions tune a single search call.
type SearchOptions struct {
	// EF overrides the adaptive search beam width when positive.
	EF int
}

// Collection owns one HNSW index, one quantizer and one WAL. All access is
// synchronized internally: searches share a read lock, mutations take the
// write lock, and collections never block each other.
type Collection struct {
	name     string
	uuid     string
	dir      string
	readOnly bool

	mu         sync.RWMutex
	state      State
	persisting atomic.Bool

	cfg       CollectionConfig
	distFn    distance.Func
	ids       map[string]uint32 // external -> internal
	external  []string          // internal -> external, "" marks a hole
	raw       [][]float32       // populated until quantization
	codes     [][]byte          // populated after quantization
	payloads  [][]byte
	quantizer quantization.Quantizer // nil until quantized
	index     *hnsw.Index
	wal       *wal.WAL

	// Slots deleted since the last rebuild. Their vectors must survive
	// until the rebuild unlinks the tombstoned graph nodes.
	pendingPurge []uint32

	checkpointSeq uint64
	createdAt     time.Time
	updatedAt     time.Time
	closed        bool

	logger  *Logger
	metrics MetricsCollector
}

// Name returns the collection name.
func (c *Collection) Name() string { return c.name }

// ReadOnly reports whether the collection rejects mutations.
func (c *Collection) ReadOnly() bool { return c.readOnly }

// State returns the lifecycle state.
func (c *Collection) State() State {
	if c.persisting.Load() {
		return StatePersisting
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.state
}

// Count returns the number of live vectors.
func (c *Collection) Count() int {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return len(c.ids)
}

// Dimension returns the configured vector dimension.
func (c *Collection) Dimension() int { return c.cfg.Dimension }

// vectorAt resolves an internal ID to a float32 vector, decoding the stored
// code when the collection is quantized. It is the provider injected into
// the HNSW index, which makes in-place quantization invisible to the graph.
// Callers must not mutate the result.
func (c *Collection) vectorAt(id uint32) []float32 {
	if c.quantizer != nil {
		if int(id) >= len(c.codes) || c.codes[id] == nil {
			return nil
		}
		return c.quantizer.Decode(c.codes[id])
	}

	if int(id) >= len(c.raw) {
		return nil
	}

	return c.raw[id]
}

// Insert adds a vector under an external ID. The operation is logged to the
// WAL before it is applied; a WAL failure leaves memory untouched.
func (c *Collection) Insert(ctx context.Context, id string, vector []float32, payload []byte) error {
	start := time.Now()
	err := c.insert(id, vector, payload)
	c.metrics.RecordInsert(c.name, time.Since(start), err)
	c.logger.LogInsert(ctx, id, len(vector), err)

	return err
}

func (c *Collection) insert(id string, vector []float32, payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.checkWritable(); err != nil {
		return err
	}
	if len(vector) != c.cfg.Dimension {
		return &ErrDimensionMismatch{Expected: c.cfg.Dimension, Actual: len(vector)}
	}
	if id == "" {
		return fmt.Errorf("vector id must not be empty")
	}
	if _, exists := c.ids[id]; exists {
		return fmt.Errorf("%w: %q", ErrDuplicateID, id)
	}

	if c.cfg.Normalize {
		vector = normalizedCopy(vector)
	}

	// Encode before logging so nothing can fail after the WAL append.
	var code []byte
	if c.quantizer != nil {
		var err error
		if code, err = c.quantizer.Encode(vector); err != nil {
			return translateError(err)
		}
	}

	if _, err := c.wal.LogInsert(id, vector, payload); err != nil {
		return &PersistenceError{Op: "insert", cause: err}
	}

	c.applyInsert(id, vector, code, payload)

	return nil
}

// applyInsert requires c.mu held and all validation done. It is shared with
// WAL replay.
func (c *Collection) applyInsert(id string, vector []float32, code []byte, payload []byte) {
	internal := c.index.ReserveID()

	for uint32(len(c.external)) <= internal {
		c.external = append(c.external, "")
		c.raw = append(c.raw, nil)
		c.codes = append(c.codes, nil)
		c.payloads = append(c.payloads, nil)
	}

	c.external[internal] = id
	c.payloads[internal] = payload
	if c.quantizer != nil {
		c.codes[internal] = code
		c.raw[internal] = nil
	} else {
		stored := make([]float32, len(vector))
		copy(stored, vector)
		c.raw[internal] = stored
	}
	c.ids[id] = internal

	// Cannot fail: dimension was validated and the slot is fresh.
	if err := c.index.Insert(internal); err != nil {
		delete(c.ids, id)
		c.external[internal] = ""
		c.raw[internal] = nil
		c.codes[internal] = nil
		c.payloads[internal] = nil
		c.logger.Error("index insert failed after WAL append", "id", id, "error", err)
		return
	}

	if c.state == StateEmpty {
		c.state = StatePopulated
	}
	c.updatedAt = time.Now()
}

// BatchItem is one vector in a batch insert.
type BatchItem struct {
	ID      string
	Vector  []float32
	Payload []byte
}

// batchCancelStride is how many batch items are validated between context
// checks.
const batchCancelStride = 64

// InsertBatch inserts the items as one unit: the whole batch is validated up
// front, logged as a single WAL write and applied under one lock hold. It
// returns the number of items applied, which is len(items) on success and 0
// on any error.
func (c *Collection) InsertBatch(ctx context.Context, items []BatchItem) (int, error) {
	start := time.Now()
	applied, err := c.insertBatch(ctx, items)
	c.metrics.RecordInsert(c.name, time.Since(start), err)
	c.logger.LogInsertBatch(ctx, len(items), applied, err)

	return applied, err
}

func (c *Collection) insertBatch(ctx context.Context, items []BatchItem) (int, error) {
	if len(items) == 0 {
		return 0, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.checkWritable(); err != nil {
		return 0, err
	}

	records := make([]wal.InsertRecord, len(items))
	codes := make([][]byte, len(items))
	seen := make(map[string]struct{}, len(items))

	for i, item := range items {
		if i%batchCancelStride == 0 {
			if err := ctx.Err(); err != nil {
				return 0, err
			}
		}

		if len(item.Vector) != c.cfg.Dimension {
			return 0, &ErrDimensionMismatch{Expected: c.cfg.Dimension, Actual: len(item.Vector)}
		}
		if item.ID == "" {
			return 0, fmt.Errorf("vector id must not be empty")
		}
		if _, exists := c.ids[item.ID]; exists {
			return 0, fmt.Errorf("%w: %q", ErrDuplicateID, item.ID)
		}
		if _, dup := seen[item.ID]; dup {
			return 0, fmt.Errorf("%w: %q", ErrDuplicateID, item.ID)
		}
		seen[item.ID] = struct{}{}

		vector := item.Vector
		if c.cfg.Normalize {
			vector = normalizedCopy(vector)
		}
		if c.quantizer != nil {
			code, err := c.quantizer.Encode(vector)
			if err != nil {
				return 0, translateError(err)
			}
			codes[i] = code
		}

		records[i] = wal.InsertRecord{ID: item.ID, Vector: vector, Payload: item.Payload}
	}

	if _, err := c.wal.LogInsertBatch(records); err != nil {
		return 0, &PersistenceError{Op: "insert batch", cause: err}
	}

	for i, rec := range records {
		c.applyInsert(rec.ID, rec.Vector, codes[i], rec.Payload)
	}

	return len(items), nil
}

// Update replaces the vector and payload stored under an existing ID. A nil
// vector updates the payload only and leaves the ranking untouched. When the
// vector changes, the graph keeps the node's edges and marks it dirty; the
// batched rebuild relinks it later.
func (c *Collection) Update(ctx context.Context, id string, vector []float32, payload []byte) error {
	start := time.Now()
	err := c.update(id, vector, payload)
	c.metrics.RecordUpdate(c.name, time.Since(start), err)
	if err != nil {
		c.logger.ErrorContext(ctx, "update failed", "id", id, "error", err)
	} else {
		c.logger.DebugContext(ctx, "update completed", "id", id)
	}

	return err
}

func (c *Collection) update(id string, vector []float32, payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.checkWritable(); err != nil {
		return err
	}
	if vector == nil && payload == nil {
		return fmt.Errorf("update needs a vector or a payload")
	}
	if vector != nil && len(vector) != c.cfg.Dimension {
		return &ErrDimensionMismatch{Expected: c.cfg.Dimension, Actual: len(vector)}
	}

	internal, exists := c.ids[id]
	if !exists {
		return fmt.Errorf("%w: vector %q", ErrNotFound, id)
	}

	if vector != nil && c.cfg.Normalize {
		vector = normalizedCopy(vector)
	}

	var code []byte
	if vector != nil && c.quantizer != nil {
		var err error
		if code, err = c.quantizer.Encode(vector); err != nil {
			return translateError(err)
		}
	}

	if _, err := c.wal.LogUpdate(id, vector, payload); err != nil {
		return &PersistenceError{Op: "update", cause: err}
	}

	c.applyUpdate(internal, vector, code, payload)

	return nil
}

// applyUpdate requires c.mu held. Shared with WAL replay. A nil vector marks
// a payload-only update.
func (c *Collection) applyUpdate(internal uint32, vector []float32, code []byte, payload []byte) {
	if vector != nil {
		if c.quantizer != nil {
			c.codes[internal] = code
		} else {
			stored := make([]float32, len(vector))
			copy(stored, vector)
			c.raw[internal] = stored
		}
		_ = c.index.MarkDirty(internal)
	}
	c.payloads[internal] = payload

	c.updatedAt = time.Now()
}

// Delete removes a vector. The graph node is tombstoned; its storage is
// reclaimed by the next rebuild.
func (c *Collection) Delete(ctx context.Context, id string) error {
	start := time.Now()
	err := c.deleteOne(id)
	c.metrics.RecordDelete(c.name, time.Since(start), err)
	c.logger.LogDelete(ctx, id, err)

	return err
}

func (c *Collection) deleteOne(id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.checkWritable(); err != nil {
		return err
	}

	internal, exists := c.ids[id]
	if !exists {
		return fmt.Errorf("%w: vector %q", ErrNotFound, id)
	}

	if _, err := c.wal.LogDelete(id); err != nil {
		return &PersistenceError{Op: "delete", cause: err}
	}

	c.applyDelete(id, internal)

	return nil
}

// applyDelete requires c.mu held. Shared with WAL replay.
func (c *Collection) applyDelete(id string, internal uint32) {
	_ = c.index.Delete(internal)

	delete(c.ids, id)
	c.external[internal] = ""
	c.payloads[internal] = nil
	// The vector stays until the rebuild: tombstoned nodes are still
	// traversed and need their distances.
	c.pendingPurge = append(c.pendingPurge, internal)
	c.updatedAt = time.Now()
}

// Get returns the stored vector and payload for an ID. For a quantized
// collection the vector is the decoded approximation.
func (c *Collection) Get(id string) ([]float32, []byte, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.closed {
		return nil, nil, ErrClosed
	}

	internal, exists := c.ids[id]
	if !exists {
		return nil, nil, fmt.Errorf("%w: vector %q", ErrNotFound, id)
	}

	v := c.vectorAt(internal)
	out := make([]float32, len(v))
	copy(out, v)

	return out, c.payloads[internal], nil
}

// Search returns the k nearest vectors to the query. The beam width adapts
// to collection size: tiny collections are searched nearly exhaustively,
// larger ones with a floor that keeps recall stable for small k.
func (c *Collection) Search(ctx context.Context, query []float32, k int, optFns ...func(o *SearchOptions)) ([]ScoredResult, error) {
	start := time.Now()
	results, err := c.search(query, k, optFns...)
	c.metrics.RecordSearch(c.name, k, time.Since(start), err)
	c.logger.LogSearch(ctx, k, len(results), err)

	return results, err
}

func (c *Collection) search(query []float32, k int, optFns ...func(o *SearchOptions)) ([]ScoredResult, error) {
	var opts SearchOptions
	for _, fn := range optFns {
		fn(&opts)
	}

	if k <= 0 {
		return nil, ErrInvalidK
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.closed {
		return nil, ErrClosed
	}
	if len(query) != c.cfg.Dimension {
		return nil, &ErrDimensionMismatch{Expected: c.cfg.Dimension, Actual: len(query)}
	}

	count := c.index.Len()
	if count == 0 {
		return []ScoredResult{}, nil
	}

	ef := opts.EF
	if ef <= 0 {
		ef = adaptiveEF(count, k)
	}

	if c.cfg.Normalize {
		query = normalizedCopy(query)
	}

	var hits []hnsw.Result
	var err error
	if c.quantizer != nil && c.quantizer.Method() == quantization.MethodBinary {
		// Binary codes compare by popcount: the query is encoded once
		// and the whole traversal runs on XOR distances.
		code, encErr := c.quantizer.Encode(query)
		if encErr != nil {
			return nil, translateError(encErr)
		}
		hits, err = c.index.KNNSearchCode(code, k, ef)
	} else {
		hits, err = c.index.KNNSearch(query, k, ef)
	}
	if err != nil {
		return nil, translateError(err)
	}

	results := make([]ScoredResult, 0, len(hits))
	for _, hit := range hits {
		results = append(results, ScoredResult{
			ID:       c.external[hit.ID],
			Distance: hit.Distance,
			Payload:  c.payloads[hit.ID],
		})
	}

	return results, nil
}

// adaptiveEF sizes the search beam. Collections under 10 vectors get a near
// exhaustive beam; beyond that the beam scales with k and never drops below
// 64.
func adaptiveEF(count, k int) int {
	if count < 10 {
		return max(count*2, k*3)
	}

	return max(k*2, 64)
}

// codeAt resolves an internal ID to its stored code. It is the code provider
// handed to the graph when searches run on packed codes.
func (c *Collection) codeAt(id uint32) []byte {
	if int(id) >= len(c.codes) {
		return nil
	}

	return c.codes[id]
}

func hammingDistance(a, b []byte) float32 {
	return float32(distance.Hamming(a, b))
}

// enableHammingSearch points the graph at the packed codes so every candidate
// comparison is a popcount of XOR. Only valid with a binary quantizer.
func (c *Collection) enableHammingSearch() {
	c.index.UseCodes(c.codeAt, hammingDistance)
}

// normalizedCopy returns an L2-normalized copy of v. A zero vector copies
// unchanged.
func normalizedCopy(v []float32) []float32 {
	out := make([]float32, len(v))
	copy(out, v)
	distance.NormalizeL2InPlace(out)

	return out
}

// checkWritable requires c.mu held.
func (c *Collection) checkWritable() error {
	if c.closed {
		return ErrClosed
	}
	if c.readOnly {
		return fmt.Errorf("%w: %q", ErrReadOnlyCollection, c.name)
	}

	return nil
}

// Rebuild reconstructs the HNSW graph, dropping tombstoned nodes and
// relinking updated ones, then reclaims the storage of deleted slots.
func (c *Collection) Rebuild(ctx context.Context) error {
	start := time.Now()
	ratio := c.index.DirtyRatio()
	err := c.rebuild(ctx)
	c.metrics.RecordRebuild(c.name, time.Since(start), err)
	c.logger.LogRebuild(ctx, ratio, err)

	return err
}

func (c *Collection) rebuild(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrClosed
	}

	if err := c.index.Rebuild(ctx); err != nil {
		return translateError(err)
	}

	for _, internal := range c.pendingPurge {
		if int(internal) < len(c.raw) {
			c.raw[internal] = nil
		}
		if int(internal) < len(c.codes) {
			c.codes[internal] = nil
		}
	}
	c.pendingPurge = nil

	return nil
}

// NeedsRebuild reports whether the dirty ratio crossed the configured
// threshold.
func (c *Collection) NeedsRebuild() bool {
	return c.index.NeedsRebuild()
}

// Close releases the WAL file handle. The collection rejects further
// operations.
func (c *Collection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true

	return c.wal.Close()
}

// CollectionStats is a point-in-time snapshot of a collection.
type CollectionStats struct {
	Name           string     `json:"name"`
	Type           string     `json:"type"`
	State          string     `json:"state"`
	Count          int        `json:"count"`
	Dimension      int        `json:"dimension"`
	Metric         string     `json:"metric"`
	Quantization   string     `json:"quantization"`
	M              int        `json:"m"`
	EFConstruction int        `json:"ef_construction"`
	VectorBytes    int64      `json:"vector_bytes"`
	WALBytes       int64      `json:"wal_bytes"`
	CheckpointSeq  uint64     `json:"checkpoint_seq"`
	Index          hnsw.Stats `json:"index"`
}

// Stats returns collection statistics.
func (c *Collection) Stats() CollectionStats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var vectorBytes int64
	if c.quantizer != nil {
		for _, code := range c.codes {
			vectorBytes += int64(len(code))
		}
	} else {
		for _, v := range c.raw {
			vectorBytes += int64(len(v) * 4)
		}
	}

	typ := "dynamic"
	if c.readOnly {
		typ = "readonly"
	}

	method := quantization.MethodNone.String()
	if c.quantizer != nil {
		method = c.quantizer.Method().String()
	}

	return CollectionStats{
		Name:           c.name,
		Type:           typ,
		State:          c.state.String(),
		Count:          len(c.ids),
		Dimension:      c.cfg.Dimension,
		Metric:         c.cfg.Metric.String(),
		Quantization:   method,
		M:              c.cfg.M,
		EFConstruction: c.cfg.EFConstruction,
		VectorBytes:    vectorBytes,
		WALBytes:       c.wal.Size(),
		CheckpointSeq:  c.checkpointSeq,
		Index:          c.index.Stats(),
	}
}
