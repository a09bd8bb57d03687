package vektor

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/vektordb/vektor/distance"
	"github.com/vektordb/vektor/hnsw"
	"github.com/vektordb/vektor/persistence"
	"github.com/vektordb/vektor/quantization"
	"github.com/vektordb/vektor/wal"
)

// newCollection wires the shared parts of a collection: slot tables, index
// provider and WAL with its auto-checkpoint callback.
func newCollection(dir string, cfg CollectionConfig, uid string, readOnly bool, opts options) (*Collection, error) {
	distFn, err := distance.Provider(cfg.Metric)
	if err != nil {
		return nil, err
	}

	c := &Collection{
		name:      cfg.Name,
		uuid:      uid,
		dir:       dir,
		readOnly:  readOnly,
		cfg:       cfg,
		distFn:    distFn,
		ids:       make(map[string]uint32),
		createdAt: time.Now(),
		updatedAt: time.Now(),
		logger:    opts.logger.WithCollection(cfg.Name),
		metrics:   opts.metrics,
	}

	c.index = hnsw.New(cfg.Dimension, c.vectorAt, func(o *hnsw.Options) {
		o.M = cfg.M
		o.EFConstruction = cfg.EFConstruction
		o.Heuristic = true
		o.DistanceFunc = distFn
		o.Seed = cfg.Seed
		o.RebuildThreshold = cfg.RebuildThreshold
	})

	walOpts := append([]func(o *wal.Options){}, opts.walOptions...)
	walOpts = append(walOpts, func(o *wal.Options) {
		o.OnCheckpointDue = func() {
			go func() {
				_ = c.Checkpoint(context.Background())
			}()
		}
	})

	w, err := wal.Open(filepath.Join(dir, persistence.WALFile), walOpts...)
	if err != nil {
		return nil, &PersistenceError{Op: "wal open", cause: err}
	}
	c.wal = w

	return c, nil
}

// createCollection initializes a fresh dynamic collection directory with an
// empty WAL and initial metadata.
func createCollection(dir string, cfg CollectionConfig, opts options) (*Collection, error) {
	cfg.applyDefaults()

	if cfg.Name == "" {
		return nil, fmt.Errorf("collection name must not be empty")
	}
	if cfg.Dimension <= 0 {
		return nil, &ErrInvalidDimension{Dimension: cfg.Dimension}
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, &PersistenceError{Op: "create collection dir", cause: err}
	}

	c, err := newCollection(dir, cfg, uuid.NewString(), false, opts)
	if err != nil {
		return nil, err
	}

	cfgJSON, err := json.Marshal(cfg)
	if err != nil {
		return nil, err
	}
	if _, err := c.wal.LogCreateCollection(cfg.Name, cfgJSON); err != nil {
		_ = c.wal.Close()
		return nil, &PersistenceError{Op: "create collection", cause: err}
	}

	if err := persistence.SaveMeta(dir, c.buildMeta(0)); err != nil {
		_ = c.wal.Close()
		return nil, &PersistenceError{Op: "create collection metadata", cause: err}
	}

	return c, nil
}

// openCollection recovers a collection from its directory: the newest valid
// checkpoint plus a replay of WAL entries past the checkpoint watermark. Any
// corruption surfaces as a RecoveryError and the caller marks the collection
// unavailable.
func openCollection(ctx context.Context, dir, name string, readOnly bool, opts options) (*Collection, error) {
	meta, err := persistence.LoadMeta(dir)
	if err != nil {
		return nil, &RecoveryError{Collection: name, cause: translateError(err)}
	}

	metric, err := distance.ParseMetric(meta.Metric)
	if err != nil {
		return nil, &RecoveryError{Collection: name, cause: err}
	}

	cfg := CollectionConfig{
		Name:             meta.Name,
		Dimension:        meta.Dimension,
		Metric:           metric,
		Normalize:        meta.Normalize,
		M:                meta.Index.M,
		EFConstruction:   meta.Index.EFConstruction,
		Seed:             meta.Index.Seed,
		RebuildThreshold: meta.Index.RebuildThreshold,
	}
	cfg.applyDefaults()

	if meta.Quantization != nil {
		qcfg, err := quantizationConfigFromMeta(meta.Quantization)
		if err != nil {
			return nil, &RecoveryError{Collection: name, cause: err}
		}
		cfg.Quantization = &qcfg
	}

	c, err := newCollection(dir, cfg, meta.UUID, readOnly, opts)
	if err != nil {
		return nil, &RecoveryError{Collection: name, cause: err}
	}
	c.createdAt = meta.CreatedAt
	c.updatedAt = meta.UpdatedAt
	c.checkpointSeq = meta.CheckpointSeq
	c.wal.Advance(meta.CheckpointSeq)

	if err := c.loadCheckpoint(); err != nil {
		_ = c.wal.Close()
		return nil, &RecoveryError{Collection: name, cause: err}
	}

	replayed := 0
	err = c.wal.Replay(meta.CheckpointSeq, func(entry wal.Entry) error {
		applied, err := c.applyEntry(entry)
		if err != nil {
			return err
		}
		if applied {
			replayed++
		}
		return nil
	})
	c.logger.LogRecovery(ctx, replayed, err)
	if err != nil {
		_ = c.wal.Close()
		return nil, &RecoveryError{Collection: name, cause: translateError(err)}
	}

	// Replayed deletes and updates can leave the graph past its dirty
	// threshold; compact it now rather than waiting for maintenance.
	if c.index.NeedsRebuild() {
		if err := c.rebuild(ctx); err != nil {
			_ = c.wal.Close()
			return nil, &RecoveryError{Collection: name, cause: err}
		}
	}

	if len(c.ids) > 0 {
		if c.quantizer != nil {
			c.state = StateQuantized
		} else {
			c.state = StatePopulated
		}
	} else if c.quantizer != nil {
		c.state = StateQuantized
	}

	return c, nil
}

// loadCheckpoint restores the slot tables, quantizer and graph from the
// checkpoint files. A missing vectors.bin means no checkpoint was ever
// written and the collection starts empty. A present vectors.bin with a
// missing or corrupt index.hnsw falls back to rebuilding the graph from the
// vectors; corrupt vectors are unrecoverable.
func (c *Collection) loadCheckpoint() error {
	data, err := persistence.LoadVectors(c.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return translateError(err)
	}
	if data.Dimension != c.cfg.Dimension {
		return &ErrDimensionMismatch{Expected: c.cfg.Dimension, Actual: data.Dimension}
	}

	switch {
	case data.Quantized:
		if c.cfg.Quantization == nil {
			return fmt.Errorf("vectors are quantized but metadata has no quantization config")
		}
		q, err := quantization.New(c.cfg.Dimension, *c.cfg.Quantization)
		if err != nil {
			return translateError(err)
		}
		if err := q.UnmarshalBinary(data.QuantizerState); err != nil {
			return translateError(err)
		}
		c.quantizer = q

	case c.cfg.Quantization != nil:
		// Raw vectors under a quantized config: the crash hit between
		// the config publish and the vectors rewrite. The data is
		// intact, only the quantization was lost.
		c.logger.Warn("metadata claims quantization but vectors are raw, continuing unquantized")
		c.cfg.Quantization = nil
	}

	c.external = data.IDs
	c.payloads = data.Payloads
	if data.Quantized {
		c.codes = data.Codes
		c.raw = make([][]float32, len(data.IDs))
	} else {
		c.raw = data.Raw
		c.codes = make([][]byte, len(data.IDs))
	}
	for i, id := range c.external {
		if id != "" {
			c.ids[id] = uint32(i)
		}
	}

	if err := persistence.LoadIndex(c.dir, c.index); err != nil {
		c.logger.Warn("index load failed, rebuilding graph from vectors", "error", err)
		if err := c.rebuildIndexFromSlots(); err != nil {
			return err
		}
	}

	if c.quantizer != nil && c.quantizer.Method() == quantization.MethodBinary {
		c.enableHammingSearch()
	}

	return nil
}

// rebuildIndexFromSlots reconstructs the graph from scratch. Slot holes are
// compacted away, so internal IDs are reassigned; the external IDs stay
// stable.
func (c *Collection) rebuildIndexFromSlots() error {
	index := hnsw.New(c.cfg.Dimension, c.vectorAt, func(o *hnsw.Options) {
		o.M = c.cfg.M
		o.EFConstruction = c.cfg.EFConstruction
		o.Heuristic = true
		o.DistanceFunc = c.distFn
		o.Seed = c.cfg.Seed
		o.RebuildThreshold = c.cfg.RebuildThreshold
	})

	var (
		external []string
		raw      [][]float32
		codes    [][]byte
		payloads [][]byte
		ids      = make(map[string]uint32, len(c.ids))
	)
	for i, id := range c.external {
		if id == "" {
			continue
		}
		external = append(external, id)
		raw = append(raw, c.raw[i])
		codes = append(codes, c.codes[i])
		payloads = append(payloads, c.payloads[i])
		ids[id] = uint32(len(external) - 1)
	}

	c.external = external
	c.raw = raw
	c.codes = codes
	c.payloads = payloads
	c.ids = ids
	c.index = index

	for internal := range external {
		if err := index.Insert(uint32(internal)); err != nil {
			return translateError(err)
		}
	}

	return nil
}

// applyEntry applies one replayed WAL entry without re-logging it. Replay is
// idempotent: an insert of an existing ID degrades to an update, a delete of
// a missing ID is skipped. The returned bool reports whether the entry
// changed state.
func (c *Collection) applyEntry(entry wal.Entry) (bool, error) {
	switch entry.Type {
	case wal.OpInsert, wal.OpUpdate:
		if len(entry.Vector) == 0 {
			// Payload-only update. One against a missing ID is skipped
			// like a stale delete.
			if entry.Type != wal.OpUpdate {
				return false, fmt.Errorf("insert entry %d has no vector", entry.SeqNum)
			}
			internal, exists := c.ids[entry.ID]
			if !exists {
				return false, nil
			}
			c.applyUpdate(internal, nil, nil, entry.Payload)
			return true, nil
		}
		if len(entry.Vector) != c.cfg.Dimension {
			return false, &ErrDimensionMismatch{Expected: c.cfg.Dimension, Actual: len(entry.Vector)}
		}

		var code []byte
		if c.quantizer != nil {
			var err error
			if code, err = c.quantizer.Encode(entry.Vector); err != nil {
				return false, translateError(err)
			}
		}

		if internal, exists := c.ids[entry.ID]; exists {
			c.applyUpdate(internal, entry.Vector, code, entry.Payload)
		} else {
			c.applyInsert(entry.ID, entry.Vector, code, entry.Payload)
		}
		return true, nil

	case wal.OpDelete:
		internal, exists := c.ids[entry.ID]
		if !exists {
			return false, nil
		}
		c.applyDelete(entry.ID, internal)
		return true, nil

	case wal.OpCreateCollection, wal.OpDeleteCollection:
		// Lifecycle markers, no per-vector state.
		return false, nil

	default:
		return false, fmt.Errorf("unknown wal operation: %v", entry.Type)
	}
}
