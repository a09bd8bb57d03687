package vektor

import (
	"bytes"
	"context"
	"time"

	"github.com/vektordb/vektor/persistence"
	"github.com/vektordb/vektor/quantization"
)

// checkpointSnapshot is a consistent copy of a collection's state, taken
// under the read lock and written to disk without holding it.
type checkpointSnapshot struct {
	meta    *persistence.CollectionMeta
	vectors *persistence.VectorData
	index   *bytes.Buffer
	seq     uint64
}

// Checkpoint writes the collection's current state to disk and truncates
// the WAL up to the captured sequence number. The snapshot is copy-on-write:
// mutations are only blocked while slice headers are copied and the graph is
// serialized into memory, not for the duration of file I/O.
//
// A concurrent checkpoint is a no-op.
func (c *Collection) Checkpoint(ctx context.Context) error {
	if !c.persisting.CompareAndSwap(false, true) {
		return nil
	}
	defer c.persisting.Store(false)

	start := time.Now()
	seq, err := c.checkpoint(ctx)
	c.metrics.RecordCheckpoint(c.name, time.Since(start), err)
	c.logger.LogCheckpoint(ctx, seq, err)

	return err
}

func (c *Collection) checkpoint(ctx context.Context) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	snap, err := c.snapshot()
	if err != nil {
		return 0, err
	}

	// Last cancellation point: once the file writes start they run to
	// completion, so cancellation never widens the crash window recovery
	// has to repair.
	if err := ctx.Err(); err != nil {
		return snap.seq, err
	}

	// Metadata goes last: its checkpoint sequence is the commit point
	// recovery trusts. A crash before it leaves the previous metadata
	// pointing at the previous watermark, and replay is idempotent over
	// the newer vector and index files.
	if err := persistence.SaveVectors(c.dir, snap.vectors); err != nil {
		return snap.seq, &PersistenceError{Op: "checkpoint vectors", cause: err}
	}
	if err := persistence.SaveIndex(c.dir, snap.index); err != nil {
		return snap.seq, &PersistenceError{Op: "checkpoint index", cause: err}
	}
	if err := persistence.SaveMeta(c.dir, snap.meta); err != nil {
		return snap.seq, &PersistenceError{Op: "checkpoint metadata", cause: err}
	}

	if err := c.wal.Truncate(snap.seq); err != nil {
		return snap.seq, &PersistenceError{Op: "wal truncate", cause: err}
	}

	c.mu.Lock()
	c.checkpointSeq = snap.seq
	c.mu.Unlock()

	return snap.seq, nil
}

func (c *Collection) snapshot() (*checkpointSnapshot, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.closed {
		return nil, ErrClosed
	}

	seq := c.wal.LastSeq()

	// Outer slices are copied; the inner vectors, codes and payloads are
	// never mutated in place, only replaced, so sharing them is safe.
	ids := make([]string, len(c.external))
	copy(ids, c.external)
	payloads := make([][]byte, len(c.payloads))
	copy(payloads, c.payloads)

	data := &persistence.VectorData{
		Dimension: c.cfg.Dimension,
		Quantized: c.quantizer != nil,
		IDs:       ids,
		Payloads:  payloads,
	}
	if c.quantizer != nil {
		state, err := c.quantizer.MarshalBinary()
		if err != nil {
			return nil, &PersistenceError{Op: "checkpoint quantizer", cause: err}
		}
		data.QuantizerState = state
		data.Codes = make([][]byte, len(c.codes))
		copy(data.Codes, c.codes)
	} else {
		data.Raw = make([][]float32, len(c.raw))
		copy(data.Raw, c.raw)
	}

	var graph bytes.Buffer
	if _, err := c.index.WriteTo(&graph); err != nil {
		return nil, &PersistenceError{Op: "checkpoint index", cause: err}
	}

	return &checkpointSnapshot{
		meta:    c.buildMeta(seq),
		vectors: data,
		index:   &graph,
		seq:     seq,
	}, nil
}

// buildMeta requires c.mu held (read or write).
func (c *Collection) buildMeta(seq uint64) *persistence.CollectionMeta {
	typ := persistence.TypeDynamic
	if c.readOnly {
		typ = persistence.TypeReadOnly
	}

	meta := &persistence.CollectionMeta{
		Name:      c.name,
		UUID:      c.uuid,
		Type:      typ,
		Dimension: c.cfg.Dimension,
		Metric:    c.cfg.Metric.String(),
		Normalize: c.cfg.Normalize,
		Index: persistence.IndexMeta{
			M:                c.cfg.M,
			EFConstruction:   c.cfg.EFConstruction,
			Heuristic:        true,
			Seed:             c.cfg.Seed,
			RebuildThreshold: c.cfg.RebuildThreshold,
		},
		Count:         len(c.ids),
		CheckpointSeq: seq,
		CreatedAt:     c.createdAt,
		UpdatedAt:     c.updatedAt,
	}

	if q := c.cfg.Quantization; q != nil && c.quantizer != nil {
		meta.Quantization = &persistence.QuantizationMeta{
			Method:           q.Method.String(),
			ScalarBits:       q.ScalarBits,
			Subvectors:       q.Subvectors,
			BitsPerSubvector: q.BitsPerSubvector,
			Seed:             q.Seed,
		}
	}

	return meta
}

func quantizationConfigFromMeta(meta *persistence.QuantizationMeta) (quantization.Config, error) {
	method, err := quantization.ParseMethod(meta.Method)
	if err != nil {
		return quantization.Config{}, err
	}

	return quantization.Config{
		Method:           method,
		ScalarBits:       meta.ScalarBits,
		Subvectors:       meta.Subvectors,
		BitsPerSubvector: meta.BitsPerSubvector,
		Seed:             meta.Seed,
	}, nil
}
