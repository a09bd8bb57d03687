package hnsw

import (
	"context"
	"math/rand"

	"github.com/RoaringBitmap/roaring/v2"
)

// DirtyRatio returns the fraction of graph slots that are tombstoned or were
// updated in place since the last rebuild.
func (h *Index) DirtyRatio() float64 {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return h.dirtyRatio()
}

// dirtyRatio requires h.mu held.
func (h *Index) dirtyRatio() float64 {
	total := 0
	for _, n := range h.nodes {
		if n != nil {
			total++
		}
	}
	if total == 0 {
		return 0
	}

	stale := roaring.Or(h.tombstones, h.dirty)

	return float64(stale.GetCardinality()) / float64(total)
}

// NeedsRebuild reports whether the dirty ratio crossed the configured
// rebuild threshold.
func (h *Index) NeedsRebuild() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return h.dirtyRatio() >= h.opts.RebuildThreshold
}

// Rebuild reconstructs the graph from the live vectors, dropping tombstoned
// nodes and relinking updated ones. Live IDs are preserved; tombstoned IDs
// move to the free list for reuse. The index is write-locked for the
// duration. Cancellation is checked between re-inserts; a cancelled rebuild
// restores the previous graph.
func (h *Index) Rebuild(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	liveIDs := make([]uint32, 0, h.live)
	freed := make([]uint32, 0)

	for _, n := range h.nodes {
		if n == nil {
			continue
		}
		if h.tombstones.Contains(n.id) {
			freed = append(freed, n.id)
		} else {
			liveIDs = append(liveIDs, n.id)
		}
	}

	prev := rebuildState{
		nodes:      h.nodes,
		ep:         h.ep,
		maxLevel:   h.maxLevel,
		live:       h.live,
		tombstones: h.tombstones,
		dirty:      h.dirty,
		free:       h.free,
	}

	h.nodes = make([]*node, len(prev.nodes))
	h.ep = 0
	h.maxLevel = 0
	h.live = 0
	h.tombstones = roaring.New()
	h.dirty = roaring.New()
	h.free = append(append([]uint32(nil), prev.free...), freed...)

	for i, id := range liveIDs {
		if i%rebuildCancelStride == 0 {
			if err := ctx.Err(); err != nil {
				prev.restore(h)
				return err
			}
		}

		if h.provider(id) == nil {
			prev.restore(h)
			return &ErrNodeNotFound{ID: id}
		}

		if err := h.insert(id); err != nil {
			prev.restore(h)
			return err
		}
	}

	// Trim trailing nil slots so fresh IDs stay dense.
	for len(h.nodes) > 0 && h.nodes[len(h.nodes)-1] == nil {
		h.nodes = h.nodes[:len(h.nodes)-1]
	}
	h.free = filterBelow(h.free, uint32(len(h.nodes)))

	return nil
}

// rebuildCancelStride is how many re-inserts run between context checks.
const rebuildCancelStride = 64

// rebuildState snapshots the graph fields Rebuild replaces, so a cancelled
// or failed rebuild can roll back to a consistent graph.
type rebuildState struct {
	nodes      []*node
	ep         uint32
	maxLevel   int
	live       int
	tombstones *roaring.Bitmap
	dirty      *roaring.Bitmap
	free       []uint32
}

func (s rebuildState) restore(h *Index) {
	h.nodes = s.nodes
	h.ep = s.ep
	h.maxLevel = s.maxLevel
	h.live = s.live
	h.tombstones = s.tombstones
	h.dirty = s.dirty
	h.free = s.free
}

// Reseed replaces the layer RNG. Used after deserialization to restore
// deterministic behavior when a seed was configured.
func (h *Index) Reseed(seed int64) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.rng = rand.New(rand.NewSource(seed)) // nolint gosec
}

func filterBelow(ids []uint32, limit uint32) []uint32 {
	kept := ids[:0]
	for _, id := range ids {
		if id < limit {
			kept = append(kept, id)
		}
	}

	return kept
}
