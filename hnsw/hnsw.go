package hnsw

import (
	"container/heap"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/RoaringBitmap/roaring/v2"

	"github.com/vektordb/vektor/distance"
)

// ErrDimensionMismatch is returned when a vector does not match the index
// dimension.
type ErrDimensionMismatch struct {
	Expected int
	Actual   int
}

func (e *ErrDimensionMismatch) Error() string {
	return fmt.Sprintf("dimension mismatch: expected %d, got %d", e.Expected, e.Actual)
}

// ErrNodeNotFound is returned when an operation references an ID that is not
// live in the graph.
type ErrNodeNotFound struct {
	ID uint32
}

func (e *ErrNodeNotFound) Error() string {
	return fmt.Sprintf("node %d not found", e.ID)
}

// ErrIDInUse is returned when Insert is called with an ID that already has a
// live node.
type ErrIDInUse struct {
	ID uint32
}

func (e *ErrIDInUse) Error() string {
	return fmt.Sprintf("node %d already exists", e.ID)
}

// VectorProvider resolves an internal ID to its vector. The index never
// stores vectors itself, so the owner can swap raw storage for quantized
// storage without touching the graph. A nil return means the ID has no
// vector.
type VectorProvider func(id uint32) []float32

// Result is a single search hit.
type Result struct {
	ID       uint32
	Distance float32
}

// Options configure the HNSW graph.
type Options struct {
	// M is the number of established connections per element during
	// construction. Layer 0 allows 2*M. The range 12-48 works for most
	// embedding workloads.
	M int

	// EFConstruction is the size of the dynamic candidate list while
	// inserting. Larger values improve graph quality at build cost.
	EFConstruction int

	// Heuristic selects the relative-neighborhood candidate pruning
	// instead of naive closest-M selection.
	Heuristic bool

	// DistanceFunc computes the distance between two vectors. Smaller is
	// closer for every supported metric.
	DistanceFunc distance.Func

	// Seed makes layer assignment deterministic when non-zero.
	Seed int64

	// RebuildThreshold is the dirty ratio (deleted or updated nodes over
	// total nodes) beyond which NeedsRebuild reports true.
	RebuildThreshold float64
}

// DefaultOptions are reasonable defaults for embedding-sized vectors.
var DefaultOptions = Options{
	M:                16,
	EFConstruction:   200,
	Heuristic:        true,
	DistanceFunc:     distance.SquaredL2,
	RebuildThreshold: 0.25,
}

type node struct {
	id          uint32
	layer       int
	connections [][]uint32 // indexed by level, 0..layer
}

// Index is a Hierarchical Navigable Small World graph over externally stored
// vectors. Deletes are tombstones; freed IDs become reusable after Rebuild
// compacts the graph.
type Index struct {
	mu sync.RWMutex

	dimension int
	mmax      int     // max connections per element per layer
	mmax0     int     // max for layer 0
	ml        float64 // normalization factor for level generation
	ep        uint32
	maxLevel  int

	nodes      []*node // indexed by ID, nil for never-used or freed slots
	tombstones *roaring.Bitmap
	dirty      *roaring.Bitmap // updated in place, edges possibly stale
	free       []uint32        // IDs recycled by the last rebuild
	live       int

	rng      *rand.Rand
	provider VectorProvider
	codeAt   CodeProvider
	codeDist CodeDistanceFunc
	opts     Options
}

// CodeProvider resolves an internal ID to its compact code.
type CodeProvider func(id uint32) []byte

// CodeDistanceFunc computes the distance between two codes. Smaller is
// closer.
type CodeDistanceFunc func(a, b []byte) float32

// New creates an empty index. The provider must return the vector stored for
// any ID the caller has inserted.
func New(dimension int, provider VectorProvider, optFns ...func(o *Options)) *Index {
	opts := DefaultOptions

	for _, fn := range optFns {
		fn(&opts)
	}

	if opts.M < 2 {
		// M == 1 would make ml a division by zero
		opts.M = 2
	}

	seed := opts.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}

	return &Index{
		dimension:  dimension,
		mmax:       opts.M,
		mmax0:      2 * opts.M,
		ml:         1 / math.Log(float64(opts.M)),
		nodes:      nil,
		tombstones: roaring.New(),
		dirty:      roaring.New(),
		rng:        rand.New(rand.NewSource(seed)), // nolint gosec
		provider:   provider,
		opts:       opts,
	}
}

// Dimension returns the vector dimension the index was created with.
func (h *Index) Dimension() int {
	return h.dimension
}

// UseCodes switches candidate comparisons to compact codes: distances are
// computed by dist over the codes resolved through codeAt, with no float
// arithmetic on the traversal path. Queries must then be encoded by the
// caller and passed to KNNSearchCode. The float provider stays in place for
// validation and for BruteSearch baselines.
func (h *Index) UseCodes(codeAt CodeProvider, dist CodeDistanceFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.codeAt = codeAt
	h.codeDist = dist
}

// searchQuery carries either a float query or its encoded code. Exactly one
// side is set.
type searchQuery struct {
	vec  []float32
	code []byte
}

// distToQuery computes the distance from the query to a node. Requires h.mu
// held.
func (h *Index) distToQuery(q searchQuery, id uint32) float32 {
	if q.code != nil {
		return h.codeDist(q.code, h.codeAt(id))
	}

	return h.opts.DistanceFunc(q.vec, h.provider(id))
}

// distBetween computes the distance between two nodes. Requires h.mu held.
func (h *Index) distBetween(a, b uint32) float32 {
	if h.codeAt != nil {
		return h.codeDist(h.codeAt(a), h.codeAt(b))
	}

	return h.opts.DistanceFunc(h.provider(a), h.provider(b))
}

// queryFor builds the search query for an already stored node. Requires h.mu
// held.
func (h *Index) queryFor(id uint32) searchQuery {
	if h.codeAt != nil {
		return searchQuery{code: h.codeAt(id)}
	}

	return searchQuery{vec: h.provider(id)}
}

// Len returns the number of live (not tombstoned) nodes.
func (h *Index) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return h.live
}

// ReserveID returns the ID the next Insert should use: a slot recycled by the
// last rebuild if one exists, otherwise the next fresh ID. The caller stores
// the vector under this ID before calling Insert.
func (h *Index) ReserveID() uint32 {
	h.mu.Lock()
	defer h.mu.Unlock()

	if n := len(h.free); n > 0 {
		id := h.free[n-1]
		h.free = h.free[:n-1]

		return id
	}

	return uint32(len(h.nodes))
}

// Insert links the vector stored under id into the graph. The vector must
// already be resolvable through the provider.
func (h *Index) Insert(id uint32) error {
	v := h.provider(id)
	if v == nil {
		return &ErrNodeNotFound{ID: id}
	}

	if len(v) != h.dimension {
		return &ErrDimensionMismatch{Expected: h.dimension, Actual: len(v)}
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	return h.insert(id)
}

// insert requires h.mu held for writing and the vector validated.
func (h *Index) insert(id uint32) error {
	for uint32(len(h.nodes)) <= id {
		h.nodes = append(h.nodes, nil)
	}

	if h.nodes[id] != nil {
		return &ErrIDInUse{ID: id}
	}

	layer := h.randomLayer()

	n := &node{
		id:          id,
		layer:       layer,
		connections: make([][]uint32, layer+1),
	}

	if h.live == 0 {
		h.nodes[id] = n
		h.ep = id
		h.maxLevel = layer
		h.live++

		return nil
	}

	q := h.queryFor(id)

	// Greedy descent through the layers above the new node's top layer.
	currID, currDist := h.descend(q, h.ep, h.maxLevel, n.layer)

	for level := min(n.layer, h.maxLevel); level >= 0; level-- {
		topCandidates := h.searchLayer(q, currID, currDist, h.opts.EFConstruction, level, true)

		m := h.maxConnections(level)
		if h.opts.Heuristic {
			h.selectNeighboursHeuristic(topCandidates, m)
		} else {
			h.selectNeighboursSimple(topCandidates, m)
		}

		n.connections[level] = make([]uint32, topCandidates.Len())

		for i := topCandidates.Len() - 1; i >= 0; i-- {
			candidate, _ := heap.Pop(topCandidates).(*priorityQueueItem)
			n.connections[level][i] = candidate.node
			if i == 0 {
				currID, currDist = candidate.node, candidate.distance
			}
		}
	}

	h.nodes[id] = n
	h.live++

	// Link back from the neighbours, making the node visible.
	for level := min(n.layer, h.maxLevel); level >= 0; level-- {
		for _, neighbour := range n.connections[level] {
			h.link(neighbour, id, level)
		}
	}

	if n.layer > h.maxLevel {
		h.ep = id
		h.maxLevel = n.layer
	}

	return nil
}

// Delete tombstones the node. Its edges stay in the graph until the next
// rebuild; its ID stays reserved until then too.
func (h *Index) Delete(id uint32) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.isLive(id) {
		return &ErrNodeNotFound{ID: id}
	}

	h.tombstones.Add(id)
	h.live--

	if h.live > 0 && h.ep == id {
		h.ep = h.anyLiveID()
		h.maxLevel = h.nodes[h.ep].layer
	}

	return nil
}

// MarkDirty records that the vector under id changed in place. The graph
// keeps serving it with the new vector, but its edges were chosen for the
// old one, so the dirty ratio accounts for it.
func (h *Index) MarkDirty(id uint32) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.isLive(id) {
		return &ErrNodeNotFound{ID: id}
	}

	h.dirty.Add(id)

	return nil
}

// Contains reports whether id is live in the graph.
func (h *Index) Contains(id uint32) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return h.isLive(id)
}

// isLive requires h.mu held.
func (h *Index) isLive(id uint32) bool {
	return id < uint32(len(h.nodes)) && h.nodes[id] != nil && !h.tombstones.Contains(id)
}

// LiveIDs returns the IDs of all live nodes in ascending order.
func (h *Index) LiveIDs() []uint32 {
	h.mu.RLock()
	defer h.mu.RUnlock()

	ids := make([]uint32, 0, h.live)
	for _, n := range h.nodes {
		if n != nil && !h.tombstones.Contains(n.id) {
			ids = append(ids, n.id)
		}
	}

	return ids
}

// KNNSearch returns the k nearest live nodes to q, visiting at least ef
// candidates at layer 0. Results are ordered closest first, with equal
// distances ordered by ID.
func (h *Index) KNNSearch(q []float32, k, ef int) ([]Result, error) {
	if len(q) != h.dimension {
		return nil, &ErrDimensionMismatch{Expected: h.dimension, Actual: len(q)}
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	return h.knnSearch(searchQuery{vec: q}, k, ef), nil
}

// KNNSearchCode searches with an already-encoded query. Valid only after
// UseCodes; every candidate comparison runs on codes.
func (h *Index) KNNSearchCode(code []byte, k, ef int) ([]Result, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if h.codeAt == nil {
		return nil, fmt.Errorf("hnsw: index is not in code mode")
	}

	return h.knnSearch(searchQuery{code: code}, k, ef), nil
}

// knnSearch requires h.mu held.
func (h *Index) knnSearch(q searchQuery, k, ef int) []Result {
	if h.live == 0 {
		return nil
	}

	if ef < k {
		ef = k
	}

	currID, currDist := h.descend(q, h.ep, h.maxLevel, 0)

	topCandidates := h.searchLayer(q, currID, currDist, ef, 0, false)

	return h.collect(topCandidates, k)
}

// BruteSearch scans every live node. It is the exact baseline the quality
// gate and small collections use.
func (h *Index) BruteSearch(q []float32, k int) ([]Result, error) {
	if len(q) != h.dimension {
		return nil, &ErrDimensionMismatch{Expected: h.dimension, Actual: len(q)}
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	topCandidates := &priorityQueue{descending: true}
	heap.Init(topCandidates)

	for _, n := range h.nodes {
		if n == nil || h.tombstones.Contains(n.id) {
			continue
		}

		d := h.opts.DistanceFunc(q, h.provider(n.id))

		if topCandidates.Len() < k {
			heap.Push(topCandidates, &priorityQueueItem{node: n.id, distance: d})
			continue
		}

		if worst := topCandidates.top(); d < worst.distance || (d == worst.distance && n.id < worst.node) {
			heap.Pop(topCandidates)
			heap.Push(topCandidates, &priorityQueueItem{node: n.id, distance: d})
		}
	}

	return h.collect(topCandidates, k), nil
}

// collect drains a max-heap of candidates into a closest-first result slice.
func (h *Index) collect(topCandidates *priorityQueue, k int) []Result {
	for topCandidates.Len() > k {
		_ = heap.Pop(topCandidates)
	}

	results := make([]Result, topCandidates.Len())
	for i := topCandidates.Len() - 1; i >= 0; i-- {
		item, _ := heap.Pop(topCandidates).(*priorityQueueItem)
		results[i] = Result{ID: item.node, Distance: item.distance}
	}

	return results
}

// descend greedily walks from entry point ep down to targetLevel+1, returning
// the closest node found and its distance. Requires h.mu held.
func (h *Index) descend(q searchQuery, ep uint32, fromLevel, targetLevel int) (uint32, float32) {
	currID := ep
	currDist := h.distToQuery(q, currID)

	for level := fromLevel; level > targetLevel; level-- {
		changed := true
		for changed {
			changed = false

			curr := h.nodes[currID]
			if level > curr.layer {
				continue
			}

			for _, neighbour := range curr.connections[level] {
				if h.nodes[neighbour] == nil {
					continue
				}

				d := h.distToQuery(q, neighbour)
				if d < currDist {
					currID = neighbour
					currDist = d
					changed = true
				}
			}
		}
	}

	return currID, currDist
}

// searchLayer performs a beam search at one layer. Tombstoned nodes are
// traversed but excluded from the result heap unless includeDeleted is set
// (construction links through them so the graph stays navigable). Requires
// h.mu held.
func (h *Index) searchLayer(q searchQuery, epID uint32, epDist float32, ef, level int, includeDeleted bool) *priorityQueue {
	visited := roaring.New()
	visited.Add(epID)

	candidates := &priorityQueue{}
	heap.Init(candidates)
	heap.Push(candidates, &priorityQueueItem{node: epID, distance: epDist})

	topCandidates := &priorityQueue{descending: true}
	heap.Init(topCandidates)
	if includeDeleted || !h.tombstones.Contains(epID) {
		heap.Push(topCandidates, &priorityQueueItem{node: epID, distance: epDist})
	}

	for candidates.Len() > 0 {
		candidate, _ := heap.Pop(candidates).(*priorityQueueItem)

		if topCandidates.Len() >= ef && candidate.distance > topCandidates.top().distance {
			break
		}

		n := h.nodes[candidate.node]
		if n == nil || level > n.layer {
			continue
		}

		for _, neighbour := range n.connections[level] {
			if visited.Contains(neighbour) || h.nodes[neighbour] == nil {
				continue
			}
			visited.Add(neighbour)

			d := h.distToQuery(q, neighbour)

			if topCandidates.Len() < ef {
				heap.Push(candidates, &priorityQueueItem{node: neighbour, distance: d})
				if includeDeleted || !h.tombstones.Contains(neighbour) {
					heap.Push(topCandidates, &priorityQueueItem{node: neighbour, distance: d})
				}
			} else if worst := topCandidates.top(); d < worst.distance || (d == worst.distance && neighbour < worst.node) {
				heap.Push(candidates, &priorityQueueItem{node: neighbour, distance: d})
				if includeDeleted || !h.tombstones.Contains(neighbour) {
					heap.Pop(topCandidates)
					heap.Push(topCandidates, &priorityQueueItem{node: neighbour, distance: d})
				}
			}
		}
	}

	return topCandidates
}

// link adds an edge from first to second at level, pruning back to the
// connection limit when it overflows. Requires h.mu held.
func (h *Index) link(first, second uint32, level int) {
	maxConnections := h.maxConnections(level)

	n := h.nodes[first]
	if n == nil || level > n.layer {
		return
	}

	n.connections[level] = append(n.connections[level], second)

	if len(n.connections[level]) <= maxConnections {
		return
	}

	topCandidates := &priorityQueue{}
	heap.Init(topCandidates)

	for _, id := range n.connections[level] {
		heap.Push(topCandidates, &priorityQueueItem{node: id, distance: h.distBetween(first, id)})
	}

	if h.opts.Heuristic {
		h.selectNeighboursHeuristic(topCandidates, maxConnections)
	} else {
		h.selectNeighboursSimple(topCandidates, maxConnections)
	}

	n.connections[level] = make([]uint32, topCandidates.Len())

	for i := topCandidates.Len() - 1; i >= 0; i-- {
		item, _ := heap.Pop(topCandidates).(*priorityQueueItem)
		n.connections[level][i] = item.node
	}
}

func (h *Index) maxConnections(level int) int {
	if level == 0 {
		return h.mmax0
	}

	return h.mmax
}

// selectNeighboursSimple keeps the M closest candidates. The queue may be
// min or max ordered; for max order popping discards the worst.
func (h *Index) selectNeighboursSimple(topCandidates *priorityQueue, m int) {
	if !topCandidates.descending {
		// Flip to a max-heap so pops discard the farthest.
		flipped := &priorityQueue{descending: true}
		heap.Init(flipped)
		for topCandidates.Len() > 0 {
			item, _ := heap.Pop(topCandidates).(*priorityQueueItem)
			heap.Push(flipped, item)
		}
		*topCandidates = *flipped
	}

	for topCandidates.Len() > m {
		_ = heap.Pop(topCandidates)
	}
}

// selectNeighboursHeuristic keeps up to M candidates satisfying the relative
// neighborhood property: a candidate is kept only if it is closer to the
// query node than to every already kept candidate. Remaining slots are
// filled with the closest rejects.
func (h *Index) selectNeighboursHeuristic(topCandidates *priorityQueue, m int) {
	if topCandidates.Len() <= m {
		return
	}

	// Work closest first.
	byDistance := &priorityQueue{}
	heap.Init(byDistance)
	for topCandidates.Len() > 0 {
		item, _ := heap.Pop(topCandidates).(*priorityQueueItem)
		heap.Push(byDistance, item)
	}

	kept := make([]*priorityQueueItem, 0, m)
	rejected := make([]*priorityQueueItem, 0)

	for byDistance.Len() > 0 && len(kept) < m {
		item, _ := heap.Pop(byDistance).(*priorityQueueItem)

		keep := true
		for _, other := range kept {
			d := h.distBetween(other.node, item.node)
			if d < item.distance {
				keep = false
				break
			}
		}

		if keep {
			kept = append(kept, item)
		} else {
			rejected = append(rejected, item)
		}
	}

	for _, item := range rejected {
		if len(kept) >= m {
			break
		}
		kept = append(kept, item)
	}

	topCandidates.descending = true
	for _, item := range kept {
		heap.Push(topCandidates, item)
	}
}

func (h *Index) randomLayer() int {
	r := h.rng.Float64()
	for r == 0 {
		r = h.rng.Float64()
	}

	return int(math.Floor(-math.Log(r) * h.ml))
}

// anyLiveID returns some live node ID. Requires h.mu held and h.live > 0.
func (h *Index) anyLiveID() uint32 {
	for _, n := range h.nodes {
		if n != nil && !h.tombstones.Contains(n.id) {
			return n.id
		}
	}

	return 0
}
