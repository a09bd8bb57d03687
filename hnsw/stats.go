package hnsw

// Stats is a snapshot of the graph shape.
type Stats struct {
	Live           int     `json:"live"`
	Tombstoned     int     `json:"tombstoned"`
	Free           int     `json:"free"`
	MaxLevel       int     `json:"max_level"`
	DirtyRatio     float64 `json:"dirty_ratio"`
	NodesPerLevel  []int   `json:"nodes_per_level"`
	AvgConnections float64 `json:"avg_connections"`
}

// Stats returns current graph statistics.
func (h *Index) Stats() Stats {
	h.mu.RLock()
	defer h.mu.RUnlock()

	s := Stats{
		Live:          h.live,
		Tombstoned:    int(h.tombstones.GetCardinality()),
		Free:          len(h.free),
		MaxLevel:      h.maxLevel,
		DirtyRatio:    h.dirtyRatio(),
		NodesPerLevel: make([]int, h.maxLevel+1),
	}

	totalConns := 0
	for _, n := range h.nodes {
		if n == nil || h.tombstones.Contains(n.id) {
			continue
		}

		if n.layer <= h.maxLevel {
			s.NodesPerLevel[n.layer]++
		}
		for _, conns := range n.connections {
			totalConns += len(conns)
		}
	}

	if s.Live > 0 {
		s.AvgConnections = float64(totalConns) / float64(s.Live)
	}

	return s
}
