package hnsw

// LevelStats describes one layer of the graph.
type LevelStats struct {
	Nodes          int
	Connections    int
	AvgConnections float64
}

// Stats describes the shape of the graph.
type Stats struct {
	M        int
	EF       int
	MaxLevel int
	Rows     int
	Live     int
	Levels   []LevelStats
}

// Stats returns statistics about the HNSW graph.
func (h *HNSW) Stats() Stats {
	h.mu.RLock()
	defer h.mu.RUnlock()

	s := Stats{
		M:        h.opts.M,
		EF:       h.opts.EF,
		MaxLevel: h.maxLevel,
		Live:     h.live,
		Levels:   make([]LevelStats, h.maxLevel+1),
	}

	for _, n := range h.nodes {
		if n == nil {
			continue
		}
		s.Rows++
		for l := 0; l <= n.Layer && l < len(s.Levels); l++ {
			s.Levels[l].Nodes++
			if l < len(n.Connections) {
				s.Levels[l].Connections += len(n.Connections[l])
			}
		}
	}
	for i := range s.Levels {
		if s.Levels[i].Nodes > 0 {
			s.Levels[i].AvgConnections = float64(s.Levels[i].Connections) / float64(s.Levels[i].Nodes)
		}
	}
	return s
}
