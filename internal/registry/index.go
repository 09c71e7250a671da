package registry

import (
	"github.com/coder/hnsw"

	"github.com/kozaktomas/facetrack/internal/config"
)

// hnswMaxNeighbors is the M parameter of the graph.
const hnswMaxNeighbors = 16

// searchCandidates is how many approximate neighbours are re-ranked with the
// exact distance.
const searchCandidates = 8

// index is an approximate nearest-neighbour graph over the registry. Node keys
// are positions in the registry's identity slice.
type index struct {
	graph *hnsw.Graph[int]
	dim   int
}

// buildIndex returns nil when the embeddings cannot share one graph.
func buildIndex(embeddings [][]float32, metric string) *index {
	if len(embeddings) == 0 {
		return nil
	}
	dim := len(embeddings[0])
	for _, e := range embeddings {
		if len(e) != dim || dim == 0 {
			return nil
		}
	}

	g := hnsw.NewGraph[int]()
	g.M = hnswMaxNeighbors
	g.Ml = 1.0 / float64(hnswMaxNeighbors)
	g.Distance = hnsw.EuclideanDistance
	if metric == config.MetricCosine {
		g.Distance = hnsw.CosineDistance
	}

	for i, e := range embeddings {
		g.Add(hnsw.MakeNode(i, e))
	}
	return &index{graph: g, dim: dim}
}

// candidates returns the keys of the nearest graph nodes, or nil when the
// query does not fit the graph.
func (x *index) candidates(query []float32) []int {
	if len(query) != x.dim {
		return nil
	}
	nodes := x.graph.Search(query, searchCandidates)
	keys := make([]int, len(nodes))
	for i, n := range nodes {
		keys[i] = n.Key
	}
	return keys
}
