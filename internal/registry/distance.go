package registry

import (
	"math"

	"github.com/kozaktomas/facetrack/internal/config"
)

// DistanceFunc measures how different two embeddings are; 0 means identical.
type DistanceFunc func(a, b []float32) float64

// Distance returns the distance function for a configured metric.
// Unknown metrics fall back to euclidean.
func Distance(metric string) DistanceFunc {
	if metric == config.MetricCosine {
		return CosineDistance
	}
	return EuclideanDistance
}

// EuclideanDistance is the L2 norm of a-b. Vectors of different length are
// infinitely far apart.
func EuclideanDistance(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return math.Inf(1)
	}
	var sum float64
	for i := range a {
		d := float64(a[i]) - float64(b[i])
		sum += d * d
	}
	return math.Sqrt(sum)
}

// CosineDistance computes 1 - cosine similarity.
// Returns a value between 0 (identical) and 2 (opposite).
func CosineDistance(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 2.0
	}

	var dotProduct, normA, normB float64
	for i := range a {
		dotProduct += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}

	if normA == 0 || normB == 0 {
		return 2.0
	}

	// Clamp to [-1, 1] to handle floating point errors
	similarity := dotProduct / (math.Sqrt(normA) * math.Sqrt(normB))
	similarity = max(min(similarity, 1), -1)

	return 1 - similarity
}
