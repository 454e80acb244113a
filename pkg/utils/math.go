package utils

import "math"

// NormalizeL2 scales x in place to unit L2 norm and returns the norm x had before scaling.
// The sum is accumulated in float64 so long embeddings keep their precision.
// A zero vector is left unchanged and reports 0.
func NormalizeL2(x []float32) float64 {
	var sum float64
	for _, v := range x {
		sum += float64(v) * float64(v)
	}
	if sum == 0 {
		return 0
	}
	n := math.Sqrt(sum)
	inv := 1 / n
	for i := range x {
		x[i] = float32(float64(x[i]) * inv)
	}
	return n
}
