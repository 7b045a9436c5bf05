package tensor

import (
	"math"
	"math/rand"
)

// Randn fills a new tensor with samples from N(0, std^2) using the Box-Muller
// transform, so results are reproducible from the caller's seeded generator.
func Randn(rng *rand.Rand, std float32, shape ...int) *Tensor {
	t := New(shape...)
	n := len(t.Data)

	for i := 0; i < n; i += 2 {
		u1 := rng.Float64()
		for u1 == 0 {
			u1 = rng.Float64()
		}
		u2 := rng.Float64()

		r := math.Sqrt(-2 * math.Log(u1))
		z0 := r * math.Cos(2*math.Pi*u2)
		z1 := r * math.Sin(2*math.Pi*u2)

		t.Data[i] = float32(z0) * std
		if i+1 < n {
			t.Data[i+1] = float32(z1) * std
		}
	}

	return t
}
