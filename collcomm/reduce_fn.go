package collcomm

import (
	"math"

	"github.com/unixpickle/zero-optim/simulator"
)

// FlopTime is the amount of virtual time it takes to
// perform a single floating-point operation.
const FlopTime = 1e-9

// A ReduceFn is an operation that reduces many vectors
// into a single vector.
//
// h may be nil when the reduction runs outside of a
// simulation, in which case no virtual time is charged.
type ReduceFn func(h *simulator.Handle, vecs ...[]float64) []float64

// Sum is a ReduceFn that computes a vector sum.
func Sum(h *simulator.Handle, vecs ...[]float64) []float64 {
	return elementwise(h, vecs, func(acc, x float64) float64 {
		return acc + x
	})
}

// Max is a ReduceFn that computes an element-wise
// maximum.
// NaN inputs propagate into the result.
func Max(h *simulator.Handle, vecs ...[]float64) []float64 {
	return elementwise(h, vecs, func(acc, x float64) float64 {
		if math.IsNaN(acc) || math.IsNaN(x) {
			return math.NaN()
		}
		return math.Max(acc, x)
	})
}

func elementwise(h *simulator.Handle, vecs [][]float64, f func(acc, x float64) float64) []float64 {
	for _, v := range vecs[1:] {
		if len(v) != len(vecs[0]) {
			panic("mismatching lengths")
		}
	}
	res := append([]float64{}, vecs[0]...)
	for _, v := range vecs[1:] {
		for i, x := range v {
			res[i] = f(res[i], x)
		}
	}

	// Simulate computation time.
	if h != nil {
		h.Sleep(FlopTime * float64(len(vecs)*len(vecs[0])))
	}

	return res
}
