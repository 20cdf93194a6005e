package allreduce

import (
	"fmt"
	"math"
	"math/rand"
	"testing"

	"github.com/unixpickle/zero-optim/collcomm"
	"github.com/unixpickle/zero-optim/simulator"
)

// RunAllreducerTests runs a battery of tests on an
// Allreducer.
//
// Every configuration performs several reductions in a
// row on the same Comms, alternating Sum and Max, the
// same way an optimizer alternates gradient averaging and
// overflow checks.
func RunAllreducerTests(t *testing.T, reducer Allreducer) {
	for _, numNodes := range []int{1, 2, 5, 15, 16, 17} {
		for _, size := range []int{0, 1, 1337} {
			for _, randomized := range []bool{false, true} {
				testName := fmt.Sprintf("Nodes=%d,Size=%d,Random=%v", numNodes, size, randomized)
				t.Run(testName, func(t *testing.T) {
					runAllreducerTest(t, reducer, numNodes, size, randomized)
				})
			}
		}
	}
}

func runAllreducerTest(t *testing.T, reducer Allreducer, numNodes, size int, randomized bool) {
	const numRounds = 3

	loop := simulator.NewEventLoop()
	nodes := simulator.NewNodes(numNodes)

	vectors := make([][][]float64, numRounds)
	sums := make([][]float64, numRounds)
	maxes := make([][]float64, numRounds)
	for round := range vectors {
		vectors[round] = make([][]float64, numNodes)
		sums[round] = make([]float64, size)
		maxes[round] = make([]float64, size)
		for j := range maxes[round] {
			maxes[round][j] = math.Inf(-1)
		}
		for i := range vectors[round] {
			vectors[round][i] = make([]float64, size)
			for j := range vectors[round][i] {
				x := rand.NormFloat64()
				vectors[round][i][j] = x
				sums[round][j] += x
				maxes[round][j] = math.Max(maxes[round][j], x)
			}
		}
	}

	var network simulator.Network
	if randomized {
		network = simulator.RandomNetwork{}
	} else {
		network = simulator.NewFabricNetwork(1.0, 0.1)
	}

	sumResults := make([][][]float64, numRounds)
	maxResults := make([][][]float64, numRounds)
	for round := range sumResults {
		sumResults[round] = make([][]float64, numNodes)
		maxResults[round] = make([][]float64, numNodes)
	}
	collcomm.SpawnComms(loop, network, nodes, func(c *collcomm.Comms) {
		g := &Group{Comms: c, Reducer: reducer}
		for round := 0; round < numRounds; round++ {
			vec := vectors[round][c.Index()]
			sumResults[round][c.Index()] = g.Allreduce(vec, collcomm.Sum)
			maxResults[round][c.Index()] = g.Allreduce(vec, collcomm.Max)
		}
	})

	if err := loop.Run(); err != nil {
		t.Fatal(err)
	}

	for round := 0; round < numRounds; round++ {
		verifyReductionResults(t, sumResults[round], sums[round])
		verifyReductionResults(t, maxResults[round], maxes[round])
	}
}

func verifyReductionResults(t *testing.T, results [][]float64, expected []float64) {
	for i, res := range results[1:] {
		if len(res) != len(expected) {
			t.Errorf("result %d has length %d but expected %d", i+1, len(res), len(expected))
			continue
		}
		for j, actual := range res {
			if actual != results[0][j] {
				t.Errorf("result %d is not identical to result 0", i+1)
				break
			}
		}
	}

	for i, x := range expected {
		if math.Abs(x-results[0][i]) > 1e-5 {
			t.Errorf("reduction is incorrect (expected %f but got %f at component %d)",
				x, results[0][i], i)
			break
		}
	}
}
