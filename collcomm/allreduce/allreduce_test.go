package allreduce

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/unixpickle/zero-optim/collcomm"
	"github.com/unixpickle/zero-optim/simulator"
)

func TestNaiveAllreducer(t *testing.T) {
	RunAllreducerTests(t, NaiveAllreducer{})
}

func TestTreeAllreducer(t *testing.T) {
	RunAllreducerTests(t, TreeAllreducer{})
}

func TestStreamAllreducer(t *testing.T) {
	RunAllreducerTests(t, StreamAllreducer{})
	RunAllreducerTests(t, StreamAllreducer{Granularity: 3})
}

func TestSolo(t *testing.T) {
	var s Solo
	assert.Equal(t, 1, s.Size())
	assert.Equal(t, []float64{3, 4}, s.Allreduce([]float64{3, 4}, collcomm.Max))
}

func TestGridGroupsAreIndependent(t *testing.T) {
	const dpSize, mpSize = 3, 2

	loop := simulator.NewEventLoop()
	nodes := simulator.NewNodes(dpSize * mpSize)

	dpSums := make([]float64, len(nodes))
	mpSums := make([]float64, len(nodes))
	collcomm.SpawnGrid(loop, simulator.RandomNetwork{}, nodes, dpSize, func(r *collcomm.Rank) {
		assert.Equal(t, dpSize, r.DataParallel.Size())
		assert.Equal(t, mpSize, r.ModelParallel.Size())

		dp := NewGroup(r.DataParallel, NaiveAllreducer{})
		mp := NewGroup(r.ModelParallel, nil)
		x := []float64{float64(r.Index)}
		dpSums[r.Index] = dp.Allreduce(x, collcomm.Sum)[0]
		mpSums[r.Index] = mp.Allreduce(x, collcomm.Sum)[0]
	})
	require.NoError(t, loop.Run())

	// Data-parallel groups are {0,1,2} and {3,4,5};
	// model-parallel groups are {0,3}, {1,4}, {2,5}.
	assert.Equal(t, []float64{3, 3, 3, 12, 12, 12}, dpSums)
	assert.Equal(t, []float64{3, 5, 7, 3, 5, 7}, mpSums)
}

func TestMaxPropagatesNaN(t *testing.T) {
	res := collcomm.Max(nil, []float64{0, 1}, []float64{math.NaN(), 0})
	assert.True(t, math.IsNaN(res[0]))
	assert.Equal(t, 1.0, res[1])
}

func TestMismatchedCollectiveDeadlocks(t *testing.T) {
	loop := simulator.NewEventLoop()
	nodes := simulator.NewNodes(3)
	collcomm.SpawnComms(loop, simulator.RandomNetwork{}, nodes, func(c *collcomm.Comms) {
		if c.Index() == 1 {
			// This rank skips the collective entirely.
			return
		}
		NewGroup(c, NaiveAllreducer{}).Allreduce([]float64{1}, collcomm.Max)
	})
	assert.ErrorIs(t, loop.Run(), simulator.ErrDeadlock)
}
