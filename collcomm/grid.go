package collcomm

import (
	"fmt"

	"github.com/unixpickle/zero-optim/simulator"
)

// A Rank is one process of a job laid out on a data- and
// model-parallel grid.
type Rank struct {
	// Index is the global rank.
	Index int

	// DataParallel connects the processes that hold
	// different slices of the data for the same model
	// partition.
	DataParallel *Comms

	// ModelParallel connects the processes that hold
	// different model partitions for the same slice of
	// data.
	ModelParallel *Comms
}

// SpawnGrid lays len(nodes) processes out on a grid with
// dpSize data-parallel replicas per model partition, and
// calls f for each process in its own Goroutine.
//
// Global rank r belongs to data-parallel group r/dpSize
// and model-parallel group r%dpSize.
// The two groups use separate ports, so their collectives
// never interleave on the same queue.
func SpawnGrid(loop *simulator.EventLoop, network simulator.Network, nodes []*simulator.Node,
	dpSize int, f func(r *Rank)) {
	if dpSize < 1 || len(nodes)%dpSize != 0 {
		panic(fmt.Sprintf("cannot split %d nodes into data-parallel groups of %d", len(nodes), dpSize))
	}
	mpSize := len(nodes) / dpSize

	dpPorts := make([][]*simulator.Port, mpSize)
	mpPorts := make([][]*simulator.Port, dpSize)
	dpGroups := make([]string, mpSize)
	mpGroups := make([]string, dpSize)
	for i := range dpPorts {
		dpGroups[i] = NewGroupID()
	}
	for i := range mpPorts {
		mpGroups[i] = NewGroupID()
	}
	for r, node := range nodes {
		dpPorts[r/dpSize] = append(dpPorts[r/dpSize], node.Port(loop))
		mpPorts[r%dpSize] = append(mpPorts[r%dpSize], node.Port(loop))
	}

	for r := range nodes {
		rank := r
		dpGroup, dpIdx := rank/dpSize, rank%dpSize
		mpGroup, mpIdx := rank%dpSize, rank/dpSize
		loop.Go(func(h *simulator.Handle) {
			f(&Rank{
				Index: rank,
				DataParallel: &Comms{
					Handle:  h,
					Port:    dpPorts[dpGroup][dpIdx],
					Ports:   dpPorts[dpGroup],
					Network: network,
					Group:   dpGroups[dpGroup],
				},
				ModelParallel: &Comms{
					Handle:  h,
					Port:    mpPorts[mpGroup][mpIdx],
					Ports:   mpPorts[mpGroup],
					Network: network,
					Group:   mpGroups[mpGroup],
				},
			})
		})
	}
}
