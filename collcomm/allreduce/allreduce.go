// Package allreduce implements algorithms for summing or
// maxing vectors across the processes of a group.
package allreduce

import "github.com/unixpickle/zero-optim/collcomm"

// Allreducer is an algorithm that can apply a ReduceFn to
// vectors that are distributed across processes.
//
// Callers must call c.Begin() before every Allreduce so
// that consecutive reductions on the same Comms do not
// interfere. Group does this automatically.
type Allreducer interface {
	Allreduce(c *collcomm.Comms, data []float64, fn collcomm.ReduceFn) []float64
}

// A Group is a communicator handle for one process group.
// It pairs the process's Comms with the algorithm used to
// reduce over it.
type Group struct {
	Comms   *collcomm.Comms
	Reducer Allreducer
}

// NewGroup creates a Group.
// If reducer is nil, a TreeAllreducer is used.
func NewGroup(c *collcomm.Comms, reducer Allreducer) *Group {
	if reducer == nil {
		reducer = TreeAllreducer{}
	}
	return &Group{Comms: c, Reducer: reducer}
}

// Allreduce starts a new collective and reduces data
// across every process in the group.
func (g *Group) Allreduce(data []float64, fn collcomm.ReduceFn) []float64 {
	g.Comms.Begin()
	return g.Reducer.Allreduce(g.Comms, data, fn)
}

// Size returns the number of processes in the group.
func (g *Group) Size() int {
	return g.Comms.Size()
}

// Solo is the communicator of a group that only contains
// the current process.
type Solo struct{}

// Allreduce returns fn applied to data alone.
func (Solo) Allreduce(data []float64, fn collcomm.ReduceFn) []float64 {
	return fn(nil, data)
}

// Size always returns 1.
func (Solo) Size() int {
	return 1
}
