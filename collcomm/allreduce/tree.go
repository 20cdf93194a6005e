package allreduce

import (
	"github.com/unixpickle/zero-optim/collcomm"
	"github.com/unixpickle/zero-optim/simulator"
)

// A TreeAllreducer arranges the processes in a binary
// tree, reduces up to the root, and broadcasts the result
// back down.
type TreeAllreducer struct{}

// Allreduce calls fn on vectors along a tree and returns
// the resulting reduced vector.
func (t TreeAllreducer) Allreduce(c *collcomm.Comms, data []float64,
	fn collcomm.ReduceFn) []float64 {
	parent, children := positionInTree(c)

	messages := [][]float64{data}
	for range children {
		msg, _ := c.Recv()
		messages = append(messages, msg)
	}

	result := fn(c.Handle, messages...)
	if parent != nil {
		c.Send(parent, result)
		result, _ = c.Recv()
	}

	for _, child := range children {
		c.Send(child, result)
	}

	return result
}

// positionInTree returns the parent (nil for the root)
// and children of the current process in a heap-ordered
// binary tree.
func positionInTree(c *collcomm.Comms) (parent *simulator.Port, children []*simulator.Port) {
	idx := c.Index()
	if idx > 0 {
		parent = c.Ports[(idx-1)/2]
	}
	for _, child := range []int{2*idx + 1, 2*idx + 2} {
		if child < c.Size() {
			children = append(children, c.Ports[child])
		}
	}
	return
}
