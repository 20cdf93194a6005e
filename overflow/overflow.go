// Package overflow detects non-finite gradients and agrees
// on the result across every process of a training job.
package overflow

import (
	"github.com/unixpickle/zero-optim/collcomm"
	"github.com/unixpickle/zero-optim/collcomm/allreduce"
	"github.com/unixpickle/zero-optim/optim"
)

// A Communicator reduces a vector across one process
// group.
//
// Allreduce blocks until every process in the group has
// made the matching call.
type Communicator interface {
	Allreduce(data []float64, fn collcomm.ReduceFn) []float64
}

// A Detector checks gradients for overflow.
//
// Every process of the job must call Check the same number
// of times and in the same order, since each call is a
// collective on both communicators.
type Detector struct {
	dataParallel  Communicator
	modelParallel Communicator
	flag          []float64
}

// NewDetector creates a detector that reduces over the
// data-parallel group and then the model-parallel group.
// A nil communicator stands for a group of one process.
func NewDetector(dataParallel, modelParallel Communicator) *Detector {
	if dataParallel == nil {
		dataParallel = allreduce.Solo{}
	}
	if modelParallel == nil {
		modelParallel = allreduce.Solo{}
	}
	return &Detector{
		dataParallel:  dataParallel,
		modelParallel: modelParallel,
		flag:          make([]float64, 1),
	}
}

// Check reports whether any process has a gradient
// containing ±Inf or NaN. Missing gradients are ignored.
//
// All processes in both groups get the same answer.
func (d *Detector) Check(groups []*optim.ParamGroup) bool {
	d.flag[0] = 0
	if localOverflow(groups) {
		d.flag[0] = 1
	}
	d.flag = d.dataParallel.Allreduce(d.flag, collcomm.Max)
	d.flag = d.modelParallel.Allreduce(d.flag, collcomm.Max)
	return d.flag[0] > 0
}

func localOverflow(groups []*optim.ParamGroup) bool {
	for _, g := range groups {
		for _, p := range g.Params {
			if grad := p.Grad(); grad != nil && grad.HasInfOrNaN() {
				return true
			}
		}
	}
	return false
}
