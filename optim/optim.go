// Package optim implements base optimization algorithms.
//
// This package provides:
//   - Optimizer interface: what a mixed-precision wrapper needs from a base optimizer
//   - ParamGroup: a list of parameters sharing hyperparameters
//   - SGD: Stochastic Gradient Descent with momentum
//   - Adam: Adaptive Moment Estimation
//   - ClipGradNorm: global gradient-norm clipping
//
// Optimizers read each parameter's current Data() and Grad() at Step time and
// update Data() in place. They never cache the data tensor itself, so a
// wrapper may swap full-precision master tensors into the parameters just
// before Step and read the results back afterwards.
//
// Example usage:
//
//	opt := optim.NewAdam([]*optim.ParamGroup{{Params: model.Parameters()}}, optim.AdamConfig{
//	    LR: 0.001,
//	})
//
//	for step := range steps {
//	    loss := model.Forward(batch)
//	    loss.Backward(1)
//	    opt.Step()
//	    opt.ZeroGrad()
//	}
package optim

import (
	"math"

	"github.com/unixpickle/zero-optim/param"
	"gonum.org/v1/gonum/floats"
)

// Optimizer is the base interface for all optimization algorithms.
type Optimizer interface {
	// ParamGroups returns the optimizer's parameter groups, in order.
	//
	// Callers may replace parameters' data in place but must not add or
	// remove parameters.
	ParamGroups() []*ParamGroup

	// Step applies one update to every parameter with a gradient.
	//
	// It returns the L2 norm of the applied update, which is useful for
	// monitoring.
	Step() float32

	// ZeroGrad clears all parameter gradients.
	ZeroGrad()
}

// ParamGroup is a set of parameters that share hyperparameters.
type ParamGroup struct {
	Params []*param.Parameter

	// LR overrides the optimizer's learning rate when non-zero.
	LR float32
}

// Config is the base configuration for all optimizers.
type Config struct {
	LR float32 // Learning rate
}

func groupLR(g *ParamGroup, defaultLR float32) float32 {
	if g.LR != 0 {
		return g.LR
	}
	return defaultLR
}

func zeroGrad(groups []*ParamGroup) {
	for _, g := range groups {
		for _, p := range g.Params {
			p.ZeroGrad()
		}
	}
}

// ClipGradNorm rescales gradients so that their global L2 norm is at most
// maxNorm.
//
// Parameters without a gradient are ignored. The returned value is the total
// norm before clipping. If the norm is not finite the gradients are left
// untouched, so an overflow check still sees them.
func ClipGradNorm(params []*param.Parameter, maxNorm float64) float64 {
	var norms []float64
	for _, p := range params {
		if g := p.Grad(); g != nil {
			norms = append(norms, floats.Norm(g.Float64s(), 2))
		}
	}
	total := floats.Norm(norms, 2)
	if math.IsInf(total, 0) || math.IsNaN(total) {
		return total
	}

	clipCoef := maxNorm / (total + 1e-6)
	if clipCoef < 1 {
		for _, p := range params {
			if g := p.Grad(); g != nil {
				g.Scale(float32(clipCoef))
			}
		}
	}
	return total
}
