package optim

import (
	"github.com/unixpickle/zero-optim/param"
	"github.com/unixpickle/zero-optim/tensor"
	"gonum.org/v1/gonum/floats"
)

// SGD implements Stochastic Gradient Descent with optional momentum.
//
// Update rule with momentum:
//
//	velocity = momentum * velocity + gradient
//	param = param - lr * velocity
//
// Example:
//
//	sgd := optim.NewSGD(groups, optim.SGDConfig{
//	    LR:       0.01,
//	    Momentum: 0.9,
//	})
type SGD struct {
	groups     []*ParamGroup
	lr         float32
	momentum   float32
	velocities map[*param.Parameter]*tensor.Tensor
}

// SGDConfig holds configuration for SGD optimizer.
type SGDConfig struct {
	LR       float32 // Learning rate (default: 0.01)
	Momentum float32 // Momentum factor (default: 0.0, range: [0, 1))
}

// NewSGD creates a new SGD optimizer.
func NewSGD(groups []*ParamGroup, config SGDConfig) *SGD {
	if config.LR == 0 {
		config.LR = 0.01
	}
	return &SGD{
		groups:     groups,
		lr:         config.LR,
		momentum:   config.Momentum,
		velocities: make(map[*param.Parameter]*tensor.Tensor),
	}
}

// ParamGroups returns the parameter groups.
func (s *SGD) ParamGroups() []*ParamGroup {
	return s.groups
}

// Step performs a single optimization step.
//
// Parameters with no gradient are skipped. Velocities are kept in float32
// regardless of the parameter's dtype.
func (s *SGD) Step() float32 {
	var updates []float64
	for _, g := range s.groups {
		lr := groupLR(g, s.lr)
		for _, p := range g.Params {
			grad := p.Grad()
			if grad == nil {
				continue
			}
			data := p.Data()

			step := grad.To(tensor.Float32, data.Device())
			if s.momentum != 0 {
				v, ok := s.velocities[p]
				if !ok {
					v = tensor.New(data.Shape(), tensor.Float32, data.Device())
					s.velocities[p] = v
				}
				v.Scale(s.momentum)
				v.AddScaled(1, step)
				step = v
			}

			for i := 0; i < data.Len(); i++ {
				delta := lr * step.At(i)
				data.Set(i, data.At(i)-delta)
				updates = append(updates, float64(delta))
			}
		}
	}
	return float32(floats.Norm(updates, 2))
}

// ZeroGrad clears gradients for all parameters.
func (s *SGD) ZeroGrad() {
	zeroGrad(s.groups)
}

// Velocity returns the momentum buffer of p, or nil if none exists yet.
func (s *SGD) Velocity(p *param.Parameter) *tensor.Tensor {
	return s.velocities[p]
}

// GetLR returns the default learning rate.
func (s *SGD) GetLR() float32 {
	return s.lr
}

// SetLR updates the default learning rate.
func (s *SGD) SetLR(lr float32) {
	s.lr = lr
}
