package optim

import (
	"math"

	"github.com/unixpickle/zero-optim/param"
	"github.com/unixpickle/zero-optim/tensor"
	"gonum.org/v1/gonum/floats"
)

// Adam implements the Adam (Adaptive Moment Estimation) optimizer.
//
// Update rule:
//
//	m_t = beta1 * m_{t-1} + (1-beta1) * gradient       // First moment
//	v_t = beta2 * v_{t-1} + (1-beta2) * gradient²      // Second moment
//	m_hat = m_t / (1 - beta1^t)                        // Bias correction
//	v_hat = v_t / (1 - beta2^t)                        // Bias correction
//	param = param - lr * m_hat / (sqrt(v_hat) + eps)  // Parameter update
//
// Moments are float32 tensors shaped like the parameter's data at the time of
// the first step. When wrapped by a mixed-precision optimizer that is the
// full-precision master copy, so the moments never see reduced precision.
//
// Reference: "Adam: A Method for Stochastic Optimization" (Kingma & Ba, 2014)
type Adam struct {
	groups []*ParamGroup
	lr     float32
	beta1  float32
	beta2  float32
	eps    float32
	t      int                                // Timestep for bias correction
	m      map[*param.Parameter]*tensor.Tensor // First moment estimates
	v      map[*param.Parameter]*tensor.Tensor // Second moment estimates
}

// AdamConfig holds configuration for Adam optimizer.
type AdamConfig struct {
	LR    float32    // Learning rate (default: 0.001)
	Betas [2]float32 // Coefficients for computing running averages (default: [0.9, 0.999])
	Eps   float32    // Term for numerical stability (default: 1e-8)
}

// NewAdam creates a new Adam optimizer, filling in defaults for zero fields.
func NewAdam(groups []*ParamGroup, config AdamConfig) *Adam {
	if config.LR == 0 {
		config.LR = 0.001
	}
	if config.Betas[0] == 0 {
		config.Betas[0] = 0.9
	}
	if config.Betas[1] == 0 {
		config.Betas[1] = 0.999
	}
	if config.Eps == 0 {
		config.Eps = 1e-8
	}

	return &Adam{
		groups: groups,
		lr:     config.LR,
		beta1:  config.Betas[0],
		beta2:  config.Betas[1],
		eps:    config.Eps,
		m:      make(map[*param.Parameter]*tensor.Tensor),
		v:      make(map[*param.Parameter]*tensor.Tensor),
	}
}

// ParamGroups returns the parameter groups.
func (a *Adam) ParamGroups() []*ParamGroup {
	return a.groups
}

// Step performs a single optimization step using Adam algorithm.
//
// Parameters with no gradient are skipped.
func (a *Adam) Step() float32 {
	a.t++

	biasCorrection1 := float32(1.0 - math.Pow(float64(a.beta1), float64(a.t)))
	biasCorrection2 := float32(1.0 - math.Pow(float64(a.beta2), float64(a.t)))

	var updates []float64
	for _, g := range a.groups {
		lr := groupLR(g, a.lr)
		for _, p := range g.Params {
			grad := p.Grad()
			if grad == nil {
				continue
			}
			data := p.Data()

			m, ok := a.m[p]
			if !ok {
				m = tensor.New(data.Shape(), tensor.Float32, data.Device())
				a.m[p] = m
			}
			v, ok := a.v[p]
			if !ok {
				v = tensor.New(data.Shape(), tensor.Float32, data.Device())
				a.v[p] = v
			}

			for i := 0; i < data.Len(); i++ {
				gi := grad.At(i)
				mi := a.beta1*m.At(i) + (1.0-a.beta1)*gi
				vi := a.beta2*v.At(i) + (1.0-a.beta2)*gi*gi
				m.Set(i, mi)
				v.Set(i, vi)

				mHat := mi / biasCorrection1
				vHat := vi / biasCorrection2
				delta := lr * mHat / (float32(math.Sqrt(float64(vHat))) + a.eps)
				data.Set(i, data.At(i)-delta)
				updates = append(updates, float64(delta))
			}
		}
	}
	return float32(floats.Norm(updates, 2))
}

// ZeroGrad clears gradients for all parameters.
func (a *Adam) ZeroGrad() {
	zeroGrad(a.groups)
}

// Moments returns the first and second moment estimates of p, or nils if p
// has not been updated yet.
func (a *Adam) Moments(p *param.Parameter) (m, v *tensor.Tensor) {
	return a.m[p], a.v[p]
}

// GetLR returns the default learning rate.
func (a *Adam) GetLR() float32 {
	return a.lr
}

// SetLR updates the default learning rate.
func (a *Adam) SetLR(lr float32) {
	a.lr = lr
}

// GetTimestep returns the number of steps taken.
func (a *Adam) GetTimestep() int {
	return a.t
}
