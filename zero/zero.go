// Package zero wraps a base optimizer for mixed-precision
// training of a (possibly sharded) model.
//
// The wrapper multiplies the loss by a dynamic loss scale
// before the backward pass, unscales the gradients before
// stepping, and skips any step in which some process of
// the job saw a non-finite gradient. Parameter updates run
// on full-precision master copies, which are written back
// into the reduced-precision working parameters after
// every step.
//
// A typical loop on each process looks like:
//
//	opt, err := zero.New(adam, model, cfg, dp, mp)
//	...
//	for batch := range batches {
//	    loss := model.Forward(batch)
//	    opt.Backward(loss)
//	    opt.ClipGradNorm(model, 1.0)
//	    opt.Step()
//	    opt.ZeroGrad()
//	}
package zero

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/pkg/errors"
	"github.com/unixpickle/zero-optim/master"
	"github.com/unixpickle/zero-optim/optim"
	"github.com/unixpickle/zero-optim/overflow"
	"github.com/unixpickle/zero-optim/param"
	"github.com/unixpickle/zero-optim/scaler"
	"github.com/unixpickle/zero-optim/tensor"
)

// OptimState records whether the current gradients still
// carry the loss scale.
type OptimState int

const (
	Unscaled OptimState = iota
	Scaled
)

func (o OptimState) String() string {
	if o == Scaled {
		return "scaled"
	}
	return "unscaled"
}

// A Loss is the scalar output of a forward pass.
type Loss interface {
	Value() float32

	// Backward accumulates gradients of seed*loss into
	// the parameters.
	Backward(seed float32)
}

// An Output is a non-scalar forward result that gradients
// can be propagated from.
type Output interface {
	BackwardWithGrad(grad *tensor.Tensor)
}

// A Module owns trainable parameters.
type Module interface {
	Parameters() []*param.Parameter
}

// A ShardedModel runs its own backward pass, e.g. to
// reduce-scatter gradients into parameter shards.
type ShardedModel interface {
	Module
	Backward(loss Loss, seed float32)
	BackwardByGrad(out Output, grad *tensor.Tensor)
}

// ShardedOptimizer is a mixed-precision wrapper around a
// base optimizer.
type ShardedOptimizer struct {
	base     optim.Optimizer
	model    ShardedModel
	scaler   scaler.LossScaler
	detector *overflow.Detector
	masters  *master.Store

	state   OptimState
	steps   int
	logger  *slog.Logger
	metrics *Metrics
}

// New wraps base.
//
// If model implements ShardedModel, backward passes are
// delegated to it. The dp and mp communicators connect
// this process to its data-parallel and model-parallel
// groups; nil means the group has one process.
//
// New fails if cfg is invalid or if a sharded parameter
// has not been sharded.
func New(base optim.Optimizer, model Module, cfg Config, dp, mp overflow.Communicator) (*ShardedOptimizer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	lossScaler := cfg.Scaler
	if lossScaler == nil {
		s, err := scaler.NewDynamicGradScaler(cfg.ScalerConfig())
		if err != nil {
			return nil, err
		}
		lossScaler = s
	}
	masters, err := master.NewStore(base.ParamGroups(), cfg.Device())
	if err != nil {
		return nil, errors.Wrap(err, "create sharded optimizer")
	}

	o := &ShardedOptimizer{
		base:     base,
		scaler:   lossScaler,
		detector: overflow.NewDetector(dp, mp),
		masters:  masters,
		state:    Unscaled,
		logger:   cfg.logger(),
		metrics:  cfg.Metrics,
	}
	if sm, ok := model.(ShardedModel); ok {
		o.model = sm
	}
	if o.metrics != nil {
		o.metrics.LossScale.Set(lossScaler.Scale())
	}
	return o, nil
}

// Backward runs a backward pass from loss multiplied by
// the current loss scale.
func (o *ShardedOptimizer) Backward(loss Loss) {
	o.state = Scaled
	seed := float32(o.scaler.Scale())
	if o.model != nil {
		o.model.Backward(loss, seed)
	} else {
		loss.Backward(seed)
	}
}

// BackwardByGrad runs a backward pass from out with an
// explicit output gradient.
// The gradient is used as given, so it should already
// include the loss scale.
func (o *ShardedOptimizer) BackwardByGrad(out Output, grad *tensor.Tensor) {
	if o.model != nil {
		o.model.BackwardByGrad(out, grad)
	} else {
		out.BackwardWithGrad(grad)
	}
}

// Step updates the parameters, unless a gradient on any
// process overflowed.
//
// It returns the base optimizer's result and true, or
// zero and false if the step was skipped.
// Every process of the job must call Step in lockstep.
func (o *ShardedOptimizer) Step() (float32, bool) {
	o.steps++
	if o.state == Scaled {
		o.unscaleGrads()
	}

	start := time.Now()
	found := o.detector.Check(o.base.ParamGroups())
	checkTime := time.Since(start)

	oldScale := o.scaler.Scale()
	o.scaler.Update(found)
	if newScale := o.scaler.Scale(); newScale != oldScale {
		o.logger.Debug("loss scale changed", "step", o.steps, "old_scale", oldScale,
			"loss_scale", newScale)
	}
	o.metrics.observeStep(found, o.scaler.Scale(), checkTime)

	if found {
		o.logger.Debug("skipping step after gradient overflow", "step", o.steps,
			"loss_scale", o.scaler.Scale())
		o.base.ZeroGrad()
		return 0, false
	}

	working := map[*param.Parameter]*tensor.Tensor{}
	o.forEachParam(func(p *param.Parameter) {
		working[p] = p.Data()
		p.SetData(o.masters.Get(p))
	})

	result := o.base.Step()

	o.forEachParam(func(p *param.Parameter) {
		updated := p.Data()
		o.masters.Set(p, updated)
		if p.Kind() == param.Sharded {
			p.SetPayload(updated)
			p.SetData(p.Payload(p.Shard().Device()))
		} else {
			// Unsharded parameters keep the master precision.
			old := working[p]
			p.SetData(updated.To(updated.DType(), old.Device()).Reshape(old.Shape()))
		}
	})
	return result, true
}

// ClipGradNorm unscales the gradients if necessary and
// clips their global norm to maxNorm.
// It returns the norm before clipping.
func (o *ShardedOptimizer) ClipGradNorm(model Module, maxNorm float64) float64 {
	if o.state == Scaled {
		o.unscaleGrads()
	}
	return optim.ClipGradNorm(model.Parameters(), maxNorm)
}

// ZeroGrad clears all gradients.
func (o *ShardedOptimizer) ZeroGrad() {
	o.base.ZeroGrad()
}

// ParamGroups returns the base optimizer's groups.
func (o *ShardedOptimizer) ParamGroups() []*optim.ParamGroup {
	return o.base.ParamGroups()
}

// LossScale returns the current loss scale.
func (o *ShardedOptimizer) LossScale() float64 {
	return o.scaler.Scale()
}

// State returns whether the gradients are scaled.
func (o *ShardedOptimizer) State() OptimState {
	return o.state
}

// Master returns the full-precision copy of p.
func (o *ShardedOptimizer) Master(p *param.Parameter) *tensor.Tensor {
	return o.masters.Get(p)
}

func (o *ShardedOptimizer) unscaleGrads() {
	if o.state != Scaled {
		panic(fmt.Sprintf("cannot unscale gradients in state %s", o.state))
	}
	inv := float32(1 / o.scaler.Scale())
	o.forEachParam(func(p *param.Parameter) {
		if g := p.Grad(); g != nil {
			g.Scale(inv)
		}
	})
	o.state = Unscaled
}

func (o *ShardedOptimizer) forEachParam(f func(p *param.Parameter)) {
	seen := map[*param.Parameter]bool{}
	for _, g := range o.base.ParamGroups() {
		for _, p := range g.Params {
			if !seen[p] {
				seen[p] = true
				f(p)
			}
		}
	}
}
