package main

import (
	"math"
	"math/rand"

	"github.com/unixpickle/zero-optim/collcomm"
	"github.com/unixpickle/zero-optim/overflow"
	"github.com/unixpickle/zero-optim/param"
	"github.com/unixpickle/zero-optim/tensor"
	"github.com/unixpickle/zero-optim/zero"
)

// linearModel is one rank's slice of a linear regression
// model y = x·w.
//
// The feature columns are split across the model-parallel
// group. Within a data-parallel group every rank holds the
// same columns, either in full or, when sharded, as an
// equal chunk of them.
type linearModel struct {
	dp, mp   overflow.Communicator
	dpSize   int
	dpIndex  int
	cols     []int
	weights  *param.Parameter
	deferred bool
	pending  []float64
}

func newLinearModel(r *collcomm.Rank, dp, mp overflow.Communicator, features int,
	dtype tensor.DType, sharded bool) *linearModel {
	mpSize, mpIndex := r.ModelParallel.Size(), r.ModelParallel.Index()
	var cols []int
	for c := mpIndex; c < features; c += mpSize {
		cols = append(cols, c)
	}

	init := tensor.New(tensor.Shape{len(cols), 1}, dtype, tensor.CUDA)
	var weights *param.Parameter
	if sharded {
		st := param.NewShardedTensor(init)
		st.Shard(r.DataParallel.Index(), r.DataParallel.Size())
		weights = param.NewSharded("weights", st)
	} else {
		weights = param.NewPlain("weights", init)
	}

	return &linearModel{
		dp:      dp,
		mp:      mp,
		dpSize:  r.DataParallel.Size(),
		dpIndex: r.DataParallel.Index(),
		cols:    cols,
		weights: weights,
	}
}

func (m *linearModel) Parameters() []*param.Parameter {
	return []*param.Parameter{m.weights}
}

// fullWeights returns this rank's columns of w, gathering
// them from the data-parallel group if they are sharded.
func (m *linearModel) fullWeights() []float64 {
	if m.weights.Kind() == param.Plain {
		return m.weights.Data().Float64s()
	}
	chunk := m.weights.Data().Flatten().Float64s()
	placed := make([]float64, len(chunk)*m.dpSize)
	copy(placed[m.dpIndex*len(chunk):], chunk)
	return m.dp.Allreduce(placed, collcomm.Sum)[:len(m.cols)]
}

// Forward computes the mean squared error of the model on
// a batch of full feature rows.
func (m *linearModel) Forward(xs [][]float64, ys []float64) *regressionLoss {
	w := m.fullWeights()
	partial := make([]float64, len(xs))
	for i, x := range xs {
		for j, c := range m.cols {
			partial[i] += x[c] * w[j]
		}
	}
	preds := m.mp.Allreduce(partial, collcomm.Sum)

	loss := &regressionLoss{model: m, grad: make([]float64, len(m.cols))}
	for i, x := range xs {
		diff := preds[i] - ys[i]
		loss.value += diff * diff / (2 * float64(len(xs)))
		for j, c := range m.cols {
			loss.grad[j] += diff * x[c] / float64(len(xs))
		}
	}
	return loss
}

// Backward runs a backward pass and then reduce-scatters
// the gradient over the data-parallel group.
func (m *linearModel) Backward(loss zero.Loss, seed float32) {
	m.deferred = true
	loss.Backward(seed)
	m.deferred = false
	m.reduceGrads()
}

func (m *linearModel) BackwardByGrad(out zero.Output, grad *tensor.Tensor) {
	m.deferred = true
	out.BackwardWithGrad(grad)
	m.deferred = false
	m.reduceGrads()
}

func (m *linearModel) reduceGrads() {
	avg := m.dp.Allreduce(m.pending, collcomm.Sum)
	m.pending = nil
	for i := range avg {
		avg[i] /= float64(m.dpSize)
	}

	data := m.weights.Data()
	grad := tensor.New(data.Shape(), data.DType(), data.Device())
	if m.weights.Kind() == param.Sharded {
		size := data.Len()
		for i := 0; i < size; i++ {
			if j := m.dpIndex*size + i; j < len(avg) {
				grad.Set(i, float32(avg[j]))
			}
		}
	} else {
		for i, x := range avg {
			grad.Set(i, float32(x))
		}
	}
	m.weights.AccumulateGrad(grad)
}

// plainModel hides the custom backward pass of a
// linearModel, so losses run their own.
type plainModel struct {
	model *linearModel
}

func (p plainModel) Parameters() []*param.Parameter {
	return p.model.Parameters()
}

type regressionLoss struct {
	model  *linearModel
	value  float64
	grad   []float64
	poison bool
}

func (r *regressionLoss) Value() float32 {
	return float32(r.value)
}

func (r *regressionLoss) Backward(seed float32) {
	pending := make([]float64, len(r.grad))
	for i, g := range r.grad {
		pending[i] = g * float64(seed)
	}
	if r.poison && len(pending) > 0 {
		pending[0] = math.NaN()
	}
	r.model.pending = pending
	if !r.model.deferred {
		r.model.reduceGrads()
	}
}

func (r *regressionLoss) BackwardWithGrad(grad *tensor.Tensor) {
	r.Backward(grad.At(0))
}

// dataset generates regression batches from a fixed
// ground-truth weight vector.
type dataset struct {
	seed  int64
	truth []float64
	noise float64
}

func newDataset(seed int64, features int, noise float64) *dataset {
	gen := rand.New(rand.NewSource(seed))
	truth := make([]float64, features)
	for i := range truth {
		truth[i] = gen.NormFloat64()
	}
	return &dataset{seed: seed, truth: truth, noise: noise}
}

// Batch returns the batch for one data-parallel replica
// at one step. It only depends on its arguments, so every
// rank of a model-parallel group sees the same rows.
func (d *dataset) Batch(replica, step, size int) ([][]float64, []float64) {
	gen := rand.New(rand.NewSource(d.seed + int64(replica)*1_000_003 + int64(step)*7919))
	xs := make([][]float64, size)
	ys := make([]float64, size)
	for i := range xs {
		xs[i] = make([]float64, len(d.truth))
		for j := range xs[i] {
			xs[i][j] = gen.NormFloat64()
			ys[i] += xs[i][j] * d.truth[j]
		}
		ys[i] += gen.NormFloat64() * d.noise
	}
	return xs, ys
}
