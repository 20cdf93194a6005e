package zero

import (
	"bytes"
	"log/slog"
	"math"
	"testing"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/unixpickle/zero-optim/collcomm"
	"github.com/unixpickle/zero-optim/collcomm/allreduce"
	"github.com/unixpickle/zero-optim/master"
	"github.com/unixpickle/zero-optim/optim"
	"github.com/unixpickle/zero-optim/param"
	"github.com/unixpickle/zero-optim/scaler"
	"github.com/unixpickle/zero-optim/simulator"
	"github.com/unixpickle/zero-optim/tensor"
)

// linearLoss is sum_i coef_i * w_i over one parameter, so
// its gradient is coef.
type linearLoss struct {
	p    *param.Parameter
	coef []float32
}

func (l *linearLoss) Value() float32 {
	var sum float32
	for i, c := range l.coef {
		sum += c * l.p.Data().At(i)
	}
	return sum
}

func (l *linearLoss) Backward(seed float32) {
	g := tensor.New(l.p.Data().Shape(), l.p.Data().DType(), l.p.Data().Device())
	for i, c := range l.coef {
		g.Set(i, seed*c)
	}
	l.p.AccumulateGrad(g)
}

func (l *linearLoss) BackwardWithGrad(grad *tensor.Tensor) {
	l.p.AccumulateGrad(grad)
}

type plainModel struct {
	params []*param.Parameter
}

func (m *plainModel) Parameters() []*param.Parameter {
	return m.params
}

type shardedModel struct {
	plainModel
	seeds     []float32
	gradCalls int
}

func (s *shardedModel) Backward(loss Loss, seed float32) {
	s.seeds = append(s.seeds, seed)
	loss.Backward(seed)
}

func (s *shardedModel) BackwardByGrad(out Output, grad *tensor.Tensor) {
	s.gradCalls++
	out.BackwardWithGrad(grad)
}

// spyOptimizer records the gradients its base optimizer
// sees.
type spyOptimizer struct {
	optim.Optimizer
	grads [][]float32
	data  []tensor.DType
}

func (s *spyOptimizer) Step() float32 {
	for _, g := range s.ParamGroups() {
		for _, p := range g.Params {
			s.grads = append(s.grads, p.Grad().Float32s())
			s.data = append(s.data, p.Data().DType())
		}
	}
	return s.Optimizer.Step()
}

func newPlainParam(name string, dtype tensor.DType, values ...float32) *param.Parameter {
	return param.NewPlain(name, tensor.FromFloat32(values, tensor.Shape{len(values)}, dtype, tensor.CUDA))
}

func testConfig(scale float64) Config {
	c := DefaultConfig()
	c.InitialScale = scale
	c.GrowthInterval = 2
	return c
}

func TestBackwardScalesLoss(t *testing.T) {
	p := newPlainParam("w", tensor.Float16, 1)
	loss := &linearLoss{p: p, coef: []float32{2}}
	require.Equal(t, float32(2), loss.Value())

	spy := &spyOptimizer{Optimizer: optim.NewSGD(
		[]*optim.ParamGroup{{Params: []*param.Parameter{p}}},
		optim.SGDConfig{LR: 0.1},
	)}
	opt, err := New(spy, &plainModel{params: []*param.Parameter{p}}, testConfig(8), nil, nil)
	require.NoError(t, err)

	opt.Backward(loss)
	assert.Equal(t, Scaled, opt.State())
	assert.Equal(t, []float32{16}, p.Grad().Float32s(), "gradient of the effective loss 2*8")

	res, ok := opt.Step()
	require.True(t, ok)
	assert.Equal(t, Unscaled, opt.State())
	assert.Equal(t, [][]float32{{2}}, spy.grads, "base optimizer sees unscaled gradients")
	assert.Equal(t, []tensor.DType{tensor.Float32}, spy.data, "base optimizer updates master copies")
	assert.InDelta(t, 0.2, res, 1e-6)
	assert.InDelta(t, 0.8, opt.Master(p).At(0), 1e-6)
	assert.Equal(t, tensor.Float32, p.Data().DType(), "unsharded working data takes the master")
	assert.Equal(t, tensor.CUDA, p.Data().Device())
}

func TestShardedModelBackward(t *testing.T) {
	full := tensor.FromFloat32([]float32{1, 2, 3}, tensor.Shape{3}, tensor.Float16, tensor.CUDA)
	st := param.NewShardedTensor(full)
	st.Shard(0, 2)
	p := param.NewSharded("w", st)
	model := &shardedModel{plainModel: plainModel{params: []*param.Parameter{p}}}

	base := optim.NewSGD([]*optim.ParamGroup{{Params: model.params}}, optim.SGDConfig{LR: 1})
	opt, err := New(base, model, testConfig(4), nil, nil)
	require.NoError(t, err)

	loss := &linearLoss{p: p, coef: []float32{1, 1}}
	opt.Backward(loss)
	assert.Equal(t, []float32{4}, model.seeds)

	opt.BackwardByGrad(loss, tensor.FromFloat32([]float32{4, 0}, tensor.Shape{2}, tensor.Float16, tensor.CUDA))
	assert.Equal(t, 1, model.gradCalls)
	assert.Equal(t, Scaled, opt.State(), "BackwardByGrad leaves the state alone")

	_, ok := opt.Step()
	require.True(t, ok)

	// Unscaled gradient is (1+1, 1+0) = (2, 1).
	assert.Equal(t, []float32{-1, 1}, st.Payload(tensor.CPU).Float32s())
	assert.Equal(t, []float32{-1, 1}, p.Data().Float32s())
	assert.Equal(t, []float32{-1, 1}, opt.Master(p).Float32s())
	assert.Equal(t, tensor.Float16, st.DType())
}

func TestStepRoundTrip(t *testing.T) {
	p32 := newPlainParam("w32", tensor.Float32, 0.5, -1.25, 3)
	p16 := newPlainParam("w16", tensor.Float16, 0.5, -1.25, 3)
	params := []*param.Parameter{p32, p16}
	base := optim.NewAdam([]*optim.ParamGroup{{Params: params}}, optim.AdamConfig{LR: 0.01})
	opt, err := New(base, &plainModel{params: params}, testConfig(16), nil, nil)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		opt.Backward(&linearLoss{p: p32, coef: []float32{1, -2, 0.5}})
		opt.Backward(&linearLoss{p: p16, coef: []float32{1, -2, 0.5}})
		_, ok := opt.Step()
		require.True(t, ok)
		opt.ZeroGrad()

		assert.True(t, opt.Master(p32).Equal(p32.Data()), "float32 working data equals master")
		assert.True(t, opt.Master(p16).Equal(p16.Data()), "float16 working data equals master")
	}
	assert.Equal(t, 5, base.GetTimestep())
}

func TestStepKeepsSmallUpdates(t *testing.T) {
	// 1 - 1e-4 rounds back to 1 in float16.
	p := newPlainParam("w", tensor.Float16, 1)
	params := []*param.Parameter{p}
	base := optim.NewSGD([]*optim.ParamGroup{{Params: params}}, optim.SGDConfig{LR: 1e-4})
	opt, err := New(base, &plainModel{params: params}, testConfig(8), nil, nil)
	require.NoError(t, err)

	for i := 1; i <= 3; i++ {
		opt.Backward(&linearLoss{p: p, coef: []float32{1}})
		_, ok := opt.Step()
		require.True(t, ok)
		opt.ZeroGrad()

		assert.True(t, opt.Master(p).Equal(p.Data()))
		assert.InDelta(t, 1-float64(i)*1e-4, p.Data().At(0), 1e-6)
	}
}

func TestSkippedStepIsIdempotent(t *testing.T) {
	p := newPlainParam("w", tensor.Float16, 1, 2)
	params := []*param.Parameter{p}
	base := optim.NewAdam([]*optim.ParamGroup{{Params: params}}, optim.AdamConfig{LR: 0.01})
	opt, err := New(base, &plainModel{params: params}, testConfig(1024), nil, nil)
	require.NoError(t, err)

	opt.Backward(&linearLoss{p: p, coef: []float32{1, 1}})
	_, ok := opt.Step()
	require.True(t, ok)
	opt.ZeroGrad()

	masterBefore := opt.Master(p).Clone()
	dataBefore := p.Data().Clone()
	m, v := base.Moments(p)
	mBefore, vBefore := m.Clone(), v.Clone()

	opt.Backward(&linearLoss{p: p, coef: []float32{float32(math.NaN()), 1}})
	res, ok := opt.Step()
	assert.False(t, ok)
	assert.Equal(t, float32(0), res)
	assert.Nil(t, p.Grad(), "gradients are cleared")
	assert.Equal(t, 512.0, opt.LossScale())

	assert.True(t, masterBefore.Equal(opt.Master(p)))
	assert.True(t, dataBefore.Equal(p.Data()))
	m, v = base.Moments(p)
	assert.True(t, mBefore.Equal(m))
	assert.True(t, vBefore.Equal(v))
	assert.Equal(t, 1, base.GetTimestep())
}

func TestScaledGradientOverflow(t *testing.T) {
	// 1e5 is finite in float32 but not in float16.
	p := newPlainParam("w", tensor.Float16, 1)
	params := []*param.Parameter{p}
	base := optim.NewSGD([]*optim.ParamGroup{{Params: params}}, optim.SGDConfig{})
	opt, err := New(base, &plainModel{params: params}, testConfig(1e5), nil, nil)
	require.NoError(t, err)

	opt.Backward(&linearLoss{p: p, coef: []float32{1}})
	_, ok := opt.Step()
	assert.False(t, ok)
	assert.Equal(t, 5e4, opt.LossScale())
}

func TestClipGradNorm(t *testing.T) {
	p := newPlainParam("w", tensor.Float32, 0, 0)
	params := []*param.Parameter{p}
	model := &plainModel{params: params}
	base := optim.NewSGD([]*optim.ParamGroup{{Params: params}}, optim.SGDConfig{LR: 1})
	opt, err := New(base, model, testConfig(4), nil, nil)
	require.NoError(t, err)

	opt.Backward(&linearLoss{p: p, coef: []float32{3, 4}})
	norm := opt.ClipGradNorm(model, 1)
	assert.InDelta(t, 5, norm, 1e-6)
	assert.Equal(t, Unscaled, opt.State())

	_, ok := opt.Step()
	require.True(t, ok, "step after clipping does not unscale again")
	assert.InDeltaSlice(t, []float32{-0.6, -0.8}, p.Data().Float32s(), 1e-5)
}

func TestDoubleUnscalePanics(t *testing.T) {
	p := newPlainParam("w", tensor.Float32, 1)
	base := optim.NewSGD([]*optim.ParamGroup{{Params: []*param.Parameter{p}}}, optim.SGDConfig{})
	opt, err := New(base, nil, testConfig(2), nil, nil)
	require.NoError(t, err)

	opt.Backward(&linearLoss{p: p, coef: []float32{1}})
	opt.unscaleGrads()
	assert.Panics(t, func() { opt.unscaleGrads() })
}

func TestStepWithoutBackward(t *testing.T) {
	p := newPlainParam("w", tensor.Float32, 1)
	base := optim.NewSGD([]*optim.ParamGroup{{Params: []*param.Parameter{p}}}, optim.SGDConfig{LR: 1})
	opt, err := New(base, nil, testConfig(2), nil, nil)
	require.NoError(t, err)

	p.SetGrad(tensor.FromFloat32([]float32{0.5}, tensor.Shape{1}, tensor.Float32, tensor.CUDA))
	_, ok := opt.Step()
	require.True(t, ok)
	assert.Equal(t, float32(0.5), p.Data().At(0), "unscaled gradients are used as is")
}

func TestNewErrors(t *testing.T) {
	full := tensor.FromFloat32([]float32{1}, tensor.Shape{1}, tensor.Float16, tensor.CUDA)
	p := param.NewSharded("w", param.NewShardedTensor(full))
	base := optim.NewSGD([]*optim.ParamGroup{{Params: []*param.Parameter{p}}}, optim.SGDConfig{})

	_, err := New(base, nil, DefaultConfig(), nil, nil)
	assert.True(t, errors.Is(err, master.ErrNotSharded))

	cfg := DefaultConfig()
	cfg.BackoffFactor = 2
	_, err = New(base, nil, cfg, nil, nil)
	assert.Error(t, err)

	cfg.Scaler = scaler.ConstantScaler(1)
	assert.NoError(t, cfg.Validate())

	for _, bad := range []float64{0, -4, math.NaN(), math.Inf(1)} {
		cfg.Scaler = scaler.ConstantScaler(bad)
		_, err = New(base, nil, cfg, nil, nil)
		assert.Error(t, err, "scale %v", bad)
	}
}

func TestCPUOffload(t *testing.T) {
	p := newPlainParam("w", tensor.Float16, 1)
	base := optim.NewSGD([]*optim.ParamGroup{{Params: []*param.Parameter{p}}}, optim.SGDConfig{LR: 1})
	cfg := testConfig(2)
	cfg.CPUOffload = true
	opt, err := New(base, nil, cfg, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, tensor.CPU, opt.Master(p).Device())

	opt.Backward(&linearLoss{p: p, coef: []float32{0.25}})
	_, ok := opt.Step()
	require.True(t, ok)
	assert.Equal(t, tensor.CPU, opt.Master(p).Device())
	assert.Equal(t, tensor.CUDA, p.Data().Device())
	assert.Equal(t, float32(0.75), p.Data().At(0))
}

func TestMetricsAndLogging(t *testing.T) {
	reg := prometheus.NewRegistry()
	var buf bytes.Buffer
	cfg := testConfig(8)
	cfg.Rank = 3
	cfg.Metrics = NewMetrics(reg, 3)
	cfg.Logger = slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	p := newPlainParam("w", tensor.Float16, 1)
	base := optim.NewSGD([]*optim.ParamGroup{{Params: []*param.Parameter{p}}}, optim.SGDConfig{})
	opt, err := New(base, nil, cfg, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, 8.0, testutil.ToFloat64(cfg.Metrics.LossScale))

	opt.Backward(&linearLoss{p: p, coef: []float32{float32(math.Inf(1))}})
	opt.Step()
	opt.Backward(&linearLoss{p: p, coef: []float32{1}})
	opt.Step()

	assert.Equal(t, 2.0, testutil.ToFloat64(cfg.Metrics.Steps))
	assert.Equal(t, 1.0, testutil.ToFloat64(cfg.Metrics.SkippedSteps))
	assert.Equal(t, 4.0, testutil.ToFloat64(cfg.Metrics.LossScale))
	assert.Equal(t, 1, testutil.CollectAndCount(cfg.Metrics.OverflowCheckTimes))

	logs := buf.String()
	assert.Contains(t, logs, "skipping step after gradient overflow")
	assert.Contains(t, logs, "loss scale changed")
	assert.Contains(t, logs, "rank=3")
}

func TestOverflowConsensus(t *testing.T) {
	const dpSize, mpSize = 2, 3
	const steps = 3
	const nanRank, nanStep = 4, 1

	loop := simulator.NewEventLoop()
	nodes := simulator.NewNodes(dpSize * mpSize)
	network := simulator.NewFabricNetwork(1e6, 0.001)

	stepped := make([][]bool, len(nodes))
	scales := make([]float64, len(nodes))
	finals := make([][]float32, len(nodes))
	collcomm.SpawnGrid(loop, network, nodes, dpSize, func(r *collcomm.Rank) {
		p := newPlainParam("w", tensor.Float16, 1, 2)
		base := optim.NewSGD([]*optim.ParamGroup{{Params: []*param.Parameter{p}}}, optim.SGDConfig{LR: 0.5})
		cfg := testConfig(64)
		cfg.Rank = r.Index
		opt, err := New(base, nil, cfg,
			allreduce.NewGroup(r.DataParallel, allreduce.TreeAllreducer{}),
			allreduce.NewGroup(r.ModelParallel, allreduce.StreamAllreducer{}))
		if !assert.NoError(t, err) {
			return
		}
		for step := 0; step < steps; step++ {
			coef := []float32{1, 1}
			if r.Index == nanRank && step == nanStep {
				coef[1] = float32(math.NaN())
			}
			opt.Backward(&linearLoss{p: p, coef: coef})
			_, ok := opt.Step()
			opt.ZeroGrad()
			stepped[r.Index] = append(stepped[r.Index], ok)
		}
		scales[r.Index] = opt.LossScale()
		finals[r.Index] = p.Data().Float32s()
	})
	require.NoError(t, loop.Run())

	for i := range nodes {
		assert.Equal(t, []bool{true, false, true}, stepped[i], "rank %d", i)
		assert.Equal(t, 32.0, scales[i], "rank %d", i)
		assert.Equal(t, []float32{0, 1}, finals[i], "rank %d", i)
	}
}
