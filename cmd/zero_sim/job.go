package main

import (
	"log/slog"
	"strings"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/unixpickle/zero-optim/collcomm"
	"github.com/unixpickle/zero-optim/collcomm/allreduce"
	"github.com/unixpickle/zero-optim/optim"
	"github.com/unixpickle/zero-optim/simulator"
	"github.com/unixpickle/zero-optim/tensor"
	"github.com/unixpickle/zero-optim/zero"
)

// JobConfig describes a simulated training job.
type JobConfig struct {
	DataParallel  int     `mapstructure:"data_parallel"`
	ModelParallel int     `mapstructure:"model_parallel"`
	Features      int     `mapstructure:"features"`
	BatchSize     int     `mapstructure:"batch_size"`
	Steps         int     `mapstructure:"steps"`
	Seed          int64   `mapstructure:"seed"`
	Noise         float64 `mapstructure:"noise"`

	Optimizer string  `mapstructure:"optimizer"`
	LR        float32 `mapstructure:"lr"`
	Momentum  float32 `mapstructure:"momentum"`
	ClipNorm  float64 `mapstructure:"clip_norm"`
	Half      bool    `mapstructure:"half"`
	Shard     bool    `mapstructure:"shard"`

	Reducer  string  `mapstructure:"reducer"`
	Rate     float64 `mapstructure:"rate"`
	Latency  float64 `mapstructure:"latency"`
	NaNStep  int     `mapstructure:"nan_step"`
	NaNRank  int     `mapstructure:"nan_rank"`
	LogEvery int     `mapstructure:"log_every"`

	Zero zero.Config `mapstructure:"zero"`
}

// DefaultJobConfig returns a small job with two-way data
// and model parallelism.
func DefaultJobConfig() JobConfig {
	return JobConfig{
		DataParallel:  2,
		ModelParallel: 2,
		Features:      16,
		BatchSize:     32,
		Steps:         200,
		Seed:          1337,
		Noise:         0.01,
		Optimizer:     "adam",
		LR:            0.05,
		ClipNorm:      10,
		Half:          true,
		Shard:         true,
		Reducer:       "tree",
		Rate:          1e9,
		Latency:       1e-4,
		NaNStep:       -1,
		NaNRank:       0,
		LogEvery:      20,
		Zero:          zero.DefaultConfig(),
	}
}

// Validate checks the job layout and optimizer settings.
func (j JobConfig) Validate() error {
	if j.DataParallel < 1 || j.ModelParallel < 1 {
		return errors.Errorf("invalid grid %dx%d", j.DataParallel, j.ModelParallel)
	}
	if j.Features < j.ModelParallel {
		return errors.Errorf("%d features cannot be split %d ways", j.Features, j.ModelParallel)
	}
	if j.BatchSize < 1 || j.Steps < 0 {
		return errors.New("batch size must be positive and steps non-negative")
	}
	if j.NaNStep >= 0 && (j.NaNRank < 0 || j.NaNRank >= j.DataParallel*j.ModelParallel) {
		return errors.Errorf("nan rank %d is not in the job", j.NaNRank)
	}
	if _, err := newReducer(j.Reducer); err != nil {
		return err
	}
	switch strings.ToLower(j.Optimizer) {
	case "sgd", "adam":
	default:
		return errors.Errorf("unknown optimizer: %s", j.Optimizer)
	}
	return errors.Wrap(j.Zero.Validate(), "zero config")
}

func newReducer(name string) (allreduce.Allreducer, error) {
	switch strings.ToLower(name) {
	case "naive":
		return allreduce.NaiveAllreducer{}, nil
	case "tree":
		return allreduce.TreeAllreducer{}, nil
	case "stream":
		return allreduce.StreamAllreducer{}, nil
	default:
		return nil, errors.Errorf("unknown reducer: %s", name)
	}
}

// RankResult summarizes one rank's run.
type RankResult struct {
	Rank      int
	Losses    []float32
	Skipped   int
	LossScale float64
	Weights   []float32
}

// RunJob simulates the job and returns a result per rank,
// along with the virtual time it took.
func RunJob(cfg JobConfig, logger *slog.Logger, reg prometheus.Registerer) ([]*RankResult, float64, error) {
	if err := cfg.Validate(); err != nil {
		return nil, 0, err
	}
	reducer, _ := newReducer(cfg.Reducer)
	dtype := tensor.Float32
	if cfg.Half {
		dtype = tensor.Float16
	}
	data := newDataset(cfg.Seed, cfg.Features, cfg.Noise)

	loop := simulator.NewEventLoop()
	nodes := simulator.NewNodes(cfg.DataParallel * cfg.ModelParallel)
	network := simulator.NewFabricNetwork(cfg.Rate, cfg.Latency)

	results := make([]*RankResult, len(nodes))
	errs := make([]error, len(nodes))
	collcomm.SpawnGrid(loop, network, nodes, cfg.DataParallel, func(r *collcomm.Rank) {
		results[r.Index], errs[r.Index] = runRank(r, cfg, reducer, dtype, data, logger, reg)
	})
	if err := loop.Run(); err != nil {
		return nil, loop.Time(), errors.Wrap(err, "run simulation")
	}
	for _, err := range errs {
		if err != nil {
			return nil, loop.Time(), err
		}
	}
	return results, loop.Time(), nil
}

func runRank(r *collcomm.Rank, cfg JobConfig, reducer allreduce.Allreducer, dtype tensor.DType,
	data *dataset, logger *slog.Logger, reg prometheus.Registerer) (*RankResult, error) {
	dp := allreduce.NewGroup(r.DataParallel, reducer)
	mp := allreduce.NewGroup(r.ModelParallel, reducer)
	model := newLinearModel(r, dp, mp, cfg.Features, dtype, cfg.Shard)

	groups := []*optim.ParamGroup{{Params: model.Parameters()}}
	var base optim.Optimizer
	if strings.ToLower(cfg.Optimizer) == "sgd" {
		base = optim.NewSGD(groups, optim.SGDConfig{LR: cfg.LR, Momentum: cfg.Momentum})
	} else {
		base = optim.NewAdam(groups, optim.AdamConfig{LR: cfg.LR})
	}

	zcfg := cfg.Zero
	zcfg.Rank = r.Index
	zcfg.Logger = logger
	if reg != nil {
		zcfg.Metrics = zero.NewMetrics(reg, r.Index)
	}

	var wrapped zero.Module = plainModel{model: model}
	if cfg.Shard {
		wrapped = model
	}
	opt, err := zero.New(base, wrapped, zcfg, dp, mp)
	if err != nil {
		// Every rank fails identically at construction, so
		// no rank is left waiting in a collective.
		return nil, errors.Wrapf(err, "rank %d", r.Index)
	}

	res := &RankResult{Rank: r.Index}
	for step := 0; step < cfg.Steps; step++ {
		xs, ys := data.Batch(r.DataParallel.Index(), step, cfg.BatchSize)
		loss := model.Forward(xs, ys)
		loss.poison = step == cfg.NaNStep && r.Index == cfg.NaNRank
		res.Losses = append(res.Losses, loss.Value())

		opt.Backward(loss)
		if cfg.ClipNorm > 0 {
			opt.ClipGradNorm(wrapped, cfg.ClipNorm)
		}
		if _, ok := opt.Step(); !ok {
			res.Skipped++
		}
		opt.ZeroGrad()

		if r.Index == 0 && cfg.LogEvery > 0 && step%cfg.LogEvery == 0 {
			logger.Info("step", "step", step, "loss", loss.Value(), "loss_scale", opt.LossScale(),
				"state", opt.State())
		}
	}
	res.LossScale = opt.LossScale()
	res.Weights = model.weights.Data().Float32s()
	return res, nil
}
