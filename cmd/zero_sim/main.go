// Command zero_sim runs a mixed-precision training job on
// a simulated cluster.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/unixpickle/essentials"
)

func main() {
	essentials.Must(newRootCommand().Execute())
}

func newRootCommand() *cobra.Command {
	v := viper.New()
	var configFile string
	var logLevel string

	root := &cobra.Command{
		Use:           "zero_sim",
		Short:         "Simulate sharded mixed-precision training",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if configFile == "" {
				return nil
			}
			v.SetConfigFile(configFile)
			return errors.Wrap(v.ReadInConfig(), "read config")
		},
	}
	root.PersistentFlags().StringVar(&configFile, "config", "", "YAML config file")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")

	train := &cobra.Command{
		Use:   "train",
		Short: "Train a linear regression model on a data x model parallel grid",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := newLogger(logLevel)
			if err != nil {
				return err
			}
			cfg, err := loadJobConfig(v)
			if err != nil {
				return err
			}
			return runTrain(cfg, logger)
		},
	}
	addJobFlags(train, v)
	root.AddCommand(train)
	root.AddCommand(newBenchCommand())
	return root
}

func newLogger(level string) (*slog.Logger, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(level)); err != nil {
		return nil, errors.Wrap(err, "parse log level")
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: l})), nil
}

func addJobFlags(cmd *cobra.Command, v *viper.Viper) {
	d := DefaultJobConfig()
	flags := cmd.Flags()
	flags.Int("data-parallel", d.DataParallel, "processes per data-parallel group")
	flags.Int("model-parallel", d.ModelParallel, "processes per model-parallel group")
	flags.Int("features", d.Features, "number of input features")
	flags.Int("batch-size", d.BatchSize, "rows per batch and replica")
	flags.Int("steps", d.Steps, "number of optimizer steps")
	flags.Int64("seed", d.Seed, "dataset seed")
	flags.Float64("noise", d.Noise, "label noise")
	flags.String("optimizer", d.Optimizer, "base optimizer (sgd, adam)")
	flags.Float32("lr", d.LR, "learning rate")
	flags.Float32("momentum", d.Momentum, "SGD momentum")
	flags.Float64("clip-norm", d.ClipNorm, "gradient norm limit (0 disables clipping)")
	flags.Bool("half", d.Half, "keep working parameters in float16")
	flags.Bool("shard", d.Shard, "shard parameters over the data-parallel group")
	flags.String("reducer", d.Reducer, "allreduce algorithm (naive, tree, stream)")
	flags.Float64("rate", d.Rate, "NIC rate in bytes per second")
	flags.Float64("latency", d.Latency, "maximum random network latency")
	flags.Int("nan-step", d.NaNStep, "step at which to inject a NaN gradient (-1 disables)")
	flags.Int("nan-rank", d.NaNRank, "rank that sees the NaN gradient")
	flags.Int("log-every", d.LogEvery, "steps between progress logs")
	flags.Float64("initial-scale", d.Zero.InitialScale, "initial loss scale")
	flags.Int("growth-interval", d.Zero.GrowthInterval, "clean steps per loss scale growth")
	flags.Bool("cpu-offload", d.Zero.CPUOffload, "keep master parameters on the CPU")

	for _, name := range []string{"initial-scale", "growth-interval", "cpu-offload"} {
		essentials.Must(v.BindPFlag("zero."+flagKey(name), flags.Lookup(name)))
	}
	for _, name := range []string{
		"data-parallel", "model-parallel", "features", "batch-size", "steps", "seed", "noise",
		"optimizer", "lr", "momentum", "clip-norm", "half", "shard", "reducer", "rate", "latency",
		"nan-step", "nan-rank", "log-every",
	} {
		essentials.Must(v.BindPFlag(flagKey(name), flags.Lookup(name)))
	}
}

func flagKey(name string) string {
	return strings.ReplaceAll(name, "-", "_")
}

func loadJobConfig(v *viper.Viper) (JobConfig, error) {
	cfg := DefaultJobConfig()
	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, errors.Wrap(err, "decode config")
	}
	return cfg, cfg.Validate()
}

func runTrain(cfg JobConfig, logger *slog.Logger) error {
	reg := prometheus.NewRegistry()
	results, virtualTime, err := RunJob(cfg, logger, reg)
	if err != nil {
		return err
	}

	first := results[0]
	fmt.Printf("simulated time: %.6fs\n", virtualTime)
	fmt.Printf("steps: %d, skipped: %d, final loss scale: %g\n", cfg.Steps, first.Skipped, first.LossScale)
	if n := len(first.Losses); n > 0 {
		fmt.Printf("loss: %.6f -> %.6f\n", first.Losses[0], first.Losses[n-1])
	}
	for _, res := range results[1:] {
		if res.Skipped != first.Skipped || res.LossScale != first.LossScale {
			return errors.Errorf("rank %d diverged from rank 0", res.Rank)
		}
	}
	return printMetrics(reg)
}

func printMetrics(reg *prometheus.Registry) error {
	families, err := reg.Gather()
	if err != nil {
		return errors.Wrap(err, "gather metrics")
	}
	sort.Slice(families, func(i, j int) bool {
		return families[i].GetName() < families[j].GetName()
	})
	for _, family := range families {
		var total float64
		for _, m := range family.GetMetric() {
			switch {
			case m.GetCounter() != nil:
				total += m.GetCounter().GetValue()
			case m.GetGauge() != nil:
				total = max(total, m.GetGauge().GetValue())
			case m.GetHistogram() != nil:
				total += float64(m.GetHistogram().GetSampleCount())
			}
		}
		fmt.Printf("%s (%d ranks): %g\n", family.GetName(), len(family.GetMetric()), total)
	}
	return nil
}
