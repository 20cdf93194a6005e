package main

import (
	"fmt"
	"strconv"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/unixpickle/zero-optim/collcomm"
	"github.com/unixpickle/zero-optim/collcomm/allreduce"
	"github.com/unixpickle/zero-optim/optim"
	"github.com/unixpickle/zero-optim/overflow"
	"github.com/unixpickle/zero-optim/simulator"
)

// RunInfo describes a specific network configuration.
type RunInfo struct {
	DataParallel  int
	ModelParallel int
	Latency       float64
	Rate          float64
}

// Run creates a network and drops each rank into its own
// Goroutine.
func (r *RunInfo) Run(loop *simulator.EventLoop, rankFn func(r *collcomm.Rank)) error {
	nodes := simulator.NewNodes(r.DataParallel * r.ModelParallel)
	network := simulator.NewFabricNetwork(r.Rate, r.Latency)
	collcomm.SpawnGrid(loop, network, nodes, r.DataParallel, rankFn)
	return loop.Run()
}

func newBenchCommand() *cobra.Command {
	var sizes []int
	cmd := &cobra.Command{
		Use:   "bench",
		Short: "Print the virtual time of gradient allreduces and overflow checks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBench(sizes)
		},
	}
	cmd.Flags().IntSliceVar(&sizes, "sizes", []int{10, 10000, 1000000}, "gradient vector sizes")
	return cmd
}

func runBench(sizes []int) error {
	reducers := []allreduce.Allreducer{
		allreduce.NaiveAllreducer{},
		allreduce.TreeAllreducer{},
		allreduce.StreamAllreducer{},
	}
	reducerNames := []string{"Naive", "Tree", "Stream"}
	runs := []RunInfo{
		{DataParallel: 2, ModelParallel: 1, Latency: 0.1, Rate: 1e6},
		{DataParallel: 8, ModelParallel: 2, Latency: 1e-3, Rate: 1e6},
		{DataParallel: 16, ModelParallel: 2, Latency: 0.1, Rate: 1e9},
		{DataParallel: 8, ModelParallel: 4, Latency: 1e-4, Rate: 1e9},
	}

	// Markdown table header.
	fmt.Print("| Grid | Latency | NIC rate | Size ")
	for _, reducerName := range reducerNames {
		fmt.Printf("| %s | %s check ", reducerName, reducerName)
	}
	fmt.Println("|")
	for i := 0; i < 4+2*len(reducers); i++ {
		fmt.Print("|:--")
	}
	fmt.Println("|")

	// Markdown table body.
	for _, runInfo := range runs {
		for _, size := range sizes {
			fmt.Printf(
				"| %dx%d | %s | %s | %d ",
				runInfo.DataParallel,
				runInfo.ModelParallel,
				strconv.FormatFloat(runInfo.Latency, 'f', -1, 64),
				strconv.FormatFloat(runInfo.Rate, 'E', -1, 64),
				size,
			)
			for _, reducer := range reducers {
				gradTime, err := benchGradients(runInfo, reducer, size)
				if err != nil {
					return err
				}
				checkTime, err := benchOverflowCheck(runInfo, reducer)
				if err != nil {
					return err
				}
				fmt.Printf("| %f | %f ", gradTime, checkTime)
			}
			fmt.Println("|")
		}
	}
	return nil
}

// benchGradients times a data-parallel gradient
// allreduce of the given size.
func benchGradients(runInfo RunInfo, reducer allreduce.Allreducer, size int) (float64, error) {
	loop := simulator.NewEventLoop()
	err := runInfo.Run(loop, func(r *collcomm.Rank) {
		vec := make([]float64, size)
		allreduce.NewGroup(r.DataParallel, reducer).Allreduce(vec, FakeReduce)
	})
	return loop.Time(), errors.Wrap(err, "gradient benchmark")
}

// benchOverflowCheck times one two-stage overflow check.
func benchOverflowCheck(runInfo RunInfo, reducer allreduce.Allreducer) (float64, error) {
	loop := simulator.NewEventLoop()
	err := runInfo.Run(loop, func(r *collcomm.Rank) {
		d := overflow.NewDetector(
			allreduce.NewGroup(r.DataParallel, reducer),
			allreduce.NewGroup(r.ModelParallel, reducer),
		)
		d.Check([]*optim.ParamGroup{})
	})
	return loop.Time(), errors.Wrap(err, "overflow check benchmark")
}

// FakeReduce is a ReduceFn that takes no actual CPU time.
func FakeReduce(h *simulator.Handle, vecs ...[]float64) []float64 {
	if h != nil {
		h.Sleep(collcomm.FlopTime * float64(len(vecs)*len(vecs[0])))
	}
	return make([]float64, len(vecs[0]))
}
