package engine_test

import (
	"context"
	"fmt"

	"github.com/openfroyo/benchlab/pkg/engine"
)

// Example demonstrates running a subset of the pipeline steps.
func Example_pipeline() {
	p := engine.NewPipeline("demo", nil)
	for _, name := range engine.KnownSteps {
		_ = p.AddStep(name, func(context.Context) error {
			fmt.Println("running", name)
			return nil
		})
	}

	result, err := p.RunSteps(context.Background(), engine.StepFetch, engine.StepReport)
	if err != nil {
		fmt.Println("error:", err)
		return
	}
	fmt.Println("build:", result.Status(engine.StepBuild))
	fmt.Println("report:", result.Status(engine.StepReport))

	// Output:
	// running fetch
	// running report
	// build: pending
	// report: succeeded
}

// ExampleExperiment_BuildUnits shows how an experiment expands into run units.
func ExampleExperiment_BuildUnits() {
	exp := &engine.Experiment{
		ID:      "demo",
		Path:    "/tmp/demo",
		NumRuns: 2,
		Algorithms: []engine.AlgorithmConfig{
			{Name: "prost", Command: []string{"prost", "{problem}", "-s", "{seed}"}},
		},
		Suites: []engine.Suite{{
			ID:       "ipc2014",
			Domain:   "wildfire",
			Problems: []engine.ProblemInstance{{Instance: "inst_1", Path: "wildfire_1.rddl"}},
		}},
	}

	units, err := exp.BuildUnits()
	if err != nil {
		fmt.Println("error:", err)
		return
	}
	for _, u := range units {
		fmt.Println(u.ID, u.Command)
	}

	// Output:
	// prost:wildfire:inst_1:0 [prost wildfire_1.rddl -s 0]
	// prost:wildfire:inst_1:1 [prost wildfire_1.rddl -s 1]
}
