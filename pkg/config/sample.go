package config

// SampleFileName is the experiment file written by "benchlab init".
const SampleFileName = "experiment.cue"

// SampleCUE is a complete example experiment.
const SampleCUE = `// Benchmark experiment. Run "benchlab validate experiment.cue" after editing.
experiment: {
	name:          "sample"
	path:          "results/sample"
	num_runs:      3
	time_per_step: 1
	time_limit:    300
	memory_limit:  2048

	algorithms: [{
		name:    "planner"
		command: ["./planner", "{problem}", "--seed", "{seed}", "--time-per-step", "{time_per_step}"]
	}, {
		name:    "random"
		command: ["./planner", "{problem}", "--random", "--seed", "{seed}"]
	}]

	suites: [{
		id:            "demo"
		domain:        "navigation"
		path_template: "benchmarks/{domain}/{instance}.rddl"
		steps:         40
		instances: ["inst_1", "inst_2", "inst_3"]
	}]

	environment: {
		kind: "local"
		local: processes: 4
	}

	parsers: ["reward"]
	scoring: floor_algorithms: ["random"]

	reports: [{
		output: "ipc.html"
	}, {
		output: "ipc.csv"
	}, {
		kind:             "scatter"
		attributes:       [{name: "average_reward"}]
		filter_algorithm: ["random", "planner"]
		output:           "random-vs-planner.png"
	}]
}
`
