// Package config loads benchmark experiment definitions.
//
// # Overview
//
// An experiment can be written in three formats. Every format decodes into
// the same Experiment document, which ToEngine resolves into the
// engine.Experiment the pipeline runs.
//
//   - CUE (*.cue or a CUE package directory): the top-level "experiment"
//     field is unified with the built-in #Experiment schema. Errors carry
//     file:line:column positions.
//   - Starlark (*.star): an imperative script calling builtins. Execution is
//     bounded by a timeout and a step budget.
//   - YAML (*.yaml, *.yml): the document itself is the experiment.
//
// Durations (time_per_step, time_limit) are written in seconds and memory
// limits in MiB. Relative paths are resolved against the directory of the
// experiment file.
//
// # CUE Example
//
//	experiment: {
//	    name:          "ippc"
//	    path:          "results/ippc"
//	    num_runs:      5
//	    time_per_step: 1
//	    memory_limit:  2048
//	    algorithms: [{
//	        name:    "prost"
//	        repo:    "https://github.com/prost-planner/prost.git"
//	        rev:     "v1.0"
//	        config:  "IPC2014"
//	        build_command: ["./build.py"]
//	        build_options: ["-j6"]
//	        command: ["{build_dir}/prost", "{problem}", "[{config}]", "-se", "{seed}"]
//	    }]
//	    suites: [{
//	        id:            "ipc2014"
//	        domain:        "wildfire"
//	        path_template: "benchmarks/{domain}/{instance}.rddl"
//	        steps:         40
//	        instances:     ["inst_1", "inst_2"]
//	    }]
//	    reports: [{output: "ipc.html"}]
//	}
//
// # Starlark Builtins
//
//	experiment(name, path, num_runs=1, time_per_step=, time_limit=, memory_limit=, parallelism=)
//	add_algorithm(name, repo="", rev="", config="", build_options=[], build_command=[], command=[])
//	add_suite(id, domain, instances=[], path_template="", steps=0, problems=[])
//	add_parser(name)
//	local_environment(processes=4)
//	slurm_environment(partition, email="", qos="", extra_options=[], setup="", remote_dir="", ssh={})
//	set_scoring(floor=0, floor_algorithms=[], floors={})
//	add_report(output, kind="absolute", attributes=[], filter_algorithm=[], filter_domain=[], ...)
//	add_parse_again_step()
//
// Keyword arguments use the same names as the CUE and YAML fields.
package config
