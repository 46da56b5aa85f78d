package config

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
)

// SchemaRegistry manages CUE schemas for validation.
type SchemaRegistry struct {
	ctx     *cue.Context
	schemas map[string]cue.Value
	mu      sync.RWMutex
}

// NewSchemaRegistry creates a new schema registry with built-in schemas.
func NewSchemaRegistry() *SchemaRegistry {
	sr := &SchemaRegistry{
		ctx:     cuecontext.New(),
		schemas: make(map[string]cue.Value),
	}
	sr.registerBuiltInSchemas()
	return sr
}

// schemaFile is the file name positions in the built-in schemas report.
const schemaFile = "benchlab/schema.cue"

// Built-in schema names. Each is the definition of the same name inside
// builtinSchemas.
var builtinSchemaNames = map[string]string{
	"experiment":  "#Experiment",
	"algorithm":   "#Algorithm",
	"suite":       "#Suite",
	"problem":     "#Problem",
	"environment": "#Environment",
	"report":      "#Report",
}

func (sr *SchemaRegistry) registerBuiltInSchemas() {
	root := sr.ctx.CompileString(builtinSchemas, cue.Filename(schemaFile))
	if err := root.Err(); err != nil {
		panic(fmt.Sprintf("built-in schemas do not compile: %v", err))
	}
	for name, def := range builtinSchemaNames {
		sr.schemas[name] = root.LookupPath(cue.ParsePath(def))
	}
}

// RegisterSchema registers a CUE schema with the given name. The schema
// source must evaluate to the constraint itself.
func (sr *SchemaRegistry) RegisterSchema(name, schema string) error {
	sr.mu.Lock()
	defer sr.mu.Unlock()

	val := sr.ctx.CompileString(schema)
	if err := val.Err(); err != nil {
		return fmt.Errorf("failed to compile schema %s: %w", name, err)
	}

	sr.schemas[name] = val
	return nil
}

// GetSchema retrieves a schema by name.
func (sr *SchemaRegistry) GetSchema(name string) (cue.Value, bool) {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	val, ok := sr.schemas[name]
	return val, ok
}

// ValidateAgainstSchema validates Go data against a named schema.
func (sr *SchemaRegistry) ValidateAgainstSchema(_ context.Context, schemaName string, data interface{}) error {
	dataVal := sr.ctx.Encode(data)
	if err := dataVal.Err(); err != nil {
		return fmt.Errorf("failed to encode data: %w", err)
	}

	return sr.Check(schemaName, dataVal)
}

// Check unifies a CUE value with a named schema and requires the result to
// be concrete.
func (sr *SchemaRegistry) Check(schemaName string, val cue.Value) error {
	schema, ok := sr.GetSchema(schemaName)
	if !ok {
		return fmt.Errorf("schema %s not found", schemaName)
	}
	unified := schema.Unify(val)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}
	return nil
}

// Unify returns val constrained by the named schema without validating it.
func (sr *SchemaRegistry) Unify(schemaName string, val cue.Value) (cue.Value, error) {
	schema, ok := sr.GetSchema(schemaName)
	if !ok {
		return cue.Value{}, fmt.Errorf("schema %s not found", schemaName)
	}
	return schema.Unify(val), nil
}

// ListSchemas returns all registered schema names, sorted.
func (sr *SchemaRegistry) ListSchemas() []string {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	names := make([]string, 0, len(sr.schemas))
	for name := range sr.schemas {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

const builtinSchemas = `
#Name: string & =~"^[a-zA-Z0-9_.+-]+$"

#Experiment: {
	id?:            #Name
	name:           #Name
	path:           string & !=""
	num_runs:       int & >=1 | *1
	time_per_step?: number & >=0
	time_limit?:    number & >=0
	memory_limit?:  int & >=0
	parallelism?:   int & >=0

	algorithms: [#Algorithm, ...#Algorithm]
	suites:     [#Suite, ...#Suite]

	environment?: #Environment
	parsers?: [...(#Parser)]
	patterns?: [...{
		attribute: string
		regexp:    string
		list?:     bool
	}]
	parse_again?: bool
	scoring?: {
		floor?: number
		floors?: {[string]: number}
		floor_algorithms?: [...string]
	}
	reports?: [...#Report]
	policies?: [...string]
}

#Algorithm: {
	name:           #Name
	repo?:          string
	rev?:           string
	config?:        string
	build_command?: [...string]
	build_options?: [...string]
	command: [string, ...string]
}

#Problem: {
	instance:      string & !=""
	path?:         string
	steps?:        int & >=0
	time_limit?:   number & >=0
	memory_limit?: int & >=0
}

#Suite: {
	id:             string & !=""
	domain:         string & !=""
	path_template?: string
	steps?:         int & >=0
	instances?: [...string]
	problems?: [...#Problem]
}

#Parser: "reward" | "json" | =~"^wasm:.+"

#Environment: {
	kind: *"local" | "slurm"
	local?: processes?: int & >=0
	slurm?: {
		partition?:     string
		qos?:           string
		email?:         string
		mail_type?:     string
		cpus_per_task?: int & >=0
		extra_options?: [...string]
		setup?:         string
		remote_dir?:    string
		ssh?: {...}
		...
	}
	if kind == "slurm" {
		slurm: partition: string & !=""
	}
}

#Report: {
	name?: string
	kind?: "absolute" | "scatter"
	attributes?: [...{
		name:      string
		min_wins?: bool
	}]
	filter_algorithm?: [...string]
	filter_domain?: [...string]
	filter_rego?:      string
	filter_rego_file?: string
	xscale?:           "linear" | "log"
	yscale?:           "linear" | "log"
	category?:         string
	format?:           "html" | "csv" | "json" | "dat"
	output:            string & !=""
}
`

// ValidateExperiment validates an experiment against the experiment schema.
func (sr *SchemaRegistry) ValidateExperiment(ctx context.Context, exp *Experiment) error {
	return sr.ValidateAgainstSchema(ctx, "experiment", exp)
}

// ValidateReport validates a report against the report schema.
func (sr *SchemaRegistry) ValidateReport(ctx context.Context, report interface{}) error {
	return sr.ValidateAgainstSchema(ctx, "report", report)
}
