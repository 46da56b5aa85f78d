package config

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"

	"github.com/openfroyo/benchlab/pkg/engine"
	"github.com/openfroyo/benchlab/pkg/environments"
	"github.com/openfroyo/benchlab/pkg/reports"
)

// DefaultStarlarkTimeout bounds the execution of an experiment script.
const DefaultStarlarkTimeout = 30 * time.Second

const maxScriptSteps = 1 << 28

// StarlarkEvaluator executes experiment scripts. A script describes the
// experiment imperatively through the builtins experiment, add_algorithm,
// add_suite, add_parser, local_environment, slurm_environment, set_scoring,
// add_report and add_parse_again_step.
type StarlarkEvaluator struct {
	timeout time.Duration
}

// NewStarlarkEvaluator creates a new Starlark evaluator.
func NewStarlarkEvaluator(timeout time.Duration) *StarlarkEvaluator {
	if timeout == 0 {
		timeout = DefaultStarlarkTimeout
	}
	return &StarlarkEvaluator{
		timeout: timeout,
	}
}

// EvaluateFile executes the script at path. Relative paths in the script
// are resolved against the script's directory. Control flow (for, if) must
// live inside functions.
func (se *StarlarkEvaluator) EvaluateFile(ctx context.Context, path string, vars map[string]interface{}) (*Experiment, error) {
	script, err := os.ReadFile(path)
	if err != nil {
		return nil, engine.NewConfigError(fmt.Sprintf("failed to read %s", path), err)
	}
	exp, err := se.Evaluate(ctx, path, string(script), vars)
	if err != nil {
		return nil, err
	}
	exp.BaseDir = baseDir(path)
	return exp, nil
}

// Evaluate executes a script. vars are predeclared as global names.
func (se *StarlarkEvaluator) Evaluate(ctx context.Context, filename, script string, vars map[string]interface{}) (*Experiment, error) {
	ctx, cancel := context.WithTimeout(ctx, se.timeout)
	defer cancel()

	thread := &starlark.Thread{
		Name:  "experiment",
		Print: func(*starlark.Thread, string) {},
	}
	thread.SetMaxExecutionSteps(maxScriptSteps)
	stop := context.AfterFunc(ctx, func() { thread.Cancel(ctx.Err().Error()) })
	defer stop()

	b := &scriptBuilder{exp: NewExperiment()}
	predeclared := b.builtins()
	predeclared["struct"] = starlark.NewBuiltin("struct", starlarkstruct.Make)
	for key, val := range vars {
		sv, err := toStarlarkValue(val)
		if err != nil {
			return nil, engine.NewConfigError(fmt.Sprintf("failed to convert variable %s", key), err)
		}
		predeclared[key] = sv
	}

	if _, err := starlark.ExecFile(thread, filename, script, predeclared); err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, engine.NewConfigError(fmt.Sprintf("starlark execution timeout after %v", se.timeout), err).
				WithCode(engine.ErrCodeTimeout)
		}
		var evalErr *starlark.EvalError
		if errors.As(err, &evalErr) {
			return nil, engine.NewConfigError("starlark execution failed", err).
				WithCode(engine.ErrCodeValidation).
				WithDetail("backtrace", evalErr.Backtrace())
		}
		return nil, engine.NewConfigError("starlark execution failed", err).WithCode(engine.ErrCodeValidation)
	}

	if !b.defined {
		return nil, engine.NewConfigError(fmt.Sprintf("%s never calls experiment()", filename), nil).
			WithCode(engine.ErrCodeValidation)
	}
	return b.exp, nil
}

// scriptBuilder accumulates the experiment while a script runs.
type scriptBuilder struct {
	exp     *Experiment
	defined bool
}

func (b *scriptBuilder) builtins() starlark.StringDict {
	return starlark.StringDict{
		"experiment": b.builtin("experiment", []string{"name", "path", "num_runs"}, func(args map[string]interface{}) error {
			if b.defined {
				return fmt.Errorf("experiment already defined")
			}
			b.defined = true
			return decodeArgs(args, b.exp)
		}),
		"add_algorithm": b.builtin("add_algorithm", []string{"name", "repo", "rev", "config", "build_options"}, func(args map[string]interface{}) error {
			var a AlgorithmSpec
			if err := decodeArgs(args, &a); err != nil {
				return err
			}
			b.exp.Algorithms = append(b.exp.Algorithms, a)
			return nil
		}),
		"add_suite": b.builtin("add_suite", []string{"id", "domain", "instances", "path_template", "steps"}, func(args map[string]interface{}) error {
			var s SuiteSpec
			if err := decodeArgs(args, &s); err != nil {
				return err
			}
			b.exp.Suites = append(b.exp.Suites, s)
			return nil
		}),
		"add_parser": b.builtin("add_parser", []string{"name"}, func(args map[string]interface{}) error {
			name, ok := args["name"].(string)
			if !ok || name == "" {
				return fmt.Errorf("parser name must be a non-empty string")
			}
			b.exp.Parsers = append(b.exp.Parsers, name)
			return nil
		}),
		"local_environment": b.builtin("local_environment", []string{"processes"}, func(args map[string]interface{}) error {
			local := environments.LocalConfig{Processes: engine.DefaultParallelism}
			if err := decodeArgs(args, &local); err != nil {
				return err
			}
			b.exp.Environment.Kind = environments.KindLocal
			b.exp.Environment.Local = local
			return nil
		}),
		"slurm_environment": b.builtin("slurm_environment", []string{"partition", "email", "qos", "extra_options"}, func(args map[string]interface{}) error {
			slurm := environments.DefaultConfig().Slurm
			if err := decodeArgs(args, &slurm); err != nil {
				return err
			}
			b.exp.Environment.Kind = environments.KindSlurm
			b.exp.Environment.Slurm = slurm
			return nil
		}),
		"set_scoring": b.builtin("set_scoring", []string{"floor", "floor_algorithms"}, func(args map[string]interface{}) error {
			return decodeArgs(args, &b.exp.Scoring)
		}),
		"add_report": b.builtin("add_report", []string{"output", "kind", "attributes"}, func(args map[string]interface{}) error {
			if attrs, ok := args["attributes"].([]interface{}); ok {
				args["attributes"] = reportAttributes(attrs)
			}
			var spec reports.Spec
			if err := decodeArgs(args, &spec); err != nil {
				return err
			}
			b.exp.Reports = append(b.exp.Reports, spec)
			return nil
		}),
		"add_parse_again_step": b.builtin("add_parse_again_step", nil, func(map[string]interface{}) error {
			b.exp.ParseAgain = true
			return nil
		}),
	}
}

// builtin wraps apply as a starlark builtin. Positional arguments are bound
// to params in order; keyword arguments use the file format's field names.
func (b *scriptBuilder) builtin(name string, params []string, apply func(map[string]interface{}) error) *starlark.Builtin {
	return starlark.NewBuiltin(name, func(_ *starlark.Thread, _ *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		if len(args) > len(params) {
			return nil, fmt.Errorf("%s: got %d positional arguments, want at most %d", name, len(args), len(params))
		}

		values := make(map[string]interface{}, len(args)+len(kwargs))
		for i, arg := range args {
			v, err := fromStarlarkValue(arg)
			if err != nil {
				return nil, fmt.Errorf("%s: %s: %w", name, params[i], err)
			}
			values[params[i]] = v
		}
		for _, kv := range kwargs {
			key := string(kv[0].(starlark.String))
			if _, dup := values[key]; dup {
				return nil, fmt.Errorf("%s: got multiple values for %s", name, key)
			}
			v, err := fromStarlarkValue(kv[1])
			if err != nil {
				return nil, fmt.Errorf("%s: %s: %w", name, key, err)
			}
			values[key] = v
		}

		if err := apply(values); err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		return starlark.None, nil
	})
}

// decodeArgs decodes builtin arguments into target through its JSON field
// names. Unknown arguments are errors.
func decodeArgs(args map[string]interface{}, target interface{}) error {
	data, err := json.Marshal(args)
	if err != nil {
		return err
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	return dec.Decode(target)
}

// reportAttributes accepts attribute names as plain strings. A known
// attribute keeps its default min_wins.
func reportAttributes(attrs []interface{}) []interface{} {
	out := make([]interface{}, len(attrs))
	for i, a := range attrs {
		name, ok := a.(string)
		if !ok {
			out[i] = a
			continue
		}
		attr := map[string]interface{}{"name": name}
		for _, d := range reports.DefaultAttributes {
			if d.Name == name && d.MinWins {
				attr["min_wins"] = true
			}
		}
		out[i] = attr
	}
	return out
}

// toStarlarkValue converts a Go value to a Starlark value.
func toStarlarkValue(v interface{}) (starlark.Value, error) {
	if v == nil {
		return starlark.None, nil
	}

	switch val := v.(type) {
	case bool:
		return starlark.Bool(val), nil
	case int:
		return starlark.MakeInt(val), nil
	case int64:
		return starlark.MakeInt64(val), nil
	case float64:
		return starlark.Float(val), nil
	case string:
		return starlark.String(val), nil
	case []string:
		list := make([]starlark.Value, len(val))
		for i, item := range val {
			list[i] = starlark.String(item)
		}
		return starlark.NewList(list), nil
	case []interface{}:
		list := make([]starlark.Value, len(val))
		for i, item := range val {
			starlarkItem, err := toStarlarkValue(item)
			if err != nil {
				return nil, err
			}
			list[i] = starlarkItem
		}
		return starlark.NewList(list), nil
	case map[string]interface{}:
		dict := starlark.NewDict(len(val))
		for k, v := range val {
			starlarkVal, err := toStarlarkValue(v)
			if err != nil {
				return nil, err
			}
			if err := dict.SetKey(starlark.String(k), starlarkVal); err != nil {
				return nil, err
			}
		}
		return dict, nil
	default:
		return nil, fmt.Errorf("unsupported type: %T", v)
	}
}

// fromStarlarkValue converts a Starlark value to a Go value.
func fromStarlarkValue(v starlark.Value) (interface{}, error) {
	switch val := v.(type) {
	case starlark.NoneType:
		return nil, nil
	case starlark.Bool:
		return bool(val), nil
	case starlark.Int:
		i, ok := val.Int64()
		if !ok {
			return nil, fmt.Errorf("integer too large")
		}
		return i, nil
	case starlark.Float:
		return float64(val), nil
	case starlark.String:
		return string(val), nil
	case *starlark.List:
		return fromSequence(val)
	case starlark.Tuple:
		return fromSequence(val)
	case *starlark.Dict:
		dict := make(map[string]interface{})
		for _, item := range val.Items() {
			key, ok := item[0].(starlark.String)
			if !ok {
				return nil, fmt.Errorf("dict key must be string")
			}
			value, err := fromStarlarkValue(item[1])
			if err != nil {
				return nil, err
			}
			dict[string(key)] = value
		}
		return dict, nil
	case *starlarkstruct.Struct:
		dict := make(map[string]interface{})
		for _, name := range val.AttrNames() {
			attr, err := val.Attr(name)
			if err != nil {
				continue
			}
			value, err := fromStarlarkValue(attr)
			if err != nil {
				return nil, err
			}
			dict[name] = value
		}
		return dict, nil
	default:
		return nil, fmt.Errorf("unsupported starlark type: %s", v.Type())
	}
}

func fromSequence(seq starlark.Indexable) ([]interface{}, error) {
	list := make([]interface{}, seq.Len())
	for i := 0; i < seq.Len(); i++ {
		item, err := fromStarlarkValue(seq.Index(i))
		if err != nil {
			return nil, err
		}
		list[i] = item
	}
	return list, nil
}
