package config

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/openfroyo/benchlab/pkg/engine"
)

var validate = validator.New()

// Load reads an experiment from a .cue, .star or .yaml/.yml file, or from a
// directory holding a CUE package. The result is statically validated; the
// resolved engine.Experiment still runs its own checks when units are built.
func Load(ctx context.Context, path string, vars map[string]interface{}) (*Experiment, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, engine.NewConfigError(fmt.Sprintf("failed to read experiment %s", path), err)
	}

	var exp *Experiment
	switch ext := strings.ToLower(filepath.Ext(path)); {
	case info.IsDir() || ext == ".cue":
		parsed, err := NewCUEParser().Parse(ctx, []string{path})
		if err != nil {
			return nil, engine.NewConfigError("failed to parse CUE experiment", err)
		}
		if err := parsed.Err(); err != nil {
			return nil, err
		}
		exp = parsed.Experiment
	case ext == ".star":
		exp, err = NewStarlarkEvaluator(DefaultStarlarkTimeout).EvaluateFile(ctx, path, vars)
		if err != nil {
			return nil, err
		}
	case ext == ".yaml" || ext == ".yml":
		exp, err = LoadYAML(path)
		if err != nil {
			return nil, err
		}
	default:
		return nil, engine.NewConfigError(fmt.Sprintf("unsupported experiment file %s", path), nil).
			WithCode(engine.ErrCodeValidation)
	}

	if err := Validate(exp); err != nil {
		return nil, err
	}
	return exp, nil
}

// LoadYAML reads a YAML experiment. Unknown keys are errors.
func LoadYAML(path string) (*Experiment, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, engine.NewConfigError(fmt.Sprintf("failed to read %s", path), err)
	}
	exp, err := ParseYAML(data)
	if err != nil {
		return nil, err
	}
	exp.BaseDir = baseDir(path)
	return exp, nil
}

// ParseYAML decodes a YAML experiment document.
func ParseYAML(data []byte) (*Experiment, error) {
	exp := NewExperiment()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(exp); err != nil {
		return nil, engine.NewConfigError("failed to parse YAML experiment", err).WithCode(engine.ErrCodeValidation)
	}
	return exp, nil
}

// Validate checks struct constraints and the environment configuration.
func Validate(exp *Experiment) error {
	if err := validate.Struct(exp); err != nil {
		ve := validatorErrors(err)
		cerr := engine.NewConfigError(fmt.Sprintf("invalid experiment: %s", ve[0]), err).
			WithCode(engine.ErrCodeValidation)
		for i, v := range ve {
			cerr = cerr.WithDetail(fmt.Sprintf("error_%d", i), v.String())
		}
		return cerr
	}
	return exp.Environment.Validate()
}

// validatorErrors converts validator failures into located errors.
func validatorErrors(err error) []ValidationError {
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return []ValidationError{{Message: err.Error(), Severity: "error"}}
	}

	out := make([]ValidationError, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		msg := fmt.Sprintf("failed on the %q constraint", fe.Tag())
		if fe.Param() != "" {
			msg = fmt.Sprintf("failed on the %q constraint (%s)", fe.Tag(), fe.Param())
		}
		out = append(out, ValidationError{
			Path:     fe.Namespace(),
			Message:  msg,
			Severity: "error",
		})
	}
	return out
}
