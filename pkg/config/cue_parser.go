package config

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/load"
	"github.com/go-playground/validator/v10"
)

// ExperimentField is the top-level CUE field holding the experiment.
const ExperimentField = "experiment"

// CUEParser parses and validates CUE experiment files.
type CUEParser struct {
	ctx            *cue.Context
	schemaRegistry *SchemaRegistry
	validator      *validator.Validate
}

// NewCUEParser creates a new CUE parser. It shares the CUE context of its
// schema registry so that files and schemas can be unified.
func NewCUEParser() *CUEParser {
	registry := NewSchemaRegistry()
	return &CUEParser{
		ctx:            registry.ctx,
		schemaRegistry: registry,
		validator:      validator.New(),
	}
}

// Parse parses CUE configuration from files or package directories. All
// sources are unified into one value before the experiment is extracted.
func (cp *CUEParser) Parse(_ context.Context, sources []string) (*ParsedConfig, error) {
	if len(sources) == 0 {
		return nil, fmt.Errorf("no sources provided")
	}

	var cueValue cue.Value
	var sourceFiles []string
	var parseErrors []ValidationError

	unify := func(val cue.Value) {
		if !val.Exists() {
			return
		}
		if cueValue.Exists() {
			cueValue = cueValue.Unify(val)
		} else {
			cueValue = val
		}
	}

	for _, source := range sources {
		info, err := os.Stat(source)
		if err != nil {
			return nil, fmt.Errorf("failed to stat source %s: %w", source, err)
		}

		if info.IsDir() {
			val, files, errs := cp.loadDirectory(source)
			parseErrors = append(parseErrors, errs...)
			unify(val)
			sourceFiles = append(sourceFiles, files...)
		} else {
			val, errs := cp.loadFile(source)
			parseErrors = append(parseErrors, errs...)
			unify(val)
			sourceFiles = append(sourceFiles, source)
		}
	}

	parsed := &ParsedConfig{
		SourceFiles: sourceFiles,
		ParsedAt:    time.Now(),
		Errors:      parseErrors,
	}
	if len(parseErrors) > 0 {
		return parsed, nil
	}
	if err := cueValue.Err(); err != nil {
		parsed.Errors = cp.convertCUEErrors(err)
		return parsed, nil
	}

	cp.extractExperiment(cueValue, parsed)
	if parsed.Experiment != nil {
		parsed.Experiment.BaseDir = baseDir(sources[0])
	}
	return parsed, nil
}

// ParseInline parses inline CUE content. Relative paths stay relative.
func (cp *CUEParser) ParseInline(_ context.Context, content string) (*ParsedConfig, error) {
	parsed := &ParsedConfig{
		SourceFiles: []string{"inline"},
		ParsedAt:    time.Now(),
	}

	val := cp.ctx.CompileString(content, cue.Filename("inline"))
	if err := val.Err(); err != nil {
		parsed.Errors = cp.convertCUEErrors(err)
		return parsed, nil
	}

	cp.extractExperiment(val, parsed)
	return parsed, nil
}

// loadDirectory loads a directory as a CUE package.
func (cp *CUEParser) loadDirectory(dir string) (cue.Value, []string, []ValidationError) {
	buildInstances := load.Instances([]string{"."}, &load.Config{Dir: dir})
	if len(buildInstances) == 0 {
		return cue.Value{}, nil, []ValidationError{{
			File:     dir,
			Message:  "no CUE files found",
			Severity: "error",
		}}
	}

	inst := buildInstances[0]
	if inst.Err != nil {
		return cue.Value{}, nil, cp.convertCUEErrors(inst.Err)
	}

	val := cp.ctx.BuildInstance(inst)
	if err := val.Err(); err != nil {
		return cue.Value{}, nil, cp.convertCUEErrors(err)
	}

	var files []string
	for _, file := range inst.Files {
		if file.Filename != "" {
			files = append(files, file.Filename)
		}
	}

	return val, files, nil
}

// loadFile loads a single CUE file.
func (cp *CUEParser) loadFile(path string) (cue.Value, []ValidationError) {
	content, err := os.ReadFile(path)
	if err != nil {
		return cue.Value{}, []ValidationError{{
			File:     path,
			Message:  fmt.Sprintf("failed to read file: %v", err),
			Severity: "error",
		}}
	}

	val := cp.ctx.CompileString(string(content), cue.Filename(path))
	if err := val.Err(); err != nil {
		return cue.Value{}, cp.convertCUEErrors(err)
	}

	return val, nil
}

// extractExperiment unifies the experiment field with the #Experiment
// schema and decodes it. Errors are appended to parsed.
func (cp *CUEParser) extractExperiment(val cue.Value, parsed *ParsedConfig) {
	expVal := val.LookupPath(cue.ParsePath(ExperimentField))
	if !expVal.Exists() {
		parsed.Errors = append(parsed.Errors, ValidationError{
			Path:     ExperimentField,
			Message:  "no experiment defined",
			Severity: "error",
		})
		return
	}

	unified, err := cp.schemaRegistry.Unify("experiment", expVal)
	if err != nil {
		parsed.Errors = append(parsed.Errors, ValidationError{Path: ExperimentField, Message: err.Error(), Severity: "error"})
		return
	}
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		parsed.Errors = append(parsed.Errors, cp.convertCUEErrors(err)...)
		return
	}

	exp := NewExperiment()
	if err := unified.Decode(exp); err != nil {
		parsed.Errors = append(parsed.Errors, ValidationError{
			Path:     ExperimentField,
			Message:  fmt.Sprintf("failed to decode experiment: %v", err),
			Severity: "error",
		})
		return
	}

	if err := cp.validator.Struct(exp); err != nil {
		parsed.Errors = append(parsed.Errors, validatorErrors(err)...)
		return
	}

	parsed.Experiment = exp
}

// convertCUEErrors converts CUE errors to ValidationError slice.
func (cp *CUEParser) convertCUEErrors(err error) []ValidationError {
	var validationErrors []ValidationError

	for _, e := range errors.Errors(err) {
		var file string
		var line, column int

		// Prefer a position in the user's files over one in the schema.
		for _, pos := range errors.Positions(e) {
			if file != "" && pos.Filename() == schemaFile {
				continue
			}
			file, line, column = pos.Filename(), pos.Line(), pos.Column()
			if file != schemaFile {
				break
			}
		}

		format, args := e.Msg()
		validationErrors = append(validationErrors, ValidationError{
			File:     file,
			Line:     line,
			Column:   column,
			Path:     strings.Join(e.Path(), "."),
			Message:  fmt.Sprintf(format, args...),
			Severity: "error",
		})
	}

	return validationErrors
}

// GetSchemaRegistry returns the schema registry.
func (cp *CUEParser) GetSchemaRegistry() *SchemaRegistry {
	return cp.schemaRegistry
}

// ExportJSON exports the experiment of a parsed configuration as JSON.
func (cp *CUEParser) ExportJSON(pc *ParsedConfig) ([]byte, error) {
	if pc.Experiment == nil {
		return nil, fmt.Errorf("no experiment to export")
	}
	return json.MarshalIndent(pc.Experiment, "", "  ")
}

func baseDir(source string) string {
	abs, err := filepath.Abs(source)
	if err != nil {
		abs = source
	}
	if info, err := os.Stat(abs); err == nil && info.IsDir() {
		return abs
	}
	return filepath.Dir(abs)
}
