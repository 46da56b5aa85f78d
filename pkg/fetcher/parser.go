// Package fetcher turns the raw outputs of run units into ledger rows.
//
// Every unit directory is read by a chain of parsers. The run wrapper's
// execution record (unit.json) always contributes the identity and execution
// attributes; the configured parsers then add what the algorithm printed.
// Later parsers win on collision. A parser failing on one unit produces a
// partial row and a parse warning, never an aborted fetch.
package fetcher

import (
	"context"
	"fmt"
	"strings"

	"github.com/openfroyo/benchlab/pkg/engine"
	"github.com/openfroyo/benchlab/pkg/ledger"
)

// Parser extracts attributes from one unit directory.
type Parser interface {
	// Name identifies the parser in warnings and metrics.
	Name() string

	// Parse reads dir and returns the attributes it found. It may return
	// attributes together with an error when only part of the output was usable.
	Parse(ctx context.Context, dir string) (ledger.Attributes, error)
}

// Chain runs parsers in order and merges their attributes.
type Chain []Parser

// Warning is a parser failure recorded against a unit.
type Warning struct {
	Parser string
	Err    error
}

func (w Warning) String() string {
	return w.Parser + ": " + w.Err.Error()
}

// Parse runs every parser on dir. Attributes from later parsers replace
// earlier ones. Parser errors are collected as warnings.
func (c Chain) Parse(ctx context.Context, dir string) (ledger.Attributes, []Warning) {
	out := make(ledger.Attributes)
	var warnings []Warning
	for _, p := range c {
		attrs, err := p.Parse(ctx, dir)
		for k, v := range attrs {
			out[k] = v
		}
		if err != nil {
			warnings = append(warnings, Warning{Parser: p.Name(), Err: err})
		}
	}
	return out, warnings
}

// Close releases parsers holding runtime resources.
func (c Chain) Close(ctx context.Context) error {
	var first error
	for _, p := range c {
		closer, ok := p.(interface{ Close(context.Context) error })
		if !ok {
			continue
		}
		if err := closer.Close(ctx); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// NewParser builds a parser from its name: "reward", "json" or "wasm:<path>".
func NewParser(ctx context.Context, name string) (Parser, error) {
	switch {
	case name == "reward":
		return NewRewardParser(), nil
	case name == "json":
		return NewJSONParser(), nil
	case strings.HasPrefix(name, "wasm:"):
		return NewWASMParser(ctx, strings.TrimPrefix(name, "wasm:"), nil)
	default:
		return nil, engine.NewConfigError(fmt.Sprintf("unknown parser %q", name), nil).
			WithCode(engine.ErrCodeValidation)
	}
}

// NewChain builds a chain from parser names. An empty list uses the reward parser.
func NewChain(ctx context.Context, names []string) (Chain, error) {
	if len(names) == 0 {
		return Chain{NewRewardParser()}, nil
	}
	chain := make(Chain, 0, len(names))
	for _, name := range names {
		p, err := NewParser(ctx, name)
		if err != nil {
			_ = chain.Close(ctx)
			return nil, err
		}
		chain = append(chain, p)
	}
	return chain, nil
}
