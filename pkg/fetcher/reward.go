package fetcher

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"

	"github.com/openfroyo/benchlab/pkg/engine"
	"github.com/openfroyo/benchlab/pkg/ledger"
)

// number matches a decimal or scientific float.
const number = `([-+]?(?:\d+\.?\d*|\.\d+)(?:[eE][-+]?\d+)?)`

// Pattern extracts one attribute from the lines of a unit's stdout.
type Pattern struct {
	// Attribute is the ledger attribute written.
	Attribute string `json:"attribute" yaml:"attribute" validate:"required"`

	// Regexp must contain exactly one capture group holding a number.
	Regexp string `json:"regexp" yaml:"regexp" validate:"required"`

	// List collects every match into a list. Otherwise the last match wins.
	List bool `json:"list,omitempty" yaml:"list"`

	re *regexp.Regexp
}

// DefaultPatterns are the reward and time lines printed by the planners.
func DefaultPatterns() []Pattern {
	return []Pattern{
		{Attribute: ledger.AttrStepRewards, Regexp: `Immediate reward: ` + number, List: true},
		{Attribute: ledger.AttrRoundRewards, Regexp: `>>> END OF ROUND -- REWARD RECEIVED: ` + number, List: true},
		{Attribute: "total_time", Regexp: `>>> TOTAL TIME: ` + number},
	}
}

// RewardParser reads reward series out of run.log with regular expressions.
type RewardParser struct {
	patterns []Pattern
}

// NewRewardParser creates a parser using DefaultPatterns.
func NewRewardParser() *RewardParser {
	p, _ := NewRewardParserWithPatterns(DefaultPatterns())
	return p
}

// NewRewardParserWithPatterns compiles custom patterns.
func NewRewardParserWithPatterns(patterns []Pattern) (*RewardParser, error) {
	compiled := make([]Pattern, len(patterns))
	for i, pat := range patterns {
		re, err := regexp.Compile(pat.Regexp)
		if err != nil {
			return nil, engine.NewConfigError(fmt.Sprintf("invalid pattern for %s", pat.Attribute), err).
				WithCode(engine.ErrCodeValidation)
		}
		if re.NumSubexp() != 1 {
			return nil, engine.NewConfigError(
				fmt.Sprintf("pattern for %s must have one capture group, has %d", pat.Attribute, re.NumSubexp()), nil).
				WithCode(engine.ErrCodeValidation)
		}
		pat.re = re
		compiled[i] = pat
	}
	return &RewardParser{patterns: compiled}, nil
}

// Name returns "reward".
func (p *RewardParser) Name() string { return "reward" }

// Parse scans run.log line by line.
func (p *RewardParser) Parse(ctx context.Context, dir string) (ledger.Attributes, error) {
	f, err := os.Open(filepath.Join(dir, engine.StdoutFile))
	if errors.Is(err, os.ErrNotExist) {
		return nil, engine.NewParseError("no output to parse", err).WithCode(engine.ErrCodeMissingOutput)
	}
	if err != nil {
		return nil, engine.NewParseError("failed to open output", err)
	}
	defer f.Close()

	lists := make(map[string][]float64)
	attrs := make(ledger.Attributes)
	var bad []string

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return attrs, err
		}
		line := scanner.Text()
		for _, pat := range p.patterns {
			m := pat.re.FindStringSubmatch(line)
			if m == nil {
				continue
			}
			v, err := strconv.ParseFloat(m[1], 64)
			if err != nil {
				bad = append(bad, pat.Attribute)
				continue
			}
			if pat.List {
				lists[pat.Attribute] = append(lists[pat.Attribute], v)
			} else {
				attrs[pat.Attribute] = ledger.Number(v)
			}
		}
	}
	for name, xs := range lists {
		attrs[name] = ledger.List(xs)
	}

	if err := scanner.Err(); err != nil {
		return attrs, engine.NewParseError("failed to read output", err)
	}
	if len(bad) > 0 {
		return attrs, engine.NewParseError(fmt.Sprintf("unparsable values for %v", bad), nil)
	}
	return attrs, nil
}
