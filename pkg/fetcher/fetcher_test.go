package fetcher

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/openfroyo/benchlab/pkg/engine"
	"github.com/openfroyo/benchlab/pkg/ledger"
)

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
}

const plannerLog = `planning...
Immediate reward: 1
Immediate reward: 2.5
>>> END OF ROUND -- REWARD RECEIVED: 3.5
Immediate reward: -1
Immediate reward: 1e1
>>> END OF ROUND -- REWARD RECEIVED: 9
>>> TOTAL TIME: 12.25
`

func TestRewardParserDefaults(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, engine.StdoutFile, plannerLog)

	attrs, err := NewRewardParser().Parse(context.Background(), dir)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	steps, _ := attrs.Floats(ledger.AttrStepRewards)
	if len(steps) != 4 || steps[3] != 10 {
		t.Errorf("step rewards = %v", steps)
	}
	rounds, _ := attrs.Floats(ledger.AttrRoundRewards)
	if len(rounds) != 2 || rounds[0] != 3.5 || rounds[1] != 9 {
		t.Errorf("round rewards = %v", rounds)
	}
	if v, ok := attrs.Float("total_time"); !ok || v != 12.25 {
		t.Errorf("total_time = %v, %v", v, ok)
	}
}

func TestRewardParserMissingOutput(t *testing.T) {
	_, err := NewRewardParser().Parse(context.Background(), t.TempDir())
	if !engine.IsParseError(err) || !isMissingOutput(err) {
		t.Fatalf("expected missing output parse error, got %v", err)
	}
}

func TestRewardParserCustomPatterns(t *testing.T) {
	if _, err := NewRewardParserWithPatterns([]Pattern{{Attribute: "x", Regexp: `(a)(b)`}}); err == nil {
		t.Error("expected error for two capture groups")
	}
	if _, err := NewRewardParserWithPatterns([]Pattern{{Attribute: "x", Regexp: `(`}}); err == nil {
		t.Error("expected error for invalid regexp")
	}

	p, err := NewRewardParserWithPatterns([]Pattern{{Attribute: "nodes", Regexp: `expanded (\d+) nodes`}})
	if err != nil {
		t.Fatalf("NewRewardParserWithPatterns: %v", err)
	}
	dir := t.TempDir()
	writeFile(t, dir, engine.StdoutFile, "expanded 10 nodes\nexpanded 42 nodes\n")
	attrs, err := p.Parse(context.Background(), dir)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if v, _ := attrs.Float("nodes"); v != 42 {
		t.Errorf("nodes = %v, want last match 42", v)
	}
}

func TestJSONParserPartialRow(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, engine.ValuesFile, `{"average_reward": 4.5, "round_reward-all": [1, 2], "planner": "prost", "nested": {"a": 1}}`)

	attrs, err := NewJSONParser().Parse(context.Background(), dir)
	if !engine.IsParseError(err) {
		t.Fatalf("expected parse error for nested value, got %v", err)
	}
	if v, _ := attrs.Float(ledger.AttrAverageReward); v != 4.5 {
		t.Errorf("average_reward = %v", v)
	}
	if xs, _ := attrs.Floats(ledger.AttrRoundRewards); len(xs) != 2 {
		t.Errorf("round rewards = %v", xs)
	}
	if s, _ := attrs.Str("planner"); s != "prost" {
		t.Errorf("planner = %q", s)
	}
	if _, ok := attrs["nested"]; ok {
		t.Error("nested object should be skipped")
	}
}

func TestJSONParserNoFile(t *testing.T) {
	attrs, err := NewJSONParser().Parse(context.Background(), t.TempDir())
	if err != nil || len(attrs) != 0 {
		t.Errorf("Parse() = %v, %v; want empty, nil", attrs, err)
	}
}

type fakeParser struct {
	name  string
	attrs ledger.Attributes
	err   error
}

func (f fakeParser) Name() string { return f.name }

func (f fakeParser) Parse(context.Context, string) (ledger.Attributes, error) {
	return f.attrs, f.err
}

func TestChainLaterParserWins(t *testing.T) {
	chain := Chain{
		fakeParser{name: "a", attrs: ledger.Attributes{"x": ledger.Int(1), "y": ledger.Int(1)}},
		fakeParser{name: "b", attrs: ledger.Attributes{"x": ledger.Int(2)}, err: errors.New("half broken")},
	}
	attrs, warnings := chain.Parse(context.Background(), t.TempDir())
	if v, _ := attrs.Float("x"); v != 2 {
		t.Errorf("x = %v, want 2", v)
	}
	if v, _ := attrs.Float("y"); v != 1 {
		t.Errorf("y = %v, want 1", v)
	}
	if len(warnings) != 1 || warnings[0].Parser != "b" {
		t.Errorf("warnings = %v", warnings)
	}
}

func TestNewChain(t *testing.T) {
	chain, err := NewChain(context.Background(), []string{"reward", "json"})
	if err != nil || len(chain) != 2 {
		t.Fatalf("NewChain() = %v, %v", chain, err)
	}
	if _, err := NewChain(context.Background(), []string{"perl"}); engine.ClassOf(err) != engine.ErrorClassConfig {
		t.Errorf("unknown parser error = %v", err)
	}
	chain, _ = NewChain(context.Background(), nil)
	if len(chain) != 1 || chain[0].Name() != "reward" {
		t.Errorf("default chain = %v", chain)
	}
}

func testUnits(t *testing.T) (*engine.Experiment, []*engine.RunUnit) {
	t.Helper()
	exp := &engine.Experiment{
		ID:         "exp-1",
		Path:       t.TempDir(),
		NumRuns:    1,
		Algorithms: []engine.AlgorithmConfig{{Name: "A", Command: []string{"planner"}}},
		Suites: []engine.Suite{{
			ID:       "ipc",
			Domain:   "wildfire",
			Problems: []engine.ProblemInstance{{Instance: "p1"}, {Instance: "p2"}, {Instance: "p3"}},
		}},
		Resources: engine.Resources{TimeLimit: time.Minute},
	}
	units, err := exp.BuildUnits()
	if err != nil {
		t.Fatalf("BuildUnits: %v", err)
	}
	return exp, units
}

func record(t *testing.T, unit *engine.RunUnit, res engine.UnitResult) {
	t.Helper()
	res.UnitID = unit.ID
	if err := engine.WriteRecord(unit.Dir, engine.NewRecord(unit, res, "local")); err != nil {
		t.Fatalf("WriteRecord: %v", err)
	}
}

func TestParseUnit(t *testing.T) {
	_, units := testUnits(t)
	u := units[0]
	record(t, u, engine.UnitResult{Status: engine.UnitStatusDone, WallTime: 3 * time.Second})
	writeFile(t, u.Dir, engine.StdoutFile, plannerLog)

	f := New("exp-1", nil, nil)
	attrs, err := f.ParseUnit(context.Background(), u)
	if err != nil {
		t.Fatalf("ParseUnit: %v", err)
	}

	checks := map[string]float64{
		ledger.AttrTotalReward:   12.5,
		ledger.AttrAverageReward: 6.25,
		ledger.AttrRoundReward99: 9,
		ledger.AttrNumRuns:       2,
		ledger.AttrTime:          3,
		ledger.AttrParseWarnings: 0,
		ledger.AttrTimeLimit:     60,
		ledger.AttrExitCode:      0,
	}
	for k, want := range checks {
		if got, ok := attrs.Float(k); !ok || got != want {
			t.Errorf("%s = %v (%v), want %v", k, got, ok, want)
		}
	}
	if s, _ := attrs.Str(ledger.AttrProblem); s != "wildfire:p1" {
		t.Errorf("problem = %q", s)
	}
	if s, _ := attrs.Str(ledger.AttrUnitStatus); s != "done" {
		t.Errorf("unit_status = %q", s)
	}

	onDisk, err := ReadProperties(u.Dir)
	if err != nil || onDisk == nil {
		t.Fatalf("ReadProperties: %v", err)
	}
	if !onDisk[ledger.AttrAverageReward].Equal(attrs[ledger.AttrAverageReward]) {
		t.Error("properties file differs from parsed attributes")
	}
}

func TestParseUnitCrashedUnitHasNoWarning(t *testing.T) {
	_, units := testUnits(t)
	u := units[0]
	err := engine.NewExecutionError("exit 1", nil).WithCode(engine.ErrCodeNonZeroExit)
	record(t, u, engine.UnitResult{Status: engine.UnitStatusFailed, ExitCode: 1, Err: err})

	attrs, perr := New("exp-1", nil, nil).ParseUnit(context.Background(), u)
	if perr != nil {
		t.Fatalf("ParseUnit: %v", perr)
	}
	if n, _ := attrs.Float(ledger.AttrParseWarnings); n != 0 {
		t.Errorf("parse_warnings = %v, want 0", n)
	}
	if s, _ := attrs.Str(ledger.AttrErrorClass); s != string(engine.ErrorClassExecution) {
		t.Errorf("error_class = %q", s)
	}
	if _, ok := attrs[ledger.AttrAverageReward]; ok {
		t.Error("crashed unit should have no reward")
	}
}

func TestParseUnitDoneWithoutOutputWarns(t *testing.T) {
	_, units := testUnits(t)
	u := units[0]
	record(t, u, engine.UnitResult{Status: engine.UnitStatusDone})

	attrs, err := New("exp-1", nil, nil).ParseUnit(context.Background(), u)
	if err != nil {
		t.Fatalf("ParseUnit: %v", err)
	}
	if n, _ := attrs.Float(ledger.AttrParseWarnings); n != 1 {
		t.Errorf("parse_warnings = %v, want 1", n)
	}
	if s, _ := attrs.Str(ledger.AttrParseError); !strings.Contains(s, "reward") {
		t.Errorf("parse_error = %q", s)
	}
}

func TestFetchIsIdempotent(t *testing.T) {
	exp, units := testUnits(t)
	record(t, units[0], engine.UnitResult{Status: engine.UnitStatusDone, WallTime: time.Second})
	writeFile(t, units[0].Dir, engine.StdoutFile, plannerLog)
	record(t, units[1], engine.UnitResult{Status: engine.UnitStatusDone})
	writeFile(t, units[1].Dir, engine.StdoutFile, "garbage\n")

	f := New(exp.ID, nil, nil)
	store, sum, err := f.FetchExperiment(context.Background(), exp, units, false)
	if err != nil {
		t.Fatalf("FetchExperiment: %v", err)
	}
	if store.Len() != len(units) || sum.Units != len(units) {
		t.Errorf("ledger has %d rows, summary %d units, want %d", store.Len(), sum.Units, len(units))
	}
	first, err := os.ReadFile(exp.PropertiesPath())
	if err != nil {
		t.Fatalf("read properties: %v", err)
	}

	_, sum, err = f.FetchExperiment(context.Background(), exp, units, false)
	if err != nil {
		t.Fatalf("second FetchExperiment: %v", err)
	}
	second, _ := os.ReadFile(exp.PropertiesPath())
	if !bytes.Equal(first, second) {
		t.Error("properties changed on unchanged outputs")
	}
	if sum.Cached != 2 {
		t.Errorf("cached = %d, want 2", sum.Cached)
	}

	pending, _ := store.Get(units[2].ID)
	if s, _ := pending.Str(ledger.AttrUnitStatus); s != "pending" {
		t.Errorf("pending unit status = %q", s)
	}
}

func TestParseAgainIsAdditive(t *testing.T) {
	exp, units := testUnits(t)
	for _, u := range units {
		record(t, u, engine.UnitResult{Status: engine.UnitStatusDone})
		writeFile(t, u.Dir, engine.StdoutFile, ">>> END OF ROUND -- REWARD RECEIVED: 1\n")
	}
	writeFile(t, units[0].Dir, engine.ValuesFile, `{"solver_nodes": 10}`)

	f := New(exp.ID, Chain{NewRewardParser(), NewJSONParser()}, nil)
	if _, _, err := f.FetchExperiment(context.Background(), exp, units, false); err != nil {
		t.Fatalf("FetchExperiment: %v", err)
	}

	// a new parser configuration no longer reads values.json
	writeFile(t, units[1].Dir, engine.StdoutFile, ">>> END OF ROUND -- REWARD RECEIVED: 7\n")
	again := New(exp.ID, Chain{NewRewardParser()}, nil)
	store, sum, err := again.FetchExperiment(context.Background(), exp, units, true)
	if err != nil {
		t.Fatalf("ParseAgain: %v", err)
	}
	if sum.Parsed != len(units) {
		t.Errorf("parsed = %d, want %d", sum.Parsed, len(units))
	}
	if store.Len() != len(units) {
		t.Errorf("ledger lost units: %d", store.Len())
	}
	row0, _ := store.Get(units[0].ID)
	if v, _ := row0.Float("solver_nodes"); v != 10 {
		t.Errorf("solver_nodes dropped by parse-again: %v", row0)
	}
	row1, _ := store.Get(units[1].ID)
	if v, _ := row1.Float(ledger.AttrAverageReward); v != 7 {
		t.Errorf("average_reward = %v, want re-parsed 7", v)
	}
}
