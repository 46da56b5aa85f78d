package engine

import (
	"fmt"
	"sort"
	"strings"
)

// Step is one registered pipeline step.
type Step struct {
	// Name is the step name.
	Name StepName

	// Action is the step body.
	Action StepAction

	// After lists the steps that must finish before this one starts.
	After []StepName
}

// StepGraph orders pipeline steps by their After constraints.
// It rejects unknown dependencies and cycles and computes levels with
// Kahn's algorithm. Steps on the same level keep their registration order.
type StepGraph struct {
	// steps maps step names to their steps
	steps map[StepName]*Step

	// index is the registration position of each step
	index map[StepName]int

	// adjacencyList maps a step to the steps that run after it
	adjacencyList map[StepName][]StepName

	// reverseAdjacencyList maps a step to the steps it waits for
	reverseAdjacencyList map[StepName][]StepName

	// levels groups steps by topological depth
	levels [][]StepName
}

// BuildStepGraph constructs the graph for steps in registration order.
func BuildStepGraph(steps []Step) (*StepGraph, error) {
	g := &StepGraph{
		steps:                make(map[StepName]*Step, len(steps)),
		index:                make(map[StepName]int, len(steps)),
		adjacencyList:        make(map[StepName][]StepName),
		reverseAdjacencyList: make(map[StepName][]StepName),
	}
	if err := g.initialize(steps); err != nil {
		return nil, err
	}
	if err := g.detectCycles(); err != nil {
		return nil, err
	}
	if err := g.computeLevels(); err != nil {
		return nil, err
	}
	return g, nil
}

func (g *StepGraph) initialize(steps []Step) error {
	for i := range steps {
		step := &steps[i]
		if err := step.Name.Validate(); err != nil {
			return NewConfigError(err.Error(), nil).WithCode(ErrCodeUnknownStep).WithStep(string(step.Name))
		}
		if _, exists := g.steps[step.Name]; exists {
			return NewConfigError(fmt.Sprintf("duplicate step: %s", step.Name), nil).
				WithCode(ErrCodeValidation).WithStep(string(step.Name))
		}
		g.steps[step.Name] = step
		g.index[step.Name] = i
	}

	for i := range steps {
		step := &steps[i]
		for _, dep := range step.After {
			if _, exists := g.steps[dep]; !exists {
				return NewConfigError(
					fmt.Sprintf("step %s runs after unregistered step %s", step.Name, dep), nil,
				).WithCode(ErrCodeUnknownStep).WithStep(string(step.Name))
			}
			g.adjacencyList[dep] = append(g.adjacencyList[dep], step.Name)
			g.reverseAdjacencyList[step.Name] = append(g.reverseAdjacencyList[step.Name], dep)
		}
	}
	return nil
}

// detectCycles uses depth-first search to find circular ordering constraints.
func (g *StepGraph) detectCycles() error {
	visited := make(map[StepName]bool)
	recStack := make(map[StepName]bool)

	for _, name := range g.registered() {
		if visited[name] {
			continue
		}
		if cycle := g.detectCyclesUtil(name, visited, recStack, nil); cycle != nil {
			return NewConfigError(fmt.Sprintf("circular step order: %s", formatCycle(cycle)), nil).
				WithCode(ErrCodeValidation)
		}
	}
	return nil
}

func (g *StepGraph) detectCyclesUtil(name StepName, visited, recStack map[StepName]bool, path []StepName) []StepName {
	visited[name] = true
	recStack[name] = true
	path = append(path, name)

	for _, next := range g.adjacencyList[name] {
		if !visited[next] {
			if cycle := g.detectCyclesUtil(next, visited, recStack, path); cycle != nil {
				return cycle
			}
			continue
		}
		if recStack[next] {
			for i, id := range path {
				if id == next {
					return append(append([]StepName{}, path[i:]...), next)
				}
			}
		}
	}

	recStack[name] = false
	return nil
}

func (g *StepGraph) computeLevels() error {
	inDegree := make(map[StepName]int, len(g.steps))
	for name := range g.steps {
		inDegree[name] = len(g.reverseAdjacencyList[name])
	}

	var current []StepName
	for _, name := range g.registered() {
		if inDegree[name] == 0 {
			current = append(current, name)
		}
	}

	processed := 0
	for len(current) > 0 {
		g.levels = append(g.levels, current)
		processed += len(current)

		var next []StepName
		for _, name := range current {
			for _, dependent := range g.adjacencyList[name] {
				inDegree[dependent]--
				if inDegree[dependent] == 0 {
					next = append(next, dependent)
				}
			}
		}
		sort.Slice(next, func(i, j int) bool { return g.index[next[i]] < g.index[next[j]] })
		current = next
	}

	if processed != len(g.steps) {
		return NewConfigError("failed to order all steps", nil).WithCode(ErrCodeValidation)
	}
	return nil
}

func (g *StepGraph) registered() []StepName {
	names := make([]StepName, 0, len(g.steps))
	for name := range g.steps {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool { return g.index[names[i]] < g.index[names[j]] })
	return names
}

// Levels returns the steps grouped by depth.
func (g *StepGraph) Levels() [][]StepName {
	return g.levels
}

// Order returns the sequential execution order.
func (g *StepGraph) Order() []StepName {
	order := make([]StepName, 0, len(g.steps))
	for _, level := range g.levels {
		order = append(order, level...)
	}
	return order
}

// Step returns the registered step by name.
func (g *StepGraph) Step(name StepName) (*Step, bool) {
	s, ok := g.steps[name]
	return s, ok
}

// ToDOT renders the graph in Graphviz DOT format. Selected steps are filled.
func (g *StepGraph) ToDOT(selected map[StepName]bool) string {
	var sb strings.Builder

	sb.WriteString("digraph Pipeline {\n")
	sb.WriteString("  rankdir=LR;\n")
	sb.WriteString("  node [shape=box, style=rounded];\n\n")

	for _, name := range g.Order() {
		color := "white"
		if selected == nil || selected[name] {
			color = getStepColor(name)
		}
		sb.WriteString(fmt.Sprintf("  \"%s\" [fillcolor=\"%s\", style=\"filled,rounded\"];\n", name, color))
	}
	sb.WriteString("\n")

	for _, name := range g.Order() {
		for _, next := range g.adjacencyList[name] {
			sb.WriteString(fmt.Sprintf("  \"%s\" -> \"%s\";\n", name, next))
		}
	}

	sb.WriteString("}\n")
	return sb.String()
}

func formatCycle(cycle []StepName) string {
	parts := make([]string, len(cycle))
	for i, n := range cycle {
		parts[i] = string(n)
	}
	return strings.Join(parts, " -> ")
}

func getStepColor(name StepName) string {
	switch name {
	case StepBuild:
		return "lightgray"
	case StepStart:
		return "lightgreen"
	case StepFetch, StepParseAgain:
		return "lightblue"
	case StepReport:
		return "khaki"
	default:
		return "white"
	}
}
