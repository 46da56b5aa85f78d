package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/openfroyo/benchlab/pkg/telemetry"
)

// StepResult is the outcome of one step in a pipeline run.
type StepResult struct {
	Name     StepName      `json:"name"`
	Status   StepStatus    `json:"status"`
	Duration time.Duration `json:"duration"`
	Err      error         `json:"-"`
}

// PipelineResult is the outcome of RunSteps.
type PipelineResult struct {
	Steps    []StepResult  `json:"steps"`
	Duration time.Duration `json:"duration"`
}

// Status returns the status recorded for name, or pending if it never ran.
func (r *PipelineResult) Status(name StepName) StepStatus {
	for _, s := range r.Steps {
		if s.Name == name {
			return s.Status
		}
	}
	return StepStatusPending
}

// Pipeline runs the named steps of one experiment strictly in sequence.
type Pipeline struct {
	experimentID string
	steps        []Step
	tel          *telemetry.Telemetry
	logger       *telemetry.Logger
}

// NewPipeline creates an empty pipeline. A nil telemetry records nothing.
func NewPipeline(experimentID string, tel *telemetry.Telemetry) *Pipeline {
	if tel == nil {
		tel = telemetry.NopTelemetry()
	}
	return &Pipeline{
		experimentID: experimentID,
		tel:          tel,
		logger:       tel.Logger.NewComponentLogger("pipeline").WithExperiment(experimentID),
	}
}

// AddStep registers a step. Without explicit after constraints the step runs
// after the previously registered one.
func (p *Pipeline) AddStep(name StepName, action StepAction, after ...StepName) error {
	if err := name.Validate(); err != nil {
		return NewConfigError(err.Error(), nil).WithCode(ErrCodeUnknownStep).WithStep(string(name))
	}
	if action == nil {
		return NewConfigError("step has no action", nil).WithCode(ErrCodeValidation).WithStep(string(name))
	}
	for _, s := range p.steps {
		if s.Name == name {
			return NewConfigError(fmt.Sprintf("duplicate step: %s", name), nil).
				WithCode(ErrCodeValidation).WithStep(string(name))
		}
	}
	if len(after) == 0 && len(p.steps) > 0 {
		after = []StepName{p.steps[len(p.steps)-1].Name}
	}
	p.steps = append(p.steps, Step{Name: name, Action: action, After: after})
	return nil
}

// Steps returns the registered step names in execution order.
func (p *Pipeline) Steps() ([]StepName, error) {
	g, err := p.Graph()
	if err != nil {
		return nil, err
	}
	return g.Order(), nil
}

// Graph builds the step graph of the registered steps.
func (p *Pipeline) Graph() (*StepGraph, error) {
	return BuildStepGraph(p.steps)
}

// RunSteps runs the selected steps, or every registered step when selected is
// empty. Steps run one at a time in graph order. A fatal error (build or
// configuration) halts the pipeline and is returned; other step errors are
// recorded and the pipeline continues.
func (p *Pipeline) RunSteps(ctx context.Context, selected ...StepName) (*PipelineResult, error) {
	g, err := p.Graph()
	if err != nil {
		return nil, err
	}
	run, err := p.selection(g, selected)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	result := &PipelineResult{}
	_ = p.tel.Events.Publish(telemetry.Event{
		Type:         telemetry.EventTypeExperimentStarted,
		ExperimentID: p.experimentID,
		Message:      fmt.Sprintf("running %d steps", len(run)),
	})

	var halt error
	for _, name := range g.Order() {
		if !run[name] {
			continue
		}
		if halt != nil {
			result.Steps = append(result.Steps, StepResult{Name: name, Status: StepStatusSkipped})
			continue
		}
		if err := ctx.Err(); err != nil {
			halt = err
			result.Steps = append(result.Steps, StepResult{Name: name, Status: StepStatusSkipped})
			continue
		}

		step, _ := g.Step(name)
		res := p.runStep(ctx, step)
		result.Steps = append(result.Steps, res)

		if res.Err != nil && (IsFatal(res.Err) || errors.Is(res.Err, context.Canceled) || errors.Is(res.Err, context.DeadlineExceeded)) {
			halt = res.Err
		}
	}
	result.Duration = time.Since(start)

	ev := telemetry.Event{
		Type:         telemetry.EventTypeExperimentCompleted,
		ExperimentID: p.experimentID,
		Message:      "pipeline finished",
	}
	if halt != nil {
		ev.Level = telemetry.EventLevelError
		ev.Message = halt.Error()
	}
	_ = p.tel.Events.Publish(ev)

	return result, halt
}

func (p *Pipeline) selection(g *StepGraph, selected []StepName) (map[StepName]bool, error) {
	run := make(map[StepName]bool)
	if len(selected) == 0 {
		for _, name := range g.Order() {
			run[name] = true
		}
		return run, nil
	}
	for _, name := range selected {
		if err := name.Validate(); err != nil {
			return nil, NewConfigError(err.Error(), nil).WithCode(ErrCodeUnknownStep).WithStep(string(name))
		}
		if _, ok := g.Step(name); !ok {
			return nil, NewConfigError(fmt.Sprintf("step %s is not registered", name), nil).
				WithCode(ErrCodeUnknownStep).WithStep(string(name))
		}
		run[name] = true
	}
	return run, nil
}

func (p *Pipeline) runStep(ctx context.Context, step *Step) StepResult {
	name := string(step.Name)
	logger := p.logger.WithStep(name)
	ctx, span := p.tel.Tracer.StartStepSpan(ctx, p.experimentID, name)
	defer span.End()

	logger.Info("step started")
	_ = p.tel.Events.PublishStep(p.experimentID, name, telemetry.EventTypeStepStarted, nil)

	timer := telemetry.NewTimer()
	err := step.Action(logger.WithContext(ctx))
	res := StepResult{Name: step.Name, Status: StepStatusSucceeded, Duration: timer.Duration(), Err: err}

	if err != nil {
		res.Status = StepStatusFailed
		var be *BenchError
		if errors.As(err, &be) && be.Step == "" {
			be.Step = name
		}
		telemetry.RecordError(span, err)
		p.tel.Metrics.RecordError(string(ClassOf(err)))
		_ = p.tel.Events.PublishStep(p.experimentID, name, telemetry.EventTypeStepFailed, err)
		logger.WithError(err).Errorf("step failed after %s", res.Duration.Round(time.Millisecond))
	} else {
		telemetry.RecordSuccess(span)
		_ = p.tel.Events.PublishStep(p.experimentID, name, telemetry.EventTypeStepCompleted, nil)
		logger.Infof("step finished in %s", res.Duration.Round(time.Millisecond))
	}
	p.tel.Metrics.RecordStep(name, string(res.Status), res.Duration)
	return res
}
