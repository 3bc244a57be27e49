package action

import (
	"context"
	"fmt"
	"sync"
)

// PipelineState is the lifecycle state of a Pipeline.
type PipelineState int

const (
	PipelinePending PipelineState = iota
	PipelineRunning
	PipelineSucceeded
	PipelineFailed
)

// String returns the string representation of the state.
func (s PipelineState) String() string {
	switch s {
	case PipelinePending:
		return "PENDING"
	case PipelineRunning:
		return "RUNNING"
	case PipelineSucceeded:
		return "SUCCEEDED"
	case PipelineFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// pipelineTransitions lists the legal state changes.
var pipelineTransitions = map[PipelineState][]PipelineState{
	PipelinePending: {PipelineRunning},
	PipelineRunning: {PipelineSucceeded, PipelineFailed},
}

// Stage is one step of a pipeline.
type Stage struct {
	Name string
	Run  func(ctx context.Context) error
}

// StageError reports the stage that aborted a pipeline.
type StageError struct {
	Pipeline string
	Stage    string
	Index    int
	Err      error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s: stage %d (%s): %v", e.Pipeline, e.Index, e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// Pipeline runs its stages in order; the first failing stage aborts the rest.
// A pipeline runs at most once.
type Pipeline struct {
	name   string
	stages []Stage

	mu      sync.Mutex
	state   PipelineState
	current int
}

// NewPipeline creates a pipeline from stages.
func NewPipeline(name string, stages ...Stage) *Pipeline {
	return &Pipeline{name: name, stages: stages, current: -1}
}

// Append adds stages to a pending pipeline.
func (p *Pipeline) Append(stages ...Stage) *Pipeline {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != PipelinePending {
		panic("action: Append on a started pipeline")
	}
	p.stages = append(p.stages, stages...)
	return p
}

// Name returns the pipeline name.
func (p *Pipeline) Name() string {
	return p.name
}

// State returns the current state.
func (p *Pipeline) State() PipelineState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Current returns the name of the running or last attempted stage.
func (p *Pipeline) Current() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.current < 0 || p.current >= len(p.stages) {
		return ""
	}
	return p.stages[p.current].Name
}

// Run executes the stages. A failure is returned as *StageError.
func (p *Pipeline) Run(ctx context.Context) error {
	p.transition(PipelineRunning)

	for i, st := range p.stages {
		p.mu.Lock()
		p.current = i
		p.mu.Unlock()

		err := ctx.Err()
		if err == nil {
			err = st.Run(ctx)
		}
		if err != nil {
			p.transition(PipelineFailed)
			return &StageError{Pipeline: p.name, Stage: st.Name, Index: i, Err: err}
		}
	}

	p.transition(PipelineSucceeded)
	return nil
}

func (p *Pipeline) transition(to PipelineState) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, allowed := range pipelineTransitions[p.state] {
		if allowed == to {
			p.state = to
			return
		}
	}
	panic(fmt.Sprintf("action: pipeline %s: illegal transition %s -> %s", p.name, p.state, to))
}

// Local wraps a step that cannot fail as a stage.
func Local(name string, fn func()) Stage {
	return Stage{Name: name, Run: func(context.Context) error {
		fn()
		return nil
	}}
}
