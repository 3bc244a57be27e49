package action

import (
	"context"
	"errors"
	"testing"
)

func TestPipeline_RunsInOrder(t *testing.T) {
	var got []string
	step := func(name string) Stage {
		return Local(name, func() { got = append(got, name) })
	}

	p := NewPipeline("init", step("enter"), step("config")).Append(step("exit"))
	if p.State() != PipelinePending {
		t.Fatalf("State() = %v, want PENDING", p.State())
	}
	if err := p.Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if len(got) != 3 || got[0] != "enter" || got[2] != "exit" {
		t.Errorf("stages ran as %v", got)
	}
	if p.State() != PipelineSucceeded {
		t.Errorf("State() = %v, want SUCCEEDED", p.State())
	}
}

func TestPipeline_ShortCircuits(t *testing.T) {
	errTimeout := errors.New("timeout")
	ranLast := false

	p := NewPipeline("open",
		Local("a", func() {}),
		Stage{Name: "connect", Run: func(context.Context) error { return errTimeout }},
		Local("c", func() { ranLast = true }),
	)

	err := p.Run(context.Background())
	var se *StageError
	if !errors.As(err, &se) {
		t.Fatalf("Run() error = %v, want *StageError", err)
	}
	if se.Stage != "connect" || se.Index != 1 || se.Pipeline != "open" {
		t.Errorf("StageError = %+v", se)
	}
	if !errors.Is(err, errTimeout) {
		t.Error("StageError should unwrap to the stage error")
	}
	if ranLast {
		t.Error("stage after failure should not run")
	}
	if p.State() != PipelineFailed || p.Current() != "connect" {
		t.Errorf("State() = %v, Current() = %q", p.State(), p.Current())
	}
}

func TestPipeline_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	ran := false
	err := NewPipeline("p", Local("x", func() { ran = true })).Run(ctx)
	if !errors.Is(err, context.Canceled) || ran {
		t.Errorf("Run() = %v, ran = %v", err, ran)
	}
}

func TestPipeline_RunTwicePanics(t *testing.T) {
	p := NewPipeline("once")
	if err := p.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer func() {
		if recover() == nil {
			t.Error("second Run() should panic")
		}
	}()
	_ = p.Run(context.Background())
}

func TestPipelineState_String(t *testing.T) {
	tests := []struct {
		s    PipelineState
		want string
	}{
		{PipelinePending, "PENDING"},
		{PipelineRunning, "RUNNING"},
		{PipelineSucceeded, "SUCCEEDED"},
		{PipelineFailed, "FAILED"},
		{PipelineState(99), "UNKNOWN"},
	}
	for _, tc := range tests {
		if got := tc.s.String(); got != tc.want {
			t.Errorf("%d.String() = %q, want %q", tc.s, got, tc.want)
		}
	}
}
