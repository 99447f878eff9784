package upstream

import (
	"context"
	"sync"
)

// FakeInvoker is a scripted Invoker for tests and local development: each
// call pops the next scripted step.
type FakeInvoker struct {
	mu    sync.Mutex
	steps []FakeStep
	calls int
}

type FakeStep struct {
	Response Response
	Parts    []Part
	Err      error
}

func NewFake(steps ...FakeStep) *FakeInvoker {
	return &FakeInvoker{steps: steps}
}

func (f *FakeInvoker) next() FakeStep {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls++
	if len(f.steps) == 0 {
		return FakeStep{}
	}
	step := f.steps[0]
	if len(f.steps) > 1 {
		f.steps = f.steps[1:]
	}
	return step
}

func (f *FakeInvoker) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *FakeInvoker) Invoke(ctx context.Context, req Request) (Response, error) {
	step := f.next()
	if step.Err != nil {
		return Response{}, step.Err
	}
	return step.Response, nil
}

// InvokeStream emits the step's parts, then fails with the step's error if
// one is scripted, so tests can model a connection dropped mid-stream.
func (f *FakeInvoker) InvokeStream(ctx context.Context, req Request, emit func(Part) error) error {
	step := f.next()
	for _, part := range step.Parts {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := emit(part); err != nil {
			return err
		}
	}
	return step.Err
}
