package factory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/dyluth/drove/internal/config"
)

// StepFunc executes one step of a minion. It receives the output of the previous step,
// nil for the first one.
type StepFunc func(ctx context.Context, input any) (any, error)

// StepBuilder creates the function of a configured step.
type StepBuilder func(step config.Step) (StepFunc, error)

// Catalog maps step types to their builders.
type Catalog struct {
	mu       sync.RWMutex
	builders map[string]StepBuilder
}

// NewCatalog returns a catalog with the built-in steps: pause, echo and fail.
func NewCatalog() *Catalog {
	c := &Catalog{builders: make(map[string]StepBuilder)}
	c.Register("pause", pauseStep)
	c.Register("echo", echoStep)
	c.Register("fail", failStep)
	return c
}

// Register adds or replaces the builder of a step type.
func (c *Catalog) Register(stepType string, builder StepBuilder) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.builders[stepType] = builder
}

// Types returns the known step types, sorted.
func (c *Catalog) Types() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	types := make([]string, 0, len(c.builders))
	for t := range c.builders {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

type namedStep struct {
	name string
	run  StepFunc
}

// build returns the functions of steps, in order.
func (c *Catalog) build(steps []config.Step) ([]namedStep, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	built := make([]namedStep, 0, len(steps))
	for i, step := range steps {
		builder, ok := c.builders[step.Type]
		if !ok {
			return nil, fmt.Errorf("step %d: unknown step type %q", i, step.Type)
		}
		run, err := builder(step)
		if err != nil {
			return nil, fmt.Errorf("step %d (%s): %w", i, step.Type, err)
		}
		name := step.Name
		if name == "" {
			name = fmt.Sprintf("%s-%d", step.Type, i)
		}
		built = append(built, namedStep{name: name, run: run})
	}
	return built, nil
}

func pauseStep(step config.Step) (StepFunc, error) {
	if step.Duration <= 0 {
		return nil, fmt.Errorf("a positive duration is required")
	}
	return func(ctx context.Context, input any) (any, error) {
		timer := time.NewTimer(step.Duration)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
			return input, nil
		}
	}, nil
}

func echoStep(step config.Step) (StepFunc, error) {
	value, ok := step.Params["value"]
	return func(_ context.Context, input any) (any, error) {
		if ok {
			return value, nil
		}
		return input, nil
	}, nil
}

func failStep(step config.Step) (StepFunc, error) {
	message := step.Params["message"]
	if message == "" {
		message = "step failed"
	}
	err := errors.New(message)
	return func(context.Context, any) (any, error) {
		return nil, err
	}, nil
}
