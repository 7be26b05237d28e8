package factory

import (
	"context"
	"fmt"
	"time"

	"github.com/dyluth/drove/pkg/retry"
	"github.com/dyluth/drove/pkg/topic"
)

// Output is published on the topic of the scenario after every successful step.
type Output struct {
	Minion string
	Step   string
	Value  any
	At     time.Time
}

// Minion executes the steps of a scenario once, each one under the retry policy.
type Minion struct {
	ID     string
	steps  []namedStep
	policy retry.BackoffPolicy
	out    *topic.Broadcast[Output]

	// onOutput is called after every publication, when set.
	onOutput func()
}

// Run executes the steps in order. The output of a step is the input of the next one.
// It stops at the first step whose retries are exhausted.
func (m *Minion) Run(ctx context.Context) error {
	var input any
	for _, step := range m.steps {
		var output any
		err := m.policy.Execute(ctx, func(ctx context.Context) error {
			var err error
			output, err = step.run(ctx, input)
			return err
		})
		if err != nil {
			return fmt.Errorf("minion %s: step %s: %w", m.ID, step.name, err)
		}

		if err := m.out.Publish(Output{Minion: m.ID, Step: step.name, Value: output, At: time.Now()}); err != nil {
			return fmt.Errorf("minion %s: step %s: %w", m.ID, step.name, err)
		}
		if m.onOutput != nil {
			m.onOutput()
		}
		input = output
	}
	return nil
}
