package factory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/dyluth/drove/internal/campaign"
	"github.com/dyluth/drove/internal/executors"
	"github.com/dyluth/drove/internal/metrics"
	"github.com/dyluth/drove/pkg/rampup"
	"github.com/dyluth/drove/pkg/topic"
)

// ScenarioStats counts the activity of a scenario run.
type ScenarioStats struct {
	Started   int64
	Succeeded int64
	Failed    int64
	Outputs   int64
}

const flushTimeout = time.Second

// scenarioRun executes the minions of one minions-start directive.
type scenarioRun struct {
	directiveKey string
	campaign     string
	order        campaign.MinionsStart
	steps        []namedStep
	pools        *executors.Registry
	metrics      *metrics.Metrics
	logger       zerolog.Logger

	out       *topic.Broadcast[Output]
	cancel    context.CancelFunc
	done      chan struct{}
	started   atomic.Int64
	success   atomic.Int64
	failed    atomic.Int64
	published atomic.Int64
	observed  atomic.Int64

	mu       sync.Mutex
	reason   string // set when interrupted
	firstErr error
	minions  sync.WaitGroup
}

func newScenarioRun(directiveKey, campaignKey string, order campaign.MinionsStart, steps []namedStep, pools *executors.Registry, m *metrics.Metrics, logger zerolog.Logger) *scenarioRun {
	idle := time.Duration(order.Topic.IdleTimeoutMs) * time.Millisecond
	return &scenarioRun{
		directiveKey: directiveKey,
		campaign:     campaignKey,
		order:        order,
		steps:        steps,
		pools:        pools,
		metrics:      m,
		logger:       logger.With().Str("scenario", order.Scenario).Str("directive_key", directiveKey).Logger(),
		out:          topic.New[Output](order.Topic.MaximalSize, idle, topic.WithEvictionHook(func(string) { m.SubscriptionEvicted() })),
		done:         make(chan struct{}),
	}
}

// execute drives the ramp-up, then waits for every started minion.
// It returns the error of the first failed minion.
func (r *scenarioRun) execute(ctx context.Context) error {
	defer r.out.Close()

	counter, err := r.out.Subscribe("stats")
	if err != nil {
		return err
	}
	counter.OnReceive(func(Output) { r.observed.Add(1) })

	it, err := r.order.RampUp.Iterator(r.order.Minions)
	if err != nil {
		return err
	}

	_, driveErr := rampup.Drive(ctx, it, r.order.RampUp.StartOffset, r.startMinions)
	r.minions.Wait()
	r.flush(counter)

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.reason != "" {
		return fmt.Errorf("interrupted: %s", r.reason)
	}
	if driveErr != nil {
		return driveErr
	}
	return r.firstErr
}

// flush lets the counter catch up with the published outputs before cancelling it.
func (r *scenarioRun) flush(counter *topic.Subscription[Output]) {
	deadline := time.Now().Add(flushTimeout)
	for counter.Active() && r.observed.Load() < r.published.Load() && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	counter.Cancel()
}

// startMinions starts count minions on the CAMPAIGN pool.
func (r *scenarioRun) startMinions(ctx context.Context, count int) error {
	for i := 0; i < count; i++ {
		n := r.started.Add(1)
		m := &Minion{
			ID:       fmt.Sprintf("%s-%d", r.order.Scenario, n),
			steps:    r.steps,
			policy:   r.order.Retry,
			out:      r.out,
			onOutput: func() { r.published.Add(1) },
		}

		r.minions.Add(1)
		err := r.pools.Campaign().Go(ctx, func(ctx context.Context) {
			defer r.minions.Done()
			r.runMinion(ctx, m)
		})
		if err != nil {
			r.minions.Done()
			r.started.Add(-1)
			return err
		}
	}
	r.metrics.MinionsStarted(r.order.Scenario, count)
	r.logger.Debug().Str("event", "minions_started").Int("count", count).Msg("Minions started")
	return nil
}

func (r *scenarioRun) runMinion(ctx context.Context, m *Minion) {
	err := m.Run(ctx)
	if err == nil {
		r.success.Add(1)
		return
	}
	if errors.Is(err, topic.ErrClosedTopic) || ctx.Err() != nil {
		return
	}

	r.failed.Add(1)
	r.metrics.StepFailed(r.order.Scenario)
	r.logger.Warn().Err(err).Str("event", "minion_failed").Str("minion", m.ID).Msg("Minion failed")

	r.mu.Lock()
	if r.firstErr == nil {
		r.firstErr = err
	}
	r.mu.Unlock()
}

// interrupt cancels the run. The first reason is kept.
func (r *scenarioRun) interrupt(reason string) {
	r.mu.Lock()
	if r.reason == "" {
		r.reason = reason
	}
	r.mu.Unlock()
	r.cancel()
}

func (r *scenarioRun) stats() ScenarioStats {
	return ScenarioStats{
		Started:   r.started.Load(),
		Succeeded: r.success.Load(),
		Failed:    r.failed.Load(),
		Outputs:   r.observed.Load(),
	}
}
