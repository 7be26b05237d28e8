// Package factory implements the process executing the minions: it consumes the
// directives of the head, runs the scenarios and reports feedbacks and heartbeats.
package factory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/dyluth/drove/internal/campaign"
	"github.com/dyluth/drove/internal/channel"
	"github.com/dyluth/drove/internal/executors"
	"github.com/dyluth/drove/internal/metrics"
	"github.com/dyluth/drove/pkg/directive"
	"github.com/dyluth/drove/pkg/feedback"
	"github.com/dyluth/drove/pkg/heartbeat"
	"github.com/dyluth/drove/pkg/topic"
	"github.com/dyluth/drove/pkg/transport"
)

var errFactoryStopped = errors.New("factory stopped")

// Options identifies the factory.
type Options struct {
	NodeID          string
	Tenant          string
	HeartbeatPeriod time.Duration
}

// Engine is a factory node.
type Engine struct {
	opts      Options
	store     *directive.Store
	pools     *executors.Registry
	catalog   *Catalog
	consumer  *channel.DirectiveConsumer
	feedbacks *channel.FeedbackProducer
	emitter   *channel.HeartbeatEmitter
	metrics   *metrics.Metrics
	logger    zerolog.Logger

	mu   sync.Mutex
	ctx  context.Context
	job  *channel.Job
	runs map[string]*scenarioRun // directive key -> run
}

// NewEngine creates a factory engine. m may be nil.
func NewEngine(t transport.Transport, store *directive.Store, pools *executors.Registry, catalog *Catalog, opts Options, m *metrics.Metrics, logger zerolog.Logger) *Engine {
	logger = logger.With().Str("node", opts.NodeID).Logger()
	feedbacks := channel.NewFeedbackProducer(t, opts.NodeID, opts.Tenant)

	e := &Engine{
		opts:      opts,
		store:     store,
		pools:     pools,
		catalog:   catalog,
		consumer:  channel.NewDirectiveConsumer(t, store.Codec(), feedbacks, m, logger),
		feedbacks: feedbacks,
		emitter:   channel.NewHeartbeatEmitter(t, logger),
		metrics:   m,
		logger:    logger,
		runs:      make(map[string]*scenarioRun),
	}
	e.consumer.Register(&CampaignShutdownProcessor{engine: e})
	e.consumer.Register(&MinionsStartProcessor{engine: e})
	e.emitter.SetState(heartbeat.StateIdle)
	return e
}

// Consumer returns the directive consumer, to register additional processors.
func (e *Engine) Consumer() *channel.DirectiveConsumer {
	return e.consumer
}

// Start consumes the broadcast and unicast directive channels and starts the heartbeats.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.job != nil {
		return fmt.Errorf("factory engine already started")
	}

	job, err := e.consumer.Start(ctx, transport.BroadcastDirectivesChannel, transport.UnicastDirectivesChannel(e.opts.NodeID))
	if err != nil {
		return err
	}
	if err := e.emitter.Start(ctx, e.opts.NodeID, e.opts.Tenant, e.opts.HeartbeatPeriod); err != nil {
		job.Cancel()
		return err
	}

	e.ctx, e.job = ctx, job
	e.logger.Info().Str("event", "factory_started").Msg("Factory started")
	return nil
}

// Stop stops consuming directives, interrupts the running scenarios, waits for them and
// stops the heartbeats.
func (e *Engine) Stop() {
	e.mu.Lock()
	job := e.job
	e.job = nil
	e.mu.Unlock()
	if job == nil {
		return
	}

	job.Cancel()
	// The node feedbacks precede the terminal feedbacks of the interrupted runs.
	for _, key := range e.runningCampaigns() {
		e.reportNode(context.Background(), key, errFactoryStopped)
	}
	e.interrupt("", "factory stopped")
	e.Wait()
	e.emitter.Stop()
	e.logger.Info().Str("event", "factory_stopped").Msg("Factory stopped")
}

// Run starts the engine and blocks until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	if err := e.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	e.Stop()
	return nil
}

// Wait blocks until no scenario is running.
func (e *Engine) Wait() {
	for _, r := range e.snapshot() {
		<-r.done
	}
}

// Running returns the directive keys of the running scenarios, sorted.
func (e *Engine) Running() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	keys := make([]string, 0, len(e.runs))
	for key := range e.runs {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// Outputs returns the output topic of a running scenario.
func (e *Engine) Outputs(directiveKey string) (*topic.Broadcast[Output], bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	r, ok := e.runs[directiveKey]
	if !ok {
		return nil, false
	}
	return r.out, true
}

func (e *Engine) snapshot() []*scenarioRun {
	e.mu.Lock()
	defer e.mu.Unlock()
	runs := make([]*scenarioRun, 0, len(e.runs))
	for _, r := range e.runs {
		runs = append(runs, r)
	}
	return runs
}

// launch registers the run and executes it on the ORCHESTRATION pool.
func (e *Engine) launch(ctx context.Context, meta directive.Meta, order campaign.MinionsStart, steps []namedStep) error {
	e.mu.Lock()
	if _, exists := e.runs[meta.Key]; exists {
		e.mu.Unlock()
		return fmt.Errorf("directive %s is already running", meta.Key)
	}
	parent := e.ctx
	if parent == nil {
		parent = context.Background()
	}
	runCtx, cancel := context.WithCancel(parent)
	r := newScenarioRun(meta.Key, meta.Campaign, order, steps, e.pools, e.metrics, e.logger)
	r.cancel = cancel
	e.runs[meta.Key] = r
	e.mu.Unlock()

	e.emitter.SetState(heartbeat.StateHealthy)
	e.emitter.SetCampaign(meta.Campaign)
	e.report(ctx, meta.Key, feedback.StatusInProgress, nil)

	err := e.pools.Orchestration().Go(runCtx, func(ctx context.Context) {
		defer e.finish(r)
		status, err := e.outcome(r, r.execute(ctx))
		e.report(ctx, meta.Key, status, err)
	})
	if err != nil {
		cancel()
		e.mu.Lock()
		delete(e.runs, meta.Key)
		e.mu.Unlock()
		close(r.done)
		e.idleIfDone()
		err = fmt.Errorf("failed to schedule scenario %s: %w", order.Scenario, err)
		e.reportNode(ctx, meta.Campaign, err)
		return err
	}

	e.logger.Info().
		Str("event", "scenario_started").
		Str("scenario", order.Scenario).
		Str("directive_key", meta.Key).
		Int("minions", order.Minions).
		Str("rampup", string(order.RampUp.Strategy)).
		Msg("Scenario started")
	return nil
}

func (e *Engine) outcome(r *scenarioRun, err error) (feedback.Status, error) {
	stats := r.stats()
	ev := e.logger.Info()
	if err != nil {
		ev = e.logger.Error().Err(err)
	}
	ev.Str("event", "scenario_finished").
		Str("scenario", r.order.Scenario).
		Str("directive_key", r.directiveKey).
		Int64("started", stats.Started).
		Int64("succeeded", stats.Succeeded).
		Int64("failed", stats.Failed).
		Int64("outputs", stats.Outputs).
		Msg("Scenario finished")

	if err != nil {
		return feedback.StatusFailed, err
	}
	return feedback.StatusCompleted, nil
}

func (e *Engine) finish(r *scenarioRun) {
	r.cancel()
	e.mu.Lock()
	delete(e.runs, r.directiveKey)
	e.mu.Unlock()
	close(r.done)
	e.idleIfDone()
}

func (e *Engine) idleIfDone() {
	e.mu.Lock()
	idle := len(e.runs) == 0
	e.mu.Unlock()
	if idle {
		e.emitter.SetState(heartbeat.StateIdle)
		e.emitter.SetCampaign("")
	}
}

// interrupt cancels the runs of campaignKey, or every run when campaignKey is empty.
func (e *Engine) interrupt(campaignKey, reason string) {
	for _, r := range e.snapshot() {
		if campaignKey == "" || r.campaign == campaignKey {
			r.interrupt(reason)
		}
	}
}

// runningCampaigns returns the distinct campaigns of the running scenarios, sorted.
func (e *Engine) runningCampaigns() []string {
	seen := make(map[string]bool)
	var keys []string
	for _, r := range e.snapshot() {
		if !seen[r.campaign] {
			seen[r.campaign] = true
			keys = append(keys, r.campaign)
		}
	}
	sort.Strings(keys)
	return keys
}

// reportNode publishes a FAILED node feedback for campaignKey.
func (e *Engine) reportNode(ctx context.Context, campaignKey string, err error) {
	sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	if pubErr := e.feedbacks.Publish(sendCtx, feedback.NewNodeFeedback(campaignKey, feedback.StatusFailed, err)); pubErr != nil {
		e.logger.Error().
			Err(pubErr).
			Str("event", "feedback_publish_failed").
			Str("campaign", campaignKey).
			Msg("Failed to publish node feedback")
	}
}

// report publishes a feedback with a context surviving the interruption of the run.
func (e *Engine) report(ctx context.Context, directiveKey string, status feedback.Status, err error) {
	sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	f := feedback.NewDirectiveFeedback(directiveKey, status, err)
	if pubErr := e.feedbacks.Publish(sendCtx, f); pubErr != nil {
		e.logger.Error().
			Err(pubErr).
			Str("event", "feedback_publish_failed").
			Str("directive_key", directiveKey).
			Str("status", string(status)).
			Msg("Failed to publish feedback")
	}
}
