// Package head implements the coordinating process of a campaign: it publishes the
// directives to the factories, aggregates their feedbacks and tracks their liveness.
package head

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/dyluth/drove/internal/campaign"
	"github.com/dyluth/drove/internal/channel"
	"github.com/dyluth/drove/internal/config"
	"github.com/dyluth/drove/internal/executors"
	"github.com/dyluth/drove/internal/metrics"
	"github.com/dyluth/drove/pkg/directive"
	"github.com/dyluth/drove/pkg/feedback"
	"github.com/dyluth/drove/pkg/heartbeat"
	"github.com/dyluth/drove/pkg/transport"
)

// ErrNoFactory is returned when a campaign is launched without any healthy factory.
var ErrNoFactory = errors.New("no healthy factory")

// ErrCampaignFailed is returned by Run when at least one directive failed.
var ErrCampaignFailed = errors.New("campaign failed")

// Engine drives one campaign across the factories.
type Engine struct {
	cfg       *config.DroveConfig
	store     *directive.Store
	producer  *channel.DirectiveProducer
	feedbacks *channel.FeedbackConsumer
	beats     *channel.HeartbeatConsumer
	pools     *executors.Registry
	metrics   *metrics.Metrics
	logger    zerolog.Logger

	aggregator *feedback.Aggregator
	liveness   *Liveness

	mu        sync.Mutex
	jobs      []*channel.Job
	stop      context.CancelFunc
	sweepDone chan struct{}
	launched  map[string]string // directive key -> scenario
	completed chan struct{}
	nodeFails []*feedback.NodeFeedback
}

// NewEngine creates a head engine for cfg. m may be nil.
func NewEngine(t transport.Transport, store *directive.Store, pools *executors.Registry, cfg *config.DroveConfig, m *metrics.Metrics, logger zerolog.Logger) *Engine {
	e := &Engine{
		cfg:        cfg,
		store:      store,
		producer:   channel.NewDirectiveProducer(t, store, m, logger),
		feedbacks:  channel.NewFeedbackConsumer(t, m, logger),
		beats:      channel.NewHeartbeatConsumer(t, m, logger),
		pools:      pools,
		metrics:    m,
		logger:     logger,
		aggregator: feedback.NewAggregator(),
		launched:   make(map[string]string),
		completed:  make(chan struct{}),
	}
	e.liveness = NewLiveness(cfg.Heartbeat.Period, cfg.Heartbeat.OfflineAfter, m, e.logTransition)
	return e
}

// Liveness returns the node monitor of the engine.
func (e *Engine) Liveness() *Liveness {
	return e.liveness
}

// Start subscribes to the feedbacks and heartbeats and starts the liveness sweeper on the
// BACKGROUND pool. It returns once the subscriptions are active.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stop != nil {
		return fmt.Errorf("head engine already started")
	}

	runCtx, cancel := context.WithCancel(ctx)
	fbJob, err := e.feedbacks.Start(runCtx, "head", e.onFeedback)
	if err != nil {
		cancel()
		return err
	}
	hbJob, err := e.beats.Start(runCtx, transport.HeartbeatChannel, e.onHeartbeat)
	if err != nil {
		fbJob.Cancel()
		cancel()
		return err
	}

	sweepDone := make(chan struct{})
	if err := e.pools.Background().Go(runCtx, func(ctx context.Context) {
		defer close(sweepDone)
		e.liveness.Run(ctx)
	}); err != nil {
		hbJob.Cancel()
		fbJob.Cancel()
		cancel()
		return fmt.Errorf("failed to start the liveness sweeper: %w", err)
	}

	e.jobs = []*channel.Job{fbJob, hbJob}
	e.stop = cancel
	e.sweepDone = sweepDone
	e.logger.Info().Str("event", "head_started").Str("campaign", e.cfg.Campaign).Msg("Head started")
	return nil
}

// Stop cancels the consumption loops and waits for them.
func (e *Engine) Stop() {
	e.mu.Lock()
	jobs, stop, sweepDone := e.jobs, e.stop, e.sweepDone
	e.jobs, e.stop, e.sweepDone = nil, nil, nil
	e.mu.Unlock()

	if stop == nil {
		return
	}
	for _, j := range jobs {
		j.Cancel()
	}
	stop()
	<-sweepDone
}

// AwaitFactories blocks until at least n factories are healthy.
func (e *Engine) AwaitFactories(ctx context.Context, n int) ([]string, error) {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		if healthy := e.liveness.Healthy(); len(healthy) >= n {
			return healthy, nil
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("waiting for %d factories: %w", n, ctx.Err())
		case <-ticker.C:
		}
	}
}

// Launch assigns the scenarios to the healthy factories in turn and publishes one
// minions-start directive per scenario on the channel of its factory.
// It returns the keys of the published directives.
func (e *Engine) Launch(ctx context.Context) ([]string, error) {
	factories := e.liveness.Healthy()
	if len(factories) == 0 {
		return nil, ErrNoFactory
	}

	keys := make([]string, 0, len(e.cfg.Scenarios))
	for i := range e.cfg.Scenarios {
		scenario := &e.cfg.Scenarios[i]
		factory := factories[i%len(factories)]

		key, err := e.launchScenario(ctx, scenario, factory)
		if err != nil {
			return keys, fmt.Errorf("failed to launch scenario %s: %w", scenario.Name, err)
		}
		keys = append(keys, key)
	}
	return keys, nil
}

func (e *Engine) launchScenario(ctx context.Context, s *config.Scenario, factory string) (string, error) {
	meta := directive.Meta{Campaign: e.cfg.Campaign, Scenario: s.Name}

	steps := directive.NewList(campaign.ScenarioStepsName, meta, s.Steps...)
	if err := e.store.Save(ctx, steps); err != nil {
		return "", err
	}

	var idleTimeoutMs int64
	if e.cfg.Topic.IdleTimeout > 0 {
		idleTimeoutMs = e.cfg.Topic.IdleTimeout.Milliseconds()
	}
	maximalSize := -1
	if e.cfg.Topic.MaximalSize != nil {
		maximalSize = *e.cfg.Topic.MaximalSize
	}

	start := directive.NewSingleUse(campaign.MinionsStartName, meta, campaign.MinionsStart{
		Scenario: s.Name,
		Minions:  s.Minions,
		RampUp:   s.Profile(e.cfg.RampUp),
		Retry:    *e.cfg.Retry,
		Topic:    campaign.TopicSettings{MaximalSize: maximalSize, IdleTimeoutMs: idleTimeoutMs},
		StepsKey: steps.Key,
	})

	// Registered before the publication, a feedback can arrive before Publish returns.
	e.mu.Lock()
	e.launched[start.Key] = s.Name
	e.mu.Unlock()

	if err := e.producer.Publish(ctx, transport.UnicastDirectivesChannel(factory), start); err != nil {
		e.mu.Lock()
		delete(e.launched, start.Key)
		e.mu.Unlock()
		return "", err
	}

	e.logger.Info().
		Str("event", "scenario_launched").
		Str("scenario", s.Name).
		Str("factory", factory).
		Str("directive_key", start.Key).
		Int("minions", s.Minions).
		Msg("Scenario launched")
	return start.Key, nil
}

// Shutdown broadcasts the campaign-shutdown directive to every factory.
func (e *Engine) Shutdown(ctx context.Context, reason string) error {
	d := directive.NewDescriptive(campaign.CampaignShutdownName,
		directive.Meta{Campaign: e.cfg.Campaign}, map[string]string{"reason": reason})
	if err := e.producer.Publish(ctx, transport.BroadcastDirectivesChannel, d); err != nil {
		return err
	}
	e.logger.Info().Str("event", "campaign_shutdown").Str("reason", reason).Msg("Campaign shutdown requested")
	return nil
}

// Completed is closed when every launched directive reached a terminal status.
func (e *Engine) Completed() <-chan struct{} {
	return e.completed
}

// Status returns the aggregated status of a directive.
func (e *Engine) Status(directiveKey string) (feedback.Status, bool) {
	return e.aggregator.Status(directiveKey)
}

// Failures returns the failed directives of the campaign, keyed by directive key.
func (e *Engine) Failures() []feedback.Outcome {
	return e.aggregator.Failures()
}

// NodeFailures returns the node-level failures reported by the factories.
func (e *Engine) NodeFailures() []*feedback.NodeFeedback {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]*feedback.NodeFeedback(nil), e.nodeFails...)
}

// Run starts the engine, waits for the factories, launches the campaign and blocks until
// it completes or ctx is cancelled. The factories are asked to shut down in both cases.
func (e *Engine) Run(ctx context.Context) error {
	if err := e.Start(ctx); err != nil {
		return err
	}
	defer e.Stop()

	if _, err := e.AwaitFactories(ctx, 1); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return err
	}
	if _, err := e.Launch(ctx); err != nil {
		return err
	}

	select {
	case <-ctx.Done():
		e.logger.Info().Str("event", "head_stopping").Msg("Shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := e.Shutdown(shutdownCtx, "head stopped"); err != nil {
			e.logger.Warn().Err(err).Msg("Failed to broadcast the campaign shutdown")
		}
		return nil

	case <-e.completed:
		if err := e.Shutdown(ctx, "campaign completed"); err != nil {
			e.logger.Warn().Err(err).Msg("Failed to broadcast the campaign shutdown")
		}
		return e.result()
	}
}

func (e *Engine) result() error {
	failures := e.Failures()
	if len(failures) == 0 {
		e.logger.Info().Str("event", "campaign_completed").Msg("Campaign completed")
		return nil
	}

	msgs := make([]string, 0, len(failures))
	for _, f := range failures {
		nodes := make([]string, 0, len(f.Errors))
		for node, msg := range f.Errors {
			nodes = append(nodes, node+": "+msg)
		}
		sort.Strings(nodes)
		msgs = append(msgs, fmt.Sprintf("%s (%s)", f.DirectiveKey, strings.Join(nodes, ", ")))
	}
	return fmt.Errorf("%w: %s", ErrCampaignFailed, strings.Join(msgs, "; "))
}

func (e *Engine) onFeedback(_ context.Context, f feedback.Feedback) {
	switch v := f.(type) {
	case *feedback.DirectiveFeedback:
		changed := e.aggregator.Observe(v)
		if !changed {
			return
		}
		status, _ := e.aggregator.Status(v.DirectiveKey)
		e.logger.Info().
			Str("event", "directive_status").
			Str("directive_key", v.DirectiveKey).
			Str("node", v.NodeID).
			Str("status", string(status)).
			Str("error", v.Error).
			Msg("Directive status changed")
		e.checkCompletion()

	case *feedback.NodeFeedback:
		if v.Status != feedback.StatusFailed {
			return
		}
		e.mu.Lock()
		e.nodeFails = append(e.nodeFails, v)
		e.mu.Unlock()
		e.logger.Error().
			Str("event", "node_failure").
			Str("node", v.NodeID).
			Str("error", v.Error).
			Msg("Factory reported a failure")
	}
}

func (e *Engine) checkCompletion() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.launched) == 0 {
		return
	}
	select {
	case <-e.completed:
		return
	default:
	}
	for key := range e.launched {
		status, ok := e.aggregator.Status(key)
		if !ok || !status.IsDone() {
			return
		}
	}
	close(e.completed)
}

func (e *Engine) onHeartbeat(_ context.Context, hb *heartbeat.Heartbeat) {
	e.liveness.Observe(hb)
}

func (e *Engine) logTransition(t Transition) {
	ev := e.logger.Info()
	if t.To == heartbeat.StateUnhealthy || t.To == heartbeat.StateOffline {
		ev = e.logger.Warn()
	}
	ev.Str("event", "node_"+strings.ToLower(string(t.To))).
		Str("node", t.NodeID).
		Str("from", string(t.From)).
		Msg("Node state changed")
}
