package factory

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dyluth/drove/internal/campaign"
	"github.com/dyluth/drove/internal/channel"
	"github.com/dyluth/drove/internal/config"
	"github.com/dyluth/drove/internal/executors"
	"github.com/dyluth/drove/internal/metrics"
	"github.com/dyluth/drove/pkg/directive"
	"github.com/dyluth/drove/pkg/feedback"
	"github.com/dyluth/drove/pkg/heartbeat"
	"github.com/dyluth/drove/pkg/rampup"
	"github.com/dyluth/drove/pkg/retry"
	"github.com/dyluth/drove/pkg/topic"
	"github.com/dyluth/drove/pkg/transport"
)

var noRetry = retry.BackoffPolicy{Retries: 0, Multiplier: 1}

func TestCatalog(t *testing.T) {
	c := NewCatalog()
	assert.Equal(t, []string{"echo", "fail", "pause"}, c.Types())

	t.Run("builds in order with default names", func(t *testing.T) {
		steps, err := c.build([]config.Step{
			{Name: "wait", Type: "pause", Duration: time.Millisecond},
			{Type: "echo", Params: map[string]string{"value": "hello"}},
		})
		require.NoError(t, err)
		require.Len(t, steps, 2)
		assert.Equal(t, "wait", steps[0].name)
		assert.Equal(t, "echo-1", steps[1].name)

		out, err := steps[1].run(context.Background(), "ignored")
		require.NoError(t, err)
		assert.Equal(t, "hello", out)
	})

	t.Run("invalid steps", func(t *testing.T) {
		_, err := c.build([]config.Step{{Type: "http"}})
		assert.ErrorContains(t, err, `unknown step type "http"`)

		_, err = c.build([]config.Step{{Type: "pause"}})
		assert.ErrorContains(t, err, "a positive duration is required")
	})

	t.Run("pause honours the context", func(t *testing.T) {
		steps, err := c.build([]config.Step{{Type: "pause", Duration: time.Hour}})
		require.NoError(t, err)
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
		defer cancel()
		_, err = steps[0].run(ctx, nil)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})

	t.Run("echo forwards its input and fail fails", func(t *testing.T) {
		steps, err := c.build([]config.Step{{Type: "echo"}, {Type: "fail", Params: map[string]string{"message": "boom"}}})
		require.NoError(t, err)
		out, err := steps[0].run(context.Background(), 42)
		require.NoError(t, err)
		assert.Equal(t, 42, out)
		_, err = steps[1].run(context.Background(), nil)
		assert.EqualError(t, err, "boom")
	})
}

func TestMinionRun(t *testing.T) {
	ctx := context.Background()

	t.Run("publishes every output in order and chains them", func(t *testing.T) {
		out := topic.New[Output](-1, 0)
		defer out.Close()
		sub, err := out.Subscribe("test")
		require.NoError(t, err)

		var calls atomic.Int32
		m := &Minion{
			ID:     "m-1",
			policy: noRetry,
			out:    out,
			steps: []namedStep{
				{name: "first", run: func(context.Context, any) (any, error) { return 1, nil }},
				{name: "second", run: func(_ context.Context, in any) (any, error) { return in.(int) + 1, nil }},
			},
			onOutput: func() { calls.Add(1) },
		}
		require.NoError(t, m.Run(ctx))
		assert.Equal(t, int32(2), calls.Load())

		first, err := sub.Poll(ctx)
		require.NoError(t, err)
		assert.Equal(t, "first", first.Step)
		assert.Equal(t, "m-1", first.Minion)
		second, err := sub.Poll(ctx)
		require.NoError(t, err)
		assert.Equal(t, 2, second.Value)
	})

	t.Run("retries a failing step", func(t *testing.T) {
		out := topic.New[Output](10, 0)
		defer out.Close()

		var attempts atomic.Int32
		m := &Minion{
			ID:     "m-1",
			policy: retry.BackoffPolicy{Retries: 2, Multiplier: 1},
			out:    out,
			steps: []namedStep{{name: "flaky", run: func(context.Context, any) (any, error) {
				if attempts.Add(1) < 3 {
					return nil, errors.New("not yet")
				}
				return "ok", nil
			}}},
		}
		require.NoError(t, m.Run(ctx))
		assert.Equal(t, int32(3), attempts.Load())
	})

	t.Run("stops at the first exhausted step", func(t *testing.T) {
		out := topic.New[Output](10, 0)
		defer out.Close()

		stepErr := errors.New("down")
		var reached bool
		m := &Minion{
			ID:     "m-1",
			policy: noRetry,
			out:    out,
			steps: []namedStep{
				{name: "broken", run: func(context.Context, any) (any, error) { return nil, stepErr }},
				{name: "never", run: func(context.Context, any) (any, error) {
					reached = true
					return nil, nil
				}},
			},
		}
		err := m.Run(ctx)
		assert.ErrorIs(t, err, stepErr)
		assert.Contains(t, err.Error(), "step broken")
		assert.False(t, reached)
	})
}

// testFactory wires a factory on a memory transport and records its feedbacks.
type testFactory struct {
	engine    *Engine
	transport *transport.MemoryTransport
	store     *directive.Store
	producer  *channel.DirectiveProducer

	mu        sync.Mutex
	feedbacks []*feedback.DirectiveFeedback
	nodes     []*feedback.NodeFeedback
}

func newTestFactory(t *testing.T) *testFactory {
	t.Helper()
	return newTestFactoryWithPools(t, executors.Config{Global: "4"})
}

func newTestFactoryWithPools(t *testing.T, cfg executors.Config) *testFactory {
	t.Helper()
	ctx := context.Background()
	tr := transport.NewMemoryTransport()
	store := directive.NewStore(directive.NewMemoryRegistry(), campaign.NewCodec())
	pools, err := executors.New(cfg)
	require.NoError(t, err)
	t.Cleanup(pools.Close)

	tf := &testFactory{
		transport: tr,
		store:     store,
		producer:  channel.NewDirectiveProducer(tr, store, nil, zerolog.Nop()),
	}
	job, err := channel.NewFeedbackConsumer(tr, nil, zerolog.Nop()).Start(ctx, "test", func(_ context.Context, f feedback.Feedback) {
		tf.mu.Lock()
		defer tf.mu.Unlock()
		switch v := f.(type) {
		case *feedback.DirectiveFeedback:
			tf.feedbacks = append(tf.feedbacks, v)
		case *feedback.NodeFeedback:
			tf.nodes = append(tf.nodes, v)
		}
	})
	require.NoError(t, err)
	t.Cleanup(job.Cancel)

	tf.engine = NewEngine(tr, store, pools, NewCatalog(), Options{NodeID: "factory-1", Tenant: "acme", HeartbeatPeriod: 10 * time.Millisecond}, metrics.New(), zerolog.Nop())
	require.NoError(t, tf.engine.Start(ctx))
	t.Cleanup(tf.engine.Stop)
	return tf
}

func (tf *testFactory) statuses(key string) []feedback.Status {
	tf.mu.Lock()
	defer tf.mu.Unlock()
	var statuses []feedback.Status
	for _, f := range tf.feedbacks {
		if f.DirectiveKey == key {
			statuses = append(statuses, f.Status)
		}
	}
	return statuses
}

func (tf *testFactory) nodeFeedbacks() []*feedback.NodeFeedback {
	tf.mu.Lock()
	defer tf.mu.Unlock()
	return append([]*feedback.NodeFeedback(nil), tf.nodes...)
}

func (tf *testFactory) last(key string) *feedback.DirectiveFeedback {
	tf.mu.Lock()
	defer tf.mu.Unlock()
	for i := len(tf.feedbacks) - 1; i >= 0; i-- {
		if tf.feedbacks[i].DirectiveKey == key {
			return tf.feedbacks[i]
		}
	}
	return nil
}

func (tf *testFactory) startScenario(t *testing.T, minions int, profile rampup.Profile, steps ...config.Step) string {
	t.Helper()
	ctx := context.Background()
	meta := directive.Meta{Campaign: "campaign-1", Scenario: "checkout"}

	list := directive.NewList(campaign.ScenarioStepsName, meta, steps...)
	require.NoError(t, tf.store.Save(ctx, list))

	start := directive.NewSingleUse(campaign.MinionsStartName, meta, campaign.MinionsStart{
		Scenario: "checkout",
		Minions:  minions,
		RampUp:   profile,
		Retry:    noRetry,
		Topic:    campaign.TopicSettings{MaximalSize: 5, IdleTimeoutMs: 1000},
		StepsKey: list.Key,
	})
	require.NoError(t, tf.producer.Publish(ctx, transport.UnicastDirectivesChannel("factory-1"), start))
	return start.Key
}

func (tf *testFactory) awaitTerminal(t *testing.T, key string) *feedback.DirectiveFeedback {
	t.Helper()
	require.Eventually(t, func() bool {
		last := tf.last(key)
		return last != nil && last.Status.IsDone()
	}, 2*time.Second, 5*time.Millisecond)
	return tf.last(key)
}

func TestEngine_RunsScenario(t *testing.T) {
	tf := newTestFactory(t)
	profile := rampup.Profile{
		Strategy:    rampup.KindRegular,
		SpeedFactor: 1,
		Regular:     &rampup.Regular{Period: 5 * time.Millisecond, Count: 3},
	}
	key := tf.startScenario(t, 7, profile,
		config.Step{Name: "think", Type: "pause", Duration: time.Millisecond},
		config.Step{Name: "say", Type: "echo", Params: map[string]string{"value": "hi"}},
	)

	last := tf.awaitTerminal(t, key)
	assert.Equal(t, feedback.StatusCompleted, last.Status, last.Error)
	assert.Equal(t, "factory-1", last.NodeID)
	assert.Equal(t, "acme", last.Tenant)
	assert.Equal(t, []feedback.Status{feedback.StatusInProgress, feedback.StatusCompleted}, tf.statuses(key))

	require.Eventually(t, func() bool { return len(tf.engine.Running()) == 0 }, time.Second, 5*time.Millisecond)
	_, ok := tf.engine.Outputs(key)
	assert.False(t, ok)

	// The single-use order was consumed.
	_, err := tf.store.Get(context.Background(), key)
	assert.ErrorIs(t, err, directive.ErrNotFound)
}

func TestEngine_FailingStepFailsTheDirective(t *testing.T) {
	tf := newTestFactory(t)
	key := tf.startScenario(t, 2, rampup.Profile{Strategy: rampup.KindImmediate, SpeedFactor: 1},
		config.Step{Type: "fail", Params: map[string]string{"message": "payment refused"}},
	)

	last := tf.awaitTerminal(t, key)
	assert.Equal(t, feedback.StatusFailed, last.Status)
	assert.Contains(t, last.Error, "payment refused")
}

func TestEngine_RegistryInconsistency(t *testing.T) {
	tf := newTestFactory(t)
	ctx := context.Background()

	ref := directive.Reference{
		Meta:   directive.Meta{Key: "missing", Campaign: "campaign-1"},
		Target: directive.KindSingleUse,
		Tag:    campaign.MinionsStartName,
	}
	payload, err := tf.store.Codec().Encode(ref)
	require.NoError(t, err)
	require.NoError(t, tf.transport.Send(ctx, transport.UnicastDirectivesChannel("factory-1"), payload))

	last := tf.awaitTerminal(t, "missing")
	assert.Equal(t, feedback.StatusFailed, last.Status)
	assert.Contains(t, last.Error, "failed to resolve minions-start missing")
}

func TestEngine_UnknownStepTypeFailsTheDirective(t *testing.T) {
	tf := newTestFactory(t)
	key := tf.startScenario(t, 1, rampup.Profile{Strategy: rampup.KindImmediate, SpeedFactor: 1},
		config.Step{Type: "grpc"},
	)

	last := tf.awaitTerminal(t, key)
	assert.Equal(t, feedback.StatusFailed, last.Status)
	assert.Contains(t, last.Error, `unknown step type "grpc"`)
	assert.Equal(t, []feedback.Status{feedback.StatusFailed}, tf.statuses(key))
}

func TestEngine_ShutdownInterruptsScenario(t *testing.T) {
	tf := newTestFactory(t)
	ctx := context.Background()
	key := tf.startScenario(t, 3, rampup.Profile{Strategy: rampup.KindImmediate, SpeedFactor: 1},
		config.Step{Type: "pause", Duration: time.Hour},
	)
	require.Eventually(t, func() bool { return len(tf.engine.Running()) == 1 }, time.Second, 5*time.Millisecond)
	out, ok := tf.engine.Outputs(key)
	require.True(t, ok)
	assert.NotNil(t, out)

	// Another campaign is left untouched.
	other := directive.NewDescriptive(campaign.CampaignShutdownName, directive.Meta{Campaign: "other"}, nil)
	require.NoError(t, tf.producer.Publish(ctx, transport.BroadcastDirectivesChannel, other))

	shutdown := directive.NewDescriptive(campaign.CampaignShutdownName, directive.Meta{Campaign: "campaign-1"},
		map[string]string{"reason": "operator request"})
	require.NoError(t, tf.producer.Publish(ctx, transport.BroadcastDirectivesChannel, shutdown))

	last := tf.awaitTerminal(t, key)
	assert.Equal(t, feedback.StatusFailed, last.Status)
	assert.Equal(t, "interrupted: operator request", last.Error)
}

func TestEngine_Heartbeats(t *testing.T) {
	tf := newTestFactory(t)
	ctx := context.Background()

	var mu sync.Mutex
	var beats []*heartbeat.Heartbeat
	job, err := channel.NewHeartbeatConsumer(tf.transport, nil, zerolog.Nop()).Start(ctx, "", func(_ context.Context, hb *heartbeat.Heartbeat) {
		mu.Lock()
		defer mu.Unlock()
		beats = append(beats, hb)
	})
	require.NoError(t, err)
	defer job.Cancel()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(beats) > 0
	}, time.Second, 5*time.Millisecond)
	mu.Lock()
	assert.Equal(t, heartbeat.StateIdle, beats[0].State)
	assert.Equal(t, "factory-1", beats[0].NodeID)
	mu.Unlock()

	tf.startScenario(t, 1, rampup.Profile{Strategy: rampup.KindImmediate, SpeedFactor: 1},
		config.Step{Type: "pause", Duration: time.Hour},
	)
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		last := beats[len(beats)-1]
		return last.State == heartbeat.StateHealthy && last.CampaignKey == "campaign-1"
	}, time.Second, 5*time.Millisecond)
}

func TestEngine_StartTwice(t *testing.T) {
	tf := newTestFactory(t)
	assert.Error(t, tf.engine.Start(context.Background()))
}

func TestEngine_MoreScenariosThanGlobalWorkers(t *testing.T) {
	tf := newTestFactoryWithPools(t, executors.Config{Global: "2"})
	immediate := rampup.Profile{Strategy: rampup.KindImmediate, SpeedFactor: 1}

	keys := make([]string, 4)
	for i := range keys {
		keys[i] = tf.startScenario(t, 2, immediate, config.Step{Type: "pause", Duration: 50 * time.Millisecond})
	}
	for _, key := range keys {
		last := tf.awaitTerminal(t, key)
		assert.Equal(t, feedback.StatusCompleted, last.Status, last.Error)
	}
}

func TestEngine_SuspendedMinionsDoNotHoldWorkers(t *testing.T) {
	tf := newTestFactoryWithPools(t, executors.Config{Global: "2"})

	begin := time.Now()
	key := tf.startScenario(t, 40, rampup.Profile{Strategy: rampup.KindImmediate, SpeedFactor: 1},
		config.Step{Type: "pause", Duration: 100 * time.Millisecond},
	)
	last := tf.awaitTerminal(t, key)
	assert.Equal(t, feedback.StatusCompleted, last.Status, last.Error)
	// The 40 minions of the line pause together, not 2 at a time.
	assert.Less(t, time.Since(begin), 600*time.Millisecond)
}

func TestEngine_StopReportsInterruptedCampaigns(t *testing.T) {
	tf := newTestFactory(t)
	key := tf.startScenario(t, 1, rampup.Profile{Strategy: rampup.KindImmediate, SpeedFactor: 1},
		config.Step{Type: "pause", Duration: time.Hour},
	)
	require.Eventually(t, func() bool { return len(tf.engine.Running()) == 1 }, time.Second, 5*time.Millisecond)

	tf.engine.Stop()

	last := tf.awaitTerminal(t, key)
	assert.Equal(t, "interrupted: factory stopped", last.Error)
	require.Eventually(t, func() bool { return len(tf.nodeFeedbacks()) == 1 }, time.Second, 5*time.Millisecond)
	node := tf.nodeFeedbacks()[0]
	assert.Equal(t, "campaign-1", node.Campaign)
	assert.Equal(t, feedback.StatusFailed, node.Status)
	assert.Equal(t, "factory stopped", node.Error)
	assert.Equal(t, "factory-1", node.NodeID)
}

func TestEngine_IdleStopSendsNoNodeFeedback(t *testing.T) {
	tf := newTestFactory(t)
	tf.engine.Stop()
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, tf.nodeFeedbacks())
}
