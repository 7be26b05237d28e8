package watch

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dyluth/drove/internal/channel"
	"github.com/dyluth/drove/pkg/feedback"
	"github.com/dyluth/drove/pkg/heartbeat"
	"github.com/dyluth/drove/pkg/transport"
)

var ts = time.Date(2026, 5, 4, 10, 11, 12, 0, time.UTC)

func TestParseOutputFormat(t *testing.T) {
	f, err := ParseOutputFormat("json")
	require.NoError(t, err)
	assert.Equal(t, OutputFormatJSON, f)

	_, err = ParseOutputFormat("yaml")
	assert.EqualError(t, err, "unknown output format: yaml")
}

func TestFormat(t *testing.T) {
	tests := []struct {
		name     string
		event    Event
		expected string
	}{
		{
			name:     "healthy heartbeat",
			event:    heartbeatEvent(&heartbeat.Heartbeat{NodeID: "factory-1", Timestamp: ts, State: heartbeat.StateHealthy, CampaignKey: "c-1"}),
			expected: "[10:11:12] 💚 Heartbeat: node=factory-1, state=HEALTHY, campaign=c-1",
		},
		{
			name:     "idle heartbeat",
			event:    heartbeatEvent(&heartbeat.Heartbeat{NodeID: "factory-1", Timestamp: ts, State: heartbeat.StateIdle}),
			expected: "[10:11:12] 💤 Heartbeat: node=factory-1, state=IDLE",
		},
		{
			name: "failed directive",
			event: feedbackEvent(&feedback.DirectiveFeedback{
				Key: "f-1", DirectiveKey: "d-1", Status: feedback.StatusFailed, Error: "boom", NodeID: "factory-2", Timestamp: ts,
			}),
			expected: "[10:11:12] ❌ Directive FAILED: node=factory-2, directive=d-1, error=boom",
		},
		{
			name: "directive in progress",
			event: feedbackEvent(&feedback.DirectiveFeedback{
				Key: "f-1", DirectiveKey: "d-1", Status: feedback.StatusInProgress, NodeID: "factory-2", Timestamp: ts,
			}),
			expected: "[10:11:12] ⏳ Directive IN_PROGRESS: node=factory-2, directive=d-1",
		},
		{
			name:     "node feedback",
			event:    feedbackEvent(&feedback.NodeFeedback{Key: "n-1", NodeID: "factory-3", Status: feedback.StatusCompleted, Timestamp: ts}),
			expected: "[10:11:12] ✅ Node COMPLETED: node=factory-3",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			line, err := Format(tt.event, OutputFormatDefault)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, line)
		})
	}

	t.Run("json", func(t *testing.T) {
		line, err := Format(heartbeatEvent(&heartbeat.Heartbeat{NodeID: "factory-1", Timestamp: ts, State: heartbeat.StateIdle}), OutputFormatJSON)
		require.NoError(t, err)
		assert.JSONEq(t, `{"event":"heartbeat","timestamp":"2026-05-04T10:11:12Z","node":"factory-1","data":{"state":"IDLE"}}`, line)
	})
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestStream(t *testing.T) {
	tr := transport.NewMemoryTransport()
	ctx, cancel := context.WithCancel(context.Background())
	out := &syncBuffer{}

	done := make(chan error, 1)
	go func() { done <- Stream(ctx, tr, OutputFormatDefault, out) }()

	// Publish until both subscriptions are active.
	producer := channel.NewFeedbackProducer(tr, "factory-1", "acme")
	beat, err := heartbeat.Marshal(&heartbeat.Heartbeat{NodeID: "factory-1", Timestamp: ts, State: heartbeat.StateHealthy})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		_ = tr.Send(ctx, transport.HeartbeatChannel, beat)
		_ = producer.Publish(ctx, feedback.NewDirectiveFeedback("d-1", feedback.StatusCompleted, nil))
		s := out.String()
		return strings.Contains(s, "Heartbeat: node=factory-1") && strings.Contains(s, "Directive COMPLETED: node=factory-1, directive=d-1")
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("stream did not stop")
	}
}

func TestAwaitDirective(t *testing.T) {
	ctx := context.Background()

	t.Run("returns the terminal outcome", func(t *testing.T) {
		tr := transport.NewMemoryTransport()
		producer := channel.NewFeedbackProducer(tr, "factory-1", "")

		go func() {
			for i := 0; i < 100; i++ {
				_ = producer.Publish(ctx, feedback.NewDirectiveFeedback("other", feedback.StatusFailed, nil))
				_ = producer.Publish(ctx, feedback.NewDirectiveFeedback("d-1", feedback.StatusInProgress, nil))
				_ = producer.Publish(ctx, feedback.NewDirectiveFeedback("d-1", feedback.StatusCompleted, nil))
				time.Sleep(10 * time.Millisecond)
			}
		}()

		outcome, err := AwaitDirective(ctx, tr, "d-1", 2*time.Second)
		require.NoError(t, err)
		assert.Equal(t, "d-1", outcome.DirectiveKey)
		assert.Equal(t, feedback.StatusCompleted, outcome.Status)
	})

	t.Run("times out", func(t *testing.T) {
		tr := transport.NewMemoryTransport()
		_, err := AwaitDirective(ctx, tr, "d-1", 50*time.Millisecond)
		assert.ErrorContains(t, err, "timeout waiting for directive d-1")
	})
}
