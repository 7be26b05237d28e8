// Package watch streams the heartbeats and feedbacks of a drove instance to a terminal.
package watch

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/dyluth/drove/internal/channel"
	"github.com/dyluth/drove/pkg/feedback"
	"github.com/dyluth/drove/pkg/heartbeat"
	"github.com/dyluth/drove/pkg/transport"
)

// OutputFormat selects the rendering of the streamed events.
type OutputFormat string

const (
	OutputFormatDefault OutputFormat = "default"
	OutputFormatJSON    OutputFormat = "json"
)

// ParseOutputFormat validates a format given on the command line.
func ParseOutputFormat(s string) (OutputFormat, error) {
	switch OutputFormat(s) {
	case OutputFormatDefault, OutputFormatJSON:
		return OutputFormat(s), nil
	default:
		return "", fmt.Errorf("unknown output format: %s", s)
	}
}

// Event is one line of the stream in JSON format.
type Event struct {
	Event     string            `json:"event"`
	Timestamp time.Time         `json:"timestamp"`
	Node      string            `json:"node,omitempty"`
	Data      map[string]string `json:"data,omitempty"`
}

func heartbeatEvent(hb *heartbeat.Heartbeat) Event {
	data := map[string]string{"state": string(hb.State)}
	if hb.CampaignKey != "" {
		data["campaign"] = hb.CampaignKey
	}
	if hb.Tenant != "" {
		data["tenant"] = hb.Tenant
	}
	return Event{Event: "heartbeat", Timestamp: hb.Timestamp, Node: hb.NodeID, Data: data}
}

func feedbackEvent(f feedback.Feedback) Event {
	switch v := f.(type) {
	case *feedback.DirectiveFeedback:
		data := map[string]string{"directive_key": v.DirectiveKey, "status": string(v.Status)}
		if v.Error != "" {
			data["error"] = v.Error
		}
		return Event{Event: "directive_feedback", Timestamp: v.Timestamp, Node: v.NodeID, Data: data}
	case *feedback.NodeFeedback:
		data := map[string]string{"status": string(v.Status)}
		if v.Campaign != "" {
			data["campaign"] = v.Campaign
		}
		if v.Error != "" {
			data["error"] = v.Error
		}
		return Event{Event: "node_feedback", Timestamp: v.Timestamp, Node: v.NodeID, Data: data}
	}
	return Event{Event: "unknown_feedback", Timestamp: time.Now().UTC()}
}

// Format renders e as a single line, without the trailing newline.
func Format(e Event, format OutputFormat) (string, error) {
	if format == OutputFormatJSON {
		data, err := json.Marshal(e)
		if err != nil {
			return "", fmt.Errorf("failed to marshal event: %w", err)
		}
		return string(data), nil
	}

	ts := e.Timestamp.Format("15:04:05")
	switch e.Event {
	case "heartbeat":
		line := fmt.Sprintf("[%s] %s Heartbeat: node=%s, state=%s", ts, stateIcon(e.Data["state"]), e.Node, e.Data["state"])
		if c := e.Data["campaign"]; c != "" {
			line += ", campaign=" + c
		}
		return line, nil
	case "directive_feedback":
		line := fmt.Sprintf("[%s] %s Directive %s: node=%s, directive=%s", ts, statusIcon(e.Data["status"]), e.Data["status"], e.Node, e.Data["directive_key"])
		if msg := e.Data["error"]; msg != "" {
			line += ", error=" + msg
		}
		return line, nil
	case "node_feedback":
		line := fmt.Sprintf("[%s] %s Node %s: node=%s", ts, statusIcon(e.Data["status"]), e.Data["status"], e.Node)
		if msg := e.Data["error"]; msg != "" {
			line += ", error=" + msg
		}
		return line, nil
	default:
		return fmt.Sprintf("[%s] ❔ %s", ts, e.Event), nil
	}
}

func stateIcon(state string) string {
	switch heartbeat.State(state) {
	case heartbeat.StateHealthy:
		return "💚"
	case heartbeat.StateIdle:
		return "💤"
	case heartbeat.StateUnhealthy:
		return "⚠️"
	case heartbeat.StateOffline:
		return "🔌"
	default:
		return "📡"
	}
}

func statusIcon(status string) string {
	switch feedback.Status(status) {
	case feedback.StatusCompleted:
		return "✅"
	case feedback.StatusFailed:
		return "❌"
	default:
		return "⏳"
	}
}

// Stream writes every heartbeat and feedback published on t to w until ctx is cancelled.
func Stream(ctx context.Context, t transport.Transport, format OutputFormat, w io.Writer) error {
	var (
		mu       sync.Mutex
		writeErr error
	)
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	write := func(e Event) {
		line, err := Format(e, format)
		mu.Lock()
		defer mu.Unlock()
		if writeErr != nil {
			return
		}
		if err == nil {
			_, err = fmt.Fprintln(w, line)
		}
		if err != nil {
			writeErr = err
			cancel()
		}
	}

	hbJob, err := channel.NewHeartbeatConsumer(t, nil, zerolog.Nop()).Start(ctx, transport.HeartbeatChannel,
		func(_ context.Context, hb *heartbeat.Heartbeat) { write(heartbeatEvent(hb)) })
	if err != nil {
		return err
	}
	defer hbJob.Cancel()

	fbJob, err := channel.NewFeedbackConsumer(t, nil, zerolog.Nop()).Start(ctx, "watch",
		func(_ context.Context, f feedback.Feedback) { write(feedbackEvent(f)) })
	if err != nil {
		return err
	}
	defer fbJob.Cancel()

	<-ctx.Done()
	mu.Lock()
	defer mu.Unlock()
	return writeErr
}

// AwaitDirective waits for the aggregated terminal status of a directive.
// Returns an error if timeout occurs.
func AwaitDirective(ctx context.Context, t transport.Transport, directiveKey string, timeout time.Duration) (feedback.Outcome, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	aggregator := feedback.NewAggregator()
	done := make(chan struct{})
	var once sync.Once

	job, err := channel.NewFeedbackConsumer(t, nil, zerolog.Nop()).Start(ctx, "await-"+directiveKey,
		func(_ context.Context, f feedback.Feedback) {
			df, ok := f.(*feedback.DirectiveFeedback)
			if !ok || df.DirectiveKey != directiveKey {
				return
			}
			aggregator.Observe(df)
			if status, _ := aggregator.Status(directiveKey); status.IsDone() {
				once.Do(func() { close(done) })
			}
		})
	if err != nil {
		return feedback.Outcome{}, err
	}
	defer job.Cancel()

	select {
	case <-done:
		outcome, _ := aggregator.Outcome(directiveKey)
		return outcome, nil
	case <-ctx.Done():
		return feedback.Outcome{}, fmt.Errorf("timeout waiting for directive %s after %v", directiveKey, timeout)
	}
}
