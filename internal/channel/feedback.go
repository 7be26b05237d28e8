package channel

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/dyluth/drove/internal/metrics"
	"github.com/dyluth/drove/pkg/feedback"
	"github.com/dyluth/drove/pkg/transport"
)

// FeedbackProducer publishes the feedbacks of one node, stamped with its identity.
type FeedbackProducer struct {
	transport transport.Transport
	nodeID    string
	tenant    string
}

// NewFeedbackProducer creates a producer for the node nodeID of tenant.
func NewFeedbackProducer(t transport.Transport, nodeID, tenant string) *FeedbackProducer {
	return &FeedbackProducer{transport: t, nodeID: nodeID, tenant: tenant}
}

// Publish stamps and sends f. Delivery is not retried.
func (p *FeedbackProducer) Publish(ctx context.Context, f feedback.Feedback) error {
	f.Stamp(p.nodeID, p.tenant)
	payload, err := feedback.Marshal(f)
	if err != nil {
		return err
	}
	if err := p.transport.Send(ctx, transport.FeedbackChannel, payload); err != nil {
		return fmt.Errorf("failed to send feedback %s: %w", f.FeedbackKey(), err)
	}
	return nil
}

// FeedbackHandler is invoked once per received feedback.
type FeedbackHandler func(ctx context.Context, f feedback.Feedback)

// FeedbackConsumer receives the feedbacks of every node.
type FeedbackConsumer struct {
	transport transport.Transport
	metrics   *metrics.Metrics
	logger    zerolog.Logger
}

// NewFeedbackConsumer creates a consumer. m may be nil.
func NewFeedbackConsumer(t transport.Transport, m *metrics.Metrics, logger zerolog.Logger) *FeedbackConsumer {
	return &FeedbackConsumer{transport: t, metrics: m, logger: logger}
}

// Start invokes handler for every feedback until the job is cancelled.
// subscriberID identifies the consumer in the logs.
func (c *FeedbackConsumer) Start(ctx context.Context, subscriberID string, handler FeedbackHandler) (*Job, error) {
	sub, err := c.transport.Subscribe(ctx, transport.FeedbackChannel)
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to feedbacks: %w", err)
	}
	logger := c.logger.With().Str("subscriber", subscriberID).Logger()

	return startJob(ctx, sub, func(ctx context.Context, msg transport.Message) {
		f, err := feedback.Unmarshal(msg.Payload)
		if err != nil {
			logger.Warn().Err(err).Str("event", "feedback_decode_failed").Msg("Discarding invalid feedback")
			return
		}
		switch v := f.(type) {
		case *feedback.DirectiveFeedback:
			c.metrics.FeedbackReceived(string(v.Status))
		case *feedback.NodeFeedback:
			c.metrics.FeedbackReceived(string(v.Status))
		}
		handler(ctx, f)
	}), nil
}
