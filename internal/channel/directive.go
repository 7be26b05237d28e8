package channel

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"github.com/dyluth/drove/internal/metrics"
	"github.com/dyluth/drove/pkg/directive"
	"github.com/dyluth/drove/pkg/feedback"
	"github.com/dyluth/drove/pkg/transport"
)

// Processor handles the directives it accepts.
type Processor interface {
	Name() string
	// Order positions the processor in the chain, lowest first.
	Order() int
	Accept(d directive.Directive) bool
	Process(ctx context.Context, d directive.Directive) error
}

// Executor is a processor terminating the execution of a directive: its failures are
// reported as FAILED feedbacks for the directive.
type Executor interface {
	Processor
	IsExecutor() bool
}

// DirectiveProducer publishes directives. Referencable directives are saved in the
// store and only their reference travels on the transport.
type DirectiveProducer struct {
	transport transport.Transport
	store     *directive.Store
	metrics   *metrics.Metrics
	logger    zerolog.Logger
}

// NewDirectiveProducer creates a producer. m may be nil.
func NewDirectiveProducer(t transport.Transport, store *directive.Store, m *metrics.Metrics, logger zerolog.Logger) *DirectiveProducer {
	return &DirectiveProducer{transport: t, store: store, metrics: m, logger: logger}
}

// Publish sends d on channel. For a referencable directive, the save completes before
// the reference is sent and a save failure aborts the publication.
func (p *DirectiveProducer) Publish(ctx context.Context, channel string, d directive.Directive) error {
	sent := d
	if r, ok := d.(directive.Referencable); ok {
		if err := p.store.Save(ctx, d); err != nil {
			return fmt.Errorf("failed to publish directive %s: %w", d.Metadata().Key, err)
		}
		sent = r.Reference()
	}

	payload, err := p.store.Codec().Encode(sent)
	if err != nil {
		return err
	}
	if err := p.transport.Send(ctx, channel, payload); err != nil {
		return fmt.Errorf("failed to send directive %s on %s: %w", d.Metadata().Key, channel, err)
	}

	p.metrics.DirectivePublished(d.Name())
	p.logger.Debug().
		Str("event", "directive_published").
		Str("directive_key", d.Metadata().Key).
		Str("name", d.Name()).
		Str("kind", string(sent.Kind())).
		Str("channel", channel).
		Msg("Directive published")
	return nil
}

// DirectiveConsumer decodes the directives received on its channels and dispatches them
// to the chain of registered processors.
type DirectiveConsumer struct {
	transport transport.Transport
	codec     *directive.Codec
	feedbacks *FeedbackProducer
	metrics   *metrics.Metrics
	logger    zerolog.Logger

	mu         sync.RWMutex
	processors []Processor
}

// NewDirectiveConsumer creates a consumer. feedbacks receives the failures of the
// executors; when nil, they are only logged.
func NewDirectiveConsumer(t transport.Transport, codec *directive.Codec, feedbacks *FeedbackProducer, m *metrics.Metrics, logger zerolog.Logger) *DirectiveConsumer {
	return &DirectiveConsumer{transport: t, codec: codec, feedbacks: feedbacks, metrics: m, logger: logger}
}

// Register adds p to the chain. Processors of equal order keep their registration order.
func (c *DirectiveConsumer) Register(p Processor) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.processors = append(c.processors, p)
	sort.SliceStable(c.processors, func(i, j int) bool {
		return c.processors[i].Order() < c.processors[j].Order()
	})
}

// Processors returns the chain in dispatch order.
func (c *DirectiveConsumer) Processors() []Processor {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]Processor(nil), c.processors...)
}

// Start consumes the directives of channels until ctx is done or the job is cancelled.
// The subscription is active when Start returns.
func (c *DirectiveConsumer) Start(ctx context.Context, channels ...string) (*Job, error) {
	sub, err := c.transport.Subscribe(ctx, channels...)
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to directives: %w", err)
	}
	return startJob(ctx, sub, func(ctx context.Context, msg transport.Message) {
		d, err := c.codec.Decode(msg.Payload)
		if err != nil {
			c.logger.Error().
				Err(err).
				Str("event", "directive_decode_failed").
				Str("channel", msg.Channel).
				Msg("Discarding undecodable directive")
			return
		}
		c.Dispatch(ctx, d)
	}), nil
}

// Dispatch invokes every accepting processor in order. A failing processor does not
// prevent the next ones from running. It returns the number of accepting processors.
func (c *DirectiveConsumer) Dispatch(ctx context.Context, d directive.Directive) int {
	accepted := 0
	for _, p := range c.Processors() {
		if !p.Accept(d) {
			continue
		}
		accepted++
		if err := c.process(ctx, p, d); err != nil {
			c.fail(ctx, p, d, err)
		}
	}

	if accepted == 0 {
		c.metrics.DirectiveUnhandled(d.Name())
		c.logger.Debug().
			Str("event", "directive_unhandled").
			Str("directive_key", d.Metadata().Key).
			Str("name", d.Name()).
			Msg("No processor accepted the directive")
	}
	return accepted
}

func (c *DirectiveConsumer) process(ctx context.Context, p Processor, d directive.Directive) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("processor %s panicked: %v", p.Name(), r)
		}
	}()
	return p.Process(ctx, d)
}

func (c *DirectiveConsumer) fail(ctx context.Context, p Processor, d directive.Directive, err error) {
	c.metrics.ProcessorFailed(p.Name())
	c.logger.Error().
		Err(err).
		Str("event", "processor_failed").
		Str("processor", p.Name()).
		Str("directive_key", d.Metadata().Key).
		Msg("Directive processing failed")

	e, ok := p.(Executor)
	if !ok || !e.IsExecutor() || c.feedbacks == nil {
		return
	}
	f := feedback.NewDirectiveFeedback(d.Metadata().Key, feedback.StatusFailed, err)
	if pubErr := c.feedbacks.Publish(ctx, f); pubErr != nil {
		c.logger.Error().
			Err(pubErr).
			Str("event", "feedback_publish_failed").
			Str("directive_key", d.Metadata().Key).
			Msg("Failed to report the processing failure")
	}
}
