package channel

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/dyluth/drove/internal/metrics"
	"github.com/dyluth/drove/pkg/heartbeat"
	"github.com/dyluth/drove/pkg/transport"
)

// HeartbeatEmitter periodically sends the heartbeat of a node.
type HeartbeatEmitter struct {
	transport transport.Transport
	logger    zerolog.Logger
	now       func() time.Time

	mu       sync.Mutex
	state    heartbeat.State
	campaign string
	cancel   context.CancelFunc
	done     chan struct{}
}

// NewHeartbeatEmitter creates a stopped emitter reporting HEALTHY.
func NewHeartbeatEmitter(t transport.Transport, logger zerolog.Logger) *HeartbeatEmitter {
	return &HeartbeatEmitter{
		transport: t,
		logger:    logger,
		now:       time.Now,
		state:     heartbeat.StateHealthy,
	}
}

// SetState changes the state reported by the next heartbeats.
func (e *HeartbeatEmitter) SetState(state heartbeat.State) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.state = state
}

// SetCampaign attaches key to the next heartbeats. An empty key detaches it.
func (e *HeartbeatEmitter) SetCampaign(key string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.campaign = key
}

// Start emits a first heartbeat immediately, then one every period until Stop or ctx ends.
func (e *HeartbeatEmitter) Start(ctx context.Context, nodeID, tenant string, period time.Duration) error {
	if nodeID == "" {
		return fmt.Errorf("node id is required")
	}
	if period <= 0 {
		return fmt.Errorf("heartbeat period must be > 0, got %s", period)
	}

	e.mu.Lock()
	if e.cancel != nil {
		e.mu.Unlock()
		return fmt.Errorf("heartbeat emitter already started")
	}
	emitCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	e.cancel, e.done = cancel, done
	e.mu.Unlock()

	go func() {
		defer close(done)
		ticker := time.NewTicker(period)
		defer ticker.Stop()

		for {
			e.emit(emitCtx, nodeID, tenant)
			select {
			case <-emitCtx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
	return nil
}

func (e *HeartbeatEmitter) emit(ctx context.Context, nodeID, tenant string) {
	e.mu.Lock()
	hb := &heartbeat.Heartbeat{
		NodeID:      nodeID,
		Tenant:      tenant,
		Timestamp:   e.now().UTC(),
		State:       e.state,
		CampaignKey: e.campaign,
	}
	e.mu.Unlock()

	payload, err := heartbeat.Marshal(hb)
	if err == nil {
		err = e.transport.Send(ctx, transport.HeartbeatChannel, payload)
	}
	if err != nil && ctx.Err() == nil {
		e.logger.Warn().Err(err).Str("event", "heartbeat_failed").Msg("Failed to send heartbeat")
	}
}

// Stop ends the emission and waits for the emitting goroutine. The emitter can be started again.
func (e *HeartbeatEmitter) Stop() {
	e.mu.Lock()
	cancel, done := e.cancel, e.done
	e.cancel, e.done = nil, nil
	e.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
}

// HeartbeatHandler is invoked once per received heartbeat.
type HeartbeatHandler func(ctx context.Context, hb *heartbeat.Heartbeat)

// HeartbeatConsumer receives the heartbeats of the factories.
type HeartbeatConsumer struct {
	transport transport.Transport
	metrics   *metrics.Metrics
	logger    zerolog.Logger
}

// NewHeartbeatConsumer creates a consumer. m may be nil.
func NewHeartbeatConsumer(t transport.Transport, m *metrics.Metrics, logger zerolog.Logger) *HeartbeatConsumer {
	return &HeartbeatConsumer{transport: t, metrics: m, logger: logger}
}

// Start invokes handler for every heartbeat received on channelID, the heartbeat channel
// when empty, until the job is cancelled.
func (c *HeartbeatConsumer) Start(ctx context.Context, channelID string, handler HeartbeatHandler) (*Job, error) {
	if channelID == "" {
		channelID = transport.HeartbeatChannel
	}
	sub, err := c.transport.Subscribe(ctx, channelID)
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to heartbeats: %w", err)
	}

	return startJob(ctx, sub, func(ctx context.Context, msg transport.Message) {
		hb, err := heartbeat.Unmarshal(msg.Payload)
		if err != nil {
			c.logger.Warn().Err(err).Str("event", "heartbeat_decode_failed").Msg("Discarding invalid heartbeat")
			return
		}
		c.metrics.HeartbeatReceived(string(hb.State))
		handler(ctx, hb)
	}), nil
}
