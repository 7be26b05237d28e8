// Package channel implements the three control-plane channels between the head and the
// factories on top of a transport: directives, feedbacks and heartbeats.
package channel

import (
	"context"
	"sync"

	"github.com/dyluth/drove/pkg/transport"
)

// Job is the handle of a consumption loop.
type Job struct {
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// startJob runs handle for every message of sub until ctx is done, the job is cancelled
// or the subscription ends.
func startJob(ctx context.Context, sub *transport.Subscription, handle func(ctx context.Context, msg transport.Message)) *Job {
	jobCtx, cancel := context.WithCancel(ctx)
	j := &Job{cancel: cancel, done: make(chan struct{})}

	go func() {
		defer close(j.done)
		defer sub.Close()

		messages := sub.Messages()
		for {
			select {
			case <-jobCtx.Done():
				return
			case msg, ok := <-messages:
				if !ok {
					return
				}
				handle(jobCtx, msg)
			}
		}
	}()
	return j
}

// Cancel stops the loop. When Cancel returns, the handler is no longer invoked and the
// underlying subscription is released.
func (j *Job) Cancel() {
	j.once.Do(j.cancel)
	<-j.done
}

// Done is closed when the loop exited.
func (j *Job) Done() <-chan struct{} {
	return j.done
}
