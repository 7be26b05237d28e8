package head

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/dyluth/drove/internal/metrics"
	"github.com/dyluth/drove/pkg/heartbeat"
)

// Node is the head-side view of a factory.
type Node struct {
	ID     string
	Tenant string
	// State is derived by the head from the heartbeats and their absence.
	State heartbeat.State
	// Reported is the state carried by the last accepted heartbeat.
	Reported    heartbeat.State
	CampaignKey string
	// LastHeartbeat is the timestamp of the last accepted heartbeat, LastSeen its reception time.
	LastHeartbeat time.Time
	LastSeen      time.Time
}

// Transition is a change of the derived state of a node.
type Transition struct {
	NodeID string
	From   heartbeat.State
	To     heartbeat.State
	At     time.Time
}

// Liveness tracks the state of the factories from their heartbeats:
//
//	REGISTERED --(first heartbeat)--> HEALTHY
//	HEALTHY --(silent for 2 periods)--> UNHEALTHY --(heartbeat)--> HEALTHY
//	HEALTHY|UNHEALTHY --(disconnect or silent for offlineAfter)--> OFFLINE
//
// OFFLINE is terminal for the node. Heartbeats older than the last accepted one are discarded.
type Liveness struct {
	period       time.Duration
	offlineAfter time.Duration
	metrics      *metrics.Metrics
	listener     func(Transition)
	now          func() time.Time

	mu    sync.RWMutex
	nodes map[string]*Node
}

// NewLiveness creates a monitor for heartbeats emitted every period. A zero offlineAfter
// means 10 periods. listener, when not nil, is called outside of any lock for every transition.
func NewLiveness(period, offlineAfter time.Duration, m *metrics.Metrics, listener func(Transition)) *Liveness {
	if offlineAfter <= 0 {
		offlineAfter = 10 * period
	}
	return &Liveness{
		period:       period,
		offlineAfter: offlineAfter,
		metrics:      m,
		listener:     listener,
		now:          time.Now,
		nodes:        make(map[string]*Node),
	}
}

// Register declares a node expected to connect. Known nodes are left untouched.
func (l *Liveness) Register(nodeID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.nodes[nodeID]; !ok {
		l.nodes[nodeID] = &Node{ID: nodeID, State: heartbeat.StateRegistered, LastSeen: l.now()}
	}
}

// Observe applies hb and reports whether it was accepted.
func (l *Liveness) Observe(hb *heartbeat.Heartbeat) bool {
	now := l.now()
	var transitions []Transition

	l.mu.Lock()
	node, ok := l.nodes[hb.NodeID]
	if !ok {
		node = &Node{ID: hb.NodeID, State: heartbeat.StateRegistered}
		l.nodes[hb.NodeID] = node
	}
	if node.State == heartbeat.StateOffline || hb.Timestamp.Before(node.LastHeartbeat) {
		l.mu.Unlock()
		return false
	}

	node.Tenant = hb.Tenant
	node.Reported = hb.State
	node.CampaignKey = hb.CampaignKey
	node.LastHeartbeat = hb.Timestamp
	node.LastSeen = now

	next := heartbeat.StateHealthy
	switch hb.State {
	case heartbeat.StateOffline:
		next = heartbeat.StateOffline
	case heartbeat.StateUnhealthy:
		next = heartbeat.StateUnhealthy
	}
	if t, changed := l.move(node, next, now); changed {
		transitions = append(transitions, t)
	}
	l.mu.Unlock()

	l.notify(transitions)
	return true
}

// Disconnect moves the node to OFFLINE.
func (l *Liveness) Disconnect(nodeID string) {
	now := l.now()
	var transitions []Transition

	l.mu.Lock()
	if node, ok := l.nodes[nodeID]; ok {
		if t, changed := l.move(node, heartbeat.StateOffline, now); changed {
			transitions = append(transitions, t)
		}
	}
	l.mu.Unlock()

	l.notify(transitions)
}

// Sweep derives the states of the silent nodes at now.
func (l *Liveness) Sweep(now time.Time) {
	var transitions []Transition

	l.mu.Lock()
	for _, node := range l.nodes {
		if node.State != heartbeat.StateHealthy && node.State != heartbeat.StateUnhealthy {
			continue
		}
		silence := now.Sub(node.LastSeen)
		next := node.State
		switch {
		case silence > l.offlineAfter:
			next = heartbeat.StateOffline
		case silence > 2*l.period:
			next = heartbeat.StateUnhealthy
		}
		if t, changed := l.move(node, next, now); changed {
			transitions = append(transitions, t)
		}
	}
	l.mu.Unlock()

	sort.Slice(transitions, func(i, j int) bool { return transitions[i].NodeID < transitions[j].NodeID })
	l.notify(transitions)
}

// Run sweeps every period until ctx is done.
func (l *Liveness) Run(ctx context.Context) {
	ticker := time.NewTicker(l.period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.Sweep(l.now())
		}
	}
}

// move must be called with the lock held.
func (l *Liveness) move(node *Node, to heartbeat.State, at time.Time) (Transition, bool) {
	if node.State == to || node.State == heartbeat.StateOffline {
		return Transition{}, false
	}
	t := Transition{NodeID: node.ID, From: node.State, To: to, At: at}
	node.State = to
	return t, true
}

func (l *Liveness) notify(transitions []Transition) {
	for _, t := range transitions {
		l.metrics.NodeTransition(string(t.To))
		if l.listener != nil {
			l.listener(t)
		}
	}
}

// Node returns the state of a node.
func (l *Liveness) Node(id string) (Node, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	node, ok := l.nodes[id]
	if !ok {
		return Node{}, false
	}
	return *node, true
}

// Nodes returns every known node, sorted by id.
func (l *Liveness) Nodes() []Node {
	l.mu.RLock()
	defer l.mu.RUnlock()
	nodes := make([]Node, 0, len(l.nodes))
	for _, node := range l.nodes {
		nodes = append(nodes, *node)
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].ID < nodes[j].ID })
	return nodes
}

// Healthy returns the ids of the HEALTHY nodes, sorted.
func (l *Liveness) Healthy() []string {
	var ids []string
	for _, node := range l.Nodes() {
		if node.State == heartbeat.StateHealthy {
			ids = append(ids, node.ID)
		}
	}
	return ids
}
