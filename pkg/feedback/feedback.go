// Package feedback defines the status reports sent by the factories to the head and
// the head-side aggregation of directive outcomes.
package feedback

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Status is the progress of the work a feedback reports on.
type Status string

const (
	StatusInProgress Status = "IN_PROGRESS"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
)

// IsDone reports whether the status is terminal.
func (s Status) IsDone() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Validate checks if the Status is one of the defined values.
func (s Status) Validate() error {
	switch s {
	case StatusInProgress, StatusCompleted, StatusFailed:
		return nil
	default:
		return fmt.Errorf("invalid feedback status: %q", s)
	}
}

// Kind is the variant tag of a feedback on the wire.
type Kind string

const (
	KindDirective Kind = "directive"
	KindNode      Kind = "node"
)

// Feedback is implemented by DirectiveFeedback and NodeFeedback only.
type Feedback interface {
	FeedbackKey() string
	Kind() Kind
	// Stamp records the emitting node and tenant.
	Stamp(nodeID, tenant string)

	isFeedback()
}

// DirectiveFeedback reports the processing of one directive by one factory.
type DirectiveFeedback struct {
	Key          string    `json:"key"`
	DirectiveKey string    `json:"directive_key"`
	Status       Status    `json:"status"`
	Error        string    `json:"error,omitempty"`
	NodeID       string    `json:"node_id,omitempty"`
	Tenant       string    `json:"tenant,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

// NewDirectiveFeedback creates a feedback with a fresh key.
func NewDirectiveFeedback(directiveKey string, status Status, err error) *DirectiveFeedback {
	f := &DirectiveFeedback{
		Key:          uuid.New().String(),
		DirectiveKey: directiveKey,
		Status:       status,
		Timestamp:    time.Now().UTC(),
	}
	if err != nil {
		f.Error = err.Error()
	}
	return f
}

func (f *DirectiveFeedback) FeedbackKey() string { return f.Key }
func (f *DirectiveFeedback) Kind() Kind          { return KindDirective }
func (f *DirectiveFeedback) isFeedback()         {}

func (f *DirectiveFeedback) Stamp(nodeID, tenant string) {
	f.NodeID, f.Tenant = nodeID, tenant
}

// Validate checks the required fields.
func (f *DirectiveFeedback) Validate() error {
	if f.Key == "" {
		return fmt.Errorf("feedback key is required")
	}
	if f.DirectiveKey == "" {
		return fmt.Errorf("directive key is required")
	}
	return f.Status.Validate()
}

// NodeFeedback reports a factory-level event that is not bound to a directive,
// such as a failed campaign start on one node.
type NodeFeedback struct {
	Key       string    `json:"key"`
	NodeID    string    `json:"node_id,omitempty"`
	Tenant    string    `json:"tenant,omitempty"`
	Campaign  string    `json:"campaign,omitempty"`
	Status    Status    `json:"status"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// NewNodeFeedback creates a node feedback for campaignKey with a fresh key.
func NewNodeFeedback(campaignKey string, status Status, err error) *NodeFeedback {
	f := &NodeFeedback{
		Key:       uuid.New().String(),
		Campaign:  campaignKey,
		Status:    status,
		Timestamp: time.Now().UTC(),
	}
	if err != nil {
		f.Error = err.Error()
	}
	return f
}

func (f *NodeFeedback) FeedbackKey() string { return f.Key }
func (f *NodeFeedback) Kind() Kind          { return KindNode }
func (f *NodeFeedback) isFeedback()         {}

func (f *NodeFeedback) Stamp(nodeID, tenant string) {
	f.NodeID, f.Tenant = nodeID, tenant
}

type wire struct {
	Kind Kind            `json:"kind"`
	Body json.RawMessage `json:"feedback"`
}

// Marshal serializes f to its tagged JSON form.
func Marshal(f Feedback) ([]byte, error) {
	body, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal feedback: %w", err)
	}
	return json.Marshal(wire{Kind: f.Kind(), Body: body})
}

// Unmarshal reconstructs a feedback from its tagged JSON form.
func Unmarshal(data []byte) (Feedback, error) {
	var w wire
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("failed to unmarshal feedback: %w", err)
	}

	var f Feedback
	switch w.Kind {
	case KindDirective:
		f = &DirectiveFeedback{}
	case KindNode:
		f = &NodeFeedback{}
	default:
		return nil, fmt.Errorf("unknown feedback kind: %q", w.Kind)
	}
	if err := json.Unmarshal(w.Body, f); err != nil {
		return nil, fmt.Errorf("failed to unmarshal %s feedback: %w", w.Kind, err)
	}

	if df, ok := f.(*DirectiveFeedback); ok {
		if err := df.Validate(); err != nil {
			return nil, fmt.Errorf("invalid directive feedback: %w", err)
		}
	}
	return f, nil
}
