package feedback

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatus(t *testing.T) {
	assert.False(t, StatusInProgress.IsDone())
	assert.True(t, StatusCompleted.IsDone())
	assert.True(t, StatusFailed.IsDone())

	assert.NoError(t, StatusFailed.Validate())
	assert.Error(t, Status("DONE").Validate())
}

func TestNewDirectiveFeedback(t *testing.T) {
	f := NewDirectiveFeedback("d-1", StatusFailed, errors.New("no minion could start"))
	assert.NotEmpty(t, f.Key)
	assert.Equal(t, "d-1", f.DirectiveKey)
	assert.Equal(t, "no minion could start", f.Error)
	assert.False(t, f.Timestamp.IsZero())
	require.NoError(t, f.Validate())

	f.Stamp("factory-1", "acme")
	assert.Equal(t, "factory-1", f.NodeID)
	assert.Equal(t, "acme", f.Tenant)

	assert.Empty(t, NewDirectiveFeedback("d-1", StatusCompleted, nil).Error)
}

func TestNewNodeFeedback(t *testing.T) {
	f := NewNodeFeedback("campaign-1", StatusFailed, errors.New("factory stopped"))
	assert.NotEmpty(t, f.Key)
	assert.Equal(t, "campaign-1", f.Campaign)
	assert.Equal(t, "factory stopped", f.Error)
	assert.False(t, f.Timestamp.IsZero())

	f.Stamp("factory-1", "acme")
	assert.Equal(t, "factory-1", f.NodeID)
	assert.Empty(t, NewNodeFeedback("campaign-1", StatusCompleted, nil).Error)
}

func TestMarshal(t *testing.T) {
	t.Run("directive feedback", func(t *testing.T) {
		f := NewDirectiveFeedback("d-1", StatusCompleted, nil)
		f.Stamp("factory-1", "acme")

		data, err := Marshal(f)
		require.NoError(t, err)
		assert.Contains(t, string(data), `"kind":"directive"`)

		decoded, err := Unmarshal(data)
		require.NoError(t, err)
		got, ok := decoded.(*DirectiveFeedback)
		require.True(t, ok)
		assert.Equal(t, f.Key, got.Key)
		assert.Equal(t, f.Status, got.Status)
		assert.Equal(t, "factory-1", got.NodeID)
		assert.True(t, f.Timestamp.Equal(got.Timestamp))
	})

	t.Run("node feedback", func(t *testing.T) {
		f := &NodeFeedback{Key: "n-1", Campaign: "c", Status: StatusFailed, Error: "boom"}
		data, err := Marshal(f)
		require.NoError(t, err)

		decoded, err := Unmarshal(data)
		require.NoError(t, err)
		assert.Equal(t, KindNode, decoded.Kind())
		assert.Equal(t, "n-1", decoded.FeedbackKey())
	})

	t.Run("rejects invalid payloads", func(t *testing.T) {
		for name, data := range map[string]string{
			"not json":       `[`,
			"unknown kind":   `{"kind":"other","feedback":{}}`,
			"missing status": `{"kind":"directive","feedback":{"key":"k","directive_key":"d"}}`,
			"missing key":    `{"kind":"directive","feedback":{"directive_key":"d","status":"FAILED"}}`,
		} {
			_, err := Unmarshal([]byte(data))
			assert.Error(t, err, name)
		}
	})
}

func feedbackFrom(node string, status Status, errMsg string) *DirectiveFeedback {
	f := NewDirectiveFeedback("d-1", status, nil)
	f.NodeID = node
	f.Error = errMsg
	return f
}

func TestAggregator(t *testing.T) {
	t.Run("terminal status is idempotent", func(t *testing.T) {
		a := NewAggregator()
		assert.True(t, a.Observe(feedbackFrom("n1", StatusInProgress, "")))
		assert.True(t, a.Observe(feedbackFrom("n1", StatusCompleted, "")))
		assert.False(t, a.Observe(feedbackFrom("n1", StatusCompleted, "")))
		assert.False(t, a.Observe(feedbackFrom("n1", StatusInProgress, "")))

		status, ok := a.Status("d-1")
		require.True(t, ok)
		assert.Equal(t, StatusCompleted, status)
	})

	t.Run("terminal wins regardless of arrival order", func(t *testing.T) {
		a := NewAggregator()
		a.Observe(feedbackFrom("n1", StatusCompleted, ""))
		a.Observe(feedbackFrom("n1", StatusInProgress, ""))

		status, _ := a.Status("d-1")
		assert.Equal(t, StatusCompleted, status)
	})

	t.Run("last terminal feedback wins", func(t *testing.T) {
		a := NewAggregator()
		a.Observe(feedbackFrom("n1", StatusCompleted, ""))
		a.Observe(feedbackFrom("n1", StatusFailed, "late failure"))

		status, _ := a.Status("d-1")
		assert.Equal(t, StatusFailed, status)
	})

	t.Run("aggregates across nodes", func(t *testing.T) {
		a := NewAggregator()
		a.Observe(feedbackFrom("n1", StatusCompleted, ""))
		a.Observe(feedbackFrom("n2", StatusInProgress, ""))

		status, _ := a.Status("d-1")
		assert.Equal(t, StatusInProgress, status)
		assert.Equal(t, []string{"d-1"}, a.Pending())

		a.Observe(feedbackFrom("n2", StatusFailed, "step failed"))
		status, _ = a.Status("d-1")
		assert.Equal(t, StatusFailed, status)
		assert.Empty(t, a.Pending())

		failures := a.Failures()
		require.Len(t, failures, 1)
		assert.Equal(t, "d-1", failures[0].DirectiveKey)
		assert.Equal(t, map[string]string{"n2": "step failed"}, failures[0].Errors)
	})

	t.Run("unknown directive", func(t *testing.T) {
		a := NewAggregator()
		_, ok := a.Status("missing")
		assert.False(t, ok)
		_, ok = a.Outcome("missing")
		assert.False(t, ok)
	})

	t.Run("outcome", func(t *testing.T) {
		a := NewAggregator()
		a.Observe(feedbackFrom("n1", StatusCompleted, ""))
		o, ok := a.Outcome("d-1")
		require.True(t, ok)
		assert.Equal(t, StatusCompleted, o.Status)
		assert.Nil(t, o.Errors)
		assert.False(t, o.UpdatedAt.IsZero())
	})

	t.Run("concurrent observers", func(t *testing.T) {
		a := NewAggregator()
		var wg sync.WaitGroup
		for i := 0; i < 50; i++ {
			wg.Add(2)
			go func() {
				defer wg.Done()
				a.Observe(feedbackFrom("n1", StatusInProgress, ""))
			}()
			go func() {
				defer wg.Done()
				a.Observe(feedbackFrom("n1", StatusCompleted, ""))
			}()
		}
		wg.Wait()

		status, _ := a.Status("d-1")
		assert.Equal(t, StatusCompleted, status)
	})
}
