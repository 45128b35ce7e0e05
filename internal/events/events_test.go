package events

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type flakyPublisher struct {
	failures int32
	calls    atomic.Int32
	inner    *Recorder
}

func (f *flakyPublisher) Publish(ctx context.Context, e *Event) error {
	n := f.calls.Add(1)
	if n <= f.failures {
		return errors.New("broker unavailable")
	}
	return f.inner.Publish(ctx, e)
}

func TestNew_StampsEnvelope(t *testing.T) {
	e := New(TopicWorkflowStarted, "run_1", map[string]any{"orderId": "o1"})

	assert.True(t, strings.HasPrefix(e.ID, "evt_"))
	assert.Equal(t, TopicWorkflowStarted, e.Topic)
	assert.Equal(t, "run_1", e.Key)
	assert.False(t, e.Timestamp.IsZero())

	data, err := e.Marshal()
	require.NoError(t, err)
	var decoded map[string]any
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, "workflow.started", decoded["topic"])
}

func TestMulti_PublishesToAllAndJoinsErrors(t *testing.T) {
	a, b := NewRecorder(), NewRecorder()
	failing := &flakyPublisher{failures: 100, inner: NewRecorder()}

	err := Multi{a, failing, b}.Publish(context.Background(), New(TopicWorkflowCompleted, "run_1", nil))

	require.Error(t, err)
	assert.Len(t, a.Events(), 1)
	assert.Len(t, b.Events(), 1)
}

func TestReliable_RetriesUntilDelivered(t *testing.T) {
	sink := &flakyPublisher{failures: 2, inner: NewRecorder()}
	r := NewReliable(sink, 5, time.Millisecond)

	err := r.Publish(context.Background(), New(TopicWorkflowFailed, "run_1", nil))

	require.NoError(t, err)
	assert.Equal(t, int32(3), sink.calls.Load())
	assert.Len(t, sink.inner.Events(), 1)
}

func TestReliable_SwallowsExhaustedFailure(t *testing.T) {
	sink := &flakyPublisher{failures: 100, inner: NewRecorder()}
	r := NewReliable(sink, 2, time.Millisecond)

	err := r.Publish(context.Background(), New(TopicWorkflowFailed, "run_1", nil))

	assert.NoError(t, err)
	assert.Equal(t, int32(2), sink.calls.Load())
}

func TestReliable_IgnoresCallerCancellation(t *testing.T) {
	rec := NewRecorder()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_ = NewReliable(rec, 1, time.Millisecond).Publish(ctx, New(TopicWorkflowCancelled, "run_2", nil))

	assert.Len(t, rec.Events(), 1)
}

func TestRecorder_TopicsPreserveOrder(t *testing.T) {
	rec := NewRecorder()
	ctx := context.Background()
	_ = rec.Publish(ctx, New(TopicWorkflowStarted, "run_1", nil))
	_ = rec.Publish(ctx, New(TopicWorkflowStarted, "run_2", nil))
	_ = rec.Publish(ctx, New(TopicWorkflowStepCompleted, "run_1", nil))
	_ = rec.Publish(ctx, New(TopicWorkflowCompleted, "run_1", nil))

	assert.Equal(t, []Topic{TopicWorkflowStarted, TopicWorkflowStepCompleted, TopicWorkflowCompleted}, rec.Topics("run_1"))
}
