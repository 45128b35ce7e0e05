package workflow

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestDriver_StopsOnContextCancel(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	orch, _, _ := newTestOrchestrator(t, standardTemplate(nil))
	d := NewDriver(orch, 5*time.Millisecond, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		d.Start(ctx)
		close(done)
	}()

	run, err := orch.StartWorkflow(context.Background(), paymentRequest("standard_payment"))
	require.NoError(t, err)
	waitForStatus(t, orch, run.ID, StatusCompleted)
	assert.True(t, d.Running())

	cancel()
	<-done
	assert.False(t, d.Running())
	require.NoError(t, orch.Shutdown(context.Background()))
}

func TestDriver_Stop(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	orch, _, _ := newTestOrchestrator(t, standardTemplate(nil))
	d := NewDriver(orch, time.Hour, nil)

	done := make(chan struct{})
	go func() {
		d.Start(context.Background())
		close(done)
	}()
	require.Eventually(t, d.Running, time.Second, time.Millisecond)

	// The wake signal drives the run even though the ticker never fires.
	run, err := orch.StartWorkflow(context.Background(), paymentRequest("standard_payment"))
	require.NoError(t, err)
	waitForStatus(t, orch, run.ID, StatusCompleted)

	d.Stop()
	d.Stop()
	<-done
	assert.False(t, d.Running())
	require.NoError(t, orch.Shutdown(context.Background()))
}

func TestDriver_WaitsOutBackoff(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	var attempts []time.Time
	flaky := &funcStep{typ: "capture", fn: func(context.Context, StepContext) (map[string]any, error) {
		attempts = append(attempts, time.Now())
		if len(attempts) < 3 {
			return nil, assert.AnError
		}
		return map[string]any{}, nil
	}}
	reg := NewRegistry()
	require.NoError(t, reg.Register(standardTemplate(map[string]Step{"capture": flaky})))
	orch := NewOrchestrator(reg, NewMemoryStore(), Config{
		BackoffBase: 20 * time.Millisecond,
		BackoffCap:  40 * time.Millisecond,
		StepTimeout: time.Second,
	})
	d := NewDriver(orch, time.Millisecond, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		d.Start(ctx)
		close(done)
	}()

	run, err := orch.StartWorkflow(context.Background(), paymentRequest("standard_payment"))
	require.NoError(t, err)
	waitForStatus(t, orch, run.ID, StatusCompleted)

	cancel()
	<-done
	require.NoError(t, orch.Shutdown(context.Background()))

	require.Len(t, attempts, 3)
	// retry 1 waits base×2, retry 2 hits the cap
	assert.GreaterOrEqual(t, attempts[1].Sub(attempts[0]), 40*time.Millisecond)
	assert.GreaterOrEqual(t, attempts[2].Sub(attempts[1]), 40*time.Millisecond)
}

func TestShutdown_WaitsForInFlightStep(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	entered := make(chan struct{})
	slow := &funcStep{typ: "authorization", fn: func(ctx context.Context, _ StepContext) (map[string]any, error) {
		close(entered)
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	orch, store, _ := newTestOrchestrator(t, standardTemplate(map[string]Step{"authorization": slow}))
	d := NewDriver(orch, time.Millisecond, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		d.Start(ctx)
		close(done)
	}()

	run, err := orch.StartWorkflow(context.Background(), paymentRequest("standard_payment"))
	require.NoError(t, err)
	<-entered

	cancel()
	<-done
	require.NoError(t, orch.Shutdown(context.Background()))

	// An interrupted attempt is not charged against the retry budget.
	stored, err := store.Get(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusProcessing, stored.Status)
	assert.Equal(t, 2, stored.CurrentStep)
	assert.Equal(t, StepPending, stored.Steps[2].Status)
	assert.Equal(t, 0, stored.Steps[2].RetryCount)
}
