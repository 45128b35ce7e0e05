package workflow

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/paycore/internal/testutil"
)

func sampleRun(id string, created time.Time) *Run {
	return &Run{
		ID:            id,
		CorrelationID: "corr-" + id,
		Template:      "standard_payment",
		OrderID:       "order_1",
		PayerID:       "payer_1",
		PaymentMethod: "bkash",
		Amount:        decimal.RequireFromString("1250.75"),
		Currency:      "BDT",
		Status:        StatusPending,
		MaxRetries:    6,
		Steps: []StepRecord{
			{StepID: "validation", Type: "validation", Name: "Validate", Status: StepPending, MaxRetries: 3},
			{StepID: "fraud_check", Type: "fraud_check", Name: "Fraud", Status: StepPending, MaxRetries: 3},
		},
		Metadata:  map[string]any{"channel": "app"},
		CreatedAt: created,
		UpdatedAt: created,
	}
}

func TestPostgresStore_SaveAndGet(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	ctx := context.Background()
	store := NewPostgresStore(db)
	now := time.Now().UTC().Truncate(time.Microsecond)

	run := sampleRun("run_pg_1", now)
	require.NoError(t, store.Save(ctx, run))

	got, err := store.Get(ctx, "run_pg_1")
	require.NoError(t, err)
	assert.Equal(t, run.CorrelationID, got.CorrelationID)
	assert.True(t, run.Amount.Equal(got.Amount))
	assert.Equal(t, StatusPending, got.Status)
	require.Len(t, got.Steps, 2)
	assert.Equal(t, "fraud_check", got.Steps[1].StepID)
	assert.Equal(t, "app", got.Metadata["channel"])
	assert.Nil(t, got.StartedAt)

	// Advance and update.
	run.Status = StatusProcessing
	run.CurrentStep = 1
	run.StartedAt = timePtr(now)
	run.Steps[0].Status = StepCompleted
	run.Steps[0].Output = map[string]any{"valid": true}
	require.NoError(t, store.Save(ctx, run))

	got, err = store.Get(ctx, "run_pg_1")
	require.NoError(t, err)
	assert.Equal(t, StatusProcessing, got.Status)
	assert.Equal(t, 1, got.CurrentStep)
	assert.Equal(t, StepCompleted, got.Steps[0].Status)
	assert.Equal(t, true, got.Steps[0].Output["valid"])
	require.NotNil(t, got.StartedAt)
	assert.True(t, now.Equal(*got.StartedAt))

	_, err = store.Get(ctx, "run_missing")
	assert.ErrorIs(t, err, ErrRunNotFound)
}

func TestPostgresStore_CurrentStepNeverRegresses(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	ctx := context.Background()
	store := NewPostgresStore(db)

	run := sampleRun("run_pg_2", time.Now().UTC())
	run.CurrentStep = 2
	require.NoError(t, store.Save(ctx, run))

	stale := run.Clone()
	stale.CurrentStep = 1
	require.NoError(t, store.Save(ctx, stale))

	got, err := store.Get(ctx, "run_pg_2")
	require.NoError(t, err)
	assert.Equal(t, 2, got.CurrentStep)
}

func TestPostgresStore_TerminalRowIsNotReopened(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	ctx := context.Background()
	store := NewPostgresStore(db)
	now := time.Now().UTC().Truncate(time.Microsecond)

	run := sampleRun("run_pg_done", now)
	run.Status = StatusCompleted
	run.CurrentStep = 2
	run.CompletedAt = timePtr(now)
	require.NoError(t, store.Save(ctx, run))

	stale := run.Clone()
	stale.Status = StatusProcessing
	stale.CompletedAt = nil
	stale.Steps[1].Status = StepProcessing
	require.NoError(t, store.Save(ctx, stale))

	got, err := store.Get(ctx, "run_pg_done")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, got.Status)
	assert.NotNil(t, got.CompletedAt)
	assert.Equal(t, StepPending, got.Steps[1].Status)

	// Same-status writes still land, e.g. compensation bookkeeping on a failed run.
	failed := sampleRun("run_pg_failed", now)
	failed.Status = StatusFailed
	require.NoError(t, store.Save(ctx, failed))
	failed.Steps[0].CompensatedAt = timePtr(now)
	require.NoError(t, store.Save(ctx, failed))

	got, err = store.Get(ctx, "run_pg_failed")
	require.NoError(t, err)
	assert.NotNil(t, got.Steps[0].CompensatedAt)
}

func TestPostgresStore_ListActive(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	ctx := context.Background()
	store := NewPostgresStore(db)
	base := time.Now().UTC()

	pending := sampleRun("run_pg_a", base)
	processing := sampleRun("run_pg_b", base.Add(time.Second))
	processing.Status = StatusProcessing
	done := sampleRun("run_pg_c", base.Add(2*time.Second))
	done.Status = StatusCompleted
	done.CompletedAt = timePtr(base)

	for _, r := range []*Run{processing, done, pending} {
		require.NoError(t, store.Save(ctx, r))
	}

	active, err := store.ListActive(ctx)
	require.NoError(t, err)
	require.Len(t, active, 2)
	assert.Equal(t, "run_pg_a", active[0].ID)
	assert.Equal(t, "run_pg_b", active[1].ID)
}
