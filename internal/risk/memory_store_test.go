package risk

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/paycore/internal/pagination"
)

func TestMemoryStore_RecordGetList(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	_, err := store.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrScoreNotFound)

	for _, id := range []string{"tx1", "tx2", "tx3"} {
		require.NoError(t, store.Record(ctx, &Score{TransactionID: id, PayerID: "p1", Score: 10, Reasons: []string{"r"}}))
	}
	// A recorded score is never replaced and the index is not duplicated.
	err = store.Record(ctx, &Score{TransactionID: "tx2", PayerID: "evil", Score: 100})
	assert.ErrorIs(t, err, ErrScoreExists)

	got, err := store.Get(ctx, "tx2")
	require.NoError(t, err)
	assert.Equal(t, 10.0, got.Score)
	assert.Equal(t, "p1", got.PayerID)

	list, err := store.ListByPayer(ctx, "p1", 2)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "tx3", list[0].TransactionID)
	assert.Equal(t, "tx2", list[1].TransactionID)

	all, _ := store.ListByPayer(ctx, "p1", 0)
	assert.Len(t, all, 3)
}

func TestMemoryStore_ReturnsCopies(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	s := &Score{TransactionID: "tx", Reasons: []string{"a"}}
	require.NoError(t, store.Record(ctx, s))

	s.Reasons[0] = "mutated"
	got, _ := store.Get(ctx, "tx")
	assert.Equal(t, "a", got.Reasons[0])

	got.Reasons[0] = "mutated again"
	again, _ := store.Get(ctx, "tx")
	assert.Equal(t, "a", again.Reasons[0])
}

func TestMemoryStore_ListByPayerCursor(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for i, id := range []string{"tx1", "tx2", "tx3", "tx4"} {
		require.NoError(t, store.Record(ctx, &Score{
			TransactionID: id,
			PayerID:       "p1",
			CheckedAt:     base.Add(time.Duration(i) * time.Minute),
		}))
	}

	first, err := store.ListByPayer(ctx, "p1", 2)
	require.NoError(t, err)
	require.Len(t, first, 2)
	assert.Equal(t, "tx4", first[0].TransactionID)

	last := first[len(first)-1]
	next, err := store.ListByPayer(ctx, "p1", 10, WithCursor(pagination.Encode(last.CheckedAt, last.TransactionID)))
	require.NoError(t, err)
	require.Len(t, next, 2)
	assert.Equal(t, "tx2", next[0].TransactionID)
	assert.Equal(t, "tx1", next[1].TransactionID)

	// Garbage cursors are ignored.
	all, err := store.ListByPayer(ctx, "p1", 10, WithCursor("!!"))
	require.NoError(t, err)
	assert.Len(t, all, 4)
}
