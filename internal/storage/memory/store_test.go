package memory

import (
	"context"
	"testing"

	"mailmeta/backend/internal/domain"
	"mailmeta/backend/internal/storage/storagetest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStore_Conformance(t *testing.T) {
	store := NewStore()
	storagetest.RunStoreTests(t, store, storagetest.WithCorruptACL(func(_ context.Context, m domain.MailboxID) error {
		store.PutRawACL(m, "{broken", 4)
		return nil
	}))
}

func TestMemoryStore_PutRawACL(t *testing.T) {
	store := NewStore()
	ctx := context.Background()
	m := domain.MailboxID("INBOX-raw")

	store.PutRawACL(m, "{not json", 7)

	record, err := store.ReadACL(ctx, m)
	require.NoError(t, err)
	require.NotNil(t, record)
	assert.Equal(t, "{not json", record.Data)
	assert.Equal(t, int64(7), record.Version)

	// 原始行同样受版本 CAS 约束
	ok, err := store.CompareAndSetACL(ctx, m, 6, `{"entries":{}}`, 7)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = store.CompareAndSetACL(ctx, m, 7, `{"entries":{}}`, 8)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestMemoryStore_Closed(t *testing.T) {
	store := NewStore()
	require.NoError(t, store.Health(context.Background()))

	require.NoError(t, store.Close())
	assert.ErrorIs(t, store.Health(context.Background()), ErrClosed)

	t.Run("关闭后拒绝读写", func(t *testing.T) {
		ctx := context.Background()

		_, err := store.CompareAndSetSequence(ctx, "INBOX", domain.SequenceUID, domain.InitialVersion, 1)
		assert.ErrorIs(t, err, ErrClosed)
		_, err = store.CompareAndSetACL(ctx, "INBOX", domain.InitialVersion, `{"entries":{}}`, 1)
		assert.ErrorIs(t, err, ErrClosed)
		assert.ErrorIs(t, store.AddCounters(ctx, "INBOX", domain.CounterDelta{Count: 1}), ErrClosed)
		assert.ErrorIs(t, store.AddRecent(ctx, "INBOX", 1), ErrClosed)
		assert.ErrorIs(t, store.UnionApplicableFlags(ctx, "INBOX", nil), ErrClosed)

		_, _, err = store.ReadSequence(ctx, "INBOX", domain.SequenceUID)
		assert.ErrorIs(t, err, ErrClosed)
		_, err = store.ListRecent(ctx, "INBOX")
		assert.ErrorIs(t, err, ErrClosed)
	})
}

func TestMemoryStore_CanceledContext(t *testing.T) {
	store := NewStore()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := store.CompareAndSetSequence(ctx, "INBOX", domain.SequenceUID, domain.InitialVersion, 1)
	assert.ErrorIs(t, err, context.Canceled)

	err = store.AddCounters(ctx, "INBOX", domain.CounterDelta{Count: 1})
	assert.ErrorIs(t, err, context.Canceled)

	_, _, err = store.ReadSequence(context.Background(), "INBOX", domain.SequenceUID)
	require.NoError(t, err)
}
