package service

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mailmeta/backend/internal/domain"
	"mailmeta/backend/internal/storage/memory"
)

func TestIndexReader_FirstUnseen(t *testing.T) {
	ctx := context.Background()

	t.Run("指针存在时不扫描", func(t *testing.T) {
		store := memory.NewStore()
		require.NoError(t, store.SetFirstUnseen(ctx, "INBOX", 4))

		scans := 0
		reader := NewIndexReader(store, UnseenScannerFunc(func(context.Context, domain.MailboxID) (domain.MessageUID, bool, error) {
			scans++
			return 1, true, nil
		}), nil)

		uid, found, err := reader.FirstUnseen(ctx, "INBOX")
		require.NoError(t, err)
		assert.True(t, found)
		assert.Equal(t, domain.MessageUID(4), uid)
		assert.Zero(t, scans)
	})

	t.Run("指针缺失时扫描并回写", func(t *testing.T) {
		store := memory.NewStore()
		reader := NewIndexReader(store, UnseenScannerFunc(func(context.Context, domain.MailboxID) (domain.MessageUID, bool, error) {
			return 7, true, nil
		}), nil)

		uid, found, err := reader.FirstUnseen(ctx, "INBOX")
		require.NoError(t, err)
		assert.True(t, found)
		assert.Equal(t, domain.MessageUID(7), uid)

		stored, ok, err := store.ReadFirstUnseen(ctx, "INBOX")
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, domain.MessageUID(7), stored)
	})

	t.Run("扫描期间被并发写入时以存储为准", func(t *testing.T) {
		store := memory.NewStore()
		reader := NewIndexReader(store, UnseenScannerFunc(func(ctx context.Context, m domain.MailboxID) (domain.MessageUID, bool, error) {
			require.NoError(t, store.SetFirstUnseen(ctx, m, 3))
			return 7, true, nil
		}), nil)

		uid, found, err := reader.FirstUnseen(ctx, "INBOX")
		require.NoError(t, err)
		assert.True(t, found)
		assert.Equal(t, domain.MessageUID(3), uid)
	})

	t.Run("没有未读邮件", func(t *testing.T) {
		store := memory.NewStore()
		reader := NewIndexReader(store, UnseenScannerFunc(func(context.Context, domain.MailboxID) (domain.MessageUID, bool, error) {
			return 0, false, nil
		}), nil)

		_, found, err := reader.FirstUnseen(ctx, "INBOX")
		require.NoError(t, err)
		assert.False(t, found)

		_, found, err = NewIndexReader(store, nil, nil).FirstUnseen(ctx, "INBOX")
		require.NoError(t, err)
		assert.False(t, found)
	})

	t.Run("扫描失败", func(t *testing.T) {
		reader := NewIndexReader(memory.NewStore(), UnseenScannerFunc(func(context.Context, domain.MailboxID) (domain.MessageUID, bool, error) {
			return 0, false, errStorageDown
		}), nil)

		_, _, err := reader.FirstUnseen(ctx, "INBOX")
		assert.ErrorIs(t, err, errStorageDown)
	})
}

func TestIndexReader_Tables(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	reader := NewIndexReader(store, nil, nil)

	t.Run("计数器缺失时为0", func(t *testing.T) {
		c, err := reader.Counters(ctx, "INBOX")
		require.NoError(t, err)
		assert.Equal(t, domain.MailboxCounters{MailboxID: "INBOX"}, c)
	})

	t.Run("计数器读取失败", func(t *testing.T) {
		failing := NewIndexReader(&failingIndexStore{Store: memory.NewStore(), failCounter: true}, nil, nil)
		_, err := failing.Counters(ctx, "INBOX")
		assert.ErrorIs(t, err, errStorageDown)
	})

	t.Run("Recent与Deleted", func(t *testing.T) {
		require.NoError(t, store.AddRecent(ctx, "INBOX", 2))
		require.NoError(t, store.AddDeleted(ctx, "INBOX", 5))
		require.NoError(t, store.AddDeleted(ctx, "INBOX", 9))

		recent, err := reader.Recent(ctx, "INBOX")
		require.NoError(t, err)
		assert.Equal(t, []domain.MessageUID{2}, recent)

		deleted, err := reader.Deleted(ctx, "INBOX", domain.MessagesFrom(6))
		require.NoError(t, err)
		assert.Equal(t, []domain.MessageUID{9}, deleted)

		_, err = reader.Recent(ctx, "")
		assert.ErrorIs(t, err, domain.ErrInvalidMailboxID)
	})

	t.Run("可用标志包含系统标志但不含Recent", func(t *testing.T) {
		flags, err := reader.ApplicableFlags(ctx, "Empty")
		require.NoError(t, err)
		assert.Equal(t, []string{`\Answered`, `\Deleted`, `\Draft`, `\Flagged`, `\Seen`}, flags.Names())

		require.NoError(t, store.UnionApplicableFlags(ctx, "INBOX", []string{"work", "$label1"}))
		flags, err = reader.ApplicableFlags(ctx, "INBOX")
		require.NoError(t, err)
		assert.False(t, flags.Has(domain.FlagRecent))
		assert.True(t, flags.Has(domain.FlagSeen))
		assert.Equal(t, []string{"$label1", "work"}, flags.UserFlags())
	})
}
