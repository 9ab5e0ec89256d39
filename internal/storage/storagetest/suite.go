// Package storagetest 提供各存储后端共用的一致性测试。
package storagetest

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mailmeta/backend/internal/domain"
	"mailmeta/backend/internal/storage"
)

// NewMailboxID 生成测试用的唯一邮箱 ID，避免共享后端上的数据互相干扰
func NewMailboxID() domain.MailboxID {
	return domain.MailboxID("test-" + uuid.NewString())
}

// CorruptACLFunc 绕过 CAS 向后端写入一条无法解析的 ACL 记录
type CorruptACLFunc func(ctx context.Context, mailboxID domain.MailboxID) error

// Option 一致性测试选项
type Option func(*options)

type options struct {
	corruptACL CorruptACLFunc
}

// WithCorruptACL 启用损坏 ACL 记录的用例
func WithCorruptACL(fn CorruptACLFunc) Option {
	return func(o *options) {
		o.corruptACL = fn
	}
}

func buildOptions(opts []Option) options {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// RunCASStoreTests 校验序列与 ACL 的 CAS 语义
func RunCASStoreTests(t *testing.T, store storage.CASStore, opts ...Option) {
	ctx := context.Background()
	o := buildOptions(opts)

	t.Run("序列首次插入", func(t *testing.T) {
		m := NewMailboxID()

		_, found, err := store.ReadSequence(ctx, m, domain.SequenceUID)
		require.NoError(t, err)
		assert.False(t, found)

		ok, err := store.CompareAndSetSequence(ctx, m, domain.SequenceUID, domain.InitialVersion, 1)
		require.NoError(t, err)
		assert.True(t, ok)

		// 行已存在时再次以 0 插入失败
		ok, err = store.CompareAndSetSequence(ctx, m, domain.SequenceUID, domain.InitialVersion, 1)
		require.NoError(t, err)
		assert.False(t, ok)

		v, found, err := store.ReadSequence(ctx, m, domain.SequenceUID)
		require.NoError(t, err)
		assert.True(t, found)
		assert.Equal(t, int64(1), v)
	})

	t.Run("序列期望值不匹配", func(t *testing.T) {
		m := NewMailboxID()

		ok, err := store.CompareAndSetSequence(ctx, m, domain.SequenceModSeq, 5, 6)
		require.NoError(t, err)
		assert.False(t, ok, "absent row never matches a non-zero expectation")

		ok, err = store.CompareAndSetSequence(ctx, m, domain.SequenceModSeq, domain.InitialVersion, 1)
		require.NoError(t, err)
		require.True(t, ok)

		ok, err = store.CompareAndSetSequence(ctx, m, domain.SequenceModSeq, 2, 3)
		require.NoError(t, err)
		assert.False(t, ok)

		ok, err = store.CompareAndSetSequence(ctx, m, domain.SequenceModSeq, 1, 2)
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("序列类型互相独立", func(t *testing.T) {
		m := NewMailboxID()

		ok, err := store.CompareAndSetSequence(ctx, m, domain.SequenceUID, domain.InitialVersion, 10)
		require.NoError(t, err)
		require.True(t, ok)

		_, found, err := store.ReadSequence(ctx, m, domain.SequenceModSeq)
		require.NoError(t, err)
		assert.False(t, found)
	})

	t.Run("并发CAS只有一个成功", func(t *testing.T) {
		m := NewMailboxID()
		ok, err := store.CompareAndSetSequence(ctx, m, domain.SequenceUID, domain.InitialVersion, 1)
		require.NoError(t, err)
		require.True(t, ok)

		var (
			wg      sync.WaitGroup
			mu      sync.Mutex
			winners int
		)
		for i := 0; i < 10; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				applied, err := store.CompareAndSetSequence(ctx, m, domain.SequenceUID, 1, 2)
				assert.NoError(t, err)
				if applied {
					mu.Lock()
					winners++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()
		assert.Equal(t, 1, winners)
	})

	t.Run("ACL版本CAS", func(t *testing.T) {
		m := NewMailboxID()

		record, err := store.ReadACL(ctx, m)
		require.NoError(t, err)
		assert.Nil(t, record)

		ok, err := store.CompareAndSetACL(ctx, m, domain.InitialVersion, `{"entries":{}}`, 1)
		require.NoError(t, err)
		require.True(t, ok)

		ok, err = store.CompareAndSetACL(ctx, m, domain.InitialVersion, `{"entries":{}}`, 1)
		require.NoError(t, err)
		assert.False(t, ok)

		ok, err = store.CompareAndSetACL(ctx, m, 1, `{"entries":{"bob":"lr"}}`, 2)
		require.NoError(t, err)
		require.True(t, ok)

		record, err = store.ReadACL(ctx, m)
		require.NoError(t, err)
		require.NotNil(t, record)
		assert.Equal(t, int64(2), record.Version)
		assert.Equal(t, `{"entries":{"bob":"lr"}}`, record.Data)

		ok, err = store.CompareAndSetACL(ctx, m, 1, `{"entries":{}}`, 2)
		require.NoError(t, err)
		assert.False(t, ok, "stale version must be rejected")
	})

	t.Run("损坏的ACL记录可读取并被CAS覆盖", func(t *testing.T) {
		if o.corruptACL == nil {
			t.Skip("backend cannot write a corrupt acl record")
		}
		m := NewMailboxID()
		require.NoError(t, o.corruptACL(ctx, m))

		record, err := store.ReadACL(ctx, m)
		require.NoError(t, err)
		require.NotNil(t, record)
		var acl domain.ACL
		assert.Error(t, json.Unmarshal([]byte(record.Data), &acl), "corrupt data must not parse as an acl")

		ok, err := store.CompareAndSetACL(ctx, m, record.Version+1, `{"entries":{}}`, record.Version+2)
		require.NoError(t, err)
		assert.False(t, ok, "only the version reported by ReadACL may overwrite")

		ok, err = store.CompareAndSetACL(ctx, m, record.Version, `{"entries":{"bob":"lr"}}`, record.Version+1)
		require.NoError(t, err)
		require.True(t, ok)

		repaired, err := store.ReadACL(ctx, m)
		require.NoError(t, err)
		require.NotNil(t, repaired)
		assert.Equal(t, record.Version+1, repaired.Version)
		assert.Equal(t, `{"entries":{"bob":"lr"}}`, repaired.Data)

		ok, err = store.CompareAndSetACL(ctx, m, record.Version, `{"entries":{}}`, record.Version+1)
		require.NoError(t, err)
		assert.False(t, ok, "stale version must be rejected")
	})

	t.Run("健康检查", func(t *testing.T) {
		assert.NoError(t, store.Health(ctx))
	})
}

// RunIndexStoreTests 校验二级索引表语义
func RunIndexStoreTests(t *testing.T, store storage.IndexStore) {
	ctx := context.Background()

	t.Run("计数器增量", func(t *testing.T) {
		m := NewMailboxID()

		counters, err := store.ReadCounters(ctx, m)
		require.NoError(t, err)
		assert.Nil(t, counters)

		require.NoError(t, store.IncrementCount(ctx, m))
		require.NoError(t, store.IncrementCount(ctx, m))
		require.NoError(t, store.IncrementUnseen(ctx, m))
		require.NoError(t, store.DecrementCount(ctx, m))
		require.NoError(t, store.AddCounters(ctx, m, domain.CounterDelta{Count: 3, Unseen: 2}))
		require.NoError(t, store.DecrementUnseen(ctx, m))

		counters, err = store.ReadCounters(ctx, m)
		require.NoError(t, err)
		require.NotNil(t, counters)
		assert.Equal(t, int64(4), counters.Count)
		assert.Equal(t, int64(2), counters.Unseen)
	})

	t.Run("并发计数不丢失", func(t *testing.T) {
		m := NewMailboxID()

		var wg sync.WaitGroup
		for i := 0; i < 50; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				assert.NoError(t, store.AddCounters(ctx, m, domain.CounterDelta{Count: 1, Unseen: 1}))
			}()
		}
		wg.Wait()

		counters, err := store.ReadCounters(ctx, m)
		require.NoError(t, err)
		require.NotNil(t, counters)
		assert.Equal(t, int64(50), counters.Count)
		assert.Equal(t, int64(50), counters.Unseen)
	})

	t.Run("重置计数器", func(t *testing.T) {
		m := NewMailboxID()
		require.NoError(t, store.AddCounters(ctx, m, domain.CounterDelta{Count: 7, Unseen: 7}))
		require.NoError(t, store.ResetCounters(ctx, domain.MailboxCounters{MailboxID: m, Count: 2, Unseen: 1}))

		counters, err := store.ReadCounters(ctx, m)
		require.NoError(t, err)
		require.NotNil(t, counters)
		assert.Equal(t, int64(2), counters.Count)
		assert.Equal(t, int64(1), counters.Unseen)
	})

	t.Run("Recent集合幂等", func(t *testing.T) {
		m := NewMailboxID()
		require.NoError(t, store.AddRecent(ctx, m, 3))
		require.NoError(t, store.AddRecent(ctx, m, 1))
		require.NoError(t, store.AddRecent(ctx, m, 3))
		require.NoError(t, store.RemoveRecent(ctx, m, 9))

		uids, err := store.ListRecent(ctx, m)
		require.NoError(t, err)
		assert.Equal(t, []domain.MessageUID{1, 3}, uids)

		require.NoError(t, store.RemoveRecent(ctx, m, 1))
		uids, err = store.ListRecent(ctx, m)
		require.NoError(t, err)
		assert.Equal(t, []domain.MessageUID{3}, uids)
	})

	t.Run("Deleted集合范围读取", func(t *testing.T) {
		m := NewMailboxID()
		for _, uid := range []domain.MessageUID{5, 1, 12, 7} {
			require.NoError(t, store.AddDeleted(ctx, m, uid))
		}
		require.NoError(t, store.AddDeleted(ctx, m, 5))

		all, err := store.ListDeleted(ctx, m, domain.AllMessages())
		require.NoError(t, err)
		assert.Equal(t, []domain.MessageUID{1, 5, 7, 12}, all)

		one, err := store.ListDeleted(ctx, m, domain.OneMessage(7))
		require.NoError(t, err)
		assert.Equal(t, []domain.MessageUID{7}, one)

		from, err := store.ListDeleted(ctx, m, domain.MessagesFrom(6))
		require.NoError(t, err)
		assert.Equal(t, []domain.MessageUID{7, 12}, from)

		between, err := store.ListDeleted(ctx, m, domain.MessagesBetween(2, 7))
		require.NoError(t, err)
		assert.Equal(t, []domain.MessageUID{5, 7}, between)

		require.NoError(t, store.RemoveDeleted(ctx, m, 5))
		all, err = store.ListDeleted(ctx, m, domain.AllMessages())
		require.NoError(t, err)
		assert.Equal(t, []domain.MessageUID{1, 7, 12}, all)

		_, err = store.ListDeleted(ctx, m, domain.MessagesBetween(9, 2))
		assert.ErrorIs(t, err, domain.ErrInvalidRange)
	})

	t.Run("首封未读指针", func(t *testing.T) {
		m := NewMailboxID()

		_, found, err := store.ReadFirstUnseen(ctx, m)
		require.NoError(t, err)
		assert.False(t, found)

		set, err := store.SetFirstUnseenIfAbsent(ctx, m, 4)
		require.NoError(t, err)
		assert.True(t, set)

		set, err = store.SetFirstUnseenIfAbsent(ctx, m, 2)
		require.NoError(t, err)
		assert.False(t, set)

		cleared, err := store.ClearFirstUnseenIf(ctx, m, 2)
		require.NoError(t, err)
		assert.False(t, cleared)

		uid, found, err := store.ReadFirstUnseen(ctx, m)
		require.NoError(t, err)
		assert.True(t, found)
		assert.Equal(t, domain.MessageUID(4), uid)

		require.NoError(t, store.SetFirstUnseen(ctx, m, 2))
		cleared, err = store.ClearFirstUnseenIf(ctx, m, 2)
		require.NoError(t, err)
		assert.True(t, cleared)

		_, found, err = store.ReadFirstUnseen(ctx, m)
		require.NoError(t, err)
		assert.False(t, found)

		require.NoError(t, store.SetFirstUnseen(ctx, m, 8))
		require.NoError(t, store.ClearFirstUnseen(ctx, m))
		_, found, err = store.ReadFirstUnseen(ctx, m)
		require.NoError(t, err)
		assert.False(t, found)
	})

	t.Run("可用标志只增不减", func(t *testing.T) {
		m := NewMailboxID()

		_, found, err := store.ReadApplicableFlags(ctx, m)
		require.NoError(t, err)
		assert.False(t, found)

		require.NoError(t, store.UnionApplicableFlags(ctx, m, nil))
		_, found, err = store.ReadApplicableFlags(ctx, m)
		require.NoError(t, err)
		assert.False(t, found, "empty union must not create a row")

		require.NoError(t, store.UnionApplicableFlags(ctx, m, []string{"work", "$Label1"}))
		require.NoError(t, store.UnionApplicableFlags(ctx, m, []string{"todo", "work"}))

		flags, found, err := store.ReadApplicableFlags(ctx, m)
		require.NoError(t, err)
		assert.True(t, found)
		assert.Equal(t, []string{"$Label1", "todo", "work"}, flags)
	})

	t.Run("健康检查", func(t *testing.T) {
		assert.NoError(t, store.Health(ctx))
	})
}

// RunStoreTests 对完整存储执行全部一致性测试
func RunStoreTests(t *testing.T, store storage.Store, opts ...Option) {
	t.Run("CAS", func(t *testing.T) { RunCASStoreTests(t, store, opts...) })
	t.Run("Index", func(t *testing.T) { RunIndexStoreTests(t, store) })
}
