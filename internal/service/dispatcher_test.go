package service

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mailmeta/backend/internal/domain"
	"mailmeta/backend/internal/pool"
	"mailmeta/backend/internal/storage/memory"
)

// recordingApplier 按邮箱记录事件的处理顺序
type recordingApplier struct {
	mu   sync.Mutex
	seen map[domain.MailboxID][]domain.MessageUID
}

func (a *recordingApplier) Apply(_ context.Context, e domain.MailboxEvent) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.seen == nil {
		a.seen = make(map[domain.MailboxID][]domain.MessageUID)
	}
	a.seen[e.MailboxID] = append(a.seen[e.MailboxID], e.Added.UID)
	return nil
}

type applierFunc func(ctx context.Context, e domain.MailboxEvent) error

func (f applierFunc) Apply(ctx context.Context, e domain.MailboxEvent) error { return f(ctx, e) }

func startPool(t *testing.T, partitions int) *pool.PartitionedPool {
	t.Helper()
	p := pool.NewPartitionedPool(partitions, 16)
	p.Start(context.Background())
	t.Cleanup(p.Stop)
	return p
}

func addedEvent(m domain.MailboxID, uid domain.MessageUID) domain.MailboxEvent {
	return domain.MailboxEvent{Type: domain.EventMessageAdded, MailboxID: m, Added: &domain.AddedMessage{UID: uid}}
}

func TestEventDispatcher_Dispatch(t *testing.T) {
	ctx := context.Background()

	t.Run("同一邮箱按提交顺序处理", func(t *testing.T) {
		applier := &recordingApplier{}
		d := NewEventDispatcher(applier, startPool(t, 4))

		var events []domain.MailboxEvent
		for uid := domain.MessageUID(1); uid <= 50; uid++ {
			for i := 0; i < 4; i++ {
				events = append(events, addedEvent(domain.MailboxID(fmt.Sprintf("box-%d", i)), uid))
			}
		}

		results := d.Dispatch(ctx, events)
		require.Len(t, results, len(events))
		assert.Empty(t, Failed(results))

		for i := 0; i < 4; i++ {
			uids := applier.seen[domain.MailboxID(fmt.Sprintf("box-%d", i))]
			require.Len(t, uids, 50)
			for j, uid := range uids {
				assert.Equal(t, domain.MessageUID(j+1), uid)
			}
		}
	})

	t.Run("非法事件单独报错", func(t *testing.T) {
		d := NewEventDispatcher(&recordingApplier{}, startPool(t, 2))

		results := d.Dispatch(ctx, []domain.MailboxEvent{
			addedEvent("INBOX", 1),
			{Type: domain.EventMessageAdded, MailboxID: "INBOX"},
			addedEvent("INBOX", 2),
		})

		failed := Failed(results)
		require.Len(t, failed, 1)
		assert.Equal(t, 1, failed[0].Index)
		assert.ErrorIs(t, failed[0].Err, domain.ErrInvalidEvent)
	})

	t.Run("单个事件超时", func(t *testing.T) {
		blocking := applierFunc(func(ctx context.Context, _ domain.MailboxEvent) error {
			<-ctx.Done()
			return ctx.Err()
		})
		d := NewEventDispatcher(blocking, startPool(t, 1), WithEventTimeout(10*time.Millisecond))

		results := d.Dispatch(ctx, []domain.MailboxEvent{addedEvent("INBOX", 1)})
		assert.ErrorIs(t, results[0].Err, context.DeadlineExceeded)
	})

	t.Run("处理器panic按失败返回", func(t *testing.T) {
		var recovered []interface{}
		p := pool.NewPartitionedPool(1, 4, pool.WithPanicHandler(func(r interface{}) {
			recovered = append(recovered, r)
		}))
		p.Start(ctx)
		t.Cleanup(p.Stop)

		panicking := applierFunc(func(_ context.Context, e domain.MailboxEvent) error {
			if e.Added.UID == 2 {
				panic("index table corrupted")
			}
			return nil
		})
		d := NewEventDispatcher(panicking, p)

		results := d.Dispatch(ctx, []domain.MailboxEvent{
			addedEvent("INBOX", 1),
			addedEvent("INBOX", 2),
			addedEvent("INBOX", 3),
		})

		failed := Failed(results)
		require.Len(t, failed, 1)
		assert.Equal(t, 1, failed[0].Index)
		assert.ErrorContains(t, failed[0].Err, "panic: index table corrupted")
		assert.Empty(t, recovered)
	})

	t.Run("协程池关闭后拒绝", func(t *testing.T) {
		p := pool.NewPartitionedPool(1, 1)
		p.Start(ctx)
		p.Stop()

		d := NewEventDispatcher(&recordingApplier{}, p)
		results := d.Dispatch(ctx, []domain.MailboxEvent{addedEvent("INBOX", 1)})
		assert.ErrorIs(t, results[0].Err, pool.ErrPoolClosed)
	})

	t.Run("结合索引处理器", func(t *testing.T) {
		store := memory.NewStore()
		d := NewEventDispatcher(NewIndexTableHandler(store), startPool(t, 2))

		results := d.Dispatch(ctx, []domain.MailboxEvent{
			addedEvent("INBOX", 1),
			addedEvent("INBOX", 2),
			{Type: domain.EventFlagsUpdated, MailboxID: "INBOX", Updated: &domain.UpdatedFlags{UID: 1, NewFlags: domain.NewFlags(domain.FlagSeen)}},
		})
		assert.Empty(t, Failed(results))

		c, err := store.ReadCounters(ctx, "INBOX")
		require.NoError(t, err)
		assert.Equal(t, int64(2), c.Count)
		assert.Equal(t, int64(1), c.Unseen)
	})
}
