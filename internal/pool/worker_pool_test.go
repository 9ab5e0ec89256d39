package pool

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPartitionedPool_OrderPerKey(t *testing.T) {
	p := NewPartitionedPool(4, 16)
	p.Start(context.Background())

	var (
		mu    sync.Mutex
		order = make(map[string][]int)
	)
	keys := []string{"INBOX", "Sent", "Archive", "Drafts", "Trash"}
	for i := 0; i < 50; i++ {
		for _, key := range keys {
			key, i := key, i
			require.NoError(t, p.Submit(context.Background(), key, func() {
				mu.Lock()
				order[key] = append(order[key], i)
				mu.Unlock()
			}))
		}
	}
	p.Stop()

	for _, key := range keys {
		require.Len(t, order[key], 50)
		for i, v := range order[key] {
			assert.Equal(t, i, v, "tasks of %s must run in submission order", key)
		}
	}
}

func TestPartitionedPool_PartitionIsStable(t *testing.T) {
	p := NewPartitionedPool(8, 1)

	for i := 0; i < 100; i++ {
		key := fmt.Sprintf("mailbox-%d", i)
		first := p.Partition(key)
		assert.Equal(t, first, p.Partition(key))
		assert.GreaterOrEqual(t, first, 0)
		assert.Less(t, first, 8)
	}
	assert.Equal(t, 8, p.Partitions())
}

func TestPartitionedPool_StopDrainsQueue(t *testing.T) {
	p := NewPartitionedPool(2, 100)
	p.Start(context.Background())

	var done int64
	for i := 0; i < 100; i++ {
		require.NoError(t, p.Submit(context.Background(), fmt.Sprint(i), func() {
			atomic.AddInt64(&done, 1)
		}))
	}
	p.Stop()

	assert.Equal(t, int64(100), atomic.LoadInt64(&done))
}

func TestPartitionedPool_SubmitAfterStop(t *testing.T) {
	p := NewPartitionedPool(1, 1)
	p.Start(context.Background())
	p.Stop()
	p.Stop()

	err := p.Submit(context.Background(), "INBOX", func() {})
	assert.ErrorIs(t, err, ErrPoolClosed)
	assert.False(t, p.TrySubmit("INBOX", func() {}))
}

func TestPartitionedPool_TrySubmitFullQueue(t *testing.T) {
	// 未启动的协程池不会消费任务
	p := NewPartitionedPool(1, 1)

	assert.True(t, p.TrySubmit("INBOX", func() {}))
	assert.False(t, p.TrySubmit("INBOX", func() {}))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, p.Submit(ctx, "INBOX", func() {}), context.Canceled)
}

func TestPartitionedPool_RecoversPanic(t *testing.T) {
	var recovered atomic.Value
	p := NewPartitionedPool(1, 4, WithPanicHandler(func(r interface{}) {
		recovered.Store(r)
	}))
	p.Start(context.Background())

	var ran int64
	require.NoError(t, p.Submit(context.Background(), "INBOX", func() { panic("boom") }))
	require.NoError(t, p.Submit(context.Background(), "INBOX", func() { atomic.AddInt64(&ran, 1) }))
	p.Stop()

	assert.Equal(t, "boom", recovered.Load())
	assert.Equal(t, int64(1), atomic.LoadInt64(&ran))
}
