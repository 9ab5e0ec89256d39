package memory

import (
	"context"
	"fmt"
	"testing"

	"mailmeta/backend/internal/domain"
)

func BenchmarkMemoryStore_CompareAndSetSequence(b *testing.B) {
	store := NewStore()
	ctx := context.Background()
	m := domain.MailboxID("bench")

	b.ResetTimer()
	var current int64
	for i := 0; i < b.N; i++ {
		if ok, _ := store.CompareAndSetSequence(ctx, m, domain.SequenceUID, current, current+1); ok {
			current++
		}
	}
}

func BenchmarkMemoryStore_AddCounters(b *testing.B) {
	store := NewStore()
	ctx := context.Background()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		m := domain.MailboxID(fmt.Sprintf("mailbox-%d", i%100))
		_ = store.AddCounters(ctx, m, domain.CounterDelta{Count: 1, Unseen: 1})
	}
}

func BenchmarkMemoryStore_ListDeleted(b *testing.B) {
	store := NewStore()
	ctx := context.Background()
	m := domain.MailboxID("bench")

	// 预先填充
	for i := 1; i <= 10000; i++ {
		_ = store.AddDeleted(ctx, m, domain.MessageUID(i))
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = store.ListDeleted(ctx, m, domain.MessagesBetween(5000, 5100))
	}
}
