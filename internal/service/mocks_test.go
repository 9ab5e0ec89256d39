package service

import (
	"context"
	"errors"
	"time"

	"github.com/stretchr/testify/mock"

	"mailmeta/backend/internal/domain"
	"mailmeta/backend/internal/storage"
	"mailmeta/backend/internal/storage/memory"
)

var errStorageDown = errors.New("storage unavailable")

// mockSequenceRepository 序列存储的 mock
type mockSequenceRepository struct {
	mock.Mock
}

func (m *mockSequenceRepository) ReadSequence(ctx context.Context, mailboxID domain.MailboxID, kind domain.SequenceKind) (int64, bool, error) {
	args := m.Called(ctx, mailboxID, kind)
	return args.Get(0).(int64), args.Bool(1), args.Error(2)
}

func (m *mockSequenceRepository) CompareAndSetSequence(ctx context.Context, mailboxID domain.MailboxID, kind domain.SequenceKind, expected, next int64) (bool, error) {
	args := m.Called(ctx, mailboxID, kind, expected, next)
	return args.Bool(0), args.Error(1)
}

// mockACLRepository ACL 存储的 mock
type mockACLRepository struct {
	mock.Mock
}

func (m *mockACLRepository) ReadACL(ctx context.Context, mailboxID domain.MailboxID) (*storage.ACLRecord, error) {
	args := m.Called(ctx, mailboxID)
	record, _ := args.Get(0).(*storage.ACLRecord)
	return record, args.Error(1)
}

func (m *mockACLRepository) CompareAndSetACL(ctx context.Context, mailboxID domain.MailboxID, expectedVersion int64, data string, newVersion int64) (bool, error) {
	args := m.Called(ctx, mailboxID, expectedVersion, data, newVersion)
	return args.Bool(0), args.Error(1)
}

// failingIndexStore 在指定的表上返回错误，其余操作落到内存存储
type failingIndexStore struct {
	*memory.Store
	failRecent  bool
	failFlags   bool
	failCounter bool
	// counterDelay 计数器写入前的等待时间，期间 ctx 被取消则放弃写入
	counterDelay time.Duration
}

func (s *failingIndexStore) AddCounters(ctx context.Context, mailboxID domain.MailboxID, delta domain.CounterDelta) error {
	if s.counterDelay > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.counterDelay):
		}
	}
	return s.Store.AddCounters(ctx, mailboxID, delta)
}

func (s *failingIndexStore) AddRecent(ctx context.Context, mailboxID domain.MailboxID, uid domain.MessageUID) error {
	if s.failRecent {
		return errStorageDown
	}
	return s.Store.AddRecent(ctx, mailboxID, uid)
}

func (s *failingIndexStore) UnionApplicableFlags(ctx context.Context, mailboxID domain.MailboxID, flags []string) error {
	if s.failFlags {
		return errStorageDown
	}
	return s.Store.UnionApplicableFlags(ctx, mailboxID, flags)
}

func (s *failingIndexStore) ReadCounters(ctx context.Context, mailboxID domain.MailboxID) (*domain.MailboxCounters, error) {
	if s.failCounter {
		return nil, errStorageDown
	}
	return s.Store.ReadCounters(ctx, mailboxID)
}
