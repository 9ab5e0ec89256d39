package storage

import (
	"context"

	"mailmeta/backend/internal/domain"
)

// ACLRecord 持久化的 ACL 行：序列化后的 ACL 与版本号
//
// Data 可能是损坏的数据，解析由上层负责。
type ACLRecord struct {
	Data    string
	Version int64
}

// SequenceRepository 版本化计数器：每个 (邮箱, 序列类型) 一行整数。
type SequenceRepository interface {
	// ReadSequence 读取当前值，found 为 false 表示从未分配（语义上为 0）
	ReadSequence(ctx context.Context, mailboxID domain.MailboxID, kind domain.SequenceKind) (value int64, found bool, err error)
	// CompareAndSetSequence 单键 CAS：
	// expected 为 0 时仅当行不存在才插入；否则仅当存储值仍等于 expected 时更新为 next。
	CompareAndSetSequence(ctx context.Context, mailboxID domain.MailboxID, kind domain.SequenceKind, expected, next int64) (bool, error)
}

// ACLRepository 每个邮箱一行：序列化 ACL + 版本号
type ACLRepository interface {
	// ReadACL 读取 ACL 行，行不存在时返回 nil
	ReadACL(ctx context.Context, mailboxID domain.MailboxID) (*ACLRecord, error)
	// CompareAndSetACL 单键 CAS，约定与 CompareAndSetSequence 相同（作用于版本号）
	CompareAndSetACL(ctx context.Context, mailboxID domain.MailboxID, expectedVersion int64, data string, newVersion int64) (bool, error)
}

// CounterRepository 邮箱计数器表（总数、未读数），只提供无条件的原子增量
type CounterRepository interface {
	IncrementCount(ctx context.Context, mailboxID domain.MailboxID) error
	DecrementCount(ctx context.Context, mailboxID domain.MailboxID) error
	IncrementUnseen(ctx context.Context, mailboxID domain.MailboxID) error
	DecrementUnseen(ctx context.Context, mailboxID domain.MailboxID) error
	// AddCounters 在同一行上原子地应用两个字段的增量
	AddCounters(ctx context.Context, mailboxID domain.MailboxID, delta domain.CounterDelta) error
	// ReadCounters 行不存在时返回 nil
	ReadCounters(ctx context.Context, mailboxID domain.MailboxID) (*domain.MailboxCounters, error)
	// ResetCounters 覆盖写入计数器，用于重新统计后的修复
	ResetCounters(ctx context.Context, counters domain.MailboxCounters) error
}

// RecentRepository "最近"邮件集合，增删幂等
type RecentRepository interface {
	AddRecent(ctx context.Context, mailboxID domain.MailboxID, uid domain.MessageUID) error
	RemoveRecent(ctx context.Context, mailboxID domain.MailboxID, uid domain.MessageUID) error
	// ListRecent 按 UID 升序返回
	ListRecent(ctx context.Context, mailboxID domain.MailboxID) ([]domain.MessageUID, error)
}

// DeletedRepository 带 \Deleted 标志的邮件集合，增删幂等，支持按 UID 范围读取
type DeletedRepository interface {
	AddDeleted(ctx context.Context, mailboxID domain.MailboxID, uid domain.MessageUID) error
	RemoveDeleted(ctx context.Context, mailboxID domain.MailboxID, uid domain.MessageUID) error
	// ListDeleted 按 UID 升序返回范围内的元素
	ListDeleted(ctx context.Context, mailboxID domain.MailboxID, r domain.MessageRange) ([]domain.MessageUID, error)
}

// FirstUnseenRepository 首封未读邮件指针（零或一个 UID）
type FirstUnseenRepository interface {
	SetFirstUnseen(ctx context.Context, mailboxID domain.MailboxID, uid domain.MessageUID) error
	// SetFirstUnseenIfAbsent 仅在没有指针时写入，返回是否写入
	SetFirstUnseenIfAbsent(ctx context.Context, mailboxID domain.MailboxID, uid domain.MessageUID) (bool, error)
	ClearFirstUnseen(ctx context.Context, mailboxID domain.MailboxID) error
	// ClearFirstUnseenIf 仅当指针等于 uid 时清除，返回是否清除
	ClearFirstUnseenIf(ctx context.Context, mailboxID domain.MailboxID, uid domain.MessageUID) (bool, error)
	ReadFirstUnseen(ctx context.Context, mailboxID domain.MailboxID) (uid domain.MessageUID, found bool, err error)
}

// ApplicableFlagsRepository 邮箱中出现过的用户标志集合，只增不减
type ApplicableFlagsRepository interface {
	// ReadApplicableFlags 按字典序返回，found 为 false 表示从未写入
	ReadApplicableFlags(ctx context.Context, mailboxID domain.MailboxID) (flags []string, found bool, err error)
	// UnionApplicableFlags 与已存储集合求并集，从不替换
	UnionApplicableFlags(ctx context.Context, mailboxID domain.MailboxID, flags []string) error
}

// CASStore 提供单键 CAS 的存储：序列与 ACL
type CASStore interface {
	SequenceRepository
	ACLRepository

	Close() error
	Health(ctx context.Context) error
}

// IndexStore 二级索引表
type IndexStore interface {
	CounterRepository
	RecentRepository
	DeletedRepository
	FirstUnseenRepository
	ApplicableFlagsRepository

	Close() error
	Health(ctx context.Context) error
}

// Store 定义完整的存储接口。
type Store interface {
	SequenceRepository
	ACLRepository
	CounterRepository
	RecentRepository
	DeletedRepository
	FirstUnseenRepository
	ApplicableFlagsRepository

	Close() error
	Health(ctx context.Context) error
}
