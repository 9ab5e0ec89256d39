package memory

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/tidwall/btree"

	"mailmeta/backend/internal/domain"
	"mailmeta/backend/internal/storage"
)

// ErrClosed 存储已关闭
var ErrClosed = errors.New("memory store closed")

type sequenceKey struct {
	mailbox domain.MailboxID
	kind    domain.SequenceKind
}

type uidSet = btree.Map[domain.MessageUID, struct{}]

// Store 使用内存保存全部元数据表，主要用于开发验证与测试。
//
// 每个方法在一把锁内完成，等价于后端的单键原子操作。
type Store struct {
	mu          sync.RWMutex
	sequences   map[sequenceKey]int64
	acls        map[domain.MailboxID]ACLRow
	counters    map[domain.MailboxID]domain.MailboxCounters
	recent      map[domain.MailboxID]*uidSet
	deleted     map[domain.MailboxID]*uidSet
	firstUnseen map[domain.MailboxID]domain.MessageUID
	flags       map[domain.MailboxID]map[string]struct{}
	closed      atomic.Bool
}

// ACLRow 内存中的 ACL 行
type ACLRow struct {
	Data    string
	Version int64
}

// NewStore 创建一个内存存储实例。
func NewStore() *Store {
	return &Store{
		sequences:   make(map[sequenceKey]int64),
		acls:        make(map[domain.MailboxID]ACLRow),
		counters:    make(map[domain.MailboxID]domain.MailboxCounters),
		recent:      make(map[domain.MailboxID]*uidSet),
		deleted:     make(map[domain.MailboxID]*uidSet),
		firstUnseen: make(map[domain.MailboxID]domain.MessageUID),
		flags:       make(map[domain.MailboxID]map[string]struct{}),
	}
}

// Close 关闭存储
//
// 关闭后所有读写都返回 ErrClosed。
func (s *Store) Close() error {
	s.closed.Store(true)
	return nil
}

// Health 检查存储状态
func (s *Store) Health(ctx context.Context) error {
	return s.check(ctx)
}

func (s *Store) check(ctx context.Context) error {
	if s.closed.Load() {
		return ErrClosed
	}
	return ctx.Err()
}

// ========== Sequence Repository ==========

// ReadSequence 读取序列当前值
func (s *Store) ReadSequence(ctx context.Context, mailboxID domain.MailboxID, kind domain.SequenceKind) (int64, bool, error) {
	if err := s.check(ctx); err != nil {
		return 0, false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.sequences[sequenceKey{mailboxID, kind}]
	return v, ok, nil
}

// CompareAndSetSequence 序列 CAS
func (s *Store) CompareAndSetSequence(ctx context.Context, mailboxID domain.MailboxID, kind domain.SequenceKind, expected, next int64) (bool, error) {
	if err := s.check(ctx); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	key := sequenceKey{mailboxID, kind}
	current, ok := s.sequences[key]
	if expected == domain.InitialVersion {
		if ok {
			return false, nil
		}
	} else if !ok || current != expected {
		return false, nil
	}
	s.sequences[key] = next
	return true, nil
}

// ========== ACL Repository ==========

// ReadACL 读取 ACL 行
func (s *Store) ReadACL(ctx context.Context, mailboxID domain.MailboxID) (*storage.ACLRecord, error) {
	if err := s.check(ctx); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	row, ok := s.acls[mailboxID]
	if !ok {
		return nil, nil
	}
	return &storage.ACLRecord{Data: row.Data, Version: row.Version}, nil
}

// CompareAndSetACL ACL 版本 CAS
func (s *Store) CompareAndSetACL(ctx context.Context, mailboxID domain.MailboxID, expectedVersion int64, data string, newVersion int64) (bool, error) {
	if err := s.check(ctx); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	row, ok := s.acls[mailboxID]
	if expectedVersion == domain.InitialVersion {
		if ok {
			return false, nil
		}
	} else if !ok || row.Version != expectedVersion {
		return false, nil
	}
	s.acls[mailboxID] = ACLRow{Data: data, Version: newVersion}
	return true, nil
}

// PutRawACL 直接写入 ACL 行（不经过 CAS），用于模拟损坏数据
func (s *Store) PutRawACL(mailboxID domain.MailboxID, data string, version int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.acls[mailboxID] = ACLRow{Data: data, Version: version}
}

// ========== Counter Repository ==========

// IncrementCount 总数加一
func (s *Store) IncrementCount(ctx context.Context, mailboxID domain.MailboxID) error {
	return s.AddCounters(ctx, mailboxID, domain.CounterDelta{Count: 1})
}

// DecrementCount 总数减一
func (s *Store) DecrementCount(ctx context.Context, mailboxID domain.MailboxID) error {
	return s.AddCounters(ctx, mailboxID, domain.CounterDelta{Count: -1})
}

// IncrementUnseen 未读数加一
func (s *Store) IncrementUnseen(ctx context.Context, mailboxID domain.MailboxID) error {
	return s.AddCounters(ctx, mailboxID, domain.CounterDelta{Unseen: 1})
}

// DecrementUnseen 未读数减一
func (s *Store) DecrementUnseen(ctx context.Context, mailboxID domain.MailboxID) error {
	return s.AddCounters(ctx, mailboxID, domain.CounterDelta{Unseen: -1})
}

// AddCounters 原子地应用计数器增量
func (s *Store) AddCounters(ctx context.Context, mailboxID domain.MailboxID, delta domain.CounterDelta) error {
	if err := s.check(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.counters[mailboxID]
	c.MailboxID = mailboxID
	c.Count += delta.Count
	c.Unseen += delta.Unseen
	s.counters[mailboxID] = c
	return nil
}

// ReadCounters 读取计数器
func (s *Store) ReadCounters(ctx context.Context, mailboxID domain.MailboxID) (*domain.MailboxCounters, error) {
	if err := s.check(ctx); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.counters[mailboxID]
	if !ok {
		return nil, nil
	}
	return &c, nil
}

// ResetCounters 覆盖写入计数器
func (s *Store) ResetCounters(ctx context.Context, counters domain.MailboxCounters) error {
	if err := s.check(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counters[counters.MailboxID] = counters
	return nil
}

// ========== Recent / Deleted Repository ==========

func addUID(sets map[domain.MailboxID]*uidSet, mailboxID domain.MailboxID, uid domain.MessageUID) {
	set, ok := sets[mailboxID]
	if !ok {
		set = btree.NewMap[domain.MessageUID, struct{}](0)
		sets[mailboxID] = set
	}
	set.Set(uid, struct{}{})
}

func removeUID(sets map[domain.MailboxID]*uidSet, mailboxID domain.MailboxID, uid domain.MessageUID) {
	set, ok := sets[mailboxID]
	if !ok {
		return
	}
	set.Delete(uid)
	if set.Len() == 0 {
		delete(sets, mailboxID)
	}
}

func listUIDs(set *uidSet, r domain.MessageRange) []domain.MessageUID {
	uids := []domain.MessageUID{}
	if set == nil {
		return uids
	}
	lo, hi, bounded := r.Bounds()
	set.Ascend(lo, func(uid domain.MessageUID, _ struct{}) bool {
		if bounded && uid > hi {
			return false
		}
		uids = append(uids, uid)
		return true
	})
	return uids
}

// AddRecent 加入最近集合
func (s *Store) AddRecent(ctx context.Context, mailboxID domain.MailboxID, uid domain.MessageUID) error {
	if err := s.check(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	addUID(s.recent, mailboxID, uid)
	return nil
}

// RemoveRecent 从最近集合移除，元素不存在时不报错
func (s *Store) RemoveRecent(ctx context.Context, mailboxID domain.MailboxID, uid domain.MessageUID) error {
	if err := s.check(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	removeUID(s.recent, mailboxID, uid)
	return nil
}

// ListRecent 列出最近集合
func (s *Store) ListRecent(ctx context.Context, mailboxID domain.MailboxID) ([]domain.MessageUID, error) {
	if err := s.check(ctx); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return listUIDs(s.recent[mailboxID], domain.AllMessages()), nil
}

// AddDeleted 加入已删除集合
func (s *Store) AddDeleted(ctx context.Context, mailboxID domain.MailboxID, uid domain.MessageUID) error {
	if err := s.check(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	addUID(s.deleted, mailboxID, uid)
	return nil
}

// RemoveDeleted 从已删除集合移除，元素不存在时不报错
func (s *Store) RemoveDeleted(ctx context.Context, mailboxID domain.MailboxID, uid domain.MessageUID) error {
	if err := s.check(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	removeUID(s.deleted, mailboxID, uid)
	return nil
}

// ListDeleted 按范围列出已删除集合
func (s *Store) ListDeleted(ctx context.Context, mailboxID domain.MailboxID, r domain.MessageRange) ([]domain.MessageUID, error) {
	if err := r.Validate(); err != nil {
		return nil, err
	}
	if err := s.check(ctx); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return listUIDs(s.deleted[mailboxID], r), nil
}

// ========== First Unseen Repository ==========

// SetFirstUnseen 无条件设置首封未读指针
func (s *Store) SetFirstUnseen(ctx context.Context, mailboxID domain.MailboxID, uid domain.MessageUID) error {
	if err := s.check(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.firstUnseen[mailboxID] = uid
	return nil
}

// SetFirstUnseenIfAbsent 仅在没有指针时设置
func (s *Store) SetFirstUnseenIfAbsent(ctx context.Context, mailboxID domain.MailboxID, uid domain.MessageUID) (bool, error) {
	if err := s.check(ctx); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.firstUnseen[mailboxID]; ok {
		return false, nil
	}
	s.firstUnseen[mailboxID] = uid
	return true, nil
}

// ClearFirstUnseen 清除指针
func (s *Store) ClearFirstUnseen(ctx context.Context, mailboxID domain.MailboxID) error {
	if err := s.check(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.firstUnseen, mailboxID)
	return nil
}

// ClearFirstUnseenIf 指针等于 uid 时清除
func (s *Store) ClearFirstUnseenIf(ctx context.Context, mailboxID domain.MailboxID, uid domain.MessageUID) (bool, error) {
	if err := s.check(ctx); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if current, ok := s.firstUnseen[mailboxID]; !ok || current != uid {
		return false, nil
	}
	delete(s.firstUnseen, mailboxID)
	return true, nil
}

// ReadFirstUnseen 读取指针
func (s *Store) ReadFirstUnseen(ctx context.Context, mailboxID domain.MailboxID) (domain.MessageUID, bool, error) {
	if err := s.check(ctx); err != nil {
		return 0, false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	uid, ok := s.firstUnseen[mailboxID]
	return uid, ok, nil
}

// ========== Applicable Flags Repository ==========

// ReadApplicableFlags 读取可用用户标志
func (s *Store) ReadApplicableFlags(ctx context.Context, mailboxID domain.MailboxID) ([]string, bool, error) {
	if err := s.check(ctx); err != nil {
		return nil, false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	set, ok := s.flags[mailboxID]
	if !ok {
		return nil, false, nil
	}
	out := make([]string, 0, len(set))
	for f := range set {
		out = append(out, f)
	}
	sort.Strings(out)
	return out, true, nil
}

// UnionApplicableFlags 与已有集合求并集
func (s *Store) UnionApplicableFlags(ctx context.Context, mailboxID domain.MailboxID, flags []string) error {
	if len(flags) == 0 {
		return s.check(ctx)
	}
	if err := s.check(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.flags[mailboxID]
	if !ok {
		set = make(map[string]struct{}, len(flags))
		s.flags[mailboxID] = set
	}
	for _, f := range flags {
		set[f] = struct{}{}
	}
	return nil
}
