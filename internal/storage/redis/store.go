package redis

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"

	goredis "github.com/redis/go-redis/v9"

	"mailmeta/backend/internal/domain"
	"mailmeta/backend/internal/storage"
)

const defaultKeyPrefix = "mailmeta"

const (
	fieldData    = "data"
	fieldVersion = "version"
	fieldCount   = "count"
	fieldUnseen  = "unseen"
)

// compareAndSetValue 字符串键 CAS：ARGV[1] 为期望值（"0" 表示键不存在），ARGV[2] 为新值
var compareAndSetValue = goredis.NewScript(`
local current = redis.call('GET', KEYS[1])
if current == false then
  if ARGV[1] ~= '0' then return 0 end
elseif current ~= ARGV[1] then
  return 0
end
redis.call('SET', KEYS[1], ARGV[2])
return 1
`)

// compareAndSetACL 哈希键版本 CAS：ARGV[1] 期望版本，ARGV[2] 数据，ARGV[3] 新版本
//
// 版本字段缺失或不是整数时按版本 0 比较，与 ReadACL 的报告一致。
var compareAndSetACL = goredis.NewScript(`
local version = redis.call('HGET', KEYS[1], 'version')
if version == false or #version > 19 or not (version == '0' or string.match(version, '^[1-9]%d*$')) then
  if ARGV[1] ~= '0' then return 0 end
elseif version ~= ARGV[1] then
  return 0
end
redis.call('HSET', KEYS[1], 'data', ARGV[2], 'version', ARGV[3])
return 1
`)

// deleteIfEquals 仅当值等于 ARGV[1] 时删除
var deleteIfEquals = goredis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  redis.call('DEL', KEYS[1])
  return 1
end
return 0
`)

// Store Redis 存储实现
//
// 同一邮箱的全部键共享 {mailboxID} 哈希标签，在集群模式下落在同一个槽位。
type Store struct {
	client *Client
	rdb    *goredis.Client
	prefix string
}

// NewStore 创建 Redis 存储
func NewStore(client *Client, keyPrefix string) *Store {
	if keyPrefix == "" {
		keyPrefix = defaultKeyPrefix
	}
	return &Store{
		client: client,
		rdb:    client.Client(),
		prefix: keyPrefix,
	}
}

func (s *Store) key(mailboxID domain.MailboxID, parts ...string) string {
	k := fmt.Sprintf("%s:{%s}", s.prefix, mailboxID)
	for _, p := range parts {
		k += ":" + p
	}
	return k
}

// Close 关闭 Redis 连接
func (s *Store) Close() error {
	return s.client.Close()
}

// Health 检查 Redis 连接
func (s *Store) Health(ctx context.Context) error {
	return s.client.Ping(ctx)
}

func formatInt(v int64) string {
	return strconv.FormatInt(v, 10)
}

func parseUIDs(members []string) ([]domain.MessageUID, error) {
	uids := make([]domain.MessageUID, 0, len(members))
	for _, m := range members {
		v, err := strconv.ParseInt(m, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("redis: invalid uid member %q: %w", m, err)
		}
		uids = append(uids, domain.MessageUID(v))
	}
	sort.Slice(uids, func(i, j int) bool { return uids[i] < uids[j] })
	return uids, nil
}

// ========== Sequence Repository ==========

// ReadSequence 读取序列当前值
func (s *Store) ReadSequence(ctx context.Context, mailboxID domain.MailboxID, kind domain.SequenceKind) (int64, bool, error) {
	v, err := s.rdb.Get(ctx, s.key(mailboxID, "seq", string(kind))).Int64()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return 0, false, nil
		}
		return 0, false, err
	}
	return v, true, nil
}

// CompareAndSetSequence 序列 CAS
func (s *Store) CompareAndSetSequence(ctx context.Context, mailboxID domain.MailboxID, kind domain.SequenceKind, expected, next int64) (bool, error) {
	applied, err := compareAndSetValue.Run(ctx, s.rdb,
		[]string{s.key(mailboxID, "seq", string(kind))},
		formatInt(expected), formatInt(next),
	).Int()
	if err != nil {
		return false, err
	}
	return applied == 1, nil
}

// ========== ACL Repository ==========

// ReadACL 读取 ACL 行
//
// 版本字段缺失或无法解析时返回版本 0 的空数据，由上层按空 ACL 处理。
func (s *Store) ReadACL(ctx context.Context, mailboxID domain.MailboxID) (*storage.ACLRecord, error) {
	values, err := s.rdb.HMGet(ctx, s.key(mailboxID, "acl"), fieldData, fieldVersion).Result()
	if err != nil {
		return nil, err
	}
	if values[0] == nil && values[1] == nil {
		return nil, nil
	}

	raw, _ := values[1].(string)
	version, ok := parseACLVersion(raw)
	if !ok {
		return &storage.ACLRecord{}, nil
	}
	record := &storage.ACLRecord{Version: version}
	if data, ok := values[0].(string); ok {
		record.Data = data
	}
	return record, nil
}

// parseACLVersion 只接受脚本写入的规范十进制形式
func parseACLVersion(raw string) (int64, bool) {
	version, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || version < 0 || strconv.FormatInt(version, 10) != raw {
		return 0, false
	}
	return version, true
}

// CompareAndSetACL ACL 版本 CAS
func (s *Store) CompareAndSetACL(ctx context.Context, mailboxID domain.MailboxID, expectedVersion int64, data string, newVersion int64) (bool, error) {
	applied, err := compareAndSetACL.Run(ctx, s.rdb,
		[]string{s.key(mailboxID, "acl")},
		formatInt(expectedVersion), data, formatInt(newVersion),
	).Int()
	if err != nil {
		return false, err
	}
	return applied == 1, nil
}

// ========== Counter Repository ==========

// IncrementCount 总数加一
func (s *Store) IncrementCount(ctx context.Context, mailboxID domain.MailboxID) error {
	return s.rdb.HIncrBy(ctx, s.key(mailboxID, "counters"), fieldCount, 1).Err()
}

// DecrementCount 总数减一
func (s *Store) DecrementCount(ctx context.Context, mailboxID domain.MailboxID) error {
	return s.rdb.HIncrBy(ctx, s.key(mailboxID, "counters"), fieldCount, -1).Err()
}

// IncrementUnseen 未读数加一
func (s *Store) IncrementUnseen(ctx context.Context, mailboxID domain.MailboxID) error {
	return s.rdb.HIncrBy(ctx, s.key(mailboxID, "counters"), fieldUnseen, 1).Err()
}

// DecrementUnseen 未读数减一
func (s *Store) DecrementUnseen(ctx context.Context, mailboxID domain.MailboxID) error {
	return s.rdb.HIncrBy(ctx, s.key(mailboxID, "counters"), fieldUnseen, -1).Err()
}

// AddCounters 在 MULTI 中同时应用两个字段的增量
func (s *Store) AddCounters(ctx context.Context, mailboxID domain.MailboxID, delta domain.CounterDelta) error {
	if delta.IsZero() {
		return nil
	}
	key := s.key(mailboxID, "counters")
	_, err := s.rdb.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		if delta.Count != 0 {
			pipe.HIncrBy(ctx, key, fieldCount, delta.Count)
		}
		if delta.Unseen != 0 {
			pipe.HIncrBy(ctx, key, fieldUnseen, delta.Unseen)
		}
		return nil
	})
	return err
}

// ReadCounters 读取计数器
func (s *Store) ReadCounters(ctx context.Context, mailboxID domain.MailboxID) (*domain.MailboxCounters, error) {
	values, err := s.rdb.HMGet(ctx, s.key(mailboxID, "counters"), fieldCount, fieldUnseen).Result()
	if err != nil {
		return nil, err
	}
	if values[0] == nil && values[1] == nil {
		return nil, nil
	}

	counters := &domain.MailboxCounters{MailboxID: mailboxID}
	fields := []*int64{&counters.Count, &counters.Unseen}
	for i, v := range values {
		raw, ok := v.(string)
		if !ok {
			continue
		}
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("redis: corrupt counter %q: %w", raw, err)
		}
		*fields[i] = n
	}
	return counters, nil
}

// ResetCounters 覆盖写入计数器
func (s *Store) ResetCounters(ctx context.Context, counters domain.MailboxCounters) error {
	return s.rdb.HSet(ctx, s.key(counters.MailboxID, "counters"),
		fieldCount, counters.Count,
		fieldUnseen, counters.Unseen,
	).Err()
}

// ========== Recent / Deleted Repository ==========

// AddRecent 加入最近集合
func (s *Store) AddRecent(ctx context.Context, mailboxID domain.MailboxID, uid domain.MessageUID) error {
	return s.rdb.SAdd(ctx, s.key(mailboxID, "recent"), formatInt(int64(uid))).Err()
}

// RemoveRecent 从最近集合移除
func (s *Store) RemoveRecent(ctx context.Context, mailboxID domain.MailboxID, uid domain.MessageUID) error {
	return s.rdb.SRem(ctx, s.key(mailboxID, "recent"), formatInt(int64(uid))).Err()
}

// ListRecent 列出最近集合
func (s *Store) ListRecent(ctx context.Context, mailboxID domain.MailboxID) ([]domain.MessageUID, error) {
	members, err := s.rdb.SMembers(ctx, s.key(mailboxID, "recent")).Result()
	if err != nil {
		return nil, err
	}
	return parseUIDs(members)
}

// AddDeleted 加入已删除集合（有序集合，分值即 UID）
func (s *Store) AddDeleted(ctx context.Context, mailboxID domain.MailboxID, uid domain.MessageUID) error {
	return s.rdb.ZAdd(ctx, s.key(mailboxID, "deleted"), goredis.Z{
		Score:  float64(uid),
		Member: formatInt(int64(uid)),
	}).Err()
}

// RemoveDeleted 从已删除集合移除
func (s *Store) RemoveDeleted(ctx context.Context, mailboxID domain.MailboxID, uid domain.MessageUID) error {
	return s.rdb.ZRem(ctx, s.key(mailboxID, "deleted"), formatInt(int64(uid))).Err()
}

// ListDeleted 按范围列出已删除集合
func (s *Store) ListDeleted(ctx context.Context, mailboxID domain.MailboxID, r domain.MessageRange) ([]domain.MessageUID, error) {
	if err := r.Validate(); err != nil {
		return nil, err
	}
	lo, hi, bounded := r.Bounds()
	by := &goredis.ZRangeBy{Min: "-inf", Max: "+inf"}
	if r.Type != domain.RangeAll {
		by.Min = formatInt(int64(lo))
	}
	if bounded {
		by.Max = formatInt(int64(hi))
	}
	members, err := s.rdb.ZRangeByScore(ctx, s.key(mailboxID, "deleted"), by).Result()
	if err != nil {
		return nil, err
	}
	return parseUIDs(members)
}

// ========== First Unseen Repository ==========

// SetFirstUnseen 无条件设置指针
func (s *Store) SetFirstUnseen(ctx context.Context, mailboxID domain.MailboxID, uid domain.MessageUID) error {
	return s.rdb.Set(ctx, s.key(mailboxID, "first_unseen"), formatInt(int64(uid)), 0).Err()
}

// SetFirstUnseenIfAbsent 仅在没有指针时设置
func (s *Store) SetFirstUnseenIfAbsent(ctx context.Context, mailboxID domain.MailboxID, uid domain.MessageUID) (bool, error) {
	return s.rdb.SetNX(ctx, s.key(mailboxID, "first_unseen"), formatInt(int64(uid)), 0).Result()
}

// ClearFirstUnseen 清除指针
func (s *Store) ClearFirstUnseen(ctx context.Context, mailboxID domain.MailboxID) error {
	return s.rdb.Del(ctx, s.key(mailboxID, "first_unseen")).Err()
}

// ClearFirstUnseenIf 指针等于 uid 时清除
func (s *Store) ClearFirstUnseenIf(ctx context.Context, mailboxID domain.MailboxID, uid domain.MessageUID) (bool, error) {
	applied, err := deleteIfEquals.Run(ctx, s.rdb,
		[]string{s.key(mailboxID, "first_unseen")},
		formatInt(int64(uid)),
	).Int()
	if err != nil {
		return false, err
	}
	return applied == 1, nil
}

// ReadFirstUnseen 读取指针
func (s *Store) ReadFirstUnseen(ctx context.Context, mailboxID domain.MailboxID) (domain.MessageUID, bool, error) {
	v, err := s.rdb.Get(ctx, s.key(mailboxID, "first_unseen")).Int64()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return 0, false, nil
		}
		return 0, false, err
	}
	return domain.MessageUID(v), true, nil
}

// ========== Applicable Flags Repository ==========

// ReadApplicableFlags 读取可用用户标志
func (s *Store) ReadApplicableFlags(ctx context.Context, mailboxID domain.MailboxID) ([]string, bool, error) {
	members, err := s.rdb.SMembers(ctx, s.key(mailboxID, "flags")).Result()
	if err != nil {
		return nil, false, err
	}
	if len(members) == 0 {
		return nil, false, nil
	}
	sort.Strings(members)
	return members, true, nil
}

// UnionApplicableFlags 与已有集合求并集
func (s *Store) UnionApplicableFlags(ctx context.Context, mailboxID domain.MailboxID, flags []string) error {
	if len(flags) == 0 {
		return nil
	}
	members := make([]interface{}, len(flags))
	for i, f := range flags {
		members[i] = f
	}
	return s.rdb.SAdd(ctx, s.key(mailboxID, "flags"), members...).Err()
}
