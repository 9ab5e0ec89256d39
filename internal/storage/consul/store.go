// Package consul 基于 Consul KV 的 CAS 存储，只承载序列与 ACL 两类单键记录。
package consul

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/hashicorp/consul/api"
	"go.uber.org/zap"

	"mailmeta/backend/internal/config"
	"mailmeta/backend/internal/domain"
	"mailmeta/backend/internal/storage"
)

// ErrCorruptRecord KV 中的记录无法解析
var ErrCorruptRecord = errors.New("consul: corrupt record")

const defaultPrefix = "mailmeta"

// aclEnvelope ACL 键的值：序列化 ACL 与版本号
type aclEnvelope struct {
	Data    string `json:"data"`
	Version int64  `json:"version"`
}

// decodeEnvelope 解析 ACL 信封，失败时返回零值
func decodeEnvelope(raw []byte) (aclEnvelope, bool) {
	var env aclEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return aclEnvelope{}, false
	}
	return env, true
}

// Store Consul KV 存储实现
//
// CAS 基于 KV 的 ModifyIndex：先一致性读取，比较存储值，再以读到的 ModifyIndex 写入；
// ModifyIndex 为 0 表示仅在键不存在时创建。
type Store struct {
	client *api.Client
	kv     *api.KV
	prefix string
	log    *zap.Logger
}

// New 创建 Consul 存储
func New(cfg *config.ConsulConfig, log *zap.Logger) (*Store, error) {
	if log == nil {
		log = zap.NewNop()
	}

	clientConfig := api.DefaultConfig()
	if cfg.Address != "" {
		clientConfig.Address = cfg.Address
	}
	if cfg.Token != "" {
		clientConfig.Token = cfg.Token
	}
	if cfg.Datacenter != "" {
		clientConfig.Datacenter = cfg.Datacenter
	}

	client, err := api.NewClient(clientConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create consul client: %w", err)
	}

	prefix := strings.Trim(cfg.Prefix, "/")
	if prefix == "" {
		prefix = defaultPrefix
	}

	log.Info("consul KV store configured",
		zap.String("address", clientConfig.Address),
		zap.String("prefix", prefix),
	)

	return &Store{
		client: client,
		kv:     client.KV(),
		prefix: prefix,
		log:    log,
	}, nil
}

func (s *Store) buildKey(mailboxID domain.MailboxID, parts ...string) string {
	elems := append([]string{s.prefix, url.PathEscape(string(mailboxID))}, parts...)
	return strings.Join(elems, "/")
}

func (s *Store) get(ctx context.Context, key string) (*api.KVPair, error) {
	opts := (&api.QueryOptions{RequireConsistent: true}).WithContext(ctx)
	pair, _, err := s.kv.Get(key, opts)
	if err != nil {
		return nil, err
	}
	return pair, nil
}

func (s *Store) cas(ctx context.Context, key string, value []byte, modifyIndex uint64) (bool, error) {
	opts := (&api.WriteOptions{}).WithContext(ctx)
	ok, _, err := s.kv.CAS(&api.KVPair{
		Key:         key,
		Value:       value,
		ModifyIndex: modifyIndex,
	}, opts)
	if err != nil {
		return false, err
	}
	return ok, nil
}

// Close Consul 客户端无状态，无需清理
func (s *Store) Close() error {
	return nil
}

// Health 检查 Consul 集群是否有 leader
func (s *Store) Health(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	leader, err := s.client.Status().Leader()
	if err != nil {
		return err
	}
	if leader == "" {
		return errors.New("consul: no cluster leader")
	}
	return nil
}

// ========== Sequence Repository ==========

// ReadSequence 读取序列当前值
func (s *Store) ReadSequence(ctx context.Context, mailboxID domain.MailboxID, kind domain.SequenceKind) (int64, bool, error) {
	pair, err := s.get(ctx, s.buildKey(mailboxID, "seq", string(kind)))
	if err != nil {
		return 0, false, err
	}
	if pair == nil {
		return 0, false, nil
	}
	v, err := strconv.ParseInt(string(pair.Value), 10, 64)
	if err != nil {
		return 0, false, fmt.Errorf("%w: sequence %q", ErrCorruptRecord, pair.Value)
	}
	return v, true, nil
}

// CompareAndSetSequence 序列 CAS
func (s *Store) CompareAndSetSequence(ctx context.Context, mailboxID domain.MailboxID, kind domain.SequenceKind, expected, next int64) (bool, error) {
	key := s.buildKey(mailboxID, "seq", string(kind))
	value := []byte(strconv.FormatInt(next, 10))

	if expected == domain.InitialVersion {
		return s.cas(ctx, key, value, 0)
	}

	pair, err := s.get(ctx, key)
	if err != nil {
		return false, err
	}
	if pair == nil || string(pair.Value) != strconv.FormatInt(expected, 10) {
		return false, nil
	}
	return s.cas(ctx, key, value, pair.ModifyIndex)
}

// ========== ACL Repository ==========

// ReadACL 读取 ACL 记录
//
// 信封无法解析时返回版本 0 的空数据，由上层按空 ACL 处理，之后的 CAS 以版本 0 覆盖该键。
func (s *Store) ReadACL(ctx context.Context, mailboxID domain.MailboxID) (*storage.ACLRecord, error) {
	key := s.buildKey(mailboxID, "acl")
	pair, err := s.get(ctx, key)
	if err != nil {
		return nil, err
	}
	if pair == nil {
		return nil, nil
	}
	env, ok := decodeEnvelope(pair.Value)
	if !ok {
		s.log.Warn("corrupt acl envelope", zap.String("key", key), zap.Uint64("modify_index", pair.ModifyIndex))
	}
	return &storage.ACLRecord{Data: env.Data, Version: env.Version}, nil
}

// CompareAndSetACL ACL 版本 CAS
//
// 损坏的信封视为版本 0，期望版本为 0 时以读到的 ModifyIndex 覆盖。
func (s *Store) CompareAndSetACL(ctx context.Context, mailboxID domain.MailboxID, expectedVersion int64, data string, newVersion int64) (bool, error) {
	key := s.buildKey(mailboxID, "acl")
	value, err := json.Marshal(aclEnvelope{Data: data, Version: newVersion})
	if err != nil {
		return false, err
	}

	pair, err := s.get(ctx, key)
	if err != nil {
		return false, err
	}
	if pair == nil {
		if expectedVersion != domain.InitialVersion {
			return false, nil
		}
		return s.cas(ctx, key, value, 0)
	}
	env, _ := decodeEnvelope(pair.Value)
	if env.Version != expectedVersion {
		return false, nil
	}
	return s.cas(ctx, key, value, pair.ModifyIndex)
}
