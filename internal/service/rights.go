package service

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"mailmeta/backend/internal/domain"
	"mailmeta/backend/internal/monitoring"
	"mailmeta/backend/internal/storage"
)

// RightsStore 邮箱 ACL 的读取与乐观并发写入
//
// 写入流程：读取 ACL 与版本号，在读到的快照上应用命令，
// 仅当版本号未变时写入新 ACL 与 版本号+1；冲突时基于最新状态重新计算。
type RightsStore struct {
	store       storage.ACLRepository
	loop        casLoop
	interceptor func()
	metrics     *monitoring.Metrics
	log         *zap.Logger
}

// RightsOption ACL 存储选项
type RightsOption func(*RightsStore)

// WithInterceptor 设置在计算完新 ACL 之后、CAS 之前调用的回调，
// 用于在测试中确定性地制造并发冲突
func WithInterceptor(fn func()) RightsOption {
	return func(s *RightsStore) {
		s.interceptor = fn
	}
}

// WithRightsRetryPolicy 设置 CAS 重试策略，默认最多 DefaultACLMaxAttempts 次
func WithRightsRetryPolicy(p RetryPolicy) RightsOption {
	return func(s *RightsStore) {
		s.loop.policy = p
	}
}

// WithRightsLogger 设置日志
func WithRightsLogger(log *zap.Logger) RightsOption {
	return func(s *RightsStore) {
		s.log = log
	}
}

// WithRightsMetrics 设置监控指标
func WithRightsMetrics(m *monitoring.Metrics) RightsOption {
	return func(s *RightsStore) {
		s.metrics = m
	}
}

// NewRightsStore 创建 ACL 存储
func NewRightsStore(store storage.ACLRepository, opts ...RightsOption) *RightsStore {
	s := &RightsStore{
		store:       store,
		interceptor: func() {},
		log:         zap.NewNop(),
		loop:        casLoop{policy: BoundedRetry(DefaultACLMaxAttempts)},
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.interceptor == nil {
		s.interceptor = func() {}
	}
	s.loop.component = "acl"
	s.loop.metrics = s.metrics
	s.loop.log = s.log
	return s
}

// GetACL 读取邮箱 ACL
//
// 行不存在或数据无法解析时返回空 ACL，只有存储层故障才返回错误。
func (s *RightsStore) GetACL(ctx context.Context, mailboxID domain.MailboxID) (domain.ACL, error) {
	if err := mailboxID.Validate(); err != nil {
		return domain.EmptyACL, err
	}
	acl, _, err := s.read(ctx, mailboxID)
	return acl, err
}

// UpdateACL 应用一条编辑命令，返回实际提交的净变化
func (s *RightsStore) UpdateACL(ctx context.Context, mailboxID domain.MailboxID, cmd domain.ACLCommand) (*domain.ACLDiff, error) {
	if err := cmd.Validate(); err != nil {
		return nil, err
	}
	diff, err := s.update(ctx, mailboxID, func(current domain.ACL) (domain.ACL, error) {
		return current.Apply(cmd)
	})
	s.metrics.RecordACLUpdate(string(cmd.Mode), resultLabel(err))
	return diff, err
}

// SetACL 整体替换 ACL，返回实际提交的净变化
func (s *RightsStore) SetACL(ctx context.Context, mailboxID domain.MailboxID, acl domain.ACL) (*domain.ACLDiff, error) {
	if err := acl.Validate(); err != nil {
		return nil, err
	}
	diff, err := s.update(ctx, mailboxID, func(domain.ACL) (domain.ACL, error) {
		return acl, nil
	})
	s.metrics.RecordACLUpdate("set", resultLabel(err))
	return diff, err
}

// read 读取 ACL 与用于 CAS 的版本号
//
// 损坏的数据按空 ACL 处理，但版本号仍取自存储行，
// 这样后续写入可以通过 CAS 覆盖损坏的行，且版本号保持递增。
func (s *RightsStore) read(ctx context.Context, mailboxID domain.MailboxID) (domain.ACL, int64, error) {
	record, err := s.store.ReadACL(ctx, mailboxID)
	if err != nil {
		return domain.EmptyACL, 0, fmt.Errorf("read acl: %w", err)
	}
	if record == nil {
		return domain.EmptyACL, domain.InitialVersion, nil
	}

	var acl domain.ACL
	if err := json.Unmarshal([]byte(record.Data), &acl); err != nil {
		s.log.Warn("malformed acl, treating as empty",
			zap.String("mailbox_id", string(mailboxID)),
			zap.Int64("version", record.Version),
			zap.Error(err),
		)
		return domain.EmptyACL, record.Version, nil
	}
	return acl, record.Version, nil
}

func (s *RightsStore) update(ctx context.Context, mailboxID domain.MailboxID, mutate func(domain.ACL) (domain.ACL, error)) (*domain.ACLDiff, error) {
	if err := mailboxID.Validate(); err != nil {
		return nil, err
	}

	var diff domain.ACLDiff
	err := s.loop.run(ctx, func(ctx context.Context) (bool, error) {
		current, version, err := s.read(ctx, mailboxID)
		if err != nil {
			return false, err
		}
		next, err := mutate(current)
		if err != nil {
			return false, err
		}

		s.interceptor()

		// 没有变化时不写入，快照本身就是线性化点
		if next.Equal(current) {
			diff = domain.ComputeACLDiff(current, next)
			return true, nil
		}

		data, err := json.Marshal(next)
		if err != nil {
			return false, fmt.Errorf("encode acl: %w", err)
		}
		committed, err := s.store.CompareAndSetACL(ctx, mailboxID, version, string(data), version+1)
		if err != nil {
			return false, fmt.Errorf("write acl: %w", err)
		}
		if committed {
			diff = domain.ComputeACLDiff(current, next)
		}
		return committed, nil
	})
	if err != nil {
		return nil, err
	}

	s.log.Debug("acl updated",
		zap.String("mailbox_id", string(mailboxID)),
		zap.Int("added", len(diff.Added)),
		zap.Int("removed", len(diff.Removed)),
	)
	return &diff, nil
}

func resultLabel(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
