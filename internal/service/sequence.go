package service

import (
	"context"
	"errors"
	"fmt"
	"math"

	"go.uber.org/zap"

	"mailmeta/backend/internal/domain"
	"mailmeta/backend/internal/monitoring"
	"mailmeta/backend/internal/storage"
)

var (
	// ErrInvalidCount 批量分配的数量不合法
	ErrInvalidCount = errors.New("allocation count must be positive")
	// ErrSequenceExhausted 序列已无法继续递增
	ErrSequenceExhausted = errors.New("sequence exhausted")
)

// SequenceAllocator 按邮箱分配严格递增的序列值，每种序列一个实例。
//
// 并发调用由存储层的单键 CAS 线性化：N 个并发调用拿到的恰好是 {v+1, ..., v+N}。
type SequenceAllocator struct {
	store   storage.SequenceRepository
	kind    domain.SequenceKind
	loop    casLoop
	metrics *monitoring.Metrics
	log     *zap.Logger
}

// SequenceOption 序列分配器选项
type SequenceOption func(*SequenceAllocator)

// WithSequenceRetryPolicy 设置 CAS 重试策略，默认不限次数
func WithSequenceRetryPolicy(p RetryPolicy) SequenceOption {
	return func(a *SequenceAllocator) {
		a.loop.policy = p
	}
}

// WithSequenceLogger 设置日志
func WithSequenceLogger(log *zap.Logger) SequenceOption {
	return func(a *SequenceAllocator) {
		a.log = log
	}
}

// WithSequenceMetrics 设置监控指标
func WithSequenceMetrics(m *monitoring.Metrics) SequenceOption {
	return func(a *SequenceAllocator) {
		a.metrics = m
	}
}

// NewSequenceAllocator 创建序列分配器
func NewSequenceAllocator(store storage.SequenceRepository, kind domain.SequenceKind, opts ...SequenceOption) (*SequenceAllocator, error) {
	if err := kind.Validate(); err != nil {
		return nil, err
	}
	a := &SequenceAllocator{
		store: store,
		kind:  kind,
		log:   zap.NewNop(),
		loop:  casLoop{policy: UnboundedRetry()},
	}
	for _, opt := range opts {
		opt(a)
	}
	a.log = a.log.With(zap.String("sequence", string(kind)))
	a.loop.component = "sequence_" + string(kind)
	a.loop.metrics = a.metrics
	a.loop.log = a.log
	return a, nil
}

// Kind 返回序列类型
func (a *SequenceAllocator) Kind() domain.SequenceKind {
	return a.kind
}

// NextValue 分配下一个值
func (a *SequenceAllocator) NextValue(ctx context.Context, mailboxID domain.MailboxID) (int64, error) {
	first, _, err := a.NextValues(ctx, mailboxID, 1)
	return first, err
}

// NextValues 用一次 CAS 预留 count 个连续值，返回闭区间 [first, last]
func (a *SequenceAllocator) NextValues(ctx context.Context, mailboxID domain.MailboxID, count int64) (first, last int64, err error) {
	if err := mailboxID.Validate(); err != nil {
		return 0, 0, err
	}
	if count < 1 {
		return 0, 0, fmt.Errorf("%w: %d", ErrInvalidCount, count)
	}

	err = a.loop.run(ctx, func(ctx context.Context) (bool, error) {
		current, _, err := a.store.ReadSequence(ctx, mailboxID, a.kind)
		if err != nil {
			return false, fmt.Errorf("read %s sequence: %w", a.kind, err)
		}
		if count > math.MaxInt64-current {
			return false, fmt.Errorf("%w: %s at %d cannot advance by %d", ErrSequenceExhausted, a.kind, current, count)
		}
		next := current + count
		committed, err := a.store.CompareAndSetSequence(ctx, mailboxID, a.kind, current, next)
		if err != nil {
			return false, fmt.Errorf("advance %s sequence: %w", a.kind, err)
		}
		if committed {
			first, last = current+1, next
		}
		return committed, nil
	})
	if err != nil {
		return 0, 0, err
	}

	a.metrics.RecordSequenceAllocation(string(a.kind), count)
	return first, last, nil
}

// HighestValue 返回已分配的最大值，从未分配时为 0
func (a *SequenceAllocator) HighestValue(ctx context.Context, mailboxID domain.MailboxID) (int64, error) {
	if err := mailboxID.Validate(); err != nil {
		return 0, err
	}
	v, _, err := a.store.ReadSequence(ctx, mailboxID, a.kind)
	if err != nil {
		return 0, fmt.Errorf("read %s sequence: %w", a.kind, err)
	}
	return v, nil
}

// UIDProvider 邮件追加路径使用的 UID 分配
type UIDProvider struct {
	allocator *SequenceAllocator
}

// NewUIDProvider 创建 UID 分配器
func NewUIDProvider(store storage.SequenceRepository, opts ...SequenceOption) *UIDProvider {
	a, _ := NewSequenceAllocator(store, domain.SequenceUID, opts...)
	return &UIDProvider{allocator: a}
}

// NextUID 分配下一个 UID
func (p *UIDProvider) NextUID(ctx context.Context, mailboxID domain.MailboxID) (domain.MessageUID, error) {
	v, err := p.allocator.NextValue(ctx, mailboxID)
	return domain.MessageUID(v), err
}

// NextUIDs 预留 count 个连续 UID
func (p *UIDProvider) NextUIDs(ctx context.Context, mailboxID domain.MailboxID, count int64) (domain.MessageUID, domain.MessageUID, error) {
	first, last, err := p.allocator.NextValues(ctx, mailboxID, count)
	return domain.MessageUID(first), domain.MessageUID(last), err
}

// LastUID 已分配的最大 UID，从未分配时为 0
func (p *UIDProvider) LastUID(ctx context.Context, mailboxID domain.MailboxID) (domain.MessageUID, error) {
	v, err := p.allocator.HighestValue(ctx, mailboxID)
	return domain.MessageUID(v), err
}

// ModSeqProvider 标志更新路径使用的 ModSeq 分配
type ModSeqProvider struct {
	allocator *SequenceAllocator
}

// NewModSeqProvider 创建 ModSeq 分配器
func NewModSeqProvider(store storage.SequenceRepository, opts ...SequenceOption) *ModSeqProvider {
	a, _ := NewSequenceAllocator(store, domain.SequenceModSeq, opts...)
	return &ModSeqProvider{allocator: a}
}

// NextModSeq 分配下一个 ModSeq
func (p *ModSeqProvider) NextModSeq(ctx context.Context, mailboxID domain.MailboxID) (domain.ModSeq, error) {
	v, err := p.allocator.NextValue(ctx, mailboxID)
	return domain.ModSeq(v), err
}

// HighestModSeq 当前最大 ModSeq，从未分配时为 0
func (p *ModSeqProvider) HighestModSeq(ctx context.Context, mailboxID domain.MailboxID) (domain.ModSeq, error) {
	v, err := p.allocator.HighestValue(ctx, mailboxID)
	return domain.ModSeq(v), err
}
