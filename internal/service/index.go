package service

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"mailmeta/backend/internal/domain"
	"mailmeta/backend/internal/monitoring"
	"mailmeta/backend/internal/storage"
)

// IndexTableHandler 把邮箱事件拆成各二级索引表上的幂等子操作并发执行。
//
// 子操作之间没有原子性：任何一个失败整个调用就失败，已完成的子操作保持提交，
// 调用方重试整个事件即可。
type IndexTableHandler struct {
	store   storage.IndexStore
	metrics *monitoring.Metrics
	log     *zap.Logger
}

// IndexOption 索引处理器选项
type IndexOption func(*IndexTableHandler)

// WithIndexLogger 设置日志
func WithIndexLogger(log *zap.Logger) IndexOption {
	return func(h *IndexTableHandler) {
		h.log = log
	}
}

// WithIndexMetrics 设置监控指标
func WithIndexMetrics(m *monitoring.Metrics) IndexOption {
	return func(h *IndexTableHandler) {
		h.metrics = m
	}
}

// NewIndexTableHandler 创建索引处理器
func NewIndexTableHandler(store storage.IndexStore, opts ...IndexOption) *IndexTableHandler {
	h := &IndexTableHandler{store: store, log: zap.NewNop()}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// subOps 一个事件拆出的子操作集合
//
// 子操作共用调用方的 ctx，一个失败不会取消其它子操作，已开始的写入都会执行完。
type subOps struct {
	g   errgroup.Group
	ctx context.Context
}

func newSubOps(ctx context.Context) *subOps {
	return &subOps{ctx: ctx}
}

func (s *subOps) do(name string, fn func(ctx context.Context) error) {
	s.g.Go(func() error {
		if err := fn(s.ctx); err != nil {
			return fmt.Errorf("index %s: %w", name, err)
		}
		return nil
	})
}

func (s *subOps) wait() error {
	return s.g.Wait()
}

// UpdateIndexOnAdd 新邮件加入邮箱
func (h *IndexTableHandler) UpdateIndexOnAdd(ctx context.Context, mailboxID domain.MailboxID, msg domain.AddedMessage) error {
	if err := validateTarget(mailboxID, msg); err != nil {
		return err
	}
	return h.observe(domain.EventMessageAdded, mailboxID, msg.UID, func() error {
		ops := newSubOps(ctx)
		unseen := !msg.Flags.Has(domain.FlagSeen)

		delta := domain.CounterDelta{Count: 1}
		if unseen {
			delta.Unseen = 1
		}
		ops.do("counters", func(ctx context.Context) error {
			return h.store.AddCounters(ctx, mailboxID, delta)
		})

		if unseen {
			// 已有指针时保持不变，即使新 UID 更小
			ops.do("first_unseen", func(ctx context.Context) error {
				_, err := h.store.SetFirstUnseenIfAbsent(ctx, mailboxID, msg.UID)
				return err
			})
		}
		if msg.Flags.Has(domain.FlagRecent) {
			ops.do("recent", func(ctx context.Context) error {
				return h.store.AddRecent(ctx, mailboxID, msg.UID)
			})
		}
		if msg.Flags.Has(domain.FlagDeleted) {
			ops.do("deleted", func(ctx context.Context) error {
				return h.store.AddDeleted(ctx, mailboxID, msg.UID)
			})
		}
		if user := msg.Flags.UserFlags(); len(user) > 0 {
			ops.do("applicable_flags", func(ctx context.Context) error {
				return h.store.UnionApplicableFlags(ctx, mailboxID, user)
			})
		}
		return ops.wait()
	})
}

// UpdateIndexOnDelete 邮件被删除，msg.Flags 为删除前的标志
func (h *IndexTableHandler) UpdateIndexOnDelete(ctx context.Context, mailboxID domain.MailboxID, msg domain.DeletedMessage) error {
	if err := validateTarget(mailboxID, msg); err != nil {
		return err
	}
	return h.observe(domain.EventMessageDeleted, mailboxID, msg.UID, func() error {
		ops := newSubOps(ctx)

		delta := domain.CounterDelta{Count: -1}
		if !msg.Flags.Has(domain.FlagSeen) {
			delta.Unseen = -1
		}
		ops.do("counters", func(ctx context.Context) error {
			return h.store.AddCounters(ctx, mailboxID, delta)
		})

		// Recent 与 Deleted 无论标志如何都清理，覆盖丢失过标志更新事件的情况
		ops.do("recent", func(ctx context.Context) error {
			return h.store.RemoveRecent(ctx, mailboxID, msg.UID)
		})
		ops.do("deleted", func(ctx context.Context) error {
			return h.store.RemoveDeleted(ctx, mailboxID, msg.UID)
		})

		// 只在指针指向被删邮件时清除，不重新扫描；读取路径负责回退扫描
		ops.do("first_unseen", func(ctx context.Context) error {
			_, err := h.store.ClearFirstUnseenIf(ctx, mailboxID, msg.UID)
			return err
		})
		return ops.wait()
	})
}

// UpdateIndexOnFlagsUpdate 邮件标志变化
func (h *IndexTableHandler) UpdateIndexOnFlagsUpdate(ctx context.Context, mailboxID domain.MailboxID, upd domain.UpdatedFlags) error {
	if err := validateTarget(mailboxID, upd); err != nil {
		return err
	}
	return h.observe(domain.EventFlagsUpdated, mailboxID, upd.UID, func() error {
		ops := newSubOps(ctx)

		switch {
		case upd.IsModifiedToUnset(domain.FlagSeen):
			ops.do("counters", func(ctx context.Context) error {
				return h.store.AddCounters(ctx, mailboxID, domain.CounterDelta{Unseen: 1})
			})
			// 无条件覆盖，指针可能不再是最小值
			ops.do("first_unseen", func(ctx context.Context) error {
				return h.store.SetFirstUnseen(ctx, mailboxID, upd.UID)
			})
		case upd.IsModifiedToSet(domain.FlagSeen):
			ops.do("counters", func(ctx context.Context) error {
				return h.store.AddCounters(ctx, mailboxID, domain.CounterDelta{Unseen: -1})
			})
			ops.do("first_unseen", func(ctx context.Context) error {
				_, err := h.store.ClearFirstUnseenIf(ctx, mailboxID, upd.UID)
				return err
			})
		}

		switch {
		case upd.IsModifiedToSet(domain.FlagRecent):
			ops.do("recent", func(ctx context.Context) error {
				return h.store.AddRecent(ctx, mailboxID, upd.UID)
			})
		case upd.IsModifiedToUnset(domain.FlagRecent):
			ops.do("recent", func(ctx context.Context) error {
				return h.store.RemoveRecent(ctx, mailboxID, upd.UID)
			})
		}

		switch {
		case upd.IsModifiedToSet(domain.FlagDeleted):
			ops.do("deleted", func(ctx context.Context) error {
				return h.store.AddDeleted(ctx, mailboxID, upd.UID)
			})
		case upd.IsModifiedToUnset(domain.FlagDeleted):
			ops.do("deleted", func(ctx context.Context) error {
				return h.store.RemoveDeleted(ctx, mailboxID, upd.UID)
			})
		}

		// 只合并新标志，旧标志被移除不影响可用标志集合
		if user := upd.NewFlags.UserFlags(); len(user) > 0 {
			ops.do("applicable_flags", func(ctx context.Context) error {
				return h.store.UnionApplicableFlags(ctx, mailboxID, user)
			})
		}
		return ops.wait()
	})
}

// UpdateIndexOnFlagsUpdates 按顺序处理同一邮箱的一批标志变化
func (h *IndexTableHandler) UpdateIndexOnFlagsUpdates(ctx context.Context, mailboxID domain.MailboxID, updates []domain.UpdatedFlags) error {
	for i, upd := range updates {
		if err := h.UpdateIndexOnFlagsUpdate(ctx, mailboxID, upd); err != nil {
			return fmt.Errorf("flags update %d of %d: %w", i+1, len(updates), err)
		}
	}
	return nil
}

// Apply 按事件类型分派
func (h *IndexTableHandler) Apply(ctx context.Context, event domain.MailboxEvent) error {
	if err := event.Validate(); err != nil {
		return err
	}
	switch event.Type {
	case domain.EventMessageAdded:
		return h.UpdateIndexOnAdd(ctx, event.MailboxID, *event.Added)
	case domain.EventMessageDeleted:
		return h.UpdateIndexOnDelete(ctx, event.MailboxID, *event.Deleted)
	default:
		return h.UpdateIndexOnFlagsUpdate(ctx, event.MailboxID, *event.Updated)
	}
}

func (h *IndexTableHandler) observe(eventType domain.EventType, mailboxID domain.MailboxID, uid domain.MessageUID, fn func() error) error {
	start := time.Now()
	err := fn()
	h.metrics.RecordIndexEvent(string(eventType), err, time.Since(start))
	if err != nil {
		h.log.Warn("index update failed",
			zap.String("event", string(eventType)),
			zap.String("mailbox_id", string(mailboxID)),
			zap.Int64("uid", int64(uid)),
			zap.Error(err),
		)
	}
	return err
}

type validator interface {
	Validate() error
}

func validateTarget(mailboxID domain.MailboxID, payload validator) error {
	if err := mailboxID.Validate(); err != nil {
		return err
	}
	return payload.Validate()
}
