package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"mailmeta/backend/internal/domain"
	"mailmeta/backend/internal/monitoring"
	"mailmeta/backend/internal/pool"
)

// EventApplier 把单个邮箱事件应用到索引
type EventApplier interface {
	Apply(ctx context.Context, event domain.MailboxEvent) error
}

// EventResult 批量分发中单个事件的结果
type EventResult struct {
	Index int
	Event domain.MailboxEvent
	Err   error
}

// EventDispatcher 在按邮箱分区的协程池上分发事件
//
// 同一邮箱的事件按提交顺序串行处理，不同邮箱之间并行。
type EventDispatcher struct {
	applier EventApplier
	pool    *pool.PartitionedPool
	timeout time.Duration
	metrics *monitoring.Metrics
	log     *zap.Logger
}

// DispatcherOption 分发器选项
type DispatcherOption func(*EventDispatcher)

// WithEventTimeout 设置单个事件的处理超时，0 表示不设超时
func WithEventTimeout(d time.Duration) DispatcherOption {
	return func(d2 *EventDispatcher) {
		d2.timeout = d
	}
}

// WithDispatcherLogger 设置日志
func WithDispatcherLogger(log *zap.Logger) DispatcherOption {
	return func(d *EventDispatcher) {
		d.log = log
	}
}

// WithDispatcherMetrics 设置监控指标
func WithDispatcherMetrics(m *monitoring.Metrics) DispatcherOption {
	return func(d *EventDispatcher) {
		d.metrics = m
	}
}

// NewEventDispatcher 创建事件分发器，协程池需由调用方启动与停止
func NewEventDispatcher(applier EventApplier, p *pool.PartitionedPool, opts ...DispatcherOption) *EventDispatcher {
	d := &EventDispatcher{
		applier: applier,
		pool:    p,
		log:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Dispatch 分发一批事件并等待全部完成，结果顺序与输入一致
//
// 校验失败或未能入队的事件直接以错误返回，不影响其它事件。
func (d *EventDispatcher) Dispatch(ctx context.Context, events []domain.MailboxEvent) []EventResult {
	results := make([]EventResult, len(events))
	var wg sync.WaitGroup

	for i, event := range events {
		results[i] = EventResult{Index: i, Event: event}
		if err := event.Validate(); err != nil {
			results[i].Err = err
			continue
		}

		i, event := i, event
		wg.Add(1)
		d.metrics.AddDispatchQueueDepth(1)
		err := d.pool.Submit(ctx, string(event.MailboxID), func() {
			defer wg.Done()
			d.metrics.AddDispatchQueueDepth(-1)
			results[i].Err = d.apply(ctx, event)
		})
		if err != nil {
			wg.Done()
			d.metrics.AddDispatchQueueDepth(-1)
			results[i].Err = err
		}
	}

	wg.Wait()
	return results
}

// apply 处理单个事件，处理器 panic 时转为该事件的错误
func (d *EventDispatcher) apply(ctx context.Context, event domain.MailboxEvent) (err error) {
	defer func() {
		if r := recover(); r != nil {
			d.metrics.RecordPanic()
			d.log.Error("event applier panic",
				zap.String("mailbox_id", string(event.MailboxID)),
				zap.String("type", string(event.Type)),
				zap.Any("panic", r),
				zap.Stack("stack"),
			)
			err = fmt.Errorf("panic: %v", r)
		}
	}()

	if err := ctx.Err(); err != nil {
		return err
	}
	if d.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}
	err = d.applier.Apply(ctx, event)
	if err != nil {
		d.log.Warn("event dispatch failed",
			zap.String("mailbox_id", string(event.MailboxID)),
			zap.String("type", string(event.Type)),
			zap.Error(err),
		)
	}
	return err
}

// Failed 返回失败的结果
func Failed(results []EventResult) []EventResult {
	var out []EventResult
	for _, r := range results {
		if r.Err != nil {
			out = append(out, r)
		}
	}
	return out
}
