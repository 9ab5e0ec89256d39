package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"mailmeta/backend/internal/monitoring"
)

// ErrConcurrentModification CAS 冲突次数超过上限
var ErrConcurrentModification = errors.New("concurrent modification: retries exhausted")

// DefaultACLMaxAttempts ACL 写入默认的最大 CAS 尝试次数
const DefaultACLMaxAttempts = 10

// RetryPolicy CAS 冲突时的重试策略
//
// 只有 CAS 不匹配会触发重试，存储层错误总是原样返回给调用方。
type RetryPolicy struct {
	// MaxAttempts 最大尝试次数，0 表示不限
	MaxAttempts int
	// Backoff 首次冲突后的等待时间，之后按指数增长，0 表示立即重试
	Backoff time.Duration
	// MaxBackoff 等待时间上限，0 表示使用 backoff.DefaultMaxInterval
	MaxBackoff time.Duration
}

// UnboundedRetry 不限次数、立即重试
func UnboundedRetry() RetryPolicy {
	return RetryPolicy{}
}

// BoundedRetry 最多尝试 n 次
func BoundedRetry(n int) RetryPolicy {
	return RetryPolicy{MaxAttempts: n}
}

// WithBackoff 返回带退避的策略副本
func (p RetryPolicy) WithBackoff(initial, max time.Duration) RetryPolicy {
	p.Backoff = initial
	p.MaxBackoff = max
	return p
}

// exhausted 第 attempt 次尝试失败后是否应放弃
func (p RetryPolicy) exhausted(attempt int) bool {
	return p.MaxAttempts > 0 && attempt >= p.MaxAttempts
}

// newBackOff 为一次 CAS 循环创建退避序列，未配置退避时立即重试
//
// 每次冲突后等待时间翻倍，并在 [0.5d, 1.5d] 内随机抖动。
func (p RetryPolicy) newBackOff() backoff.BackOff {
	if p.Backoff <= 0 {
		return &backoff.ZeroBackOff{}
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.Backoff
	b.Multiplier = 2
	b.RandomizationFactor = 0.5
	if p.MaxBackoff > 0 {
		b.MaxInterval = p.MaxBackoff
	}
	// 是否放弃只由 MaxAttempts 决定
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// casLoop 读取-计算-CAS-重试 循环，序列分配与 ACL 写入共用
type casLoop struct {
	component string
	policy    RetryPolicy
	metrics   *monitoring.Metrics
	log       *zap.Logger
}

// run 反复执行 attempt 直到提交
//
// attempt 返回 committed=false 表示 CAS 不匹配，会重新执行；返回错误则立即终止。
func (l casLoop) run(ctx context.Context, attempt func(ctx context.Context) (bool, error)) error {
	wait := l.policy.newBackOff()
	for i := 1; ; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		committed, err := attempt(ctx)
		if err != nil {
			return err
		}
		l.metrics.RecordCASAttempt(l.component, committed)
		if committed {
			return nil
		}

		if l.policy.exhausted(i) {
			l.metrics.RecordCASExhausted(l.component)
			l.log.Warn("cas retries exhausted",
				zap.String("component", l.component),
				zap.Int("attempts", i),
			)
			return fmt.Errorf("%w: %s gave up after %d attempts", ErrConcurrentModification, l.component, i)
		}

		l.log.Debug("cas conflict, retrying",
			zap.String("component", l.component),
			zap.Int("attempt", i),
		)
		if err := sleep(ctx, wait.NextBackOff()); err != nil {
			return err
		}
	}
}

// sleep 可被 ctx 打断的等待
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
