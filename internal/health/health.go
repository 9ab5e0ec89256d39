// Package health 组合存储后端的健康检查，提供 liveness/readiness 端点与汇总报告。
package health

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/heptiolabs/healthcheck"
	"go.uber.org/zap"
)

// Status 健康状态
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// Pinger 可以探活的组件，各存储后端都实现了它
type Pinger interface {
	Health(ctx context.Context) error
}

// PingerFunc 函数适配器
type PingerFunc func(ctx context.Context) error

// Health 实现 Pinger
func (f PingerFunc) Health(ctx context.Context) error { return f(ctx) }

// CheckResult 单项检查结果
type CheckResult struct {
	Name        string        `json:"name"`
	Status      Status        `json:"status"`
	Message     string        `json:"message,omitempty"`
	Duration    time.Duration `json:"duration"`
	LastChecked time.Time     `json:"lastChecked"`
}

// Report 健康报告
type Report struct {
	Status    Status        `json:"status"`
	Timestamp time.Time     `json:"timestamp"`
	Uptime    time.Duration `json:"uptime"`
	Version   string        `json:"version"`
	Checks    []CheckResult `json:"checks"`
}

type namedCheck struct {
	name string
	// critical 失败时整体为 unhealthy，否则为 degraded
	critical bool
	check    healthcheck.Check
}

// Checker 健康检查器
type Checker struct {
	handler   healthcheck.Handler
	timeout   time.Duration
	version   string
	startTime time.Time
	log       *zap.Logger

	mu     sync.RWMutex
	checks []namedCheck
}

// NewChecker 创建健康检查器，timeout 为单项检查的超时
func NewChecker(version string, timeout time.Duration, log *zap.Logger) *Checker {
	if log == nil {
		log = zap.NewNop()
	}
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &Checker{
		handler:   healthcheck.NewHandler(),
		timeout:   timeout,
		version:   version,
		startTime: time.Now(),
		log:       log,
	}
}

// AddStore 注册存储后端检查，失败时服务不可用（readiness）
func (c *Checker) AddStore(name string, p Pinger) {
	check := healthcheck.Timeout(func() error {
		ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
		defer cancel()
		return p.Health(ctx)
	}, c.timeout)

	c.handler.AddReadinessCheck(name, check)
	c.add(namedCheck{name: name, critical: true, check: check})
}

// AddGoroutineCheck 协程数超过阈值时报告降级（liveness）
func (c *Checker) AddGoroutineCheck(threshold int) {
	check := healthcheck.GoroutineCountCheck(threshold)
	c.handler.AddLivenessCheck("goroutines", check)
	c.add(namedCheck{name: "goroutines", check: check})
}

func (c *Checker) add(nc namedCheck) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.checks = append(c.checks, nc)
}

// Handler 返回 /live 与 /ready 处理器
func (c *Checker) Handler() http.Handler {
	return c.handler
}

// LiveHandler liveness 端点
func (c *Checker) LiveHandler() http.HandlerFunc {
	return c.handler.LiveEndpoint
}

// ReadyHandler readiness 端点
func (c *Checker) ReadyHandler() http.HandlerFunc {
	return c.handler.ReadyEndpoint
}

// Uptime 运行时长
func (c *Checker) Uptime() time.Duration {
	return time.Since(c.startTime)
}

// Check 执行全部检查并汇总
func (c *Checker) Check() *Report {
	c.mu.RLock()
	checks := append([]namedCheck(nil), c.checks...)
	c.mu.RUnlock()

	report := &Report{
		Status:    StatusHealthy,
		Timestamp: time.Now(),
		Uptime:    c.Uptime(),
		Version:   c.version,
		Checks:    make([]CheckResult, 0, len(checks)),
	}

	for _, nc := range checks {
		start := time.Now()
		result := CheckResult{Name: nc.name, Status: StatusHealthy, LastChecked: start}
		if err := nc.check(); err != nil {
			result.Message = err.Error()
			if nc.critical {
				result.Status = StatusUnhealthy
			} else {
				result.Status = StatusDegraded
			}
		}
		result.Duration = time.Since(start)
		report.Checks = append(report.Checks, result)

		switch result.Status {
		case StatusUnhealthy:
			report.Status = StatusUnhealthy
		case StatusDegraded:
			if report.Status != StatusUnhealthy {
				report.Status = StatusDegraded
			}
		}
	}
	return report
}

// IsHealthy 全部检查是否通过
func (c *Checker) IsHealthy() bool {
	return c.Check().Status == StatusHealthy
}

// StartPeriodicCheck 定期执行检查并记录日志，ctx 结束时返回
func (c *Checker) StartPeriodicCheck(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			report := c.Check()
			fields := []zap.Field{
				zap.String("status", string(report.Status)),
				zap.Duration("uptime", report.Uptime),
			}
			switch report.Status {
			case StatusUnhealthy:
				c.log.Error("health check failed", append(fields, failedChecks(report))...)
			case StatusDegraded:
				c.log.Warn("health check degraded", append(fields, failedChecks(report))...)
			default:
				c.log.Debug("health check passed", fields...)
			}
		}
	}
}

func failedChecks(r *Report) zap.Field {
	var failed []string
	for _, check := range r.Checks {
		if check.Status != StatusHealthy {
			failed = append(failed, fmt.Sprintf("%s: %s", check.Name, check.Message))
		}
	}
	return zap.Strings("failed", failed)
}
