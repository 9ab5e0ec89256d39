package pool

import (
	"context"
	"errors"
	"sync"

	"github.com/cespare/xxhash/v2"
)

// ErrPoolClosed 协程池已停止
var ErrPoolClosed = errors.New("pool: closed")

// PartitionedPool 按键分区的协程池
//
// 每个分区只有一个工作协程，同一个键的任务总是落在同一分区，
// 因此按提交顺序串行执行；不同分区之间并行。
type PartitionedPool struct {
	partitions []chan func()
	wg         sync.WaitGroup

	mu     sync.RWMutex
	closed bool

	onPanic func(recovered interface{})
}

// Option 协程池选项
type Option func(*PartitionedPool)

// WithPanicHandler 设置任务 panic 时的回调
func WithPanicHandler(fn func(recovered interface{})) Option {
	return func(p *PartitionedPool) {
		p.onPanic = fn
	}
}

// NewPartitionedPool 创建分区协程池
//
// 参数:
//   - partitions: 分区数（即工作协程数）
//   - queueSize: 每个分区的任务队列大小
func NewPartitionedPool(partitions, queueSize int, opts ...Option) *PartitionedPool {
	if partitions <= 0 {
		partitions = 1
	}
	if queueSize < 0 {
		queueSize = 0
	}
	p := &PartitionedPool{
		partitions: make([]chan func(), partitions),
	}
	for i := range p.partitions {
		p.partitions[i] = make(chan func(), queueSize)
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Start 启动每个分区的工作协程
//
// ctx 取消后工作协程立即退出，未执行的任务被丢弃；正常关闭请使用 Stop。
func (p *PartitionedPool) Start(ctx context.Context) {
	for _, queue := range p.partitions {
		p.wg.Add(1)
		go p.worker(ctx, queue)
	}
}

// Partitions 返回分区数
func (p *PartitionedPool) Partitions() int {
	return len(p.partitions)
}

// Partition 返回键所属的分区
func (p *PartitionedPool) Partition(key string) int {
	return int(xxhash.Sum64String(key) % uint64(len(p.partitions)))
}

// Submit 提交任务
//
// 如果分区队列已满，会阻塞直到有空位或 ctx 结束
func (p *PartitionedPool) Submit(ctx context.Context, key string, task func()) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrPoolClosed
	}

	select {
	case p.partitions[p.Partition(key)] <- task:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TrySubmit 尝试提交任务
//
// 如果分区队列已满或协程池已停止，立即返回 false
func (p *PartitionedPool) TrySubmit(key string, task func()) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return false
	}

	select {
	case p.partitions[p.Partition(key)] <- task:
		return true
	default:
		return false
	}
}

// Stop 停止协程池，等待已入队的任务执行完毕
func (p *PartitionedPool) Stop() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	for _, queue := range p.partitions {
		close(queue)
	}
	p.mu.Unlock()

	p.wg.Wait()
}

// worker 工作协程
func (p *PartitionedPool) worker(ctx context.Context, queue <-chan func()) {
	defer p.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case task, ok := <-queue:
			if !ok {
				return
			}
			p.run(task)
		}
	}
}

// run 执行任务（捕获 panic）
func (p *PartitionedPool) run(task func()) {
	defer func() {
		if r := recover(); r != nil && p.onPanic != nil {
			p.onPanic(r)
		}
	}()
	task()
}
