package queue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

// MemoryQueue 使用 channel 模拟消息队列，延迟作业由定时器投递。
type MemoryQueue struct {
	ch      chan Envelope
	done    chan struct{}
	mu      sync.Mutex
	closed  bool
	timers  map[*time.Timer]struct{}
	delayed atomic.Int64
}

// NewMemoryQueue 创建一个内存队列。
func NewMemoryQueue(size int) *MemoryQueue {
	if size <= 0 {
		size = 64
	}
	return &MemoryQueue{
		ch:     make(chan Envelope, size),
		done:   make(chan struct{}),
		timers: make(map[*time.Timer]struct{}),
	}
}

var errQueueClosed = errors.New("队列已关闭")

// Publish 将作业投递到队列。
func (q *MemoryQueue) Publish(ctx context.Context, env Envelope) error {
	q.mu.Lock()
	closed := q.closed
	q.mu.Unlock()
	if closed {
		return errQueueClosed
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-q.done:
		return errQueueClosed
	case q.ch <- env:
		return nil
	}
}

// PublishDelayed 在 delay 之后投递作业。
func (q *MemoryQueue) PublishDelayed(ctx context.Context, env Envelope, delay time.Duration) error {
	if delay <= 0 {
		return q.Publish(ctx, env)
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return errQueueClosed
	}
	q.delayed.Add(1)
	var timer *time.Timer
	timer = time.AfterFunc(delay, func() {
		q.mu.Lock()
		delete(q.timers, timer)
		q.mu.Unlock()
		q.delayed.Add(-1)
		select {
		case q.ch <- env:
		case <-q.done:
		}
	})
	q.timers[timer] = struct{}{}
	return nil
}

// Consume 启动指定数量的工作协程消费队列中的作业。
func (q *MemoryQueue) Consume(ctx context.Context, workerCount int, handler Handler) error {
	if workerCount <= 0 {
		workerCount = 1
	}
	var wg sync.WaitGroup
	for i := 0; i < workerCount; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case <-q.done:
					return
				case env := <-q.ch:
					_ = handler(ctx, env)
				}
			}
		}()
	}
	select {
	case <-ctx.Done():
	case <-q.done:
	}
	wg.Wait()
	if err := ctx.Err(); err != nil {
		return err
	}
	return errQueueClosed
}

// Depth 返回当前积压。
func (q *MemoryQueue) Depth(context.Context) (Depth, error) {
	return Depth{Waiting: int64(len(q.ch)), Delayed: q.delayed.Load()}, nil
}

// Close 关闭内存队列并取消尚未触发的延迟作业。
func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil
	}
	q.closed = true
	close(q.done)
	for timer := range q.timers {
		if timer.Stop() {
			q.delayed.Add(-1)
		}
		delete(q.timers, timer)
	}
	return nil
}
