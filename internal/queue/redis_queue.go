package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"DustSweep/pkg/logger"
)

// RedisQueueConfig 描述 Redis 队列参数。
type RedisQueueConfig struct {
	Queue           string
	BlockWait       time.Duration
	PromoteInterval time.Duration
	PromoteBatch    int
}

// promoteScript 将到期的延迟作业从 ZSET 原子地移入工作队列。
var promoteScript = goredis.NewScript(`
local items = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, tonumber(ARGV[2]))
for _, item in ipairs(items) do
  redis.call('ZREM', KEYS[1], item)
  redis.call('LPUSH', KEYS[2], item)
end
return #items
`)

// RedisQueue 使用 Redis list 作为工作队列，使用 sorted set 保存延迟作业。
type RedisQueue struct {
	client   goredis.UniversalClient
	queue    string
	delayed  string
	wait     time.Duration
	interval time.Duration
	batch    int
	log      *slog.Logger
}

// NewRedisQueue 基于已有客户端创建 Redis 队列。
func NewRedisQueue(client goredis.UniversalClient, cfg RedisQueueConfig) (*RedisQueue, error) {
	if client == nil {
		return nil, errors.New("Redis 客户端不能为空")
	}
	queue := cfg.Queue
	if queue == "" {
		queue = "dustsweep:jobs"
	}
	wait := cfg.BlockWait
	if wait <= 0 {
		wait = 5 * time.Second
	}
	interval := cfg.PromoteInterval
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	batch := cfg.PromoteBatch
	if batch <= 0 {
		batch = 100
	}
	return &RedisQueue{
		client:   client,
		queue:    queue,
		delayed:  queue + ":delayed",
		wait:     wait,
		interval: interval,
		batch:    batch,
		log:      logger.Named("queue").With(slog.String("queue", queue)),
	}, nil
}

// Publish 将作业投递到 Redis。
func (q *RedisQueue) Publish(ctx context.Context, env Envelope) error {
	raw, err := encode(env)
	if err != nil {
		return err
	}
	if err := q.client.LPush(ctx, q.queue, raw).Err(); err != nil {
		return fmt.Errorf("Redis 发布作业失败: %w", err)
	}
	return nil
}

// PublishDelayed 将作业写入延迟集合，到期后由 Consume 中的搬运协程移入队列。
func (q *RedisQueue) PublishDelayed(ctx context.Context, env Envelope, delay time.Duration) error {
	if delay <= 0 {
		return q.Publish(ctx, env)
	}
	raw, err := encode(env)
	if err != nil {
		return err
	}
	due := time.Now().Add(delay).UnixMilli()
	if err := q.client.ZAdd(ctx, q.delayed, goredis.Z{Score: float64(due), Member: raw}).Err(); err != nil {
		return fmt.Errorf("Redis 发布延迟作业失败: %w", err)
	}
	return nil
}

// Promote 将已到期的延迟作业移入工作队列，返回移动数量。
func (q *RedisQueue) Promote(ctx context.Context, now time.Time) (int64, error) {
	moved, err := promoteScript.Run(ctx, q.client,
		[]string{q.delayed, q.queue},
		strconv.FormatInt(now.UnixMilli(), 10), q.batch,
	).Int64()
	if err != nil && !errors.Is(err, goredis.Nil) {
		return 0, fmt.Errorf("Redis 搬运延迟作业失败: %w", err)
	}
	return moved, nil
}

// Consume 通过 BRPOP 从 Redis 获取作业。
func (q *RedisQueue) Consume(ctx context.Context, workerCount int, handler Handler) error {
	if workerCount <= 0 {
		workerCount = 1
	}
	errCh := make(chan error, workerCount+1)

	go func() {
		ticker := time.NewTicker(q.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				if _, err := q.Promote(ctx, now); err != nil && ctx.Err() == nil {
					q.log.Warn("延迟作业搬运失败", slog.Any("error", err))
				}
			}
		}
	}()

	for i := 0; i < workerCount; i++ {
		go func() {
			for {
				select {
				case <-ctx.Done():
					errCh <- ctx.Err()
					return
				default:
				}
				values, err := q.client.BRPop(ctx, q.wait, q.queue).Result()
				if err != nil {
					if errors.Is(err, context.Canceled) || errors.Is(err, goredis.ErrClosed) {
						errCh <- err
						return
					}
					if errors.Is(err, goredis.Nil) {
						continue
					}
					errCh <- fmt.Errorf("Redis 取作业失败: %w", err)
					return
				}
				if len(values) != 2 {
					continue
				}
				env, err := decode([]byte(values[1]))
				if err != nil {
					q.log.Error("丢弃无法解析的作业", slog.Any("error", err))
					continue
				}
				_ = handler(ctx, env)
			}
		}()
	}
	// 等待第一个错误或取消信号。
	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// Depth 返回工作队列长度与延迟集合大小。
func (q *RedisQueue) Depth(ctx context.Context) (Depth, error) {
	pipe := q.client.Pipeline()
	waiting := pipe.LLen(ctx, q.queue)
	delayed := pipe.ZCard(ctx, q.delayed)
	if _, err := pipe.Exec(ctx); err != nil {
		return Depth{}, fmt.Errorf("Redis 统计队列失败: %w", err)
	}
	return Depth{Waiting: waiting.Val(), Delayed: delayed.Val()}, nil
}

// Close 不关闭共享的客户端，连接由创建者负责释放。
func (q *RedisQueue) Close() error {
	return nil
}
