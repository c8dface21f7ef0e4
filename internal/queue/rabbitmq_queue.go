package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"DustSweep/pkg/logger"
)

// RabbitMQConfig 描述 RabbitMQ 队列的连接参数。
type RabbitMQConfig struct {
	URL        string
	Queue      string
	Prefetch   int
	Durable    bool
	AutoDelete bool
}

// RabbitMQQueue 使用 RabbitMQ 实现作业队列。延迟作业写入 "<queue>.delay"，
// 按消息 TTL 过期后经默认交换机死信回到工作队列。RabbitMQ 只在队首检查过期，
// 因此同一队列内的延迟应保持一致。
type RabbitMQQueue struct {
	conn     *amqp.Connection
	ch       *amqp.Channel
	queue    string
	delay    string
	prefetch int
	pubMu    sync.Mutex
	log      *slog.Logger
}

// NewRabbitMQQueue 创建 RabbitMQ 队列实例。
func NewRabbitMQQueue(cfg RabbitMQConfig) (*RabbitMQQueue, error) {
	if cfg.URL == "" {
		return nil, errors.New("RabbitMQ URL 不能为空")
	}
	queue := cfg.Queue
	if queue == "" {
		queue = "dustsweep.jobs"
	}
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("连接 RabbitMQ 失败: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("创建 RabbitMQ channel 失败: %w", err)
	}
	if cfg.Prefetch > 0 {
		if err := ch.Qos(cfg.Prefetch, 0, false); err != nil {
			ch.Close()
			conn.Close()
			return nil, fmt.Errorf("设置 RabbitMQ QOS 失败: %w", err)
		}
	}
	q := &RabbitMQQueue{
		conn:     conn,
		ch:       ch,
		queue:    queue,
		delay:    queue + ".delay",
		prefetch: cfg.Prefetch,
		log:      logger.Named("queue").With(slog.String("queue", queue)),
	}
	if err := q.declare(cfg.Durable, cfg.AutoDelete); err != nil {
		ch.Close()
		conn.Close()
		return nil, err
	}
	return q, nil
}

func (q *RabbitMQQueue) declare(durable, autoDelete bool) error {
	if _, err := q.ch.QueueDeclare(q.queue, durable, autoDelete, false, false, nil); err != nil {
		return fmt.Errorf("声明 RabbitMQ 队列失败: %w", err)
	}
	args := amqp.Table{
		"x-dead-letter-exchange":    "",
		"x-dead-letter-routing-key": q.queue,
	}
	if _, err := q.ch.QueueDeclare(q.delay, durable, autoDelete, false, false, args); err != nil {
		return fmt.Errorf("声明 RabbitMQ 延迟队列失败: %w", err)
	}
	return nil
}

func (q *RabbitMQQueue) publish(ctx context.Context, routingKey string, env Envelope, expiration string) error {
	if q == nil || q.ch == nil {
		return errors.New("RabbitMQ 队列未初始化")
	}
	raw, err := encode(env)
	if err != nil {
		return err
	}
	q.pubMu.Lock()
	defer q.pubMu.Unlock()
	return q.ch.PublishWithContext(ctx, "", routingKey, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    env.ID,
		Type:         env.Kind,
		Expiration:   expiration,
		Timestamp:    env.EnqueuedAt,
		Body:         raw,
	})
}

// Publish 将作业投递到 RabbitMQ。
func (q *RabbitMQQueue) Publish(ctx context.Context, env Envelope) error {
	return q.publish(ctx, q.queue, env, "")
}

// PublishDelayed 将作业投递到延迟队列。
func (q *RabbitMQQueue) PublishDelayed(ctx context.Context, env Envelope, delay time.Duration) error {
	if delay <= 0 {
		return q.Publish(ctx, env)
	}
	return q.publish(ctx, q.delay, env, strconv.FormatInt(delay.Milliseconds(), 10))
}

// Consume 使用手动确认模式消费 RabbitMQ 队列。
func (q *RabbitMQQueue) Consume(ctx context.Context, workerCount int, handler Handler) error {
	if q == nil || q.ch == nil {
		return errors.New("RabbitMQ 队列未初始化")
	}
	if workerCount <= 0 {
		workerCount = 1
	}
	if q.prefetch <= 0 {
		if err := q.ch.Qos(workerCount, 0, false); err != nil {
			return fmt.Errorf("设置 RabbitMQ QOS 失败: %w", err)
		}
	}
	msgs, err := q.ch.Consume(q.queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("订阅 RabbitMQ 队列失败: %w", err)
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
				case msg, ok := <-msgs:
					if !ok {
						return
					}
					env, err := decode(msg.Body)
					if err != nil {
						q.log.Error("丢弃无法解析的作业", slog.Any("error", err))
						_ = msg.Reject(false)
						continue
					}
					_ = handler(ctx, env)
					_ = msg.Ack(false)
				}
			}
		}()
	}

	<-ctx.Done()
	wg.Wait()
	return ctx.Err()
}

// Depth 返回工作队列与延迟队列中的消息数。
func (q *RabbitMQQueue) Depth(context.Context) (Depth, error) {
	q.pubMu.Lock()
	defer q.pubMu.Unlock()
	work, err := q.ch.QueueDeclarePassive(q.queue, false, false, false, false, nil)
	if err != nil {
		return Depth{}, fmt.Errorf("查询 RabbitMQ 队列失败: %w", err)
	}
	delayed, err := q.ch.QueueDeclarePassive(q.delay, false, false, false, false, nil)
	if err != nil {
		return Depth{}, fmt.Errorf("查询 RabbitMQ 延迟队列失败: %w", err)
	}
	return Depth{Waiting: int64(work.Messages), Delayed: int64(delayed.Messages)}, nil
}

// Close 关闭 RabbitMQ 连接。
func (q *RabbitMQQueue) Close() error {
	if q == nil {
		return nil
	}
	if q.ch != nil {
		_ = q.ch.Close()
	}
	if q.conn != nil {
		return q.conn.Close()
	}
	return nil
}
