// Package queue 提供带延迟投递能力的作业队列及其消费处理器，支持内存、Redis
// 与 RabbitMQ 三种驱动。
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	xerrors "DustSweep/internal/errors"
)

// Envelope 是队列中传输的作业。Attempt 为投递次数，从 1 开始。
type Envelope struct {
	ID         string          `json:"id"`
	Kind       string          `json:"kind"`
	Payload    json.RawMessage `json:"payload"`
	Attempt    int             `json:"attempt"`
	EnqueuedAt time.Time       `json:"enqueuedAt"`
}

// NewEnvelope 序列化 payload 并生成作业 ID。
func NewEnvelope(kind string, payload any) (Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, xerrors.Wrap(xerrors.CodeInvalidArgument, err, fmt.Sprintf("encode %s payload", kind))
	}
	return Envelope{
		ID:         uuid.NewString(),
		Kind:       kind,
		Payload:    raw,
		Attempt:    1,
		EnqueuedAt: time.Now().UTC(),
	}, nil
}

// Decode 将 payload 反序列化到 v。
func (e Envelope) Decode(v any) error {
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, fmt.Sprintf("decode %s job %s", e.Kind, e.ID),
			xerrors.WithRetryable(false))
	}
	return nil
}

// Next 返回下一次投递使用的副本。
func (e Envelope) Next() Envelope {
	next := e
	next.Attempt++
	next.EnqueuedAt = time.Now().UTC()
	return next
}

func encode(e Envelope) ([]byte, error) {
	return json.Marshal(e)
}

func decode(raw []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, err
	}
	if env.Attempt <= 0 {
		env.Attempt = 1
	}
	return env, nil
}

// Handler 处理一个作业。
type Handler func(ctx context.Context, env Envelope) error

// Producer 负责向队列投递作业。
type Producer interface {
	Publish(ctx context.Context, env Envelope) error
	PublishDelayed(ctx context.Context, env Envelope, delay time.Duration) error
	Close() error
}

// Consumer 负责从队列中消费作业。处理失败的作业不会被驱动重投，重试由
// Processor 决定。
type Consumer interface {
	Consume(ctx context.Context, workerCount int, handler Handler) error
	Close() error
}

// Queue 同时具备生产者与消费者能力。
type Queue interface {
	Producer
	Consumer
}

// Depth 描述队列积压。
type Depth struct {
	Waiting int64
	Delayed int64
}

// DepthReporter 由能够统计积压的驱动实现。
type DepthReporter interface {
	Depth(ctx context.Context) (Depth, error)
}
