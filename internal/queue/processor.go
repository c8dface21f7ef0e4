package queue

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	xerrors "DustSweep/internal/errors"
	"DustSweep/internal/observability/alerting"
	"DustSweep/internal/observability/metrics"
	"DustSweep/pkg/logger"
)

// Processor 负责从队列消费作业并交给 Handler 执行。
type Processor struct {
	name          string
	handler       Handler
	consumer      Consumer
	producer      Producer
	workerCount   int
	limiter       *rate.Limiter
	maxAttempts   int
	retryDelay    time.Duration
	depthInterval time.Duration
	logger        *slog.Logger
	alerter       alerting.Dispatcher
	now           func() time.Time
}

// ProcessorOption 定义可选配置。
type ProcessorOption func(*Processor)

// WithWorkerCount 设置消费协程数量。
func WithWorkerCount(workers int) ProcessorOption {
	return func(p *Processor) {
		if workers > 0 {
			p.workerCount = workers
		}
	}
}

// WithRateLimit 限制每秒开始处理的作业数量，perSecond 不大于 0 时不限流。
func WithRateLimit(perSecond float64) ProcessorOption {
	return func(p *Processor) {
		if perSecond <= 0 {
			p.limiter = nil
			return
		}
		burst := int(perSecond)
		if burst < 1 {
			burst = 1
		}
		p.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
	}
}

// WithRetry 配置可重试错误的最大投递次数与重投延迟。
func WithRetry(maxAttempts int, delay time.Duration) ProcessorOption {
	return func(p *Processor) {
		if maxAttempts > 0 {
			p.maxAttempts = maxAttempts
		}
		if delay >= 0 {
			p.retryDelay = delay
		}
	}
}

// WithDepthInterval 设置积压指标的采样间隔，0 表示关闭。
func WithDepthInterval(interval time.Duration) ProcessorOption {
	return func(p *Processor) {
		p.depthInterval = interval
	}
}

// WithProcessorLogger 指定日志输出。
func WithProcessorLogger(l *slog.Logger) ProcessorOption {
	return func(p *Processor) {
		if l != nil {
			p.logger = l
		}
	}
}

// WithAlertDispatcher 配置告警派发器。
func WithAlertDispatcher(dispatcher alerting.Dispatcher) ProcessorOption {
	return func(p *Processor) {
		p.alerter = dispatcher
	}
}

// NewProcessor 构造 Processor。producer 用于重投，可为 nil。
func NewProcessor(name string, handler Handler, consumer Consumer, producer Producer, opts ...ProcessorOption) *Processor {
	p := &Processor{
		name:          name,
		handler:       handler,
		consumer:      consumer,
		producer:      producer,
		workerCount:   1,
		maxAttempts:   1,
		retryDelay:    5 * time.Second,
		depthInterval: 15 * time.Second,
		logger:        logger.Named("queue").With(slog.String("queue", name)),
		now:           time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p
}

// Start 启动作业处理循环，直到 ctx 取消。
func (p *Processor) Start(ctx context.Context) error {
	if p.consumer == nil || p.handler == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "未配置作业消费者")
	}
	if reporter, ok := p.consumer.(DepthReporter); ok && p.depthInterval > 0 {
		go p.reportDepth(ctx, reporter)
	}
	p.logger.Info("作业处理器启动", slog.Int("workers", p.workerCount))
	return p.consumer.Consume(ctx, p.workerCount, p.Handle)
}

// Handle 执行单个作业：限流、计时、失败重投与告警。
func (p *Processor) Handle(ctx context.Context, env Envelope) error {
	if p.limiter != nil {
		if err := p.limiter.Wait(ctx); err != nil {
			return err
		}
	}
	start := p.now()
	err := p.handler(ctx, env)
	elapsed := p.now().Sub(start)
	if err == nil {
		metrics.ObserveJob(p.name, "completed", elapsed)
		return nil
	}

	retry := xerrors.RetryableError(err) && env.Attempt < p.maxAttempts && p.producer != nil
	outcome := "failed"
	if retry {
		outcome = "retried"
	}
	metrics.ObserveJob(p.name, outcome, elapsed)
	p.logger.Warn("作业处理失败",
		slog.String("job_id", env.ID),
		slog.String("kind", env.Kind),
		slog.Int("attempt", env.Attempt),
		slog.Int("max_attempts", p.maxAttempts),
		slog.String("error_code", string(xerrors.CodeOf(err))),
		slog.Any("error", err),
	)

	if retry {
		if pubErr := p.producer.PublishDelayed(ctx, env.Next(), p.retryDelay); pubErr != nil {
			wrapped := xerrors.Wrap(xerrors.CodeQueueFailure, pubErr, "重投作业失败")
			p.emitAlert(ctx, env, wrapped)
			return wrapped
		}
		return err
	}
	if xerrors.ShouldAlert(err) {
		p.emitAlert(ctx, env, err)
	}
	return err
}

func (p *Processor) emitAlert(ctx context.Context, env Envelope, cause error) {
	if p.alerter == nil {
		return
	}
	event := alerting.NewEvent(cause, p.now())
	event.Queue = p.name
	event.JobID = env.ID
	event.Attempt = env.Attempt
	if event.Metadata == nil {
		event.Metadata = map[string]string{}
	}
	event.Metadata["kind"] = env.Kind
	if err := p.alerter.Notify(ctx, event); err != nil {
		p.logger.Error("告警通知失败", slog.Any("error", err), slog.String("job_id", env.ID))
	}
}

func (p *Processor) reportDepth(ctx context.Context, reporter DepthReporter) {
	ticker := time.NewTicker(p.depthInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			depth, err := reporter.Depth(ctx)
			if err != nil {
				p.logger.Debug("采集队列积压失败", slog.Any("error", err))
				continue
			}
			metrics.SetQueueDepth(p.name, depth.Waiting, depth.Delayed)
		}
	}
}
