package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	goredis "github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"DustSweep/internal/aggregator/oneinch"
	"DustSweep/internal/api"
	"DustSweep/internal/config"
	"DustSweep/internal/monitor"
	"DustSweep/internal/observability/alerting"
	"DustSweep/internal/observability/metrics"
	"DustSweep/internal/oracle"
	"DustSweep/internal/queue"
	"DustSweep/internal/quote"
	"DustSweep/internal/storage/redis"
	"DustSweep/internal/sweep"
	"DustSweep/internal/web3"
	"DustSweep/internal/web3/provider"
	"DustSweep/pkg/logger"
)

// main 是清扫守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		log.Fatalf("sweepd 运行失败: %v", err)
	}
}

func run(ctx context.Context) error {
	cfg, err := config.LoadDefault()
	if err != nil {
		return err
	}
	if err := logger.Init(cfg.Logging); err != nil {
		return err
	}
	defer logger.Sync()
	lg := logger.Named("sweepd")

	defs, err := web3.LoadChainDefinitions(cfg.Chains.DefinitionsPath)
	if err != nil {
		return err
	}
	var signer *web3.Signer
	if cfg.ExecutorKey != "" {
		signer, err = web3.ParseSigner(cfg.ExecutorKey)
		if err != nil {
			return fmt.Errorf("解析执行私钥失败: %w", err)
		}
		lg.Info("executor signer loaded", slog.String("address", signer.Address().Hex()))
	} else {
		lg.Warn("SWEEP_EXECUTOR_KEY not configured, execution jobs will fail")
	}

	swapper := oneinch.NewClient(oneinch.Config{
		APIKey:  cfg.Aggregator.APIKey,
		BaseURL: cfg.Aggregator.BaseURL,
		Timeout: cfg.Aggregator.Timeout(),
	})
	chains := provider.NewRegistry(defs, signer, swapper,
		provider.WithAdapterOptions(web3.WithSlippage(cfg.Chains.SlippagePercent)))
	defer chains.Close()
	lg.Info("chains configured", slog.Any("chains", chains.Chains()))

	var redisClient *goredis.Client
	var cache redis.Cache
	if cfg.Storage.Redis.Enabled() {
		redisClient, err = redis.NewClient(ctx, redis.Config(cfg.Storage.Redis))
		if err != nil {
			return err
		}
		defer redisClient.Close()
		cache = redis.WrapClient(redisClient, cfg.Storage.Redis.Prefix)
	} else {
		cache = redis.NewMemoryCache(nil)
	}

	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	executeQueue, trackQueue, err := openQueues(cfg, redisClient)
	if err != nil {
		return err
	}
	defer executeQueue.Close()
	defer trackQueue.Close()

	notifiers := []alerting.Notifier{alerting.LogNotifier{}}
	if cfg.Alerting.WebhookURL != "" {
		notifiers = append(notifiers, &alerting.WebhookNotifier{
			URL:    cfg.Alerting.WebhookURL,
			Format: alerting.Channel(cfg.Alerting.WebhookFormat),
		})
	}
	alerts := alerting.NewFanout(notifiers...)

	var (
		prices    sweep.PriceValidator
		consensus *oracle.Consensus
		feeds     []oracle.Source
	)
	if cfg.Oracle.Enabled {
		feeds = []oracle.Source{
			oracle.NewDefiLlama(oracle.FeedConfig{BaseURL: cfg.Oracle.DefiLlamaURL, Timeout: cfg.Oracle.Timeout()}),
			oracle.NewCoinGecko(oracle.FeedConfig{BaseURL: cfg.Oracle.CoinGeckoURL, Timeout: cfg.Oracle.Timeout()}, cfg.Oracle.CoinGeckoAPIKey),
			oracle.NewDexScreener(oracle.FeedConfig{BaseURL: cfg.Oracle.DexScreenerURL, Timeout: cfg.Oracle.Timeout()}),
		}
		consensus = oracle.NewConsensus(feeds...)
		prices = consensus
	}

	executor := sweep.NewExecutor(store, quote.NewStore(cache), chains, trackQueue,
		sweep.WithExecutorAlerts(alerts))
	tracker := sweep.NewTracker(store, chains, cache, trackQueue,
		sweep.WithTrackerPolicy(cfg.Tracking.Confirmations, cfg.Tracking.MaxAttempts, cfg.Tracking.Delay()),
		sweep.WithTrackerAlerts(alerts))
	service := sweep.NewService(store, executeQueue, cache, prices, chains)

	executeWorkers := queue.NewProcessor(cfg.Queue.ExecuteQueue, executor.Handle, executeQueue, executeQueue,
		queue.WithWorkerCount(cfg.Workers.ExecuteConcurrency),
		queue.WithRateLimit(cfg.Workers.ExecuteRate),
		queue.WithRetry(cfg.Workers.ExecuteAttempts, cfg.Workers.RetryDelay()),
		queue.WithAlertDispatcher(alerts),
		queue.WithProcessorLogger(lg.With(slog.String("queue", cfg.Queue.ExecuteQueue))),
	)
	trackWorkers := queue.NewProcessor(cfg.Queue.TrackQueue, tracker.Handle, trackQueue, trackQueue,
		queue.WithWorkerCount(cfg.Workers.TrackConcurrency),
		queue.WithRetry(3, cfg.Tracking.Delay()),
		queue.WithAlertDispatcher(alerts),
		queue.WithProcessorLogger(lg.With(slog.String("queue", cfg.Queue.TrackQueue))),
		queue.WithDepthInterval(2*cfg.Tracking.Delay()),
	)

	targets := make([]monitor.Target, 0, len(chains.Chains())+len(feeds)+1)
	for _, name := range chains.Chains() {
		targets = append(targets, monitor.ChainTarget(chains, name))
	}
	targets = append(targets, monitor.AggregatorTarget("1inch", swapper, cfg.Monitor.AggregatorChainID))
	for _, feed := range feeds {
		targets = append(targets, monitor.FeedTarget(feed))
	}
	health := monitor.NewHealthChecker(targets, monitor.WithCheckTimeout(cfg.Monitor.CheckTimeout()))

	scheduler := monitor.NewScheduler()
	if !cfg.Monitor.Disabled {
		if err := scheduler.Add("health-check", cfg.Monitor.HealthSchedule, health.Run); err != nil {
			return err
		}
		if consensus != nil {
			refresher := monitor.NewPriceRefresher(store, consensus)
			if err := scheduler.Add("price-refresh", cfg.Monitor.PriceSchedule, refresher.Run); err != nil {
				return err
			}
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return ignoreCanceled(executeWorkers.Start(gctx)) })
	g.Go(func() error { return ignoreCanceled(trackWorkers.Start(gctx)) })
	if !cfg.Monitor.Disabled {
		g.Go(func() error { return ignoreCanceled(scheduler.Run(gctx)) })
	}
	if cfg.Server.MetricsAddress != "" {
		g.Go(func() error { return ignoreCanceled(metrics.StartServer(gctx, cfg.Server.MetricsAddress)) })
	}
	g.Go(func() error {
		return ignoreCanceled(api.NewServer(cfg.Server.Address, service, api.WithHealthReporter(health)).Start(gctx))
	})

	lg.Info("sweepd started",
		slog.String("queue_driver", cfg.Queue.Driver),
		slog.String("store_driver", cfg.Storage.SweepStore.Driver),
		slog.Int("execute_workers", cfg.Workers.ExecuteConcurrency),
		slog.Int("track_workers", cfg.Workers.TrackConcurrency))
	err = g.Wait()
	lg.Info("sweepd stopped")
	return err
}

func openStore(cfg *config.Config) (sweep.Store, error) {
	switch cfg.Storage.SweepStore.Driver {
	case "", "memory":
		return sweep.NewMemoryStore(nil), nil
	case "mysql":
		return sweep.NewMySQLStore(cfg.Storage.SweepStore.DSN)
	default:
		return nil, fmt.Errorf("未知的存储驱动: %s", cfg.Storage.SweepStore.Driver)
	}
}

func openQueues(cfg *config.Config, client *goredis.Client) (queue.Queue, queue.Queue, error) {
	switch cfg.Queue.Driver {
	case "", "memory":
		return queue.NewMemoryQueue(cfg.Queue.Buffer), queue.NewMemoryQueue(cfg.Queue.Buffer), nil
	case "redis":
		if client == nil {
			return nil, nil, errors.New("redis 队列需要配置 redis 地址")
		}
		execute, err := queue.NewRedisQueue(client, queue.RedisQueueConfig{Queue: cfg.Queue.ExecuteQueue})
		if err != nil {
			return nil, nil, err
		}
		track, err := queue.NewRedisQueue(client, queue.RedisQueueConfig{Queue: cfg.Queue.TrackQueue})
		if err != nil {
			return nil, nil, err
		}
		return execute, track, nil
	case "rabbitmq":
		execute, err := queue.NewRabbitMQQueue(queue.RabbitMQConfig{
			URL:      cfg.Queue.RabbitMQURL,
			Queue:    cfg.Queue.ExecuteQueue,
			Prefetch: cfg.Queue.Prefetch,
			Durable:  true,
		})
		if err != nil {
			return nil, nil, err
		}
		track, err := queue.NewRabbitMQQueue(queue.RabbitMQConfig{
			URL:      cfg.Queue.RabbitMQURL,
			Queue:    cfg.Queue.TrackQueue,
			Prefetch: cfg.Queue.Prefetch,
			Durable:  true,
		})
		if err != nil {
			_ = execute.Close()
			return nil, nil, err
		}
		return execute, track, nil
	default:
		return nil, nil, fmt.Errorf("未知的队列驱动: %s", cfg.Queue.Driver)
	}
}

func ignoreCanceled(err error) error {
	if err == nil || errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
