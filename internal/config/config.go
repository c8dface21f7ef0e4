package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"

	"DustSweep/pkg/logger"
)

// DefaultPath 是未设置 DUSTSWEEP_CONFIG 时读取的配置文件。
const DefaultPath = "configs/dustsweep.json"

// Config 描述了清扫服务在启动阶段需要加载的核心配置。
type Config struct {
	Server     ServerConfig     `json:"server"`
	Logging    logger.Config    `json:"logging"`
	Chains     ChainsConfig     `json:"chains"`
	Storage    StorageConfig    `json:"storage"`
	Queue      QueueConfig      `json:"queue"`
	Workers    WorkersConfig    `json:"workers"`
	Tracking   TrackingConfig   `json:"tracking"`
	Aggregator AggregatorConfig `json:"aggregator"`
	Oracle     OracleConfig     `json:"oracle"`
	Alerting   AlertingConfig   `json:"alerting"`
	Monitor    MonitorConfig    `json:"monitor"`

	// ExecutorKey 只从环境变量读取，不写入配置文件。
	ExecutorKey string `json:"-"`
}

// ServerConfig 控制 API 服务与指标服务的监听地址。
type ServerConfig struct {
	Address        string `json:"address"`
	MetricsAddress string `json:"metrics_address"`
}

// ChainsConfig 指向链定义文件。
type ChainsConfig struct {
	DefinitionsPath string  `json:"definitions_path"`
	SlippagePercent float64 `json:"slippage_percent"`
}

// StorageConfig 统一描述 MySQL、Redis 等后端的连接信息。
type StorageConfig struct {
	SweepStore SweepStoreConfig `json:"sweep_store"`
	Redis      RedisConfig      `json:"redis"`
	QuoteTTL   int              `json:"quote_ttl_seconds"`
}

// SweepStoreConfig 选择持久化实现，driver 为 memory 或 mysql。
type SweepStoreConfig struct {
	Driver string `json:"driver"`
	DSN    string `json:"dsn"`
}

// RedisConfig 用于报价缓存、实时状态缓存以及 redis 队列。URL 与 Address
// 均为空时使用进程内缓存。
type RedisConfig struct {
	URL      string `json:"url"`
	Address  string `json:"address"`
	Password string `json:"password"`
	DB       int    `json:"db"`
	Prefix   string `json:"prefix"`
}

// Enabled 判断是否配置了 Redis。
func (r RedisConfig) Enabled() bool {
	return strings.TrimSpace(r.URL) != "" || strings.TrimSpace(r.Address) != ""
}

// QueueConfig 描述作业队列驱动，driver 为 memory、redis 或 rabbitmq。
type QueueConfig struct {
	Driver       string `json:"driver"`
	ExecuteQueue string `json:"execute_queue"`
	TrackQueue   string `json:"track_queue"`
	Buffer       int    `json:"buffer"`
	RabbitMQURL  string `json:"rabbitmq_url"`
	Prefetch     int    `json:"prefetch"`
}

// WorkersConfig 控制两个工作池的并发与限速。
type WorkersConfig struct {
	ExecuteConcurrency int     `json:"execute_concurrency"`
	ExecuteRate        float64 `json:"execute_rate"`
	ExecuteAttempts    int     `json:"execute_attempts"`
	TrackConcurrency   int     `json:"track_concurrency"`
	RetryDelaySeconds  int     `json:"retry_delay_seconds"`
}

// RetryDelay 返回重试间隔。
func (w WorkersConfig) RetryDelay() time.Duration {
	return time.Duration(w.RetryDelaySeconds) * time.Second
}

// TrackingConfig 控制确认轮询策略。
type TrackingConfig struct {
	Confirmations uint64 `json:"confirmations"`
	MaxAttempts   int    `json:"max_attempts"`
	DelaySeconds  int    `json:"delay_seconds"`
}

// Delay 返回轮询间隔。
func (t TrackingConfig) Delay() time.Duration {
	return time.Duration(t.DelaySeconds) * time.Second
}

// AggregatorConfig 描述 1inch 兑换接口。
type AggregatorConfig struct {
	BaseURL        string `json:"base_url"`
	APIKey         string `json:"api_key"`
	TimeoutSeconds int    `json:"timeout_seconds"`
}

// Timeout 返回请求超时。
func (a AggregatorConfig) Timeout() time.Duration {
	return time.Duration(a.TimeoutSeconds) * time.Second
}

// OracleConfig 控制价格校验数据源。
type OracleConfig struct {
	Enabled         bool   `json:"enabled"`
	TimeoutSeconds  int    `json:"timeout_seconds"`
	DefiLlamaURL    string `json:"defillama_url"`
	CoinGeckoURL    string `json:"coingecko_url"`
	CoinGeckoAPIKey string `json:"coingecko_api_key"`
	DexScreenerURL  string `json:"dexscreener_url"`
}

// Timeout 返回单个数据源的请求超时。
func (o OracleConfig) Timeout() time.Duration {
	return time.Duration(o.TimeoutSeconds) * time.Second
}

// AlertingConfig 描述告警渠道。
type AlertingConfig struct {
	WebhookURL    string `json:"webhook_url"`
	WebhookFormat string `json:"webhook_format"`
}

// MonitorConfig 控制后台定时任务：上游健康检查与代币价格刷新。调度表达式
// 支持标准 cron 与 "@every 1m" 形式。
type MonitorConfig struct {
	Disabled            bool   `json:"disabled"`
	HealthSchedule      string `json:"health_schedule"`
	PriceSchedule       string `json:"price_schedule"`
	CheckTimeoutSeconds int    `json:"check_timeout_seconds"`
	// AggregatorChainID 是 1inch healthcheck 使用的链 ID。
	AggregatorChainID uint64 `json:"aggregator_chain_id"`
}

// CheckTimeout 返回单个健康检查的超时。
func (m MonitorConfig) CheckTimeout() time.Duration {
	return time.Duration(m.CheckTimeoutSeconds) * time.Second
}

// LoadDefault 先加载 .env，再读取 DUSTSWEEP_CONFIG 指向的文件。默认路径的
// 文件不存在时仅使用默认值与环境变量。
func LoadDefault() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("加载 .env 失败: %w", err)
	}
	path := strings.TrimSpace(os.Getenv("DUSTSWEEP_CONFIG"))
	if path == "" {
		if _, err := os.Stat(DefaultPath); errors.Is(err, fs.ErrNotExist) {
			cfg := &Config{}
			cfg.applyEnv()
			cfg.applyDefaults("configs")
			if err := cfg.Validate(); err != nil {
				return nil, err
			}
			return cfg, nil
		}
		path = DefaultPath
	}
	return Load(path)
}

// Load 负责解析指定路径的 JSON 配置文件，并应用环境变量覆盖与默认值。
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("配置文件路径为空")
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("打开配置文件失败: %w", err)
	}
	defer file.Close()

	content, err := io.ReadAll(file)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(content, &cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	cfg.applyEnv()
	cfg.applyDefaults(filepath.Dir(path))
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate 检查驱动名称等无法通过默认值修正的字段。
func (c *Config) Validate() error {
	switch c.Storage.SweepStore.Driver {
	case "memory":
	case "mysql":
		if strings.TrimSpace(c.Storage.SweepStore.DSN) == "" {
			return errors.New("mysql 存储需要配置 dsn")
		}
	default:
		return fmt.Errorf("未知的存储驱动: %s", c.Storage.SweepStore.Driver)
	}
	switch c.Queue.Driver {
	case "memory":
	case "redis":
		if !c.Storage.Redis.Enabled() {
			return errors.New("redis 队列需要配置 redis 地址")
		}
	case "rabbitmq":
		if strings.TrimSpace(c.Queue.RabbitMQURL) == "" {
			return errors.New("rabbitmq 队列需要配置 rabbitmq_url")
		}
	default:
		return fmt.Errorf("未知的队列驱动: %s", c.Queue.Driver)
	}
	if !c.Monitor.Disabled {
		for _, spec := range []string{c.Monitor.HealthSchedule, c.Monitor.PriceSchedule} {
			if _, err := cron.ParseStandard(spec); err != nil {
				return fmt.Errorf("无效的调度表达式 %q: %w", spec, err)
			}
		}
	}
	return nil
}

// applyEnv 使用环境变量覆盖配置文件中的值。
func (c *Config) applyEnv() {
	setString(&c.Server.Address, "DUSTSWEEP_API_ADDR")
	setString(&c.Server.MetricsAddress, "DUSTSWEEP_METRICS_ADDR")
	setString(&c.Logging.Level, "LOG_LEVEL")
	setString(&c.Chains.DefinitionsPath, "CHAINS_CONFIG")
	setString(&c.Storage.SweepStore.DSN, "DUSTSWEEP_MYSQL_DSN")
	setString(&c.Storage.Redis.URL, "REDIS_URL")
	setString(&c.Queue.Driver, "DUSTSWEEP_QUEUE_DRIVER")
	setString(&c.Queue.RabbitMQURL, "RABBITMQ_URL")
	setString(&c.Aggregator.APIKey, "ONEINCH_API_KEY")
	setString(&c.Oracle.CoinGeckoAPIKey, "COINGECKO_API_KEY")
	setString(&c.Alerting.WebhookURL, "ALERT_WEBHOOK_URL")
	setInt(&c.Workers.ExecuteConcurrency, "SWEEP_EXECUTE_CONCURRENCY")
	setFloat(&c.Workers.ExecuteRate, "SWEEP_EXECUTE_RATE")
	setInt(&c.Workers.TrackConcurrency, "SWEEP_TRACK_CONCURRENCY")
	setString(&c.Monitor.HealthSchedule, "DUSTSWEEP_HEALTH_SCHEDULE")
	setString(&c.Monitor.PriceSchedule, "DUSTSWEEP_PRICE_SCHEDULE")

	if c.Storage.SweepStore.DSN != "" && c.Storage.SweepStore.Driver == "" {
		c.Storage.SweepStore.Driver = "mysql"
	}

	c.ExecutorKey = strings.TrimSpace(os.Getenv("SWEEP_EXECUTOR_KEY"))
	if c.ExecutorKey == "" {
		c.ExecutorKey = strings.TrimSpace(os.Getenv("FACILITATOR_PRIVATE_KEY"))
	}
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}
	if c.Chains.DefinitionsPath == "" {
		c.Chains.DefinitionsPath = filepath.Join(baseDir, "chains.yaml")
	} else if !filepath.IsAbs(c.Chains.DefinitionsPath) {
		c.Chains.DefinitionsPath = filepath.Join(baseDir, c.Chains.DefinitionsPath)
	}
	if c.Storage.SweepStore.Driver == "" {
		c.Storage.SweepStore.Driver = "memory"
	}
	if c.Storage.QuoteTTL <= 0 {
		c.Storage.QuoteTTL = 30
	}
	if c.Queue.Driver == "" {
		c.Queue.Driver = "memory"
	}
	if c.Queue.ExecuteQueue == "" {
		c.Queue.ExecuteQueue = "sweep-execute"
	}
	if c.Queue.TrackQueue == "" {
		c.Queue.TrackQueue = "sweep-track"
	}
	if c.Queue.Buffer <= 0 {
		c.Queue.Buffer = 1024
	}
	if c.Workers.ExecuteConcurrency <= 0 {
		c.Workers.ExecuteConcurrency = 5
	}
	if c.Workers.ExecuteRate <= 0 {
		c.Workers.ExecuteRate = 20
	}
	if c.Workers.ExecuteAttempts <= 0 {
		c.Workers.ExecuteAttempts = 1
	}
	if c.Workers.TrackConcurrency <= 0 {
		c.Workers.TrackConcurrency = 50
	}
	if c.Workers.RetryDelaySeconds <= 0 {
		c.Workers.RetryDelaySeconds = 5
	}
	if c.Tracking.Confirmations == 0 {
		c.Tracking.Confirmations = 6
	}
	if c.Tracking.MaxAttempts <= 0 {
		c.Tracking.MaxAttempts = 60
	}
	if c.Tracking.DelaySeconds <= 0 {
		c.Tracking.DelaySeconds = 5
	}
	if c.Aggregator.TimeoutSeconds <= 0 {
		c.Aggregator.TimeoutSeconds = 10
	}
	if c.Oracle.TimeoutSeconds <= 0 {
		c.Oracle.TimeoutSeconds = 5
	}
	if c.Monitor.HealthSchedule == "" {
		c.Monitor.HealthSchedule = "@every 1m"
	}
	if c.Monitor.PriceSchedule == "" {
		c.Monitor.PriceSchedule = "@every 5m"
	}
	if c.Monitor.CheckTimeoutSeconds <= 0 {
		c.Monitor.CheckTimeoutSeconds = 5
	}
	if c.Monitor.AggregatorChainID == 0 {
		c.Monitor.AggregatorChainID = 1
	}
}

func setString(dst *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v, err := strconv.Atoi(strings.TrimSpace(os.Getenv(key))); err == nil && v > 0 {
		*dst = v
	}
}

func setFloat(dst *float64, key string) {
	if v, err := strconv.ParseFloat(strings.TrimSpace(os.Getenv(key)), 64); err == nil && v > 0 {
		*dst = v
	}
}
