package config

import (
	"log"
	"time"

	"github.com/spf13/viper"
)

// Config 全局配置结构
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	MySQL    MySQLConfig    `mapstructure:"mysql"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Kafka    KafkaConfig    `mapstructure:"kafka"`
	Outbox   OutboxConfig   `mapstructure:"outbox"`
	Business BusinessConfig `mapstructure:"business"`
}

type ServerConfig struct {
	Port       int    `mapstructure:"port"`
	AdminToken string `mapstructure:"admin_token"`
}

type MySQLConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	User         string `mapstructure:"user"`
	Password     string `mapstructure:"password"`
	Database     string `mapstructure:"database"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
	MaxIdleConns int    `mapstructure:"max_idle_conns"`
}

type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type KafkaConfig struct {
	Brokers []string         `mapstructure:"brokers"`
	Topic   KafkaTopicConfig `mapstructure:"topic"`
}

type KafkaTopicConfig struct {
	PaymentEvents      string `mapstructure:"payment_events"`
	NotificationEvents string `mapstructure:"notification_events"`
}

// OutboxConfig Outbox 调度器配置
//
// 主调度和失败重试是两条独立的节奏：
// 主调度高频扫描 PENDING，失败重试低频扫描 FAILED（且带冷却窗口）
type OutboxConfig struct {
	BatchSize               int `mapstructure:"batch_size"`                // 每轮处理的最大事件数
	DispatchIntervalSeconds int `mapstructure:"dispatch_interval_seconds"` // 主调度间隔
	RetryIntervalSeconds    int `mapstructure:"retry_interval_seconds"`    // 失败重试扫描间隔
	StatsIntervalSeconds    int `mapstructure:"stats_interval_seconds"`    // 统计上报间隔
	MaxRetries              int `mapstructure:"max_retries"`               // 跨调度周期的最大重试次数
	RetryDelayMinutes       int `mapstructure:"retry_delay_minutes"`       // 失败事件重试冷却窗口
	StaleTimeoutMinutes     int `mapstructure:"stale_timeout_minutes"`     // PROCESSING 卡死回收时限
	CompensateIntervalSecs  int `mapstructure:"compensate_interval_seconds"`

	PublishMaxAttempts int `mapstructure:"publish_max_attempts"` // 单次发送内部重试次数
	PublishBackoffMs   int `mapstructure:"publish_backoff_ms"`   // 内部重试退避基数

	BreakerThreshold      int `mapstructure:"breaker_threshold"`       // 熔断器连续失败阈值
	BreakerCooldownSecond int `mapstructure:"breaker_cooldown_second"` // 熔断器打开后的冷却时间
}

func (c *OutboxConfig) DispatchInterval() time.Duration {
	return time.Duration(c.DispatchIntervalSeconds) * time.Second
}

func (c *OutboxConfig) RetryInterval() time.Duration {
	return time.Duration(c.RetryIntervalSeconds) * time.Second
}

func (c *OutboxConfig) StatsInterval() time.Duration {
	return time.Duration(c.StatsIntervalSeconds) * time.Second
}

func (c *OutboxConfig) CompensateInterval() time.Duration {
	return time.Duration(c.CompensateIntervalSecs) * time.Second
}

func (c *OutboxConfig) StaleTimeout() time.Duration {
	return time.Duration(c.StaleTimeoutMinutes) * time.Minute
}

type BusinessConfig struct {
	DefaultCurrency string `mapstructure:"default_currency"`
}

var GlobalConfig *Config

// LoadConfig 加载配置文件
func LoadConfig(configPath string) *Config {
	viper.SetConfigFile(configPath)
	viper.SetConfigType("yaml")

	setDefaults()

	if err := viper.ReadInConfig(); err != nil {
		log.Fatalf("读取配置文件失败: %v", err)
	}

	config := &Config{}
	if err := viper.Unmarshal(config); err != nil {
		log.Fatalf("解析配置文件失败: %v", err)
	}

	GlobalConfig = config
	return config
}

func setDefaults() {
	viper.SetDefault("outbox.batch_size", 50)
	viper.SetDefault("outbox.dispatch_interval_seconds", 5)
	viper.SetDefault("outbox.retry_interval_seconds", 60)
	viper.SetDefault("outbox.stats_interval_seconds", 300)
	viper.SetDefault("outbox.max_retries", 5)
	viper.SetDefault("outbox.retry_delay_minutes", 5)
	viper.SetDefault("outbox.stale_timeout_minutes", 10)
	viper.SetDefault("outbox.compensate_interval_seconds", 60)
	viper.SetDefault("outbox.publish_max_attempts", 3)
	viper.SetDefault("outbox.publish_backoff_ms", 100)
	viper.SetDefault("outbox.breaker_threshold", 5)
	viper.SetDefault("outbox.breaker_cooldown_second", 30)
	viper.SetDefault("business.default_currency", "BRL")
}
