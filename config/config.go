// Package config 持久化运行时配置（YAML）
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	db "gopersist/data/db"
	"gopersist/errors"
	"gopersist/logging"
	"gopersist/validation"
)

// 记录存储驱动
const (
	DriverMemory = "memory"
	DriverSQL    = "sql"
	DriverRedis  = "redis"
)

// Config 顶层配置
type Config struct {
	Store      StoreConfig      `yaml:"store"`
	Keys       KeysConfig       `yaml:"keys"`
	Logging    LoggingConfig    `yaml:"logging"`
	ChangeFeed ChangeFeedConfig `yaml:"changefeed"`
}

// StoreConfig 记录存储
type StoreConfig struct {
	Driver string      `yaml:"driver"` // memory, sql, redis
	SQL    db.DBConfig `yaml:"sql"`
	Redis  RedisConfig `yaml:"redis"`
	// Retry 建立连接的重试
	Retry RetryConfig `yaml:"retry"`
	// EnsureSchema sql 驱动启动时按实体映射建表
	EnsureSchema bool `yaml:"ensure_schema"`
}

// RedisConfig Redis 记录存储
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
}

// RetryConfig 连接重试
type RetryConfig struct {
	MaxAttempts  int           `yaml:"max_attempts"`
	InitialDelay time.Duration `yaml:"initial_delay"`
	MaxDelay     time.Duration `yaml:"max_delay"`
}

// KeysConfig 主键生成
type KeysConfig struct {
	Snowflake SnowflakeConfig `yaml:"snowflake"`
}

// SnowflakeConfig 雪花算法节点标识
type SnowflakeConfig struct {
	DatacenterID int64 `yaml:"datacenter_id"`
	WorkerID     int64 `yaml:"worker_id"`
}

// LoggingConfig 日志
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // console, json
}

// ChangeFeedConfig 提交变更发布
type ChangeFeedConfig struct {
	NATS NATSConfig `yaml:"nats"`
}

// NATSConfig URL 为空时不发布
type NATSConfig struct {
	URL          string        `yaml:"url"`
	Subject      string        `yaml:"subject"`
	Name         string        `yaml:"name"`
	FlushTimeout time.Duration `yaml:"flush_timeout"`
}

// Enabled 是否配置了 NATS
func (c NATSConfig) Enabled() bool { return c.URL != "" }

// Default 返回默认配置：内存存储，info 级别控制台日志
func Default() *Config {
	return &Config{
		Store: StoreConfig{
			Driver: DriverMemory,
			SQL: db.DBConfig{
				Driver:       "sqlite",
				Database:     ":memory:",
				MaxOpenConns: 1,
			},
			Redis: RedisConfig{
				Addr:   "127.0.0.1:6379",
				Prefix: "school:",
			},
			Retry: RetryConfig{
				MaxAttempts:  3,
				InitialDelay: 100 * time.Millisecond,
				MaxDelay:     2 * time.Second,
			},
			EnsureSchema: true,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
		ChangeFeed: ChangeFeedConfig{
			NATS: NATSConfig{
				Subject:      "gopersist.commits",
				FlushTimeout: 2 * time.Second,
			},
		},
	}
}

// Load 读取 YAML 配置并覆盖默认值；文件不存在时返回默认配置。
// 结果已经过 Validate。
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, errors.WrapError(err, errors.ErrCodeInvalidInput, "读取配置失败").WithContext("path", path)
	}
	if err := Parse(data, cfg); err != nil {
		return nil, err
	}
	cfg.applyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse 把 YAML 合并到 cfg
func Parse(data []byte, cfg *Config) error {
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return errors.WrapError(err, errors.ErrCodeInvalidInput, "解析配置失败")
	}
	return nil
}

// applyEnvOverrides 环境变量覆盖
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("GOPERSIST_STORE_DRIVER"); v != "" {
		c.Store.Driver = v
	}
	if v := os.Getenv("GOPERSIST_REDIS_ADDR"); v != "" {
		c.Store.Redis.Addr = v
	}
	if v := os.Getenv("GOPERSIST_NATS_URL"); v != "" {
		c.ChangeFeed.NATS.URL = v
	}
	if v := os.Getenv("GOPERSIST_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
}

// Validate 校验配置
func (c *Config) Validate() error {
	if err := validation.ValidateEnum(c.Store.Driver, "store.driver", []string{DriverMemory, DriverSQL, DriverRedis}); err != nil {
		return err
	}
	switch c.Store.Driver {
	case DriverSQL:
		if err := validation.First(
			validation.ValidateEnum(c.Store.SQL.Driver, "store.sql.driver", []string{"sqlite", "mysql", "postgres"}),
			validation.ValidateRequired(c.Store.SQL.Database, "store.sql.database"),
		); err != nil {
			return err
		}
	case DriverRedis:
		if err := validation.ValidateRequired(c.Store.Redis.Addr, "store.redis.addr"); err != nil {
			return err
		}
	}

	if _, err := logging.ParseLevel(c.Logging.Level); err != nil {
		return errors.NewValidationError(fmt.Sprintf("logging.level的值%q无效", c.Logging.Level))
	}
	sf := c.Keys.Snowflake
	if err := validation.First(
		validation.ValidatePositive(c.Store.Retry.MaxAttempts, "store.retry.max_attempts"),
		validation.ValidateEnum(c.Logging.Format, "logging.format", []string{"console", "json"}),
		validation.ValidateIntRange(sf.DatacenterID, "keys.snowflake.datacenter_id", 0, 31),
		validation.ValidateIntRange(sf.WorkerID, "keys.snowflake.worker_id", 0, 31),
	); err != nil {
		return err
	}
	if c.ChangeFeed.NATS.Enabled() {
		return validation.ValidateRequired(c.ChangeFeed.NATS.Subject, "changefeed.nats.subject")
	}
	return nil
}
