// Package persistence 按配置装配记录存储、实体注册表与工作单元管理器
package persistence

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	_ "modernc.org/sqlite"

	"gopersist/config"
	"gopersist/data/db/basic"
	"gopersist/data/orm"
	"gopersist/data/orm/changefeed"
	"gopersist/data/orm/keygen"
	"gopersist/data/orm/query"
	"gopersist/data/orm/session"
	"gopersist/data/orm/store"
	"gopersist/data/orm/store/memory"
	"gopersist/data/orm/store/redisstore"
	"gopersist/data/orm/store/sqlstore"
	"gopersist/errors"
	"gopersist/logging"
	"gopersist/patterns/retry"
)

// Mapper 供 Mapping 注册实体与命名语句
type Mapper struct {
	Kinds      *orm.Registry
	Statements *query.Registry
	// Keys 按配置构造的雪花生成器，用于 generated 策略
	Keys orm.KeyGenerator
}

// Mapping 注册应用的实体与语句
type Mapping func(m *Mapper) error

// Runtime 装配完成的持久化运行时
type Runtime struct {
	Config  *config.Config
	Manager *session.Manager
	Store   store.IRecordStore
	Logger  logging.Logger

	closers []func() error
}

type options struct {
	logger    logging.Logger
	listeners []changefeed.Listener
}

// Option 配置 Open
type Option func(*options)

// WithLogger 使用给定日志，不再按配置构建 zap
func WithLogger(l logging.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithListener 追加提交监听器
func WithListener(l changefeed.Listener) Option {
	return func(o *options) { o.listeners = append(o.listeners, l) }
}

// Open 按配置装配运行时。失败时已打开的资源会被释放。
func Open(ctx context.Context, cfg *config.Config, mapping Mapping, opts ...Option) (_ *Runtime, err error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	rt := &Runtime{Config: cfg}
	defer func() {
		if err != nil {
			_ = rt.Close()
		}
	}()

	if o.logger == nil {
		level, _ := logging.ParseLevel(cfg.Logging.Level)
		zl, err := logging.BuildZapLogger(level, cfg.Logging.Format)
		if err != nil {
			return nil, errors.WrapError(err, errors.ErrCodeInternal, "初始化日志失败")
		}
		logging.SetLogger(zl)
		rt.closers = append(rt.closers, func() error {
			_ = zl.Sync()
			return nil
		})
		o.logger = zl
	}
	rt.Logger = o.logger.WithFields(logging.String("component", "persistence"))

	sf, err := keygen.NewSnowflake(cfg.Keys.Snowflake.DatacenterID, cfg.Keys.Snowflake.WorkerID)
	if err != nil {
		return nil, err
	}
	mp := &Mapper{Kinds: orm.NewRegistry(), Statements: query.NewRegistry(), Keys: sf}
	if mapping != nil {
		if err := mapping(mp); err != nil {
			return nil, err
		}
	}
	if err := mp.Kinds.Seal(); err != nil {
		return nil, err
	}
	if err := mp.Statements.Seal(mp.Kinds); err != nil {
		return nil, err
	}

	st, err := rt.openStore(ctx, mp, o.logger)
	if err != nil {
		return nil, err
	}
	rt.Store = st

	mgrOpts := []session.Option{
		session.WithStatements(mp.Statements),
		session.WithLogger(o.logger.WithFields(logging.String("component", "orm.session"))),
	}
	for _, l := range o.listeners {
		mgrOpts = append(mgrOpts, session.WithListener(l))
	}
	if nc := cfg.ChangeFeed.NATS; nc.Enabled() {
		pub, err := rt.openPublisher(ctx, nc, o.logger)
		if err != nil {
			return nil, err
		}
		mgrOpts = append(mgrOpts, session.WithListener(pub))
	}
	rt.Manager = session.NewManager(mp.Kinds, st, mgrOpts...)

	rt.Logger.Info(ctx, "persistence ready",
		logging.String("driver", cfg.Store.Driver),
		logging.Int("kinds", len(mp.Kinds.Kinds())),
		logging.Int("statements", len(mp.Statements.Names())),
		logging.Bool("changefeed", cfg.ChangeFeed.NATS.Enabled()))
	return rt, nil
}

func (rt *Runtime) retryConfig() retry.Config {
	rc := rt.Config.Store.Retry
	return retry.Config{
		MaxAttempts:   rc.MaxAttempts,
		InitialDelay:  rc.InitialDelay,
		BackoffFactor: 2,
		MaxDelay:      rc.MaxDelay,
		Retryable:     func(err error) bool { return !errors.IsPermanent(err) },
		OnRetry: func(attempt int, delay time.Duration, err error) {
			rt.Logger.Warn(context.Background(), "connect failed, retrying",
				logging.Int("attempt", attempt), logging.Duration("delay", delay), logging.Error(err))
		},
	}
}

func (rt *Runtime) openStore(ctx context.Context, mp *Mapper, logger logging.Logger) (store.IRecordStore, error) {
	cfg := rt.Config.Store
	storeLogger := func(name string) logging.Logger {
		return logger.WithFields(logging.String("component", "orm.store."+name))
	}

	switch cfg.Driver {
	case config.DriverSQL:
		var d *basic.DB
		err := retry.Do(ctx, func(ctx context.Context, attempt int) error {
			var err error
			d, err = basic.New(cfg.SQL)
			return err
		}, rt.retryConfig())
		if err != nil {
			return nil, errors.NewErrorWithCause(errors.ErrCodeDatabase, "连接数据库失败", err).
				WithContext("driver", cfg.SQL.Driver)
		}
		rt.closers = append(rt.closers, d.Close)

		s := sqlstore.New(d, sqlstore.WithStatements(mp.Statements), sqlstore.WithLogger(storeLogger("sql")))
		if cfg.EnsureSchema {
			if err := s.EnsureSchema(ctx, mp.Kinds); err != nil {
				return nil, err
			}
		}
		return s, nil

	case config.DriverRedis:
		rc := cfg.Redis
		client := redis.NewClient(&redis.Options{
			Addr:     rc.Addr,
			Username: rc.Username,
			Password: rc.Password,
			DB:       rc.DB,
		})
		rt.closers = append(rt.closers, client.Close)
		err := retry.Do(ctx, func(ctx context.Context, attempt int) error {
			return client.Ping(ctx).Err()
		}, rt.retryConfig())
		if err != nil {
			return nil, errors.NewErrorWithCause(errors.ErrCodeCache, "连接 Redis 失败", err).WithContext("addr", rc.Addr)
		}
		s, err := redisstore.New(redisstore.Config{
			Client:     client,
			Prefix:     rc.Prefix,
			Statements: mp.Statements,
			Logger:     storeLogger("redis"),
		})
		if err != nil {
			return nil, err
		}
		return s, nil

	default:
		return memory.New(memory.WithStatements(mp.Statements), memory.WithLogger(storeLogger("memory"))), nil
	}
}

func (rt *Runtime) openPublisher(ctx context.Context, nc config.NATSConfig, logger logging.Logger) (*changefeed.NATSPublisher, error) {
	var pub *changefeed.NATSPublisher
	err := retry.Do(ctx, func(ctx context.Context, attempt int) error {
		var err error
		pub, err = changefeed.NewNATSPublisher(changefeed.NATSConfig{
			URL:          nc.URL,
			Subject:      nc.Subject,
			Name:         nc.Name,
			FlushTimeout: nc.FlushTimeout,
			Logger:       logger.WithFields(logging.String("component", "orm.changefeed.nats")),
		})
		return err
	}, rt.retryConfig())
	if err != nil {
		return nil, err
	}
	rt.closers = append(rt.closers, func() error {
		pub.Close()
		return nil
	})
	return pub, nil
}

// Close 按打开的相反顺序释放资源，返回第一个错误
func (rt *Runtime) Close() error {
	var first error
	for i := len(rt.closers) - 1; i >= 0; i-- {
		if err := rt.closers[i](); err != nil && first == nil {
			first = err
		}
	}
	rt.closers = nil
	return first
}
