// Package db 定义 SQL 记录存储依赖的数据库抽象，实现见 data/db/basic。
package db

import (
	"context"
	"database/sql"
	"time"
)

// IDatabase 语句执行面。占位符统一写 ?，由实现按方言重绑定。
type IDatabase interface {
	Query(ctx context.Context, query string, args ...any) (IRows, error)
	QueryRow(ctx context.Context, query string, args ...any) IRow
	Exec(ctx context.Context, query string, args ...any) (sql.Result, error)

	// Begin 开启事务；事务自身不支持嵌套
	Begin(ctx context.Context) (ITransaction, error)

	Ping(ctx context.Context) error
	Close() error
}

// IDialectNameProvider 返回 driver 名（mysql、sqlite、postgres），dialect 据此推断方言
type IDialectNameProvider interface {
	GetDialectName() string
}

// ITransaction 一次数据库事务，Commit/Rollback 之后不可再用
type ITransaction interface {
	IDatabase

	Commit() error
	Rollback() error
}

type IRows interface {
	Next() bool
	Scan(dest ...any) error
	Close() error
	Err() error

	Columns() ([]string, error)
}

type IRow interface {
	Scan(dest ...any) error
	Err() error
}

// DBConfig SQL 存储连接配置。sqlite 下 Database 为文件路径或 :memory:
type DBConfig struct {
	Driver   string `yaml:"driver"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Database string `yaml:"database"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`

	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time"`
	// PingTimeout 打开时可用性检查的超时，默认 3s
	PingTimeout time.Duration `yaml:"ping_timeout"`

	// mysql 专用
	Charset   string `yaml:"charset"`
	ParseTime bool   `yaml:"parse_time"`
	Location  string `yaml:"location"`
}
