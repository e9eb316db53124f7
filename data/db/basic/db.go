// Package basic 基于 database/sql 实现 db.IDatabase
package basic

import (
	"context"
	"database/sql"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"time"

	"github.com/go-sql-driver/mysql"

	core "gopersist/data/db"
	"gopersist/data/db/dialect"
	"gopersist/errors"
)

// DB 基于 database/sql 的最小实现，满足 core.IDatabase 抽象
type DB struct {
	db      *sql.DB
	driver  string
	dialect dialect.Dialect
}

// New 根据 core.DBConfig 创建数据库实例并做一次可用性检查。
//
// 调用方负责注册 sqlite 驱动（空导入 modernc.org/sqlite）；mysql 驱动随本包导入自动注册。
func New(config core.DBConfig) (*DB, error) {
	driver := config.Driver
	if driver == "" {
		driver = "sqlite"
	}

	dsn, err := DSN(config)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, err
	}

	if config.MaxOpenConns > 0 {
		db.SetMaxOpenConns(config.MaxOpenConns)
	}
	if config.MaxIdleConns > 0 {
		db.SetMaxIdleConns(config.MaxIdleConns)
	}
	if config.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(config.ConnMaxLifetime)
	}
	if config.ConnMaxIdleTime > 0 {
		db.SetConnMaxIdleTime(config.ConnMaxIdleTime)
	}

	timeout := config.PingTimeout
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &DB{db: db, driver: driver, dialect: dialect.New(driver)}, nil
}

// DSN 按驱动拼装连接串。sqlite 直接使用 Database 字段；mysql 通过驱动自带的 Config 生成。
func DSN(config core.DBConfig) (string, error) {
	switch dialect.New(config.Driver).Name() {
	case dialect.NameSQLite, dialect.NameUnknown:
		if config.Database == "" {
			return "", fmt.Errorf("basic: sqlite database path is required")
		}
		return config.Database, nil
	case dialect.NameMySQL:
		mc := mysql.NewConfig()
		mc.User = config.Username
		mc.Passwd = config.Password
		mc.Net = "tcp"
		mc.Addr = hostPort(config.Host, config.Port, 3306)
		mc.DBName = config.Database
		mc.ParseTime = config.ParseTime
		if config.Charset != "" {
			mc.Params = map[string]string{"charset": config.Charset}
		}
		if config.Location != "" {
			loc, err := time.LoadLocation(config.Location)
			if err != nil {
				return "", fmt.Errorf("basic: invalid location %q: %w", config.Location, err)
			}
			mc.Loc = loc
		}
		return mc.FormatDSN(), nil
	case dialect.NamePostgres:
		u := url.URL{
			Scheme: "postgres",
			User:   url.UserPassword(config.Username, config.Password),
			Host:   hostPort(config.Host, config.Port, 5432),
			Path:   "/" + config.Database,
		}
		return u.String(), nil
	}
	return "", fmt.Errorf("basic: unsupported driver %q", config.Driver)
}

func hostPort(host string, port, def int) string {
	if host == "" {
		host = "127.0.0.1"
	}
	if port == 0 {
		port = def
	}
	return net.JoinHostPort(host, strconv.Itoa(port))
}

func (d *DB) Query(ctx context.Context, query string, args ...any) (core.IRows, error) {
	rows, err := d.db.QueryContext(ctx, d.dialect.Rebind(query), args...)
	if err != nil {
		return nil, err
	}
	return &Rows{rows: rows}, nil
}

func (d *DB) QueryRow(ctx context.Context, query string, args ...any) core.IRow {
	return &Row{row: d.db.QueryRowContext(ctx, d.dialect.Rebind(query), args...)}
}

func (d *DB) Exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return d.db.ExecContext(ctx, d.dialect.Rebind(query), args...)
}

func (d *DB) Begin(ctx context.Context) (core.ITransaction, error) {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, errors.Normalize(err)
	}
	return &Tx{db: d.db, tx: tx, dialect: d.dialect}, nil
}

func (d *DB) Ping(ctx context.Context) error { return d.db.PingContext(ctx) }
func (d *DB) Close() error                   { return d.db.Close() }

// GetDialectName 实现 core.IDialectNameProvider
func (d *DB) GetDialectName() string {
	return d.driver
}

// ExecDDL 执行建表语句（测试与演示环境使用）
func (d *DB) ExecDDL(ctx context.Context, stmts ...string) error {
	for _, stmt := range stmts {
		if _, err := d.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("basic: ddl failed: %w", err)
		}
	}
	return nil
}
