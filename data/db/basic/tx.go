package basic

import (
	"context"
	"database/sql"

	core "gopersist/data/db"
	"gopersist/data/db/dialect"
	"gopersist/errors"
)

// ErrNestedTx 事务内再次 Begin
var ErrNestedTx = errors.NewError(errors.ErrCodeUnsupported, "不支持嵌套事务")

// Tx 包装 *sql.Tx。Commit/Rollback 的错误经 errors.Normalize，重复结束得到 TERMINAL_STATE。
type Tx struct {
	db      *sql.DB
	tx      *sql.Tx
	dialect dialect.Dialect
}

func (t *Tx) Query(ctx context.Context, query string, args ...any) (core.IRows, error) {
	rows, err := t.tx.QueryContext(ctx, t.dialect.Rebind(query), args...)
	if err != nil {
		return nil, errors.Normalize(err)
	}
	return &Rows{rows: rows}, nil
}

func (t *Tx) QueryRow(ctx context.Context, query string, args ...any) core.IRow {
	return &Row{row: t.tx.QueryRowContext(ctx, t.dialect.Rebind(query), args...)}
}

func (t *Tx) Exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	res, err := t.tx.ExecContext(ctx, t.dialect.Rebind(query), args...)
	if err != nil {
		return nil, errors.Normalize(err)
	}
	return res, nil
}

func (t *Tx) Begin(context.Context) (core.ITransaction, error) {
	return nil, ErrNestedTx
}

func (t *Tx) Ping(ctx context.Context) error { return t.db.PingContext(ctx) }

// Close 不结束事务
func (t *Tx) Close() error { return nil }

func (t *Tx) Commit() error {
	return errors.Normalize(t.tx.Commit())
}

func (t *Tx) Rollback() error {
	return errors.Normalize(t.tx.Rollback())
}

func (t *Tx) GetDialectName() string {
	return string(t.dialect.Name())
}
