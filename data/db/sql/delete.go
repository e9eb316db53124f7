package sql

import (
	"context"
	"database/sql"
	"strings"

	core "gopersist/data/db"
	"gopersist/data/db/dialect"
	"gopersist/errors"
)

// ErrUnboundedDelete 没有 WHERE 且未调用 All 的 DELETE
var ErrUnboundedDelete = errors.NewError(errors.ErrCodeInvalidInput, "DELETE 缺少条件")

type deleteBuilder struct {
	db      core.IDatabase
	dialect dialect.Dialect

	table string
	where whereClause
	all   bool
}

func (b *deleteBuilder) Where(cond string, args ...any) IDeleteBuilder {
	b.where.add(cond, args)
	return b
}

func (b *deleteBuilder) WhereEq(column string, val any) IDeleteBuilder {
	b.where.eq(b.dialect, column, val)
	return b
}

// All 允许删除整张表
func (b *deleteBuilder) All() IDeleteBuilder {
	b.all = true
	return b
}

func (b *deleteBuilder) Build() (string, []any) {
	sb := strings.Builder{}
	sb.WriteString("DELETE FROM " + mustQuote(b.dialect, "table", b.table))
	args := b.where.write(&sb)
	return sb.String(), args
}

func (b *deleteBuilder) Exec(ctx context.Context) (sql.Result, error) {
	if len(b.where.exprs) == 0 && !b.all {
		return nil, ErrUnboundedDelete.WithContext("table", b.table)
	}
	q, args := b.Build()
	return b.db.Exec(ctx, q, args...)
}
