package sql

import (
	"context"
	"database/sql"
	"strings"

	core "gopersist/data/db"
	"gopersist/data/db/dialect"
	"gopersist/errors"
)

// ErrNoAssignments UPDATE 没有任何 SET 列
var ErrNoAssignments = errors.NewError(errors.ErrCodeInvalidInput, "UPDATE 没有可写的列")

type assignment struct {
	column string
	value  any
}

type updateBuilder struct {
	db      core.IDatabase
	dialect dialect.Dialect

	table string
	sets  []assignment
	where whereClause
}

// Set 同一列重复设置时后者覆盖前者
func (b *updateBuilder) Set(column string, val any) IUpdateBuilder {
	quoted := mustQuote(b.dialect, "column", column)
	for i := range b.sets {
		if b.sets[i].column == quoted {
			b.sets[i].value = val
			return b
		}
	}
	b.sets = append(b.sets, assignment{column: quoted, value: val})
	return b
}

func (b *updateBuilder) Where(cond string, args ...any) IUpdateBuilder {
	b.where.add(cond, args)
	return b
}

func (b *updateBuilder) WhereEq(column string, val any) IUpdateBuilder {
	b.where.eq(b.dialect, column, val)
	return b
}

func (b *updateBuilder) Assigned() int { return len(b.sets) }

// Build 没有 SET 列时返回空语句
func (b *updateBuilder) Build() (string, []any) {
	if len(b.sets) == 0 {
		return "", nil
	}
	sb := strings.Builder{}
	sb.WriteString("UPDATE " + mustQuote(b.dialect, "table", b.table) + " SET ")

	cols := make([]string, len(b.sets))
	args := make([]any, len(b.sets), len(b.sets)+len(b.where.args))
	for i, a := range b.sets {
		cols[i] = a.column + " = ?"
		args[i] = a.value
	}
	sb.WriteString(strings.Join(cols, ", "))
	args = append(args, b.where.write(&sb)...)
	return sb.String(), args
}

func (b *updateBuilder) Exec(ctx context.Context) (sql.Result, error) {
	if len(b.sets) == 0 {
		return nil, ErrNoAssignments.WithContext("table", b.table)
	}
	q, args := b.Build()
	return b.db.Exec(ctx, q, args...)
}
