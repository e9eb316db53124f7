package sql

import (
	"context"
	"strings"

	core "gopersist/data/db"
	"gopersist/data/db/dialect"
)

type selectBuilder struct {
	db      core.IDatabase
	dialect dialect.Dialect

	cols    []string
	table   string
	where   whereClause
	orderBy []string
	limit   int
	offset  int
}

func (b *selectBuilder) From(table string) ISelectBuilder {
	b.table = table
	return b
}

func (b *selectBuilder) Where(cond string, args ...any) ISelectBuilder {
	b.where.add(cond, args)
	return b
}

func (b *selectBuilder) WhereEq(column string, val any) ISelectBuilder {
	b.where.eq(b.dialect, column, val)
	return b
}

func (b *selectBuilder) OrderBy(column string, desc bool) ISelectBuilder {
	expr := mustQuote(b.dialect, "order column", column)
	if desc {
		expr += " DESC"
	}
	b.orderBy = append(b.orderBy, expr)
	return b
}

// Limit n == 0 表示不限制，负数视为编程错误
func (b *selectBuilder) Limit(n int) ISelectBuilder {
	if n < 0 {
		panic("selectBuilder: limit cannot be negative")
	}
	b.limit = n
	return b
}

func (b *selectBuilder) Offset(n int) ISelectBuilder {
	if n < 0 {
		panic("selectBuilder: offset cannot be negative")
	}
	b.offset = n
	return b
}

func (b *selectBuilder) Build() (string, []any) {
	var sb strings.Builder
	sb.WriteString("SELECT ")
	if len(b.cols) == 0 {
		sb.WriteString("*")
	} else {
		quoted := make([]string, len(b.cols))
		for i, c := range b.cols {
			if c == "*" {
				quoted[i] = c
				continue
			}
			quoted[i] = mustQuote(b.dialect, "column", c)
		}
		sb.WriteString(strings.Join(quoted, ", "))
	}
	sb.WriteString(" FROM ")
	sb.WriteString(mustQuote(b.dialect, "table", b.table))

	// 使用局部 args 副本，避免多次 Build 之间污染 builder 状态
	args := append([]any(nil), b.where.write(&sb)...)

	if len(b.orderBy) > 0 {
		sb.WriteString(" ORDER BY ")
		sb.WriteString(strings.Join(b.orderBy, ", "))
	}
	if b.limit > 0 {
		sb.WriteString(" LIMIT ?")
		args = append(args, b.limit)
	}
	if b.offset > 0 {
		sb.WriteString(" OFFSET ?")
		args = append(args, b.offset)
	}
	return sb.String(), args
}

func (b *selectBuilder) Query(ctx context.Context) (core.IRows, error) {
	q, args := b.Build()
	return b.db.Query(ctx, q, args...)
}
