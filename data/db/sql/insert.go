package sql

import (
	"context"
	"database/sql"
	"strings"

	core "gopersist/data/db"
	"gopersist/data/db/dialect"
)

type insertBuilder struct {
	db      core.IDatabase
	dialect dialect.Dialect

	table     string
	columns   []string
	rows      [][]any
	returning string
}

func (b *insertBuilder) Columns(cols ...string) IInsertBuilder {
	b.columns = cols
	return b
}

func (b *insertBuilder) Values(vals ...any) IInsertBuilder {
	if len(vals) > 0 {
		b.rows = append(b.rows, vals)
	}
	return b
}

func (b *insertBuilder) Returning(column string) IInsertBuilder {
	if b.dialect.SupportsReturning() {
		b.returning = column
	}
	return b
}

func (b *insertBuilder) Build() (string, []any) {
	var sb strings.Builder
	sb.WriteString("INSERT INTO ")
	sb.WriteString(mustQuote(b.dialect, "table", b.table))

	// 全部列由存储生成时使用 DEFAULT VALUES
	if len(b.columns) == 0 {
		if b.dialect.Name() == dialect.NameMySQL {
			sb.WriteString(" () VALUES ()")
		} else {
			sb.WriteString(" DEFAULT VALUES")
		}
		b.writeReturning(&sb)
		return sb.String(), nil
	}
	if len(b.rows) == 0 {
		panic("insertBuilder: at least one row is required")
	}

	quoted := make([]string, len(b.columns))
	for i, col := range b.columns {
		quoted[i] = mustQuote(b.dialect, "column", col)
	}
	sb.WriteString(" (")
	sb.WriteString(strings.Join(quoted, ", "))
	sb.WriteString(") VALUES ")

	placeholder := "(" + strings.TrimSuffix(strings.Repeat("?, ", len(b.columns)), ", ") + ")"
	args := make([]any, 0, len(b.rows)*len(b.columns))
	for i, row := range b.rows {
		if len(row) != len(b.columns) {
			panic("insertBuilder: values length mismatch columns length")
		}
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(placeholder)
		args = append(args, row...)
	}
	b.writeReturning(&sb)
	return sb.String(), args
}

func (b *insertBuilder) writeReturning(sb *strings.Builder) {
	if b.returning == "" {
		return
	}
	sb.WriteString(" RETURNING ")
	sb.WriteString(mustQuote(b.dialect, "column", b.returning))
}

func (b *insertBuilder) Exec(ctx context.Context) (sql.Result, error) {
	q, args := b.Build()
	return b.db.Exec(ctx, q, args...)
}

func (b *insertBuilder) QueryRow(ctx context.Context) core.IRow {
	q, args := b.Build()
	return b.db.QueryRow(ctx, q, args...)
}
