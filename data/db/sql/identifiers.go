package sql

import (
	"strings"

	"gopersist/data/db/dialect"
)

// IsSafeIdentifier 判断标识符是否为“安全的数据库标识符”。
//
// 允许 foo、bar_1 以及 schema.table 形式；每段首字符为字母或下划线，
// 后续字符为字母、数字或下划线。只做 ASCII 校验，足以拦截空格、分号等注入片段。
func IsSafeIdentifier(name string) bool {
	if name == "" {
		return false
	}
	for _, part := range strings.Split(name, ".") {
		if part == "" {
			return false
		}
		for i := 0; i < len(part); i++ {
			ch := part[i]
			alpha := (ch >= 'a' && ch <= 'z') || (ch >= 'A' && ch <= 'Z') || ch == '_'
			if i == 0 && !alpha {
				return false
			}
			if !alpha && !(ch >= '0' && ch <= '9') {
				return false
			}
		}
	}
	return true
}

func mustQuote(d dialect.Dialect, kind, name string) string {
	if !IsSafeIdentifier(name) {
		panic("sql: unsafe " + kind + " name " + name)
	}
	return d.QuoteIdentifier(name)
}

// whereClause 以 AND 连接的条件集合
type whereClause struct {
	exprs []string
	args  []any
}

func (w *whereClause) add(cond string, args []any) {
	if cond == "" {
		return
	}
	w.exprs = append(w.exprs, cond)
	w.args = append(w.args, args...)
}

func (w *whereClause) eq(d dialect.Dialect, column string, val any) {
	w.add(mustQuote(d, "column", column)+" = ?", []any{val})
}

// write 追加 WHERE 子句并返回对应参数
func (w *whereClause) write(sb *strings.Builder) []any {
	if len(w.exprs) == 0 {
		return nil
	}
	sb.WriteString(" WHERE ")
	sb.WriteString(strings.Join(w.exprs, " AND "))
	return w.args
}
