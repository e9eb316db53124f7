package dialect

import (
	"errors"
	"strconv"
	"strings"

	"github.com/go-sql-driver/mysql"

	core "gopersist/data/db"
)

// Name 标准化的数据库方言名称
type Name string

const (
	NameMySQL    Name = "mysql"
	NameSQLite   Name = "sqlite"
	NamePostgres Name = "postgres"
	NameUnknown  Name = ""
)

// mysql ER_DUP_ENTRY / ER_DUP_ENTRY_WITH_KEY_NAME
const (
	mysqlDupEntry        = 1062
	mysqlDupEntryKeyName = 1586
)

// Dialect 表示当前数据库的方言能力
type Dialect struct {
	name Name
}

// New 根据字符串构造方言（大小写不敏感）
func New(name string) Dialect {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "mysql":
		return Dialect{name: NameMySQL}
	case "sqlite", "sqlite3":
		return Dialect{name: NameSQLite}
	case "postgres", "postgresql", "pgx":
		return Dialect{name: NamePostgres}
	default:
		return Dialect{name: NameUnknown}
	}
}

// FromDatabase 从 IDatabase 实例推断方言；未实现 IDialectNameProvider 时返回 Unknown。
func FromDatabase(db core.IDatabase) Dialect {
	if p, ok := db.(core.IDialectNameProvider); ok {
		return New(p.GetDialectName())
	}
	return Dialect{name: NameUnknown}
}

// Name 返回标准化方言名
func (d Dialect) Name() Name {
	return d.name
}

// QuoteIdentifier 根据方言对标识符加引号，table.column 形式逐段处理。
// MySQL 使用反引号，Postgres/SQLite 使用双引号，Unknown 保持原样。
func (d Dialect) QuoteIdentifier(name string) string {
	if name == "" {
		return ""
	}
	parts := strings.Split(name, ".")
	for i, p := range parts {
		if p == "" {
			continue
		}
		switch d.name {
		case NameMySQL:
			parts[i] = "`" + p + "`"
		case NameSQLite, NamePostgres:
			parts[i] = `"` + p + `"`
		}
	}
	return strings.Join(parts, ".")
}

// Rebind 将通用占位符 ? 转换为方言特定形式，目前仅 Postgres 替换为 $1、$2...
//
// 只做字符扫描，不识别字符串字面量中的 ?。构建器生成的语句不含字面量，可以安全使用。
func (d Dialect) Rebind(query string) string {
	if d.name != NamePostgres || query == "" {
		return query
	}
	var sb strings.Builder
	sb.Grow(len(query) + 8)
	n := 1
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			sb.WriteByte('$')
			sb.WriteString(strconv.Itoa(n))
			n++
			continue
		}
		sb.WriteByte(query[i])
	}
	return sb.String()
}

// SupportsReturning 是否支持 INSERT ... RETURNING 获取生成的主键
func (d Dialect) SupportsReturning() bool {
	return d.name == NamePostgres
}

// SupportsLastInsertID sql.Result.LastInsertId 是否可用
func (d Dialect) SupportsLastInsertID() bool {
	return d.name == NameMySQL || d.name == NameSQLite
}

// IsUniqueViolation 判断错误是否为唯一键/主键冲突
//
// MySQL 优先使用驱动错误码（1062、1586），其余方言按错误消息关键字识别：
//   - SQLite: "UNIQUE constraint failed" 或 "PRIMARY KEY constraint failed"
//   - Postgres: "duplicate key value"（23505）
func (d Dialect) IsUniqueViolation(err error) bool {
	if err == nil {
		return false
	}

	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		return myErr.Number == mysqlDupEntry || myErr.Number == mysqlDupEntryKeyName
	}

	msg := strings.ToLower(err.Error())
	switch d.name {
	case NameMySQL:
		return strings.Contains(msg, "duplicate entry")
	case NameSQLite:
		return strings.Contains(msg, "unique constraint failed") ||
			strings.Contains(msg, "primary key constraint failed")
	case NamePostgres:
		return strings.Contains(msg, "duplicate key") ||
			strings.Contains(msg, "unique constraint")
	default:
		return strings.Contains(msg, "duplicate key") ||
			strings.Contains(msg, "unique constraint")
	}
}
