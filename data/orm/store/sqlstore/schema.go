package sqlstore

import (
	"context"
	"fmt"
	"reflect"
	"strings"
	"time"

	"gopersist/data/db/dialect"
	"gopersist/data/orm"
	"gopersist/errors"
)

// Schema 为已封存注册表中的实体与多对多关联表生成 CREATE TABLE 语句。
// 只用于演示与测试，不做迁移。
func Schema(d dialect.Dialect, kinds *orm.Registry) []string {
	var stmts []string
	joins := make(map[string]bool)
	for _, k := range kinds.Kinds() {
		stmts = append(stmts, createTable(d, k))
		for _, a := range k.Associations {
			if !a.OwningManyToMany() || joins[a.Join.Table] {
				continue
			}
			joins[a.Join.Table] = true
			stmts = append(stmts, createJoinTable(d, k, a))
		}
	}
	return stmts
}

// EnsureSchema 执行 Schema 生成的语句
func (s *Store) EnsureSchema(ctx context.Context, kinds *orm.Registry) error {
	for _, stmt := range Schema(s.sql.Dialect(), kinds) {
		if _, err := s.db.Exec(ctx, stmt); err != nil {
			return errors.WrapStoreError(ctx, err, "", "create table")
		}
	}
	s.logger.Debug(ctx, "schema ensured")
	return nil
}

func createTable(d dialect.Dialect, k *orm.EntityKind) string {
	defs := make([]string, 0, len(k.Fields)+len(k.Associations))
	for _, f := range k.Fields {
		col := d.QuoteIdentifier(f.Column)
		if f.PrimaryKey {
			defs = append(defs, col+" "+primaryKeyType(d, k))
			continue
		}
		defs = append(defs, col+" "+columnType(d, f.Type))
	}
	for _, a := range k.Associations {
		if !a.OwningToOne() {
			continue
		}
		defs = append(defs, d.QuoteIdentifier(a.ForeignKey)+" "+columnType(d, a.Target.PrimaryKey.Type))
	}
	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s)", d.QuoteIdentifier(k.Table), strings.Join(defs, ", "))
}

func createJoinTable(d dialect.Dialect, owner *orm.EntityKind, a *orm.AssociationMeta) string {
	ownerCol := d.QuoteIdentifier(a.Join.OwnerColumn)
	targetCol := d.QuoteIdentifier(a.Join.TargetColumn)
	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s %s NOT NULL, %s %s NOT NULL, PRIMARY KEY (%s, %s))",
		d.QuoteIdentifier(a.Join.Table),
		ownerCol, columnType(d, owner.PrimaryKey.Type),
		targetCol, columnType(d, a.Target.PrimaryKey.Type),
		ownerCol, targetCol)
}

func primaryKeyType(d dialect.Dialect, k *orm.EntityKind) string {
	if k.Keys == orm.KeyIdentity {
		switch d.Name() {
		case dialect.NameMySQL:
			return "BIGINT AUTO_INCREMENT PRIMARY KEY"
		case dialect.NamePostgres:
			return "BIGSERIAL PRIMARY KEY"
		default:
			return "INTEGER PRIMARY KEY AUTOINCREMENT"
		}
	}
	return columnType(d, k.PrimaryKey.Type) + " PRIMARY KEY"
}

func columnType(d dialect.Dialect, t reflect.Type) string {
	if t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	mysql := d.Name() == dialect.NameMySQL
	switch {
	case t == reflect.TypeOf(time.Time{}):
		if mysql {
			return "DATETIME(6)"
		}
		return "TIMESTAMP"
	case t.Kind() == reflect.Bool:
		return "BOOLEAN"
	case t.Kind() >= reflect.Int && t.Kind() <= reflect.Uint64:
		return "BIGINT"
	case t.Kind() == reflect.Float32 || t.Kind() == reflect.Float64:
		return "DOUBLE PRECISION"
	case t.Kind() == reflect.Slice && t.Elem().Kind() == reflect.Uint8:
		if d.Name() == dialect.NamePostgres {
			return "BYTEA"
		}
		return "BLOB"
	}
	if mysql {
		return "VARCHAR(255)"
	}
	return "TEXT"
}
