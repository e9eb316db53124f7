// Package sqlstore 基于 data/db 的 SQL 记录存储
//
// 语句由 data/db/sql 构建器生成，标识符按方言引用，占位符由 IDatabase 重绑定。
// 生成主键优先使用 RETURNING（postgres），否则使用 LastInsertId。
package sqlstore

import (
	"context"

	core "gopersist/data/db"
	"gopersist/data/db/basic"
	"gopersist/data/db/dialect"
	dbsql "gopersist/data/db/sql"
	"gopersist/data/orm"
	"gopersist/data/orm/query"
	"gopersist/data/orm/store"
	"gopersist/errors"
	"gopersist/logging"
)

// Store SQL 记录存储
type Store struct {
	db     core.IDatabase
	sql    dbsql.ISql
	stmts  *query.Registry
	logger logging.Logger
}

// Option 配置 Store
type Option func(*Store)

// WithStatements 注入命名语句注册表
func WithStatements(r *query.Registry) Option {
	return func(s *Store) { s.stmts = r }
}

// WithDialect 显式指定方言（db 未实现 IDialectNameProvider 时使用）
func WithDialect(d dialect.Dialect) Option {
	return func(s *Store) { s.sql = dbsql.NewWithDialect(s.db, d) }
}

// WithLogger 指定日志
func WithLogger(l logging.Logger) Option {
	return func(s *Store) { s.logger = l }
}

var (
	_ store.IRecordStore   = (*Store)(nil)
	_ store.ITransactional = (*Store)(nil)
	_ store.ITx            = (*Tx)(nil)
)

// New 创建 SQL 记录存储
func New(db core.IDatabase, opts ...Option) *Store {
	s := &Store{db: db, sql: dbsql.New(db)}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = logging.ComponentLogger("orm.store.sql")
	}
	return s
}

// DB 返回底层数据库
func (s *Store) DB() core.IDatabase { return s.db }

// Dialect 返回当前方言
func (s *Store) Dialect() dialect.Dialect { return s.sql.Dialect() }

// Capabilities 全部能力
func (s *Store) Capabilities() orm.Capabilities {
	return orm.NewCapabilities(
		orm.CapabilityTransaction,
		orm.CapabilityLinks,
		orm.CapabilityNamedStatements,
		orm.CapabilityGeneratedKeys,
	)
}

// Begin 开启数据库事务
func (s *Store) Begin(ctx context.Context) (store.ITx, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, errors.WrapStoreError(ctx, err, "", "begin")
	}
	inner := &Store{db: tx, sql: dbsql.NewWithDialect(tx, s.sql.Dialect()), stmts: s.stmts, logger: s.logger}
	return &Tx{Store: inner, tx: tx}, nil
}

func (s *Store) Load(ctx context.Context, kind *orm.EntityKind, key any) (orm.Record, error) {
	rows, err := s.sql.Select(kind.Columns()...).
		From(kind.Table).
		WhereEq(kind.PrimaryKey.Column, orm.NormalizeKey(key)).
		Limit(1).
		Query(ctx)
	if err != nil {
		return nil, errors.WrapStoreError(ctx, err, kind.Name, "load")
	}
	recs, err := scanRecords(rows)
	if err != nil {
		return nil, errors.WrapStoreError(ctx, err, kind.Name, "load")
	}
	if len(recs) == 0 {
		return nil, orm.NotFound(kind.Name, key)
	}
	return recs[0], nil
}

func (s *Store) Insert(ctx context.Context, kind *orm.EntityKind, rec orm.Record) (any, error) {
	pk := kind.PrimaryKey.Column
	key := orm.NormalizeKey(rec[pk])
	generated := orm.IsZeroKey(key)

	var cols []string
	var vals []any
	for _, col := range kind.Columns() {
		if col == pk && generated {
			continue
		}
		v, ok := rec[col]
		if !ok {
			continue
		}
		cols = append(cols, col)
		vals = append(vals, v)
	}

	b := s.sql.InsertInto(kind.Table).Columns(cols...)
	if len(cols) > 0 {
		b = b.Values(vals...)
	}

	if !generated {
		if _, err := b.Exec(ctx); err != nil {
			return nil, s.writeError(ctx, err, kind, "insert")
		}
		return key, nil
	}

	if s.sql.Dialect().SupportsReturning() {
		var id int64
		if err := b.Returning(pk).QueryRow(ctx).Scan(&id); err != nil {
			return nil, s.writeError(ctx, err, kind, "insert")
		}
		return id, nil
	}

	res, err := b.Exec(ctx)
	if err != nil {
		return nil, s.writeError(ctx, err, kind, "insert")
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, errors.WrapStoreError(ctx, err, kind.Name, "insert")
	}
	return id, nil
}

func (s *Store) Update(ctx context.Context, kind *orm.EntityKind, key any, rec orm.Record) error {
	pk := kind.PrimaryKey.Column
	b := s.sql.Update(kind.Table)
	for _, col := range kind.Columns() {
		if v, ok := rec[col]; ok && col != pk {
			b = b.Set(col, v)
		}
	}
	if b.Assigned() == 0 {
		// 没有可写列时只确认行存在
		_, err := s.Load(ctx, kind, key)
		return err
	}

	res, err := b.WhereEq(pk, orm.NormalizeKey(key)).Exec(ctx)
	if err != nil {
		return s.writeError(ctx, err, kind, "update")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return errors.WrapStoreError(ctx, err, kind.Name, "update")
	}
	if affected == 0 {
		// mysql 对未变化的行返回 0
		if _, err := s.Load(ctx, kind, key); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, kind *orm.EntityKind, key any) error {
	res, err := s.sql.DeleteFrom(kind.Table).
		WhereEq(kind.PrimaryKey.Column, orm.NormalizeKey(key)).
		Exec(ctx)
	if err != nil {
		return s.writeError(ctx, err, kind, "delete")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return errors.WrapStoreError(ctx, err, kind.Name, "delete")
	}
	if affected == 0 {
		return orm.NotFound(kind.Name, key)
	}
	return nil
}

func (s *Store) ExecuteNamed(ctx context.Context, name string, params query.Params) (int64, error) {
	if s.stmts == nil {
		return 0, orm.ErrUnsupported.WithContext("statement", name)
	}
	stmt, err := s.stmts.Lookup(name)
	if err != nil {
		return 0, err
	}
	bound, err := stmt.Bind(params)
	if err != nil {
		return 0, err
	}

	kind := stmt.Entity
	switch stmt.Op {
	case query.OpUpdate:
		b := s.sql.Update(kind.Table)
		for _, a := range stmt.Set {
			b = b.Set(a.Column, bound[a.Param])
		}
		for _, p := range stmt.Where {
			b = b.WhereEq(p.Column, bound[p.Param])
		}
		res, err := b.Exec(ctx)
		if err != nil {
			return 0, s.writeError(ctx, err, kind, name)
		}
		return res.RowsAffected()
	case query.OpDelete:
		b := s.sql.DeleteFrom(kind.Table)
		if len(stmt.Where) == 0 {
			b = b.All()
		}
		for _, p := range stmt.Where {
			b = b.WhereEq(p.Column, bound[p.Param])
		}
		res, err := b.Exec(ctx)
		if err != nil {
			return 0, s.writeError(ctx, err, kind, name)
		}
		return res.RowsAffected()
	default:
		return 0, errors.NewValidationError("select statement cannot be executed: " + name)
	}
}

func (s *Store) Select(ctx context.Context, stmt *query.Statement, params query.Params) ([]orm.Record, error) {
	if stmt.Op != query.OpSelect {
		return nil, errors.NewValidationError("not a select statement: " + stmt.Name)
	}
	bound, err := stmt.Bind(params)
	if err != nil {
		return nil, err
	}

	kind := stmt.Entity
	b := s.sql.Select(kind.Columns()...).From(kind.Table)
	for _, p := range stmt.Where {
		b = b.WhereEq(p.Column, bound[p.Param])
	}
	for _, o := range stmt.OrderBy {
		b = b.OrderBy(o.Column, o.Desc)
	}
	if stmt.Limit > 0 {
		b = b.Limit(stmt.Limit)
	}
	rows, err := b.Query(ctx)
	if err != nil {
		return nil, errors.WrapStoreError(ctx, err, kind.Name, "select")
	}
	recs, err := scanRecords(rows)
	if err != nil {
		return nil, errors.WrapStoreError(ctx, err, kind.Name, "select")
	}
	return recs, nil
}

func (s *Store) InsertLink(ctx context.Context, join orm.JoinTable, ownerKey, targetKey any) error {
	_, err := s.sql.InsertInto(join.Table).
		Columns(join.OwnerColumn, join.TargetColumn).
		Values(orm.NormalizeKey(ownerKey), orm.NormalizeKey(targetKey)).
		Exec(ctx)
	if err != nil {
		if s.sql.Dialect().IsUniqueViolation(err) {
			return errors.NewErrorWithCause(errors.ErrCodeDuplicateKey, "关联行已存在", err).WithContext("join", join.Table)
		}
		return errors.WrapStoreError(ctx, err, join.Table, "insert link")
	}
	return nil
}

func (s *Store) DeleteLink(ctx context.Context, join orm.JoinTable, ownerKey, targetKey any) error {
	_, err := s.sql.DeleteFrom(join.Table).
		WhereEq(join.OwnerColumn, orm.NormalizeKey(ownerKey)).
		WhereEq(join.TargetColumn, orm.NormalizeKey(targetKey)).
		Exec(ctx)
	if err != nil {
		return errors.WrapStoreError(ctx, err, join.Table, "delete link")
	}
	return nil
}

func (s *Store) LoadLinks(ctx context.Context, join orm.JoinTable, ownerKey any) ([]any, error) {
	rows, err := s.sql.Select(join.TargetColumn).
		From(join.Table).
		WhereEq(join.OwnerColumn, orm.NormalizeKey(ownerKey)).
		Query(ctx)
	if err != nil {
		return nil, errors.WrapStoreError(ctx, err, join.Table, "load links")
	}
	recs, err := scanRecords(rows)
	if err != nil {
		return nil, errors.WrapStoreError(ctx, err, join.Table, "load links")
	}
	keys := make([]any, 0, len(recs))
	for _, r := range recs {
		keys = append(keys, orm.NormalizeKey(r[join.TargetColumn]))
	}
	return keys, nil
}

// writeError 唯一键冲突映射为 DUPLICATE_KEY
func (s *Store) writeError(ctx context.Context, err error, kind *orm.EntityKind, op string) error {
	if s.sql.Dialect().IsUniqueViolation(err) {
		return errors.NewErrorWithCause(errors.ErrCodeDuplicateKey, "主键或唯一键冲突", err).
			WithContext("kind", kind.Name).
			WithContext("operation", op)
	}
	return errors.WrapStoreError(ctx, err, kind.Name, op)
}

func scanRecords(rows core.IRows) ([]orm.Record, error) {
	maps, err := basic.ScanMaps(rows)
	if err != nil {
		return nil, err
	}
	recs := make([]orm.Record, len(maps))
	for i, m := range maps {
		recs[i] = orm.Record(m)
	}
	return recs, nil
}

// Tx SQL 事务
type Tx struct {
	*Store
	tx core.ITransaction
}

// Capabilities 事务内不可嵌套
func (t *Tx) Capabilities() orm.Capabilities {
	return orm.NewCapabilities(orm.CapabilityLinks, orm.CapabilityNamedStatements, orm.CapabilityGeneratedKeys)
}

// Begin 不支持嵌套事务
func (t *Tx) Begin(ctx context.Context) (store.ITx, error) {
	return nil, orm.ErrUnsupported.WithContext("operation", "nested transaction")
}

func (t *Tx) Commit(ctx context.Context) error {
	if err := t.tx.Commit(); err != nil {
		return errors.WrapStoreError(ctx, err, "", "commit")
	}
	t.logger.Debug(ctx, "sql transaction committed")
	return nil
}

func (t *Tx) Rollback(ctx context.Context) error {
	if err := t.tx.Rollback(); err != nil {
		return errors.WrapStoreError(ctx, err, "", "rollback")
	}
	t.logger.Debug(ctx, "sql transaction rolled back")
	return nil
}
