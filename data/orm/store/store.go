// Package store 定义记录存储契约
//
// 记录存储是持久化上下文的叶子依赖：按实体类型与主键读写 Record，
// 执行命名语句，维护多对多关联行。实现见 memory、sqlstore、redisstore 子包。
package store

import (
	"context"

	"gopersist/data/orm"
	"gopersist/data/orm/query"
)

// IRecordStore 记录存储
type IRecordStore interface {
	// Load 读取一行，不存在时返回 orm.ErrNotFound
	Load(ctx context.Context, kind *orm.EntityKind, key any) (orm.Record, error)
	// Insert 写入一行；rec 不含主键时由存储生成并返回，否则返回 rec 中的主键
	Insert(ctx context.Context, kind *orm.EntityKind, rec orm.Record) (any, error)
	// Update 覆盖一行，不存在时返回 orm.ErrNotFound
	Update(ctx context.Context, kind *orm.EntityKind, key any, rec orm.Record) error
	// Delete 删除一行，不存在时返回 orm.ErrNotFound
	Delete(ctx context.Context, kind *orm.EntityKind, key any) error

	// ExecuteNamed 执行已注册的 update / delete 语句，返回影响行数
	ExecuteNamed(ctx context.Context, name string, params query.Params) (int64, error)
	// Select 执行 select 语句（命名或临时）
	Select(ctx context.Context, stmt *query.Statement, params query.Params) ([]orm.Record, error)

	// InsertLink 写入 join.OwnerColumn = ownerKey, join.TargetColumn = targetKey 的关联行
	InsertLink(ctx context.Context, join orm.JoinTable, ownerKey, targetKey any) error
	// DeleteLink 删除关联行，不存在时不报错
	DeleteLink(ctx context.Context, join orm.JoinTable, ownerKey, targetKey any) error
	// LoadLinks 返回 ownerKey 关联的全部 targetKey
	LoadLinks(ctx context.Context, join orm.JoinTable, ownerKey any) ([]any, error)

	Capabilities() orm.Capabilities
}

// ITransactional 可选：支持事务的存储
type ITransactional interface {
	Begin(ctx context.Context) (ITx, error)
}

// ITx 存储事务。Commit / Rollback 之后不可再使用。
type ITx interface {
	IRecordStore
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}
