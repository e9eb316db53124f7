package session

import (
	"context"

	"gopersist/data/orm"
	"gopersist/data/orm/query"
	"gopersist/errors"
	"gopersist/logging"
)

// Find 按主键加载并返回具体类型
func Find[T any](ctx context.Context, u *UnitOfWork, key any) (*T, error) {
	var zero *T
	kind, err := u.mgr.kinds.KindFor(zero)
	if err != nil {
		return nil, err
	}
	v, err := u.Load(ctx, kind.Name, key)
	if err != nil {
		return nil, err
	}
	return v.(*T), nil
}

// ExecuteNamed 先刷新待执行变更，再执行已注册的 update / delete 语句，返回影响行数。
//
// 语句绕过身份映射：按主键删除时对应的受管实例会被移出，其余受管实例可能与存储不一致，
// 需要时调用 Refresh。
func (u *UnitOfWork) ExecuteNamed(ctx context.Context, name string, params query.Params) (int64, error) {
	if err := u.checkOpen(); err != nil {
		return 0, err
	}
	stmt, err := u.lookup(name)
	if err != nil {
		return 0, err
	}
	if err := u.Flush(ctx); err != nil {
		return 0, err
	}
	n, err := u.store.ExecuteNamed(ctx, name, params)
	if err != nil {
		return 0, err
	}
	if param, ok := stmt.KeyEquality(); ok && n > 0 {
		if _, evicted := u.imap.Remove(stmt.Entity, params[param]); evicted {
			u.logger.Debug(ctx, "named delete evicted managed entity",
				logging.String("kind", stmt.Entity.Name), logging.Any("key", params[param]))
		}
	}
	u.logger.Debug(ctx, "named statement executed", logging.String("statement", name), logging.Int64("rows", n))
	return n, nil
}

// QueryNamed 先刷新，再执行已注册的 select 语句。结果经过身份映射：
// 已受管的行返回现有实例（不覆盖未写出的修改），已排队删除的行被跳过。
func (u *UnitOfWork) QueryNamed(ctx context.Context, name string, params query.Params) ([]any, error) {
	if err := u.checkOpen(); err != nil {
		return nil, err
	}
	stmt, err := u.lookup(name)
	if err != nil {
		return nil, err
	}
	if stmt.Op != query.OpSelect {
		return nil, errors.NewValidationError("not a select statement: " + name)
	}
	if err := u.Flush(ctx); err != nil {
		return nil, err
	}
	recs, err := u.store.Select(ctx, stmt, params)
	if err != nil {
		return nil, err
	}
	out := make([]any, 0, len(recs))
	for _, rec := range recs {
		v, ok, err := u.adopt(ctx, stmt.Entity, rec)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, v)
		}
	}
	return out, nil
}

// Query QueryNamed 的泛型版本
func Query[T any](ctx context.Context, u *UnitOfWork, name string, params query.Params) ([]*T, error) {
	rows, err := u.QueryNamed(ctx, name, params)
	if err != nil {
		return nil, err
	}
	out := make([]*T, 0, len(rows))
	for _, r := range rows {
		t, ok := r.(*T)
		if !ok {
			return nil, orm.MappingError(name, "statement does not return the requested type")
		}
		out = append(out, t)
	}
	return out, nil
}

func (u *UnitOfWork) lookup(name string) (*query.Statement, error) {
	if u.mgr.stmts == nil {
		return nil, orm.ErrUnsupported.WithContext("statement", name)
	}
	return u.mgr.stmts.Lookup(name)
}

// Associate 在 owner 的关联上加入 target 并维护双向关联的另一侧，返回受管的 owner。
//
// owner 与 target 先经过 Merge；单值关联直接设置，集合关联追加。
// 另一侧集合尚未加载时变更排队，加载后回放。
func (u *UnitOfWork) Associate(ctx context.Context, owner any, association string, target any) (any, error) {
	if err := u.checkOpen(); err != nil {
		return nil, err
	}
	kind, err := u.kindOf(owner)
	if err != nil {
		return nil, err
	}
	a, ok := kind.Association(association)
	if !ok {
		return nil, orm.MappingError(kind.Name, "unknown association "+association)
	}

	managedOwner, err := u.Merge(ctx, owner)
	if err != nil {
		return nil, err
	}
	managedTarget, err := u.Merge(ctx, target)
	if err != nil {
		return nil, err
	}

	attachSide(orm.LinkOf(managedOwner, a), a, managedTarget)
	if a.Inverse != nil {
		attachSide(orm.LinkOf(managedTarget, a.Inverse), a.Inverse, managedOwner)
	}
	return managedOwner, nil
}

func attachSide(l *orm.Link, a *orm.AssociationMeta, v any) {
	if a.ToOne() {
		l.SetTarget(v)
		return
	}
	l.Add(v)
}
