package session

import (
	"context"

	"gopersist/data/orm"
	"gopersist/data/orm/query"
	"gopersist/errors"
	"gopersist/logging"
)

// ResolveLink 初始化延迟关联。工作单元已结束或实体已不受管时返回 orm.ErrDetachedAccess。
func (u *UnitOfWork) ResolveLink(ctx context.Context, l *orm.Link) error {
	a := l.Association()
	if u.state != StateOpen {
		return orm.ErrDetachedAccess.WithContext("association", a.Name).WithContext("state", u.state.String())
	}
	e, ok := u.imap.Lookup(l.Owner())
	if !ok {
		return orm.ErrDetachedAccess.WithContext("association", a.Name).WithContext("reason", "owner is not managed")
	}
	u.logger.Debug(ctx, "resolve association",
		logging.String("kind", e.kind.Name), logging.String("association", a.Name), logging.Any("key", e.key))

	switch {
	case a.OwningToOne():
		return u.resolveForeignKey(ctx, l, a)
	case a.Cardinality == orm.ManyToMany:
		return u.resolveJoin(ctx, e, l, a)
	default:
		return u.resolveMappedBy(ctx, e, l, a)
	}
}

func (u *UnitOfWork) resolveForeignKey(ctx context.Context, l *orm.Link, a *orm.AssociationMeta) error {
	fk, ok := l.ForeignKey()
	if !ok {
		l.Fill(nil)
		return nil
	}
	target, err := u.load(ctx, a.Target, fk)
	if err != nil {
		return err
	}
	l.Fill(target)
	return nil
}

// resolveMappedBy 反向的 one_to_one / one_to_many：按目标表上的外键查询
func (u *UnitOfWork) resolveMappedBy(ctx context.Context, e *ManagedEntry, l *orm.Link, a *orm.AssociationMeta) error {
	if a.Inverse == nil {
		return orm.MappingError(e.kind.Name, "association "+a.Name+" has no owning side")
	}
	var items []any
	if _, pending := e.key.(pendingKey); !pending {
		stmt, err := query.Select("", a.Target.Name).Where(a.Inverse.ForeignKey, "owner").For(a.Target)
		if err != nil {
			return err
		}
		recs, err := u.store.Select(ctx, stmt, query.Params{"owner": e.key})
		if err != nil {
			return err
		}
		for _, rec := range recs {
			v, ok, err := u.adopt(ctx, a.Target, rec)
			if err != nil {
				return err
			}
			if ok {
				items = append(items, v)
			}
		}
	}

	if a.ToOne() {
		var target any
		if len(items) > 0 {
			target = items[0]
		}
		l.Fill(target)
		return nil
	}
	l.FillMany(items)
	return nil
}

// resolveJoin 多对多：读取关联行后逐个加载目标，已排队删除的目标跳过
func (u *UnitOfWork) resolveJoin(ctx context.Context, e *ManagedEntry, l *orm.Link, a *orm.AssociationMeta) error {
	var keys []any
	if _, pending := e.key.(pendingKey); !pending {
		var err error
		keys, err = u.store.LoadLinks(ctx, a.Join, e.key)
		if err != nil {
			return err
		}
	}
	items := make([]any, 0, len(keys))
	for _, k := range keys {
		v, err := u.load(ctx, a.Target, k)
		if errors.IsNotFound(err) {
			continue
		}
		if err != nil {
			return err
		}
		items = append(items, v)
	}
	if a.Owning {
		e.links[a.Name] = normalizeKeys(keys)
	}
	l.FillMany(items)
	return nil
}

func normalizeKeys(keys []any) []any {
	out := make([]any, len(keys))
	for i, k := range keys {
		out[i] = orm.NormalizeKey(k)
	}
	return out
}
