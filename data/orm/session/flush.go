package session

import (
	"context"
	"reflect"

	"gopersist/data/orm"
	"gopersist/data/orm/changefeed"
	"gopersist/data/orm/store"
	"gopersist/errors"
	"gopersist/logging"
)

// Flush 把待执行的变更写入记录存储，依次为：插入（按外键依赖排序）、更新、
// 多对多关联行增量、删除（引用方先于被引用方）。
//
// 任一步失败返回 FLUSH_FAILURE（cause 为底层错误），工作单元进入 StateFailed，
// 之后只能回滚。
func (u *UnitOfWork) Flush(ctx context.Context) error {
	if err := u.checkOpen(); err != nil {
		return err
	}
	u.state = StateFlushing
	if err := u.flush(ctx); err != nil {
		u.state = StateFailed
		fields := []logging.Field{logging.Error(err)}
		if kind, ok := errors.Detail(err, "kind"); ok {
			fields = append(fields, logging.Any("kind", kind))
		}
		u.logger.Error(ctx, "flush failed", fields...)
		return errors.NewErrorWithCause(errors.ErrCodeFlushFailure, "刷新失败", err)
	}
	u.state = StateOpen
	return nil
}

func (u *UnitOfWork) flush(ctx context.Context) error {
	if err := u.cascadeReachable(ctx); err != nil {
		return err
	}
	inserted, err := u.flushInserts(ctx)
	if err != nil {
		return err
	}
	if err := u.flushUpdates(ctx, inserted); err != nil {
		return err
	}
	if err := u.flushLinks(ctx, inserted); err != nil {
		return err
	}
	return u.flushDeletes(ctx)
}

// cascadeReachable 从全部受管实体出发沿 cascade 关联 persist，新登记的实体也会被遍历
func (u *UnitOfWork) cascadeReachable(ctx context.Context) error {
	visiting := make(map[any]bool)
	for i := 0; i < len(u.imap.order); i++ {
		e := u.imap.order[i]
		if err := u.cascadePersist(ctx, e.kind, e.entity, visiting); err != nil {
			return err
		}
	}
	return nil
}

func (u *UnitOfWork) flushInserts(ctx context.Context) (map[*ManagedEntry]bool, error) {
	var pending []*ManagedEntry
	for _, e := range u.imap.Entries() {
		if e.status == statusPendingInsert {
			pending = append(pending, e)
		}
	}
	for _, e := range pending {
		if err := u.checkSelfReference(e); err != nil {
			return nil, err
		}
	}
	ordered, err := topoSort(pending, func(a, b *ManagedEntry) bool {
		return a != b && references(b, a.entity)
	})
	if err != nil {
		return nil, err
	}

	inserted := make(map[*ManagedEntry]bool, len(ordered))
	now := u.mgr.now()
	for _, e := range ordered {
		if err := e.kind.Touch(e.entity, now, true); err != nil {
			return nil, err
		}
		rec, err := e.kind.Record(e.entity)
		if err != nil {
			return nil, err
		}
		key, err := u.store.Insert(ctx, e.kind, rec)
		if err != nil {
			return nil, err
		}
		key = orm.NormalizeKey(key)
		if _, placeholder := e.key.(pendingKey); placeholder {
			if err := e.kind.SetKey(e.entity, key); err != nil {
				return nil, err
			}
			if err := u.imap.Rekey(e, key); err != nil {
				return nil, err
			}
		}
		e.status = statusManaged
		if e.snapshot, err = e.kind.Record(e.entity); err != nil {
			return nil, err
		}
		inserted[e] = true
		u.record(changefeed.OpInsert, e)
	}
	return inserted, nil
}

// checkSelfReference identity 实体引用自身时无法在插入前得到外键
func (u *UnitOfWork) checkSelfReference(e *ManagedEntry) error {
	if _, placeholder := e.key.(pendingKey); !placeholder {
		return nil
	}
	for _, a := range e.kind.Associations {
		if !a.OwningToOne() {
			continue
		}
		if l := orm.LinkOf(e.entity, a); l.Loaded() && l.Target() == e.entity {
			return orm.MappingError(e.kind.Name, "association "+a.Name+" references its own pending insert")
		}
	}
	return nil
}

// references e 的拥有方单值关联是否指向 target
func references(e *ManagedEntry, target any) bool {
	for _, a := range e.kind.Associations {
		if !a.OwningToOne() {
			continue
		}
		if l := orm.LinkOf(e.entity, a); l.Loaded() && l.Target() == target {
			return true
		}
	}
	return false
}

func (u *UnitOfWork) flushUpdates(ctx context.Context, inserted map[*ManagedEntry]bool) error {
	for _, e := range u.imap.Entries() {
		if inserted[e] || e.status != statusManaged {
			continue
		}
		rec, err := e.kind.Record(e.entity)
		if err != nil {
			return err
		}
		if !e.forced && reflect.DeepEqual(rec, e.snapshot) {
			continue
		}
		if e.kind.Stamped() {
			if err := e.kind.Touch(e.entity, u.mgr.now(), false); err != nil {
				return err
			}
			if rec, err = e.kind.Record(e.entity); err != nil {
				return err
			}
		}
		if err := u.store.Update(ctx, e.kind, e.key, rec); err != nil {
			return err
		}
		e.snapshot = rec
		e.forced = false
		u.record(changefeed.OpUpdate, e)
	}
	return nil
}

// flushLinks 写出拥有方多对多的增量：已加载的集合与基线比较，未加载的集合写出排队的变更
func (u *UnitOfWork) flushLinks(ctx context.Context, inserted map[*ManagedEntry]bool) error {
	for _, e := range u.imap.Entries() {
		for _, a := range e.kind.Associations {
			if !a.OwningManyToMany() {
				continue
			}
			l := orm.LinkOf(e.entity, a)
			if !l.Loaded() {
				if err := u.flushPendingLinks(ctx, e, a, l); err != nil {
					return err
				}
				continue
			}

			current, err := u.targetKeys(a, l.Items())
			if err != nil {
				return err
			}
			baseline, ok := e.links[a.Name]
			if !ok && !inserted[e] {
				if baseline, err = u.store.LoadLinks(ctx, a.Join, e.key); err != nil {
					return err
				}
				baseline = normalizeKeys(baseline)
			}
			for _, k := range baseline {
				if !containsKey(current, k) {
					if err := u.store.DeleteLink(ctx, a.Join, e.key, k); err != nil {
						return err
					}
				}
			}
			for _, k := range current {
				if !containsKey(baseline, k) {
					if err := u.store.InsertLink(ctx, a.Join, e.key, k); err != nil {
						return err
					}
				}
			}
			e.links[a.Name] = current
		}
	}
	return nil
}

func (u *UnitOfWork) flushPendingLinks(ctx context.Context, e *ManagedEntry, a *orm.AssociationMeta, l *orm.Link) error {
	adds, removes := l.Pending()
	removeKeys, err := u.targetKeys(a, removes)
	if err != nil {
		return err
	}
	addKeys, err := u.targetKeys(a, adds)
	if err != nil {
		return err
	}
	for _, k := range removeKeys {
		if err := u.store.DeleteLink(ctx, a.Join, e.key, k); err != nil {
			return err
		}
	}
	for _, k := range addKeys {
		err := u.store.InsertLink(ctx, a.Join, e.key, k)
		if err != nil && !errors.IsErrorCode(err, errors.ErrCodeDuplicateKey) {
			return err
		}
	}
	l.ClearPending()
	return nil
}

// targetKeys 集合元素的主键；未持久化的元素返回 orm.ErrTransientReference
func (u *UnitOfWork) targetKeys(a *orm.AssociationMeta, items []any) ([]any, error) {
	keys := make([]any, 0, len(items))
	for _, it := range items {
		if te, ok := u.imap.Lookup(it); ok {
			if _, placeholder := te.key.(pendingKey); !placeholder {
				keys = append(keys, te.key)
				continue
			}
		}
		k, ok := a.Target.KeyOf(it)
		if !ok {
			return nil, orm.ErrTransientReference.WithContext("kind", a.Target.Name).WithContext("association", a.Name)
		}
		keys = append(keys, k)
	}
	return keys, nil
}

func containsKey(keys []any, k any) bool {
	for _, cur := range keys {
		if store.ValueEqual(cur, k) {
			return true
		}
	}
	return false
}

func (u *UnitOfWork) flushDeletes(ctx context.Context) error {
	ordered, err := topoSort(u.deletes, func(a, b *ManagedEntry) bool {
		return a != b && snapshotReferences(a, b)
	})
	if err != nil {
		return err
	}
	for _, e := range ordered {
		for _, a := range e.kind.Associations {
			if a.Cardinality != orm.ManyToMany {
				continue
			}
			keys, err := u.store.LoadLinks(ctx, a.Join, e.key)
			if err != nil {
				return err
			}
			for _, k := range keys {
				if err := u.store.DeleteLink(ctx, a.Join, e.key, k); err != nil {
					return err
				}
			}
		}
		if err := u.store.Delete(ctx, e.kind, e.key); err != nil {
			return err
		}
		u.record(changefeed.OpDelete, e)
	}
	u.removed = make(map[mapKey]*ManagedEntry)
	u.deletes = nil
	return nil
}

// snapshotReferences 按加载时的外键判断 a 是否引用 b
func snapshotReferences(a, b *ManagedEntry) bool {
	for _, as := range a.kind.Associations {
		if !as.OwningToOne() || as.Target != b.kind {
			continue
		}
		if fk := a.snapshot[as.ForeignKey]; fk != nil && store.ValueEqual(fk, b.key) {
			return true
		}
	}
	return false
}

// topoSort 稳定拓扑排序：before(a, b) 表示 a 必须先于 b；存在环时返回错误
func topoSort(nodes []*ManagedEntry, before func(a, b *ManagedEntry) bool) ([]*ManagedEntry, error) {
	n := len(nodes)
	indegree := make([]int, n)
	edges := make([][]int, n)
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			if i != j && before(nodes[i], nodes[j]) {
				edges[i] = append(edges[i], j)
				indegree[j]++
			}
		}
	}

	out := make([]*ManagedEntry, 0, n)
	done := make([]bool, n)
	for len(out) < n {
		next := -1
		for i := 0; i < n; i++ {
			if !done[i] && indegree[i] == 0 {
				next = i
				break
			}
		}
		if next < 0 {
			return nil, errors.NewError(errors.ErrCodeConflict, "实体之间存在循环外键依赖").
				WithContext("kind", nodes[firstPending(done)].kind.Name)
		}
		done[next] = true
		out = append(out, nodes[next])
		for _, j := range edges[next] {
			indegree[j]--
		}
	}
	return out, nil
}

func firstPending(done []bool) int {
	for i, d := range done {
		if !d {
			return i
		}
	}
	return 0
}

func (u *UnitOfWork) record(op changefeed.Op, e *ManagedEntry) {
	u.changes = append(u.changes, changefeed.Change{Op: op, Kind: e.kind.Name, Key: e.key})
}
