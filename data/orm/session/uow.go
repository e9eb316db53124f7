// Package session 实现持久化上下文：身份映射、工作单元、延迟关联与事务边界
//
// 工作单元在内存中登记加载与新建的实体，Flush 时比较快照得出需要写出的行，
// 按外键依赖顺序调用记录存储。工作单元只能在单个 goroutine 中使用。
package session

import (
	"context"
	"reflect"

	"github.com/google/uuid"

	"gopersist/data/orm"
	"gopersist/data/orm/changefeed"
	"gopersist/data/orm/store"
	"gopersist/errors"
	"gopersist/logging"
)

// State 工作单元状态
type State int

const (
	StateOpen State = iota
	StateFlushing
	StateFailed
	StateCommitted
	StateRolledBack
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateFlushing:
		return "flushing"
	case StateFailed:
		return "failed"
	case StateCommitted:
		return "committed"
	case StateRolledBack:
		return "rolled_back"
	}
	return "unknown"
}

// Terminal 是否为终止状态
func (s State) Terminal() bool {
	return s == StateCommitted || s == StateRolledBack
}

// UnitOfWork 持久化上下文
type UnitOfWork struct {
	id     string
	mgr    *Manager
	store  store.IRecordStore
	tx     store.ITx
	logger logging.Logger

	imap  *IdentityMap
	state State

	// 已排队删除的条目，按 Remove 顺序
	removed map[mapKey]*ManagedEntry
	deletes []*ManagedEntry

	placeholders int64
	changes      []changefeed.Change
}

var _ orm.Resolver = (*UnitOfWork)(nil)

func newUnitOfWork(m *Manager, st store.IRecordStore, tx store.ITx) *UnitOfWork {
	id := uuid.NewString()
	return &UnitOfWork{
		id:      id,
		mgr:     m,
		store:   st,
		tx:      tx,
		logger:  m.logger.WithFields(logging.String("uow", id)),
		imap:    NewIdentityMap(),
		removed: make(map[mapKey]*ManagedEntry),
	}
}

// ID 工作单元标识，用于日志关联
func (u *UnitOfWork) ID() string { return u.id }

// State 当前状态
func (u *UnitOfWork) State() State { return u.state }

// IdentityMap 返回身份映射（只读使用）
func (u *UnitOfWork) IdentityMap() *IdentityMap { return u.imap }

func (u *UnitOfWork) checkOpen() error {
	if u.state != StateOpen {
		return orm.ErrTerminalState.WithContext("state", u.state.String())
	}
	return nil
}

func (u *UnitOfWork) kindOf(entity any) (*orm.EntityKind, error) {
	kind, err := u.mgr.kinds.KindFor(entity)
	if err != nil {
		return nil, err
	}
	if !kind.Owns(entity) || reflect.ValueOf(entity).IsNil() {
		return nil, orm.MappingError(kind.Name, "entity must be a non-nil pointer")
	}
	return kind, nil
}

// Contains 实例是否受当前工作单元管理
func (u *UnitOfWork) Contains(entity any) bool {
	_, ok := u.imap.Lookup(entity)
	return ok
}

// KeyOf 返回受管实例的主键；待插入的 identity 实体返回 ok=false
func (u *UnitOfWork) KeyOf(entity any) (any, bool) {
	e, ok := u.imap.Lookup(entity)
	if !ok {
		return nil, false
	}
	if _, pending := e.key.(pendingKey); pending {
		return nil, false
	}
	return e.key, true
}

// Load 按主键加载实体。同一工作单元内重复加载返回同一实例；
// 已排队删除或存储中不存在时返回 orm.ErrNotFound，且不登记条目。
func (u *UnitOfWork) Load(ctx context.Context, kindName string, key any) (any, error) {
	if err := u.checkOpen(); err != nil {
		return nil, err
	}
	kind, err := u.mgr.kinds.Describe(kindName)
	if err != nil {
		return nil, err
	}
	return u.load(ctx, kind, key)
}

func (u *UnitOfWork) load(ctx context.Context, kind *orm.EntityKind, key any) (any, error) {
	key = orm.NormalizeKey(key)
	if orm.IsZeroKey(key) {
		return nil, orm.NotFound(kind.Name, key)
	}
	if _, gone := u.removed[keyOf(kind, key)]; gone {
		return nil, orm.NotFound(kind.Name, key)
	}

	var rec orm.Record
	e, created, err := u.imap.GetOrCreate(kind, key, func() (*ManagedEntry, error) {
		var err error
		rec, err = u.store.Load(ctx, kind, key)
		if err != nil {
			return nil, err
		}
		return u.materialize(kind, key, rec)
	})
	if err != nil {
		return nil, err
	}
	if created {
		if err := u.attach(ctx, e, rec); err != nil {
			u.imap.Remove(kind, key)
			return nil, err
		}
	}
	return e.entity, nil
}

// adopt 把查询得到的行并入身份映射；已受管的实例保持不变
func (u *UnitOfWork) adopt(ctx context.Context, kind *orm.EntityKind, rec orm.Record) (any, bool, error) {
	key := orm.NormalizeKey(rec[kind.PrimaryKey.Column])
	if _, gone := u.removed[keyOf(kind, key)]; gone {
		return nil, false, nil
	}
	e, created, err := u.imap.GetOrCreate(kind, key, func() (*ManagedEntry, error) {
		return u.materialize(kind, key, rec)
	})
	if err != nil {
		return nil, false, err
	}
	if created {
		if err := u.attach(ctx, e, rec); err != nil {
			u.imap.Remove(kind, key)
			return nil, false, err
		}
	}
	return e.entity, true, nil
}

func (u *UnitOfWork) materialize(kind *orm.EntityKind, key any, rec orm.Record) (*ManagedEntry, error) {
	entity := kind.New()
	if err := kind.Apply(entity, rec); err != nil {
		return nil, err
	}
	if err := kind.SetKey(entity, key); err != nil {
		return nil, err
	}
	return newEntry(kind, entity, key, statusManaged), nil
}

// attach 绑定关联到当前工作单元，解析 eager 关联，并记录快照。
// 条目需已登记在身份映射中，循环引用由此终止。
func (u *UnitOfWork) attach(ctx context.Context, e *ManagedEntry, rec orm.Record) error {
	for _, a := range e.kind.Associations {
		l := orm.LinkOf(e.entity, a)
		l.Reset()
		l.Bind(u, e.entity, a)
		if a.OwningToOne() {
			l.SetForeignKey(rec[a.ForeignKey])
		}
	}
	for _, a := range e.kind.Associations {
		if a.Fetch != orm.FetchEager {
			continue
		}
		if err := orm.LinkOf(e.entity, a).Resolve(ctx); err != nil {
			return err
		}
	}
	snap, err := e.kind.Record(e.entity)
	if err != nil {
		return err
	}
	e.snapshot = snap
	e.forced = false
	return nil
}

// Persist 使瞬态实例受管并排队插入；之后对实例的修改在 Flush 时写出。
//
// 已带主键的实例：assigned 策略且存储中不存在时排队插入；
// 否则视为游离实例重新附加，下次 Flush 无条件更新。
// 主键已被另一实例占用时返回 orm.ErrEntityAlreadyExists。
func (u *UnitOfWork) Persist(ctx context.Context, entity any) error {
	if err := u.checkOpen(); err != nil {
		return err
	}
	return u.persist(ctx, entity, make(map[any]bool))
}

func (u *UnitOfWork) persist(ctx context.Context, entity any, visiting map[any]bool) error {
	if visiting[entity] {
		return nil
	}
	visiting[entity] = true

	kind, err := u.kindOf(entity)
	if err != nil {
		return err
	}

	if err := u.cascadePersist(ctx, kind, entity, visiting); err != nil {
		return err
	}

	if _, ok := u.imap.Lookup(entity); ok {
		return nil
	}
	if e := u.removedEntry(entity); e != nil {
		// 撤销删除
		delete(u.removed, keyOf(e.kind, e.key))
		u.dropDelete(e)
		e.forced = true
		return u.imap.Put(e)
	}

	key, hasKey := kind.KeyOf(entity)
	if !hasKey {
		switch kind.Keys {
		case orm.KeyGenerated:
			key, err = kind.Generator.NextKey(ctx)
			if err != nil {
				return errors.WrapError(err, errors.ErrCodeInternal, "生成主键失败")
			}
			if err := kind.SetKey(entity, key); err != nil {
				return err
			}
			key = orm.NormalizeKey(key)
		case orm.KeyIdentity:
			u.placeholders++
			key = pendingKey{n: u.placeholders}
		default:
			return orm.MappingError(kind.Name, "assigned primary key is required")
		}
		u.logger.Debug(ctx, "persist queued insert", logging.String("kind", kind.Name), logging.Any("key", key))
		return u.imap.Put(newEntry(kind, entity, key, statusPendingInsert))
	}

	if _, ok := u.imap.Get(kind, key); ok {
		return orm.ErrEntityAlreadyExists.WithContext("kind", kind.Name).WithContext("key", key)
	}
	if _, gone := u.removed[keyOf(kind, key)]; gone {
		return orm.ErrEntityAlreadyExists.WithContext("kind", kind.Name).WithContext("key", key)
	}

	if kind.Keys == orm.KeyAssigned {
		_, err := u.store.Load(ctx, kind, key)
		if errors.IsNotFound(err) {
			return u.imap.Put(newEntry(kind, entity, key, statusPendingInsert))
		}
		if err != nil {
			return err
		}
	}

	// 游离实例重新附加
	e := newEntry(kind, entity, key, statusManaged)
	e.forced = true
	for _, a := range kind.Associations {
		if l := orm.LinkOf(entity, a); !l.Loaded() {
			l.Bind(u, entity, a)
		}
	}
	u.logger.Debug(ctx, "persist reattached detached entity", logging.String("kind", kind.Name), logging.Any("key", key))
	return u.imap.Put(e)
}

// cascadePersist 对 cascade 关联中已加载的瞬态或游离对象先执行 persist
func (u *UnitOfWork) cascadePersist(ctx context.Context, kind *orm.EntityKind, entity any, visiting map[any]bool) error {
	for _, a := range kind.Associations {
		if !a.CascadePersist {
			continue
		}
		for _, target := range loadedTargets(entity, a) {
			if err := u.persist(ctx, target, visiting); err != nil {
				return err
			}
		}
	}
	return nil
}

// loadedTargets 关联当前持有的对象（不触发加载）
func loadedTargets(entity any, a *orm.AssociationMeta) []any {
	l := orm.LinkOf(entity, a)
	if l == nil {
		return nil
	}
	if a.ToOne() {
		if !l.Loaded() || l.Target() == nil {
			return nil
		}
		return []any{l.Target()}
	}
	if l.Loaded() {
		return l.Items()
	}
	adds, _ := l.Pending()
	return append([]any(nil), adds...)
}

func (u *UnitOfWork) removedEntry(entity any) *ManagedEntry {
	for _, e := range u.deletes {
		if e.entity == entity {
			return e
		}
	}
	return nil
}

func (u *UnitOfWork) dropDelete(e *ManagedEntry) {
	for i, cur := range u.deletes {
		if cur == e {
			u.deletes = append(u.deletes[:i], u.deletes[i+1:]...)
			return
		}
	}
}

// Merge 把实例的状态复制到同主键的受管实例上并返回受管实例，传入的实例保持不变。
// 受管实例不在身份映射中时先加载；存储中不存在或实例为瞬态时创建新的受管副本并排队插入。
func (u *UnitOfWork) Merge(ctx context.Context, entity any) (any, error) {
	if err := u.checkOpen(); err != nil {
		return nil, err
	}
	return u.merge(ctx, entity, make(map[any]any))
}

func (u *UnitOfWork) merge(ctx context.Context, entity any, merged map[any]any) (any, error) {
	if m, ok := merged[entity]; ok {
		return m, nil
	}
	kind, err := u.kindOf(entity)
	if err != nil {
		return nil, err
	}
	if _, ok := u.imap.Lookup(entity); ok {
		merged[entity] = entity
		return entity, nil
	}
	if u.removedEntry(entity) != nil {
		return nil, orm.ErrNotManaged.WithContext("kind", kind.Name).WithContext("reason", "entity is scheduled for removal")
	}

	key, hasKey := kind.KeyOf(entity)
	if hasKey {
		if _, gone := u.removed[keyOf(kind, key)]; gone {
			return nil, orm.ErrNotManaged.WithContext("kind", kind.Name).WithContext("reason", "entity is scheduled for removal")
		}
		rep, err := u.load(ctx, kind, key)
		switch {
		case err == nil:
			merged[entity] = rep
			if err := u.copyState(ctx, kind, rep, entity, merged); err != nil {
				return nil, err
			}
			return rep, nil
		case !errors.IsNotFound(err):
			return nil, err
		}
	}

	// 新的受管副本
	cp := kind.New()
	merged[entity] = cp
	if err := u.copyState(ctx, kind, cp, entity, merged); err != nil {
		return nil, err
	}
	if hasKey {
		// 存储中不存在的游离实例按原主键插入
		return cp, u.imap.Put(newEntry(kind, cp, key, statusPendingInsert))
	}
	if err := u.persist(ctx, cp, make(map[any]bool)); err != nil {
		return nil, err
	}
	return cp, nil
}

// copyState 复制标量字段与拥有方关联；关联对象替换为其受管实例
func (u *UnitOfWork) copyState(ctx context.Context, kind *orm.EntityKind, dst, src any, merged map[any]any) error {
	if err := kind.CopyFields(dst, src); err != nil {
		return err
	}
	for _, a := range kind.Associations {
		if !a.Owning {
			continue
		}
		sl, dl := orm.LinkOf(src, a), orm.LinkOf(dst, a)

		if a.ToOne() {
			if !sl.Loaded() {
				fk, _ := sl.ForeignKey()
				dl.MarkUnloaded()
				dl.Bind(u, dst, a)
				dl.SetForeignKey(fk)
				continue
			}
			var target any
			if t := sl.Target(); t != nil {
				m, err := u.managedFor(ctx, a, t, merged)
				if err != nil {
					return err
				}
				target = m
			}
			dl.SetTarget(target)
			continue
		}

		if sl.Loaded() {
			items := make([]any, 0, len(sl.Items()))
			for _, it := range sl.Items() {
				m, err := u.managedFor(ctx, a, it, merged)
				if err != nil {
					return err
				}
				items = append(items, m)
			}
			dl.SetItems(items)
			continue
		}
		adds, removes := sl.Pending()
		for _, it := range removes {
			m, err := u.managedFor(ctx, a, it, merged)
			if err != nil {
				return err
			}
			dl.Remove(m)
		}
		for _, it := range adds {
			m, err := u.managedFor(ctx, a, it, merged)
			if err != nil {
				return err
			}
			dl.Add(m)
		}
	}
	return nil
}

// managedFor 返回关联对象在当前工作单元中的受管实例
func (u *UnitOfWork) managedFor(ctx context.Context, a *orm.AssociationMeta, target any, merged map[any]any) (any, error) {
	if a.CascadePersist {
		return u.merge(ctx, target, merged)
	}
	if _, ok := u.imap.Lookup(target); ok {
		return target, nil
	}
	key, ok := a.Target.KeyOf(target)
	if !ok {
		return nil, orm.ErrTransientReference.WithContext("kind", a.Target.Name).WithContext("association", a.Name)
	}
	return u.load(ctx, a.Target, key)
}

// Remove 排队删除受管实例并立即移出身份映射；待插入的实例直接取消插入。
// 实例必须是当前工作单元管理的同一指针，否则返回 orm.ErrNotManaged。
func (u *UnitOfWork) Remove(ctx context.Context, entity any) error {
	if err := u.checkOpen(); err != nil {
		return err
	}
	e, ok := u.imap.Lookup(entity)
	if !ok {
		return orm.ErrNotManaged.WithContext("operation", "remove")
	}
	u.imap.Remove(e.kind, e.key)
	if e.status == statusPendingInsert {
		u.logger.Debug(ctx, "remove cancelled pending insert", logging.String("kind", e.kind.Name))
		return nil
	}
	u.removed[keyOf(e.kind, e.key)] = e
	u.deletes = append(u.deletes, e)
	u.logger.Debug(ctx, "remove queued delete", logging.String("kind", e.kind.Name), logging.Any("key", e.key))
	return nil
}

// Detach 停止管理实例并丢弃其待执行操作；未受管的实例忽略
func (u *UnitOfWork) Detach(ctx context.Context, entity any) error {
	if err := u.checkOpen(); err != nil {
		return err
	}
	if e, ok := u.imap.Lookup(entity); ok {
		u.imap.Remove(e.kind, e.key)
		return nil
	}
	if e := u.removedEntry(entity); e != nil {
		delete(u.removed, keyOf(e.kind, e.key))
		u.dropDelete(e)
	}
	return nil
}

// Refresh 从存储重新加载受管实例，覆盖未写出的修改。
// 待插入的实例返回 orm.ErrNotManaged；存储中已不存在时移出身份映射并返回 orm.ErrNotFound。
func (u *UnitOfWork) Refresh(ctx context.Context, entity any) error {
	if err := u.checkOpen(); err != nil {
		return err
	}
	e, ok := u.imap.Lookup(entity)
	if !ok {
		return orm.ErrNotManaged.WithContext("operation", "refresh")
	}
	if e.status == statusPendingInsert {
		return orm.ErrNotManaged.WithContext("operation", "refresh").WithContext("reason", "pending insert")
	}
	rec, err := u.store.Load(ctx, e.kind, e.key)
	if errors.IsNotFound(err) {
		u.imap.Remove(e.kind, e.key)
		return err
	}
	if err != nil {
		return err
	}
	if err := e.kind.Apply(e.entity, rec); err != nil {
		return err
	}
	e.links = make(map[string][]any)
	return u.attach(ctx, e, rec)
}

// Clear 停止管理全部实例，丢弃所有待执行操作
func (u *UnitOfWork) Clear(ctx context.Context) error {
	if err := u.checkOpen(); err != nil {
		return err
	}
	u.release()
	u.logger.Debug(ctx, "unit of work cleared")
	return nil
}

func (u *UnitOfWork) release() {
	u.imap.Reset()
	u.removed = make(map[mapKey]*ManagedEntry)
	u.deletes = nil
}
