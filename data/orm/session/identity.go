package session

import (
	"gopersist/data/orm"
)

type mapKey struct {
	kind string
	key  any
}

func keyOf(kind *orm.EntityKind, key any) mapKey {
	if _, ok := key.(pendingKey); ok {
		return mapKey{kind: kind.Name, key: key}
	}
	return mapKey{kind: kind.Name, key: orm.NormalizeKey(key)}
}

// IdentityMap (实体类型, 主键) 到受管实体的映射。
// 同一工作单元内每个主键至多对应一个实例。非并发安全，归属单个工作单元。
type IdentityMap struct {
	byKey      map[mapKey]*ManagedEntry
	byInstance map[any]*ManagedEntry
	order      []*ManagedEntry
}

// NewIdentityMap 创建空映射
func NewIdentityMap() *IdentityMap {
	return &IdentityMap{
		byKey:      make(map[mapKey]*ManagedEntry),
		byInstance: make(map[any]*ManagedEntry),
	}
}

// Get 按主键查找
func (m *IdentityMap) Get(kind *orm.EntityKind, key any) (*ManagedEntry, bool) {
	e, ok := m.byKey[keyOf(kind, key)]
	return e, ok
}

// Lookup 按实例指针查找
func (m *IdentityMap) Lookup(entity any) (*ManagedEntry, bool) {
	if entity == nil {
		return nil, false
	}
	e, ok := m.byInstance[entity]
	return e, ok
}

// GetOrCreate 已存在时原样返回；否则调用 loader 并登记结果。
// loader 返回错误（包括 NotFound）时不登记任何条目。
func (m *IdentityMap) GetOrCreate(kind *orm.EntityKind, key any, loader func() (*ManagedEntry, error)) (entry *ManagedEntry, created bool, err error) {
	if e, ok := m.Get(kind, key); ok {
		return e, false, nil
	}
	e, err := loader()
	if err != nil {
		return nil, false, err
	}
	if err := m.Put(e); err != nil {
		return nil, false, err
	}
	return e, true, nil
}

// Put 登记条目；主键已被其他实例占用时返回 DuplicateKey
func (m *IdentityMap) Put(e *ManagedEntry) error {
	k := keyOf(e.kind, e.key)
	if cur, ok := m.byKey[k]; ok {
		if cur.entity == e.entity {
			return nil
		}
		return orm.ErrDuplicateKey.WithContext("kind", e.kind.Name).WithContext("key", e.key)
	}
	if cur, ok := m.byInstance[e.entity]; ok && cur != e {
		return orm.ErrDuplicateKey.WithContext("kind", e.kind.Name).WithContext("reason", "instance already registered")
	}
	m.byKey[k] = e
	m.byInstance[e.entity] = e
	m.order = append(m.order, e)
	return nil
}

// Remove 移除条目，之后该主键视为不存在
func (m *IdentityMap) Remove(kind *orm.EntityKind, key any) (*ManagedEntry, bool) {
	k := keyOf(kind, key)
	e, ok := m.byKey[k]
	if !ok {
		return nil, false
	}
	delete(m.byKey, k)
	delete(m.byInstance, e.entity)
	for i, cur := range m.order {
		if cur == e {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
	return e, true
}

// Rekey 插入后用存储生成的主键替换占位主键
func (m *IdentityMap) Rekey(e *ManagedEntry, key any) error {
	key = orm.NormalizeKey(key)
	newKey := keyOf(e.kind, key)
	if cur, ok := m.byKey[newKey]; ok && cur != e {
		return orm.ErrDuplicateKey.WithContext("kind", e.kind.Name).WithContext("key", key)
	}
	delete(m.byKey, keyOf(e.kind, e.key))
	e.key = key
	m.byKey[newKey] = e
	return nil
}

// Entries 按登记顺序返回全部条目
func (m *IdentityMap) Entries() []*ManagedEntry {
	return append([]*ManagedEntry(nil), m.order...)
}

// Len 条目数
func (m *IdentityMap) Len() int { return len(m.order) }

// Reset 清空
func (m *IdentityMap) Reset() {
	m.byKey = make(map[mapKey]*ManagedEntry)
	m.byInstance = make(map[any]*ManagedEntry)
	m.order = nil
}
