package session

import (
	"fmt"

	"gopersist/data/orm"
)

type entryStatus int

const (
	statusManaged entryStatus = iota
	statusPendingInsert
)

// pendingKey identity 策略实体在插入前使用的占位主键
type pendingKey struct {
	n int64
}

func (p pendingKey) String() string { return fmt.Sprintf("pending#%d", p.n) }

// ManagedEntry 工作单元中的一个受管实体
type ManagedEntry struct {
	kind   *orm.EntityKind
	entity any
	key    any
	status entryStatus

	// snapshot 最近一次加载或写出时的行
	snapshot orm.Record
	// links 拥有方多对多最近一次写出时的目标主键，按关联名
	links map[string][]any
	// forced 重新附加的实体在下一次刷新时无条件更新
	forced bool
}

func newEntry(kind *orm.EntityKind, entity, key any, status entryStatus) *ManagedEntry {
	return &ManagedEntry{kind: kind, entity: entity, key: key, status: status, links: make(map[string][]any)}
}

// Kind 实体类型
func (e *ManagedEntry) Kind() *orm.EntityKind { return e.kind }

// Entity 实体实例
func (e *ManagedEntry) Entity() any { return e.entity }

// Key 主键；待插入的 identity 实体为占位主键
func (e *ManagedEntry) Key() any { return e.key }

// PendingInsert 是否等待插入
func (e *ManagedEntry) PendingInsert() bool { return e.status == statusPendingInsert }
