// Package changefeed 在工作单元提交后发布变更集
package changefeed

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Op 变更类型
type Op string

const (
	OpInsert Op = "insert"
	OpUpdate Op = "update"
	OpDelete Op = "delete"
)

// Change 一行变更
type Change struct {
	Op   Op     `msgpack:"op"`
	Kind string `msgpack:"kind"`
	Key  any    `msgpack:"key"`
}

// ChangeSet 一次提交写出的全部变更，按写出顺序排列
type ChangeSet struct {
	ID          string    `msgpack:"id"`
	CommittedAt time.Time `msgpack:"committed_at"`
	Changes     []Change  `msgpack:"changes"`
}

// NewChangeSet 以新的 ID 与当前时间构造变更集
func NewChangeSet(changes []Change) ChangeSet {
	return ChangeSet{
		ID:          uuid.NewString(),
		CommittedAt: time.Now().UTC(),
		Changes:     append([]Change(nil), changes...),
	}
}

// Listener 接收已提交的变更集
type Listener interface {
	OnCommit(ctx context.Context, cs ChangeSet) error
}

// ListenerFunc 函数适配器
type ListenerFunc func(ctx context.Context, cs ChangeSet) error

func (f ListenerFunc) OnCommit(ctx context.Context, cs ChangeSet) error { return f(ctx, cs) }

// Recorder 在内存中记录收到的变更集
type Recorder struct {
	mu   sync.Mutex
	sets []ChangeSet
}

func (r *Recorder) OnCommit(ctx context.Context, cs ChangeSet) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sets = append(r.sets, cs)
	return nil
}

// ChangeSets 返回已记录的变更集副本
func (r *Recorder) ChangeSets() []ChangeSet {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]ChangeSet(nil), r.sets...)
}
