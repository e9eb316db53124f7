// Package memory 进程内记录存储，支持事务、关联行与命名语句
package memory

import (
	"context"
	"sync"

	"gopersist/data/orm"
	"gopersist/data/orm/query"
	"gopersist/data/orm/store"
	"gopersist/errors"
	"gopersist/logging"
)

// replay 事务提交时在共享状态上重放的写操作
type replay func(*state) error

// engine 是 Store 与 Tx 共享的读写实现
type engine struct {
	stmts *query.Registry
	read  func(func(*state) error) error
	write func(func(*state) (replay, error)) error
}

// Store 进程内记录存储
type Store struct {
	*engine
	mu     sync.RWMutex
	st     *state
	logger logging.Logger
}

// Option 配置 Store
type Option func(*Store)

// WithStatements 注入命名语句注册表，供 ExecuteNamed 使用
func WithStatements(r *query.Registry) Option {
	return func(s *Store) { s.stmts = r }
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

// New 创建空存储
func New(opts ...Option) *Store {
	s := &Store{st: newState(), engine: &engine{}}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = logging.ComponentLogger("orm.store.memory")
	}
	s.engine.read = func(fn func(*state) error) error {
		s.mu.RLock()
		defer s.mu.RUnlock()
		return fn(s.st)
	}
	s.engine.write = func(fn func(*state) (replay, error)) error {
		s.mu.Lock()
		defer s.mu.Unlock()
		_, err := fn(s.st)
		return err
	}
	return s
}

// Capabilities 全部能力
func (s *Store) Capabilities() orm.Capabilities {
	return orm.NewCapabilities(
		orm.CapabilityTransaction,
		orm.CapabilityLinks,
		orm.CapabilityNamedStatements,
		orm.CapabilityGeneratedKeys,
	)
}

// Begin 开启事务：事务在状态副本上执行，提交时把写操作重放到共享状态
func (s *Store) Begin(ctx context.Context) (store.ITx, error) {
	s.mu.RLock()
	snapshot := s.st.clone()
	s.mu.RUnlock()

	tx := &Tx{parent: s, st: snapshot, engine: &engine{stmts: s.stmts}}
	tx.engine.read = func(fn func(*state) error) error {
		tx.mu.Lock()
		defer tx.mu.Unlock()
		if tx.done {
			return orm.ErrTerminalState
		}
		return fn(tx.st)
	}
	tx.engine.write = func(fn func(*state) (replay, error)) error {
		tx.mu.Lock()
		defer tx.mu.Unlock()
		if tx.done {
			return orm.ErrTerminalState
		}
		op, err := fn(tx.st)
		if err != nil {
			return err
		}
		tx.log = append(tx.log, op)
		return nil
	}
	s.logger.Debug(ctx, "memory transaction started")
	return tx, nil
}

// Tx 内存事务
type Tx struct {
	*engine
	mu     sync.Mutex
	parent *Store
	st     *state
	log    []replay
	done   bool
}

// Commit 在共享状态的副本上重放写操作，全部成功后替换共享状态
func (t *Tx) Commit(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return orm.ErrTerminalState
	}
	t.done = true

	p := t.parent
	p.mu.Lock()
	defer p.mu.Unlock()

	next := p.st.clone()
	for _, op := range t.log {
		if err := op(next); err != nil {
			p.logger.Warn(ctx, "memory transaction conflict", logging.Error(err))
			return errors.NewErrorWithCause(errors.ErrCodeConflict, "事务提交冲突", err)
		}
	}
	p.st = next
	p.logger.Debug(ctx, "memory transaction committed", logging.Int("ops", len(t.log)))
	return nil
}

// Rollback 丢弃事务内的全部写操作
func (t *Tx) Rollback(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return orm.ErrTerminalState
	}
	t.done = true
	t.log = nil
	t.parent.logger.Debug(ctx, "memory transaction rolled back")
	return nil
}

// Capabilities 事务内不可嵌套
func (t *Tx) Capabilities() orm.Capabilities {
	return orm.NewCapabilities(orm.CapabilityLinks, orm.CapabilityNamedStatements, orm.CapabilityGeneratedKeys)
}

func (e *engine) Load(ctx context.Context, kind *orm.EntityKind, key any) (orm.Record, error) {
	var rec orm.Record
	err := e.read(func(st *state) error {
		var err error
		rec, err = st.load(kind, key)
		return err
	})
	return rec, err
}

func (e *engine) Insert(ctx context.Context, kind *orm.EntityKind, rec orm.Record) (any, error) {
	var key any
	err := e.write(func(st *state) (replay, error) {
		var err error
		key, err = st.insert(kind, rec)
		if err != nil {
			return nil, err
		}
		// 重放时使用已生成的主键
		fixed := rec.Clone()
		fixed[kind.PrimaryKey.Column] = key
		return func(st *state) error {
			_, err := st.insert(kind, fixed)
			return err
		}, nil
	})
	return key, err
}

func (e *engine) Update(ctx context.Context, kind *orm.EntityKind, key any, rec orm.Record) error {
	rec = rec.Clone()
	return e.write(func(st *state) (replay, error) {
		if err := st.update(kind, key, rec); err != nil {
			return nil, err
		}
		return func(st *state) error { return st.update(kind, key, rec) }, nil
	})
}

func (e *engine) Delete(ctx context.Context, kind *orm.EntityKind, key any) error {
	return e.write(func(st *state) (replay, error) {
		if err := st.delete(kind, key); err != nil {
			return nil, err
		}
		return func(st *state) error { return st.delete(kind, key) }, nil
	})
}

func (e *engine) ExecuteNamed(ctx context.Context, name string, params query.Params) (int64, error) {
	if e.stmts == nil {
		return 0, orm.ErrUnsupported.WithContext("statement", name)
	}
	stmt, err := e.stmts.Lookup(name)
	if err != nil {
		return 0, err
	}
	if stmt.Op == query.OpSelect {
		return 0, errors.NewValidationError("select statement cannot be executed: " + name)
	}
	bound, err := stmt.Bind(params)
	if err != nil {
		return 0, err
	}

	var n int64
	err = e.write(func(st *state) (replay, error) {
		var err error
		n, err = st.execute(stmt, bound)
		if err != nil {
			return nil, err
		}
		return func(st *state) error {
			_, err := st.execute(stmt, bound)
			return err
		}, nil
	})
	return n, err
}

func (e *engine) Select(ctx context.Context, stmt *query.Statement, params query.Params) ([]orm.Record, error) {
	if stmt.Op != query.OpSelect {
		return nil, errors.NewValidationError("not a select statement: " + stmt.Name)
	}
	bound, err := stmt.Bind(params)
	if err != nil {
		return nil, err
	}
	var out []orm.Record
	err = e.read(func(st *state) error {
		out = st.selectRows(stmt, bound)
		return nil
	})
	return out, err
}

func (e *engine) InsertLink(ctx context.Context, join orm.JoinTable, ownerKey, targetKey any) error {
	return e.write(func(st *state) (replay, error) {
		if err := st.insertLink(join, ownerKey, targetKey); err != nil {
			return nil, err
		}
		return func(st *state) error { return st.insertLink(join, ownerKey, targetKey) }, nil
	})
}

func (e *engine) DeleteLink(ctx context.Context, join orm.JoinTable, ownerKey, targetKey any) error {
	return e.write(func(st *state) (replay, error) {
		st.deleteLink(join, ownerKey, targetKey)
		return func(st *state) error {
			st.deleteLink(join, ownerKey, targetKey)
			return nil
		}, nil
	})
}

func (e *engine) LoadLinks(ctx context.Context, join orm.JoinTable, ownerKey any) ([]any, error) {
	var out []any
	err := e.read(func(st *state) error {
		out = st.loadLinks(join, ownerKey)
		return nil
	})
	return out, err
}
