package session

import (
	"context"
	"fmt"
	"time"

	"gopersist/data/orm"
	"gopersist/data/orm/changefeed"
	"gopersist/data/orm/query"
	"gopersist/data/orm/store"
	"gopersist/errors"
	"gopersist/logging"
)

// Manager 持有实体注册表、命名语句与记录存储，创建工作单元。
// Manager 可并发使用；每个工作单元只属于一个 goroutine。
type Manager struct {
	kinds     *orm.Registry
	stmts     *query.Registry
	store     store.IRecordStore
	logger    logging.Logger
	listeners []changefeed.Listener
	clock     func() time.Time
}

// Option 配置 Manager
type Option func(*Manager)

// WithStatements 使用命名语句注册表
func WithStatements(r *query.Registry) Option {
	return func(m *Manager) { m.stmts = r }
}

// WithLogger 设置日志
func WithLogger(l logging.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// WithClock 时间戳列使用的时钟，默认 time.Now
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.clock = now }
}

// WithListener 提交成功后通知变更集
func WithListener(l changefeed.Listener) Option {
	return func(m *Manager) { m.listeners = append(m.listeners, l) }
}

// NewManager 创建 Manager；kinds 为 nil 时使用新的注册表
func NewManager(kinds *orm.Registry, st store.IRecordStore, opts ...Option) *Manager {
	if kinds == nil {
		kinds = orm.NewRegistry()
	}
	m := &Manager{
		kinds: kinds,
		store: st,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.logger == nil {
		m.logger = logging.ComponentLogger("orm.session")
	}
	if m.clock == nil {
		m.clock = time.Now
	}
	return m
}

// now 去掉单调时钟并截断到微秒，与 DATETIME(6) 精度一致
func (m *Manager) now() time.Time {
	return m.clock().UTC().Truncate(time.Microsecond)
}

// Kinds 实体注册表
func (m *Manager) Kinds() *orm.Registry { return m.kinds }

// Store 记录存储
func (m *Manager) Store() store.IRecordStore { return m.store }

// RegisterKind 注册实体类型，必须在第一次 Begin 之前调用
func (m *Manager) RegisterKind(model any, opts ...orm.KindOption) (*orm.EntityKind, error) {
	return m.kinds.RegisterModel(model, opts...)
}

// Begin 开启工作单元。首次调用时封存实体与语句注册表；
// 存储支持事务时工作单元的全部读写都在同一事务中。
func (m *Manager) Begin(ctx context.Context) (*UnitOfWork, error) {
	if err := m.kinds.Seal(); err != nil {
		return nil, err
	}
	if m.stmts != nil {
		if err := m.stmts.Seal(m.kinds); err != nil {
			return nil, err
		}
	}

	if err := m.checkCapabilities(); err != nil {
		return nil, err
	}

	var tx store.ITx
	st := m.store
	if tr, ok := m.store.(store.ITransactional); ok && m.store.Capabilities().Supports(orm.CapabilityTransaction) {
		t, err := tr.Begin(ctx)
		if err != nil {
			return nil, err
		}
		tx, st = t, t
	}
	u := newUnitOfWork(m, st, tx)
	u.logger.Debug(ctx, "unit of work opened", logging.Bool("transactional", tx != nil))
	return u, nil
}

// checkCapabilities 已注册的映射必须落在存储能力之内
func (m *Manager) checkCapabilities() error {
	caps := m.store.Capabilities()
	missing := func(c orm.Capability, kind string) error {
		return orm.ErrUnsupported.WithContext("capability", string(c)).WithContext("kind", kind)
	}
	for _, k := range m.kinds.Kinds() {
		if k.Keys == orm.KeyIdentity && !caps.Supports(orm.CapabilityGeneratedKeys) {
			return missing(orm.CapabilityGeneratedKeys, k.Name)
		}
		for _, a := range k.Associations {
			if a.Cardinality == orm.ManyToMany && !caps.Supports(orm.CapabilityLinks) {
				return missing(orm.CapabilityLinks, k.Name)
			}
		}
	}
	if m.stmts != nil && len(m.stmts.Names()) > 0 && !caps.Supports(orm.CapabilityNamedStatements) {
		return orm.ErrUnsupported.WithContext("capability", string(orm.CapabilityNamedStatements))
	}
	return nil
}

// Within 在工作单元中执行 fn：返回 nil 时提交，返回错误或 panic 时回滚
func (m *Manager) Within(ctx context.Context, fn func(ctx context.Context, u *UnitOfWork) error) (err error) {
	u, err := m.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if p := recover(); p != nil {
			if rbErr := u.Rollback(ctx); rbErr != nil {
				u.logger.Error(ctx, "rollback after panic failed", logging.Error(rbErr))
			}
			panic(p)
		}
	}()

	if err := fn(ctx, u); err != nil {
		if !u.state.Terminal() {
			if rbErr := u.Rollback(ctx); rbErr != nil {
				u.logger.Error(ctx, "rollback failed", logging.Error(rbErr))
			}
		}
		return err
	}
	if u.state.Terminal() {
		return nil
	}
	if err := u.Commit(ctx); err != nil {
		if !u.state.Terminal() {
			if rbErr := u.Rollback(ctx); rbErr != nil {
				u.logger.Error(ctx, "rollback after failed commit failed", logging.Error(rbErr))
			}
		}
		return err
	}
	return nil
}

// Commit 刷新并提交事务，之后工作单元进入 StateCommitted，受管实例全部变为游离。
// 监听器失败不影响已提交的数据，返回 DEPENDENCY_ERROR。
func (u *UnitOfWork) Commit(ctx context.Context) error {
	if u.state.Terminal() || u.state == StateFailed {
		return orm.ErrTerminalState.WithContext("state", u.state.String())
	}
	if err := u.Flush(ctx); err != nil {
		return err
	}
	if u.tx != nil {
		if err := u.tx.Commit(ctx); err != nil {
			u.state = StateRolledBack
			u.release()
			u.logger.Error(ctx, "commit failed", logging.Error(err))
			return err
		}
	}
	u.state = StateCommitted
	u.release()
	u.logger.Debug(ctx, "unit of work committed", logging.Int("changes", len(u.changes)))
	return u.notify(ctx)
}

func (u *UnitOfWork) notify(ctx context.Context) error {
	if len(u.changes) == 0 || len(u.mgr.listeners) == 0 {
		return nil
	}
	cs := changefeed.NewChangeSet(u.changes)
	u.changes = nil
	var failed []error
	for _, l := range u.mgr.listeners {
		if err := l.OnCommit(ctx, cs); err != nil {
			u.logger.Warn(ctx, "commit listener failed", logging.String("changeset", cs.ID), logging.Error(err))
			failed = append(failed, err)
		}
	}
	if len(failed) > 0 {
		return errors.NewErrorWithCause(errors.ErrCodeDependency,
			fmt.Sprintf("%d 个提交监听器失败", len(failed)), failed[0])
	}
	return nil
}

// Rollback 丢弃全部变更并回滚事务。Failed 状态下同样可以回滚。
func (u *UnitOfWork) Rollback(ctx context.Context) error {
	if u.state.Terminal() {
		return orm.ErrTerminalState.WithContext("state", u.state.String())
	}
	u.state = StateRolledBack
	u.release()
	u.changes = nil
	if u.tx != nil {
		if err := u.tx.Rollback(ctx); err != nil {
			u.logger.Error(ctx, "rollback failed", logging.Error(err))
			return err
		}
	}
	u.logger.Debug(ctx, "unit of work rolled back")
	return nil
}

// Close 结束尚未提交的工作单元（回滚），已结束时忽略
func (u *UnitOfWork) Close(ctx context.Context) error {
	if u.state.Terminal() {
		return nil
	}
	u.logger.Warn(ctx, "closing unit of work without commit, rolling back", logging.String("state", u.state.String()))
	return u.Rollback(ctx)
}
