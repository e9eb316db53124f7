package session

import (
	"context"
	stdErrors "errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gopersist/data/orm"
	"gopersist/data/orm/changefeed"
	"gopersist/data/orm/query"
	"gopersist/data/orm/store"
	"gopersist/data/orm/store/memory"
	"gopersist/errors"
	"gopersist/logging"
)

// newTxManager 使用支持事务的内存存储
func newTxManager(t *testing.T, opts ...Option) (*Manager, *memory.Store) {
	t.Helper()
	kinds := orm.NewRegistry()
	registerModels(t, kinds)
	stmts := newStatements()
	st := memory.New(memory.WithStatements(stmts))
	opts = append([]Option{WithStatements(stmts), WithLogger(logging.NewNoopLogger())}, opts...)
	return NewManager(kinds, st, opts...), st
}

func courseKind(t *testing.T, m *Manager) *orm.EntityKind {
	t.Helper()
	k, err := m.Kinds().Describe("Course")
	require.NoError(t, err)
	return k
}

// TestManager_Within 测试 Within 按返回值提交或回滚
func TestManager_Within(t *testing.T) {
	ctx := context.Background()
	m, st := newTxManager(t)

	var id int64
	err := m.Within(ctx, func(ctx context.Context, u *UnitOfWork) error {
		c := &Course{Name: "committed"}
		if err := u.Persist(ctx, c); err != nil {
			return err
		}
		if err := u.Flush(ctx); err != nil {
			return err
		}
		id = c.ID
		return nil
	})
	require.NoError(t, err)
	rec, err := st.Load(ctx, courseKind(t, m), id)
	require.NoError(t, err)
	assert.Equal(t, "committed", rec["name"])

	t.Run("返回错误时回滚", func(t *testing.T) {
		boom := stdErrors.New("boom")
		var seen *UnitOfWork
		err := m.Within(ctx, func(ctx context.Context, u *UnitOfWork) error {
			seen = u
			c := &Course{Name: "rolled back"}
			if err := u.Persist(ctx, c); err != nil {
				return err
			}
			if err := u.Flush(ctx); err != nil {
				return err
			}
			return boom
		})
		assert.ErrorIs(t, err, boom)
		assert.Equal(t, StateRolledBack, seen.State())

		rows, err := st.Select(ctx, mustLookup(t, m, "Course.byName"), query.Params{"name": "rolled back"})
		require.NoError(t, err)
		assert.Empty(t, rows)
	})

	t.Run("panic 时回滚并继续抛出", func(t *testing.T) {
		var seen *UnitOfWork
		assert.PanicsWithValue(t, "kaboom", func() {
			_ = m.Within(ctx, func(ctx context.Context, u *UnitOfWork) error {
				seen = u
				if err := u.Persist(ctx, &Course{Name: "panicked"}); err != nil {
					return err
				}
				if err := u.Flush(ctx); err != nil {
					return err
				}
				panic("kaboom")
			})
		})
		assert.Equal(t, StateRolledBack, seen.State())
		rows, err := st.Select(ctx, mustLookup(t, m, "Course.byName"), query.Params{"name": "panicked"})
		require.NoError(t, err)
		assert.Empty(t, rows)
	})

	t.Run("刷新失败时回滚", func(t *testing.T) {
		err := m.Within(ctx, func(ctx context.Context, u *UnitOfWork) error {
			r := &Review{Rating: "3"}
			r.Course.Set(&Course{Name: "transient"})
			return u.Persist(ctx, r)
		})
		assert.True(t, stdErrors.Is(err, orm.ErrFlushFailure))
	})
}

func mustLookup(t *testing.T, m *Manager, name string) *query.Statement {
	t.Helper()
	stmt, err := m.stmts.Lookup(name)
	require.NoError(t, err)
	return stmt
}

// TestManager_RegisterKindAfterBegin 测试开始工作单元后禁止注册实体
func TestManager_RegisterKindAfterBegin(t *testing.T) {
	ctx := context.Background()
	m, _ := newTxManager(t)
	u, err := m.Begin(ctx)
	require.NoError(t, err)
	defer u.Close(ctx)

	type Late struct{ ID int64 }
	_, err = m.RegisterKind(Late{})
	assert.Error(t, err)
}

// TestManager_ListenerNotified 测试提交后通知监听器
func TestManager_ListenerNotified(t *testing.T) {
	ctx := context.Background()
	rec := &changefeed.Recorder{}
	m, _ := newTxManager(t, WithListener(rec))

	var id int64
	require.NoError(t, m.Within(ctx, func(ctx context.Context, u *UnitOfWork) error {
		c := &Course{Name: "Arts"}
		if err := u.Persist(ctx, c); err != nil {
			return err
		}
		if err := u.Flush(ctx); err != nil {
			return err
		}
		id = c.ID
		c.Name = "Fine Arts"
		return nil
	}))

	sets := rec.ChangeSets()
	require.Len(t, sets, 1)
	assert.NotEmpty(t, sets[0].ID)
	assert.Equal(t, []changefeed.Change{
		{Op: changefeed.OpInsert, Kind: "Course", Key: id},
		{Op: changefeed.OpUpdate, Kind: "Course", Key: id},
	}, sets[0].Changes)

	// 只读的工作单元不通知
	require.NoError(t, m.Within(ctx, func(ctx context.Context, u *UnitOfWork) error {
		_, err := u.Load(ctx, "Course", id)
		return err
	}))
	assert.Len(t, rec.ChangeSets(), 1)
}

// TestManager_ListenerFailure 测试监听器失败时数据仍已提交并返回依赖错误
func TestManager_ListenerFailure(t *testing.T) {
	ctx := context.Background()
	failing := changefeed.ListenerFunc(func(ctx context.Context, cs changefeed.ChangeSet) error {
		return stdErrors.New("broker down")
	})
	m, st := newTxManager(t, WithListener(failing))

	u, err := m.Begin(ctx)
	require.NoError(t, err)
	c := &Course{Name: "kept"}
	require.NoError(t, u.Persist(ctx, c))

	err = u.Commit(ctx)
	assert.True(t, errors.IsErrorCode(err, errors.ErrCodeDependency))
	assert.Equal(t, StateCommitted, u.State(), "数据已提交")
	_, err = st.Load(ctx, courseKind(t, m), c.ID)
	assert.NoError(t, err)
}

// TestUnitOfWork_CloseRollsBack 测试未提交的工作单元关闭时回滚
func TestUnitOfWork_CloseRollsBack(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	u, err := f.mgr.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, u.Persist(ctx, &Course{Name: "abandoned"}))

	require.NoError(t, u.Close(ctx))
	assert.Equal(t, StateRolledBack, u.State())
	assert.Empty(t, f.store.Calls())
	assert.Len(t, f.logger.EntriesAt(logging.WarnLevel), 1)
}

// TestManyToMany 测试多对多关联的写入与移除
func TestManyToMany(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seed(t, "Student", orm.Record{"id": 1, "name": "Adam"})
	f.seed(t, "Course", orm.Record{"id": 1, "name": "Microservices"})
	f.seed(t, "Course", orm.Record{"id": 2, "name": "JPA"})
	courses, _ := f.kind(t, "Student").Association("Courses")

	t.Run("Associate 写出关联行并维护另一侧", func(t *testing.T) {
		u := f.begin(t)
		s, err := Find[Student](ctx, u, 1)
		require.NoError(t, err)
		c, err := Find[Course](ctx, u, 1)
		require.NoError(t, err)

		owner, err := u.Associate(ctx, s, "Courses", c)
		require.NoError(t, err)
		assert.Same(t, s, owner)
		require.NoError(t, u.Flush(ctx))
		assert.Equal(t, 1, f.store.Count("insert_link student_course"))

		students, err := c.Students.Get(ctx)
		require.NoError(t, err)
		require.Len(t, students, 1)
		assert.Same(t, s, students[0])
		require.NoError(t, u.Commit(ctx))

		keys, err := f.store.Store.LoadLinks(ctx, courses.Join, 1)
		require.NoError(t, err)
		assert.Equal(t, []any{int64(1)}, keys)
	})

	t.Run("已加载集合按差异写出", func(t *testing.T) {
		f.store.Reset()
		u := f.begin(t)
		s, err := Find[Student](ctx, u, 1)
		require.NoError(t, err)
		list, err := s.Courses.Get(ctx)
		require.NoError(t, err)
		require.Len(t, list, 1)

		jpa, err := Find[Course](ctx, u, 2)
		require.NoError(t, err)
		s.Courses.Remove(list[0])
		s.Courses.Add(jpa)
		require.NoError(t, u.Commit(ctx))

		assert.Equal(t, 1, f.store.Count("delete_link student_course"))
		assert.Equal(t, 1, f.store.Count("insert_link student_course"))
		keys, err := f.store.Store.LoadLinks(ctx, courses.Join, 1)
		require.NoError(t, err)
		assert.Equal(t, []any{int64(2)}, keys)
	})

	t.Run("未加载集合写出排队的变更", func(t *testing.T) {
		u := f.begin(t)
		s, err := Find[Student](ctx, u, 1)
		require.NoError(t, err)
		micro, err := Find[Course](ctx, u, 1)
		require.NoError(t, err)
		s.Courses.Add(micro)
		assert.False(t, s.Courses.Loaded())
		require.NoError(t, u.Commit(ctx))

		keys, err := f.store.Store.LoadLinks(ctx, courses.Join, 1)
		require.NoError(t, err)
		assert.ElementsMatch(t, []any{int64(1), int64(2)}, keys)
	})

	t.Run("删除实体时清理关联行", func(t *testing.T) {
		u := f.begin(t)
		s, err := Find[Student](ctx, u, 1)
		require.NoError(t, err)
		require.NoError(t, u.Remove(ctx, s))
		require.NoError(t, u.Commit(ctx))

		keys, err := f.store.Store.LoadLinks(ctx, courses.Join, 1)
		require.NoError(t, err)
		assert.Empty(t, keys)
	})
}

// TestAssociate_Detached 测试关联瞬态实例时先合并为受管副本
func TestAssociate_Detached(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	u := f.begin(t)

	s := &Student{Name: "Jane"}
	c := &Course{Name: "Go"}
	owner, err := u.Associate(ctx, s, "Courses", c)
	require.NoError(t, err)
	assert.NotSame(t, s, owner, "瞬态实例经过 Merge 得到受管副本")
	require.NoError(t, u.Commit(ctx))

	managed := owner.(*Student)
	courses, _ := f.kind(t, "Student").Association("Courses")
	keys, err := f.store.Store.LoadLinks(ctx, courses.Join, managed.ID)
	require.NoError(t, err)
	assert.Len(t, keys, 1)

	_, err = f.begin(t).Associate(ctx, &Student{}, "Nope", c)
	assert.True(t, errors.IsErrorCode(err, errors.ErrCodeMapping))
}

// TestNamedStatements 测试命名查询与命名更新
func TestNamedStatements(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seed(t, "Course", orm.Record{"id": 1, "name": "JPA"})
	u := f.begin(t)

	c := &Course{Name: "Arts"}
	require.NoError(t, u.Persist(ctx, c))

	n, err := u.ExecuteNamed(ctx, "Course.rename", query.Params{"from": "Arts", "to": "Fine Arts"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n, "执行前先刷新")
	assert.Equal(t, "Arts", c.Name, "批量语句不更新受管实例")

	found, err := Query[Course](ctx, u, "Course.byName", query.Params{"name": "Fine Arts"})
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Same(t, c, found[0])

	jpa, err := Find[Course](ctx, u, 1)
	require.NoError(t, err)
	n, err = u.ExecuteNamed(ctx, "Course.deleteById", query.Params{"id": 1})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	assert.False(t, u.Contains(jpa), "按主键删除时移出身份映射")
	_, err = u.Load(ctx, "Course", 1)
	assert.True(t, errors.IsNotFound(err))

	_, err = u.ExecuteNamed(ctx, "Course.unknown", nil)
	assert.Error(t, err)
	_, err = u.QueryNamed(ctx, "Course.rename", query.Params{"from": "a", "to": "b"})
	assert.True(t, errors.IsValidation(err))
}

// limitedStore 只声明给定能力的内存存储
type limitedStore struct {
	*memory.Store
	caps orm.Capabilities
}

func (s *limitedStore) Capabilities() orm.Capabilities { return s.caps }

// TestManager_BeginChecksCapabilities 映射超出存储能力时拒绝开启工作单元
func TestManager_BeginChecksCapabilities(t *testing.T) {
	ctx := context.Background()
	newManager := func(t *testing.T, caps orm.Capabilities, opts ...Option) *Manager {
		kinds := orm.NewRegistry()
		registerModels(t, kinds)
		return NewManager(kinds, &limitedStore{Store: memory.New(), caps: caps}, opts...)
	}
	capability := func(err error) any {
		v, _ := errors.Detail(err, "capability")
		return v
	}

	t.Run("只有指定主键的实体", func(t *testing.T) {
		kinds := orm.NewRegistry()
		_, err := kinds.RegisterModel(Tag{})
		require.NoError(t, err)
		m := NewManager(kinds, &limitedStore{Store: memory.New(), caps: orm.NewCapabilities()})
		u, err := m.Begin(ctx)
		require.NoError(t, err)
		require.NoError(t, u.Close(ctx))
	})

	t.Run("缺少生成主键", func(t *testing.T) {
		_, err := newManager(t, orm.NewCapabilities(orm.CapabilityLinks)).Begin(ctx)
		assert.True(t, stdErrors.Is(err, orm.ErrUnsupported))
		assert.Equal(t, string(orm.CapabilityGeneratedKeys), capability(err))
	})

	t.Run("缺少关联行", func(t *testing.T) {
		_, err := newManager(t, orm.NewCapabilities(orm.CapabilityGeneratedKeys)).Begin(ctx)
		assert.True(t, stdErrors.Is(err, orm.ErrUnsupported))
		assert.Equal(t, string(orm.CapabilityLinks), capability(err))
	})

	t.Run("缺少命名语句", func(t *testing.T) {
		m := newManager(t, orm.NewCapabilities(orm.CapabilityGeneratedKeys, orm.CapabilityLinks),
			WithStatements(newStatements()))
		_, err := m.Begin(ctx)
		assert.True(t, stdErrors.Is(err, orm.ErrUnsupported))
		assert.Equal(t, string(orm.CapabilityNamedStatements), capability(err))
	})
}

// brokenRollbackStore 的事务回滚总是失败
type brokenRollbackStore struct {
	*memory.Store
}

type brokenRollbackTx struct {
	*memory.Tx
}

func (s brokenRollbackStore) Begin(ctx context.Context) (store.ITx, error) {
	tx, err := s.Store.Begin(ctx)
	if err != nil {
		return nil, err
	}
	return brokenRollbackTx{Tx: tx.(*memory.Tx)}, nil
}

func (t brokenRollbackTx) Rollback(ctx context.Context) error {
	if err := t.Tx.Rollback(ctx); err != nil {
		return err
	}
	return stdErrors.New("connection reset")
}

// TestManager_WithinLogsRollbackFailure 测试提交失败后回滚出错时记录错误日志并返回提交错误
func TestManager_WithinLogsRollbackFailure(t *testing.T) {
	ctx := context.Background()
	kinds := orm.NewRegistry()
	registerModels(t, kinds)
	stmts := newStatements()
	logger := logging.NewMemoryLogger()
	m := NewManager(kinds, brokenRollbackStore{memory.New(memory.WithStatements(stmts))},
		WithStatements(stmts), WithLogger(logger))

	err := m.Within(ctx, func(ctx context.Context, u *UnitOfWork) error {
		r := &Review{Rating: "1"}
		r.Course.Set(&Course{Name: "not persisted"})
		return u.Persist(ctx, r)
	})
	assert.True(t, stdErrors.Is(err, orm.ErrTransientReference), "返回的是提交错误")

	var logged bool
	for _, e := range logger.EntriesAt(logging.ErrorLevel) {
		if e.Message == "rollback after failed commit failed" {
			logged = true
			v, ok := e.Field("error")
			require.True(t, ok)
			assert.Contains(t, fmt.Sprint(v), "connection reset")
		}
	}
	assert.True(t, logged)
}
