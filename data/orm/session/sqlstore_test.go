package session

import (
	"context"
	stdErrors "errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"gopersist/data/db"
	"gopersist/data/db/basic"
	"gopersist/data/orm"
	"gopersist/data/orm/query"
	"gopersist/data/orm/store/sqlstore"
)

// newSQLManager 基于内存 sqlite 的工作单元管理器
func newSQLManager(t *testing.T) (*Manager, *sqlstore.Store) {
	t.Helper()
	ctx := context.Background()

	kinds := orm.NewRegistry()
	registerModels(t, kinds)
	require.NoError(t, kinds.Seal())
	stmts := newStatements()
	require.NoError(t, stmts.Seal(kinds))

	d, err := basic.New(db.DBConfig{Driver: "sqlite", Database: ":memory:", MaxOpenConns: 1})
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Close() })

	st := sqlstore.New(d, sqlstore.WithStatements(stmts))
	require.NoError(t, st.EnsureSchema(ctx, kinds))
	return NewManager(kinds, st, WithStatements(stmts)), st
}

// seedCourses 提交若干课程并返回主键
func seedCourses(t *testing.T, mgr *Manager, names ...string) []int64 {
	t.Helper()
	var ids []int64
	err := mgr.Within(context.Background(), func(ctx context.Context, u *UnitOfWork) error {
		courses := make([]*Course, 0, len(names))
		for _, n := range names {
			c := &Course{Name: n}
			if err := u.Persist(ctx, c); err != nil {
				return err
			}
			courses = append(courses, c)
		}
		if err := u.Flush(ctx); err != nil {
			return err
		}
		for _, c := range courses {
			ids = append(ids, c.ID)
		}
		return nil
	})
	require.NoError(t, err)
	return ids
}

func courseName(t *testing.T, mgr *Manager, id int64) (string, error) {
	t.Helper()
	var name string
	err := mgr.Within(context.Background(), func(ctx context.Context, u *UnitOfWork) error {
		c, err := Find[Course](ctx, u, id)
		if err != nil {
			return err
		}
		name = c.Name
		return nil
	})
	return name, err
}

// TestSQLStore_UpdateAndRemoveTouchOneRow 更新与删除只影响目标行
func TestSQLStore_UpdateAndRemoveTouchOneRow(t *testing.T) {
	ctx := context.Background()
	mgr, _ := newSQLManager(t)
	ids := seedCourses(t, mgr, "A", "B")

	t.Run("脏更新只写一行", func(t *testing.T) {
		err := mgr.Within(ctx, func(ctx context.Context, u *UnitOfWork) error {
			a, err := Find[Course](ctx, u, ids[0])
			if err != nil {
				return err
			}
			a.Name = "A2"
			return nil
		})
		require.NoError(t, err)

		name, err := courseName(t, mgr, ids[0])
		require.NoError(t, err)
		assert.Equal(t, "A2", name)
		name, err = courseName(t, mgr, ids[1])
		require.NoError(t, err)
		assert.Equal(t, "B", name)
	})

	t.Run("删除后其它行仍可读取", func(t *testing.T) {
		err := mgr.Within(ctx, func(ctx context.Context, u *UnitOfWork) error {
			a, err := Find[Course](ctx, u, ids[0])
			if err != nil {
				return err
			}
			return u.Remove(ctx, a)
		})
		require.NoError(t, err)

		_, err = courseName(t, mgr, ids[0])
		assert.True(t, stdErrors.Is(err, orm.ErrNotFound))
		name, err := courseName(t, mgr, ids[1])
		require.NoError(t, err)
		assert.Equal(t, "B", name)
	})
}

// TestSQLStore_NamedStatements 命名删除与更新按条件执行
func TestSQLStore_NamedStatements(t *testing.T) {
	ctx := context.Background()
	mgr, _ := newSQLManager(t)
	ids := seedCourses(t, mgr, "A", "B", "C")

	err := mgr.Within(ctx, func(ctx context.Context, u *UnitOfWork) error {
		a, err := Find[Course](ctx, u, ids[0])
		if err != nil {
			return err
		}
		n, err := u.ExecuteNamed(ctx, "Course.deleteById", query.Params{"id": ids[0]})
		if err != nil {
			return err
		}
		assert.Equal(t, int64(1), n)
		assert.False(t, u.Contains(a), "按主键删除后移出身份映射")

		n, err = u.ExecuteNamed(ctx, "Course.rename", query.Params{"from": "B", "to": "B2"})
		if err != nil {
			return err
		}
		assert.Equal(t, int64(1), n)
		return nil
	})
	require.NoError(t, err)

	_, err = courseName(t, mgr, ids[0])
	assert.True(t, stdErrors.Is(err, orm.ErrNotFound))
	name, err := courseName(t, mgr, ids[1])
	require.NoError(t, err)
	assert.Equal(t, "B2", name)
	name, err = courseName(t, mgr, ids[2])
	require.NoError(t, err)
	assert.Equal(t, "C", name)
}

// TestSQLStore_ManyToManyRemoval 移除多对多关联只删除对应的关联行
func TestSQLStore_ManyToManyRemoval(t *testing.T) {
	ctx := context.Background()
	mgr, st := newSQLManager(t)
	ids := seedCourses(t, mgr, "Physics", "Chemistry")

	var studentID int64
	err := mgr.Within(ctx, func(ctx context.Context, u *UnitOfWork) error {
		s := &Student{Name: "Jack"}
		for _, id := range ids {
			c, err := Find[Course](ctx, u, id)
			if err != nil {
				return err
			}
			s.Courses.Add(c)
		}
		if err := u.Persist(ctx, s); err != nil {
			return err
		}
		if err := u.Flush(ctx); err != nil {
			return err
		}
		studentID = s.ID
		return nil
	})
	require.NoError(t, err)

	join := mgr.Kinds()
	studentKind, err := join.Describe("Student")
	require.NoError(t, err)
	a, ok := studentKind.Association("Courses")
	require.True(t, ok)

	links, err := st.LoadLinks(ctx, a.Join, studentID)
	require.NoError(t, err)
	assert.Len(t, links, 2)

	err = mgr.Within(ctx, func(ctx context.Context, u *UnitOfWork) error {
		s, err := Find[Student](ctx, u, studentID)
		if err != nil {
			return err
		}
		chem, err := Find[Course](ctx, u, ids[1])
		if err != nil {
			return err
		}
		s.Courses.Remove(chem)
		return nil
	})
	require.NoError(t, err)

	links, err = st.LoadLinks(ctx, a.Join, studentID)
	require.NoError(t, err)
	require.Len(t, links, 1)
	assert.EqualValues(t, ids[0], links[0])

	err = mgr.Within(ctx, func(ctx context.Context, u *UnitOfWork) error {
		s, err := Find[Student](ctx, u, studentID)
		if err != nil {
			return err
		}
		courses, err := s.Courses.Get(ctx)
		if err != nil {
			return err
		}
		require.Len(t, courses, 1)
		assert.Equal(t, "Physics", courses[0].Name)
		return nil
	})
	require.NoError(t, err)
}
