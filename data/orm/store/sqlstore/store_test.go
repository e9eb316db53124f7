package sqlstore

import (
	"context"
	stdErrors "errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"gopersist/data/db"
	"gopersist/data/db/basic"
	"gopersist/data/db/dialect"
	"gopersist/data/orm"
	"gopersist/data/orm/query"
	"gopersist/errors"
)

type course struct {
	ID       int64
	Name     string
	Students orm.Many[student] `orm:"many_to_many,mapped_by:Courses"`
}

type student struct {
	ID      int64
	Name    string
	Active  bool
	Courses orm.Many[course] `orm:"many_to_many,join:student_course,join_column:student_id,inverse_column:course_id"`
}

type fixture struct {
	store   *Store
	kinds   *orm.Registry
	course  *orm.EntityKind
	student *orm.EntityKind
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()

	kinds := orm.NewRegistry()
	_, err := kinds.RegisterModel(course{}, orm.WithName("Course"))
	require.NoError(t, err)
	_, err = kinds.RegisterModel(student{}, orm.WithName("Student"))
	require.NoError(t, err)
	require.NoError(t, kinds.Seal())

	stmts := query.NewRegistry()
	require.NoError(t, stmts.Register(
		query.Delete("Course.deleteById", "Course").Where("id", "id"),
		query.Update("Course.rename", "Course").Set("name", "to").Where("name", "from"),
		query.Select("Course.findAll", "Course").OrderBy("name", false),
	))
	require.NoError(t, stmts.Seal(kinds))

	d, err := basic.New(db.DBConfig{Driver: "sqlite", Database: ":memory:", MaxOpenConns: 1})
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Close() })

	s := New(d, WithStatements(stmts))
	require.NoError(t, s.EnsureSchema(ctx, kinds))

	f := &fixture{store: s, kinds: kinds}
	f.course, _ = kinds.Describe("Course")
	f.student, _ = kinds.Describe("Student")
	return f
}

// TestSchema 测试按实体元数据建表
func TestSchema(t *testing.T) {
	f := newFixture(t)
	ddl := Schema(dialect.New("sqlite"), f.kinds)
	require.Len(t, ddl, 3)
	assert.Equal(t, `CREATE TABLE IF NOT EXISTS "course" ("id" INTEGER PRIMARY KEY AUTOINCREMENT, "name" TEXT)`, ddl[0])
	assert.Contains(t, ddl[2], `PRIMARY KEY ("student_id", "course_id")`)

	mysqlDDL := Schema(dialect.New("mysql"), f.kinds)
	assert.Contains(t, mysqlDDL[0], "BIGINT AUTO_INCREMENT PRIMARY KEY")
	assert.Contains(t, mysqlDDL[0], "VARCHAR(255)")
}

// TestStore_CRUD 测试 SQL 存储的增删改查
func TestStore_CRUD(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	s := f.store

	key, err := s.Insert(ctx, f.course, orm.Record{"name": "JPA in 50 Steps"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), key)

	_, err = s.Insert(ctx, f.course, orm.Record{"id": int64(10001), "name": "Spring"})
	require.NoError(t, err)

	_, err = s.Insert(ctx, f.course, orm.Record{"id": int64(10001), "name": "dup"})
	assert.True(t, stdErrors.Is(err, orm.ErrDuplicateKey))

	rec, err := s.Load(ctx, f.course, 10001)
	require.NoError(t, err)
	if diff := cmp.Diff(orm.Record{"id": int64(10001), "name": "Spring"}, rec); diff != "" {
		t.Fatalf("record mismatch (-want +got):\n%s", diff)
	}

	require.NoError(t, s.Update(ctx, f.course, 10001, orm.Record{"name": "Spring Boot"}))
	require.NoError(t, s.Update(ctx, f.course, 10001, orm.Record{"name": "Spring Boot"}), "未变化的行")
	rec, _ = s.Load(ctx, f.course, 10001)
	assert.Equal(t, "Spring Boot", rec["name"])
	assert.True(t, errors.IsNotFound(s.Update(ctx, f.course, 404, orm.Record{"name": "x"})))

	require.NoError(t, s.Delete(ctx, f.course, 10001))
	_, err = s.Load(ctx, f.course, 10001)
	assert.True(t, stdErrors.Is(err, orm.ErrNotFound))
	assert.True(t, errors.IsNotFound(s.Delete(ctx, f.course, 10001)))
}

// TestStore_BoolColumn 测试布尔列的读写
func TestStore_BoolColumn(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	key, err := f.store.Insert(ctx, f.student, orm.Record{"name": "Ranga", "active": true})
	require.NoError(t, err)
	rec, err := f.store.Load(ctx, f.student, key)
	require.NoError(t, err)

	var st student
	require.NoError(t, f.student.Apply(&st, rec))
	assert.True(t, st.Active)
	assert.Equal(t, "Ranga", st.Name)
}

// TestStore_Statements 测试 SQL 存储执行命名语句
func TestStore_Statements(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	s := f.store

	for _, name := range []string{"b", "a", "b"} {
		_, err := s.Insert(ctx, f.course, orm.Record{"name": name})
		require.NoError(t, err)
	}

	n, err := s.ExecuteNamed(ctx, "Course.rename", query.Params{"from": "b", "to": "c"})
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	findAll, err := f.store.stmts.Lookup("Course.findAll")
	require.NoError(t, err)
	rows, err := s.Select(ctx, findAll, nil)
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, "a", rows[0]["name"])

	n, err = s.ExecuteNamed(ctx, "Course.deleteById", query.Params{"id": 2})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, err = s.ExecuteNamed(ctx, "Course.findAll", nil)
	assert.True(t, errors.IsValidation(err))
}

// TestStore_Links 测试 SQL 存储的关联行
func TestStore_Links(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	s := f.store

	courses, _ := f.student.Association("Courses")
	students, _ := f.course.Association("Students")

	require.NoError(t, s.InsertLink(ctx, courses.Join, 1, 10))
	require.NoError(t, s.InsertLink(ctx, courses.Join, 1, 11))
	require.NoError(t, s.InsertLink(ctx, courses.Join, 2, 10))
	assert.True(t, stdErrors.Is(s.InsertLink(ctx, courses.Join, 1, 10), orm.ErrDuplicateKey))

	keys, err := s.LoadLinks(ctx, courses.Join, 1)
	require.NoError(t, err)
	assert.ElementsMatch(t, []any{int64(10), int64(11)}, keys)

	keys, err = s.LoadLinks(ctx, students.Join, 10)
	require.NoError(t, err)
	assert.ElementsMatch(t, []any{int64(1), int64(2)}, keys)

	require.NoError(t, s.DeleteLink(ctx, students.Join, 10, 1))
	keys, _ = s.LoadLinks(ctx, courses.Join, 1)
	assert.Equal(t, []any{int64(11)}, keys)
}

// TestTx_CommitAndRollback 测试 SQL 存储事务的提交与回滚
func TestTx_CommitAndRollback(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	tx, err := f.store.Begin(ctx)
	require.NoError(t, err)
	assert.False(t, tx.Capabilities().Supports(orm.CapabilityTransaction))
	key, err := tx.Insert(ctx, f.course, orm.Record{"name": "rolled back"})
	require.NoError(t, err)
	require.NoError(t, tx.Rollback(ctx))
	_, err = f.store.Load(ctx, f.course, key)
	assert.True(t, errors.IsNotFound(err))

	tx, err = f.store.Begin(ctx)
	require.NoError(t, err)
	key, err = tx.Insert(ctx, f.course, orm.Record{"name": "committed"})
	require.NoError(t, err)
	require.NoError(t, tx.Commit(ctx))
	rec, err := f.store.Load(ctx, f.course, key)
	require.NoError(t, err)
	assert.Equal(t, "committed", rec["name"])
}
