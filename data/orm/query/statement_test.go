package query

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gopersist/data/orm"
	"gopersist/errors"
)

type course struct {
	ID   int64
	Name string
}

type review struct {
	ID     int64
	Rating string
	Course orm.Ref[course] `orm:"many_to_one"`
}

func kinds(t *testing.T) *orm.Registry {
	t.Helper()
	r := orm.NewRegistry()
	_, err := r.RegisterModel(course{}, orm.WithName("Course"))
	require.NoError(t, err)
	_, err = r.RegisterModel(review{}, orm.WithName("Review"))
	require.NoError(t, err)
	require.NoError(t, r.Seal())
	return r
}

// TestRegistry_SealAndLookup 测试命名语句封存后按名称查找
func TestRegistry_SealAndLookup(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(
		Delete("Course.deleteById", "Course").Where("id", "id"),
		Select("Course.findAll", "Course").OrderBy("name", false),
		Update("Review.rerate", "Review").Set("rating", "rating").Where("course_id", "course"),
	))

	_, err := reg.Lookup("Course.deleteById")
	assert.Error(t, err, "未封存时不可用")

	require.NoError(t, reg.Seal(kinds(t)))
	assert.Equal(t, []string{"Course.deleteById", "Course.findAll", "Review.rerate"}, reg.Names())

	stmt, err := reg.Lookup("Course.deleteById")
	require.NoError(t, err)
	assert.Equal(t, OpDelete, stmt.Op)
	assert.Equal(t, "Course", stmt.Entity.Name)

	param, ok := stmt.KeyEquality()
	require.True(t, ok)
	assert.Equal(t, "id", param)

	rerate, err := reg.Lookup("Review.rerate")
	require.NoError(t, err)
	_, ok = rerate.KeyEquality()
	assert.False(t, ok)
	assert.Equal(t, []string{"rating", "course"}, rerate.Params())

	_, err = reg.Lookup("Course.nope")
	assert.True(t, errors.IsNotFound(err))

	assert.Error(t, reg.Register(Select("late", "Course")))
}

// TestRegistry_SealValidation 测试封存时校验实体与列
func TestRegistry_SealValidation(t *testing.T) {
	tests := []struct {
		name string
		b    *Builder
	}{
		{"未知实体", Select("x", "Ghost")},
		{"未知列", Delete("x", "Course").Where("title", "t")},
		{"update 没有赋值", Update("x", "Course").Where("id", "id")},
		{"update 主键", Update("x", "Course").Set("id", "id")},
		{"delete 带排序", Delete("x", "Course").OrderBy("id", false)},
		{"select 带赋值", Select("x", "Course").Set("name", "n")},
		{"未知排序列", Select("x", "Course").OrderBy("title", true)},
		{"空参数名", Select("x", "Course").Where("name", "")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reg := NewRegistry()
			require.NoError(t, reg.Register(tt.b))
			assert.Error(t, reg.Seal(kinds(t)))
		})
	}
}

// TestRegistry_Duplicate 测试重复注册同名语句
func TestRegistry_Duplicate(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(Select("a", "Course")))
	assert.Error(t, reg.Register(Select("a", "Course")))
	assert.Error(t, reg.Register(Select("", "Course")))
}

// TestStatement_Bind 测试参数绑定与缺失参数
func TestStatement_Bind(t *testing.T) {
	k := kinds(t)
	courseKind, _ := k.Describe("Course")
	stmt, err := Delete("d", "Course").Where("id", "id").For(courseKind)
	require.NoError(t, err)

	p, err := stmt.Bind(Params{"id": 10001})
	require.NoError(t, err)
	assert.Equal(t, Params{"id": int64(10001)}, p)

	_, err = stmt.Bind(Params{})
	assert.True(t, errors.IsErrorCode(err, errors.ErrCodeInvalidInput))

	_, err = stmt.Bind(Params{"id": 1, "extra": 2})
	assert.True(t, errors.IsErrorCode(err, errors.ErrCodeInvalidInput))
}

// TestBuilder_BuildIsolated 测试构建结果不受后续修改影响
func TestBuilder_BuildIsolated(t *testing.T) {
	b := Select("s", "Course").Where("name", "n")
	first := b.Build()
	b.Where("id", "id")
	assert.Len(t, first.Where, 1)
	assert.Len(t, b.Build().Where, 2)
}
