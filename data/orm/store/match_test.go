package store

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"gopersist/data/orm"
	"gopersist/data/orm/query"
)

// TestMatch 测试记录按条件匹配
func TestMatch(t *testing.T) {
	stmt := query.Select("s", "Course").Where("name", "n").Where("id", "id").Build()
	rec := orm.Record{"id": int32(3), "name": []byte("JPA")}

	assert.True(t, Match(stmt, rec, query.Params{"n": "JPA", "id": int64(3)}))
	assert.False(t, Match(stmt, rec, query.Params{"n": "JPA", "id": int64(4)}))
	assert.False(t, Match(stmt, rec, query.Params{"n": "Spring", "id": int64(3)}))
}

// TestApply 测试按赋值修改记录
func TestApply(t *testing.T) {
	stmt := query.Update("u", "Course").Set("name", "n").Where("id", "id").Build()
	rec := orm.Record{"id": int64(1), "name": "old"}

	out := Apply(stmt, rec, query.Params{"n": "new", "id": int64(1)})
	assert.Equal(t, "new", out["name"])
	assert.Equal(t, "old", rec["name"])
}

// TestSortAndLimit 测试排序与数量限制
func TestSortAndLimit(t *testing.T) {
	recs := []orm.Record{
		{"id": int64(1), "name": "b"},
		{"id": int64(2), "name": nil},
		{"id": int64(3), "name": "a"},
		{"id": int64(4), "name": "b"},
	}

	stmt := query.Select("s", "Course").OrderBy("name", false).OrderBy("id", true).Build()
	out := SortAndLimit(stmt, append([]orm.Record(nil), recs...))
	ids := make([]any, len(out))
	for i, r := range out {
		ids[i] = r["id"]
	}
	assert.Equal(t, []any{int64(2), int64(3), int64(4), int64(1)}, ids)

	stmt = query.Select("s", "Course").Limit(2).Build()
	out = SortAndLimit(stmt, append([]orm.Record(nil), recs...))
	assert.Len(t, out, 2)
	assert.Equal(t, int64(1), out[0]["id"])
}
