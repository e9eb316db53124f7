package redisstore

import (
	"context"
	stdErrors "errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gopersist/data/orm"
	"gopersist/data/orm/query"
	"gopersist/errors"
)

// fakeClient 内存实现的 client
type fakeClient struct {
	mu      sync.Mutex
	strings map[string]string
	sets    map[string]map[string]bool
	closed  bool
}

func newFakeClient() *fakeClient {
	return &fakeClient{strings: make(map[string]string), sets: make(map[string]map[string]bool)}
}

func toString(v any) string {
	switch x := v.(type) {
	case []byte:
		return string(x)
	case string:
		return x
	}
	return fmt.Sprint(v)
}

func (f *fakeClient) Get(ctx context.Context, key string) *redis.StringCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.strings[key]
	if !ok {
		return redis.NewStringResult("", redis.Nil)
	}
	return redis.NewStringResult(v, nil)
}

func (f *fakeClient) SetNX(ctx context.Context, key string, value any, _ time.Duration) *redis.BoolCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.strings[key]; ok {
		return redis.NewBoolResult(false, nil)
	}
	f.strings[key] = toString(value)
	return redis.NewBoolResult(true, nil)
}

func (f *fakeClient) SetXX(ctx context.Context, key string, value any, _ time.Duration) *redis.BoolCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.strings[key]; !ok {
		return redis.NewBoolResult(false, nil)
	}
	f.strings[key] = toString(value)
	return redis.NewBoolResult(true, nil)
}

func (f *fakeClient) Del(ctx context.Context, keys ...string) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for _, k := range keys {
		if _, ok := f.strings[k]; ok {
			delete(f.strings, k)
			n++
		}
	}
	return redis.NewIntResult(n, nil)
}

func (f *fakeClient) Incr(ctx context.Context, key string) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	fmt.Sscan(f.strings[key], &n)
	n++
	f.strings[key] = fmt.Sprint(n)
	return redis.NewIntResult(n, nil)
}

func (f *fakeClient) SAdd(ctx context.Context, key string, members ...any) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	set, ok := f.sets[key]
	if !ok {
		set = make(map[string]bool)
		f.sets[key] = set
	}
	var n int64
	for _, m := range members {
		s := toString(m)
		if !set[s] {
			set[s] = true
			n++
		}
	}
	return redis.NewIntResult(n, nil)
}

func (f *fakeClient) SRem(ctx context.Context, key string, members ...any) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for _, m := range members {
		s := toString(m)
		if f.sets[key][s] {
			delete(f.sets[key], s)
			n++
		}
	}
	return redis.NewIntResult(n, nil)
}

func (f *fakeClient) SMembers(ctx context.Context, key string) *redis.StringSliceCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.sets[key]))
	for m := range f.sets[key] {
		out = append(out, m)
	}
	sort.Strings(out)
	return redis.NewStringSliceResult(out, nil)
}

func (f *fakeClient) Close() error {
	f.closed = true
	return nil
}

type course struct {
	ID        int64
	Name      string
	UpdatedAt time.Time
}

func fixture(t *testing.T) (*Store, *fakeClient, *orm.EntityKind) {
	t.Helper()
	kinds := orm.NewRegistry()
	k, err := kinds.RegisterModel(course{}, orm.WithName("Course"))
	require.NoError(t, err)
	require.NoError(t, kinds.Seal())

	stmts := query.NewRegistry()
	require.NoError(t, stmts.Register(
		query.Delete("Course.deleteById", "Course").Where("id", "id"),
		query.Update("Course.rename", "Course").Set("name", "to").Where("name", "from"),
		query.Select("Course.byName", "Course").Where("name", "name"),
	))
	require.NoError(t, stmts.Seal(kinds))

	fc := newFakeClient()
	s := newStore(fc, false, Config{Prefix: "t:", Statements: stmts})
	return s, fc, k
}

// TestStore_CRUD 测试 Redis 存储的增删改查
func TestStore_CRUD(t *testing.T) {
	ctx := context.Background()
	s, fc, c := fixture(t)
	at := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

	key, err := s.Insert(ctx, c, orm.Record{"name": "JPA", "updated_at": at})
	require.NoError(t, err)
	assert.Equal(t, int64(1), key)
	assert.Contains(t, fc.strings, "t:rec:course:i:1")
	assert.True(t, fc.sets["t:idx:course"]["i:1"])

	// 显式主键占用序列的下一个值
	_, err = s.Insert(ctx, c, orm.Record{"id": 2, "name": "Spring"})
	require.NoError(t, err)
	key, err = s.Insert(ctx, c, orm.Record{"name": "Go"})
	require.NoError(t, err)
	assert.Equal(t, int64(3), key)

	_, err = s.Insert(ctx, c, orm.Record{"id": 2, "name": "dup"})
	assert.True(t, stdErrors.Is(err, orm.ErrDuplicateKey))

	rec, err := s.Load(ctx, c, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(1), rec["id"])
	assert.Equal(t, "JPA", rec["name"])
	assert.True(t, at.Equal(rec["updated_at"].(time.Time)))

	require.NoError(t, s.Update(ctx, c, 1, orm.Record{"name": "JPA in 50 Steps"}))
	rec, _ = s.Load(ctx, c, 1)
	assert.Equal(t, "JPA in 50 Steps", rec["name"])
	assert.True(t, errors.IsNotFound(s.Update(ctx, c, 99, orm.Record{})))

	require.NoError(t, s.Delete(ctx, c, 1))
	_, err = s.Load(ctx, c, 1)
	assert.True(t, stdErrors.Is(err, orm.ErrNotFound))
	assert.True(t, errors.IsNotFound(s.Delete(ctx, c, 1)))
	assert.False(t, fc.sets["t:idx:course"]["i:1"])
}

// TestStore_Statements 测试 Redis 存储执行命名语句
func TestStore_Statements(t *testing.T) {
	ctx := context.Background()
	s, _, c := fixture(t)
	for _, name := range []string{"a", "b", "a"} {
		_, err := s.Insert(ctx, c, orm.Record{"name": name})
		require.NoError(t, err)
	}

	n, err := s.ExecuteNamed(ctx, "Course.rename", query.Params{"from": "a", "to": "z"})
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	byName, _ := s.stmts.Lookup("Course.byName")
	rows, err := s.Select(ctx, byName, query.Params{"name": "z"})
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, int64(1), rows[0]["id"])
	assert.Equal(t, int64(3), rows[1]["id"])

	n, err = s.ExecuteNamed(ctx, "Course.deleteById", query.Params{"id": 3})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	rows, _ = s.Select(ctx, byName, query.Params{"name": "z"})
	assert.Len(t, rows, 1)
}

// TestStore_Links 测试 Redis 存储的关联行
func TestStore_Links(t *testing.T) {
	ctx := context.Background()
	s, _, _ := fixture(t)
	join := orm.JoinTable{Table: "student_course", OwnerColumn: "student_id", TargetColumn: "course_id"}
	inverse := orm.JoinTable{Table: "student_course", OwnerColumn: "course_id", TargetColumn: "student_id"}

	require.NoError(t, s.InsertLink(ctx, join, 1, 10))
	require.NoError(t, s.InsertLink(ctx, join, 1, 2))
	require.NoError(t, s.InsertLink(ctx, join, 3, 10))
	assert.True(t, stdErrors.Is(s.InsertLink(ctx, join, 1, 10), orm.ErrDuplicateKey))

	keys, err := s.LoadLinks(ctx, join, 1)
	require.NoError(t, err)
	assert.Equal(t, []any{int64(2), int64(10)}, keys)

	keys, err = s.LoadLinks(ctx, inverse, 10)
	require.NoError(t, err)
	assert.Equal(t, []any{int64(1), int64(3)}, keys)

	require.NoError(t, s.DeleteLink(ctx, inverse, 10, 1))
	keys, _ = s.LoadLinks(ctx, join, 1)
	assert.Equal(t, []any{int64(2)}, keys)
}

// TestKeyspace_LongSegmentsHashed 测试过长的键片段改用哈希
func TestKeyspace_LongSegmentsHashed(t *testing.T) {
	ks := keyspace{prefix: "p:"}
	long := strings.Repeat("x", 100)
	k := ks.record("code", long)
	assert.True(t, strings.HasPrefix(k, "p:rec:code:h:"))
	assert.Equal(t, k, ks.record("code", long))
	assert.Equal(t, "p:rec:code:s:short", ks.record("code", "short"))

	decoded, err := decodeKey(encodeKey(long))
	require.NoError(t, err)
	assert.Equal(t, long, decoded)
}

// TestNew 测试 Redis 存储的地址校验与能力声明
func TestNew(t *testing.T) {
	_, err := New(Config{})
	assert.True(t, errors.IsValidation(err))

	s, err := New(Config{Addr: "127.0.0.1:0"})
	require.NoError(t, err)
	assert.False(t, s.Capabilities().Supports(orm.CapabilityTransaction))
	require.NoError(t, s.Close())
}
