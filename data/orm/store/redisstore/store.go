// Package redisstore 基于 Redis 的记录存储
//
// 每行记录以 msgpack 编码保存在独立键中，按表维护主键索引集合；
// 自增主键来自 INCR，多对多关联行以双向集合保存。不支持事务。
package redisstore

import (
	"context"
	stdErrors "errors"
	"time"

	"github.com/redis/go-redis/v9"

	"gopersist/data/orm"
	"gopersist/data/orm/query"
	"gopersist/data/orm/store"
	"gopersist/errors"
	"gopersist/logging"
)

// client 只包含用到的 go-redis 命令，便于测试替换
type client interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	SetNX(ctx context.Context, key string, value any, expiration time.Duration) *redis.BoolCmd
	SetXX(ctx context.Context, key string, value any, expiration time.Duration) *redis.BoolCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
	Incr(ctx context.Context, key string) *redis.IntCmd
	SAdd(ctx context.Context, key string, members ...any) *redis.IntCmd
	SRem(ctx context.Context, key string, members ...any) *redis.IntCmd
	SMembers(ctx context.Context, key string) *redis.StringSliceCmd
	Close() error
}

// Config Redis 记录存储配置
type Config struct {
	Client     redis.UniversalClient
	Addr       string
	Username   string
	Password   string
	DB         int
	Prefix     string
	Statements *query.Registry
	Logger     logging.Logger
}

// Store Redis 记录存储
type Store struct {
	client    client
	ownClient bool
	keys      keyspace
	stmts     *query.Registry
	logger    logging.Logger
}

var _ store.IRecordStore = (*Store)(nil)

// New 创建 Redis 记录存储；未提供 Client 时按 Addr 建立连接
func New(cfg Config) (*Store, error) {
	if cfg.Prefix == "" {
		cfg.Prefix = "orm:"
	}
	var cl client
	var own bool
	if cfg.Client != nil {
		cl = cfg.Client
	} else {
		if cfg.Addr == "" {
			return nil, errors.NewValidationError("redis addr is required")
		}
		cl = redis.NewClient(&redis.Options{Addr: cfg.Addr, Username: cfg.Username, Password: cfg.Password, DB: cfg.DB})
		own = true
	}
	return newStore(cl, own, cfg), nil
}

func newStore(cl client, own bool, cfg Config) *Store {
	if cfg.Logger == nil {
		cfg.Logger = logging.ComponentLogger("orm.store.redis")
	}
	return &Store{
		client:    cl,
		ownClient: own,
		keys:      keyspace{prefix: cfg.Prefix},
		stmts:     cfg.Statements,
		logger:    cfg.Logger,
	}
}

// Close 关闭自建的连接
func (s *Store) Close() error {
	if s.ownClient {
		return s.client.Close()
	}
	return nil
}

// Capabilities 不含事务
func (s *Store) Capabilities() orm.Capabilities {
	return orm.NewCapabilities(orm.CapabilityLinks, orm.CapabilityNamedStatements, orm.CapabilityGeneratedKeys)
}

func (s *Store) Load(ctx context.Context, kind *orm.EntityKind, key any) (orm.Record, error) {
	key = orm.NormalizeKey(key)
	raw, err := s.client.Get(ctx, s.keys.record(kind.Table, key)).Bytes()
	if stdErrors.Is(err, redis.Nil) {
		return nil, orm.NotFound(kind.Name, key)
	}
	if err != nil {
		return nil, errors.WrapStoreError(ctx, err, kind.Name, "load")
	}
	rec, err := decodeRecord(raw)
	if err != nil {
		return nil, orm.MappingError(kind.Name, err.Error())
	}
	rec[kind.PrimaryKey.Column] = orm.NormalizeKey(rec[kind.PrimaryKey.Column])
	return rec, nil
}

func (s *Store) Insert(ctx context.Context, kind *orm.EntityKind, rec orm.Record) (any, error) {
	pk := kind.PrimaryKey.Column
	row := rec.Clone()
	key := orm.NormalizeKey(row[pk])

	if !orm.IsZeroKey(key) {
		row[pk] = key
		if err := s.create(ctx, kind, key, row); err != nil {
			return nil, err
		}
		return key, nil
	}

	for {
		id, err := s.client.Incr(ctx, s.keys.sequence(kind.Table)).Result()
		if err != nil {
			return nil, errors.WrapStoreError(ctx, err, kind.Name, "insert")
		}
		row[pk] = id
		err = s.create(ctx, kind, id, row)
		if err == nil {
			return id, nil
		}
		// 序列值被显式主键占用时继续取下一个
		if !stdErrors.Is(err, orm.ErrDuplicateKey) {
			return nil, err
		}
	}
}

func (s *Store) create(ctx context.Context, kind *orm.EntityKind, key any, row orm.Record) error {
	payload, err := encodeRecord(row)
	if err != nil {
		return orm.MappingError(kind.Name, err.Error())
	}
	ok, err := s.client.SetNX(ctx, s.keys.record(kind.Table, key), payload, 0).Result()
	if err != nil {
		return errors.WrapStoreError(ctx, err, kind.Name, "insert")
	}
	if !ok {
		return orm.ErrDuplicateKey.WithContext("kind", kind.Name).WithContext("key", key)
	}
	if err := s.client.SAdd(ctx, s.keys.index(kind.Table), encodeKey(key)).Err(); err != nil {
		return errors.WrapStoreError(ctx, err, kind.Name, "insert")
	}
	return nil
}

func (s *Store) Update(ctx context.Context, kind *orm.EntityKind, key any, rec orm.Record) error {
	key = orm.NormalizeKey(key)
	row := rec.Clone()
	row[kind.PrimaryKey.Column] = key
	payload, err := encodeRecord(row)
	if err != nil {
		return orm.MappingError(kind.Name, err.Error())
	}
	ok, err := s.client.SetXX(ctx, s.keys.record(kind.Table, key), payload, 0).Result()
	if err != nil {
		return errors.WrapStoreError(ctx, err, kind.Name, "update")
	}
	if !ok {
		return orm.NotFound(kind.Name, key)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, kind *orm.EntityKind, key any) error {
	key = orm.NormalizeKey(key)
	n, err := s.client.Del(ctx, s.keys.record(kind.Table, key)).Result()
	if err != nil {
		return errors.WrapStoreError(ctx, err, kind.Name, "delete")
	}
	if n == 0 {
		return orm.NotFound(kind.Name, key)
	}
	if err := s.client.SRem(ctx, s.keys.index(kind.Table), encodeKey(key)).Err(); err != nil {
		return errors.WrapStoreError(ctx, err, kind.Name, "delete")
	}
	return nil
}

// scan 读取表中全部记录，索引中残留的键跳过
func (s *Store) scan(ctx context.Context, kind *orm.EntityKind) ([]orm.Record, error) {
	members, err := s.client.SMembers(ctx, s.keys.index(kind.Table)).Result()
	if err != nil {
		return nil, errors.WrapStoreError(ctx, err, kind.Name, "scan")
	}
	out := make([]orm.Record, 0, len(members))
	for _, m := range members {
		key, err := decodeKey(m)
		if err != nil {
			return nil, orm.MappingError(kind.Name, err.Error())
		}
		rec, err := s.Load(ctx, kind, key)
		if errors.IsNotFound(err) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	// 集合无序，按主键排序保证结果稳定
	sortByKey(out, kind.PrimaryKey.Column)
	return out, nil
}

func (s *Store) Select(ctx context.Context, stmt *query.Statement, params query.Params) ([]orm.Record, error) {
	if stmt.Op != query.OpSelect {
		return nil, errors.NewValidationError("not a select statement: " + stmt.Name)
	}
	bound, err := stmt.Bind(params)
	if err != nil {
		return nil, err
	}
	all, err := s.scan(ctx, stmt.Entity)
	if err != nil {
		return nil, err
	}
	var out []orm.Record
	for _, r := range all {
		if store.Match(stmt, r, bound) {
			out = append(out, r)
		}
	}
	return store.SortAndLimit(stmt, out), nil
}

func (s *Store) ExecuteNamed(ctx context.Context, name string, params query.Params) (int64, error) {
	if s.stmts == nil {
		return 0, orm.ErrUnsupported.WithContext("statement", name)
	}
	stmt, err := s.stmts.Lookup(name)
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

	kind := stmt.Entity
	all, err := s.scan(ctx, kind)
	if err != nil {
		return 0, err
	}
	var n int64
	for _, r := range all {
		if !store.Match(stmt, r, bound) {
			continue
		}
		key := r[kind.PrimaryKey.Column]
		switch stmt.Op {
		case query.OpDelete:
			err = s.Delete(ctx, kind, key)
		case query.OpUpdate:
			err = s.Update(ctx, kind, key, store.Apply(stmt, r, bound))
		}
		if errors.IsNotFound(err) {
			continue
		}
		if err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

func (s *Store) InsertLink(ctx context.Context, join orm.JoinTable, ownerKey, targetKey any) error {
	owner, target := encodeKey(ownerKey), encodeKey(targetKey)
	added, err := s.client.SAdd(ctx, s.keys.link(join.Table, join.OwnerColumn, ownerKey), target).Result()
	if err != nil {
		return errors.WrapStoreError(ctx, err, join.Table, "insert link")
	}
	if added == 0 {
		return orm.ErrDuplicateKey.WithContext("join", join.Table)
	}
	if err := s.client.SAdd(ctx, s.keys.link(join.Table, join.TargetColumn, targetKey), owner).Err(); err != nil {
		return errors.WrapStoreError(ctx, err, join.Table, "insert link")
	}
	return nil
}

func (s *Store) DeleteLink(ctx context.Context, join orm.JoinTable, ownerKey, targetKey any) error {
	owner, target := encodeKey(ownerKey), encodeKey(targetKey)
	if err := s.client.SRem(ctx, s.keys.link(join.Table, join.OwnerColumn, ownerKey), target).Err(); err != nil {
		return errors.WrapStoreError(ctx, err, join.Table, "delete link")
	}
	if err := s.client.SRem(ctx, s.keys.link(join.Table, join.TargetColumn, targetKey), owner).Err(); err != nil {
		return errors.WrapStoreError(ctx, err, join.Table, "delete link")
	}
	return nil
}

func (s *Store) LoadLinks(ctx context.Context, join orm.JoinTable, ownerKey any) ([]any, error) {
	members, err := s.client.SMembers(ctx, s.keys.link(join.Table, join.OwnerColumn, ownerKey)).Result()
	if err != nil {
		return nil, errors.WrapStoreError(ctx, err, join.Table, "load links")
	}
	keys := make([]any, 0, len(members))
	for _, m := range members {
		k, err := decodeKey(m)
		if err != nil {
			return nil, orm.MappingError(join.Table, err.Error())
		}
		keys = append(keys, k)
	}
	sortKeys(keys)
	return keys, nil
}
