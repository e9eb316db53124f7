package memory

import (
	"reflect"

	"gopersist/data/orm"
	"gopersist/data/orm/query"
	"gopersist/data/orm/store"
)

type table struct {
	rows  map[any]orm.Record
	order []any
	seq   int64
}

type linkTable struct {
	rows []orm.Record
}

// state 全部表与关联表；事务持有克隆副本
type state struct {
	tables map[string]*table
	links  map[string]*linkTable
}

func newState() *state {
	return &state{tables: make(map[string]*table), links: make(map[string]*linkTable)}
}

func (s *state) clone() *state {
	out := newState()
	for name, t := range s.tables {
		ct := &table{rows: make(map[any]orm.Record, len(t.rows)), order: append([]any(nil), t.order...), seq: t.seq}
		for k, r := range t.rows {
			ct.rows[k] = r.Clone()
		}
		out.tables[name] = ct
	}
	for name, l := range s.links {
		cl := &linkTable{rows: make([]orm.Record, len(l.rows))}
		for i, r := range l.rows {
			cl.rows[i] = r.Clone()
		}
		out.links[name] = cl
	}
	return out
}

func (s *state) table(name string) *table {
	t, ok := s.tables[name]
	if !ok {
		t = &table{rows: make(map[any]orm.Record)}
		s.tables[name] = t
	}
	return t
}

func (s *state) load(kind *orm.EntityKind, key any) (orm.Record, error) {
	key = orm.NormalizeKey(key)
	r, ok := s.table(kind.Table).rows[key]
	if !ok {
		return nil, orm.NotFound(kind.Name, key)
	}
	return r.Clone(), nil
}

// insert 写入一行；rec 不含主键时按表序列生成（仅整数主键）
func (s *state) insert(kind *orm.EntityKind, rec orm.Record) (any, error) {
	t := s.table(kind.Table)
	pk := kind.PrimaryKey.Column
	row := rec.Clone()

	key := orm.NormalizeKey(row[pk])
	if orm.IsZeroKey(key) {
		if !generatable(kind) {
			return nil, orm.MappingError(kind.Name, "non-integer primary key must be assigned")
		}
		for {
			t.seq++
			if _, taken := t.rows[t.seq]; !taken {
				break
			}
		}
		key = t.seq
	} else if n, ok := key.(int64); ok && n > t.seq {
		t.seq = n
	}

	if _, dup := t.rows[key]; dup {
		return nil, orm.ErrDuplicateKey.WithContext("kind", kind.Name).WithContext("key", key)
	}
	row[pk] = key
	t.rows[key] = row
	t.order = append(t.order, key)
	return key, nil
}

func generatable(kind *orm.EntityKind) bool {
	t := kind.PrimaryKey.Type
	if t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	switch t.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return true
	}
	return false
}

func (s *state) update(kind *orm.EntityKind, key any, rec orm.Record) error {
	key = orm.NormalizeKey(key)
	t := s.table(kind.Table)
	if _, ok := t.rows[key]; !ok {
		return orm.NotFound(kind.Name, key)
	}
	row := rec.Clone()
	row[kind.PrimaryKey.Column] = key
	t.rows[key] = row
	return nil
}

func (s *state) delete(kind *orm.EntityKind, key any) error {
	key = orm.NormalizeKey(key)
	t := s.table(kind.Table)
	if _, ok := t.rows[key]; !ok {
		return orm.NotFound(kind.Name, key)
	}
	delete(t.rows, key)
	for i, k := range t.order {
		if k == key {
			t.order = append(t.order[:i], t.order[i+1:]...)
			break
		}
	}
	return nil
}

func (s *state) selectRows(stmt *query.Statement, params query.Params) []orm.Record {
	t := s.table(stmt.Entity.Table)
	var out []orm.Record
	for _, k := range t.order {
		r := t.rows[k]
		if store.Match(stmt, r, params) {
			out = append(out, r.Clone())
		}
	}
	return store.SortAndLimit(stmt, out)
}

// execute 执行 update / delete 语句，返回影响行数
func (s *state) execute(stmt *query.Statement, params query.Params) (int64, error) {
	t := s.table(stmt.Entity.Table)
	var hit []any
	for _, k := range t.order {
		if store.Match(stmt, t.rows[k], params) {
			hit = append(hit, k)
		}
	}
	for _, k := range hit {
		switch stmt.Op {
		case query.OpDelete:
			if err := s.delete(stmt.Entity, k); err != nil {
				return 0, err
			}
		case query.OpUpdate:
			t.rows[k] = store.Apply(stmt, t.rows[k], params)
		}
	}
	return int64(len(hit)), nil
}

func linkRow(join orm.JoinTable, ownerKey, targetKey any) orm.Record {
	return orm.Record{
		join.OwnerColumn:  orm.NormalizeKey(ownerKey),
		join.TargetColumn: orm.NormalizeKey(targetKey),
	}
}

func (s *state) linkTable(name string) *linkTable {
	l, ok := s.links[name]
	if !ok {
		l = &linkTable{}
		s.links[name] = l
	}
	return l
}

func (s *state) insertLink(join orm.JoinTable, ownerKey, targetKey any) error {
	l := s.linkTable(join.Table)
	row := linkRow(join, ownerKey, targetKey)
	for _, r := range l.rows {
		if reflect.DeepEqual(r, row) {
			return orm.ErrDuplicateKey.WithContext("join", join.Table)
		}
	}
	l.rows = append(l.rows, row)
	return nil
}

func (s *state) deleteLink(join orm.JoinTable, ownerKey, targetKey any) {
	l := s.linkTable(join.Table)
	row := linkRow(join, ownerKey, targetKey)
	out := l.rows[:0]
	for _, r := range l.rows {
		if !reflect.DeepEqual(r, row) {
			out = append(out, r)
		}
	}
	l.rows = out
}

func (s *state) loadLinks(join orm.JoinTable, ownerKey any) []any {
	ownerKey = orm.NormalizeKey(ownerKey)
	var out []any
	for _, r := range s.linkTable(join.Table).rows {
		if store.ValueEqual(r[join.OwnerColumn], ownerKey) {
			out = append(out, r[join.TargetColumn])
		}
	}
	return out
}
