// Package query 定义启动时注册的命名语句
//
// 语句只表达记录存储能原生执行的形状：按列等值过滤的 select / update / delete，
// 外加排序与条数限制。各存储自行翻译（SQL 构建器、内存谓词匹配、Redis 索引扫描）。
package query

import (
	"fmt"

	"gopersist/data/orm"
	"gopersist/errors"
)

// Op 语句类型
type Op string

const (
	OpSelect Op = "select"
	OpUpdate Op = "update"
	OpDelete Op = "delete"
)

// Predicate column = :param
type Predicate struct {
	Column string
	Param  string
}

// Assignment SET column = :param
type Assignment struct {
	Column string
	Param  string
}

// Order 排序
type Order struct {
	Column string
	Desc   bool
}

// Params 语句参数
type Params map[string]any

// Statement 已构建的语句。注册并 Seal 后 Entity 指向目标实体类型。
type Statement struct {
	Name    string
	Kind    string
	Op      Op
	Where   []Predicate
	Set     []Assignment
	OrderBy []Order
	Limit   int

	Entity *orm.EntityKind
}

// Builder 语句构建器
type Builder struct {
	stmt Statement
}

// Select 构建命名查询
func Select(name, kind string) *Builder {
	return &Builder{stmt: Statement{Name: name, Kind: kind, Op: OpSelect}}
}

// Update 构建命名批量更新
func Update(name, kind string) *Builder {
	return &Builder{stmt: Statement{Name: name, Kind: kind, Op: OpUpdate}}
}

// Delete 构建命名批量删除
func Delete(name, kind string) *Builder {
	return &Builder{stmt: Statement{Name: name, Kind: kind, Op: OpDelete}}
}

// Where 追加 column = :param 条件，多个条件以 AND 连接
func (b *Builder) Where(column, param string) *Builder {
	b.stmt.Where = append(b.stmt.Where, Predicate{Column: column, Param: param})
	return b
}

// Set 追加 update 赋值
func (b *Builder) Set(column, param string) *Builder {
	b.stmt.Set = append(b.stmt.Set, Assignment{Column: column, Param: param})
	return b
}

// OrderBy 追加排序（仅 select）
func (b *Builder) OrderBy(column string, desc bool) *Builder {
	b.stmt.OrderBy = append(b.stmt.OrderBy, Order{Column: column, Desc: desc})
	return b
}

// Limit 限制条数（仅 select），0 表示不限制
func (b *Builder) Limit(n int) *Builder {
	b.stmt.Limit = n
	return b
}

// Build 返回语句副本
func (b *Builder) Build() *Statement {
	s := b.stmt
	s.Where = append([]Predicate(nil), b.stmt.Where...)
	s.Set = append([]Assignment(nil), b.stmt.Set...)
	s.OrderBy = append([]Order(nil), b.stmt.OrderBy...)
	return &s
}

// For 构建绑定到实体类型的临时语句（不注册），用于集合加载
func (b *Builder) For(kind *orm.EntityKind) (*Statement, error) {
	s := b.Build()
	s.Kind = kind.Name
	if err := s.resolve(kind); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Statement) resolve(kind *orm.EntityKind) error {
	fail := func(msg string) error {
		return errors.NewError(errors.ErrCodeValidation, fmt.Sprintf("语句 %s: %s", s.Name, msg)).
			WithContext("statement", s.Name)
	}

	switch s.Op {
	case OpSelect:
		if len(s.Set) > 0 {
			return fail("select cannot set columns")
		}
	case OpUpdate:
		if len(s.Set) == 0 {
			return fail("update requires at least one assignment")
		}
		if len(s.OrderBy) > 0 || s.Limit > 0 {
			return fail("update cannot order or limit")
		}
	case OpDelete:
		if len(s.Set) > 0 || len(s.OrderBy) > 0 || s.Limit > 0 {
			return fail("delete only accepts where predicates")
		}
	default:
		return fail("unknown op " + string(s.Op))
	}
	if s.Limit < 0 {
		return fail("limit cannot be negative")
	}

	for _, p := range s.Where {
		if !kind.HasColumn(p.Column) {
			return fail("unknown column " + p.Column)
		}
		if p.Param == "" {
			return fail("empty parameter name for " + p.Column)
		}
	}
	for _, a := range s.Set {
		if !kind.HasColumn(a.Column) {
			return fail("unknown column " + a.Column)
		}
		if a.Column == kind.PrimaryKey.Column {
			return fail("cannot assign primary key")
		}
	}
	for _, o := range s.OrderBy {
		if !kind.HasColumn(o.Column) {
			return fail("unknown order column " + o.Column)
		}
	}
	s.Entity = kind
	return nil
}

// Params 返回语句需要的参数名（去重，按出现顺序）
func (s *Statement) Params() []string {
	seen := make(map[string]bool)
	var out []string
	add := func(p string) {
		if !seen[p] {
			seen[p] = true
			out = append(out, p)
		}
	}
	for _, a := range s.Set {
		add(a.Param)
	}
	for _, p := range s.Where {
		add(p.Param)
	}
	return out
}

// Bind 校验参数齐全且没有多余参数，返回归一化后的副本（整数统一为 int64）
func (s *Statement) Bind(params Params) (Params, error) {
	required := s.Params()
	out := make(Params, len(required))
	for _, name := range required {
		v, ok := params[name]
		if !ok {
			return nil, errors.NewError(errors.ErrCodeInvalidInput, "缺少语句参数 "+name).
				WithContext("statement", s.Name)
		}
		out[name] = orm.NormalizeKey(v)
	}
	if len(params) > len(required) {
		for name := range params {
			if _, ok := out[name]; !ok {
				return nil, errors.NewError(errors.ErrCodeInvalidInput, "未知的语句参数 "+name).
					WithContext("statement", s.Name)
			}
		}
	}
	return out, nil
}

// KeyEquality 判断 delete 是否仅按主键等值过滤；是则返回主键参数名
func (s *Statement) KeyEquality() (param string, ok bool) {
	if s.Op != OpDelete || s.Entity == nil || len(s.Where) != 1 {
		return "", false
	}
	if s.Where[0].Column != s.Entity.PrimaryKey.Column {
		return "", false
	}
	return s.Where[0].Param, true
}
