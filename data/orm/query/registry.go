package query

import (
	"sort"
	"sync"
	"sync/atomic"

	"gopersist/data/orm"
	"gopersist/errors"
)

// ErrUnknownStatement 未注册的语句名
var ErrUnknownStatement = errors.NewError(errors.ErrCodeNotFound, "未注册的命名语句")

// Registry 命名语句注册表，启动时注册，Seal 后只读
type Registry struct {
	mu     sync.Mutex
	sealed atomic.Bool
	stmts  map[string]*Statement
}

// NewRegistry 创建空注册表
func NewRegistry() *Registry {
	return &Registry{stmts: make(map[string]*Statement)}
}

// Register 注册语句
func (r *Registry) Register(builders ...*Builder) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, b := range builders {
		s := b.Build()
		if r.sealed.Load() {
			return errors.NewError(errors.ErrCodeValidation, "语句注册表已封存").WithContext("statement", s.Name)
		}
		if s.Name == "" {
			return errors.NewError(errors.ErrCodeValidation, "语句名不能为空")
		}
		if _, dup := r.stmts[s.Name]; dup {
			return errors.NewError(errors.ErrCodeValidation, "语句重复注册").WithContext("statement", s.Name)
		}
		r.stmts[s.Name] = s
	}
	return nil
}

// Seal 按实体注册表解析并校验全部语句
func (r *Registry) Seal(kinds *orm.Registry) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.sealed.Load() {
		return nil
	}
	for _, name := range r.namesLocked() {
		s := r.stmts[name]
		kind, err := kinds.Describe(s.Kind)
		if err != nil {
			return err
		}
		if err := s.resolve(kind); err != nil {
			return err
		}
	}
	r.sealed.Store(true)
	return nil
}

// Lookup 按名称查找语句
func (r *Registry) Lookup(name string) (*Statement, error) {
	if !r.sealed.Load() {
		r.mu.Lock()
		defer r.mu.Unlock()
	}
	s, ok := r.stmts[name]
	if !ok {
		return nil, ErrUnknownStatement.WithContext("statement", name)
	}
	if s.Entity == nil {
		return nil, errors.NewError(errors.ErrCodeValidation, "语句注册表尚未封存").WithContext("statement", name)
	}
	return s, nil
}

// Names 排序后的语句名
func (r *Registry) Names() []string {
	if !r.sealed.Load() {
		r.mu.Lock()
		defer r.mu.Unlock()
	}
	return r.namesLocked()
}

func (r *Registry) namesLocked() []string {
	names := make([]string, 0, len(r.stmts))
	for n := range r.stmts {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
